// Package config loads the client's yaml configuration with environment
// overrides and optional live reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration. Zero values fall back to
// defaults in Load.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Logging   LoggingConfig   `yaml:"logging"`
	Execution ExecutionConfig `yaml:"execution"`
	Sessions  SessionsConfig  `yaml:"sessions"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type ExecutionConfig struct {
	// RequestTimeout bounds each REST call to a server.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Timeout fails an execution locally; zero waits forever.
	Timeout time.Duration `yaml:"timeout"`
	// RetryAttempts caps kernel start/connect retries.
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBase     time.Duration `yaml:"retry_base"`
}

type SessionsConfig struct {
	// Shared routes every cell to one implicit session.
	Shared bool `yaml:"shared"`
}

// DefaultPath is ~/.kernelbook/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".kernelbook", "config.yaml")
}

// Load reads the config file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".kernelbook")
		} else {
			cfg.DataDir = "."
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Execution.RequestTimeout == 0 {
		cfg.Execution.RequestTimeout = 10 * time.Second
	}
	if cfg.Execution.RetryAttempts == 0 {
		cfg.Execution.RetryAttempts = 3
	}
	if cfg.Execution.RetryBase == 0 {
		cfg.Execution.RetryBase = 500 * time.Millisecond
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KERNELBOOK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KERNELBOOK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects configurations the rest of the program cannot honor.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error")
	}
	if c.Execution.RetryAttempts < 1 {
		return fmt.Errorf("execution.retry_attempts must be at least 1")
	}
	if c.Execution.RequestTimeout < 0 || c.Execution.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// DBPath is the sqlite file under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "kernelbook.db")
}
