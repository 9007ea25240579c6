package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/calder-b/kernelbook/internal/config"
	"github.com/calder-b/kernelbook/internal/discovery"
	"github.com/calder-b/kernelbook/internal/exec"
	"github.com/calder-b/kernelbook/internal/logger"
	"github.com/calder-b/kernelbook/internal/registry"
	"github.com/calder-b/kernelbook/internal/session"
	"github.com/calder-b/kernelbook/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "kb",
		Short: "kernelbook: run code cells on remote Jupyter kernels",
		Long:  "Connects documents with executable code cells to remote Jupyter-protocol kernels and streams results back.",
	}

	root.PersistentFlags().String("config", config.DefaultPath(), "Config file path")

	root.AddCommand(
		serverCmd(),
		kernelsCmd(),
		runCmd(),
		sessionCmd(),
		parseCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the wired-up core: every component constructed explicitly, no
// package-level singletons.
type app struct {
	cfg         *config.Config
	store       *store.Store
	discovery   *discovery.Service
	registry    *registry.Registry
	sessions    *session.Manager
	coordinator *exec.Coordinator
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	disc := discovery.New(cfg.Execution.RequestTimeout)
	reg, err := registry.New(st, disc)
	if err != nil {
		st.Close()
		return nil, err
	}
	sessions := session.NewManager(reg, disc, st)
	coord := exec.NewCoordinator(sessions, reg, st, exec.Policy{
		Attempts:    cfg.Execution.RetryAttempts,
		BaseDelay:   cfg.Execution.RetryBase,
		MaxDelay:    10 * cfg.Execution.RetryBase,
		ExecTimeout: cfg.Execution.Timeout,
	})

	// Removing a server drops its cached specs and strands its sessions.
	reg.OnRemove(disc.Invalidate)
	reg.OnRemove(sessions.MarkServerDisconnected)

	if cfg.Sessions.Shared {
		sessions.SetSharedMode(true)
	}

	return &app{
		cfg:         cfg,
		store:       st,
		discovery:   disc,
		registry:    reg,
		sessions:    sessions,
		coordinator: coord,
	}, nil
}

func (a *app) close() {
	a.store.Close()
}

// watchConfig applies config changes that are safe to pick up mid-run. Only
// the log level today; everything else is wired at construction.
func watchConfig(ctx context.Context, cmd *cobra.Command) {
	path, _ := cmd.Flags().GetString("config")
	go func() {
		err := config.Watch(ctx, path, func(cfg *config.Config) {
			logger.SetLevel(cfg.Logging.Level)
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("config watch stopped", "err", err)
		}
	}()
}
