// Package transport is the REST client for a Jupyter server: kernelspec
// listing, kernel lifecycle, and session listing over the standard
// /api paths, authenticated by token.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/calder-b/kernelbook/internal/errdefs"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL string // e.g. "http://localhost:8888", no trailing slash
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server's HTTP origin.
func (c *Client) BaseURL() string { return c.baseURL }

// WSBaseURL derives the WebSocket origin from the HTTP one.
func (c *Client) WSBaseURL() string {
	if strings.HasPrefix(c.baseURL, "https://") {
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(c.baseURL, "http://")
}

// Token returns the auth token for callers that need it in a query string
// (the WebSocket handshake).
func (c *Client) Token() string { return c.token }

// KernelSpec describes one installed kernel on the server.
type KernelSpec struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Language    string   `json:"language"`
	Argv        []string `json:"argv"`
}

// Kernel is a running kernel as reported by /api/kernels.
type Kernel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ExecutionState string `json:"execution_state,omitempty"`
	Connections    int    `json:"connections,omitempty"`
}

// SessionInfo is a server-side notebook session record.
type SessionInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Kernel Kernel `json:"kernel"`
}

type kernelSpecsResponse struct {
	Default     string `json:"default"`
	KernelSpecs map[string]struct {
		Name string `json:"name"`
		Spec struct {
			DisplayName string   `json:"display_name"`
			Language    string   `json:"language"`
			Argv        []string `json:"argv"`
		} `json:"spec"`
	} `json:"kernelspecs"`
}

// ListKernelSpecs fetches the installed kernelspecs and the server default.
func (c *Client) ListKernelSpecs(ctx context.Context) ([]KernelSpec, string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/kernelspecs", nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, http.StatusOK); err != nil {
		return nil, "", err
	}
	var ks kernelSpecsResponse
	if err := json.NewDecoder(resp.Body).Decode(&ks); err != nil {
		return nil, "", fmt.Errorf("decode kernelspecs: %w", err)
	}
	specs := make([]KernelSpec, 0, len(ks.KernelSpecs))
	for name, entry := range ks.KernelSpecs {
		specs = append(specs, KernelSpec{
			Name:        name,
			DisplayName: entry.Spec.DisplayName,
			Language:    entry.Spec.Language,
			Argv:        entry.Spec.Argv,
		})
	}
	return specs, ks.Default, nil
}

// StartKernel launches a new kernel of the given spec name.
func (c *Client) StartKernel(ctx context.Context, name string) (*Kernel, error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	resp, err := c.do(ctx, http.MethodPost, "/api/kernels", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, http.StatusCreated, http.StatusOK); err != nil {
		return nil, err
	}
	var k Kernel
	if err := json.NewDecoder(resp.Body).Decode(&k); err != nil {
		return nil, fmt.Errorf("decode kernel: %w", err)
	}
	return &k, nil
}

// GetKernel checks that a kernel id is still alive on the server.
func (c *Client) GetKernel(ctx context.Context, id string) (*Kernel, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/kernels/"+id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := c.checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var k Kernel
	if err := json.NewDecoder(resp.Body).Decode(&k); err != nil {
		return nil, fmt.Errorf("decode kernel: %w", err)
	}
	return &k, nil
}

// DeleteKernel shuts a kernel down.
func (c *Client) DeleteKernel(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/kernels/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, http.StatusNoContent, http.StatusOK)
}

// InterruptKernel asks the server to interrupt a kernel over REST. Used as a
// fallback when the WebSocket channel is down.
func (c *Client) InterruptKernel(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/kernels/"+id+"/interrupt", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, http.StatusNoContent, http.StatusOK)
}

// ListSessions returns the server's notebook sessions.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/sessions", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var sessions []SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	// Token goes in both the header and the query string: classic notebook
	// servers accept the header, some proxied deployments only the query.
	u := c.baseURL + path
	if c.token != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		u += sep + "token=" + url.QueryEscape(c.token)
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdefs.Connectivity(method+" "+path, err)
	}
	return resp, nil
}

func (c *Client) checkStatus(resp *http.Response, want ...int) error {
	for _, w := range want {
		if resp.StatusCode == w {
			return nil
		}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &errdefs.AuthError{Server: c.baseURL}
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s %s: status %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
}
