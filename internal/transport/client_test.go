package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/calder-b/kernelbook/internal/errdefs"
)

const specsJSON = `{
	"default": "python3",
	"kernelspecs": {
		"python3": {"name": "python3", "spec": {"display_name": "Python 3", "language": "python", "argv": ["python"]}},
		"ir": {"name": "ir", "spec": {"display_name": "R", "language": "r", "argv": ["R"]}}
	}
}`

func TestListKernelSpecs(t *testing.T) {
	var gotAuth, gotQueryToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/kernelspecs" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotQueryToken = r.URL.Query().Get("token")
		w.Write([]byte(specsJSON))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sekrit", time.Second)
	specs, def, err := c.ListKernelSpecs(context.Background())
	if err != nil {
		t.Fatalf("ListKernelSpecs: %v", err)
	}
	if def != "python3" {
		t.Errorf("default = %q, want python3", def)
	}
	if len(specs) != 2 {
		t.Fatalf("specs len = %d, want 2", len(specs))
	}
	if gotAuth != "token sekrit" {
		t.Errorf("Authorization = %q, want token sekrit", gotAuth)
	}
	if gotQueryToken != "sekrit" {
		t.Errorf("query token = %q, want sekrit", gotQueryToken)
	}
}

func TestStartAndGetKernel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/kernels":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"k-123","name":"python3"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/kernels/k-123":
			w.Write([]byte(`{"id":"k-123","name":"python3","execution_state":"idle"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/kernels/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	k, err := c.StartKernel(context.Background(), "python3")
	if err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	if k.ID != "k-123" {
		t.Errorf("kernel id = %q", k.ID)
	}

	got, err := c.GetKernel(context.Background(), "k-123")
	if err != nil {
		t.Fatalf("GetKernel: %v", err)
	}
	if got == nil || got.ExecutionState != "idle" {
		t.Errorf("GetKernel = %+v", got)
	}

	// 404 means nil kernel, nil error: the caller starts a replacement.
	gone, err := c.GetKernel(context.Background(), "gone")
	if err != nil {
		t.Fatalf("GetKernel(gone): %v", err)
	}
	if gone != nil {
		t.Errorf("GetKernel(gone) = %+v, want nil", gone)
	}
}

func TestAuthErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad", time.Second)
	_, _, err := c.ListKernelSpecs(context.Background())
	if !errdefs.IsAuth(err) {
		t.Errorf("err = %v, want AuthError", err)
	}
}

func TestConnectivityErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse everything

	c := NewClient(srv.URL, "", 200*time.Millisecond)
	_, _, err := c.ListKernelSpecs(context.Background())
	if !errdefs.IsRetryable(err) {
		t.Errorf("err = %v, want retryable ConnectivityError", err)
	}
}

func TestWSBaseURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8888", "ws://localhost:8888"},
		{"https://hub.example.org", "wss://hub.example.org"},
	}
	for _, tt := range tests {
		c := NewClient(tt.base, "", 0)
		if got := c.WSBaseURL(); got != tt.want {
			t.Errorf("WSBaseURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestInterruptKernel(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/kernels/k-1/interrupt" {
			called = true
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	if err := c.InterruptKernel(context.Background(), "k-1"); err != nil {
		t.Fatalf("InterruptKernel: %v", err)
	}
	if !called {
		t.Error("interrupt endpoint not hit")
	}
}
