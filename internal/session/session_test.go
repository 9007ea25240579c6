package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/calder-b/kernelbook/internal/discovery"
	"github.com/calder-b/kernelbook/internal/errdefs"
	"github.com/calder-b/kernelbook/internal/kernel"
	"github.com/calder-b/kernelbook/internal/registry"
)

// jupyterStub fakes the REST surface the manager touches.
type jupyterStub struct {
	starts    atomic.Int32
	gets      atomic.Int32
	deadAfter int32 // kernels created at or before this index report 404
	nextID    atomic.Int32
}

func (j *jupyterStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/kernelspecs":
			json.NewEncoder(w).Encode(map[string]any{
				"default": "python3",
				"kernelspecs": map[string]any{
					"python3": map[string]any{
						"name": "python3",
						"spec": map[string]any{"display_name": "Python 3", "language": "python"},
					},
				},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/api/kernels":
			n := j.nextID.Add(1)
			j.starts.Add(1)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"id": kernelID(n), "name": "python3"})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/kernels/"):
			j.gets.Add(1)
			id := strings.TrimPrefix(r.URL.Path, "/api/kernels/")
			if j.deadAfter > 0 && id == kernelID(j.deadAfter) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"id": id, "name": "python3"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func kernelID(n int32) string {
	return "k-" + strconv.Itoa(int(n))
}

type nopSink struct{}

func (nopSink) AppendStream(string, string)                 {}
func (nopSink) SetResult(string, string, string)            {}
func (nopSink) SetKernelError(string, *errdefs.KernelError) {}
func (nopSink) FinalizeCell(string)                         {}
func (nopSink) FailCell(string, error)                      {}

// setup wires a registry + manager against a stub Jupyter server.
func setup(t *testing.T, stub *jupyterStub) (*Manager, *registry.Registry, registry.Server) {
	t.Helper()
	ts := httptest.NewServer(stub.handler())
	t.Cleanup(ts.Close)

	srv, err := registry.ParseConnectionURL(ts.URL)
	if err != nil {
		t.Fatalf("parse stub url: %v", err)
	}

	reg, err := registry.New(nil, nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	if err := reg.AddServer(context.Background(), srv); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	m := NewManager(reg, discovery.New(0), nil)
	m.SetSink(nopSink{})
	return m, reg, srv
}

func TestCreateSessionIsLazy(t *testing.T) {
	stub := &jupyterStub{}
	m, _, srv := setup(t, stub)

	s := m.CreateSession("", &srv, "python3")
	if s.ID == "" {
		t.Fatal("session has no id")
	}
	if s.KernelID != "" {
		t.Errorf("kernel started eagerly: %q", s.KernelID)
	}
	if got := stub.starts.Load(); got != 0 {
		t.Errorf("kernel starts = %d, want 0 before first resolve", got)
	}
}

func TestResolveKernelStartsThenReuses(t *testing.T) {
	stub := &jupyterStub{}
	m, _, srv := setup(t, stub)

	s := m.CreateSession("", &srv, "python3")
	id1, client, err := m.ResolveKernel(context.Background(), s)
	if err != nil {
		t.Fatalf("ResolveKernel: %v", err)
	}
	if id1 == "" || client == nil {
		t.Fatal("resolve returned empty kernel or client")
	}
	if got := stub.starts.Load(); got != 1 {
		t.Errorf("kernel starts = %d, want 1", got)
	}

	id2, _, err := m.ResolveKernel(context.Background(), s)
	if err != nil {
		t.Fatalf("ResolveKernel (second): %v", err)
	}
	if id2 != id1 {
		t.Errorf("second resolve got %q, want reuse of %q", id2, id1)
	}
	if got := stub.starts.Load(); got != 1 {
		t.Errorf("kernel starts = %d, want 1 (reconnect, not restart)", got)
	}
}

func TestResolveKernelReplacesDeadKernel(t *testing.T) {
	stub := &jupyterStub{deadAfter: 1}
	m, _, srv := setup(t, stub)

	s := m.CreateSession("", &srv, "python3")
	id1, _, err := m.ResolveKernel(context.Background(), s)
	if err != nil {
		t.Fatalf("ResolveKernel: %v", err)
	}

	// The stub reports kernel 1 dead; resolve must start a replacement.
	id2, _, err := m.ResolveKernel(context.Background(), s)
	if err != nil {
		t.Fatalf("ResolveKernel (replacement): %v", err)
	}
	if id2 == id1 {
		t.Error("dead kernel id was reused")
	}
	if got := stub.starts.Load(); got != 2 {
		t.Errorf("kernel starts = %d, want 2", got)
	}
}

func TestResolveUsesDefaultKernelName(t *testing.T) {
	stub := &jupyterStub{}
	m, _, srv := setup(t, stub)

	s := m.CreateSession("", &srv, "")
	if _, _, err := m.ResolveKernel(context.Background(), s); err != nil {
		t.Fatalf("ResolveKernel: %v", err)
	}
	if s.KernelName != "python3" {
		t.Errorf("KernelName = %q, want python3 (server default)", s.KernelName)
	}
}

func TestMarkServerDisconnectedFailsFast(t *testing.T) {
	stub := &jupyterStub{}
	m, _, srv := setup(t, stub)

	s := m.CreateSession("", &srv, "python3")
	m.MarkServerDisconnected(srv.Key())

	_, _, err := m.ResolveKernel(context.Background(), s)
	if err == nil {
		t.Fatal("resolve succeeded on a disconnected session")
	}
	var ce *errdefs.ConnectivityError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want ConnectivityError", err)
	}
	if errdefs.IsRetryable(err) {
		t.Error("removed-server error is retryable; it must fail fast")
	}
	if got := stub.starts.Load(); got != 0 {
		t.Errorf("kernel starts = %d, want 0 (no network after disconnect)", got)
	}
}

func TestRemovedServerFailsFast(t *testing.T) {
	stub := &jupyterStub{}
	m, reg, srv := setup(t, stub)

	s := m.CreateSession("", &srv, "python3")
	if err := reg.RemoveServer(srv); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}

	_, _, err := m.ResolveKernel(context.Background(), s)
	if err == nil || errdefs.IsRetryable(err) {
		t.Errorf("err = %v, want non-retryable failure after registry removal", err)
	}
}

func TestCellBelongsToOneSession(t *testing.T) {
	stub := &jupyterStub{}
	m, _, srv := setup(t, stub)

	var interrupted []string
	m.SetInterrupter(func(cellID string) { interrupted = append(interrupted, cellID) })

	a := m.CreateSession("a", &srv, "python3")
	b := m.CreateSession("b", &srv, "python3")

	if err := m.AddCellToSession("cell-1", a.ID); err != nil {
		t.Fatalf("AddCellToSession: %v", err)
	}
	if err := m.AddCellToSession("cell-1", b.ID); err != nil {
		t.Fatalf("AddCellToSession (rebind): %v", err)
	}

	if len(interrupted) != 1 || interrupted[0] != "cell-1" {
		t.Errorf("interrupted = %v, want [cell-1]", interrupted)
	}
	if _, ok := a.cells["cell-1"]; ok {
		t.Error("cell still attached to old session")
	}
	if _, ok := b.cells["cell-1"]; !ok {
		t.Error("cell not attached to new session")
	}

	// Re-adding to the same session is a no-op, no interrupt.
	if err := m.AddCellToSession("cell-1", b.ID); err != nil {
		t.Fatalf("AddCellToSession (same): %v", err)
	}
	if len(interrupted) != 1 {
		t.Errorf("no-op rebind interrupted: %v", interrupted)
	}
}

func TestAnonymousSessionDestroyedWithLastCell(t *testing.T) {
	stub := &jupyterStub{}
	m, _, srv := setup(t, stub)

	s, err := m.SessionForCell("cell-1", &srv, "python3")
	if err != nil {
		t.Fatalf("SessionForCell: %v", err)
	}
	m.RemoveCellFromSession("cell-1")
	if _, ok := m.Get(s.ID); ok {
		t.Error("anonymous empty session survived")
	}

	// Named sessions stick around.
	named := m.CreateSession("keep", &srv, "python3")
	if err := m.AddCellToSession("cell-2", named.ID); err != nil {
		t.Fatalf("AddCellToSession: %v", err)
	}
	m.RemoveCellFromSession("cell-2")
	if _, ok := m.Get(named.ID); !ok {
		t.Error("named session destroyed with last cell")
	}
}

func TestSharedModeRoutesAllCells(t *testing.T) {
	stub := &jupyterStub{}
	m, _, srv := setup(t, stub)
	if err := m.SetSharedMode(true); err != nil {
		t.Fatalf("SetSharedMode: %v", err)
	}

	s1, err := m.SessionForCell("cell-1", &srv, "python3")
	if err != nil {
		t.Fatalf("SessionForCell: %v", err)
	}
	s2, err := m.SessionForCell("cell-2", nil, "")
	if err != nil {
		t.Fatalf("SessionForCell: %v", err)
	}
	if s1.ID != s2.ID {
		t.Errorf("shared mode gave different sessions: %q vs %q", s1.ID, s2.ID)
	}
	if got := len(m.Cells(s1)); got != 2 {
		t.Errorf("shared session cells = %d, want 2", got)
	}

	// Shared mode wins even for a cell already bound elsewhere.
	if err := m.SetSharedMode(false); err != nil {
		t.Fatalf("SetSharedMode(false): %v", err)
	}
	own, err := m.SessionForCell("cell-3", &srv, "python3")
	if err != nil {
		t.Fatalf("SessionForCell: %v", err)
	}
	if own.ID == s1.ID {
		t.Error("per-cell mode still routed to the shared session")
	}
}

func TestSharedSessionSingleUnderConcurrency(t *testing.T) {
	stub := &jupyterStub{}
	m, _, srv := setup(t, stub)
	if err := m.SetSharedMode(true); err != nil {
		t.Fatalf("SetSharedMode: %v", err)
	}

	const cells = 16
	ids := make([]string, cells)
	var wg sync.WaitGroup
	for i := 0; i < cells; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.SessionForCell("cell-"+strconv.Itoa(i), &srv, "python3")
			if err != nil {
				t.Errorf("SessionForCell: %v", err)
				return
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < cells; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("shared mode split cells across sessions: %q vs %q", ids[i], ids[0])
		}
	}
	if got := len(m.List()); got != 1 {
		t.Errorf("session count = %d, want 1", got)
	}
	s, _ := m.Get(ids[0])
	if got := len(m.Cells(s)); got != cells {
		t.Errorf("shared session cells = %d, want %d", got, cells)
	}
}

func TestConnectionSharedPerSession(t *testing.T) {
	stub := &jupyterStub{}
	m, _, srv := setup(t, stub)

	s := m.CreateSession("", &srv, "python3")
	c1 := m.Connection(s)
	c2 := m.Connection(s)
	if c1 != c2 {
		t.Error("session handed out two connections")
	}
	if c1.State() != kernel.Disconnected {
		t.Errorf("fresh connection state = %v, want disconnected", c1.State())
	}
}
