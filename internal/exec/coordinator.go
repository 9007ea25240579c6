// Package exec drives per-cell execution: session and kernel resolution,
// the execute round trip, retry on transient connectivity failures, and
// cancellation. It is the CellSink for every kernel connection, so all cell
// state changes funnel through one place.
package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calder-b/kernelbook/internal/errdefs"
	"github.com/calder-b/kernelbook/internal/kernel"
	"github.com/calder-b/kernelbook/internal/logger"
	"github.com/calder-b/kernelbook/internal/protocol"
	"github.com/calder-b/kernelbook/internal/registry"
	"github.com/calder-b/kernelbook/internal/session"
	"github.com/calder-b/kernelbook/internal/store"
)

// Policy bounds the coordinator's retry and timeout behavior.
type Policy struct {
	// Attempts caps kernel start/connect tries per execution.
	Attempts int
	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// ExecTimeout fails an execution locally when the kernel takes longer.
	// Zero disables the local timeout.
	ExecTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
}

// Coordinator owns cell execution state. One per document.
type Coordinator struct {
	mu    sync.Mutex
	cells map[string]*Cell
	// connecting tracks cancel functions for executions still resolving or
	// dialing, keyed by cell id. Cancel kills the attempt before any request
	// is on the wire.
	connecting map[string]context.CancelFunc

	sessions *session.Manager
	reg      *registry.Registry
	st       *store.Store // nil disables kernel-preference persistence
	policy   Policy

	// OnCellChange is invoked with a snapshot after every visible cell
	// mutation. Runs on whatever goroutine made the change; keep it cheap.
	OnCellChange func(CellSnapshot)
}

func NewCoordinator(sessions *session.Manager, reg *registry.Registry, st *store.Store, policy Policy) *Coordinator {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	c := &Coordinator{
		cells:      make(map[string]*Cell),
		connecting: make(map[string]context.CancelFunc),
		sessions:   sessions,
		reg:        reg,
		st:         st,
		policy:     policy,
	}
	sessions.SetSink(c)
	sessions.SetInterrupter(func(cellID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.CancelExecution(ctx, cellID); err != nil {
			logger.Warn("interrupt on session switch", "cell", cellID, "err", err)
		}
	})
	return c
}

// AddCell registers a cell with the coordinator. A persisted kernel
// preference for the cell id is loaded so a reopened document resolves to
// the same server and kernel it last used.
func (c *Coordinator) AddCell(id, code, language string) {
	cell := &Cell{ID: id, Code: code, Language: language}
	if c.st != nil {
		pref, err := c.st.GetKernelPref(id)
		if err != nil {
			logger.Warn("load kernel pref", "cell", id, "err", err)
		} else if pref != nil {
			cell.ServerKey = pref.ServerKey
			cell.KernelName = pref.KernelName
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.cells[id]; exists {
		return
	}
	c.cells[id] = cell
}

// RemoveCell forgets a cell and detaches it from its session.
func (c *Coordinator) RemoveCell(id string) {
	c.mu.Lock()
	delete(c.cells, id)
	c.mu.Unlock()
	c.sessions.RemoveCellFromSession(id)
}

// SetCode updates a cell's code text.
func (c *Coordinator) SetCode(id, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.cells[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, errdefs.ErrCellNotFound)
	}
	cell.Code = code
	return nil
}

// SetKernelPreference records the cell's preferred server and kernel.
func (c *Coordinator) SetKernelPreference(id, serverKey, kernelName string) error {
	c.mu.Lock()
	cell, ok := c.cells[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", id, errdefs.ErrCellNotFound)
	}
	cell.ServerKey = serverKey
	cell.KernelName = kernelName
	c.mu.Unlock()
	if c.st != nil {
		return c.st.SaveKernelPref(store.KernelPref{BlockID: id, ServerKey: serverKey, KernelName: kernelName})
	}
	return nil
}

// GetCell returns a snapshot of the cell's current state.
func (c *Coordinator) GetCell(id string) (CellSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.cells[id]
	if !ok {
		return CellSnapshot{}, fmt.Errorf("%s: %w", id, errdefs.ErrCellNotFound)
	}
	return cell.snapshot(), nil
}

// ExecuteCell runs a cell's code on its session's kernel. Returns once the
// execute_request is on the wire (or the attempt failed); completion is
// reported through OnCellChange when the kernel goes idle. Calling it again
// while the cell is executing is a no-op.
func (c *Coordinator) ExecuteCell(ctx context.Context, id string) error {
	c.mu.Lock()
	cell, ok := c.cells[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", id, errdefs.ErrCellNotFound)
	}
	if cell.IsExecuting {
		c.mu.Unlock()
		return nil
	}
	cell.IsExecuting = true
	cell.HasError = false
	cell.Error = ""
	cell.Output = ""
	cell.OutputMime = ""
	cell.finalized = false
	cell.seq++
	seq := cell.seq
	code := cell.Code
	serverKey := cell.ServerKey
	kernelName := cell.KernelName

	runCtx, cancel := context.WithCancel(ctx)
	c.connecting[id] = cancel
	c.mu.Unlock()
	c.notify(id)

	var serverPref *registry.Server
	if serverKey != "" {
		if srv, ok := c.reg.Get(serverKey); ok {
			serverPref = &srv
		}
	}

	conn, err := c.prepare(runCtx, id, serverPref, kernelName)

	c.mu.Lock()
	delete(c.connecting, id)
	cancelled := runCtx.Err() != nil
	c.mu.Unlock()
	cancel()

	if cancelled {
		// CancelExecution finalizes the cell when it kills the attempt; a
		// cancelled caller context has to be finalized here or the cell
		// would stay executing forever. failLocally no-ops when
		// CancelExecution got there first.
		c.failLocally(id, seq, &errdefs.CancellationError{CellID: id})
		return ctx.Err()
	}
	if err != nil {
		c.failLocally(id, seq, err)
		return err
	}

	msgID, err := conn.Send(ctx, id, protocol.MsgExecuteRequest, protocol.NewExecuteRequest(code))
	if err != nil {
		c.failLocally(id, seq, err)
		return err
	}
	logger.Debug("cell executing", "cell", id, "msg_id", msgID)

	if c.policy.ExecTimeout > 0 {
		go c.watchTimeout(id, seq)
	}
	return nil
}

// prepare resolves the session and kernel and returns an open connection,
// retrying transient connectivity failures under the policy.
func (c *Coordinator) prepare(ctx context.Context, cellID string, serverPref *registry.Server, kernelName string) (*kernel.Connection, error) {
	sess, err := c.sessions.SessionForCell(cellID, serverPref, kernelName)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if cell, ok := c.cells[cellID]; ok {
		cell.SessionID = sess.ID
	}
	c.mu.Unlock()

	backoff := kernel.NewBackoff(c.policy.BaseDelay, c.policy.MaxDelay)
	var lastErr error
	for attempt := 0; attempt < c.policy.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff.Next()):
			}
			logger.Info("retrying kernel start", "cell", cellID, "attempt", attempt+1)
		}

		kernelID, client, err := c.sessions.ResolveKernel(ctx, sess)
		if err != nil {
			lastErr = err
			if !errdefs.IsRetryable(err) {
				return nil, err
			}
			continue
		}

		conn := c.sessions.Connection(sess)
		switch conn.State() {
		case kernel.Connected, kernel.Busy:
			return conn, nil
		case kernel.Connecting:
			// Another cell of the session is dialing; treat as transient
			// and come back around.
			lastErr = errdefs.Connectivity("connect", fmt.Errorf("connection already in progress"))
			continue
		}

		if err := conn.Open(ctx, client.WSBaseURL(), kernelID, client.Token()); err != nil {
			lastErr = err
			if !errdefs.IsRetryable(err) {
				return nil, err
			}
			continue
		}
		c.persistPref(cellID, sess)
		return conn, nil
	}
	return nil, lastErr
}

func (c *Coordinator) persistPref(cellID string, sess *session.Session) {
	if c.st == nil {
		return
	}
	pref := store.KernelPref{BlockID: cellID, ServerKey: sess.Server.Key(), KernelName: sess.KernelName}
	if err := c.st.SaveKernelPref(pref); err != nil {
		logger.Warn("persist kernel pref", "cell", cellID, "err", err)
	}
}

// watchTimeout fails the run locally when the kernel outlasts ExecTimeout.
// The pending entry stays on the connection, so a late idle retires it
// quietly and late output still lands.
func (c *Coordinator) watchTimeout(id string, seq int) {
	timer := time.NewTimer(c.policy.ExecTimeout)
	defer timer.Stop()
	<-timer.C
	c.failLocally(id, seq, fmt.Errorf("execution timed out after %s", c.policy.ExecTimeout))
}

// failLocally finalizes a run from the coordinator's side. No-op when the
// run already completed or a newer run started.
func (c *Coordinator) failLocally(id string, seq int, cause error) {
	c.mu.Lock()
	cell, ok := c.cells[id]
	if !ok || cell.seq != seq || cell.finalized {
		c.mu.Unlock()
		return
	}
	cell.IsExecuting = false
	cell.HasError = true
	cell.Error = cause.Error()
	cell.finalized = true
	c.mu.Unlock()
	c.notify(id)
}

// CancelExecution interrupts a cell's run. While still resolving or dialing
// it cancels the attempt and finalizes immediately; once the request is on
// the wire it sends interrupt_request and leaves finalization to the
// kernel's error/idle.
func (c *Coordinator) CancelExecution(ctx context.Context, id string) error {
	c.mu.Lock()
	cell, ok := c.cells[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", id, errdefs.ErrCellNotFound)
	}
	if !cell.IsExecuting {
		c.mu.Unlock()
		return nil
	}
	if cancel, connecting := c.connecting[id]; connecting {
		delete(c.connecting, id)
		cell.IsExecuting = false
		cell.HasError = true
		cell.Error = (&errdefs.CancellationError{CellID: id}).Error()
		cell.finalized = true
		c.mu.Unlock()
		cancel()
		c.notify(id)
		return nil
	}
	sessionID := cell.SessionID
	c.mu.Unlock()

	sess, ok := c.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("%s: %w", sessionID, errdefs.ErrSessionNotFound)
	}
	conn := c.sessions.Connection(sess)
	if st := conn.State(); st == kernel.Connected || st == kernel.Busy {
		return conn.Interrupt(ctx)
	}
	// Channel is down; fall back to the REST interrupt.
	return c.restInterrupt(ctx, sess)
}

func (c *Coordinator) restInterrupt(ctx context.Context, sess *session.Session) error {
	kernelID := sess.KernelID
	if kernelID == "" {
		return nil
	}
	client := c.sessions.Transport(sess)
	if client == nil {
		return nil
	}
	return client.InterruptKernel(ctx, kernelID)
}

func (c *Coordinator) notify(id string) {
	if c.OnCellChange == nil {
		return
	}
	c.mu.Lock()
	cell, ok := c.cells[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	snap := cell.snapshot()
	c.mu.Unlock()
	c.OnCellChange(snap)
}
