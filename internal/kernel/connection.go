// Package kernel holds the WebSocket protocol state machine for one running
// kernel: envelope construction, request/reply correlation by msg_id, and
// output demultiplexing onto cells.
package kernel

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/calder-b/kernelbook/internal/errdefs"
	"github.com/calder-b/kernelbook/internal/logger"
	"github.com/calder-b/kernelbook/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 16 * 1024 * 1024 // rich display payloads get large
)

// State of the connection. Busy is Connected with requests in flight.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Busy
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Busy:
		return "busy"
	default:
		return "disconnected"
	}
}

// CellSink receives demultiplexed kernel output. Implemented by the
// execution coordinator; the connection never mutates cells directly.
type CellSink interface {
	AppendStream(cellID, text string)
	SetResult(cellID, mime, text string)
	SetKernelError(cellID string, kerr *errdefs.KernelError)
	// FinalizeCell is called exactly once per request, on the idle status.
	FinalizeCell(cellID string)
	// FailCell is called when the connection drops with the request pending.
	FailCell(cellID string, err error)
}

// Connection is one WebSocket to one running kernel, shared by every cell of
// its session. Only this object touches the raw socket.
type Connection struct {
	sink CellSink

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	kernelID  string
	sessionID string            // ws-level session identity, fresh per Open
	pending   map[string]string // msg_id → cell id
	cancel    context.CancelFunc

	// OnStateChange fires outside the lock on every transition.
	OnStateChange func(state State, err error)
}

func NewConnection(sink CellSink) *Connection {
	return &Connection{
		sink:    sink,
		pending: make(map[string]string),
	}
}

// State reports the current machine state; Busy when requests are in flight.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Connected && len(c.pending) > 0 {
		return Busy
	}
	return c.state
}

// KernelID returns the kernel this connection is bound to.
func (c *Connection) KernelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kernelID
}

// Open dials the kernel's channels endpoint and starts the read loop.
// wsBase is the ws:// or wss:// origin; the token travels in the query
// string, as the channels endpoint ignores headers on some deployments.
func (c *Connection) Open(ctx context.Context, wsBase, kernelID, token string) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return fmt.Errorf("open: connection is %s", c.state)
	}
	c.state = Connecting
	c.sessionID = uuid.NewString()
	c.kernelID = kernelID
	c.mu.Unlock()
	c.notifyState(Connecting, nil)

	target := fmt.Sprintf("%s/api/kernels/%s/channels?session_id=%s", wsBase, kernelID, c.sessionID)
	if token != "" {
		target += "&token=" + url.QueryEscape(token)
	}

	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		wrapped := errdefs.Connectivity("dial kernel "+kernelID, err)
		c.notifyState(Disconnected, wrapped)
		return wrapped
	}
	conn.SetReadLimit(readLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.state = Connected
	sessionID := c.sessionID
	c.mu.Unlock()
	c.notifyState(Connected, nil)

	// Probe the fresh channel so a wedged kernel surfaces on open instead of
	// on the first execute. No pending entry: the reply carries an unmatched
	// parent id and drops silently.
	if msg, err := protocol.NewMessage(sessionID, protocol.MsgKernelInfoRequest, protocol.ChannelShell, protocol.KernelInfoRequest{}); err == nil {
		if err := writeJSON(ctx, conn, msg); err != nil {
			logger.Warn("kernel info probe failed", "kernel", kernelID, "err", err)
		}
	}

	go c.readLoop(readCtx, conn)
	return nil
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		c.handleRaw(data)
	}
}

// Send builds an envelope for cellID, records the pending correlation, and
// writes it on the shell channel. Fails fast when not connected; the caller
// owns reconnection. Returns the new msg_id.
func (c *Connection) Send(ctx context.Context, cellID, msgType string, content any) (string, error) {
	c.mu.Lock()
	if c.state != Connected {
		state := c.state
		c.mu.Unlock()
		return "", fmt.Errorf("send while %s: %w", state, errdefs.ErrNotConnected)
	}
	conn := c.conn
	sessionID := c.sessionID
	c.mu.Unlock()

	msg, err := protocol.NewMessage(sessionID, msgType, protocol.ChannelShell, content)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.pending[msg.Header.MsgID] = cellID
	c.mu.Unlock()

	if err := writeJSON(ctx, conn, msg); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.Header.MsgID)
		c.mu.Unlock()
		return "", errdefs.Connectivity("send "+msgType, err)
	}
	logger.Debug("request sent", "msg_type", msgType, "msg_id", msg.Header.MsgID, "cell", cellID)
	return msg.Header.MsgID, nil
}

// Interrupt sends interrupt_request on the control channel. It records no
// pending entry and clears none: finalization still depends on a later
// error or idle from the kernel.
func (c *Connection) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Connected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("interrupt while %s: %w", state, errdefs.ErrNotConnected)
	}
	conn := c.conn
	sessionID := c.sessionID
	c.mu.Unlock()

	msg, err := protocol.NewMessage(sessionID, protocol.MsgInterruptRequest, protocol.ChannelControl, protocol.InterruptRequest{})
	if err != nil {
		return err
	}
	if err := writeJSON(ctx, conn, msg); err != nil {
		return errdefs.Connectivity("send interrupt", err)
	}
	return nil
}

// HasPending reports whether cellID has a request in flight on this
// connection.
func (c *Connection) HasPending(cellID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.pending {
		if id == cellID {
			return true
		}
	}
	return false
}

// Close shuts the socket down gracefully. Idempotent. Outstanding requests
// fail with a disconnect error, same as an unexpected drop.
func (c *Connection) Close() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	alreadyClosed := c.state == Disconnected
	c.mu.Unlock()
	if alreadyClosed {
		return
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	c.handleDisconnect(nil)
}

// handleDisconnect moves to Disconnected and fails every pending cell.
// Safe to call from both the read loop and Close; only the first transition
// does the work.
func (c *Connection) handleDisconnect(cause error) {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	orphans := c.pending
	c.pending = make(map[string]string)
	c.mu.Unlock()

	for msgID, cellID := range orphans {
		logger.Warn("request orphaned by disconnect", "msg_id", msgID, "cell", cellID)
		c.sink.FailCell(cellID, errdefs.Connectivity("kernel disconnected", cause))
	}
	c.notifyState(Disconnected, cause)
}

// handleRaw parses one frame and dispatches it. Malformed input and
// unmatched parent ids are dropped; nothing on this path may error a cell
// or take the socket down.
func (c *Connection) handleRaw(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		perr := &errdefs.ProtocolError{Reason: "undecodable frame", Err: err}
		logger.Warn("dropping message", "err", perr)
		return
	}

	parentID := msg.ParentHeader.MsgID
	c.mu.Lock()
	cellID, matched := c.pending[parentID]
	c.mu.Unlock()
	if !matched {
		// Stray reply, e.g. from before a reconnect, or another client on
		// the same kernel. Ignored by design.
		return
	}

	content, err := msg.ParseContent()
	if err != nil {
		perr := &errdefs.ProtocolError{Reason: "bad " + msg.Header.MsgType + " content", Err: err}
		logger.Warn("dropping message", "err", perr, "msg_id", parentID)
		return
	}

	switch v := content.(type) {
	case protocol.StreamContent:
		c.sink.AppendStream(cellID, v.Text)

	case protocol.ExecuteResultContent:
		if mime, text := protocol.RichestMime(v.Data); mime != "" {
			c.sink.SetResult(cellID, mime, text)
		}

	case protocol.DisplayDataContent:
		if mime, text := protocol.RichestMime(v.Data); mime != "" {
			c.sink.SetResult(cellID, mime, text)
		}

	case protocol.ErrorContent:
		// Terminal for correctness but not for the request: only idle
		// removes the pending entry.
		c.sink.SetKernelError(cellID, &errdefs.KernelError{
			Name:      v.EName,
			Value:     v.EValue,
			Traceback: v.Traceback,
		})

	case protocol.StatusContent:
		if v.ExecutionState == protocol.StateIdle {
			c.mu.Lock()
			delete(c.pending, parentID)
			c.mu.Unlock()
			c.sink.FinalizeCell(cellID)
		}

	case protocol.ExecuteReplyContent:
		// The reply's status duplicates what iopub already delivered;
		// completion is driven by idle alone.

	case protocol.UnknownContent:
		logger.Debug("ignoring message", "msg_type", v.MsgType)
	}
}

func (c *Connection) notifyState(s State, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(s, err)
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, msg *protocol.Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}
