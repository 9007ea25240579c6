// Package session groups cells under shared kernel connections and resolves
// the backing kernel lazily.
package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/calder-b/kernelbook/internal/discovery"
	"github.com/calder-b/kernelbook/internal/errdefs"
	"github.com/calder-b/kernelbook/internal/kernel"
	"github.com/calder-b/kernelbook/internal/logger"
	"github.com/calder-b/kernelbook/internal/registry"
	"github.com/calder-b/kernelbook/internal/store"
	"github.com/calder-b/kernelbook/internal/transport"
)

// Session binds one or more cells to a single kernel connection. The kernel
// starts on first execution, not on creation.
type Session struct {
	ID         string
	Name       string
	Server     registry.Server
	hasServer  bool
	KernelName string
	KernelID   string

	cells        map[string]struct{}
	conn         *kernel.Connection
	disconnected bool // server removed or unreachable; session kept, stale
}


// Manager owns every session and the cell→session mapping.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	cellOwner  map[string]string // cell id → session id
	sharedMode bool
	sharedID   string // implicit session for shared mode, created on demand

	reg   *registry.Registry
	disc  *discovery.Service
	store *store.Store // nil disables saved-session persistence

	sink kernel.CellSink

	// interrupt is invoked before a cell changes sessions, so an in-flight
	// execution never survives a rebind. Set by the coordinator.
	interrupt func(cellID string)

	// newTransport is a test seam; defaults to the real REST client.
	newTransport func(server registry.Server) *transport.Client
}

func NewManager(reg *registry.Registry, disc *discovery.Service, st *store.Store) *Manager {
	m := &Manager{
		sessions:  make(map[string]*Session),
		cellOwner: make(map[string]string),
		reg:       reg,
		disc:      disc,
		store:     st,
	}
	m.newTransport = func(server registry.Server) *transport.Client {
		return transport.NewClient(server.BaseURL(), server.Token, 0)
	}
	if st != nil {
		if shared, err := st.SharedSessionMode(); err == nil {
			m.sharedMode = shared
		}
	}
	return m
}

// SetSink wires the coordinator in as the receiver of kernel output for
// connections created by this manager. Must be called before any execution.
func (m *Manager) SetSink(sink kernel.CellSink) { m.sink = sink }

// SetInterrupter registers the callback used to stop a cell's in-flight
// execution when it is moved between sessions.
func (m *Manager) SetInterrupter(fn func(cellID string)) { m.interrupt = fn }

// CreateSession allocates a session without starting a kernel.
func (m *Manager) CreateSession(name string, server *registry.Server, kernelName string) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		Name:       name,
		KernelName: kernelName,
		cells:      make(map[string]struct{}),
	}
	if server != nil {
		s.Server = *server
		s.hasServer = true
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if name != "" && m.store != nil {
		serverKey := ""
		if server != nil {
			serverKey = server.Key()
		}
		if err := m.store.SaveSession(store.SavedSession{ID: s.ID, Name: name, ServerKey: serverKey, KernelName: kernelName}); err != nil {
			logger.Warn("persist session", "err", err)
		}
	}
	return s
}

// Cells returns the ids of the cells attached to a session. The cell set is
// guarded by the manager's lock, so the accessor lives here and not on
// Session.
func (m *Manager) Cells(s *Session) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(s.cells))
	for id := range s.cells {
		out = append(out, id)
	}
	return out
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns every live session.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// AddCellToSession binds a cell to a session. A cell belongs to exactly one
// session; rebinding interrupts any in-flight execution first.
func (m *Manager) AddCellToSession(cellID, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	prev, hadPrev := m.cellOwner[cellID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", sessionID, errdefs.ErrSessionNotFound)
	}
	if hadPrev && prev == sessionID {
		return nil
	}
	if hadPrev {
		if m.interrupt != nil {
			m.interrupt(cellID)
		}
		m.RemoveCellFromSession(cellID)
	}
	m.mu.Lock()
	s.cells[cellID] = struct{}{}
	m.cellOwner[cellID] = sessionID
	m.mu.Unlock()
	return nil
}

// RemoveCellFromSession detaches a cell. An unnamed session whose last cell
// detaches is destroyed; named sessions stick around.
func (m *Manager) RemoveCellFromSession(cellID string) {
	m.mu.Lock()
	sessionID, ok := m.cellOwner[cellID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.cellOwner, cellID)
	s := m.sessions[sessionID]
	var destroy bool
	if s != nil {
		delete(s.cells, cellID)
		destroy = len(s.cells) == 0 && s.Name == "" && s.ID != m.sharedID
	}
	m.mu.Unlock()
	if destroy {
		m.CloseSession(sessionID)
	}
}

// SessionForCell resolves which session a cell executes in. Shared-session
// mode wins over any per-cell binding; otherwise the cell's existing session
// is returned, or a fresh anonymous one is created and bound.
func (m *Manager) SessionForCell(cellID string, server *registry.Server, kernelName string) (*Session, error) {
	if m.SharedMode() {
		s := m.sharedSession(server, kernelName)
		if err := m.AddCellToSession(cellID, s.ID); err != nil {
			return nil, err
		}
		return s, nil
	}

	m.mu.Lock()
	if sid, ok := m.cellOwner[cellID]; ok {
		s := m.sessions[sid]
		m.mu.Unlock()
		if s == nil {
			return nil, fmt.Errorf("%s: %w", sid, errdefs.ErrSessionNotFound)
		}
		return s, nil
	}
	m.mu.Unlock()

	s := m.CreateSession("", server, kernelName)
	if err := m.AddCellToSession(cellID, s.ID); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) sharedSession(server *registry.Server, kernelName string) *Session {
	m.mu.Lock()
	if m.sharedID != "" {
		if s, ok := m.sessions[m.sharedID]; ok {
			m.mu.Unlock()
			return s
		}
	}
	m.mu.Unlock()

	s := m.CreateSession("", server, kernelName)
	m.mu.Lock()
	// Re-check before committing: a concurrent first execution may have
	// created the shared session already, and splitting cells across two
	// "shared" sessions defeats the mode.
	if m.sharedID != "" {
		if winner, ok := m.sessions[m.sharedID]; ok {
			delete(m.sessions, s.ID)
			m.mu.Unlock()
			return winner
		}
	}
	m.sharedID = s.ID
	m.mu.Unlock()
	return s
}

// SharedMode reports the document-wide shared-session flag.
func (m *Manager) SharedMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharedMode
}

// SetSharedMode flips shared-session mode and persists the flag.
func (m *Manager) SetSharedMode(on bool) error {
	m.mu.Lock()
	m.sharedMode = on
	m.mu.Unlock()
	if m.store != nil {
		return m.store.SetSharedSessionMode(on)
	}
	return nil
}
