package session

import (
	"context"
	"fmt"

	"github.com/calder-b/kernelbook/internal/errdefs"
	"github.com/calder-b/kernelbook/internal/kernel"
	"github.com/calder-b/kernelbook/internal/logger"
	"github.com/calder-b/kernelbook/internal/registry"
	"github.com/calder-b/kernelbook/internal/transport"
)

// ResolveKernel makes sure the session has a live kernel: starts one over
// REST if none exists, or verifies the recorded kernel id is still alive and
// starts a replacement if it is not. Returns the kernel id and the REST
// client for the session's server. Single attempt; the coordinator owns the
// retry policy.
func (m *Manager) ResolveKernel(ctx context.Context, s *Session) (string, *transport.Client, error) {
	m.mu.Lock()
	if s.disconnected {
		key := s.Server.Key()
		m.mu.Unlock()
		return "", nil, errdefs.Connectivity("session "+s.ID, fmt.Errorf("%s: %w", key, errdefs.ErrServerRemoved))
	}
	srv := s.Server
	hasServer := s.hasServer
	kernelID := s.KernelID
	kernelName := s.KernelName
	m.mu.Unlock()

	// The registry is the source of truth for server membership; a session
	// created against a server that has since been removed fails fast.
	if hasServer && m.reg != nil {
		if _, ok := m.reg.Get(srv.Key()); !ok {
			return "", nil, errdefs.Connectivity("session "+s.ID, fmt.Errorf("%s: %w", srv.Key(), errdefs.ErrServerRemoved))
		}
	}

	if !hasServer {
		picked, err := m.pickServer()
		if err != nil {
			return "", nil, err
		}
		srv = picked
		m.mu.Lock()
		s.Server = picked
		s.hasServer = true
		m.mu.Unlock()
	}

	client := m.newTransport(srv)

	if kernelID != "" {
		k, err := client.GetKernel(ctx, kernelID)
		if err != nil {
			return "", nil, err
		}
		if k != nil {
			return kernelID, client, nil
		}
		logger.Info("kernel gone, starting replacement", "session", s.ID, "kernel", kernelID)
	}

	if kernelName == "" {
		name, err := m.disc.DefaultKernelName(ctx, srv)
		if err != nil {
			return "", nil, err
		}
		kernelName = name
	}

	k, err := client.StartKernel(ctx, kernelName)
	if err != nil {
		return "", nil, err
	}
	m.mu.Lock()
	s.KernelID = k.ID
	s.KernelName = kernelName
	m.mu.Unlock()
	logger.Info("kernel started", "session", s.ID, "kernel", k.ID, "name", kernelName)
	return k.ID, client, nil
}

// pickServer falls back to the sole registered server when a session was
// created without an explicit one.
func (m *Manager) pickServer() (registry.Server, error) {
	servers := m.reg.List()
	if len(servers) == 0 {
		return registry.Server{}, errdefs.Connectivity("resolve server", fmt.Errorf("no servers registered"))
	}
	return servers[0], nil
}

// Connection returns the session's shared kernel connection, creating the
// object on first use. The connection is not opened here.
func (m *Manager) Connection(s *Session) *kernel.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.conn == nil {
		s.conn = kernel.NewConnection(m.sink)
	}
	return s.conn
}

// Transport returns a REST client for the session's server, or nil when the
// session has no server bound yet.
func (m *Manager) Transport(s *Session) *transport.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.hasServer {
		return nil
	}
	return m.newTransport(s.Server)
}

// MarkServerDisconnected flags every session bound to serverKey as stale and
// closes their connections. Sessions are kept, not deleted; executing cells
// fail through the connection's disconnect path.
func (m *Manager) MarkServerDisconnected(serverKey string) {
	m.mu.Lock()
	var conns []*kernel.Connection
	for _, s := range m.sessions {
		if s.hasServer && s.Server.Key() == serverKey {
			s.disconnected = true
			if s.conn != nil {
				conns = append(conns, s.conn)
			}
		}
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	logger.Info("sessions marked disconnected", "server", serverKey)
}

// CloseSession tears a session down: closes its connection, detaches its
// cells, and forgets it. The remote kernel is left running; shutting it down
// is a separate, explicit operation.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	if m.sharedID == id {
		m.sharedID = ""
	}
	for cellID := range s.cells {
		delete(m.cellOwner, cellID)
	}
	conn := s.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if s.Name != "" && m.store != nil {
		if err := m.store.DeleteSession(id); err != nil {
			logger.Warn("delete saved session", "err", err)
		}
	}
}

// ShutdownKernel stops the session's remote kernel over REST and clears the
// recorded kernel id.
func (m *Manager) ShutdownKernel(ctx context.Context, s *Session) error {
	m.mu.Lock()
	kernelID := s.KernelID
	srv := s.Server
	hasServer := s.hasServer
	m.mu.Unlock()
	if kernelID == "" || !hasServer {
		return nil
	}
	client := m.newTransport(srv)
	if err := client.DeleteKernel(ctx, kernelID); err != nil {
		return err
	}
	m.mu.Lock()
	s.KernelID = ""
	m.mu.Unlock()
	return nil
}
