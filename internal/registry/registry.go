// Package registry owns the set of configured Jupyter servers. The registry
// is an explicit object constructed at startup; callers hold a reference,
// there is no ambient global.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/calder-b/kernelbook/internal/errdefs"
	"github.com/calder-b/kernelbook/internal/logger"
	"github.com/calder-b/kernelbook/internal/store"
)

// Server is the connection coordinates for one remote Jupyter server.
type Server struct {
	IP    string
	Port  string
	Token string
	Name  string
}

// Key is the registry identity: ip:port.
func (s Server) Key() string { return s.IP + ":" + s.Port }

// BaseURL is the HTTP origin. Port 443 implies TLS; everything else is
// plain http, matching how pasted URLs are normalized by ParseConnectionURL.
// The coordinates carry no scheme, so an https server on a non-443 port is
// reached over http; see the ParseConnectionURL doc for the limitation.
func (s Server) BaseURL() string {
	if s.Port == "443" {
		return "https://" + s.IP
	}
	return "http://" + s.IP + ":" + s.Port
}

// Prober validates that a server is reachable with its token before the
// registry accepts it. Implemented by the discovery service.
type Prober interface {
	Probe(ctx context.Context, server Server) error
}

type Registry struct {
	mu      sync.RWMutex
	servers map[string]Server

	store    *store.Store // nil disables persistence
	prober   Prober
	onRemove []func(serverKey string)
}

// New builds a registry, loading any persisted servers. st may be nil.
func New(st *store.Store, prober Prober) (*Registry, error) {
	r := &Registry{
		servers: make(map[string]Server),
		store:   st,
		prober:  prober,
	}
	if st != nil {
		recs, err := st.ListServers()
		if err != nil {
			return nil, fmt.Errorf("load servers: %w", err)
		}
		for _, rec := range recs {
			s := Server{IP: rec.IP, Port: rec.Port, Token: rec.Token, Name: rec.Name}
			r.servers[s.Key()] = s
		}
	}
	return r, nil
}

// OnRemove registers a cascade hook invoked with the server key after a
// server leaves the registry. Used to drop cached kernelspecs and mark
// bound sessions disconnected.
func (r *Registry) OnRemove(fn func(serverKey string)) {
	r.onRemove = append(r.onRemove, fn)
}

// AddServer probes the server and, on success, stores and persists it.
// A duplicate ip:port is rejected before the probe.
func (r *Registry) AddServer(ctx context.Context, s Server) error {
	key := s.Key()
	r.mu.RLock()
	_, exists := r.servers[key]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%s: %w", key, errdefs.ErrDuplicateServer)
	}

	if r.prober != nil {
		if err := r.prober.Probe(ctx, s); err != nil {
			return fmt.Errorf("validate %s: %w", key, err)
		}
	}

	r.mu.Lock()
	if _, exists := r.servers[key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", key, errdefs.ErrDuplicateServer)
	}
	r.servers[key] = s
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveServer(store.ServerRecord{IP: s.IP, Port: s.Port, Token: s.Token, Name: s.Name}); err != nil {
			return err
		}
	}
	logger.Info("server added", "server", key)
	return nil
}

// RemoveServer deletes a server and fires the cascade hooks.
func (r *Registry) RemoveServer(s Server) error {
	key := s.Key()
	r.mu.Lock()
	_, exists := r.servers[key]
	delete(r.servers, key)
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("%s: %w", key, errdefs.ErrServerNotFound)
	}

	if r.store != nil {
		if err := r.store.DeleteServer(s.IP, s.Port); err != nil {
			return err
		}
	}
	for _, fn := range r.onRemove {
		fn(key)
	}
	logger.Info("server removed", "server", key)
	return nil
}

// Get looks a server up by its ip:port key.
func (r *Registry) Get(key string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[key]
	return s, ok
}

// List returns the registered servers in no particular order.
func (r *Registry) List() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	return out
}
