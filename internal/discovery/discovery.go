// Package discovery probes Jupyter servers for connectivity and available
// kernel specs, caching results per server.
package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/calder-b/kernelbook/internal/errdefs"
	"github.com/calder-b/kernelbook/internal/logger"
	"github.com/calder-b/kernelbook/internal/registry"
	"github.com/calder-b/kernelbook/internal/transport"
)

// ConnStatus classifies a connectivity probe.
type ConnStatus int

const (
	Unreachable ConnStatus = iota
	Unauthorized
	Reachable
)

func (s ConnStatus) String() string {
	switch s {
	case Reachable:
		return "reachable"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unreachable"
	}
}

// ConnectionResult is the structured outcome of TestConnection. Expected
// failures live in the result, not in an error return.
type ConnectionResult struct {
	Status  ConnStatus
	Latency time.Duration
	Err     error // underlying cause for Unreachable/Unauthorized
}

type cacheEntry struct {
	specs       []transport.KernelSpec
	defaultName string
	fetched     time.Time
}

type Service struct {
	timeout time.Duration

	mu       sync.Mutex
	cache    map[string]cacheEntry    // server key → kernelspecs
	limiters map[string]*rate.Limiter // server key → probe throttle

	// newClient is swapped in tests to point at httptest servers.
	newClient func(server registry.Server) *transport.Client
}

func New(timeout time.Duration) *Service {
	s := &Service{
		timeout:  timeout,
		cache:    make(map[string]cacheEntry),
		limiters: make(map[string]*rate.Limiter),
	}
	s.newClient = func(server registry.Server) *transport.Client {
		return transport.NewClient(server.BaseURL(), server.Token, timeout)
	}
	return s
}

// limiter returns the per-server throttle: repeated UI refreshes must not
// storm a server that is already struggling.
func (s *Service) limiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
		s.limiters[key] = l
	}
	return l
}

// TestConnection distinguishes unreachable, unauthorized, and reachable.
// The kernelspec endpoint doubles as the probe target: it requires auth and
// exists on every Jupyter server.
func (s *Service) TestConnection(ctx context.Context, server registry.Server) ConnectionResult {
	if err := s.limiter(server.Key()).Wait(ctx); err != nil {
		return ConnectionResult{Status: Unreachable, Err: err}
	}
	start := time.Now()
	client := s.newClient(server)
	_, _, err := client.ListKernelSpecs(ctx)
	latency := time.Since(start)
	switch {
	case err == nil:
		return ConnectionResult{Status: Reachable, Latency: latency}
	case errdefs.IsAuth(err):
		return ConnectionResult{Status: Unauthorized, Latency: latency, Err: err}
	default:
		return ConnectionResult{Status: Unreachable, Latency: latency, Err: err}
	}
}

// Probe implements registry.Prober: only a fully reachable server passes.
func (s *Service) Probe(ctx context.Context, server registry.Server) error {
	res := s.TestConnection(ctx, server)
	switch res.Status {
	case Reachable:
		return nil
	case Unauthorized:
		return res.Err
	default:
		if res.Err != nil && errdefs.IsRetryable(res.Err) {
			return res.Err
		}
		return errdefs.Connectivity("probe "+server.Key(), res.Err)
	}
}

// AvailableKernels returns the server's kernelspecs, from cache when
// possible. The cache only goes stale through Refresh or Invalidate.
func (s *Service) AvailableKernels(ctx context.Context, server registry.Server) ([]transport.KernelSpec, error) {
	s.mu.Lock()
	entry, ok := s.cache[server.Key()]
	s.mu.Unlock()
	if ok {
		return entry.specs, nil
	}
	return s.Refresh(ctx, server)
}

// Refresh re-fetches kernelspecs, replacing the cache entry.
func (s *Service) Refresh(ctx context.Context, server registry.Server) ([]transport.KernelSpec, error) {
	if err := s.limiter(server.Key()).Wait(ctx); err != nil {
		return nil, errdefs.Connectivity("refresh kernels", err)
	}
	client := s.newClient(server)
	specs, def, err := client.ListKernelSpecs(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[server.Key()] = cacheEntry{specs: specs, defaultName: def, fetched: time.Now()}
	s.mu.Unlock()
	logger.Debug("kernelspecs cached", "server", server.Key(), "count", len(specs))
	return specs, nil
}

// Invalidate drops the cached specs for a server. Called from the registry's
// removal cascade.
func (s *Service) Invalidate(serverKey string) {
	s.mu.Lock()
	delete(s.cache, serverKey)
	delete(s.limiters, serverKey)
	s.mu.Unlock()
}

// DefaultKernelName resolves the kernel to use when neither the cell nor the
// session names one: the server's declared default, else the first python
// spec, else the first spec listed.
func (s *Service) DefaultKernelName(ctx context.Context, server registry.Server) (string, error) {
	specs, err := s.AvailableKernels(ctx, server)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	def := s.cache[server.Key()].defaultName
	s.mu.Unlock()
	if def != "" {
		return def, nil
	}
	if len(specs) == 0 {
		return "", errors.New("server reports no kernelspecs")
	}
	for _, spec := range specs {
		if strings.EqualFold(spec.Language, "python") {
			return spec.Name, nil
		}
	}
	return specs[0].Name, nil
}
