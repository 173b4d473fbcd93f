// Package lock provides the distributed mutual-exclusion primitive used to
// enforce at-most-once execution per work unit. The Provider interface is the
// seam for external lock services; MemoryProvider is the in-process
// implementation used for single-node deployments and tests.
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Provider is the lock service contract consumed by the execution engine.
//
// Acquire attempts to take the lease on resource, retrying up to maxRetries
// times with an inter-attempt delay, and returns the holder token on success
// or an empty token when the lease could not be obtained within the retry
// budget. Acquisition never blocks indefinitely.
//
// Release frees the lease only if token still matches the current holder
// (atomic compare-token-and-delete). This prevents a process whose lease
// expired from releasing a lock re-acquired by someone else. It returns true
// iff the lease was released by this call.
type Provider interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration, maxRetries int) (string, error)
	Release(ctx context.Context, resource string, token string) (bool, error)
}

// lease is one held lock with its expiry deadline.
type lease struct {
	token     string
	expiresAt time.Time
}

// MemoryProvider implements Provider with an in-process lease table.
// Expired leases are reaped lazily on access.
type MemoryProvider struct {
	mu         sync.Mutex
	leases     map[string]lease
	retryDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// MemoryOption is a functional option for configuring MemoryProvider.
type MemoryOption func(*MemoryProvider)

// WithRetryDelay sets the delay between acquisition attempts.
// Default: 50ms.
func WithRetryDelay(d time.Duration) MemoryOption {
	return func(p *MemoryProvider) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// WithLogger configures the provider to use the specified structured logger.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(p *MemoryProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source. Used by tests to force TTL expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(p *MemoryProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewMemoryProvider creates an in-process lock provider.
func NewMemoryProvider(opts ...MemoryOption) *MemoryProvider {
	p := &MemoryProvider{
		leases:     make(map[string]lease),
		retryDelay: 50 * time.Millisecond,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire implements Provider. The total attempt count is maxRetries+1.
// An empty token with a nil error means the lock is contended; callers decide
// how to surface that.
func (p *MemoryProvider) Acquire(ctx context.Context, resource string, ttl time.Duration, maxRetries int) (string, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if token := p.tryAcquire(resource, ttl); token != "" {
			return token, nil
		}

		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}

	p.logger.Debug("lock acquisition exhausted retry budget",
		"resource", resource,
		"max_retries", maxRetries,
	)
	return "", nil
}

// tryAcquire takes the lease if it is free or expired.
func (p *MemoryProvider) tryAcquire(resource string, ttl time.Duration) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if held, ok := p.leases[resource]; ok && held.expiresAt.After(now) {
		return ""
	}

	token := uuid.New().String()
	p.leases[resource] = lease{
		token:     token,
		expiresAt: now.Add(ttl),
	}
	return token
}

// Release implements Provider with compare-token-and-delete semantics.
func (p *MemoryProvider) Release(ctx context.Context, resource string, token string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	held, ok := p.leases[resource]
	if !ok || held.token != token {
		return false, nil
	}
	delete(p.leases, resource)
	return true, nil
}

// Held reports whether resource currently has an unexpired lease.
// Exposed for tests and diagnostics.
func (p *MemoryProvider) Held(resource string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	held, ok := p.leases[resource]
	return ok && held.expiresAt.After(p.now())
}

var _ Provider = (*MemoryProvider)(nil)
