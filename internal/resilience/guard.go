package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// GuardedProvider wraps an [s2s.Provider] so that Connect passes through a
// [CircuitBreaker]. Only Connect is guarded: once a channel is open, its
// failures belong to the session that owns it.
type GuardedProvider struct {
	inner s2s.Provider
	cb    *CircuitBreaker
}

var _ s2s.Provider = (*GuardedProvider)(nil)

// GuardProvider returns p guarded by cb.
func GuardProvider(p s2s.Provider, cb *CircuitBreaker) *GuardedProvider {
	return &GuardedProvider{inner: p, cb: cb}
}

// Connect dials through the breaker. When the breaker is open it returns an
// error wrapping [ErrCircuitOpen] without touching the network. A connect
// abandoned because ctx ended is not counted as a remote failure.
func (g *GuardedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var (
		handle  s2s.SessionHandle
		connErr error
	)
	err := g.cb.Execute(func() error {
		handle, connErr = g.inner.Connect(ctx, cfg)
		if connErr != nil && ctx.Err() != nil {
			return nil
		}
		return connErr
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("resilience: connect: %w", err)
	}
	if connErr != nil {
		return nil, connErr
	}
	return handle, nil
}

// Capabilities forwards to the wrapped provider.
func (g *GuardedProvider) Capabilities() s2s.Capabilities {
	return g.inner.Capabilities()
}

// Breaker returns the breaker guarding Connect.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.cb }
