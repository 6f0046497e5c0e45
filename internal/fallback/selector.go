// Package fallback selects between a primary and a fallback implementation
// of the same interface, using a breaker as the health check. The cache,
// the event broker and the narrative collaborator all go through it.
package fallback

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoPrimary is reported when the selector was built without a primary.
	ErrNoPrimary = errors.New("no primary configured")
	// ErrBreakerOpen is reported when the primary was skipped.
	ErrBreakerOpen = errors.New("primary skipped: breaker open")
)

// Outcome describes which tier served a call.
type Outcome struct {
	Degraded   bool
	PrimaryErr error
}

// Config configures a Selector.
type Config struct {
	// Timeout bounds each primary call. Zero means no extra bound.
	Timeout time.Duration
	// Breaker decides when the primary is tried. Defaults to NewBreaker(name).
	Breaker *Breaker
	// OnFallback fires once per fallback-served call.
	OnFallback func(reason error)
	// Unavailable classifies primary errors that justify falling back.
	// Errors it rejects are returned to the caller as-is. Defaults to all.
	Unavailable func(error) bool
}

// Selector routes calls to a primary implementation and falls back when the
// primary fails or is known to be unhealthy.
type Selector[T any] struct {
	name       string
	primary    T
	hasPrimary bool
	fallback   T
	cfg        Config
}

// NewSelector builds a selector. A nil primary makes it permanently degraded.
func NewSelector[T any](name string, primary, fallback T, cfg Config) *Selector[T] {
	if cfg.Breaker == nil {
		cfg.Breaker = NewBreaker(name)
	}
	if cfg.Unavailable == nil {
		cfg.Unavailable = func(error) bool { return true }
	}
	return &Selector[T]{
		name:       name,
		primary:    primary,
		hasPrimary: any(primary) != nil,
		fallback:   fallback,
		cfg:        cfg,
	}
}

// Name returns the selector name.
func (s *Selector[T]) Name() string { return s.name }

// Primary returns the primary implementation and whether one is configured.
func (s *Selector[T]) Primary() (T, bool) { return s.primary, s.hasPrimary }

// Fallback returns the fallback implementation.
func (s *Selector[T]) Fallback() T { return s.fallback }

// Breaker exposes the health check.
func (s *Selector[T]) Breaker() *Breaker { return s.cfg.Breaker }

// Degraded reports whether calls are currently routed to the fallback.
func (s *Selector[T]) Degraded() bool {
	return !s.hasPrimary || s.cfg.Breaker.IsOpen()
}

// Do runs fn against the primary, or against the fallback when the primary
// is missing, skipped by the breaker, or fails with an availability error.
// A cancelled caller context is returned without falling back.
func (s *Selector[T]) Do(ctx context.Context, fn func(context.Context, T) error) (Outcome, error) {
	var out Outcome

	switch {
	case !s.hasPrimary:
		out.PrimaryErr = ErrNoPrimary
	case !s.cfg.Breaker.Allow():
		out.PrimaryErr = ErrBreakerOpen
	default:
		pctx, cancel := ctx, context.CancelFunc(func() {})
		if s.cfg.Timeout > 0 {
			pctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		}
		err := fn(pctx, s.primary)
		cancel()
		if err == nil {
			s.cfg.Breaker.RecordSuccess()
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if !s.cfg.Unavailable(err) {
			s.cfg.Breaker.RecordSuccess()
			return out, err
		}
		s.cfg.Breaker.RecordFailure()
		out.PrimaryErr = err
	}

	out.Degraded = true
	if s.cfg.OnFallback != nil {
		s.cfg.OnFallback(out.PrimaryErr)
	}
	return out, fn(ctx, s.fallback)
}
