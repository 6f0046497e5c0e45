package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"auditcore/internal/fallback"
	"auditcore/internal/logger"
	"auditcore/internal/observability"
)

// LayerConfig tunes the fallback between tiers.
type LayerConfig struct {
	// Timeout bounds each primary call.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive primary failures that
	// flips the layer into degraded mode.
	FailureThreshold int
	// Cooldown is how long the primary is skipped once degraded.
	Cooldown time.Duration
}

// Layer routes every operation to the primary tier when it is reachable and
// to the memory tier otherwise. Tier errors never reach callers.
//
// Keys written or invalidated while the primary was skipped are dirty: the
// primary still holds their pre-outage value. Dirty keys are deleted from the
// primary before it serves anything again.
type Layer struct {
	sel      *fallback.Selector[Cache]
	local    *MemoryCache
	degraded atomic.Int64

	mu    sync.Mutex
	dirty map[string]uint64
	gen   uint64
}

// NewLayer builds the layer. A nil primary runs the layer permanently on the
// memory tier.
func NewLayer(primary Cache, local *MemoryCache, cfg LayerConfig) *Layer {
	if local == nil {
		local = NewMemoryCache()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	l := &Layer{local: local, dirty: make(map[string]uint64)}
	l.sel = fallback.NewSelector[Cache]("cache", primary, local, fallback.Config{
		Timeout: cfg.Timeout,
		Breaker: fallback.NewBreaker("cache",
			fallback.WithFailureThreshold(cfg.FailureThreshold),
			fallback.WithCooldown(cfg.Cooldown),
		),
		OnFallback: l.onFallback,
	})
	return l
}

func (l *Layer) onFallback(reason error) {
	n := l.degraded.Add(1)
	observability.CacheDegradedOperationsTotal.Inc()
	if n == 1 || !l.sel.Degraded() {
		logger.Warnf("cache primary unavailable, serving from memory: %v", reason)
	}
}

func (l *Layer) markDirty(key string) {
	if _, ok := l.sel.Primary(); !ok {
		return
	}
	l.mu.Lock()
	l.gen++
	l.dirty[key] = l.gen
	l.mu.Unlock()
}

// reconcile deletes dirty keys from the primary. It is a no-op on the memory
// tier. An error leaves the remaining keys dirty and fails the primary call.
func (l *Layer) reconcile(ctx context.Context, c Cache) error {
	if c == Cache(l.local) {
		return nil
	}
	l.mu.Lock()
	if len(l.dirty) == 0 {
		l.mu.Unlock()
		return nil
	}
	pending := make(map[string]uint64, len(l.dirty))
	for k, g := range l.dirty {
		pending[k] = g
	}
	l.mu.Unlock()

	for key, g := range pending {
		if err := c.Invalidate(ctx, key); err != nil {
			return err
		}
		l.mu.Lock()
		if l.dirty[key] == g {
			delete(l.dirty, key)
		}
		l.mu.Unlock()
	}
	logger.Infof("cache primary reconciled %d keys written during the outage", len(pending))
	return nil
}

// Dirty is the number of keys awaiting deletion from the primary.
func (l *Layer) Dirty() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.dirty)
}

func (l *Layer) record(op string, out fallback.Outcome) {
	tier := "primary"
	if out.Degraded {
		tier = "memory"
	}
	observability.CacheOperationsTotal.WithLabelValues(tier, op).Inc()
	observability.SetFallback("cache", l.sel.Degraded())
}

// Get returns the cached value. Only caller cancellation is reported as an
// error.
func (l *Layer) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		val []byte
		hit bool
	)
	out, err := l.sel.Do(ctx, func(ctx context.Context, c Cache) error {
		if err := l.reconcile(ctx, c); err != nil {
			return err
		}
		v, h, err := c.Get(ctx, key)
		if err != nil {
			return err
		}
		val, hit = v, h
		return nil
	})
	l.record("get", out)
	if err != nil {
		return nil, false, ctx.Err()
	}
	return val, hit, nil
}

// Set writes value through to the serving tier.
func (l *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	out, err := l.sel.Do(ctx, func(ctx context.Context, c Cache) error {
		if err := l.reconcile(ctx, c); err != nil {
			return err
		}
		return c.Set(ctx, key, value, ttl)
	})
	l.record("set", out)
	if out.Degraded {
		l.markDirty(key)
	}
	if err != nil {
		return ctx.Err()
	}
	return nil
}

// Invalidate removes key from both tiers. If the primary cannot be reached
// the key stays dirty until it can.
func (l *Layer) Invalidate(ctx context.Context, key string) error {
	_ = l.local.Invalidate(ctx, key)
	out, err := l.sel.Do(ctx, func(ctx context.Context, c Cache) error {
		if c == Cache(l.local) {
			return nil
		}
		if err := l.reconcile(ctx, c); err != nil {
			return err
		}
		return c.Invalidate(ctx, key)
	})
	l.record("invalidate", out)
	if out.Degraded {
		l.markDirty(key)
	}
	if err != nil {
		return ctx.Err()
	}
	return nil
}

// GetJSON decodes a cached JSON value into dst. Undecodable entries count as
// misses.
func (l *Layer) GetJSON(ctx context.Context, key string, dst interface{}) bool {
	data, hit, err := l.Get(ctx, key)
	if err != nil || !hit {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		logger.Debugf("cache entry %s is not valid JSON: %v", key, err)
		return false
	}
	return true
}

// SetJSON encodes value as JSON and stores it.
func (l *Layer) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return l.Set(ctx, key, data, ttl)
}

// Degraded reports whether the layer is currently skipping the primary.
func (l *Layer) Degraded() bool {
	return l.sel.Degraded()
}

// DegradedCount is the number of operations served by the memory tier.
func (l *Layer) DegradedCount() int64 {
	return l.degraded.Load()
}

// Local exposes the memory tier, e.g. for periodic sweeps.
func (l *Layer) Local() *MemoryCache {
	return l.local
}
