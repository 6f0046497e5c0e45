// Package cache implements the shared cache-with-fallback layer: a Redis
// primary tier and a process-local memory tier behind one Cache contract.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented key/value cache with per-entry TTL. A zero TTL
// keeps the entry until it is invalidated.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}
