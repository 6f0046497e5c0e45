package aggregate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"auditcore/pkg/models"
)

// dailyTTL keeps per-day counters for a week.
const dailyTTL = 7 * 24 * time.Hour

// MirrorConfig configures the Redis counter mirror.
type MirrorConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// CounterMirror publishes real-time counters to Redis for dashboards and
// agents that read them directly. The audit log stays authoritative.
type CounterMirror struct {
	client *redis.Client
	prefix string
}

// NewCounterMirror constructs a Redis-backed counter mirror.
func NewCounterMirror(cfg MirrorConfig) *CounterMirror {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewCounterMirrorWithClient(client, cfg.KeyPrefix)
}

// NewCounterMirrorWithClient wraps an existing client.
func NewCounterMirrorWithClient(client *redis.Client, prefix string) *CounterMirror {
	if strings.TrimSpace(prefix) == "" {
		prefix = "auditcore"
	}
	return &CounterMirror{client: client, prefix: strings.TrimSpace(prefix)}
}

func (m *CounterMirror) counterKey(name string) string {
	return m.prefix + ":counter:" + name
}

func (m *CounterMirror) dailyKey(day time.Time, name string) string {
	return m.prefix + ":daily:" + day.UTC().Format("20060102") + ":" + name
}

// Record increments lifetime and per-day counters by event type and status.
func (m *CounterMirror) Record(ctx context.Context, recs ...*models.AuditRecord) error {
	if len(recs) == 0 {
		return nil
	}
	pipe := m.client.Pipeline()
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		typ := string(rec.Event.EventType)
		status := string(rec.Event.Status)
		day := rec.Event.Timestamp

		pipe.Incr(ctx, m.counterKey(typ))
		for _, name := range []string{typ, status} {
			key := m.dailyKey(day, name)
			pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, dailyTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update counter mirror: %w", err)
	}
	return nil
}

// Daily reads the per-day counters for day, keyed by event type or status.
func (m *CounterMirror) Daily(ctx context.Context, day time.Time) (map[string]int64, error) {
	names := make([]string, 0, len(models.InboundEventTypes)+5)
	for _, t := range models.InboundEventTypes {
		names = append(names, string(t))
	}
	names = append(names,
		string(models.EventAuditAnomaly),
		string(models.StatusSuccess), string(models.StatusFailure), string(models.StatusWarning),
	)

	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = m.dailyKey(day, n)
	}
	vals, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read counter mirror: %w", err)
	}

	out := make(map[string]int64, len(names))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out[names[i]] = n
	}
	return out, nil
}

// Close closes the client.
func (m *CounterMirror) Close() error {
	return m.client.Close()
}
