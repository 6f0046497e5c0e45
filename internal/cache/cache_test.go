package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTier(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisCacheWithClient(client, "test")
}

func TestMemoryCacheLazyExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMemoryCache()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, m.Set(ctx, "forever", []byte("v"), 0))

	v, hit, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "v", string(v))

	now = now.Add(time.Minute)
	_, hit, _ = m.Get(ctx, "k")
	assert.False(t, hit, "entry expires exactly at insertedAt+ttl")
	assert.Equal(t, 1, m.Len(), "expired entry removed on read")

	_, hit, _ = m.Get(ctx, "forever")
	assert.True(t, hit)
}

func TestMemoryCacheSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryCache()
	m.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Second))
	}
	require.NoError(t, m.Set(ctx, "keep", []byte("v"), time.Hour))

	now = now.Add(2 * time.Second)
	assert.Equal(t, 3, m.Sweep())
	assert.Equal(t, 1, m.Len())
}

func TestLayerUsesRedisWhenReachable(t *testing.T) {
	ctx := context.Background()
	mr, primary := newRedisTier(t)
	layer := NewLayer(primary, nil, LayerConfig{})

	require.NoError(t, layer.Set(ctx, "report:1", []byte("cached"), time.Minute))
	got, err := mr.Get("test:report:1")
	require.NoError(t, err)
	assert.Equal(t, "cached", got)

	v, hit, err := layer.Get(ctx, "report:1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "cached", string(v))

	require.NoError(t, layer.Invalidate(ctx, "report:1"))
	assert.False(t, mr.Exists("test:report:1"))

	assert.Zero(t, layer.DegradedCount())
	assert.False(t, layer.Degraded())
}

func TestLayerOutageCountsEveryDegradedOperation(t *testing.T) {
	ctx := context.Background()
	mr, primary := newRedisTier(t)
	layer := NewLayer(primary, nil, LayerConfig{
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 3,
		Cooldown:         time.Hour,
	})
	mr.Close()

	// Ten operations alternating set and get; each one is served by memory.
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i/2)
		if i%2 == 0 {
			require.NoError(t, layer.Set(ctx, key, []byte(key), time.Minute))
			continue
		}
		v, hit, err := layer.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, hit)
		assert.Equal(t, key, string(v))
	}

	assert.EqualValues(t, 10, layer.DegradedCount())
	assert.True(t, layer.Degraded())
}

func TestLayerDropsOutageWritesFromPrimaryOnRecovery(t *testing.T) {
	ctx := context.Background()
	mr, primary := newRedisTier(t)
	layer := NewLayer(primary, nil, LayerConfig{
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 1,
		Cooldown:         50 * time.Millisecond,
	})

	require.NoError(t, layer.Set(ctx, "invalidated", []byte("old"), time.Minute))
	require.NoError(t, layer.Set(ctx, "overwritten", []byte("old"), time.Minute))
	assert.Zero(t, layer.Dirty())

	mr.Close()
	require.NoError(t, layer.Invalidate(ctx, "invalidated"))
	require.NoError(t, layer.Set(ctx, "overwritten", []byte("new"), time.Minute))
	assert.True(t, layer.Degraded())
	assert.Equal(t, 2, layer.Dirty())

	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool {
		_, _, err := layer.Get(ctx, "unrelated")
		return err == nil && !layer.Degraded() && layer.Dirty() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, mr.Exists("test:invalidated"))
	assert.False(t, mr.Exists("test:overwritten"))

	_, hit, err := layer.Get(ctx, "invalidated")
	require.NoError(t, err)
	assert.False(t, hit, "an invalidated key must not come back from the primary")

	v, hit, err := layer.Get(ctx, "overwritten")
	require.NoError(t, err)
	assert.False(t, hit && string(v) == "old", "pre-outage value served after recovery")
}

func TestLayerWithoutPrimaryIsDegraded(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(nil, nil, LayerConfig{})

	type narrative struct {
		Text string `json:"text"`
	}
	require.NoError(t, layer.SetJSON(ctx, "n", narrative{Text: "hello"}, 0))

	var got narrative
	require.True(t, layer.GetJSON(ctx, "n", &got))
	assert.Equal(t, "hello", got.Text)
	assert.True(t, layer.Degraded())
	assert.EqualValues(t, 2, layer.DegradedCount())

	require.NoError(t, layer.Invalidate(ctx, "n"))
	assert.False(t, layer.GetJSON(ctx, "n", &got))
}
