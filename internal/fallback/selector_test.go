package fallback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter interface {
	Greet(ctx context.Context) (string, error)
}

type fixedGreeter struct {
	msg   string
	err   error
	calls atomic.Int32
}

func (g *fixedGreeter) Greet(ctx context.Context) (string, error) {
	g.calls.Add(1)
	if g.err != nil {
		return "", g.err
	}
	return g.msg, nil
}

func greet(ctx context.Context, s *Selector[greeter]) (string, Outcome, error) {
	var got string
	out, err := s.Do(ctx, func(ctx context.Context, g greeter) error {
		var err error
		got, err = g.Greet(ctx)
		return err
	})
	return got, out, err
}

func TestSelectorUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &fixedGreeter{msg: "primary"}
	local := &fixedGreeter{msg: "local"}
	s := NewSelector[greeter]("test", primary, local, Config{})

	got, out, err := greet(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "primary", got)
	assert.False(t, out.Degraded)
	assert.Zero(t, local.calls.Load())
}

func TestSelectorFallsBackAndOpensBreaker(t *testing.T) {
	primary := &fixedGreeter{err: errors.New("connection refused")}
	local := &fixedGreeter{msg: "local"}
	var fallbacks int
	s := NewSelector[greeter]("test", primary, local, Config{
		Breaker:    NewBreaker("test", WithFailureThreshold(2), WithCooldown(time.Hour)),
		OnFallback: func(error) { fallbacks++ },
	})

	for i := 0; i < 5; i++ {
		got, out, err := greet(context.Background(), s)
		require.NoError(t, err)
		assert.Equal(t, "local", got)
		assert.True(t, out.Degraded)
	}

	assert.Equal(t, 5, fallbacks)
	assert.EqualValues(t, 2, primary.calls.Load(), "primary is skipped once the breaker opens")
	assert.True(t, s.Degraded())
}

func TestSelectorNilPrimaryIsAlwaysDegraded(t *testing.T) {
	local := &fixedGreeter{msg: "local"}
	s := NewSelector[greeter]("test", nil, local, Config{})

	got, out, err := greet(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "local", got)
	assert.True(t, out.Degraded)
	assert.ErrorIs(t, out.PrimaryErr, ErrNoPrimary)
	assert.True(t, s.Degraded())
}

func TestSelectorReturnsNonAvailabilityErrors(t *testing.T) {
	errBadInput := errors.New("bad input")
	primary := &fixedGreeter{err: errBadInput}
	local := &fixedGreeter{msg: "local"}
	s := NewSelector[greeter]("test", primary, local, Config{
		Unavailable: func(err error) bool { return !errors.Is(err, errBadInput) },
	})

	_, out, err := greet(context.Background(), s)
	assert.ErrorIs(t, err, errBadInput)
	assert.False(t, out.Degraded)
	assert.Zero(t, local.calls.Load())
}

func TestSelectorBoundsPrimaryWithTimeout(t *testing.T) {
	local := &fixedGreeter{msg: "local"}
	s := NewSelector[greeter]("test", &slowGreeter{}, local, Config{Timeout: 20 * time.Millisecond})

	start := time.Now()
	got, out, err := greet(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "local", got)
	assert.True(t, out.Degraded)
	assert.Less(t, time.Since(start), time.Second)
}

type slowGreeter struct{}

func (slowGreeter) Greet(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Second):
		return "slow", nil
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("test",
		WithFailureThreshold(1),
		WithSuccessThreshold(2),
		WithCooldown(time.Minute),
		WithClock(func() time.Time { return now }),
	)

	assert.True(t, b.RecordFailure())
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	assert.False(t, b.RecordSuccess())
	assert.True(t, b.RecordSuccess())
	assert.Equal(t, StateClosed, b.State())

	assert.True(t, b.RecordFailure())
	now = now.Add(time.Minute)
	require.True(t, b.Allow())
	assert.True(t, b.RecordFailure(), "a half-open failure reopens")
	assert.Equal(t, StateOpen, b.State())
}
