package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditcore/pkg/models"
)

func testEvent(id string) models.Event {
	return models.Event{
		EventID:     id,
		EventType:   models.EventDocumentProcessed,
		CustomerID:  "CUSTOMER_001",
		SourceAgent: "IntakeAgent",
		Timestamp:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload:     &models.DocumentProcessed{DocumentID: "doc-" + id},
	}
}

type failingBroker struct {
	mu    sync.Mutex
	calls int
}

func (b *failingBroker) Name() string { return "failing" }
func (b *failingBroker) Publish(context.Context, string, string, []byte) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return errors.New("dial tcp: connection refused")
}
func (b *failingBroker) Consume(ctx context.Context, _ []string, _ RawHandler) error {
	<-ctx.Done()
	return nil
}
func (b *failingBroker) Ping(context.Context) error { return errors.New("down") }
func (b *failingBroker) Close() error               { return nil }

func TestPublishWithoutBrokerDeliversLocally(t *testing.T) {
	a := NewAdapter(nil, AdapterConfig{})

	var got []Delivery
	a.Subscribe(models.EventDocumentProcessed, func(ctx context.Context, ev models.Event) error {
		got = append(got, DeliveryFrom(ctx))
		return nil
	})

	res, err := a.Publish(context.Background(), testEvent("e1"))
	require.NoError(t, err)
	assert.True(t, res.BypassedBroker)
	assert.Equal(t, 1, res.Delivered)
	assert.Empty(t, res.Broker)
	require.Len(t, got, 1)
	assert.True(t, got[0].Bypassed)
	assert.True(t, a.Degraded())
}

func TestPublishWithoutAnyPathFails(t *testing.T) {
	a := NewAdapter(nil, AdapterConfig{})

	_, err := a.Publish(context.Background(), testEvent("e1"))
	assert.ErrorIs(t, err, ErrDeliveryUnavailable)
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	a := NewAdapter(nil, AdapterConfig{})
	ev := testEvent("e1")
	ev.Payload = &models.DocumentProcessed{}

	_, err := a.Publish(context.Background(), ev)
	assert.ErrorIs(t, err, models.ErrInvalidEvent)
}

func TestPublishFallsBackWhenBrokerFails(t *testing.T) {
	broker := &failingBroker{}
	a := NewAdapter(broker, AdapterConfig{FailureThreshold: 2, Cooldown: time.Hour})

	delivered := 0
	a.Subscribe(models.EventDocumentProcessed, func(ctx context.Context, ev models.Event) error {
		delivered++
		return nil
	})

	for _, id := range []string{"e1", "e2", "e3"} {
		res, err := a.Publish(context.Background(), testEvent(id))
		require.NoError(t, err)
		assert.True(t, res.BypassedBroker)
	}
	assert.Equal(t, 3, delivered)
	assert.Equal(t, 2, broker.calls, "broker skipped once breaker opens")
	assert.True(t, a.Degraded())
}

func TestDispatcherRunsAllHandlers(t *testing.T) {
	d := NewDispatcher()
	boom := errors.New("boom")
	calls := 0
	d.Subscribe(models.EventChatInteraction, func(context.Context, models.Event) error { calls++; return boom })
	d.Subscribe(models.EventChatInteraction, func(context.Context, models.Event) error { calls++; return nil })

	ev := testEvent("e1")
	ev.EventType = models.EventChatInteraction
	n, err := d.Dispatch(context.Background(), ev)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, boom)
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := NewRedisBrokerWithClient(client, "test", 100*time.Millisecond)
	t.Cleanup(func() { _ = broker.Close() })

	a := NewAdapter(broker, AdapterConfig{TopicPrefix: "auditcore"})
	a.Subscribe(models.EventDocumentProcessed, func(context.Context, models.Event) error { return nil })

	res, err := a.Publish(context.Background(), testEvent("e1"))
	require.NoError(t, err)
	assert.False(t, res.BypassedBroker)
	assert.Equal(t, "redis", res.Broker)

	list, err := mr.List("test:auditcore.document-processed")
	require.NoError(t, err)
	require.Len(t, list, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan models.Event, 1)
	go func() {
		_ = a.Consume(ctx, func(ctx context.Context, topic string, data []byte) error {
			var ev models.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			received <- ev
			return nil
		})
	}()

	select {
	case ev := <-received:
		assert.Equal(t, "e1", ev.EventID)
		assert.Equal(t, "doc-e1", ev.Payload.(*models.DocumentProcessed).DocumentID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for broker message")
	}
}

func TestDeliverMarksBrokerDelivery(t *testing.T) {
	a := NewAdapter(&failingBroker{}, AdapterConfig{})
	var d Delivery
	a.Subscribe(models.EventDocumentProcessed, func(ctx context.Context, ev models.Event) error {
		d = DeliveryFrom(ctx)
		return nil
	})

	n, err := a.Deliver(context.Background(), testEvent("e1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, d.Bypassed)
	assert.Equal(t, "failing", d.Broker)
}
