package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"auditcore/internal/fallback"
	"auditcore/internal/logger"
	"auditcore/internal/observability"
	"auditcore/pkg/models"
)

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	// TopicPrefix is prepended to event types to form broker topics.
	TopicPrefix string
	// PublishTimeout bounds each broker publish.
	PublishTimeout time.Duration
	// FailureThreshold consecutive broker failures switch to local delivery.
	FailureThreshold int
	// Cooldown before the broker is tried again.
	Cooldown time.Duration
}

// transport is one delivery path. The broker is the primary, the local
// dispatcher the fallback.
type transport interface {
	send(ctx context.Context, ev *models.Event, data []byte) (int, error)
}

type brokerTransport struct {
	broker Broker
	prefix string
}

func (t *brokerTransport) send(ctx context.Context, ev *models.Event, data []byte) (int, error) {
	if err := t.broker.Publish(ctx, Topic(t.prefix, ev.EventType), ev.EventID, data); err != nil {
		return 0, err
	}
	return 1, nil
}

type localTransport struct {
	dispatcher *Dispatcher
}

func (t *localTransport) send(ctx context.Context, ev *models.Event, _ []byte) (int, error) {
	ctx = WithDelivery(ctx, Delivery{Bypassed: true})
	return t.dispatcher.Dispatch(ctx, *ev)
}

// Adapter is the event queue used by agents and by the core itself.
type Adapter struct {
	cfg        AdapterConfig
	broker     Broker
	dispatcher *Dispatcher
	sel        *fallback.Selector[transport]
}

// NewAdapter builds an adapter. A nil broker runs every publish through the
// local dispatcher.
func NewAdapter(broker Broker, cfg AdapterConfig) *Adapter {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	a := &Adapter{cfg: cfg, broker: broker, dispatcher: NewDispatcher()}

	var primary transport
	name := "none"
	if broker != nil {
		primary = &brokerTransport{broker: broker, prefix: cfg.TopicPrefix}
		name = broker.Name()
	}
	a.sel = fallback.NewSelector[transport]("queue", primary, &localTransport{dispatcher: a.dispatcher}, fallback.Config{
		Timeout: cfg.PublishTimeout,
		Breaker: fallback.NewBreaker("queue:"+name,
			fallback.WithFailureThreshold(cfg.FailureThreshold),
			fallback.WithCooldown(cfg.Cooldown),
		),
		OnFallback: func(reason error) {
			if broker != nil {
				logger.Warnf("broker %s unavailable, delivering locally: %v", name, reason)
			}
		},
	})
	observability.SetFallback("queue", a.sel.Degraded())
	return a
}

// Subscribe registers a local handler for eventType.
func (a *Adapter) Subscribe(eventType models.EventType, h Handler) {
	a.dispatcher.Subscribe(eventType, h)
}

// Publish validates ev and delivers it through the broker, or synchronously
// to local subscribers when the broker cannot take it.
func (a *Adapter) Publish(ctx context.Context, ev models.Event) (PublishResult, error) {
	ev.Normalize()
	res := PublishResult{EventID: ev.EventID}
	if err := ev.Validate(); err != nil {
		return res, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return res, fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}

	out, err := a.sel.Do(ctx, func(ctx context.Context, t transport) error {
		n, err := t.send(ctx, &ev, data)
		res.Delivered = n
		return err
	})
	res.BypassedBroker = out.Degraded
	if !out.Degraded && a.broker != nil {
		res.Broker = a.broker.Name()
	}
	observability.SetFallback("queue", a.sel.Degraded())

	path := "broker"
	switch {
	case errors.Is(err, ErrDeliveryUnavailable):
		path = "unavailable"
	case out.Degraded:
		path = "local"
	}
	observability.PublishTotal.WithLabelValues(string(ev.EventType), path).Inc()
	return res, err
}

// Deliver hands an event that arrived from the broker to local subscribers.
func (a *Adapter) Deliver(ctx context.Context, ev models.Event) (int, error) {
	if a.broker != nil {
		ctx = WithDelivery(ctx, Delivery{Broker: a.broker.Name()})
	}
	return a.dispatcher.Dispatch(ctx, ev)
}

// Topics returns the broker topics for every subscribed event type.
func (a *Adapter) Topics() []string {
	types := a.dispatcher.Types()
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, Topic(a.cfg.TopicPrefix, t))
	}
	return out
}

// Consume reads raw broker messages for subscribed topics until ctx is done.
// Without a broker it only waits for ctx.
func (a *Adapter) Consume(ctx context.Context, fn RawHandler) error {
	if a.broker == nil {
		<-ctx.Done()
		return nil
	}
	return a.broker.Consume(ctx, a.Topics(), fn)
}

// HasBroker reports whether a broker is configured.
func (a *Adapter) HasBroker() bool {
	return a.broker != nil
}

// Degraded reports whether publishes currently bypass the broker.
func (a *Adapter) Degraded() bool {
	return a.sel.Degraded()
}

// Close closes the broker.
func (a *Adapter) Close() error {
	if a.broker == nil {
		return nil
	}
	return a.broker.Close()
}
