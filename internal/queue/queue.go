// Package queue publishes typed events to a broker and delivers them to local
// subscribers, falling back to synchronous in-process delivery whenever the
// broker is missing or unreachable.
package queue

import (
	"context"
	"errors"

	"auditcore/pkg/models"
)

// ErrDeliveryUnavailable means neither the broker nor a local subscriber
// could take the event.
var ErrDeliveryUnavailable = errors.New("delivery unavailable")

// Handler consumes one event. Handlers must be idempotent on event_id.
type Handler func(ctx context.Context, ev models.Event) error

// RawHandler consumes one undecoded broker message.
type RawHandler func(ctx context.Context, topic string, data []byte) error

// PublishResult describes how an event was delivered.
type PublishResult struct {
	EventID        string `json:"event_id"`
	Broker         string `json:"broker,omitempty"`
	BypassedBroker bool   `json:"bypassed_broker"`
	Delivered      int    `json:"delivered"`
}

// Delivery travels with the handler context and tells subscribers how the
// event reached them.
type Delivery struct {
	Broker   string
	Bypassed bool
}

type deliveryKey struct{}

// WithDelivery annotates ctx with delivery details.
func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFrom returns the delivery details carried by ctx. Contexts without
// them are treated as direct, non-degraded calls.
func DeliveryFrom(ctx context.Context) Delivery {
	d, _ := ctx.Value(deliveryKey{}).(Delivery)
	return d
}
