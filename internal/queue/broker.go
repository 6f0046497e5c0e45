package queue

import (
	"context"

	"auditcore/pkg/models"
)

// Broker is an external message broker. Topics carry one event type each.
type Broker interface {
	Name() string
	Publish(ctx context.Context, topic, key string, data []byte) error
	// Consume blocks, handing every message on topics to fn, until ctx is
	// done.
	Consume(ctx context.Context, topics []string, fn RawHandler) error
	Ping(ctx context.Context) error
	Close() error
}

// Topic returns the broker topic for an event type.
func Topic(prefix string, t models.EventType) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}
