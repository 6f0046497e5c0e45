package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"auditcore/pkg/models"
)

// Dispatcher delivers events synchronously to handlers registered in this
// process.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[models.EventType][]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[models.EventType][]Handler)}
}

// Subscribe registers h for eventType.
func (d *Dispatcher) Subscribe(eventType models.EventType, h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
	d.mu.Unlock()
}

// HasSubscribers reports whether eventType has at least one handler.
func (d *Dispatcher) HasSubscribers(eventType models.EventType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[eventType]) > 0
}

// Types returns every event type with a handler.
func (d *Dispatcher) Types() []models.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.EventType, 0, len(d.handlers))
	for t, hs := range d.handlers {
		if len(hs) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// Dispatch calls every handler for the event's type in registration order
// and returns how many were called. Every handler runs even if an earlier one
// fails.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.Event) (int, error) {
	d.mu.RLock()
	hs := append([]Handler(nil), d.handlers[ev.EventType]...)
	d.mu.RUnlock()

	if len(hs) == 0 {
		return 0, fmt.Errorf("%w: no local subscriber for %s", ErrDeliveryUnavailable, ev.EventType)
	}

	var errs []error
	for _, h := range hs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return len(hs), errors.Join(errs...)
}
