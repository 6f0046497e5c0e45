package pipeline

import (
	"context"
	"sync"

	"auditcore/pkg/models"
)

// Hub fans audit-log mirror events out to live subscriptions. Slow
// subscribers lose events instead of blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]*Subscription
	buffer int
}

// Subscription receives mirror events until it is closed.
type Subscription struct {
	hub     *Hub
	id      int
	ch      chan models.AuditLogMirror
	mu      sync.Mutex
	dropped int
	closed  bool
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{subs: make(map[int]*Subscription), buffer: buffer}
}

// Subscribe opens a subscription.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	s := &Subscription{hub: h, id: h.next, ch: make(chan models.AuditLogMirror, h.buffer)}
	h.subs[s.id] = s
	return s
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Handle is the queue handler for audit-log events.
func (h *Hub) Handle(_ context.Context, ev models.Event) error {
	m, ok := ev.Payload.(*models.AuditLogMirror)
	if !ok {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		s.send(*m)
	}
	return nil
}

func (s *Subscription) send(m models.AuditLogMirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- m:
	default:
		s.dropped++
	}
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan models.AuditLogMirror {
	return s.ch
}

// Dropped returns how many events were lost to a full buffer.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
