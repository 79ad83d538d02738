// Package broadcast fans record change events out to connected viewers.
package broadcast

import (
	"log/slog"
	"sync"

	"calibration-backend/internal/metrics"
)

// EventType names the kind of change an Event announces.
type EventType string

const (
	EventInsert     EventType = "insert"
	EventDelete     EventType = "delete"
	EventBulkDelete EventType = "bulk-delete"
)

// Event tells viewers that the record set changed. Viewers re-read the list
// rather than applying the event, so a missed event costs one stale render.
type Event struct {
	Type    EventType `json:"type"`
	ID      int64     `json:"id,omitempty"`
	Machine string    `json:"machine,omitempty"`
	Count   int       `json:"count,omitempty"`
}

// Publisher is the sending side of a Hub.
type Publisher interface {
	Publish(Event)
}

// Subscription is one viewer's event stream. C is closed when the viewer is
// dropped for falling behind, or when the hub closes.
type Subscription struct {
	C  <-chan Event
	ch chan Event
	h  *Hub
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.h.remove(s)
}

// Hub delivers every published event to every subscription, in publish order.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
	logger *slog.Logger
}

// NewHub creates a Hub whose subscribers may lag at most buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a viewer. After Close the returned channel is already
// closed.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, h: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s] = struct{}{}
	metrics.Subscribers.Inc()
	return s
}

// Publish sends e to every subscriber without blocking. A subscriber whose
// buffer is full is dropped so one slow viewer cannot stall the writers.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		select {
		case s.ch <- e:
		default:
			h.logger.Warn("dropping slow event subscriber", "buffer", h.buffer)
			h.detach(s)
			metrics.EventsDropped.Inc()
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		h.detach(s)
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(s)
}

// detach must be called with mu held.
func (h *Hub) detach(s *Subscription) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
	metrics.Subscribers.Dec()
}
