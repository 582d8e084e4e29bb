// Package events pkg/events/hub.go is the in-process fan-out bus feeding
// local subscribers (the websocket API feed and the inbound consumer).
package events

import (
	"context"
	"log"
	"sync"

	"github.com/mfreeman451/fleetota/pkg/models"
)

const subscriberBuffer = 64

// Hub fans events out to local subscribers. Publish never blocks: a slow
// subscriber drops events instead of stalling campaign progression.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan models.Event
	next int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]chan models.Event),
	}
}

// Subscribe registers a subscriber and returns its channel plus a cancel
// function. The channel closes on cancel.
func (h *Hub) Subscribe() (<-chan models.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++

	ch := make(chan models.Event, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (h *Hub) Publish(_ context.Context, event *models.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- *event:
		default:
			log.Printf("event subscriber %d is full, dropping %s", id, event.Type)
		}
	}

	return nil
}

// Fanout publishes to several buses; the first error wins but every bus
// still sees the event.
type Fanout []Bus

// Publish implements Bus.
func (f Fanout) Publish(ctx context.Context, event *models.Event) error {
	var firstErr error

	for _, bus := range f {
		if err := bus.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
