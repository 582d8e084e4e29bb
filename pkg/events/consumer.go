// Package events pkg/events/consumer.go dispatches inbound bus events to
// registered handlers on a dedicated loop, keeping slow handlers off the
// synchronous request path.
package events

import (
	"context"
	"log"

	"github.com/mfreeman451/fleetota/pkg/models"
)

// Handler reacts to one inbound event.
type Handler func(ctx context.Context, event models.Event) error

// Consumer runs handlers registered against the typed event catalog.
type Consumer struct {
	source   *Hub
	handlers map[models.EventType][]Handler
}

// NewConsumer creates a consumer reading from the hub.
func NewConsumer(source *Hub) *Consumer {
	return &Consumer{
		source:   source,
		handlers: make(map[models.EventType][]Handler),
	}
}

// Handle registers a handler for one event type. Registration must finish
// before Run starts; the map is not guarded.
func (c *Consumer) Handle(eventType models.EventType, handler Handler) {
	c.handlers[eventType] = append(c.handlers[eventType], handler)
}

// Run consumes events until the context is canceled. Handler errors are
// logged; delivery to the remaining handlers continues.
func (c *Consumer) Run(ctx context.Context) error {
	ch, cancel := c.source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}

			for _, handler := range c.handlers[event.Type] {
				if err := handler(ctx, event); err != nil {
					log.Printf("event handler for %s failed: %v", event.Type, err)
				}
			}
		}
	}
}
