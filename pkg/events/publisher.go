// Package events pkg/events/publisher.go drains the event outbox. Events
// are committed alongside the state change that produced them; this loop
// delivers them to the bus afterwards. A publish failure is logged and
// retried on the next pass; it never affects the already-committed state
// change. Draining in seq order preserves per-entity ordering; a failed
// event therefore also blocks the events behind it until it delivers.
package events

import (
	"context"
	"log"
	"time"

	"github.com/mfreeman451/fleetota/pkg/db"
)

const (
	defaultDrainInterval = 2 * time.Second
	defaultDrainBatch    = 128
)

// Publisher turns committed outbox rows into bus deliveries.
type Publisher struct {
	store    db.Service
	bus      Bus
	interval time.Duration
	batch    int
	done     chan struct{}
}

// NewPublisher creates an outbox publisher.
func NewPublisher(store db.Service, bus Bus) *Publisher {
	return &Publisher{
		store:    store,
		bus:      bus,
		interval: defaultDrainInterval,
		batch:    defaultDrainBatch,
		done:     make(chan struct{}),
	}
}

// Start runs the drain loop until the context is canceled.
func (p *Publisher) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(p.done)

			return ctx.Err()
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain publishes pending events in append order, stopping at the first
// failure to preserve ordering.
func (p *Publisher) Drain(ctx context.Context) {
	pending, err := p.store.ListUnpublishedEvents(p.batch)
	if err != nil {
		log.Printf("failed to list unpublished events: %v", err)

		return
	}

	for i := range pending {
		ev := pending[i]

		if err := p.bus.Publish(ctx, &ev); err != nil {
			log.Printf("failed to publish event %s (%s): %v", ev.ID, ev.Type, err)

			if rerr := p.store.RecordEventAttempt(ev.ID); rerr != nil {
				log.Printf("failed to record publish attempt: %v", rerr)
			}

			return
		}

		if err := p.store.MarkEventPublished(ev.ID); err != nil {
			log.Printf("failed to mark event %s published: %v", ev.ID, err)

			return
		}
	}
}
