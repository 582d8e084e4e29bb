// Package events pkg/events/event.go builds catalog events.
package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mfreeman451/fleetota/pkg/models"
)

// New builds an event with a fresh identifier and a UTC timestamp. data
// is marshaled to the event's opaque payload; a marshal failure is logged
// and produces an event without payload rather than losing the event.
func New(eventType models.EventType, entityID string, data interface{}) *models.Event {
	ev := &models.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		EntityID:  entityID,
	}

	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			log.Printf("failed to marshal event data for %s: %v", eventType, err)
		} else {
			ev.Data = payload
		}
	}

	return ev
}
