// Package models pkg/models/events.go defines the lifecycle event catalog
// published to the event bus.
package models

import (
	"encoding/json"
	"time"
)

// EventType names a lifecycle event as "{entity}.{action}".
type EventType string

// Event catalog. One event is published per durable state change.
const (
	EventFirmwareUploaded   EventType = "firmware.uploaded"
	EventFirmwareDeprecated EventType = "firmware.deprecated"

	EventCampaignCreated   EventType = "campaign.created"
	EventCampaignScheduled EventType = "campaign.scheduled"
	EventCampaignStarted   EventType = "campaign.started"
	EventCampaignCompleted EventType = "campaign.completed"
	EventCampaignFailed    EventType = "campaign.failed"
	EventCampaignCancelled EventType = "campaign.cancelled"
	EventCampaignRollback  EventType = "campaign.rollback"

	EventUpdateCreated   EventType = "update.created"
	EventUpdateStarted   EventType = "update.started"
	EventUpdateCompleted EventType = "update.completed"
	EventUpdateFailed    EventType = "update.failed"
	EventUpdateCancelled EventType = "update.cancelled"
	EventUpdateRetried   EventType = "update.retried"

	EventRollbackInitiated EventType = "rollback.initiated"
	EventRollbackCompleted EventType = "rollback.completed"
	EventRollbackFailed    EventType = "rollback.failed"

	// Consumed from the bus, not produced: device removal cancels that
	// device's in-flight updates.
	EventDeviceDeleted EventType = "device.deleted"
)

// Event is one lifecycle event. Delivery is at-least-once with per-entity
// ordering; consumers deduplicate on ID within a 7-day window.
type Event struct {
	ID        string          `json:"event_id"`
	Type      EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	EntityID  string          `json:"entity_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}
