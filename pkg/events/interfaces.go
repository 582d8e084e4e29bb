// Package events pkg/events/interfaces.go
package events

import (
	"context"

	"github.com/mfreeman451/fleetota/pkg/models"
)

//go:generate mockgen -destination=mock_events.go -package=events github.com/mfreeman451/fleetota/pkg/events Bus

// Bus transports lifecycle events to interested subscribers. The core
// publishes to it and does not implement its delivery guarantees beyond
// at-least-once with per-entity ordering.
type Bus interface {
	Publish(ctx context.Context, event *models.Event) error
}
