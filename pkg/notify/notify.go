// Package notify delivers campaign lifecycle notifications to operator
// channels. Delivery is best effort: callers fire and forget, and a
// failed post never rolls back the state change that produced it.
package notify

import (
	"context"
	"time"
)

// Level is a notification severity.
type Level string

const (
	Info    Level = "info"
	Warning Level = "warning"
	Error   Level = "error"
)

// Notification is one operator-facing message.
type Notification struct {
	Level      Level          `json:"level"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Timestamp  string         `json:"timestamp"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Notifier sends notifications somewhere an operator watches.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
	IsEnabled() bool
}

//go:generate mockgen -destination=mock_notify.go -package=notify github.com/mfreeman451/fleetota/pkg/notify Notifier

func (n *Notification) ensureTimestamp() {
	if n.Timestamp == "" {
		n.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
}
