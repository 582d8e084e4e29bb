// Package directory pkg/directory/interfaces.go defines the Device
// Directory collaborator interface.
package directory

import (
	"context"

	"github.com/mfreeman451/fleetota/pkg/models"
)

//go:generate mockgen -destination=mock_directory.go -package=directory github.com/mfreeman451/fleetota/pkg/directory Client

// Client resolves a device's existence, hardware version, and currently
// running firmware version.
type Client interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
}
