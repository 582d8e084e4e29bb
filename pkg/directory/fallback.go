package directory

import (
	"context"
	"log"

	"github.com/mfreeman451/fleetota/pkg/models"
)

// FallbackClient consults a secondary source when the primary directory
// errors out or does not know the device. On-prem devices that never
// register with the directory service are still resolvable through a
// direct SNMP probe.
type FallbackClient struct {
	primary   Client
	secondary Client
}

// NewFallbackClient chains two directory sources.
func NewFallbackClient(primary, secondary Client) *FallbackClient {
	return &FallbackClient{primary: primary, secondary: secondary}
}

// GetDevice implements Client.
func (c *FallbackClient) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	device, err := c.primary.GetDevice(ctx, deviceID)
	if err == nil && device.Exists {
		return device, nil
	}

	if err != nil {
		log.Printf("Warning: primary directory lookup failed for %s, probing: %v", deviceID, err)
	}

	probed, perr := c.secondary.GetDevice(ctx, deviceID)
	if perr != nil || !probed.Exists {
		// Fall back to the primary's answer, including its error.
		if err != nil {
			return nil, err
		}

		return device, nil
	}

	return probed, nil
}
