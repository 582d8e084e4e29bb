package updates

import (
	"context"
	"log"

	"github.com/mfreeman451/fleetota/pkg/models"
)

// HandleDeviceDeleted cancels every non-terminal update for a device
// that left the fleet. Registered against the device.deleted event; the
// event's entity ID is the device ID.
func (e *Engine) HandleDeviceDeleted(ctx context.Context, event models.Event) error {
	active, err := e.store.ListDeviceActiveUpdates(event.EntityID)
	if err != nil {
		return err
	}

	for i := range active {
		u := active[i]

		if err := e.Cancel(ctx, u.ID, "device removed from fleet"); err != nil {
			log.Printf("Error cancelling update %s for deleted device %s: %v",
				u.ID, event.EntityID, err)
		}
	}

	if len(active) > 0 {
		log.Printf("Cancelled %d update(s) for deleted device %s", len(active), event.EntityID)
	}

	return nil
}
