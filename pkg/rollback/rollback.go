// Package rollback reverts devices to firmware they previously ran.
// A rollback is only ever targeted at a version that appears in the
// device's completed update history; the revert itself is dispatched as
// a forced, high-priority device update back to that firmware.
package rollback

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfreeman451/fleetota/pkg/db"
	"github.com/mfreeman451/fleetota/pkg/events"
	"github.com/mfreeman451/fleetota/pkg/models"
	"github.com/mfreeman451/fleetota/pkg/updates"
)

const (
	// revertPriority outranks campaign-dispatched updates.
	revertPriority = 100

	// campaignFanoutWorkers bounds the per-device rollback fan-out.
	campaignFanoutWorkers = 8
)

// ErrVersionNeverRun rejects a rollback to a version the device has no
// completed update for.
var ErrVersionNeverRun = errors.New("device has no completed update for the requested version")

// Engine initiates and resolves rollback operations.
type Engine struct {
	store   db.Service
	updates *updates.Engine
}

// NewEngine creates a rollback engine.
func NewEngine(store db.Service, updateEngine *updates.Engine) *Engine {
	return &Engine{
		store:   store,
		updates: updateEngine,
	}
}

// Initiate starts a manual rollback of one device to toVersion. The
// reason is mandatory, one in-flight rollback per device is allowed, and
// toVersion must appear in the device's completed update history.
func (e *Engine) Initiate(ctx context.Context, deviceID, toVersion, reason string,
	trigger models.RollbackTrigger) (*models.RollbackOperation, error) {
	if reason == "" {
		return nil, models.NewValidationError("reason", "rollback reason is required")
	}

	if deviceID == "" {
		return nil, models.NewValidationError("device_id", "device id is required")
	}

	active, err := e.store.HasActiveRollback(deviceID)
	if err != nil {
		return nil, err
	}

	if active {
		return nil, models.NewDuplicateError("device %s already has a rollback in flight", deviceID)
	}

	history, err := e.store.ListDeviceUpdateHistory(deviceID)
	if err != nil {
		return nil, err
	}

	firmwareID, fromVersion := resolveTarget(history, toVersion)
	if firmwareID == "" {
		return nil, models.NewValidationError("to_version", "%v: %s",
			ErrVersionNeverRun, toVersion)
	}

	op := &models.RollbackOperation{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Trigger:     trigger,
		Status:      models.RollbackInitiated,
		Reason:      reason,
	}

	event := events.New(models.EventRollbackInitiated, op.ID, map[string]interface{}{
		"device_id":  deviceID,
		"to_version": toVersion,
		"trigger":    string(trigger),
		"reason":     reason,
	})

	if err := e.store.CreateRollback(op, event); err != nil {
		return nil, err
	}

	if err := e.execute(ctx, op, firmwareID); err != nil {
		return op, err
	}

	return op, nil
}

// InitiateCampaign rolls back every failed or still-ambiguous device in
// a campaign, each tracked as its own rollback operation. Fan-out runs
// in bounded parallel batches; per-device failures are logged, not
// fatal.
func (e *Engine) InitiateCampaign(ctx context.Context, campaign *models.Campaign,
	reason string, trigger models.RollbackTrigger) ([]models.RollbackOperation, error) {
	if reason == "" {
		return nil, models.NewValidationError("reason", "rollback reason is required")
	}

	deviceUpdates, err := e.store.ListCampaignUpdates(campaign.ID)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		ops []models.RollbackOperation
		wg  sync.WaitGroup
	)

	sem := make(chan struct{}, campaignFanoutWorkers)

	for i := range deviceUpdates {
		u := deviceUpdates[i]

		if u.Status == models.UpdateCompleted || u.Status == models.UpdateCancelled ||
			u.Status == models.UpdateCreated {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			op, err := e.initiateForUpdate(ctx, campaign, &u, reason, trigger)
			if err != nil {
				log.Printf("Error rolling back device %s in campaign %s: %v",
					u.DeviceID, campaign.ID, err)
				return
			}

			mu.Lock()
			ops = append(ops, *op)
			mu.Unlock()
		}()
	}

	wg.Wait()

	log.Printf("Campaign %s rollback initiated for %d device(s), trigger=%s",
		campaign.ID, len(ops), trigger)

	// Operations that failed before a revert was dispatched (or a fan-out
	// that produced none at all) never see a revert terminal transition,
	// so the campaign is re-evaluated here as well.
	e.resolveCampaign(campaign.ID)

	return ops, nil
}

// initiateForUpdate reverts one campaign device to the version it ran
// before the campaign. Devices whose prior version was never recorded
// cannot be reverted and get a failed rollback for the audit trail.
func (e *Engine) initiateForUpdate(ctx context.Context, campaign *models.Campaign,
	u *models.DeviceUpdate, reason string, trigger models.RollbackTrigger) (*models.RollbackOperation, error) {
	if !u.Status.IsTerminal() {
		// Still in flight; stop it before reverting.
		if err := e.updates.Cancel(ctx, u.ID, "campaign rollback"); err != nil {
			return nil, err
		}
	}

	active, err := e.store.HasActiveRollback(u.DeviceID)
	if err != nil {
		return nil, err
	}

	if active {
		return nil, models.NewDuplicateError("device %s already has a rollback in flight", u.DeviceID)
	}

	op := &models.RollbackOperation{
		ID:          uuid.NewString(),
		DeviceID:    u.DeviceID,
		CampaignID:  campaign.ID,
		FromVersion: u.ToVersion,
		ToVersion:   u.FromVersion,
		Trigger:     trigger,
		Status:      models.RollbackInitiated,
		Reason:      reason,
	}

	event := events.New(models.EventRollbackInitiated, op.ID, map[string]interface{}{
		"device_id":   u.DeviceID,
		"campaign_id": campaign.ID,
		"to_version":  op.ToVersion,
		"trigger":     string(trigger),
	})

	if err := e.store.CreateRollback(op, event); err != nil {
		return nil, err
	}

	if op.ToVersion == "" {
		if err := e.fail(op.ID, "prior firmware version unknown, cannot revert"); err != nil {
			return nil, err
		}

		return op, nil
	}

	history, err := e.store.ListDeviceUpdateHistory(u.DeviceID)
	if err != nil {
		return nil, err
	}

	firmwareID, _ := resolveTarget(history, op.ToVersion)
	if firmwareID == "" {
		if err := e.fail(op.ID, "no completed update found for prior version "+op.ToVersion); err != nil {
			return nil, err
		}

		return op, nil
	}

	if err := e.execute(ctx, op, firmwareID); err != nil {
		return op, err
	}

	return op, nil
}

// execute moves the rollback into IN_PROGRESS and dispatches the forced
// revert update whose terminal state resolves the rollback.
func (e *Engine) execute(ctx context.Context, op *models.RollbackOperation, firmwareID string) error {
	applied, err := e.store.TransitionRollback(op.ID,
		models.RollbackInitiated, models.RollbackInProgress, nil)
	if err != nil {
		return err
	}

	if !applied {
		return models.NewStateTransitionError(
			string(models.RollbackInitiated), string(models.RollbackInProgress))
	}

	op.Status = models.RollbackInProgress

	revert, err := e.updates.CreateUpdate(ctx, &updates.CreateRequest{
		DeviceID:   op.DeviceID,
		FirmwareID: firmwareID,
		Priority:   revertPriority,
		Force:      true,
	})
	if err != nil {
		return e.fail(op.ID, "failed to dispatch revert update: "+err.Error())
	}

	// The binding is durable: after a restart the revert's terminal
	// transition still resolves this rollback.
	if err := e.store.BindRollbackRevert(op.ID, revert.ID); err != nil {
		return err
	}

	op.RevertUpdateID = revert.ID

	if err := e.updates.Schedule(ctx, revert.ID, time.Now().UTC()); err != nil {
		return err
	}

	return e.updates.Start(ctx, revert.ID)
}

// ResolveUpdate closes the rollback that a revert update belongs to. It
// is called from the update engine's terminal hook and ignores updates
// that are not revert dispatches. Once the rollback resolves, a
// campaign-scoped operation also re-evaluates its campaign: when every
// constituent rollback is terminal the campaign leaves ROLLBACK.
func (e *Engine) ResolveUpdate(_ context.Context, u *models.DeviceUpdate) {
	op, err := e.store.GetRollbackByRevertUpdate(u.ID)
	if errors.Is(err, db.ErrNotFound) {
		return
	}

	if err != nil {
		log.Printf("Error resolving revert update %s: %v", u.ID, err)
		return
	}

	if op.Status.IsTerminal() {
		return
	}

	if u.Status == models.UpdateFailed && u.NextRetryAt != nil {
		// The revert still has retry budget; the rollback stays open.
		return
	}

	if u.Status == models.UpdateCompleted {
		if err := e.complete(op.ID); err != nil {
			log.Printf("Error completing rollback %s: %v", op.ID, err)
		}
	} else {
		reason := u.ErrorMessage
		if reason == "" {
			reason = "revert update ended as " + string(u.Status)
		}

		if err := e.fail(op.ID, reason); err != nil {
			log.Printf("Error failing rollback %s: %v", op.ID, err)
		}
	}

	if op.CampaignID != "" {
		e.resolveCampaign(op.CampaignID)
	}
}

// resolveCampaign terminalizes a ROLLBACK campaign once all of its
// rollback operations have resolved: COMPLETED when every device was
// reverted, FAILED when any revert failed. The CAS from ROLLBACK makes
// concurrent resolvers converge on a single transition.
func (e *Engine) resolveCampaign(campaignID string) {
	ops, err := e.store.ListCampaignRollbacks(campaignID)
	if err != nil {
		log.Printf("Error listing rollbacks for campaign %s: %v", campaignID, err)
		return
	}

	allReverted := true

	for i := range ops {
		if !ops[i].Status.IsTerminal() {
			return
		}

		if ops[i].Status == models.RollbackFailed {
			allReverted = false
		}
	}

	to := models.CampaignCompleted
	eventType := models.EventCampaignCompleted

	if !allReverted {
		to = models.CampaignFailed
		eventType = models.EventCampaignFailed
	}

	event := events.New(eventType, campaignID, map[string]interface{}{
		"rollback_operations": len(ops),
		"all_reverted":        allReverted,
	})

	applied, err := e.store.TransitionCampaign(campaignID, models.CampaignRollback, to, event)
	if err != nil {
		log.Printf("Error resolving campaign %s out of rollback: %v", campaignID, err)
		return
	}

	if applied {
		log.Printf("Campaign %s rollback resolved to %s (%d operation(s))",
			campaignID, to, len(ops))
	}
}

// Get retrieves one rollback operation.
func (e *Engine) Get(id string) (*models.RollbackOperation, error) {
	op, err := e.store.GetRollback(id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, models.NewNotFoundError("rollback", id)
	}

	return op, err
}

// ListForCampaign returns a campaign's rollback operations.
func (e *Engine) ListForCampaign(campaignID string) ([]models.RollbackOperation, error) {
	return e.store.ListCampaignRollbacks(campaignID)
}

func (e *Engine) complete(id string) error {
	event := events.New(models.EventRollbackCompleted, id, nil)

	_, err := e.store.TransitionRollback(id,
		models.RollbackInProgress, models.RollbackCompleted, event)

	return err
}

func (e *Engine) fail(id, reason string) error {
	event := events.New(models.EventRollbackFailed, id, map[string]interface{}{
		"reason": reason,
	})

	applied, err := e.store.TransitionRollback(id,
		models.RollbackInProgress, models.RollbackFailed, event)
	if err != nil {
		return err
	}

	if !applied {
		// Still INITIATED when dispatch never happened.
		_, err = e.store.TransitionRollback(id,
			models.RollbackInitiated, models.RollbackFailed, event)
	}

	return err
}

// resolveTarget finds the completed update that delivered toVersion and
// returns its firmware ID plus the device's most recent completed
// version.
func resolveTarget(history []models.DeviceUpdate, toVersion string) (firmwareID, currentVersion string) {
	for i := range history {
		u := history[i]
		if u.Status != models.UpdateCompleted {
			continue
		}

		// History is ordered newest first.
		if currentVersion == "" {
			currentVersion = u.ToVersion
		}

		if u.ToVersion == toVersion && firmwareID == "" {
			firmwareID = u.FirmwareID
		}
	}

	return firmwareID, currentVersion
}
