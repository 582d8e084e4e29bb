// Package updates pkg/updates/engine.go drives a single device through
// its update lifecycle. Every status move goes through the store's
// compare-and-swap transition so the event-driven path and the background
// sweeps can race without double-applying, and every terminal move
// adjusts the owning campaign's counters in the same transaction.
package updates

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mfreeman451/fleetota/pkg/binstore"
	"github.com/mfreeman451/fleetota/pkg/db"
	"github.com/mfreeman451/fleetota/pkg/directory"
	"github.com/mfreeman451/fleetota/pkg/events"
	"github.com/mfreeman451/fleetota/pkg/models"
	"github.com/mfreeman451/fleetota/pkg/registry"
)

const (
	// DefaultMaxRetries is the retry budget for a failing update.
	DefaultMaxRetries = 3

	// retryBackoffBase doubles per attempt: 1m, 2m, 4m, ...
	retryBackoffBase = time.Minute

	// DefaultUpdateTimeout bounds an update that never reports back.
	DefaultUpdateTimeout = 60 * time.Minute
)

// TerminalHandler observes committed terminal transitions. campaign is
// nil for standalone updates.
type TerminalHandler func(ctx context.Context, update *models.DeviceUpdate, campaign *models.Campaign)

// Engine drives device updates.
type Engine struct {
	store      db.Service
	reg        *registry.Registry
	dir        directory.Client
	binaries   binstore.Store
	signingKey ed25519.PublicKey
	timeout    time.Duration
	onTerminal TerminalHandler
}

// Config carries the engine's construction parameters.
type Config struct {
	// SigningKey verifies firmware signatures when present. With no key
	// configured, a signed firmware fails the gate rather than skipping
	// verification.
	SigningKey ed25519.PublicKey

	// UpdateTimeout is the per-update deadline; zero means
	// DefaultUpdateTimeout.
	UpdateTimeout time.Duration
}

// NewEngine creates a device update engine.
func NewEngine(store db.Service, reg *registry.Registry, dir directory.Client,
	binaries binstore.Store, cfg Config) *Engine {
	timeout := cfg.UpdateTimeout
	if timeout <= 0 {
		timeout = DefaultUpdateTimeout
	}

	return &Engine{
		store:      store,
		reg:        reg,
		dir:        dir,
		binaries:   binaries,
		signingKey: cfg.SigningKey,
		timeout:    timeout,
	}
}

// SetTerminalHandler registers the orchestrator's terminal-transition
// callback. Must be called before the engine starts processing.
func (e *Engine) SetTerminalHandler(h TerminalHandler) {
	e.onTerminal = h
}

// CreateRequest describes a new device update.
type CreateRequest struct {
	DeviceID   string
	FirmwareID string
	CampaignID string
	Priority   int
	Force      bool
	Timeout    time.Duration
}

// CreateUpdate validates and creates one device update in CREATED state.
// Directory unavailability degrades to an unvalidated update only when
// the caller forces; otherwise the existence check is load-bearing and
// the error surfaces.
func (e *Engine) CreateUpdate(ctx context.Context, req *CreateRequest) (*models.DeviceUpdate, error) {
	fw, err := e.reg.Get(req.FirmwareID)
	if err != nil {
		return nil, err
	}

	validated := true
	fromVersion := ""

	device, err := e.dir.GetDevice(ctx, req.DeviceID)

	switch {
	case err != nil && req.Force:
		log.Printf("Warning: device directory lookup failed for %s, proceeding unvalidated: %v",
			req.DeviceID, err)

		validated = false
	case err != nil:
		return nil, err
	case !device.Exists:
		return nil, models.NewNotFoundError("device", req.DeviceID)
	default:
		fromVersion = device.CurrentFirmwareVersion

		if !req.Force {
			if err := registry.CheckCompatibility(fw, device.HardwareVersion); err != nil {
				return nil, err
			}
		}
	}

	if !req.Force {
		active, err := e.store.HasActiveUpdate(req.DeviceID, req.FirmwareID)
		if err != nil {
			return nil, err
		}

		if active {
			return nil, models.NewDuplicateError(
				"device %s already has an active update for firmware %s",
				req.DeviceID, req.FirmwareID)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	now := time.Now().UTC()
	deadline := now.Add(timeout)

	update := &models.DeviceUpdate{
		ID:          uuid.NewString(),
		DeviceID:    req.DeviceID,
		CampaignID:  req.CampaignID,
		FirmwareID:  req.FirmwareID,
		Status:      models.UpdateCreated,
		Phase:       phaseFor(models.UpdateCreated),
		Priority:    req.Priority,
		Force:       req.Force,
		Validated:   validated,
		MaxRetries:  DefaultMaxRetries,
		TimeoutAt:   &deadline,
		FromVersion: fromVersion,
		ToVersion:   fw.Version,
	}

	event := events.New(models.EventUpdateCreated, update.ID, map[string]interface{}{
		"device_id":   update.DeviceID,
		"campaign_id": update.CampaignID,
		"firmware_id": update.FirmwareID,
		"to_version":  update.ToVersion,
	})

	if err := e.store.CreateDeviceUpdate(update, event); err != nil {
		return nil, err
	}

	return update, nil
}

// RecordDispatchFailure creates an already-doomed update for a campaign
// device that could not be dispatched at all (unknown device, failed
// compatibility check). The row exists so the campaign's counters move
// from pending to failed instead of leaking a pending slot forever. No
// retry budget: the dispatch validation outcome will not change.
func (e *Engine) RecordDispatchFailure(ctx context.Context, campaignID, deviceID, firmwareID string, cause error) {
	u := &models.DeviceUpdate{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		CampaignID: campaignID,
		FirmwareID: firmwareID,
		Status:     models.UpdateCreated,
		Phase:      phaseFor(models.UpdateCreated),
		MaxRetries: 0,
	}

	if err := e.store.CreateDeviceUpdate(u, nil); err != nil {
		log.Printf("Error recording dispatch failure for device %s: %v", deviceID, err)
		return
	}

	if err := e.Fail(ctx, u.ID, models.ErrCodeDispatchFailed, cause.Error()); err != nil {
		log.Printf("Error failing undispatchable update %s: %v", u.ID, err)
	}
}

// Get retrieves one update.
func (e *Engine) Get(id string) (*models.DeviceUpdate, error) {
	u, err := e.store.GetDeviceUpdate(id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, models.NewNotFoundError("device update", id)
	}

	return u, err
}

// apply moves the update from its expected prior status into the state
// carried by u, through the store's CAS transition. The returned bool is
// false when another writer won the race.
func (e *Engine) apply(ctx context.Context, u *models.DeviceUpdate,
	prior models.UpdateStatus, event *models.Event) (bool, error) {
	result, err := e.store.ApplyUpdateTransition(u, prior, event)
	if err != nil {
		return false, err
	}

	if !result.Applied {
		return false, nil
	}

	if u.Status.IsTerminal() && e.onTerminal != nil {
		e.onTerminal(ctx, u, result.Campaign)
	}

	return true, nil
}

// Schedule moves a CREATED update to SCHEDULED.
func (e *Engine) Schedule(ctx context.Context, id string, at time.Time) error {
	u, err := e.Get(id)
	if err != nil {
		return err
	}

	if u.Status != models.UpdateCreated {
		return models.NewStateTransitionError(string(u.Status), string(models.UpdateScheduled))
	}

	prior := u.Status
	at = at.UTC()
	u.Status = models.UpdateScheduled
	u.Phase = phaseFor(u.Status)
	u.ScheduledAt = &at

	applied, err := e.apply(ctx, u, prior, nil)
	if err != nil {
		return err
	}

	if !applied {
		return models.NewStateTransitionError(string(prior), string(models.UpdateScheduled))
	}

	return nil
}

// Start moves a SCHEDULED update to IN_PROGRESS and immediately into
// DOWNLOADING: the device is told to begin fetching the binary.
func (e *Engine) Start(ctx context.Context, id string) error {
	u, err := e.Get(id)
	if err != nil {
		return err
	}

	if u.Status != models.UpdateScheduled {
		return models.NewStateTransitionError(string(u.Status), string(models.UpdateInProgress))
	}

	now := time.Now().UTC()

	prior := u.Status
	u.Status = models.UpdateInProgress
	u.Phase = phaseFor(u.Status)
	u.Progress = ProgressFor(u.Status, 0)
	u.StartedAt = &now

	event := events.New(models.EventUpdateStarted, u.ID, map[string]interface{}{
		"device_id":  u.DeviceID,
		"to_version": u.ToVersion,
	})

	applied, err := e.apply(ctx, u, prior, event)
	if err != nil {
		return err
	}

	if !applied {
		return models.NewStateTransitionError(string(prior), string(models.UpdateInProgress))
	}

	prior = u.Status
	u.Status = models.UpdateDownloading
	u.Phase = phaseFor(u.Status)
	u.Progress = ProgressFor(u.Status, 0)

	if _, err := e.apply(ctx, u, prior, nil); err != nil {
		return err
	}

	if err := e.reg.RecordDownload(ctx, u.FirmwareID); err != nil {
		log.Printf("Warning: failed to record download for %s: %v", u.FirmwareID, err)
	}

	return nil
}

// ReportDownloadProgress stores a download progress report. fraction is
// in [0,1].
func (e *Engine) ReportDownloadProgress(_ context.Context, id string, fraction float64) error {
	u, err := e.Get(id)
	if err != nil {
		return err
	}

	if u.Status != models.UpdateDownloading {
		return models.NewStateTransitionError(string(u.Status), string(models.UpdateDownloading))
	}

	return e.store.UpdateProgress(id, ProgressFor(models.UpdateDownloading, fraction), u.Phase)
}

// CompleteDownload moves a DOWNLOADING update to VERIFYING and runs the
// verification gate: the stored binary's checksums are recomputed
// against the registry's values and the signature is verified when one
// is present. The gate has no degradation path: any failure is FAILED
// with a distinguishing error code, never INSTALLING.
func (e *Engine) CompleteDownload(ctx context.Context, id, reportedChecksum string) error {
	u, err := e.Get(id)
	if err != nil {
		return err
	}

	if u.Status != models.UpdateDownloading {
		return models.NewStateTransitionError(string(u.Status), string(models.UpdateVerifying))
	}

	prior := u.Status
	u.Status = models.UpdateVerifying
	u.Phase = phaseFor(u.Status)
	u.Progress = ProgressFor(u.Status, 0)

	applied, err := e.apply(ctx, u, prior, nil)
	if err != nil {
		return err
	}

	if !applied {
		return models.NewStateTransitionError(string(prior), string(models.UpdateVerifying))
	}

	if code, verr := e.verify(ctx, u, reportedChecksum); verr != nil {
		return e.Fail(ctx, id, code, verr.Error())
	}

	prior = u.Status
	u.Status = models.UpdateInstalling
	u.Phase = phaseFor(u.Status)
	u.Progress = ProgressFor(u.Status, 0)

	if _, err := e.apply(ctx, u, prior, nil); err != nil {
		return err
	}

	return nil
}

// verify is the checksum/signature gate. Returns the error code to store
// on failure.
func (e *Engine) verify(ctx context.Context, u *models.DeviceUpdate, reportedChecksum string) (string, error) {
	fw, err := e.reg.Get(u.FirmwareID)
	if err != nil {
		return models.ErrCodeChecksumMismatch, err
	}

	data, err := e.binaries.Fetch(ctx, u.FirmwareID)
	if err != nil {
		return models.ErrCodeChecksumMismatch,
			fmt.Errorf("failed to fetch binary for verification: %w", err)
	}

	if !binstore.ChecksumsMatch(fw.ChecksumSHA256, binstore.SHA256Hex(data)) {
		return models.ErrCodeChecksumMismatch,
			fmt.Errorf("stored binary does not match registered sha256")
	}

	if !binstore.ChecksumsMatch(fw.ChecksumBLAKE3, binstore.BLAKE3Hex(data)) {
		return models.ErrCodeChecksumMismatch,
			fmt.Errorf("stored binary does not match registered blake3")
	}

	if reportedChecksum != "" && !binstore.ChecksumsMatch(fw.ChecksumSHA256, reportedChecksum) {
		return models.ErrCodeChecksumMismatch,
			fmt.Errorf("device-reported checksum does not match registered sha256")
	}

	if fw.Signature != "" {
		if len(e.signingKey) == 0 {
			return models.ErrCodeSignatureInvalid,
				fmt.Errorf("firmware is signed but no verification key is configured")
		}

		sig, err := hex.DecodeString(fw.Signature)
		if err != nil {
			return models.ErrCodeSignatureInvalid,
				fmt.Errorf("malformed firmware signature: %w", err)
		}

		if !ed25519.Verify(e.signingKey, data, sig) {
			return models.ErrCodeSignatureInvalid,
				fmt.Errorf("firmware signature verification failed")
		}
	}

	return "", nil
}

// ReportInstallProgress stores an install progress report.
func (e *Engine) ReportInstallProgress(_ context.Context, id string, fraction float64) error {
	u, err := e.Get(id)
	if err != nil {
		return err
	}

	if u.Status != models.UpdateInstalling {
		return models.NewStateTransitionError(string(u.Status), string(models.UpdateInstalling))
	}

	return e.store.UpdateProgress(id, ProgressFor(models.UpdateInstalling, fraction), u.Phase)
}

// CompleteInstall moves an INSTALLING update to REBOOTING.
func (e *Engine) CompleteInstall(ctx context.Context, id string) error {
	u, err := e.Get(id)
	if err != nil {
		return err
	}

	if u.Status != models.UpdateInstalling {
		return models.NewStateTransitionError(string(u.Status), string(models.UpdateRebooting))
	}

	prior := u.Status
	u.Status = models.UpdateRebooting
	u.Phase = phaseFor(u.Status)
	u.Progress = ProgressFor(u.Status, 0)

	applied, err := e.apply(ctx, u, prior, nil)
	if err != nil {
		return err
	}

	if !applied {
		return models.NewStateTransitionError(string(prior), string(models.UpdateRebooting))
	}

	return nil
}

// CompleteReboot finishes the update: REBOOTING to COMPLETED.
func (e *Engine) CompleteReboot(ctx context.Context, id string) error {
	u, err := e.Get(id)
	if err != nil {
		return err
	}

	if u.Status != models.UpdateRebooting {
		return models.NewStateTransitionError(string(u.Status), string(models.UpdateCompleted))
	}

	now := time.Now().UTC()

	prior := u.Status
	u.Status = models.UpdateCompleted
	u.Phase = phaseFor(u.Status)
	u.Progress = ProgressFor(u.Status, 0)
	u.CompletedAt = &now

	event := events.New(models.EventUpdateCompleted, u.ID, map[string]interface{}{
		"device_id":    u.DeviceID,
		"campaign_id":  u.CampaignID,
		"from_version": u.FromVersion,
		"to_version":   u.ToVersion,
	})

	applied, err := e.apply(ctx, u, prior, event)
	if err != nil {
		return err
	}

	if !applied {
		return models.NewStateTransitionError(string(prior), string(models.UpdateCompleted))
	}

	if err := e.reg.RecordUpdateResult(u.FirmwareID, true); err != nil {
		log.Printf("Warning: failed to record update result: %v", err)
	}

	return nil
}

// Fail terminalizes the update with an error code. Failing an
// already-terminal update is a no-op, which makes the timeout sweep and
// the event-driven path safe to race. When retry budget remains the next
// attempt is scheduled with exponential backoff instead of surfacing.
func (e *Engine) Fail(ctx context.Context, id, code, message string) error {
	u, err := e.Get(id)
	if err != nil {
		return err
	}

	if u.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()

	prior := u.Status
	u.Status = models.UpdateFailed
	u.Phase = phaseFor(u.Status)
	u.ErrorCode = code
	u.ErrorMessage = message
	u.CompletedAt = &now

	if u.RetryCount < u.MaxRetries {
		next := now.Add(backoffDelay(u.RetryCount))
		u.NextRetryAt = &next
	} else {
		u.NextRetryAt = nil
	}

	event := events.New(models.EventUpdateFailed, u.ID, map[string]interface{}{
		"device_id":   u.DeviceID,
		"campaign_id": u.CampaignID,
		"error_code":  code,
		"retry_count": u.RetryCount,
	})

	applied, err := e.apply(ctx, u, prior, event)
	if err != nil {
		return err
	}

	if applied && u.NextRetryAt == nil {
		if err := e.reg.RecordUpdateResult(u.FirmwareID, false); err != nil {
			log.Printf("Warning: failed to record update result: %v", err)
		}
	}

	return nil
}

// Cancel terminalizes the update as CANCELLED. Cancelling an
// already-terminal update is a no-op.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	u, err := e.Get(id)
	if err != nil {
		return err
	}

	if u.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()

	prior := u.Status
	u.Status = models.UpdateCancelled
	u.Phase = phaseFor(u.Status)
	u.ErrorMessage = reason
	u.NextRetryAt = nil
	u.CompletedAt = &now

	event := events.New(models.EventUpdateCancelled, u.ID, map[string]interface{}{
		"device_id":   u.DeviceID,
		"campaign_id": u.CampaignID,
		"reason":      reason,
	})

	_, err = e.apply(ctx, u, prior, event)

	return err
}

// Retry re-queues a FAILED update as SCHEDULED. The backoff delay is a
// hard floor: concurrent retry triggers cannot re-attempt faster than
// the persisted next_retry_at.
func (e *Engine) Retry(ctx context.Context, id string) error {
	u, err := e.Get(id)
	if err != nil {
		return err
	}

	if u.Status != models.UpdateFailed {
		return models.NewStateTransitionError(string(u.Status), string(models.UpdateScheduled))
	}

	if u.RetryCount >= u.MaxRetries {
		return models.NewStateTransitionError(string(u.Status), string(models.UpdateScheduled))
	}

	now := time.Now().UTC()

	if u.NextRetryAt != nil && now.Before(*u.NextRetryAt) {
		return models.NewValidationError("next_retry_at",
			"retry not due until %s", u.NextRetryAt.Format(time.RFC3339))
	}

	deadline := now.Add(e.timeout)

	prior := u.Status
	u.Status = models.UpdateScheduled
	u.Phase = phaseFor(u.Status)
	u.Progress = 0
	u.RetryCount++
	u.NextRetryAt = nil
	u.TimeoutAt = &deadline
	u.ScheduledAt = &now
	u.ErrorCode = ""
	u.ErrorMessage = ""
	u.CompletedAt = nil

	event := events.New(models.EventUpdateRetried, u.ID, map[string]interface{}{
		"device_id":   u.DeviceID,
		"retry_count": u.RetryCount,
	})

	applied, err := e.apply(ctx, u, prior, event)
	if err != nil {
		return err
	}

	if !applied {
		// Another retry trigger won; nothing to do.
		return nil
	}

	return nil
}

// backoffDelay returns the exponential retry delay: 1m, 2m, 4m, ...
func backoffDelay(retryCount int) time.Duration {
	return retryBackoffBase << retryCount
}
