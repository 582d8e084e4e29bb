// Package campaign orchestrates fleet-wide firmware rollouts: target
// resolution, wave dispatch, failure-rate watching and automatic
// rollback. Campaign status moves are compare-and-swap in the store, so
// concurrent triggers (operator actions, device reports, sweeps) always
// collapse to exactly one applied transition.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mfreeman451/fleetota/pkg/db"
	"github.com/mfreeman451/fleetota/pkg/events"
	"github.com/mfreeman451/fleetota/pkg/models"
	"github.com/mfreeman451/fleetota/pkg/notify"
	"github.com/mfreeman451/fleetota/pkg/registry"
	"github.com/mfreeman451/fleetota/pkg/rollback"
	"github.com/mfreeman451/fleetota/pkg/updates"
)

const (
	maxActiveCampaigns = 5

	defaultRolloutPercent   = 100
	defaultBatchSize        = 50
	defaultMaxConcurrent    = 100
	defaultTimeoutMinutes   = 60
	defaultFailureThreshold = 20

	minBatchSize      = 1
	maxBatchSize      = 500
	minMaxConcurrent  = 1
	maxMaxConcurrent  = 1000
	minTimeoutMinutes = 5
	maxTimeoutMinutes = 1440

	// dispatchRate paces update creation so a large wave does not
	// stampede the store and the directory.
	dispatchRate = rate.Limit(50)
)

// TargetResolver expands a campaign's target selectors into concrete
// device IDs.
type TargetResolver interface {
	Resolve(ctx context.Context, targets *models.CampaignTargets) ([]string, error)
}

// StaticResolver resolves explicitly listed device IDs only. Group and
// filter selectors need a fleet inventory behind them.
type StaticResolver struct{}

// Resolve returns the explicit device list.
func (StaticResolver) Resolve(_ context.Context, targets *models.CampaignTargets) ([]string, error) {
	if len(targets.Groups) > 0 || len(targets.Filters) > 0 {
		return nil, models.NewValidationError("targets",
			"group and filter targeting requires a fleet inventory resolver")
	}

	return targets.DeviceIDs, nil
}

// Orchestrator runs update campaigns end to end.
type Orchestrator struct {
	store     db.Service
	reg       *registry.Registry
	engine    *updates.Engine
	rollbacks *rollback.Engine
	notifier  notify.Notifier
	resolver  TargetResolver
}

// NewOrchestrator creates a campaign orchestrator. notifier and resolver
// may be nil; a nil resolver falls back to explicit device lists.
func NewOrchestrator(store db.Service, reg *registry.Registry, engine *updates.Engine,
	rollbacks *rollback.Engine, notifier notify.Notifier, resolver TargetResolver) *Orchestrator {
	if resolver == nil {
		resolver = StaticResolver{}
	}

	return &Orchestrator{
		store:     store,
		reg:       reg,
		engine:    engine,
		rollbacks: rollbacks,
		notifier:  notifier,
		resolver:  resolver,
	}
}

// CreateRequest describes a new campaign.
type CreateRequest struct {
	Name             string
	OrgID            string
	FirmwareID       string
	Strategy         models.DeploymentStrategy
	Targets          models.CampaignTargets
	RolloutPercent   int
	BatchSize        int
	MaxConcurrent    int
	TimeoutMinutes   int
	FailureThreshold int
	AutoRollback     bool
	RequiresApproval bool
	ScheduledStart   *time.Time
	ScheduledEnd     *time.Time
	Metadata         models.Metadata
}

// Create validates and persists a new campaign in CREATED state.
func (o *Orchestrator) Create(ctx context.Context, req *CreateRequest) (*models.Campaign, error) {
	if err := o.validateCreate(req); err != nil {
		return nil, err
	}

	fw, err := o.reg.Get(req.FirmwareID)
	if err != nil {
		return nil, err
	}

	if fw.Deprecated {
		return nil, models.NewValidationError("firmware_id",
			"firmware %s is deprecated and cannot be deployed", req.FirmwareID)
	}

	active, err := o.store.CountActiveCampaigns(req.OrgID)
	if err != nil {
		return nil, err
	}

	if active >= maxActiveCampaigns {
		return nil, models.NewValidationError("org_id",
			"organization %s already has %d active campaigns", req.OrgID, active)
	}

	c := &models.Campaign{
		ID:               uuid.NewString(),
		Name:             req.Name,
		OrgID:            req.OrgID,
		FirmwareID:       req.FirmwareID,
		Status:           models.CampaignCreated,
		Strategy:         req.Strategy,
		Targets:          req.Targets,
		RolloutPercent:   req.RolloutPercent,
		BatchSize:        req.BatchSize,
		MaxConcurrent:    req.MaxConcurrent,
		TimeoutMinutes:   req.TimeoutMinutes,
		FailureThreshold: req.FailureThreshold,
		AutoRollback:     req.AutoRollback,
		RequiresApproval: req.RequiresApproval,
		ScheduledStart:   req.ScheduledStart,
		ScheduledEnd:     req.ScheduledEnd,
		Metadata:         req.Metadata,
	}

	event := events.New(models.EventCampaignCreated, c.ID, map[string]interface{}{
		"name":        c.Name,
		"org_id":      c.OrgID,
		"firmware_id": c.FirmwareID,
		"strategy":    string(c.Strategy),
	})

	if err := o.store.CreateCampaign(c, event); err != nil {
		return nil, err
	}

	return c, nil
}

func (o *Orchestrator) validateCreate(req *CreateRequest) error {
	if req.Name == "" {
		return models.NewValidationError("name", "campaign name is required")
	}

	if req.FirmwareID == "" {
		return models.NewValidationError("firmware_id", "firmware id is required")
	}

	if req.Targets.Empty() {
		return models.NewValidationError("targets",
			"at least one of device_ids, groups or filters is required")
	}

	if req.Strategy == "" {
		req.Strategy = models.StrategyImmediate
	}

	if !req.Strategy.Valid() {
		return models.NewValidationError("strategy", "unknown deployment strategy: %s", req.Strategy)
	}

	if req.RolloutPercent == 0 {
		req.RolloutPercent = defaultRolloutPercent
	}

	if req.RolloutPercent < 1 || req.RolloutPercent > 100 {
		return models.NewValidationError("rollout_percent", "must be between 1 and 100")
	}

	if req.BatchSize == 0 {
		req.BatchSize = defaultBatchSize
	}

	if req.BatchSize < minBatchSize || req.BatchSize > maxBatchSize {
		return models.NewValidationError("batch_size", "must be between %d and %d",
			minBatchSize, maxBatchSize)
	}

	if req.MaxConcurrent == 0 {
		req.MaxConcurrent = defaultMaxConcurrent
	}

	if req.MaxConcurrent < minMaxConcurrent || req.MaxConcurrent > maxMaxConcurrent {
		return models.NewValidationError("max_concurrent", "must be between %d and %d",
			minMaxConcurrent, maxMaxConcurrent)
	}

	if req.TimeoutMinutes == 0 {
		req.TimeoutMinutes = defaultTimeoutMinutes
	}

	if req.TimeoutMinutes < minTimeoutMinutes || req.TimeoutMinutes > maxTimeoutMinutes {
		return models.NewValidationError("timeout_minutes", "must be between %d and %d",
			minTimeoutMinutes, maxTimeoutMinutes)
	}

	if req.FailureThreshold == 0 {
		req.FailureThreshold = defaultFailureThreshold
	}

	if req.FailureThreshold < 1 || req.FailureThreshold > 100 {
		return models.NewValidationError("failure_threshold", "must be between 1 and 100")
	}

	return o.validateSchedule(req)
}

func (o *Orchestrator) validateSchedule(req *CreateRequest) error {
	if req.Strategy == models.StrategyScheduled && req.ScheduledStart == nil {
		return models.NewValidationError("scheduled_start",
			"scheduled strategy requires a start time")
	}

	now := time.Now().UTC()

	if req.ScheduledStart != nil && !req.ScheduledStart.After(now) {
		return models.NewValidationError("scheduled_start", "must be in the future")
	}

	if req.ScheduledEnd != nil {
		if req.ScheduledStart == nil {
			return models.NewValidationError("scheduled_end",
				"scheduled_end requires scheduled_start")
		}

		if !req.ScheduledEnd.After(*req.ScheduledStart) {
			return models.NewValidationError("scheduled_end", "must be after scheduled_start")
		}
	}

	return nil
}

// Get retrieves one campaign.
func (o *Orchestrator) Get(id string) (*models.Campaign, error) {
	c, err := o.store.GetCampaign(id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, models.NewNotFoundError("campaign", id)
	}

	return c, err
}

// List returns all campaigns.
func (o *Orchestrator) List() ([]models.Campaign, error) {
	return o.store.ListCampaigns()
}

// Approve marks a campaign approved for start.
func (o *Orchestrator) Approve(_ context.Context, id string) error {
	if _, err := o.Get(id); err != nil {
		return err
	}

	return o.store.ApproveCampaign(id)
}

// Schedule moves a CREATED campaign to SCHEDULED.
func (o *Orchestrator) Schedule(_ context.Context, id string) error {
	c, err := o.Get(id)
	if err != nil {
		return err
	}

	if c.ScheduledStart == nil {
		return models.NewValidationError("scheduled_start",
			"campaign has no scheduled start time")
	}

	event := events.New(models.EventCampaignScheduled, id, map[string]interface{}{
		"scheduled_start": c.ScheduledStart.Format(time.RFC3339),
	})

	applied, err := o.store.TransitionCampaign(id, models.CampaignCreated,
		models.CampaignScheduled, event)
	if err != nil {
		return err
	}

	if !applied {
		return models.NewStateTransitionError(string(c.Status), string(models.CampaignScheduled))
	}

	return nil
}

// Start launches a campaign. Starting is idempotent: a second Start of
// an already running campaign succeeds as a no-op, and a concurrent
// double Start resolves to exactly one dispatch through the status CAS.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	c, err := o.Get(id)
	if err != nil {
		return err
	}

	if c.Status == models.CampaignInProgress {
		return nil
	}

	if c.RequiresApproval && !c.Approved {
		return models.NewAuthorizationError("campaign %s requires approval before start", id)
	}

	event := events.New(models.EventCampaignStarted, id, map[string]interface{}{
		"name":        c.Name,
		"firmware_id": c.FirmwareID,
		"strategy":    string(c.Strategy),
	})

	applied, err := o.store.TransitionCampaign(id, c.Status, models.CampaignInProgress, event)
	if err != nil {
		return err
	}

	if !applied {
		// Lost the race; the campaign is running iff someone else won.
		current, err := o.Get(id)
		if err != nil {
			return err
		}

		if current.Status == models.CampaignInProgress {
			return nil
		}

		return models.NewStateTransitionError(string(current.Status),
			string(models.CampaignInProgress))
	}

	devices, err := o.resolver.Resolve(ctx, &c.Targets)
	if err != nil {
		return err
	}

	devices = ApplyRolloutPercent(devices, c.RolloutPercent)

	if err := o.store.SetCampaignTotals(id, len(devices)); err != nil {
		return err
	}

	c, err = o.Get(id)
	if err != nil {
		return err
	}

	o.sendNotification(ctx, notify.Info, "Campaign started",
		fmt.Sprintf("Campaign %q started for %d device(s)", c.Name, len(devices)), c)

	go o.run(context.WithoutCancel(ctx), c, devices)

	return nil
}

// run dispatches the campaign's waves. It stops as soon as the campaign
// leaves IN_PROGRESS.
func (o *Orchestrator) run(ctx context.Context, c *models.Campaign, devices []string) {
	limiter := rate.NewLimiter(dispatchRate, c.BatchSize)
	sem := make(chan struct{}, c.MaxConcurrent)
	timeout := time.Duration(c.TimeoutMinutes) * time.Minute

	for i, wave := range PlanWaves(c.Strategy, devices) {
		if !o.stillRunning(c.ID) {
			return
		}

		log.Printf("Campaign %s dispatching wave %d (%d devices)", c.ID, i+1, len(wave.DeviceIDs))

		o.dispatchWave(ctx, c, wave.DeviceIDs, limiter, sem, timeout)

		if wave.MonitorAfter > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wave.MonitorAfter):
			}

			if breached := o.checkWaveHealth(ctx, c.ID); breached {
				return
			}
		}
	}
}

func (o *Orchestrator) dispatchWave(ctx context.Context, c *models.Campaign,
	deviceIDs []string, limiter *rate.Limiter, sem chan struct{}, timeout time.Duration) {
	var wg sync.WaitGroup

	for _, deviceID := range deviceIDs {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(deviceID string) {
			defer wg.Done()
			defer func() { <-sem }()

			o.dispatchDevice(ctx, c, deviceID, timeout)
		}(deviceID)
	}

	wg.Wait()
}

// dispatchDevice creates, schedules and starts one device update. A
// device that fails validation is recorded as a failed update so the
// campaign counters stay complete.
func (o *Orchestrator) dispatchDevice(ctx context.Context, c *models.Campaign,
	deviceID string, timeout time.Duration) {
	u, err := o.engine.CreateUpdate(ctx, &updates.CreateRequest{
		DeviceID:   deviceID,
		FirmwareID: c.FirmwareID,
		CampaignID: c.ID,
		Timeout:    timeout,
	})
	if err != nil {
		log.Printf("Campaign %s: device %s not dispatched: %v", c.ID, deviceID, err)
		o.engine.RecordDispatchFailure(ctx, c.ID, deviceID, c.FirmwareID, err)

		return
	}

	if err := o.engine.Schedule(ctx, u.ID, time.Now().UTC()); err != nil {
		log.Printf("Campaign %s: failed to schedule update %s: %v", c.ID, u.ID, err)
		return
	}

	if err := o.engine.Start(ctx, u.ID); err != nil {
		log.Printf("Campaign %s: failed to start update %s: %v", c.ID, u.ID, err)
	}
}

func (o *Orchestrator) stillRunning(id string) bool {
	c, err := o.Get(id)
	if err != nil {
		log.Printf("Error checking campaign %s status: %v", id, err)
		return false
	}

	return c.Status == models.CampaignInProgress
}

// checkWaveHealth evaluates the failure threshold between monitored
// waves. Returns true when the campaign must stop dispatching.
func (o *Orchestrator) checkWaveHealth(ctx context.Context, id string) bool {
	c, err := o.Get(id)
	if err != nil {
		log.Printf("Error checking campaign %s health: %v", id, err)
		return true
	}

	if c.Status != models.CampaignInProgress {
		return true
	}

	if c.FailureRateBreached() {
		o.handleThresholdBreach(ctx, c)
		return true
	}

	return false
}

// Cancel stops a campaign and cancels its in-flight device updates.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) error {
	c, err := o.Get(id)
	if err != nil {
		return err
	}

	if c.Status.IsTerminal() {
		return models.NewStateTransitionError(string(c.Status), string(models.CampaignCancelled))
	}

	event := events.New(models.EventCampaignCancelled, id, map[string]interface{}{
		"reason": reason,
	})

	applied, err := o.store.TransitionCampaign(id, c.Status, models.CampaignCancelled, event)
	if err != nil {
		return err
	}

	if !applied {
		return models.NewStateTransitionError(string(c.Status), string(models.CampaignCancelled))
	}

	campaignUpdates, err := o.store.ListCampaignUpdates(id)
	if err != nil {
		return err
	}

	for i := range campaignUpdates {
		u := campaignUpdates[i]
		if u.Status.IsTerminal() {
			continue
		}

		if err := o.engine.Cancel(ctx, u.ID, "campaign cancelled"); err != nil {
			log.Printf("Error cancelling update %s: %v", u.ID, err)
		}
	}

	o.sendNotification(ctx, notify.Warning, "Campaign cancelled",
		fmt.Sprintf("Campaign %q cancelled: %s", c.Name, reason), c)

	return nil
}

// OnUpdateTerminal is the update engine's terminal hook. The campaign
// passed in was read inside the transition's transaction, so the
// threshold and completion checks see counters consistent with this
// device's terminal state.
func (o *Orchestrator) OnUpdateTerminal(ctx context.Context, u *models.DeviceUpdate, c *models.Campaign) {
	if u.CampaignID == "" || c == nil {
		return
	}

	if c.Status != models.CampaignInProgress {
		return
	}

	if u.Status == models.UpdateFailed && c.FailureRateBreached() {
		o.handleThresholdBreach(ctx, c)
		return
	}

	if c.PendingDevices == 0 && c.InProgressDevices == 0 && c.TotalDevices > 0 {
		o.handleCompletion(ctx, c)
	}
}

// handleThresholdBreach moves the campaign out of IN_PROGRESS. The CAS
// guarantees a single winner, so auto-rollback fires exactly once no
// matter how many device failures observe the breach.
func (o *Orchestrator) handleThresholdBreach(ctx context.Context, c *models.Campaign) {
	if c.AutoRollback {
		event := events.New(models.EventCampaignRollback, c.ID, map[string]interface{}{
			"failed_devices":    c.FailedDevices,
			"total_devices":     c.TotalDevices,
			"failure_threshold": c.FailureThreshold,
		})

		applied, err := o.store.TransitionCampaign(c.ID, models.CampaignInProgress,
			models.CampaignRollback, event)
		if err != nil {
			log.Printf("Error transitioning campaign %s to rollback: %v", c.ID, err)
			return
		}

		if !applied {
			return
		}

		o.sendNotification(ctx, notify.Error, "Campaign failure threshold breached",
			fmt.Sprintf("Campaign %q breached its %d%% failure threshold, rolling back",
				c.Name, c.FailureThreshold), c)

		if _, err := o.rollbacks.InitiateCampaign(ctx, c,
			fmt.Sprintf("failure rate %.1f%% breached threshold %d%%",
				c.FailureRate(), c.FailureThreshold),
			models.TriggerFailureRate); err != nil {
			log.Printf("Error initiating rollback for campaign %s: %v", c.ID, err)
		}

		return
	}

	event := events.New(models.EventCampaignFailed, c.ID, map[string]interface{}{
		"failed_devices": c.FailedDevices,
		"total_devices":  c.TotalDevices,
	})

	applied, err := o.store.TransitionCampaign(c.ID, models.CampaignInProgress,
		models.CampaignFailed, event)
	if err != nil {
		log.Printf("Error transitioning campaign %s to failed: %v", c.ID, err)
		return
	}

	if applied {
		o.sendNotification(ctx, notify.Error, "Campaign failed",
			fmt.Sprintf("Campaign %q breached its %d%% failure threshold",
				c.Name, c.FailureThreshold), c)
	}
}

func (o *Orchestrator) handleCompletion(ctx context.Context, c *models.Campaign) {
	event := events.New(models.EventCampaignCompleted, c.ID, map[string]interface{}{
		"completed_devices": c.CompletedDevices,
		"failed_devices":    c.FailedDevices,
		"cancelled_devices": c.CancelledDevices,
		"total_devices":     c.TotalDevices,
	})

	applied, err := o.store.TransitionCampaign(c.ID, models.CampaignInProgress,
		models.CampaignCompleted, event)
	if err != nil {
		log.Printf("Error completing campaign %s: %v", c.ID, err)
		return
	}

	if applied {
		o.sendNotification(ctx, notify.Info, "Campaign completed",
			fmt.Sprintf("Campaign %q finished: %d completed, %d failed, %d cancelled",
				c.Name, c.CompletedDevices, c.FailedDevices, c.CancelledDevices), c)
	}
}

func (o *Orchestrator) sendNotification(ctx context.Context, level notify.Level,
	title, message string, c *models.Campaign) {
	if o.notifier == nil || !o.notifier.IsEnabled() {
		return
	}

	n := &notify.Notification{
		Level:      level,
		Title:      title,
		Message:    message,
		CampaignID: c.ID,
		Details: map[string]any{
			"name":        c.Name,
			"firmware_id": c.FirmwareID,
			"status":      string(c.Status),
		},
	}

	if err := o.notifier.Notify(ctx, n); err != nil {
		log.Printf("Error sending notification %q: %v", title, err)
	}
}
