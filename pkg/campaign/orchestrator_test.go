package campaign

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mfreeman451/fleetota/pkg/binstore"
	"github.com/mfreeman451/fleetota/pkg/db"
	"github.com/mfreeman451/fleetota/pkg/directory"
	"github.com/mfreeman451/fleetota/pkg/models"
	"github.com/mfreeman451/fleetota/pkg/notify"
	"github.com/mfreeman451/fleetota/pkg/registry"
	"github.com/mfreeman451/fleetota/pkg/rollback"
	"github.com/mfreeman451/fleetota/pkg/updates"
)

const (
	waitFor = 5 * time.Second
	poll    = 10 * time.Millisecond
)

type testFixture struct {
	store        db.Service
	reg          *registry.Registry
	dir          *directory.MockClient
	engine       *updates.Engine
	rollbacks    *rollback.Engine
	orchestrator *Orchestrator
	binary       []byte
	firmware     *models.Firmware
}

func newFixture(t *testing.T, notifier notify.Notifier) *testFixture {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	binaries, err := binstore.NewLocalStore(t.TempDir(), "http://binaries.local")
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	dir := directory.NewMockClient(ctrl)

	dir.EXPECT().GetDevice(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, deviceID string) (*models.Device, error) {
			return &models.Device{
				ID:                     deviceID,
				Exists:                 true,
				HardwareVersion:        "1.5",
				CurrentFirmwareVersion: "1.0.0",
			}, nil
		}).AnyTimes()

	reg := registry.New(store, binaries)
	engine := updates.NewEngine(store, reg, dir, binaries, updates.Config{})
	rollbacks := rollback.NewEngine(store, engine)
	orchestrator := NewOrchestrator(store, reg, engine, rollbacks, notifier, nil)

	engine.SetTerminalHandler(func(ctx context.Context, u *models.DeviceUpdate, c *models.Campaign) {
		rollbacks.ResolveUpdate(ctx, u)
		orchestrator.OnUpdateTerminal(ctx, u, c)
	})

	binary := []byte("campaign firmware")

	fw, err := reg.Register(context.Background(), &registry.RegisterRequest{
		Name:        "sensor-fw",
		Version:     "2.0.0",
		DeviceModel: "acme-t100",
		Binary:      binary,
	})
	require.NoError(t, err)

	return &testFixture{
		store:        store,
		reg:          reg,
		dir:          dir,
		engine:       engine,
		rollbacks:    rollbacks,
		orchestrator: orchestrator,
		binary:       binary,
		firmware:     fw,
	}
}

func (f *testFixture) createRequest(devices ...string) *CreateRequest {
	return &CreateRequest{
		Name:       "fleet upgrade",
		OrgID:      "org-1",
		FirmwareID: f.firmware.ID,
		Targets:    models.CampaignTargets{DeviceIDs: devices},
	}
}

// waitForDispatch blocks until every targeted device has an update row in
// DOWNLOADING state.
func (f *testFixture) waitForDispatch(t *testing.T, campaignID string, n int) []models.DeviceUpdate {
	t.Helper()

	var dispatched []models.DeviceUpdate

	require.Eventually(t, func() bool {
		list, err := f.store.ListCampaignUpdates(campaignID)
		if err != nil || len(list) != n {
			return false
		}

		for i := range list {
			if list[i].Status != models.UpdateDownloading {
				return false
			}
		}

		dispatched = list

		return true
	}, waitFor, poll)

	return dispatched
}

func (f *testFixture) completeUpdate(t *testing.T, id string) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, f.engine.CompleteDownload(ctx, id, binstore.SHA256Hex(f.binary)))
	require.NoError(t, f.engine.CompleteInstall(ctx, id))
	require.NoError(t, f.engine.CompleteReboot(ctx, id))
}

// installBase gives each device a completed update to firmware 1.0.0 so
// a campaign rollback has a prior version to revert to.
func (f *testFixture) installBase(t *testing.T, devices ...string) []byte {
	t.Helper()

	ctx := context.Background()
	binary := []byte("base firmware")

	fw, err := f.reg.Register(ctx, &registry.RegisterRequest{
		Name:        "sensor-fw",
		Version:     "1.0.0",
		DeviceModel: "acme-t100",
		Binary:      binary,
	})
	require.NoError(t, err)

	for _, device := range devices {
		u, err := f.engine.CreateUpdate(ctx, &updates.CreateRequest{
			DeviceID:   device,
			FirmwareID: fw.ID,
		})
		require.NoError(t, err)

		require.NoError(t, f.engine.Schedule(ctx, u.ID, time.Now()))
		require.NoError(t, f.engine.Start(ctx, u.ID))
		require.NoError(t, f.engine.CompleteDownload(ctx, u.ID, binstore.SHA256Hex(binary)))
		require.NoError(t, f.engine.CompleteInstall(ctx, u.ID))
		require.NoError(t, f.engine.CompleteReboot(ctx, u.ID))
	}

	return binary
}

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(t, nil)

	c, err := f.orchestrator.Create(context.Background(), f.createRequest("dev-1"))
	require.NoError(t, err)

	assert.Equal(t, models.CampaignCreated, c.Status)
	assert.Equal(t, models.StrategyImmediate, c.Strategy)
	assert.Equal(t, 100, c.RolloutPercent)
	assert.Equal(t, 50, c.BatchSize)
	assert.Equal(t, 100, c.MaxConcurrent)
	assert.Equal(t, 60, c.TimeoutMinutes)
	assert.Equal(t, 20, c.FailureThreshold)
}

func TestCreateValidation(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	later := future.Add(time.Hour)

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing name", func(r *CreateRequest) { r.Name = "" }},
		{"missing firmware", func(r *CreateRequest) { r.FirmwareID = "" }},
		{"empty targets", func(r *CreateRequest) { r.Targets = models.CampaignTargets{} }},
		{"unknown strategy", func(r *CreateRequest) { r.Strategy = "yolo" }},
		{"rollout percent too high", func(r *CreateRequest) { r.RolloutPercent = 101 }},
		{"batch size too large", func(r *CreateRequest) { r.BatchSize = 501 }},
		{"max concurrent too large", func(r *CreateRequest) { r.MaxConcurrent = 1001 }},
		{"timeout too short", func(r *CreateRequest) { r.TimeoutMinutes = 3 }},
		{"threshold too high", func(r *CreateRequest) { r.FailureThreshold = 101 }},
		{"scheduled strategy without start", func(r *CreateRequest) {
			r.Strategy = models.StrategyScheduled
		}},
		{"start in the past", func(r *CreateRequest) { r.ScheduledStart = &past }},
		{"end without start", func(r *CreateRequest) { r.ScheduledEnd = &future }},
		{"end before start", func(r *CreateRequest) {
			r.ScheduledStart = &later
			r.ScheduledEnd = &future
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)

			req := f.createRequest("dev-1")
			tt.mutate(req)

			_, err := f.orchestrator.Create(context.Background(), req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestCreateRejectsDeprecatedFirmware(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.reg.Deprecate(context.Background(), f.firmware.ID))

	_, err := f.orchestrator.Create(context.Background(), f.createRequest("dev-1"))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateEnforcesActiveCampaignCap(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < maxActiveCampaigns; i++ {
		req := f.createRequest("dev-1")
		req.Name = fmt.Sprintf("campaign %d", i)

		_, err := f.orchestrator.Create(context.Background(), req)
		require.NoError(t, err)
	}

	_, err := f.orchestrator.Create(context.Background(), f.createRequest("dev-1"))
	assert.ErrorIs(t, err, models.ErrValidation)

	// A different organization is not affected by the cap.
	req := f.createRequest("dev-1")
	req.OrgID = "org-2"

	_, err = f.orchestrator.Create(context.Background(), req)
	assert.NoError(t, err)
}

func TestStartRequiresApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	req := f.createRequest("dev-1")
	req.RequiresApproval = true

	c, err := f.orchestrator.Create(ctx, req)
	require.NoError(t, err)

	err = f.orchestrator.Start(ctx, c.ID)
	assert.ErrorIs(t, err, models.ErrAuthorization)

	require.NoError(t, f.orchestrator.Approve(ctx, c.ID))
	require.NoError(t, f.orchestrator.Start(ctx, c.ID))
}

func TestCampaignRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	c, err := f.orchestrator.Create(ctx, f.createRequest("dev-1", "dev-2", "dev-3"))
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Start(ctx, c.ID))

	// Starting again while running is a no-op.
	require.NoError(t, f.orchestrator.Start(ctx, c.ID))

	dispatched := f.waitForDispatch(t, c.ID, 3)

	got, err := f.orchestrator.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignInProgress, got.Status)
	assert.Equal(t, 3, got.TotalDevices)
	assert.Equal(t, 3, got.InProgressDevices)

	for i := range dispatched {
		f.completeUpdate(t, dispatched[i].ID)
	}

	got, err = f.orchestrator.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, got.Status)
	assert.Equal(t, 3, got.CompletedDevices)
	assert.Zero(t, got.PendingDevices)
	assert.Zero(t, got.InProgressDevices)
	require.NotNil(t, got.CompletedAt)
}

func TestThresholdBreachFailsCampaign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	req := f.createRequest("dev-1", "dev-2")
	req.FailureThreshold = 50

	c, err := f.orchestrator.Create(ctx, req)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Start(ctx, c.ID))

	dispatched := f.waitForDispatch(t, c.ID, 2)

	// One failure out of two devices breaches the 50% threshold.
	require.NoError(t, f.engine.Fail(ctx, dispatched[0].ID,
		models.ErrCodeInstallFailed, "flash write error"))

	got, err := f.orchestrator.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignFailed, got.Status)
}

func TestThresholdBreachTriggersAutoRollback(t *testing.T) {
	ctx := context.Background()

	ctrl := gomock.NewController(t)
	notifier := notify.NewMockNotifier(ctrl)
	notifier.EXPECT().IsEnabled().Return(true).AnyTimes()
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	f := newFixture(t, notifier)
	f.installBase(t, "dev-1", "dev-2")

	req := f.createRequest("dev-1", "dev-2")
	req.FailureThreshold = 50
	req.AutoRollback = true

	c, err := f.orchestrator.Create(ctx, req)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Start(ctx, c.ID))

	dispatched := f.waitForDispatch(t, c.ID, 2)

	require.NoError(t, f.engine.Fail(ctx, dispatched[0].ID,
		models.ErrCodeInstallFailed, "flash write error"))

	// Reverts are still in flight, so the campaign stays in ROLLBACK.
	got, err := f.orchestrator.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignRollback, got.Status)

	// Each affected device gets its own rollback operation.
	ops, err := f.rollbacks.ListForCampaign(c.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, ops)
}

func TestCampaignLeavesRollbackWhenRevertsComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	baseBinary := f.installBase(t, "dev-1", "dev-2")

	req := f.createRequest("dev-1", "dev-2")
	req.FailureThreshold = 50
	req.AutoRollback = true

	c, err := f.orchestrator.Create(ctx, req)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Start(ctx, c.ID))

	dispatched := f.waitForDispatch(t, c.ID, 2)

	require.NoError(t, f.engine.Fail(ctx, dispatched[0].ID,
		models.ErrCodeInstallFailed, "flash write error"))

	got, err := f.orchestrator.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, models.CampaignRollback, got.Status)

	// Drive every revert to completion; the last one resolves the
	// campaign out of ROLLBACK.
	for _, device := range []string{"dev-1", "dev-2"} {
		active, err := f.store.ListDeviceActiveUpdates(device)
		require.NoError(t, err)
		require.Len(t, active, 1)

		revert := active[0]
		require.NoError(t, f.engine.CompleteDownload(ctx, revert.ID, binstore.SHA256Hex(baseBinary)))
		require.NoError(t, f.engine.CompleteInstall(ctx, revert.ID))
		require.NoError(t, f.engine.CompleteReboot(ctx, revert.ID))
	}

	got, err = f.orchestrator.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, got.Status)

	ops, err := f.rollbacks.ListForCampaign(c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, ops)

	for i := range ops {
		assert.Equal(t, models.RollbackCompleted, ops[i].Status)
	}
}

func TestCampaignFailsWhenNoDeviceCanRevert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	// No device has a completed prior version, so every rollback
	// operation fails immediately and the campaign resolves to FAILED.
	req := f.createRequest("dev-1", "dev-2")
	req.FailureThreshold = 50
	req.AutoRollback = true

	c, err := f.orchestrator.Create(ctx, req)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Start(ctx, c.ID))

	dispatched := f.waitForDispatch(t, c.ID, 2)

	require.NoError(t, f.engine.Fail(ctx, dispatched[0].ID,
		models.ErrCodeInstallFailed, "flash write error"))

	got, err := f.orchestrator.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignFailed, got.Status)

	ops, err := f.rollbacks.ListForCampaign(c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, ops)

	for i := range ops {
		assert.Equal(t, models.RollbackFailed, ops[i].Status)
	}
}

func TestCancelStopsInFlightUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	c, err := f.orchestrator.Create(ctx, f.createRequest("dev-1", "dev-2"))
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Start(ctx, c.ID))
	f.waitForDispatch(t, c.ID, 2)

	require.NoError(t, f.orchestrator.Cancel(ctx, c.ID, "operator request"))

	got, err := f.orchestrator.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCancelled, got.Status)

	list, err := f.store.ListCampaignUpdates(c.ID)
	require.NoError(t, err)

	for i := range list {
		assert.Equal(t, models.UpdateCancelled, list[i].Status)
	}

	// A terminal campaign cannot be cancelled again.
	err = f.orchestrator.Cancel(ctx, c.ID, "again")
	assert.ErrorIs(t, err, models.ErrStateTransition)
}

func TestRecordDispatchFailureKeepsCountersComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	// One of the two devices fails the compatibility gate.
	fw, err := f.reg.Register(ctx, &registry.RegisterRequest{
		Name:        "strict-fw",
		Version:     "3.0.0",
		DeviceModel: "acme-t100",
		Binary:      []byte("strict firmware"),
		HardwareMin: "9.0",
	})
	require.NoError(t, err)

	req := f.createRequest("dev-1")
	req.FirmwareID = fw.ID

	c, err := f.orchestrator.Create(ctx, req)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Start(ctx, c.ID))

	require.Eventually(t, func() bool {
		got, err := f.orchestrator.Get(c.ID)

		return err == nil && got.Status == models.CampaignFailed
	}, waitFor, poll)

	got, err := f.orchestrator.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedDevices)
	assert.Zero(t, got.PendingDevices)

	list, err := f.store.ListCampaignUpdates(c.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.ErrCodeDispatchFailed, list[0].ErrorCode)
}

func TestSchedulerStartsDueCampaign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	start := time.Now().UTC().Add(50 * time.Millisecond)

	req := f.createRequest("dev-1")
	req.ScheduledStart = &start

	c, err := f.orchestrator.Create(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.orchestrator.Schedule(ctx, c.ID))

	got, err := f.orchestrator.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignScheduled, got.Status)

	time.Sleep(100 * time.Millisecond)

	scheduler := NewScheduler(f.orchestrator)
	require.NoError(t, scheduler.Tick(ctx))

	got, err = f.orchestrator.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignInProgress, got.Status)
}
