package rollback

import (
	"context"
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
	"github.com/mfreeman451/fleetota/pkg/registry"
	"github.com/mfreeman451/fleetota/pkg/updates"
)

type testFixture struct {
	store     db.Service
	reg       *registry.Registry
	dir       *directory.MockClient
	updates   *updates.Engine
	rollbacks *Engine
}

func newFixture(t *testing.T) *testFixture {
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

	reg := registry.New(store, binaries)
	engine := updates.NewEngine(store, reg, dir, binaries, updates.Config{})
	rollbacks := NewEngine(store, engine)

	engine.SetTerminalHandler(func(ctx context.Context, u *models.DeviceUpdate, _ *models.Campaign) {
		rollbacks.ResolveUpdate(ctx, u)
	})

	dir.EXPECT().GetDevice(gomock.Any(), gomock.Any()).Return(&models.Device{
		ID:                     "dev-1",
		Exists:                 true,
		HardwareVersion:        "1.5",
		CurrentFirmwareVersion: "1.0.0",
	}, nil).AnyTimes()

	return &testFixture{
		store:     store,
		reg:       reg,
		dir:       dir,
		updates:   engine,
		rollbacks: rollbacks,
	}
}

func (f *testFixture) registerFirmware(t *testing.T, version string) (*models.Firmware, []byte) {
	t.Helper()

	binary := []byte("firmware " + version)

	fw, err := f.reg.Register(context.Background(), &registry.RegisterRequest{
		Name:        "sensor-fw",
		Version:     version,
		DeviceModel: "acme-t100",
		Binary:      binary,
	})
	require.NoError(t, err)

	return fw, binary
}

// completeUpdate drives an update from CREATED all the way to COMPLETED.
func (f *testFixture) completeUpdate(t *testing.T, id string, binary []byte) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, f.updates.Schedule(ctx, id, time.Now()))
	require.NoError(t, f.updates.Start(ctx, id))
	require.NoError(t, f.updates.CompleteDownload(ctx, id, binstore.SHA256Hex(binary)))
	require.NoError(t, f.updates.CompleteInstall(ctx, id))
	require.NoError(t, f.updates.CompleteReboot(ctx, id))
}

// installVersion gives dev-1 a completed update to the given firmware.
func (f *testFixture) installVersion(t *testing.T, fw *models.Firmware, binary []byte) {
	t.Helper()

	u, err := f.updates.CreateUpdate(context.Background(), &updates.CreateRequest{
		DeviceID:   "dev-1",
		FirmwareID: fw.ID,
	})
	require.NoError(t, err)

	f.completeUpdate(t, u.ID, binary)
}

// revertUpdate returns the in-flight revert update dispatched for dev-1.
func (f *testFixture) revertUpdate(t *testing.T) *models.DeviceUpdate {
	t.Helper()

	active, err := f.store.ListDeviceActiveUpdates("dev-1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	return &active[0]
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.rollbacks.Initiate(context.Background(), "dev-1", "1.0.0", "", models.TriggerManual)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.rollbacks.Initiate(context.Background(), "", "1.0.0", "bad release", models.TriggerManual)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestInitiateVersionNeverRun(t *testing.T) {
	f := newFixture(t)

	fw1, bin1 := f.registerFirmware(t, "1.0.0")
	f.installVersion(t, fw1, bin1)

	_, err := f.rollbacks.Initiate(context.Background(), "dev-1", "0.9.0",
		"bad release", models.TriggerManual)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRollbackCompletesWithRevert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fw1, bin1 := f.registerFirmware(t, "1.0.0")
	fw2, bin2 := f.registerFirmware(t, "2.0.0")

	f.installVersion(t, fw1, bin1)
	f.installVersion(t, fw2, bin2)

	op, err := f.rollbacks.Initiate(ctx, "dev-1", "1.0.0", "2.0.0 bricks the sensor",
		models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.RollbackInProgress, op.Status)
	assert.Equal(t, "2.0.0", op.FromVersion)
	assert.Equal(t, "1.0.0", op.ToVersion)

	// The revert is a forced, high-priority update back to the old firmware.
	revert := f.revertUpdate(t)
	assert.Equal(t, fw1.ID, revert.FirmwareID)
	assert.True(t, revert.Force)
	assert.Equal(t, 100, revert.Priority)
	assert.Equal(t, models.UpdateDownloading, revert.Status)

	require.NoError(t, f.updates.CompleteDownload(ctx, revert.ID, binstore.SHA256Hex(bin1)))
	require.NoError(t, f.updates.CompleteInstall(ctx, revert.ID))
	require.NoError(t, f.updates.CompleteReboot(ctx, revert.ID))

	got, err := f.rollbacks.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RollbackCompleted, got.Status)
	assert.True(t, got.Success)
	require.NotNil(t, got.CompletedAt)
}

func TestRollbackFailsWhenRevertFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fw1, bin1 := f.registerFirmware(t, "1.0.0")
	fw2, bin2 := f.registerFirmware(t, "2.0.0")

	f.installVersion(t, fw1, bin1)
	f.installVersion(t, fw2, bin2)

	op, err := f.rollbacks.Initiate(ctx, "dev-1", "1.0.0", "2.0.0 bricks the sensor",
		models.TriggerManual)
	require.NoError(t, err)

	revert := f.revertUpdate(t)

	// Burn the retry budget so every failure is final.
	for i := 0; i < updates.DefaultMaxRetries; i++ {
		u, err := f.updates.Get(revert.ID)
		require.NoError(t, err)

		next := *u
		next.Status = models.UpdateFailed
		next.RetryCount = i + 1

		result, err := f.store.ApplyUpdateTransition(&next, u.Status, nil)
		require.NoError(t, err)
		require.True(t, result.Applied)

		requeued := next
		requeued.Status = models.UpdateDownloading

		result, err = f.store.ApplyUpdateTransition(&requeued, models.UpdateFailed, nil)
		require.NoError(t, err)
		require.True(t, result.Applied)
	}

	require.NoError(t, f.updates.Fail(ctx, revert.ID, models.ErrCodeInstallFailed, "flash write error"))

	got, err := f.rollbacks.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RollbackFailed, got.Status)
	assert.False(t, got.Success)
}

func TestRevertResolutionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fw1, bin1 := f.registerFirmware(t, "1.0.0")
	fw2, bin2 := f.registerFirmware(t, "2.0.0")

	f.installVersion(t, fw1, bin1)
	f.installVersion(t, fw2, bin2)

	op, err := f.rollbacks.Initiate(ctx, "dev-1", "1.0.0", "2.0.0 bricks the sensor",
		models.TriggerManual)
	require.NoError(t, err)

	revert := f.revertUpdate(t)

	// Fresh engines over the same store stand in for a restarted
	// process: the revert binding must come from the database, not from
	// anything held in memory.
	binaries, err := binstore.NewLocalStore(t.TempDir(), "http://binaries.local")
	require.NoError(t, err)

	reg2 := registry.New(f.store, binaries)
	engine2 := updates.NewEngine(f.store, reg2, f.dir, binaries, updates.Config{})
	rollbacks2 := NewEngine(f.store, engine2)

	engine2.SetTerminalHandler(func(ctx context.Context, u *models.DeviceUpdate, _ *models.Campaign) {
		rollbacks2.ResolveUpdate(ctx, u)
	})

	require.NoError(t, engine2.Fail(ctx, revert.ID, models.ErrCodeInstallFailed, "flash write error"))

	// Retry budget remains, so the rollback stays open.
	got, err := rollbacks2.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RollbackInProgress, got.Status)
	assert.Equal(t, revert.ID, got.RevertUpdateID)

	// Re-queue the revert and drive it home through the new engines.
	u, err := engine2.Get(revert.ID)
	require.NoError(t, err)

	requeued := *u
	requeued.Status = models.UpdateDownloading
	requeued.NextRetryAt = nil

	result, err := f.store.ApplyUpdateTransition(&requeued, models.UpdateFailed, nil)
	require.NoError(t, err)
	require.True(t, result.Applied)

	require.NoError(t, f.updates.CompleteDownload(ctx, revert.ID, binstore.SHA256Hex(bin1)))
	require.NoError(t, f.updates.CompleteInstall(ctx, revert.ID))
	require.NoError(t, f.updates.CompleteReboot(ctx, revert.ID))

	got, err = rollbacks2.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RollbackCompleted, got.Status)
	assert.True(t, got.Success)
}

func TestOneRollbackInFlightPerDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fw1, bin1 := f.registerFirmware(t, "1.0.0")
	fw2, bin2 := f.registerFirmware(t, "2.0.0")

	f.installVersion(t, fw1, bin1)
	f.installVersion(t, fw2, bin2)

	_, err := f.rollbacks.Initiate(ctx, "dev-1", "1.0.0", "bad release", models.TriggerManual)
	require.NoError(t, err)

	_, err = f.rollbacks.Initiate(ctx, "dev-1", "1.0.0", "bad release", models.TriggerManual)
	assert.ErrorIs(t, err, models.ErrDuplicate)
}

func TestInitiateCampaignRollsBackFailedDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fw1, bin1 := f.registerFirmware(t, "1.0.0")
	fw2, _ := f.registerFirmware(t, "2.0.0")

	f.installVersion(t, fw1, bin1)

	campaign := &models.Campaign{
		ID:         "camp-1",
		Name:       "fleet upgrade",
		FirmwareID: fw2.ID,
		Status:     models.CampaignInProgress,
		Strategy:   models.StrategyImmediate,
	}
	require.NoError(t, f.store.CreateCampaign(campaign, nil))
	require.NoError(t, f.store.SetCampaignTotals(campaign.ID, 1))

	// The campaign update to 2.0.0 failed on the device.
	u, err := f.updates.CreateUpdate(ctx, &updates.CreateRequest{
		DeviceID:   "dev-1",
		FirmwareID: fw2.ID,
		CampaignID: campaign.ID,
	})
	require.NoError(t, err)
	require.NoError(t, f.updates.Fail(ctx, u.ID, models.ErrCodeInstallFailed, "flash write error"))

	ops, err := f.rollbacks.InitiateCampaign(ctx, campaign, "failure rate breached",
		models.TriggerFailureRate)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	assert.Equal(t, "dev-1", ops[0].DeviceID)
	assert.Equal(t, campaign.ID, ops[0].CampaignID)
	assert.Equal(t, "1.0.0", ops[0].ToVersion)
	assert.Equal(t, models.TriggerFailureRate, ops[0].Trigger)

	// The revert targets the firmware that delivered 1.0.0.
	revert := f.revertUpdate(t)
	assert.Equal(t, fw1.ID, revert.FirmwareID)
}

func TestInitiateCampaignRequiresReason(t *testing.T) {
	f := newFixture(t)

	_, err := f.rollbacks.InitiateCampaign(context.Background(),
		&models.Campaign{ID: "camp-1"}, "", models.TriggerFailureRate)
	assert.ErrorIs(t, err, models.ErrValidation)
}
