package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfreeman451/fleetota/pkg/binstore"
	"github.com/mfreeman451/fleetota/pkg/db"
	"github.com/mfreeman451/fleetota/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	binaries, err := binstore.NewLocalStore(t.TempDir(), "http://binaries.local")
	require.NoError(t, err)

	return New(store, binaries)
}

func validRequest() *RegisterRequest {
	return &RegisterRequest{
		Name:        "sensor-fw",
		Version:     "2.1.0",
		DeviceModel: "acme-t100",
		Binary:      []byte("firmware image bytes"),
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	fw, err := reg.Register(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, FirmwareID("sensor-fw", "2.1.0", "acme-t100"), fw.ID)
	assert.Equal(t, int64(len("firmware image bytes")), fw.SizeBytes)
	assert.NotEmpty(t, fw.ChecksumSHA256)
	assert.NotEmpty(t, fw.ChecksumBLAKE3)
	assert.NotEmpty(t, fw.DownloadURL)

	got, err := reg.Get(fw.ID)
	require.NoError(t, err)
	assert.Equal(t, fw.ChecksumSHA256, got.ChecksumSHA256)

	byTriple, err := reg.GetByIdentity("sensor-fw", "2.1.0", "acme-t100")
	require.NoError(t, err)
	assert.Equal(t, fw.ID, byTriple.ID)
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegisterRequest)
	}{
		{"empty name", func(r *RegisterRequest) { r.Name = "" }},
		{"bad version format", func(r *RegisterRequest) { r.Version = "v2.1" }},
		{"version with build junk", func(r *RegisterRequest) { r.Version = "2.1.0.4" }},
		{"missing device model", func(r *RegisterRequest) { r.DeviceModel = "" }},
		{"empty binary", func(r *RegisterRequest) { r.Binary = nil }},
		{"inverted hardware range", func(r *RegisterRequest) {
			r.HardwareMin = "3.0"
			r.HardwareMax = "1.0"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t)

			req := validRequest()
			tt.mutate(req)

			_, err := reg.Register(context.Background(), req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestRegisterAllowsPrereleaseSuffix(t *testing.T) {
	reg := newTestRegistry(t)

	req := validRequest()
	req.Version = "2.1.0-beta1"

	_, err := reg.Register(context.Background(), req)
	assert.NoError(t, err)
}

func TestRegisterChecksumMismatch(t *testing.T) {
	reg := newTestRegistry(t)

	req := validRequest()
	req.ChecksumSHA256 = "deadbeef"

	_, err := reg.Register(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRegisterSuppliedChecksumAccepted(t *testing.T) {
	reg := newTestRegistry(t)

	req := validRequest()
	req.ChecksumSHA256 = binstore.SHA256Hex(req.Binary)

	_, err := reg.Register(context.Background(), req)
	assert.NoError(t, err)
}

func TestRegisterDuplicate(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Register(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), validRequest())
	assert.ErrorIs(t, err, models.ErrDuplicate)
}

func TestDeprecate(t *testing.T) {
	reg := newTestRegistry(t)

	fw, err := reg.Register(context.Background(), validRequest())
	require.NoError(t, err)

	require.NoError(t, reg.Deprecate(context.Background(), fw.ID))

	got, err := reg.Get(fw.ID)
	require.NoError(t, err)
	assert.True(t, got.Deprecated)

	visible, err := reg.List(false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := reg.List(true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetNotFound(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Get("fw-missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCheckCompatibility(t *testing.T) {
	fw := &models.Firmware{HardwareMin: "1.2", HardwareMax: "3.0"}

	tests := []struct {
		name    string
		hw      string
		wantErr bool
	}{
		{"inside range", "2.0", false},
		{"at minimum", "1.2", false},
		{"at maximum", "3.0", false},
		{"below minimum", "1.1", true},
		{"above maximum", "3.1", true},
		{"unreported hardware version", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCompatibility(fw, tt.hw)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckCompatibilityOpenEndedRange(t *testing.T) {
	fw := &models.Firmware{}

	assert.NoError(t, CheckCompatibility(fw, "0.1"))
	assert.NoError(t, CheckCompatibility(fw, "99.9"))
}

func TestCompareHardwareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.2", "1.10", -1},
		{"2.0", "1.9", 1},
		{"1.0.1", "1.0", 1},
		{"1.0", "1.0.1", -1},
		{"rev-a", "rev-b", -1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareHardwareVersions(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
