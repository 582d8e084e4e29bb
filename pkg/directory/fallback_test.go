package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mfreeman451/fleetota/pkg/models"
)

func TestFallbackPrefersPrimary(t *testing.T) {
	ctrl := gomock.NewController(t)

	primary := NewMockClient(ctrl)
	secondary := NewMockClient(ctrl)

	primary.EXPECT().GetDevice(gomock.Any(), "dev-1").Return(&models.Device{
		ID:              "dev-1",
		Exists:          true,
		HardwareVersion: "1.5",
	}, nil)

	client := NewFallbackClient(primary, secondary)

	device, err := client.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "1.5", device.HardwareVersion)
}

func TestFallbackProbesUnknownDevice(t *testing.T) {
	ctrl := gomock.NewController(t)

	primary := NewMockClient(ctrl)
	secondary := NewMockClient(ctrl)

	primary.EXPECT().GetDevice(gomock.Any(), "onprem-1").Return(
		&models.Device{ID: "onprem-1", Exists: false}, nil)
	secondary.EXPECT().GetDevice(gomock.Any(), "onprem-1").Return(&models.Device{
		ID:                     "onprem-1",
		Exists:                 true,
		CurrentFirmwareVersion: "1.2.0",
	}, nil)

	client := NewFallbackClient(primary, secondary)

	device, err := client.GetDevice(context.Background(), "onprem-1")
	require.NoError(t, err)
	assert.True(t, device.Exists)
	assert.Equal(t, "1.2.0", device.CurrentFirmwareVersion)
}

func TestFallbackSurfacesPrimaryError(t *testing.T) {
	ctrl := gomock.NewController(t)

	primary := NewMockClient(ctrl)
	secondary := NewMockClient(ctrl)

	dirErr := models.NewServiceUnavailableError("device directory", errors.New("connection refused"))

	primary.EXPECT().GetDevice(gomock.Any(), "dev-1").Return(nil, dirErr)
	secondary.EXPECT().GetDevice(gomock.Any(), "dev-1").Return(nil, errors.New("no snmp target"))

	client := NewFallbackClient(primary, secondary)

	_, err := client.GetDevice(context.Background(), "dev-1")
	assert.ErrorIs(t, err, models.ErrServiceUnavailable)
}

func TestFallbackKeepsPrimaryNotFound(t *testing.T) {
	ctrl := gomock.NewController(t)

	primary := NewMockClient(ctrl)
	secondary := NewMockClient(ctrl)

	primary.EXPECT().GetDevice(gomock.Any(), "ghost").Return(
		&models.Device{ID: "ghost", Exists: false}, nil)
	secondary.EXPECT().GetDevice(gomock.Any(), "ghost").Return(
		&models.Device{ID: "ghost", Exists: false}, nil)

	client := NewFallbackClient(primary, secondary)

	device, err := client.GetDevice(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, device.Exists)
}
