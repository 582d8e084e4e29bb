package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfreeman451/fleetota/pkg/models"
)

func TestGetDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/devices/dev-1", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hardware_version":"1.5","current_firmware_version":"1.9.0"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 0)

	device, err := client.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)

	assert.True(t, device.Exists)
	assert.Equal(t, "dev-1", device.ID)
	assert.Equal(t, "1.5", device.HardwareVersion)
	assert.Equal(t, "1.9.0", device.CurrentFirmwareVersion)
}

func TestGetDeviceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 0)

	// A 404 is a definite answer, not a lookup failure.
	device, err := client.GetDevice(context.Background(), "ghost")
	require.NoError(t, err)

	assert.False(t, device.Exists)
	assert.Equal(t, "ghost", device.ID)
}

func TestGetDeviceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 0)

	_, err := client.GetDevice(context.Background(), "dev-1")
	assert.ErrorIs(t, err, models.ErrServiceUnavailable)
}

func TestGetDeviceDirectoryDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client := NewHTTPClient(srv.URL, 0)

	_, err := client.GetDevice(context.Background(), "dev-1")
	assert.ErrorIs(t, err, models.ErrServiceUnavailable)
}
