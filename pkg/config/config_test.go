package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fleetota.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `{
        "listen_addr": ":50055",
        "api_addr": ":8090",
        "db_path": "/var/lib/fleetota/fleetota.db",
        "binary_dir": "/var/lib/fleetota/binaries",
        "binary_base_url": "https://ota.example.com/binaries",
        "directory_url": "https://directory.example.com",
        "update_timeout": "45m",
        "event_webhooks": ["https://bus.example.com/events"],
        "notifications": {
            "enabled": true,
            "url": "https://hooks.example.com/ota",
            "cooldown": "5m"
        }
    }`)

	var cfg OrchestratorConfig
	require.NoError(t, LoadAndValidate(path, &cfg))

	assert.Equal(t, ":50055", cfg.ListenAddr)
	assert.Equal(t, ":8090", cfg.APIAddr)
	assert.Equal(t, Duration(45*time.Minute), cfg.UpdateTimeout)
	assert.Equal(t, []string{"https://bus.example.com/events"}, cfg.EventWebhooks)
	assert.True(t, cfg.Notifications.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Notifications.Cooldown)
}

func TestValidateMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OrchestratorConfig)
	}{
		{"missing listen_addr", func(c *OrchestratorConfig) { c.ListenAddr = "" }},
		{"missing api_addr", func(c *OrchestratorConfig) { c.APIAddr = "" }},
		{"missing db_path", func(c *OrchestratorConfig) { c.DBPath = "" }},
		{"missing binary_dir", func(c *OrchestratorConfig) { c.BinaryDir = "" }},
		{"missing directory_url", func(c *OrchestratorConfig) { c.DirectoryURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := OrchestratorConfig{
				ListenAddr:   ":50055",
				APIAddr:      ":8090",
				DBPath:       "/tmp/fleetota.db",
				BinaryDir:    "/tmp/binaries",
				DirectoryURL: "https://directory.example.com",
			}
			tt.mutate(&cfg)

			assert.ErrorIs(t, cfg.Validate(), errMissingField)
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	var cfg OrchestratorConfig

	assert.Error(t, LoadFile("/nonexistent/fleetota.json", &cfg))

	path := writeConfig(t, "{not json")
	assert.Error(t, LoadFile(path, &cfg))
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Duration
		wantErr bool
	}{
		{"duration string", `"90s"`, Duration(90 * time.Second), false},
		{"nanosecond number", `1000000000`, Duration(time.Second), false},
		{"bad string", `"soon"`, 0, true},
		{"wrong type", `["30s"]`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration

			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}
