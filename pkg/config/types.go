package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
	"github.com/mfreeman451/fleetota/pkg/notify"
)

// Duration wraps time.Duration so JSON configs accept "30s" strings as
// well as raw nanosecond numbers.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// parse numeric as nanoseconds
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

// SNMPConfig enables the direct-probe fallback for devices the directory
// service does not track. Devices maps device IDs to SNMP target hosts.
type SNMPConfig struct {
	Enabled   bool              `json:"enabled"`
	Community string            `json:"community"`
	Port      uint16            `json:"port"`
	Timeout   Duration          `json:"timeout,omitempty"`
	Devices   map[string]string `json:"devices,omitempty"`
}

// OrchestratorConfig is the top-level service configuration.
type OrchestratorConfig struct {
	ListenAddr     string                 `json:"listen_addr"`      // gRPC health endpoint, e.g. :50055
	APIAddr        string                 `json:"api_addr"`         // HTTP status API, e.g. :8090
	DBPath         string                 `json:"db_path"`          // e.g. /var/lib/fleetota/fleetota.db
	BinaryDir      string                 `json:"binary_dir"`       // local firmware binary cache
	BinaryBaseURL  string                 `json:"binary_base_url"`  // download URL prefix handed to devices
	BinaryStoreURL string                 `json:"binary_store_url"` // optional remote binary store
	DirectoryURL   string                 `json:"directory_url"`    // device directory base URL
	SNMP           *SNMPConfig            `json:"snmp,omitempty"`   // direct device probe fallback
	SigningKeyHex  string                 `json:"signing_key_hex"`  // ed25519 public key, hex
	UpdateTimeout  Duration               `json:"update_timeout"`
	EventWebhooks  []string               `json:"event_webhooks,omitempty"`
	Notifications  notify.WebhookConfig   `json:"notifications,omitempty"`
	Security       *models.SecurityConfig `json:"security,omitempty"`
}

// Validate checks the fields the service cannot run without.
func (c *OrchestratorConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr is required", errMissingField)
	}

	if c.APIAddr == "" {
		return fmt.Errorf("%w: api_addr is required", errMissingField)
	}

	if c.DBPath == "" {
		return fmt.Errorf("%w: db_path is required", errMissingField)
	}

	if c.BinaryDir == "" {
		return fmt.Errorf("%w: binary_dir is required", errMissingField)
	}

	if c.DirectoryURL == "" {
		return fmt.Errorf("%w: directory_url is required", errMissingField)
	}

	return nil
}
