// Package db pkg/db/marshal.go holds small conversion helpers between
// domain types and their column representations.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

func metadataToJSON(m models.Metadata) (string, error) {
	if len(m) == 0 {
		return "", nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return string(data), nil
}

func metadataFromJSON(s sql.NullString) (models.Metadata, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}

	var m models.Metadata
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return m, nil
}

func targetsToJSON(t models.CampaignTargets) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal targets: %w", err)
	}

	return string(data), nil
}

func targetsFromJSON(s string) (models.CampaignTargets, error) {
	var t models.CampaignTargets
	if s == "" {
		return t, nil
	}

	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return t, fmt.Errorf("failed to unmarshal targets: %w", err)
	}

	return t, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}

	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	utc := t.Time.UTC()

	return &utc
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}

	return s
}
