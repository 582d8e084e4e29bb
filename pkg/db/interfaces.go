// Package db pkg/db/interfaces.go
package db

import (
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

//go:generate mockgen -destination=mock_db.go -package=db github.com/mfreeman451/fleetota/pkg/db Row,Result,Rows,Transaction,Service

// Row represents a database row.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result represents the result of a database operation.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Rows represents multiple database rows.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Transaction represents operations that can be performed within a database transaction.
type Transaction interface {
	Exec(query string, args ...interface{}) (Result, error)
	Query(query string, args ...interface{}) (Rows, error)
	QueryRow(query string, args ...interface{}) Row
	Commit() error
	Rollback() error
}

// TransitionResult reports the outcome of an atomic device-update
// transition and the campaign row as of the commit.
type TransitionResult struct {
	// Applied is false when another writer already moved the update out
	// of the expected prior status; the call was a no-op.
	Applied bool

	// Campaign is the post-transition campaign row, nil for standalone
	// updates (no campaign reference).
	Campaign *models.Campaign
}

// Service represents all database operations.
type Service interface {
	// Core database operations.

	Begin() (Transaction, error)
	Close() error
	Exec(query string, args ...interface{}) (Result, error)
	Query(query string, args ...interface{}) (Rows, error)
	QueryRow(query string, args ...interface{}) Row

	// Firmware operations.

	CreateFirmware(fw *models.Firmware, event *models.Event) error
	GetFirmware(id string) (*models.Firmware, error)
	ListFirmware(includeDeprecated bool) ([]models.Firmware, error)
	DeprecateFirmware(id string, event *models.Event) error
	IncrementDownloadCount(id string) error
	RecordFirmwareResult(id string, success bool) error

	// Campaign operations.

	CreateCampaign(c *models.Campaign, event *models.Event) error
	GetCampaign(id string) (*models.Campaign, error)
	ListCampaigns() ([]models.Campaign, error)
	CountActiveCampaigns(orgID string) (int, error)
	TransitionCampaign(id string, from, to models.CampaignStatus, event *models.Event) (bool, error)
	ApproveCampaign(id string) error
	SetCampaignTotals(id string, total int) error

	// Device update operations.

	CreateDeviceUpdate(u *models.DeviceUpdate, event *models.Event) error
	GetDeviceUpdate(id string) (*models.DeviceUpdate, error)
	ListCampaignUpdates(campaignID string) ([]models.DeviceUpdate, error)
	ListDeviceUpdateHistory(deviceID string) ([]models.DeviceUpdate, error)
	ListDeviceActiveUpdates(deviceID string) ([]models.DeviceUpdate, error)
	HasActiveUpdate(deviceID, firmwareID string) (bool, error)
	ApplyUpdateTransition(u *models.DeviceUpdate, prior models.UpdateStatus, event *models.Event) (*TransitionResult, error)
	UpdateProgress(id string, progress float64, phase string) error
	ListExpiredUpdates(now time.Time) ([]models.DeviceUpdate, error)
	ListDueRetries(now time.Time) ([]models.DeviceUpdate, error)

	// Rollback operations.

	CreateRollback(op *models.RollbackOperation, event *models.Event) error
	GetRollback(id string) (*models.RollbackOperation, error)
	BindRollbackRevert(id, revertUpdateID string) error
	GetRollbackByRevertUpdate(revertUpdateID string) (*models.RollbackOperation, error)
	ListCampaignRollbacks(campaignID string) ([]models.RollbackOperation, error)
	HasActiveRollback(deviceID string) (bool, error)
	TransitionRollback(id string, from, to models.RollbackStatus, event *models.Event) (bool, error)

	// Event outbox operations.

	AppendEvent(event *models.Event) error
	ListUnpublishedEvents(limit int) ([]models.Event, error)
	MarkEventPublished(id string) error
	RecordEventAttempt(id string) error

	// Maintenance operations.

	CleanOldEvents(retention time.Duration) error
}
