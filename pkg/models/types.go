// Package models pkg/models/types.go holds the core domain types shared
// across the registry, update engine, orchestrator, and rollback engine.
package models

import (
	"time"
)

// CampaignStatus is the lifecycle state of an update campaign.
type CampaignStatus string

const (
	CampaignCreated    CampaignStatus = "CREATED"
	CampaignScheduled  CampaignStatus = "SCHEDULED"
	CampaignInProgress CampaignStatus = "IN_PROGRESS"
	CampaignRollback   CampaignStatus = "ROLLBACK"
	CampaignCompleted  CampaignStatus = "COMPLETED"
	CampaignFailed     CampaignStatus = "FAILED"
	CampaignCancelled  CampaignStatus = "CANCELLED"
)

// IsTerminal reports whether no further campaign transition is permitted.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed || s == CampaignCancelled
}

// UpdateStatus is the lifecycle state of a single device update.
type UpdateStatus string

const (
	UpdateCreated     UpdateStatus = "CREATED"
	UpdateScheduled   UpdateStatus = "SCHEDULED"
	UpdateInProgress  UpdateStatus = "IN_PROGRESS"
	UpdateDownloading UpdateStatus = "DOWNLOADING"
	UpdateVerifying   UpdateStatus = "VERIFYING"
	UpdateInstalling  UpdateStatus = "INSTALLING"
	UpdateRebooting   UpdateStatus = "REBOOTING"
	UpdateCompleted   UpdateStatus = "COMPLETED"
	UpdateFailed      UpdateStatus = "FAILED"
	UpdateCancelled   UpdateStatus = "CANCELLED"
)

// IsTerminal reports whether the update can no longer transition. A FAILED
// update with retry budget left re-enters via the retry path, but FAILED is
// still terminal for counter accounting until the retry fires.
func (s UpdateStatus) IsTerminal() bool {
	return s == UpdateCompleted || s == UpdateFailed || s == UpdateCancelled
}

// DeploymentStrategy selects how a campaign's targets receive the update
// over time.
type DeploymentStrategy string

const (
	StrategyImmediate DeploymentStrategy = "immediate"
	StrategyScheduled DeploymentStrategy = "scheduled"
	StrategyStaged    DeploymentStrategy = "staged"
	StrategyCanary    DeploymentStrategy = "canary"
	StrategyBlueGreen DeploymentStrategy = "blue_green"
)

// Valid reports whether s names a known strategy.
func (s DeploymentStrategy) Valid() bool {
	switch s {
	case StrategyImmediate, StrategyScheduled, StrategyStaged, StrategyCanary, StrategyBlueGreen:
		return true
	default:
		return false
	}
}

// RollbackStatus is the lifecycle state of a rollback operation.
type RollbackStatus string

const (
	RollbackInitiated  RollbackStatus = "INITIATED"
	RollbackInProgress RollbackStatus = "IN_PROGRESS"
	RollbackCompleted  RollbackStatus = "COMPLETED"
	RollbackFailed     RollbackStatus = "FAILED"
)

// IsTerminal reports whether the rollback operation has resolved.
func (s RollbackStatus) IsTerminal() bool {
	return s == RollbackCompleted || s == RollbackFailed
}

// RollbackTrigger records why a rollback was initiated.
type RollbackTrigger string

const (
	TriggerManual      RollbackTrigger = "manual"
	TriggerFailureRate RollbackTrigger = "failure_rate"
	TriggerHealthCheck RollbackTrigger = "health_check"
	TriggerTimeout     RollbackTrigger = "timeout"
)

// Update error codes stored on FAILED device updates.
const (
	ErrCodeChecksumMismatch = "CHECKSUM_MISMATCH"
	ErrCodeSignatureInvalid = "SIGNATURE_INVALID"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeDownloadFailed   = "DOWNLOAD_FAILED"
	ErrCodeInstallFailed    = "INSTALL_FAILED"
	ErrCodeRebootFailed     = "REBOOT_FAILED"
	ErrCodeDeviceDeleted    = "DEVICE_DELETED"
	ErrCodeDispatchFailed   = "DISPATCH_FAILED"
)

// Firmware is an immutable registered firmware image. Only the Deprecated
// flag and the derived statistics change after registration.
type Firmware struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Version        string    `json:"version"`
	DeviceModel    string    `json:"device_model"`
	HardwareMin    string    `json:"hardware_min"`
	HardwareMax    string    `json:"hardware_max"`
	SizeBytes      int64     `json:"size_bytes"`
	ChecksumSHA256 string    `json:"checksum_sha256"`
	ChecksumBLAKE3 string    `json:"checksum_blake3"`
	Signature      string    `json:"signature,omitempty"`
	DownloadURL    string    `json:"download_url"`
	StorePending   bool      `json:"store_pending"`
	SecurityPatch  bool      `json:"security_patch"`
	Beta           bool      `json:"beta"`
	Deprecated     bool      `json:"deprecated"`
	DownloadCount  int64     `json:"download_count"`
	SuccessCount   int64     `json:"success_count"`
	FailureCount   int64     `json:"failure_count"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SuccessRate returns the fraction of recorded update results that
// succeeded, in percent. Zero results reports 0.
func (f *Firmware) SuccessRate() float64 {
	total := f.SuccessCount + f.FailureCount
	if total == 0 {
		return 0
	}

	return float64(f.SuccessCount) / float64(total) * 100
}

// CampaignTargets describes the device population of a campaign. At least
// one selector must be present.
type CampaignTargets struct {
	DeviceIDs []string          `json:"device_ids,omitempty"`
	Groups    []string          `json:"groups,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// Empty reports whether no selector is present.
func (t *CampaignTargets) Empty() bool {
	return len(t.DeviceIDs) == 0 && len(t.Groups) == 0 && len(t.Filters) == 0
}

// Campaign is one rollout of one firmware image to a device population.
type Campaign struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	OrgID              string             `json:"org_id"`
	FirmwareID         string             `json:"firmware_id"`
	Status             CampaignStatus     `json:"status"`
	Strategy           DeploymentStrategy `json:"strategy"`
	Targets            CampaignTargets    `json:"targets"`
	RolloutPercent     int                `json:"rollout_percent"`
	BatchSize          int                `json:"batch_size"`
	MaxConcurrent      int                `json:"max_concurrent"`
	TimeoutMinutes     int                `json:"timeout_minutes"`
	FailureThreshold   int                `json:"failure_threshold"`
	AutoRollback       bool               `json:"auto_rollback"`
	RequiresApproval   bool               `json:"requires_approval"`
	Approved           bool               `json:"approved"`
	TotalDevices       int                `json:"total_devices"`
	PendingDevices     int                `json:"pending_devices"`
	InProgressDevices  int                `json:"in_progress_devices"`
	CompletedDevices   int                `json:"completed_devices"`
	FailedDevices      int                `json:"failed_devices"`
	CancelledDevices   int                `json:"cancelled_devices"`
	ScheduledStart     *time.Time         `json:"scheduled_start,omitempty"`
	ScheduledEnd       *time.Time         `json:"scheduled_end,omitempty"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	Metadata           Metadata           `json:"metadata,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// FailureRateBreached reports whether the campaign's failure rate has
// reached the configured threshold. The comparison is exact rational
// arithmetic: failed/total >= threshold/100 without floating point, so
// 19.999% never trips a 20% threshold and exactly 20% always does.
func (c *Campaign) FailureRateBreached() bool {
	if c.TotalDevices == 0 {
		return false
	}

	return c.FailedDevices*100 >= c.FailureThreshold*c.TotalDevices
}

// FailureRate returns the failed-device percentage for reporting.
func (c *Campaign) FailureRate() float64 {
	if c.TotalDevices == 0 {
		return 0
	}

	return float64(c.FailedDevices) / float64(c.TotalDevices) * 100
}

// CounterSum returns the sum of the five device counters. The store keeps
// this equal to TotalDevices at all times.
func (c *Campaign) CounterSum() int {
	return c.PendingDevices + c.InProgressDevices + c.CompletedDevices +
		c.FailedDevices + c.CancelledDevices
}

// DeviceUpdate is one device's participation in one campaign. Records are
// never deleted; history feeds rollback version lookup and audit.
type DeviceUpdate struct {
	ID           string       `json:"id"`
	DeviceID     string       `json:"device_id"`
	CampaignID   string       `json:"campaign_id,omitempty"`
	FirmwareID   string       `json:"firmware_id"`
	Status       UpdateStatus `json:"status"`
	Phase        string       `json:"phase"`
	Progress     float64      `json:"progress"`
	Priority     int          `json:"priority"`
	Force        bool         `json:"force"`
	Validated    bool         `json:"validated"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	NextRetryAt  *time.Time   `json:"next_retry_at,omitempty"`
	TimeoutAt    *time.Time   `json:"timeout_at,omitempty"`
	ScheduledAt  *time.Time   `json:"scheduled_at,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	ErrorCode    string       `json:"error_code,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	FromVersion  string       `json:"from_version,omitempty"`
	ToVersion    string       `json:"to_version"`
	Metadata     Metadata     `json:"metadata,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// RollbackOperation is one reversion of a device (or a whole campaign) to
// a previously-run firmware version.
type RollbackOperation struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id,omitempty"`
	CampaignID  string          `json:"campaign_id,omitempty"`
	FromVersion string          `json:"from_version"`
	ToVersion   string          `json:"to_version"`
	Trigger     RollbackTrigger `json:"trigger"`
	Status      RollbackStatus  `json:"status"`
	Reason      string          `json:"reason"`
	// RevertUpdateID links the rollback to the revert device update whose
	// terminal state resolves it. Persisted so resolution survives a
	// process restart.
	RevertUpdateID string `json:"revert_update_id,omitempty"`
	Success     bool            `json:"success"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Device is the Device Directory's view of one device.
type Device struct {
	ID                     string `json:"id"`
	Exists                 bool   `json:"exists"`
	HardwareVersion        string `json:"hardware_version"`
	CurrentFirmwareVersion string `json:"current_firmware_version"`
}

// Metadata is a free-form key/value bag attached to domain records. It is
// stored and returned opaquely; core logic never branches on its contents.
type Metadata map[string]string
