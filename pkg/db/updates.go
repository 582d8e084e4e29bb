// Package db pkg/db/updates.go persists device updates. The transition
// path is the concurrency-critical piece: a status move, the campaign
// counter adjustment, and the lifecycle event are one transaction, and the
// status move is a compare-and-swap so that the timeout sweep and the
// event-driven path racing on the same row degrade to a no-op instead of
// double-counting.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

// bucketColumn maps an update status to the campaign counter column that
// accounts for it.
func bucketColumn(s models.UpdateStatus) (string, error) {
	switch s {
	case models.UpdateCreated, models.UpdateScheduled:
		return "pending_devices", nil
	case models.UpdateInProgress, models.UpdateDownloading, models.UpdateVerifying,
		models.UpdateInstalling, models.UpdateRebooting:
		return "in_progress_devices", nil
	case models.UpdateCompleted:
		return "completed_devices", nil
	case models.UpdateFailed:
		return "failed_devices", nil
	case models.UpdateCancelled:
		return "cancelled_devices", nil
	default:
		return "", fmt.Errorf("no counter bucket for status %q", s)
	}
}

// CreateDeviceUpdate inserts a new device update and its creation event in
// one transaction.
func (db *DB) CreateDeviceUpdate(u *models.DeviceUpdate, event *models.Event) error {
	meta, err := metadataToJSON(u.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	tx, err := db.DB.Begin()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToBeginTx, err)
	}
	defer rollbackOnError(tx, &err)

	_, err = tx.Exec(`
        INSERT INTO device_updates (
            id, device_id, campaign_id, firmware_id, status, phase, progress,
            priority, force_update, validated, retry_count, max_retries,
            next_retry_at, timeout_at, scheduled_at, started_at, completed_at,
            error_code, error_message, from_version, to_version, metadata,
            created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, u.ID, u.DeviceID, nullString(u.CampaignID), u.FirmwareID, string(u.Status), u.Phase,
		u.Progress, u.Priority, u.Force, u.Validated, u.RetryCount, u.MaxRetries,
		nullTime(u.NextRetryAt), nullTime(u.TimeoutAt), nullTime(u.ScheduledAt),
		nullTime(u.StartedAt), nullTime(u.CompletedAt), u.ErrorCode, u.ErrorMessage,
		u.FromVersion, u.ToVersion, meta, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: device update %s", ErrDuplicateRow, u.ID)
		}

		return fmt.Errorf("%w device update: %w", ErrFailedToInsert, err)
	}

	if err = appendEventTx(tx, event); err != nil {
		return err
	}

	err = tx.Commit()

	return err
}

const updateColumns = `
    id, device_id, campaign_id, firmware_id, status, phase, progress,
    priority, force_update, validated, retry_count, max_retries,
    next_retry_at, timeout_at, scheduled_at, started_at, completed_at,
    error_code, error_message, from_version, to_version, metadata,
    created_at, updated_at`

func scanDeviceUpdate(row Row) (*models.DeviceUpdate, error) {
	var (
		u                models.DeviceUpdate
		status           string
		campaignID, meta sql.NullString

		nextRetryAt, timeoutAt, scheduledAt, startedAt, completedAt sql.NullTime
	)

	err := row.Scan(
		&u.ID, &u.DeviceID, &campaignID, &u.FirmwareID, &status, &u.Phase, &u.Progress,
		&u.Priority, &u.Force, &u.Validated, &u.RetryCount, &u.MaxRetries,
		&nextRetryAt, &timeoutAt, &scheduledAt, &startedAt, &completedAt,
		&u.ErrorCode, &u.ErrorMessage, &u.FromVersion, &u.ToVersion, &meta,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.Status = models.UpdateStatus(status)
	u.CampaignID = campaignID.String
	u.NextRetryAt = timePtr(nextRetryAt)
	u.TimeoutAt = timePtr(timeoutAt)
	u.ScheduledAt = timePtr(scheduledAt)
	u.StartedAt = timePtr(startedAt)
	u.CompletedAt = timePtr(completedAt)

	u.Metadata, err = metadataFromJSON(meta)
	if err != nil {
		return nil, err
	}

	return &u, nil
}

// GetDeviceUpdate retrieves one device update by identifier.
func (db *DB) GetDeviceUpdate(id string) (*models.DeviceUpdate, error) {
	row := db.QueryRow("SELECT"+updateColumns+" FROM device_updates WHERE id = ?", id)

	u, err := scanDeviceUpdate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device update %s", ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w device update: %w", ErrFailedToScan, err)
	}

	return u, nil
}

func (db *DB) queryUpdates(query string, args ...interface{}) ([]models.DeviceUpdate, error) {
	rows, err := db.Query(query, args...) //nolint:rowserrcheck // rows.Close() is deferred
	if err != nil {
		return nil, fmt.Errorf("%w device updates: %w", ErrFailedToQuery, err)
	}
	defer CloseRows(rows)

	var list []models.DeviceUpdate

	for rows.Next() {
		u, err := scanDeviceUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("%w device update row: %w", ErrFailedToScan, err)
		}

		list = append(list, *u)
	}

	return list, nil
}

// ListCampaignUpdates returns all device updates belonging to a campaign.
func (db *DB) ListCampaignUpdates(campaignID string) ([]models.DeviceUpdate, error) {
	return db.queryUpdates(
		"SELECT"+updateColumns+" FROM device_updates WHERE campaign_id = ? ORDER BY created_at",
		campaignID)
}

// ListDeviceUpdateHistory returns a device's full update history, newest
// first. Rollback uses it to verify the target version was actually run.
func (db *DB) ListDeviceUpdateHistory(deviceID string) ([]models.DeviceUpdate, error) {
	return db.queryUpdates(
		"SELECT"+updateColumns+" FROM device_updates WHERE device_id = ? ORDER BY created_at DESC",
		deviceID)
}

// ListDeviceActiveUpdates returns a device's non-terminal updates.
func (db *DB) ListDeviceActiveUpdates(deviceID string) ([]models.DeviceUpdate, error) {
	return db.queryUpdates(
		"SELECT"+updateColumns+` FROM device_updates
         WHERE device_id = ? AND status NOT IN (?, ?, ?)`,
		deviceID,
		string(models.UpdateCompleted), string(models.UpdateFailed), string(models.UpdateCancelled))
}

// HasActiveUpdate reports whether a non-terminal update exists for the
// (device, firmware) pair. At most one may exist at a time.
func (db *DB) HasActiveUpdate(deviceID, firmwareID string) (bool, error) {
	var count int

	err := db.DB.QueryRow(`
        SELECT COUNT(*)
        FROM device_updates
        WHERE device_id = ? AND firmware_id = ? AND status NOT IN (?, ?, ?)
    `, deviceID, firmwareID,
		string(models.UpdateCompleted), string(models.UpdateFailed), string(models.UpdateCancelled),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w active updates: %w", ErrFailedToQuery, err)
	}

	return count > 0, nil
}

// ApplyUpdateTransition persists a device-update status move with a
// compare-and-swap on the prior status. When the update belongs to a
// campaign the counter for the prior bucket is decremented and the new
// bucket incremented in the same transaction, and the post-transition
// campaign row is returned so the orchestrator can evaluate the failure
// threshold inside the same critical section.
func (db *DB) ApplyUpdateTransition(
	u *models.DeviceUpdate, prior models.UpdateStatus, event *models.Event) (*TransitionResult, error) {
	priorCol, err := bucketColumn(prior)
	if err != nil {
		return nil, err
	}

	newCol, err := bucketColumn(u.Status)
	if err != nil {
		return nil, err
	}

	tx, err := db.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToBeginTx, err)
	}
	defer rollbackOnError(tx, &err)

	now := time.Now().UTC()
	u.UpdatedAt = now

	result, err := tx.Exec(`
        UPDATE device_updates
        SET status = ?, phase = ?, progress = ?, validated = ?,
            retry_count = ?, next_retry_at = ?, timeout_at = ?,
            scheduled_at = ?, started_at = ?, completed_at = ?,
            error_code = ?, error_message = ?, updated_at = ?
        WHERE id = ? AND status = ?
    `, string(u.Status), u.Phase, u.Progress, u.Validated,
		u.RetryCount, nullTime(u.NextRetryAt), nullTime(u.TimeoutAt),
		nullTime(u.ScheduledAt), nullTime(u.StartedAt), nullTime(u.CompletedAt),
		u.ErrorCode, u.ErrorMessage, now,
		u.ID, string(prior))
	if err != nil {
		return nil, fmt.Errorf("%w device update transition: %w", ErrFailedToUpdate, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		// Another writer got there first. Not an error: terminal
		// transitions are idempotent by construction.
		err = tx.Rollback()

		return &TransitionResult{Applied: false}, err
	}

	res := &TransitionResult{Applied: true}

	if u.CampaignID != "" {
		if priorCol != newCol {
			_, err = tx.Exec(fmt.Sprintf(`
                UPDATE update_campaigns
                SET %s = %s - 1, %s = %s + 1, updated_at = ?
                WHERE id = ?
            `, priorCol, priorCol, newCol, newCol), now, u.CampaignID)
			if err != nil {
				return nil, fmt.Errorf("%w campaign counters: %w", ErrFailedToUpdate, err)
			}
		}

		row := tx.QueryRow(
			"SELECT"+campaignColumns+" FROM update_campaigns WHERE id = ?", u.CampaignID)

		res.Campaign, err = scanCampaign(&SQLRow{row})
		if err != nil {
			return nil, fmt.Errorf("%w campaign after transition: %w", ErrFailedToScan, err)
		}

		if res.Campaign.CounterSum() != res.Campaign.TotalDevices {
			err = fmt.Errorf("%w: campaign %s", ErrCounterDrift, u.CampaignID)

			return nil, err
		}
	}

	if err = appendEventTx(tx, event); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return res, nil
}

// UpdateProgress stores an in-phase progress report. Progress-only writes
// skip the transition machinery; they never change status.
func (db *DB) UpdateProgress(id string, progress float64, phase string) error {
	_, err := db.DB.Exec(`
        UPDATE device_updates
        SET progress = ?, phase = ?, updated_at = ?
        WHERE id = ?
    `, progress, phase, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w update progress: %w", ErrFailedToUpdate, err)
	}

	return nil
}

// ListExpiredUpdates returns non-terminal updates whose timeout has
// passed. The timeout sweep terminalizes them.
func (db *DB) ListExpiredUpdates(now time.Time) ([]models.DeviceUpdate, error) {
	return db.queryUpdates(
		"SELECT"+updateColumns+` FROM device_updates
         WHERE timeout_at IS NOT NULL AND timeout_at < ?
           AND status NOT IN (?, ?, ?)`,
		now.UTC(),
		string(models.UpdateCompleted), string(models.UpdateFailed), string(models.UpdateCancelled))
}

// ListDueRetries returns FAILED updates whose backoff delay has elapsed
// and whose retry budget is not exhausted.
func (db *DB) ListDueRetries(now time.Time) ([]models.DeviceUpdate, error) {
	return db.queryUpdates(
		"SELECT"+updateColumns+` FROM device_updates
         WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
           AND retry_count < max_retries`,
		string(models.UpdateFailed), now.UTC())
}
