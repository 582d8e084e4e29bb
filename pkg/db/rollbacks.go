// Package db pkg/db/rollbacks.go persists the rollback audit log.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

// CreateRollback inserts a rollback operation and its initiation event in
// one transaction.
func (db *DB) CreateRollback(op *models.RollbackOperation, event *models.Event) error {
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now

	tx, err := db.DB.Begin()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToBeginTx, err)
	}
	defer rollbackOnError(tx, &err)

	_, err = tx.Exec(`
        INSERT INTO rollback_logs (
            id, device_id, campaign_id, from_version, to_version,
            trigger_kind, status, reason, revert_update_id, success,
            completed_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, op.ID, op.DeviceID, nullString(op.CampaignID), op.FromVersion, op.ToVersion,
		string(op.Trigger), string(op.Status), op.Reason, op.RevertUpdateID,
		op.Success, nullTime(op.CompletedAt), op.CreatedAt, op.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: rollback %s", ErrDuplicateRow, op.ID)
		}

		return fmt.Errorf("%w rollback: %w", ErrFailedToInsert, err)
	}

	if err = appendEventTx(tx, event); err != nil {
		return err
	}

	err = tx.Commit()

	return err
}

const rollbackColumns = `
    id, device_id, campaign_id, from_version, to_version,
    trigger_kind, status, reason, revert_update_id, success,
    completed_at, created_at, updated_at`

func scanRollback(row Row) (*models.RollbackOperation, error) {
	var (
		op              models.RollbackOperation
		trigger, status string
		campaignID      sql.NullString
		completedAt     sql.NullTime
	)

	err := row.Scan(
		&op.ID, &op.DeviceID, &campaignID, &op.FromVersion, &op.ToVersion,
		&trigger, &status, &op.Reason, &op.RevertUpdateID, &op.Success,
		&completedAt, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Trigger = models.RollbackTrigger(trigger)
	op.Status = models.RollbackStatus(status)
	op.CampaignID = campaignID.String
	op.CompletedAt = timePtr(completedAt)

	return &op, nil
}

// GetRollback retrieves one rollback operation by identifier.
func (db *DB) GetRollback(id string) (*models.RollbackOperation, error) {
	row := db.QueryRow("SELECT"+rollbackColumns+" FROM rollback_logs WHERE id = ?", id)

	op, err := scanRollback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rollback %s", ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w rollback: %w", ErrFailedToScan, err)
	}

	return op, nil
}

// BindRollbackRevert records which revert device update resolves the
// rollback. The binding is durable so a restart can still match the
// revert's terminal transition back to its rollback.
func (db *DB) BindRollbackRevert(id, revertUpdateID string) error {
	result, err := db.Exec(`
        UPDATE rollback_logs SET revert_update_id = ?, updated_at = ? WHERE id = ?
    `, revertUpdateID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w rollback revert binding: %w", ErrFailedToUpdate, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: rollback %s", ErrNotFound, id)
	}

	return nil
}

// GetRollbackByRevertUpdate finds the rollback a revert device update
// belongs to.
func (db *DB) GetRollbackByRevertUpdate(revertUpdateID string) (*models.RollbackOperation, error) {
	row := db.QueryRow(
		"SELECT"+rollbackColumns+" FROM rollback_logs WHERE revert_update_id = ? AND revert_update_id != ''",
		revertUpdateID)

	op, err := scanRollback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rollback for revert update %s", ErrNotFound, revertUpdateID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w rollback: %w", ErrFailedToScan, err)
	}

	return op, nil
}

// ListCampaignRollbacks returns all rollback operations for a campaign.
func (db *DB) ListCampaignRollbacks(campaignID string) ([]models.RollbackOperation, error) {
	rows, err := db.Query(
		"SELECT"+rollbackColumns+" FROM rollback_logs WHERE campaign_id = ? ORDER BY created_at",
		campaignID) //nolint:rowserrcheck // rows.Close() is deferred
	if err != nil {
		return nil, fmt.Errorf("%w rollbacks: %w", ErrFailedToQuery, err)
	}
	defer CloseRows(rows)

	var list []models.RollbackOperation

	for rows.Next() {
		op, err := scanRollback(rows)
		if err != nil {
			return nil, fmt.Errorf("%w rollback row: %w", ErrFailedToScan, err)
		}

		list = append(list, *op)
	}

	return list, nil
}

// HasActiveRollback reports whether a rollback is already in flight for
// the device.
func (db *DB) HasActiveRollback(deviceID string) (bool, error) {
	var count int

	err := db.DB.QueryRow(`
        SELECT COUNT(*)
        FROM rollback_logs
        WHERE device_id = ? AND status IN (?, ?)
    `, deviceID,
		string(models.RollbackInitiated), string(models.RollbackInProgress),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w active rollbacks: %w", ErrFailedToQuery, err)
	}

	return count > 0, nil
}

// TransitionRollback moves a rollback operation between states with a
// compare-and-swap on the current status. Success is derived from the
// target status, never set independently.
func (db *DB) TransitionRollback(id string, from, to models.RollbackStatus, event *models.Event) (bool, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrFailedToBeginTx, err)
	}
	defer rollbackOnError(tx, &err)

	now := time.Now().UTC()

	set := "status = ?, updated_at = ?"
	args := []interface{}{string(to), now}

	switch to {
	case models.RollbackCompleted:
		set += ", success = 1, completed_at = ?"
		args = append(args, now)
	case models.RollbackFailed:
		set += ", success = 0, completed_at = ?"
		args = append(args, now)
	}

	args = append(args, id, string(from))

	result, err := tx.Exec(
		"UPDATE rollback_logs SET "+set+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return false, fmt.Errorf("%w rollback status: %w", ErrFailedToUpdate, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		err = tx.Rollback()

		return false, err
	}

	if err = appendEventTx(tx, event); err != nil {
		return false, err
	}

	err = tx.Commit()

	return err == nil, err
}
