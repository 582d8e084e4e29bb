// Package db pkg/db/campaigns.go persists update campaigns. Status moves
// are compare-and-swap on the current status so concurrent writers cannot
// double-apply a transition.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

// CreateCampaign inserts a new campaign row in CREATED state with zeroed
// counters, appending the creation event in the same transaction.
func (db *DB) CreateCampaign(c *models.Campaign, event *models.Event) error {
	targets, err := targetsToJSON(c.Targets)
	if err != nil {
		return err
	}

	meta, err := metadataToJSON(c.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	tx, err := db.DB.Begin()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToBeginTx, err)
	}
	defer rollbackOnError(tx, &err)

	_, err = tx.Exec(`
        INSERT INTO update_campaigns (
            id, name, org_id, firmware_id, status, strategy, targets,
            rollout_percent, batch_size, max_concurrent, timeout_minutes,
            failure_threshold, auto_rollback, requires_approval, approved,
            scheduled_start, scheduled_end, metadata, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, c.ID, c.Name, c.OrgID, c.FirmwareID, string(c.Status), string(c.Strategy), targets,
		c.RolloutPercent, c.BatchSize, c.MaxConcurrent, c.TimeoutMinutes,
		c.FailureThreshold, c.AutoRollback, c.RequiresApproval, c.Approved,
		nullTime(c.ScheduledStart), nullTime(c.ScheduledEnd), meta, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: campaign %s", ErrDuplicateRow, c.ID)
		}

		return fmt.Errorf("%w campaign: %w", ErrFailedToInsert, err)
	}

	if err = appendEventTx(tx, event); err != nil {
		return err
	}

	return tx.Commit()
}

const campaignColumns = `
    id, name, org_id, firmware_id, status, strategy, targets,
    rollout_percent, batch_size, max_concurrent, timeout_minutes,
    failure_threshold, auto_rollback, requires_approval, approved,
    total_devices, pending_devices, in_progress_devices,
    completed_devices, failed_devices, cancelled_devices,
    scheduled_start, scheduled_end, started_at, completed_at,
    metadata, created_at, updated_at`

func scanCampaign(row Row) (*models.Campaign, error) {
	var (
		c                models.Campaign
		status, strategy string
		targets          string
		meta             sql.NullString

		scheduledStart, scheduledEnd, startedAt, completedAt sql.NullTime
	)

	err := row.Scan(
		&c.ID, &c.Name, &c.OrgID, &c.FirmwareID, &status, &strategy, &targets,
		&c.RolloutPercent, &c.BatchSize, &c.MaxConcurrent, &c.TimeoutMinutes,
		&c.FailureThreshold, &c.AutoRollback, &c.RequiresApproval, &c.Approved,
		&c.TotalDevices, &c.PendingDevices, &c.InProgressDevices,
		&c.CompletedDevices, &c.FailedDevices, &c.CancelledDevices,
		&scheduledStart, &scheduledEnd, &startedAt, &completedAt,
		&meta, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = models.CampaignStatus(status)
	c.Strategy = models.DeploymentStrategy(strategy)
	c.ScheduledStart = timePtr(scheduledStart)
	c.ScheduledEnd = timePtr(scheduledEnd)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)

	c.Targets, err = targetsFromJSON(targets)
	if err != nil {
		return nil, err
	}

	c.Metadata, err = metadataFromJSON(meta)
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// GetCampaign retrieves one campaign by identifier.
func (db *DB) GetCampaign(id string) (*models.Campaign, error) {
	row := db.QueryRow("SELECT"+campaignColumns+" FROM update_campaigns WHERE id = ?", id)

	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: campaign %s", ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w campaign: %w", ErrFailedToScan, err)
	}

	return c, nil
}

// ListCampaigns returns all campaigns, newest first.
func (db *DB) ListCampaigns() ([]models.Campaign, error) {
	rows, err := db.Query("SELECT" + campaignColumns +
		" FROM update_campaigns ORDER BY created_at DESC") //nolint:rowserrcheck // rows.Close() is deferred
	if err != nil {
		return nil, fmt.Errorf("%w campaigns: %w", ErrFailedToQuery, err)
	}
	defer CloseRows(rows)

	var list []models.Campaign

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("%w campaign row: %w", ErrFailedToScan, err)
		}

		list = append(list, *c)
	}

	return list, nil
}

// CountActiveCampaigns counts an organization's campaigns in a
// non-terminal state. Used to enforce the concurrent-campaign cap.
func (db *DB) CountActiveCampaigns(orgID string) (int, error) {
	var count int

	err := db.DB.QueryRow(`
        SELECT COUNT(*)
        FROM update_campaigns
        WHERE org_id = ? AND status IN (?, ?, ?, ?)
    `, orgID,
		string(models.CampaignCreated), string(models.CampaignScheduled),
		string(models.CampaignInProgress), string(models.CampaignRollback),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w active campaigns: %w", ErrFailedToQuery, err)
	}

	return count, nil
}

// TransitionCampaign moves a campaign from one status to another with a
// compare-and-swap on the current status, writing the lifecycle event in
// the same transaction. Returns false without error when the row was not
// in the expected status, so racing callers degrade to a no-op.
func (db *DB) TransitionCampaign(id string, from, to models.CampaignStatus, event *models.Event) (bool, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrFailedToBeginTx, err)
	}
	defer rollbackOnError(tx, &err)

	now := time.Now().UTC()

	set := "status = ?, updated_at = ?"
	args := []interface{}{string(to), now}

	switch to {
	case models.CampaignInProgress:
		set += ", started_at = COALESCE(started_at, ?)"
		args = append(args, now)
	case models.CampaignCompleted, models.CampaignFailed, models.CampaignCancelled:
		set += ", completed_at = ?"
		args = append(args, now)
	}

	args = append(args, id, string(from))

	result, err := tx.Exec(
		"UPDATE update_campaigns SET "+set+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return false, fmt.Errorf("%w campaign status: %w", ErrFailedToUpdate, err)
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

// ApproveCampaign flips the approval flag.
func (db *DB) ApproveCampaign(id string) error {
	result, err := db.DB.Exec(
		"UPDATE update_campaigns SET approved = 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w campaign approval: %w", ErrFailedToUpdate, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: campaign %s", ErrNotFound, id)
	}

	return nil
}

// SetCampaignTotals records the resolved target count when the campaign
// starts. New devices land in the pending bucket, keeping the counter sum
// equal to total_devices.
func (db *DB) SetCampaignTotals(id string, total int) error {
	result, err := db.DB.Exec(`
        UPDATE update_campaigns
        SET total_devices = ?, pending_devices = ?, updated_at = ?
        WHERE id = ?
    `, total, total, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w campaign totals: %w", ErrFailedToUpdate, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: campaign %s", ErrNotFound, id)
	}

	return nil
}
