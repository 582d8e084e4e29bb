// Package db pkg/db/firmware.go persists firmware registry metadata.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

// CreateFirmware inserts a new firmware row and its upload event in one
// transaction. A primary-key or identity collision reports
// ErrDuplicateRow; firmware is never overwritten.
func (db *DB) CreateFirmware(fw *models.Firmware, event *models.Event) error {
	meta, err := metadataToJSON(fw.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	fw.CreatedAt = now
	fw.UpdatedAt = now

	tx, err := db.DB.Begin()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToBeginTx, err)
	}
	defer rollbackOnError(tx, &err)

	_, err = tx.Exec(`
        INSERT INTO firmware (
            id, name, version, device_model, hardware_min, hardware_max,
            size_bytes, checksum_sha256, checksum_blake3, signature,
            download_url, store_pending, security_patch, beta, deprecated,
            metadata, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
    `, fw.ID, fw.Name, fw.Version, fw.DeviceModel, fw.HardwareMin, fw.HardwareMax,
		fw.SizeBytes, strings.ToLower(fw.ChecksumSHA256), strings.ToLower(fw.ChecksumBLAKE3),
		nullString(fw.Signature), fw.DownloadURL, fw.StorePending, fw.SecurityPatch,
		fw.Beta, meta, fw.CreatedAt, fw.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: firmware %s", ErrDuplicateRow, fw.ID)
		}

		return fmt.Errorf("%w firmware: %w", ErrFailedToInsert, err)
	}

	if err = appendEventTx(tx, event); err != nil {
		return err
	}

	err = tx.Commit()

	return err
}

// isUniqueViolation reports whether err is a sqlite unique-constraint
// failure. The driver does not export a sentinel for it.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const firmwareColumns = `
    id, name, version, device_model, hardware_min, hardware_max,
    size_bytes, checksum_sha256, checksum_blake3, signature,
    download_url, store_pending, security_patch, beta, deprecated,
    download_count, success_count, failure_count, metadata,
    created_at, updated_at`

func scanFirmware(row Row) (*models.Firmware, error) {
	var fw models.Firmware

	var signature, meta sql.NullString

	err := row.Scan(
		&fw.ID, &fw.Name, &fw.Version, &fw.DeviceModel, &fw.HardwareMin, &fw.HardwareMax,
		&fw.SizeBytes, &fw.ChecksumSHA256, &fw.ChecksumBLAKE3, &signature,
		&fw.DownloadURL, &fw.StorePending, &fw.SecurityPatch, &fw.Beta, &fw.Deprecated,
		&fw.DownloadCount, &fw.SuccessCount, &fw.FailureCount, &meta,
		&fw.CreatedAt, &fw.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	fw.Signature = signature.String

	fw.Metadata, err = metadataFromJSON(meta)
	if err != nil {
		return nil, err
	}

	return &fw, nil
}

// GetFirmware retrieves one firmware row by identifier.
func (db *DB) GetFirmware(id string) (*models.Firmware, error) {
	row := db.QueryRow("SELECT"+firmwareColumns+" FROM firmware WHERE id = ?", id)

	fw, err := scanFirmware(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: firmware %s", ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w firmware: %w", ErrFailedToScan, err)
	}

	return fw, nil
}

// ListFirmware returns firmware rows, newest first. Deprecated rows are
// excluded unless requested.
func (db *DB) ListFirmware(includeDeprecated bool) ([]models.Firmware, error) {
	query := "SELECT" + firmwareColumns + " FROM firmware"
	if !includeDeprecated {
		query += " WHERE deprecated = 0"
	}

	query += " ORDER BY created_at DESC"

	rows, err := db.Query(query) //nolint:rowserrcheck // rows.Close() is deferred
	if err != nil {
		return nil, fmt.Errorf("%w firmware: %w", ErrFailedToQuery, err)
	}
	defer CloseRows(rows)

	var list []models.Firmware

	for rows.Next() {
		fw, err := scanFirmware(rows)
		if err != nil {
			return nil, fmt.Errorf("%w firmware row: %w", ErrFailedToScan, err)
		}

		list = append(list, *fw)
	}

	return list, nil
}

// DeprecateFirmware soft-deletes a firmware image. The row is retained for
// audit and rollback version lookup.
func (db *DB) DeprecateFirmware(id string, event *models.Event) error {
	tx, err := db.DB.Begin()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToBeginTx, err)
	}
	defer rollbackOnError(tx, &err)

	result, err := tx.Exec(
		"UPDATE firmware SET deprecated = 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w firmware: %w", ErrFailedToUpdate, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		err = fmt.Errorf("%w: firmware %s", ErrNotFound, id)

		return err
	}

	if err = appendEventTx(tx, event); err != nil {
		return err
	}

	err = tx.Commit()

	return err
}

// IncrementDownloadCount atomically bumps the download counter.
func (db *DB) IncrementDownloadCount(id string) error {
	result, err := db.DB.Exec(`
        UPDATE firmware
        SET download_count = download_count + 1, updated_at = ?
        WHERE id = ?
    `, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w firmware download count: %w", ErrFailedToUpdate, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: firmware %s", ErrNotFound, id)
	}

	return nil
}

// RecordFirmwareResult feeds the success-rate statistic with the outcome
// of one device update.
func (db *DB) RecordFirmwareResult(id string, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}

	_, err := db.DB.Exec(
		"UPDATE firmware SET "+column+" = "+column+" + 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w firmware result: %w", ErrFailedToUpdate, err)
	}

	return nil
}
