// Package db pkg/db/db.go provides SQLite persistence for the OTA update
// orchestrator: firmware metadata, campaigns with their device counters,
// per-device updates, rollback logs, and the event outbox.
package db

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// SQL statements for database initialization.
	createTablesSQL = `
	-- Registered firmware images. Rows are immutable after insert except
	-- for the deprecated flag and the derived statistics columns.
	CREATE TABLE IF NOT EXISTS firmware (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		device_model TEXT NOT NULL,
		hardware_min TEXT NOT NULL,
		hardware_max TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		checksum_sha256 TEXT NOT NULL,
		checksum_blake3 TEXT NOT NULL,
		signature TEXT,
		download_url TEXT NOT NULL,
		store_pending BOOLEAN NOT NULL DEFAULT 0,
		security_patch BOOLEAN NOT NULL DEFAULT 0,
		beta BOOLEAN NOT NULL DEFAULT 0,
		deprecated BOOLEAN NOT NULL DEFAULT 0,
		download_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(name, version, device_model)
	);

	-- Update campaigns with the five device counters.
	CREATE TABLE IF NOT EXISTS update_campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		org_id TEXT NOT NULL,
		firmware_id TEXT NOT NULL,
		status TEXT NOT NULL,
		strategy TEXT NOT NULL,
		targets TEXT NOT NULL,
		rollout_percent INTEGER NOT NULL,
		batch_size INTEGER NOT NULL,
		max_concurrent INTEGER NOT NULL,
		timeout_minutes INTEGER NOT NULL,
		failure_threshold INTEGER NOT NULL,
		auto_rollback BOOLEAN NOT NULL DEFAULT 0,
		requires_approval BOOLEAN NOT NULL DEFAULT 0,
		approved BOOLEAN NOT NULL DEFAULT 0,
		total_devices INTEGER NOT NULL DEFAULT 0,
		pending_devices INTEGER NOT NULL DEFAULT 0,
		in_progress_devices INTEGER NOT NULL DEFAULT 0,
		completed_devices INTEGER NOT NULL DEFAULT 0,
		failed_devices INTEGER NOT NULL DEFAULT 0,
		cancelled_devices INTEGER NOT NULL DEFAULT 0,
		scheduled_start TIMESTAMP,
		scheduled_end TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (firmware_id) REFERENCES firmware(id)
	);

	-- One device's participation in one campaign. Never deleted; the
	-- history feeds rollback version lookup and audit.
	CREATE TABLE IF NOT EXISTS device_updates (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		campaign_id TEXT,
		firmware_id TEXT NOT NULL,
		status TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		progress REAL NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 5,
		force_update BOOLEAN NOT NULL DEFAULT 0,
		validated BOOLEAN NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		next_retry_at TIMESTAMP,
		timeout_at TIMESTAMP,
		scheduled_at TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		from_version TEXT NOT NULL DEFAULT '',
		to_version TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (campaign_id) REFERENCES update_campaigns(id),
		FOREIGN KEY (firmware_id) REFERENCES firmware(id)
	);

	-- Rollback audit log.
	CREATE TABLE IF NOT EXISTS rollback_logs (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT '',
		campaign_id TEXT,
		from_version TEXT NOT NULL DEFAULT '',
		to_version TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL,
		revert_update_id TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL DEFAULT 0,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Event outbox. Events are appended in the same transaction as the
	-- state change they describe and published asynchronously.
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		data TEXT,
		published BOOLEAN NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt TIMESTAMP
	);

	-- Indexes for the hot paths.
	CREATE INDEX IF NOT EXISTS idx_device_updates_device
		ON device_updates(device_id, status);
	CREATE INDEX IF NOT EXISTS idx_device_updates_campaign
		ON device_updates(campaign_id, status);
	CREATE INDEX IF NOT EXISTS idx_device_updates_timeout
		ON device_updates(timeout_at);
	CREATE INDEX IF NOT EXISTS idx_device_updates_retry
		ON device_updates(next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_rollback_logs_device
		ON rollback_logs(device_id, status);
	CREATE INDEX IF NOT EXISTS idx_rollback_logs_campaign
		ON rollback_logs(campaign_id);
	CREATE INDEX IF NOT EXISTS idx_rollback_logs_revert
		ON rollback_logs(revert_update_id);
	CREATE INDEX IF NOT EXISTS idx_events_unpublished
		ON events(published, seq);

	PRAGMA foreign_keys=ON;
	`
)

// DB represents the database connection and operations.
type DB struct {
	*sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (Service, error) {
	sqlDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedOpenDB, err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToEnableWAL, err)
	}

	db := &DB{sqlDB}
	if err := db.initSchema(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToInit, err)
	}

	return db, nil
}

// initSchema creates the database tables if they don't exist.
func (db *DB) initSchema() error {
	_, err := db.DB.Exec(createTablesSQL)

	return err
}

// Begin starts a transaction wrapped in the Transaction interface.
func (db *DB) Begin() (Transaction, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToBeginTx, err)
	}

	return ToTransaction(tx), nil
}

// Exec runs a statement through the Result interface.
func (db *DB) Exec(query string, args ...interface{}) (Result, error) {
	result, err := db.DB.Exec(query, args...)
	if err != nil {
		return nil, err
	}

	return &SQLResult{result}, nil
}

// Query runs a query through the Rows interface.
func (db *DB) Query(query string, args ...interface{}) (Rows, error) {
	rows, err := db.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &SQLRows{rows}, nil
}

// QueryRow runs a single-row query through the Row interface.
func (db *DB) QueryRow(query string, args ...interface{}) Row {
	return &SQLRow{db.DB.QueryRow(query, args...)}
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return db.DB.Close()
}

func rollbackOnError(tx *sql.Tx, err *error) {
	if *err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("Error rolling back transaction: %v", rbErr)
		}
	}
}

// CleanOldEvents removes published events older than the retention period.
// Unpublished events are kept regardless of age.
func (db *DB) CleanOldEvents(retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)

	if _, err := db.DB.Exec(
		"DELETE FROM events WHERE published = 1 AND timestamp < ?",
		cutoff,
	); err != nil {
		return fmt.Errorf("%w events: %w", ErrFailedToClean, err)
	}

	return nil
}
