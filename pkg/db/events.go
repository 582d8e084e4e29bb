// Package db pkg/db/events.go implements the event outbox. Events land in
// the same transaction as the state change they describe; a background
// publisher drains them with at-least-once delivery in seq order, which
// preserves per-entity ordering.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

func appendEventTx(tx *sql.Tx, event *models.Event) error {
	if event == nil {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := tx.Exec(`
        INSERT INTO events (id, event_type, entity_id, timestamp, data)
        VALUES (?, ?, ?, ?, ?)
    `, event.ID, string(event.Type), event.EntityID, event.Timestamp.UTC(), nullString(string(event.Data)))
	if err != nil {
		return fmt.Errorf("%w event: %w", ErrFailedToInsert, err)
	}

	return nil
}

// AppendEvent writes an event to the outbox outside any caller transaction.
func (db *DB) AppendEvent(event *models.Event) error {
	tx, err := db.DB.Begin()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToBeginTx, err)
	}
	defer rollbackOnError(tx, &err)

	if err = appendEventTx(tx, event); err != nil {
		return err
	}

	err = tx.Commit()

	return err
}

// ListUnpublishedEvents returns up to limit undelivered events in append
// order.
func (db *DB) ListUnpublishedEvents(limit int) ([]models.Event, error) {
	rows, err := db.Query(`
        SELECT id, event_type, entity_id, timestamp, data
        FROM events
        WHERE published = 0
        ORDER BY seq
        LIMIT ?
    `, limit) //nolint:rowserrcheck // rows.Close() is deferred
	if err != nil {
		return nil, fmt.Errorf("%w events: %w", ErrFailedToQuery, err)
	}
	defer CloseRows(rows)

	var events []models.Event

	for rows.Next() {
		var (
			ev        models.Event
			eventType string
			data      sql.NullString
		)

		if err := rows.Scan(&ev.ID, &eventType, &ev.EntityID, &ev.Timestamp, &data); err != nil {
			return nil, fmt.Errorf("%w event row: %w", ErrFailedToScan, err)
		}

		ev.Type = models.EventType(eventType)
		if data.Valid {
			ev.Data = []byte(data.String)
		}

		events = append(events, ev)
	}

	return events, nil
}

// MarkEventPublished marks one event as delivered.
func (db *DB) MarkEventPublished(id string) error {
	_, err := db.DB.Exec(
		"UPDATE events SET published = 1, last_attempt = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w event publish mark: %w", ErrFailedToUpdate, err)
	}

	return nil
}

// RecordEventAttempt bumps the delivery attempt counter after a failed
// publish.
func (db *DB) RecordEventAttempt(id string) error {
	_, err := db.DB.Exec(
		"UPDATE events SET attempts = attempts + 1, last_attempt = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w event attempt: %w", ErrFailedToUpdate, err)
	}

	return nil
}
