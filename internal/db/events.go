package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Event is a row in the heal_events audit trail.
type Event struct {
	ID        int    `json:"id"`
	FailureID string `json:"failure_id"`
	Event     string `json:"event"`
	Attempt   int    `json:"attempt"`
	Detail    string `json:"detail"`
	Timestamp string `json:"timestamp"`
}

// LogEvent appends an entry to a failure's audit trail.
func (d *DB) LogEvent(ctx context.Context, failureID, event string, attempt int, detail string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO heal_events (failure_id, event, attempt, detail, timestamp) VALUES (?, ?, ?, ?, ?)`,
		failureID, event, attempt, detail, d.stamp(),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// ListEvents returns a failure's audit trail in insertion order.
func (d *DB) ListEvents(ctx context.Context, failureID string) ([]Event, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, failure_id, event, attempt, detail, timestamp FROM heal_events WHERE failure_id = ? ORDER BY id`,
		failureID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var attempt sql.NullInt64
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.FailureID, &e.Event, &attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Attempt = int(attempt.Int64)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}
