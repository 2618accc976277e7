package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const eventColumns = `id, owner_id, type, priority, payload, created_at, executed_at, failed_at, COALESCE(attempts, 0), COALESCE(last_error, '')`

// AddEvent inserts an event and returns its id. A missing id or creation
// time is filled in.
func (d *Database) AddEvent(ctx context.Context, e Event) (string, error) {
	if e.OwnerID == "" {
		return "", ErrOwnerIDRequired
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	created := nowNanos()
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UnixNano()
	}

	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO events (id, owner_id, type, priority, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.OwnerID, e.Type, int(e.Priority), e.Payload, created)
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return e.ID, nil
}

// NextUnprocessed returns the most urgent pending event for owner: highest
// priority first, earliest creation among equals. Parked failures are skipped.
// It returns nil when nothing is pending.
func (d *Database) NextUnprocessed(ctx context.Context, ownerID string) (*Event, error) {
	if ownerID == "" {
		return nil, ErrOwnerIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE owner_id = ? AND executed_at IS NULL AND failed_at IS NULL
		ORDER BY priority DESC, created_at ASC, rowid ASC
		LIMIT 1
	`, ownerID)

	e, err := scanEvent(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEvent loads a single event.
func (d *Database) GetEvent(ctx context.Context, id string) (Event, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

// ListEvents returns events for owner, newest first.
func (d *Database) ListEvents(ctx context.Context, ownerID string, limit int) ([]Event, error) {
	if ownerID == "" {
		return nil, ErrOwnerIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE owner_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkProcessed stamps executed_at. It succeeds at most once per event.
func (d *Database) MarkProcessed(ctx context.Context, id string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE events SET executed_at = ?, failed_at = NULL
		WHERE id = ? AND executed_at IS NULL
	`, nowNanos(), id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return d.eventUpdateResult(ctx, res, id)
}

// MarkFailed parks a pending event after a handler error. The event stays
// unprocessed but is no longer selected until Requeue.
func (d *Database) MarkFailed(ctx context.Context, id string, cause string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE events
		SET failed_at = ?, attempts = COALESCE(attempts, 0) + 1, last_error = ?
		WHERE id = ? AND executed_at IS NULL
	`, nowNanos(), cause, id)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return d.eventUpdateResult(ctx, res, id)
}

// Requeue makes a parked event selectable again.
func (d *Database) Requeue(ctx context.Context, id string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE events SET failed_at = NULL
		WHERE id = ? AND executed_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("requeue event: %w", err)
	}
	return d.eventUpdateResult(ctx, res, id)
}

func (d *Database) eventUpdateResult(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := d.GetEvent(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("event %s: %w", id, ErrAlreadyProcessed)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (Event, error) {
	var (
		e          Event
		priority   int
		created    int64
		executedAt sql.NullInt64
		failedAt   sql.NullInt64
	)
	err := r.Scan(&e.ID, &e.OwnerID, &e.Type, &priority, &e.Payload, &created, &executedAt, &failedAt, &e.Attempts, &e.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Priority = Priority(priority)
	e.CreatedAt = fromNanos(created)
	e.ExecutedAt = nullableTime(executedAt)
	e.FailedAt = nullableTime(failedAt)
	return e, nil
}
