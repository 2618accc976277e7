package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AddEventManager persists a new manager in the inactive state.
func (d *Database) AddEventManager(ctx context.Context, m EventManager) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = ManagerInactive
	}
	now := nowNanos()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO event_managers (id, mode, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.Mode, string(m.Status), now, now)
	if err != nil {
		return "", fmt.Errorf("insert event manager: %w", err)
	}
	return m.ID, nil
}

// GetEventManager loads a manager row.
func (d *Database) GetEventManager(ctx context.Context, id string) (EventManager, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, mode, status, created_at, updated_at FROM event_managers WHERE id = ?
	`, id)
	return scanEventManager(row)
}

// UpdateEventManagerStatus records a start or stop.
func (d *Database) UpdateEventManagerStatus(ctx context.Context, id string, status ManagerStatus) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE event_managers SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), nowNanos(), id)
	if err != nil {
		return fmt.Errorf("update event manager status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEventManagersByStatus is used at startup to restore active managers.
func (d *Database) ListEventManagersByStatus(ctx context.Context, status ManagerStatus) ([]EventManager, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, mode, status, created_at, updated_at
		FROM event_managers
		WHERE status = ?
		ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query event managers: %w", err)
	}
	defer rows.Close()

	var out []EventManager
	for rows.Next() {
		m, err := scanEventManager(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanEventManager(r rowScanner) (EventManager, error) {
	var (
		m       EventManager
		status  string
		created int64
		updated int64
	)
	err := r.Scan(&m.ID, &m.Mode, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return EventManager{}, ErrNotFound
	}
	if err != nil {
		return EventManager{}, fmt.Errorf("scan event manager: %w", err)
	}
	m.Status = ManagerStatus(status)
	m.CreatedAt = fromNanos(created)
	m.UpdatedAt = fromNanos(updated)
	return m, nil
}
