package db

import (
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_managers (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'inactive',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    type TEXT NOT NULL,
    priority INTEGER NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    executed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_events_pending
    ON events(owner_id, executed_at, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    parent_order_id TEXT REFERENCES orders(id),
    portfolio_id TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    signal_id TEXT NOT NULL,
    order_type TEXT NOT NULL,
    category TEXT NOT NULL,
    side TEXT NOT NULL,
    status TEXT NOT NULL,
    symbol TEXT NOT NULL,
    base_currency TEXT NOT NULL,
    quote_currency TEXT NOT NULL,
    quantity TEXT NOT NULL,
    target_price TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    executed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_order_id);
`

// ApplyMigrations creates tables and backfills columns added after the first release.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database not initialised")
	}
	// WAL is not available for in-memory databases; ignore the result there.
	_, _ = d.DB.Exec(`PRAGMA journal_mode=WAL;`)

	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Failure bookkeeping for parked events.
	if err := ensureColumn(d.DB, "events", "failed_at", "INTEGER"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "events", "attempts", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "events", "last_error", "TEXT DEFAULT ''"); err != nil {
		return err
	}

	// Venue handle recorded at submission.
	if err := ensureColumn(d.DB, "orders", "exchange_order_id", "TEXT DEFAULT ''"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
