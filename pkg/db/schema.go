package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    action TEXT NOT NULL,
    price REAL NOT NULL,
    stop_loss REAL DEFAULT 0,
    take_profit REAL DEFAULT 0,
    source TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    created_at DATETIME NOT NULL,
    executed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status, symbol);

CREATE TABLE IF NOT EXISTS bot_sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    broker TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    start_balance REAL NOT NULL,
    end_balance REAL DEFAULT 0,
    peak_balance REAL DEFAULT 0,
    policy TEXT NOT NULL,
    trade_count INTEGER DEFAULT 0,
    wins INTEGER DEFAULT 0,
    losses INTEGER DEFAULT 0,
    realized_pnl REAL DEFAULT 0,
    consecutive_losses INTEGER DEFAULT 0,
    started_at DATETIME NOT NULL,
    stopped_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_bot_sessions_user ON bot_sessions(user_id, started_at);

CREATE TABLE IF NOT EXISTS bot_trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    signal_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    class TEXT NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL,
    stake REAL NOT NULL,
    quantity REAL DEFAULT 0,
    stop_loss REAL DEFAULT 0,
    take_profit REAL DEFAULT 0,
    status TEXT NOT NULL,
    realized_pnl REAL DEFAULT 0,
    unrealized_pnl REAL DEFAULT 0,
    broker TEXT NOT NULL,
    broker_handle TEXT NOT NULL,
    entry_at DATETIME NOT NULL,
    exit_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_bot_trades_user_status ON bot_trades(user_id, status);

CREATE TABLE IF NOT EXISTS bot_daily_state (
    user_id TEXT PRIMARY KEY,
    trading_day TEXT NOT NULL,
    trade_count INTEGER DEFAULT 0,
    realized_loss REAL DEFAULT 0,
    pnl REAL DEFAULT 0,
    consecutive_losses INTEGER DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "bot_trades", "unrealized_pnl", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "bot_sessions", "peak_balance", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "signals", "user_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
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
