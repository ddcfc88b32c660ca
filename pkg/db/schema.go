package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS positions (
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    entry_price REAL NOT NULL,
    realized_pnl REAL DEFAULT 0,
    pending INTEGER DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (symbol, side)
);

CREATE TABLE IF NOT EXISTS mirror_positions (
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    entry_price REAL NOT NULL,
    realized_pnl REAL DEFAULT 0,
    pending INTEGER DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (symbol, side)
);

CREATE TABLE IF NOT EXISTS open_orders (
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_id INTEGER NOT NULL,
    type TEXT NOT NULL,
    qty REAL NOT NULL,
    price REAL NOT NULL,
    status TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (symbol, side, order_id)
);

CREATE TABLE IF NOT EXISTS closed_trades (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    volume REAL NOT NULL,
    realized_pnl REAL NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    stop_price REAL DEFAULT 0,
    take_price REAL DEFAULT 0,
    reason TEXT NOT NULL,
    risk_reward REAL NOT NULL,
    closed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_closed_trades_closed_at ON closed_trades(closed_at);

CREATE TABLE IF NOT EXISTS futures_events (
    id TEXT PRIMARY KEY,
    event_type TEXT,
    symbol TEXT,
    raw_data TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_futures_events_created_at ON futures_events(created_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
