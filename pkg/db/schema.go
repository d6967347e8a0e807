package db

import (
	"context"
	"fmt"
)

// schema holds the DDL applied at startup. Kept idempotent so restarts are
// safe; there is no migration history table for a two-table schema.
const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	requested_quote REAL NOT NULL DEFAULT 0,
	requested_qty   REAL NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trades (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL DEFAULT '',
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	qty        REAL NOT NULL,
	price      REAL NOT NULL,
	pnl        REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at);
`

// ApplySchema creates the order/trade tables if missing.
func (d *Database) ApplySchema(ctx context.Context) error {
	if _, err := d.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
