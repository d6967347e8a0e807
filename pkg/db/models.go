package db

import (
	"context"
	"fmt"
	"time"
)

const (
	OrderTypeMarketQuote = "MARKET_QUOTE"
	OrderTypeMarketQty   = "MARKET_QTY"
	OrderTypeOCO         = "OCO"

	OrderStatusFilled   = "FILLED"
	OrderStatusRejected = "REJECTED"
	OrderStatusAborted  = "ABORTED"
)

// Order represents an order attempt sent to the exchange.
type Order struct {
	ID             string
	Symbol         string
	Side           string
	OrderType      string // MARKET_QUOTE, MARKET_QTY, OCO
	RequestedQuote float64
	RequestedQty   float64
	Status         string // FILLED, REJECTED, ABORTED
	CreatedAt      time.Time
}

// Trade represents a completed fill with realized PnL (zero for entries).
type Trade struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      string
	Qty       float64
	Price     float64
	PnL       float64
	CreatedAt time.Time
}

// CreateOrder inserts an order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, symbol, side, order_type, requested_quote, requested_qty, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.Symbol, o.Side, o.OrderType, o.RequestedQuote, o.RequestedQty, o.Status, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// CreateTrade inserts a trade row.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, symbol, side, qty, price, pnl, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OrderID, t.Symbol, t.Side, t.Qty, t.Price, t.PnL, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// RecentTrades returns the newest trades, newest first.
func (d *Database) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, qty, price, pnl, created_at
		FROM trades
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &t.Qty, &t.Price, &t.PnL, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
