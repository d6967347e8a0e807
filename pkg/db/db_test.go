package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.ApplySchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return d
}

func TestApplySchemaIdempotent(t *testing.T) {
	d := newTestDB(t)
	if err := d.ApplySchema(context.Background()); err != nil {
		t.Fatalf("second apply: %v", err)
	}
}

func TestOrderAndTradeRoundtrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	order := Order{
		ID:             "o-1",
		Symbol:         "BTCUSDT",
		Side:           "BUY",
		OrderType:      OrderTypeMarketQuote,
		RequestedQuote: 100,
		Status:         OrderStatusFilled,
		CreatedAt:      time.Now(),
	}
	if err := d.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	for i, id := range []string{"t-1", "t-2", "t-3"} {
		trade := Trade{
			ID:        id,
			OrderID:   "o-1",
			Symbol:    "BTCUSDT",
			Side:      "BUY",
			Qty:       1,
			Price:     float64(100 + i),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := d.CreateTrade(ctx, trade); err != nil {
			t.Fatalf("create trade %s: %v", id, err)
		}
	}

	trades, err := d.RecentTrades(ctx, 2)
	if err != nil {
		t.Fatalf("recent trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if trades[0].ID != "t-3" {
		t.Errorf("first trade = %s, want newest first", trades[0].ID)
	}
}

func TestRecentTradesEmpty(t *testing.T) {
	d := newTestDB(t)
	trades, err := d.RecentTrades(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent trades: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("got %d trades from an empty table", len(trades))
	}
}
