package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"spotbot/internal/risk"
	"spotbot/pkg/exchange/binance"
)

type fakeExchange struct {
	mu sync.Mutex

	info     binance.SymbolInfo
	balances map[string]float64
	price    float64
	trades   []binance.AccountTrade

	quoteErr error
	ocoErr   error

	quoteResult binance.OrderResult
	qtyResult   binance.OrderResult

	priceCalls int
	quoteCalls int
	qtyCalls   int
	sellCalls  int
	ocoCalls   int
}

func (f *fakeExchange) LastPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	return f.price, nil
}

func (f *fakeExchange) GetSymbolInfo(ctx context.Context, symbol string) (binance.SymbolInfo, error) {
	return f.info, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[asset], nil
}

func (f *fakeExchange) CreateMarketOrderQty(ctx context.Context, symbol, side string, qty float64) (binance.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if side == "SELL" {
		f.sellCalls++
	} else {
		f.qtyCalls++
	}
	return f.qtyResult, nil
}

func (f *fakeExchange) CreateMarketOrderQuote(ctx context.Context, symbol, side string, quote float64) (binance.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteCalls++
	if f.quoteErr != nil {
		return binance.OrderResult{}, f.quoteErr
	}
	return f.quoteResult, nil
}

func (f *fakeExchange) CreateOCOSell(ctx context.Context, symbol string, qty, takePrice, stopPrice, stopLimitPrice float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ocoCalls++
	return f.ocoErr
}

func (f *fakeExchange) GetMyTrades(ctx context.Context, symbol string, limit int) ([]binance.AccountTrade, error) {
	return f.trades, nil
}

func testInfo() binance.SymbolInfo {
	return binance.SymbolInfo{
		Symbol:     "BTCUSDT",
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		Filters: binance.Filters{
			StepSize:    0.001,
			MinQty:      0.001,
			TickSize:    0.01,
			MinNotional: 50,
		},
	}
}

func newTestEngine(t *testing.T, fake *fakeExchange, cfg Config, govCfg risk.Config) *Engine {
	t.Helper()
	filters := NewFilterCache()
	if err := filters.Warm(context.Background(), fake, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("warm filters: %v", err)
	}
	return NewEngine(cfg, fake, filters, risk.NewGovernor(govCfg), nil, nil, nil)
}

func TestBuyBelowMinNotionalRejectedWithoutOrderCalls(t *testing.T) {
	fake := &fakeExchange{
		info:     testInfo(),
		balances: map[string]float64{"USDT": 400},
		price:    100,
	}
	eng := newTestEngine(t, fake, Config{}, risk.Config{CapitalPerTradePct: 10})

	err := eng.Buy(context.Background(), "BTCUSDT")
	if !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("expected ErrBelowMinNotional, got %v", err)
	}
	if fake.priceCalls != 0 || fake.quoteCalls != 0 || fake.qtyCalls != 0 {
		t.Errorf("rejected buy must not reach the exchange: price=%d quote=%d qty=%d",
			fake.priceCalls, fake.quoteCalls, fake.qtyCalls)
	}
}

func TestBuyOpensPositionAtFillVWAP(t *testing.T) {
	fake := &fakeExchange{
		info:     testInfo(),
		balances: map[string]float64{"USDT": 1000},
		price:    50,
		quoteResult: binance.OrderResult{
			ExecutedQty: 2,
			Fills: []binance.Fill{
				{Price: 49, Qty: 1},
				{Price: 51, Qty: 1},
			},
		},
	}
	eng := newTestEngine(t, fake, Config{StopLossPct: 5, TakeProfitPct: 10}, risk.Config{CapitalPerTradePct: 10})

	if err := eng.Buy(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	pos, open := eng.position("BTCUSDT")
	if !open {
		t.Fatal("expected an open position")
	}
	if pos.Quantity != 2 || pos.AveragePrice != 50 {
		t.Errorf("position = %+v, want qty=2 avg=50", pos)
	}
	if got := eng.governor.Snapshot().TradesOpenedToday; got != 1 {
		t.Errorf("trades today = %d, want 1", got)
	}
	// A second buy on the same symbol must be refused.
	if err := eng.Buy(context.Background(), "BTCUSDT"); !errors.Is(err, ErrPositionOpen) {
		t.Errorf("second buy: got %v, want ErrPositionOpen", err)
	}
}

func TestBuyFallsBackToQuantityOrder(t *testing.T) {
	fake := &fakeExchange{
		info:     testInfo(),
		balances: map[string]float64{"USDT": 1000},
		price:    50,
		quoteErr: errors.New("quoteOrderQty not supported"),
		qtyResult: binance.OrderResult{
			ExecutedQty: 2,
			Fills:       []binance.Fill{{Price: 50, Qty: 2}},
		},
	}
	eng := newTestEngine(t, fake, Config{}, risk.Config{CapitalPerTradePct: 10})

	if err := eng.Buy(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if fake.quoteCalls != 1 || fake.qtyCalls != 1 {
		t.Errorf("quote=%d qty=%d, want one attempt each", fake.quoteCalls, fake.qtyCalls)
	}
	pos, _ := eng.position("BTCUSDT")
	if pos.Quantity != 2 {
		t.Errorf("position qty = %v, want 2", pos.Quantity)
	}
}

func TestBuyWithoutUsableFillPriceRecordsNothing(t *testing.T) {
	fake := &fakeExchange{
		info:     testInfo(),
		balances: map[string]float64{"USDT": 1000},
		price:    0,
		quoteResult: binance.OrderResult{
			ExecutedQty: 2,
		},
	}
	eng := newTestEngine(t, fake, Config{StopLossPct: 5, TakeProfitPct: 10}, risk.Config{CapitalPerTradePct: 10})

	// No fills and no last price: a position booked at price zero would
	// carry stop and take levels of zero that can never fire.
	if err := eng.Buy(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected an error when no fill price is available")
	}
	if _, open := eng.position("BTCUSDT"); open {
		t.Error("no position must be recorded without an entry price")
	}
	eng.mu.Lock()
	p, armed := eng.protective["BTCUSDT"]
	eng.mu.Unlock()
	if armed && p.Armed {
		t.Errorf("protection = %+v, want none armed", p)
	}
	if got := eng.governor.Snapshot().TradesOpenedToday; got != 0 {
		t.Errorf("trades today = %d, want 0", got)
	}
}

func TestSellSignalBlockedByDailyTradeCap(t *testing.T) {
	fake := &fakeExchange{
		info:     testInfo(),
		balances: map[string]float64{"BTC": 2},
		price:    60,
		qtyResult: binance.OrderResult{
			ExecutedQty: 2,
			Fills:       []binance.Fill{{Price: 60, Qty: 2}},
		},
	}
	eng := newTestEngine(t, fake, Config{StopLossPct: 5, TakeProfitPct: 10},
		risk.Config{MaxTradesPerDay: 1})
	eng.setPosition(Position{Symbol: "BTCUSDT", Quantity: 2, AveragePrice: 50})
	eng.armSoftware("BTCUSDT", 50, testInfo().Filters)
	eng.governor.RegisterTrade(0) // cap reached

	err := eng.HandleSignal(context.Background(), "BTCUSDT", "sell")
	if !errors.Is(err, ErrRiskBlocked) {
		t.Fatalf("got %v, want ErrRiskBlocked", err)
	}
	if fake.sellCalls != 0 {
		t.Errorf("sell calls = %d, blocked signal must not reach the exchange", fake.sellCalls)
	}
	if got := eng.governor.Snapshot().TradesOpenedToday; got != 1 {
		t.Errorf("trades today = %d, want 1", got)
	}

	// The protective stop still closes the position past the cap.
	eng.CheckProtectiveExit(context.Background(), "BTCUSDT", 47)
	if fake.sellCalls != 1 {
		t.Errorf("sell calls = %d, stop exit must bypass the cap", fake.sellCalls)
	}
}

func TestProtectiveStopFiresOncePerCrossing(t *testing.T) {
	fake := &fakeExchange{
		info:     testInfo(),
		balances: map[string]float64{"USDT": 1000, "BTC": 2},
		price:    47,
		quoteResult: binance.OrderResult{
			ExecutedQty: 2,
			Fills:       []binance.Fill{{Price: 50, Qty: 2}},
		},
		qtyResult: binance.OrderResult{
			ExecutedQty: 2,
			Fills:       []binance.Fill{{Price: 47, Qty: 2}},
		},
	}
	eng := newTestEngine(t, fake, Config{StopLossPct: 5, TakeProfitPct: 10}, risk.Config{CapitalPerTradePct: 10})

	if err := eng.Buy(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	// Entry 50: stop at 47.50, take at 55. Close at 47 crosses the stop.
	eng.CheckProtectiveExit(context.Background(), "BTCUSDT", 47)
	if fake.sellCalls != 1 {
		t.Fatalf("sell calls = %d, want 1", fake.sellCalls)
	}
	if _, open := eng.position("BTCUSDT"); open {
		t.Error("position should be closed after the stop fired")
	}
	// Re-checking the same crossing must not sell again.
	eng.CheckProtectiveExit(context.Background(), "BTCUSDT", 46)
	if fake.sellCalls != 1 {
		t.Errorf("sell calls = %d after re-check, want 1", fake.sellCalls)
	}
	pnl := eng.governor.Snapshot().RealizedPnlToday
	if pnl != -6 {
		t.Errorf("realized pnl = %v, want -6", pnl)
	}
}

func TestProtectiveStopWinsOverTakeOnGap(t *testing.T) {
	fake := &fakeExchange{
		info:     testInfo(),
		balances: map[string]float64{"BTC": 2},
		price:    40,
		qtyResult: binance.OrderResult{
			ExecutedQty: 2,
			Fills:       []binance.Fill{{Price: 40, Qty: 2}},
		},
	}
	eng := newTestEngine(t, fake, Config{StopLossPct: 5, TakeProfitPct: 10}, risk.Config{})
	eng.setPosition(Position{Symbol: "BTCUSDT", Quantity: 2, AveragePrice: 50})
	eng.armSoftware("BTCUSDT", 50, testInfo().Filters)

	// A close at or below the stop is a stop exit even if some candle
	// range also touched the take level.
	eng.CheckProtectiveExit(context.Background(), "BTCUSDT", 40)
	if fake.sellCalls != 1 {
		t.Fatalf("sell calls = %d, want 1", fake.sellCalls)
	}
	pnl := eng.governor.Snapshot().RealizedPnlToday
	if pnl != -20 {
		t.Errorf("realized pnl = %v, want -20", pnl)
	}
}

func TestSellBoundedByWalletBalance(t *testing.T) {
	fake := &fakeExchange{
		info:     testInfo(),
		balances: map[string]float64{"BTC": 1.5},
		price:    60,
		qtyResult: binance.OrderResult{
			ExecutedQty: 1.5,
			Fills:       []binance.Fill{{Price: 60, Qty: 1.5}},
		},
	}
	eng := newTestEngine(t, fake, Config{}, risk.Config{})
	eng.setPosition(Position{Symbol: "BTCUSDT", Quantity: 2, AveragePrice: 50})

	if err := eng.Sell(context.Background(), "BTCUSDT", "signal"); err != nil {
		t.Fatalf("sell: %v", err)
	}
	pnl := eng.governor.Snapshot().RealizedPnlToday
	if pnl != 15 {
		t.Errorf("realized pnl = %v, want 15 for 1.5 sold at 60 from 50", pnl)
	}
}

func TestSellWithoutPosition(t *testing.T) {
	fake := &fakeExchange{info: testInfo(), balances: map[string]float64{"BTC": 1}}
	eng := newTestEngine(t, fake, Config{}, risk.Config{})
	if err := eng.Sell(context.Background(), "BTCUSDT", "signal"); !errors.Is(err, ErrNoPosition) {
		t.Errorf("got %v, want ErrNoPosition", err)
	}
}

func TestReconcileRebuildsPositionFromHistory(t *testing.T) {
	fake := &fakeExchange{
		info:     testInfo(),
		balances: map[string]float64{"BTC": 1.5},
		trades: []binance.AccountTrade{
			{ID: 1, Symbol: "BTCUSDT", Price: 100, Qty: 1, IsBuyer: true},
			{ID: 2, Symbol: "BTCUSDT", Price: 90, Qty: 0.4, IsBuyer: false},
			{ID: 3, Symbol: "BTCUSDT", Price: 120, Qty: 1, IsBuyer: true},
		},
	}
	eng := newTestEngine(t, fake, Config{StopLossPct: 5}, risk.Config{})

	if err := eng.Reconcile(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	pos, open := eng.position("BTCUSDT")
	if !open {
		t.Fatal("expected a reconciled position")
	}
	if pos.Quantity != 1.5 {
		t.Errorf("quantity = %v, want 1.5", pos.Quantity)
	}
	// Newest buy covers 1.0 at 120, the rest 0.5 at 100.
	want := (1.0*120 + 0.5*100) / 1.5
	if diff := pos.AveragePrice - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("average price = %v, want %v", pos.AveragePrice, want)
	}
	// The recovered position must be guarded in software.
	eng.mu.Lock()
	p, ok := eng.protective["BTCUSDT"]
	eng.mu.Unlock()
	if !ok || !p.Armed || p.Native {
		t.Errorf("protection = %+v, want armed software levels", p)
	}
}

func TestReconcileSkipsDust(t *testing.T) {
	fake := &fakeExchange{
		info:     testInfo(),
		balances: map[string]float64{"BTC": 0.0004},
	}
	eng := newTestEngine(t, fake, Config{}, risk.Config{})
	if err := eng.Reconcile(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, open := eng.position("BTCUSDT"); open {
		t.Error("dust below minQty must not create a position")
	}
}
