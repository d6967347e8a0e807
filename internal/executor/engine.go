// Package executor turns confirmed signals into exchange orders. It owns the
// per-symbol position records, the protective stop and take levels, and the
// startup reconciliation against the account trade history.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"spotbot/internal/ledger"
	"spotbot/internal/notify"
	"spotbot/internal/retry"
	"spotbot/internal/risk"
	"spotbot/pkg/db"
	"spotbot/pkg/exchange/binance"
)

var (
	ErrBelowMinNotional = errors.New("order below minimum notional")
	ErrBelowMinQty      = errors.New("order below minimum quantity")
	ErrRiskBlocked      = errors.New("blocked by risk limits")
	ErrPositionOpen     = errors.New("position already open")
	ErrNoPosition       = errors.New("no open position")
)

// Exchange is the slice of the venue client the engine needs. *binance.Client
// satisfies it; tests plug in a fake.
type Exchange interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
	GetSymbolInfo(ctx context.Context, symbol string) (binance.SymbolInfo, error)
	GetBalance(ctx context.Context, asset string) (float64, error)
	CreateMarketOrderQty(ctx context.Context, symbol, side string, qty float64) (binance.OrderResult, error)
	CreateMarketOrderQuote(ctx context.Context, symbol, side string, quote float64) (binance.OrderResult, error)
	CreateOCOSell(ctx context.Context, symbol string, qty, takePrice, stopPrice, stopLimitPrice float64) error
	GetMyTrades(ctx context.Context, symbol string, limit int) ([]binance.AccountTrade, error)
}

// Position is the engine's memory of an open long.
type Position struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
}

// protection holds the exit levels guarding a position. Native means an
// exchange-side OCO exists and the software watcher stays out of the way.
type protection struct {
	Stop   float64
	Take   float64
	Native bool
	Armed  bool
}

// Config carries the execution parameters.
type Config struct {
	StopLossPct      float64
	TakeProfitPct    float64
	ProtectiveOrders bool
}

// Engine executes buys and sells under the risk governor and manages
// protective exits. All operations on one symbol are serialized.
type Engine struct {
	cfg      Config
	ex       Exchange
	filters  *FilterCache
	governor *risk.Governor
	store    *ledger.Store
	database *db.Database
	notifier notify.Notifier

	mu         sync.Mutex
	symLocks   map[string]*sync.Mutex
	positions  map[string]Position
	protective map[string]*protection
}

func NewEngine(cfg Config, ex Exchange, filters *FilterCache, gov *risk.Governor, store *ledger.Store, database *db.Database, notifier notify.Notifier) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		cfg:        cfg,
		ex:         ex,
		filters:    filters,
		governor:   gov,
		store:      store,
		database:   database,
		notifier:   notifier,
		symLocks:   make(map[string]*sync.Mutex),
		positions:  make(map[string]Position),
		protective: make(map[string]*protection),
	}
}

func (e *Engine) lockFor(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.symLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.symLocks[symbol] = l
	}
	return l
}

// HandleSignal routes a confirmed, deduplicated signal to the matching
// order path. Unknown sides are ignored.
func (e *Engine) HandleSignal(ctx context.Context, symbol, side string) error {
	switch strings.ToLower(side) {
	case "buy":
		return e.Buy(ctx, symbol)
	case "sell":
		// Protective exits bypass this gate; signal-driven exits count
		// against the same daily limits as entries.
		if !e.governor.CanTrade() {
			log.Printf("[exec] %s: sell blocked by risk limits", symbol)
			return ErrRiskBlocked
		}
		return e.Sell(ctx, symbol, "signal")
	default:
		return nil
	}
}

// Buy opens a long with a quote-sized market order, falling back to a
// base-quantity order when the venue rejects quoteOrderQty.
func (e *Engine) Buy(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)
	l := e.lockFor(symbol)
	l.Lock()
	defer l.Unlock()

	if _, open := e.position(symbol); open {
		log.Printf("[exec] %s: buy skipped, position already open", symbol)
		return ErrPositionOpen
	}
	if !e.governor.CanTrade() {
		log.Printf("[exec] %s: buy blocked by risk limits", symbol)
		return ErrRiskBlocked
	}

	info, err := e.filters.Get(ctx, e.ex, symbol)
	if err != nil {
		return fmt.Errorf("symbol info %s: %w", symbol, err)
	}

	var free float64
	err = retry.Do(ctx, retry.DefaultPolicy, "get balance", func() error {
		var berr error
		free, berr = e.ex.GetBalance(ctx, info.QuoteAsset)
		return berr
	})
	if err != nil {
		return fmt.Errorf("quote balance %s: %w", info.QuoteAsset, err)
	}

	spend := e.governor.PositionSizeFromBalance(free)
	if info.Filters.MinNotional > 0 && spend < info.Filters.MinNotional {
		log.Printf("[exec] %s: buy of %.2f below min notional %.2f, rejected",
			symbol, spend, info.Filters.MinNotional)
		e.recordOrder(ctx, symbol, "BUY", db.OrderTypeMarketQuote, spend, 0, db.OrderStatusRejected)
		return ErrBelowMinNotional
	}

	res, err := e.ex.CreateMarketOrderQuote(ctx, symbol, "BUY", spend)
	if err != nil {
		log.Printf("[exec] %s: quote order failed (%v), falling back to quantity order", symbol, err)
		res, err = e.buyByQuantity(ctx, symbol, spend, info)
		if err != nil {
			return err
		}
	}

	entry := e.fillPrice(ctx, symbol, res)
	qty := res.ExecutedQty
	if qty <= 0 {
		for _, f := range res.Fills {
			qty += f.Qty
		}
	}
	if qty <= 0 {
		return fmt.Errorf("buy %s: order filled with zero quantity", symbol)
	}
	if entry <= 0 {
		// A zero entry would record a worthless position and protective
		// levels that can never fire. Leave it for startup reconciliation.
		log.Printf("[exec] %s: bought %.8f but no usable fill price, position not recorded", symbol, qty)
		e.notifier.Send(fmt.Sprintf("ALERT %s: buy filled %.8f without a usable price, restart to reconcile", symbol, qty))
		return fmt.Errorf("buy %s: no usable fill price", symbol)
	}

	e.setPosition(Position{Symbol: symbol, Quantity: qty, AveragePrice: entry})
	e.governor.RegisterTrade(0)
	e.recordFill(ctx, symbol, "BUY", db.OrderTypeMarketQuote, spend, qty, entry, 0)
	log.Printf("[exec] %s: bought %.8f @ %.8f (spend %.2f)", symbol, qty, entry, spend)
	e.notifier.Send(fmt.Sprintf("BUY %s qty=%.8f price=%.8f", symbol, qty, entry))

	e.armProtection(ctx, symbol, qty, entry, info.Filters)
	return nil
}

// buyByQuantity derives a base quantity from the last price, conforms it,
// and re-checks the trading rules before sending.
func (e *Engine) buyByQuantity(ctx context.Context, symbol string, spend float64, info binance.SymbolInfo) (binance.OrderResult, error) {
	var price float64
	err := retry.Do(ctx, retry.DefaultPolicy, "last price", func() error {
		var perr error
		price, perr = e.ex.LastPrice(ctx, symbol)
		return perr
	})
	if err != nil {
		return binance.OrderResult{}, fmt.Errorf("last price %s: %w", symbol, err)
	}
	if price <= 0 {
		return binance.OrderResult{}, fmt.Errorf("last price %s: non-positive %.8f", symbol, price)
	}

	qty, ok := ConformQty(spend/price, info.Filters)
	if !ok {
		e.recordOrder(ctx, symbol, "BUY", db.OrderTypeMarketQty, spend, qty, db.OrderStatusAborted)
		return binance.OrderResult{}, fmt.Errorf("buy %s: %w", symbol, ErrBelowMinQty)
	}
	if !MeetsNotional(qty, price, info.Filters) {
		e.recordOrder(ctx, symbol, "BUY", db.OrderTypeMarketQty, spend, qty, db.OrderStatusAborted)
		return binance.OrderResult{}, fmt.Errorf("buy %s: %w", symbol, ErrBelowMinNotional)
	}

	res, err := e.ex.CreateMarketOrderQty(ctx, symbol, "BUY", qty)
	if err != nil {
		e.recordOrder(ctx, symbol, "BUY", db.OrderTypeMarketQty, spend, qty, db.OrderStatusRejected)
		return binance.OrderResult{}, fmt.Errorf("fallback buy %s: %w", symbol, err)
	}
	return res, nil
}

// Sell closes the remembered position, bounded by what the wallet actually
// holds. reason tags the log line and notification.
func (e *Engine) Sell(ctx context.Context, symbol, reason string) error {
	symbol = strings.ToUpper(symbol)
	l := e.lockFor(symbol)
	l.Lock()
	defer l.Unlock()

	pos, open := e.position(symbol)
	if !open {
		log.Printf("[exec] %s: sell skipped, no open position", symbol)
		return ErrNoPosition
	}

	info, err := e.filters.Get(ctx, e.ex, symbol)
	if err != nil {
		return fmt.Errorf("symbol info %s: %w", symbol, err)
	}

	var wallet float64
	err = retry.Do(ctx, retry.DefaultPolicy, "get balance", func() error {
		var berr error
		wallet, berr = e.ex.GetBalance(ctx, info.BaseAsset)
		return berr
	})
	if err != nil {
		return fmt.Errorf("base balance %s: %w", info.BaseAsset, err)
	}

	qty := pos.Quantity
	if wallet < qty {
		log.Printf("[exec] %s: wallet holds %.8f, remembered %.8f, selling the smaller",
			symbol, wallet, pos.Quantity)
		qty = wallet
	}

	qty, ok := ConformQty(qty, info.Filters)
	if !ok {
		log.Printf("[exec] %s: sell of %.8f below min quantity %.8f, aborted",
			symbol, qty, info.Filters.MinQty)
		e.recordOrder(ctx, symbol, "SELL", db.OrderTypeMarketQty, 0, qty, db.OrderStatusAborted)
		return ErrBelowMinQty
	}

	var price float64
	rerr := retry.Do(ctx, retry.DefaultPolicy, "last price", func() error {
		var perr error
		price, perr = e.ex.LastPrice(ctx, symbol)
		return perr
	})
	if rerr == nil && price > 0 && !MeetsNotional(qty, price, info.Filters) {
		// The wallet may hold slightly more than the remembered position,
		// e.g. dust from a previous run. Use it when it clears the bar.
		raised := FloorStep(wallet, info.Filters.StepSize)
		if raised > qty && MeetsNotional(raised, price, info.Filters) {
			log.Printf("[exec] %s: raising sell from %.8f to %.8f to clear min notional",
				symbol, qty, raised)
			qty = raised
		} else {
			log.Printf("[exec] %s: sell of %.8f below min notional %.2f, aborted",
				symbol, qty*price, info.Filters.MinNotional)
			e.recordOrder(ctx, symbol, "SELL", db.OrderTypeMarketQty, 0, qty, db.OrderStatusAborted)
			return ErrBelowMinNotional
		}
	}

	res, err := e.ex.CreateMarketOrderQty(ctx, symbol, "SELL", qty)
	if err != nil {
		e.recordOrder(ctx, symbol, "SELL", db.OrderTypeMarketQty, 0, qty, db.OrderStatusRejected)
		return fmt.Errorf("sell %s: %w", symbol, err)
	}

	exit := e.fillPrice(ctx, symbol, res)
	if exit <= 0 {
		log.Printf("[exec] %s: no usable exit price, booking pnl at entry", symbol)
		exit = pos.AveragePrice
	}
	sold := res.ExecutedQty
	if sold <= 0 {
		sold = qty
	}
	pnl := (exit - pos.AveragePrice) * sold

	e.governor.RegisterTrade(pnl)
	e.recordFill(ctx, symbol, "SELL", db.OrderTypeMarketQty, 0, sold, exit, pnl)
	log.Printf("[exec] %s: sold %.8f @ %.8f pnl=%.4f (%s)", symbol, sold, exit, pnl, reason)
	e.notifier.Send(fmt.Sprintf("SELL %s qty=%.8f price=%.8f pnl=%.4f (%s)",
		symbol, sold, exit, pnl, reason))

	remaining := pos.Quantity - sold
	if remaining <= info.Filters.StepSize {
		e.clearPosition(symbol)
	} else {
		pos.Quantity = remaining
		e.setPositionOnly(pos)
	}
	return nil
}

// CheckProtectiveExit compares a closed candle against the software stop
// and take levels. Stop wins when a single candle gaps through both. The
// level disarms before the sell is sent so one crossing fires exactly once.
func (e *Engine) CheckProtectiveExit(ctx context.Context, symbol string, closePrice float64) {
	symbol = strings.ToUpper(symbol)

	e.mu.Lock()
	p, ok := e.protective[symbol]
	if !ok || !p.Armed || p.Native {
		e.mu.Unlock()
		return
	}
	var reason string
	switch {
	case p.Stop > 0 && closePrice <= p.Stop:
		reason = "stop-loss"
	case p.Take > 0 && closePrice >= p.Take:
		reason = "take-profit"
	default:
		e.mu.Unlock()
		return
	}
	p.Armed = false
	e.mu.Unlock()

	log.Printf("[exec] %s: %s triggered at close %.8f (stop=%.8f take=%.8f)",
		symbol, reason, closePrice, p.Stop, p.Take)
	if err := e.Sell(ctx, symbol, reason); err != nil {
		log.Printf("[exec] %s: protective sell failed: %v", symbol, err)
		e.notifier.Send(fmt.Sprintf("ALERT %s: %s sell failed: %v", symbol, reason, err))
	}
}

// Reconcile rebuilds the position record for one symbol from the wallet
// balance and the account trade history. Called once at startup so a
// restart does not orphan an open position.
func (e *Engine) Reconcile(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)
	l := e.lockFor(symbol)
	l.Lock()
	defer l.Unlock()

	info, err := e.filters.Get(ctx, e.ex, symbol)
	if err != nil {
		return fmt.Errorf("symbol info %s: %w", symbol, err)
	}

	var wallet float64
	err = retry.Do(ctx, retry.DefaultPolicy, "get balance", func() error {
		var berr error
		wallet, berr = e.ex.GetBalance(ctx, info.BaseAsset)
		return berr
	})
	if err != nil {
		return fmt.Errorf("base balance %s: %w", info.BaseAsset, err)
	}

	held := FloorStep(wallet, info.Filters.StepSize)
	if held < info.Filters.MinQty || held <= 0 {
		log.Printf("[exec] %s: reconcile found no tradeable balance (%.8f)", symbol, wallet)
		return nil
	}

	var trades []binance.AccountTrade
	err = retry.Do(ctx, retry.DefaultPolicy, "my trades", func() error {
		var terr error
		trades, terr = e.ex.GetMyTrades(ctx, symbol, 100)
		return terr
	})
	if err != nil {
		return fmt.Errorf("trade history %s: %w", symbol, err)
	}

	// Walk the history newest first, accumulating buys until they cover
	// the wallet balance. Sells in between are ignored; the wallet is the
	// source of truth for the quantity.
	var accQty, accCost float64
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		if !t.IsBuyer {
			continue
		}
		take := t.Qty
		if accQty+take > held {
			take = held - accQty
		}
		accQty += take
		accCost += take * t.Price
		if accQty >= held {
			break
		}
	}
	if accQty <= 0 {
		log.Printf("[exec] %s: reconcile warning, balance %.8f has no buy history, skipping", symbol, held)
		return nil
	}
	if accQty < held {
		log.Printf("[exec] %s: reconcile warning, history covers %.8f of %.8f, entry price is approximate",
			symbol, accQty, held)
	}

	avg := accCost / accQty
	e.setPosition(Position{Symbol: symbol, Quantity: held, AveragePrice: avg})
	log.Printf("[exec] %s: reconciled position %.8f @ %.8f", symbol, held, avg)
	e.notifier.Send(fmt.Sprintf("RECONCILED %s qty=%.8f avg=%.8f", symbol, held, avg))

	// A restart loses any native OCO handle, so the recovered position is
	// always guarded in software.
	e.armSoftware(symbol, avg, info.Filters)
	return nil
}

// Positions returns a snapshot of all open positions.
func (e *Engine) Positions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	return out
}

func (e *Engine) position(symbol string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[symbol]
	return p, ok
}

// setPosition records a position and drops any stale protection.
func (e *Engine) setPosition(p Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[p.Symbol] = p
	delete(e.protective, p.Symbol)
}

// setPositionOnly updates a position without touching protection, used for
// partial reductions.
func (e *Engine) setPositionOnly(p Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[p.Symbol] = p
}

func (e *Engine) clearPosition(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.positions, symbol)
	delete(e.protective, symbol)
}

// armProtection derives stop and take levels from the entry price and tries
// the exchange-side OCO first. Any OCO failure degrades silently to the
// software watcher; the position is never left unguarded.
func (e *Engine) armProtection(ctx context.Context, symbol string, qty, entry float64, f binance.Filters) {
	if e.cfg.StopLossPct <= 0 && e.cfg.TakeProfitPct <= 0 {
		return
	}
	stop := FloorTick(entry*(1-e.cfg.StopLossPct/100), f.TickSize)
	take := FloorTick(entry*(1+e.cfg.TakeProfitPct/100), f.TickSize)

	if e.cfg.ProtectiveOrders {
		sellQty, ok := ConformQty(qty, f)
		if ok {
			// Stop-limit a tick under the trigger so the limit leg is
			// marketable when the stop fires.
			stopLimit := FloorTick(stop-f.TickSize, f.TickSize)
			err := e.ex.CreateOCOSell(ctx, symbol, sellQty, take, stop, stopLimit)
			if err == nil {
				e.mu.Lock()
				e.protective[symbol] = &protection{Stop: stop, Take: take, Native: true, Armed: true}
				e.mu.Unlock()
				e.recordOrder(ctx, symbol, "SELL", db.OrderTypeOCO, 0, sellQty, db.OrderStatusFilled)
				log.Printf("[exec] %s: OCO armed stop=%.8f take=%.8f", symbol, stop, take)
				return
			}
			log.Printf("[exec] %s: OCO placement failed (%v), using software protection", symbol, err)
		}
	}

	e.mu.Lock()
	e.protective[symbol] = &protection{Stop: stop, Take: take, Armed: true}
	e.mu.Unlock()
	log.Printf("[exec] %s: software protection armed stop=%.8f take=%.8f", symbol, stop, take)
}

// armSoftware arms software-only levels around an entry price.
func (e *Engine) armSoftware(symbol string, entry float64, f binance.Filters) {
	if e.cfg.StopLossPct <= 0 && e.cfg.TakeProfitPct <= 0 {
		return
	}
	stop := FloorTick(entry*(1-e.cfg.StopLossPct/100), f.TickSize)
	take := FloorTick(entry*(1+e.cfg.TakeProfitPct/100), f.TickSize)
	e.mu.Lock()
	e.protective[symbol] = &protection{Stop: stop, Take: take, Armed: true}
	e.mu.Unlock()
	log.Printf("[exec] %s: software protection armed stop=%.8f take=%.8f", symbol, stop, take)
}

// fillPrice computes the volume-weighted average of the order's fills,
// falling back to the last traded price when the venue omits them.
func (e *Engine) fillPrice(ctx context.Context, symbol string, res binance.OrderResult) float64 {
	var qty, cost float64
	for _, f := range res.Fills {
		qty += f.Qty
		cost += f.Qty * f.Price
	}
	if qty > 0 {
		return cost / qty
	}
	price, err := e.ex.LastPrice(ctx, symbol)
	if err != nil {
		log.Printf("[exec] %s: no fills and last price failed: %v", symbol, err)
		return 0
	}
	return price
}

// recordOrder writes an audit row for an order that never produced a fill.
func (e *Engine) recordOrder(ctx context.Context, symbol, side, orderType string, quote, qty float64, status string) {
	if e.database == nil {
		return
	}
	err := e.database.CreateOrder(ctx, db.Order{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           side,
		OrderType:      orderType,
		RequestedQuote: quote,
		RequestedQty:   qty,
		Status:         status,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		log.Printf("[exec] %s: audit order write failed: %v", symbol, err)
	}
}

// recordFill writes the order and trade audit rows plus the state ledger
// entry for a completed fill.
func (e *Engine) recordFill(ctx context.Context, symbol, side, orderType string, quote, qty, price, pnl float64) {
	orderID := uuid.NewString()
	if e.database != nil {
		if err := e.database.CreateOrder(ctx, db.Order{
			ID:             orderID,
			Symbol:         symbol,
			Side:           side,
			OrderType:      orderType,
			RequestedQuote: quote,
			RequestedQty:   qty,
			Status:         db.OrderStatusFilled,
			CreatedAt:      time.Now(),
		}); err != nil {
			log.Printf("[exec] %s: audit order write failed: %v", symbol, err)
		}
		if err := e.database.CreateTrade(ctx, db.Trade{
			ID:        uuid.NewString(),
			OrderID:   orderID,
			Symbol:    symbol,
			Side:      side,
			Qty:       qty,
			Price:     price,
			PnL:       pnl,
			CreatedAt: time.Now(),
		}); err != nil {
			log.Printf("[exec] %s: audit trade write failed: %v", symbol, err)
		}
	}
	if e.store != nil {
		if err := e.store.AppendTrade(ledger.TradeRecord{
			Symbol: symbol,
			Side:   strings.ToLower(side),
			Qty:    qty,
			Price:  price,
			Pnl:    pnl,
		}); err != nil {
			log.Printf("[exec] %s: state ledger write failed: %v", symbol, err)
		}
	}
}
