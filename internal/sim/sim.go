// Package sim drives the strategy pipeline from a synthetic random-walk
// feed. No exchange calls are made; fills are assumed at the candle close.
// Useful for validating strategy settings before funding the bot.
package sim

import (
	"context"
	"log"
	"math/rand"
	"time"

	"spotbot/internal/buffer"
	"spotbot/internal/control"
	"spotbot/internal/ledger"
	"spotbot/internal/strategy"
	"spotbot/pkg/config"
)

const (
	tickInterval = 2 * time.Second
	startPrice   = 100.0
	// Per-candle drift bound as a fraction of price.
	maxMove = 0.004
)

// paperPosition is an open simulated long.
type paperPosition struct {
	qty   float64
	entry float64
}

// Simulator owns the synthetic feed and the paper book.
type Simulator struct {
	cfg      *config.Config
	cache    *buffer.Cache
	registry *strategy.Registry
	store    *ledger.Store
	flags    *control.Flags

	rng       *rand.Rand
	prices    map[string]float64
	positions map[string]paperPosition
}

func New(cfg *config.Config, cache *buffer.Cache, registry *strategy.Registry, store *ledger.Store, flags *control.Flags) *Simulator {
	return &Simulator{
		cfg:       cfg,
		cache:     cache,
		registry:  registry,
		store:     store,
		flags:     flags,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		prices:    make(map[string]float64),
		positions: make(map[string]paperPosition),
	}
}

// Run emits synthetic candles until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	for _, sym := range s.cfg.Symbols {
		s.prices[sym] = startPrice
	}
	log.Printf("[sim] paper trading %d symbols, candle every %s", len(s.cfg.Symbols), tickInterval)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			for _, sym := range s.cfg.Symbols {
				s.step(sym)
			}
			if err := s.store.SetLastTick(time.Now()); err != nil {
				log.Printf("[sim] heartbeat write failed: %v", err)
			}
		}
	}
}

// step emits one candle for a symbol and evaluates its strategies.
func (s *Simulator) step(symbol string) {
	prev := s.prices[symbol]
	move := (s.rng.Float64()*2 - 1) * maxMove
	next := prev * (1 + move)
	s.prices[symbol] = next

	now := time.Now()
	high, low := prev, next
	if next > prev {
		high, low = next, prev
	}
	candle := buffer.Candle{
		OpenTime:  now.Add(-tickInterval).UnixMilli(),
		CloseTime: now.UnixMilli(),
		Open:      prev,
		High:      high,
		Low:       low,
		Close:     next,
		Volume:    s.rng.Float64() * 10,
	}
	s.cache.Append(symbol, s.cfg.Timeframe, candle)

	if s.flags.Paused() {
		return
	}
	candles := s.cache.Snapshot(symbol, s.cfg.Timeframe)
	if candles == nil {
		return
	}
	sources, err := s.registry.ForSymbol(symbol, s.cfg.Timeframe)
	if err != nil {
		log.Printf("[sim] %s: strategy lookup failed: %v", symbol, err)
		return
	}
	for _, src := range sources {
		sig := src.Evaluate(candles)
		if !sig.Actionable() {
			continue
		}
		dup, err := s.store.MarkSignal(symbol, sig.String(), candle.CloseTime)
		if err != nil {
			log.Printf("[sim] %s: signal dedup write failed: %v", symbol, err)
		}
		if !dup {
			s.execute(symbol, sig, next)
		}
		break
	}
}

// execute fills a paper order at the close price.
func (s *Simulator) execute(symbol string, sig strategy.Signal, price float64) {
	switch sig {
	case strategy.Buy:
		if _, open := s.positions[symbol]; open {
			return
		}
		notional := s.cfg.Risk.CapitalBase * s.cfg.Risk.CapitalPerTradePct / 100
		if notional <= 0 {
			notional = 100
		}
		qty := notional / price
		s.positions[symbol] = paperPosition{qty: qty, entry: price}
		s.record(symbol, "buy", qty, price, 0)
		log.Printf("[sim] %s: paper buy %.6f @ %.4f", symbol, qty, price)
	case strategy.Sell:
		pos, open := s.positions[symbol]
		if !open {
			return
		}
		pnl := (price - pos.entry) * pos.qty
		delete(s.positions, symbol)
		s.record(symbol, "sell", pos.qty, price, pnl)
		log.Printf("[sim] %s: paper sell %.6f @ %.4f pnl=%.4f", symbol, pos.qty, price, pnl)
	}
}

// closeAll marks remaining paper positions at the last price on shutdown.
func (s *Simulator) closeAll() {
	for sym, pos := range s.positions {
		price := s.prices[sym]
		pnl := (price - pos.entry) * pos.qty
		s.record(sym, "sell", pos.qty, price, pnl)
		log.Printf("[sim] %s: closing paper position pnl=%.4f", sym, pnl)
	}
	s.positions = make(map[string]paperPosition)
}

func (s *Simulator) record(symbol, side string, qty, price, pnl float64) {
	if err := s.store.AppendTrade(ledger.TradeRecord{
		Symbol: symbol,
		Side:   side,
		Qty:    qty,
		Price:  price,
		Pnl:    pnl,
	}); err != nil {
		log.Printf("[sim] %s: state ledger write failed: %v", symbol, err)
	}
}
