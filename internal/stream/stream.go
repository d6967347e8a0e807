// Package stream runs the market data loop: bootstrap candles over REST,
// consume the kline websocket, feed the buffer and strategies, and hand
// confirmed signals to the execution engine. The loop reconnects forever
// with capped backoff and a heartbeat watchdog.
package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"spotbot/internal/buffer"
	"spotbot/internal/control"
	"spotbot/internal/ledger"
	"spotbot/internal/retry"
	"spotbot/internal/strategy"
	"spotbot/pkg/config"
	"spotbot/pkg/exchange/binance"
)

// Connection states, exposed for the dashboard.
const (
	StateConnecting   = "connecting"
	StateStreaming    = "streaming"
	StateReconnecting = "reconnecting"
)

const (
	watchdogInterval = 5 * time.Second
	backoffBase      = 1 * time.Second
	backoffCap       = 60 * time.Second
)

// MarketData serves historical candles for the bootstrap.
type MarketData interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
}

// Subscriber opens the live kline stream.
type Subscriber interface {
	SubscribeKlines(ctx context.Context, symbols []string, interval string) (<-chan binance.KlineEvent, func(), error)
}

// Trader receives confirmed signals and protective-exit checks.
type Trader interface {
	HandleSignal(ctx context.Context, symbol, side string) error
	CheckProtectiveExit(ctx context.Context, symbol string, closePrice float64)
}

// Runner owns the stream lifecycle.
type Runner struct {
	cfg      *config.Config
	market   MarketData
	sub      Subscriber
	cache    *buffer.Cache
	registry *strategy.Registry
	store    *ledger.Store
	flags    *control.Flags
	trader   Trader

	mu        sync.RWMutex
	state     string
	timeframe string
}

func NewRunner(cfg *config.Config, market MarketData, sub Subscriber, cache *buffer.Cache,
	registry *strategy.Registry, store *ledger.Store, flags *control.Flags, trader Trader) *Runner {
	return &Runner{
		cfg:      cfg,
		market:   market,
		sub:      sub,
		cache:    cache,
		registry: registry,
		store:    store,
		flags:    flags,
		trader:   trader,
		state:    StateConnecting,
	}
}

// State returns the current connection state.
func (r *Runner) State() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Timeframe returns the interval currently being streamed.
func (r *Runner) Timeframe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.timeframe == "" {
		return r.cfg.Timeframe
	}
	return r.timeframe
}

func (r *Runner) setState(s string) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run blocks until ctx is cancelled, reconnecting on any stream failure.
func (r *Runner) Run(ctx context.Context) {
	attempt := 0
	for {
		tf := r.cfg.Timeframe
		if override, ok := r.flags.Timeframe(); ok {
			tf = override
		}
		r.mu.Lock()
		r.timeframe = tf
		r.mu.Unlock()

		r.setState(StateConnecting)
		err := r.runOnce(ctx, tf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[stream] session ended: %v", err)
		} else {
			// Watchdog-forced restart after a healthy session; start the
			// backoff schedule over.
			attempt = 0
		}

		r.setState(StateReconnecting)
		attempt++
		delay := backoffBase << uint(min(attempt, 6))
		if delay > backoffCap {
			delay = backoffCap
		}
		log.Printf("[stream] reconnecting in %s (attempt %d)", delay, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce bootstraps every symbol, subscribes, and consumes events until
// the stream dies or the watchdog forces a reconnect.
func (r *Runner) runOnce(ctx context.Context, tf string) error {
	for _, sym := range r.cfg.Symbols {
		if err := r.bootstrap(ctx, sym, tf); err != nil {
			return err
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, stop, err := r.sub.SubscribeKlines(sessCtx, r.cfg.Symbols, tf)
	if err != nil {
		return fmt.Errorf("subscribe klines: %w", err)
	}
	defer stop()

	r.setState(StateStreaming)
	log.Printf("[stream] streaming %d symbols @ %s", len(r.cfg.Symbols), tf)

	var lastEvent atomic.Int64
	lastEvent.Store(time.Now().UnixNano())
	go r.watchdog(sessCtx, cancel, tf, &lastEvent)

	for {
		select {
		case <-sessCtx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			lastEvent.Store(time.Now().UnixNano())
			r.handleEvent(ctx, tf, ev)
		}
	}
}

// bootstrap seeds the candle buffer from REST history. The buffer is reset
// first so a reconnect never evaluates strategies on a stale window.
func (r *Runner) bootstrap(ctx context.Context, symbol, tf string) error {
	var klines []binance.Kline
	err := retry.Do(ctx, retry.DefaultPolicy, "bootstrap klines", func() error {
		var kerr error
		klines, kerr = r.market.GetKlines(ctx, symbol, tf, r.cfg.BootstrapCandles)
		return kerr
	})
	if err != nil {
		return fmt.Errorf("bootstrap %s@%s: %w", symbol, tf, err)
	}
	// The last REST kline is still forming; only closed candles enter the
	// buffer.
	if len(klines) > 0 {
		klines = klines[:len(klines)-1]
	}
	candles := make([]buffer.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, buffer.Candle{
			OpenTime:  k.OpenTime,
			CloseTime: k.CloseTime,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		})
	}
	r.cache.Reset(symbol, tf)
	r.cache.Bootstrap(symbol, tf, candles)
	log.Printf("[stream] bootstrapped %s@%s with %d candles", symbol, tf, len(candles))
	return nil
}

// handleEvent processes one websocket kline update.
func (r *Runner) handleEvent(ctx context.Context, tf string, ev binance.KlineEvent) {
	if !ev.Closed {
		return
	}
	k := ev.Kline
	r.cache.Append(ev.Symbol, tf, buffer.Candle{
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
	})
	if err := r.store.SetLastTick(time.Now()); err != nil {
		log.Printf("[stream] heartbeat write failed: %v", err)
	}

	// Protective checks run off the read loop so a slow sell never stalls
	// the stream.
	go r.trader.CheckProtectiveExit(ctx, ev.Symbol, k.Close)

	if r.flags.Paused() {
		return
	}

	candles := r.cache.Snapshot(ev.Symbol, tf)
	if candles == nil {
		return
	}
	sources, err := r.registry.ForSymbol(ev.Symbol, tf)
	if err != nil {
		log.Printf("[stream] %s: strategy lookup failed: %v", ev.Symbol, err)
		return
	}
	for _, src := range sources {
		sig := src.Evaluate(candles)
		if !sig.Actionable() {
			continue
		}
		log.Printf("[stream] %s@%s: %s signal from %s at close %.8f",
			ev.Symbol, tf, sig, src.Name(), k.Close)
		dup, err := r.store.MarkSignal(ev.Symbol, sig.String(), k.CloseTime)
		if err != nil {
			log.Printf("[stream] %s: signal dedup write failed: %v", ev.Symbol, err)
		}
		if dup {
			log.Printf("[stream] %s: duplicate %s signal for candle %d, skipped",
				ev.Symbol, sig, k.CloseTime)
			continue
		}
		symbol, side := ev.Symbol, sig.String()
		go func() {
			if err := r.trader.HandleSignal(ctx, symbol, side); err != nil {
				log.Printf("[stream] %s: %s execution: %v", symbol, side, err)
			}
		}()
		// First actionable source wins for this candle.
		break
	}
}

// watchdog forces a reconnect when the stream goes quiet or the operator
// changes the timeframe marker.
func (r *Runner) watchdog(ctx context.Context, cancel context.CancelFunc, tf string, lastEvent *atomic.Int64) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	timeout := r.cfg.HeartbeatTimeout()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			age := time.Since(time.Unix(0, lastEvent.Load()))
			if age > timeout {
				log.Printf("[stream] no events for %s, forcing reconnect", age.Round(time.Second))
				cancel()
				return
			}
			if override, ok := r.flags.Timeframe(); ok && override != tf {
				log.Printf("[stream] timeframe changed %s -> %s, restarting stream", tf, override)
				cancel()
				return
			}
		}
	}
}
