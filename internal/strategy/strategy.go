// Package strategy hosts the signal sources. A source is a pure function of
// a candle snapshot; all state beyond configured parameters lives in the
// buffer it reads.
package strategy

import (
	"fmt"
	"sync"

	"spotbot/internal/buffer"
	"spotbot/pkg/config"
)

// Signal is the closed set of decisions a source can emit.
type Signal int

const (
	Hold Signal = iota
	Buy
	Sell
)

func (s Signal) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "hold"
	}
}

// Actionable reports whether the signal should reach the execution engine.
func (s Signal) Actionable() bool {
	return s == Buy || s == Sell
}

// Source evaluates a snapshot into a signal. Implementations must return
// Hold when the snapshot is shorter than their required lookback.
type Source interface {
	Name() string
	Evaluate(candles []buffer.Candle) Signal
}

// Registry owns source instances keyed (name, symbol, timeframe),
// constructing each on first use from the configured parameters.
type Registry struct {
	mu      sync.Mutex
	cfg     *config.Config
	sources map[string]Source
}

// NewRegistry builds a registry over the given configuration.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:     cfg,
		sources: make(map[string]Source),
	}
}

// Get returns the cached source for (name, symbol, timeframe), creating it
// if needed. Unknown names are rejected; config validation should have
// caught them already.
func (r *Registry) Get(name, symbol, timeframe string) (Source, error) {
	key := name + "|" + symbol + "|" + timeframe
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[key]; ok {
		return s, nil
	}

	var s Source
	switch name {
	case "ema_cross":
		s = NewEMACross(r.cfg.EMACross.FastPeriod, r.cfg.EMACross.SlowPeriod)
	case "rsi":
		s = NewRSIThreshold(r.cfg.RSI.Period, r.cfg.RSI.Overbought, r.cfg.RSI.Oversold)
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	r.sources[key] = s
	return s, nil
}

// ForSymbol resolves all configured sources for a symbol in config order.
func (r *Registry) ForSymbol(symbol, timeframe string) ([]Source, error) {
	names := r.cfg.Strategies[symbol]
	out := make([]Source, 0, len(names))
	for _, n := range names {
		s, err := r.Get(n, symbol, timeframe)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func closes(candles []buffer.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
