// Package risk gates trading with session-scoped counters: a per-day trade
// cap and a daily-loss cutoff against a configured capital base. Counters
// reset on process restart; there is no midnight rollover.
package risk

import (
	"log"
	"sync"
)

// Governor holds the risk parameters and daily counters.
type Governor struct {
	capitalPerTradePct float64
	maxDailyLossPct    float64
	maxTradesPerDay    int
	capitalBase        float64

	mu               sync.Mutex
	tradesToday      int
	realizedPnlToday float64
	warnedNoBase     bool
}

// Snapshot is a read-only view of the counters.
type Snapshot struct {
	TradesOpenedToday int
	RealizedPnlToday  float64
}

// Config mirrors the risk section of the runtime configuration.
type Config struct {
	CapitalPerTradePct float64
	MaxDailyLossPct    float64
	MaxTradesPerDay    int
	CapitalBase        float64
}

// NewGovernor builds a governor from config.
func NewGovernor(cfg Config) *Governor {
	return &Governor{
		capitalPerTradePct: cfg.CapitalPerTradePct,
		maxDailyLossPct:    cfg.MaxDailyLossPct,
		maxTradesPerDay:    cfg.MaxTradesPerDay,
		capitalBase:        cfg.CapitalBase,
	}
}

// CanTrade reports whether a new trade is allowed. The loss cutoff is
// skipped when no capital base is configured; that degraded mode is logged
// once, not treated as a failure.
func (g *Governor) CanTrade() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maxTradesPerDay > 0 && g.tradesToday >= g.maxTradesPerDay {
		return false
	}

	if g.capitalBase <= 0 {
		if !g.warnedNoBase && g.maxDailyLossPct > 0 {
			log.Printf("risk: no capital base configured, daily-loss cutoff disabled")
			g.warnedNoBase = true
		}
		return true
	}
	if g.maxDailyLossPct > 0 {
		limit := -abs(g.capitalBase) * g.maxDailyLossPct / 100
		if g.realizedPnlToday <= limit {
			return false
		}
	}
	return true
}

// PositionSizeFromBalance returns the quote amount to spend on the next
// entry, floored at zero.
func (g *Governor) PositionSizeFromBalance(freeBalance float64) float64 {
	size := freeBalance * g.capitalPerTradePct / 100
	if size < 0 {
		return 0
	}
	return size
}

// RegisterTrade records one completed trade. Called exactly once per fill;
// skipping or duplicating a call corrupts the daily-loss cutoff.
func (g *Governor) RegisterTrade(realizedPnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tradesToday++
	g.realizedPnlToday += realizedPnl
}

// Snapshot returns the current counters.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		TradesOpenedToday: g.tradesToday,
		RealizedPnlToday:  g.realizedPnlToday,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
