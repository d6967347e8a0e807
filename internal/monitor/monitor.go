// Package monitor exposes the bot's health as prometheus metrics. A
// collector goroutine refreshes the gauges from the state ledger and the
// control flags, so scrapes never touch the trading path.
package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spotbot/internal/control"
	"spotbot/internal/ledger"
	"spotbot/internal/stream"
)

const refreshInterval = 5 * time.Second

// WeightSource reports request-weight usage against the exchange budget.
// *binance.Client satisfies it; simulate mode runs without one.
type WeightSource interface {
	UsedWeight() int
}

// Metrics owns the registry and the bot gauges.
type Metrics struct {
	registry *prometheus.Registry

	up          prometheus.Gauge
	paused      prometheus.Gauge
	streaming   prometheus.Gauge
	lastTickAge prometheus.Gauge
	dailyPnl    prometheus.Gauge
	tradesTail  prometheus.Gauge
	usedWeight  prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		up: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_up", Help: "1 while the process is running.",
		}),
		paused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_paused", Help: "1 when the pause marker is set.",
		}),
		streaming: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_streaming", Help: "1 while the kline stream is connected.",
		}),
		lastTickAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_last_tick_age_seconds", Help: "Seconds since the last closed candle.",
		}),
		dailyPnl: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_daily_pnl", Help: "Realized PnL accumulated this session.",
		}),
		tradesTail: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_recorded_trades", Help: "Trades held in the state tail.",
		}),
		usedWeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_used_weight", Help: "Request weight used in the current exchange window.",
		}),
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Collect refreshes the gauges until ctx is cancelled. runner and weight
// are nil in simulate mode.
func (m *Metrics) Collect(ctx context.Context, store *ledger.Store, flags *control.Flags, runner *stream.Runner, weight WeightSource) {
	m.up.Set(1)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.up.Set(0)
			return
		case <-ticker.C:
			m.refresh(store, flags, runner, weight)
		}
	}
}

func (m *Metrics) refresh(store *ledger.Store, flags *control.Flags, runner *stream.Runner, weight WeightSource) {
	st := store.Snapshot()
	if st.LastTick > 0 {
		m.lastTickAge.Set(time.Since(time.Unix(st.LastTick, 0)).Seconds())
	}
	m.dailyPnl.Set(st.DailyPnl)
	m.tradesTail.Set(float64(len(st.Trades)))
	if flags.Paused() {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
	if runner != nil && runner.State() == stream.StateStreaming {
		m.streaming.Set(1)
	} else {
		m.streaming.Set(0)
	}
	if weight != nil {
		m.usedWeight.Set(float64(weight.UsedWeight()))
	}
}
