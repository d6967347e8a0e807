package strategy

import (
	"testing"

	"spotbot/internal/buffer"
	"spotbot/pkg/config"
)

func candlesFromCloses(closes []float64) []buffer.Candle {
	out := make([]buffer.Candle, len(closes))
	for i, c := range closes {
		out[i] = buffer.Candle{
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i+1) * 60_000,
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
		}
	}
	return out
}

// signalsOverSeries replays the series one candle at a time, the way the
// stream evaluates a growing buffer, and collects the emitted signals.
func signalsOverSeries(s Source, closes []float64) []Signal {
	var out []Signal
	for i := 2; i <= len(closes); i++ {
		if sig := s.Evaluate(candlesFromCloses(closes[:i])); sig.Actionable() {
			out = append(out, sig)
		}
	}
	return out
}

func TestSignalString(t *testing.T) {
	if Buy.String() != "buy" || Sell.String() != "sell" || Hold.String() != "hold" {
		t.Errorf("unexpected names: %s %s %s", Buy, Sell, Hold)
	}
	if Hold.Actionable() {
		t.Error("hold must not be actionable")
	}
}

func TestEMACrossInsufficientLookback(t *testing.T) {
	s := NewEMACross(3, 6)
	// Needs slowPeriod+2 candles.
	candles := candlesFromCloses([]float64{1, 2, 3, 4, 5, 6, 7})
	if got := s.Evaluate(candles); got != Hold {
		t.Errorf("got %s on short lookback, want hold", got)
	}
}

func TestEMACrossBuysOnUpturn(t *testing.T) {
	s := NewEMACross(3, 6)
	closes := make([]float64, 0, 40)
	for i := 0; i < 20; i++ {
		closes = append(closes, 100-float64(i)) // downtrend: fast below slow
	}
	for i := 0; i < 20; i++ {
		closes = append(closes, 81+3*float64(i)) // sharp recovery
	}

	signals := signalsOverSeries(s, closes)
	if len(signals) == 0 {
		t.Fatal("expected a signal during the recovery")
	}
	if signals[0] != Buy {
		t.Errorf("first signal = %s, want buy", signals[0])
	}
}

func TestEMACrossSellsOnDownturn(t *testing.T) {
	s := NewEMACross(3, 6)
	closes := make([]float64, 0, 40)
	for i := 0; i < 20; i++ {
		closes = append(closes, 100+float64(i))
	}
	for i := 0; i < 20; i++ {
		closes = append(closes, 119-3*float64(i))
	}

	signals := signalsOverSeries(s, closes)
	if len(signals) == 0 {
		t.Fatal("expected a signal during the fall")
	}
	if signals[0] != Sell {
		t.Errorf("first signal = %s, want sell", signals[0])
	}
}

func TestEMACrossHoldsOnSteadyTrend(t *testing.T) {
	s := NewEMACross(3, 6)
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	if signals := signalsOverSeries(s, closes); len(signals) != 0 {
		t.Errorf("steady uptrend emitted %v, want none", signals)
	}
}

func TestRSISellsWhenOverbought(t *testing.T) {
	s := NewRSIThreshold(14, 70, 30)
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	if got := s.Evaluate(candlesFromCloses(closes)); got != Sell {
		t.Errorf("got %s on a pure uptrend, want sell", got)
	}
}

func TestRSIBuysWhenOversold(t *testing.T) {
	s := NewRSIThreshold(14, 70, 30)
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 - float64(i)
	}
	if got := s.Evaluate(candlesFromCloses(closes)); got != Buy {
		t.Errorf("got %s on a pure downtrend, want buy", got)
	}
}

func TestRSIInsufficientLookback(t *testing.T) {
	s := NewRSIThreshold(14, 70, 30)
	closes := make([]float64, 15)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	if got := s.Evaluate(candlesFromCloses(closes)); got != Hold {
		t.Errorf("got %s on short lookback, want hold", got)
	}
}

func TestRegistryResolvesConfigOrder(t *testing.T) {
	cfg := &config.Config{
		Strategies: map[string][]string{
			"BTCUSDT": {"rsi", "ema_cross"},
		},
	}
	r := NewRegistry(cfg)

	sources, err := r.ForSymbol("BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("for symbol: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(sources))
	}
	if _, ok := sources[0].(*RSIThreshold); !ok {
		t.Errorf("first source = %T, config order must win", sources[0])
	}
	if _, ok := sources[1].(*EMACross); !ok {
		t.Errorf("second source = %T", sources[1])
	}

	// Same key returns the cached instance.
	again, _ := r.ForSymbol("BTCUSDT", "1m")
	if sources[0] != again[0] {
		t.Error("registry must cache source instances")
	}
}

func TestRegistryRejectsUnknownName(t *testing.T) {
	r := NewRegistry(&config.Config{})
	if _, err := r.Get("macd", "BTCUSDT", "1m"); err == nil {
		t.Error("unknown strategy name must error")
	}
}
