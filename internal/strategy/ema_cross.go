package strategy

import (
	"fmt"

	"spotbot/internal/buffer"
)

// EMACross signals on the sign change of fast-minus-slow EMA between the
// two most recent candles: crossing up is a buy, crossing down a sell.
type EMACross struct {
	fastPeriod int
	slowPeriod int
}

// NewEMACross creates a crossover source; defaults are applied when the
// configuration leaves periods unset.
func NewEMACross(fastPeriod, slowPeriod int) *EMACross {
	if fastPeriod <= 0 {
		fastPeriod = 9
	}
	if slowPeriod <= fastPeriod {
		slowPeriod = fastPeriod * 2
	}
	return &EMACross{fastPeriod: fastPeriod, slowPeriod: slowPeriod}
}

func (s *EMACross) Name() string {
	return fmt.Sprintf("ema_cross_%d_%d", s.fastPeriod, s.slowPeriod)
}

// Evaluate requires slowPeriod+2 candles so both of the last two bars have
// a settled slow EMA.
func (s *EMACross) Evaluate(candles []buffer.Candle) Signal {
	if len(candles) < s.slowPeriod+2 {
		return Hold
	}

	prices := closes(candles)
	fast := emaSeries(prices, s.fastPeriod)
	slow := emaSeries(prices, s.slowPeriod)

	n := len(prices)
	prevDiff := fast[n-2] - slow[n-2]
	currDiff := fast[n-1] - slow[n-1]

	if prevDiff < 0 && currDiff > 0 {
		return Buy
	}
	if prevDiff > 0 && currDiff < 0 {
		return Sell
	}
	return Hold
}

// emaSeries computes the exponential moving average for every index,
// seeding with the simple average of the first period values.
func emaSeries(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	if len(prices) == 0 {
		return out
	}
	if period <= 1 {
		copy(out, prices)
		return out
	}

	alpha := 2.0 / (float64(period) + 1.0)
	var sum float64
	for i, p := range prices {
		if i < period {
			sum += p
			out[i] = sum / float64(i+1)
			continue
		}
		out[i] = alpha*p + (1-alpha)*out[i-1]
	}
	return out
}
