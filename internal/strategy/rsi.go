package strategy

import (
	"fmt"

	"spotbot/internal/buffer"
)

// RSIThreshold signals when the latest RSI value crosses configured bounds:
// above overbought is a sell, below oversold a buy.
type RSIThreshold struct {
	period     int
	overbought float64
	oversold   float64
}

// NewRSIThreshold creates an oscillator source with sane defaults.
func NewRSIThreshold(period int, overbought, oversold float64) *RSIThreshold {
	if period <= 0 {
		period = 14
	}
	if overbought <= 0 {
		overbought = 70
	}
	if oversold <= 0 {
		oversold = 30
	}
	return &RSIThreshold{period: period, overbought: overbought, oversold: oversold}
}

func (s *RSIThreshold) Name() string {
	return fmt.Sprintf("rsi_%d", s.period)
}

// Evaluate requires period+2 candles for a settled smoothed average.
func (s *RSIThreshold) Evaluate(candles []buffer.Candle) Signal {
	if len(candles) < s.period+2 {
		return Hold
	}

	rsi := lastRSI(closes(candles), s.period)
	if rsi > s.overbought {
		return Sell
	}
	if rsi < s.oversold {
		return Buy
	}
	return Hold
}

// lastRSI computes Wilder's RSI for the final price in the series.
func lastRSI(prices []float64, period int) float64 {
	if len(prices) <= period {
		return 50
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	for i := period + 1; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		g, l := 0.0, 0.0
		if delta > 0 {
			g = delta
		} else {
			l = -delta
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
