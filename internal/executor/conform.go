package executor

import (
	"math"
	"strconv"
	"strings"

	"spotbot/pkg/exchange/binance"
)

// FloorStep floors qty to an exact multiple of step. A zero step leaves
// the quantity untouched.
func FloorStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	// The epsilon compensates for binary representation of decimal steps,
	// so exact multiples do not floor one step down.
	n := math.Floor(qty/step + 1e-9)
	return roundTo(n*step, decimals(step))
}

// FloorTick floors price to the symbol's tick grid.
func FloorTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	n := math.Floor(price/tick + 1e-9)
	return roundTo(n*tick, decimals(tick))
}

// ConformQty floors qty to the step grid and reports whether the result
// still satisfies the minimum quantity rule.
func ConformQty(qty float64, f binance.Filters) (float64, bool) {
	q := FloorStep(qty, f.StepSize)
	if q <= 0 {
		return 0, false
	}
	if f.MinQty > 0 && q < f.MinQty {
		return q, false
	}
	return q, true
}

// MeetsNotional reports whether qty at price clears the minimum notional.
func MeetsNotional(qty, price float64, f binance.Filters) bool {
	if f.MinNotional <= 0 {
		return true
	}
	return qty*price >= f.MinNotional
}

// decimals counts the decimal places of a filter value, e.g. 0.001 -> 3.
func decimals(v float64) int {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
