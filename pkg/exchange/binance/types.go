package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kline is a closed OHLCV candle as returned by the REST klines endpoint.
type Kline struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// KlineEvent is a websocket kline update. Closed is false while the candle
// is still forming; consumers that only care about closed candles must
// filter on it.
type KlineEvent struct {
	Symbol   string
	Interval string
	Closed   bool
	Kline    Kline
}

// Filters are the discrete order constraints for a symbol.
type Filters struct {
	StepSize    float64
	MinQty      float64
	TickSize    float64
	MinNotional float64
}

// SymbolInfo bundles asset naming with the symbol's filters.
type SymbolInfo struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Filters    Filters
}

// Fill is a single execution inside an order response.
type Fill struct {
	Price float64
	Qty   float64
}

// OrderResult is the subset of the order response the engine consumes.
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Status        string
	ExecutedQty   float64
	Fills         []Fill
}

// AccountTrade is one entry of the account trade history.
type AccountTrade struct {
	ID      int64
	Symbol  string
	Price   float64
	Qty     float64
	Time    int64
	IsBuyer bool
}

// NewClientOrderID builds a unique client order ID with a short uuid tail.
func NewClientOrderID(prefix string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().Unix(), uuid.NewString()[:8])
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
