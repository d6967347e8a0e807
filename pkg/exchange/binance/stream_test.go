package binance

import "testing"

func TestParseKlineEvent(t *testing.T) {
	msg := []byte(`{
		"stream": "btcusdt@kline_1m",
		"data": {
			"e": "kline",
			"s": "BTCUSDT",
			"k": {
				"t": 1700000000000,
				"T": 1700000059999,
				"i": "1m",
				"o": "42000.10",
				"c": "42010.50",
				"h": "42020.00",
				"l": "41990.00",
				"v": "12.5",
				"x": true
			}
		}
	}`)

	ev, err := parseKlineEvent(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Symbol != "BTCUSDT" || ev.Interval != "1m" || !ev.Closed {
		t.Errorf("event = %+v", ev)
	}
	k := ev.Kline
	if k.Open != 42000.10 || k.Close != 42010.50 || k.High != 42020.00 || k.Low != 41990.00 {
		t.Errorf("kline = %+v", k)
	}
	if k.OpenTime != 1700000000000 || k.CloseTime != 1700000059999 {
		t.Errorf("timestamps = %d %d", k.OpenTime, k.CloseTime)
	}
}

func TestParseKlineEventRejectsOtherEvents(t *testing.T) {
	msg := []byte(`{"data":{"e":"trade","s":"BTCUSDT"}}`)
	if _, err := parseKlineEvent(msg); err == nil {
		t.Error("non-kline frames must error")
	}
}

func TestParseKlineEventOpenCandle(t *testing.T) {
	msg := []byte(`{"data":{"e":"kline","s":"BTCUSDT","k":{"t":1,"T":2,"i":"1m","o":"1","c":"2","h":"2","l":"1","v":"0","x":false}}}`)
	ev, err := parseKlineEvent(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Closed {
		t.Error("forming candle must not be marked closed")
	}
}

func TestNewClientOrderID(t *testing.T) {
	a := NewClientOrderID("mkt_qty")
	b := NewClientOrderID("mkt_qty")
	if a == b {
		t.Error("client order IDs must be unique")
	}
	if len(a) > 36 {
		t.Errorf("id %q exceeds the 36 character venue limit", a)
	}
}
