package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// StreamClient manages streaming from Binance public websockets.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/stream"}).String(),
		dialer:    websocket.DefaultDialer,
	}
}

// SubscribeKlines opens one combined stream multiplexing the kline feeds of
// all symbols and pushes parsed events into a channel. It returns the
// channel and a stop function; the channel closes when the connection dies,
// the context is canceled, or stop is called.
func (c *StreamClient) SubscribeKlines(ctx context.Context, symbols []string, interval string) (<-chan KlineEvent, func(), error) {
	// Binance requires lowercase symbols for websocket streams.
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(s), interval))
	}
	u := fmt.Sprintf("%s?streams=%s", c.StreamURL, strings.Join(streams, "/"))

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws: %w", err)
	}

	out := make(chan KlineEvent, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				// If the connection was closed by caller/context, exit quietly.
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				log.Printf("binance ws read error: %v", err)
				return
			}

			parsed, err := parseKlineEvent(msg)
			if err != nil {
				log.Printf("binance ws parse error: %v", err)
				continue
			}
			out <- parsed
		}
	}()

	return out, stop, nil
}

// parseKlineEvent decodes a combined-stream kline frame, keeping only the
// fields the core needs.
func parseKlineEvent(msg []byte) (KlineEvent, error) {
	var raw struct {
		Data struct {
			EventType string `json:"e"`
			Symbol    string `json:"s"`
			Kline     struct {
				StartTime int64       `json:"t"`
				CloseTime int64       `json:"T"`
				Interval  string      `json:"i"`
				Open      interface{} `json:"o"`
				Close     interface{} `json:"c"`
				High      interface{} `json:"h"`
				Low       interface{} `json:"l"`
				Volume    interface{} `json:"v"`
				Closed    bool        `json:"x"`
			} `json:"k"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return KlineEvent{}, err
	}
	if raw.Data.EventType != "kline" {
		return KlineEvent{}, fmt.Errorf("unexpected event type %q", raw.Data.EventType)
	}
	k := raw.Data.Kline
	return KlineEvent{
		Symbol:   raw.Data.Symbol,
		Interval: k.Interval,
		Closed:   k.Closed,
		Kline: Kline{
			OpenTime:  k.StartTime,
			CloseTime: k.CloseTime,
			Open:      toFloat(k.Open),
			High:      toFloat(k.High),
			Low:       toFloat(k.Low),
			Close:     toFloat(k.Close),
			Volume:    toFloat(k.Volume),
		},
	}, nil
}
