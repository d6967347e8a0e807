package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds Binance credentials and environment selection.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	BaseURL    string // override for tests
}

// Client is a signed Binance spot REST client.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *TimeSync
	rateLimiter *RateLimiter
}

// New builds a REST client; Testnet toggles the base URL.
func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.binance.com"
		if cfg.Testnet {
			base = "https://testnet.binance.vision"
		}
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	c.timeSync = NewTimeSync(c.GetServerTime)
	// 1200 weight/min for spot.
	c.rateLimiter = NewRateLimiter(1200, time.Minute)
	return c
}

// UsedWeight reports the last request weight observed in response headers.
func (c *Client) UsedWeight() int {
	return c.rateLimiter.Used()
}

// StartTimeSync begins periodic server clock synchronization.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// GetServerTime fetches Binance server time in milliseconds.
func (c *Client) GetServerTime() (int64, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/api/v3/time")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// GetKlines fetches historical klines from the public endpoint.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	u := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("binance klines status %d: %s", res.StatusCode, string(body))
	}

	var raw [][]any
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline.
		if len(item) < 7 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  toInt64(item[0]),
			Open:      toFloat(item[1]),
			High:      toFloat(item[2]),
			Low:       toFloat(item[3]),
			Close:     toFloat(item[4]),
			Volume:    toFloat(item[5]),
			CloseTime: toInt64(item[6]),
		})
	}
	return klines, nil
}

// LastPrice returns the latest traded price for a symbol.
func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.baseURL, strings.ToUpper(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("binance ticker status %d: %s", res.StatusCode, string(body))
	}
	var out struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, err
	}
	p, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last price %q: %w", out.Price, err)
	}
	return p, nil
}

// GetSymbolInfo fetches exchangeInfo for one symbol and extracts its filters.
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	symbol = strings.ToUpper(symbol)
	u := fmt.Sprintf("%s/api/v3/exchangeInfo?symbol=%s", c.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return SymbolInfo{}, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return SymbolInfo{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return SymbolInfo{}, fmt.Errorf("binance exchangeInfo status %d: %s", res.StatusCode, string(body))
	}

	var raw struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return SymbolInfo{}, err
	}
	if len(raw.Symbols) == 0 {
		return SymbolInfo{}, fmt.Errorf("symbol info not found: %s", symbol)
	}

	s := raw.Symbols[0]
	info := SymbolInfo{Symbol: s.Symbol, BaseAsset: s.BaseAsset, QuoteAsset: s.QuoteAsset}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			info.Filters.StepSize = toFloat(f.StepSize)
			info.Filters.MinQty = toFloat(f.MinQty)
		case "PRICE_FILTER":
			info.Filters.TickSize = toFloat(f.TickSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			info.Filters.MinNotional = toFloat(f.MinNotional)
		}
	}
	return info, nil
}

// GetBalance returns the free balance for an asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return 0, errors.New("binance: API key/secret required")
	}
	params := url.Values{}
	c.stamp(params)
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/api/v3/account", params)
	if err != nil {
		return 0, err
	}
	var info struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, fmt.Errorf("decode account info: %w", err)
	}
	for _, b := range info.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return toFloat(b.Free), nil
		}
	}
	return 0, nil
}

// CreateMarketOrderQty places a MARKET order by base-asset quantity.
func (c *Client) CreateMarketOrderQty(ctx context.Context, symbol, side string, qty float64) (OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("side", strings.ToUpper(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(qty))
	params.Set("newClientOrderId", NewClientOrderID("mkt_qty"))
	params.Set("newOrderRespType", "FULL")
	return c.placeOrder(ctx, params)
}

// CreateMarketOrderQuote places a MARKET order by quote amount
// (quoteOrderQty). Buying for a fixed quote spend avoids a price pre-fetch.
func (c *Client) CreateMarketOrderQuote(ctx context.Context, symbol, side string, quote float64) (OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("side", strings.ToUpper(side))
	params.Set("type", "MARKET")
	params.Set("quoteOrderQty", formatFloat(quote))
	params.Set("newClientOrderId", NewClientOrderID("mkt_quote"))
	params.Set("newOrderRespType", "FULL")
	return c.placeOrder(ctx, params)
}

func (c *Client) placeOrder(ctx context.Context, params url.Values) (OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return OrderResult{}, errors.New("binance: API key/secret required")
	}
	c.stamp(params)
	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/api/v3/order", params)
	if err != nil {
		return OrderResult{}, err
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		Fills         []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}

	out := OrderResult{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Status:        resp.Status,
		ExecutedQty:   toFloat(resp.ExecutedQty),
	}
	for _, f := range resp.Fills {
		out.Fills = append(out.Fills, Fill{Price: toFloat(f.Price), Qty: toFloat(f.Qty)})
	}
	return out, nil
}

// CreateOCOSell places an exchange-native bracket: a take-profit limit leg
// paired with a stop-loss-limit leg; filling one cancels the other. Not all
// pairs support OCO, in which case the call errors and the caller falls
// back to software polling.
func (c *Client) CreateOCOSell(ctx context.Context, symbol string, qty, takePrice, stopPrice, stopLimitPrice float64) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance: API key/secret required")
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("side", "SELL")
	params.Set("quantity", formatFloat(qty))
	params.Set("price", formatFloat(takePrice))
	params.Set("stopPrice", formatFloat(stopPrice))
	params.Set("stopLimitPrice", formatFloat(stopLimitPrice))
	params.Set("stopLimitTimeInForce", "GTC")
	params.Set("listClientOrderId", NewClientOrderID("oco"))
	c.stamp(params)
	_, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/api/v3/order/oco", params)
	return err
}

// GetMyTrades returns the account trade history for a symbol, oldest first.
func (c *Client) GetMyTrades(ctx context.Context, symbol string, limit int) ([]AccountTrade, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errors.New("binance: API key/secret required")
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	c.stamp(params)
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/api/v3/myTrades", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID      int64  `json:"id"`
		Symbol  string `json:"symbol"`
		Price   string `json:"price"`
		Qty     string `json:"qty"`
		Time    int64  `json:"time"`
		IsBuyer bool   `json:"isBuyer"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode my trades: %w", err)
	}
	trades := make([]AccountTrade, 0, len(raw))
	for _, t := range raw {
		trades = append(trades, AccountTrade{
			ID:      t.ID,
			Symbol:  t.Symbol,
			Price:   toFloat(t.Price),
			Qty:     toFloat(t.Qty),
			Time:    t.Time,
			IsBuyer: t.IsBuyer,
		})
	}
	return trades, nil
}

// stamp adds timestamp and recvWindow using the synchronized clock.
func (c *Client) stamp(params url.Values) {
	timestamp := time.Now().UnixMilli()
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		timestamp = c.timeSync.Now()
	}
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		// For GET/DELETE Binance expects signed params in the query string.
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance %s %s status %d: %s", method, endpoint, res.StatusCode, string(body))
	}
	return body, nil
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
