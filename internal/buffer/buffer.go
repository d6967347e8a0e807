// Package buffer keeps bounded per-(symbol, timeframe) histories of closed
// candles. It is the only market-data view signal sources read; the stream
// client writes into it and re-seeds it on every reconnect.
package buffer

import (
	"strings"
	"sync"
)

// Candle is one closed OHLCV bar. Immutable once appended.
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Cache holds ring buffers keyed by SYMBOL|timeframe.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	buffers  map[string]*ring
}

type ring struct {
	data  []Candle
	start int
	count int
}

// NewCache builds a cache with a fixed per-key capacity.
func NewCache(capacity int) *Cache {
	if capacity < 2 {
		capacity = 2
	}
	return &Cache{
		capacity: capacity,
		buffers:  make(map[string]*ring),
	}
}

func key(symbol, timeframe string) string {
	return strings.ToUpper(symbol) + "|" + timeframe
}

// Bootstrap seeds a buffer with historical candles. It is a no-op when the
// key already has a buffer, so repeated seeding is safe.
func (c *Cache) Bootstrap(symbol, timeframe string, candles []Candle) {
	k := key(symbol, timeframe)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buffers[k]; ok {
		return
	}
	r := &ring{data: make([]Candle, c.capacity)}
	c.buffers[k] = r
	for _, cd := range candles {
		r.push(cd)
	}
}

// Reset drops the buffer for a key so the next Bootstrap re-seeds it. Used
// on reconnect, where a gap in history would corrupt lookback evaluation.
func (c *Cache) Reset(symbol, timeframe string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, key(symbol, timeframe))
}

// Append adds a closed candle, creating the buffer lazily. Once full the
// oldest candle is evicted.
func (c *Cache) Append(symbol, timeframe string, candle Candle) {
	k := key(symbol, timeframe)
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.buffers[k]
	if !ok {
		r = &ring{data: make([]Candle, c.capacity)}
		c.buffers[k] = r
	}
	r.push(candle)
}

// Snapshot returns a copy of the buffered candles in append order, or nil
// when fewer than 2 candles are present (signal sources need lookback).
func (c *Cache) Snapshot(symbol, timeframe string) []Candle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.buffers[key(symbol, timeframe)]
	if !ok || r.count < 2 {
		return nil
	}
	out := make([]Candle, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.data[(r.start+i)%len(r.data)]
	}
	return out
}

// Len reports how many candles a key currently holds.
func (c *Cache) Len(symbol, timeframe string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.buffers[key(symbol, timeframe)]
	if !ok {
		return 0
	}
	return r.count
}

func (r *ring) push(c Candle) {
	if r.count < len(r.data) {
		r.data[(r.start+r.count)%len(r.data)] = c
		r.count++
		return
	}
	// Full: overwrite the oldest slot and advance.
	r.data[r.start] = c
	r.start = (r.start + 1) % len(r.data)
}
