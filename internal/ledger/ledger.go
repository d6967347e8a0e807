// Package ledger persists the operational state snapshot consumed by the
// dashboard: heartbeat, daily PnL, the bounded trade tail, and the
// recent-signal dedup window. Every mutation is a read-modify-write under a
// single lock with an atomic temp-file-then-rename write, so external
// readers never observe a partial document.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	maxTrades        = 200
	maxRecentSignals = 500
)

// TradeRecord is one entry of the bounded trade tail. Display only; nothing
// reads it back for correctness.
type TradeRecord struct {
	Ts     int64   `json:"ts"`
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Qty    float64 `json:"qty"`
	Price  float64 `json:"price"`
	Pnl    float64 `json:"pnl"`
}

// SignalRecord marks a (symbol, side, candle close) tuple as acted upon.
type SignalRecord struct {
	Ts          int64  `json:"ts"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	CandleClose int64  `json:"candle_close"`
}

// State is the full persisted snapshot.
type State struct {
	StreamStart   int64          `json:"stream_start"`
	LastTick      int64          `json:"last_tick"`
	DailyPnl      float64        `json:"daily_pnl"`
	Trades        []TradeRecord  `json:"trades"`
	Mode          string         `json:"mode"`
	Symbols       []string       `json:"symbols"`
	RecentSignals []SignalRecord `json:"recent_signals"`
}

// Store serializes access to the state file.
type Store struct {
	path string
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore creates a store writing to path, with the given dedup TTL.
func NewStore(path string, dedupTTL time.Duration) *Store {
	if dedupTTL <= 0 {
		dedupTTL = 30 * time.Second
	}
	return &Store{path: path, ttl: dedupTTL, now: time.Now}
}

// SetInitial resets the snapshot for a fresh run.
func (s *Store) SetInitial(mode string, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		StreamStart: s.now().Unix(),
		Mode:        mode,
		Symbols:     symbols,
		Trades:      []TradeRecord{},
	}
	return s.write(&st)
}

// SetLastTick records the heartbeat timestamp.
func (s *Store) SetLastTick(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.read()
	st.LastTick = t.Unix()
	return s.write(st)
}

// AppendTrade adds a trade to the bounded tail and accumulates daily PnL.
func (s *Store) AppendTrade(rec TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.read()
	if rec.Ts == 0 {
		rec.Ts = s.now().Unix()
	}
	st.Trades = append(st.Trades, rec)
	if len(st.Trades) > maxTrades {
		st.Trades = st.Trades[len(st.Trades)-maxTrades:]
	}
	st.DailyPnl += rec.Pnl
	return s.write(st)
}

// MarkSignal checks-and-records a signal tuple in one critical section. It
// returns true when the same (symbol, side, candleClose) was already
// recorded inside the TTL window, meaning the caller must not act again.
// Expired records are pruned on every call.
func (s *Store) MarkSignal(symbol, side string, candleClose int64) (duplicate bool, err error) {
	symbol = strings.ToUpper(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.read()
	now := s.now().Unix()
	ttl := int64(s.ttl / time.Second)

	kept := st.RecentSignals[:0]
	for _, r := range st.RecentSignals {
		if now-r.Ts > ttl {
			continue
		}
		if r.Symbol == symbol && r.Side == side && r.CandleClose == candleClose {
			duplicate = true
		}
		kept = append(kept, r)
	}
	st.RecentSignals = kept

	if !duplicate {
		st.RecentSignals = append(st.RecentSignals, SignalRecord{
			Ts:          now,
			Symbol:      symbol,
			Side:        side,
			CandleClose: candleClose,
		})
		if len(st.RecentSignals) > maxRecentSignals {
			st.RecentSignals = st.RecentSignals[len(st.RecentSignals)-maxRecentSignals:]
		}
	}
	return duplicate, s.write(st)
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.read()
}

// read loads the file, falling back to a zero state on any problem; a
// corrupt state file must not take down the trading loop.
func (s *Store) read() *State {
	st := &State{Trades: []TradeRecord{}}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return st
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return &State{Trades: []TradeRecord{}}
	}
	return st
}

// write performs the atomic temp-then-rename store.
func (s *Store) write(st *State) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
