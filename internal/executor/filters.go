package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"spotbot/pkg/exchange/binance"
)

// FilterCache keeps per-symbol trading rules so pre-trade checks never hit
// the exchange. Filters change rarely; fetching once per process is enough.
type FilterCache struct {
	mu    sync.RWMutex
	infos map[string]binance.SymbolInfo
}

func NewFilterCache() *FilterCache {
	return &FilterCache{infos: make(map[string]binance.SymbolInfo)}
}

// Warm fetches and caches symbol info for every configured symbol. Called
// once at startup so later order checks are purely local.
func (fc *FilterCache) Warm(ctx context.Context, ex Exchange, symbols []string) error {
	for _, sym := range symbols {
		if _, err := fc.fetch(ctx, ex, sym); err != nil {
			return fmt.Errorf("warm filters for %s: %w", sym, err)
		}
	}
	return nil
}

// Get returns cached symbol info, fetching on first use.
func (fc *FilterCache) Get(ctx context.Context, ex Exchange, symbol string) (binance.SymbolInfo, error) {
	symbol = strings.ToUpper(symbol)
	fc.mu.RLock()
	info, ok := fc.infos[symbol]
	fc.mu.RUnlock()
	if ok {
		return info, nil
	}
	return fc.fetch(ctx, ex, symbol)
}

func (fc *FilterCache) fetch(ctx context.Context, ex Exchange, symbol string) (binance.SymbolInfo, error) {
	symbol = strings.ToUpper(symbol)
	info, err := ex.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return binance.SymbolInfo{}, err
	}
	fc.mu.Lock()
	fc.infos[symbol] = info
	fc.mu.Unlock()
	return info, nil
}
