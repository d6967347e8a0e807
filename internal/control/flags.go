// Package control implements the file-marker control surface: a pause
// marker that gates new entries, and a timeframe marker that lets the
// operator retune the stream without restarting the process.
package control

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	pauseFile     = "paused"
	timeframeFile = "timeframe"
)

// ValidIntervals is the set of kline intervals the exchange accepts.
var ValidIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// Flags reads and writes control markers under a single directory.
type Flags struct {
	dir string
}

func NewFlags(dir string) (*Flags, error) {
	if dir == "" {
		dir = "flags"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create flag dir: %w", err)
	}
	return &Flags{dir: dir}, nil
}

// Paused reports whether the pause marker exists. Missing directory or
// unreadable marker reads as not paused.
func (f *Flags) Paused() bool {
	_, err := os.Stat(filepath.Join(f.dir, pauseFile))
	return err == nil
}

// SetPaused creates or removes the pause marker.
func (f *Flags) SetPaused(paused bool) error {
	path := filepath.Join(f.dir, pauseFile)
	if paused {
		if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
			return fmt.Errorf("set pause marker: %w", err)
		}
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear pause marker: %w", err)
	}
	return nil
}

// Timeframe returns the override interval and whether one is set.
func (f *Flags) Timeframe() (string, bool) {
	raw, err := os.ReadFile(filepath.Join(f.dir, timeframeFile))
	if err != nil {
		return "", false
	}
	tf := strings.TrimSpace(string(raw))
	if !ValidIntervals[tf] {
		return "", false
	}
	return tf, true
}

// SetTimeframe persists a new interval override.
func (f *Flags) SetTimeframe(tf string) error {
	tf = strings.TrimSpace(tf)
	if !ValidIntervals[tf] {
		return fmt.Errorf("unknown interval %q", tf)
	}
	if err := os.WriteFile(filepath.Join(f.dir, timeframeFile), []byte(tf+"\n"), 0o644); err != nil {
		return fmt.Errorf("set timeframe marker: %w", err)
	}
	return nil
}
