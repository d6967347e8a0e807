package executor

import (
	"testing"

	"spotbot/pkg/exchange/binance"
)

func TestFloorStep(t *testing.T) {
	tests := []struct {
		name string
		qty  float64
		step float64
		want float64
	}{
		{"floors to grid", 1.23456, 0.001, 1.234},
		{"exact multiple unchanged", 1.234, 0.001, 1.234},
		{"coarse step", 7.9, 0.5, 7.5},
		{"integer step", 12.7, 1, 12},
		{"zero step passthrough", 1.23456, 0, 1.23456},
		{"below one step", 0.0004, 0.001, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FloorStep(tt.qty, tt.step); got != tt.want {
				t.Errorf("FloorStep(%v, %v) = %v, want %v", tt.qty, tt.step, got, tt.want)
			}
		})
	}
}

func TestFloorTick(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		tick  float64
		want  float64
	}{
		{"floors to tick", 100.019, 0.01, 100.01},
		{"exact tick unchanged", 100.01, 0.01, 100.01},
		{"zero tick passthrough", 100.019, 0, 100.019},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FloorTick(tt.price, tt.tick); got != tt.want {
				t.Errorf("FloorTick(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
			}
		})
	}
}

func TestConformQty(t *testing.T) {
	f := binance.Filters{StepSize: 0.001, MinQty: 0.01}
	tests := []struct {
		name    string
		qty     float64
		wantQty float64
		wantOK  bool
	}{
		{"valid", 0.12345, 0.123, true},
		{"at minimum", 0.01, 0.01, true},
		{"below minimum", 0.0095, 0.009, false},
		{"zero", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ConformQty(tt.qty, f)
			if got != tt.wantQty || ok != tt.wantOK {
				t.Errorf("ConformQty(%v) = (%v, %v), want (%v, %v)",
					tt.qty, got, ok, tt.wantQty, tt.wantOK)
			}
		})
	}
}

func TestMeetsNotional(t *testing.T) {
	f := binance.Filters{MinNotional: 10}
	if !MeetsNotional(1, 10, f) {
		t.Error("exactly at the minimum should pass")
	}
	if MeetsNotional(0.5, 19, f) {
		t.Error("9.5 notional should fail a 10 minimum")
	}
	if !MeetsNotional(0.0001, 1, binance.Filters{}) {
		t.Error("no minimum configured should always pass")
	}
}

func TestConformIdempotent(t *testing.T) {
	f := binance.Filters{StepSize: 0.001, MinQty: 0.001}
	once, _ := ConformQty(1.23456, f)
	twice, _ := ConformQty(once, f)
	if once != twice {
		t.Errorf("conforming twice changed the value: %v -> %v", once, twice)
	}
}
