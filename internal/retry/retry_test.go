package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func fastPolicy() Policy {
	return Policy{Attempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond}
}

func TestSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), "op", func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("got %v, want success on third attempt", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestSurfacesLastErrorAfterBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), "fetch klines", func() error {
		calls++
		return errTransient
	})
	if calls != 3 {
		t.Errorf("calls = %d, want the full budget of 3", calls)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("error %v must wrap the underlying cause", err)
	}
}

func TestStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 10, Base: time.Minute, Cap: time.Minute}, "op", func() error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, cancellation must stop retries", calls)
	}
}

func TestZeroPolicyFallsBackToDefault(t *testing.T) {
	err := Do(context.Background(), Policy{}, "op", func() error { return nil })
	if err != nil {
		t.Fatalf("got %v", err)
	}
}
