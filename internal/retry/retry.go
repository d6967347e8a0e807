// Package retry wraps transient exchange calls in capped exponential
// backoff with jitter. It is deliberately bounded: after the attempt budget
// the last error is surfaced to the caller, never retried forever.
package retry

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// Policy controls the backoff schedule.
type Policy struct {
	Attempts int           // total tries, including the first
	Base     time.Duration // first delay
	Cap      time.Duration // delay ceiling
}

// DefaultPolicy is suited for REST calls against the exchange.
var DefaultPolicy = Policy{Attempts: 4, Base: 250 * time.Millisecond, Cap: 5 * time.Second}

// Do runs fn under the policy. op names the call for logging.
func Do(ctx context.Context, p Policy, op string, fn func() error) error {
	if p.Attempts <= 0 {
		p = DefaultPolicy
	}

	delay := p.Base
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == p.Attempts {
			break
		}
		log.Printf("%s failed (attempt %d/%d): %v", op, attempt, p.Attempts, err)

		// Full jitter keeps concurrent retries from synchronizing.
		sleep := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > p.Cap {
			delay = p.Cap
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
