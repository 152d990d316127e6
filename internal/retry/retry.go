package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Strategy describes how a call site retries a failing operation.
// The zero value retries nothing; use a named preset or fill the fields.
type Strategy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay randomized, 0..1
	RetryIf     func(error) bool
}

// Store is the preset for coordination-store calls: transient network
// faults are absorbed, everything else surfaces immediately.
var Store = Strategy{
	MaxAttempts: 5,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    3 * time.Second,
	Jitter:      0.2,
}

// Delivery is the preset for outbound forward/report calls.
var Delivery = Strategy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Jitter:      0.3,
}

// Do runs fn until it succeeds, the strategy is exhausted, or ctx ends.
// The last error from fn is returned on exhaustion.
func (s Strategy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if s.RetryIf != nil && !s.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff(attempt)):
		}
	}
	return lastErr
}

func (s Strategy) backoff(attempt int) time.Duration {
	base := s.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	if s.Jitter > 0 {
		spread := float64(d) * s.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	return d
}
