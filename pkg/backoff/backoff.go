// Package backoff computes and sleeps exponential retry delays.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Delay returns the wait before retry number attempt. Attempt 1 waits
// Initial, attempt 2 twice that, and so on up to Max.
func (c Config) Delay(attempt int) time.Duration {
	initial := c.Initial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	maxDelay := c.Max
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// Wait sleeps for Delay(attempt), returning ctx's error if ctx ends first.
func (c Config) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
