package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy controls retry behaviour for job attempts and reconnect loops.
type Policy struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the wait after the first failure. Each later failure
	// doubles it: BaseDelay * 2^(attempt-1).
	BaseDelay time.Duration
	// MaxDelay caps the computed wait. Zero means no cap.
	MaxDelay time.Duration
	// Jitter spreads each wait by up to ±Jitter of its value (0 disables).
	Jitter float64
	// Retryable decides whether an error is worth another attempt.
	// Nil treats every error as retryable.
	Retryable func(error) bool
}

// Delay returns the wait before the attempt following the given failed one.
// attempt is 1-indexed (1 = first attempt just failed).
//
// Schedule with BaseDelay=1s, no jitter:
//
//	attempt 1 fails → wait 1s
//	attempt 2 fails → wait 2s
//	attempt 3 fails → wait 4s
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do calls fn up to p.MaxAttempts times, waiting Delay(attempt) between calls.
// onRetry, if non-nil, runs after a failed attempt and before the wait.
//
// Returns nil on first success, the first non-retryable error, or the last
// error after all attempts.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		wait := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, lastErr, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
