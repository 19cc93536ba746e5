// Package backoff provides exponential backoff utilities with jitter for
// retrying LLM calls, tool executions, and graph node attempts.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned when all retry attempts have been used up.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff after the first failure.
	Initial time.Duration
	// Max caps the backoff between attempts.
	Max time.Duration
	// Factor is the exponential multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to each delay.
	Jitter float64
}

// DefaultPolicy returns the backoff used for collaborator I/O:
// 100ms initial, 10s cap, factor 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay computes the backoff before attempt+1. Attempts are 1-indexed.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); p.Max > 0 && total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits for the specified duration, respecting context cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry executes fn up to maxAttempts times with backoff between failures.
// Cancellation is honored before every attempt and during every sleep; the
// last attempt's error is wrapped in the returned error when exhausted.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
