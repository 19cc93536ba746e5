package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.1}

	tests := []struct {
		name    string
		attempt int
		random  float64
		want    time.Duration
	}{
		{"first attempt no jitter", 1, 0, 100 * time.Millisecond},
		{"second attempt doubles", 2, 0, 200 * time.Millisecond},
		{"third attempt doubles again", 3, 0, 400 * time.Millisecond},
		{"jitter adds fraction", 1, 1.0, 110 * time.Millisecond},
		{"capped at max", 10, 0, time.Second},
		{"attempt zero clamps", 0, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.delayWithRand(tt.attempt, tt.random); got != tt.want {
				t.Errorf("delay(%d, %v) = %v, want %v", tt.attempt, tt.random, got, tt.want)
			}
		})
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	policy := Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	calls := 0
	err := Retry(context.Background(), policy, 3, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	policy := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	sentinel := errors.New("boom")
	err := Retry(context.Background(), policy, 2, func(int) error { return sentinel })
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("err = %v, want ErrAttemptsExhausted", err)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want wrapped sentinel", err)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultPolicy(), 3, func(int) error { return errors.New("never retried") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep returned %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly after cancellation")
	}
}
