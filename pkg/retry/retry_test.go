package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffBounded(t *testing.T) {
	for attempt := 1; attempt <= 40; attempt++ {
		d := Backoff(10*time.Millisecond, 100*time.Millisecond, attempt)
		if d <= 0 || d > 100*time.Millisecond {
			t.Fatalf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	n, err := Do(context.Background(), Policy{Attempts: 5, BackoffMin: time.Millisecond, BackoffMax: time.Millisecond},
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("flaky")
			}
			return nil
		})
	if err != nil || n != 3 {
		t.Fatalf("got n=%d err=%v, want 3 attempts and nil", n, err)
	}
}

func TestDoRespectsRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	n, err := Do(context.Background(), Policy{
		Attempts:  5,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}, func(context.Context) error { return permanent })
	if !errors.Is(err, permanent) || n != 1 {
		t.Fatalf("got n=%d err=%v, want a single attempt", n, err)
	}
}

func TestDoCapsAttempts(t *testing.T) {
	n, err := Do(context.Background(), Policy{Attempts: 3, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond},
		func(context.Context) error { return errors.New("down") })
	if err == nil || n != 3 {
		t.Fatalf("got n=%d err=%v, want 3 attempts and an error", n, err)
	}
}
