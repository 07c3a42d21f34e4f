package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy is a bounded exponential backoff.
type Policy struct {
	Attempts   int // total attempts, including the first
	BackoffMin time.Duration
	BackoffMax time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

// Backoff returns an exponential delay for the given attempt (1-based) with
// up to 50% jitter.
func Backoff(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	exp := min * time.Duration(1<<uint(attempt-1))
	if exp > max || exp <= 0 {
		exp = max
	}
	half := int64(exp) / 2
	if half <= 0 {
		return exp
	}
	return exp - time.Duration(rand.Int63n(half))
}

// Do runs fn until it succeeds, the error is not retryable, attempts run out
// or ctx is done. It returns the last error and the attempts made.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return i, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return i, err
		}
		if i == attempts {
			break
		}
		select {
		case <-time.After(Backoff(p.BackoffMin, p.BackoffMax, i)):
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}
	return attempts, err
}
