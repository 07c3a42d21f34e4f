package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const day = 24 * time.Hour

type bucket struct {
	lim  *rate.Limiter
	last time.Time
}

// Limiter is a set of token buckets keyed by caller, each created on first
// use with the capacity and refill rate of that call.
type Limiter struct {
	mu  sync.Mutex
	m   map[string]*bucket
	now func() time.Time
}

func New() *Limiter { return &Limiter{m: make(map[string]*bucket), now: time.Now} }

// NewWithClock is New with an injected clock.
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{m: make(map[string]*bucket), now: now}
}

func (l *Limiter) get(key string, capacity, refillPerSec float64, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.m[key]
	if !ok {
		burst := int(capacity)
		if burst < 1 {
			burst = 1
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(refillPerSec), burst)}
		// start full
		b.lim.AllowN(now, 0)
		l.m[key] = b
	}
	b.last = now
	return b.lim
}

// Allow returns true if one token can be consumed for key.
func (l *Limiter) Allow(key string, capacity, refillPerSec float64) bool {
	now := l.now()
	return l.get(key, capacity, refillPerSec, now).AllowN(now, 1)
}

// Wait blocks until a token for key is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string, capacity, refillPerSec float64) error {
	return l.get(key, capacity, refillPerSec, l.now()).Wait(ctx)
}

// Prune drops buckets unused for longer than idle.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.m {
		if b.last.Before(cutoff) {
			delete(l.m, k)
			n++
		}
	}
	return n
}

// PerDay converts a daily allowance to bucket parameters.
func PerDay(n int) (capacity, refillPerSec float64) {
	return float64(n), float64(n) / day.Seconds()
}
