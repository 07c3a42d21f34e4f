package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyQuota(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(func() time.Time { return now })
	capacity, refill := PerDay(1)

	assert.True(t, l.Allow("free:alice", capacity, refill))
	assert.False(t, l.Allow("free:alice", capacity, refill))
	assert.True(t, l.Allow("free:bob", capacity, refill), "buckets are per key")

	now = now.Add(12 * time.Hour)
	assert.False(t, l.Allow("free:alice", capacity, refill))
	now = now.Add(12*time.Hour + time.Second)
	assert.True(t, l.Allow("free:alice", capacity, refill))
}

func TestPremiumBurst(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(func() time.Time { return now })
	capacity, refill := PerDay(10)
	for i := 0; i < 10; i++ {
		require.True(t, l.Allow("premium:carol", capacity, refill), "pull %d", i)
	}
	assert.False(t, l.Allow("premium:carol", capacity, refill))
}

func TestPrune(t *testing.T) {
	now := time.Now()
	l := NewWithClock(func() time.Time { return now })
	l.Allow("a", 1, 1)
	now = now.Add(time.Hour)
	l.Allow("b", 1, 1)
	assert.Equal(t, 1, l.Prune(30*time.Minute))
}

func TestWaitHonorsContext(t *testing.T) {
	l := New()
	require.True(t, l.Allow("venue", 1, 0.001))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "venue", 1, 0.001))
}
