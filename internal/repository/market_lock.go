package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	domrepo "PolySignals/internal/domain/repository"
	"PolySignals/pkg/cache"
	applogger "PolySignals/pkg/logger"
)

// CacheMarketLocker is a lease lock per market in a shared cache, so two
// engine processes never trade the same market at once.
type CacheMarketLocker struct {
	c     cache.Service
	ttl   time.Duration
	retry time.Duration
	log   *applogger.Logger
}

var _ domrepo.MarketLocker = (*CacheMarketLocker)(nil)

func NewCacheMarketLocker(c cache.Service, ttl time.Duration, l *applogger.Logger) *CacheMarketLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CacheMarketLocker{c: c, ttl: ttl, retry: 50 * time.Millisecond, log: l}
}

// Lock polls until the lease is taken or ctx is done.
func (m *CacheMarketLocker) Lock(ctx context.Context, marketID string) (func(), error) {
	key := cache.GenerateKey("lock:market", marketID)
	token := uuid.NewString()
	for {
		ok, err := m.c.TryLock(ctx, key, token, m.ttl)
		if err != nil {
			return nil, fmt.Errorf("market lock %s: %w", marketID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retry):
		}
	}
	return func() {
		// release must not inherit a cancelled cycle context
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := m.c.Unlock(uctx, key, token); err != nil {
			m.log.Warn("market_lock unlock error", applogger.String("market_id", marketID), applogger.Error(err))
		}
	}, nil
}
