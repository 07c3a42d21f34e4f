package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PolySignals/internal/domain/models"
	domrepo "PolySignals/internal/domain/repository"
	"PolySignals/pkg/cache"
)

var freeDeliveryKey = cache.GenerateKey("gate", "last_free")

type freeDelivery struct {
	SignalID    string    `json:"signal_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// FreeDeliveryCache records the last free-tier delivery in a cache.Service.
// The entry lives for one free window; after that the slot is open anyway.
type FreeDeliveryCache struct {
	c   cache.Service
	ttl time.Duration
}

var _ domrepo.FreeDeliveryStore = (*FreeDeliveryCache)(nil)

func NewFreeDeliveryCache(c cache.Service, window time.Duration) *FreeDeliveryCache {
	return &FreeDeliveryCache{c: c, ttl: window}
}

func (f *FreeDeliveryCache) SaveFree(ctx context.Context, signalID string, at time.Time) error {
	if err := f.c.Set(ctx, freeDeliveryKey, freeDelivery{SignalID: signalID, DeliveredAt: at}, f.ttl); err != nil {
		return fmt.Errorf("cache free delivery: %w", err)
	}
	return nil
}

func (f *FreeDeliveryCache) LastFree(ctx context.Context) (string, time.Time, error) {
	var rec freeDelivery
	if err := f.c.Get(ctx, freeDeliveryKey, &rec); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return "", time.Time{}, models.ErrNotFound
		}
		return "", time.Time{}, fmt.Errorf("load free delivery: %w", err)
	}
	return rec.SignalID, rec.DeliveredAt, nil
}
