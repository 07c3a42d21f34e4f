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

const snapshotKey = "snapshots:universe"

// SnapshotCache keeps the last good universe fetch in a cache.Service.
type SnapshotCache struct {
	c   cache.Service
	ttl time.Duration
}

var _ domrepo.SnapshotCache = (*SnapshotCache)(nil)

func NewSnapshotCache(c cache.Service, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{c: c, ttl: ttl}
}

func (s *SnapshotCache) Store(ctx context.Context, snaps []models.MarketSnapshot) error {
	if err := s.c.Set(ctx, snapshotKey, snaps, s.ttl); err != nil {
		return fmt.Errorf("cache snapshots: %w", err)
	}
	return nil
}

// Load returns models.ErrNotFound when nothing is cached.
func (s *SnapshotCache) Load(ctx context.Context) ([]models.MarketSnapshot, error) {
	var out []models.MarketSnapshot
	if err := s.c.Get(ctx, snapshotKey, &out); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("load cached snapshots: %w", err)
	}
	return out, nil
}
