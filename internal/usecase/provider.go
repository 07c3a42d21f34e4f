package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PolySignals/internal/domain/models"
	"PolySignals/internal/domain/repository"
	"PolySignals/internal/services/features"
	"PolySignals/pkg/logger"
)

type ProviderConfig struct {
	// Universe pins the markets to scan. Empty means the venue's top Limit
	// markets by volume.
	Universe     []string
	Limit        int
	Workers      int
	FetchTimeout time.Duration
}

// SnapshotProvider fetches the scan universe, falls back to the last good
// fetch when the venue is unreachable and enriches snapshots from history.
type SnapshotProvider struct {
	cfg     ProviderConfig
	venue   repository.Venue
	cache   repository.SnapshotCache
	history *features.History
	status  *Status
	metrics repository.Metrics
	log     *logger.Logger
}

// NewSnapshotProvider builds a provider. cache may be nil.
func NewSnapshotProvider(cfg ProviderConfig, venue repository.Venue, cache repository.SnapshotCache,
	history *features.History, status *Status, m repository.Metrics, l *logger.Logger) *SnapshotProvider {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &SnapshotProvider{cfg: cfg, venue: venue, cache: cache, history: history, status: status, metrics: m, log: l}
}

// Fetch returns this cycle's snapshots. Markets that fail individually are
// skipped for this cycle. If nothing could be fetched the cached universe is
// returned marked stale and the status is degraded.
func (p *SnapshotProvider) Fetch(ctx context.Context) ([]models.MarketSnapshot, error) {
	start := time.Now()
	snaps, skipped, err := p.fetch(ctx)
	p.metrics.RecordLatency("venue.fetch", time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return p.fallback(ctx, err)
	}

	if skipped > 0 {
		p.status.Degrade("venue", fmt.Sprintf("%d markets skipped this cycle", skipped))
	} else {
		p.status.Recover("venue")
	}
	if p.cache != nil {
		if err := p.cache.Store(ctx, snaps); err != nil {
			p.log.Warn("provider.fetch cache_store_failed", logger.Error(err))
		}
	}
	return p.enrich(snaps), nil
}

func (p *SnapshotProvider) fetch(ctx context.Context) ([]models.MarketSnapshot, int, error) {
	if len(p.cfg.Universe) == 0 {
		fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
		snaps, err := p.venue.Markets(fctx, p.cfg.Limit)
		if err != nil {
			return nil, 0, err
		}
		return snaps, 0, nil
	}

	ids := p.cfg.Universe
	results := make([]models.MarketSnapshot, len(ids))
	errs := make([]error, len(ids))
	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()

			fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
			defer cancel()
			results[i], errs[i] = p.venue.Snapshot(fctx, id)
		}(i, id)
	}
	wg.Wait()

	out := make([]models.MarketSnapshot, 0, len(ids))
	var failed []error
	for i, err := range errs {
		if err != nil {
			p.metrics.RecordError(kindLabel(err))
			p.log.Warn("provider.fetch market_skipped", logger.String("market_id", ids[i]), logger.Error(err))
			failed = append(failed, err)
			continue
		}
		out = append(out, results[i])
	}
	if len(out) == 0 {
		return nil, len(failed), errors.Join(failed...)
	}
	return out, len(failed), nil
}

func (p *SnapshotProvider) fallback(ctx context.Context, cause error) ([]models.MarketSnapshot, error) {
	const op = "provider.fetch"
	p.metrics.RecordError(string(models.KindTransientIO))
	if p.cache == nil {
		p.status.Degrade("venue", cause.Error())
		return nil, models.NewError(models.KindTransientIO, op, "", cause)
	}
	cached, err := p.cache.Load(ctx)
	if err != nil || len(cached) == 0 {
		p.status.Degrade("venue", cause.Error())
		return nil, models.NewError(models.KindTransientIO, op, "", cause)
	}
	for i := range cached {
		cached[i].Stale = true
	}
	p.status.Degrade("venue", "serving cached snapshots: "+cause.Error())
	p.log.Warn("provider.fetch stale_fallback", logger.Int("markets", len(cached)), logger.Error(cause))
	return p.enrich(cached), nil
}

func (p *SnapshotProvider) enrich(snaps []models.MarketSnapshot) []models.MarketSnapshot {
	if p.history == nil {
		return snaps
	}
	for i := range snaps {
		snaps[i] = p.history.Enrich(snaps[i])
	}
	return snaps
}
