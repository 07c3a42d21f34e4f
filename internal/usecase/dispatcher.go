package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"PolySignals/internal/domain/models"
	"PolySignals/internal/domain/repository"
	"PolySignals/pkg/logger"
	"PolySignals/pkg/retry"
)

type DispatcherConfig struct {
	PublishRetries int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	PublishTimeout time.Duration
	DrainBatch     int
}

// Dispatcher runs every generated signal through the gate for each tier and
// hands deliveries to the publishers. Delays wait in the queue.
type Dispatcher struct {
	cfg        DispatcherConfig
	gate       *Gate
	publishers []repository.SignalPublisher
	queue      repository.DelayQueue
	status     *Status
	metrics    repository.Metrics
	log        *logger.Logger
	now        func() time.Time

	// freeHistory is optional; without it the free slot resets on restart.
	freeHistory repository.FreeDeliveryStore
}

func NewDispatcher(cfg DispatcherConfig, gate *Gate, queue repository.DelayQueue, status *Status,
	m repository.Metrics, l *logger.Logger, publishers ...repository.SignalPublisher) *Dispatcher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = 100
	}
	return &Dispatcher{
		cfg:        cfg,
		gate:       gate,
		publishers: publishers,
		queue:      queue,
		status:     status,
		metrics:    m,
		log:        l,
		now:        time.Now,
	}
}

// UseFreeHistory persists every free delivery to store.
func (d *Dispatcher) UseFreeHistory(store repository.FreeDeliveryStore) {
	d.freeHistory = store
}

// Dispatch admits sig and evaluates it for every tier.
func (d *Dispatcher) Dispatch(ctx context.Context, sig models.Signal) error {
	now := d.now()
	if err := d.gate.Admit(sig, now); err != nil {
		d.metrics.RecordError(string(models.KindIntegrityViolation))
		return err
	}
	var errs []error
	for _, tier := range models.Tiers {
		if err := d.release(ctx, sig, tier, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Drain re-releases queued signals whose delay has elapsed.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	now := d.now()
	items, err := d.queue.PopDue(ctx, now, d.cfg.DrainBatch)
	if err != nil {
		d.status.Degrade("delay_queue", err.Error())
		return 0, models.NewError(models.KindTransientIO, "dispatcher.drain", "", err)
	}
	d.status.Recover("delay_queue")
	var errs []error
	for _, it := range items {
		d.gate.Unqueue(it.Signal.ID, it.Tier)
		if err := d.release(ctx, it.Signal, it.Tier, now); err != nil {
			errs = append(errs, err)
		}
	}
	return len(items), errors.Join(errs...)
}

// Run drains the delay queue every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := d.Drain(ctx); err != nil {
				d.log.Warn("dispatcher.drain failed", logger.Error(err))
			}
		}
	}
}

func (d *Dispatcher) release(ctx context.Context, sig models.Signal, tier models.Tier, now time.Time) error {
	dec, err := d.gate.Release(sig, tier, now)
	if err != nil {
		d.metrics.RecordError(kindLabel(err))
		d.log.Error("gate.release rejected", logger.String("signal_id", sig.ID), logger.String("tier", string(tier)), logger.Error(err))
		return err
	}
	d.metrics.RecordDelivery(string(tier), string(dec.Action))

	switch dec.Action {
	case ActionDeliver:
		if err := d.publish(ctx, sig, tier); err != nil {
			d.gate.Revoke(sig.ID, tier)
			return err
		}
		if tier == models.TierFree && d.freeHistory != nil {
			if err := d.freeHistory.SaveFree(ctx, sig.ID, now); err != nil {
				d.log.Warn("free delivery not persisted", logger.String("signal_id", sig.ID), logger.Error(err))
			}
		}
		d.log.Debug("gate.release delivered", logger.String("signal_id", sig.ID), logger.String("tier", string(tier)))
	case ActionDelay:
		if dec.Queued {
			return nil
		}
		if err := d.queue.Push(ctx, repository.DelayedRelease{Signal: sig, Tier: tier, NotBefore: dec.NotBefore}); err != nil {
			d.gate.Unqueue(sig.ID, tier)
			d.status.Degrade("delay_queue", err.Error())
			return models.NewError(models.KindTransientIO, "dispatcher.delay", sig.MarketID, err)
		}
	case ActionWithhold:
		if dec.Candidate != nil && tier == models.TierFree {
			return d.release(ctx, *dec.Candidate, tier, now)
		}
	}
	return nil
}

// publish hands sig to every publisher, retrying transient failures.
func (d *Dispatcher) publish(ctx context.Context, sig models.Signal, tier models.Tier) error {
	policy := retry.Policy{
		Attempts:   d.cfg.PublishRetries,
		BackoffMin: d.cfg.BackoffMin,
		BackoffMax: d.cfg.BackoffMax,
	}
	for _, p := range d.publishers {
		start := time.Now()
		_, err := retry.Do(ctx, policy, func(ctx context.Context) error {
			pctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
			defer cancel()
			return p.Publish(pctx, sig, tier)
		})
		d.metrics.RecordLatency("marketplace.publish", time.Since(start).Seconds())
		if err != nil {
			d.status.Degrade("marketplace", err.Error())
			d.metrics.RecordError(string(models.KindTransientIO))
			d.log.Warn("marketplace.publish failed", logger.String("signal_id", sig.ID), logger.String("tier", string(tier)), logger.Error(err))
			return models.NewError(models.KindTransientIO, "dispatcher.publish", sig.MarketID, err)
		}
	}
	d.status.Recover("marketplace")
	return nil
}

func kindLabel(err error) string {
	if k, ok := models.KindOf(err); ok {
		return string(k)
	}
	return "unknown"
}

// FeedItem is one delivered signal.
type FeedItem struct {
	Signal      models.Signal
	DeliveredAt time.Time
}

// Feed keeps the most recent deliveries per tier for pull subscribers.
type Feed struct {
	mu    sync.RWMutex
	size  int
	items map[models.Tier][]FeedItem
	now   func() time.Time
}

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 100
	}
	return &Feed{size: size, items: map[models.Tier][]FeedItem{}, now: time.Now}
}

func (f *Feed) Publish(_ context.Context, sig models.Signal, tier models.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := append(f.items[tier], FeedItem{Signal: sig, DeliveredAt: f.now()})
	if len(list) > f.size {
		list = list[len(list)-f.size:]
	}
	f.items[tier] = list
	return nil
}

func (f *Feed) Close() error { return nil }

// Latest returns up to n deliveries for tier, newest first. Expired signals
// are skipped.
func (f *Feed) Latest(tier models.Tier, n int) []models.Signal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	now := f.now()
	list := f.items[tier]
	out := make([]models.Signal, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		if list[i].Signal.Expired(now) {
			continue
		}
		out = append(out, list[i].Signal)
	}
	return out
}
