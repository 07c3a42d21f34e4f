package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolySignals/internal/domain/models"
	domrepo "PolySignals/internal/domain/repository"
	"PolySignals/internal/repository"
	"PolySignals/pkg/cache"
	"PolySignals/pkg/logger"
	"PolySignals/pkg/metrics"
	"PolySignals/pkg/queue"
)

func gateConfig() GateConfig {
	return GateConfig{
		SuppressionFloor: 0.5,
		PremiumFloor:     0.6,
		PremiumLatency:   5 * time.Minute,
		FreeLatency:      time.Hour,
		FreeWindow:       24 * time.Hour,
	}
}

func gateSignal(id string, conf float64, generated time.Time) models.Signal {
	return models.Signal{
		ID:          id,
		MarketID:    "m-" + id,
		Direction:   models.DirectionBuy,
		Confidence:  conf,
		EntryPrice:  0.5,
		GeneratedAt: generated,
		ExpiresAt:   generated.Add(72 * time.Hour),
	}
}

func TestGateTierLatencies(t *testing.T) {
	g, err := NewGate(gateConfig())
	require.NoError(t, err)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sig := gateSignal("a", 0.7, t0)

	dec, err := g.Release(sig, models.TierPro, t0)
	require.NoError(t, err)
	assert.Equal(t, ActionDeliver, dec.Action)

	dec, err = g.Release(sig, models.TierPremium, t0)
	require.NoError(t, err)
	assert.Equal(t, ActionDelay, dec.Action)
	assert.Equal(t, t0.Add(5*time.Minute), dec.NotBefore)

	dec, err = g.Release(sig, models.TierFree, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ActionDelay, dec.Action)
	assert.Equal(t, t0.Add(time.Hour), dec.NotBefore)

	dec, _ = g.Release(sig, models.TierPremium, t0.Add(5*time.Minute))
	assert.Equal(t, ActionDeliver, dec.Action)
	dec, _ = g.Release(sig, models.TierFree, t0.Add(time.Hour))
	assert.Equal(t, ActionDeliver, dec.Action)

	pro, _ := g.Delivered("a", models.TierPro)
	premium, _ := g.Delivered("a", models.TierPremium)
	free, _ := g.Delivered("a", models.TierFree)
	assert.True(t, !pro.After(premium) && !premium.After(free), "pro <= premium <= free")

	dec, _ = g.Release(sig, models.TierPro, t0.Add(2*time.Hour))
	assert.Equal(t, ActionWithhold, dec.Action, "delivered once per tier")
}

func TestGateFreeWindow(t *testing.T) {
	g, err := NewGate(gateConfig())
	require.NoError(t, err)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := gateSignal("first", 0.7, t0)
	dec, err := g.Release(first, models.TierFree, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, ActionDelay, dec.Action, "latency counts from admission")
	dec, _ = g.Release(first, models.TierFree, dec.NotBefore)
	require.Equal(t, ActionDeliver, dec.Action)
	deliveredAt := t0.Add(3 * time.Hour)

	second := gateSignal("second", 0.65, t0.Add(4*time.Hour))
	dec, err = g.Release(second, models.TierFree, t0.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ActionWithhold, dec.Action)
	assert.Contains(t, dec.Reason, "free window used")

	third := gateSignal("third", 0.7, deliveredAt.Add(23*time.Hour))
	_, _ = g.Release(third, models.TierFree, deliveredAt.Add(23*time.Hour))
	dec, _ = g.Release(third, models.TierFree, deliveredAt.Add(24*time.Hour))
	assert.Equal(t, ActionDeliver, dec.Action, "window reopens after 24h")
}

func TestGatePremiumFloorAndExpiry(t *testing.T) {
	g, err := NewGate(gateConfig())
	require.NoError(t, err)
	t0 := time.Now()

	weak := gateSignal("weak", 0.55, t0)
	dec, err := g.Release(weak, models.TierPremium, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ActionWithhold, dec.Action)
	assert.Equal(t, "below premium floor", dec.Reason)

	dec, _ = g.Release(weak, models.TierPro, t0.Add(time.Hour))
	assert.Equal(t, ActionDeliver, dec.Action)

	old := gateSignal("old", 0.8, t0)
	old.ExpiresAt = t0.Add(30 * time.Minute)
	dec, _ = g.Release(old, models.TierFree, t0.Add(time.Hour))
	assert.Equal(t, ActionWithhold, dec.Action)
	assert.Equal(t, "expired", dec.Reason)

	_, err = g.Release(gateSignal("suppressed", 0.3, t0), models.TierPro, t0)
	assert.True(t, models.IsKind(err, models.KindIntegrityViolation))

	_, err = g.Release(weak, models.Tier("vip"), t0)
	assert.Error(t, err)
}

func TestGateRejectsChangedContent(t *testing.T) {
	g, err := NewGate(gateConfig())
	require.NoError(t, err)
	t0 := time.Now()
	sig := gateSignal("a", 0.7, t0)
	require.NoError(t, g.Admit(sig, t0))
	require.NoError(t, g.Admit(sig, t0.Add(time.Second)), "same content is idempotent")

	sig.Confidence = 0.9
	err = g.Admit(sig, t0)
	assert.True(t, models.IsKind(err, models.KindIntegrityViolation))
}

func TestGateFreeSelectsBestCandidate(t *testing.T) {
	g, err := NewGate(gateConfig())
	require.NoError(t, err)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	low := gateSignal("low", 0.6, t0)
	high := gateSignal("high", 0.9, t0.Add(time.Minute))
	require.NoError(t, g.Admit(low, t0))
	require.NoError(t, g.Admit(high, t0.Add(time.Minute)))

	dec, err := g.Release(low, models.TierFree, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ActionWithhold, dec.Action)
	require.NotNil(t, dec.Candidate)
	assert.Equal(t, "high", dec.Candidate.ID)

	dec, _ = g.Release(*dec.Candidate, models.TierFree, t0.Add(2*time.Hour))
	assert.Equal(t, ActionDeliver, dec.Action)
}

func TestGateConcurrentFreeRelease(t *testing.T) {
	g, err := NewGate(gateConfig())
	require.NoError(t, err)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := t0.Add(2 * time.Hour)

	sigs := make([]models.Signal, 20)
	for i := range sigs {
		sigs[i] = gateSignal(fmt.Sprintf("s%02d", i), 0.6+float64(i)/100, t0)
		require.NoError(t, g.Admit(sigs[i], t0))
	}

	var delivered int32
	var wg sync.WaitGroup
	for _, s := range sigs {
		wg.Add(1)
		go func(s models.Signal) {
			defer wg.Done()
			dec, err := g.Release(s, models.TierFree, now)
			assert.NoError(t, err)
			if dec.Action == ActionDeliver {
				atomic.AddInt32(&delivered, 1)
			}
		}(s)
	}
	wg.Wait()
	assert.Equal(t, int32(1), delivered)

	_, ok := g.Delivered("s19", models.TierFree)
	assert.True(t, ok, "highest confidence wins the free slot")
}

func TestGateRevokeFreesSlot(t *testing.T) {
	g, err := NewGate(gateConfig())
	require.NoError(t, err)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := t0.Add(2 * time.Hour)
	sig := gateSignal("a", 0.7, t0)
	require.NoError(t, g.Admit(sig, t0))

	dec, _ := g.Release(sig, models.TierFree, now)
	require.Equal(t, ActionDeliver, dec.Action)
	g.Revoke("a", models.TierFree)
	_, ok := g.Delivered("a", models.TierFree)
	assert.False(t, ok)

	dec, _ = g.Release(sig, models.TierFree, now)
	assert.Equal(t, ActionDeliver, dec.Action)
}

func TestGateConfigValidate(t *testing.T) {
	cfg := gateConfig()
	cfg.FreeLatency = time.Minute
	_, err := NewGate(cfg)
	assert.True(t, models.IsKind(err, models.KindConfiguration))

	cfg = gateConfig()
	cfg.PremiumFloor = 0.4
	assert.Error(t, cfg.Validate())
}

type flakyPublisher struct {
	mu    sync.Mutex
	fail  bool
	calls int
	got   []string
}

func (p *flakyPublisher) Publish(_ context.Context, sig models.Signal, tier models.Tier) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, string(tier)+":"+sig.ID)
	return nil
}

func (p *flakyPublisher) Close() error { return nil }

func newTestDispatcher(t *testing.T, pubs ...domrepo.SignalPublisher) (*Dispatcher, *Gate, *Status, *repository.DelayQueue) {
	t.Helper()
	g, err := NewGate(gateConfig())
	require.NoError(t, err)
	status := NewStatus(models.ModeSignals, metrics.Nop{})
	q := repository.NewDelayQueue(queue.NewMemoryDelayQueue())
	cfg := DispatcherConfig{PublishRetries: 2, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond}
	d := NewDispatcher(cfg, g, q, status, metrics.Nop{}, logger.NewNop(), pubs...)
	return d, g, status, q
}

func TestDispatcherDeliversThroughDelays(t *testing.T) {
	feed := NewFeed(10)
	d, _, _, q := newTestDispatcher(t, feed)
	t0 := time.Now().Truncate(time.Second)
	clock := t0
	d.now = func() time.Time { return clock }

	sig := gateSignal("a", 0.7, t0)
	require.NoError(t, d.Dispatch(context.Background(), sig))
	assert.Len(t, feed.Latest(models.TierPro, 5), 1)
	assert.Empty(t, feed.Latest(models.TierPremium, 5))
	n, _ := q.Len(context.Background())
	assert.Equal(t, 2, n)

	clock = t0.Add(5 * time.Minute)
	drained, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, drained)
	assert.Len(t, feed.Latest(models.TierPremium, 5), 1)
	assert.Empty(t, feed.Latest(models.TierFree, 5))

	clock = t0.Add(time.Hour)
	drained, err = d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, drained)
	free := feed.Latest(models.TierFree, 5)
	require.Len(t, free, 1)
	assert.Equal(t, "a", free[0].ID)
}

func TestDispatcherPublishFailureRevokes(t *testing.T) {
	pub := &flakyPublisher{fail: true}
	d, g, status, _ := newTestDispatcher(t, pub)

	sig := gateSignal("a", 0.7, time.Now())
	err := d.Dispatch(context.Background(), sig)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindTransientIO))
	assert.Equal(t, 2, pub.calls, "retried before giving up")

	_, delivered := g.Delivered("a", models.TierPro)
	assert.False(t, delivered, "failed publish is not a delivery")
	assert.Equal(t, models.HealthDegraded, status.State())
	assert.Contains(t, status.Snapshot().Degraded, "marketplace")

	pub.fail = false
	require.NoError(t, d.Dispatch(context.Background(), sig))
	_, delivered = g.Delivered("a", models.TierPro)
	assert.True(t, delivered)
	assert.Equal(t, models.HealthOK, status.State())
}

func TestDispatcherRedirectsFreeSlot(t *testing.T) {
	pub := &flakyPublisher{}
	d, g, _, _ := newTestDispatcher(t, pub)
	t0 := time.Now().Add(-3 * time.Hour)
	clock := t0
	d.now = func() time.Time { return clock }

	high := gateSignal("high", 0.9, t0)
	low := gateSignal("low", 0.6, t0)
	require.NoError(t, g.Admit(high, t0))

	clock = t0.Add(2 * time.Hour)
	require.NoError(t, d.release(context.Background(), low, models.TierFree, clock))
	_, ok := g.Delivered("high", models.TierFree)
	assert.True(t, ok)
	_, ok = g.Delivered("low", models.TierFree)
	assert.False(t, ok)
	assert.Contains(t, pub.got, "free:high")
}

func TestFeedLatestSkipsExpired(t *testing.T) {
	f := NewFeed(2)
	now := time.Now()
	ctx := context.Background()
	stale := gateSignal("stale", 0.7, now.Add(-100*time.Hour))
	require.NoError(t, f.Publish(ctx, stale, models.TierPro))
	require.NoError(t, f.Publish(ctx, gateSignal("a", 0.7, now), models.TierPro))
	require.NoError(t, f.Publish(ctx, gateSignal("b", 0.7, now), models.TierPro))

	got := f.Latest(models.TierPro, 5)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
}

func TestGateSupersededSignalYieldsToCorrection(t *testing.T) {
	g, err := NewGate(gateConfig())
	require.NoError(t, err)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	orig := gateSignal("a", 0.8, t0)
	require.NoError(t, g.Admit(orig, t0))

	fix := gateSignal("b", 0.7, t0.Add(time.Minute))
	fix.MarketID = orig.MarketID
	fix.Supersedes = orig.ID
	require.NoError(t, g.Admit(fix, t0.Add(time.Minute)))

	dec, err := g.Release(orig, models.TierPro, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ActionWithhold, dec.Action)
	assert.Equal(t, "superseded by b", dec.Reason)

	dec, err = g.Release(fix, models.TierFree, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ActionDeliver, dec.Action, "the replaced signal no longer outranks its correction")
}

func TestGateColdStartSignalStaysPro(t *testing.T) {
	g, err := NewGate(gateConfig())
	require.NoError(t, err)
	t0 := time.Now().Add(-3 * time.Hour)

	// Cold-start confidence sits between the suppression and premium floors.
	cold := gateSignal("cold", 0.55, t0)
	dec, err := g.Release(cold, models.TierPro, t0)
	require.NoError(t, err)
	assert.Equal(t, ActionDeliver, dec.Action)

	now := t0.Add(2 * time.Hour)
	dec, _ = g.Release(cold, models.TierPremium, now)
	assert.Equal(t, ActionWithhold, dec.Action)
	dec, _ = g.Release(cold, models.TierFree, now)
	assert.Equal(t, ActionWithhold, dec.Action)
	assert.Equal(t, "below premium floor", dec.Reason)

	// It also leaves the free slot open for an eligible signal.
	ok := gateSignal("ok", 0.6, t0.Add(time.Minute))
	require.NoError(t, g.Admit(ok, t0.Add(time.Minute)))
	dec, _ = g.Release(ok, models.TierFree, now)
	assert.Equal(t, ActionDeliver, dec.Action)
}

func TestDispatcherQueuesOutrankingCandidateOnce(t *testing.T) {
	feed := NewFeed(10)
	d, g, _, q := newTestDispatcher(t, feed)
	t0 := time.Now().Truncate(time.Second)
	clock := t0.Add(10 * time.Minute)
	d.now = func() time.Time { return clock }
	ctx := context.Background()

	high := gateSignal("high", 0.9, t0)
	require.NoError(t, g.Admit(high, t0))
	for _, id := range []string{"low1", "low2"} {
		low := gateSignal(id, 0.6, t0.Add(-2*time.Hour))
		require.NoError(t, g.Admit(low, t0.Add(-2*time.Hour)))
		require.NoError(t, d.release(ctx, low, models.TierFree, clock))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one queued release for the shared candidate")

	clock = t0.Add(time.Hour)
	drained, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained)
	free := feed.Latest(models.TierFree, 5)
	require.Len(t, free, 1)
	assert.Equal(t, "high", free[0].ID)
	n, _ = q.Len(ctx)
	assert.Zero(t, n)
}

func TestDispatcherFreeSlotSurvivesRestart(t *testing.T) {
	mc := cache.NewMemoryCache()
	defer mc.Close()
	store := repository.NewFreeDeliveryCache(mc, 24*time.Hour)
	ctx := context.Background()
	t0 := time.Now().Add(-3 * time.Hour).Truncate(time.Second)

	d, g0, _, _ := newTestDispatcher(t, NewFeed(10))
	d.UseFreeHistory(store)
	first := gateSignal("first", 0.7, t0)
	require.NoError(t, g0.Admit(first, t0))
	require.NoError(t, d.release(ctx, first, models.TierFree, t0.Add(time.Hour)))

	id, at, err := store.LastFree(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", id)
	assert.True(t, at.Equal(t0.Add(time.Hour)))

	// A fresh gate seeded from the store keeps the slot closed.
	g, err := NewGate(gateConfig())
	require.NoError(t, err)
	g.RestoreFree(id, at)
	second := gateSignal("second", 0.8, t0.Add(time.Hour))
	dec, err := g.Release(second, models.TierFree, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ActionWithhold, dec.Action)
	assert.Equal(t, "free window used by first", dec.Reason)

	dec, _ = g.Release(first, models.TierFree, t0.Add(2*time.Hour))
	assert.Equal(t, ActionWithhold, dec.Action, "restored delivery is not repeated")
}
