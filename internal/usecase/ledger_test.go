package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolySignals/internal/domain/models"
	"PolySignals/internal/repository"
	"PolySignals/pkg/logger"
	"PolySignals/pkg/metrics"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock(t time.Time) *stepClock { return &stepClock{t: t} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingStore struct {
	*repository.MemoryLedgerStore
	fail bool
}

func (f *failingStore) Append(ctx context.Context, e models.LedgerEntry) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryLedgerStore.Append(ctx, e)
}

func newTestLedger(t *testing.T, clock *stepClock) (*Ledger, *repository.MemoryLedgerStore) {
	t.Helper()
	store := repository.NewMemoryLedgerStore()
	l, err := NewLedger(context.Background(), store, metrics.Nop{}, logger.NewNop(), WithLedgerClock(clock.Now))
	require.NoError(t, err)
	return l, store
}

func ret(v float64) *float64 { return &v }

func TestLedgerRecordAndAggregate(t *testing.T) {
	clock := newStepClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l, store := newTestLedger(t, clock)
	ctx := context.Background()

	outcomes := []models.Outcome{models.OutcomeCorrect, models.OutcomeCorrect, models.OutcomeIncorrect, models.OutcomeUnresolved}
	for i, o := range outcomes {
		rec := OutcomeRecord{SignalID: fmt.Sprintf("s%d", i), MarketID: "m", Outcome: o, Score: 50}
		if o != models.OutcomeUnresolved {
			rec.RealizedReturn = ret(float64(i) / 10)
		}
		e, err := l.Record(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	tr, err := l.Aggregate(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, tr.SampleCount)
	assert.Equal(t, 1, tr.Unresolved)
	assert.Equal(t, 4, tr.TotalSignals)
	assert.InDelta(t, 2.0/3.0, tr.AccuracyRate, 1e-12)
	assert.InDelta(t, 0.1, tr.AverageReturn, 1e-12)

	// incremental aggregate equals a recompute from storage
	all, err := store.All(ctx)
	require.NoError(t, err)
	var recomputed models.Stats
	for _, e := range models.Effective(all) {
		recomputed = recomputed.Add(e)
	}
	assert.Equal(t, recomputed, l.Stats())

	windowed, err := l.Aggregate(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "1d", windowed.Window)
	assert.Equal(t, tr.SampleCount, windowed.SampleCount)
	assert.InDelta(t, tr.AccuracyRate, windowed.AccuracyRate, 1e-12)
}

func TestLedgerWindowExcludesOldEntries(t *testing.T) {
	clock := newStepClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l, _ := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.Record(ctx, OutcomeRecord{SignalID: "old", MarketID: "m", Outcome: models.OutcomeIncorrect})
	require.NoError(t, err)
	clock.Advance(40 * 24 * time.Hour)
	_, err = l.Record(ctx, OutcomeRecord{SignalID: "new", MarketID: "m", Outcome: models.OutcomeCorrect})
	require.NoError(t, err)

	tr, err := l.Aggregate(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.SampleCount)
	assert.Equal(t, 1.0, tr.AccuracyRate)
	assert.Equal(t, "30d", tr.Window)
}

func TestLedgerRejectsDuplicate(t *testing.T) {
	l, store := newTestLedger(t, newStepClock(time.Now()))
	ctx := context.Background()

	_, err := l.Record(ctx, OutcomeRecord{SignalID: "s1", MarketID: "m", Outcome: models.OutcomeCorrect})
	require.NoError(t, err)
	_, err = l.Record(ctx, OutcomeRecord{SignalID: "s1", MarketID: "m", Outcome: models.OutcomeIncorrect})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindIntegrityViolation))

	all, _ := store.All(ctx)
	assert.Len(t, all, 1)
}

func TestLedgerCorrectionSupersedes(t *testing.T) {
	l, store := newTestLedger(t, newStepClock(time.Now()))
	ctx := context.Background()

	first, err := l.Record(ctx, OutcomeRecord{SignalID: "s1", MarketID: "m", Outcome: models.OutcomeIncorrect, RealizedReturn: ret(-0.1)})
	require.NoError(t, err)
	fix, err := l.Correct(ctx, first.Seq, models.OutcomeCorrect, ret(0.2))
	require.NoError(t, err)
	assert.Equal(t, first.Seq, fix.Corrects)
	assert.Equal(t, first.Hash, fix.PrevHash)

	s := l.Stats()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Correct)
	assert.InDelta(t, 0.2, s.AverageReturn(), 1e-12)

	all, _ := store.All(ctx)
	assert.Len(t, all, 2, "original entry stays in the chain")
	require.NoError(t, l.Verify(ctx))

	_, err = l.Correct(ctx, 99, models.OutcomeCorrect, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLedgerVerifyDetectsTampering(t *testing.T) {
	clock := newStepClock(time.Now())
	l, store := newTestLedger(t, clock)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Record(ctx, OutcomeRecord{SignalID: fmt.Sprintf("s%d", i), MarketID: "m", Outcome: models.OutcomeIncorrect})
		require.NoError(t, err)
	}
	require.NoError(t, l.Verify(ctx))

	entries, _ := store.All(ctx)
	entries[1].Outcome = models.OutcomeCorrect
	tampered := repository.NewMemoryLedgerStore()
	for _, e := range entries {
		require.NoError(t, tampered.Append(ctx, e))
	}

	_, err := NewLedger(ctx, tampered, metrics.Nop{}, logger.NewNop())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindIntegrityViolation))
	assert.Contains(t, err.Error(), "seq 2")
}

func TestLedgerReloadRestoresState(t *testing.T) {
	clock := newStepClock(time.Now())
	l, store := newTestLedger(t, clock)
	ctx := context.Background()
	_, err := l.Record(ctx, OutcomeRecord{SignalID: "s1", MarketID: "m", Outcome: models.OutcomeCorrect})
	require.NoError(t, err)

	reloaded, err := NewLedger(ctx, store, metrics.Nop{}, logger.NewNop(), WithLedgerClock(clock.Now))
	require.NoError(t, err)
	assert.Equal(t, l.Stats(), reloaded.Stats())
	assert.True(t, reloaded.Recorded("s1"))

	e, err := reloaded.Record(ctx, OutcomeRecord{SignalID: "s2", MarketID: "m", Outcome: models.OutcomeCorrect})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Seq)
	require.NoError(t, reloaded.Verify(ctx))
}

func TestLedgerFailedAppendLeavesStateUntouched(t *testing.T) {
	store := &failingStore{MemoryLedgerStore: repository.NewMemoryLedgerStore()}
	l, err := NewLedger(context.Background(), store, metrics.Nop{}, logger.NewNop())
	require.NoError(t, err)

	var seen int
	l.OnAppend(func(models.LedgerEntry) { seen++ })

	store.fail = true
	_, err = l.Record(context.Background(), OutcomeRecord{SignalID: "s1", MarketID: "m", Outcome: models.OutcomeCorrect})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindTransientIO))
	assert.False(t, l.Recorded("s1"))
	assert.Zero(t, l.Stats().Total)
	assert.Zero(t, seen)

	store.fail = false
	_, err = l.Record(context.Background(), OutcomeRecord{SignalID: "s1", MarketID: "m", Outcome: models.OutcomeCorrect})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestLedgerListenersSeeAcknowledgedEntries(t *testing.T) {
	clock := newStepClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l, _ := newTestLedger(t, clock)

	var order []string
	var got []models.LedgerEntry
	l.OnAppend(func(e models.LedgerEntry) {
		order = append(order, "first")
		got = append(got, e)
	})
	l.OnAppend(func(models.LedgerEntry) { order = append(order, "second") })

	e, err := l.Record(context.Background(), OutcomeRecord{SignalID: "s1", MarketID: "m", Outcome: models.OutcomeCorrect})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
	require.Len(t, got, 1)
	assert.Equal(t, e, got[0])
	assert.True(t, l.Recorded("s1"), "listeners run after the entry is applied")
}

func TestParseWindow(t *testing.T) {
	cases := map[string]time.Duration{
		"30d": 30 * 24 * time.Hour,
		"12h": 12 * time.Hour,
		"all": 0,
		"":    0,
	}
	for in, want := range cases {
		got, err := ParseWindow(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"-3d", "xd", "soon", "0h"} {
		_, err := ParseWindow(bad)
		assert.Error(t, err, bad)
	}
}

func newTestTracker(t *testing.T, clock *stepClock, opts ...TrackerOption) (*Tracker, *Ledger) {
	t.Helper()
	l, _ := newTestLedger(t, clock)
	cfg := TrackerConfig{SuppressionFloor: 0.5, MinMove: 0.02, ResolveGrace: time.Hour}
	return NewTracker(cfg, l, logger.NewNop(), append([]TrackerOption{WithTrackerClock(clock.Now)}, opts...)...), l
}

func trackedSignal(id string, dir models.Direction, entry float64, expires time.Time) models.Signal {
	return models.Signal{ID: id, MarketID: "m-" + id, Direction: dir, Confidence: 0.6, Score: 40, EntryPrice: entry, ExpiresAt: expires}
}

func TestTrackerRefusesSuppressed(t *testing.T) {
	tr, l := newTestTracker(t, newStepClock(time.Now()))
	sig := trackedSignal("low", models.DirectionBuy, 0.5, time.Now())
	sig.Confidence = 0.49
	err := tr.Track(sig)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindIntegrityViolation))
	assert.Zero(t, tr.Pending())
	assert.Zero(t, l.Stats().Total)
}

func TestTrackerResolvesAtExpiry(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := newStepClock(start)
	tr, l := newTestTracker(t, clock)
	expiry := start.Add(time.Hour)

	require.NoError(t, tr.Track(trackedSignal("up", models.DirectionBuy, 0.50, expiry)))
	require.NoError(t, tr.Track(trackedSignal("flat", models.DirectionSell, 0.50, expiry)))
	require.NoError(t, tr.Track(trackedSignal("hold", models.DirectionHold, 0.50, expiry)))
	require.NoError(t, tr.Track(trackedSignal("dark", models.DirectionBuy, 0.50, expiry)))

	assert.Zero(t, tr.ResolveDue(context.Background()), "nothing due before expiry")

	clock.Advance(time.Hour + time.Minute)
	at := clock.Now()
	tr.Observe(models.PriceTick{MarketID: "m-up", Price: 0.56, At: at})
	tr.Observe(models.PriceTick{MarketID: "m-flat", Price: 0.49, At: at})
	tr.Observe(models.PriceTick{MarketID: "m-hold", Price: 0.51, At: at})

	assert.Equal(t, 3, tr.ResolveDue(context.Background()))
	assert.Equal(t, 1, tr.Pending(), "unpriced signal waits for the grace period")

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, tr.ResolveDue(context.Background()))

	byID := map[string]models.LedgerEntry{}
	for _, e := range l.Effective() {
		byID[e.SignalID] = e
	}
	assert.Equal(t, models.OutcomeCorrect, byID["up"].Outcome)
	assert.InDelta(t, 0.12, *byID["up"].RealizedReturn, 1e-9)
	assert.Equal(t, models.OutcomeIncorrect, byID["flat"].Outcome, "move below min move")
	assert.Equal(t, models.OutcomeCorrect, byID["hold"].Outcome)
	assert.Nil(t, byID["hold"].RealizedReturn)
	assert.Equal(t, models.OutcomeUnresolved, byID["dark"].Outcome)

	s := l.Stats()
	assert.Equal(t, 3, s.SampleCount())
	assert.Equal(t, 1, s.Unresolved)
}

func TestTrackerUsesPositionOutcome(t *testing.T) {
	clock := newStepClock(time.Now())
	open := map[string]bool{"s1": true}
	tr, l := newTestTracker(t, clock, WithPositionCheck(func(id string) bool { return open[id] }))

	sig := trackedSignal("s1", models.DirectionBuy, 0.6, time.Now().Add(-time.Minute))
	require.NoError(t, tr.Track(sig))
	tr.Observe(models.PriceTick{MarketID: sig.MarketID, Price: 0.7, At: clock.Now()})
	assert.Zero(t, tr.ResolveDue(context.Background()), "position owns the outcome")

	pos := models.Position{
		ID: "p1", SignalID: "s1", MarketID: sig.MarketID, Direction: models.DirectionBuy,
		EntryPrice: decimal.NewFromFloat(0.6), Size: decimal.NewFromInt(100), State: models.StateClosed,
	}
	pos.Settle(decimal.NewFromFloat(0.6))
	tr.OnPosition(context.Background(), pos)

	e := l.Effective()
	require.Len(t, e, 1)
	assert.Equal(t, models.OutcomeIncorrect, e[0].Outcome, "zero pnl is not a win")
	assert.Equal(t, "p1", e[0].PositionID)
	assert.Equal(t, 40.0, e[0].Score)
	assert.Zero(t, tr.Pending())
}

func TestTrackerOnResolution(t *testing.T) {
	clock := newStepClock(time.Now())
	tr, l := newTestTracker(t, clock)
	sig := trackedSignal("s1", models.DirectionSell, 0.4, time.Now().Add(time.Hour))
	require.NoError(t, tr.Track(sig))

	n := tr.OnResolution(context.Background(), models.ResolutionEvent{MarketID: sig.MarketID, FinalPrice: 0, ResolvedAt: time.Now()})
	assert.Equal(t, 1, n)
	e := l.Effective()
	require.Len(t, e, 1)
	assert.Equal(t, models.OutcomeCorrect, e[0].Outcome)
	assert.InDelta(t, 1.0, *e[0].RealizedReturn, 1e-9)

	// already recorded signals are not tracked again
	require.NoError(t, tr.Track(sig))
	assert.Zero(t, tr.Pending())
}
