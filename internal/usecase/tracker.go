package usecase

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"PolySignals/internal/domain/models"
	"PolySignals/pkg/logger"
)

type TrackerConfig struct {
	SuppressionFloor float64
	// MinMove is the price move a buy or sell needs to count as correct.
	MinMove      float64
	ResolveGrace time.Duration
}

type TrackerOption func(*Tracker)

// WithPositionCheck lets positions own the outcome of signals that opened one.
func WithPositionCheck(fn func(signalID string) bool) TrackerOption {
	return func(t *Tracker) { t.hasPosition = fn }
}

func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// Tracker decides outcomes for emitted signals and records them in the ledger.
type Tracker struct {
	cfg         TrackerConfig
	ledger      *Ledger
	log         *logger.Logger
	now         func() time.Time
	hasPosition func(string) bool

	mu      sync.Mutex
	pending map[string]models.Signal
	marks   map[string]models.PriceTick
}

func NewTracker(cfg TrackerConfig, ledger *Ledger, l *logger.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:         cfg,
		ledger:      ledger,
		log:         l,
		now:         time.Now,
		hasPosition: func(string) bool { return false },
		pending:     map[string]models.Signal{},
		marks:       map[string]models.PriceTick{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Track starts following sig. Suppressed signals never reach the ledger.
func (t *Tracker) Track(sig models.Signal) error {
	if sig.Confidence < t.cfg.SuppressionFloor {
		return models.NewError(models.KindIntegrityViolation, "tracker.track", sig.MarketID,
			errors.New("signal below suppression floor cannot be tracked"))
	}
	if t.ledger.Recorded(sig.ID) {
		return nil
	}
	t.mu.Lock()
	t.pending[sig.ID] = sig
	t.mu.Unlock()
	return nil
}

func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Observe records the latest mark price for a market.
func (t *Tracker) Observe(tick models.PriceTick) {
	t.mu.Lock()
	if cur, ok := t.marks[tick.MarketID]; !ok || !tick.At.Before(cur.At) {
		t.marks[tick.MarketID] = tick
	}
	t.mu.Unlock()
}

// OnPosition records the outcome of a closed or stopped position.
func (t *Tracker) OnPosition(ctx context.Context, pos models.Position) {
	if !pos.State.Terminal() || pos.State == models.StateDiscarded {
		return
	}
	t.mu.Lock()
	sig, ok := t.pending[pos.SignalID]
	delete(t.pending, pos.SignalID)
	t.mu.Unlock()

	outcome := models.OutcomeIncorrect
	acc := 0.0
	if pos.RealizedPnL.IsPositive() {
		outcome, acc = models.OutcomeCorrect, 1
	}
	ret := pos.ReturnPct()
	rec := OutcomeRecord{
		SignalID:            pos.SignalID,
		MarketID:            pos.MarketID,
		PositionID:          pos.ID,
		Outcome:             outcome,
		RealizedReturn:      &ret,
		DirectionalAccuracy: &acc,
	}
	if ok {
		rec.Score, rec.Confidence = sig.Score, sig.Confidence
	}
	t.record(ctx, rec, sig, ok)
}

// ResolveDue settles expired signal-only entries against the latest marks.
// It returns how many entries were written.
func (t *Tracker) ResolveDue(ctx context.Context) int {
	now := t.now()
	type due struct {
		sig  models.Signal
		tick models.PriceTick
		seen bool
	}
	var batch []due
	t.mu.Lock()
	for id, sig := range t.pending {
		if now.Before(sig.ExpiresAt) || t.hasPosition(id) {
			continue
		}
		tick, ok := t.marks[sig.MarketID]
		seen := ok && !tick.At.Before(sig.ExpiresAt)
		if !seen && now.Before(sig.ExpiresAt.Add(t.cfg.ResolveGrace)) {
			continue
		}
		batch = append(batch, due{sig: sig, tick: tick, seen: seen})
		delete(t.pending, id)
	}
	t.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].sig.ID < batch[j].sig.ID })
	written := 0
	for _, d := range batch {
		var rec OutcomeRecord
		if d.seen {
			rec = t.judge(d.sig, d.tick.Price)
		} else {
			rec = OutcomeRecord{SignalID: d.sig.ID, MarketID: d.sig.MarketID, Outcome: models.OutcomeUnresolved}
		}
		rec.Score, rec.Confidence = d.sig.Score, d.sig.Confidence
		if t.record(ctx, rec, d.sig, true) {
			written++
		}
	}
	return written
}

// OnResolution settles every pending signal-only entry for a market that
// resolved, using the final price.
func (t *Tracker) OnResolution(ctx context.Context, ev models.ResolutionEvent) int {
	var batch []models.Signal
	t.mu.Lock()
	for id, sig := range t.pending {
		if sig.MarketID != ev.MarketID || t.hasPosition(id) {
			continue
		}
		batch = append(batch, sig)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
	written := 0
	for _, sig := range batch {
		rec := t.judge(sig, ev.FinalPrice)
		rec.Score, rec.Confidence = sig.Score, sig.Confidence
		if t.record(ctx, rec, sig, true) {
			written++
		}
	}
	t.log.Info("tracker.resolution applied", logger.String("market_id", ev.MarketID), logger.Int("entries", written))
	return written
}

// judge compares price to the signal entry in the signal's direction.
func (t *Tracker) judge(sig models.Signal, price float64) OutcomeRecord {
	move := price - sig.EntryPrice
	rec := OutcomeRecord{SignalID: sig.ID, MarketID: sig.MarketID, Outcome: models.OutcomeIncorrect}
	var correct bool
	switch sig.Direction {
	case models.DirectionBuy:
		correct = move >= t.cfg.MinMove
	case models.DirectionSell:
		move = -move
		correct = move >= t.cfg.MinMove
	default:
		correct = math.Abs(move) < t.cfg.MinMove
	}
	acc := 0.0
	if correct {
		rec.Outcome, acc = models.OutcomeCorrect, 1
	}
	rec.DirectionalAccuracy = &acc
	if sig.Direction.Tradable() && sig.EntryPrice > 0 {
		ret := move / sig.EntryPrice
		rec.RealizedReturn = &ret
	}
	return rec
}

// record writes rec. Transient failures put the signal back for the next
// pass; duplicates are dropped.
func (t *Tracker) record(ctx context.Context, rec OutcomeRecord, sig models.Signal, requeue bool) bool {
	_, err := t.ledger.Record(ctx, rec)
	if err == nil {
		return true
	}
	if models.IsKind(err, models.KindTransientIO) && requeue {
		t.mu.Lock()
		t.pending[sig.ID] = sig
		t.mu.Unlock()
	}
	t.log.Warn("tracker.record failed", logger.String("signal_id", rec.SignalID), logger.Error(err))
	return false
}
