package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"PolySignals/internal/domain/models"
	"PolySignals/internal/domain/repository"
	"PolySignals/pkg/logger"
)

// OutcomeRecord is what the tracker hands the ledger for one signal.
type OutcomeRecord struct {
	SignalID            string
	MarketID            string
	PositionID          string
	Outcome             models.Outcome
	RealizedReturn      *float64
	DirectionalAccuracy *float64
	Score               float64
	Confidence          float64
}

type LedgerOption func(*Ledger)

// AppendListener observes every acknowledged append.
type AppendListener func(models.LedgerEntry)

func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the append-only track record. The aggregate is maintained
// incrementally and always reflects exactly the entries the store has
// acknowledged.
type Ledger struct {
	store   repository.LedgerStore
	metrics repository.Metrics
	log     *logger.Logger
	now     func() time.Time

	mu        sync.Mutex
	seq       uint64
	lastHash  string
	latest    map[string]models.LedgerEntry // signal id -> effective entry
	seqSignal map[uint64]string
	stats     models.Stats
	listeners []AppendListener
}

// NewLedger replays the store, verifying the chain as it goes.
func NewLedger(ctx context.Context, store repository.LedgerStore, m repository.Metrics, l *logger.Logger, opts ...LedgerOption) (*Ledger, error) {
	lg := &Ledger{
		store:     store,
		metrics:   m,
		log:       l,
		now:       time.Now,
		latest:    map[string]models.LedgerEntry{},
		seqSignal: map[uint64]string{},
	}
	for _, o := range opts {
		o(lg)
	}
	entries, err := store.All(ctx)
	if err != nil {
		return nil, models.NewError(models.KindTransientIO, "ledger.load", "", err)
	}
	if err := verifyChain(entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		lg.applyLocked(e)
	}
	lg.log.Info("ledger.load completed", logger.Int("entries", len(entries)), logger.Int("signals", len(lg.latest)))
	return lg, nil
}

// OnAppend registers fn to run after every acknowledged append.
func (l *Ledger) OnAppend(fn AppendListener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Record appends the single outcome entry for a signal.
func (l *Ledger) Record(ctx context.Context, r OutcomeRecord) (models.LedgerEntry, error) {
	const op = "ledger.record"
	if r.SignalID == "" || !r.Outcome.Valid() {
		return models.LedgerEntry{}, models.Errorf(models.KindIntegrityViolation, op, "invalid record for signal %q outcome %q", r.SignalID, r.Outcome)
	}
	l.mu.Lock()
	if prev, dup := l.latest[r.SignalID]; dup {
		l.mu.Unlock()
		return models.LedgerEntry{}, models.NewError(models.KindIntegrityViolation, op, r.MarketID,
			fmt.Errorf("signal %s already recorded at seq %d", r.SignalID, prev.Seq))
	}
	e := models.LedgerEntry{
		SignalID:            r.SignalID,
		MarketID:            r.MarketID,
		Outcome:             r.Outcome,
		RealizedReturn:      r.RealizedReturn,
		DirectionalAccuracy: r.DirectionalAccuracy,
		PositionID:          r.PositionID,
		Score:               r.Score,
		Confidence:          r.Confidence,
	}
	return l.appendLocked(ctx, op, e)
}

// Correct supersedes the entry at seq with a new outcome. The original stays
// in the chain; aggregates use the correction.
func (l *Ledger) Correct(ctx context.Context, seq uint64, outcome models.Outcome, realizedReturn *float64) (models.LedgerEntry, error) {
	const op = "ledger.correct"
	if !outcome.Valid() {
		return models.LedgerEntry{}, models.Errorf(models.KindIntegrityViolation, op, "invalid outcome %q", outcome)
	}
	l.mu.Lock()
	sigID, ok := l.seqSignal[seq]
	if !ok {
		l.mu.Unlock()
		return models.LedgerEntry{}, models.NewError(models.KindIntegrityViolation, op, "", fmt.Errorf("seq %d: %w", seq, models.ErrNotFound))
	}
	prev := l.latest[sigID]
	e := prev
	e.Outcome = outcome
	e.RealizedReturn = realizedReturn
	e.Corrects = seq
	return l.appendLocked(ctx, op, e)
}

// appendLocked is entered with l.mu held and releases it.
func (l *Ledger) appendLocked(ctx context.Context, op string, e models.LedgerEntry) (models.LedgerEntry, error) {
	e.Seq = l.seq + 1
	e.PrevHash = l.lastHash
	e.WrittenAt = l.now().UTC()
	e.Hash = e.ComputeHash()

	start := time.Now()
	if err := l.store.Append(ctx, e); err != nil {
		l.mu.Unlock()
		l.metrics.RecordError(string(models.KindTransientIO))
		return models.LedgerEntry{}, models.NewError(models.KindTransientIO, op, e.MarketID, err)
	}
	l.metrics.RecordLatency("ledger.append", time.Since(start).Seconds())
	l.applyLocked(e)
	ls := append([]AppendListener(nil), l.listeners...)
	l.mu.Unlock()

	l.metrics.RecordLedgerAppend(string(e.Outcome))
	l.log.Info(op+" appended", logger.Int64("seq", int64(e.Seq)), logger.String("signal_id", e.SignalID), logger.String("outcome", string(e.Outcome)))
	for _, fn := range ls {
		fn(e)
	}
	return e, nil
}

func (l *Ledger) applyLocked(e models.LedgerEntry) {
	if prev, ok := l.latest[e.SignalID]; ok {
		l.stats = l.stats.Remove(prev)
	}
	l.stats = l.stats.Add(e)
	l.latest[e.SignalID] = e
	l.seqSignal[e.Seq] = e.SignalID
	l.seq = e.Seq
	l.lastHash = e.Hash
}

// Recorded reports whether signalID already has an entry.
func (l *Ledger) Recorded(signalID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.latest[signalID]
	return ok
}

// Stats returns the all-time aggregate.
func (l *Ledger) Stats() models.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Effective returns the latest entry per signal in seq order.
func (l *Ledger) Effective() []models.LedgerEntry {
	l.mu.Lock()
	out := make([]models.LedgerEntry, 0, len(l.latest))
	for _, e := range l.latest {
		out = append(out, e)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Aggregate summarizes confirmed entries written within window of now. A
// zero window is all-time and served from the incremental aggregate.
func (l *Ledger) Aggregate(ctx context.Context, window time.Duration) (models.TrackRecord, error) {
	now := l.now().UTC()
	if window <= 0 {
		return l.Stats().TrackRecord("all", time.Time{}, now), nil
	}
	from := now.Add(-window)
	entries, err := l.store.Entries(ctx, from, now.Add(time.Nanosecond))
	if err != nil {
		return models.TrackRecord{}, models.NewError(models.KindTransientIO, "ledger.aggregate", "", err)
	}
	var s models.Stats
	for _, e := range models.Effective(entries) {
		s = s.Add(e)
	}
	return s.TrackRecord(FormatWindow(window), from, now), nil
}

// Entries returns stored entries written in [from, to).
func (l *Ledger) Entries(ctx context.Context, from, to time.Time) ([]models.LedgerEntry, error) {
	entries, err := l.store.Entries(ctx, from, to)
	if err != nil {
		return nil, models.NewError(models.KindTransientIO, "ledger.entries", "", err)
	}
	return entries, nil
}

// Verify re-reads the store and checks every hash link.
func (l *Ledger) Verify(ctx context.Context) error {
	entries, err := l.store.All(ctx)
	if err != nil {
		return models.NewError(models.KindTransientIO, "ledger.verify", "", err)
	}
	if err := verifyChain(entries); err != nil {
		return err
	}
	l.mu.Lock()
	head, seq := l.lastHash, l.seq
	l.mu.Unlock()
	if n := len(entries); n > 0 && (entries[n-1].Seq != seq || entries[n-1].Hash != head) {
		return models.Errorf(models.KindIntegrityViolation, "ledger.verify", "store head seq %d does not match ledger head seq %d", entries[n-1].Seq, seq)
	}
	return nil
}

func verifyChain(entries []models.LedgerEntry) error {
	const op = "ledger.verify"
	prev := ""
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			return models.Errorf(models.KindIntegrityViolation, op, "seq gap: expected %d got %d", i+1, e.Seq)
		}
		if e.PrevHash != prev {
			return models.Errorf(models.KindIntegrityViolation, op, "seq %d: broken link", e.Seq)
		}
		if e.ComputeHash() != e.Hash {
			return models.Errorf(models.KindIntegrityViolation, op, "seq %d: content does not match hash", e.Seq)
		}
		prev = e.Hash
	}
	return nil
}

var errBadWindow = errors.New("invalid window")

// ParseWindow accepts "30d", "12h", any time.ParseDuration value, or "all".
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "" || s == "all":
		return 0, nil
	case strings.HasSuffix(s, "d"):
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %q", errBadWindow, s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %q", errBadWindow, s)
	}
	return d, nil
}

func FormatWindow(d time.Duration) string {
	if d <= 0 {
		return "all"
	}
	if d%(24*time.Hour) == 0 {
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	}
	return d.String()
}
