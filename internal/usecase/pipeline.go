package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"PolySignals/internal/domain/models"
	"PolySignals/internal/domain/repository"
	"PolySignals/pkg/logger"
)

// Stage acts on the signals of a cycle. Distribution and execution are
// stages; the run mode decides which ones the pipeline is built with.
type Stage interface {
	Name() string
	Handle(ctx context.Context, sig models.Signal) error
	// AfterCycle runs once all signals were handled. marks are this
	// cycle's fresh prices.
	AfterCycle(ctx context.Context, marks map[string]float64) error
}

type PipelineConfig struct {
	Workers           int
	CalibrationWindow time.Duration // zero calibrates on the whole ledger
}

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Fetched       int           `json:"fetched"`
	Stale         bool          `json:"stale"`
	Rejected      int           `json:"rejected"`
	Opportunities int           `json:"opportunities"`
	Signals       int           `json:"signals"`
	Suppressed    int           `json:"suppressed"`
	Unchanged     int           `json:"unchanged"`
	Resolved      int           `json:"resolved"`
	Calibration   uint64        `json:"calibration_version"`
}

type Pipeline struct {
	cfg       PipelineConfig
	provider  *SnapshotProvider
	scanner   *Scanner
	generator *Generator
	calib     *Calibration
	tracker   *Tracker
	ledger    *Ledger
	stages    []Stage
	status    *Status
	metrics   repository.Metrics
	log       *logger.Logger
	now       func() time.Time

	mu   sync.Mutex
	live map[string]models.Signal // market -> latest unexpired signal
}

func NewPipeline(cfg PipelineConfig, provider *SnapshotProvider, scanner *Scanner, generator *Generator,
	calib *Calibration, tracker *Tracker, ledger *Ledger, status *Status, m repository.Metrics, l *logger.Logger,
	stages ...Stage) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pipeline{
		cfg:       cfg,
		provider:  provider,
		scanner:   scanner,
		generator: generator,
		calib:     calib,
		tracker:   tracker,
		ledger:    ledger,
		stages:    stages,
		status:    status,
		metrics:   m,
		log:       l,
		now:       time.Now,
		live:      map[string]models.Signal{},
	}
}

// Stages lists the composed stage names.
func (p *Pipeline) Stages() []string {
	out := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		out = append(out, s.Name())
	}
	return out
}

// RunCycle performs one scan-to-ledger pass. Per-market failures are logged
// and skipped; only a failed fetch or a cancelled context fails the cycle.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleReport, error) {
	rep := CycleReport{StartedAt: p.now()}
	defer func() {
		rep.Duration = p.now().Sub(rep.StartedAt)
		p.metrics.RecordCycle(rep.Duration.Seconds(), rep.Opportunities, rep.Signals)
	}()

	snaps, err := p.provider.Fetch(ctx)
	if err != nil {
		p.log.Error("pipeline.fetch failed", logger.Error(err))
		return rep, err
	}
	rep.Fetched = len(snaps)
	marks := p.observe(snaps, &rep)

	scan := p.scanner.Scan(snaps)
	rep.Rejected = len(scan.Rejected)
	rep.Opportunities = len(scan.Opportunities)
	for _, err := range scan.Rejected {
		p.metrics.RecordError(string(models.KindDataQuality))
		p.log.Warn("scanner.scan data_quality", logger.Error(err))
	}

	signals := p.generate(scan.Opportunities, &rep)
	rep.Signals = len(signals)
	for _, sig := range signals {
		if err := p.tracker.Track(sig); err != nil {
			p.log.Error("tracker.track refused", logger.String("signal_id", sig.ID), logger.Error(err))
		}
	}

	p.handle(ctx, signals)
	if ctx.Err() != nil {
		return rep, ctx.Err()
	}
	for _, s := range p.stages {
		if err := s.AfterCycle(ctx, marks); err != nil {
			p.metrics.RecordError(kindLabel(err))
			p.log.Warn("pipeline.after_cycle failed", logger.String("stage", s.Name()), logger.Error(err))
		}
	}

	rep.Resolved = p.tracker.ResolveDue(ctx)
	rep.Calibration = p.refreshCalibration().Version
	p.status.MarkCycle(p.now())
	p.log.Info("pipeline.cycle done",
		logger.Int("fetched", rep.Fetched),
		logger.Int("opportunities", rep.Opportunities),
		logger.Int("signals", rep.Signals),
		logger.Int("suppressed", rep.Suppressed),
		logger.Int("resolved", rep.Resolved),
		logger.Bool("stale", rep.Stale),
		logger.Duration("duration_ms", p.now().Sub(rep.StartedAt)))
	return rep, nil
}

// observe feeds fresh prices to the tracker and returns them as marks.
// Stale snapshots are not marks.
func (p *Pipeline) observe(snaps []models.MarketSnapshot, rep *CycleReport) map[string]float64 {
	marks := make(map[string]float64, len(snaps))
	for _, s := range snaps {
		if s.Stale {
			rep.Stale = true
			continue
		}
		if s.Validate() != nil {
			continue
		}
		marks[s.MarketID] = s.Price
		p.tracker.Observe(models.PriceTick{MarketID: s.MarketID, Price: s.Price, At: s.FetchedAt})
	}
	return marks
}

// generate turns opportunities into signals in parallel. A market whose live
// signal still points the same way is left alone; a direction change is
// issued as a correction of the live signal.
func (p *Pipeline) generate(opps []models.Opportunity, rep *CycleReport) []models.Signal {
	type result struct {
		sig        models.Signal
		ok         bool
		unchanged  bool
		suppressed bool
	}
	now := p.now()
	p.mu.Lock()
	for m, s := range p.live {
		if s.Expired(now) {
			delete(p.live, m)
		}
	}
	live := make(map[string]models.Signal, len(p.live))
	for m, s := range p.live {
		live[m] = s
	}
	p.mu.Unlock()

	results := make([]result, len(opps))
	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for i := range opps {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			opp := opps[i]
			sig, err := p.generator.Generate(opp)
			if err == nil {
				if prev, ok := live[opp.MarketID]; ok {
					if prev.Direction == sig.Direction {
						results[i] = result{unchanged: true}
						return
					}
					sig, err = p.generator.Supersede(prev, opp)
				}
			}
			if err != nil {
				if errors.Is(err, models.ErrSuppressed) {
					results[i] = result{suppressed: true}
					p.metrics.RecordSuppressed()
					p.log.Debug("generator.generate suppressed", logger.String("market_id", opp.MarketID))
				} else {
					p.metrics.RecordError(kindLabel(err))
					p.log.Warn("generator.generate failed", logger.String("market_id", opp.MarketID), logger.Error(err))
				}
				return
			}
			results[i] = result{sig: sig, ok: true}
		}(i)
	}
	wg.Wait()

	out := make([]models.Signal, 0, len(opps))
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range results {
		switch {
		case r.ok:
			out = append(out, r.sig)
			p.live[r.sig.MarketID] = r.sig
			p.metrics.RecordSignal(string(r.sig.Direction), string(r.sig.Risk))
		case r.unchanged:
			rep.Unchanged++
		case r.suppressed:
			rep.Suppressed++
		}
	}
	return out
}

// handle runs every stage for every signal on the worker pool.
func (p *Pipeline) handle(ctx context.Context, signals []models.Signal) {
	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for _, sig := range signals {
		for _, st := range p.stages {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(sig models.Signal, st Stage) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := st.Handle(ctx, sig); err != nil {
					p.metrics.RecordError(kindLabel(err))
					p.log.Warn("pipeline.stage failed", logger.String("stage", st.Name()),
						logger.String("signal_id", sig.ID), logger.String("market_id", sig.MarketID), logger.Error(err))
				}
			}(sig, st)
		}
	}
	wg.Wait()
}

func (p *Pipeline) refreshCalibration() *CalibrationSnapshot {
	entries := p.ledger.Effective()
	now := p.now()
	if w := p.cfg.CalibrationWindow; w > 0 {
		from := now.Add(-w)
		kept := entries[:0]
		for _, e := range entries {
			if !e.WrittenAt.Before(from) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	return p.calib.Rebuild(entries, now)
}

// DistributionStage releases signals to subscribers through the gate.
type DistributionStage struct {
	d *Dispatcher
}

func NewDistributionStage(d *Dispatcher) *DistributionStage { return &DistributionStage{d: d} }

func (s *DistributionStage) Name() string { return "distribution" }

func (s *DistributionStage) Handle(ctx context.Context, sig models.Signal) error {
	return s.d.Dispatch(ctx, sig)
}

// AfterCycle releases delayed deliveries that came due during the cycle.
func (s *DistributionStage) AfterCycle(ctx context.Context, _ map[string]float64) error {
	_, err := s.d.Drain(ctx)
	return err
}

// ExecutionStage trades signals through the engine.
type ExecutionStage struct {
	e   *Engine
	log *logger.Logger
}

func NewExecutionStage(e *Engine, l *logger.Logger) *ExecutionStage {
	return &ExecutionStage{e: e, log: l}
}

func (s *ExecutionStage) Name() string { return "execution" }

// Handle reports execution conflicts to the log only; the signal stays valid
// for distribution.
func (s *ExecutionStage) Handle(ctx context.Context, sig models.Signal) error {
	res, err := s.e.Execute(ctx, sig)
	if err != nil && models.IsKind(err, models.KindExecutionConflict) {
		s.log.Info("engine.execute not_executed", logger.String("signal_id", sig.ID),
			logger.String("market_id", sig.MarketID), logger.String("reason", res.Reason))
		return nil
	}
	return err
}

// AfterCycle reconciles quarantined markets, then applies exits and limits.
func (s *ExecutionStage) AfterCycle(ctx context.Context, marks map[string]float64) error {
	rerr := s.e.ReconcileHalted(ctx)
	done, err := s.e.Evaluate(ctx, marks)
	for _, p := range done {
		s.log.Info("engine.evaluate exited", logger.String("market_id", p.MarketID),
			logger.String("reason", string(p.CloseReason)), logger.String("pnl", p.RealizedPnL.String()))
	}
	return errors.Join(rerr, err)
}
