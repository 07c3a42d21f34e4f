package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PolySignals/internal/domain/models"
	"PolySignals/internal/domain/repository"
	"PolySignals/pkg/logger"
)

type ReversalPolicy string

const (
	ReverseCloseThenReopen ReversalPolicy = "close_then_reopen"
	ReverseCloseOnly       ReversalPolicy = "close_only"
	ReverseIgnore          ReversalPolicy = "ignore"
)

type EngineConfig struct {
	Capital      decimal.Decimal
	RiskFraction decimal.Decimal
	Multipliers  map[models.RiskTier]decimal.Decimal

	OrderTimeout     time.Duration
	ReconcileTimeout time.Duration
	Reversal         ReversalPolicy

	// Portfolio limits in capital units. Zero disables the limit.
	MaxExposure decimal.Decimal
	MaxDrawdown decimal.Decimal

	HistorySize int
}

func (c EngineConfig) Validate() error {
	const op = "engine.config"
	if !c.Capital.IsPositive() {
		return models.Errorf(models.KindConfiguration, op, "capital must be positive")
	}
	if !c.RiskFraction.IsPositive() || c.RiskFraction.GreaterThan(decimal.NewFromInt(1)) {
		return models.Errorf(models.KindConfiguration, op, "risk fraction %s outside (0,1]", c.RiskFraction)
	}
	for _, r := range []models.RiskTier{models.RiskLow, models.RiskMedium, models.RiskHigh} {
		if m, ok := c.Multipliers[r]; !ok || m.LessThan(decimal.NewFromInt(1)) {
			return models.Errorf(models.KindConfiguration, op, "multiplier for %s risk must be >= 1", r)
		}
	}
	if c.OrderTimeout <= 0 || c.ReconcileTimeout <= 0 {
		return models.Errorf(models.KindConfiguration, op, "timeouts must be positive")
	}
	return nil
}

type ExecutionOutcome string

const (
	OutcomeOpened      ExecutionOutcome = "opened"
	OutcomeReversed    ExecutionOutcome = "reversed"
	OutcomeClosedOnly  ExecutionOutcome = "closed_only"
	OutcomeIgnored     ExecutionOutcome = "ignored"
	OutcomeSkipped     ExecutionOutcome = "skipped"
	OutcomeNotExecuted ExecutionOutcome = "not_executed"
	OutcomeQuarantined ExecutionOutcome = "quarantined"
)

type ExecutionResult struct {
	Outcome  ExecutionOutcome `json:"outcome"`
	Reason   string           `json:"reason,omitempty"`
	Position *models.Position `json:"position,omitempty"`
}

// TerminalListener receives every position that reaches Closed or Stopped.
type TerminalListener func(ctx context.Context, pos models.Position)

type EngineOption func(*Engine)

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithEngineLocker(l repository.MarketLocker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

// Engine owns every Position. Order-affecting work on a market runs under
// that market's lock; different markets proceed concurrently.
type Engine struct {
	cfg     EngineConfig
	venue   repository.Venue
	locker  repository.MarketLocker
	budget  *RiskBudget
	status  *Status
	metrics repository.Metrics
	log     *logger.Logger
	now     func() time.Time

	mu          sync.RWMutex
	active      map[string]*models.Position // market -> non-terminal position
	history     []models.Position
	notExecuted map[string]string // signal id -> reason
	marks       map[string]decimal.Decimal
	listeners   []TerminalListener
}

func NewEngine(cfg EngineConfig, venue repository.Venue, budget *RiskBudget, status *Status,
	m repository.Metrics, l *logger.Logger, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Reversal == "" {
		cfg.Reversal = ReverseCloseThenReopen
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	e := &Engine{
		cfg:         cfg,
		venue:       venue,
		locker:      NewLocalLocker(),
		budget:      budget,
		status:      status,
		metrics:     m,
		log:         l,
		now:         time.Now,
		active:      map[string]*models.Position{},
		notExecuted: map[string]string{},
		marks:       map[string]decimal.Decimal{},
	}
	for _, o := range opts {
		o(e)
	}
	e.publishGauges()
	return e, nil
}

func (e *Engine) OnTerminal(fn TerminalListener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Allocation is capital * risk fraction / multiplier(risk).
func (e *Engine) Allocation(risk models.RiskTier) decimal.Decimal {
	m, ok := e.cfg.Multipliers[risk]
	if !ok {
		m = e.cfg.Multipliers[models.RiskHigh]
	}
	return e.cfg.Capital.Mul(e.cfg.RiskFraction).Div(m)
}

// Execute acts on sig. Venue rejections and budget conflicts return an
// ExecutionConflict error with OutcomeNotExecuted; the caller continues.
func (e *Engine) Execute(ctx context.Context, sig models.Signal) (ExecutionResult, error) {
	if !sig.Direction.Tradable() {
		return ExecutionResult{Outcome: OutcomeSkipped, Reason: "hold signal"}, nil
	}
	if sig.Expired(e.now()) {
		e.markNotExecuted(sig.ID, "expired before execution")
		return ExecutionResult{Outcome: OutcomeSkipped, Reason: "expired"}, nil
	}

	if sig.Opportunity.Snapshot.Stale {
		e.markNotExecuted(sig.ID, "stale price")
		e.metrics.RecordExecution(string(OutcomeNotExecuted))
		return ExecutionResult{Outcome: OutcomeNotExecuted, Reason: "stale price"},
			models.NewError(models.KindExecutionConflict, "engine.execute", sig.MarketID, errors.New("signal derived from cached snapshot"))
	}

	unlock, err := e.locker.Lock(ctx, sig.MarketID)
	if err != nil {
		return ExecutionResult{Outcome: OutcomeSkipped, Reason: "lock"}, err
	}
	var terminal []models.Position
	defer func() {
		unlock()
		e.notify(ctx, terminal)
	}()

	if reason, halted := e.status.MarketHalted(sig.MarketID); halted {
		e.markNotExecuted(sig.ID, "market halted: "+reason)
		return ExecutionResult{Outcome: OutcomeNotExecuted, Reason: reason},
			models.NewError(models.KindIntegrityViolation, "engine.execute", sig.MarketID, fmt.Errorf("market halted: %s", reason))
	}

	reversed := false
	if pos := e.activePosition(sig.MarketID); pos != nil {
		res, closed, proceed := e.pendingDecision(ctx, pos, sig)
		terminal = append(terminal, closed...)
		if !proceed {
			e.metrics.RecordExecution(string(res.Outcome))
			return res, nil
		}
		reversed = true
	}

	res, err := e.openLocked(ctx, sig)
	if reversed && res.Outcome == OutcomeOpened {
		res.Outcome = OutcomeReversed
	}
	e.metrics.RecordExecution(string(res.Outcome))
	return res, err
}

// pendingDecision settles a signal that arrives while the market already has
// a non-terminal position. proceed reports whether a new position may open.
func (e *Engine) pendingDecision(ctx context.Context, pos *models.Position, sig models.Signal) (ExecutionResult, []models.Position, bool) {
	cur := e.snapshot(pos)
	switch {
	case pos.SignalID == sig.ID:
		return ExecutionResult{Outcome: OutcomeIgnored, Reason: "signal already acted on", Position: &cur}, nil, false
	case !pos.Direction.Opposes(sig.Direction):
		return ExecutionResult{Outcome: OutcomeIgnored, Reason: "position already open in signal direction", Position: &cur}, nil, false
	case e.cfg.Reversal == ReverseIgnore:
		return ExecutionResult{Outcome: OutcomeIgnored, Reason: "reversal policy ignore", Position: &cur}, nil, false
	case cur.State != models.StateOpen && cur.State != models.StateClosing:
		return ExecutionResult{Outcome: OutcomeIgnored, Reason: "position " + string(cur.State), Position: &cur}, nil, false
	}

	e.mu.Lock()
	e.marks[sig.MarketID] = decimal.NewFromFloat(sig.EntryPrice)
	e.mu.Unlock()
	closed, err := e.closeLocked(ctx, pos, models.CloseOpposingSignal, false)
	if err != nil {
		e.log.Warn("engine.reverse close_failed", logger.String("market_id", sig.MarketID), logger.Error(err))
		cur = e.snapshot(pos)
		return ExecutionResult{Outcome: OutcomeIgnored, Reason: "close pending: " + err.Error(), Position: &cur}, nil, false
	}
	if e.cfg.Reversal == ReverseCloseOnly {
		return ExecutionResult{Outcome: OutcomeClosedOnly, Position: &closed}, []models.Position{closed}, false
	}
	return ExecutionResult{}, []models.Position{closed}, true
}

func (e *Engine) openLocked(ctx context.Context, sig models.Signal) (ExecutionResult, error) {
	const op = "engine.open"
	if existing := e.activePosition(sig.MarketID); existing != nil {
		return ExecutionResult{Outcome: OutcomeNotExecuted}, models.NewError(models.KindIntegrityViolation, op, sig.MarketID,
			fmt.Errorf("second non-terminal position refused; %s is %s", existing.ID, existing.State))
	}

	price := decimal.NewFromFloat(sig.EntryPrice)
	alloc := e.Allocation(sig.Risk)
	size := alloc.Div(price).RoundDown(2)
	if !size.IsPositive() {
		e.markNotExecuted(sig.ID, "allocation too small")
		return ExecutionResult{Outcome: OutcomeNotExecuted, Reason: "allocation too small"},
			models.Errorf(models.KindExecutionConflict, op, "allocation %s buys no size at %s", alloc, price)
	}
	reserve := size.Mul(price)

	if _, err := e.budget.Reserve(reserve); err != nil {
		e.markNotExecuted(sig.ID, err.Error())
		e.checkBudget()
		e.log.Info("engine.open budget_conflict", logger.String("market_id", sig.MarketID), logger.String("signal_id", sig.ID), logger.Error(err))
		return ExecutionResult{Outcome: OutcomeNotExecuted, Reason: "risk budget"}, &models.Error{
			Kind: models.KindExecutionConflict, Op: op, Market: sig.MarketID, Err: err}
	}

	now := e.now()
	pos := &models.Position{
		ID:             uuid.NewString(),
		SignalID:       sig.ID,
		MarketID:       sig.MarketID,
		Direction:      sig.Direction,
		EntryPrice:     price,
		Size:           size,
		Reserved:       reserve,
		State:          models.StatePendingSubmit,
		IdempotencyKey: uuid.NewString(),
		TakeProfit:     sig.TargetPrice,
		StopLoss:       sig.StopLoss,
		ExpiresAt:      sig.ExpiresAt,
		CreatedAt:      now,
	}
	e.mu.Lock()
	e.active[sig.MarketID] = pos
	e.mu.Unlock()
	e.checkBudget()

	req := models.OrderRequest{
		MarketID:       sig.MarketID,
		Direction:      sig.Direction,
		Size:           size,
		LimitPrice:     price,
		IdempotencyKey: pos.IdempotencyKey,
	}
	res, err := e.submit(ctx, req)
	if err != nil {
		e.log.Warn("engine.open submit_failed", logger.String("market_id", sig.MarketID), logger.Error(err))
		res, err = e.reconcileOrder(ctx, pos.MarketID, pos.IdempotencyKey)
	}
	if err != nil {
		// Order state is unknown; the position stays PendingSubmit and the
		// market halts until Reconcile resolves it.
		e.status.HaltMarket(sig.MarketID, "unreconciled order "+pos.IdempotencyKey)
		e.metrics.RecordError(string(models.KindIntegrityViolation))
		cur := e.snapshot(pos)
		return ExecutionResult{Outcome: OutcomeQuarantined, Position: &cur},
			models.NewError(models.KindIntegrityViolation, op, sig.MarketID, err)
	}

	switch res.Status {
	case models.OrderFilled:
		if err := e.fillEntry(pos, res); err != nil {
			return ExecutionResult{Outcome: OutcomeNotExecuted}, err
		}
		cur := e.snapshot(pos)
		e.log.Info("engine.open filled", logger.String("market_id", sig.MarketID), logger.String("position_id", pos.ID),
			logger.String("size", cur.Size.String()), logger.String("price", cur.EntryPrice.String()))
		return ExecutionResult{Outcome: OutcomeOpened, Position: &cur}, nil
	default:
		reason := res.Reason
		if reason == "" {
			reason = string(res.Status)
		}
		e.discard(pos, reason)
		e.log.Info("engine.open rejected", logger.String("market_id", sig.MarketID), logger.String("reason", reason))
		return ExecutionResult{Outcome: OutcomeNotExecuted, Reason: reason},
			models.NewError(models.KindExecutionConflict, op, sig.MarketID, fmt.Errorf("venue rejected order: %s", reason))
	}
}

func (e *Engine) fillEntry(pos *models.Position, res models.OrderResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res.FillPrice.IsPositive() {
		pos.EntryPrice = res.FillPrice
	}
	if res.FilledSize.IsPositive() {
		pos.Size = res.FilledSize
	}
	err := pos.Transition(models.StateOpen, e.now())
	e.publishGaugesLocked()
	return err
}

// discard drops a position that never filled and returns its budget.
func (e *Engine) discard(pos *models.Position, reason string) {
	e.mu.Lock()
	_ = pos.Transition(models.StateDiscarded, e.now())
	if e.active[pos.MarketID] == pos {
		delete(e.active, pos.MarketID)
	}
	e.notExecuted[pos.SignalID] = reason
	e.mu.Unlock()
	e.budget.Release(pos.Reserved)
	e.checkBudget()
	e.publishGauges()
}

// submit sends one order bounded by OrderTimeout.
func (e *Engine) submit(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	octx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	start := time.Now()
	res, err := e.venue.SubmitOrder(octx, req)
	e.metrics.RecordLatency("venue.submit_order", time.Since(start).Seconds())
	return res, err
}

// reconcileOrder learns the real state of an order after a failed or
// cancelled submission. It runs on a fresh bounded context so that a
// cancelled cycle still reconciles. Pending orders are cancelled.
func (e *Engine) reconcileOrder(ctx context.Context, market, key string) (models.OrderResult, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ReconcileTimeout)
	defer cancel()

	res, err := e.venue.OrderStatus(rctx, key)
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("%w: %v", models.ErrUnknownOrder, err)
	}
	if res.Status != models.OrderPending {
		return res, nil
	}
	if err := e.venue.CancelOrder(rctx, key); err != nil {
		return models.OrderResult{}, fmt.Errorf("%w: cancel: %v", models.ErrUnknownOrder, err)
	}
	res, err = e.venue.OrderStatus(rctx, key)
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("%w: %v", models.ErrUnknownOrder, err)
	}
	if res.Status == models.OrderPending {
		return models.OrderResult{}, fmt.Errorf("%w: still pending after cancel", models.ErrUnknownOrder)
	}
	e.log.Info("engine.reconcile resolved", logger.String("market_id", market), logger.String("key", key), logger.String("status", string(res.Status)))
	return res, nil
}

// Close exits the market's open position.
func (e *Engine) Close(ctx context.Context, market string, reason models.CloseReason) (models.Position, error) {
	unlock, err := e.locker.Lock(ctx, market)
	if err != nil {
		return models.Position{}, err
	}
	pos := e.activePosition(market)
	if pos == nil {
		unlock()
		return models.Position{}, models.ErrNotFound
	}
	closed, err := e.closeLocked(ctx, pos, reason, false)
	unlock()
	if err == nil {
		e.notify(ctx, []models.Position{closed})
	}
	return closed, err
}

// Stop force-exits the market's open position on a risk limit.
func (e *Engine) Stop(ctx context.Context, market string) (models.Position, error) {
	unlock, err := e.locker.Lock(ctx, market)
	if err != nil {
		return models.Position{}, err
	}
	pos := e.activePosition(market)
	if pos == nil {
		unlock()
		return models.Position{}, models.ErrNotFound
	}
	stopped, err := e.closeLocked(ctx, pos, models.CloseRiskLimit, true)
	unlock()
	if err == nil {
		e.notify(ctx, []models.Position{stopped})
	}
	return stopped, err
}

// closeLocked drives Open -> Closing -> Closed, or Open -> Stopped when
// forced. A failed exit leaves a Closing position for the next Evaluate; a
// failed forced exit leaves it Open.
func (e *Engine) closeLocked(ctx context.Context, pos *models.Position, reason models.CloseReason, forced bool) (models.Position, error) {
	const op = "engine.close"
	e.mu.Lock()
	switch {
	case pos.State == models.StateOpen && !forced:
		if err := pos.Transition(models.StateClosing, e.now()); err != nil {
			e.mu.Unlock()
			return models.Position{}, err
		}
		pos.CloseReason = reason
	case pos.State == models.StateOpen && forced:
		pos.CloseReason = reason
	case pos.State == models.StateClosing && !forced:
	default:
		st := pos.State
		e.mu.Unlock()
		return models.Position{}, models.NewError(models.KindIntegrityViolation, op, pos.MarketID,
			fmt.Errorf("cannot close position in state %s", st))
	}
	if pos.ExitKey == "" {
		pos.ExitKey = uuid.NewString()
	}
	exitReq := models.OrderRequest{
		MarketID:       pos.MarketID,
		Direction:      opposite(pos.Direction),
		Size:           pos.Size,
		LimitPrice:     e.markLocked(pos),
		IdempotencyKey: pos.ExitKey,
		ReduceOnly:     true,
	}
	e.mu.Unlock()

	res, err := e.submit(ctx, exitReq)
	if err != nil {
		res, err = e.reconcileOrder(ctx, pos.MarketID, exitReq.IdempotencyKey)
	}
	if err != nil {
		return models.Position{}, models.NewError(models.KindTransientIO, op, pos.MarketID, err)
	}
	if res.Status != models.OrderFilled {
		e.mu.Lock()
		pos.ExitKey = "" // definitively unfilled; next attempt gets a new key
		e.mu.Unlock()
		return models.Position{}, models.NewError(models.KindExecutionConflict, op, pos.MarketID,
			fmt.Errorf("exit not filled: %s %s", res.Status, res.Reason))
	}

	fill := res.FillPrice
	if !fill.IsPositive() {
		fill = exitReq.LimitPrice
	}
	to := models.StateClosed
	if forced {
		to = models.StateStopped
	}

	e.mu.Lock()
	pos.Settle(fill)
	if err := pos.Transition(to, e.now()); err != nil {
		e.mu.Unlock()
		return models.Position{}, err
	}
	delete(e.active, pos.MarketID)
	done := pos.Snapshot()
	e.history = append(e.history, done)
	if len(e.history) > e.cfg.HistorySize {
		e.history = e.history[len(e.history)-e.cfg.HistorySize:]
	}
	e.publishGaugesLocked()
	e.mu.Unlock()

	e.budget.Release(pos.Reserved)
	e.checkBudget()
	e.log.Info("engine.close settled", logger.String("market_id", pos.MarketID), logger.String("state", string(to)),
		logger.String("reason", string(done.CloseReason)), logger.String("pnl", done.RealizedPnL.String()))
	return done, nil
}

// Evaluate applies exits for expiry, take-profit and stop-loss, retries
// stuck exits, then enforces portfolio limits. marks are latest prices.
func (e *Engine) Evaluate(ctx context.Context, marks map[string]float64) ([]models.Position, error) {
	e.mu.Lock()
	for m, p := range marks {
		e.marks[m] = decimal.NewFromFloat(p)
	}
	markets := make([]string, 0, len(e.active))
	for m := range e.active {
		markets = append(markets, m)
	}
	e.mu.Unlock()
	sort.Strings(markets)

	var done []models.Position
	var errs []error
	for _, m := range markets {
		p, err := e.evaluateMarket(ctx, m)
		if err != nil {
			errs = append(errs, err)
		}
		if p != nil {
			done = append(done, *p)
		}
	}

	stopped, err := e.enforceLimits(ctx)
	done = append(done, stopped...)
	if err != nil {
		errs = append(errs, err)
	}
	return done, errors.Join(errs...)
}

func (e *Engine) evaluateMarket(ctx context.Context, market string) (*models.Position, error) {
	unlock, err := e.locker.Lock(ctx, market)
	if err != nil {
		return nil, err
	}
	pos := e.activePosition(market)
	if pos == nil {
		unlock()
		return nil, nil
	}
	cur := e.snapshot(pos)
	reason, exit := e.exitReason(cur)
	if cur.State == models.StateClosing {
		reason, exit = cur.CloseReason, true
	}
	if !exit || (cur.State != models.StateOpen && cur.State != models.StateClosing) {
		unlock()
		return nil, nil
	}
	closed, err := e.closeLocked(ctx, pos, reason, false)
	unlock()
	if err != nil {
		return nil, err
	}
	e.notify(ctx, []models.Position{closed})
	return &closed, nil
}

func (e *Engine) exitReason(p models.Position) (models.CloseReason, bool) {
	if !e.now().Before(p.ExpiresAt) {
		return models.CloseExpiry, true
	}
	e.mu.RLock()
	mark, ok := e.marks[p.MarketID]
	e.mu.RUnlock()
	if !ok {
		return "", false
	}
	price := mark.InexactFloat64()
	switch p.Direction {
	case models.DirectionBuy:
		if p.StopLoss > 0 && price <= p.StopLoss {
			return models.CloseStopLoss, true
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return models.CloseTakeProfit, true
		}
	case models.DirectionSell:
		if p.StopLoss > 0 && price >= p.StopLoss {
			return models.CloseStopLoss, true
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return models.CloseTakeProfit, true
		}
	}
	return "", false
}

// enforceLimits stops the worst open positions until aggregate exposure and
// unrealized loss are within limits.
func (e *Engine) enforceLimits(ctx context.Context) ([]models.Position, error) {
	if e.cfg.MaxExposure.IsZero() && e.cfg.MaxDrawdown.IsZero() {
		return nil, nil
	}
	type mark struct {
		market   string
		exposure decimal.Decimal
		pnl      decimal.Decimal
	}
	e.mu.RLock()
	var open []mark
	exposure, pnl := decimal.Zero, decimal.Zero
	for m, p := range e.active {
		if p.State != models.StateOpen {
			continue
		}
		px := e.markLocked(p)
		mk := mark{market: m, exposure: px.Mul(p.Size), pnl: p.PnLAt(px)}
		open = append(open, mk)
		exposure = exposure.Add(mk.exposure)
		pnl = pnl.Add(mk.pnl)
	}
	e.mu.RUnlock()

	breached := func() bool {
		if !e.cfg.MaxExposure.IsZero() && exposure.GreaterThan(e.cfg.MaxExposure) {
			return true
		}
		return !e.cfg.MaxDrawdown.IsZero() && pnl.Neg().GreaterThan(e.cfg.MaxDrawdown)
	}
	if !breached() {
		return nil, nil
	}
	sort.Slice(open, func(i, j int) bool {
		if !open[i].pnl.Equal(open[j].pnl) {
			return open[i].pnl.LessThan(open[j].pnl)
		}
		return open[i].market < open[j].market
	})

	var stopped []models.Position
	var errs []error
	for _, mk := range open {
		if !breached() {
			break
		}
		p, err := e.Stop(ctx, mk.market)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		exposure = exposure.Sub(mk.exposure)
		pnl = pnl.Sub(mk.pnl)
		stopped = append(stopped, p)
		e.log.Warn("engine.limits stopped", logger.String("market_id", mk.market), logger.String("pnl", p.RealizedPnL.String()))
	}
	return stopped, errors.Join(errs...)
}

// Reconcile resolves a quarantined market against the venue and lifts the
// halt when its position is no longer indeterminate.
func (e *Engine) Reconcile(ctx context.Context, market string) error {
	unlock, err := e.locker.Lock(ctx, market)
	if err != nil {
		return err
	}
	defer unlock()

	pos := e.activePosition(market)
	if pos == nil || pos.State != models.StatePendingSubmit {
		e.status.ResumeMarket(market)
		return nil
	}
	res, err := e.reconcileOrder(ctx, market, pos.IdempotencyKey)
	if err != nil {
		return models.NewError(models.KindIntegrityViolation, "engine.reconcile", market, err)
	}
	if res.Status == models.OrderFilled {
		if err := e.fillEntry(pos, res); err != nil {
			return err
		}
	} else {
		e.discard(pos, "reconciled: "+string(res.Status))
	}
	e.status.ResumeMarket(market)
	return nil
}

// ReconcileHalted runs Reconcile for every halted market with a pending order.
func (e *Engine) ReconcileHalted(ctx context.Context) error {
	var errs []error
	for _, m := range e.status.Snapshot().HaltedMarkets {
		if err := e.Reconcile(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) Positions() []models.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Position, 0, len(e.active))
	for _, p := range e.active {
		out = append(out, p.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

func (e *Engine) Position(market string) (models.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.active[market]
	if !ok {
		return models.Position{}, false
	}
	return p.Snapshot(), true
}

func (e *Engine) History() []models.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.Position(nil), e.history...)
}

// NotExecuted reports why a signal produced no position.
func (e *Engine) NotExecuted(signalID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.notExecuted[signalID]
	return r, ok
}

// HasPosition reports whether signalID has a position that is live, settled
// or still awaiting reconciliation. Discarded positions do not count.
func (e *Engine) HasPosition(signalID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.active {
		if p.SignalID == signalID {
			return true
		}
	}
	for _, p := range e.history {
		if p.SignalID == signalID {
			return true
		}
	}
	return false
}

func (e *Engine) Budget() BudgetSnapshot { return e.budget.Snapshot() }

// Mark records a streamed price for exit checks on the next Evaluate.
func (e *Engine) Mark(t models.PriceTick) {
	if t.Price <= 0 || t.Price >= 1 {
		return
	}
	e.mu.Lock()
	e.marks[t.MarketID] = decimal.NewFromFloat(t.Price)
	e.mu.Unlock()
}

func (e *Engine) activePosition(market string) *models.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[market]
}

func (e *Engine) snapshot(p *models.Position) models.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return p.Snapshot()
}

func (e *Engine) markLocked(p *models.Position) decimal.Decimal {
	if m, ok := e.marks[p.MarketID]; ok {
		return m
	}
	return p.EntryPrice
}

func (e *Engine) markNotExecuted(signalID, reason string) {
	e.mu.Lock()
	e.notExecuted[signalID] = reason
	e.mu.Unlock()
}

// checkBudget halts trading once no risk tier can be funded.
func (e *Engine) checkBudget() {
	snap := e.budget.Snapshot()
	e.metrics.SetBudgetAvailable(snap.Available.InexactFloat64())
	if snap.Available.LessThan(e.Allocation(models.RiskHigh)) {
		e.status.Halt("risk_budget", "risk budget exhausted")
		return
	}
	e.status.Resume("risk_budget")
}

func (e *Engine) notify(ctx context.Context, done []models.Position) {
	if len(done) == 0 {
		return
	}
	e.mu.RLock()
	ls := append([]TerminalListener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, p := range done {
		for _, fn := range ls {
			fn(context.WithoutCancel(ctx), p)
		}
	}
}

func (e *Engine) publishGauges() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.publishGaugesLocked()
}

func (e *Engine) publishGaugesLocked() {
	e.metrics.SetOpenPositions(len(e.active))
}

func opposite(d models.Direction) models.Direction {
	if d == models.DirectionBuy {
		return models.DirectionSell
	}
	return models.DirectionBuy
}
