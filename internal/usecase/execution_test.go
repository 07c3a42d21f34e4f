package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolySignals/internal/domain/models"
	"PolySignals/pkg/logger"
	"PolySignals/pkg/metrics"
)

type fakeVenue struct {
	mu       sync.Mutex
	submit   func(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	status   func(key string) (models.OrderResult, error)
	orders   []models.OrderRequest
	cancels  []string
	inflight map[string]int
	maxSeen  int32
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{inflight: map[string]int{}}
}

func (v *fakeVenue) Markets(context.Context, int) ([]models.MarketSnapshot, error) { return nil, nil }

func (v *fakeVenue) Snapshot(context.Context, string) (models.MarketSnapshot, error) {
	return models.MarketSnapshot{}, models.ErrNotFound
}

func (v *fakeVenue) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	v.mu.Lock()
	v.orders = append(v.orders, req)
	v.inflight[req.MarketID]++
	if n := int32(v.inflight[req.MarketID]); n > atomic.LoadInt32(&v.maxSeen) {
		atomic.StoreInt32(&v.maxSeen, n)
	}
	fn := v.submit
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		v.inflight[req.MarketID]--
		v.mu.Unlock()
	}()
	if fn != nil {
		return fn(ctx, req)
	}
	time.Sleep(2 * time.Millisecond)
	return models.OrderResult{Status: models.OrderFilled, FillPrice: req.LimitPrice, FilledSize: req.Size}, nil
}

func (v *fakeVenue) OrderStatus(_ context.Context, key string) (models.OrderResult, error) {
	v.mu.Lock()
	fn := v.status
	v.mu.Unlock()
	if fn != nil {
		return fn(key)
	}
	return models.OrderResult{Status: models.OrderNotFound}, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, key string) error {
	v.mu.Lock()
	v.cancels = append(v.cancels, key)
	v.mu.Unlock()
	return nil
}

func (v *fakeVenue) submitted() []models.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]models.OrderRequest(nil), v.orders...)
}

func engineConfig(capital, fraction float64) EngineConfig {
	return EngineConfig{
		Capital:      decimal.NewFromFloat(capital),
		RiskFraction: decimal.NewFromFloat(fraction),
		Multipliers: map[models.RiskTier]decimal.Decimal{
			models.RiskLow:    decimal.NewFromInt(1),
			models.RiskMedium: decimal.NewFromInt(2),
			models.RiskHigh:   decimal.NewFromInt(3),
		},
		OrderTimeout:     50 * time.Millisecond,
		ReconcileTimeout: 200 * time.Millisecond,
		Reversal:         ReverseCloseThenReopen,
	}
}

func newTestEngine(t *testing.T, cfg EngineConfig, v *fakeVenue) (*Engine, *Status) {
	t.Helper()
	status := NewStatus(models.ModeTrading, metrics.Nop{})
	budget := NewRiskBudget(cfg.Capital, decimal.NewFromInt(1))
	e, err := NewEngine(cfg, v, budget, status, metrics.Nop{}, logger.NewNop())
	require.NoError(t, err)
	return e, status
}

func tradeSignal(id, market string, dir models.Direction, price float64) models.Signal {
	now := time.Now()
	return models.Signal{
		ID:          id,
		MarketID:    market,
		Direction:   dir,
		Confidence:  0.7,
		Risk:        models.RiskLow,
		EntryPrice:  price,
		GeneratedAt: now,
		ExpiresAt:   now.Add(time.Hour),
	}
}

func TestEngineOpenAndCloseRealizesPnL(t *testing.T) {
	v := newFakeVenue()
	e, _ := newTestEngine(t, engineConfig(1000, 0.06), v)

	var seen []models.Position
	e.OnTerminal(func(_ context.Context, p models.Position) { seen = append(seen, p) })

	res, err := e.Execute(context.Background(), tradeSignal("s1", "m1", models.DirectionBuy, 0.60))
	require.NoError(t, err)
	require.Equal(t, OutcomeOpened, res.Outcome)
	require.Equal(t, models.StateOpen, res.Position.State)
	assert.True(t, res.Position.Size.Equal(decimal.NewFromInt(100)), "size %s", res.Position.Size)
	assert.NotEmpty(t, res.Position.IdempotencyKey)

	_, err = e.Evaluate(context.Background(), map[string]float64{"m1": 0.68})
	require.NoError(t, err)
	closed, err := e.Close(context.Background(), "m1", models.CloseManual)
	require.NoError(t, err)

	assert.Equal(t, models.StateClosed, closed.State)
	assert.True(t, closed.RealizedPnL.Equal(decimal.NewFromFloat(8)), "pnl %s", closed.RealizedPnL)
	assert.InDelta(t, 8.0/60.0, closed.ReturnPct(), 1e-9)
	require.Len(t, seen, 1)
	assert.Equal(t, "s1", seen[0].SignalID)

	_, open := e.Position("m1")
	assert.False(t, open)
	assert.True(t, e.Budget().Reserved.IsZero())

	exits := v.submitted()
	require.Len(t, exits, 2)
	assert.Equal(t, models.DirectionSell, exits[1].Direction)
	assert.True(t, exits[1].ReduceOnly)
}

func TestEngineBudgetAdmitsOnlyWhatFits(t *testing.T) {
	v := newFakeVenue()
	e, _ := newTestEngine(t, engineConfig(1000, 0.7), v)

	var wg sync.WaitGroup
	results := make([]ExecutionResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := tradeSignal(fmt.Sprintf("s%d", i), fmt.Sprintf("m%d", i), models.DirectionBuy, 0.5)
			results[i], errs[i] = e.Execute(context.Background(), sig)
		}(i)
	}
	wg.Wait()

	opened, conflicts := 0, 0
	for i := range results {
		switch {
		case errs[i] == nil && results[i].Outcome == OutcomeOpened:
			opened++
		case models.IsKind(errs[i], models.KindExecutionConflict):
			conflicts++
			assert.Equal(t, OutcomeNotExecuted, results[i].Outcome)
			_, recorded := e.NotExecuted(fmt.Sprintf("s%d", i))
			assert.True(t, recorded)
		}
	}
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, conflicts)
	assert.True(t, e.Budget().Reserved.Equal(decimal.NewFromInt(700)))
	assert.Len(t, e.Positions(), 1)
}

func TestEngineHaltsWhenBudgetExhausted(t *testing.T) {
	v := newFakeVenue()
	e, status := newTestEngine(t, engineConfig(100, 1), v)

	_, err := e.Execute(context.Background(), tradeSignal("s1", "m1", models.DirectionBuy, 0.5))
	require.NoError(t, err)
	assert.Equal(t, models.HealthHalted, status.State())
	assert.Equal(t, "risk budget exhausted", status.Snapshot().Halted["risk_budget"])

	_, err = e.Close(context.Background(), "m1", models.CloseManual)
	require.NoError(t, err)
	assert.Equal(t, models.HealthOK, status.State())
}

func TestEngineSerializesPerMarket(t *testing.T) {
	v := newFakeVenue()
	e, _ := newTestEngine(t, engineConfig(1000, 0.01), v)

	var wg sync.WaitGroup
	var opened int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Execute(context.Background(), tradeSignal(fmt.Sprintf("s%d", i), "m1", models.DirectionBuy, 0.5))
			assert.NoError(t, err)
			if res.Outcome == OutcomeOpened {
				atomic.AddInt32(&opened, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), opened)
	assert.Equal(t, int32(1), atomic.LoadInt32(&v.maxSeen))
	assert.Len(t, v.submitted(), 1)
	assert.Len(t, e.Positions(), 1)
}

func TestEngineRefusesHaltedMarket(t *testing.T) {
	v := newFakeVenue()
	e, status := newTestEngine(t, engineConfig(1000, 0.06), v)
	status.HaltMarket("m1", "operator")

	res, err := e.Execute(context.Background(), tradeSignal("s1", "m1", models.DirectionBuy, 0.6))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindIntegrityViolation))
	assert.Equal(t, OutcomeNotExecuted, res.Outcome)

	reason, ok := e.NotExecuted("s1")
	assert.True(t, ok)
	assert.Contains(t, reason, "market halted")
	assert.Empty(t, e.Positions())
	assert.Empty(t, v.submitted())
}

func TestEngineSkipsHoldAndExpired(t *testing.T) {
	v := newFakeVenue()
	e, _ := newTestEngine(t, engineConfig(1000, 0.06), v)

	res, err := e.Execute(context.Background(), tradeSignal("h", "m1", models.DirectionHold, 0.6))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	sig := tradeSignal("x", "m1", models.DirectionBuy, 0.6)
	sig.ExpiresAt = time.Now().Add(-time.Second)
	res, err = e.Execute(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Empty(t, v.submitted())
}

func TestEngineRefusesStaleSignal(t *testing.T) {
	v := newFakeVenue()
	e, _ := newTestEngine(t, engineConfig(1000, 0.06), v)

	sig := tradeSignal("s1", "m1", models.DirectionBuy, 0.6)
	sig.Opportunity.Snapshot.Stale = true
	res, err := e.Execute(context.Background(), sig)
	assert.True(t, models.IsKind(err, models.KindExecutionConflict))
	assert.Equal(t, OutcomeNotExecuted, res.Outcome)
	reason, ok := e.NotExecuted("s1")
	assert.True(t, ok)
	assert.Equal(t, "stale price", reason)
	assert.Empty(t, v.submitted())
}

func TestEngineStreamedMarkTriggersExit(t *testing.T) {
	v := newFakeVenue()
	e, _ := newTestEngine(t, engineConfig(1000, 0.06), v)
	sig := tradeSignal("s1", "m1", models.DirectionBuy, 0.6)
	sig.StopLoss = 0.55
	sig.TargetPrice = 0.7
	_, err := e.Execute(context.Background(), sig)
	require.NoError(t, err)

	e.Mark(models.PriceTick{MarketID: "m1", Price: 0.72, At: time.Now()})
	done, err := e.Evaluate(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, models.CloseTakeProfit, done[0].CloseReason)
}

func TestEngineRejectedOrderReleasesBudget(t *testing.T) {
	v := newFakeVenue()
	v.submit = func(context.Context, models.OrderRequest) (models.OrderResult, error) {
		return models.OrderResult{Status: models.OrderRejected, Reason: "insufficient liquidity"}, nil
	}
	e, _ := newTestEngine(t, engineConfig(1000, 0.06), v)

	res, err := e.Execute(context.Background(), tradeSignal("s1", "m1", models.DirectionBuy, 0.6))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindExecutionConflict))
	assert.Equal(t, OutcomeNotExecuted, res.Outcome)
	assert.Equal(t, "insufficient liquidity", res.Reason)
	assert.True(t, e.Budget().Reserved.IsZero())
	assert.Empty(t, e.Positions())
}

func TestEngineReconcilesAfterTimeout(t *testing.T) {
	v := newFakeVenue()
	v.submit = func(ctx context.Context, _ models.OrderRequest) (models.OrderResult, error) {
		<-ctx.Done()
		return models.OrderResult{}, ctx.Err()
	}
	v.status = func(string) (models.OrderResult, error) {
		return models.OrderResult{Status: models.OrderFilled, FillPrice: decimal.NewFromFloat(0.61), FilledSize: decimal.NewFromInt(90)}, nil
	}
	e, _ := newTestEngine(t, engineConfig(1000, 0.06), v)

	res, err := e.Execute(context.Background(), tradeSignal("s1", "m1", models.DirectionBuy, 0.6))
	require.NoError(t, err)
	require.Equal(t, OutcomeOpened, res.Outcome)
	assert.True(t, res.Position.EntryPrice.Equal(decimal.NewFromFloat(0.61)))
	assert.True(t, res.Position.Size.Equal(decimal.NewFromInt(90)))
}

func TestEngineReconcilesWhenCycleCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := newFakeVenue()
	v.submit = func(context.Context, models.OrderRequest) (models.OrderResult, error) {
		cancel()
		return models.OrderResult{}, context.Canceled
	}
	var pendingCalls int32
	v.status = func(string) (models.OrderResult, error) {
		if atomic.AddInt32(&pendingCalls, 1) == 1 {
			return models.OrderResult{Status: models.OrderPending}, nil
		}
		return models.OrderResult{Status: models.OrderNotFound}, nil
	}
	e, _ := newTestEngine(t, engineConfig(1000, 0.06), v)

	res, err := e.Execute(ctx, tradeSignal("s1", "m1", models.DirectionBuy, 0.6))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindExecutionConflict))
	assert.Equal(t, OutcomeNotExecuted, res.Outcome)
	assert.Len(t, v.cancels, 1)
	assert.True(t, e.Budget().Reserved.IsZero())
}

func TestEngineQuarantinesUnknownOrder(t *testing.T) {
	v := newFakeVenue()
	v.submit = func(context.Context, models.OrderRequest) (models.OrderResult, error) {
		return models.OrderResult{}, errors.New("connection reset")
	}
	v.status = func(string) (models.OrderResult, error) {
		return models.OrderResult{}, errors.New("venue unreachable")
	}
	e, status := newTestEngine(t, engineConfig(1000, 0.06), v)

	res, err := e.Execute(context.Background(), tradeSignal("s1", "m1", models.DirectionBuy, 0.6))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindIntegrityViolation))
	assert.True(t, errors.Is(err, models.ErrUnknownOrder))
	assert.Equal(t, OutcomeQuarantined, res.Outcome)
	assert.Equal(t, models.StatePendingSubmit, res.Position.State)
	_, halted := status.MarketHalted("m1")
	assert.True(t, halted)

	// a later signal on the quarantined market is refused
	_, err = e.Execute(context.Background(), tradeSignal("s2", "m1", models.DirectionBuy, 0.6))
	assert.True(t, models.IsKind(err, models.KindIntegrityViolation))

	v.status = func(string) (models.OrderResult, error) {
		return models.OrderResult{Status: models.OrderNotFound}, nil
	}
	require.NoError(t, e.ReconcileHalted(context.Background()))
	_, halted = status.MarketHalted("m1")
	assert.False(t, halted)
	assert.Empty(t, e.Positions())
	assert.True(t, e.Budget().Reserved.IsZero())
}

func TestEngineQuarantinedPositionCountsAsPosition(t *testing.T) {
	v := newFakeVenue()
	v.submit = func(context.Context, models.OrderRequest) (models.OrderResult, error) {
		return models.OrderResult{}, errors.New("connection reset")
	}
	v.status = func(string) (models.OrderResult, error) {
		return models.OrderResult{}, errors.New("venue unreachable")
	}
	e, _ := newTestEngine(t, engineConfig(1000, 0.06), v)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		market := "m-" + id
		res, err := e.Execute(ctx, tradeSignal(id, market, models.DirectionBuy, 0.6))
		require.Error(t, err)
		assert.Equal(t, OutcomeQuarantined, res.Outcome)
		assert.True(t, e.HasPosition(id), "awaiting reconciliation")
	}

	v.status = func(string) (models.OrderResult, error) {
		return models.OrderResult{Status: models.OrderFilled, FillPrice: decimal.NewFromFloat(0.6), FilledSize: decimal.NewFromInt(100)}, nil
	}
	require.NoError(t, e.Reconcile(ctx, "m-s1"))
	assert.True(t, e.HasPosition("s1"))
	pos, ok := e.Position("m-s1")
	require.True(t, ok)
	assert.Equal(t, models.StateOpen, pos.State)

	v.status = func(string) (models.OrderResult, error) {
		return models.OrderResult{Status: models.OrderNotFound}, nil
	}
	require.NoError(t, e.Reconcile(ctx, "m-s2"))
	assert.False(t, e.HasPosition("s2"), "discarded orders fall back to signal-only tracking")
}

func TestEngineReversesOnOpposingSignal(t *testing.T) {
	v := newFakeVenue()
	e, _ := newTestEngine(t, engineConfig(1000, 0.06), v)
	var closed []models.Position
	e.OnTerminal(func(_ context.Context, p models.Position) { closed = append(closed, p) })

	_, err := e.Execute(context.Background(), tradeSignal("s1", "m1", models.DirectionBuy, 0.6))
	require.NoError(t, err)

	same, err := e.Execute(context.Background(), tradeSignal("s2", "m1", models.DirectionBuy, 0.62))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, same.Outcome)

	res, err := e.Execute(context.Background(), tradeSignal("s3", "m1", models.DirectionSell, 0.5))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReversed, res.Outcome)
	assert.Equal(t, models.DirectionSell, res.Position.Direction)

	require.Len(t, closed, 1)
	assert.Equal(t, models.CloseOpposingSignal, closed[0].CloseReason)
	assert.True(t, closed[0].RealizedPnL.Equal(decimal.NewFromInt(-10)), "pnl %s", closed[0].RealizedPnL)
	assert.Len(t, e.Positions(), 1)
}

func TestEngineCloseOnlyPolicy(t *testing.T) {
	v := newFakeVenue()
	cfg := engineConfig(1000, 0.06)
	cfg.Reversal = ReverseCloseOnly
	e, _ := newTestEngine(t, cfg, v)

	_, err := e.Execute(context.Background(), tradeSignal("s1", "m1", models.DirectionBuy, 0.6))
	require.NoError(t, err)
	res, err := e.Execute(context.Background(), tradeSignal("s2", "m1", models.DirectionSell, 0.65))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosedOnly, res.Outcome)
	assert.Empty(t, e.Positions())
}

func TestEngineEvaluateStopLoss(t *testing.T) {
	v := newFakeVenue()
	e, _ := newTestEngine(t, engineConfig(1000, 0.06), v)
	sig := tradeSignal("s1", "m1", models.DirectionBuy, 0.6)
	sig.StopLoss = 0.55
	sig.TargetPrice = 0.7
	_, err := e.Execute(context.Background(), sig)
	require.NoError(t, err)

	done, err := e.Evaluate(context.Background(), map[string]float64{"m1": 0.57})
	require.NoError(t, err)
	assert.Empty(t, done)

	done, err = e.Evaluate(context.Background(), map[string]float64{"m1": 0.5})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, models.CloseStopLoss, done[0].CloseReason)
	assert.Equal(t, models.StateClosed, done[0].State)
}

func TestEngineEvaluateRetriesFailedExit(t *testing.T) {
	v := newFakeVenue()
	e, _ := newTestEngine(t, engineConfig(1000, 0.06), v)
	_, err := e.Execute(context.Background(), tradeSignal("s1", "m1", models.DirectionBuy, 0.6))
	require.NoError(t, err)

	v.mu.Lock()
	v.submit = func(context.Context, models.OrderRequest) (models.OrderResult, error) {
		return models.OrderResult{Status: models.OrderRejected, Reason: "book empty"}, nil
	}
	v.mu.Unlock()
	_, err = e.Close(context.Background(), "m1", models.CloseManual)
	require.Error(t, err)
	pos, ok := e.Position("m1")
	require.True(t, ok)
	assert.Equal(t, models.StateClosing, pos.State)

	v.mu.Lock()
	v.submit = nil
	v.mu.Unlock()
	done, err := e.Evaluate(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, models.CloseManual, done[0].CloseReason)
}

func TestEngineDrawdownStopsPositions(t *testing.T) {
	v := newFakeVenue()
	cfg := engineConfig(1000, 0.06)
	cfg.MaxDrawdown = decimal.NewFromInt(5)
	e, _ := newTestEngine(t, cfg, v)
	_, err := e.Execute(context.Background(), tradeSignal("s1", "m1", models.DirectionBuy, 0.6))
	require.NoError(t, err)

	done, err := e.Evaluate(context.Background(), map[string]float64{"m1": 0.5})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, models.StateStopped, done[0].State)
	assert.Equal(t, models.CloseRiskLimit, done[0].CloseReason)
}

func TestEngineConfigValidate(t *testing.T) {
	cfg := engineConfig(0, 0.06)
	assert.True(t, models.IsKind(cfg.Validate(), models.KindConfiguration))

	cfg = engineConfig(1000, 1.5)
	assert.Error(t, cfg.Validate())

	cfg = engineConfig(1000, 0.06)
	delete(cfg.Multipliers, models.RiskMedium)
	assert.Error(t, cfg.Validate())
}

func TestRiskBudgetConcurrentReserve(t *testing.T) {
	b := NewRiskBudget(decimal.NewFromInt(1000), decimal.NewFromInt(1))
	var wg sync.WaitGroup
	var granted int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Reserve(decimal.NewFromInt(30)); err == nil {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(33), granted)
	snap := b.Snapshot()
	assert.True(t, snap.Reserved.Equal(decimal.NewFromInt(990)))
	assert.Equal(t, uint64(33), snap.Version)

	b.Release(decimal.NewFromInt(2000))
	assert.True(t, b.Snapshot().Reserved.IsZero())
}

func TestLocalLockerHonorsContext(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "m1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "m1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "m2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "m1")
	require.NoError(t, err)
	again()
	assert.Empty(t, l.locks)
}
