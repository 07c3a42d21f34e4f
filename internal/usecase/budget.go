package usecase

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"PolySignals/internal/domain/models"
)

// BudgetSnapshot is a consistent view of the risk budget.
type BudgetSnapshot struct {
	Version   uint64          `json:"version"`
	Capital   decimal.Decimal `json:"capital"`
	Cap       decimal.Decimal `json:"cap"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
}

// RiskBudget is the shared capital allocation. Every change is a single
// check-and-update under the mutex and bumps Version.
type RiskBudget struct {
	mu       sync.Mutex
	capital  decimal.Decimal
	cap      decimal.Decimal
	reserved decimal.Decimal
	version  uint64
}

// NewRiskBudget caps total reservations at capital * maxExposureFraction.
func NewRiskBudget(capital, maxExposureFraction decimal.Decimal) *RiskBudget {
	return &RiskBudget{capital: capital, cap: capital.Mul(maxExposureFraction)}
}

// Reserve holds amount or fails with ExecutionConflict. It never grants
// less than asked.
func (b *RiskBudget) Reserve(amount decimal.Decimal) (BudgetSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !amount.IsPositive() {
		return b.snapshotLocked(), models.Errorf(models.KindExecutionConflict, "budget.reserve", "non-positive amount %s", amount)
	}
	if b.reserved.Add(amount).GreaterThan(b.cap) {
		return b.snapshotLocked(), models.NewError(models.KindExecutionConflict, "budget.reserve", "",
			fmt.Errorf("reserve %s exceeds available %s", amount.StringFixed(2), b.cap.Sub(b.reserved).StringFixed(2)))
	}
	b.reserved = b.reserved.Add(amount)
	b.version++
	return b.snapshotLocked(), nil
}

// Release returns amount to the budget.
func (b *RiskBudget) Release(amount decimal.Decimal) BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved = b.reserved.Sub(amount)
	if b.reserved.IsNegative() {
		b.reserved = decimal.Zero
	}
	b.version++
	return b.snapshotLocked()
}

func (b *RiskBudget) Snapshot() BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *RiskBudget) snapshotLocked() BudgetSnapshot {
	return BudgetSnapshot{
		Version:   b.version,
		Capital:   b.capital,
		Cap:       b.cap,
		Reserved:  b.reserved,
		Available: b.cap.Sub(b.reserved),
	}
}
