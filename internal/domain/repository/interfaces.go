package repository

import (
	"context"
	"time"

	"PolySignals/internal/domain/models"
)

// Venue is the market-data and order collaborator.
type Venue interface {
	// Markets lists active markets, highest volume first.
	Markets(ctx context.Context, limit int) ([]models.MarketSnapshot, error)
	Snapshot(ctx context.Context, marketID string) (models.MarketSnapshot, error)
	SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	// OrderStatus looks an order up by its idempotency key.
	OrderStatus(ctx context.Context, idempotencyKey string) (models.OrderResult, error)
	CancelOrder(ctx context.Context, idempotencyKey string) error
}

type PriceStream interface {
	Subscribe(ctx context.Context, markets []string) (<-chan models.PriceTick, <-chan error)
	Close() error
}

// SignalPublisher hands a released signal to the marketplace. A nil error is
// the delivery acknowledgment.
type SignalPublisher interface {
	Publish(ctx context.Context, sig models.Signal, tier models.Tier) error
	Close() error
}

// Entitlements answers whether a requester holds a tier right now.
type Entitlements interface {
	Entitled(ctx context.Context, token string, tier models.Tier) (subject string, err error)
}

// LedgerStore persists ledger entries. Entries are append-only; there is no
// update or delete.
type LedgerStore interface {
	Append(ctx context.Context, e models.LedgerEntry) error
	// Entries returns entries written in [from, to), seq ascending.
	Entries(ctx context.Context, from, to time.Time) ([]models.LedgerEntry, error)
	All(ctx context.Context) ([]models.LedgerEntry, error)
	Close() error
}

// DelayedRelease is a gate decision waiting for its release time.
type DelayedRelease struct {
	Signal    models.Signal `json:"signal"`
	Tier      models.Tier   `json:"tier"`
	NotBefore time.Time     `json:"not_before"`
}

type DelayQueue interface {
	Push(ctx context.Context, item DelayedRelease) error
	// PopDue removes and returns up to limit items due at now.
	PopDue(ctx context.Context, now time.Time, limit int) ([]DelayedRelease, error)
	Len(ctx context.Context) (int, error)
}

// SnapshotCache keeps the last good universe fetch for degraded operation.
type SnapshotCache interface {
	Store(ctx context.Context, snaps []models.MarketSnapshot) error
	Load(ctx context.Context) ([]models.MarketSnapshot, error)
}

// FreeDeliveryStore remembers the last free-tier delivery so the daily free
// slot survives a restart.
type FreeDeliveryStore interface {
	SaveFree(ctx context.Context, signalID string, at time.Time) error
	// LastFree returns models.ErrNotFound when no free delivery is on record.
	LastFree(ctx context.Context) (signalID string, at time.Time, err error)
}

// MarketLocker serializes order-affecting work per market.
type MarketLocker interface {
	Lock(ctx context.Context, marketID string) (unlock func(), err error)
}

type Metrics interface {
	RecordCycle(seconds float64, opportunities, signals int)
	RecordSignal(direction, risk string)
	RecordSuppressed()
	RecordError(kind string)
	RecordDelivery(tier, action string)
	RecordExecution(result string)
	RecordLedgerAppend(outcome string)
	RecordLatency(op string, seconds float64)
	SetOpenPositions(n int)
	SetBudgetAvailable(v float64)
	SetHealth(state string)
}
