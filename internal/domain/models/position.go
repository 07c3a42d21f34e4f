package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PositionState string

const (
	StatePendingSubmit PositionState = "pending_submit"
	StateOpen          PositionState = "open"
	StateClosing       PositionState = "closing"
	StateClosed        PositionState = "closed"
	StateStopped       PositionState = "stopped"
	// StateDiscarded marks an order that never filled. Discarded positions
	// are not kept.
	StateDiscarded PositionState = "discarded"
)

var transitions = map[PositionState][]PositionState{
	StatePendingSubmit: {StateOpen, StateDiscarded},
	StateOpen:          {StateClosing, StateStopped},
	StateClosing:       {StateClosed},
}

func (s PositionState) Terminal() bool {
	return s == StateClosed || s == StateStopped || s == StateDiscarded
}

func (s PositionState) CanTransition(to PositionState) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

type CloseReason string

const (
	CloseOpposingSignal CloseReason = "opposing_signal"
	CloseExpiry         CloseReason = "expiry"
	CloseStopLoss       CloseReason = "stop_loss"
	CloseTakeProfit     CloseReason = "take_profit"
	CloseRiskLimit      CloseReason = "risk_limit"
	CloseManual         CloseReason = "manual"
)

// Position is owned by the execution engine. All mutation goes through
// Transition so the state machine cannot be bypassed.
type Position struct {
	ID             string          `json:"id"`
	SignalID       string          `json:"signal_id"`
	MarketID       string          `json:"market_id"`
	Direction      Direction       `json:"direction"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	Size           decimal.Decimal `json:"size"`
	Reserved       decimal.Decimal `json:"reserved"` // budget held for this position
	ExitPrice      decimal.Decimal `json:"exit_price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	State          PositionState   `json:"state"`
	IdempotencyKey string          `json:"idempotency_key"`
	ExitKey        string          `json:"exit_key,omitempty"`
	CloseReason    CloseReason     `json:"close_reason,omitempty"`
	TakeProfit     float64         `json:"take_profit"`
	StopLoss       float64         `json:"stop_loss"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
	OpenedAt       *time.Time      `json:"opened_at,omitempty"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// Transition moves the position to the next state or fails with
// IntegrityViolation.
func (p *Position) Transition(to PositionState, at time.Time) error {
	if !p.State.CanTransition(to) {
		return NewError(KindIntegrityViolation, "position.transition", p.MarketID,
			fmt.Errorf("illegal transition %s -> %s", p.State, to))
	}
	p.State = to
	switch to {
	case StateOpen:
		p.OpenedAt = &at
	case StateClosed, StateStopped:
		p.ClosedAt = &at
	}
	return nil
}

// Notional is entry price times size.
func (p *Position) Notional() decimal.Decimal { return p.EntryPrice.Mul(p.Size) }

// PnLAt is the profit at the given price in the position's direction.
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	move := price.Sub(p.EntryPrice)
	if p.Direction == DirectionSell {
		move = move.Neg()
	}
	return move.Mul(p.Size)
}

// Settle records the exit fill and realized P&L.
func (p *Position) Settle(exit decimal.Decimal) {
	p.ExitPrice = exit
	p.RealizedPnL = p.PnLAt(exit)
}

// ReturnPct is realized P&L over entry notional.
func (p *Position) ReturnPct() float64 {
	n := p.Notional()
	if n.IsZero() {
		return 0
	}
	return p.RealizedPnL.Div(n).InexactFloat64()
}

// Snapshot returns a copy safe to hand outside the engine.
func (p *Position) Snapshot() Position {
	c := *p
	if p.OpenedAt != nil {
		t := *p.OpenedAt
		c.OpenedAt = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return c
}

// OrderRequest is what the engine sends to the venue.
type OrderRequest struct {
	MarketID       string          `json:"market_id"`
	Direction      Direction       `json:"side"`
	Size           decimal.Decimal `json:"size"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	IdempotencyKey string          `json:"client_order_id"`
	ReduceOnly     bool            `json:"reduce_only,omitempty"`
}

type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
	OrderPending  OrderStatus = "pending"
	OrderNotFound OrderStatus = "not_found"
)

// OrderResult is the venue's answer to a submission or status query.
type OrderResult struct {
	Status     OrderStatus     `json:"status"`
	FillPrice  decimal.Decimal `json:"fill_price"`
	FilledSize decimal.Decimal `json:"filled_size"`
	Reason     string          `json:"reason,omitempty"`
}
