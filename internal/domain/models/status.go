package models

import "time"

type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthHalted   HealthState = "halted"
)

// Status is the operator-facing health of the process.
type Status struct {
	State         HealthState       `json:"state"`
	Mode          Mode              `json:"mode"`
	Degraded      map[string]string `json:"degraded,omitempty"`
	Halted        map[string]string `json:"halted,omitempty"`
	HaltedMarkets []string          `json:"halted_markets,omitempty"`
	LastCycle     time.Time         `json:"last_cycle,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ResolutionEvent announces a market that settled at the venue.
type ResolutionEvent struct {
	MarketID   string    `json:"market_id"`
	FinalPrice float64   `json:"final_price"` // 1 for YES, 0 for NO
	ResolvedAt time.Time `json:"resolved_at"`
}

// PriceTick is one streamed mark price.
type PriceTick struct {
	MarketID string    `json:"market_id"`
	Price    float64   `json:"price"`
	At       time.Time `json:"at"`
}
