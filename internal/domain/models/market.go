package models

import (
	"errors"
	"math"
	"time"
)

// MarketSnapshot is the state of one market at one fetch. Never persisted.
type MarketSnapshot struct {
	MarketID  string    `json:"market_id"`
	Question  string    `json:"question"`
	Price     float64   `json:"price"` // implied probability of YES
	Volume24h float64   `json:"volume_24h"`
	Liquidity float64   `json:"liquidity"`
	Depth     float64   `json:"depth"` // resting size within the top of book
	EndDate   time.Time `json:"end_date,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`

	// Filled from market history by the provider; zero means unknown.
	ReferenceProb float64 `json:"reference_prob,omitempty"`
	AvgVolume     float64 `json:"avg_volume,omitempty"`

	Stale bool `json:"stale,omitempty"`
}

// Validate rejects malformed or implausible snapshots.
func (s MarketSnapshot) Validate() error {
	const op = "snapshot.validate"
	switch {
	case s.MarketID == "":
		return Errorf(KindDataQuality, op, "empty market id")
	case s.FetchedAt.IsZero():
		return NewError(KindDataQuality, op, s.MarketID, errors.New("missing fetch timestamp"))
	case !finite(s.Price, s.Volume24h, s.Liquidity, s.Depth, s.ReferenceProb, s.AvgVolume):
		return NewError(KindDataQuality, op, s.MarketID, errors.New("non-finite value"))
	case s.Price <= 0 || s.Price >= 1:
		return NewError(KindDataQuality, op, s.MarketID, errors.New("price outside (0,1)"))
	case s.Volume24h < 0:
		return NewError(KindDataQuality, op, s.MarketID, errors.New("negative volume"))
	case s.Liquidity < 0:
		return NewError(KindDataQuality, op, s.MarketID, errors.New("negative liquidity"))
	case s.Depth < 0:
		return NewError(KindDataQuality, op, s.MarketID, errors.New("negative depth"))
	case s.ReferenceProb < 0 || s.ReferenceProb >= 1:
		return NewError(KindDataQuality, op, s.MarketID, errors.New("reference probability outside [0,1)"))
	}
	return nil
}

// Reference returns the reference probability, falling back to price.
func (s MarketSnapshot) Reference() float64 {
	if s.ReferenceProb > 0 {
		return s.ReferenceProb
	}
	return s.Price
}

// Factors are the scoring inputs of an Opportunity.
type Factors struct {
	VolumeTrendDelta float64 `json:"volume_trend_delta"`
	LiquidityRatio   float64 `json:"liquidity_ratio"`
	Dislocation      float64 `json:"dislocation"` // price - reference, signed
}

// DislocationMagnitude is |price - reference|.
func (f Factors) DislocationMagnitude() float64 { return math.Abs(f.Dislocation) }

// Opportunity is a ranked candidate from one scan cycle.
type Opportunity struct {
	MarketID string         `json:"market_id"`
	Score    float64        `json:"score"`
	Factors  Factors        `json:"factors"`
	Snapshot MarketSnapshot `json:"snapshot"`
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
