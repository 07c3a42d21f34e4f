package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionHold Direction = "hold"
)

// Opposes reports whether d and o point in opposite tradable directions.
func (d Direction) Opposes(o Direction) bool {
	return (d == DirectionBuy && o == DirectionSell) || (d == DirectionSell && o == DirectionBuy)
}

func (d Direction) Tradable() bool { return d == DirectionBuy || d == DirectionSell }

type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Signal is an immutable trading recommendation. Corrections are new Signals
// carrying Supersedes.
type Signal struct {
	ID                 string      `json:"id"`
	MarketID           string      `json:"market_id"`
	Question           string      `json:"question"`
	Direction          Direction   `json:"direction"`
	Confidence         float64     `json:"confidence"`
	Risk               RiskTier    `json:"risk"`
	Score              float64     `json:"score"`
	EntryPrice         float64     `json:"entry_price"`
	TargetPrice        float64     `json:"target_price"`
	StopLoss           float64     `json:"stop_loss"`
	SuggestedFraction  float64     `json:"suggested_fraction"`
	Reasoning          []string    `json:"reasoning"`
	GeneratedAt        time.Time   `json:"generated_at"`
	ExpiresAt          time.Time   `json:"expires_at"`
	Opportunity        Opportunity `json:"opportunity"`
	Supersedes         string      `json:"supersedes,omitempty"`
	CalibrationVersion uint64      `json:"calibration_version"`
	ColdStart          bool        `json:"cold_start"`
}

func (s Signal) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// Fingerprint hashes every field except GeneratedAt. Two signals with the
// same fingerprint are the same recommendation.
func (s Signal) Fingerprint() string {
	s.GeneratedAt = time.Time{}
	b, err := json.Marshal(s)
	if err != nil {
		// Signal holds only plain values; Marshal cannot fail.
		panic(fmt.Sprintf("signal fingerprint: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierPro     Tier = "pro"
)

// Tiers lists tiers from highest to lowest.
var Tiers = []Tier{TierPro, TierPremium, TierFree}

func (t Tier) Rank() int {
	switch t {
	case TierPro:
		return 3
	case TierPremium:
		return 2
	case TierFree:
		return 1
	}
	return 0
}

func (t Tier) Valid() bool { return t.Rank() > 0 }

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// SignalView is what a subscriber receives. Free subscribers get the
// summary only.
type SignalView struct {
	ID          string    `json:"signal_id"`
	MarketID    string    `json:"market_id"`
	Question    string    `json:"market_question"`
	Direction   Direction `json:"direction"`
	Confidence  float64   `json:"confidence"`
	GeneratedAt time.Time `json:"generated_at"`
	Detail      *Signal   `json:"detail,omitempty"`
}

func (s Signal) ViewFor(t Tier) SignalView {
	v := SignalView{
		ID:          s.ID,
		MarketID:    s.MarketID,
		Question:    s.Question,
		Direction:   s.Direction,
		Confidence:  s.Confidence,
		GeneratedAt: s.GeneratedAt,
	}
	if t.Rank() > TierFree.Rank() {
		full := s
		full.Reasoning = append([]string(nil), s.Reasoning...)
		v.Detail = &full
	}
	return v
}
