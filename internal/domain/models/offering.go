package models

import "time"

// TierTerms describes what one tier buys.
type TierTerms struct {
	Tier       Tier          `json:"tier"`
	Latency    time.Duration `json:"-"`
	LatencyStr string        `json:"latency"`
	MinScore   float64       `json:"min_confidence"`
	DailyQuota int           `json:"daily_quota"` // negative is unlimited
	Price      float64       `json:"price"`
}

// Offering is the marketplace listing for the signal service.
type Offering struct {
	Service     string      `json:"service"`
	Description string      `json:"description"`
	Tiers       []TierTerms `json:"tiers"`
}

// Terms returns the terms for t.
func (o Offering) Terms(t Tier) (TierTerms, bool) {
	for _, tt := range o.Tiers {
		if tt.Tier == t {
			return tt, true
		}
	}
	return TierTerms{}, false
}
