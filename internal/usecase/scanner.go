package usecase

import (
	"fmt"
	"math"
	"sort"
	"time"

	"PolySignals/internal/domain/models"
)

// ScanWeights weight the three score terms. They sum to 1.
type ScanWeights struct {
	Volume      float64
	Liquidity   float64
	Dislocation float64
}

type ScannerConfig struct {
	Weights          ScanWeights
	MinLiquidity     float64 // hard floor; thinner markets are excluded
	DislocationScale float64 // dislocation at which the term saturates
	MinScore         float64
	MaxOpportunities int

	// Markets with a known end date must resolve inside this window of the
	// fetch. A zero maximum leaves it open-ended.
	MinTimeToResolution time.Duration
	MaxTimeToResolution time.Duration
}

func (c ScannerConfig) Validate() error {
	sum := c.Weights.Volume + c.Weights.Liquidity + c.Weights.Dislocation
	if math.Abs(sum-1) > 1e-6 {
		return models.Errorf(models.KindConfiguration, "scanner.config", "weights sum to %.6f, want 1", sum)
	}
	if c.DislocationScale <= 0 || c.MaxOpportunities <= 0 {
		return models.Errorf(models.KindConfiguration, "scanner.config", "dislocation scale and max opportunities must be positive")
	}
	if c.MinTimeToResolution < 0 || (c.MaxTimeToResolution > 0 && c.MaxTimeToResolution < c.MinTimeToResolution) {
		return models.Errorf(models.KindConfiguration, "scanner.config", "resolution window [%s, %s] is empty",
			c.MinTimeToResolution, c.MaxTimeToResolution)
	}
	return nil
}

// ScanResult holds the ranked opportunities and the snapshots rejected for
// data quality.
type ScanResult struct {
	Opportunities []models.Opportunity
	Rejected      []error
	BelowFloor    int
	OutsideWindow int
}

// Scanner ranks market snapshots. It is pure: no I/O, no clock.
type Scanner struct {
	cfg ScannerConfig
}

func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scanner{cfg: cfg}, nil
}

// Scan scores every valid snapshot above the liquidity floor and returns them
// best first, truncated to MaxOpportunities. Ties break on market id.
func (s *Scanner) Scan(snapshots []models.MarketSnapshot) ScanResult {
	var res ScanResult
	seen := make(map[string]struct{}, len(snapshots))
	for _, snap := range snapshots {
		if err := snap.Validate(); err != nil {
			res.Rejected = append(res.Rejected, err)
			continue
		}
		if _, dup := seen[snap.MarketID]; dup {
			res.Rejected = append(res.Rejected, models.NewError(models.KindDataQuality, "scanner.scan",
				snap.MarketID, fmt.Errorf("duplicate snapshot in cycle")))
			continue
		}
		seen[snap.MarketID] = struct{}{}

		if snap.Liquidity < s.cfg.MinLiquidity {
			res.BelowFloor++
			continue
		}
		if !s.resolvesInWindow(snap) {
			res.OutsideWindow++
			continue
		}
		opp := s.Score(snap)
		if opp.Score < s.cfg.MinScore {
			continue
		}
		res.Opportunities = append(res.Opportunities, opp)
	}

	sort.SliceStable(res.Opportunities, func(i, j int) bool {
		a, b := res.Opportunities[i], res.Opportunities[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.MarketID < b.MarketID
	})
	if len(res.Opportunities) > s.cfg.MaxOpportunities {
		res.Opportunities = res.Opportunities[:s.cfg.MaxOpportunities]
	}
	return res
}

func (s *Scanner) resolvesInWindow(snap models.MarketSnapshot) bool {
	if snap.EndDate.IsZero() {
		return true
	}
	left := snap.EndDate.Sub(snap.FetchedAt)
	if left < s.cfg.MinTimeToResolution {
		return false
	}
	return s.cfg.MaxTimeToResolution <= 0 || left <= s.cfg.MaxTimeToResolution
}

// Score computes the weighted score of one snapshot, in [0,100].
func (s *Scanner) Score(snap models.MarketSnapshot) models.Opportunity {
	f := models.Factors{
		Dislocation: snap.Price - snap.Reference(),
	}
	if snap.AvgVolume > 0 {
		f.VolumeTrendDelta = (snap.Volume24h - snap.AvgVolume) / snap.AvgVolume
	}
	f.LiquidityRatio = snap.Liquidity / math.Max(s.cfg.MinLiquidity, 1)

	volumeTerm := clamp01(f.VolumeTrendDelta)
	liquidityTerm := 0.0
	if f.LiquidityRatio > 0 {
		liquidityTerm = clamp01(1 - 1/f.LiquidityRatio)
	}
	dislocationTerm := clamp01(f.DislocationMagnitude() / s.cfg.DislocationScale)

	w := s.cfg.Weights
	score := 100 * (w.Volume*volumeTerm + w.Liquidity*liquidityTerm + w.Dislocation*dislocationTerm)

	return models.Opportunity{
		MarketID: snap.MarketID,
		Score:    roundTo(score, 6),
		Factors:  f,
		Snapshot: snap,
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// roundTo keeps derived values stable across platforms for fingerprinting.
func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
