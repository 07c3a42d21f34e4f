package usecase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PolySignals/internal/domain/models"
)

// signalNamespace scopes name-based signal IDs.
var signalNamespace = uuid.MustParse("6f1b3c0e-58a4-4d4e-9a0e-2f7d9c1b5a10")

type GeneratorConfig struct {
	Horizon             time.Duration
	MinDislocation      float64
	SuppressionFloor    float64
	ColdStartConfidence float64
	MinSamples          int
	Shrinkage           float64

	// NominalAllocation is capital times risk fraction, before the risk
	// multiplier. Used to judge size against depth.
	NominalAllocation   float64
	LowRiskLiquidity    float64
	MediumRiskLiquidity float64
	LowRiskRatio        float64
	MediumRiskRatio     float64

	TargetOffset float64
	StopOffset   float64
}

func (c GeneratorConfig) Validate() error {
	const op = "generator.config"
	if c.Horizon <= 0 {
		return models.Errorf(models.KindConfiguration, op, "horizon must be positive")
	}
	if c.SuppressionFloor < 0 || c.SuppressionFloor > 1 {
		return models.Errorf(models.KindConfiguration, op, "suppression floor %.2f outside [0,1]", c.SuppressionFloor)
	}
	if c.ColdStartConfidence < c.SuppressionFloor || c.ColdStartConfidence > 1 {
		return models.Errorf(models.KindConfiguration, op, "cold start confidence %.2f below suppression floor %.2f",
			c.ColdStartConfidence, c.SuppressionFloor)
	}
	return nil
}

type GeneratorOption func(*Generator)

func WithGeneratorClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// Generator turns opportunities into signals. Output is a pure function of
// the opportunity, the config and the calibration snapshot, except
// GeneratedAt.
type Generator struct {
	cfg    GeneratorConfig
	digest string
	calib  *Calibration
	now    func() time.Time
}

func NewGenerator(cfg GeneratorConfig, calib *Calibration, opts ...GeneratorOption) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Generator{
		cfg:    cfg,
		digest: fmt.Sprintf("%+v", cfg),
		calib:  calib,
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func (g *Generator) SuppressionFloor() float64 { return g.cfg.SuppressionFloor }

// Generate returns models.ErrSuppressed when confidence falls below the
// suppression floor; no signal exists in that case.
func (g *Generator) Generate(opp models.Opportunity) (models.Signal, error) {
	return g.build(opp, "")
}

// Supersede issues a correction of prev from a fresh opportunity on the same
// market.
func (g *Generator) Supersede(prev models.Signal, opp models.Opportunity) (models.Signal, error) {
	if prev.MarketID != opp.MarketID {
		return models.Signal{}, models.NewError(models.KindIntegrityViolation, "generator.supersede", opp.MarketID,
			fmt.Errorf("correction for market %s cannot supersede signal on %s", opp.MarketID, prev.MarketID))
	}
	return g.build(opp, prev.ID)
}

func (g *Generator) build(opp models.Opportunity, supersedes string) (models.Signal, error) {
	snap := opp.Snapshot
	calib := g.calib.Current()

	conf, cold := calib.Confidence(opp.Score, g.cfg.MinSamples, g.cfg.Shrinkage)
	if cold {
		conf = g.cfg.ColdStartConfidence
	}
	conf = roundTo(conf, 6)
	if conf < g.cfg.SuppressionFloor {
		return models.Signal{}, models.ErrSuppressed
	}

	dir := g.direction(opp)
	risk := models.RiskHigh
	if !cold {
		risk = g.riskTier(snap)
	}
	target, stop := g.levels(dir, snap.Price)

	sig := models.Signal{
		MarketID:           opp.MarketID,
		Question:           snap.Question,
		Direction:          dir,
		Confidence:         conf,
		Risk:               risk,
		Score:              opp.Score,
		EntryPrice:         snap.Price,
		TargetPrice:        target,
		StopLoss:           stop,
		SuggestedFraction:  suggestedFraction(conf),
		Reasoning:          reasoning(opp, dir, cold),
		ExpiresAt:          expiry(snap, g.cfg.Horizon),
		Opportunity:        opp,
		Supersedes:         supersedes,
		CalibrationVersion: calib.Version,
		ColdStart:          cold,
	}
	sig.ID = g.signalID(sig)
	sig.GeneratedAt = g.now().UTC()
	return sig, nil
}

func (g *Generator) signalID(sig models.Signal) string {
	b, _ := json.Marshal(sig)
	return uuid.NewSHA1(signalNamespace, append(b, g.digest...)).String()
}

func (g *Generator) direction(opp models.Opportunity) models.Direction {
	d := opp.Factors.Dislocation
	switch {
	case d > g.cfg.MinDislocation:
		return models.DirectionSell
	case -d > g.cfg.MinDislocation:
		return models.DirectionBuy
	}
	return models.DirectionHold
}

// riskTier grades the market by depth and by the nominal allocation relative
// to that depth.
func (g *Generator) riskTier(snap models.MarketSnapshot) models.RiskTier {
	depth := snap.Liquidity
	if snap.Depth > 0 {
		depth = snap.Depth
	}
	if depth <= 0 {
		return models.RiskHigh
	}
	ratio := g.cfg.NominalAllocation / depth
	switch {
	case snap.Liquidity >= g.cfg.LowRiskLiquidity && ratio <= g.cfg.LowRiskRatio:
		return models.RiskLow
	case snap.Liquidity >= g.cfg.MediumRiskLiquidity && ratio <= g.cfg.MediumRiskRatio:
		return models.RiskMedium
	}
	return models.RiskHigh
}

func (g *Generator) levels(dir models.Direction, price float64) (target, stop float64) {
	switch dir {
	case models.DirectionBuy:
		target, stop = price+g.cfg.TargetOffset, price-g.cfg.StopOffset
	case models.DirectionSell:
		target, stop = price-g.cfg.TargetOffset, price+g.cfg.StopOffset
	default:
		return price, price
	}
	return roundTo(clamp(target, 0.05, 0.95), 6), roundTo(clamp(stop, 0.05, 0.95), 6)
}

func suggestedFraction(conf float64) float64 {
	switch {
	case conf >= 0.90:
		return 0.10
	case conf >= 0.80:
		return 0.07
	case conf >= 0.70:
		return 0.05
	case conf >= 0.60:
		return 0.03
	}
	return 0.01
}

// expiry ends the signal at the horizon or at market resolution, whichever
// comes first.
func expiry(snap models.MarketSnapshot, horizon time.Duration) time.Time {
	at := snap.FetchedAt.Add(horizon)
	if !snap.EndDate.IsZero() && snap.EndDate.Before(at) {
		return snap.EndDate
	}
	return at
}

func reasoning(opp models.Opportunity, dir models.Direction, cold bool) []string {
	f := opp.Factors
	out := []string{
		fmt.Sprintf("score %.1f", opp.Score),
		fmt.Sprintf("price %.3f vs reference %.3f (%+.3f)", opp.Snapshot.Price, opp.Snapshot.Reference(), f.Dislocation),
		fmt.Sprintf("liquidity %.1fx floor", f.LiquidityRatio),
	}
	if f.VolumeTrendDelta != 0 {
		out = append(out, fmt.Sprintf("volume %+.0f%% vs trailing average", f.VolumeTrendDelta*100))
	}
	if dir == models.DirectionHold {
		out = append(out, "dislocation within noise band")
	}
	if cold {
		out = append(out, "calibration history insufficient, conservative confidence")
	}
	return out
}
