package usecase

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"PolySignals/internal/domain/models"
)

type Action string

const (
	ActionDeliver  Action = "deliver"
	ActionWithhold Action = "withhold"
	ActionDelay    Action = "delay"
)

// Decision is the gate's answer for one (signal, tier) pair. NotBefore is set
// for delays.
type Decision struct {
	Action    Action    `json:"action"`
	NotBefore time.Time `json:"not_before,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	// Candidate is the signal that outranks this one for the free slot.
	Candidate *models.Signal `json:"-"`
	// Queued marks a delay already handed out for the same release time.
	Queued bool `json:"queued,omitempty"`
}

type GateConfig struct {
	SuppressionFloor float64
	PremiumFloor     float64
	PremiumLatency   time.Duration
	FreeLatency      time.Duration
	FreeWindow       time.Duration
}

func (c GateConfig) Validate() error {
	const op = "gate.config"
	if c.PremiumLatency < 0 || c.FreeLatency < c.PremiumLatency {
		return models.Errorf(models.KindConfiguration, op, "latencies must satisfy 0 <= premium <= free")
	}
	if c.PremiumFloor < c.SuppressionFloor {
		return models.Errorf(models.KindConfiguration, op, "premium floor below suppression floor")
	}
	if c.FreeWindow <= 0 {
		return models.Errorf(models.KindConfiguration, op, "free window must be positive")
	}
	return nil
}

func (c GateConfig) latency(t models.Tier) time.Duration {
	switch t {
	case models.TierPremium:
		return c.PremiumLatency
	case models.TierFree:
		return c.FreeLatency
	}
	return 0
}

type admitted struct {
	sig         models.Signal
	fingerprint string
	availableAt time.Time // first moment the signal was available to pro
	replacedBy  string
}

// Gate decides which tiers receive a signal and when. All state sits behind
// one mutex so concurrent releases observe a single order.
type Gate struct {
	cfg GateConfig

	mu        sync.Mutex
	signals   map[string]*admitted
	delivered map[models.Tier]map[string]time.Time
	pending   map[models.Tier]map[string]time.Time
	free      []freeDelivery
}

type freeDelivery struct {
	signalID string
	at       time.Time
}

func NewGate(cfg GateConfig) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{
		cfg:       cfg,
		signals:   map[string]*admitted{},
		delivered: map[models.Tier]map[string]time.Time{},
		pending:   map[models.Tier]map[string]time.Time{},
	}
	for _, t := range models.Tiers {
		g.delivered[t] = map[string]time.Time{}
		g.pending[t] = map[string]time.Time{}
	}
	return g, nil
}

// Admit registers a freshly generated signal. Re-admitting the same ID with
// different content is an integrity violation.
func (g *Gate) Admit(sig models.Signal, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitLocked(sig, now)
}

func (g *Gate) admitLocked(sig models.Signal, now time.Time) error {
	const op = "gate.admit"
	if sig.Confidence < g.cfg.SuppressionFloor {
		return models.NewError(models.KindIntegrityViolation, op, sig.MarketID,
			fmt.Errorf("signal %s confidence %.3f below suppression floor", sig.ID, sig.Confidence))
	}
	fp := sig.Fingerprint()
	if a, ok := g.signals[sig.ID]; ok {
		if a.fingerprint != fp {
			return models.NewError(models.KindIntegrityViolation, op, sig.MarketID,
				fmt.Errorf("signal %s re-admitted with different content", sig.ID))
		}
		return nil
	}
	at := sig.GeneratedAt
	if now.After(at) {
		at = now
	}
	g.signals[sig.ID] = &admitted{sig: sig, fingerprint: fp, availableAt: at}
	if prev, ok := g.signals[sig.Supersedes]; ok && sig.Supersedes != "" {
		prev.replacedBy = sig.ID
	}
	g.pruneLocked(now)
	return nil
}

// Release decides delivery of sig to tier at now. A deliver decision is
// recorded before returning; callers that fail to hand it over must Revoke.
func (g *Gate) Release(sig models.Signal, tier models.Tier, now time.Time) (Decision, error) {
	if !tier.Valid() {
		return Decision{}, models.Errorf(models.KindDataQuality, "gate.release", "unknown tier %q", tier)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.admitLocked(sig, now); err != nil {
		return Decision{Action: ActionWithhold, Reason: "rejected"}, err
	}
	a := g.signals[sig.ID]

	if at, ok := g.delivered[tier][sig.ID]; ok {
		return Decision{Action: ActionWithhold, Reason: "already delivered at " + at.Format(time.RFC3339)}, nil
	}
	if a.replacedBy != "" {
		return Decision{Action: ActionWithhold, Reason: "superseded by " + a.replacedBy}, nil
	}
	// Free only ever follows premium, so both share the premium floor.
	if tier != models.TierPro && sig.Confidence < g.cfg.PremiumFloor {
		return Decision{Action: ActionWithhold, Reason: "below premium floor"}, nil
	}

	notBefore := a.availableAt.Add(g.cfg.latency(tier))
	if tier != models.TierPro && sig.Expired(now) {
		return Decision{Action: ActionWithhold, Reason: "expired"}, nil
	}

	if tier == models.TierFree {
		if last, ok := g.lastFreeLocked(now); ok {
			return Decision{Action: ActionWithhold, Reason: "free window used by " + last.signalID}, nil
		}
		if now.Sub(sig.GeneratedAt) >= g.cfg.FreeWindow {
			return Decision{Action: ActionWithhold, Reason: "outside free window"}, nil
		}
		if better := g.betterFreeCandidateLocked(a, now); better != nil {
			return Decision{Action: ActionWithhold, Reason: "outranked by " + better.ID, Candidate: better}, nil
		}
	}

	if now.Before(notBefore) {
		at, queued := g.pending[tier][sig.ID]
		queued = queued && at.Equal(notBefore)
		g.pending[tier][sig.ID] = notBefore
		return Decision{Action: ActionDelay, NotBefore: notBefore, Reason: "tier latency", Queued: queued}, nil
	}

	delete(g.pending[tier], sig.ID)
	g.delivered[tier][sig.ID] = now
	if tier == models.TierFree {
		g.free = append(g.free, freeDelivery{signalID: sig.ID, at: now})
	}
	return Decision{Action: ActionDeliver}, nil
}

// Revoke undoes a recorded delivery that never reached the subscriber.
func (g *Gate) Revoke(sigID string, tier models.Tier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.delivered[tier], sigID)
	if tier == models.TierFree {
		for i := len(g.free) - 1; i >= 0; i-- {
			if g.free[i].signalID == sigID {
				g.free = append(g.free[:i], g.free[i+1:]...)
				break
			}
		}
	}
}

// Unqueue forgets a delay handed out for sig and tier, either because the
// queue gave it back or because it never made it into the queue.
func (g *Gate) Unqueue(sigID string, tier models.Tier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending[tier], sigID)
}

// RestoreFree seeds the free window with a delivery made before a restart.
func (g *Gate) RestoreFree(sigID string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, f := range g.free {
		if f.signalID == sigID {
			return
		}
	}
	g.delivered[models.TierFree][sigID] = at
	g.free = append(g.free, freeDelivery{signalID: sigID, at: at})
	sort.Slice(g.free, func(i, j int) bool { return g.free[i].at.Before(g.free[j].at) })
}

// Delivered reports when sig reached tier.
func (g *Gate) Delivered(sigID string, tier models.Tier) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.delivered[tier][sigID]
	return at, ok
}

func (g *Gate) lastFreeLocked(now time.Time) (freeDelivery, bool) {
	for i := len(g.free) - 1; i >= 0; i-- {
		if now.Sub(g.free[i].at) < g.cfg.FreeWindow {
			return g.free[i], true
		}
	}
	return freeDelivery{}, false
}

// betterFreeCandidateLocked returns a live admitted signal in the free window
// that ranks above a.
func (g *Gate) betterFreeCandidateLocked(a *admitted, now time.Time) *models.Signal {
	best := a.sig
	for id, other := range g.signals {
		if id == a.sig.ID || other.replacedBy != "" || other.sig.Expired(now) {
			continue
		}
		if now.Sub(other.sig.GeneratedAt) >= g.cfg.FreeWindow || other.sig.GeneratedAt.After(now) {
			continue
		}
		if freeRanksAbove(other.sig, best) {
			best = other.sig
		}
	}
	if best.ID == a.sig.ID {
		return nil
	}
	return &best
}

func freeRanksAbove(a, b models.Signal) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if !a.GeneratedAt.Equal(b.GeneratedAt) {
		return a.GeneratedAt.Before(b.GeneratedAt)
	}
	return a.ID < b.ID
}

// pruneLocked forgets signals that can no longer affect any decision.
func (g *Gate) pruneLocked(now time.Time) {
	keep := 2 * g.cfg.FreeWindow
	for id, a := range g.signals {
		if now.Sub(a.sig.GeneratedAt) > keep && a.sig.Expired(now) {
			delete(g.signals, id)
			for _, t := range models.Tiers {
				delete(g.delivered[t], id)
				delete(g.pending[t], id)
			}
		}
	}
	cut := 0
	for cut < len(g.free) && now.Sub(g.free[cut].at) >= g.cfg.FreeWindow {
		cut++
	}
	g.free = g.free[cut:]
}
