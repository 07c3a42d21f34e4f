package usecase

import (
	"sort"
	"sync"
	"time"

	"PolySignals/internal/domain/models"
	"PolySignals/internal/domain/repository"
)

// Status tracks operator-visible health. Degraded means running on stale or
// partial collaborators; halted means trading cannot continue.
type Status struct {
	mu            sync.RWMutex
	mode          models.Mode
	degraded      map[string]string
	halted        map[string]string
	haltedMarkets map[string]string
	lastCycle     time.Time
	metrics       repository.Metrics
	now           func() time.Time
}

func NewStatus(mode models.Mode, m repository.Metrics) *Status {
	s := &Status{
		mode:          mode,
		degraded:      map[string]string{},
		halted:        map[string]string{},
		haltedMarkets: map[string]string{},
		metrics:       m,
		now:           time.Now,
	}
	s.publish()
	return s
}

func (s *Status) Degrade(component, reason string) { s.set(s.degraded, component, reason) }
func (s *Status) Recover(component string)         { s.clear(s.degraded, component) }
func (s *Status) Halt(component, reason string)    { s.set(s.halted, component, reason) }
func (s *Status) Resume(component string)          { s.clear(s.halted, component) }
func (s *Status) HaltMarket(market, reason string) { s.set(s.haltedMarkets, market, reason) }
func (s *Status) ResumeMarket(market string)       { s.clear(s.haltedMarkets, market) }

func (s *Status) MarketHalted(market string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.haltedMarkets[market]
	return r, ok
}

func (s *Status) MarkCycle(at time.Time) {
	s.mu.Lock()
	s.lastCycle = at
	s.mu.Unlock()
}

func (s *Status) State() models.HealthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Status) stateLocked() models.HealthState {
	switch {
	case len(s.halted) > 0:
		return models.HealthHalted
	case len(s.degraded) > 0 || len(s.haltedMarkets) > 0:
		return models.HealthDegraded
	}
	return models.HealthOK
}

func (s *Status) Snapshot() models.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := models.Status{
		State:     s.stateLocked(),
		Mode:      s.mode,
		LastCycle: s.lastCycle,
		UpdatedAt: s.now().UTC(),
	}
	if len(s.degraded) > 0 {
		out.Degraded = copyMap(s.degraded)
	}
	if len(s.halted) > 0 {
		out.Halted = copyMap(s.halted)
	}
	for m := range s.haltedMarkets {
		out.HaltedMarkets = append(out.HaltedMarkets, m)
	}
	sort.Strings(out.HaltedMarkets)
	return out
}

func (s *Status) set(m map[string]string, key, reason string) {
	s.mu.Lock()
	m[key] = reason
	s.mu.Unlock()
	s.publish()
}

func (s *Status) clear(m map[string]string, key string) {
	s.mu.Lock()
	_, had := m[key]
	delete(m, key)
	s.mu.Unlock()
	if had {
		s.publish()
	}
}

func (s *Status) publish() {
	if s.metrics != nil {
		s.metrics.SetHealth(string(s.State()))
	}
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
