package features

import (
	"sync"
	"time"

	"PolySignals/internal/domain/models"
)

// History keeps exponentially weighted per-market averages of price and
// 24h volume. The trailing price average is the reference probability the
// scanner measures dislocation against.
type History struct {
	mu      sync.Mutex
	alpha   float64
	markets map[string]*series
}

type series struct {
	price   float64
	volume  float64
	samples int
	last    time.Time
}

// NewHistory returns a history with smoothing factor alpha in (0,1].
func NewHistory(alpha float64) *History {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &History{alpha: alpha, markets: map[string]*series{}}
}

// Enrich fills ReferenceProb and AvgVolume from the averages before this
// snapshot, then folds the snapshot in. Values already set by the venue are
// kept. Stale or out-of-order snapshots are not folded.
func (h *History) Enrich(s models.MarketSnapshot) models.MarketSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	ser, ok := h.markets[s.MarketID]
	if ok && ser.samples > 0 {
		if s.ReferenceProb == 0 && ser.price > 0 && ser.price < 1 {
			s.ReferenceProb = ser.price
		}
		if s.AvgVolume == 0 {
			s.AvgVolume = ser.volume
		}
	}
	if s.Stale || s.MarketID == "" || s.Price <= 0 || s.Price >= 1 {
		return s
	}
	if !ok {
		ser = &series{}
		h.markets[s.MarketID] = ser
	}
	if ser.samples > 0 && !s.FetchedAt.After(ser.last) {
		return s
	}
	ser.price = ewma(ser.price, s.Price, h.alpha, ser.samples)
	ser.volume = ewma(ser.volume, s.Volume24h, h.alpha, ser.samples)
	ser.samples++
	ser.last = s.FetchedAt
	return s
}

// Observe folds a streamed mark into the price average.
func (h *History) Observe(t models.PriceTick) {
	if t.Price <= 0 || t.Price >= 1 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ser, ok := h.markets[t.MarketID]
	if !ok {
		// volume is unknown until the first snapshot
		return
	}
	if !t.At.After(ser.last) {
		return
	}
	ser.price = ewma(ser.price, t.Price, h.alpha, ser.samples)
	ser.last = t.At
}

// Reference returns the current trailing price average for a market.
func (h *History) Reference(marketID string) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ser, ok := h.markets[marketID]
	if !ok || ser.samples == 0 {
		return 0, false
	}
	return ser.price, true
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.markets)
}

func ewma(prev, v, alpha float64, samples int) float64 {
	if samples == 0 {
		return v
	}
	return alpha*v + (1-alpha)*prev
}
