package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolySignals/internal/domain/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func snap(price, vol float64, at time.Time) models.MarketSnapshot {
	return models.MarketSnapshot{MarketID: "m1", Price: price, Volume24h: vol, FetchedAt: at}
}

func TestHistoryEnrich(t *testing.T) {
	h := NewHistory(0.5)

	first := h.Enrich(snap(0.40, 1000, t0))
	assert.Zero(t, first.ReferenceProb, "nothing known before the first snapshot")
	assert.Zero(t, first.AvgVolume)

	second := h.Enrich(snap(0.60, 3000, t0.Add(time.Minute)))
	assert.InDelta(t, 0.40, second.ReferenceProb, 1e-9)
	assert.InDelta(t, 1000, second.AvgVolume, 1e-9)

	ref, ok := h.Reference("m1")
	require.True(t, ok)
	assert.InDelta(t, 0.50, ref, 1e-9)

	third := h.Enrich(snap(0.70, 3000, t0.Add(2*time.Minute)))
	assert.InDelta(t, 0.50, third.ReferenceProb, 1e-9)
	assert.InDelta(t, 2000, third.AvgVolume, 1e-9)
}

func TestHistoryKeepsVenueValuesAndSkipsStale(t *testing.T) {
	h := NewHistory(0.5)
	h.Enrich(snap(0.40, 1000, t0))

	s := snap(0.60, 1000, t0.Add(time.Minute))
	s.ReferenceProb = 0.58
	out := h.Enrich(s)
	assert.Equal(t, 0.58, out.ReferenceProb)

	stale := snap(0.90, 1000, t0.Add(2*time.Minute))
	stale.Stale = true
	h.Enrich(stale)
	ref, _ := h.Reference("m1")
	assert.InDelta(t, 0.50, ref, 1e-9, "stale snapshots are not folded")

	// replay of an older fetch is ignored
	h.Enrich(snap(0.10, 1000, t0))
	ref, _ = h.Reference("m1")
	assert.InDelta(t, 0.50, ref, 1e-9)
}

func TestHistoryObserveTicks(t *testing.T) {
	h := NewHistory(0.5)
	h.Observe(models.PriceTick{MarketID: "m1", Price: 0.5, At: t0})
	assert.Zero(t, h.Len(), "ticks alone do not open a series")

	h.Enrich(snap(0.40, 1000, t0))
	h.Observe(models.PriceTick{MarketID: "m1", Price: 0.60, At: t0.Add(time.Second)})
	h.Observe(models.PriceTick{MarketID: "m1", Price: 1.5, At: t0.Add(2 * time.Second)})
	ref, ok := h.Reference("m1")
	require.True(t, ok)
	assert.InDelta(t, 0.50, ref, 1e-9)
}
