package usecase

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"PolySignals/internal/domain/models"
)

// ScoreBand is realized accuracy for scores in [Lower, Upper).
type ScoreBand struct {
	Lower   float64 `json:"lower"`
	Upper   float64 `json:"upper"`
	Samples int     `json:"samples"`
	Correct int     `json:"correct"`
}

// CalibrationSnapshot maps score bands to realized accuracy. It is never
// modified after it is published.
type CalibrationSnapshot struct {
	Version   uint64      `json:"version"`
	BuiltAt   time.Time   `json:"built_at"`
	BandWidth float64     `json:"band_width"`
	Bands     []ScoreBand `json:"bands"`
	Samples   int         `json:"samples"`
	Correct   int         `json:"correct"`
}

func (c *CalibrationSnapshot) band(score float64) ScoreBand {
	if len(c.Bands) == 0 {
		return ScoreBand{}
	}
	i := int(math.Floor(score / c.BandWidth))
	if i < 0 {
		i = 0
	}
	if i >= len(c.Bands) {
		i = len(c.Bands) - 1
	}
	return c.Bands[i]
}

// Confidence returns band accuracy shrunk toward the global accuracy by k
// pseudo-samples. coldStart is true while total samples are below minSamples.
func (c *CalibrationSnapshot) Confidence(score float64, minSamples int, k float64) (conf float64, coldStart bool) {
	if c == nil || c.Samples < minSamples || c.Samples == 0 {
		return 0, true
	}
	global := float64(c.Correct) / float64(c.Samples)
	b := c.band(score)
	conf = (float64(b.Correct) + k*global) / (float64(b.Samples) + k)
	if b.Samples == 0 && k == 0 {
		conf = global
	}
	return clamp01(conf), false
}

// BuildCalibration folds resolved ledger entries into score bands.
func BuildCalibration(version uint64, entries []models.LedgerEntry, bandWidth float64, at time.Time) *CalibrationSnapshot {
	n := int(math.Ceil(100 / bandWidth))
	snap := &CalibrationSnapshot{
		Version:   version,
		BuiltAt:   at,
		BandWidth: bandWidth,
		Bands:     make([]ScoreBand, n),
	}
	for i := range snap.Bands {
		snap.Bands[i].Lower = float64(i) * bandWidth
		snap.Bands[i].Upper = math.Min(100, float64(i+1)*bandWidth)
	}
	for _, e := range models.Effective(entries) {
		if !e.Resolved() {
			continue
		}
		i := int(math.Floor(e.Score / bandWidth))
		if i < 0 {
			i = 0
		}
		if i >= n {
			i = n - 1
		}
		snap.Bands[i].Samples++
		snap.Samples++
		if e.Outcome == models.OutcomeCorrect {
			snap.Bands[i].Correct++
			snap.Correct++
		}
	}
	return snap
}

// Calibration owns the current snapshot. Readers get an immutable pointer;
// Rebuild publishes a new version atomically.
type Calibration struct {
	mu        sync.Mutex // serializes Rebuild
	cur       atomic.Pointer[CalibrationSnapshot]
	bandWidth float64
}

func NewCalibration(bandWidth float64) *Calibration {
	c := &Calibration{bandWidth: bandWidth}
	c.cur.Store(BuildCalibration(0, nil, bandWidth, time.Time{}))
	return c
}

func (c *Calibration) Current() *CalibrationSnapshot { return c.cur.Load() }

func (c *Calibration) Rebuild(entries []models.LedgerEntry, at time.Time) *CalibrationSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := BuildCalibration(c.cur.Load().Version+1, entries, c.bandWidth, at)
	c.cur.Store(next)
	return next
}
