package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

type Outcome string

const (
	OutcomeCorrect    Outcome = "correct"
	OutcomeIncorrect  Outcome = "incorrect"
	OutcomeUnresolved Outcome = "expired_unresolved"
)

func (o Outcome) Valid() bool {
	return o == OutcomeCorrect || o == OutcomeIncorrect || o == OutcomeUnresolved
}

// LedgerEntry is one committed outcome. Entries are chained by hash; a
// correction is a new entry whose Corrects points at the superseded Seq.
type LedgerEntry struct {
	Seq                 uint64    `json:"seq"`
	SignalID            string    `json:"signal_id"`
	MarketID            string    `json:"market_id"`
	Outcome             Outcome   `json:"outcome"`
	RealizedReturn      *float64  `json:"realized_return,omitempty"`
	DirectionalAccuracy *float64  `json:"directional_accuracy,omitempty"`
	PositionID          string    `json:"position_id,omitempty"`
	Score               float64   `json:"score"`
	Confidence          float64   `json:"confidence"`
	Corrects            uint64    `json:"corrects,omitempty"`
	WrittenAt           time.Time `json:"written_at"`
	PrevHash            string    `json:"prev_hash"`
	Hash                string    `json:"hash"`
}

// ComputeHash hashes the entry content together with the previous hash.
func (e LedgerEntry) ComputeHash() string {
	var b strings.Builder
	b.WriteString(e.PrevHash)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(e.SignalID)
	b.WriteByte('|')
	b.WriteString(e.MarketID)
	b.WriteByte('|')
	b.WriteString(string(e.Outcome))
	b.WriteByte('|')
	writeOptFloat(&b, e.RealizedReturn)
	b.WriteByte('|')
	writeOptFloat(&b, e.DirectionalAccuracy)
	b.WriteByte('|')
	b.WriteString(e.PositionID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(e.Score, 'g', -1, 64))
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(e.Confidence, 'g', -1, 64))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(e.Corrects, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.WrittenAt.UnixNano(), 10))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeOptFloat(b *strings.Builder, v *float64) {
	if v == nil {
		b.WriteByte('-')
		return
	}
	b.WriteString(strconv.FormatFloat(*v, 'g', -1, 64))
}

// Resolved reports whether the entry counts toward accuracy.
func (e LedgerEntry) Resolved() bool { return e.Outcome != OutcomeUnresolved }

// Stats is an incrementally maintained aggregate over effective entries.
type Stats struct {
	Total       int     `json:"total"`
	Correct     int     `json:"correct"`
	Incorrect   int     `json:"incorrect"`
	Unresolved  int     `json:"unresolved"`
	ReturnSum   float64 `json:"return_sum"`
	ReturnCount int     `json:"return_count"`
}

func (s Stats) Add(e LedgerEntry) Stats { return s.apply(e, 1) }

// Remove undoes a prior Add. Used when a correction supersedes an entry.
func (s Stats) Remove(e LedgerEntry) Stats { return s.apply(e, -1) }

func (s Stats) apply(e LedgerEntry, sign int) Stats {
	s.Total += sign
	switch e.Outcome {
	case OutcomeCorrect:
		s.Correct += sign
	case OutcomeIncorrect:
		s.Incorrect += sign
	case OutcomeUnresolved:
		s.Unresolved += sign
	}
	if e.RealizedReturn != nil && e.Resolved() {
		s.ReturnSum += float64(sign) * *e.RealizedReturn
		s.ReturnCount += sign
	}
	return s
}

// SampleCount excludes expired-unresolved entries.
func (s Stats) SampleCount() int { return s.Correct + s.Incorrect }

func (s Stats) AccuracyRate() float64 {
	if n := s.SampleCount(); n > 0 {
		return float64(s.Correct) / float64(n)
	}
	return 0
}

func (s Stats) AverageReturn() float64 {
	if s.ReturnCount > 0 {
		return s.ReturnSum / float64(s.ReturnCount)
	}
	return 0
}

// TrackRecord is the public view of Stats over a window.
type TrackRecord struct {
	AccuracyRate  float64   `json:"accuracy_rate"`
	AverageReturn float64   `json:"average_return"`
	SampleCount   int       `json:"sample_count"`
	Unresolved    int       `json:"unresolved"`
	TotalSignals  int       `json:"total_signals"`
	Window        string    `json:"window"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
}

func (s Stats) TrackRecord(window string, from, to time.Time) TrackRecord {
	return TrackRecord{
		AccuracyRate:  s.AccuracyRate(),
		AverageReturn: s.AverageReturn(),
		SampleCount:   s.SampleCount(),
		Unresolved:    s.Unresolved,
		TotalSignals:  s.Total,
		Window:        window,
		From:          from,
		To:            to,
	}
}

// Effective keeps only the latest entry per signal, in seq order.
func Effective(entries []LedgerEntry) []LedgerEntry {
	latest := make(map[string]int, len(entries))
	for i, e := range entries {
		latest[e.SignalID] = i
	}
	out := make([]LedgerEntry, 0, len(latest))
	for i, e := range entries {
		if latest[e.SignalID] == i {
			out = append(out, e)
		}
	}
	return out
}
