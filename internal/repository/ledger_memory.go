package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"PolySignals/internal/domain/models"
	domrepo "PolySignals/internal/domain/repository"
)

// MemoryLedgerStore keeps entries in process. Readers get copies.
type MemoryLedgerStore struct {
	mu      sync.RWMutex
	entries []models.LedgerEntry
}

func NewMemoryLedgerStore() *MemoryLedgerStore { return &MemoryLedgerStore{} }

var _ domrepo.LedgerStore = (*MemoryLedgerStore)(nil)

func (s *MemoryLedgerStore) Append(_ context.Context, e models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.entries); n > 0 && e.Seq <= s.entries[n-1].Seq {
		return fmt.Errorf("append seq %d: not after head %d", e.Seq, s.entries[n-1].Seq)
	}
	s.entries = append(s.entries, copyEntry(e))
	return nil
}

func (s *MemoryLedgerStore) Entries(_ context.Context, from, to time.Time) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// WrittenAt is monotonic with seq, so the window is a contiguous range.
	lo := sort.Search(len(s.entries), func(i int) bool { return !s.entries[i].WrittenAt.Before(from) })
	hi := sort.Search(len(s.entries), func(i int) bool { return !s.entries[i].WrittenAt.Before(to) })
	out := make([]models.LedgerEntry, 0, hi-lo)
	for _, e := range s.entries[lo:hi] {
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func (s *MemoryLedgerStore) All(_ context.Context) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LedgerEntry, len(s.entries))
	for i, e := range s.entries {
		out[i] = copyEntry(e)
	}
	return out, nil
}

func (s *MemoryLedgerStore) Close() error { return nil }

func copyEntry(e models.LedgerEntry) models.LedgerEntry {
	if e.RealizedReturn != nil {
		v := *e.RealizedReturn
		e.RealizedReturn = &v
	}
	if e.DirectionalAccuracy != nil {
		v := *e.DirectionalAccuracy
		e.DirectionalAccuracy = &v
	}
	return e
}
