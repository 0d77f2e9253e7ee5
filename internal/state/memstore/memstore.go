// Package memstore provides an in-memory implementation of state.Store.
// State does not survive restarts; suitable for dev and tests only.
package memstore

import (
	"context"
	"sync"
	"time"
)

// Store holds seen fingerprints and spend records in memory.
type Store struct {
	mu    sync.RWMutex
	seen  map[string]time.Time // fingerprint -> first seen
	spend map[string]float64   // period key -> accumulated USD
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		seen:  make(map[string]time.Time),
		spend: make(map[string]float64),
	}
}

// Has reports whether the fingerprint has been marked seen.
func (s *Store) Has(_ context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[fingerprint]
	return ok, nil
}

// MarkSeen records the fingerprint, keeping the first timestamp on repeats.
func (s *Store) MarkSeen(_ context.Context, fingerprint string, firstSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[fingerprint]; !ok {
		s.seen[fingerprint] = firstSeen
	}
	return nil
}

// PruneSeenBefore deletes fingerprints first seen before cutoff and
// returns the number deleted.
func (s *Store) PruneSeenBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for fp, firstSeen := range s.seen {
		if firstSeen.Before(cutoff) {
			delete(s.seen, fp)
			deleted++
		}
	}
	return deleted, nil
}

// Spend returns the accumulated spend for the period.
func (s *Store) Spend(_ context.Context, periodKey string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spend[periodKey], nil
}

// AddSpend accumulates amount onto the period's record.
func (s *Store) AddSpend(_ context.Context, periodKey string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spend[periodKey] += amount
	return nil
}

// SeenCount returns the size of the seen-set. Test helper.
func (s *Store) SeenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
