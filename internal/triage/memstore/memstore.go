// Package memstore provides an in-memory implementation of triage.Ledger.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/sieve/internal/triage"
)

// Store holds suppression records in memory. Suitable for dry runs and testing.
type Store struct {
	mu      sync.RWMutex
	records []triage.SuppressionRecord // append order
}

// New initializes a new in-memory Store, optionally seeded with records.
func New(seed ...triage.SuppressionRecord) *Store {
	s := &Store{}
	s.records = append(s.records, seed...)
	return s
}

// Load returns a copy of every record in append order.
func (s *Store) Load(_ context.Context) ([]triage.SuppressionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]triage.SuppressionRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Append adds a record after all existing ones.
func (s *Store) Append(_ context.Context, r triage.SuppressionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// Len returns the number of stored records, including superseded ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
