package triage

import "context"

// Ledger is the persistence interface for suppression records.
//
// Load must treat an absent backing store as empty and return ErrCorruptLedger
// (wrapped) when the store exists but cannot be parsed. Append never rewrites
// earlier records; a later record for the same identity supersedes it.
type Ledger interface {
	Load(ctx context.Context) ([]SuppressionRecord, error)
	Append(ctx context.Context, record SuppressionRecord) error
}

// Suppressions indexes ledger records by template identity, keeping the most
// recent record for each. Records are expected in append order.
type Suppressions struct {
	latest map[string]SuppressionRecord
}

// NewSuppressions builds an index from records in append order.
func NewSuppressions(records []SuppressionRecord) *Suppressions {
	s := &Suppressions{latest: make(map[string]SuppressionRecord, len(records))}
	for _, r := range records {
		s.Add(r)
	}
	return s
}

// Add records r as the most recent disposition for its identity.
func (s *Suppressions) Add(r SuppressionRecord) {
	s.latest[r.TemplateID] = r
}

// IsKnown reports whether the identity has any record.
func (s *Suppressions) IsKnown(templateID string) bool {
	_, ok := s.latest[templateID]
	return ok
}

// Get returns the most recent record for the identity.
func (s *Suppressions) Get(templateID string) (SuppressionRecord, bool) {
	r, ok := s.latest[templateID]
	return r, ok
}

// Len returns the number of distinct identities.
func (s *Suppressions) Len() int {
	return len(s.latest)
}
