// Package triage provides the business boundary for sieve's error triage pipeline.
// It defines the Pipeline (fetch, filter, classify, draft, approve, publish), the
// Classifier and Composer (pure functions of their inputs), the Ledger interface
// (suppression memory across runs), the collaborator interfaces for log backends,
// issue trackers and approval gates, and the domain models.
package triage
