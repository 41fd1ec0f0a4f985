package triage

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable is returned when the log backend cannot be reached or rejects our credentials.
	ErrBackendUnavailable = errors.New("log backend unavailable")

	// ErrBackendQueryRejected is returned when the log backend reports a malformed filter.
	ErrBackendQueryRejected = errors.New("log backend rejected query")

	// ErrCorruptLedger is returned when the ledger store exists but cannot be parsed.
	ErrCorruptLedger = errors.New("suppression ledger is corrupt")

	// ErrInvalidSelection is returned by the approval gate for an out-of-range or non-numeric selection.
	ErrInvalidSelection = errors.New("invalid selection")

	// ErrTicketCreationFailed is recorded per draft when the tracker refuses to create a ticket.
	ErrTicketCreationFailed = errors.New("ticket creation failed")
)

// PhaseError ties a fatal error to the pipeline state in which it happened.
type PhaseError struct {
	Phase State
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err belongs to the fatal taxonomy that aborts a run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrBackendQueryRejected) ||
		errors.Is(err, ErrCorruptLedger)
}
