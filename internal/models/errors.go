package models

import "errors"

// Sentinel errors shared by every JobStore implementation. Callers match
// with errors.Is; stores wrap them with context.
var (
	// ErrValidation rejects a malformed submission before any record exists.
	ErrValidation = errors.New("invalid submission")

	// ErrNotFound covers unknown job ids and jobs already purged.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is a state-machine violation: the requested step
	// is not legal from the job's current state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict means a concurrent update already advanced the state.
	ErrConflict = errors.New("conflicting status update")
)
