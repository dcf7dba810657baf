package models

import (
	"fmt"
	"time"
)

// Tool enumerates the wrapped HMMER binaries a job may invoke.
type Tool string

const (
	ToolProfileBuild     Tool = "profile-build"     // hmmbuild
	ToolSimilaritySearch Tool = "similarity-search" // hmmsearch
	ToolEmit             Tool = "emit"              // hmmemit
)

// Tools lists every recognized tool, in a stable order.
var Tools = []Tool{ToolProfileBuild, ToolSimilaritySearch, ToolEmit}

// ParseTool validates a raw tool name from a submission.
func ParseTool(s string) (Tool, error) {
	switch Tool(s) {
	case ToolProfileBuild, ToolSimilaritySearch, ToolEmit:
		return Tool(s), nil
	}
	return "", fmt.Errorf("%w: unknown tool %q", ErrValidation, s)
}

// Status enumerates job lifecycle states persisted in Postgres.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusPurged    Status = "purged"
)

// Terminal reports whether no further execution happens in this state.
// Purged is terminal and absorbing; the other terminal states may still
// advance to purged.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusPurged:
		return true
	}
	return false
}

// transitions is the closed state machine. running→queued exists only for
// launch-fault retries and lease recovery, where the external tool never
// actually produced a result.
var transitions = map[Status][]Status{
	StatusQueued:    {StatusRunning},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusTimedOut, StatusQueued},
	StatusSucceeded: {StatusPurged},
	StatusFailed:    {StatusPurged},
	StatusTimedOut:  {StatusPurged},
	StatusPurged:    {},
}

// CanTransition reports whether from→to is a legal single step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionFroms returns every state from which `to` is reachable in one
// step. Stores use this as the compare set for CAS updates.
func TransitionFroms(to Status) []Status {
	var froms []Status
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				froms = append(froms, from)
			}
		}
	}
	return froms
}

// ClassifyTransitionFailure maps the observed current state of a job to the
// error a failed CAS transition toward `to` should surface: ErrConflict when
// a concurrent writer already advanced the record, ErrInvalidTransition when
// the requested step was never legal from `cur`.
func ClassifyTransitionFailure(cur, to Status) error {
	switch {
	case cur == to:
		return fmt.Errorf("job already %s: %w", to, ErrConflict)
	case to == StatusRunning && (cur == StatusRunning || cur.Terminal()):
		return fmt.Errorf("job already claimed (now %s): %w", cur, ErrConflict)
	case cur.Terminal() && to.Terminal() && to != StatusPurged:
		return fmt.Errorf("job already terminal as %s: %w", cur, ErrConflict)
	default:
		return fmt.Errorf("cannot move %s job to %s: %w", cur, to, ErrInvalidTransition)
	}
}

// Params carries tool-specific knobs supplied at submission.
// Only emit uses them today.
type Params struct {
	NumSeqs int    `json:"num_seqs,omitempty"`
	Seed    *int64 `json:"seed,omitempty"`
}

// Job is one request to run a HMMER tool, tracked through a terminal outcome.
type Job struct {
	ID          string     `json:"id"`
	Tool        Tool       `json:"tool"`
	Name        string     `json:"name,omitempty"`
	Owner       string     `json:"owner"`
	Status      Status     `json:"status"`
	Params      Params     `json:"params"`
	InputRefs   []string   `json:"input_refs"`
	OutputRefs  []string   `json:"output_refs,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AuditEntry is one append-only audit row for a job.
type AuditEntry struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
