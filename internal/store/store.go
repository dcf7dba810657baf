package store

import (
	"context"
	"time"

	"hmmerweb/internal/models"
)

// CreateJobParams collects inputs required to insert a job record.
type CreateJobParams struct {
	// ID may be pre-assigned by the caller (the API namespaces uploaded
	// artifacts by job id before the record exists). Empty means the store
	// generates one.
	ID          string
	Tool        models.Tool
	Name        string
	Owner       string
	Params      models.Params
	InputRefs   []string
	MaxAttempts int
	// Retention sets expires_at relative to creation.
	Retention time.Duration
}

// JobStore is the durable record of job identity, status, inputs, outputs
// and timestamps. Status transitions are CAS updates: they fail with
// models.ErrConflict when a concurrent writer already advanced the record
// and models.ErrInvalidTransition when the step is illegal outright.
// Timestamps are append-only; a transition never overwrites one already set.
type JobStore interface {
	// CreateJob validates and inserts a queued job. Fails with
	// models.ErrValidation on an unknown tool or empty input refs.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)

	// GetJob fails with models.ErrNotFound if the id is unknown or the job
	// was already purged.
	GetJob(ctx context.Context, id string) (models.Job, error)

	// MarkRunning claims a queued job (queued→running) and returns the
	// refreshed record.
	MarkRunning(ctx context.Context, id string) (models.Job, error)

	MarkSucceeded(ctx context.Context, id string, outputRefs []string) error
	MarkFailed(ctx context.Context, id string, detail string) error
	MarkTimedOut(ctx context.Context, id string, detail string) error

	// MarkPurged clears input/output refs and retires the record. Purging an
	// already-purged job is a no-op.
	MarkPurged(ctx context.Context, id string) error

	// RequeueLaunchFault moves a running job back to queued after an
	// infrastructure fault, incrementing attempts. Returns the new attempt
	// count.
	RequeueLaunchFault(ctx context.Context, id string, detail string) (int, error)

	// PurgeCandidates lists terminal jobs eligible for cleanup: expired ones,
	// plus failed/timed-out ones finished before failedCutoff.
	PurgeCandidates(ctx context.Context, now time.Time, failedCutoff time.Time, limit int) ([]models.Job, error)

	// StuckRunning lists running jobs that started before cutoff, the
	// safety net for crashed workers.
	StuckRunning(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)

	// QueuedBefore lists queued jobs created before cutoff, used to
	// re-enqueue jobs whose queue entry was lost.
	QueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)

	// AppendAudit adds an append-only audit row.
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

func validateCreate(p CreateJobParams) error {
	if _, err := models.ParseTool(string(p.Tool)); err != nil {
		return err
	}
	if len(p.InputRefs) == 0 {
		return models.ErrValidation
	}
	return nil
}
