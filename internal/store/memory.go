package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hmmerweb/internal/models"
)

// Memory is an in-process JobStore with the same transition semantics as
// Postgres. It backs unit tests of the worker pool, cleanup sweeper, and
// API without a database.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]models.Job
	order  []string
	audits []models.AuditEntry
}

var _ JobStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.Job)}
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	if err := validateCreate(p); err != nil {
		return models.Job{}, err
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	job := models.Job{
		ID:          id,
		Tool:        p.Tool,
		Name:        p.Name,
		Owner:       p.Owner,
		Status:      models.StatusQueued,
		Params:      p.Params,
		InputRefs:   append([]string(nil), p.InputRefs...),
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.Retention),
		UpdatedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[id]; exists {
		return models.Job{}, fmt.Errorf("duplicate job id %s: %w", id, models.ErrConflict)
	}
	m.jobs[id] = job
	m.order = append(m.order, id)
	return job, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status == models.StatusPurged {
		return models.Job{}, fmt.Errorf("job %s was purged: %w", id, models.ErrNotFound)
	}
	return job, nil
}

func (m *Memory) MarkRunning(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status != models.StatusQueued {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ClassifyTransitionFailure(job.Status, models.StatusRunning))
	}
	now := time.Now().UTC()
	job.Status = models.StatusRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.UpdatedAt = now
	m.jobs[id] = job
	return job, nil
}

func (m *Memory) MarkSucceeded(_ context.Context, id string, outputRefs []string) error {
	return m.markTerminal(id, models.StatusSucceeded, "", outputRefs)
}

func (m *Memory) MarkFailed(_ context.Context, id string, detail string) error {
	return m.markTerminal(id, models.StatusFailed, detail, nil)
}

func (m *Memory) MarkTimedOut(_ context.Context, id string, detail string) error {
	return m.markTerminal(id, models.StatusTimedOut, detail, nil)
}

func (m *Memory) markTerminal(id string, to models.Status, detail string, outputRefs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status != models.StatusRunning {
		return fmt.Errorf("job %s: %w", id, models.ClassifyTransitionFailure(job.Status, to))
	}
	now := time.Now().UTC()
	job.Status = to
	job.ErrorDetail = detail
	job.OutputRefs = append([]string(nil), outputRefs...)
	if job.FinishedAt == nil {
		job.FinishedAt = &now
	}
	job.UpdatedAt = now
	m.jobs[id] = job
	return nil
}

func (m *Memory) MarkPurged(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status == models.StatusPurged {
		return nil
	}
	if !models.CanTransition(job.Status, models.StatusPurged) {
		return fmt.Errorf("job %s: %w", id, models.ClassifyTransitionFailure(job.Status, models.StatusPurged))
	}
	job.Status = models.StatusPurged
	job.InputRefs = nil
	job.OutputRefs = nil
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *Memory) RequeueLaunchFault(_ context.Context, id string, detail string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return 0, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status != models.StatusRunning {
		return 0, fmt.Errorf("job %s: %w", id, models.ClassifyTransitionFailure(job.Status, models.StatusQueued))
	}
	job.Status = models.StatusQueued
	job.Attempts++
	job.ErrorDetail = detail
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return job.Attempts, nil
}

func (m *Memory) PurgeCandidates(_ context.Context, now time.Time, failedCutoff time.Time, limit int) ([]models.Job, error) {
	return m.filter(limit, func(j models.Job) bool {
		if !j.Status.Terminal() || j.Status == models.StatusPurged {
			return false
		}
		if !j.ExpiresAt.After(now) {
			return true
		}
		failedish := j.Status == models.StatusFailed || j.Status == models.StatusTimedOut
		return failedish && j.FinishedAt != nil && !j.FinishedAt.After(failedCutoff)
	}), nil
}

func (m *Memory) StuckRunning(_ context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	return m.filter(limit, func(j models.Job) bool {
		return j.Status == models.StatusRunning && j.StartedAt != nil && !j.StartedAt.After(cutoff)
	}), nil
}

func (m *Memory) QueuedBefore(_ context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	return m.filter(limit, func(j models.Job) bool {
		return j.Status == models.StatusQueued && !j.CreatedAt.After(cutoff)
	}), nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, models.AuditEntry{
		JobID:    jobID,
		Event:    event,
		Detail:   detail,
		Recorded: time.Now().UTC(),
	})
	return nil
}

// Audits returns the audit rows recorded for a job, oldest first.
func (m *Memory) Audits(jobID string) []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, a := range m.audits {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out
}

// Put force-writes a job record, bypassing transition checks. Test seeding
// only.
func (m *Memory) Put(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; !exists {
		m.order = append(m.order, job.ID)
	}
	m.jobs[job.ID] = job
}

// Raw returns the stored record even when purged. Test inspection only.
func (m *Memory) Raw(id string) (models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	return job, ok
}

func (m *Memory) filter(limit int, keep func(models.Job) bool) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, id := range m.order {
		if keep(m.jobs[id]) {
			out = append(out, m.jobs[id])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
