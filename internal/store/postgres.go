package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"hmmerweb/internal/models"
)

// Postgres is the pgxpool-backed JobStore.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, tool, name, owner, status, params, input_refs, output_refs,
	error_detail, attempts, max_attempts, created_at, started_at, finished_at, expires_at, updated_at`

func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
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

	paramsJSON, err := json.Marshal(p.Params)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal params: %w", err)
	}
	inputsJSON, err := json.Marshal(p.InputRefs)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal input refs: %w", err)
	}

	now := time.Now().UTC()
	expires := now.Add(p.Retention)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tool, name, owner, status, params, input_refs, output_refs,
			attempts, max_attempts, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '[]', 0, $8, $9, $10, $9)
	`, id, string(p.Tool), p.Name, p.Owner, string(models.StatusQueued),
		paramsJSON, inputsJSON, p.MaxAttempts, now, expires)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Tool:        p.Tool,
		Name:        p.Name,
		Owner:       p.Owner,
		Status:      models.StatusQueued,
		Params:      p.Params,
		InputRefs:   p.InputRefs,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   expires,
		UpdatedAt:   now,
	}, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, err
	}
	if job.Status == models.StatusPurged {
		return models.Job{}, fmt.Errorf("job %s was purged: %w", id, models.ErrNotFound)
	}
	return job, nil
}

func (s *Postgres) MarkRunning(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns, id, string(models.StatusRunning), string(models.StatusQueued))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.classifyFailure(ctx, id, models.StatusRunning)
	}
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (s *Postgres) MarkSucceeded(ctx context.Context, id string, outputRefs []string) error {
	outputsJSON, err := json.Marshal(outputRefs)
	if err != nil {
		return fmt.Errorf("marshal output refs: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, output_refs = $3, error_detail = NULL,
			finished_at = COALESCE(finished_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(models.StatusSucceeded), outputsJSON, string(models.StatusRunning))
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyFailure(ctx, id, models.StatusSucceeded)
	}
	return nil
}

func (s *Postgres) MarkFailed(ctx context.Context, id string, detail string) error {
	return s.markTerminal(ctx, id, models.StatusFailed, detail)
}

func (s *Postgres) MarkTimedOut(ctx context.Context, id string, detail string) error {
	return s.markTerminal(ctx, id, models.StatusTimedOut, detail)
}

func (s *Postgres) markTerminal(ctx context.Context, id string, to models.Status, detail string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error_detail = $3,
			finished_at = COALESCE(finished_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(to), detail, string(models.StatusRunning))
	if err != nil {
		return fmt.Errorf("mark %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyFailure(ctx, id, to)
	}
	return nil
}

func (s *Postgres) MarkPurged(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, input_refs = '[]', output_refs = '[]', updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, string(models.StatusPurged), statusStrings(models.TransitionFroms(models.StatusPurged)))
	if err != nil {
		return fmt.Errorf("mark purged: %w", err)
	}
	if tag.RowsAffected() == 0 {
		err := s.classifyFailure(ctx, id, models.StatusPurged)
		// Purge is idempotent: re-purging is not an error.
		if errors.Is(err, models.ErrConflict) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Postgres) RequeueLaunchFault(ctx context.Context, id string, detail string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, error_detail = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING attempts
	`, id, string(models.StatusQueued), detail, string(models.StatusRunning)).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.classifyFailure(ctx, id, models.StatusQueued)
	}
	if err != nil {
		return 0, fmt.Errorf("requeue launch fault: %w", err)
	}
	return attempts, nil
}

func (s *Postgres) PurgeCandidates(ctx context.Context, now time.Time, failedCutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ANY($1)
		  AND (expires_at <= $2
		       OR (status = ANY($3) AND finished_at IS NOT NULL AND finished_at <= $4))
		ORDER BY expires_at
		LIMIT $5
	`, statusStrings(models.TransitionFroms(models.StatusPurged)), now,
		[]string{string(models.StatusFailed), string(models.StatusTimedOut)}, failedCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query purge candidates: %w", err)
	}
	return collectJobs(rows)
}

func (s *Postgres) StuckRunning(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND started_at IS NOT NULL AND started_at <= $2
		ORDER BY started_at
		LIMIT $3
	`, string(models.StatusRunning), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck running: %w", err)
	}
	return collectJobs(rows)
}

func (s *Postgres) QueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at
		LIMIT $3
	`, string(models.StatusQueued), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_audit (job_id, event, detail, ts) VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// classifyFailure inspects the current row to turn a zero-row CAS update
// into the right sentinel error.
func (s *Postgres) classifyFailure(ctx context.Context, id string, to models.Status) error {
	var cur string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read status of %s: %w", id, err)
	}
	return fmt.Errorf("job %s: %w", id, models.ClassifyTransitionFailure(models.Status(cur), to))
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		tool        string
		status      string
		paramsJSON  []byte
		inputsJSON  []byte
		outputsJSON []byte
		errDetail   pgtype.Text
		startedAt   pgtype.Timestamptz
		finishedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &tool, &job.Name, &job.Owner, &status, &paramsJSON,
		&inputsJSON, &outputsJSON, &errDetail, &job.Attempts, &job.MaxAttempts,
		&job.CreatedAt, &startedAt, &finishedAt, &job.ExpiresAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Tool = models.Tool(tool)
	job.Status = models.Status(status)
	if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal params: %w", err)
	}
	if err := json.Unmarshal(inputsJSON, &job.InputRefs); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal input refs: %w", err)
	}
	if err := json.Unmarshal(outputsJSON, &job.OutputRefs); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal output refs: %w", err)
	}
	if errDetail.Valid {
		job.ErrorDetail = errDetail.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
