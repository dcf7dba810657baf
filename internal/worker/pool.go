// Package worker drives the fixed-size pool that pulls job ids off the
// queue, runs the external tool, and writes terminal outcomes back to the
// record store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hmmerweb/internal/artifact"
	"hmmerweb/internal/config"
	"hmmerweb/internal/hmmer"
	"hmmerweb/internal/models"
	"hmmerweb/internal/queue"
	"hmmerweb/internal/runner"
	"hmmerweb/internal/store"
	"hmmerweb/internal/telemetry"
)

// errTailBytes bounds how much captured stderr ends up in error_detail.
const errTailBytes = 2048

// Queue is the slice of queue behavior the pool needs.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}

var _ Queue = (*queue.Redis)(nil)

// ToolRunner abstracts the process runner so tests can inject faults.
type ToolRunner interface {
	Prepare(jobID string) (string, error)
	Run(ctx context.Context, dir string, cmd hmmer.Command) (runner.Result, error)
	Cleanup(jobID string) error
}

// Pool is an explicitly constructed worker pool with a Run lifecycle; no
// global state, so tests instantiate pools in isolation.
type Pool struct {
	cfg       config.Config
	queue     Queue
	store     store.JobStore
	runner    ToolRunner
	artifacts artifact.Store
	log       zerolog.Logger
}

func NewPool(cfg config.Config, q Queue, st store.JobStore, r ToolRunner, art artifact.Store, log zerolog.Logger) *Pool {
	return &Pool{cfg: cfg, queue: q, store: st, runner: r, artifacts: art, log: log}
}

// Run blocks until ctx is cancelled, running WorkerCount executors plus one
// housekeeping loop.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.WorkerCount
	if n <= 0 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.housekeep(ctx) })
	for i := 0; i < n; i++ {
		workerID := i
		g.Go(func() error { return p.executor(ctx, workerID) })
	}
	return g.Wait()
}

func (p *Pool) executor(ctx context.Context, workerID int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			p.log.Error().Err(err).Msg("dequeue failed")
			if !sleepCtx(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		if jobID == "" {
			if !sleepCtx(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		p.process(ctx, workerID, jobID)
	}
}

func (p *Pool) process(ctx context.Context, workerID int, jobID string) {
	log := p.log.With().Str("job_id", jobID).Int("worker", workerID).Logger()

	if _, err := p.store.GetJob(ctx, jobID); err != nil {
		// Unknown or already purged; drop the stale queue entry.
		log.Debug().Err(err).Msg("dropping stale queue entry")
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	job, err := p.store.MarkRunning(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrInvalidTransition) {
			// Duplicate dispatch: another worker owns this job.
			log.Warn().Err(err).Msg("dropping duplicate dispatch")
			_ = p.queue.Ack(ctx, jobID)
			return
		}
		// Store unavailable; leave the lease to expire and be retried.
		log.Error().Err(err).Msg("claim failed")
		return
	}
	_ = p.store.AppendAudit(ctx, job.ID, "started", fmt.Sprintf("worker=%d attempt=%d", workerID, job.Attempts+1))
	telemetry.RunningGauge.Inc()
	defer telemetry.RunningGauge.Dec()

	// The lease must outlive the longest possible run.
	_ = p.queue.ExtendLease(ctx, job.ID, p.cfg.RunTimeout+p.cfg.VisibilityTimeout)

	cmd, err := hmmer.Build(job.Tool, stagedNames(job.Tool), job.Params)
	if err != nil {
		p.finishFailed(ctx, job, fmt.Sprintf("cannot assemble tool invocation: %v", err))
		return
	}

	dir, err := p.runner.Prepare(job.ID)
	if err != nil {
		p.retryLaunchFault(ctx, job, err)
		return
	}
	if err := p.stageInputs(ctx, job, dir); err != nil {
		p.retryLaunchFault(ctx, job, err)
		return
	}

	res, err := p.runner.Run(ctx, dir, cmd)
	if err != nil {
		p.retryLaunchFault(ctx, job, err)
		return
	}

	switch {
	case res.TimedOut:
		p.finishTimedOut(ctx, job, fmt.Sprintf("%s did not finish within %s and was terminated", cmd.Binary, p.cfg.RunTimeout))
	case res.ExitCode != 0:
		detail := fmt.Sprintf("%s exited with code %d", cmd.Binary, res.ExitCode)
		if tail := strings.TrimSpace(runner.TailFile(res.StderrPath, errTailBytes)); tail != "" {
			detail += ": " + tail
		}
		p.finishFailed(ctx, job, detail)
	default:
		p.finishSucceeded(ctx, job, dir, cmd)
	}
}

// stageInputs materializes the job's input artifacts into the working
// directory under the tool's conventional filenames.
func (p *Pool) stageInputs(ctx context.Context, job models.Job, dir string) error {
	spec := hmmer.InputSpec(job.Tool)
	if len(job.InputRefs) != len(spec) {
		return fmt.Errorf("job carries %d input refs, %s needs %d", len(job.InputRefs), job.Tool, len(spec))
	}
	for i, ref := range job.InputRefs {
		if err := p.stageOne(ctx, ref, filepath.Join(dir, spec[i].Local)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) stageOne(ctx context.Context, ref, dst string) error {
	rc, err := p.artifacts.Open(ctx, ref)
	if err != nil {
		return fmt.Errorf("stage input %s: %w", ref, err)
	}
	defer rc.Close()
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("stage input %s: %w", ref, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("stage input %s: %w", ref, err)
	}
	return nil
}

func (p *Pool) finishSucceeded(ctx context.Context, job models.Job, dir string, cmd hmmer.Command) {
	refs := make([]string, 0, len(cmd.OutputFiles))
	for _, name := range cmd.OutputFiles {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			// Exit 0 without the promised output is a tool failure, not ours.
			p.finishFailed(ctx, job, fmt.Sprintf("%s exited 0 but produced no %s", cmd.Binary, name))
			return
		}
		ref, err := p.artifacts.Save(ctx, job.ID, name, f)
		f.Close()
		if err != nil {
			p.retryLaunchFault(ctx, job, fmt.Errorf("persist output %s: %w", name, err))
			return
		}
		refs = append(refs, ref)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, refs); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("record success")
		return
	}
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.store.AppendAudit(ctx, job.ID, "succeeded", fmt.Sprintf("outputs=%d", len(refs)))
	telemetry.JobsSucceeded.Inc()
	_ = p.runner.Cleanup(job.ID)
}

func (p *Pool) finishFailed(ctx context.Context, job models.Job, detail string) {
	if err := p.store.MarkFailed(ctx, job.ID, detail); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("record failure")
		return
	}
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.store.AppendAudit(ctx, job.ID, "failed", detail)
	telemetry.JobsFailed.Inc()
	_ = p.runner.Cleanup(job.ID)
}

func (p *Pool) finishTimedOut(ctx context.Context, job models.Job, detail string) {
	if err := p.store.MarkTimedOut(ctx, job.ID, detail); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("record timeout")
		return
	}
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.store.AppendAudit(ctx, job.ID, "timed_out", detail)
	telemetry.JobsTimedOut.Inc()
	_ = p.runner.Cleanup(job.ID)
}

// retryLaunchFault handles infrastructure faults: the tool never ran, so
// the job goes back to the queue with exponential backoff until the attempt
// budget is spent.
func (p *Pool) retryLaunchFault(ctx context.Context, job models.Job, cause error) {
	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts || attempts >= p.cfg.MaxLaunchAttempts {
		p.finishFailed(ctx, job, fmt.Sprintf("infrastructure fault, giving up after %d attempts: %v", attempts, cause))
		return
	}

	if _, err := p.store.RequeueLaunchFault(ctx, job.ID, cause.Error()); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("requeue after launch fault")
		return
	}
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, time.Now().Add(backoff))
	_ = p.store.AppendAudit(ctx, job.ID, "launch_retry",
		fmt.Sprintf("attempt=%d backoff=%s cause=%v", attempts, backoff.Truncate(time.Millisecond), cause))
	telemetry.LaunchRetries.Inc()
	p.log.Warn().Err(cause).Str("job_id", job.ID).Int("attempt", attempts).Dur("backoff", backoff).
		Msg("launch fault, retry scheduled")
}

// housekeep promotes due retries, reclaims leases from dead workers, and
// publishes queue depth.
func (p *Pool) housekeep(ctx context.Context) error {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := time.Now()
		batch := int64(p.cfg.SweepBatchSize)
		if batch <= 0 {
			batch = 100
		}

		if _, err := p.queue.PromoteScheduled(ctx, now, batch); err != nil {
			p.log.Error().Err(err).Msg("promote scheduled")
		}

		reclaimed, err := p.queue.RequeueExpired(ctx, now, batch)
		if err != nil {
			p.log.Error().Err(err).Msg("reclaim expired leases")
		}
		for _, id := range reclaimed {
			// The holder is presumed dead; roll the record back to queued so
			// the next dispatch can claim it. Counts against the attempt
			// budget like any other infrastructure fault.
			if _, err := p.store.RequeueLaunchFault(ctx, id, "lease expired, worker presumed dead"); err == nil {
				_ = p.store.AppendAudit(ctx, id, "lease_reclaimed", "")
				p.log.Warn().Str("job_id", id).Msg("reclaimed expired lease")
			}
		}

		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func stagedNames(tool models.Tool) []string {
	spec := hmmer.InputSpec(tool)
	names := make([]string, len(spec))
	for i, f := range spec {
		names[i] = f.Local
	}
	return names
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if max > 0 && wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 50 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
