// Package cleanup owns the periodic sweep that reclaims expired jobs and
// repairs queue/store drift.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hmmerweb/internal/artifact"
	"hmmerweb/internal/config"
	"hmmerweb/internal/queue"
	"hmmerweb/internal/store"
	"hmmerweb/internal/telemetry"
)

// requeueGrace is how old a queued record must be before a missing queue
// entry is treated as lost rather than in flight between create and enqueue.
const requeueGrace = time.Minute

// Queue is the slice of queue behavior the sweeper needs.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Ack(ctx context.Context, jobID string) error
	Known(ctx context.Context, jobID string) (bool, error)
}

var _ Queue = (*queue.Redis)(nil)

// Stats reports what one sweep pass did.
type Stats struct {
	TimedOut int
	Purged   int
	Requeued int
}

type Sweeper struct {
	cfg       config.Config
	store     store.JobStore
	queue     Queue
	artifacts artifact.Store
	log       zerolog.Logger
}

func New(cfg config.Config, st store.JobStore, q Queue, art artifact.Store, log zerolog.Logger) *Sweeper {
	return &Sweeper{cfg: cfg, store: st, queue: q, artifacts: art, log: log}
}

// Run sweeps on SweepInterval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		stats := s.Sweep(ctx, time.Now().UTC())
		if stats != (Stats{}) {
			s.log.Info().
				Int("timed_out", stats.TimedOut).
				Int("purged", stats.Purged).
				Int("requeued", stats.Requeued).
				Msg("sweep pass")
		}
	}
}

// Sweep runs one pass: kill stuck running jobs, purge expired ones, and
// re-enqueue queued records that lost their queue entry. Every action is a
// CAS against the record store, so concurrent sweepers and a repeated pass
// over the same jobs are harmless.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) Stats {
	var stats Stats
	batch := s.cfg.SweepBatchSize
	if batch <= 0 {
		batch = 100
	}

	stats.TimedOut = s.sweepStuck(ctx, now, batch)
	stats.Purged = s.sweepExpired(ctx, now, batch)
	stats.Requeued = s.sweepLost(ctx, now, batch)
	return stats
}

// sweepStuck times out running jobs that have held that status longer than
// StuckRunningMax, covering workers that died without a trace.
func (s *Sweeper) sweepStuck(ctx context.Context, now time.Time, batch int) int {
	stuck, err := s.store.StuckRunning(ctx, now.Add(-s.cfg.StuckRunningMax), batch)
	if err != nil {
		s.log.Error().Err(err).Msg("list stuck jobs")
		return 0
	}
	n := 0
	for _, job := range stuck {
		detail := fmt.Sprintf("still marked running after %s, worker presumed dead", s.cfg.StuckRunningMax)
		if err := s.store.MarkTimedOut(ctx, job.ID, detail); err != nil {
			// Already advanced by its worker or another sweeper.
			continue
		}
		_ = s.queue.Ack(ctx, job.ID)
		_ = s.store.AppendAudit(ctx, job.ID, "timed_out", detail)
		telemetry.JobsTimedOut.Inc()
		s.log.Warn().Str("job_id", job.ID).Msg("timed out stuck job")
		n++
	}
	return n
}

// sweepExpired purges terminal jobs past their retention: artifacts first,
// then the record, so a crash between the two re-purges cleanly next pass.
func (s *Sweeper) sweepExpired(ctx context.Context, now time.Time, batch int) int {
	cands, err := s.store.PurgeCandidates(ctx, now, now.Add(-s.cfg.FailedRetention), batch)
	if err != nil {
		s.log.Error().Err(err).Msg("list purge candidates")
		return 0
	}
	n := 0
	for _, job := range cands {
		if err := s.artifacts.DeleteJob(ctx, job.ID); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("delete artifacts")
			continue
		}
		if err := s.store.MarkPurged(ctx, job.ID); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("mark purged")
			continue
		}
		_ = s.store.AppendAudit(ctx, job.ID, "purged", "")
		telemetry.JobsPurged.Inc()
		n++
	}
	return n
}

// sweepLost re-enqueues queued records with no corresponding queue entry,
// which happens when Redis loses state after the record was committed.
func (s *Sweeper) sweepLost(ctx context.Context, now time.Time, batch int) int {
	lost, err := s.store.QueuedBefore(ctx, now.Add(-requeueGrace), batch)
	if err != nil {
		s.log.Error().Err(err).Msg("list queued jobs")
		return 0
	}
	n := 0
	for _, job := range lost {
		known, err := s.queue.Known(ctx, job.ID)
		if err != nil || known {
			continue
		}
		if err := s.queue.Enqueue(ctx, job.ID); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("re-enqueue lost job")
			continue
		}
		_ = s.store.AppendAudit(ctx, job.ID, "requeued_lost", "")
		s.log.Warn().Str("job_id", job.ID).Msg("re-enqueued job missing from queue")
		n++
	}
	return n
}
