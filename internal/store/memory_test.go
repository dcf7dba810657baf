package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmmerweb/internal/models"
)

func newQueuedJob(t *testing.T, m *Memory) models.Job {
	t.Helper()
	job, err := m.CreateJob(context.Background(), CreateJobParams{
		Tool:      models.ToolProfileBuild,
		Owner:     "anonymous",
		InputRefs: []string{"x/alignment"},
		Retention: time.Hour,
	})
	require.NoError(t, err)
	return job
}

func TestMemoryCreateJobValidation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.CreateJob(ctx, CreateJobParams{Tool: "bogus", InputRefs: []string{"a"}})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = m.CreateJob(ctx, CreateJobParams{Tool: models.ToolEmit})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMemoryLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job := newQueuedJob(t, m)

	running, err := m.MarkRunning(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)

	// Second claim is a conflict, not a silent overwrite.
	_, err = m.MarkRunning(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrConflict)

	require.NoError(t, m.MarkSucceeded(ctx, job.ID, []string{job.ID + "/profile.hmm"}))
	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.NotEmpty(t, got.OutputRefs)
	assert.Empty(t, got.ErrorDetail)

	// Terminal states never regress.
	err = m.MarkFailed(ctx, job.ID, "late writer")
	assert.ErrorIs(t, err, models.ErrConflict)

	require.NoError(t, m.MarkPurged(ctx, job.ID))
	_, err = m.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Idempotent purge.
	require.NoError(t, m.MarkPurged(ctx, job.ID))

	raw, ok := m.Raw(job.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusPurged, raw.Status)
	assert.Empty(t, raw.OutputRefs)
	assert.Empty(t, raw.InputRefs)
}

func TestMemoryRequeueLaunchFault(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job := newQueuedJob(t, m)

	_, err := m.MarkRunning(ctx, job.ID)
	require.NoError(t, err)

	attempts, err := m.RequeueLaunchFault(ctx, job.ID, "binary missing")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, "binary missing", got.ErrorDetail)

	// Requeueing a job that is not running is a state-machine violation.
	_, err = m.RequeueLaunchFault(ctx, job.ID, "again")
	require.Error(t, err)
}

func TestMemoryAtMostOneClaim(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job := newQueuedJob(t, m)

	const claimers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.MarkRunning(ctx, job.ID); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one claimer may win the CAS")
}

func TestMemorySweepQueries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)

	expired := newQueuedJob(t, m)
	_, err := m.MarkRunning(ctx, expired.ID)
	require.NoError(t, err)
	require.NoError(t, m.MarkSucceeded(ctx, expired.ID, []string{"a"}))
	j, _ := m.Raw(expired.ID)
	j.ExpiresAt = old
	m.Put(j)

	stuck := newQueuedJob(t, m)
	_, err = m.MarkRunning(ctx, stuck.ID)
	require.NoError(t, err)
	j, _ = m.Raw(stuck.ID)
	j.StartedAt = &old
	m.Put(j)

	fresh := newQueuedJob(t, m)

	cands, err := m.PurgeCandidates(ctx, now, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, expired.ID, cands[0].ID)

	stuckJobs, err := m.StuckRunning(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stuckJobs, 1)
	assert.Equal(t, stuck.ID, stuckJobs[0].ID)

	queued, err := m.QueuedBefore(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, fresh.ID, queued[0].ID)
}
