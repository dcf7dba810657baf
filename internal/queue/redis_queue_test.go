package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedis(client, time.Minute)
}

func TestFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, id))
	}

	var got []string
	for i := 0; i < 3; i++ {
		id, err := q.DequeueWithLease(ctx)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got, "dispatch follows submission order")

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, id, "empty queue returns no id")
}

func TestLeaseAndAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "a"))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", id)

	// Leased, so still known but not ready.
	known, err := q.Known(ctx, "a")
	require.NoError(t, err)
	assert.True(t, known)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	require.NoError(t, q.Ack(ctx, "a"))
	known, err = q.Known(ctx, "a")
	require.NoError(t, err)
	assert.False(t, known)

	// Double ack is fine.
	require.NoError(t, q.Ack(ctx, "a"))
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "a"))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	// Before the deadline nothing is reclaimed.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Past the deadline the lease is reclaimed onto the ready queue.
	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	runAt := time.Now().Add(30 * time.Second)
	require.NoError(t, q.Schedule(ctx, "retry-1", runAt))

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "not yet due")

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "retry-1", id)
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "a"))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	require.NoError(t, q.ExtendLease(ctx, "a", time.Hour))
	ids, err := q.RequeueExpired(ctx, time.Now().Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "extended lease survives the old deadline")
}
