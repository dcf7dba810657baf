// Package queue holds the durable FIFO channel of pending job ids.
// Payloads live in the job record store; Redis only carries identifiers,
// so a crash never strands more than an id that the sweeper can re-enqueue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey     = "hmmjobs:ready"
	inflightKey  = "hmmjobs:inflight"
	scheduledKey = "hmmjobs:scheduled"
)

// Redis coordinates the ready list, in-flight lease set, and scheduled
// retry set.
type Redis struct {
	client     *redis.Client
	visibility time.Duration
}

// NewRedis wraps an existing client. visibility bounds how long a dequeued
// id stays leased before the housekeeping loop reclaims it.
func NewRedis(client *redis.Client, visibility time.Duration) *Redis {
	if visibility <= 0 {
		visibility = 15 * time.Minute
	}
	return &Redis{client: client, visibility: visibility}
}

// Enqueue appends a job id to the tail of the ready queue.
func (q *Redis) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, readyKey, jobID).Err()
}

// Schedule defers a job id until runAt; PromoteScheduled moves it to ready.
func (q *Redis) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
}

// DequeueWithLease pops the head of the ready queue and records it as
// in-flight with a visibility deadline. Returns "" when the queue is empty.
func (q *Redis) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey},
		time.Now().Add(q.visibility).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job,
// so a long tool run is not reclaimed mid-execution.
func (q *Redis) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking. Acking an unknown id is a
// no-op, so releases are idempotent.
func (q *Redis) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, inflightKey, jobID).Err()
}

// PromoteScheduled moves due scheduled ids into the ready queue. Returns
// how many were promoted.
func (q *Redis) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.dueMembers(ctx, scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases whose deadline passed (a worker died
// holding them) and pushes the ids back onto the ready queue.
func (q *Redis) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.dueMembers(ctx, inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the ready queue length.
func (q *Redis) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

// Known reports whether the id is present anywhere in the queue:
// ready, in-flight, or scheduled.
func (q *Redis) Known(ctx context.Context, jobID string) (bool, error) {
	if err := q.client.ZScore(ctx, inflightKey, jobID).Err(); err == nil {
		return true, nil
	} else if !errors.Is(err, redis.Nil) {
		return false, err
	}
	if err := q.client.ZScore(ctx, scheduledKey, jobID).Err(); err == nil {
		return true, nil
	} else if !errors.Is(err, redis.Nil) {
		return false, err
	}
	if err := q.client.LPos(ctx, readyKey, jobID, redis.LPosArgs{}).Err(); err == nil {
		return true, nil
	} else if !errors.Is(err, redis.Nil) {
		return false, err
	}
	return false, nil
}

func (q *Redis) dueMembers(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
