package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	delayedKey    = "jobs:delayed"    // ZSET: job id -> due time (unix ms)
	processingKey = "jobs:processing" // ZSET: claimed job id -> visibility deadline (unix ms)
	dataKey       = "jobs:data"       // HASH: job id -> JSON payload
)

// defaultVisibility is how long a claim stays valid. A job not acked or
// re-delayed before the deadline is considered abandoned by a dead worker
// and goes back to the delayed set.
const defaultVisibility = 5 * time.Minute

// Job is a dispatch job carried by the queue. Its identity is the email
// record id, so enqueueing the same record twice is a no-op.
type Job struct {
	EmailID   uuid.UUID `json:"email_id"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	UserID    string    `json:"user_id"`
	BatchID   uuid.UUID `json:"batch_id"`
	Attempt   int       `json:"attempt"`
}

// ID returns the job's queue identity.
func (j *Job) ID() string {
	return j.EmailID.String()
}

// enqueueScript stores the payload and schedules the job unless a job with
// the same identity already exists. Returns 1 when the job was created.
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// claimScript pops one due job into the processing set. The ZREM makes the
// claim exclusive: only one worker can hold a given job at a time. The
// processing entry carries a visibility deadline so a claim abandoned by a
// crashed worker can be re-delivered.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
	return false
end
redis.call('ZREM', KEYS[1], due[1])
redis.call('ZADD', KEYS[3], ARGV[2], due[1])
return redis.call('HGET', KEYS[2], due[1])
`)

// requeueScript moves every claim past its visibility deadline back into
// the delayed set, due immediately. Entries without a payload were acked
// concurrently and are just dropped.
var requeueScript = redis.NewScript(`
local moved = 0
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	if redis.call('HEXISTS', KEYS[2], id) == 1 then
		redis.call('ZADD', KEYS[3], ARGV[1], id)
		moved = moved + 1
	end
end
return moved
`)

// removeScript deletes a job only if it is still waiting in the delayed
// set. A claimed (in-flight) job is not removable.
var removeScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 then
	redis.call('HDEL', KEYS[2], ARGV[1])
end
return removed
`)

// JobQueue is a durable delayed-job queue on Redis. Jobs become claimable
// once their due time has passed; delivery order across due jobs is
// best-effort, not strict enqueue order.
type JobQueue struct {
	client     *Client
	logger     *zap.Logger
	visibility time.Duration
}

// NewJobQueue creates a job queue on the given Redis client.
func NewJobQueue(client *Client, logger *zap.Logger) *JobQueue {
	return &JobQueue{
		client:     client,
		logger:     logger,
		visibility: defaultVisibility,
	}
}

// Enqueue schedules a job to become due after the given delay.
// Returns false when a job with the same identity already exists.
func (q *JobQueue) Enqueue(ctx context.Context, job *Job, delay time.Duration) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	due := time.Now().Add(delay).UnixMilli()
	created, err := enqueueScript.Run(ctx, q.client.rdb,
		[]string{delayedKey, dataKey},
		job.ID(), payload, due,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}

	if created == 0 {
		q.logger.Debug("job already queued, enqueue skipped",
			zap.String("job_id", job.ID()),
		)
		return false, nil
	}

	return true, nil
}

// ClaimDue pops one job whose due time has passed, or nil when none is due.
// The caller owns the job until it calls Ack or MoveToDelayed.
func (q *JobQueue) ClaimDue(ctx context.Context) (*Job, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, q.client.rdb,
		[]string{delayedKey, dataKey, processingKey},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(),
	).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(res), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}

	return &job, nil
}

// GetJob looks up a job's payload by identity, claimed or not.
// Returns nil when the job does not exist.
func (q *JobQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	res, err := q.client.rdb.HGet(ctx, dataKey, id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(res), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}

	return &job, nil
}

// Remove deletes a waiting job. Returns true only if the job existed in
// the delayed set and was removed; a job already claimed by a worker is
// left alone and reported as not removed.
func (q *JobQueue) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := removeScript.Run(ctx, q.client.rdb,
		[]string{delayedKey, dataKey},
		id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("remove job: %w", err)
	}

	return removed == 1, nil
}

// MoveToDelayed re-schedules a claimed job for a future time, writing back
// the (possibly updated) payload. The job identity is unchanged.
func (q *JobQueue) MoveToDelayed(ctx context.Context, job *Job, dueAt time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.rdb.TxPipeline()
	pipe.ZRem(ctx, processingKey, job.ID())
	pipe.HSet(ctx, dataKey, job.ID(), payload)
	pipe.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: job.ID(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("move job to delayed: %w", err)
	}

	return nil
}

// Ack drops a claimed job after terminal processing.
func (q *JobQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.rdb.TxPipeline()
	pipe.ZRem(ctx, processingKey, id)
	pipe.HDel(ctx, dataKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// RequeueExpired re-delivers claims whose visibility deadline has passed,
// typically because the worker holding them died. Returns the number of
// jobs put back in the delayed set.
func (q *JobQueue) RequeueExpired(ctx context.Context) (int, error) {
	moved, err := requeueScript.Run(ctx, q.client.rdb,
		[]string{processingKey, dataKey, delayedKey},
		time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired claims: %w", err)
	}

	if moved > 0 {
		q.logger.Warn("re-delivered abandoned jobs",
			zap.Int("count", moved),
		)
	}

	return moved, nil
}

// PendingCount returns the number of jobs waiting in the delayed set.
func (q *JobQueue) PendingCount(ctx context.Context) (int64, error) {
	count, err := q.client.rdb.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return count, nil
}
