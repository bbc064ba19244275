// Package queue implements the seven-lane priority scheduler on Redis.
//
// Each lane is a sorted set scored by the job's next-eligible time. Workers
// drain lanes in strict declared order: a ready job in a higher lane is
// always served before any job in a lower lane, even under sustained load.
// Starvation of low lanes is the intended behavior.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teguhsant/pasarwa/internal/redis"
)

// Lane names, highest priority first. Workers consult them in this order.
const (
	LaneFlashDeals      = "flash-deals"
	LaneFishAlerts      = "fish-alerts"
	LaneJobAlerts       = "job-notifications"
	LaneProductRequests = "product-requests"
	LaneOffers          = "offers"
	LaneNotifications   = "notifications"
	LaneDefault         = "default"
)

// Lanes in strict priority order.
var Lanes = []string{
	LaneFlashDeals,
	LaneFishAlerts,
	LaneJobAlerts,
	LaneProductRequests,
	LaneOffers,
	LaneNotifications,
	LaneDefault,
}

// ErrDuplicateJob indicates an enqueue was dropped because another job with
// the same uniqueness key is already outstanding. Callers treat it as
// success: the outstanding job will deliver the work.
var ErrDuplicateJob = errors.New("duplicate job: uniqueness key already locked")

// jobTTL bounds how long an orphaned job payload can linger in Redis after
// the job becomes eligible. The payload expiry is sized from eligibleAt,
// not enqueue time, so a long frequency delay can never outlive its own
// payload. Well past the 2h retry deadline so no live job ever expires.
const jobTTL = 24 * time.Hour

// Job is one scheduled unit of work.
type Job struct {
	ID              string          `json:"id"`
	Lane            string          `json:"lane"`
	Kind            string          `json:"kind"`
	UniquenessKey   string          `json:"uniqueness_key,omitempty"`
	Attempt         int             `json:"attempt"`
	FirstEnqueuedAt time.Time       `json:"first_enqueued_at"`
	Payload         json.RawMessage `json:"payload"`
}

// Config holds scheduler tuning.
type Config struct {
	UniqueLockTTL time.Duration // at-most-one-outstanding window per uniqueness key
	ClaimLeaseTTL time.Duration // how long a claimed job stays invisible to other workers
}

// Queue is the Redis-backed multi-lane scheduler.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
	cfg    Config
}

// New creates a queue. Zero config fields get the 300s defaults.
func New(client *redis.Client, logger *zap.Logger, cfg Config) *Queue {
	if cfg.UniqueLockTTL == 0 {
		cfg.UniqueLockTTL = 300 * time.Second
	}
	if cfg.ClaimLeaseTTL == 0 {
		cfg.ClaimLeaseTTL = 300 * time.Second
	}
	return &Queue{client: client, logger: logger, cfg: cfg}
}

func laneKey(lane string) string  { return "queue:lane:" + lane }
func jobKey(id string) string     { return "queue:job:" + id }
func uniqueKey(key string) string { return "queue:unique:" + key }
func claimKey(id string) string   { return "queue:claim:" + id }

func validLane(lane string) bool {
	for _, l := range Lanes {
		if l == lane {
			return true
		}
	}
	return false
}

// Enqueue schedules a job on its lane, optionally delayed. Enqueue is
// idempotent per uniqueness key within the lock window: a duplicate while
// one is outstanding returns ErrDuplicateJob and schedules nothing.
func (q *Queue) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	if !validLane(job.Lane) {
		return fmt.Errorf("unknown lane %q", job.Lane)
	}
	if job.FirstEnqueuedAt.IsZero() {
		job.FirstEnqueuedAt = time.Now()
	}

	rdb := q.client.RDB()

	if job.UniquenessKey != "" {
		locked, err := rdb.SetNX(ctx, uniqueKey(job.UniquenessKey), job.ID, q.cfg.UniqueLockTTL).Result()
		if err != nil {
			return fmt.Errorf("acquire uniqueness lock: %w", err)
		}
		if !locked {
			q.logger.Debug("duplicate enqueue dropped",
				zap.String("uniqueness_key", job.UniquenessKey),
				zap.String("lane", job.Lane),
			)
			return ErrDuplicateJob
		}
	}

	if err := q.store(ctx, job, delay); err != nil {
		// Best effort: do not leave a lock with no job behind it.
		if job.UniquenessKey != "" {
			rdb.Del(ctx, uniqueKey(job.UniquenessKey))
		}
		return err
	}

	q.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("lane", job.Lane),
		zap.String("kind", job.Kind),
		zap.Duration("delay", delay),
	)
	return nil
}

func (q *Queue) store(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	eligibleAt := time.Now().Add(delay)

	ttl := jobTTL
	if delay > 0 {
		ttl += delay
	}

	pipe := q.client.RDB().Pipeline()
	pipe.Set(ctx, jobKey(job.ID), data, ttl)
	pipe.ZAdd(ctx, laneKey(job.Lane), goredis.Z{
		Score:  float64(eligibleAt.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

// Dequeue claims the highest-priority ready job, or returns nil when every
// lane is empty of ready work. Claiming is atomic: ZRem returns 1 for
// exactly one worker, so a job claimed here is invisible to all others
// until completed, requeued, or its claim lease expires.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	rdb := q.client.RDB()
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	for _, lane := range Lanes {
		// Re-scan the lane until it has no ready entries left. A batch
		// where every claim is lost to another worker or stale must not
		// let a lower lane jump ahead of ready work still sitting here.
		for {
			ids, err := rdb.ZRangeByScore(ctx, laneKey(lane), &goredis.ZRangeBy{
				Min:   "-inf",
				Max:   now,
				Count: 8,
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("scan lane %s: %w", lane, err)
			}
			if len(ids) == 0 {
				break
			}

			for _, id := range ids {
				removed, err := rdb.ZRem(ctx, laneKey(lane), id).Result()
				if err != nil {
					return nil, fmt.Errorf("claim job %s: %w", id, err)
				}
				if removed == 0 {
					// Another worker won the claim.
					continue
				}

				if err := rdb.Set(ctx, claimKey(id), workerID, q.cfg.ClaimLeaseTTL).Err(); err != nil {
					return nil, fmt.Errorf("lease job %s: %w", id, err)
				}

				data, err := rdb.Get(ctx, jobKey(id)).Result()
				if err == goredis.Nil {
					// Payload expired or was completed elsewhere.
					q.logger.Warn("dropping lane entry with missing payload",
						zap.String("job_id", id),
						zap.String("lane", lane),
					)
					rdb.Del(ctx, claimKey(id))
					continue
				}
				if err != nil {
					return nil, fmt.Errorf("load job %s: %w", id, err)
				}

				var job Job
				if err := json.Unmarshal([]byte(data), &job); err != nil {
					q.logger.Error("discarding undecodable job",
						zap.String("job_id", id),
						zap.Error(err),
					)
					rdb.Del(ctx, jobKey(id), claimKey(id))
					continue
				}

				return &job, nil
			}
		}
	}

	return nil, nil
}

// Requeue schedules a claimed job for another attempt after delay. The
// uniqueness lock is re-armed so the at-most-one-outstanding guarantee
// holds across the backoff window.
func (q *Queue) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	rdb := q.client.RDB()

	if job.UniquenessKey != "" {
		if err := rdb.Set(ctx, uniqueKey(job.UniquenessKey), job.ID, q.cfg.UniqueLockTTL).Err(); err != nil {
			return fmt.Errorf("re-arm uniqueness lock: %w", err)
		}
	}

	if err := q.store(ctx, job, delay); err != nil {
		return err
	}

	rdb.Del(ctx, claimKey(job.ID))

	q.logger.Info("job requeued",
		zap.String("job_id", job.ID),
		zap.String("lane", job.Lane),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
	)
	return nil
}

// Complete removes a finished job and releases its locks.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	return q.release(ctx, job)
}

// Fail removes a terminally failed job and releases its locks. Distinct
// from Complete only for the call sites; the cleanup is identical.
func (q *Queue) Fail(ctx context.Context, job *Job) error {
	return q.release(ctx, job)
}

func (q *Queue) release(ctx context.Context, job *Job) error {
	keys := []string{jobKey(job.ID), claimKey(job.ID)}
	if job.UniquenessKey != "" {
		keys = append(keys, uniqueKey(job.UniquenessKey))
	}
	if err := q.client.RDB().Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("release job %s: %w", job.ID, err)
	}
	return nil
}

// Depth returns the number of jobs scheduled on a lane (ready or delayed).
func (q *Queue) Depth(ctx context.Context, lane string) (int64, error) {
	return q.client.RDB().ZCard(ctx, laneKey(lane)).Result()
}

// Recover re-schedules jobs whose worker died mid-flight: the job payload
// exists, its claim lease has expired, and it sits on no lane. Run
// periodically by the janitor.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	rdb := q.client.RDB()
	recovered := 0

	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, "queue:job:*", 100).Result()
		if err != nil {
			return recovered, fmt.Errorf("scan jobs: %w", err)
		}

		for _, key := range keys {
			id := key[len("queue:job:"):]

			claimed, err := rdb.Exists(ctx, claimKey(id)).Result()
			if err != nil || claimed > 0 {
				continue
			}

			data, err := rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}

			var job Job
			if err := json.Unmarshal([]byte(data), &job); err != nil {
				continue
			}

			// Still scheduled on its lane: nothing to do.
			if err := rdb.ZScore(ctx, laneKey(job.Lane), id).Err(); err == nil {
				continue
			}

			if err := rdb.ZAdd(ctx, laneKey(job.Lane), goredis.Z{
				Score:  float64(time.Now().UnixMilli()),
				Member: id,
			}).Err(); err != nil {
				continue
			}

			q.logger.Warn("recovered orphaned job",
				zap.String("job_id", id),
				zap.String("lane", job.Lane),
			)
			recovered++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return recovered, nil
}
