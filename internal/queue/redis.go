package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisJobPrefix    = "ordexec:job:"
	redisDelayedKey   = "ordexec:delayed"
	redisCompletedKey = "ordexec:completed"
	redisFailedPrefix = "ordexec:failed:"

	redisPollInterval = 100 * time.Millisecond
)

// RedisBackend stores jobs in the external Redis queue service: job bodies in
// per-id keys, the schedule in a sorted set scored by ready-time millis, and
// retired jobs under the retention hints.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to the queue service at addr (host:port).
func NewRedisBackend(ctx context.Context, addr string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Enqueue(ctx context.Context, job *Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}

	created, err := b.client.SetNX(ctx, redisJobPrefix+job.JobID, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("store job %s: %w", job.JobID, err)
	}
	if !created {
		return false, nil
	}

	if err := b.scheduleJob(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

func (b *RedisBackend) Requeue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}
	if err := b.client.Set(ctx, redisJobPrefix+job.JobID, data, 0).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", job.JobID, err)
	}
	return b.scheduleJob(ctx, job)
}

func (b *RedisBackend) scheduleJob(ctx context.Context, job *Job) error {
	score := float64(job.NextRunAt.UnixMilli())
	if err := b.client.ZAdd(ctx, redisDelayedKey, redis.Z{Score: score, Member: job.JobID}).Err(); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.JobID, err)
	}
	return nil
}

// Pop polls the schedule for the earliest due job. A popped entry that is not
// yet due is put back and the poll sleeps until it matures.
func (b *RedisBackend) Pop(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := b.client.ZPopMin(ctx, redisDelayedKey, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("pop schedule: %w", err)
		}

		if len(entries) > 0 {
			jobID, _ := entries[0].Member.(string)
			readyAt := time.UnixMilli(int64(entries[0].Score))

			if wait := time.Until(readyAt); wait > 0 {
				// Not due yet: put it back and sleep toward its ready time.
				if err := b.client.ZAdd(ctx, redisDelayedKey, redis.Z{Score: entries[0].Score, Member: jobID}).Err(); err != nil {
					return nil, fmt.Errorf("reschedule job %s: %w", jobID, err)
				}
				if wait > redisPollInterval {
					wait = redisPollInterval
				}
				if err := sleepCtx(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}

			job, err := b.loadJob(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if job == nil {
				// Body expired or was retired underneath us; skip the entry.
				continue
			}
			return job, nil
		}

		if err := sleepCtx(ctx, redisPollInterval); err != nil {
			return nil, err
		}
	}
}

func (b *RedisBackend) loadJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := b.client.Get(ctx, redisJobPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (b *RedisBackend) MarkCompleted(ctx context.Context, job *Job) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, redisJobPrefix+job.JobID)
	pipe.LPush(ctx, redisCompletedKey, job.JobID+":"+strconv.FormatInt(time.Now().UnixMilli(), 10))
	pipe.LTrim(ctx, redisCompletedKey, 0, completedKeep-1)
	pipe.Expire(ctx, redisCompletedKey, completedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retire job %s: %w", job.JobID, err)
	}
	return nil
}

func (b *RedisBackend) MarkFailed(ctx context.Context, job *Job, errMsg string) error {
	record, err := json.Marshal(map[string]interface{}{
		"job":       job,
		"error":     errMsg,
		"failed_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal failure record %s: %w", job.JobID, err)
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, redisJobPrefix+job.JobID)
	pipe.Set(ctx, redisFailedPrefix+job.JobID, record, failedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retire failed job %s: %w", job.JobID, err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
