package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key prefixes
const (
	keyPrefixQueue      = "queue:"      // pending jobs, scored by visible-at
	keyPrefixProcessing = "processing:" // in-flight jobs, scored by visibility deadline
	keyPrefixMessage    = "msg:"        // job bodies
	keyPrefixDLQ        = "dlq:"        // dead letters
)

// Redis implements Queue with sorted sets so delayed retries become visible
// at their scheduled time.
type Redis struct {
	client *redis.Client
	cfg    Config
	poll   time.Duration
}

func NewRedis(client *redis.Client, cfg Config) *Redis {
	return &Redis{client: client, cfg: cfg.withDefaults(), poll: 100 * time.Millisecond}
}

func (q *Redis) Name() string { return q.cfg.Name }

func (q *Redis) queueKey() string      { return keyPrefixQueue + q.cfg.Name }
func (q *Redis) processingKey() string { return keyPrefixProcessing + q.cfg.Name }
func (q *Redis) dlqKey() string        { return keyPrefixDLQ + q.cfg.Name }
func (q *Redis) msgKey(id string) string {
	return keyPrefixMessage + q.cfg.Name + ":" + id
}

func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(job.ID), data, q.cfg.RetentionPeriod)
	pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: float64(job.EnqueuedAt.UnixNano()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", q.cfg.Name, err)
	}
	return nil
}

// claim removes the oldest visible job id from the pending set. ZRem decides
// the winner when several instances race for the same id.
func (q *Redis) claim(ctx context.Context) (string, error) {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.queueKey(), &redis.ZRangeBy{Min: "-inf", Max: now, Count: 1}).Result()
	if err != nil || len(ids) == 0 {
		return "", err
	}
	removed, err := q.client.ZRem(ctx, q.queueKey(), ids[0]).Result()
	if err != nil || removed == 0 {
		return "", err
	}
	return ids[0], nil
}

func (q *Redis) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		id, err := q.claim(ctx)
		if err != nil {
			return nil, fmt.Errorf("claim from %s: %w", q.cfg.Name, err)
		}
		if id == "" {
			select {
			case <-time.After(q.poll):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, err := q.client.Get(ctx, q.msgKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// body expired
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get job body: %w", err)
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			_ = q.client.ZAdd(ctx, q.dlqKey(), redis.Z{Score: float64(time.Now().UnixNano()), Member: string(data)}).Err()
			continue
		}
		job.VisibleAfter = time.Now().Add(q.cfg.VisibilityTimeout)
		if err := q.client.ZAdd(ctx, q.processingKey(), redis.Z{Score: float64(job.VisibleAfter.UnixNano()), Member: id}).Err(); err != nil {
			return nil, fmt.Errorf("move to processing: %w", err)
		}
		return &job, nil
	}
	return nil, nil
}

func (q *Redis) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), id)
	pipe.Del(ctx, q.msgKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (q *Redis) load(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.msgKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Redis) Nack(ctx context.Context, id string) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	return q.requeue(ctx, job, "max retries exceeded")
}

func (q *Redis) requeue(ctx context.Context, job *Job, deadReason string) error {
	job.RetryCount++
	if job.RetryCount >= q.cfg.MaxRetries {
		return q.deadLetter(ctx, job, deadReason)
	}
	job.VisibleAfter = time.Now().Add(backoffFor(job.RetryCount))
	data, _ := json.Marshal(job)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), job.ID)
	pipe.Set(ctx, q.msgKey(job.ID), data, q.cfg.RetentionPeriod)
	pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: float64(job.VisibleAfter.UnixNano()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue %s: %w", job.ID, err)
	}
	return nil
}

func (q *Redis) MoveToDeadLetter(ctx context.Context, id, reason string) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	return q.deadLetter(ctx, job, reason)
}

func (q *Redis) deadLetter(ctx context.Context, job *Job, reason string) error {
	entry, _ := json.Marshal(DeadLetter{Job: *job, Reason: reason, MovedAt: time.Now().UTC()})
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), job.ID)
	pipe.Del(ctx, q.msgKey(job.ID))
	pipe.ZAdd(ctx, q.dlqKey(), redis.Z{Score: float64(time.Now().UnixNano()), Member: string(entry)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("move %s to DLQ: %w", job.ID, err)
	}
	return nil
}

// RecoverStale requeues in-flight jobs whose visibility timeout expired,
// typically because the worker holding them died.
func (q *Redis) RecoverStale(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	stale, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}
	n := 0
	for _, id := range stale {
		job, err := q.load(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			q.client.ZRem(ctx, q.processingKey(), id)
			continue
		}
		if err != nil {
			continue
		}
		if err := q.requeue(ctx, job, "visibility timeout exceeded"); err == nil {
			n++
		}
	}
	return n, nil
}

func (q *Redis) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queueKey()).Result()
}

// Close is a no-op; the client is owned by the caller.
func (q *Redis) Close() error { return nil }

var (
	_ Queue     = (*Redis)(nil)
	_ Recoverer = (*Redis)(nil)
)
