package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/storage"
)

const queueKeyPrefix = "queue:"

// RedisQueue is a persistent list queue. Dequeue moves a payload onto a
// processing list and Ack removes it, so jobs held by a crashed worker can
// be recovered on restart.
type RedisQueue struct {
	client     *redis.Client
	name       string
	pending    string
	processing string
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue named name on cache
func NewRedisQueue(cache *storage.RedisCache, name string) *RedisQueue {
	pending := queueKeyPrefix + name
	return &RedisQueue{
		client:     cache.Client(),
		name:       name,
		pending:    pending,
		processing: pending + ":processing",
	}
}

// Enqueue adds a job. Manual jobs go to the consumer end of the list.
func (q *RedisQueue) Enqueue(ctx context.Context, j *Job) error {
	payload, err := encode(j)
	if err != nil {
		return err
	}
	if j.Priority > PriorityScheduled {
		err = q.client.RPush(ctx, q.pending, payload).Err()
	} else {
		err = q.client.LPush(ctx, q.pending, payload).Err()
	}
	if err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", j.Kind, q.name, err)
	}
	return nil
}

// Dequeue blocks up to wait for the next job
func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", q.name, err)
	}

	j, err := decode(raw)
	if err != nil {
		// drop payloads that can never be handled
		logging.FromContext(ctx).WithField("queue", q.name).WithError(err).Error("Discarding malformed job")
		_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
		return nil, nil
	}
	return j, nil
}

// Ack removes a delivered job from the processing list
func (q *RedisQueue) Ack(ctx context.Context, j *Job) error {
	if j == nil || j.raw == "" {
		return nil
	}
	if err := q.client.LRem(ctx, q.processing, 1, j.raw).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", j.ID, q.name, err)
	}
	return nil
}

// Len returns the number of pending jobs
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pending).Result()
}

// Recover moves jobs left on the processing list back to pending. It must
// run before any worker of this queue starts.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover %s: %w", q.name, err)
		}
		moved++
	}
}
