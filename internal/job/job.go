// Package job defines background job payloads and the queues that carry
// them between the scheduler, the API and the workers.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which worker class handles a job
type Kind string

const (
	KindPortfolioCheck Kind = "portfolio_check"
	KindRebalance      Kind = "rebalance"
	KindAnalytics      Kind = "analytics_snapshot"
)

// Priority levels. Higher values are delivered first.
const (
	PriorityScheduled = 0
	PriorityManual    = 1
)

// ErrQueueClosed is returned by a queue that has been closed
var ErrQueueClosed = errors.New("queue closed")

// Job is one unit of background work
type Job struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	PortfolioID string    `json:"portfolioId,omitempty"`
	Automatic   bool      `json:"automatic"`
	Priority    int       `json:"priority"`
	Attempt     int       `json:"attempt"`
	Reason      string    `json:"reason,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`

	// raw is the exact payload delivered by a persistent queue, kept for ack
	raw string
}

// New creates a job with a fresh id
func New(kind Kind, portfolioID string) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		PortfolioID: portfolioID,
		Attempt:     1,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Retry returns a copy for the next attempt
func (j *Job) Retry(reason string) *Job {
	next := *j
	next.ID = uuid.New().String()
	next.Attempt = j.Attempt + 1
	next.Reason = reason
	next.EnqueuedAt = time.Now().UTC()
	next.raw = ""
	return &next
}

func (j *Job) String() string {
	return fmt.Sprintf("%s[%s] portfolio=%s attempt=%d", j.Kind, j.ID, j.PortfolioID, j.Attempt)
}

func encode(j *Job) (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(b), nil
}

func decode(raw string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	j.raw = raw
	return &j, nil
}

// Queue is a work queue with at-least-once delivery. Dequeue returns nil
// when nothing arrived within wait. A dequeued job stays reserved until Ack.
type Queue interface {
	Enqueue(ctx context.Context, j *Job) error
	Dequeue(ctx context.Context, wait time.Duration) (*Job, error)
	Ack(ctx context.Context, j *Job) error
	Len(ctx context.Context) (int64, error)
}
