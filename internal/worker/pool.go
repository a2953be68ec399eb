// Package worker runs the background job classes: portfolio checks,
// rebalances and analytics snapshots.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/portfolio-rebalancer/internal/job"
	"github.com/portfolio-rebalancer/internal/logging"
)

// Handler processes one job
type Handler interface {
	Handle(ctx context.Context, j *job.Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, j *job.Job) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, j *job.Job) error { return f(ctx, j) }

// PoolConfig holds pool settings
type PoolConfig struct {
	Name        string
	Concurrency int
	// DequeueWait bounds each blocking read so Stop is noticed promptly
	DequeueWait time.Duration
	// JobTimeout bounds a single handler call
	JobTimeout time.Duration
}

// Pool drains one queue with a bounded number of concurrent handlers
type Pool struct {
	cfg     PoolConfig
	queue   job.Queue
	handler Handler
	logger  *logging.Logger

	sem     chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	processed int64
	failed    int64
}

// NewPool creates a worker pool
func NewPool(cfg PoolConfig, queue job.Queue, handler Handler, logger *logging.Logger) (*Pool, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &Pool{
		cfg:     cfg,
		queue:   queue,
		handler: handler,
		logger:  logger.WithFields(map[string]interface{}{"component": "worker_pool", "pool": cfg.Name}),
		sem:     make(chan struct{}, cfg.Concurrency),
	}, nil
}

// Start begins consuming jobs
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pool %s already started", p.cfg.Name)
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.WithField("concurrency", p.cfg.Concurrency).Info("Starting worker pool")
	go p.consume(ctx)
	return nil
}

// Stop stops consuming and waits for in-flight jobs
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("pool %s is not running", p.cfg.Name)
	}
	p.running = false
	close(p.stopCh)
	doneCh := p.doneCh
	p.mu.Unlock()

	select {
	case <-doneCh:
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool stop timed out")
		return ctx.Err()
	}
}

// Stats returns processed and failed job counts
func (p *Pool) Stats() (processed, failed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, p.failed
}

func (p *Pool) consume(ctx context.Context) {
	defer close(p.doneCh)
	defer p.wg.Wait()

	for {
		// Wait for a free slot before taking a job off the queue.
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case p.sem <- struct{}{}:
		}

		j, err := p.queue.Dequeue(ctx, p.cfg.DequeueWait)
		if err != nil {
			<-p.sem
			if errors.Is(err, job.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			p.logger.WithError(err).Warn("Dequeue failed")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		if j == nil {
			<-p.sem
			continue
		}

		p.wg.Add(1)
		go func(j *job.Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.run(ctx, j)
		}(j)
	}
}

func (p *Pool) run(ctx context.Context, j *job.Job) {
	logger := p.logger.WithFields(map[string]interface{}{
		"jobId":       j.ID,
		"kind":        j.Kind,
		"portfolioId": j.PortfolioID,
		"attempt":     j.Attempt,
	})

	// in-flight jobs finish even when the pool is stopping
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	defer cancel()
	jobCtx = logging.WithLogger(jobCtx, logger)

	err := p.safeHandle(jobCtx, j)

	p.mu.Lock()
	p.processed++
	if err != nil {
		p.failed++
	}
	p.mu.Unlock()

	if err != nil {
		logger.WithError(err).Warn("Job failed")
	}
	if ackErr := p.queue.Ack(jobCtx, j); ackErr != nil {
		logger.WithError(ackErr).Error("Failed to ack job")
	}
}

func (p *Pool) safeHandle(ctx context.Context, j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, j)
}
