package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/portfolio-rebalancer/internal/job"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/storage"
)

// SchedulerConfig holds scheduling intervals
type SchedulerConfig struct {
	CheckInterval    time.Duration
	SnapshotInterval time.Duration
	BatchLimit       int
}

// Scheduler periodically queues portfolio checks and analytics snapshots
type Scheduler struct {
	cfg        SchedulerConfig
	portfolios storage.PortfolioStore
	checks     job.Queue
	analytics  job.Queue
	logger     *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler
func NewScheduler(cfg SchedulerConfig, portfolios storage.PortfolioStore, checks, analytics job.Queue, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}
	return &Scheduler{
		cfg:        cfg,
		portfolios: portfolios,
		checks:     checks,
		analytics:  analytics,
		logger:     logger.WithField("component", "scheduler"),
	}
}

// Start begins the scheduling loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop ends the scheduling loop
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	checkTicker := time.NewTicker(s.cfg.CheckInterval)
	defer checkTicker.Stop()
	snapTicker := time.NewTicker(s.cfg.SnapshotInterval)
	defer snapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-checkTicker.C:
			if n, err := s.EnqueueChecks(ctx); err != nil {
				s.logger.WithError(err).Warn("Failed to schedule portfolio checks")
			} else if n > 0 {
				s.logger.WithField("portfolios", n).Debug("Scheduled portfolio checks")
			}
		case <-snapTicker.C:
			if err := s.EnqueueSnapshot(ctx); err != nil {
				s.logger.WithError(err).Warn("Failed to schedule analytics snapshot")
			}
		}
	}
}

// EnqueueChecks queues one check job per active portfolio
func (s *Scheduler) EnqueueChecks(ctx context.Context) (int, error) {
	portfolios, err := s.portfolios.ListActive(ctx, s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list active portfolios: %w", err)
	}
	queued := 0
	for _, p := range portfolios {
		if len(p.TargetAllocations) == 0 {
			continue
		}
		if err := s.checks.Enqueue(ctx, job.New(job.KindPortfolioCheck, p.ID)); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// EnqueueSnapshot queues an analytics run over all active portfolios
func (s *Scheduler) EnqueueSnapshot(ctx context.Context) error {
	return s.analytics.Enqueue(ctx, job.New(job.KindAnalytics, ""))
}
