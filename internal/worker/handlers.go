package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/portfolio-rebalancer/internal/adapter"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/execution"
	"github.com/portfolio-rebalancer/internal/job"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/planner"
	"github.com/portfolio-rebalancer/internal/risk"
	"github.com/portfolio-rebalancer/internal/storage"
	"github.com/portfolio-rebalancer/internal/types"
)

// Executor runs a rebalance attempt
type Executor interface {
	ExecuteRebalance(ctx context.Context, req execution.RebalanceRequest) (*execution.RebalanceResult, error)
}

// RiskAnalyzer produces portfolio risk metrics
type RiskAnalyzer interface {
	UpdatePriceData(prices types.PriceSet) []models.RiskAlert
	AnalyzePortfolioRisk(weights map[string]float64, prices types.PriceSet) models.RiskMetrics
}

// CheckHandler looks for drift and queues a rebalance when a portfolio
// needs one.
type CheckHandler struct {
	portfolios    storage.PortfolioStore
	prices        adapter.PriceFeed
	rebalances    job.Queue
	minTradeValue float64
}

// NewCheckHandler creates a portfolio-check handler
func NewCheckHandler(portfolios storage.PortfolioStore, prices adapter.PriceFeed, rebalances job.Queue, minTradeValue float64) *CheckHandler {
	return &CheckHandler{portfolios: portfolios, prices: prices, rebalances: rebalances, minTradeValue: minTradeValue}
}

// Handle checks one portfolio
func (h *CheckHandler) Handle(ctx context.Context, j *job.Job) error {
	logger := logging.FromContext(ctx)

	p, err := h.portfolios.Get(ctx, j.PortfolioID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("Portfolio vanished before check")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load portfolio: %w", err)
	}
	if !p.IsActive || len(p.TargetAllocations) == 0 {
		// stubs created by the indexer have no targets yet
		return nil
	}

	prices, err := h.prices.GetCurrentPrices(ctx)
	if err != nil {
		return fmt.Errorf("fetch prices: %w", err)
	}

	targets := make([]types.Allocation, 0, len(p.TargetAllocations))
	for asset, pct := range p.TargetAllocations {
		targets = append(targets, types.Allocation{Asset: asset, Percentage: pct})
	}
	report, err := planner.AnalyzeDrift(planner.Input{
		Balances:      p.CurrentBalances,
		Targets:       targets,
		Prices:        prices,
		Threshold:     p.Threshold,
		MinTradeValue: h.minTradeValue,
	})
	var missing *planner.MissingPriceError
	if errors.As(err, &missing) {
		logger.WithField("assets", missing.Assets).Info("Skipping drift check without prices")
		return nil
	}
	if err != nil {
		return fmt.Errorf("analyze drift: %w", err)
	}
	if !report.NeedsRebalance {
		return nil
	}

	next := job.New(job.KindRebalance, p.ID)
	next.Automatic = true
	next.Reason = fmt.Sprintf("%s drift %.2f%% exceeds %.2f%%", report.MaxDriftAsset, report.MaxDrift, report.Threshold)
	if err := h.rebalances.Enqueue(ctx, next); err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"maxDrift":      report.MaxDrift,
		"maxDriftAsset": report.MaxDriftAsset,
	}).Info("Queued automatic rebalance")
	return nil
}

// RebalanceHandler runs queued rebalances. Version conflicts are retried
// with fresh state up to maxAttempts.
type RebalanceHandler struct {
	executor    Executor
	queue       job.Queue
	maxAttempts int
}

// NewRebalanceHandler creates a rebalance handler
func NewRebalanceHandler(executor Executor, queue job.Queue, maxAttempts int) *RebalanceHandler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RebalanceHandler{executor: executor, queue: queue, maxAttempts: maxAttempts}
}

// Handle executes one rebalance job
func (h *RebalanceHandler) Handle(ctx context.Context, j *job.Job) error {
	logger := logging.FromContext(ctx)

	res, err := h.executor.ExecuteRebalance(ctx, execution.RebalanceRequest{
		PortfolioID: j.PortfolioID,
		Automatic:   j.Automatic,
	})
	if err == nil {
		logger.WithFields(map[string]interface{}{
			"state":      res.State,
			"reasonCode": res.ReasonCode,
		}).Info("Rebalance job finished")
		return nil
	}

	if _, ok := apperrors.AsVersionConflict(err); ok {
		return h.retry(ctx, j, "version conflict", err)
	}
	catErr := apperrors.Categorize(err)
	if catErr != nil && catErr.Code == "REBALANCE_IN_PROGRESS" {
		// another attempt holds the lock and will settle this portfolio
		logger.Info("Rebalance already running, dropping job")
		return nil
	}
	if apperrors.IsRetryable(err) {
		return h.retry(ctx, j, "retryable failure", err)
	}
	return err
}

func (h *RebalanceHandler) retry(ctx context.Context, j *job.Job, reason string, cause error) error {
	if j.Attempt >= h.maxAttempts {
		return fmt.Errorf("giving up after %d attempts: %w", j.Attempt, cause)
	}
	if err := h.queue.Enqueue(ctx, j.Retry(reason)); err != nil {
		return fmt.Errorf("re-enqueue after %s: %w", reason, err)
	}
	logging.FromContext(ctx).WithError(cause).WithField("nextAttempt", j.Attempt+1).Info("Rebalance re-enqueued")
	return nil
}

// AnalyticsHandler records a risk snapshot for active portfolios
type AnalyticsHandler struct {
	portfolios storage.PortfolioStore
	prices     adapter.PriceFeed
	risk       RiskAnalyzer
	sink       storage.RiskSnapshotSink
	batchLimit int
	now        func() time.Time
}

// NewAnalyticsHandler creates an analytics-snapshot handler
func NewAnalyticsHandler(portfolios storage.PortfolioStore, prices adapter.PriceFeed, analyzer RiskAnalyzer, sink storage.RiskSnapshotSink) *AnalyticsHandler {
	return &AnalyticsHandler{
		portfolios: portfolios,
		prices:     prices,
		risk:       analyzer,
		sink:       sink,
		batchLimit: 1000,
		now:        time.Now,
	}
}

// Handle snapshots one portfolio, or every active one when the job names
// none.
func (h *AnalyticsHandler) Handle(ctx context.Context, j *job.Job) error {
	prices, err := h.prices.GetCurrentPrices(ctx)
	if err != nil {
		return fmt.Errorf("fetch prices: %w", err)
	}
	h.risk.UpdatePriceData(prices)

	var portfolios []*models.Portfolio
	if j.PortfolioID != "" {
		p, err := h.portfolios.Get(ctx, j.PortfolioID)
		if err != nil {
			return fmt.Errorf("load portfolio: %w", err)
		}
		portfolios = append(portfolios, p)
	} else {
		portfolios, err = h.portfolios.ListActive(ctx, h.batchLimit)
		if err != nil {
			return fmt.Errorf("list portfolios: %w", err)
		}
	}

	takenAt := h.now().UTC()
	snaps := make([]*models.RiskSnapshot, 0, len(portfolios))
	for _, p := range portfolios {
		weights := risk.PortfolioWeights(p, prices)
		if len(weights) == 0 {
			continue
		}
		total := 0.0
		for asset, bal := range p.CurrentBalances {
			if price, ok := prices.Lookup(asset); ok {
				total += bal * price
			}
		}
		snaps = append(snaps, &models.RiskSnapshot{
			PortfolioID: p.ID,
			TakenAt:     takenAt,
			TotalValue:  total,
			Metrics:     h.risk.AnalyzePortfolioRisk(weights, prices),
			Weights:     weights,
		})
	}
	if len(snaps) == 0 {
		return nil
	}
	if err := h.sink.InsertRiskSnapshots(ctx, snaps); err != nil {
		return fmt.Errorf("insert risk snapshots: %w", err)
	}
	logging.FromContext(ctx).WithField("snapshots", len(snaps)).Info("Recorded risk snapshots")
	return nil
}
