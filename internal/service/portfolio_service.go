// Package service validates requests at the edge of the core and turns
// them into store writes, queued jobs and engine calls.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

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

const (
	depositAttempts     = 3
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// RiskReader is the part of the risk engine the service reports on
type RiskReader interface {
	AnalyzePortfolioRisk(weights map[string]float64, prices types.PriceSet) models.RiskMetrics
	ShouldAllowRebalance(p *models.Portfolio, prices types.PriceSet) models.GateDecision
	ActiveCircuitBreakers() []models.CircuitBreakerStatus
}

// EmergencyControl reads and flips the global emergency stop
type EmergencyControl interface {
	adapter.EmergencyFlag
	SetEmergencyStop(ctx context.Context, stopped bool) error
}

// Rebalancer runs a rebalance synchronously
type Rebalancer interface {
	ExecuteRebalance(ctx context.Context, req execution.RebalanceRequest) (*execution.RebalanceResult, error)
}

// Deps are the collaborators of PortfolioService. RebalanceQueue is
// optional; without it manual rebalances run inline.
type Deps struct {
	Portfolios     storage.PortfolioStore
	History        storage.HistoryStore
	Prices         adapter.PriceFeed
	Risk           RiskReader
	Emergency      EmergencyControl
	Rebalancer     Rebalancer
	RebalanceQueue job.Queue
}

// PortfolioService handles portfolio management requests
type PortfolioService struct {
	deps   Deps
	logger *logging.Logger
}

// NewPortfolioService creates a new portfolio service
func NewPortfolioService(deps Deps, logger *logging.Logger) *PortfolioService {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &PortfolioService{deps: deps, logger: logger.WithField("component", "portfolio_service")}
}

// Input types

// CreatePortfolioInput represents input for creating a portfolio.
// Allocations may be a list of {asset, percentage} or an asset map.
type CreatePortfolioInput struct {
	UserAddress          string             `json:"userAddress"`
	Allocations          json.RawMessage    `json:"allocations"`
	Threshold            float64            `json:"threshold"`
	SlippageToleranceBps *int               `json:"slippageToleranceBps,omitempty"`
	InitialBalances      map[string]float64 `json:"initialBalances,omitempty"`
}

// DepositInput represents a deposit into a portfolio
type DepositInput struct {
	Asset  string  `json:"asset"`
	Amount float64 `json:"amount"`
}

// HistoryInput filters portfolio history
type HistoryInput struct {
	Source string     `json:"source,omitempty"`
	From   *time.Time `json:"from,omitempty"`
	To     *time.Time `json:"to,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// Output types

// PortfolioView is a portfolio with its drift against current prices.
// Drift is nil when prices are unavailable.
type PortfolioView struct {
	*models.Portfolio
	Allocations []types.Allocation   `json:"allocations"`
	Drift       *planner.DriftReport `json:"drift,omitempty"`
}

// RiskView reports the risk engine's view of a portfolio
type RiskView struct {
	PortfolioID     string                        `json:"portfolioId"`
	Weights         map[string]float64            `json:"weights"`
	Metrics         models.RiskMetrics            `json:"metrics"`
	Gate            models.GateDecision           `json:"gate"`
	CircuitBreakers []models.CircuitBreakerStatus `json:"circuitBreakers"`
}

// RebalanceOutcome is either a queued job or an inline result
type RebalanceOutcome struct {
	PortfolioID string                     `json:"portfolioId"`
	Queued      bool                       `json:"queued"`
	JobID       string                     `json:"jobId,omitempty"`
	Result      *execution.RebalanceResult `json:"result,omitempty"`
}

// CreatePortfolio validates input and stores a new portfolio at version 1
func (s *PortfolioService) CreatePortfolio(ctx context.Context, input *CreatePortfolioInput) (*models.Portfolio, error) {
	if input == nil {
		return nil, apperrors.NewInvalidParameterError("body", "request body is required")
	}
	owner := strings.TrimSpace(input.UserAddress)
	if owner == "" {
		return nil, apperrors.NewInvalidParameterError("userAddress", "owner address is required")
	}

	allocations, err := NormalizeAllocations(input.Allocations)
	if err != nil {
		return nil, err
	}
	if err := validateThreshold(input.Threshold); err != nil {
		return nil, err
	}
	slippage := DefaultSlippageBps
	if input.SlippageToleranceBps != nil {
		slippage = *input.SlippageToleranceBps
	}
	if err := validateSlippage(slippage); err != nil {
		return nil, err
	}

	balances := make(map[string]float64, len(input.InitialBalances))
	for asset, amount := range input.InitialBalances {
		if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
			return nil, apperrors.NewInvalidParameterError("initialBalances", fmt.Sprintf("balance for %s must be a non-negative number", asset))
		}
		balances[asset] = planner.RoundFloat(amount)
	}

	p := &models.Portfolio{
		UserAddress:          owner,
		TargetAllocations:    AllocationMap(allocations),
		CurrentBalances:      balances,
		Threshold:            input.Threshold,
		SlippageToleranceBps: slippage,
		IsActive:             true,
	}
	if len(balances) > 0 {
		p.TotalValue = s.valueBestEffort(ctx, balances)
	}

	if err := s.deps.Portfolios.Create(ctx, p); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, apperrors.NewConflictError(fmt.Sprintf("portfolio %s already exists", p.ID))
		}
		return nil, apperrors.NewDatabaseError("create portfolio", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"portfolioId": p.ID,
		"owner":       owner,
		"assets":      len(allocations),
	}).Info("Portfolio created")
	return p, nil
}

// GetPortfolio returns a portfolio with its current drift
func (s *PortfolioService) GetPortfolio(ctx context.Context, id string) (*PortfolioView, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &PortfolioView{Portfolio: p, Allocations: TargetList(p.TargetAllocations)}
	if len(view.Allocations) == 0 || s.deps.Prices == nil {
		return view, nil
	}
	prices, err := s.deps.Prices.GetCurrentPrices(ctx)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Prices unavailable, returning portfolio without drift")
		return view, nil
	}
	report, err := planner.AnalyzeDrift(planner.Input{
		Balances:  p.CurrentBalances,
		Targets:   view.Allocations,
		Prices:    prices,
		Threshold: p.Threshold,
	})
	if err == nil {
		view.Drift = report
	}
	return view, nil
}

// Deposit adds amount of asset to a portfolio through a versioned write.
// Conflicting writers are retried against fresh state.
func (s *PortfolioService) Deposit(ctx context.Context, id string, input *DepositInput) (*models.Portfolio, error) {
	if input == nil {
		return nil, apperrors.NewInvalidParameterError("body", "request body is required")
	}
	asset := strings.TrimSpace(input.Asset)
	if asset == "" {
		return nil, apperrors.NewInvalidParameterError("asset", "asset is required")
	}
	if math.IsNaN(input.Amount) || math.IsInf(input.Amount, 0) || input.Amount <= 0 {
		return nil, apperrors.NewInvalidParameterError("amount", "amount must be positive")
	}
	if s.deps.Emergency != nil {
		stopped, err := s.deps.Emergency.EmergencyStopped(ctx)
		if err != nil {
			return nil, apperrors.NewCacheError("read emergency stop", err)
		}
		if stopped {
			return nil, apperrors.NewEmergencyStopError("deposit")
		}
	}

	var lastErr error
	for attempt := 1; attempt <= depositAttempts; attempt++ {
		p, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}

		balances := make(map[string]float64, len(p.CurrentBalances)+1)
		for k, v := range p.CurrentBalances {
			balances[k] = v
		}
		balances[asset] = planner.RoundNative(decimal.NewFromFloat(balances[asset]).Add(decimal.NewFromFloat(input.Amount)))

		upd := &models.PortfolioUpdate{CurrentBalances: balances}
		if total, ok := s.value(ctx, balances); ok {
			upd.TotalValue = &total
		}

		expected := p.Version
		updated, err := s.deps.Portfolios.Update(ctx, id, upd, &expected)
		if err == nil {
			s.logger.WithFields(map[string]interface{}{
				"portfolioId": id,
				"asset":       asset,
				"amount":      input.Amount,
				"version":     updated.Version,
			}).Info("Deposit applied")
			return updated, nil
		}
		if _, ok := apperrors.AsVersionConflict(err); !ok {
			return nil, apperrors.NewDatabaseError("apply deposit", err)
		}
		lastErr = err
		s.logger.WithField("portfolioId", id).WithField("attempt", attempt).Debug("Deposit lost a version race, retrying")
	}
	return nil, lastErr
}

// GetHistory returns a portfolio's audit trail, newest first
func (s *PortfolioService) GetHistory(ctx context.Context, id string, input *HistoryInput) ([]*models.RebalanceEvent, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	if input == nil {
		input = &HistoryInput{}
	}

	q := models.HistoryQuery{PortfolioID: id, From: input.From, To: input.To, Limit: input.Limit}
	switch types.EventSource(input.Source) {
	case "":
	case types.SourceOffchain, types.SourceSimulated, types.SourceOnchain:
		q.Source = types.EventSource(input.Source)
	default:
		return nil, apperrors.NewInvalidParameterError("source", "must be offchain, simulated or onchain")
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return nil, apperrors.NewInvalidParameterError("from", "must not be after to")
	}
	if q.Limit < 0 || q.Limit > maxHistoryLimit {
		return nil, apperrors.NewInvalidParameterError("limit", fmt.Sprintf("must be between 1 and %d", maxHistoryLimit))
	}
	if q.Limit == 0 {
		q.Limit = defaultHistoryLimit
	}

	events, err := s.deps.History.Query(ctx, q)
	if err != nil {
		return nil, apperrors.NewDatabaseError("query history", err)
	}
	if events == nil {
		events = []*models.RebalanceEvent{}
	}
	return events, nil
}

// GetRisk reports risk metrics and the gate verdict for a portfolio
func (s *PortfolioService) GetRisk(ctx context.Context, id string) (*RiskView, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	prices, err := s.deps.Prices.GetCurrentPrices(ctx)
	if err != nil {
		return nil, apperrors.NewProviderError("price feed", err)
	}

	weights := risk.PortfolioWeights(p, prices)
	breakers := s.deps.Risk.ActiveCircuitBreakers()
	if breakers == nil {
		breakers = []models.CircuitBreakerStatus{}
	}
	return &RiskView{
		PortfolioID:     p.ID,
		Weights:         weights,
		Metrics:         s.deps.Risk.AnalyzePortfolioRisk(weights, prices),
		Gate:            s.deps.Risk.ShouldAllowRebalance(p, prices),
		CircuitBreakers: breakers,
	}, nil
}

// SetEmergencyStop flips the global emergency stop
func (s *PortfolioService) SetEmergencyStop(ctx context.Context, stopped bool) error {
	if s.deps.Emergency == nil {
		return apperrors.NewServiceUnavailableError("emergency stop")
	}
	if err := s.deps.Emergency.SetEmergencyStop(ctx, stopped); err != nil {
		return apperrors.NewCacheError("set emergency stop", err)
	}
	s.logger.WithField("stopped", stopped).Warn("Emergency stop updated")
	return nil
}

// TriggerRebalance queues a manual rebalance ahead of scheduled work, or
// runs it inline when no queue is configured.
func (s *PortfolioService) TriggerRebalance(ctx context.Context, id string) (*RebalanceOutcome, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(p.TargetAllocations) == 0 {
		return nil, apperrors.NewInvalidAllocationError("portfolio has no target allocations", 0)
	}

	if s.deps.RebalanceQueue != nil {
		j := job.New(job.KindRebalance, id)
		j.Priority = job.PriorityManual
		j.Reason = "manual"
		if err := s.deps.RebalanceQueue.Enqueue(ctx, j); err != nil {
			return nil, apperrors.NewCacheError("enqueue rebalance", err)
		}
		s.logger.WithField("portfolioId", id).WithField("jobId", j.ID).Info("Manual rebalance queued")
		return &RebalanceOutcome{PortfolioID: id, Queued: true, JobID: j.ID}, nil
	}

	res, err := s.deps.Rebalancer.ExecuteRebalance(ctx, execution.RebalanceRequest{PortfolioID: id})
	if err != nil {
		return nil, err
	}
	return &RebalanceOutcome{PortfolioID: id, Result: res}, nil
}

func (s *PortfolioService) load(ctx context.Context, id string) (*models.Portfolio, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.NewInvalidParameterError("id", "portfolio id is required")
	}
	p, err := s.deps.Portfolios.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("portfolio", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get portfolio", err)
	}
	return p, nil
}

// value prices balances; ok is false when any held asset has no price
func (s *PortfolioService) value(ctx context.Context, balances map[string]float64) (float64, bool) {
	if s.deps.Prices == nil {
		return 0, false
	}
	prices, err := s.deps.Prices.GetCurrentPrices(ctx)
	if err != nil {
		return 0, false
	}
	total := 0.0
	for asset, bal := range balances {
		if bal == 0 {
			continue
		}
		price, ok := prices.Lookup(asset)
		if !ok {
			return 0, false
		}
		total += bal * price
	}
	return planner.RoundFloat(total), true
}

func (s *PortfolioService) valueBestEffort(ctx context.Context, balances map[string]float64) float64 {
	total, ok := s.value(ctx, balances)
	if !ok {
		logging.FromContext(ctx).Debug("Could not value initial balances")
	}
	return total
}
