// Package execution runs one rebalance attempt end to end: market and risk
// gating, planning, DEX execution, the versioned balance commit and the
// audit record.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/portfolio-rebalancer/internal/adapter"
	"github.com/portfolio-rebalancer/internal/config"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/planner"
	"github.com/portfolio-rebalancer/internal/storage"
	"github.com/portfolio-rebalancer/internal/types"
)

// State is the position of an attempt in the execution state machine
type State string

const (
	StateIdle             State = "idle"
	StateGating           State = "gating"
	StatePlanning         State = "planning"
	StateExecuting        State = "executing"
	StateSettling         State = "settling"
	StateCompleted        State = "completed"
	StatePartialCompleted State = "partial_completed"
	StateFailed           State = "failed"
)

// RiskGate is the policy check run before planning
type RiskGate interface {
	ShouldAllowRebalance(p *models.Portfolio, prices types.PriceSet) models.GateDecision
}

// Config holds execution guardrails
type Config struct {
	MinInterval          time.Duration
	MinTradeValue        float64
	DefaultSlippageBps   int
	PairSlippageBps      map[string]int
	MaxTotalSlippageBps  int
	MaxSpreadBps         int
	MinLiquidityCoverage float64
	AllowPartialFill     bool
	RollbackOnFailure    bool
	DEXTimeout           time.Duration
	LockTTL              time.Duration
	Signer               string
	Simulated            bool
}

// ConfigFromRebalance maps loaded configuration onto engine settings
func ConfigFromRebalance(cfg config.RebalanceConfig, simulated bool) Config {
	return Config{
		MinInterval:          cfg.MinInterval,
		MinTradeValue:        cfg.MinTradeValue,
		DefaultSlippageBps:   cfg.DefaultSlippageBps,
		PairSlippageBps:      cfg.PairSlippageBps,
		MaxTotalSlippageBps:  cfg.MaxTotalSlippageBps,
		MaxSpreadBps:         cfg.MaxSpreadBps,
		MinLiquidityCoverage: cfg.MinLiquidityCoverage,
		AllowPartialFill:     cfg.AllowPartialFill,
		RollbackOnFailure:    cfg.RollbackOnFailure,
		DEXTimeout:           cfg.DEXTimeout,
		LockTTL:              cfg.LockTTL,
		Signer:               cfg.SignerSecret,
		Simulated:            simulated,
	}
}

// Deps are the collaborators of the engine
type Deps struct {
	Portfolios storage.PortfolioStore
	History    storage.HistoryStore
	Locker     storage.Locker
	Prices     adapter.PriceFeed
	DEX        adapter.DEX
	Safety     adapter.SafetyChecker
	Risk       RiskGate
}

// RebalanceRequest asks for one rebalance attempt
type RebalanceRequest struct {
	PortfolioID string `json:"portfolioId"`
	Automatic   bool   `json:"automatic"`
}

// RebalanceResult describes the outcome of an attempt. Blocked is set when
// a guard stopped the attempt before any trade was sent.
type RebalanceResult struct {
	PortfolioID string             `json:"portfolioId"`
	State       State              `json:"state"`
	Blocked     bool               `json:"blocked"`
	ReasonCode  types.ReasonCode   `json:"reasonCode,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Alerts      []models.RiskAlert `json:"alerts,omitempty"`
	// FailureReasons lists why individual trades failed or filled short
	FailureReasons []string                   `json:"failureReasons,omitempty"`
	Plan           *planner.Plan              `json:"plan,omitempty"`
	Execution      *models.DEXExecutionResult `json:"execution,omitempty"`
	Portfolio      *models.Portfolio          `json:"portfolio,omitempty"`
	Event          *models.RebalanceEvent     `json:"event,omitempty"`
}

// Engine executes rebalances
type Engine struct {
	deps   Deps
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

// NewEngine creates an execution engine
func NewEngine(deps Deps, cfg Config, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if cfg.MinTradeValue <= 0 {
		cfg.MinTradeValue = planner.DefaultMinTradeValue
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.DEXTimeout <= 0 {
		cfg.DEXTimeout = 30 * time.Second
	}
	return &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: logger.WithField("component", "execution_engine"),
		now:    time.Now,
	}
}

// attempt carries the per-call state through the guards
type attempt struct {
	req       RebalanceRequest
	portfolio *models.Portfolio
	version   int64
	prices    types.PriceSet
	result    *RebalanceResult
	logger    *logging.Logger
}

// ExecuteRebalance runs one attempt. Policy blocks are reported in the
// result with a nil error; conflicts and store failures are returned as
// errors. Every attempt that reaches a guard leaves exactly one history
// event.
func (e *Engine) ExecuteRebalance(ctx context.Context, req RebalanceRequest) (*RebalanceResult, error) {
	if req.PortfolioID == "" {
		return nil, apperrors.NewInvalidParameterError("portfolioId", "must not be empty")
	}
	logger := e.logger.WithFields(map[string]interface{}{
		"portfolioId": req.PortfolioID,
		"automatic":   req.Automatic,
	})

	token, ok, err := e.deps.Locker.TryLock(ctx, req.PortfolioID, e.cfg.LockTTL)
	if err != nil {
		return nil, apperrors.NewCacheError("acquire rebalance lock", err)
	}
	if !ok {
		logger.Info("Rebalance already in progress")
		return nil, apperrors.NewRebalanceInProgressError(req.PortfolioID)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.deps.Locker.Unlock(unlockCtx, req.PortfolioID, token); err != nil {
			logger.WithError(err).Warn("Failed to release rebalance lock")
		}
	}()

	p, err := e.deps.Portfolios.Get(ctx, req.PortfolioID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("portfolio", req.PortfolioID)
		}
		return nil, apperrors.NewDatabaseError("load portfolio", err)
	}

	a := &attempt{
		req:       req,
		portfolio: p,
		version:   p.Version,
		result:    &RebalanceResult{PortfolioID: p.ID, State: StateGating},
		logger:    logger.WithField("version", p.Version),
	}
	return e.run(ctx, a)
}

func (e *Engine) run(ctx context.Context, a *attempt) (*RebalanceResult, error) {
	prices, err := e.deps.Prices.GetCurrentPrices(ctx)
	if err != nil {
		return e.block(ctx, a, types.ReasonPriceUnavailable, fmt.Sprintf("price feed unavailable: %v", err), nil)
	}
	a.prices = prices

	// Guard 1: market safety
	check, err := e.deps.Safety.CheckMarketSafety(ctx, prices)
	if err != nil {
		return e.block(ctx, a, types.ReasonMarketUnsafe, fmt.Sprintf("market safety check failed: %v", err), nil)
	}
	if !check.Safe {
		return e.block(ctx, a, types.ReasonMarketUnsafe, joinReasons(check.Reasons), nil)
	}

	// Guard 2: risk policy
	decision := e.deps.Risk.ShouldAllowRebalance(a.portfolio, prices)
	a.result.Alerts = decision.Alerts
	if !decision.Allowed {
		return e.block(ctx, a, decision.ReasonCode, decision.Reason, decision.Alerts)
	}

	// Guard 3: cooldown
	now := e.now()
	if last := a.portfolio.LastRebalance; last != nil && e.cfg.MinInterval > 0 {
		if next := last.Add(e.cfg.MinInterval); now.Before(next) {
			return e.block(ctx, a, types.ReasonCooldownActive,
				fmt.Sprintf("last rebalance at %s, next allowed at %s", last.Format(time.RFC3339), next.Format(time.RFC3339)),
				decision.Alerts)
		}
	}

	// Guards 4 and 5: drift and planning
	a.result.State = StatePlanning
	plan, err := planner.Compute(planner.Input{
		Balances:           a.portfolio.CurrentBalances,
		Targets:            targetList(a.portfolio.TargetAllocations),
		Prices:             prices,
		Threshold:          a.portfolio.Threshold,
		MinTradeValue:      e.cfg.MinTradeValue,
		DefaultSlippageBps: e.defaultSlippage(a.portfolio),
		PairSlippageBps:    e.cfg.PairSlippageBps,
	})
	if err != nil {
		var missing *planner.MissingPriceError
		if errors.As(err, &missing) {
			return e.block(ctx, a, types.ReasonPriceUnavailable, missing.Error(), decision.Alerts)
		}
		return nil, apperrors.NewInternalError("trade planning failed", err)
	}
	a.result.Plan = plan
	if !plan.NeedsRebalance {
		return e.block(ctx, a, types.ReasonRebalanceNotNeeded,
			fmt.Sprintf("max drift %.2f%% within threshold %.2f%%", plan.MaxDrift, plan.Threshold), decision.Alerts)
	}
	if len(plan.Trades) == 0 {
		return e.block(ctx, a, types.ReasonNoTradesPlanned,
			fmt.Sprintf("drift %.2f%% exceeds threshold but no trade clears the %.2f minimum", plan.MaxDrift, e.cfg.MinTradeValue),
			decision.Alerts)
	}

	// Guard 6: DEX execution
	a.result.State = StateExecuting
	execResult := e.executeTrades(ctx, a, plan.Trades)
	a.result.Execution = execResult

	// Guards 7 and 8: settlement and audit
	a.result.State = StateSettling
	return e.settle(ctx, a, plan, execResult)
}

func (e *Engine) executeTrades(ctx context.Context, a *attempt, trades []models.TradeRequest) *models.DEXExecutionResult {
	dexCtx, cancel := context.WithTimeout(ctx, e.cfg.DEXTimeout)
	defer cancel()

	res, err := e.deps.DEX.ExecuteRebalanceTrades(dexCtx, a.portfolio.UserAddress, trades, models.ExecutionConfig{
		MaxSlippageBps:       e.defaultSlippage(a.portfolio),
		MaxTotalSlippageBps:  e.cfg.MaxTotalSlippageBps,
		MaxSpreadBps:         e.cfg.MaxSpreadBps,
		MinLiquidityCoverage: e.cfg.MinLiquidityCoverage,
		AllowPartialFill:     e.cfg.AllowPartialFill,
		RollbackOnFailure:    e.cfg.RollbackOnFailure,
		Signer:               e.cfg.Signer,
	})
	if err == nil && res != nil {
		return res
	}

	reason := "DEX returned no result"
	if err != nil {
		reason = err.Error()
	}
	a.logger.WithError(err).Warn("DEX execution failed, treating every trade as failed")
	failed := make([]models.TradeExecutionResult, 0, len(trades))
	for _, t := range trades {
		failed = append(failed, models.TradeExecutionResult{
			TradeID:         t.ID,
			FromAsset:       t.FromAsset,
			ToAsset:         t.ToAsset,
			RequestedAmount: t.Amount,
			FailureReason:   reason,
		})
	}
	return &models.DEXExecutionResult{
		Status:         types.ExecutionFailed,
		ExecutedTrades: []models.TradeExecutionResult{},
		PartialFills:   []models.TradeExecutionResult{},
		FailedTrades:   failed,
	}
}

func (e *Engine) settle(ctx context.Context, a *attempt, plan *planner.Plan, res *models.DEXExecutionResult) (*RebalanceResult, error) {
	settled := res.Settled()
	rolledBack := res.Rollback != nil && res.Rollback.Success

	ev := e.newEvent(a)
	ev.Trigger = plan.Trigger
	ev.TradeCount = len(settled)
	ev.GasCost = res.TotalEstimatedFee
	ev.Details = map[string]any{
		"executionStatus":  string(res.Status),
		"plannedTrades":    len(plan.Trades),
		"executedTrades":   len(res.ExecutedTrades),
		"partialFills":     len(res.PartialFills),
		"failedTrades":     len(res.FailedTrades),
		"totalSlippageBps": res.TotalSlippageBps,
		"maxDrift":         plan.MaxDrift,
		"maxDriftAsset":    plan.MaxDriftAsset,
		"expectedVersion":  a.version,
	}
	if res.Rollback != nil {
		ev.Details["rollbackAttempted"] = res.Rollback.Attempted
		ev.Details["rollbackSuccess"] = res.Rollback.Success
	}

	switch {
	case res.Status == types.ExecutionFailed:
		a.result.State = StateFailed
		a.result.ReasonCode = types.ReasonDEXFailed
		ev.Status = types.StatusFailed
		ev.ReasonCode = types.ReasonDEXFailed
		ev.Error = failureReasons(res)
	case res.Status == types.ExecutionPartial || len(res.FailedTrades) > 0:
		a.result.State = StatePartialCompleted
		a.result.ReasonCode = types.ReasonDEXPartial
		ev.Status = types.StatusCompleted
		ev.ReasonCode = types.ReasonDEXPartial
		if reasons := tradeFailureReasons(res); len(reasons) > 0 {
			ev.Error = strings.Join(reasons, "; ")
		}
	default:
		a.result.State = StateCompleted
		ev.Status = types.StatusCompleted
	}
	a.result.FailureReasons = tradeFailureReasons(res)

	// A rolled back batch leaves balances exactly as they were.
	if len(settled) == 0 || (res.Status == types.ExecutionFailed && rolledBack) {
		a.result.Portfolio = a.portfolio
		return e.finish(ctx, a, ev)
	}

	balances := applyTrades(a.portfolio.CurrentBalances, settled)
	total := valueAt(balances, a.prices)
	now := e.now().UTC()
	upd := &models.PortfolioUpdate{CurrentBalances: balances, TotalValue: &total}
	if res.Status != types.ExecutionFailed {
		upd.LastRebalance = &now
	}

	expected := a.version
	updated, err := e.deps.Portfolios.Update(ctx, a.portfolio.ID, upd, &expected)
	if err != nil {
		a.result.State = StateFailed
		ev.Status = types.StatusFailed
		if vc, ok := apperrors.AsVersionConflict(err); ok {
			a.result.ReasonCode = types.ReasonVersionConflict
			ev.ReasonCode = types.ReasonVersionConflict
			ev.Error = vc.Error()
			ev.Details["currentVersion"] = vc.CurrentVersion
			a.logger.WithField("currentVersion", vc.CurrentVersion).Warn("Balance commit lost a version race")
			_, _ = e.finish(ctx, a, ev)
			return nil, vc
		}
		a.result.ReasonCode = types.ReasonStoreFailure
		ev.ReasonCode = types.ReasonStoreFailure
		ev.Error = err.Error()
		_, _ = e.finish(ctx, a, ev)
		return nil, apperrors.NewDatabaseError("commit balances", err)
	}
	a.result.Portfolio = updated
	ev.Details["committedVersion"] = updated.Version
	return e.finish(ctx, a, ev)
}

// block records a guard abort and reports it as a structured result
func (e *Engine) block(ctx context.Context, a *attempt, code types.ReasonCode, reason string, alerts []models.RiskAlert) (*RebalanceResult, error) {
	a.result.State = StateFailed
	a.result.Blocked = true
	a.result.ReasonCode = code
	a.result.Reason = reason
	a.result.Portfolio = a.portfolio

	ev := e.newEvent(a)
	ev.Status = types.StatusFailed
	ev.ReasonCode = code
	ev.Error = reason
	ev.Trigger = reason
	ev.RiskAlerts = alerts

	a.logger.WithFields(map[string]interface{}{
		"reasonCode": code,
		"reason":     reason,
	}).Info("Rebalance blocked")
	return e.finish(ctx, a, ev)
}

// finish writes the audit event. The result is returned even when the
// write fails so callers can see what happened to balances.
func (e *Engine) finish(ctx context.Context, a *attempt, ev *models.RebalanceEvent) (*RebalanceResult, error) {
	stored, err := e.deps.History.Record(context.WithoutCancel(ctx), ev)
	if err != nil {
		a.logger.WithError(err).Error("Failed to record rebalance history")
		return a.result, apperrors.NewDatabaseError("record rebalance history", err)
	}
	a.result.Event = stored

	if !a.result.Blocked && a.result.State != StateFailed {
		a.logger.WithFields(map[string]interface{}{
			"state":  a.result.State,
			"trades": stored.TradeCount,
		}).Info("Rebalance settled")
	}
	return a.result, nil
}

func (e *Engine) newEvent(a *attempt) *models.RebalanceEvent {
	source := types.SourceOffchain
	if e.cfg.Simulated {
		source = types.SourceSimulated
	}
	return &models.RebalanceEvent{
		PortfolioID: a.portfolio.ID,
		Timestamp:   e.now().UTC(),
		Automatic:   a.req.Automatic,
		EventSource: source,
		RiskAlerts:  a.result.Alerts,
	}
}

func (e *Engine) defaultSlippage(p *models.Portfolio) int {
	if p.SlippageToleranceBps > 0 {
		return p.SlippageToleranceBps
	}
	return e.cfg.DefaultSlippageBps
}

// applyTrades debits and credits settled trades. Balances never go below
// zero and are rounded to ledger precision.
func applyTrades(current map[string]float64, settled []models.TradeExecutionResult) map[string]float64 {
	out := make(map[string]float64, len(current))
	for k, v := range current {
		out[k] = v
	}
	for _, t := range settled {
		from := out[t.FromAsset] - t.ExecutedAmount
		if from < 0 {
			from = 0
		}
		out[t.FromAsset] = planner.RoundFloat(from)
		out[t.ToAsset] = planner.RoundFloat(out[t.ToAsset] + t.EstimatedReceived)
	}
	return out
}

func valueAt(balances map[string]float64, prices types.PriceSet) float64 {
	total := 0.0
	for asset, bal := range balances {
		if price, ok := prices.Lookup(asset); ok {
			total += bal * price
		}
	}
	return total
}

func targetList(targets map[string]float64) []types.Allocation {
	out := make([]types.Allocation, 0, len(targets))
	for asset, pct := range targets {
		out = append(out, types.Allocation{Asset: asset, Percentage: pct})
	}
	return out
}

func failureReasons(res *models.DEXExecutionResult) string {
	reasons := tradeFailureReasons(res)
	if len(reasons) == 0 {
		return "DEX execution failed"
	}
	return strings.Join(reasons, "; ")
}

// tradeFailureReasons collects per-trade reasons, failed trades first
func tradeFailureReasons(res *models.DEXExecutionResult) []string {
	var reasons []string
	for _, list := range [][]models.TradeExecutionResult{res.FailedTrades, res.PartialFills, res.ExecutedTrades} {
		for _, t := range list {
			if t.FailureReason != "" {
				reasons = append(reasons, t.FailureReason)
			}
		}
	}
	return reasons
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "market conditions unsafe"
	}
	return strings.Join(reasons, "; ")
}
