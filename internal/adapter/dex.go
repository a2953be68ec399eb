package adapter

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// DEXClient forwards trade batches to the DEX execution service
type DEXClient struct {
	http    *jsonClient
	baseURL string
}

var _ DEX = (*DEXClient)(nil)

type executeTradesRequest struct {
	Owner  string                 `json:"owner"`
	Trades []models.TradeRequest  `json:"trades"`
	Config models.ExecutionConfig `json:"config"`
	Signer string                 `json:"signer,omitempty"`
}

// NewDEXClient creates a DEX client. Trade execution is never retried here.
func NewDEXClient(cfg config.DEXConfig) *DEXClient {
	return &DEXClient{
		http:    newJSONClient("dex", jsonClientOptions{Timeout: cfg.Timeout}),
		baseURL: strings.TrimRight(cfg.URL, "/"),
	}
}

// ExecuteRebalanceTrades submits trades for execution
func (c *DEXClient) ExecuteRebalanceTrades(ctx context.Context, owner string, trades []models.TradeRequest, cfg models.ExecutionConfig) (*models.DEXExecutionResult, error) {
	body := executeTradesRequest{Owner: owner, Trades: trades, Config: cfg, Signer: cfg.Signer}
	var result models.DEXExecutionResult
	if err := c.http.do(ctx, "ExecuteRebalanceTrades", http.MethodPost, c.baseURL+"/trades/execute", body, &result, false); err != nil {
		return nil, err
	}
	switch result.Status {
	case types.ExecutionSuccess, types.ExecutionPartial, types.ExecutionFailed:
	default:
		return nil, NewAdapterError("dex", "ExecuteRebalanceTrades",
			fmt.Errorf("%w: unknown status %q", ErrInvalidResponse, result.Status), nil)
	}
	return &result, nil
}

// Simulated DEX constants
const (
	simulatedBaseSlippageBps = 5.0
	simulatedImpactPerUSD    = 0.0005 // bps of slippage per dollar traded
	simulatedFeePerTrade     = 0.00001
)

// SimulatedDEX fills trades at feed prices with a size-dependent slippage
// model. It is used when no live DEX is configured.
type SimulatedDEX struct {
	prices PriceFeed
	now    func() time.Time
}

var _ DEX = (*SimulatedDEX)(nil)

// NewSimulatedDEX creates a simulated DEX priced from feed
func NewSimulatedDEX(feed PriceFeed) *SimulatedDEX {
	return &SimulatedDEX{prices: feed, now: time.Now}
}

// ExecuteRebalanceTrades simulates execution of trades
func (d *SimulatedDEX) ExecuteRebalanceTrades(ctx context.Context, owner string, trades []models.TradeRequest, cfg models.ExecutionConfig) (*models.DEXExecutionResult, error) {
	prices, err := d.prices.GetCurrentPrices(ctx)
	if err != nil {
		return nil, NewAdapterError("simulated_dex", "ExecuteRebalanceTrades", err, map[string]interface{}{"owner": owner})
	}

	result := &models.DEXExecutionResult{
		ExecutedTrades: []models.TradeExecutionResult{},
		PartialFills:   []models.TradeExecutionResult{},
		FailedTrades:   []models.TradeExecutionResult{},
	}

	var slippageWeighted, executedValue float64
	for _, t := range trades {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := models.TradeExecutionResult{
			TradeID:         t.ID,
			FromAsset:       t.FromAsset,
			ToAsset:         t.ToAsset,
			RequestedAmount: t.Amount,
		}

		fromPrice, okFrom := prices.Lookup(t.FromAsset)
		toPrice, okTo := prices.Lookup(t.ToAsset)
		if !okFrom || !okTo {
			res.FailureReason = "no price for pair"
			result.FailedTrades = append(result.FailedTrades, res)
			continue
		}

		value := t.Amount * fromPrice
		slippage := simulatedBaseSlippageBps + value*simulatedImpactPerUSD
		limit := cfg.MaxSlippageBps
		if t.MaxSlippageBps != nil {
			limit = *t.MaxSlippageBps
		}
		if limit > 0 && slippage > float64(limit) {
			res.SlippageBps = slippage
			res.FailureReason = fmt.Sprintf("slippage %.1f bps exceeds limit %d bps", slippage, limit)
			result.FailedTrades = append(result.FailedTrades, res)
			continue
		}

		res.ExecutedAmount = t.Amount
		res.SlippageBps = slippage
		res.EstimatedReceived = value / toPrice * (1 - slippage/10000)
		res.TxHash = fmt.Sprintf("sim-%s-%d", t.ID, d.now().UnixNano())
		result.ExecutedTrades = append(result.ExecutedTrades, res)
		result.TotalEstimatedFee += simulatedFeePerTrade

		slippageWeighted += slippage * value
		executedValue += value
	}

	if executedValue > 0 {
		result.TotalSlippageBps = math.Round(slippageWeighted/executedValue*100) / 100
	}

	breachesTotal := cfg.MaxTotalSlippageBps > 0 && result.TotalSlippageBps > float64(cfg.MaxTotalSlippageBps)
	switch {
	case len(result.FailedTrades) == 0 && !breachesTotal:
		result.Status = types.ExecutionSuccess
	case len(result.ExecutedTrades) > 0 && cfg.AllowPartialFill && !breachesTotal:
		result.Status = types.ExecutionPartial
		result.PartialFills = result.ExecutedTrades
		result.ExecutedTrades = []models.TradeExecutionResult{}
	default:
		result.Status = types.ExecutionFailed
		if breachesTotal {
			for i := range result.ExecutedTrades {
				result.ExecutedTrades[i].FailureReason = "total slippage exceeds limit"
			}
		}
		if cfg.RollbackOnFailure && len(result.ExecutedTrades) > 0 {
			for i := range result.ExecutedTrades {
				result.ExecutedTrades[i].RolledBack = true
			}
			result.Rollback = &models.RollbackOutcome{
				Attempted: true,
				Success:   true,
				Detail:    fmt.Sprintf("reverted %d executed trades", len(result.ExecutedTrades)),
			}
		}
	}
	return result, nil
}
