package models

import "github.com/portfolio-rebalancer/internal/types"

// TradeRequest asks the DEX to sell Amount units of FromAsset for ToAsset
type TradeRequest struct {
	ID             string  `json:"tradeId"`
	FromAsset      string  `json:"fromAsset"`
	ToAsset        string  `json:"toAsset"`
	Amount         float64 `json:"amount"`
	MaxSlippageBps *int    `json:"maxSlippageBps,omitempty"`
}

// TradeExecutionResult is the DEX's report for one trade
type TradeExecutionResult struct {
	TradeID           string  `json:"tradeId"`
	FromAsset         string  `json:"fromAsset"`
	ToAsset           string  `json:"toAsset"`
	RequestedAmount   float64 `json:"requestedAmount"`
	ExecutedAmount    float64 `json:"executedAmount"`
	EstimatedReceived float64 `json:"estimatedReceived"`
	SlippageBps       float64 `json:"slippageBps,omitempty"`
	RolledBack        bool    `json:"rolledBack,omitempty"`
	TxHash            string  `json:"txHash,omitempty"`
	FailureReason     string  `json:"failureReason,omitempty"`
}

// RollbackOutcome reports whether the DEX reverted a failed batch
type RollbackOutcome struct {
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// DEXExecutionResult aggregates the outcome of a batch of trades
type DEXExecutionResult struct {
	Status            types.ExecutionStatus  `json:"status"`
	ExecutedTrades    []TradeExecutionResult `json:"executedTrades"`
	PartialFills      []TradeExecutionResult `json:"partialFills"`
	FailedTrades      []TradeExecutionResult `json:"failedTrades"`
	Rollback          *RollbackOutcome       `json:"rollback,omitempty"`
	TotalEstimatedFee float64                `json:"totalEstimatedFee"`
	TotalSlippageBps  float64                `json:"totalSlippageBps"`
}

// Settled returns the executed and partially filled trades whose effects
// must be applied to balances.
func (r *DEXExecutionResult) Settled() []TradeExecutionResult {
	if r == nil {
		return nil
	}
	out := make([]TradeExecutionResult, 0, len(r.ExecutedTrades)+len(r.PartialFills))
	for _, list := range [][]TradeExecutionResult{r.ExecutedTrades, r.PartialFills} {
		for _, t := range list {
			if t.RolledBack || t.ExecutedAmount <= 0 {
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

// ExecutionConfig carries the guardrails passed to the DEX collaborator
type ExecutionConfig struct {
	MaxSlippageBps       int     `json:"maxSlippageBps"`
	MaxTotalSlippageBps  int     `json:"maxTotalSlippageBps"`
	MaxSpreadBps         int     `json:"maxSpreadBps"`
	MinLiquidityCoverage float64 `json:"minLiquidityCoverage"`
	AllowPartialFill     bool    `json:"allowPartialFill"`
	RollbackOnFailure    bool    `json:"rollbackOnFailure"`
	Signer               string  `json:"-"`
}
