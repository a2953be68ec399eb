// Package types provides common type definitions for the portfolio rebalancer.
package types

import (
	"sort"
	"time"
)

// EventStatus represents the outcome recorded for a rebalance attempt
type EventStatus string

const (
	// StatusPending represents an attempt that has not settled yet
	StatusPending EventStatus = "pending"
	// StatusCompleted represents an attempt whose effects were committed
	StatusCompleted EventStatus = "completed"
	// StatusFailed represents an attempt that was blocked or failed
	StatusFailed EventStatus = "failed"
)

// EventSource identifies where a history event originated
type EventSource string

const (
	// SourceOffchain represents an attempt executed against a live DEX
	SourceOffchain EventSource = "offchain"
	// SourceSimulated represents an attempt executed against the simulated DEX
	SourceSimulated EventSource = "simulated"
	// SourceOnchain represents an event reconciled from the ledger
	SourceOnchain EventSource = "onchain"
)

// ExecutionStatus is the aggregate status reported by the DEX
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionPartial ExecutionStatus = "partial"
	ExecutionFailed  ExecutionStatus = "failed"
)

// RiskLevel is the overall portfolio risk classification
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AlertSeverity classifies risk alerts
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// ReasonCode explains a gate decision or a blocked rebalance
type ReasonCode string

const (
	ReasonCircuitBreakerActive ReasonCode = "CIRCUIT_BREAKER_ACTIVE"
	ReasonConcentrationBreach  ReasonCode = "CONCENTRATION_BREACH"
	ReasonEWMAVolBreach        ReasonCode = "STAT_MODEL_EWMA_VOL_BREACH"
	ReasonVaRBreach            ReasonCode = "STAT_MODEL_VAR_BREACH"
	ReasonCVaRBreach           ReasonCode = "STAT_MODEL_CVAR_BREACH"
	ReasonDrawdownBreach       ReasonCode = "STAT_MODEL_DRAWDOWN_BREACH"
	ReasonRiskChecksPassed     ReasonCode = "RISK_CHECKS_PASSED"

	ReasonMarketUnsafe       ReasonCode = "MARKET_UNSAFE"
	ReasonCooldownActive     ReasonCode = "COOLDOWN_ACTIVE"
	ReasonRebalanceNotNeeded ReasonCode = "REBALANCE_NOT_NEEDED"
	ReasonNoTradesPlanned    ReasonCode = "NO_TRADES_PLANNED"
	ReasonPriceUnavailable   ReasonCode = "PRICE_UNAVAILABLE"
	ReasonDEXFailed          ReasonCode = "DEX_EXECUTION_FAILED"
	ReasonDEXPartial         ReasonCode = "DEX_PARTIAL_EXECUTION"
	ReasonVersionConflict    ReasonCode = "VERSION_CONFLICT"
	ReasonStoreFailure       ReasonCode = "STORE_FAILURE"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// Allocation is one normalized target allocation entry
type Allocation struct {
	Asset      string  `json:"asset"`
	Percentage float64 `json:"percentage"`
}

// PriceQuote is a single asset price observation
type PriceQuote struct {
	Price     float64   `json:"price"`
	Change24h float64   `json:"change24h,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Stale     bool      `json:"stale,omitempty"`
}

// PriceSet maps asset codes to their latest quote. A missing key means the
// price is unknown, never zero.
type PriceSet map[string]PriceQuote

// Lookup returns the price for an asset and whether a usable quote exists
func (p PriceSet) Lookup(asset string) (float64, bool) {
	q, ok := p[asset]
	if !ok || q.Price <= 0 {
		return 0, false
	}
	return q.Price, true
}

// Assets returns the quoted asset codes in sorted order
func (p PriceSet) Assets() []string {
	out := make([]string, 0, len(p))
	for a := range p {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// SafetyCheck is the verdict of the external market safety collaborator
type SafetyCheck struct {
	Safe    bool     `json:"safe"`
	Reasons []string `json:"reasons,omitempty"`
}
