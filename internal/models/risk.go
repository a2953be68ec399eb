package models

import (
	"time"

	"github.com/portfolio-rebalancer/internal/types"
)

// RiskAlert is raised by the risk engine on price updates and gate checks
type RiskAlert struct {
	Severity  types.AlertSeverity `json:"severity"`
	Kind      string              `json:"kind"`
	Asset     string              `json:"asset,omitempty"`
	Message   string              `json:"message"`
	Timestamp time.Time           `json:"timestamp"`
}

// RiskMetrics is a portfolio-level risk snapshot
type RiskMetrics struct {
	Volatility        float64                       `json:"volatility"`
	VaR95             float64                       `json:"var95"`
	CVaR95            float64                       `json:"cvar95"`
	MaxDrawdown       float64                       `json:"maxDrawdown"`
	DrawdownBand      string                        `json:"drawdownBand"`
	ConcentrationRisk float64                       `json:"concentrationRisk"`
	LiquidityRisk     float64                       `json:"liquidityRisk"`
	CorrelationRisk   float64                       `json:"correlationRisk"`
	VolatilityScore   float64                       `json:"volatilityScore"`
	Correlations      map[string]map[string]float64 `json:"correlations"`
	OverallLevel      types.RiskLevel               `json:"overallRiskLevel"`
	SampleSize        int                           `json:"sampleSize"`
	Timestamp         time.Time                     `json:"timestamp"`
}

// GateDecision is the risk engine's verdict on a proposed rebalance
type GateDecision struct {
	Allowed    bool             `json:"allowed"`
	ReasonCode types.ReasonCode `json:"reasonCode"`
	Reason     string           `json:"reason"`
	Alerts     []RiskAlert      `json:"alerts,omitempty"`
	Metrics    *RiskMetrics     `json:"metrics,omitempty"`
}

// CircuitBreakerStatus is the per-asset market breaker state
type CircuitBreakerStatus struct {
	Asset         string    `json:"asset"`
	Triggered     bool      `json:"isTriggered"`
	Reason        string    `json:"reason,omitempty"`
	TriggeredAt   time.Time `json:"triggeredAt,omitempty"`
	CooldownUntil time.Time `json:"cooldownUntil,omitempty"`
}

// RiskSnapshot is the analytics row persisted per portfolio per run
type RiskSnapshot struct {
	PortfolioID string
	TakenAt     time.Time
	TotalValue  float64
	Metrics     RiskMetrics
	Weights     map[string]float64
}
