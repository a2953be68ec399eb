package models

import (
	"time"

	"github.com/portfolio-rebalancer/internal/types"
)

// RebalanceEvent is one append-mostly audit row. Rows written by the
// execution engine describe attempts; rows written by the indexer describe
// confirmed ledger events and carry a unique paging token.
type RebalanceEvent struct {
	ID          string            `json:"id" db:"id"`
	PortfolioID string            `json:"portfolioId" db:"portfolio_id"`
	Timestamp   time.Time         `json:"timestamp" db:"timestamp"`
	Trigger     string            `json:"trigger" db:"trigger"`
	TradeCount  int               `json:"trades" db:"trade_count"`
	GasCost     float64           `json:"gasUsed" db:"gas_cost"`
	Status      types.EventStatus `json:"status" db:"status"`
	Automatic   bool              `json:"isAutomatic" db:"is_automatic"`
	ReasonCode  types.ReasonCode  `json:"reasonCode,omitempty" db:"reason_code"`
	Error       string            `json:"error,omitempty" db:"error"`
	RiskAlerts  []RiskAlert       `json:"riskAlerts,omitempty" db:"risk_alerts"`
	Details     map[string]any    `json:"details,omitempty" db:"details"`

	EventSource    types.EventSource `json:"eventSource" db:"event_source"`
	Confirmed      bool              `json:"onChainConfirmed" db:"confirmed"`
	LedgerSequence *uint32           `json:"ledger,omitempty" db:"ledger_sequence"`
	TxHash         string            `json:"txHash,omitempty" db:"tx_hash"`
	ContractID     string            `json:"contractId,omitempty" db:"contract_id"`
	PagingToken    *string           `json:"pagingToken,omitempty" db:"paging_token"`
}

// HistoryQuery filters history reads. Zero values mean no filter.
type HistoryQuery struct {
	PortfolioID string
	Source      types.EventSource
	From        *time.Time
	To          *time.Time
	Limit       int
}
