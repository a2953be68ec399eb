// Package adapter holds the clients for external collaborators: the price
// feed, the ledger RPC, the DEX and the market safety check.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// PriceFeed returns the latest quote per asset
type PriceFeed interface {
	GetCurrentPrices(ctx context.Context) (types.PriceSet, error)
}

// DEX executes a batch of trades on behalf of owner
type DEX interface {
	// ExecuteRebalanceTrades reports per-trade outcomes. A transport error
	// means no trade outcome is known and all trades count as failed.
	ExecuteRebalanceTrades(ctx context.Context, owner string, trades []models.TradeRequest, cfg models.ExecutionConfig) (*models.DEXExecutionResult, error)
}

// LedgerRPC reads contract events from the ledger
type LedgerRPC interface {
	GetLatestLedger(ctx context.Context) (uint32, error)
	GetEvents(ctx context.Context, req EventsRequest) (*EventsPage, error)
}

// SafetyChecker decides whether market conditions allow trading
type SafetyChecker interface {
	CheckMarketSafety(ctx context.Context, prices types.PriceSet) (types.SafetyCheck, error)
}

// EventsRequest selects a page of contract events. Cursor, when set, takes
// precedence over StartLedger.
type EventsRequest struct {
	StartLedger uint32
	Cursor      string
	ContractIDs []string
	Limit       int
}

// LedgerEvent is one raw contract event. Topic and Value hold base64 XDR.
type LedgerEvent struct {
	Type           string   `json:"type"`
	Ledger         uint32   `json:"ledger"`
	LedgerClosedAt string   `json:"ledgerClosedAt"`
	ContractID     string   `json:"contractId"`
	ID             string   `json:"id"`
	PagingToken    string   `json:"pagingToken"`
	Topic          []string `json:"topic"`
	Value          string   `json:"value"`
	TxHash         string   `json:"txHash"`
	InSuccessful   bool     `json:"inSuccessfulContractCall"`
}

// Token returns the paging token, falling back to the event id
func (e LedgerEvent) Token() string {
	if e.PagingToken != "" {
		return e.PagingToken
	}
	return e.ID
}

// ClosedAt parses the ledger close time
func (e LedgerEvent) ClosedAt() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, e.LedgerClosedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// EventsPage is one page of events
type EventsPage struct {
	Events       []LedgerEvent `json:"events"`
	LatestLedger uint32        `json:"latestLedger"`
	Cursor       string        `json:"cursor,omitempty"`
}

// Common errors for collaborator clients

var (
	// ErrProviderUnavailable indicates the collaborator cannot be reached
	ErrProviderUnavailable = fmt.Errorf("provider unavailable")

	// ErrProviderRateLimit indicates the collaborator throttled us
	ErrProviderRateLimit = fmt.Errorf("provider rate limit exceeded")

	// ErrProviderTimeout indicates the request timed out
	ErrProviderTimeout = fmt.Errorf("provider request timeout")

	// ErrInvalidResponse indicates a malformed collaborator response
	ErrInvalidResponse = fmt.Errorf("invalid provider response")
)

// AdapterError wraps errors with the provider and operation that failed
type AdapterError struct {
	Provider string
	Op       string
	Err      error
	Details  map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("adapter error [%s:%s]: %v (details: %+v)", e.Provider, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("adapter error [%s:%s]: %v", e.Provider, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(provider, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Provider: provider,
		Op:       op,
		Err:      err,
		Details:  details,
	}
}
