package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/stellar/stellar-rpc/client"
	"github.com/stellar/stellar-rpc/protocol"

	"github.com/portfolio-rebalancer/internal/circuitbreaker"
	"github.com/portfolio-rebalancer/internal/config"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
)

const ledgerRPCProvider = "ledger_rpc"

// LedgerRPCClient reads contract events from a Soroban RPC node. Calls go
// through the shared throttle, breaker and retry guard.
type LedgerRPCClient struct {
	rpc   *client.Client
	guard *callGuard
}

var _ LedgerRPC = (*LedgerRPCClient)(nil)

// NewLedgerRPCClient creates a ledger RPC client
func NewLedgerRPCClient(cfg config.IndexerConfig, breakers *circuitbreaker.Registry) *LedgerRPCClient {
	var breaker *circuitbreaker.CircuitBreaker
	if breakers != nil {
		breaker = breakers.GetOrCreate(ledgerRPCProvider, nil)
	}
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &LedgerRPCClient{
		rpc: client.NewClient(cfg.RPCURL, &http.Client{Timeout: timeout}),
		guard: newCallGuard(ledgerRPCProvider, jsonClientOptions{
			RequestsPerSec: cfg.RequestsPerSec,
			Breaker:        breaker,
		}),
	}
}

// GetLatestLedger returns the latest closed ledger sequence
func (c *LedgerRPCClient) GetLatestLedger(ctx context.Context) (uint32, error) {
	var seq uint32
	err := c.guard.run(ctx, true, func(ctx context.Context) error {
		resp, err := c.rpc.GetLatestLedger(ctx)
		if err != nil {
			return classifyRPCError(ctx, err)
		}
		seq = resp.Sequence
		return nil
	})
	if err != nil {
		return 0, NewAdapterError(ledgerRPCProvider, "getLatestLedger", err, nil)
	}
	return seq, nil
}

// GetEvents returns one page of contract events
func (c *LedgerRPCClient) GetEvents(ctx context.Context, req EventsRequest) (*EventsPage, error) {
	details := map[string]interface{}{"cursor": req.Cursor, "startLedger": req.StartLedger}

	request := protocol.GetEventsRequest{
		Filters: []protocol.EventFilter{{
			EventType:   protocol.EventTypeSet{protocol.EventTypeContract: nil},
			ContractIDs: req.ContractIDs,
		}},
	}
	pagination := &protocol.PaginationOptions{}
	if req.Limit > 0 {
		pagination.Limit = uint(req.Limit)
	}
	// The node rejects startLedger together with a cursor.
	if req.Cursor != "" {
		cursor, err := protocol.ParseCursor(req.Cursor)
		if err != nil {
			return nil, NewAdapterError(ledgerRPCProvider, "getEvents",
				fmt.Errorf("%w: bad cursor: %v", ErrInvalidResponse, err), details)
		}
		pagination.Cursor = &cursor
	} else {
		request.StartLedger = req.StartLedger
	}
	if pagination.Limit > 0 || pagination.Cursor != nil {
		request.Pagination = pagination
	}

	var page *EventsPage
	err := c.guard.run(ctx, true, func(ctx context.Context) error {
		resp, err := c.rpc.GetEvents(ctx, request)
		if err != nil {
			return classifyRPCError(ctx, err)
		}
		page = toEventsPage(resp)
		return nil
	})
	if err != nil {
		return nil, NewAdapterError(ledgerRPCProvider, "getEvents", err, details)
	}
	return page, nil
}

func toEventsPage(resp protocol.GetEventsResponse) *EventsPage {
	page := &EventsPage{
		Events:       make([]LedgerEvent, 0, len(resp.Events)),
		LatestLedger: uint32(resp.LatestLedger),
		Cursor:       resp.Cursor,
	}
	for _, ev := range resp.Events {
		page.Events = append(page.Events, LedgerEvent{
			Type:           ev.EventType,
			Ledger:         uint32(ev.Ledger),
			LedgerClosedAt: ev.LedgerClosedAt,
			ContractID:     ev.ContractID,
			ID:             ev.ID,
			PagingToken:    ev.ID,
			Topic:          ev.TopicXDR,
			Value:          ev.ValueXDR,
			TxHash:         ev.TransactionHash,
			InSuccessful:   ev.InSuccessfulContractCall,
		})
	}
	return page
}

// classifyRPCError marks transport failures as retryable provider errors.
// Errors answered by the node itself are returned as invalid responses so
// a bad request is not retried.
func classifyRPCError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeoutErr := apperrors.NewProviderTimeoutError(ledgerRPCProvider)
		timeoutErr.Cause = fmt.Errorf("%w: %v", ErrProviderTimeout, err)
		return timeoutErr
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return apperrors.NewProviderError(ledgerRPCProvider, fmt.Errorf("%w: %v", ErrProviderUnavailable, err))
	}
	return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
}
