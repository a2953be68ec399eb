package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/execution"
	"github.com/portfolio-rebalancer/internal/job"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/risk"
	"github.com/portfolio-rebalancer/internal/storage/memory"
	"github.com/portfolio-rebalancer/internal/types"
)

type staticFeed struct {
	prices types.PriceSet
	err    error
}

func (f *staticFeed) GetCurrentPrices(context.Context) (types.PriceSet, error) {
	return f.prices, f.err
}

type flag struct {
	mu      sync.Mutex
	stopped bool
}

func (f *flag) EmergencyStopped(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped, nil
}

func (f *flag) SetEmergencyStop(_ context.Context, stopped bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = stopped
	return nil
}

type inlineRebalancer struct {
	calls []execution.RebalanceRequest
}

func (r *inlineRebalancer) ExecuteRebalance(_ context.Context, req execution.RebalanceRequest) (*execution.RebalanceResult, error) {
	r.calls = append(r.calls, req)
	return &execution.RebalanceResult{PortfolioID: req.PortfolioID, State: execution.StateCompleted}, nil
}

// racingStore bumps the stored version once before the first versioned
// write so the caller loses the race.
type racingStore struct {
	*memory.PortfolioStore
	raced bool
}

func (s *racingStore) Update(ctx context.Context, id string, upd *models.PortfolioUpdate, expected *int64) (*models.Portfolio, error) {
	if !s.raced {
		s.raced = true
		if _, err := s.PortfolioStore.Update(ctx, id, &models.PortfolioUpdate{}, nil); err != nil {
			return nil, err
		}
	}
	return s.PortfolioStore.Update(ctx, id, upd, expected)
}

type fixture struct {
	svc        *PortfolioService
	portfolios *memory.PortfolioStore
	history    *memory.HistoryStore
	feed       *staticFeed
	flag       *flag
	rebalancer *inlineRebalancer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Now().UTC()
	f := &fixture{
		portfolios: memory.NewPortfolioStore(),
		history:    memory.NewHistoryStore(),
		feed: &staticFeed{prices: types.PriceSet{
			"XLM":  {Price: 0.1, Timestamp: now},
			"USDC": {Price: 1, Timestamp: now},
		}},
		flag:       &flag{},
		rebalancer: &inlineRebalancer{},
	}
	f.svc = NewPortfolioService(Deps{
		Portfolios: f.portfolios,
		History:    f.history,
		Prices:     f.feed,
		Risk:       risk.NewEngine(risk.DefaultConfig(), nil),
		Emergency:  f.flag,
		Rebalancer: f.rebalancer,
	}, nil)
	return f
}

func (f *fixture) create(t *testing.T) *models.Portfolio {
	t.Helper()
	p, err := f.svc.CreatePortfolio(context.Background(), &CreatePortfolioInput{
		UserAddress:     "GOWNER",
		Allocations:     json.RawMessage(`[{"asset":"XLM","percentage":50},{"asset":"USDC","percentage":50}]`),
		Threshold:       5,
		InitialBalances: map[string]float64{"XLM": 6000, "USDC": 400},
	})
	require.NoError(t, err)
	return p
}

func TestCreatePortfolio(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, int64(1), p.Version)
	assert.True(t, p.IsActive)
	assert.Equal(t, DefaultSlippageBps, p.SlippageToleranceBps)
	assert.Equal(t, map[string]float64{"XLM": 50, "USDC": 50}, p.TargetAllocations)
	assert.InDelta(t, 1000.0, p.TotalValue, 1e-9)

	stored, err := f.portfolios.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.TargetAllocations, stored.TargetAllocations)
}

func TestCreatePortfolio_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := 5
	tests := []struct {
		name  string
		input *CreatePortfolioInput
		code  string
	}{
		{"nil body", nil, "INVALID_PARAMETER"},
		{"no owner", &CreatePortfolioInput{Allocations: json.RawMessage(`{"XLM":100}`), Threshold: 5}, "INVALID_PARAMETER"},
		{"bad sum", &CreatePortfolioInput{UserAddress: "G", Allocations: json.RawMessage(`{"XLM":90}`), Threshold: 5}, "INVALID_ALLOCATION"},
		{"threshold low", &CreatePortfolioInput{UserAddress: "G", Allocations: json.RawMessage(`{"XLM":100}`), Threshold: 0}, "INVALID_PARAMETER"},
		{"threshold high", &CreatePortfolioInput{UserAddress: "G", Allocations: json.RawMessage(`{"XLM":100}`), Threshold: 75}, "INVALID_PARAMETER"},
		{"slippage", &CreatePortfolioInput{UserAddress: "G", Allocations: json.RawMessage(`{"XLM":100}`), Threshold: 5, SlippageToleranceBps: &bad}, "INVALID_PARAMETER"},
		{"negative balance", &CreatePortfolioInput{UserAddress: "G", Allocations: json.RawMessage(`{"XLM":100}`), Threshold: 5, InitialBalances: map[string]float64{"XLM": -1}}, "INVALID_PARAMETER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreatePortfolio(ctx, tt.input)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.Categorize(err).Code)
			assert.True(t, apperrors.IsUserError(err))
		})
	}
}

func TestGetPortfolio_IncludesDrift(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	view, err := f.svc.GetPortfolio(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Drift)
	assert.True(t, view.Drift.NeedsRebalance)
	assert.InDelta(t, 10.0, view.Drift.MaxDrift, 1e-9)
	assert.Len(t, view.Allocations, 2)

	f.feed.err = errors.New("feed down")
	view, err = f.svc.GetPortfolio(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Drift)

	_, err = f.svc.GetPortfolio(context.Background(), "missing")
	assert.Equal(t, 404, apperrors.GetHTTPStatusCode(err))
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	updated, err := f.svc.Deposit(ctx, p.ID, &DepositInput{Asset: "USDC", Amount: 100.1234567})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, 500.1234567, updated.CurrentBalances["USDC"])
	assert.InDelta(t, 1100.1234567, updated.TotalValue, 1e-6)

	_, err = f.svc.Deposit(ctx, p.ID, &DepositInput{Asset: "USDC", Amount: 0})
	assert.Equal(t, "INVALID_PARAMETER", apperrors.Categorize(err).Code)
	_, err = f.svc.Deposit(ctx, p.ID, &DepositInput{Asset: "", Amount: 1})
	assert.Error(t, err)
	_, err = f.svc.Deposit(ctx, "missing", &DepositInput{Asset: "USDC", Amount: 1})
	assert.Equal(t, 404, apperrors.GetHTTPStatusCode(err))
}

func TestDeposit_NewAssetWithoutPriceKeepsValue(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	updated, err := f.svc.Deposit(context.Background(), p.ID, &DepositInput{Asset: "AQUA", Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, 5.0, updated.CurrentBalances["AQUA"])
	assert.InDelta(t, 1000.0, updated.TotalValue, 1e-9, "unpriced asset leaves the stored value alone")
}

func TestDeposit_RefusedDuringEmergencyStop(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetEmergencyStop(ctx, true))
	_, err := f.svc.Deposit(ctx, p.ID, &DepositInput{Asset: "USDC", Amount: 1})
	require.Error(t, err)
	assert.Equal(t, "EMERGENCY_STOP", apperrors.Categorize(err).Code)

	require.NoError(t, f.svc.SetEmergencyStop(ctx, false))
	_, err = f.svc.Deposit(ctx, p.ID, &DepositInput{Asset: "USDC", Amount: 1})
	assert.NoError(t, err)
}

func TestDeposit_RetriesLostVersionRace(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	racing := &racingStore{PortfolioStore: f.portfolios}
	svc := NewPortfolioService(Deps{Portfolios: racing, Prices: f.feed}, nil)

	updated, err := svc.Deposit(context.Background(), p.ID, &DepositInput{Asset: "USDC", Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Version)
	assert.Equal(t, 401.0, updated.CurrentBalances["USDC"])
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	for _, src := range []types.EventSource{types.SourceOffchain, types.SourceOnchain} {
		_, err := f.history.Record(ctx, &models.RebalanceEvent{PortfolioID: p.ID, EventSource: src})
		require.NoError(t, err)
	}

	all, err := f.svc.GetHistory(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onchain, err := f.svc.GetHistory(ctx, p.ID, &HistoryInput{Source: "onchain"})
	require.NoError(t, err)
	assert.Len(t, onchain, 1)

	_, err = f.svc.GetHistory(ctx, p.ID, &HistoryInput{Source: "ledger"})
	assert.Error(t, err)
	_, err = f.svc.GetHistory(ctx, p.ID, &HistoryInput{Limit: 10000})
	assert.Error(t, err)
	from := time.Now()
	to := from.Add(-time.Hour)
	_, err = f.svc.GetHistory(ctx, p.ID, &HistoryInput{From: &from, To: &to})
	assert.Error(t, err)
}

func TestGetRisk(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	view, err := f.svc.GetRisk(context.Background(), p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, view.Weights["XLM"], 1e-9)
	assert.True(t, view.Gate.Allowed)
	assert.Empty(t, view.CircuitBreakers)
	assert.Zero(t, view.Metrics.SampleSize)

	f.feed.err = errors.New("feed down")
	_, err = f.svc.GetRisk(context.Background(), p.ID)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestTriggerRebalance(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	out, err := f.svc.TriggerRebalance(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, out.Queued)
	require.NotNil(t, out.Result)
	require.Len(t, f.rebalancer.calls, 1)
	assert.False(t, f.rebalancer.calls[0].Automatic)

	queue := job.NewMemoryQueue()
	svc := NewPortfolioService(Deps{Portfolios: f.portfolios, RebalanceQueue: queue}, nil)
	out, err = svc.TriggerRebalance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, out.Queued)

	j, err := queue.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, out.JobID, j.ID)
	assert.Equal(t, job.PriorityManual, j.Priority)
	assert.False(t, j.Automatic)

	stub, _, err := f.portfolios.EnsureExists(ctx, "stub", "GOWNER")
	require.NoError(t, err)
	_, err = svc.TriggerRebalance(ctx, stub.ID)
	assert.Equal(t, "INVALID_ALLOCATION", apperrors.Categorize(err).Code)
}
