package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/execution"
	"github.com/portfolio-rebalancer/internal/indexer"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/risk"
	"github.com/portfolio-rebalancer/internal/service"
	"github.com/portfolio-rebalancer/internal/storage"
	"github.com/portfolio-rebalancer/internal/storage/memory"
	"github.com/portfolio-rebalancer/internal/types"
)

type staticFeed struct{}

func (staticFeed) GetCurrentPrices(context.Context) (types.PriceSet, error) {
	now := time.Now().UTC()
	return types.PriceSet{
		"XLM":  {Price: 0.1, Timestamp: now},
		"USDC": {Price: 1, Timestamp: now},
	}, nil
}

type countingRebalancer struct {
	calls atomic.Int32
}

func (r *countingRebalancer) ExecuteRebalance(_ context.Context, req execution.RebalanceRequest) (*execution.RebalanceResult, error) {
	r.calls.Add(1)
	return &execution.RebalanceResult{
		PortfolioID: req.PortfolioID,
		State:       execution.StateFailed,
		Blocked:     true,
		ReasonCode:  types.ReasonRebalanceNotNeeded,
	}, nil
}

type fixedIndexer struct{}

func (fixedIndexer) Status() indexer.Status {
	return indexer.Status{State: indexer.StatePolling, Cursor: "0000042-0001", LatestLedger: 42}
}

type testServer struct {
	server     *Server
	portfolios *memory.PortfolioStore
	rebalancer *countingRebalancer
	redis      *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := storage.NewRedisCacheFromClient(client)

	ts := &testServer{
		portfolios: memory.NewPortfolioStore(),
		rebalancer: &countingRebalancer{},
		redis:      mr,
	}
	svc := service.NewPortfolioService(service.Deps{
		Portfolios: ts.portfolios,
		History:    memory.NewHistoryStore(),
		Prices:     staticFeed{},
		Risk:       risk.NewEngine(risk.DefaultConfig(), nil),
		Emergency:  storage.NewMarketFlags(cache),
		Rebalancer: ts.rebalancer,
	}, nil)
	ts.server = NewServer(&ServerConfig{Host: "127.0.0.1", Port: "0"}, svc,
		storage.NewIdempotencyStore(cache, time.Hour), fixedIndexer{}, nil)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func createBody() map[string]interface{} {
	return map[string]interface{}{
		"userAddress":     "GOWNER",
		"allocations":     map[string]float64{"XLM": 50, "USDC": 50},
		"threshold":       5,
		"initialBalances": map[string]float64{"XLM": 6000, "USDC": 400},
	}
}

func (ts *testServer) createPortfolio(t *testing.T) *models.Portfolio {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/portfolios", createBody(), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p models.Portfolio
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return &p
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestCreateAndGetPortfolio(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createPortfolio(t)
	assert.Equal(t, int64(1), p.Version)

	w := ts.do(t, http.MethodGet, "/api/portfolios/"+p.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		ID    string `json:"id"`
		Drift struct {
			NeedsRebalance bool `json:"needsRebalance"`
		} `json:"drift"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, p.ID, view.ID)
	assert.True(t, view.Drift.NeedsRebalance)

	w = ts.do(t, http.MethodGet, "/api/portfolios/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Error.Code)
}

func TestCreatePortfolio_Rejections(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/portfolios", "not json", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := createBody()
	body["allocations"] = []map[string]interface{}{{"asset": "XLM", "percentage": 60}, {"asset": "USDC", "percentage": 30}}
	w = ts.do(t, http.MethodPost, "/api/portfolios", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ALLOCATION", decodeError(t, w).Error.Code)

	body = createBody()
	body["threshold"] = 80
	w = ts.do(t, http.MethodPost, "/api/portfolios", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdempotentCreateReplaysResponse(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{IdempotencyKeyHeader: "create-1"}

	first := ts.do(t, http.MethodPost, "/api/portfolios", createBody(), headers)
	require.Equal(t, http.StatusCreated, first.Code)

	second := ts.do(t, http.MethodPost, "/api/portfolios", createBody(), headers)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	active, err := ts.portfolios.ListActive(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, active, 1, "replay must not create a second portfolio")

	other := createBody()
	other["threshold"] = 10
	mismatch := ts.do(t, http.MethodPost, "/api/portfolios", other, headers)
	assert.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)
	assert.Equal(t, "IDEMPOTENCY_KEY_REUSED", decodeError(t, mismatch).Error.Code)
}

func TestIdempotentRequestRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{IdempotencyKeyHeader: "create-big"}

	oversized := `{"userAddress":"` + strings.Repeat("G", maxIdempotentBody) + `"}`
	w := ts.do(t, http.MethodPost, "/api/portfolios", oversized, headers)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, ErrCodePayloadTooLarge, decodeError(t, w).Error.Code)

	active, err := ts.portfolios.ListActive(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, active)

	// the key was never claimed, so a well-sized retry goes through
	w = ts.do(t, http.MethodPost, "/api/portfolios", createBody(), headers)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRespondServiceError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:    "user error keeps message",
			err:     apperrors.NewInvalidParameterError("threshold", "must be between 1 and 50"),
			status:  http.StatusBadRequest,
			code:    "INVALID_PARAMETER",
			message: apperrors.NewInvalidParameterError("threshold", "must be between 1 and 50").Message,
		},
		{
			name:    "internal error hides cause",
			err:     apperrors.NewInternalError("db exploded", errors.New("secret")),
			status:  http.StatusInternalServerError,
			code:    ErrCodeInternalError,
			message: "An internal error occurred",
		},
		{
			name:    "unknown error hides cause",
			err:     errors.New("raw failure"),
			status:  http.StatusInternalServerError,
			code:    ErrCodeInternalError,
			message: "An internal error occurred",
		},
		{
			name:    "provider error is reported",
			err:     apperrors.NewProviderError("price_feed", errors.New("down")),
			status:  http.StatusBadGateway,
			code:    "PROVIDER_ERROR",
			message: "data provider error: price_feed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			respondServiceError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.message, resp.Error.Message)
			assert.NotContains(t, w.Body.String(), "secret")
		})
	}
}

func TestIdempotencyInFlightAndRelease(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createPortfolio(t)
	path := fmt.Sprintf("/api/portfolios/%s/deposits", p.ID)
	body := map[string]interface{}{"asset": "USDC", "amount": 10}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	store := storage.NewIdempotencyStore(storage.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: ts.redis.Addr()})), time.Hour)
	fp := storage.Fingerprint([]byte(http.MethodPost), []byte(path), raw)
	state, _, err := store.Begin(context.Background(), "dep-1", fp)
	require.NoError(t, err)
	require.Equal(t, storage.IdempotencyNew, state)

	w := ts.do(t, http.MethodPost, path, body, map[string]string{IdempotencyKeyHeader: "dep-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrCodeRequestInFlight, decodeError(t, w).Error.Code)

	require.NoError(t, store.Release(context.Background(), "dep-1"))
	w = ts.do(t, http.MethodPost, path, body, map[string]string{IdempotencyKeyHeader: "dep-1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDepositAndEmergencyStop(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createPortfolio(t)
	path := fmt.Sprintf("/api/portfolios/%s/deposits", p.ID)

	w := ts.do(t, http.MethodPost, path, map[string]interface{}{"asset": "USDC", "amount": 100}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated models.Portfolio
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, 500.0, updated.CurrentBalances["USDC"])
	assert.Equal(t, int64(2), updated.Version)

	w = ts.do(t, http.MethodPost, path, map[string]interface{}{"asset": "USDC", "amount": -1}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPut, "/api/admin/emergency-stop", map[string]bool{"stopped": true}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, path, map[string]interface{}{"asset": "USDC", "amount": 1}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "EMERGENCY_STOP", decodeError(t, w).Error.Code)

	w = ts.do(t, http.MethodPut, "/api/admin/emergency-stop", map[string]bool{"stopped": false}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, path, map[string]interface{}{"asset": "USDC", "amount": 1}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPut, "/api/admin/emergency-stop", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerRebalanceInline(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createPortfolio(t)

	w := ts.do(t, http.MethodPost, "/api/portfolios/"+p.ID+"/rebalance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var outcome struct {
		Queued bool `json:"queued"`
		Result struct {
			ReasonCode string `json:"reasonCode"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.False(t, outcome.Queued)
	assert.Equal(t, string(types.ReasonRebalanceNotNeeded), outcome.Result.ReasonCode)
	assert.Equal(t, int32(1), ts.rebalancer.calls.Load())
}

func TestHistoryAndRiskEndpoints(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createPortfolio(t)

	w := ts.do(t, http.MethodGet, "/api/portfolios/"+p.ID+"/history?limit=5&source=onchain", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var history struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Zero(t, history.Count)

	w = ts.do(t, http.MethodGet, "/api/portfolios/"+p.ID+"/history?from=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodGet, "/api/portfolios/"+p.ID+"/history?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodGet, "/api/portfolios/"+p.ID+"/history?source=ledger", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/portfolios/"+p.ID+"/risk", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view service.RiskView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.True(t, view.Gate.Allowed)
	assert.InDelta(t, 0.6, view.Weights["XLM"], 1e-9)
}

func TestIndexerStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/admin/indexer", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status indexer.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, uint32(42), status.LatestLedger)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "clients have separate buckets")

	now = now.Add(time.Hour)
	rl.Allow("c")
	rl.mu.Lock()
	_, kept := rl.limiters["a"]
	rl.mu.Unlock()
	assert.False(t, kept, "idle clients are pruned")

	unlimited := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow("x"))
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
