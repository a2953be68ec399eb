package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rebalancer/internal/adapter"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/storage/memory"
	"github.com/portfolio-rebalancer/internal/types"
)

const contractID = "CPORTFOLIO"

func symbol(t *testing.T, s string) string {
	t.Helper()
	sym := xdr.ScSymbol(s)
	return marshal(t, xdr.ScVal{Type: xdr.ScValTypeScvSymbol, Sym: &sym})
}

func marshal(t *testing.T, v xdr.ScVal) string {
	t.Helper()
	out, err := xdr.MarshalBase64(v)
	require.NoError(t, err)
	return out
}

func u64(n uint64) xdr.ScVal {
	v := xdr.Uint64(n)
	return xdr.ScVal{Type: xdr.ScValTypeScvU64, U64: &v}
}

func i128(stroops uint64) xdr.ScVal {
	return xdr.ScVal{Type: xdr.ScValTypeScvI128, I128: &xdr.Int128Parts{Hi: 0, Lo: xdr.Uint64(stroops)}}
}

func account(t *testing.T, seed byte) (xdr.ScVal, string) {
	t.Helper()
	raw := make([]byte, 32)
	raw[0] = seed
	addr, err := strkey.Encode(strkey.VersionByteAccountID, raw)
	require.NoError(t, err)
	return xdr.ScVal{
		Type:    xdr.ScValTypeScvAddress,
		Address: &xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeAccount, AccountId: xdr.MustAddressPtr(addr)},
	}, addr
}

func vec(vals ...xdr.ScVal) xdr.ScVal {
	v := xdr.ScVec(vals)
	pv := &v
	return xdr.ScVal{Type: xdr.ScValTypeScvVec, Vec: &pv}
}

func event(t *testing.T, token string, ledger uint32, action string, value xdr.ScVal) adapter.LedgerEvent {
	t.Helper()
	return adapter.LedgerEvent{
		Type:           "contract",
		Ledger:         ledger,
		LedgerClosedAt: "2025-06-01T12:00:00Z",
		ContractID:     contractID,
		ID:             token,
		PagingToken:    token,
		Topic:          []string{symbol(t, "portfolio"), symbol(t, action)},
		Value:          marshal(t, value),
		TxHash:         "tx-" + token,
		InSuccessful:   true,
	}
}

type fakeRPC struct {
	mu       sync.Mutex
	latest   uint32
	pages    map[string][]adapter.LedgerEvent // keyed by cursor
	requests []adapter.EventsRequest
	failOn   string
	failNext int // fail this many GetEvents calls regardless of cursor
}

func (f *fakeRPC) GetLatestLedger(context.Context) (uint32, error) {
	return f.latest, nil
}

func (f *fakeRPC) GetEvents(_ context.Context, req adapter.EventsRequest) (*adapter.EventsPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failNext > 0 {
		f.failNext--
		return nil, adapter.ErrProviderUnavailable
	}
	if f.failOn != "" && req.Cursor == f.failOn {
		return nil, adapter.ErrProviderUnavailable
	}
	return &adapter.EventsPage{Events: f.pages[req.Cursor], LatestLedger: f.latest}, nil
}

type harness struct {
	ix         *Indexer
	rpc        *fakeRPC
	portfolios *memory.PortfolioStore
	history    *memory.HistoryStore
	state      *memory.StateStore
}

func newHarness(t *testing.T, rpc *fakeRPC, cfg Config) *harness {
	t.Helper()
	h := &harness{
		rpc:        rpc,
		portfolios: memory.NewPortfolioStore(),
		history:    memory.NewHistoryStore(),
		state:      memory.NewStateStore(),
	}
	cfg.ContractID = contractID
	ix, err := New(rpc, h.portfolios, h.history, h.state, cfg, nil)
	require.NoError(t, err)
	h.ix = ix
	return h
}

func TestSyncOnce_BootstrapAndApply(t *testing.T) {
	ctx := context.Background()
	owner, ownerAddr := account(t, 7)
	rpc := &fakeRPC{latest: 50_000, pages: map[string][]adapter.LedgerEvent{}}
	rpc.pages[""] = []adapter.LedgerEvent{
		event(t, "0001", 49_990, "created", vec(u64(42), owner)),
		event(t, "0002", 49_991, "deposit", vec(u64(42), owner, i128(25_000_000))),
	}
	rpc.pages["0002"] = []adapter.LedgerEvent{
		event(t, "0003", 49_995, "rebalanced", vec(u64(42), u64(1_748_779_200))),
	}
	h := newHarness(t, rpc, Config{BootstrapWindow: 1000, PageLimit: 2})

	res, err := h.ix.SyncOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint32(49_000), res.StartLedger)
	assert.Equal(t, uint32(49_000), rpc.requests[0].StartLedger)
	assert.Equal(t, []string{contractID}, rpc.requests[0].ContractIDs)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 1, res.StubsCreated)
	assert.Equal(t, "0003", res.Cursor)
	assert.Equal(t, 3, res.Pages, "stops on the empty page after 0003")

	p, err := h.portfolios.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, ownerAddr, p.UserAddress)
	assert.Empty(t, p.TargetAllocations)

	evs, err := h.history.Query(ctx, models.HistoryQuery{PortfolioID: "42"})
	require.NoError(t, err)
	require.Len(t, evs, 3)
	for _, ev := range evs {
		assert.Equal(t, types.SourceOnchain, ev.EventSource)
		assert.True(t, ev.Confirmed)
		require.NotNil(t, ev.PagingToken)
		assert.Equal(t, contractID, ev.ContractID)
	}

	var deposit *models.RebalanceEvent
	for _, ev := range evs {
		if *ev.PagingToken == "0002" {
			deposit = ev
		}
	}
	require.NotNil(t, deposit)
	assert.Equal(t, "2.5", deposit.Details["amount"])
	assert.Equal(t, uint32(49_991), *deposit.LedgerSequence)

	cursor, found, err := h.state.GetState(ctx, stateKeyCursor)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0003", cursor)

	ledger, _, err := h.state.GetState(ctx, stateKeyLatestLedger)
	require.NoError(t, err)
	assert.Equal(t, "50000", ledger)
}

func TestSyncOnce_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	owner, _ := account(t, 1)
	created := event(t, "0001", 10, "created", vec(u64(1), owner))
	rpc := &fakeRPC{latest: 20, pages: map[string][]adapter.LedgerEvent{"": {created}}}
	h := newHarness(t, rpc, Config{})

	_, err := h.ix.SyncOnce(ctx)
	require.NoError(t, err)

	// Lose the cursor so the same page is observed again.
	require.NoError(t, h.state.SetState(ctx, stateKeyCursor, ""))
	rpc.pages[""] = []adapter.LedgerEvent{created}
	_, err = h.ix.SyncOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, h.history.Len())
}

func TestSyncOnce_ResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	rpc := &fakeRPC{latest: 100, pages: map[string][]adapter.LedgerEvent{
		"0009": {event(t, "0010", 99, "rebalanced", vec(u64(3)))},
	}}
	h := newHarness(t, rpc, Config{})
	require.NoError(t, h.state.SetState(ctx, stateKeyCursor, "0009"))

	res, err := h.ix.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rpc.requests[0].StartLedger)
	assert.Equal(t, "0009", rpc.requests[0].Cursor)
	assert.Equal(t, "0010", res.Cursor)
}

func TestSyncOnce_MaxPagesPerCycle(t *testing.T) {
	ctx := context.Background()
	pages := map[string][]adapter.LedgerEvent{}
	prev := ""
	for i := 1; i <= 5; i++ {
		token := fmt.Sprintf("%04d", i)
		pages[prev] = []adapter.LedgerEvent{event(t, token, uint32(i), "rebalanced", vec(u64(9)))}
		prev = token
	}
	rpc := &fakeRPC{latest: 10, pages: pages}
	h := newHarness(t, rpc, Config{MaxPagesPerCycle: 2})

	res, err := h.ix.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, "0002", res.Cursor)

	res, err = h.ix.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0004", res.Cursor)
}

func TestSyncOnce_NonAdvancingCursorStops(t *testing.T) {
	ctx := context.Background()
	rpc := &fakeRPC{latest: 10, pages: map[string][]adapter.LedgerEvent{}}
	stuck := event(t, "0005", 5, "rebalanced", vec(u64(1)))
	rpc.pages["0005"] = []adapter.LedgerEvent{stuck}
	h := newHarness(t, rpc, Config{MaxPagesPerCycle: 10})
	require.NoError(t, h.state.SetState(ctx, stateKeyCursor, "0005"))

	res, err := h.ix.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, "0005", res.Cursor)
}

func TestSyncOnce_FailurePersistsPartialProgress(t *testing.T) {
	ctx := context.Background()
	rpc := &fakeRPC{latest: 10, failOn: "0001", pages: map[string][]adapter.LedgerEvent{
		"": {event(t, "0001", 1, "rebalanced", vec(u64(1)))},
	}}
	h := newHarness(t, rpc, Config{})

	res, err := h.ix.SyncOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrProviderUnavailable))
	assert.Equal(t, 1, res.Applied)

	cursor, _, err := h.state.GetState(ctx, stateKeyCursor)
	require.NoError(t, err)
	assert.Equal(t, "0001", cursor)
	assert.NotEmpty(t, h.ix.Status().LastError)
}

func TestSyncOnce_FailedBootstrapRetriesWindow(t *testing.T) {
	ctx := context.Background()
	rpc := &fakeRPC{latest: 1000, failNext: 1, pages: map[string][]adapter.LedgerEvent{
		"": {event(t, "0001", 950, "rebalanced", vec(u64(1)))},
	}}
	h := newHarness(t, rpc, Config{BootstrapWindow: 100})

	first, err := h.ix.SyncOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, uint32(900), first.StartLedger)

	stored, err := h.ix.loadLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(900), stored, "a failed cursorless cycle keeps its start ledger")

	second, err := h.ix.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(900), second.StartLedger)
	assert.Equal(t, uint32(900), rpc.requests[1].StartLedger)
	assert.Equal(t, 1, second.Applied)
	assert.Equal(t, "0001", second.Cursor)
}

func TestSyncOnce_EmptyBootstrapAdvancesLedger(t *testing.T) {
	ctx := context.Background()
	rpc := &fakeRPC{latest: 1000, pages: map[string][]adapter.LedgerEvent{}}
	h := newHarness(t, rpc, Config{BootstrapWindow: 100})

	_, err := h.ix.SyncOnce(ctx)
	require.NoError(t, err)

	stored, err := h.ix.loadLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), stored)
}

func TestSyncOnce_DecodeFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	bad := event(t, "0002", 2, "deposit", vec(u64(1)))
	rpc := &fakeRPC{latest: 10, pages: map[string][]adapter.LedgerEvent{
		"": {event(t, "0001", 1, "rebalanced", vec(u64(1))), bad},
	}}
	h := newHarness(t, rpc, Config{})

	_, err := h.ix.SyncOnce(ctx)
	require.Error(t, err)

	_, found, err := h.state.GetState(ctx, stateKeyCursor)
	require.NoError(t, err)
	assert.False(t, found, "a page that did not fully apply does not move the cursor")
}

func TestSyncOnce_SkipsForeignEvents(t *testing.T) {
	ctx := context.Background()
	foreign := event(t, "0001", 1, "transfer", vec(u64(1)))
	foreign.Topic[0] = symbol(t, "token")
	unknown := event(t, "0002", 2, "withdraw", vec(u64(1)))
	rpc := &fakeRPC{latest: 10, pages: map[string][]adapter.LedgerEvent{"": {foreign, unknown}}}
	h := newHarness(t, rpc, Config{})

	res, err := h.ix.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, h.history.Len())
	assert.Equal(t, "0002", res.Cursor)
}

func TestStartStop(t *testing.T) {
	rpc := &fakeRPC{latest: 10, pages: map[string][]adapter.LedgerEvent{}}
	h := newHarness(t, rpc, Config{PollInterval: time.Hour})

	require.NoError(t, h.ix.Start(context.Background()))
	require.Error(t, h.ix.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.ix.Status().LastSyncAt != nil
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.ix.Stop(ctx))
	assert.Equal(t, StateStopped, h.ix.Status().State)
	assert.Equal(t, uint32(10), h.ix.Status().LatestLedger)
}

func TestBootstrapLedger(t *testing.T) {
	assert.Equal(t, uint32(1), bootstrapLedger(0, 100, 17280))
	assert.Equal(t, uint32(900), bootstrapLedger(0, 1000, 100))
	assert.Equal(t, uint32(777), bootstrapLedger(777, 1000, 100))
}
