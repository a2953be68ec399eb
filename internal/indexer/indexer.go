// Package indexer reconciles portfolio contract events from the ledger into
// the rebalance history.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/portfolio-rebalancer/internal/adapter"
	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/storage"
	"github.com/portfolio-rebalancer/internal/types"
)

// State keys
const (
	stateKeyCursor       = "indexer:cursor"
	stateKeyLatestLedger = "indexer:latest_ledger"
)

// State is the indexer lifecycle position
type State string

const (
	StateStopped State = "stopped"
	StatePolling State = "polling"
	StateSyncing State = "syncing"
)

// Config holds indexer settings
type Config struct {
	ContractID       string
	PollInterval     time.Duration
	PageLimit        int
	MaxPagesPerCycle int
	BootstrapWindow  uint32
	RPCTimeout       time.Duration
}

// ConfigFromIndexer maps loaded configuration onto indexer settings
func ConfigFromIndexer(cfg config.IndexerConfig) Config {
	return Config{
		ContractID:       cfg.ContractID,
		PollInterval:     cfg.PollInterval,
		PageLimit:        cfg.PageLimit,
		MaxPagesPerCycle: cfg.MaxPagesPerCycle,
		BootstrapWindow:  cfg.BootstrapWindow,
		RPCTimeout:       cfg.RPCTimeout,
	}
}

// SyncResult summarizes one sync cycle
type SyncResult struct {
	StartLedger  uint32 `json:"startLedger,omitempty"`
	StartCursor  string `json:"startCursor,omitempty"`
	Cursor       string `json:"cursor,omitempty"`
	LatestLedger uint32 `json:"latestLedger"`
	Pages        int    `json:"pages"`
	Events       int    `json:"events"`
	Applied      int    `json:"applied"`
	Skipped      int    `json:"skipped"`
	StubsCreated int    `json:"stubsCreated"`
}

// Status reports the indexer's progress
type Status struct {
	State        State      `json:"state"`
	Cursor       string     `json:"cursor,omitempty"`
	LatestLedger uint32     `json:"latestLedger"`
	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	TotalApplied int64      `json:"totalApplied"`
}

// Indexer polls the ledger for portfolio events
type Indexer struct {
	rpc        adapter.LedgerRPC
	portfolios storage.PortfolioStore
	history    storage.HistoryStore
	state      storage.StateStore
	cfg        Config
	logger     *logging.Logger
	now        func() time.Time

	mu      sync.RWMutex
	status  Status
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	syncMu  sync.Mutex
}

// New creates an indexer
func New(rpc adapter.LedgerRPC, portfolios storage.PortfolioStore, history storage.HistoryStore, state storage.StateStore, cfg Config, logger *logging.Logger) (*Indexer, error) {
	if rpc == nil {
		return nil, fmt.Errorf("ledger RPC cannot be nil")
	}
	if portfolios == nil || history == nil || state == nil {
		return nil, fmt.Errorf("portfolio, history and state stores are required")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.MaxPagesPerCycle <= 0 {
		cfg.MaxPagesPerCycle = 10
	}
	if cfg.BootstrapWindow == 0 {
		cfg.BootstrapWindow = 17280
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 15 * time.Second
	}

	return &Indexer{
		rpc:        rpc,
		portfolios: portfolios,
		history:    history,
		state:      state,
		cfg:        cfg,
		logger:     logger.WithFields(map[string]interface{}{"component": "indexer", "contractId": cfg.ContractID}),
		now:        time.Now,
		status:     Status{State: StateStopped},
	}, nil
}

// Start runs one sync immediately and then polls on the configured interval
func (ix *Indexer) Start(ctx context.Context) error {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return fmt.Errorf("indexer is already running")
	}
	ix.running = true
	ix.stopCh = make(chan struct{})
	ix.doneCh = make(chan struct{})
	ix.status.State = StatePolling
	ix.mu.Unlock()

	ix.logger.WithField("pollInterval", ix.cfg.PollInterval).Info("Starting chain indexer")
	go ix.pollLoop(ctx)
	return nil
}

// Stop signals the poll loop and waits for the current cycle to finish
func (ix *Indexer) Stop(ctx context.Context) error {
	ix.mu.Lock()
	if !ix.running {
		ix.mu.Unlock()
		return fmt.Errorf("indexer is not running")
	}
	stopCh, doneCh := ix.stopCh, ix.doneCh
	ix.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		ix.logger.Info("Chain indexer stopped")
	case <-ctx.Done():
		ix.logger.Warn("Chain indexer stop timed out")
		return ctx.Err()
	}

	ix.mu.Lock()
	ix.running = false
	ix.status.State = StateStopped
	ix.mu.Unlock()
	return nil
}

// Status returns a snapshot of the indexer's progress
func (ix *Indexer) Status() Status {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st := ix.status
	if st.LastSyncAt != nil {
		t := *st.LastSyncAt
		st.LastSyncAt = &t
	}
	return st
}

func (ix *Indexer) pollLoop(ctx context.Context) {
	defer close(ix.doneCh)

	ticker := time.NewTicker(ix.cfg.PollInterval)
	defer ticker.Stop()

	ix.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("Indexer context cancelled")
			return
		case <-ix.stopCh:
			return
		case <-ticker.C:
			ix.runCycle(ctx)
		}
	}
}

func (ix *Indexer) runCycle(ctx context.Context) {
	res, err := ix.SyncOnce(ctx)
	if err != nil {
		// faults are retried on the next tick
		ix.logger.WithError(err).Warn("Indexer sync cycle failed")
		return
	}
	if res.Applied > 0 || res.StubsCreated > 0 {
		ix.logger.WithFields(map[string]interface{}{
			"applied":      res.Applied,
			"pages":        res.Pages,
			"stubsCreated": res.StubsCreated,
			"cursor":       res.Cursor,
		}).Info("Indexer applied ledger events")
	}
}

// SyncOnce runs a single sync cycle. Progress reached before an error is
// persisted, so a failed cycle never repeats applied pages.
func (ix *Indexer) SyncOnce(ctx context.Context) (*SyncResult, error) {
	ix.syncMu.Lock()
	defer ix.syncMu.Unlock()

	ix.setState(StateSyncing)
	defer ix.setState(StatePolling)

	res, err := ix.sync(ctx)
	now := ix.now().UTC()

	ix.mu.Lock()
	ix.status.LastSyncAt = &now
	if res != nil {
		ix.status.Cursor = res.Cursor
		if res.LatestLedger > 0 {
			ix.status.LatestLedger = res.LatestLedger
		}
		ix.status.TotalApplied += int64(res.Applied)
	}
	if err != nil {
		ix.status.LastError = err.Error()
	} else {
		ix.status.LastError = ""
	}
	ix.mu.Unlock()

	return res, err
}

func (ix *Indexer) setState(s State) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if s == StatePolling && !ix.running {
		s = StateStopped
	}
	ix.status.State = s
}

func (ix *Indexer) sync(ctx context.Context) (res *SyncResult, err error) {
	cursor, _, err := ix.state.GetState(ctx, stateKeyCursor)
	if err != nil {
		return nil, fmt.Errorf("read indexer cursor: %w", err)
	}
	storedLedger, err := ix.loadLedger(ctx)
	if err != nil {
		return nil, err
	}

	latest, err := ix.latestLedger(ctx)
	if err != nil {
		return nil, err
	}

	res = &SyncResult{StartCursor: cursor, Cursor: cursor, LatestLedger: latest}
	if cursor == "" {
		res.StartLedger = bootstrapLedger(storedLedger, latest, ix.cfg.BootstrapWindow)
	}

	defer func() {
		if perr := ix.persist(ctx, res, err); perr != nil {
			err = errors.Join(err, perr)
		}
	}()

	for page := 0; page < ix.cfg.MaxPagesPerCycle; page++ {
		req := adapter.EventsRequest{
			Cursor: res.Cursor,
			Limit:  ix.cfg.PageLimit,
		}
		if ix.cfg.ContractID != "" {
			req.ContractIDs = []string{ix.cfg.ContractID}
		}
		if res.Cursor == "" {
			req.StartLedger = res.StartLedger
		}

		events, err := ix.fetchPage(ctx, req)
		if err != nil {
			return res, err
		}
		res.Pages++
		if events.LatestLedger > res.LatestLedger {
			res.LatestLedger = events.LatestLedger
		}
		if len(events.Events) == 0 {
			break
		}

		if err := ix.applyPage(ctx, events.Events, res); err != nil {
			return res, err
		}

		next := events.Events[len(events.Events)-1].Token()
		if next == "" || next == res.Cursor {
			break
		}
		res.Cursor = next
	}
	return res, nil
}

func (ix *Indexer) latestLedger(ctx context.Context) (uint32, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, ix.cfg.RPCTimeout)
	defer cancel()
	latest, err := ix.rpc.GetLatestLedger(rpcCtx)
	if err != nil {
		return 0, fmt.Errorf("get latest ledger: %w", err)
	}
	return latest, nil
}

func (ix *Indexer) fetchPage(ctx context.Context, req adapter.EventsRequest) (*adapter.EventsPage, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, ix.cfg.RPCTimeout)
	defer cancel()
	page, err := ix.rpc.GetEvents(rpcCtx, req)
	if err != nil {
		return nil, fmt.Errorf("get events (cursor=%q, startLedger=%d): %w", req.Cursor, req.StartLedger, err)
	}
	if page == nil {
		return &adapter.EventsPage{}, nil
	}
	return page, nil
}

// applyPage applies every event of a page. Any failure aborts the page so
// the cursor stays before it and the whole page is retried.
func (ix *Indexer) applyPage(ctx context.Context, events []adapter.LedgerEvent, res *SyncResult) error {
	for _, raw := range events {
		res.Events++
		applied, created, err := ix.applyEvent(ctx, raw)
		if err != nil {
			return fmt.Errorf("apply event %s: %w", raw.Token(), err)
		}
		if created {
			res.StubsCreated++
		}
		if applied {
			res.Applied++
		} else {
			res.Skipped++
		}
	}
	return nil
}

func (ix *Indexer) applyEvent(ctx context.Context, raw adapter.LedgerEvent) (applied, created bool, err error) {
	logger := ix.logger.WithFields(map[string]interface{}{
		"pagingToken": raw.Token(),
		"ledger":      raw.Ledger,
		"txHash":      raw.TxHash,
	})

	if raw.Type != "" && raw.Type != "contract" {
		return false, false, nil
	}
	if ix.cfg.ContractID != "" && raw.ContractID != "" && raw.ContractID != ix.cfg.ContractID {
		return false, false, nil
	}

	action, err := decodeTopics(raw.Topic)
	if errors.Is(err, errNotPortfolioEvent) {
		return false, false, nil
	}
	if errors.Is(err, errUnknownAction) {
		logger.WithError(err).Debug("Skipping unrecognized portfolio event")
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}

	ev, err := decodePayload(action, raw.Value)
	if err != nil {
		return false, false, fmt.Errorf("decode %s payload: %w", action, err)
	}

	_, created, err = ix.portfolios.EnsureExists(ctx, ev.PortfolioID, ev.Actor)
	if err != nil {
		return false, false, fmt.Errorf("ensure portfolio %s: %w", ev.PortfolioID, err)
	}
	if created {
		logger.WithField("portfolioId", ev.PortfolioID).Info("Created stub portfolio from ledger event")
	}

	stored, err := ix.history.Record(ctx, ix.historyEvent(raw, ev))
	if err != nil {
		return false, created, fmt.Errorf("record history: %w", err)
	}
	logger.WithFields(map[string]interface{}{
		"portfolioId": ev.PortfolioID,
		"action":      action,
		"eventId":     stored.ID,
	}).Debug("Recorded on-chain event")
	return true, created, nil
}

func (ix *Indexer) historyEvent(raw adapter.LedgerEvent, ev *decodedEvent) *models.RebalanceEvent {
	ts, ok := raw.ClosedAt()
	if !ok {
		ts = ix.now().UTC()
	}
	ledger := raw.Ledger
	token := raw.Token()

	details := map[string]any{"action": string(ev.Action)}
	if ev.Actor != "" {
		details["actor"] = ev.Actor
	}
	if ev.Asset != "" {
		details["asset"] = ev.Asset
	}
	if ev.Amount != nil {
		details["amount"] = ev.Amount.String()
	}
	if ev.ExecutedAt != nil {
		details["executedAt"] = ev.ExecutedAt.Format(time.RFC3339)
	}

	return &models.RebalanceEvent{
		PortfolioID:    ev.PortfolioID,
		Timestamp:      ts,
		Trigger:        "on-chain " + string(ev.Action),
		Status:         types.StatusCompleted,
		Details:        details,
		EventSource:    types.SourceOnchain,
		Confirmed:      true,
		LedgerSequence: &ledger,
		TxHash:         raw.TxHash,
		ContractID:     raw.ContractID,
		PagingToken:    &token,
	}
}

func (ix *Indexer) loadLedger(ctx context.Context) (uint32, error) {
	raw, found, err := ix.state.GetState(ctx, stateKeyLatestLedger)
	if err != nil {
		return 0, fmt.Errorf("read indexer ledger: %w", err)
	}
	if !found || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		ix.logger.WithField("value", raw).Warn("Ignoring malformed stored ledger sequence")
		return 0, nil
	}
	return uint32(n), nil
}

// persist saves the cursor and the ledger to resume from. A cycle that
// failed before it had a cursor keeps its start ledger, otherwise the
// bootstrap window would be skipped on the next cycle.
func (ix *Indexer) persist(ctx context.Context, res *SyncResult, cycleErr error) error {
	if res == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	if res.Cursor != "" {
		if err := ix.state.SetState(ctx, stateKeyCursor, res.Cursor); err != nil {
			return fmt.Errorf("persist cursor: %w", err)
		}
	}
	ledger := res.LatestLedger
	if res.Cursor == "" && cycleErr != nil {
		ledger = res.StartLedger
	}
	if ledger > 0 {
		if err := ix.state.SetState(ctx, stateKeyLatestLedger, strconv.FormatUint(uint64(ledger), 10)); err != nil {
			return fmt.Errorf("persist latest ledger: %w", err)
		}
	}
	return nil
}

// bootstrapLedger picks where a cursorless sync starts. A previously seen
// ledger wins over the bootstrap window.
func bootstrapLedger(stored, latest, window uint32) uint32 {
	if stored > 0 {
		return stored
	}
	if latest <= window {
		return 1
	}
	return latest - window
}
