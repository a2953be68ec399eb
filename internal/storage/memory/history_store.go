package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/storage"
	"github.com/portfolio-rebalancer/internal/types"
)

// HistoryStore is an in-memory implementation of storage.HistoryStore.
type HistoryStore struct {
	mu      sync.RWMutex
	events  []*models.RebalanceEvent
	byToken map[string]*models.RebalanceEvent
}

var _ storage.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore creates a new in-memory history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{byToken: make(map[string]*models.RebalanceEvent)}
}

// Record appends ev, or returns the stored event with the same paging token.
func (s *HistoryStore) Record(_ context.Context, ev *models.RebalanceEvent) (*models.RebalanceEvent, error) {
	if ev == nil || ev.PortfolioID == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.PagingToken != nil {
		if existing, ok := s.byToken[*ev.PagingToken]; ok {
			return copyEvent(existing), nil
		}
	}

	stored := copyEvent(ev)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	if stored.EventSource == "" {
		stored.EventSource = types.SourceOffchain
	}
	s.events = append(s.events, stored)
	if stored.PagingToken != nil {
		s.byToken[*stored.PagingToken] = stored
	}
	return copyEvent(stored), nil
}

// Query returns matching events, newest first.
func (s *HistoryStore) Query(_ context.Context, q models.HistoryQuery) ([]*models.RebalanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.RebalanceEvent
	for _, ev := range s.events {
		if q.PortfolioID != "" && ev.PortfolioID != q.PortfolioID {
			continue
		}
		if q.Source != "" && ev.EventSource != q.Source {
			continue
		}
		if q.From != nil && ev.Timestamp.Before(*q.From) {
			continue
		}
		if q.To != nil && ev.Timestamp.After(*q.To) {
			continue
		}
		out = append(out, copyEvent(ev))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *HistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func copyEvent(ev *models.RebalanceEvent) *models.RebalanceEvent {
	cp := *ev
	if ev.RiskAlerts != nil {
		cp.RiskAlerts = append([]models.RiskAlert(nil), ev.RiskAlerts...)
	}
	if ev.Details != nil {
		cp.Details = make(map[string]any, len(ev.Details))
		for k, v := range ev.Details {
			cp.Details[k] = v
		}
	}
	if ev.LedgerSequence != nil {
		l := *ev.LedgerSequence
		cp.LedgerSequence = &l
	}
	if ev.PagingToken != nil {
		tok := *ev.PagingToken
		cp.PagingToken = &tok
	}
	return &cp
}
