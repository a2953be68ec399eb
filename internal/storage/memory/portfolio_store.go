// Package memory provides in-process implementations of the storage
// interfaces, used by tests and by single-node runs without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/storage"
)

// PortfolioStore is an in-memory implementation of storage.PortfolioStore.
type PortfolioStore struct {
	mu   sync.RWMutex
	data map[string]*models.Portfolio
}

var _ storage.PortfolioStore = (*PortfolioStore)(nil)

// NewPortfolioStore creates a new in-memory portfolio store.
func NewPortfolioStore() *PortfolioStore {
	return &PortfolioStore{data: make(map[string]*models.Portfolio)}
}

// Create stores p at version 1.
func (s *PortfolioStore) Create(_ context.Context, p *models.Portfolio) error {
	if p == nil {
		return storage.ErrInvalidInput
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.ID]; exists {
		return fmt.Errorf("portfolio %s: %w", p.ID, storage.ErrAlreadyExists)
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Version = 1
	s.data[p.ID] = p.Clone()
	return nil
}

// Get returns a copy of the stored portfolio.
func (s *PortfolioStore) Get(_ context.Context, id string) (*models.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, storage.ErrNotFound)
	}
	return p.Clone(), nil
}

// Update applies upd when expectedVersion is nil or matches.
func (s *PortfolioStore) Update(_ context.Context, id string, upd *models.PortfolioUpdate, expectedVersion *int64) (*models.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, storage.ErrNotFound)
	}
	if expectedVersion != nil && *expectedVersion != p.Version {
		return nil, apperrors.NewVersionConflictError(id, *expectedVersion, p.Version)
	}

	next := p.Clone()
	if upd != nil {
		if upd.CurrentBalances != nil {
			next.CurrentBalances = make(map[string]float64, len(upd.CurrentBalances))
			for k, v := range upd.CurrentBalances {
				next.CurrentBalances[k] = v
			}
		}
		if upd.TotalValue != nil {
			next.TotalValue = *upd.TotalValue
		}
		if upd.LastRebalance != nil {
			t := *upd.LastRebalance
			next.LastRebalance = &t
		}
		if upd.IsActive != nil {
			next.IsActive = *upd.IsActive
		}
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.data[id] = next
	return next.Clone(), nil
}

// EnsureExists creates an active stub with empty targets when id is unknown.
func (s *PortfolioStore) EnsureExists(_ context.Context, id, owner string) (*models.Portfolio, bool, error) {
	if id == "" {
		return nil, false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.data[id]; ok {
		return p.Clone(), false, nil
	}
	now := time.Now().UTC()
	p := &models.Portfolio{
		ID:                id,
		UserAddress:       owner,
		TargetAllocations: map[string]float64{},
		CurrentBalances:   map[string]float64{},
		IsActive:          true,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.data[id] = p
	return p.Clone(), true, nil
}

// ListActive returns active portfolios, least recently updated first.
func (s *PortfolioStore) ListActive(_ context.Context, limit int) ([]*models.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Portfolio, 0, len(s.data))
	for _, p := range s.data {
		if p.IsActive {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
