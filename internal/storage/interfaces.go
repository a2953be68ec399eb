package storage

import (
	"context"
	"time"

	"github.com/portfolio-rebalancer/internal/models"
)

// PortfolioStore persists portfolios with optimistic versioning
type PortfolioStore interface {
	Create(ctx context.Context, p *models.Portfolio) error
	Get(ctx context.Context, id string) (*models.Portfolio, error)
	// Update applies upd. When expectedVersion is set and differs from the
	// stored version, it returns errors.VersionConflictError carrying the
	// current version and leaves the row untouched.
	Update(ctx context.Context, id string, upd *models.PortfolioUpdate, expectedVersion *int64) (*models.Portfolio, error)
	// EnsureExists creates a stub portfolio when id is unknown
	EnsureExists(ctx context.Context, id, owner string) (p *models.Portfolio, created bool, err error)
	ListActive(ctx context.Context, limit int) ([]*models.Portfolio, error)
}

// HistoryStore is the append-mostly rebalance audit log
type HistoryStore interface {
	// Record inserts an event. An event whose paging token is already stored
	// resolves to the existing row.
	Record(ctx context.Context, ev *models.RebalanceEvent) (*models.RebalanceEvent, error)
	Query(ctx context.Context, q models.HistoryQuery) ([]*models.RebalanceEvent, error)
}

// StateStore is a small key/value store for indexer progress
type StateStore interface {
	GetState(ctx context.Context, key string) (value string, found bool, err error)
	SetState(ctx context.Context, key, value string) error
}

// Locker is a fast-fail advisory lock keyed by portfolio
type Locker interface {
	// TryLock returns a release token, or ok=false when the lock is held
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// RiskSnapshotSink receives analytics snapshots
type RiskSnapshotSink interface {
	InsertRiskSnapshots(ctx context.Context, snaps []*models.RiskSnapshot) error
}
