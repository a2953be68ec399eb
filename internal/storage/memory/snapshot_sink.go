package memory

import (
	"context"
	"sync"

	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/storage"
)

// SnapshotSink keeps risk snapshots in memory. It backs the analytics
// worker when ClickHouse is disabled.
type SnapshotSink struct {
	mu    sync.RWMutex
	snaps []*models.RiskSnapshot
}

var _ storage.RiskSnapshotSink = (*SnapshotSink)(nil)

// NewSnapshotSink creates an empty snapshot sink.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{}
}

// InsertRiskSnapshots appends snaps.
func (s *SnapshotSink) InsertRiskSnapshots(_ context.Context, snaps []*models.RiskSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snaps...)
	return nil
}

// Snapshots returns everything inserted so far.
func (s *SnapshotSink) Snapshots() []*models.RiskSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.RiskSnapshot(nil), s.snaps...)
}
