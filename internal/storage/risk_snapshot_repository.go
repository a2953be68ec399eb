package storage

import (
	"context"
	"fmt"

	"github.com/portfolio-rebalancer/internal/models"
)

// RiskSnapshotRepository writes analytics snapshots to ClickHouse
type RiskSnapshotRepository struct {
	db *ClickHouseDB
}

var _ RiskSnapshotSink = (*RiskSnapshotRepository)(nil)

// NewRiskSnapshotRepository creates a new risk snapshot repository
func NewRiskSnapshotRepository(db *ClickHouseDB) *RiskSnapshotRepository {
	return &RiskSnapshotRepository{db: db}
}

// InsertRiskSnapshots appends a batch of snapshots
func (r *RiskSnapshotRepository) InsertRiskSnapshots(ctx context.Context, snaps []*models.RiskSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO risk_snapshots (
			portfolio_id, taken_at, total_value, volatility, var95, cvar95,
			max_drawdown, drawdown_band, concentration_risk, liquidity_risk,
			correlation_risk, overall_level, sample_size, weights
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, s := range snaps {
		m := s.Metrics
		weights := s.Weights
		if weights == nil {
			weights = map[string]float64{}
		}
		if err := batch.Append(
			s.PortfolioID,
			s.TakenAt.UTC(),
			s.TotalValue,
			m.Volatility,
			m.VaR95,
			m.CVaR95,
			m.MaxDrawdown,
			m.DrawdownBand,
			m.ConcentrationRisk,
			m.LiquidityRisk,
			m.CorrelationRisk,
			string(m.OverallLevel),
			uint32(m.SampleSize), // #nosec G115 - bounded by the ring capacity
			weights,
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}
