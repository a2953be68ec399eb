package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
)

const portfolioColumns = `id, user_address, target_allocations, current_balances, total_value,
	threshold, slippage_tolerance_bps, last_rebalance, is_active, version, created_at, updated_at`

// PortfolioRepository handles portfolio persistence in Postgres
type PortfolioRepository struct {
	db *PostgresDB
}

var _ PortfolioStore = (*PortfolioRepository)(nil)

// NewPortfolioRepository creates a new portfolio repository
func NewPortfolioRepository(db *PostgresDB) *PortfolioRepository {
	return &PortfolioRepository{db: db}
}

// Create inserts a new portfolio at version 1
func (r *PortfolioRepository) Create(ctx context.Context, p *models.Portfolio) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Version = 1

	targets, err := marshalFloatMap(p.TargetAllocations)
	if err != nil {
		return fmt.Errorf("failed to marshal target allocations: %w", err)
	}
	balances, err := marshalFloatMap(p.CurrentBalances)
	if err != nil {
		return fmt.Errorf("failed to marshal balances: %w", err)
	}

	query := `
		INSERT INTO portfolios (` + portfolioColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.Pool().Exec(ctx, query,
		p.ID,
		p.UserAddress,
		targets,
		balances,
		p.TotalValue,
		p.Threshold,
		p.SlippageToleranceBps,
		p.LastRebalance,
		p.IsActive,
		p.Version,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("portfolio %s: %w", p.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create portfolio: %w", err)
	}
	return nil
}

// Get retrieves a portfolio by ID
func (r *PortfolioRepository) Get(ctx context.Context, id string) (*models.Portfolio, error) {
	query := `SELECT ` + portfolioColumns + ` FROM portfolios WHERE id = $1`

	p, err := scanPortfolio(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return p, nil
}

// Update applies a versioned write. The compare and the increment happen in
// one statement, so two writers holding the same version cannot both win.
func (r *PortfolioRepository) Update(ctx context.Context, id string, upd *models.PortfolioUpdate, expectedVersion *int64) (*models.Portfolio, error) {
	if upd == nil {
		upd = &models.PortfolioUpdate{}
	}

	var balances []byte
	if upd.CurrentBalances != nil {
		b, err := marshalFloatMap(upd.CurrentBalances)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal balances: %w", err)
		}
		balances = b
	}

	query := `
		UPDATE portfolios SET
			current_balances = COALESCE($2::jsonb, current_balances),
			total_value      = COALESCE($3, total_value),
			last_rebalance   = COALESCE($4, last_rebalance),
			is_active        = COALESCE($5, is_active),
			version          = version + 1,
			updated_at       = NOW()
		WHERE id = $1 AND ($6::bigint IS NULL OR version = $6::bigint)
		RETURNING ` + portfolioColumns

	p, err := scanPortfolio(r.db.Pool().QueryRow(ctx, query,
		id, balances, upd.TotalValue, upd.LastRebalance, upd.IsActive, expectedVersion))
	if err == nil {
		return p, nil
	}
	if !isNotFoundError(err) {
		return nil, fmt.Errorf("failed to update portfolio: %w", err)
	}

	// No row matched: either the portfolio is gone or the version moved.
	var current int64
	err = r.db.Pool().QueryRow(ctx, `SELECT version FROM portfolios WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read portfolio version: %w", err)
	}
	var expected int64
	if expectedVersion != nil {
		expected = *expectedVersion
	}
	return nil, apperrors.NewVersionConflictError(id, expected, current)
}

// EnsureExists creates an active stub with empty targets when id is unknown
func (r *PortfolioRepository) EnsureExists(ctx context.Context, id, owner string) (*models.Portfolio, bool, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO portfolios (id, user_address, target_allocations, current_balances,
			is_active, version, created_at, updated_at)
		VALUES ($1, $2, '{}'::jsonb, '{}'::jsonb, TRUE, 1, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.db.Pool().Exec(ctx, query, id, owner, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure portfolio: %w", err)
	}

	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return p, tag.RowsAffected() == 1, nil
}

// ListActive returns active portfolios, least recently updated first
func (r *PortfolioRepository) ListActive(ctx context.Context, limit int) ([]*models.Portfolio, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + portfolioColumns + `
		FROM portfolios
		WHERE is_active = TRUE
		ORDER BY updated_at ASC
		LIMIT $1
	`
	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var out []*models.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolios: %w", err)
	}
	return out, nil
}

func scanPortfolio(row pgx.Row) (*models.Portfolio, error) {
	var p models.Portfolio
	var targets, balances []byte
	err := row.Scan(
		&p.ID,
		&p.UserAddress,
		&targets,
		&balances,
		&p.TotalValue,
		&p.Threshold,
		&p.SlippageToleranceBps,
		&p.LastRebalance,
		&p.IsActive,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.TargetAllocations, err = unmarshalFloatMap(targets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target allocations: %w", err)
	}
	if p.CurrentBalances, err = unmarshalFloatMap(balances); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balances: %w", err)
	}
	return &p, nil
}

func marshalFloatMap(m map[string]float64) ([]byte, error) {
	if m == nil {
		m = map[string]float64{}
	}
	return json.Marshal(m)
}

func unmarshalFloatMap(data []byte) (map[string]float64, error) {
	out := map[string]float64{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
