package storage

import (
	"context"
	"fmt"
)

// IndexerStateRepository stores indexer progress (cursor, latest ledger)
type IndexerStateRepository struct {
	db *PostgresDB
}

var _ StateStore = (*IndexerStateRepository)(nil)

// NewIndexerStateRepository creates a new indexer state repository
func NewIndexerStateRepository(db *PostgresDB) *IndexerStateRepository {
	return &IndexerStateRepository{db: db}
}

// GetState returns the value stored under key
func (r *IndexerStateRepository) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.Pool().QueryRow(ctx, `SELECT value FROM indexer_state WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if isNotFoundError(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get indexer state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState upserts the value stored under key
func (r *IndexerStateRepository) SetState(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO indexer_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
	`
	if _, err := r.db.Pool().Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set indexer state %s: %w", key, err)
	}
	return nil
}
