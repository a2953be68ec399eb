package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

const historyColumns = `id, portfolio_id, timestamp, trigger, trade_count, gas_cost, status,
	is_automatic, reason_code, error, risk_alerts, details, event_source, confirmed,
	ledger_sequence, tx_hash, contract_id, paging_token`

// HistoryRepository is the Postgres rebalance audit log
type HistoryRepository struct {
	db *PostgresDB
}

var _ HistoryStore = (*HistoryRepository)(nil)

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *PostgresDB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Record inserts ev. When ev carries a paging token that is already stored
// the existing row is returned unchanged.
func (r *HistoryRepository) Record(ctx context.Context, ev *models.RebalanceEvent) (*models.RebalanceEvent, error) {
	if ev.PortfolioID == "" {
		return nil, fmt.Errorf("history event without portfolio id: %w", ErrInvalidInput)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.EventSource == "" {
		ev.EventSource = types.SourceOffchain
	}

	alerts, err := json.Marshal(nonNilAlerts(ev.RiskAlerts))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal risk alerts: %w", err)
	}
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal details: %w", err)
	}

	var ledger *int64
	if ev.LedgerSequence != nil {
		l := int64(*ev.LedgerSequence)
		ledger = &l
	}

	query := `
		INSERT INTO rebalance_events (` + historyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (paging_token) DO NOTHING
		RETURNING ` + historyColumns

	stored, err := scanEvent(r.db.Pool().QueryRow(ctx, query,
		ev.ID,
		ev.PortfolioID,
		ev.Timestamp,
		ev.Trigger,
		ev.TradeCount,
		ev.GasCost,
		string(ev.Status),
		ev.Automatic,
		string(ev.ReasonCode),
		ev.Error,
		alerts,
		detailsJSON,
		string(ev.EventSource),
		ev.Confirmed,
		ledger,
		ev.TxHash,
		ev.ContractID,
		ev.PagingToken,
	))
	if err == nil {
		return stored, nil
	}
	if !isNotFoundError(err) || ev.PagingToken == nil {
		return nil, fmt.Errorf("failed to record history event: %w", err)
	}

	existing, err := scanEvent(r.db.Pool().QueryRow(ctx,
		`SELECT `+historyColumns+` FROM rebalance_events WHERE paging_token = $1`, *ev.PagingToken))
	if err != nil {
		return nil, fmt.Errorf("failed to load existing history event: %w", err)
	}
	return existing, nil
}

// Query returns events matching q, newest first
func (r *HistoryRepository) Query(ctx context.Context, q models.HistoryQuery) ([]*models.RebalanceEvent, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.PortfolioID != "" {
		add("portfolio_id = $%d", q.PortfolioID)
	}
	if q.Source != "" {
		add("event_source = $%d", string(q.Source))
	}
	if q.From != nil {
		add("timestamp >= $%d", *q.From)
	}
	if q.To != nil {
		add("timestamp <= $%d", *q.To)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + historyColumns + ` FROM rebalance_events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY timestamp DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []*models.RebalanceEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (*models.RebalanceEvent, error) {
	var ev models.RebalanceEvent
	var status, reason, source string
	var alerts, details []byte
	var ledger *int64

	err := row.Scan(
		&ev.ID,
		&ev.PortfolioID,
		&ev.Timestamp,
		&ev.Trigger,
		&ev.TradeCount,
		&ev.GasCost,
		&status,
		&ev.Automatic,
		&reason,
		&ev.Error,
		&alerts,
		&details,
		&source,
		&ev.Confirmed,
		&ledger,
		&ev.TxHash,
		&ev.ContractID,
		&ev.PagingToken,
	)
	if err != nil {
		return nil, err
	}

	ev.Status = types.EventStatus(status)
	ev.ReasonCode = types.ReasonCode(reason)
	ev.EventSource = types.EventSource(source)
	if ledger != nil {
		l := uint32(*ledger) // #nosec G115 - ledger sequences fit in uint32
		ev.LedgerSequence = &l
	}
	if len(alerts) > 0 {
		if err := json.Unmarshal(alerts, &ev.RiskAlerts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal risk alerts: %w", err)
		}
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &ev.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal details: %w", err)
		}
	}
	return &ev, nil
}

func nonNilAlerts(a []models.RiskAlert) []models.RiskAlert {
	if a == nil {
		return []models.RiskAlert{}
	}
	return a
}
