package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/portfolio-rebalancer/internal/config"
)

// ClickHouseDB holds the connection to the risk snapshot store. Snapshots
// are append-only and only ever read back by analytics queries.
type ClickHouseDB struct {
	conn driver.Conn
}

// riskSnapshotSettings are applied to every session. Snapshot batches are
// small and frequent, so with async inserts the server buffers them into
// larger parts and the insert returns once the buffer is flushed.
func riskSnapshotSettings(cfg *config.ClickHouseConfig) clickhouse.Settings {
	settings := clickhouse.Settings{
		"max_execution_time": 30,
	}
	if cfg.AsyncInsert {
		settings["async_insert"] = 1
		settings["wait_for_async_insert"] = 1
		settings["async_insert_busy_timeout_ms"] = 1000
	}
	return settings
}

func clickHouseOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: riskSnapshotSettings(cfg),
		// metric maps compress well
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:      10 * time.Second,
		ReadTimeout:      30 * time.Second,
		MaxOpenConns:     4,
		MaxIdleConns:     2,
		ConnMaxLifetime:  30 * time.Minute,
		ConnOpenStrategy: clickhouse.ConnOpenRoundRobin,
	}
}

// NewClickHouseDB connects to the risk snapshot store and checks it answers
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(clickHouseOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open risk snapshot store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("risk snapshot store %s/%s unreachable: %w", cfg.Host, cfg.Database, err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close releases the connection pool
func (db *ClickHouseDB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Conn exposes the driver for batch inserts
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Exec runs a DDL or mutation statement
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}
