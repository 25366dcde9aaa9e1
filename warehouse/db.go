// Package warehouse implements the transactional write interface of the
// target PostgreSQL warehouse: dimension SCD storage, fact upserts, the
// watermark store, the audit trail and materialized-view refresh.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
	"github.com/EkarshaSumajK/Airlines-data-analysis/etl"
)

// DB wraps the warehouse connection pool
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects to the warehouse and verifies the connection
func Open(ctx context.Context, cfg config.WarehouseConfig, logger *zap.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse warehouse DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create warehouse pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	logger.Info("connected to warehouse",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database))
	return &DB{pool: pool, logger: logger}, nil
}

// Close releases the connection pool
func (db *DB) Close() {
	db.pool.Close()
}

// InitControlTables creates the ETL control tables if they don't exist.
// The star schema itself is provisioned from sql/, these tables belong to
// the pipeline.
func (db *DB) InitControlTables(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS etl_watermarks (
			stream_id  TEXT PRIMARY KEY,
			position   TEXT NOT NULL,
			version    BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS etl_runs (
			run_id        UUID PRIMARY KEY,
			stream        TEXT NOT NULL,
			started_at    TIMESTAMPTZ NOT NULL,
			finished_at   TIMESTAMPTZ NOT NULL,
			state         TEXT NOT NULL,
			from_position TEXT,
			to_position   TEXT,
			extracted     INTEGER NOT NULL DEFAULT 0,
			accepted      INTEGER NOT NULL DEFAULT 0,
			rejected      INTEGER NOT NULL DEFAULT 0,
			inserted      INTEGER NOT NULL DEFAULT 0,
			updated       INTEGER NOT NULL DEFAULT 0,
			noops         INTEGER NOT NULL DEFAULT 0,
			error         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_etl_runs_stream ON etl_runs (stream, started_at)`,
		`CREATE TABLE IF NOT EXISTS etl_rejections (
			run_id     UUID NOT NULL,
			record_key TEXT,
			reason     TEXT NOT NULL,
			detail     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_etl_rejections_run ON etl_rejections (run_id)`,
	}
	for _, stmt := range ddl {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create control tables: %w", err)
		}
	}
	db.logger.Info("control tables ready")
	return nil
}

// Begin opens one batch transaction. Read committed is enough: each stream
// writes a disjoint key space and current-row locking serializes dimension
// updates per business key.
func (db *DB) Begin(ctx context.Context) (etl.Batch, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	return &pgBatch{tx: tx}, nil
}

// DateRange reports the interval covered by the Date dimension
func (db *DB) DateRange(ctx context.Context) (time.Time, time.Time, error) {
	var min, max time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT MIN(fulldate), MAX(fulldate) FROM dimdate`).Scan(&min, &max)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to read Date dimension range: %w", err)
	}
	return min, max, nil
}

// RefreshMaterializedViews refreshes the analytics views, invoked by the
// periodic scheduler in place of an external trigger
func (db *DB) RefreshMaterializedViews(ctx context.Context, views []string) error {
	for _, view := range views {
		if _, err := db.pool.Exec(ctx, fmt.Sprintf("REFRESH MATERIALIZED VIEW CONCURRENTLY %s", view)); err != nil {
			return fmt.Errorf("failed to refresh %s: %w", view, err)
		}
	}
	return nil
}

// pgBatch is one warehouse transaction implementing etl.Batch
type pgBatch struct {
	tx pgx.Tx
}

func (b *pgBatch) Dimensions() etl.DimensionStorage {
	return &pgDimensions{tx: b.tx}
}

func (b *pgBatch) Facts() etl.FactStorage {
	return &pgFacts{tx: b.tx}
}

func (b *pgBatch) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

func (b *pgBatch) Rollback(ctx context.Context) error {
	if err := b.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
