package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
	"github.com/EkarshaSumajK/Airlines-data-analysis/etl"
)

// SQLExtractor pulls incremental change records from a source database.
// The configured query receives the watermark position as $1 (text, empty
// on the first run) and the batch limit as $2, and must order by the
// position column ascending, e.g.
//
//	SELECT * FROM flight_ops_changes
//	WHERE updated_at > COALESCE(NULLIF($1, '')::timestamptz, 'epoch')
//	ORDER BY updated_at LIMIT $2
type SQLExtractor struct {
	pool   *pgxpool.Pool
	stream string
	cfg    config.SourceConfig
	logger *zap.Logger
}

// NewSQLExtractor connects to the source database
func NewSQLExtractor(ctx context.Context, stream string, cfg config.SourceConfig, logger *zap.Logger) (*SQLExtractor, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("stream %s: parse source DSN: %w", stream, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("stream %s: connect source: %w", stream, err)
	}
	return &SQLExtractor{pool: pool, stream: stream, cfg: cfg, logger: logger}, nil
}

// Pull fetches at most batch_limit records past the given position
func (e *SQLExtractor) Pull(ctx context.Context, since etl.Position) ([]etl.RawRecord, etl.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout())
	defer cancel()

	rows, err := e.pool.Query(ctx, e.cfg.Query, string(since), e.cfg.BatchLimit)
	if err != nil {
		return nil, "", etl.SourceUnavailable(e.stream, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make(map[string]bool, len(fields))
	for _, f := range fields {
		columns[f.Name] = true
	}
	if !columns[e.cfg.PositionColumn] {
		return nil, "", etl.SchemaDrift(e.stream,
			fmt.Errorf("position column %q missing from source result", e.cfg.PositionColumn))
	}
	for _, required := range e.cfg.RequiredColumns {
		if !columns[required] {
			return nil, "", etl.SchemaDrift(e.stream,
				fmt.Errorf("expected column %q missing from source result", required))
		}
	}

	var records []etl.RawRecord
	newPos := since
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, "", etl.SourceUnavailable(e.stream, err)
		}
		rec := make(etl.RawRecord, len(fields))
		for i, f := range fields {
			rec[f.Name] = values[i]
		}
		records = append(records, rec)
		newPos = encodePosition(rec[e.cfg.PositionColumn])
	}
	if err := rows.Err(); err != nil {
		return nil, "", etl.SourceUnavailable(e.stream, err)
	}

	e.logger.Debug("pulled source records",
		zap.String("stream", e.stream),
		zap.Int("count", len(records)),
		zap.String("position", string(newPos)))
	return records, newPos, nil
}

// Close releases the source connection pool
func (e *SQLExtractor) Close() {
	e.pool.Close()
}

func encodePosition(v interface{}) etl.Position {
	switch p := v.(type) {
	case time.Time:
		return etl.Position(p.Format(time.RFC3339Nano))
	case int64:
		return etl.Position(strconv.FormatInt(p, 10))
	case int32:
		return etl.Position(strconv.FormatInt(int64(p), 10))
	case string:
		return etl.Position(p)
	default:
		return etl.Position(fmt.Sprintf("%v", p))
	}
}
