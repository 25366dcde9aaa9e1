package warehouse

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/EkarshaSumajK/Airlines-data-analysis/etl"
)

// WriteAudit appends one run record and its rejections. It runs outside
// the batch transaction on purpose: a rolled-back run still leaves its
// trace, and a re-run after failure produces a second entry rather than
// mutating the first.
func (db *DB) WriteAudit(ctx context.Context, audit etl.RunAudit) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO etl_runs (
			run_id, stream, started_at, finished_at, state,
			from_position, to_position,
			extracted, accepted, rejected, inserted, updated, noops, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''))`,
		audit.RunID, audit.Stream, audit.StartedAt, audit.FinishedAt, string(audit.State),
		string(audit.FromPosition), string(audit.ToPosition),
		audit.Extracted, audit.Accepted, audit.Rejected,
		audit.Inserted, audit.Updated, audit.NoOps, audit.Error)
	if err != nil {
		return fmt.Errorf("failed to insert run record: %w", err)
	}

	if len(audit.Rejections) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(audit.Rejections))
	for i, rej := range audit.Rejections {
		rows[i] = []interface{}{audit.RunID, rej.RecordKey, string(rej.Reason), rej.Detail}
	}
	_, err = db.pool.CopyFrom(ctx,
		pgx.Identifier{"etl_rejections"},
		[]string{"run_id", "record_key", "reason", "detail"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to insert rejection records: %w", err)
	}
	return nil
}
