package warehouse

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/EkarshaSumajK/Airlines-data-analysis/etl"
)

// GetWatermark returns the last successfully processed position for a
// stream and the version used for the optimistic advance check. An unknown
// stream starts at the empty position with version 0.
func (db *DB) GetWatermark(ctx context.Context, streamID string) (etl.Position, int64, error) {
	var position string
	var version int64
	err := db.pool.QueryRow(ctx,
		`SELECT position, version FROM etl_watermarks WHERE stream_id = $1`,
		streamID).Scan(&position, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to read watermark for %s: %w", streamID, err)
	}
	return etl.Position(position), version, nil
}

// AdvanceWatermark moves the stream's watermark inside the batch
// transaction, as its last write. The version column makes it a
// compare-and-swap: if another run advanced the watermark since
// expectedVersion was read, zero rows match and the batch fails with
// ErrConcurrencyConflict instead of double-processing the window.
func (b *pgBatch) AdvanceWatermark(ctx context.Context, streamID string, pos etl.Position, expectedVersion int64) error {
	tag, err := b.tx.Exec(ctx, `
		INSERT INTO etl_watermarks (stream_id, position, version, updated_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (stream_id) DO UPDATE
		SET position = EXCLUDED.position,
		    version = etl_watermarks.version + 1,
		    updated_at = now()
		WHERE etl_watermarks.version = $3`,
		streamID, string(pos), expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", streamID, err)
	}
	if tag.RowsAffected() == 0 {
		return etl.ConcurrencyConflict(streamID,
			fmt.Errorf("watermark moved past version %d since it was read", expectedVersion))
	}
	return nil
}
