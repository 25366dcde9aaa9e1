package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
	"github.com/EkarshaSumajK/Airlines-data-analysis/etl"
)

// pgDimensions implements etl.DimensionStorage over the batch transaction.
// Table and column names come from configuration, not user input; they are
// interpolated, values always travel as parameters.
type pgDimensions struct {
	tx pgx.Tx
}

// uniqueViolation is the PostgreSQL error code raised by the partial
// unique index enforcing one current row per business key
const uniqueViolation = "23505"

// CurrentVersion returns the single current version for a business key,
// locking it for the rest of the batch transaction so concurrent updates
// to the same key serialize instead of both expiring the same row.
func (d *pgDimensions) CurrentVersion(ctx context.Context, dim config.DimensionConfig, businessKey string) (*etl.DimensionVersion, error) {
	attrCols := attributeColumns(dim)
	cols := append([]string{dim.SurrogateKeyColumn, "effectivedate", "expirationdate"}, attrCols...)

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = $1 AND iscurrent FOR UPDATE`,
		strings.Join(cols, ", "), dim.Table, dim.BusinessKeyColumn)

	v := etl.DimensionVersion{
		BusinessKey: businessKey,
		Attributes:  make(map[string]interface{}, len(attrCols)),
		IsCurrent:   true,
	}
	attrValues := make([]interface{}, len(attrCols))
	scanTargets := []interface{}{&v.SurrogateKey, &v.EffectiveDate, &v.ExpirationDate}
	for i := range attrValues {
		scanTargets = append(scanTargets, &attrValues[i])
	}

	err := d.tx.QueryRow(ctx, query, businessKey).Scan(scanTargets...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query current %s row: %w", dim.Table, err)
	}
	for i, col := range attrCols {
		v.Attributes[col] = attrValues[i]
	}
	return &v, nil
}

// InsertVersion appends a new history version and returns its surrogate
// key, assigned by the table's sequence
func (d *pgDimensions) InsertVersion(ctx context.Context, dim config.DimensionConfig, v etl.DimensionVersion) (int64, error) {
	attrCols := attributeColumns(dim)

	cols := []string{dim.BusinessKeyColumn}
	args := []interface{}{v.BusinessKey}
	for _, col := range attrCols {
		cols = append(cols, col)
		args = append(args, v.Attributes[col])
	}
	cols = append(cols, "effectivedate", "expirationdate", "iscurrent")
	args = append(args, v.EffectiveDate, v.ExpirationDate, v.IsCurrent)

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`,
		dim.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), dim.SurrogateKeyColumn)

	var surrogateKey int64
	if err := d.tx.QueryRow(ctx, query, args...).Scan(&surrogateKey); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Another transaction created a current row for this key
			// between our lookup and insert
			return 0, etl.ConcurrencyConflict(dim.Name,
				fmt.Errorf("concurrent insert of current %s row for %s", dim.Name, v.BusinessKey))
		}
		return 0, fmt.Errorf("insert %s version: %w", dim.Table, err)
	}
	return surrogateKey, nil
}

// ExpireVersion closes a version's validity interval. The row is otherwise
// immutable from here on.
func (d *pgDimensions) ExpireVersion(ctx context.Context, dim config.DimensionConfig, surrogateKey int64, expiration time.Time) error {
	query := fmt.Sprintf(
		`UPDATE %s SET iscurrent = FALSE, expirationdate = $1 WHERE %s = $2 AND iscurrent`,
		dim.Table, dim.SurrogateKeyColumn)
	tag, err := d.tx.Exec(ctx, query, expiration, surrogateKey)
	if err != nil {
		return fmt.Errorf("expire %s version %d: %w", dim.Table, surrogateKey, err)
	}
	if tag.RowsAffected() == 0 {
		return etl.ConcurrencyConflict(dim.Name,
			fmt.Errorf("%s version %d was no longer current", dim.Name, surrogateKey))
	}
	return nil
}

// VersionAt resolves the version whose [effectivedate, expirationdate)
// interval contains asOf
func (d *pgDimensions) VersionAt(ctx context.Context, dim config.DimensionConfig, businessKey string, asOf time.Time) (*etl.DimensionVersion, error) {
	query := fmt.Sprintf(`
		SELECT %s, effectivedate, expirationdate, iscurrent FROM %s
		WHERE %s = $1
		  AND effectivedate <= $2
		  AND (expirationdate IS NULL OR expirationdate > $2)
		ORDER BY effectivedate DESC, %s DESC
		LIMIT 1`,
		dim.SurrogateKeyColumn, dim.Table, dim.BusinessKeyColumn, dim.SurrogateKeyColumn)

	v := etl.DimensionVersion{BusinessKey: businessKey}
	err := d.tx.QueryRow(ctx, query, businessKey, asOf).
		Scan(&v.SurrogateKey, &v.EffectiveDate, &v.ExpirationDate, &v.IsCurrent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("point-in-time query %s: %w", dim.Table, err)
	}
	return &v, nil
}

func attributeColumns(dim config.DimensionConfig) []string {
	cols := make([]string, 0, len(dim.Attributes))
	for _, a := range dim.Attributes {
		cols = append(cols, a.Column)
	}
	return cols
}
