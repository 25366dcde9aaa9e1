package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
	"github.com/EkarshaSumajK/Airlines-data-analysis/etl"
)

// pgFacts implements etl.FactStorage over the batch transaction
type pgFacts struct {
	tx pgx.Tx
}

// Measures returns the stored measure values for a fact key, used by the
// loader to turn exact replays into no-ops
func (f *pgFacts) Measures(ctx context.Context, fact config.FactConfig, key string) (map[string]float64, bool, error) {
	cols := fact.MeasureColumns()
	if len(cols) == 0 {
		return nil, false, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`,
		strings.Join(cols, ", "), fact.Table, fact.KeyColumn)

	values := make([]*float64, len(cols))
	scanTargets := make([]interface{}, len(cols))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	err := f.tx.QueryRow(ctx, query, key).Scan(scanTargets...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query %s measures: %w", fact.Table, err)
	}

	measures := make(map[string]float64, len(cols))
	for i, col := range cols {
		if values[i] != nil {
			measures[col] = *values[i]
		}
	}
	return measures, true, nil
}

// Upsert writes a fact row keyed by its natural key: insert if absent,
// overwrite measures and flags if present. The identity columns (key, date
// key, dimension surrogate keys) are never updated; late-arriving
// corrections only touch measures.
func (f *pgFacts) Upsert(ctx context.Context, fact config.FactConfig, row etl.FactRow) error {
	cols := []string{fact.KeyColumn}
	args := []interface{}{row.Key}

	if fact.DateKeyColumn != "" {
		cols = append(cols, fact.DateKeyColumn)
		args = append(args, row.DateKey)
	}
	for _, col := range sortedKeys(row.DimensionKeys) {
		cols = append(cols, col)
		args = append(args, row.DimensionKeys[col])
	}

	var updatable []string
	for _, col := range sortedFloatKeys(row.Measures) {
		cols = append(cols, col)
		args = append(args, row.Measures[col])
		updatable = append(updatable, col)
	}
	for _, col := range sortedBoolKeys(row.Flags) {
		cols = append(cols, col)
		args = append(args, row.Flags[col])
		updatable = append(updatable, col)
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	assignments := make([]string, len(updatable))
	for i, col := range updatable {
		assignments[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		fact.Table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		fact.KeyColumn,
		strings.Join(assignments, ", "))

	if _, err := f.tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", fact.Table, err)
	}
	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFloatKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedBoolKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
