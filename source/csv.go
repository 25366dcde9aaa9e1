package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
	"github.com/EkarshaSumajK/Airlines-data-analysis/etl"
)

// CSVExtractor pulls flat extract files dropped into a directory, one file
// per delivery, named so lexical order matches delivery order (the cargo
// system exports cargo_20240310_0215.csv and the like). The watermark is
// the last fully consumed filename; each Pull consumes at most one file so
// a failed batch re-reads the same file.
type CSVExtractor struct {
	stream string
	cfg    config.SourceConfig
	logger *zap.Logger
}

// NewCSVExtractor creates an extractor over the configured directory
func NewCSVExtractor(stream string, cfg config.SourceConfig, logger *zap.Logger) *CSVExtractor {
	return &CSVExtractor{stream: stream, cfg: cfg, logger: logger}
}

// Pull reads the next unconsumed extract file, if any
func (e *CSVExtractor) Pull(ctx context.Context, since etl.Position) ([]etl.RawRecord, etl.Position, error) {
	entries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		return nil, "", etl.SourceUnavailable(e.stream, fmt.Errorf("read extract dir: %w", err))
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		if entry.Name() > string(since) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, since, nil
	}
	sort.Strings(names)
	next := names[0]

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	records, err := e.readFile(filepath.Join(e.cfg.Dir, next))
	if err != nil {
		return nil, "", err
	}

	e.logger.Debug("consumed extract file",
		zap.String("stream", e.stream),
		zap.String("file", next),
		zap.Int("count", len(records)))
	return records, etl.Position(next), nil
}

func (e *CSVExtractor) readFile(path string) ([]etl.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, etl.SourceUnavailable(e.stream, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, etl.SchemaDrift(e.stream, fmt.Errorf("read header of %s: %w", filepath.Base(path), err))
	}

	columns := make(map[string]bool, len(header))
	for _, col := range header {
		columns[col] = true
	}
	for _, required := range e.cfg.RequiredColumns {
		if !columns[required] {
			return nil, etl.SchemaDrift(e.stream,
				fmt.Errorf("extract %s missing expected column %q", filepath.Base(path), required))
		}
	}

	var records []etl.RawRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A row the producer cannot even serialize means the extract is
			// malformed, not that one record is bad. Failing the pull keeps
			// the watermark on the previous file so no row is skipped.
			return nil, etl.SchemaDrift(e.stream,
				fmt.Errorf("parse extract %s: %w", filepath.Base(path), err))
		}
		rec := make(etl.RawRecord, len(header))
		for i, col := range header {
			if i >= len(row) {
				break
			}
			rec[col] = coerce(row[i])
		}
		records = append(records, rec)
	}
	return records, nil
}

// coerce maps CSV text onto the loosely typed raw record values the rest of
// the pipeline expects: numbers, booleans, empty-as-nil, otherwise text
func coerce(s string) interface{} {
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
