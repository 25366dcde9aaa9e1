// Package source implements the pull side of the pipeline: one Extractor
// per source system, each restartable from any watermark position.
package source

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
	"github.com/EkarshaSumajK/Airlines-data-analysis/etl"
)

// New builds the extractor for a stream from its source configuration
func New(ctx context.Context, stream config.StreamConfig, logger *zap.Logger) (etl.Extractor, error) {
	switch stream.Source.Type {
	case "sql":
		return NewSQLExtractor(ctx, stream.Name, stream.Source, logger)
	case "http":
		return NewWeatherExtractor(stream.Name, stream.Source, logger), nil
	case "csv":
		return NewCSVExtractor(stream.Name, stream.Source, logger), nil
	default:
		return nil, fmt.Errorf("stream %s: unsupported source type %q", stream.Name, stream.Source.Type)
	}
}
