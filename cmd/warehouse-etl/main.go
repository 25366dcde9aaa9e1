package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
	"github.com/EkarshaSumajK/Airlines-data-analysis/etl"
	"github.com/EkarshaSumajK/Airlines-data-analysis/source"
	"github.com/EkarshaSumajK/Airlines-data-analysis/warehouse"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := buildLogger(cfg.Service.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting warehouse ETL",
		zap.String("service", cfg.Service.Name),
		zap.String("config", *configPath),
		zap.Int("streams", len(cfg.Streams)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := warehouse.Open(ctx, cfg.Warehouse, logger)
	if err != nil {
		logger.Fatal("failed to open warehouse", zap.Error(err))
	}
	defer db.Close()

	if err := db.InitControlTables(ctx); err != nil {
		logger.Fatal("failed to initialize control tables", zap.Error(err))
	}

	runner := etl.NewRunner(logger)
	for _, stream := range cfg.Streams {
		dims, err := resolveDimensions(cfg, stream)
		if err != nil {
			logger.Fatal("failed to resolve dimensions", zap.String("stream", stream.Name), zap.Error(err))
		}
		extractor, err := source.New(ctx, stream, logger)
		if err != nil {
			logger.Fatal("failed to build extractor", zap.String("stream", stream.Name), zap.Error(err))
		}
		orch := etl.NewOrchestrator(stream, dims, db, extractor, cfg.Retry, logger)
		if err := runner.AddStream(stream, orch); err != nil {
			logger.Fatal("failed to schedule stream", zap.String("stream", stream.Name), zap.Error(err))
		}
		logger.Info("stream scheduled",
			zap.String("stream", stream.Name),
			zap.String("kind", stream.Kind),
			zap.String("cadence", stream.Cadence))
	}
	if err := runner.AddRefreshJob(db, cfg.Refresh); err != nil {
		logger.Fatal("failed to schedule view refresh", zap.Error(err))
	}

	health := etl.NewHealthServer(runner, cfg.Service.HealthPort, logger)
	go func() {
		if err := health.Start(); err != nil {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	runner.Start(ctx)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	runner.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	return zapCfg.Build()
}

// resolveDimensions collects every dimension a stream touches, keyed by name
func resolveDimensions(cfg *config.Config, stream config.StreamConfig) (map[string]config.DimensionConfig, error) {
	dims := make(map[string]config.DimensionConfig)
	if stream.Kind == "dimension" {
		d, ok := cfg.DimensionByName(stream.Dimension)
		if !ok {
			return nil, errUnknownDimension(stream.Dimension)
		}
		dims[stream.Dimension] = d
	}
	for _, ref := range stream.Fact.DimensionRefs {
		d, ok := cfg.DimensionByName(ref.Dimension)
		if !ok {
			return nil, errUnknownDimension(ref.Dimension)
		}
		dims[ref.Dimension] = d
	}
	return dims, nil
}

type errUnknownDimension string

func (e errUnknownDimension) Error() string {
	return "unknown dimension " + string(e)
}
