package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthServer exposes /health (JSON stream status) and /metrics
// (Prometheus) for operational tooling
type HealthServer struct {
	runner *Runner
	logger *zap.Logger
	server *http.Server
}

// NewHealthServer creates a health server on the given port
func NewHealthServer(runner *Runner, port string, logger *zap.Logger) *HealthServer {
	hs := &HealthServer{runner: runner, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	hs.server = &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return hs
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	streams := hs.runner.Snapshot()

	status := "healthy"
	for _, s := range streams {
		if s.Halted {
			status = "degraded"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"streams": streams,
	}); err != nil {
		hs.logger.Error("failed to encode health response", zap.Error(err))
	}
}

// Start blocks serving HTTP until Shutdown
func (hs *HealthServer) Start() error {
	hs.logger.Info("health server listening", zap.String("addr", hs.server.Addr))
	if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Shutdown stops the health server gracefully
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}
