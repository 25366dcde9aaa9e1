package etl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
)

// ViewRefresher is the warehouse operation behind the periodic
// materialized-view refresh trigger
type ViewRefresher interface {
	RefreshMaterializedViews(ctx context.Context, views []string) error
}

// Runner schedules each stream's pipeline at its configured cadence.
// Distinct streams run concurrently without coordination; a stream never
// overlaps itself. A stream halted on schema drift is skipped until the
// service restarts.
type Runner struct {
	scheduler *gocron.Scheduler
	logger    *zap.Logger

	ctx context.Context

	mu       sync.RWMutex
	halted   map[string]string
	lastRuns map[string]RunAudit
	states   map[string]*Orchestrator
}

// NewRunner creates an empty runner
func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{
		scheduler: gocron.NewScheduler(time.UTC),
		logger:    logger,
		halted:    make(map[string]string),
		lastRuns:  make(map[string]RunAudit),
		states:    make(map[string]*Orchestrator),
	}
}

// AddStream schedules one stream's orchestrator at the stream cadence
func (r *Runner) AddStream(stream config.StreamConfig, orch *Orchestrator) error {
	interval, err := stream.CadenceInterval()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.states[stream.Name] = orch
	r.mu.Unlock()

	name := stream.Name
	_, err = r.scheduler.Every(interval).SingletonMode().Do(func() {
		r.runStream(name, orch)
	})
	return err
}

// AddRefreshJob schedules the periodic materialized-view refresh
func (r *Runner) AddRefreshJob(refresher ViewRefresher, cfg config.RefreshConfig) error {
	if !cfg.Enabled || len(cfg.Views) == 0 {
		return nil
	}
	_, err := r.scheduler.Every(cfg.Interval()).SingletonMode().Do(func() {
		if err := refresher.RefreshMaterializedViews(r.ctx, cfg.Views); err != nil {
			r.logger.Error("materialized view refresh failed", zap.Error(err))
			return
		}
		r.logger.Info("materialized views refreshed", zap.Strings("views", cfg.Views))
	})
	return err
}

func (r *Runner) runStream(name string, orch *Orchestrator) {
	r.mu.RLock()
	reason, isHalted := r.halted[name]
	r.mu.RUnlock()
	if isHalted {
		r.logger.Warn("stream halted, skipping scheduled run",
			zap.String("stream", name),
			zap.String("reason", reason))
		return
	}

	audit, err := orch.RunOnce(r.ctx)

	r.mu.Lock()
	r.lastRuns[name] = audit
	r.mu.Unlock()

	if err != nil && ClassOf(err) == ClassSchemaDrift {
		// Non-retryable: the source changed shape underneath us. Only this
		// stream stops; the rest keep running.
		r.mu.Lock()
		r.halted[name] = err.Error()
		r.mu.Unlock()
		streamHalted.WithLabelValues(name).Set(1)
		r.logger.Error("stream halted on schema drift, operator intervention required",
			zap.String("stream", name),
			zap.Error(err))
	}

	if err != nil && errors.Is(r.ctx.Err(), context.Canceled) {
		r.logger.Info("run aborted by shutdown", zap.String("stream", name))
	}
}

// Start launches the scheduler. ctx cancellation marks in-flight runs for
// rollback; streams are never interrupted between their own batches.
func (r *Runner) Start(ctx context.Context) {
	r.ctx = ctx
	r.scheduler.StartAsync()
	r.logger.Info("scheduler started", zap.Int("jobs", len(r.scheduler.Jobs())))
}

// Stop waits for running jobs and stops the scheduler
func (r *Runner) Stop() {
	r.scheduler.Stop()
	r.logger.Info("scheduler stopped")
}

// StreamStatus is one stream's entry in the health report
type StreamStatus struct {
	Stream    string   `json:"stream"`
	State     RunState `json:"state"`
	Halted    bool     `json:"halted"`
	HaltedFor string   `json:"halted_for,omitempty"`
	LastRunID string   `json:"last_run_id,omitempty"`
	LastState RunState `json:"last_run_state,omitempty"`
	Watermark Position `json:"watermark,omitempty"`
	Extracted int      `json:"extracted"`
	Rejected  int      `json:"rejected"`
}

// Snapshot reports the current status of every stream
func (r *Runner) Snapshot() []StreamStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]StreamStatus, 0, len(r.states))
	for name, orch := range r.states {
		status := StreamStatus{
			Stream: name,
			State:  orch.State(),
		}
		if reason, ok := r.halted[name]; ok {
			status.Halted = true
			status.HaltedFor = reason
		}
		if last, ok := r.lastRuns[name]; ok {
			status.LastRunID = last.RunID
			status.LastState = last.State
			status.Watermark = last.ToPosition
			status.Extracted = last.Extracted
			status.Rejected = last.Rejected
		}
		statuses = append(statuses, status)
	}
	return statuses
}
