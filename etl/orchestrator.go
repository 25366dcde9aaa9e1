package etl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
)

// Orchestrator sequences one stream's pipeline:
//
//	Idle → Extracting → Validating → Merging → Loading → Committing
//	     → {Committed, RolledBack} → Idle
//
// One warehouse transaction spans Merging through Committing, with the
// watermark compare-and-swap as its last write. Any unrecoverable error in
// that span rolls the whole batch back, so the watermark never advances
// past uncommitted data and the next run safely re-extracts the window.
type Orchestrator struct {
	stream    config.StreamConfig
	dims      map[string]config.DimensionConfig
	wh        Warehouse
	extractor Extractor
	retry     config.RetryConfig
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.RWMutex
	state RunState
}

// NewOrchestrator wires the pipeline for one stream. dims must hold the
// stream's target dimension (dimension streams) or every referenced
// dimension (fact streams), keyed by dimension name.
func NewOrchestrator(stream config.StreamConfig, dims map[string]config.DimensionConfig, wh Warehouse, extractor Extractor, retry config.RetryConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		stream:    stream,
		dims:      dims,
		wh:        wh,
		extractor: extractor,
		retry:     retry,
		logger:    logger.With(zap.String("stream", stream.Name)),
		now:       time.Now,
		state:     StateIdle,
	}
}

// WithClock pins the orchestrator's clock, used by tests
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// State returns the current state of the run state machine
func (o *Orchestrator) State() RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) transition(next RunState) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.mu.Unlock()
	o.logger.Debug("state transition",
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
}

// RunOnce executes one batch for the stream. An audit record is written for
// every run, whatever the outcome. Watermark conflicts retry the batch from
// a fresh read, bounded by retry.batch_retries.
func (o *Orchestrator) RunOnce(ctx context.Context) (RunAudit, error) {
	started := o.now()
	audit := RunAudit{
		RunID:     uuid.NewString(),
		Stream:    o.stream.Name,
		StartedAt: started,
	}

	var runErr error
	for attempt := 1; ; attempt++ {
		runErr = o.runBatch(ctx, &audit)
		if runErr == nil {
			break
		}
		if ClassOf(runErr) == ClassConcurrencyConflict && attempt < o.retry.BatchRetries {
			o.logger.Warn("batch conflict, retrying from fresh watermark",
				zap.Int("attempt", attempt),
				zap.Error(runErr))
			audit.resetCounts()
			continue
		}
		break
	}

	audit.FinishedAt = o.now()
	if runErr != nil {
		audit.State = StateRolledBack
		audit.Error = runErr.Error()
		o.logger.Error("run failed",
			zap.String("run_id", audit.RunID),
			zap.String("class", string(ClassOf(runErr))),
			zap.Error(runErr))
	} else {
		audit.State = StateCommitted
		o.logger.Info("run committed",
			zap.String("run_id", audit.RunID),
			zap.Int("extracted", audit.Extracted),
			zap.Int("inserted", audit.Inserted),
			zap.Int("updated", audit.Updated),
			zap.Int("noops", audit.NoOps),
			zap.Int("rejected", audit.Rejected),
			zap.String("watermark", string(audit.ToPosition)))
	}
	o.transition(audit.State)

	// The audit write must survive the cancellation that failed the run
	if err := o.wh.WriteAudit(context.WithoutCancel(ctx), audit); err != nil {
		o.logger.Error("failed to write audit record", zap.Error(err))
	}
	observeRun(audit, audit.FinishedAt.Sub(started).Seconds())

	o.transition(StateIdle)
	return audit, runErr
}

func (a *RunAudit) resetCounts() {
	a.Extracted, a.Accepted, a.Rejected = 0, 0, 0
	a.Inserted, a.Updated, a.NoOps = 0, 0, 0
	a.Rejections = nil
	a.FromPosition, a.ToPosition = "", ""
	a.Error = ""
}

func (o *Orchestrator) runBatch(ctx context.Context, audit *RunAudit) error {
	pos, version, err := o.wh.GetWatermark(ctx, o.stream.Name)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	audit.FromPosition = pos

	o.transition(StateExtracting)
	records, newPos, err := o.extract(ctx, pos)
	if err != nil {
		return err
	}
	audit.Extracted = len(records)
	audit.ToPosition = newPos

	if len(records) == 0 {
		// Nothing new since the watermark; no transaction needed
		return nil
	}

	o.transition(StateValidating)
	dateInRange, err := o.dateChecker(ctx)
	if err != nil {
		return fmt.Errorf("load Date dimension range: %w", err)
	}
	validator := NewValidator(o.stream, dateInRange, o.logger)
	accepted, rejections := validator.Validate(records)
	audit.Accepted = len(accepted)
	audit.Rejections = append(audit.Rejections, rejections...)

	batch, err := o.wh.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := batch.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				o.logger.Error("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	engine := NewMergeEngine(batch.Dimensions(), o.logger).WithClock(o.now)

	o.transition(StateMerging)
	if o.stream.Kind == "dimension" {
		if err := o.mergeDimension(ctx, engine, accepted, audit); err != nil {
			return err
		}
	}

	o.transition(StateLoading)
	if o.stream.Kind == "fact" {
		loader, err := NewFactLoader(o.stream, o.dims, engine, batch.Facts(), validator, o.logger)
		if err != nil {
			return err
		}
		result, err := loader.Load(ctx, accepted)
		audit.Inserted += result.Inserted
		audit.Updated += result.Updated
		audit.NoOps += result.NoOps
		audit.Rejections = append(audit.Rejections, result.Rejections...)
		if err != nil {
			return fmt.Errorf("fact load: %w", err)
		}
	}
	audit.Rejected = len(audit.Rejections)
	audit.Accepted = audit.Extracted - audit.Rejected

	// Mid-batch cancellation is a failure requiring rollback, never a
	// partial commit
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled: %w", err)
	}

	o.transition(StateCommitting)
	if err := batch.AdvanceWatermark(ctx, o.stream.Name, newPos, version); err != nil {
		return err
	}
	if err := batch.Commit(ctx); err != nil {
		return CommitFailure(o.stream.Name, err)
	}
	committed = true
	return nil
}

func (o *Orchestrator) mergeDimension(ctx context.Context, engine *MergeEngine, records []RawRecord, audit *RunAudit) error {
	dim := o.dims[o.stream.Dimension]
	for _, rec := range records {
		businessKey, ok := rec.GetString(o.stream.KeyField)
		if !ok {
			audit.Rejections = append(audit.Rejections, Rejection{
				Reason: ReasonMissingField,
				Detail: fmt.Sprintf("business key field %s is missing", o.stream.KeyField),
			})
			continue
		}
		attrs := make(map[string]interface{}, len(dim.Attributes))
		for _, a := range dim.Attributes {
			if val, present := rec[a.Field]; present && val != nil {
				attrs[a.Column] = val
			}
		}
		outcome, _, err := engine.Merge(ctx, dim, businessKey, attrs)
		if err != nil {
			return fmt.Errorf("dimension merge: %w", err)
		}
		switch outcome {
		case MergeInserted:
			audit.Inserted++
		case MergeVersioned:
			audit.Updated++
		case MergeNoChange:
			audit.NoOps++
		}
	}
	return nil
}

// extract pulls from the source, retrying transient failures with
// exponential backoff. Schema drift and other permanent failures surface
// immediately.
func (o *Orchestrator) extract(ctx context.Context, since Position) ([]RawRecord, Position, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.retry.InitialBackoff()
	bo.MaxInterval = o.retry.MaxBackoff()
	bo.MaxElapsedTime = 0

	var policy backoff.BackOff = backoff.WithMaxRetries(bo, uint64(o.retry.MaxAttempts-1))
	policy = backoff.WithContext(policy, ctx)

	var records []RawRecord
	var newPos Position
	attempt := 0
	operation := func() error {
		attempt++
		recs, p, err := o.extractor.Pull(ctx, since)
		if err != nil {
			if ClassOf(err) == ClassSourceUnavailable {
				o.logger.Warn("source unavailable, will retry",
					zap.Int("attempt", attempt),
					zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		records, newPos = recs, p
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, "", err
	}
	return records, newPos, nil
}

// dateChecker loads the Date dimension's covered interval once per run
func (o *Orchestrator) dateChecker(ctx context.Context) (func(time.Time) bool, error) {
	if len(o.stream.Validation.DateFields) == 0 {
		return nil, nil
	}
	min, max, err := o.wh.DateRange(ctx)
	if err != nil {
		return nil, err
	}
	return func(t time.Time) bool {
		d := dateOnly(t)
		return !d.Before(dateOnly(min)) && !d.After(dateOnly(max))
	}, nil
}
