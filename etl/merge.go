package etl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
)

// MergeOutcome reports what an SCD merge did for one business key
type MergeOutcome int

const (
	// MergeNoChange means the tracked attributes matched the current version
	MergeNoChange MergeOutcome = iota
	// MergeInserted means the business key was new
	MergeInserted
	// MergeVersioned means the current version was expired and replaced
	MergeVersioned
)

// MergeEngine applies SCD Type 2 versioning against a dimension storage.
// It exclusively owns surrogate-key assignment and the current/expired
// transition; fact loading only ever reads through SurrogateKeyFor.
//
// The expire+insert pair runs inside the batch transaction and the storage
// locks the current row, so no reader can observe zero or two current
// versions for a business key.
type MergeEngine struct {
	store  DimensionStorage
	logger *zap.Logger
	now    func() time.Time
}

// NewMergeEngine creates a merge engine bound to one batch's storage
func NewMergeEngine(store DimensionStorage, logger *zap.Logger) *MergeEngine {
	return &MergeEngine{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the engine's notion of today. Used by tests and by
// replays that need change detection pinned to the extraction date.
func (e *MergeEngine) WithClock(now func() time.Time) *MergeEngine {
	e.now = now
	return e
}

// Merge resolves businessKey against the dimension's current version and
// applies the SCD Type 2 algorithm:
//
//  1. no current version: insert a new one, effective today, open-ended
//  2. current version with identical tracked attributes: no-op
//  3. current version with changed tracked attributes: expire it as of
//     today and insert a new version with a fresh surrogate key
//
// When the same business key is merged twice in one batch, the later call
// sees the earlier call's version as current and supersedes it:
// last-writer-wins in extraction order.
func (e *MergeEngine) Merge(ctx context.Context, dim config.DimensionConfig, businessKey string, attrs map[string]interface{}) (MergeOutcome, int64, error) {
	today := dateOnly(e.now())

	current, err := e.store.CurrentVersion(ctx, dim, businessKey)
	if err != nil {
		return MergeNoChange, 0, fmt.Errorf("lookup current %s version for %s: %w", dim.Name, businessKey, err)
	}

	if current == nil {
		sk, err := e.store.InsertVersion(ctx, dim, DimensionVersion{
			BusinessKey:   businessKey,
			Attributes:    attrs,
			EffectiveDate: today,
			IsCurrent:     true,
		})
		if err != nil {
			return MergeNoChange, 0, fmt.Errorf("insert new %s version for %s: %w", dim.Name, businessKey, err)
		}
		e.logger.Debug("dimension key created",
			zap.String("dimension", dim.Name),
			zap.String("business_key", businessKey),
			zap.Int64("surrogate_key", sk))
		return MergeInserted, sk, nil
	}

	if !trackedChanged(dim, current.Attributes, attrs) {
		return MergeNoChange, current.SurrogateKey, nil
	}

	// A new version's effective date never precedes its predecessor's
	if today.Before(dateOnly(current.EffectiveDate)) {
		return MergeNoChange, 0, fmt.Errorf("%s version for %s would be effective %s, before current %s",
			dim.Name, businessKey, today.Format("2006-01-02"), current.EffectiveDate.Format("2006-01-02"))
	}

	if err := e.store.ExpireVersion(ctx, dim, current.SurrogateKey, today); err != nil {
		return MergeNoChange, 0, fmt.Errorf("expire %s version %d: %w", dim.Name, current.SurrogateKey, err)
	}

	sk, err := e.store.InsertVersion(ctx, dim, DimensionVersion{
		BusinessKey:   businessKey,
		Attributes:    mergeAttributes(current.Attributes, attrs),
		EffectiveDate: today,
		IsCurrent:     true,
	})
	if err != nil {
		return MergeNoChange, 0, fmt.Errorf("insert replacement %s version for %s: %w", dim.Name, businessKey, err)
	}

	e.logger.Info("dimension version superseded",
		zap.String("dimension", dim.Name),
		zap.String("business_key", businessKey),
		zap.Int64("expired_key", current.SurrogateKey),
		zap.Int64("surrogate_key", sk))
	return MergeVersioned, sk, nil
}

// SurrogateKeyFor resolves the version whose [EffectiveDate, ExpirationDate)
// interval contains asOf. A miss is ErrDimensionNotFound, which the fact
// loader turns into a rejected record rather than a fatal error.
func (e *MergeEngine) SurrogateKeyFor(ctx context.Context, dim config.DimensionConfig, businessKey string, asOf time.Time) (int64, error) {
	v, err := e.store.VersionAt(ctx, dim, businessKey, dateOnly(asOf))
	if err != nil {
		return 0, fmt.Errorf("point-in-time lookup %s for %s: %w", dim.Name, businessKey, err)
	}
	if v == nil {
		return 0, DimensionNotFound(dim.Name, businessKey, asOf.Format("2006-01-02"))
	}
	return v.SurrogateKey, nil
}

// trackedChanged compares only the tracked attribute subset
func trackedChanged(dim config.DimensionConfig, existing, candidate map[string]interface{}) bool {
	for _, col := range dim.TrackedColumns() {
		cand, ok := candidate[col]
		if !ok {
			// Candidate does not carry this attribute; not a change
			continue
		}
		if !attributeEqual(existing[col], cand) {
			return true
		}
	}
	return false
}

// attributeEqual compares values across the loose typing of raw records
// (a source may deliver 42, "42" or 42.0 for the same column)
func attributeEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// mergeAttributes overlays candidate attributes on the existing version so
// attributes absent from a partial update carry forward
func mergeAttributes(existing, candidate map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(candidate))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range candidate {
		merged[k] = v
	}
	return merged
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
