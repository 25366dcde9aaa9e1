package etl

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
)

// Position is the last-processed position in a source stream. It is opaque
// to everything except the extractor that produced it: a timestamp, a
// monotonic id or a filename, encoded as text.
type Position string

// RawRecord is one change record pulled from a source system
type RawRecord map[string]interface{}

// GetString returns a field as a string
func (r RawRecord) GetString(field string) (string, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// GetFloat returns a numeric field as a float64
func (r RawRecord) GetFloat(field string) (float64, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// GetBool returns a boolean field
func (r RawRecord) GetBool(field string) (bool, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, false
		}
		return parsed, true
	default:
		return false, false
	}
}

// GetTime returns a timestamp field. Accepts time.Time values and the
// common textual encodings produced by the source extractors.
func (r RawRecord) GetTime(field string) (time.Time, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// Rejection is a record excluded from the load, paired with a reason code.
// Rejections are a normal outcome consumed by the audit trail, not errors.
type Rejection struct {
	RecordKey string       `json:"record_key"`
	Reason    RejectReason `json:"reason"`
	Detail    string       `json:"detail"`
}

// RejectReason classifies why a record was excluded
type RejectReason string

const (
	ReasonMissingField           RejectReason = "MissingField"
	ReasonRangeViolation         RejectReason = "RangeViolation"
	ReasonInvalidReference       RejectReason = "InvalidReference"
	ReasonArrivalBeforeDeparture RejectReason = "ArrivalBeforeDeparture"
	ReasonSeatsExceedCapacity    RejectReason = "SeatsExceedCapacity"
	ReasonBadValue               RejectReason = "BadValue"
	ReasonDimensionNotFound      RejectReason = "DimensionNotFound"
)

// RunState is one state of the orchestrator's per-batch state machine
type RunState string

const (
	StateIdle       RunState = "Idle"
	StateExtracting RunState = "Extracting"
	StateValidating RunState = "Validating"
	StateMerging    RunState = "Merging"
	StateLoading    RunState = "Loading"
	StateCommitting RunState = "Committing"
	StateCommitted  RunState = "Committed"
	StateRolledBack RunState = "RolledBack"
)

// RunAudit is the immutable record of one pipeline run
type RunAudit struct {
	RunID        string
	Stream       string
	StartedAt    time.Time
	FinishedAt   time.Time
	State        RunState
	FromPosition Position
	ToPosition   Position
	Extracted    int
	Accepted     int
	Rejected     int
	Inserted     int
	Updated      int
	NoOps        int
	Rejections   []Rejection
	Error        string
}

// DimensionVersion is one history version of a dimension row. Versions are
// append-only: expiring a version sets ExpirationDate and IsCurrent, nothing
// else is ever updated in place.
type DimensionVersion struct {
	SurrogateKey   int64
	BusinessKey    string
	Attributes     map[string]interface{}
	EffectiveDate  time.Time
	ExpirationDate *time.Time
	IsCurrent      bool
}

// FactRow is one fully resolved fact ready for upsert
type FactRow struct {
	Key           string
	DateKey       int64
	DimensionKeys map[string]int64
	Measures      map[string]float64
	Flags         map[string]bool
}

// Extractor pulls raw change records from a source system since the given
// position. Each call is finite and restartable from any watermark.
type Extractor interface {
	Pull(ctx context.Context, since Position) ([]RawRecord, Position, error)
}

// DimensionStorage is the warehouse contract the merge engine runs against.
// CurrentVersion must lock the returned row for the remainder of the batch
// transaction so concurrent updates to one business key are serialized.
type DimensionStorage interface {
	CurrentVersion(ctx context.Context, dim config.DimensionConfig, businessKey string) (*DimensionVersion, error)
	InsertVersion(ctx context.Context, dim config.DimensionConfig, v DimensionVersion) (int64, error)
	ExpireVersion(ctx context.Context, dim config.DimensionConfig, surrogateKey int64, expiration time.Time) error
	VersionAt(ctx context.Context, dim config.DimensionConfig, businessKey string, asOf time.Time) (*DimensionVersion, error)
}

// FactStorage is the warehouse contract the fact loader runs against
type FactStorage interface {
	Measures(ctx context.Context, fact config.FactConfig, key string) (map[string]float64, bool, error)
	Upsert(ctx context.Context, fact config.FactConfig, row FactRow) error
}

// Batch is one warehouse transaction spanning dimension merge, fact load
// and the watermark advance. Either everything in the batch commits or
// nothing does.
type Batch interface {
	Dimensions() DimensionStorage
	Facts() FactStorage
	// AdvanceWatermark performs a compare-and-swap on the stream's
	// watermark version and fails with ErrConcurrencyConflict if another
	// run advanced it since expectedVersion was read.
	AdvanceWatermark(ctx context.Context, streamID string, pos Position, expectedVersion int64) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Warehouse is the transactional write interface of the target warehouse
type Warehouse interface {
	GetWatermark(ctx context.Context, streamID string) (Position, int64, error)
	Begin(ctx context.Context) (Batch, error)
	// WriteAudit appends a run record outside any batch transaction so
	// failed runs are recorded too.
	WriteAudit(ctx context.Context, audit RunAudit) error
	// DateRange reports the interval covered by the Date dimension
	DateRange(ctx context.Context) (time.Time, time.Time, error)
}

// DateKeyFor encodes a calendar day as the YYYYMMDD key used by DimDate
func DateKeyFor(t time.Time) int64 {
	return int64(t.Year())*10000 + int64(t.Month())*100 + int64(t.Day())
}
