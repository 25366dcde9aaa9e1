package etl

import (
	"errors"
	"fmt"
)

// ErrorClass categorizes pipeline failures and drives the orchestrator's
// retry and rollback decisions.
type ErrorClass string

const (
	// ClassSourceUnavailable is transient: retried with backoff, bounded
	// attempts, then the run fails.
	ClassSourceUnavailable ErrorClass = "SourceUnavailable"
	// ClassSchemaDrift is non-retryable and halts the affected stream
	// until an operator intervenes.
	ClassSchemaDrift ErrorClass = "SchemaDrift"
	// ClassConcurrencyConflict means the watermark or a dimension row
	// moved under us; the batch is retried from a fresh read.
	ClassConcurrencyConflict ErrorClass = "ConcurrencyConflict"
	// ClassCommitFailure is a storage-level transaction failure; the run
	// rolls back fully and the watermark stays put.
	ClassCommitFailure ErrorClass = "CommitFailure"
	// ClassDimensionNotFound is per-record: the fact is rejected, the
	// batch continues.
	ClassDimensionNotFound ErrorClass = "DimensionNotFound"
)

// PipelineError carries the class alongside the underlying cause
type PipelineError struct {
	Class  ErrorClass
	Stream string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: stream %s: %v", e.Class, e.Stream, e.Err)
	}
	return fmt.Sprintf("%s: stream %s", e.Class, e.Stream)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is matches on error class so callers can use errors.Is with the
// sentinel values below.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// Sentinel values for errors.Is checks
var (
	ErrSourceUnavailable   = &PipelineError{Class: ClassSourceUnavailable}
	ErrSchemaDrift         = &PipelineError{Class: ClassSchemaDrift}
	ErrConcurrencyConflict = &PipelineError{Class: ClassConcurrencyConflict}
	ErrCommitFailure       = &PipelineError{Class: ClassCommitFailure}
	ErrDimensionNotFound   = &PipelineError{Class: ClassDimensionNotFound}
)

// SourceUnavailable wraps err as a transient source failure
func SourceUnavailable(stream string, err error) error {
	return &PipelineError{Class: ClassSourceUnavailable, Stream: stream, Err: err}
}

// SchemaDrift wraps err as a non-retryable source schema change
func SchemaDrift(stream string, err error) error {
	return &PipelineError{Class: ClassSchemaDrift, Stream: stream, Err: err}
}

// ConcurrencyConflict wraps err as watermark or row contention
func ConcurrencyConflict(stream string, err error) error {
	return &PipelineError{Class: ClassConcurrencyConflict, Stream: stream, Err: err}
}

// CommitFailure wraps err as a failed batch commit
func CommitFailure(stream string, err error) error {
	return &PipelineError{Class: ClassCommitFailure, Stream: stream, Err: err}
}

// DimensionNotFound reports that no dimension version covers the requested
// as-of date for the given business key.
func DimensionNotFound(dimension, businessKey string, asOf string) error {
	return &PipelineError{
		Class: ClassDimensionNotFound,
		Err:   fmt.Errorf("dimension %s has no version covering %s for key %s", dimension, asOf, businessKey),
	}
}

// ClassOf returns the error class, or empty string for unclassified errors
func ClassOf(err error) ErrorClass {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ""
}

// IsRetryable reports whether the orchestrator may retry the operation
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassSourceUnavailable, ClassConcurrencyConflict:
		return true
	default:
		return false
	}
}
