package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Routing errors
	ErrNoConsumer    = errors.New("no step consumes event type")
	ErrDuplicateStep = errors.New("step already registered")

	// Ingestion and schema errors
	ErrIngestionFailed = errors.New("document ingestion failed")
	ErrSchemaInvalid   = errors.New("schema extraction returned invalid fields")
	ErrFormEmpty       = errors.New("form has no fields")

	// Run lifecycle errors
	ErrIterationLimit = errors.New("feedback iteration limit exceeded")
	ErrRunFinalized   = errors.New("run already finalized")
	ErrStaleResponse  = errors.New("human response targets a stale review cycle")

	// Service errors
	ErrServiceUnavailable = errors.New("answer service unavailable")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// EngineError provides structured error information with context
// It implements the error interface and supports error wrapping
type EngineError struct {
	Op      string // Operation that failed (e.g., "bus.Dispatch")
	Kind    string // Error kind (e.g., "routing", "ingest", "review")
	ID      string // Optional ID of the entity involved (run, field, prompt)
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are transient service failures or malformed extraction
// output that a bounded re-invocation may fix.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrSchemaInvalid)
}

// IsFatal checks if an error terminates the run with no valid result
func IsFatal(err error) bool {
	return errors.Is(err, ErrNoConsumer) ||
		errors.Is(err, ErrIngestionFailed) ||
		errors.Is(err, ErrIterationLimit) ||
		errors.Is(err, ErrMaxRetriesExceeded)
}
