package core

import (
	"context"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// AnswerService is the external retrieval-augmented answering capability the
// workflow engine orchestrates. Implementations own document parsing, indexing,
// retrieval, and text completion; the engine only sees this contract.
type AnswerService interface {
	// Ingest builds a queryable index from the source document.
	Ingest(ctx context.Context, document string) (IndexRef, error)

	// ExtractSchema derives the ordered list of fields the target form requires.
	ExtractSchema(ctx context.Context, form string, index IndexRef) ([]Field, error)

	// Query answers a single field question against the index. A non-nil
	// Refinement carries the prior answer plus human feedback for re-queries.
	Query(ctx context.Context, index IndexRef, q Question) (*Answer, error)

	// Classify judges free-text human feedback as a single categorical verdict.
	Classify(ctx context.Context, feedback string) (Verdict, error)
}

// FeedbackTargeter optionally names which fields a piece of feedback concerns.
// AnswerService implementations may provide it; the review step falls back to
// applying feedback to every field when the targeter is absent or names none.
type FeedbackTargeter interface {
	FeedbackTargets(ctx context.Context, feedback string, fields []Field) ([]string, error)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
