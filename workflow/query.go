package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/formflow/formflow/core"
	"github.com/formflow/formflow/telemetry"
)

// FanOutStep opens the first query cycle: one QueryEvent per extracted field.
// Feedback re-loops are fanned out by the review step instead, so this step
// only ever fires once per run.
type FanOutStep struct {
	logger core.Logger
}

// NewFanOutStep creates the fan-out step.
func NewFanOutStep(logger core.Logger) *FanOutStep {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &FanOutStep{logger: logger}
}

func (s *FanOutStep) Name() string          { return "fanout" }
func (s *FanOutStep) Consumes() []EventType { return []EventType{EventFieldList} }
func (s *FanOutStep) Emits() []EventType    { return []EventType{EventQuery} }

func (s *FanOutStep) Handle(ctx context.Context, rc *RunContext, ev Event) ([]Event, error) {
	list := ev.(FieldListEvent)
	cycle := rc.BeginCycle(len(list.Fields))

	telemetry.AddSpanEvent(ctx, "query_fanout",
		attribute.String("run_id", rc.RunID),
		attribute.Int("cycle", cycle),
		attribute.Int("query_count", len(list.Fields)),
	)
	s.logger.Info("Dispatching field queries", map[string]interface{}{
		"run_id":      rc.RunID,
		"cycle":       cycle,
		"query_count": len(list.Fields),
	})

	out := make([]Event, 0, len(list.Fields))
	for _, f := range list.Fields {
		out = append(out, QueryEvent{Cycle: cycle, Field: f})
	}
	return out, nil
}

// AnswerStep answers one field query against the index. Queries for distinct
// fields carry no ordering dependency; the bus runs them concurrently.
// Transient service failures are retried independently per field.
type AnswerStep struct {
	svc    core.AnswerService
	retry  RetryConfig
	logger core.Logger
}

// NewAnswerStep creates the per-field answer step.
func NewAnswerStep(svc core.AnswerService, retry RetryConfig, logger core.Logger) *AnswerStep {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &AnswerStep{svc: svc, retry: retry, logger: logger}
}

func (s *AnswerStep) Name() string          { return "answer" }
func (s *AnswerStep) Consumes() []EventType { return []EventType{EventQuery} }
func (s *AnswerStep) Emits() []EventType    { return []EventType{EventFieldAnswered} }

func (s *AnswerStep) Handle(ctx context.Context, rc *RunContext, ev Event) ([]Event, error) {
	query := ev.(QueryEvent)

	var answer *core.Answer
	var err error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		answer, err = s.svc.Query(ctx, rc.Index(), core.Question{
			Field:      query.Field,
			Refinement: query.Refinement,
		})
		if err == nil {
			break
		}
		if !core.IsRetryable(err) {
			break
		}
		s.logger.Warn("Field query attempt failed", map[string]interface{}{
			"run_id":       rc.RunID,
			"field":        query.Field.Name,
			"cycle":        query.Cycle,
			"attempt":      attempt,
			"max_attempts": s.retry.MaxAttempts,
			"error":        err.Error(),
		})
		if attempt < s.retry.MaxAttempts {
			if werr := sleepCtx(ctx, s.retry.Wait(attempt)); werr != nil {
				return nil, werr
			}
		}
	}
	if err != nil {
		return nil, &core.EngineError{
			Op:   "answer.Handle",
			Kind: "query",
			ID:   query.Field.Name,
			Err:  fmt.Errorf("field query: %w", err),
		}
	}
	if answer.Field == "" {
		answer.Field = query.Field.Name
	}

	s.logger.Debug("Field answered", map[string]interface{}{
		"run_id": rc.RunID,
		"field":  answer.Field,
		"cycle":  query.Cycle,
	})

	return []Event{FieldAnsweredEvent{Cycle: query.Cycle, Answer: answer}}, nil
}

// FanInStep is the deterministic barrier: it merges answers into the draft
// and emits DraftReadyEvent exactly once per cycle, when the number of
// distinct fields answered equals the number dispatched. Answers arriving for
// stale cycles are dropped; duplicates overwrite but are not double-counted.
type FanInStep struct {
	logger core.Logger
}

// NewFanInStep creates the fan-in barrier step.
func NewFanInStep(logger core.Logger) *FanInStep {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &FanInStep{logger: logger}
}

func (s *FanInStep) Name() string          { return "fanin" }
func (s *FanInStep) Consumes() []EventType { return []EventType{EventFieldAnswered} }
func (s *FanInStep) Emits() []EventType    { return []EventType{EventDraftReady} }

func (s *FanInStep) Handle(ctx context.Context, rc *RunContext, ev Event) ([]Event, error) {
	answered := ev.(FieldAnsweredEvent)

	complete, stale, err := rc.RecordAnswer(answered.Cycle, answered.Answer)
	if err != nil {
		return nil, &core.EngineError{Op: "fanin.Handle", Kind: "fanin", ID: rc.RunID, Err: err}
	}
	if stale {
		s.logger.Warn("Dropping answer for stale cycle", map[string]interface{}{
			"run_id":        rc.RunID,
			"field":         answered.Answer.Field,
			"answer_cycle":  answered.Cycle,
			"current_cycle": rc.Cycle(),
		})
		return nil, nil
	}
	if !complete {
		return nil, nil
	}

	telemetry.AddSpanEvent(ctx, "fanin_complete",
		attribute.String("run_id", rc.RunID),
		attribute.Int("cycle", answered.Cycle),
		attribute.Int("answered", rc.Draft().Len()),
	)
	s.logger.Info("All field queries collected", map[string]interface{}{
		"run_id": rc.RunID,
		"cycle":  answered.Cycle,
		"fields": rc.Draft().Len(),
	})

	return []Event{DraftReadyEvent{Cycle: answered.Cycle, Answers: rc.Draft().Snapshot()}}, nil
}
