package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/formflow/formflow/core"
	"github.com/formflow/formflow/telemetry"
)

// RunOptions is the configuration surface passed in at start. The engine does
// not interpret Document/Form beyond handing them to the ingestion and schema
// steps.
type RunOptions struct {
	// Document is the source to extract answers from (e.g. a resume).
	Document string
	// Form is the target form: a document for LLM schema extraction or a
	// .yaml form profile.
	Form string
}

// RunResult is the run's terminal artifact: the finalized answer per field,
// consumable by downstream form-filling tooling.
type RunResult struct {
	RunID    string
	Answers  map[string]core.Answer
	Cycles   int
	Duration time.Duration
}

// Runner owns the run lifecycle: it wires the steps onto a bus, seeds the
// StartEvent, tracks feedback iterations, and materializes the final draft on
// StopEvent. One Runner serves any number of concurrent runs; all per-run
// state lives in the RunContext.
type Runner struct {
	svc           core.AnswerService
	handler       HumanHandler
	store         ReviewStore
	logger        core.Logger
	workers       int
	maxIterations int
	schemaRetry   RetryConfig
	queryRetry    RetryConfig
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger core.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMaxIterations caps the number of feedback loops. Exceeding the cap
// fails the run; 0 disables the cap.
func WithMaxIterations(n int) RunnerOption {
	return func(r *Runner) {
		r.maxIterations = n
	}
}

// WithWorkers sets the dispatch worker pool size.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithReviewStore persists pending review prompts for external reviewers.
func WithReviewStore(store ReviewStore) RunnerOption {
	return func(r *Runner) {
		r.store = store
	}
}

// WithSchemaRetry overrides the schema extraction retry budget.
func WithSchemaRetry(cfg RetryConfig) RunnerOption {
	return func(r *Runner) {
		r.schemaRetry = cfg
	}
}

// WithQueryRetry overrides the per-field query retry budget.
func WithQueryRetry(cfg RetryConfig) RunnerOption {
	return func(r *Runner) {
		r.queryRetry = cfg
	}
}

// NewRunner creates a run controller over an AnswerService and a human
// boundary transport.
func NewRunner(svc core.AnswerService, handler HumanHandler, opts ...RunnerOption) *Runner {
	r := &Runner{
		svc:         svc,
		handler:     handler,
		logger:      &core.NoOpLogger{},
		workers:     defaultBusWorkers,
		schemaRetry: DefaultRetryConfig(),
		queryRetry:  DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one document-to-form run to completion. It returns when the
// human approves the draft (finalized answers), a fatal error occurs, or the
// context is cancelled. Cancellation aborts all in-flight field queries and
// discards partial draft state.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	rc := NewRunContext(uuid.New().String())
	start := time.Now()

	telemetry.SetSpanAttributes(ctx,
		attribute.String("formflow.run.id", rc.RunID),
		attribute.String("formflow.run.document", opts.Document),
		attribute.String("formflow.run.form", opts.Form),
	)
	telemetry.AddSpanEvent(ctx, "run_started",
		attribute.String("run_id", rc.RunID),
	)
	r.logger.Info("Starting run", map[string]interface{}{
		"run_id":   rc.RunID,
		"document": opts.Document,
		"form":     opts.Form,
	})

	bus, err := r.composeBus()
	if err != nil {
		return nil, err
	}

	stop, err := bus.Run(ctx, rc, StartEvent{Document: opts.Document, Form: opts.Form})
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		telemetry.AddSpanEvent(ctx, "run_failed",
			attribute.String("run_id", rc.RunID),
			attribute.String("error", err.Error()),
		)
		r.logger.Error(r.failureMessage(err), map[string]interface{}{
			"run_id":     rc.RunID,
			"iterations": rc.Iterations(),
			"error":      err.Error(),
		})
		return nil, err
	}

	result := &RunResult{
		RunID:    rc.RunID,
		Answers:  stop.Answers,
		Cycles:   stop.Cycles,
		Duration: time.Since(start),
	}

	telemetry.AddSpanEvent(ctx, "run_completed",
		attribute.String("run_id", rc.RunID),
		attribute.Int("feedback_cycles", result.Cycles),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	r.logger.Info("Run completed", map[string]interface{}{
		"run_id":          rc.RunID,
		"fields":          len(result.Answers),
		"feedback_cycles": result.Cycles,
		"duration_ms":     result.Duration.Milliseconds(),
	})

	return result, nil
}

// composeBus registers the step set and validates the routing table.
func (r *Runner) composeBus() (*Bus, error) {
	bus := NewBus(r.logger, WithBusWorkers(r.workers))
	steps := []Step{
		NewIngestStep(r.svc, r.logger),
		NewSchemaStep(r.svc, r.schemaRetry, r.logger),
		NewFanOutStep(r.logger),
		NewAnswerStep(r.svc, r.queryRetry, r.logger),
		NewFanInStep(r.logger),
		NewReviewStep(r.svc, r.maxIterations, r.logger),
		NewHumanBoundaryStep(r.handler, r.store, r.logger),
	}
	for _, s := range steps {
		if err := bus.Register(s); err != nil {
			return nil, err
		}
	}
	if err := bus.Validate(); err != nil {
		return nil, err
	}
	return bus, nil
}

// failureMessage distinguishes the two terminal failure classes surfaced to
// the user.
func (r *Runner) failureMessage(err error) string {
	if errors.Is(err, core.ErrIterationLimit) {
		return "Run aborted: exceeded feedback iterations"
	}
	return "Run failed: document/form could not be processed"
}
