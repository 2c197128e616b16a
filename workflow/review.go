package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/formflow/formflow/core"
	"github.com/formflow/formflow/telemetry"
)

// ReviewState is the human review step's state machine position.
type ReviewState string

const (
	StateAwaitingDraft      ReviewState = "awaiting_draft"
	StateAwaitingHumanInput ReviewState = "awaiting_human_input"
	StateClassifying        ReviewState = "classifying_feedback"
	StateFinalized          ReviewState = "finalized"
)

// ReviewStep runs the human feedback state machine:
//
//	AWAITING_DRAFT -> AWAITING_HUMAN_INPUT -> CLASSIFYING_FEEDBACK
//	    -> FINALIZED (verdict OKAY)
//	    -> AWAITING_DRAFT (verdict FEEDBACK, re-queries fanned out)
//
// Only one prompt is outstanding at a time; responses for any other prompt
// are ignored. A classification failure re-prompts rather than aborting.
type ReviewStep struct {
	svc           core.AnswerService
	targeter      core.FeedbackTargeter // optional; nil means broadcast feedback
	maxIterations int                   // 0 disables the cap
	logger        core.Logger

	mu         sync.Mutex
	state      ReviewState
	promptID   string
	lastPrompt string
}

// NewReviewStep creates the review state machine. If svc also implements
// core.FeedbackTargeter it is used to narrow re-queries to the fields the
// feedback names; otherwise feedback is applied to every field.
func NewReviewStep(svc core.AnswerService, maxIterations int, logger core.Logger) *ReviewStep {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	targeter, _ := svc.(core.FeedbackTargeter)
	return &ReviewStep{
		svc:           svc,
		targeter:      targeter,
		maxIterations: maxIterations,
		logger:        logger,
		state:         StateAwaitingDraft,
	}
}

func (s *ReviewStep) Name() string { return "review" }
func (s *ReviewStep) Consumes() []EventType {
	return []EventType{EventDraftReady, EventHumanResponse}
}
func (s *ReviewStep) Emits() []EventType {
	return []EventType{EventInputRequired, EventQuery, EventStop}
}

// State reports the current machine position.
func (s *ReviewStep) State() ReviewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ReviewStep) Handle(ctx context.Context, rc *RunContext, ev Event) ([]Event, error) {
	switch e := ev.(type) {
	case DraftReadyEvent:
		return s.handleDraft(ctx, rc, e)
	case HumanResponseEvent:
		return s.handleResponse(ctx, rc, e)
	default:
		return nil, fmt.Errorf("review step cannot handle %q", ev.Type())
	}
}

func (s *ReviewStep) handleDraft(ctx context.Context, rc *RunContext, ev DraftReadyEvent) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingDraft {
		s.logger.Warn("Draft arrived outside AWAITING_DRAFT, ignoring", map[string]interface{}{
			"run_id": rc.RunID,
			"cycle":  ev.Cycle,
			"state":  string(s.state),
		})
		return nil, nil
	}

	prompt := FormatDraftPrompt(rc.Fields(), ev.Answers)
	s.promptID = uuid.New().String()
	s.lastPrompt = prompt
	s.state = StateAwaitingHumanInput

	return []Event{InputRequiredEvent{
		Cycle:    ev.Cycle,
		PromptID: s.promptID,
		Prompt:   prompt,
	}}, nil
}

func (s *ReviewStep) handleResponse(ctx context.Context, rc *RunContext, ev HumanResponseEvent) ([]Event, error) {
	s.mu.Lock()
	if s.state != StateAwaitingHumanInput || ev.PromptID != s.promptID {
		s.mu.Unlock()
		s.logger.Warn("Ignoring human response for stale prompt", map[string]interface{}{
			"run_id":    rc.RunID,
			"prompt_id": ev.PromptID,
			"state":     string(s.state),
		})
		return nil, nil
	}
	s.state = StateClassifying
	s.mu.Unlock()

	verdict, err := s.svc.Classify(ctx, ev.Text)
	if err != nil {
		// Classification failure is recoverable: re-prompt the human rather
		// than silently finalizing or discarding their feedback.
		s.logger.Warn("Feedback classification failed, re-prompting", map[string]interface{}{
			"run_id": rc.RunID,
			"cycle":  ev.Cycle,
			"error":  err.Error(),
		})
		telemetry.RecordSpanError(ctx, err)
		return s.reprompt(ev.Cycle), nil
	}

	telemetry.AddSpanEvent(ctx, "feedback_classified",
		attribute.String("run_id", rc.RunID),
		attribute.Int("cycle", ev.Cycle),
		attribute.String("verdict", string(verdict)),
	)
	s.logger.Info("Feedback classified", map[string]interface{}{
		"run_id":  rc.RunID,
		"cycle":   ev.Cycle,
		"verdict": string(verdict),
	})

	if verdict == core.VerdictOkay {
		s.mu.Lock()
		s.state = StateFinalized
		s.mu.Unlock()
		return []Event{StopEvent{
			Answers: rc.Draft().Freeze(),
			Cycles:  rc.Iterations(),
		}}, nil
	}

	iterations := rc.IncIterations()
	if s.maxIterations > 0 && iterations > s.maxIterations {
		return nil, &core.EngineError{
			Op:   "review.Handle",
			Kind: "review",
			ID:   rc.RunID,
			Err:  fmt.Errorf("after %d feedback cycles: %w", iterations-1, core.ErrIterationLimit),
		}
	}

	targets := s.resolveTargets(ctx, rc, ev.Text)
	cycle := rc.BeginCycle(len(targets))

	s.logger.Info("Re-querying fields from feedback", map[string]interface{}{
		"run_id":      rc.RunID,
		"cycle":       cycle,
		"iteration":   iterations,
		"field_count": len(targets),
	})

	out := make([]Event, 0, len(targets))
	for _, f := range targets {
		prior, _ := rc.Draft().Get(f.Name)
		out = append(out, QueryEvent{
			Cycle: cycle,
			Field: f,
			Refinement: &core.Refinement{
				PriorAnswer: prior.Text,
				Feedback:    ev.Text,
			},
		})
	}

	s.mu.Lock()
	s.state = StateAwaitingDraft
	s.mu.Unlock()
	return out, nil
}

// reprompt re-issues the last prompt under a fresh prompt ID.
func (s *ReviewStep) reprompt(cycle int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptID = uuid.New().String()
	s.state = StateAwaitingHumanInput
	return []Event{InputRequiredEvent{
		Cycle:    cycle,
		PromptID: s.promptID,
		Prompt:   s.lastPrompt,
	}}
}

// resolveTargets maps feedback to the fields it concerns. When no field can
// be identified the feedback applies to every field.
func (s *ReviewStep) resolveTargets(ctx context.Context, rc *RunContext, feedback string) []core.Field {
	fields := rc.Fields()
	if s.targeter == nil {
		return fields
	}

	names, err := s.targeter.FeedbackTargets(ctx, feedback, fields)
	if err != nil {
		s.logger.Warn("Feedback targeting failed, applying to all fields", map[string]interface{}{
			"run_id": rc.RunID,
			"error":  err.Error(),
		})
		return fields
	}

	byName := make(map[string]core.Field, len(fields))
	for _, f := range fields {
		byName[strings.ToLower(f.Name)] = f
	}
	var targets []core.Field
	for _, n := range names {
		if f, ok := byName[strings.ToLower(strings.TrimSpace(n))]; ok {
			targets = append(targets, f)
		}
	}
	if len(targets) == 0 {
		return fields
	}
	return targets
}

// FormatDraftPrompt renders the draft as the human-readable review prompt.
func FormatDraftPrompt(fields []core.Field, answers map[string]core.Answer) string {
	var sb strings.Builder
	sb.WriteString("We've filled in your form. Here are the results:\n\n")
	for _, f := range fields {
		a := answers[f.Name]
		fmt.Fprintf(&sb, "Field: %s\nAnswer: %s\n", f.Name, a.Text)
		if len(a.Sources) > 0 {
			fmt.Fprintf(&sb, "Sources: %s\n", strings.Join(a.Sources, "; "))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("How does this look? Give me any feedback you have on any of the answers.")
	return sb.String()
}
