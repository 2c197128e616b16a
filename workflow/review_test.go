package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formflow/formflow/core"
)

func draftReady(rc *RunContext) DraftReadyEvent {
	return DraftReadyEvent{Cycle: rc.Cycle(), Answers: rc.Draft().Snapshot()}
}

func seedDraft(t *testing.T, rc *RunContext) {
	t.Helper()
	rc.SetFields(resumeFields())
	cycle := rc.BeginCycle(3)
	for _, a := range []*core.Answer{
		{Field: "name", Text: "Jane Doe"},
		{Field: "degree", Text: "BSc Physics"},
		{Field: "institution", Text: "MIT"},
	} {
		if _, _, err := rc.RecordAnswer(cycle, a); err != nil {
			t.Fatal(err)
		}
	}
}

func TestReviewStepPromptThenFinalize(t *testing.T) {
	ctx := context.Background()
	svc := &mockAnswerService{}
	step := NewReviewStep(svc, 0, nil)
	rc := NewRunContext("run-1")
	seedDraft(t, rc)

	out, err := step.Handle(ctx, rc, draftReady(rc))
	require.NoError(t, err)
	require.Len(t, out, 1)
	req := out[0].(InputRequiredEvent)
	assert.NotEmpty(t, req.PromptID)
	assert.Equal(t, StateAwaitingHumanInput, step.State())

	out, err = step.Handle(ctx, rc, HumanResponseEvent{Cycle: req.Cycle, PromptID: req.PromptID, Text: "OKAY"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	stop := out[0].(StopEvent)
	assert.Equal(t, "Jane Doe", stop.Answers["name"].Text)
	assert.Equal(t, 0, stop.Cycles)
	assert.Equal(t, StateFinalized, step.State())
}

func TestReviewStepIgnoresStalePromptResponse(t *testing.T) {
	ctx := context.Background()
	svc := &mockAnswerService{}
	step := NewReviewStep(svc, 0, nil)
	rc := NewRunContext("run-1")
	seedDraft(t, rc)

	out, err := step.Handle(ctx, rc, draftReady(rc))
	require.NoError(t, err)
	req := out[0].(InputRequiredEvent)

	// A response for some other prompt leaves the machine untouched.
	out, err = step.Handle(ctx, rc, HumanResponseEvent{Cycle: req.Cycle, PromptID: "stale-id", Text: "OKAY"})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, StateAwaitingHumanInput, step.State())
	assert.Empty(t, svc.classifyCalls)
}

func TestReviewStepIgnoresDraftOutsideAwaiting(t *testing.T) {
	ctx := context.Background()
	step := NewReviewStep(&mockAnswerService{}, 0, nil)
	rc := NewRunContext("run-1")
	seedDraft(t, rc)

	out, err := step.Handle(ctx, rc, draftReady(rc))
	require.NoError(t, err)
	require.Len(t, out, 1)

	// A second draft while a prompt is outstanding is dropped.
	out, err = step.Handle(ctx, rc, draftReady(rc))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReviewStepFeedbackFansOutRefinedQueries(t *testing.T) {
	ctx := context.Background()
	svc := &mockAnswerService{}
	step := NewReviewStep(svc, 0, nil)
	rc := NewRunContext("run-1")
	seedDraft(t, rc)

	out, err := step.Handle(ctx, rc, draftReady(rc))
	require.NoError(t, err)
	req := out[0].(InputRequiredEvent)

	out, err = step.Handle(ctx, rc, HumanResponseEvent{Cycle: req.Cycle, PromptID: req.PromptID, Text: "add detail"})
	require.NoError(t, err)
	require.Len(t, out, len(resumeFields()))
	for _, ev := range out {
		q := ev.(QueryEvent)
		require.NotNil(t, q.Refinement)
		assert.Equal(t, "add detail", q.Refinement.Feedback)
		assert.NotEmpty(t, q.Refinement.PriorAnswer)
		assert.Equal(t, rc.Cycle(), q.Cycle)
	}
	assert.Equal(t, StateAwaitingDraft, step.State())
	assert.Equal(t, 1, rc.Iterations())
}

func TestFormatDraftPromptOrderAndSources(t *testing.T) {
	fields := resumeFields()
	answers := map[string]core.Answer{
		"name":        {Field: "name", Text: "Jane Doe", Sources: []string{"resume.pdf:p1"}},
		"degree":      {Field: "degree", Text: "BSc Physics"},
		"institution": {Field: "institution", Text: "MIT"},
	}
	prompt := FormatDraftPrompt(fields, answers)

	assert.Contains(t, prompt, "Field: name\nAnswer: Jane Doe")
	assert.Contains(t, prompt, "Sources: resume.pdf:p1")
	assert.Contains(t, prompt, "How does this look?")
	// Fields render in form order.
	assert.Less(t, strings.Index(prompt, "Jane Doe"), strings.Index(prompt, "BSc Physics"))
	assert.Less(t, strings.Index(prompt, "BSc Physics"), strings.Index(prompt, "MIT"))
}
