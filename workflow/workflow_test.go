package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formflow/formflow/core"
)

// mockAnswerService is a scripted AnswerService with call tracking.
type mockAnswerService struct {
	mu            sync.Mutex
	ingestCalls   []string
	extractCalls  []string
	queryCalls    []core.Question
	classifyCalls []string

	ingestFn   func(document string) (core.IndexRef, error)
	extractFn  func(form string) ([]core.Field, error)
	queryFn    func(q core.Question) (*core.Answer, error)
	classifyFn func(feedback string) (core.Verdict, error)
}

func (m *mockAnswerService) Ingest(ctx context.Context, document string) (core.IndexRef, error) {
	m.mu.Lock()
	m.ingestCalls = append(m.ingestCalls, document)
	m.mu.Unlock()
	if m.ingestFn != nil {
		return m.ingestFn(document)
	}
	return core.IndexRef("idx-" + document), nil
}

func (m *mockAnswerService) ExtractSchema(ctx context.Context, form string, index core.IndexRef) ([]core.Field, error) {
	m.mu.Lock()
	m.extractCalls = append(m.extractCalls, form)
	m.mu.Unlock()
	if m.extractFn != nil {
		return m.extractFn(form)
	}
	return resumeFields(), nil
}

func (m *mockAnswerService) Query(ctx context.Context, index core.IndexRef, q core.Question) (*core.Answer, error) {
	m.mu.Lock()
	m.queryCalls = append(m.queryCalls, q)
	m.mu.Unlock()
	if m.queryFn != nil {
		return m.queryFn(q)
	}
	return resumeAnswer(q), nil
}

func (m *mockAnswerService) Classify(ctx context.Context, feedback string) (core.Verdict, error) {
	m.mu.Lock()
	m.classifyCalls = append(m.classifyCalls, feedback)
	m.mu.Unlock()
	if m.classifyFn != nil {
		return m.classifyFn(feedback)
	}
	if strings.EqualFold(strings.TrimSpace(feedback), "okay") {
		return core.VerdictOkay, nil
	}
	return core.VerdictFeedback, nil
}

func (m *mockAnswerService) queryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queryCalls)
}

func (m *mockAnswerService) refinedQueries() []core.Question {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Question
	for _, q := range m.queryCalls {
		if q.Refinement != nil {
			out = append(out, q)
		}
	}
	return out
}

// targetingService adds field targeting on top of the mock so tests can
// exercise the narrowed re-query path.
type targetingService struct {
	*mockAnswerService
	targetsFn func(feedback string, fields []core.Field) ([]string, error)
}

func (s *targetingService) FeedbackTargets(ctx context.Context, feedback string, fields []core.Field) ([]string, error) {
	if s.targetsFn != nil {
		return s.targetsFn(feedback, fields)
	}
	return nil, nil
}

func resumeFields() []core.Field {
	return []core.Field{
		{Name: "name", Description: "Applicant's full name", Required: true},
		{Name: "degree", Description: "Highest degree earned", Required: true},
		{Name: "institution", Description: "Degree-granting institution", Required: true},
	}
}

func resumeAnswer(q core.Question) *core.Answer {
	answers := map[string]string{
		"name":        "Jane Doe",
		"degree":      "BSc Physics",
		"institution": "MIT",
	}
	text := answers[q.Field.Name]
	if q.Refinement != nil && q.Field.Name == "degree" {
		text = "BSc Physics, MIT"
	}
	return &core.Answer{Field: q.Field.Name, Text: text, Sources: []string{"resume.pdf:p1"}}
}

// runAsync starts a run in a goroutine and returns the channels to drive it.
func runAsync(ctx context.Context, r *Runner, opts RunOptions) (<-chan *RunResult, <-chan error) {
	resultCh := make(chan *RunResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := r.Run(ctx, opts)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()
	return resultCh, errCh
}

func awaitPrompt(t *testing.T, handler *ChannelHandler) *ReviewPrompt {
	t.Helper()
	select {
	case p := <-handler.Prompts():
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for review prompt")
		return nil
	}
}

func reply(t *testing.T, handler *ChannelHandler, promptID, text string) {
	t.Helper()
	err := handler.SubmitResponse(context.Background(), &HumanResponse{PromptID: promptID, Text: text})
	require.NoError(t, err)
}

func TestRunApprovedFirstDraft(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := &mockAnswerService{}
	handler := NewChannelHandler()
	runner := NewRunner(svc, handler)

	resultCh, errCh := runAsync(ctx, runner, RunOptions{Document: "resume.pdf", Form: "application form"})

	prompt := awaitPrompt(t, handler)
	assert.Contains(t, prompt.Prompt, "Jane Doe")
	assert.Contains(t, prompt.Prompt, "BSc Physics")
	assert.Contains(t, prompt.Prompt, "MIT")
	assert.Contains(t, prompt.Prompt, "How does this look?")
	// The prompt only goes out once the full draft is assembled.
	assert.Equal(t, len(resumeFields()), svc.queryCount())

	reply(t, handler, prompt.PromptID, "OKAY")

	select {
	case result := <-resultCh:
		assert.Equal(t, 0, result.Cycles)
		assert.Len(t, result.Answers, 3)
		assert.Equal(t, "Jane Doe", result.Answers["name"].Text)
		assert.Equal(t, "BSc Physics", result.Answers["degree"].Text)
		assert.Equal(t, "MIT", result.Answers["institution"].Text)
	case err := <-errCh:
		t.Fatalf("run failed: %v", err)
	case <-ctx.Done():
		t.Fatal("run did not complete")
	}
}

func TestRunTargetedFeedbackRequeriesOneField(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := &targetingService{
		mockAnswerService: &mockAnswerService{},
		targetsFn: func(feedback string, fields []core.Field) ([]string, error) {
			if strings.Contains(feedback, "degree") {
				return []string{"degree"}, nil
			}
			return nil, nil
		},
	}
	handler := NewChannelHandler()
	runner := NewRunner(svc, handler)

	resultCh, errCh := runAsync(ctx, runner, RunOptions{Document: "resume.pdf", Form: "application form"})

	first := awaitPrompt(t, handler)
	reply(t, handler, first.PromptID, "The degree should also mention the institution it is from")

	second := awaitPrompt(t, handler)
	assert.NotEqual(t, first.PromptID, second.PromptID)
	assert.Contains(t, second.Prompt, "BSc Physics, MIT")
	// Untouched fields keep their first-cycle answers.
	assert.Contains(t, second.Prompt, "Jane Doe")

	refined := svc.refinedQueries()
	require.Len(t, refined, 1)
	assert.Equal(t, "degree", refined[0].Field.Name)
	assert.Equal(t, "BSc Physics", refined[0].Refinement.PriorAnswer)

	reply(t, handler, second.PromptID, "OKAY")

	select {
	case result := <-resultCh:
		assert.Equal(t, 1, result.Cycles)
		assert.Equal(t, "BSc Physics, MIT", result.Answers["degree"].Text)
		assert.Equal(t, "Jane Doe", result.Answers["name"].Text)
	case err := <-errCh:
		t.Fatalf("run failed: %v", err)
	case <-ctx.Done():
		t.Fatal("run did not complete")
	}
}

func TestRunBroadcastFeedbackWithoutTargeter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := &mockAnswerService{}
	handler := NewChannelHandler()
	runner := NewRunner(svc, handler)

	resultCh, errCh := runAsync(ctx, runner, RunOptions{Document: "resume.pdf", Form: "application form"})

	first := awaitPrompt(t, handler)
	reply(t, handler, first.PromptID, "Please double-check everything")

	second := awaitPrompt(t, handler)
	reply(t, handler, second.PromptID, "OKAY")

	select {
	case result := <-resultCh:
		assert.Equal(t, 1, result.Cycles)
	case err := <-errCh:
		t.Fatalf("run failed: %v", err)
	case <-ctx.Done():
		t.Fatal("run did not complete")
	}

	// Without a targeter the feedback fans out to every field.
	refined := svc.refinedQueries()
	assert.Len(t, refined, len(resumeFields()))
	for _, q := range refined {
		assert.Equal(t, "Please double-check everything", q.Refinement.Feedback)
	}
}

func TestRunClassificationFailureReprompts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var classifyAttempts int
	var classifyMu sync.Mutex
	svc := &mockAnswerService{
		classifyFn: func(feedback string) (core.Verdict, error) {
			classifyMu.Lock()
			classifyAttempts++
			n := classifyAttempts
			classifyMu.Unlock()
			if n == 1 {
				return "", fmt.Errorf("model returned garbage: %w", core.ErrServiceUnavailable)
			}
			return core.VerdictOkay, nil
		},
	}
	handler := NewChannelHandler()
	runner := NewRunner(svc, handler)

	resultCh, errCh := runAsync(ctx, runner, RunOptions{Document: "resume.pdf", Form: "application form"})

	first := awaitPrompt(t, handler)
	reply(t, handler, first.PromptID, "looks good")

	// The failed classification re-issues the same prompt under a new ID.
	second := awaitPrompt(t, handler)
	assert.NotEqual(t, first.PromptID, second.PromptID)
	assert.Equal(t, first.Prompt, second.Prompt)

	reply(t, handler, second.PromptID, "looks good")

	select {
	case result := <-resultCh:
		assert.Equal(t, 0, result.Cycles)
	case err := <-errCh:
		t.Fatalf("run failed: %v", err)
	case <-ctx.Done():
		t.Fatal("run did not complete")
	}
}

func TestRunIterationCapAborts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := &mockAnswerService{}
	handler := NewChannelHandler()
	runner := NewRunner(svc, handler, WithMaxIterations(1))

	_, errCh := runAsync(ctx, runner, RunOptions{Document: "resume.pdf", Form: "application form"})

	first := awaitPrompt(t, handler)
	reply(t, handler, first.PromptID, "change it")

	second := awaitPrompt(t, handler)
	reply(t, handler, second.PromptID, "still wrong")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, core.ErrIterationLimit)
	case <-ctx.Done():
		t.Fatal("run did not abort")
	}
}

func TestRunIngestionFailureIsFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc := &mockAnswerService{
		ingestFn: func(document string) (core.IndexRef, error) {
			return "", errors.New("unreadable PDF")
		},
	}
	runner := NewRunner(svc, NewChannelHandler())

	_, err := runner.Run(ctx, RunOptions{Document: "resume.pdf", Form: "application form"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrIngestionFailed)
	assert.Equal(t, 0, svc.queryCount())
}

func TestRunEmptyDocumentRejected(t *testing.T) {
	ctx := context.Background()
	svc := &mockAnswerService{}
	runner := NewRunner(svc, NewChannelHandler())

	_, err := runner.Run(ctx, RunOptions{Document: "", Form: "application form"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrIngestionFailed)

	_, err = runner.Run(ctx, RunOptions{Document: "resume.pdf", Form: ""})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrIngestionFailed)
}

func TestRunCancellationAbortsInFlightQueries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	svc := &mockAnswerService{
		queryFn: func(q core.Question) (*core.Answer, error) {
			<-release
			return resumeAnswer(q), nil
		},
	}
	runner := NewRunner(svc, NewChannelHandler())

	_, errCh := runAsync(ctx, runner, RunOptions{Document: "resume.pdf", Form: "application form"})

	// Let the fan-out begin, then pull the plug.
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not abort the run")
	}
}

func TestRunTransientQueryFailureRetries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var failMu sync.Mutex
	failed := make(map[string]bool)
	svc := &mockAnswerService{
		queryFn: func(q core.Question) (*core.Answer, error) {
			failMu.Lock()
			defer failMu.Unlock()
			if q.Field.Name == "degree" && !failed["degree"] {
				failed["degree"] = true
				return nil, fmt.Errorf("rate limited: %w", core.ErrServiceUnavailable)
			}
			return resumeAnswer(q), nil
		},
	}
	handler := NewChannelHandler()
	retry := RetryConfig{MaxAttempts: 3, Backoff: BackoffFixed, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	runner := NewRunner(svc, handler, WithQueryRetry(retry))

	resultCh, errCh := runAsync(ctx, runner, RunOptions{Document: "resume.pdf", Form: "application form"})

	prompt := awaitPrompt(t, handler)
	reply(t, handler, prompt.PromptID, "OKAY")

	select {
	case result := <-resultCh:
		assert.Equal(t, "BSc Physics", result.Answers["degree"].Text)
	case err := <-errCh:
		t.Fatalf("run failed: %v", err)
	case <-ctx.Done():
		t.Fatal("run did not complete")
	}
}
