package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formflow/formflow/core"
)

func TestChannelHandlerDeliversResponse(t *testing.T) {
	h := NewChannelHandler()
	ctx := context.Background()

	prompt := &ReviewPrompt{PromptID: "p1", RunID: "run-1", Prompt: "How does this look?"}
	require.NoError(t, h.NotifyPrompt(ctx, prompt))

	select {
	case p := <-h.Prompts():
		assert.Equal(t, "p1", p.PromptID)
	case <-time.After(time.Second):
		t.Fatal("prompt not surfaced")
	}

	go func() {
		_ = h.SubmitResponse(ctx, &HumanResponse{PromptID: "p1", Text: "OKAY"})
	}()

	resp, err := h.WaitForResponse(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "OKAY", resp.Text)
	assert.False(t, resp.SubmittedAt.IsZero())
}

func TestChannelHandlerRejectsUnknownPrompt(t *testing.T) {
	h := NewChannelHandler()
	err := h.SubmitResponse(context.Background(), &HumanResponse{PromptID: "never-issued", Text: "hello"})
	assert.ErrorIs(t, err, core.ErrStaleResponse)
}

func TestChannelHandlerRejectsDoubleSubmit(t *testing.T) {
	h := NewChannelHandler()
	ctx := context.Background()
	require.NoError(t, h.NotifyPrompt(ctx, &ReviewPrompt{PromptID: "p1"}))
	<-h.Prompts()

	require.NoError(t, h.SubmitResponse(ctx, &HumanResponse{PromptID: "p1", Text: "first"}))
	err := h.SubmitResponse(ctx, &HumanResponse{PromptID: "p1", Text: "second"})
	assert.ErrorIs(t, err, core.ErrStaleResponse)
}

func TestChannelHandlerWaitRespectsCancellation(t *testing.T) {
	h := NewChannelHandler()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.WaitForResponse(ctx, "p1")
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not return on cancellation")
	}
}

func TestHumanBoundaryStepPersistsAndAnswers(t *testing.T) {
	ctx := context.Background()
	h := NewChannelHandler()
	store := NewInMemoryReviewStore()
	step := NewHumanBoundaryStep(h, store, nil)

	rc := NewRunContext("run-1")
	req := InputRequiredEvent{Cycle: 1, PromptID: "p1", Prompt: "review this"}

	go func() {
		p := <-h.Prompts()
		_ = h.SubmitResponse(ctx, &HumanResponse{PromptID: p.PromptID, Text: "OKAY"})
	}()

	out, err := step.Handle(ctx, rc, req)
	require.NoError(t, err)
	require.Len(t, out, 1)

	resp := out[0].(HumanResponseEvent)
	assert.Equal(t, "p1", resp.PromptID)
	assert.Equal(t, "OKAY", resp.Text)
	assert.Equal(t, 1, resp.Cycle)

	// The store saw the full lifecycle: saved at suspension, answered after.
	saved, err := store.LoadPrompt(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "review this", saved.Prompt)
	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// storeBackedHandler plays both roles the way RedisReviewStore does:
// NotifyPrompt persists the prompt itself.
type storeBackedHandler struct {
	*InMemoryReviewStore
	*ChannelHandler
	saves int
}

func (s *storeBackedHandler) SavePrompt(ctx context.Context, p *ReviewPrompt) error {
	s.saves++
	return s.InMemoryReviewStore.SavePrompt(ctx, p)
}

func (s *storeBackedHandler) NotifyPrompt(ctx context.Context, p *ReviewPrompt) error {
	if err := s.SavePrompt(ctx, p); err != nil {
		return err
	}
	return s.ChannelHandler.NotifyPrompt(ctx, p)
}

func TestHumanBoundaryStepSavesOnceWhenStoreIsHandler(t *testing.T) {
	ctx := context.Background()
	combined := &storeBackedHandler{
		InMemoryReviewStore: NewInMemoryReviewStore(),
		ChannelHandler:      NewChannelHandler(),
	}
	step := NewHumanBoundaryStep(combined, combined, nil)
	rc := NewRunContext("run-1")

	go func() {
		p := <-combined.Prompts()
		_ = combined.SubmitResponse(ctx, &HumanResponse{PromptID: p.PromptID, Text: "OKAY"})
	}()

	out, err := step.Handle(ctx, rc, InputRequiredEvent{Cycle: 1, PromptID: "p1", Prompt: "review"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, combined.saves, "prompt persisted exactly once")

	saved, err := combined.LoadPrompt(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "review", saved.Prompt)
}

func TestInMemoryReviewStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryReviewStore()

	p := &ReviewPrompt{PromptID: "p1", RunID: "run-1", Prompt: "draft", CreatedAt: time.Now()}
	require.NoError(t, store.SavePrompt(ctx, p))

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.UpdatePromptStatus(ctx, "p1", PromptAnswered))
	pending, err = store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, store.DeletePrompt(ctx, "p1"))
	_, err = store.LoadPrompt(ctx, "p1")
	assert.Error(t, err)

	err = store.UpdatePromptStatus(ctx, "missing", PromptExpired)
	assert.ErrorIs(t, err, core.ErrStaleResponse)
}
