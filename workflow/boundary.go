package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/formflow/formflow/core"
	"github.com/formflow/formflow/telemetry"
)

// ReviewPrompt is the outbound half of the human I/O boundary: one formatted
// draft awaiting free-text feedback.
type ReviewPrompt struct {
	PromptID  string    `json:"prompt_id"`
	RunID     string    `json:"run_id"`
	Cycle     int       `json:"cycle"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
}

// HumanResponse is the inbound half: the reviewer's free-text reply to a
// specific prompt.
type HumanResponse struct {
	PromptID    string    `json:"prompt_id"`
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// HumanHandler manages human notification and response collection. It is the
// transport extension point: console, web form, chat bot, and message queue
// transports all satisfy it.
type HumanHandler interface {
	// NotifyPrompt delivers a pending prompt to the human. The implementation
	// decides HOW (print, webhook, queue message).
	NotifyPrompt(ctx context.Context, p *ReviewPrompt) error

	// WaitForResponse blocks until the human answers the given prompt or the
	// context is cancelled. There is no timeout by default; this wait crosses
	// a process boundary to a human.
	WaitForResponse(ctx context.Context, promptID string) (*HumanResponse, error)

	// SubmitResponse delivers a human reply, unblocking WaitForResponse.
	// Called by whatever transport carries the human's answer.
	SubmitResponse(ctx context.Context, r *HumanResponse) error
}

// HumanBoundaryStep adapts the handler into the event protocol. Handling an
// InputRequiredEvent is the system's one true suspension point: the worker
// yields here until the external actor replies.
type HumanBoundaryStep struct {
	handler HumanHandler
	store   ReviewStore // optional; persists pending prompts
	logger  core.Logger

	// storeIsHandler marks the store and handler as the same object (Redis
	// serves both roles); its NotifyPrompt already persists, so the explicit
	// save would write the prompt twice.
	storeIsHandler bool
}

// NewHumanBoundaryStep creates the boundary step. store may be nil.
func NewHumanBoundaryStep(handler HumanHandler, store ReviewStore, logger core.Logger) *HumanBoundaryStep {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &HumanBoundaryStep{
		handler:        handler,
		store:          store,
		logger:         logger,
		storeIsHandler: interface{}(store) == interface{}(handler),
	}
}

func (s *HumanBoundaryStep) Name() string          { return "human_boundary" }
func (s *HumanBoundaryStep) Consumes() []EventType { return []EventType{EventInputRequired} }
func (s *HumanBoundaryStep) Emits() []EventType    { return []EventType{EventHumanResponse} }

func (s *HumanBoundaryStep) Handle(ctx context.Context, rc *RunContext, ev Event) ([]Event, error) {
	req := ev.(InputRequiredEvent)
	prompt := &ReviewPrompt{
		PromptID:  req.PromptID,
		RunID:     rc.RunID,
		Cycle:     req.Cycle,
		Prompt:    req.Prompt,
		CreatedAt: time.Now(),
	}

	if s.store != nil && !s.storeIsHandler {
		if err := s.store.SavePrompt(ctx, prompt); err != nil {
			return nil, fmt.Errorf("saving review prompt: %w", err)
		}
	}
	if err := s.handler.NotifyPrompt(ctx, prompt); err != nil {
		return nil, fmt.Errorf("notifying reviewer: %w", err)
	}

	telemetry.AddSpanEvent(ctx, "review_prompted",
		attribute.String("run_id", rc.RunID),
		attribute.String("prompt_id", req.PromptID),
		attribute.Int("cycle", req.Cycle),
	)
	s.logger.Info("Awaiting human input", map[string]interface{}{
		"run_id":    rc.RunID,
		"prompt_id": req.PromptID,
		"cycle":     req.Cycle,
	})

	resp, err := s.handler.WaitForResponse(ctx, req.PromptID)
	if err != nil {
		return nil, fmt.Errorf("waiting for human response: %w", err)
	}

	if s.store != nil {
		if err := s.store.UpdatePromptStatus(ctx, req.PromptID, PromptAnswered); err != nil {
			s.logger.Warn("Failed to mark prompt answered", map[string]interface{}{
				"prompt_id": req.PromptID,
				"error":     err.Error(),
			})
		}
	}

	return []Event{HumanResponseEvent{
		Cycle:    req.Cycle,
		PromptID: req.PromptID,
		Text:     resp.Text,
	}}, nil
}

// ChannelHandler is the in-process HumanHandler used for embedding and tests:
// prompts surface on Prompts(), responses arrive via SubmitResponse.
type ChannelHandler struct {
	mu      sync.Mutex
	waiters map[string]chan *HumanResponse
	prompts chan *ReviewPrompt
}

// NewChannelHandler creates an in-process handler.
func NewChannelHandler() *ChannelHandler {
	return &ChannelHandler{
		waiters: make(map[string]chan *HumanResponse),
		prompts: make(chan *ReviewPrompt, 8),
	}
}

// Prompts exposes notified prompts to the embedding application.
func (h *ChannelHandler) Prompts() <-chan *ReviewPrompt {
	return h.prompts
}

func (h *ChannelHandler) NotifyPrompt(ctx context.Context, p *ReviewPrompt) error {
	h.mu.Lock()
	if _, exists := h.waiters[p.PromptID]; !exists {
		h.waiters[p.PromptID] = make(chan *HumanResponse, 1)
	}
	h.mu.Unlock()

	select {
	case h.prompts <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ChannelHandler) WaitForResponse(ctx context.Context, promptID string) (*HumanResponse, error) {
	h.mu.Lock()
	ch, exists := h.waiters[promptID]
	if !exists {
		ch = make(chan *HumanResponse, 1)
		h.waiters[promptID] = ch
	}
	h.mu.Unlock()

	select {
	case resp := <-ch:
		h.mu.Lock()
		delete(h.waiters, promptID)
		h.mu.Unlock()
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *ChannelHandler) SubmitResponse(ctx context.Context, r *HumanResponse) error {
	h.mu.Lock()
	ch, exists := h.waiters[r.PromptID]
	h.mu.Unlock()
	if !exists {
		return fmt.Errorf("prompt %s: %w", r.PromptID, core.ErrStaleResponse)
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now()
	}
	select {
	case ch <- r:
		return nil
	default:
		return fmt.Errorf("prompt %s already answered: %w", r.PromptID, core.ErrStaleResponse)
	}
}
