package workflow

import (
	"context"
	"sync"

	"github.com/formflow/formflow/core"
)

// PromptStatus tracks the lifecycle of a persisted review prompt.
type PromptStatus string

const (
	PromptPending  PromptStatus = "pending"  // Awaiting human response
	PromptAnswered PromptStatus = "answered" // Response received
	PromptExpired  PromptStatus = "expired"  // Run ended without a response
)

// ReviewStore persists pending review prompts so an out-of-process reviewer
// (dashboard, bot, queue consumer) can list and answer them.
// Implementations: Redis (production), Memory (testing/embedded).
type ReviewStore interface {
	// SavePrompt persists a prompt at the suspension point.
	SavePrompt(ctx context.Context, p *ReviewPrompt) error

	// LoadPrompt retrieves a prompt by ID.
	LoadPrompt(ctx context.Context, promptID string) (*ReviewPrompt, error)

	// UpdatePromptStatus updates the status of a stored prompt.
	UpdatePromptStatus(ctx context.Context, promptID string, status PromptStatus) error

	// ListPending returns prompts awaiting a human response.
	ListPending(ctx context.Context) ([]*ReviewPrompt, error)

	// DeletePrompt removes a prompt after the run completes.
	DeletePrompt(ctx context.Context, promptID string) error
}

// InMemoryReviewStore is the ReviewStore used for tests and single-process
// embedding.
type InMemoryReviewStore struct {
	mu       sync.RWMutex
	prompts  map[string]*ReviewPrompt
	statuses map[string]PromptStatus
}

// NewInMemoryReviewStore creates an empty in-memory store.
func NewInMemoryReviewStore() *InMemoryReviewStore {
	return &InMemoryReviewStore{
		prompts:  make(map[string]*ReviewPrompt),
		statuses: make(map[string]PromptStatus),
	}
}

func (s *InMemoryReviewStore) SavePrompt(ctx context.Context, p *ReviewPrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.prompts[p.PromptID] = &cp
	s.statuses[p.PromptID] = PromptPending
	return nil
}

func (s *InMemoryReviewStore) LoadPrompt(ctx context.Context, promptID string) (*ReviewPrompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[promptID]
	if !ok {
		return nil, core.NewEngineError("reviewstore.LoadPrompt", "review", core.ErrStaleResponse)
	}
	cp := *p
	return &cp, nil
}

func (s *InMemoryReviewStore) UpdatePromptStatus(ctx context.Context, promptID string, status PromptStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[promptID]; !ok {
		return core.NewEngineError("reviewstore.UpdatePromptStatus", "review", core.ErrStaleResponse)
	}
	s.statuses[promptID] = status
	return nil
}

func (s *InMemoryReviewStore) ListPending(ctx context.Context) ([]*ReviewPrompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ReviewPrompt
	for id, p := range s.prompts {
		if s.statuses[id] == PromptPending {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryReviewStore) DeletePrompt(ctx context.Context, promptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prompts, promptID)
	delete(s.statuses, promptID)
	return nil
}
