package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/formflow/formflow/core"
	"github.com/formflow/formflow/telemetry"
)

// Service is the retrieval-augmented answer backend: it ingests documents
// into lexical indexes, derives form schemas, answers per-field questions
// against retrieved passages, and classifies review feedback. It implements
// core.AnswerService and core.FeedbackTargeter.
type Service struct {
	llm    LLMClient
	store  IndexStore // optional; nil disables persistence
	topK   int
	logger core.Logger

	mu      sync.RWMutex
	indexes map[core.IndexRef]*Index
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithIndexStore persists built indexes so repeat runs against the same
// document skip re-ingestion.
func WithIndexStore(store IndexStore) ServiceOption {
	return func(s *Service) {
		s.store = store
	}
}

// WithTopK sets how many passages ground each field answer.
func WithTopK(k int) ServiceOption {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithServiceLogger sets the service's logger.
func WithServiceLogger(logger core.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates an answer service over the given completion client.
func NewService(llm LLMClient, opts ...ServiceOption) *Service {
	s := &Service{
		llm:     llm,
		topK:    defaultTopK,
		logger:  &core.NoOpLogger{},
		indexes: make(map[core.IndexRef]*Index),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest builds (or reloads) the retrieval index for the document. The
// document argument is a file path when such a file exists, otherwise it is
// treated as inline text.
func (s *Service) Ingest(ctx context.Context, document string) (core.IndexRef, error) {
	if s.store != nil {
		cached, err := s.store.Load(document)
		if err != nil {
			s.logger.Warn("Failed to load persisted index, rebuilding", map[string]interface{}{
				"document": document,
				"error":    err.Error(),
			})
		}
		if cached != nil {
			ref := s.register(cached)
			s.logger.Info("Reusing persisted index", map[string]interface{}{
				"document": document,
				"passages": len(cached.Passages),
			})
			return ref, nil
		}
	}

	text, err := s.readDocument(document)
	if err != nil {
		return "", err
	}
	ix := BuildIndex(document, text)
	if len(ix.Passages) == 0 {
		return "", fmt.Errorf("document %s produced no indexable content", document)
	}

	if s.store != nil {
		if err := s.store.Save(ix); err != nil {
			s.logger.Warn("Failed to persist index", map[string]interface{}{
				"document": document,
				"error":    err.Error(),
			})
		}
	}

	ref := s.register(ix)
	telemetry.AddSpanEvent(ctx, "index_built",
		attribute.String("document", document),
		attribute.Int("passages", len(ix.Passages)),
	)
	s.logger.Info("Document indexed", map[string]interface{}{
		"document": document,
		"passages": len(ix.Passages),
	})
	return ref, nil
}

func (s *Service) readDocument(document string) (string, error) {
	if info, err := os.Stat(document); err == nil && !info.IsDir() {
		data, err := os.ReadFile(document)
		if err != nil {
			return "", fmt.Errorf("reading document %s: %w", document, err)
		}
		return string(data), nil
	}
	if strings.TrimSpace(document) == "" {
		return "", fmt.Errorf("document is empty")
	}
	return document, nil
}

func (s *Service) register(ix *Index) core.IndexRef {
	ref := core.IndexRef(uuid.New().String())
	s.mu.Lock()
	s.indexes[ref] = ix
	s.mu.Unlock()
	return ref
}

func (s *Service) index(ref core.IndexRef) (*Index, error) {
	s.mu.RLock()
	ix, ok := s.indexes[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown index %q", ref)
	}
	return ix, nil
}

// ExtractSchema asks the model to turn the form into an ordered field list.
// Malformed model output maps to ErrSchemaInvalid so callers can retry.
func (s *Service) ExtractSchema(ctx context.Context, form string, index core.IndexRef) ([]core.Field, error) {
	formText, err := s.readDocument(form)
	if err != nil {
		return nil, err
	}

	raw, err := s.llm.Complete(ctx, schemaPrompt(formText))
	if err != nil {
		return nil, fmt.Errorf("extracting form schema: %w", err)
	}

	fields, err := parseFieldsJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing schema output: %w: %v", core.ErrSchemaInvalid, err)
	}

	telemetry.AddSpanEvent(ctx, "schema_parsed",
		attribute.Int("field_count", len(fields)),
	)
	return fields, nil
}

// parseFieldsJSON decodes the model's {"fields": [...]} payload. Entries may
// be bare field names or structured field objects; code fences are tolerated.
func parseFieldsJSON(raw string) ([]core.Field, error) {
	var payload struct {
		Fields []json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &payload); err != nil {
		return nil, err
	}
	if len(payload.Fields) == 0 {
		return nil, fmt.Errorf("no fields in payload")
	}

	fields := make([]core.Field, 0, len(payload.Fields))
	for _, entry := range payload.Fields {
		var name string
		if err := json.Unmarshal(entry, &name); err == nil {
			fields = append(fields, core.Field{Name: name})
			continue
		}
		var f core.Field
		if err := json.Unmarshal(entry, &f); err != nil {
			return nil, fmt.Errorf("field entry %s: %w", entry, err)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}

// Query answers one field question against the index's top passages.
func (s *Service) Query(ctx context.Context, index core.IndexRef, q core.Question) (*core.Answer, error) {
	ix, err := s.index(index)
	if err != nil {
		return nil, err
	}

	question := fieldQuestion(q.Field)
	if q.Refinement != nil {
		question = refinedQuestion(q.Field, q.Refinement)
	}

	passages := ix.Retrieve(question, s.topK)
	text, err := s.llm.Complete(ctx, answerPrompt(question, passages))
	if err != nil {
		return nil, fmt.Errorf("answering field %q: %w", q.Field.Name, err)
	}

	sources := make([]string, 0, len(passages))
	for _, p := range passages {
		sources = append(sources, p.Ref)
	}
	return &core.Answer{
		Field:   q.Field.Name,
		Text:    strings.TrimSpace(text),
		Sources: sources,
	}, nil
}

// Classify judges free-text review feedback. Only an exact OKAY verdict
// finalizes; everything else is treated as feedback to act on.
func (s *Service) Classify(ctx context.Context, feedback string) (core.Verdict, error) {
	raw, err := s.llm.Complete(ctx, classifyPrompt(feedback))
	if err != nil {
		return "", fmt.Errorf("classifying feedback: %w", err)
	}

	verdict := strings.ToUpper(strings.Trim(strings.TrimSpace(raw), `'".`))
	s.logger.Debug("Feedback verdict", map[string]interface{}{
		"verdict": verdict,
	})
	if verdict == string(core.VerdictOkay) {
		return core.VerdictOkay, nil
	}
	return core.VerdictFeedback, nil
}

// FeedbackTargets names the fields a piece of feedback asks to change. An
// empty result means the caller should apply the feedback to every field.
func (s *Service) FeedbackTargets(ctx context.Context, feedback string, fields []core.Field) ([]string, error) {
	raw, err := s.llm.Complete(ctx, targetsPrompt(feedback, fields))
	if err != nil {
		return nil, fmt.Errorf("targeting feedback: %w", err)
	}

	var names []string
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &names); err != nil {
		return nil, fmt.Errorf("parsing feedback targets: %w", err)
	}
	return names, nil
}

var (
	_ core.AnswerService    = (*Service)(nil)
	_ core.FeedbackTargeter = (*Service)(nil)
)
