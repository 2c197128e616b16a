package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/formflow/formflow/core"
	"github.com/formflow/formflow/telemetry"
)

// IngestStep builds the queryable index from the source document. Ingestion
// failure is fatal: no document, no workflow.
type IngestStep struct {
	svc    core.AnswerService
	logger core.Logger
}

// NewIngestStep creates the ingestion step.
func NewIngestStep(svc core.AnswerService, logger core.Logger) *IngestStep {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &IngestStep{svc: svc, logger: logger}
}

func (s *IngestStep) Name() string          { return "ingest" }
func (s *IngestStep) Consumes() []EventType { return []EventType{EventStart} }
func (s *IngestStep) Emits() []EventType    { return []EventType{EventDocumentReady} }

func (s *IngestStep) Handle(ctx context.Context, rc *RunContext, ev Event) ([]Event, error) {
	start := ev.(StartEvent)
	if start.Document == "" {
		return nil, &core.EngineError{
			Op:   "ingest.Handle",
			Kind: "ingest",
			ID:   rc.RunID,
			Err:  fmt.Errorf("no source document provided: %w", core.ErrIngestionFailed),
		}
	}
	if start.Form == "" {
		return nil, &core.EngineError{
			Op:   "ingest.Handle",
			Kind: "ingest",
			ID:   rc.RunID,
			Err:  fmt.Errorf("no target form provided: %w", core.ErrIngestionFailed),
		}
	}

	index, err := s.svc.Ingest(ctx, start.Document)
	if err != nil {
		s.logger.Error("Document ingestion failed", map[string]interface{}{
			"run_id":   rc.RunID,
			"document": start.Document,
			"error":    err.Error(),
		})
		return nil, &core.EngineError{
			Op:   "ingest.Handle",
			Kind: "ingest",
			ID:   rc.RunID,
			Err:  fmt.Errorf("%w: %v", core.ErrIngestionFailed, err),
		}
	}
	rc.SetIndex(index)

	telemetry.AddSpanEvent(ctx, "document_ingested",
		attribute.String("run_id", rc.RunID),
		attribute.String("index", string(index)),
	)
	s.logger.Info("Document ingested", map[string]interface{}{
		"run_id":   rc.RunID,
		"document": start.Document,
		"index":    string(index),
	})

	return []Event{DocumentReadyEvent{Index: index, Form: start.Form}}, nil
}
