package workflow

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/formflow/formflow/core"
	"github.com/formflow/formflow/telemetry"
)

// FormProfile is a predeclared form definition. It lets callers skip LLM
// schema extraction when the form's fields are already known.
type FormProfile struct {
	Name   string       `yaml:"name"`
	Fields []core.Field `yaml:"fields"`
}

// LoadFormProfile reads a YAML form profile from disk.
func LoadFormProfile(path string) (*FormProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading form profile %s: %w", path, err)
	}
	var profile FormProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parsing form profile %s: %w", path, err)
	}
	if len(profile.Fields) == 0 {
		return nil, fmt.Errorf("form profile %s: %w", path, core.ErrFormEmpty)
	}
	return &profile, nil
}

// SchemaStep turns the target form into an ordered list of fields. Forms with
// a .yaml/.yml extension are treated as form profiles and parsed directly;
// anything else goes through AnswerService.ExtractSchema with a bounded retry
// budget for malformed output.
type SchemaStep struct {
	svc    core.AnswerService
	retry  RetryConfig
	logger core.Logger
}

// NewSchemaStep creates the schema extraction step.
func NewSchemaStep(svc core.AnswerService, retry RetryConfig, logger core.Logger) *SchemaStep {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &SchemaStep{svc: svc, retry: retry, logger: logger}
}

func (s *SchemaStep) Name() string          { return "schema" }
func (s *SchemaStep) Consumes() []EventType { return []EventType{EventDocumentReady} }
func (s *SchemaStep) Emits() []EventType    { return []EventType{EventFieldList} }

func (s *SchemaStep) Handle(ctx context.Context, rc *RunContext, ev Event) ([]Event, error) {
	ready := ev.(DocumentReadyEvent)

	var fields []core.Field
	var err error
	if isProfilePath(ready.Form) {
		var profile *FormProfile
		profile, err = LoadFormProfile(ready.Form)
		if err == nil {
			fields = profile.Fields
		}
	} else {
		fields, err = s.extractWithRetry(ctx, rc, ready)
	}
	if err != nil {
		return nil, &core.EngineError{Op: "schema.Handle", Kind: "schema", ID: rc.RunID, Err: err}
	}

	if err := validateFields(fields); err != nil {
		return nil, &core.EngineError{Op: "schema.Handle", Kind: "schema", ID: rc.RunID, Err: err}
	}
	rc.SetFields(fields)

	telemetry.AddSpanEvent(ctx, "schema_extracted",
		attribute.String("run_id", rc.RunID),
		attribute.Int("field_count", len(fields)),
	)
	s.logger.Info("Form schema extracted", map[string]interface{}{
		"run_id":      rc.RunID,
		"form":        ready.Form,
		"field_count": len(fields),
	})

	return []Event{FieldListEvent{Fields: fields}}, nil
}

// extractWithRetry re-invokes extraction on retryable errors up to the
// configured budget before escalating to fatal.
func (s *SchemaStep) extractWithRetry(ctx context.Context, rc *RunContext, ready DocumentReadyEvent) ([]core.Field, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		fields, err := s.svc.ExtractSchema(ctx, ready.Form, ready.Index)
		if err == nil {
			if verr := validateExtracted(fields); verr == nil {
				return fields, nil
			} else {
				err = verr
			}
		}
		lastErr = err

		if !core.IsRetryable(err) {
			return nil, err
		}
		s.logger.Warn("Schema extraction attempt failed", map[string]interface{}{
			"run_id":       rc.RunID,
			"attempt":      attempt,
			"max_attempts": s.retry.MaxAttempts,
			"error":        err.Error(),
		})
		if attempt < s.retry.MaxAttempts {
			if err := sleepCtx(ctx, s.retry.Wait(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("schema extraction after %d attempts: %w (last error: %v)",
		s.retry.MaxAttempts, core.ErrMaxRetriesExceeded, lastErr)
}

// validateExtracted classifies LLM extraction output. An empty field list is
// malformed output like any other parse failure, so it stays retryable; a
// genuinely empty form profile surfaces as ErrFormEmpty from LoadFormProfile
// instead.
func validateExtracted(fields []core.Field) error {
	if len(fields) == 0 {
		return fmt.Errorf("extraction returned no fields: %w", core.ErrSchemaInvalid)
	}
	return validateFields(fields)
}

// validateFields checks the extracted structure is a non-empty sequence of
// well-formed field records.
func validateFields(fields []core.Field) error {
	if len(fields) == 0 {
		return core.ErrFormEmpty
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("field with empty name: %w", core.ErrSchemaInvalid)
		}
		if seen[name] {
			return fmt.Errorf("duplicate field %q: %w", name, core.ErrSchemaInvalid)
		}
		seen[name] = true
	}
	return nil
}

func isProfilePath(form string) bool {
	return strings.HasSuffix(form, ".yaml") || strings.HasSuffix(form, ".yml")
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
