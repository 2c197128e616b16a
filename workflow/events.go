package workflow

import (
	"github.com/formflow/formflow/core"
)

// EventType identifies the variant of an event routed through the bus.
type EventType string

const (
	EventStart         EventType = "start"
	EventDocumentReady EventType = "document_ready"
	EventFieldList     EventType = "field_list"
	EventQuery         EventType = "query"
	EventFieldAnswered EventType = "field_answered"
	EventDraftReady    EventType = "draft_ready"
	EventInputRequired EventType = "input_required"
	EventHumanResponse EventType = "human_response"
	EventStop          EventType = "stop"
)

// Event is a typed message routed through the dispatcher. Every event carries
// enough data for its consuming step to act without external lookup.
type Event interface {
	Type() EventType
}

// StartEvent begins a run. Document is the source to ingest, Form the target
// form whose fields will be filled.
type StartEvent struct {
	Document string
	Form     string
}

func (StartEvent) Type() EventType { return EventStart }

// DocumentReadyEvent signals that ingestion produced a queryable index.
type DocumentReadyEvent struct {
	Index core.IndexRef
	Form  string
}

func (DocumentReadyEvent) Type() EventType { return EventDocumentReady }

// FieldListEvent carries the extracted form schema, in form order.
type FieldListEvent struct {
	Fields []core.Field
}

func (FieldListEvent) Type() EventType { return EventFieldList }

// QueryEvent requests one field answer. Cycle ties the query to the fan-in
// barrier of the review cycle that dispatched it. Refinement is non-nil on
// feedback-driven re-queries.
type QueryEvent struct {
	Cycle      int
	Field      core.Field
	Refinement *core.Refinement
}

func (QueryEvent) Type() EventType { return EventQuery }

// FieldAnsweredEvent carries one completed field answer back to the barrier.
type FieldAnsweredEvent struct {
	Cycle  int
	Answer *core.Answer
}

func (FieldAnsweredEvent) Type() EventType { return EventFieldAnswered }

// DraftReadyEvent is emitted by the fan-in barrier once every query dispatched
// in Cycle has been answered. Answers is a snapshot of the full draft.
type DraftReadyEvent struct {
	Cycle   int
	Answers map[string]core.Answer
}

func (DraftReadyEvent) Type() EventType { return EventDraftReady }

// InputRequiredEvent crosses the human boundary outbound: the formatted draft
// plus the request for feedback. PromptID identifies the one outstanding
// prompt; responses carrying any other ID are ignored.
type InputRequiredEvent struct {
	Cycle    int
	PromptID string
	Prompt   string
}

func (InputRequiredEvent) Type() EventType { return EventInputRequired }

// HumanResponseEvent crosses the human boundary inbound with free-text
// feedback for the prompt identified by PromptID.
type HumanResponseEvent struct {
	Cycle    int
	PromptID string
	Text     string
}

func (HumanResponseEvent) Type() EventType { return EventHumanResponse }

// StopEvent terminates the run with the finalized answers.
type StopEvent struct {
	Answers map[string]core.Answer
	Cycles  int
}

func (StopEvent) Type() EventType { return EventStop }
