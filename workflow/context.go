package workflow

import (
	"sync"

	"github.com/formflow/formflow/core"
)

// RunContext is the per-run mutable state: the draft, the fan-in bookkeeping
// for the current cycle, and the feedback iteration counter. It is owned by
// the runner for the run's lifetime; steps receive it per invocation and must
// not retain references across suspension boundaries.
type RunContext struct {
	RunID string

	mu         sync.Mutex
	index      core.IndexRef
	fields     []core.Field
	draft      *Draft
	cycle      int
	expected   int
	closed     bool
	answered   map[string]bool
	iterations int
}

// NewRunContext creates run state for a fresh run.
func NewRunContext(runID string) *RunContext {
	return &RunContext{
		RunID:    runID,
		answered: make(map[string]bool),
	}
}

// SetIndex records the ingested index handle. The handle is read-only and
// safely shared by all concurrent field queries.
func (rc *RunContext) SetIndex(ref core.IndexRef) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.index = ref
}

// Index returns the ingested index handle.
func (rc *RunContext) Index() core.IndexRef {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.index
}

// SetFields records the extracted form schema and creates the empty draft.
// Called once per run; fields are immutable afterward.
func (rc *RunContext) SetFields(fields []core.Field) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.fields = fields
	rc.draft = NewDraft(fields)
}

// Fields returns the form schema.
func (rc *RunContext) Fields() []core.Field {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]core.Field, len(rc.fields))
	copy(out, rc.fields)
	return out
}

// Draft returns the run's draft.
func (rc *RunContext) Draft() *Draft {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.draft
}

// BeginCycle opens a new fan-out cycle expecting n answers and returns the
// cycle number. The per-cycle answered set is reset.
func (rc *RunContext) BeginCycle(n int) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cycle++
	rc.expected = n
	rc.closed = false
	rc.answered = make(map[string]bool, n)
	return rc.cycle
}

// Cycle returns the current cycle number.
func (rc *RunContext) Cycle() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cycle
}

// RecordAnswer merges one answer into the draft and advances the fan-in
// barrier. It returns complete=true for exactly the call that satisfies the
// barrier. Answers for a stale or already-completed cycle are dropped
// (stale=true), so the draft is never mutated while a review is open; a
// duplicate answer for a still-collecting field overwrites the draft entry
// but is not double-counted.
func (rc *RunContext) RecordAnswer(cycle int, a *core.Answer) (complete, stale bool, err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if cycle != rc.cycle || rc.closed {
		return false, true, nil
	}
	if mergeErr := rc.draft.Merge(a); mergeErr != nil {
		return false, false, mergeErr
	}
	if rc.answered[a.Field] {
		return false, false, nil
	}
	rc.answered[a.Field] = true
	if len(rc.answered) == rc.expected {
		rc.closed = true
		return true, false, nil
	}
	return false, false, nil
}

// IncIterations bumps the feedback loop counter and returns the new count.
func (rc *RunContext) IncIterations() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.iterations++
	return rc.iterations
}

// Iterations returns the number of feedback loops taken so far.
func (rc *RunContext) Iterations() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.iterations
}
