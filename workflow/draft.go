package workflow

import (
	"sync"

	"github.com/formflow/formflow/core"
)

// Draft is the current best-effort answer set, keyed by field name. It is
// mutated only by merging fan-in results; consumers only ever see snapshots,
// never a partially merged state. Freeze makes it immutable.
type Draft struct {
	mu      sync.RWMutex
	answers map[string]core.Answer
	order   []string
	frozen  bool
}

// NewDraft creates an empty draft preserving the form's field order.
func NewDraft(fields []core.Field) *Draft {
	order := make([]string, 0, len(fields))
	for _, f := range fields {
		order = append(order, f.Name)
	}
	return &Draft{
		answers: make(map[string]core.Answer, len(fields)),
		order:   order,
	}
}

// Merge records an answer, overwriting any prior entry for the same field
// (last-write-wins within a cycle). Merging into a frozen draft is rejected.
func (d *Draft) Merge(a *core.Answer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frozen {
		return core.ErrRunFinalized
	}
	if _, known := d.answers[a.Field]; !known {
		found := false
		for _, name := range d.order {
			if name == a.Field {
				found = true
				break
			}
		}
		if !found {
			d.order = append(d.order, a.Field)
		}
	}
	d.answers[a.Field] = *a
	return nil
}

// Get returns the current answer for a field.
func (d *Draft) Get(field string) (core.Answer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.answers[field]
	return a, ok
}

// Len returns the number of answered fields.
func (d *Draft) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.answers)
}

// Order returns field names in form order.
func (d *Draft) Order() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Snapshot returns a copy of the answer set safe to hand to consumers.
func (d *Draft) Snapshot() map[string]core.Answer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]core.Answer, len(d.answers))
	for k, v := range d.answers {
		out[k] = v
	}
	return out
}

// Freeze finalizes the draft and returns the terminal answer set. Further
// merges fail with ErrRunFinalized.
func (d *Draft) Freeze() map[string]core.Answer {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.frozen = true
	out := make(map[string]core.Answer, len(d.answers))
	for k, v := range d.answers {
		out[k] = v
	}
	return out
}
