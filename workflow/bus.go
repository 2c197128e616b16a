package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/formflow/formflow/core"
	"github.com/formflow/formflow/telemetry"
)

// Step is a unit of workflow logic. It declares the event types it consumes
// and emits; the bus checks the declarations at composition time and performs
// no business logic itself.
type Step interface {
	Name() string
	Consumes() []EventType
	Emits() []EventType

	// Handle reacts to one event and returns the events it emits in turn.
	// It receives the run's context for the duration of the invocation only.
	Handle(ctx context.Context, rc *RunContext, ev Event) ([]Event, error)
}

const defaultBusWorkers = 5

// Bus routes typed events between registered steps. Each submitted event is
// delivered exactly once to every step consuming its type; events emitted by
// a step are re-submitted. Steps handling distinct events run concurrently on
// the worker pool, which is what lets fan-out queries proceed in parallel.
type Bus struct {
	steps     []Step
	consumers map[EventType][]Step
	workers   int
	logger    core.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusWorkers sets the size of the dispatch worker pool.
func WithBusWorkers(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// NewBus creates an event bus. A nil logger defaults to NoOp.
func NewBus(logger core.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	b := &Bus{
		consumers: make(map[EventType][]Step),
		workers:   defaultBusWorkers,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a step and indexes its consumed event types.
func (b *Bus) Register(step Step) error {
	for _, existing := range b.steps {
		if existing.Name() == step.Name() {
			return fmt.Errorf("registering step %q: %w", step.Name(), core.ErrDuplicateStep)
		}
	}
	b.steps = append(b.steps, step)
	for _, et := range step.Consumes() {
		b.consumers[et] = append(b.consumers[et], step)
	}
	return nil
}

// Validate checks the composition: every event type any step emits must have
// a registered consumer. StopEvent is consumed by the bus itself.
func (b *Bus) Validate() error {
	for _, step := range b.steps {
		for _, et := range step.Emits() {
			if et == EventStop {
				continue
			}
			if len(b.consumers[et]) == 0 {
				return &core.EngineError{
					Op:   "bus.Validate",
					Kind: "routing",
					ID:   step.Name(),
					Err:  fmt.Errorf("emitted type %q: %w", et, core.ErrNoConsumer),
				}
			}
		}
	}
	return nil
}

// Run seeds the bus with an event and dispatches until a StopEvent is
// observed, a step fails, or the context is cancelled. Cancellation aborts
// all in-flight step invocations.
func (b *Bus) Run(ctx context.Context, rc *RunContext, seed Event) (*StopEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan Event, 256)
	stopCh := make(chan *StopEvent, 1)
	errCh := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Dispatch worker panic", map[string]interface{}{
						"worker_id":   workerID,
						"run_id":      rc.RunID,
						"panic":       fmt.Sprintf("%v", r),
						"stack_trace": string(debug.Stack()),
					})
					b.fail(errCh, fmt.Errorf("dispatch worker %d panic: %v", workerID, r))
				}
				wg.Done()
			}()
			b.worker(ctx, rc, queue, stopCh, errCh)
		}(i)
	}

	select {
	case queue <- seed:
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return nil, ctx.Err()
	}

	select {
	case stop := <-stopCh:
		cancel()
		wg.Wait()
		return stop, nil
	case err := <-errCh:
		cancel()
		wg.Wait()
		return nil, err
	case <-ctx.Done():
		wg.Wait()
		return nil, ctx.Err()
	}
}

// worker pulls events off the queue and dispatches them to consuming steps.
func (b *Bus) worker(ctx context.Context, rc *RunContext, queue chan Event, stopCh chan *StopEvent, errCh chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			if stop, ok := ev.(StopEvent); ok {
				select {
				case stopCh <- &stop:
				default:
				}
				continue
			}
			if err := b.dispatch(ctx, rc, ev, queue); err != nil {
				b.fail(errCh, err)
				return
			}
		}
	}
}

// dispatch delivers one event instance to each consuming step exactly once
// and re-submits whatever the steps emit.
func (b *Bus) dispatch(ctx context.Context, rc *RunContext, ev Event, queue chan Event) error {
	steps := b.consumers[ev.Type()]
	if len(steps) == 0 {
		err := &core.EngineError{
			Op:   "bus.Dispatch",
			Kind: "routing",
			ID:   rc.RunID,
			Err:  fmt.Errorf("event %q: %w", ev.Type(), core.ErrNoConsumer),
		}
		telemetry.RecordSpanError(ctx, err)
		return err
	}

	for _, step := range steps {
		b.logger.Debug("Dispatching event", map[string]interface{}{
			"run_id":     rc.RunID,
			"event_type": string(ev.Type()),
			"step":       step.Name(),
		})

		out, err := step.Handle(ctx, rc, ev)
		if err != nil {
			telemetry.RecordSpanError(ctx, err)
			telemetry.AddSpanEvent(ctx, "workflow_step_failed",
				attribute.String("step", step.Name()),
				attribute.String("event_type", string(ev.Type())),
			)
			b.logger.Error("Workflow step failed", map[string]interface{}{
				"run_id":     rc.RunID,
				"step":       step.Name(),
				"event_type": string(ev.Type()),
				"error":      err.Error(),
			})
			return fmt.Errorf("step %s: %w", step.Name(), err)
		}

		for _, next := range out {
			select {
			case queue <- next:
			case <-ctx.Done():
				return ctx.Err()
			default:
				// Queue full. Hand off asynchronously so the worker keeps
				// draining; blocking here deadlocks when every worker is
				// mid-emit on a large fan-out.
				go func(ev Event) {
					select {
					case queue <- ev:
					case <-ctx.Done():
					}
				}(next)
			}
		}
	}
	return nil
}

// fail reports the first error; later errors are dropped.
func (b *Bus) fail(errCh chan error, err error) {
	select {
	case errCh <- err:
	default:
	}
}
