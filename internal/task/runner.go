package task

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/ordertask/internal/event"
)

// Runner starts composed operations in the background and tracks them until
// they finish.
type Runner struct {
	wg  conc.WaitGroup
	log *logrus.Entry
}

// NewRunner creates a runner logging under the task/runner component.
func NewRunner() *Runner {
	return &Runner{log: logrus.WithField("component", "task/runner")}
}

// ComposeAndRun composes op with spec and runs it without returning a handle.
// Completion and errors are observed through the Spec hooks and the log.
func (r *Runner) ComposeAndRun(ctx context.Context, op Operation, spec Spec) {
	composed := Compose(op, spec)
	name := spec.Name()
	r.wg.Go(func() {
		err := composed.Run(ctx, nil)
		switch {
		case err == nil:
			r.log.WithField("operation", name).Debug("operation completed")
		case errors.Is(err, context.Canceled):
			r.log.WithField("operation", name).Debug("operation cancelled")
		default:
			r.log.WithField("operation", name).WithError(err).Warn("operation failed")
		}
	})
}

// Wait blocks until every started operation returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Handle observes one background run of an operation.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	events []event.Event
	err    error
}

// Start runs op in a goroutine and records every event it emits.
func Start(ctx context.Context, op Operation) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		err := op.Run(ctx, func(evt event.Event) {
			h.mu.Lock()
			h.events = append(h.events, evt)
			h.mu.Unlock()
		})
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()
	return h
}

// Done is closed once the operation returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error; nil until Done is closed or on success.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Events returns a snapshot of the events emitted so far.
func (h *Handle) Events() []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event.Event(nil), h.events...)
}

// Kinds returns the kinds of the events emitted so far.
func (h *Handle) Kinds() []event.Kind {
	events := h.Events()
	kinds := make([]event.Kind, len(events))
	for i, evt := range events {
		kinds[i] = evt.Kind
	}
	return kinds
}

// Cancel stops the operation.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the operation returned or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.Err()
	}
}
