// Package task composes per-command semantic event streams into operations
// with callbacks, bounded retries and AND-style batch completion.
package task

import (
	"context"
	"fmt"

	"github.com/coachpo/ordertask/internal/event"
)

// Emit delivers one event downstream. Implementations must not block.
type Emit func(event.Event)

// Operation produces a finite stream of semantic events. Run returns nil once
// the operation completed, or the error that terminated it.
type Operation interface {
	Run(ctx context.Context, emit Emit) error
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, emit Emit) error

// Run implements Operation.
func (f OperationFunc) Run(ctx context.Context, emit Emit) error { return f(ctx, emit) }

// Empty completes immediately without events.
var Empty Operation = OperationFunc(func(context.Context, Emit) error { return nil })

// RejectedError carries the rejection event that terminated an operation.
type RejectedError struct {
	Event    event.Event
	Attempts int
}

func (e *RejectedError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("operation rejected: %s after %d attempts", e.Event, e.Attempts)
	}
	return fmt.Sprintf("operation rejected: %s", e.Event)
}

// BranchFailure is the first failing branch of a batch.
type BranchFailure struct {
	Index int
	Err   error
}

func (e *BranchFailure) Error() string {
	return fmt.Sprintf("batch branch %d failed: %v", e.Index, e.Err)
}

func (e *BranchFailure) Unwrap() error { return e.Err }

// FailOnReject wraps op so that any rejection kind terminates it with a
// RejectedError after the event has been emitted.
func FailOnReject(op Operation) Operation {
	return OperationFunc(func(ctx context.Context, emit Emit) error {
		var rejected *event.Event
		err := op.Run(ctx, func(evt event.Event) {
			emit(evt)
			if evt.Kind.IsReject() && rejected == nil {
				e := evt
				rejected = &e
			}
		})
		if err != nil {
			return err
		}
		if rejected != nil {
			return &RejectedError{Event: *rejected, Attempts: 1}
		}
		return nil
	})
}
