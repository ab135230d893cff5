package task

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/ordertask/internal/event"
	"github.com/coachpo/ordertask/internal/telemetry"
)

// Batch runs independent branches concurrently. It completes once every
// branch has completed; the first failing branch cancels the others and is
// returned as a *BranchFailure. Events keep their order within a branch.
type Batch struct {
	Branches []Operation
	// MaxConcurrency bounds running branches; zero means unbounded.
	MaxConcurrency int
}

// NewBatch builds a batch over ops.
func NewBatch(ops ...Operation) *Batch {
	return &Batch{Branches: ops}
}

// Run implements Operation.
func (b *Batch) Run(ctx context.Context, emit Emit) error {
	if len(b.Branches) == 0 {
		return nil
	}
	var mu sync.Mutex
	serialized := func(evt event.Event) {
		if emit == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		emit(evt)
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	if b.MaxConcurrency > 0 {
		p = p.WithMaxGoroutines(b.MaxConcurrency)
	}
	for i, branch := range b.Branches {
		p.Go(func(ctx context.Context) error {
			if err := branch.Run(ctx, serialized); err != nil {
				return &BranchFailure{Index: i, Err: err}
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		telemetry.Engine().RecordBatchFailure(ctx)
		return err
	}
	return nil
}
