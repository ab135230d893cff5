package task

import (
	"context"
)

// Sequence runs first and, once it completed, the operation returned by
// next. next sees the state left behind by first; a nil operation ends the
// sequence.
func Sequence(first Operation, next func(ctx context.Context) (Operation, error)) Operation {
	return OperationFunc(func(ctx context.Context, emit Emit) error {
		if err := first.Run(ctx, emit); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		op, err := next(ctx)
		if err != nil || op == nil {
			return err
		}
		return op.Run(ctx, emit)
	})
}
