package task

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/ordertask/internal/event"
	"github.com/coachpo/ordertask/internal/telemetry"
	"github.com/coachpo/ordertask/lib/clock"
)

var retryLog = logrus.WithField("component", "task/retry")

// Retry re-runs Op from scratch whenever it emits Trigger. Occurrences
// 1..MaxAttempts are swallowed and followed by a delay; the next one is
// returned as a *RejectedError. The attempt counter lives for one Run.
type Retry struct {
	Op          Operation
	Trigger     event.Kind
	MaxAttempts int
	Delay       time.Duration
	// NewBackOff overrides the constant Delay schedule. It is called once per
	// Run so concurrent runs never share a policy. backoff.Stop ends retrying.
	NewBackOff func() backoff.BackOff
	Clock      clock.Clock
}

func (r *Retry) schedule() backoff.BackOff {
	if r.NewBackOff != nil {
		if policy := r.NewBackOff(); policy != nil {
			policy.Reset()
			return policy
		}
	}
	return backoff.NewConstantBackOff(r.Delay)
}

// Run implements Operation.
func (r *Retry) Run(ctx context.Context, emit Emit) error {
	clk := r.Clock
	if clk == nil {
		clk = clock.Real()
	}
	policy := r.schedule()
	metrics := telemetry.Engine()
	attempts := 0
	for {
		trigger, err := r.runOnce(ctx, emit)
		if trigger == nil {
			return err
		}
		attempts++
		rejected := &RejectedError{Event: *trigger, Attempts: attempts}
		if attempts > r.MaxAttempts {
			metrics.RecordRetryExhausted(ctx, r.Trigger.String())
			return rejected
		}
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			metrics.RecordRetryExhausted(ctx, r.Trigger.String())
			return rejected
		}
		metrics.RecordRetry(ctx, r.Trigger.String(), delay)
		retryLog.WithFields(logrus.Fields{
			"order":   trigger.OrderID(),
			"kind":    trigger.Kind,
			"attempt": attempts,
			"delay":   delay,
		}).Debug("retrying after rejection")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(delay):
		}
	}
}

// runOnce runs one attempt, cancelling it as soon as the trigger is seen.
// It returns the trigger event, or nil and the attempt's own result.
func (r *Retry) runOnce(ctx context.Context, emit Emit) (*event.Event, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		trigger *event.Event
	)
	err := r.Op.Run(attemptCtx, func(evt event.Event) {
		mu.Lock()
		defer mu.Unlock()
		if trigger != nil {
			return
		}
		if evt.Kind == r.Trigger {
			e := evt
			trigger = &e
			cancel()
			return
		}
		if emit != nil {
			emit(evt)
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if trigger != nil {
		return trigger, nil
	}
	return nil, err
}
