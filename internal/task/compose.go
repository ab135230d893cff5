package task

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/ordertask/internal/event"
	"github.com/coachpo/ordertask/internal/telemetry"
	"github.com/coachpo/ordertask/lib/clock"
)

// Callback observes one event as a side effect.
type Callback func(event.Event)

// RetrySpec configures the retry gate applied by Compose.
type RetrySpec struct {
	Trigger     event.Kind
	MaxAttempts int
	Delay       time.Duration
	// NewBackOff builds the delay schedule for each run; nil means a constant
	// Delay.
	NewBackOff func() backoff.BackOff
	Clock      clock.Clock
}

// Spec holds the callbacks and optional retry applied to one invocation.
type Spec struct {
	name       string
	callbacks  map[event.Kind][]Callback
	any        []Callback
	retry      *RetrySpec
	onStart    func()
	onComplete func()
	onError    func(error)
}

// SpecOption configures a Spec.
type SpecOption func(*Spec)

// NewSpec builds a Spec from options.
func NewSpec(opts ...SpecOption) Spec {
	s := Spec{callbacks: make(map[event.Kind][]Callback)}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Named labels the operation in logs and metrics.
func Named(name string) SpecOption {
	return func(s *Spec) { s.name = name }
}

// On registers fn for events of kind.
func On(kind event.Kind, fn Callback) SpecOption {
	return func(s *Spec) {
		if fn != nil {
			s.callbacks[kind] = append(s.callbacks[kind], fn)
		}
	}
}

// OnEvent registers fn for every event.
func OnEvent(fn Callback) SpecOption {
	return func(s *Spec) {
		if fn != nil {
			s.any = append(s.any, fn)
		}
	}
}

// WithRetry wraps the composed operation in a retry gate.
func WithRetry(r RetrySpec) SpecOption {
	return func(s *Spec) { s.retry = &r }
}

// OnStart runs fn when the operation starts.
func OnStart(fn func()) SpecOption {
	return func(s *Spec) { s.onStart = fn }
}

// OnComplete runs fn when the operation completes without error.
func OnComplete(fn func()) SpecOption {
	return func(s *Spec) { s.onComplete = fn }
}

// OnError runs fn with the terminal error of the operation.
func OnError(fn func(error)) SpecOption {
	return func(s *Spec) { s.onError = fn }
}

// Name returns the operation label, "operation" when unset.
func (s Spec) Name() string {
	if s.name == "" {
		return "operation"
	}
	return s.name
}

func (s Spec) clone() Spec {
	out := s
	out.callbacks = make(map[event.Kind][]Callback, len(s.callbacks))
	for kind, fns := range s.callbacks {
		out.callbacks[kind] = append([]Callback(nil), fns...)
	}
	out.any = append([]Callback(nil), s.any...)
	if s.retry != nil {
		r := *s.retry
		out.retry = &r
	}
	return out
}

type composed struct {
	op   Operation
	spec Spec
}

// Compose attaches spec to op. The returned operation runs op once per Run
// and emits exactly what op emits; callbacks fire before each event is
// forwarded and stop once ctx is done.
func Compose(op Operation, spec Spec) Operation {
	spec = spec.clone()
	if spec.retry != nil {
		op = &Retry{
			Op:          op,
			Trigger:     spec.retry.Trigger,
			MaxAttempts: spec.retry.MaxAttempts,
			Delay:       spec.retry.Delay,
			NewBackOff:  spec.retry.NewBackOff,
			Clock:       spec.retry.Clock,
		}
	}
	return &composed{op: op, spec: spec}
}

func (c *composed) Run(ctx context.Context, emit Emit) error {
	if c.spec.onStart != nil {
		c.spec.onStart()
	}
	err := c.op.Run(ctx, func(evt event.Event) {
		if ctx.Err() == nil {
			for _, fn := range c.spec.callbacks[evt.Kind] {
				fn(evt)
			}
			for _, fn := range c.spec.any {
				fn(evt)
			}
		}
		if emit != nil {
			emit(evt)
		}
	})
	metrics := telemetry.Engine()
	switch {
	case err == nil:
		metrics.RecordOperation(ctx, c.spec.Name(), telemetry.ResultSuccess)
		if c.spec.onComplete != nil {
			c.spec.onComplete()
		}
	default:
		metrics.RecordOperation(ctx, c.spec.Name(), resultOf(err))
		if c.spec.onError != nil {
			c.spec.onError(err)
		}
	}
	return err
}

func resultOf(err error) string {
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		return telemetry.ResultRejected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return telemetry.ResultCanceled
	default:
		return telemetry.ResultFailed
	}
}
