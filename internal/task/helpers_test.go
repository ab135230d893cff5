package task

import (
	"context"
	"testing"

	"go.uber.org/goleak"

	"github.com/coachpo/ordertask/internal/domain/schema"
	"github.com/coachpo/ordertask/internal/event"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// feed is a test operation that emits whatever is sent on its channel and
// completes after the first event of a terminal kind.
type feed struct {
	ch   chan event.Event
	done map[event.Kind]bool
	runs int
}

func newFeed(done ...event.Kind) *feed {
	f := &feed{ch: make(chan event.Event), done: make(map[event.Kind]bool)}
	for _, k := range done {
		f.done[k] = true
	}
	return f
}

func (f *feed) Run(ctx context.Context, emit Emit) error {
	f.runs++
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-f.ch:
			emit(evt)
			if f.done[evt.Kind] {
				return nil
			}
		}
	}
}

func (f *feed) send(t *testing.T, kind event.Kind) {
	t.Helper()
	f.ch <- evt(kind)
}

func evt(kind event.Kind) event.Event {
	return event.NewEvent(schema.NewLiveOrder("order-1", schema.OrderParams{Command: schema.CommandBuy}), kind)
}

// fixed emits kinds in order and returns err.
func fixed(err error, kinds ...event.Kind) Operation {
	return OperationFunc(func(ctx context.Context, emit Emit) error {
		for _, k := range kinds {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			emit(evt(k))
		}
		return err
	})
}
