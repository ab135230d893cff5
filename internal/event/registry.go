package event

import (
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/ordertask/errs"
	"github.com/coachpo/ordertask/internal/domain/schema"
)

// Registry keeps a FIFO queue of pending call contexts per order id and uses
// it to refine ambiguous notifications. Register and Release may be called
// from any goroutine; Ingest is expected to be called from one delivery point.
type Registry struct {
	mu     sync.Mutex
	queues map[string][]CallContext
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[string][]CallContext)}
}

// Register appends a call context for orderID.
func (r *Registry) Register(orderID string, reason CallReason) (CallContext, error) {
	if orderID == "" {
		return CallContext{}, errs.New("event/registry", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	call := CallContext{ID: uuid.NewString(), OrderID: orderID, Reason: reason}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return CallContext{}, errs.New("event/registry", errs.CodeUnavailable,
			errs.WithMessage("registry closed"), errs.WithOrder(orderID))
	}
	r.queues[orderID] = append(r.queues[orderID], call)
	return call, nil
}

// Ingest classifies n, consuming the oldest pending context of its order if
// there is one. Exactly one event or one error is produced per call. The
// consumed context is returned in both cases, nil when none was pending.
func (r *Registry) Ingest(n schema.Notification) (Event, *CallContext, error) {
	call := r.consume(n.OrderID())
	kind, err := Classify(n, call)
	if err != nil {
		return Event{}, call, err
	}
	return NewEvent(n.Order, kind), call, nil
}

func (r *Registry) consume(orderID string) *CallContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue, ok := r.queues[orderID]
	if !ok {
		return nil
	}
	if len(queue) == 0 {
		delete(r.queues, orderID)
		return nil
	}
	call := queue[0]
	if len(queue) == 1 {
		delete(r.queues, orderID)
	} else {
		r.queues[orderID] = queue[1:]
	}
	return &call
}

// Release removes call if it is still pending and reports whether it was.
func (r *Registry) Release(call CallContext) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue, ok := r.queues[call.OrderID]
	if !ok {
		return false
	}
	for i, pending := range queue {
		if pending.ID != call.ID {
			continue
		}
		if len(queue) == 1 {
			delete(r.queues, call.OrderID)
			return true
		}
		next := make([]CallContext, 0, len(queue)-1)
		next = append(next, queue[:i]...)
		r.queues[call.OrderID] = append(next, queue[i+1:]...)
		return true
	}
	return false
}

// Pending returns the number of unconsumed contexts for orderID.
func (r *Registry) Pending(orderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[orderID])
}

// Len returns the total number of unconsumed contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, queue := range r.queues {
		total += len(queue)
	}
	return total
}

// Close drops every pending context and rejects further registration.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.queues = make(map[string][]CallContext)
}
