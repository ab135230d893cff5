package eventbus

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/ordertask/errs"
	"github.com/coachpo/ordertask/internal/event"
)

var log = logrus.WithField("component", "eventbus")

// MemoryBus is an in-memory bus. Publish never blocks on slow subscribers:
// each subscription owns an unbounded queue.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionID]*Subscription
	nextID      SubscriptionID
	closed      bool

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

// NewMemoryBus constructs an empty memory bus.
func NewMemoryBus() *MemoryBus {
	bus := &MemoryBus{subscribers: make(map[SubscriptionID]*Subscription)}
	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of semantic events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	return bus
}

// Publish appends evt to every live subscription in subscription order.
func (b *MemoryBus) Publish(ctx context.Context, evt event.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.push(evt)
	}
	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", evt.Kind.String())))
	}
	return nil
}

// Subscribe registers a subscription that receives every event published after
// this call returns.
func (b *MemoryBus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.nextID++
	sub := newSubscription(b.nextID, b)
	b.subscribers[sub.id] = sub
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1)
	}
	return sub, nil
}

func (b *MemoryBus) unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	_, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok && b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1)
	}
}

// Close ends every subscription and rejects further use.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = make(map[SubscriptionID]*Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.end()
	}
	log.WithField("subscribers", len(subs)).Debug("bus closed")
}

// Subscription is an unbounded FIFO of published events.
type Subscription struct {
	id     SubscriptionID
	bus    *MemoryBus
	mu     sync.Mutex
	queue  []event.Event
	ready  chan struct{}
	closed bool
}

func newSubscription(id SubscriptionID, bus *MemoryBus) *Subscription {
	return &Subscription{id: id, bus: bus, ready: make(chan struct{}, 1)}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() SubscriptionID { return s.id }

func (s *Subscription) push(evt event.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscription is closed, or ctx
// is done. Buffered events are drained before a close is reported.
func (s *Subscription) Next(ctx context.Context) (event.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue[0] = event.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return evt, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return event.Event{}, errs.New("eventbus/subscription", errs.CodeUnavailable, errs.WithMessage("subscription closed"))
		}
		select {
		case <-ctx.Done():
			return event.Event{}, ctx.Err()
		case <-s.ready:
		}
	}
}

// NextMatching returns the next event accepted by filter, discarding others.
func (s *Subscription) NextMatching(ctx context.Context, filter Filter) (event.Event, error) {
	for {
		evt, err := s.Next(ctx)
		if err != nil {
			return event.Event{}, err
		}
		if filter == nil || filter(evt) {
			return evt, nil
		}
	}
}

// Close detaches the subscription from its bus and drops queued events.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}
