package event

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coachpo/ordertask/errs"
	"github.com/coachpo/ordertask/internal/domain/schema"
	"github.com/coachpo/ordertask/internal/telemetry"
)

// Publisher receives every semantic event produced by the gateway.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Observer sees every published event synchronously, in sequence order,
// before subscribers of the publisher do.
type Observer interface {
	Observe(evt Event)
}

// Gateway is the single delivery point for venue notifications. It correlates
// each notification through its registry and publishes the resulting event.
type Gateway struct {
	registry  *Registry
	publisher Publisher
	metrics   *telemetry.EngineMetrics
	observers []Observer
	log       *logrus.Entry

	mu  sync.Mutex
	seq uint64
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithMetrics overrides the engine metrics sink.
func WithMetrics(m *telemetry.EngineMetrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// WithObserver attaches observers that must never lag behind delivery.
func WithObserver(obs ...Observer) GatewayOption {
	return func(g *Gateway) { g.observers = append(g.observers, obs...) }
}

// WithLogger overrides the gateway logger.
func WithLogger(entry *logrus.Entry) GatewayOption {
	return func(g *Gateway) {
		if entry != nil {
			g.log = entry
		}
	}
}

// NewGateway wires a gateway publishing to publisher.
func NewGateway(publisher Publisher, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry:  NewRegistry(),
		publisher: publisher,
		metrics:   telemetry.Engine(),
		log:       logrus.WithField("component", "event/gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register records an in-flight call on orderID.
func (g *Gateway) Register(orderID string, reason CallReason) (CallContext, error) {
	call, err := g.registry.Register(orderID, reason)
	if err != nil {
		return CallContext{}, err
	}
	g.metrics.AddPending(context.Background(), 1, reason.String())
	return call, nil
}

// Release drops call if it was not consumed by a notification.
func (g *Gateway) Release(call CallContext) bool {
	if !g.registry.Release(call) {
		return false
	}
	g.metrics.AddPending(context.Background(), -1, call.Reason.String())
	return true
}

// Pending returns the number of unconsumed contexts registered for orderID.
func (g *Gateway) Pending(orderID string) int { return g.registry.Pending(orderID) }

// OnNotification ingests one raw notification. Calls are serialised so events
// are published in arrival order. Unclassifiable notifications are logged and
// returned as errors; they are never published.
func (g *Gateway) OnNotification(n schema.Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := context.Background()
	evt, call, err := g.registry.Ingest(n)
	if call != nil {
		g.metrics.AddPending(ctx, -1, call.Reason.String())
	}
	if err != nil {
		var unclassifiable *UnclassifiableError
		if errors.As(err, &unclassifiable) {
			g.metrics.RecordUnclassifiable(ctx, string(n.Type))
		}
		g.log.WithFields(logrus.Fields{
			"order":   n.OrderID(),
			"type":    n.Type,
			"reasons": n.ReasonList(),
		}).WithError(err).Error("notification dropped")
		return errs.New("event/gateway", errs.CodeUnclassifiable,
			errs.WithOrder(n.OrderID()), errs.WithCause(err))
	}

	g.seq++
	evt.Seq = g.seq
	g.metrics.RecordNotification(ctx, evt.Kind.String(), call != nil)

	entry := g.log.WithFields(logrus.Fields{"order": evt.OrderID(), "kind": evt.Kind, "seq": evt.Seq})
	if call != nil {
		entry = entry.WithField("call", call.Reason)
	}
	entry.Debug("notification classified")

	for _, obs := range g.observers {
		obs.Observe(evt)
	}

	if g.publisher == nil {
		return nil
	}
	if err := g.publisher.Publish(ctx, evt); err != nil {
		return fmt.Errorf("publish %s: %w", evt, err)
	}
	return nil
}

// Close drops every pending context; later registrations fail.
func (g *Gateway) Close() {
	pending := g.registry.Len()
	g.registry.Close()
	g.metrics.AddPending(context.Background(), -int64(pending), "closed")
	g.log.WithField("pending", pending).Info("gateway closed")
}
