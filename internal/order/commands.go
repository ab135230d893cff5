// Package order turns single venue calls into task operations that yield the
// semantic events attributable to the call's target orders.
package order

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/ordertask/errs"
	"github.com/coachpo/ordertask/internal/bus/eventbus"
	"github.com/coachpo/ordertask/internal/domain/schema"
	"github.com/coachpo/ordertask/internal/event"
	"github.com/coachpo/ordertask/internal/task"
	"github.com/coachpo/ordertask/internal/venue"
)

// Correlator registers call contexts so ambiguous rejections can be refined.
type Correlator interface {
	Register(orderID string, reason event.CallReason) (event.CallContext, error)
	Release(call event.CallContext) bool
}

// Subscriber opens event subscriptions.
type Subscriber interface {
	Subscribe() (*eventbus.Subscription, error)
}

// Commands builds one operation per venue call.
type Commands struct {
	venue      venue.Venue
	correlator Correlator
	events     Subscriber
	exec       *CallExecutor
	newID      func() string
	locks      *keyedMutex
	log        *logrus.Entry
}

// NewCommands wires commands against v. Calls go through exec.
func NewCommands(v venue.Venue, correlator Correlator, events Subscriber, exec *CallExecutor) *Commands {
	return &Commands{
		venue:      v,
		correlator: correlator,
		events:     events,
		exec:       exec,
		newID:      uuid.NewString,
		locks:      newKeyedMutex(),
		log:        logrus.WithField("component", "order/commands"),
	}
}

type call struct {
	reason  event.CallReason
	primary string
	watch   []string
	// narrow limits forwarded events of the primary order to the kinds that
	// finish reason or end the order.
	narrow bool
	invoke func(ctx context.Context) error
}

// Submit places a new order. Every run submits a fresh order id, so the
// operation can be retried. It completes when the order is fully filled,
// rests as a conditional order, or is rejected.
func (c *Commands) Submit(params schema.OrderParams) task.Operation {
	return task.OperationFunc(func(ctx context.Context, emit task.Emit) error {
		id := c.newID()
		return c.run(call{
			reason:  event.CallSubmit,
			primary: id,
			invoke: func(ctx context.Context) error {
				_, err := c.venue.Submit(ctx, id, params)
				return err
			},
		}).Run(ctx, emit)
	})
}

// Merge combines orders into a new order labelled label. Events of the
// constituent orders are forwarded too.
func (c *Commands) Merge(label string, orders []schema.Order) task.Operation {
	watch := make([]string, 0, len(orders))
	for _, o := range orders {
		watch = append(watch, o.ID())
	}
	snapshot := append([]schema.Order(nil), orders...)
	return task.OperationFunc(func(ctx context.Context, emit task.Emit) error {
		id := c.newID()
		return c.run(call{
			reason:  event.CallMerge,
			primary: id,
			watch:   watch,
			invoke: func(ctx context.Context) error {
				_, err := c.venue.Merge(ctx, id, label, snapshot)
				return err
			},
		}).Run(ctx, emit)
	})
}

// Close closes amount of o; a zero amount closes the order fully.
func (c *Commands) Close(o schema.Order, amount decimal.Decimal) task.Operation {
	return c.change(event.CallClose, o, func(ctx context.Context) error { return c.venue.Close(ctx, o, amount) })
}

// SetStopLoss changes the stop-loss price.
func (c *Commands) SetStopLoss(o schema.Order, price decimal.Decimal) task.Operation {
	return c.change(event.CallChangeSL, o, func(ctx context.Context) error { return c.venue.SetStopLoss(ctx, o, price) })
}

// SetTakeProfit changes the take-profit price.
func (c *Commands) SetTakeProfit(o schema.Order, price decimal.Decimal) task.Operation {
	return c.change(event.CallChangeTP, o, func(ctx context.Context) error { return c.venue.SetTakeProfit(ctx, o, price) })
}

// CancelStopLoss removes the stop-loss.
func (c *Commands) CancelStopLoss(o schema.Order) task.Operation {
	return c.SetStopLoss(o, decimal.Zero)
}

// CancelTakeProfit removes the take-profit.
func (c *Commands) CancelTakeProfit(o schema.Order) task.Operation {
	return c.SetTakeProfit(o, decimal.Zero)
}

// SetLabel changes the order label.
func (c *Commands) SetLabel(o schema.Order, label string) task.Operation {
	return c.change(event.CallChangeLabel, o, func(ctx context.Context) error { return c.venue.SetLabel(ctx, o, label) })
}

// SetRequestedAmount changes the requested amount.
func (c *Commands) SetRequestedAmount(o schema.Order, amount decimal.Decimal) task.Operation {
	return c.change(event.CallChangeAmount, o, func(ctx context.Context) error { return c.venue.SetRequestedAmount(ctx, o, amount) })
}

// SetGoodTillTime changes the good-till-time.
func (c *Commands) SetGoodTillTime(o schema.Order, gtt time.Time) task.Operation {
	return c.change(event.CallChangeGTT, o, func(ctx context.Context) error { return c.venue.SetGoodTillTime(ctx, o, gtt) })
}

// SetOpenPrice changes the open price of a conditional order.
func (c *Commands) SetOpenPrice(o schema.Order, price decimal.Decimal) task.Operation {
	return c.change(event.CallChangePrice, o, func(ctx context.Context) error { return c.venue.SetOpenPrice(ctx, o, price) })
}

func (c *Commands) change(reason event.CallReason, o schema.Order, invoke func(context.Context) error) task.Operation {
	if o == nil {
		return task.OperationFunc(func(context.Context, task.Emit) error {
			return errs.New("order/commands", errs.CodeInvalid, errs.WithMessage("order required"))
		})
	}
	return c.run(call{reason: reason, primary: o.ID(), narrow: true, invoke: invoke})
}

// run subscribes and registers the call context before invoking the venue,
// then forwards events of the watched orders until the primary order reports
// a kind that finishes reason or ends the order. Registration and the venue
// call hold the primary order's lock, so contexts of one order are queued in
// the order the venue sees the calls. The context is released on every exit
// path.
func (c *Commands) run(cl call) task.Operation {
	return task.OperationFunc(func(ctx context.Context, emit task.Emit) error {
		sub, err := c.events.Subscribe()
		if err != nil {
			return err
		}
		defer sub.Close()

		unlock := c.locks.lock(cl.primary)
		callCtx, err := c.correlator.Register(cl.primary, cl.reason)
		if err != nil {
			unlock()
			return err
		}
		defer c.correlator.Release(callCtx)

		err = c.exec.Do(ctx, cl.invoke)
		unlock()
		if err != nil {
			c.log.WithFields(logrus.Fields{"order": cl.primary, "call": cl.reason}).WithError(err).Warn("venue call failed")
			return errs.New("order/commands", errs.CodeVenue,
				errs.WithOrder(cl.primary),
				errs.WithField("call", cl.reason.String()),
				errs.WithCause(err))
		}

		filter := eventbus.ForOrders(append([]string{cl.primary}, cl.watch...)...)
		for {
			evt, err := sub.NextMatching(ctx, filter)
			if err != nil {
				return err
			}
			primary := evt.OrderID() == cl.primary
			finished := primary && (event.Finishes(cl.reason, evt.Kind) || evt.Terminal)
			if cl.narrow && primary && !finished {
				continue
			}
			if emit != nil {
				emit(evt)
			}
			if finished {
				return nil
			}
		}
	})
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
