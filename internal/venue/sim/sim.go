// Package sim is an in-memory execution venue. Call outcomes are delivered to
// the feed from a single goroutine in call order, mutating the live order
// right before its notification so the feed always sees a current snapshot.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/ordertask/errs"
	"github.com/coachpo/ordertask/internal/domain/schema"
	"github.com/coachpo/ordertask/internal/event"
	"github.com/coachpo/ordertask/internal/venue"
)

const component = "venue/sim"

var _ venue.Venue = (*Venue)(nil)

type delivery struct {
	apply  func()
	n      schema.Notification
	marker chan struct{}
}

type rejectKey struct {
	reason  event.CallReason
	orderID string
}

// Venue is a simulated venue. It is safe for concurrent callers.
type Venue struct {
	feed      venue.Feed
	fillSteps int
	log       *logrus.Entry

	mu      sync.Mutex
	orders  map[string]*schema.LiveOrder
	rejects map[rejectKey]int
	calls   map[event.CallReason]int
	queue   []delivery
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// Option customises a Venue.
type Option func(*Venue)

// WithFillSteps delivers market fills in n partial steps.
func WithFillSteps(n int) Option {
	return func(v *Venue) {
		if n > 0 {
			v.fillSteps = n
		}
	}
}

// New starts a venue delivering notifications to feed.
func New(feed venue.Feed, opts ...Option) *Venue {
	v := &Venue{
		feed:      feed,
		fillSteps: 1,
		log:       logrus.WithField("component", component),
		orders:    make(map[string]*schema.LiveOrder),
		rejects:   make(map[rejectKey]int),
		calls:     make(map[event.CallReason]int),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	go v.deliver()
	return v
}

// RejectNext makes the next times calls of reason on orderID be rejected by
// the venue. An empty orderID matches any order.
func (v *Venue) RejectNext(reason event.CallReason, orderID string, times int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejects[rejectKey{reason: reason, orderID: orderID}] += times
}

// Calls returns how many calls of reason the venue accepted.
func (v *Venue) Calls(reason event.CallReason) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[reason]
}

// Order returns the live order with id.
func (v *Venue) Order(id string) (*schema.LiveOrder, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[id]
	return o, ok
}

// Orders returns every order the venue knows about.
func (v *Venue) Orders() []schema.Order {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]schema.Order, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, o)
	}
	return out
}

// Submit implements venue.Venue.
func (v *Venue) Submit(_ context.Context, id string, params schema.OrderParams) (schema.Order, error) {
	if id == "" || params.Instrument == "" || !params.Amount.IsPositive() {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("submit requires id, instrument and positive amount"))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.acceptLocked(event.CallSubmit, id); err != nil {
		return nil, err
	}
	if _, exists := v.orders[id]; exists {
		return nil, errs.New(component, errs.CodeConflict, errs.WithOrder(id), errs.WithMessage("duplicate order id"))
	}
	order := schema.NewLiveOrder(id, params)
	v.orders[id] = order

	if v.takeRejectLocked(event.CallSubmit, id) {
		v.enqueueLocked(func() { setState(order, schema.OrderStateCanceled) }, order, schema.MessageOrderSubmitRejected)
		return order, nil
	}
	if params.Command.IsConditional() {
		v.enqueueLocked(func() { setState(order, schema.OrderStateOpened) }, order, schema.MessageOrderSubmitOK)
		return order, nil
	}
	v.enqueueLocked(nil, order, schema.MessageOrderSubmitOK)
	v.enqueueFillsLocked(order, params.Amount)
	return order, nil
}

func (v *Venue) enqueueFillsLocked(order *schema.LiveOrder, amount decimal.Decimal) {
	step := amount.Div(decimal.NewFromInt(int64(v.fillSteps)))
	for i := 1; i < v.fillSteps; i++ {
		filled := step.Mul(decimal.NewFromInt(int64(i)))
		v.enqueueLocked(func() {
			order.Update(func(f *schema.OrderFields) {
				f.State = schema.OrderStateFilled
				f.Amount = filled
			})
		}, order, schema.MessageOrderFillOK)
	}
	v.enqueueLocked(func() {
		order.Update(func(f *schema.OrderFields) {
			f.State = schema.OrderStateFilled
			f.Amount = amount
		})
	}, order, schema.MessageOrderFillOK, schema.ReasonFullyFilled)
}

// Fill triggers a pending order at its requested amount.
func (v *Venue) Fill(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[id]
	if !ok || order.State() != schema.OrderStateOpened {
		return errs.New(component, errs.CodeNotFound, errs.WithOrder(id), errs.WithMessage("no pending order"))
	}
	v.enqueueFillsLocked(order, order.RequestedAmount())
	return nil
}

// Merge implements venue.Venue. Orders carrying SL or TP are rejected.
func (v *Venue) Merge(_ context.Context, id, label string, orders []schema.Order) (schema.Order, error) {
	if id == "" || len(orders) < 2 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("merge requires id and at least two orders"))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.acceptLocked(event.CallMerge, id); err != nil {
		return nil, err
	}
	instrument := orders[0].Instrument()
	net := decimal.Zero
	protected := false
	for _, o := range orders {
		live, ok := v.orders[o.ID()]
		if !ok || live.State() != schema.OrderStateFilled || live.Instrument() != instrument {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithOrder(o.ID()),
				errs.WithMessage("merge requires filled orders of one instrument"))
		}
		net = net.Add(schema.SignedAmount(live))
		protected = protected || schema.HasStopLoss(live) || schema.HasTakeProfit(live)
	}
	command := schema.CommandBuy
	if net.IsNegative() {
		command = schema.CommandSell
	}
	merged := schema.NewLiveOrder(id, schema.OrderParams{
		Instrument: instrument,
		Label:      label,
		Command:    command,
		Amount:     net.Abs(),
	})
	v.orders[id] = merged

	if protected || v.takeRejectLocked(event.CallMerge, id) {
		v.enqueueLocked(func() { setState(merged, schema.OrderStateCanceled) }, merged, schema.MessageOrdersMergeRejected)
		return merged, nil
	}
	for _, o := range orders {
		live := v.orders[o.ID()]
		v.enqueueLocked(func() {
			live.Update(func(f *schema.OrderFields) { f.State = schema.OrderStateClosed })
		}, live, schema.MessageOrderCloseOK, schema.ReasonClosedByMerge)
	}
	v.enqueueLocked(func() {
		merged.Update(func(f *schema.OrderFields) {
			f.Amount = net.Abs()
			if net.IsZero() {
				f.State = schema.OrderStateClosed
			} else {
				f.State = schema.OrderStateFilled
			}
		})
	}, merged, schema.MessageOrdersMergeOK)
	return merged, nil
}

// Close implements venue.Venue.
func (v *Venue) Close(_ context.Context, order schema.Order, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	live, err := v.activeLocked(event.CallClose, order)
	if err != nil {
		return err
	}
	if v.takeRejectLocked(event.CallClose, live.ID()) {
		v.enqueueLocked(nil, live, schema.MessageOrderCloseRejected)
		return nil
	}
	v.enqueueLocked(func() {
		live.Update(func(f *schema.OrderFields) {
			if f.State == schema.OrderStateFilled && amount.IsPositive() && amount.LessThan(f.Amount) {
				f.Amount = f.Amount.Sub(amount)
				return
			}
			f.State = schema.OrderStateClosed
		})
	}, live, schema.MessageOrderCloseOK)
	return nil
}

// SetStopLoss implements venue.Venue. A zero price removes the stop-loss.
func (v *Venue) SetStopLoss(_ context.Context, order schema.Order, price decimal.Decimal) error {
	return v.change(event.CallChangeSL, order, schema.ReasonChangedSL, func(f *schema.OrderFields) { f.StopLoss = price })
}

// SetTakeProfit implements venue.Venue. A zero price removes the take-profit.
func (v *Venue) SetTakeProfit(_ context.Context, order schema.Order, price decimal.Decimal) error {
	return v.change(event.CallChangeTP, order, schema.ReasonChangedTP, func(f *schema.OrderFields) { f.TakeProfit = price })
}

// SetLabel implements venue.Venue.
func (v *Venue) SetLabel(_ context.Context, order schema.Order, label string) error {
	return v.change(event.CallChangeLabel, order, schema.ReasonChangedLabel, func(f *schema.OrderFields) { f.Label = label })
}

// SetRequestedAmount implements venue.Venue.
func (v *Venue) SetRequestedAmount(_ context.Context, order schema.Order, amount decimal.Decimal) error {
	return v.change(event.CallChangeAmount, order, schema.ReasonChangedAmount, func(f *schema.OrderFields) { f.Requested = amount })
}

// SetGoodTillTime implements venue.Venue.
func (v *Venue) SetGoodTillTime(_ context.Context, order schema.Order, gtt time.Time) error {
	return v.change(event.CallChangeGTT, order, schema.ReasonChangedGTT, func(f *schema.OrderFields) { f.GTT = gtt })
}

// SetOpenPrice implements venue.Venue.
func (v *Venue) SetOpenPrice(_ context.Context, order schema.Order, price decimal.Decimal) error {
	return v.change(event.CallChangePrice, order, schema.ReasonChangedPrice, func(f *schema.OrderFields) { f.OpenPrice = price })
}

// change rejections carry no reason, so the feed has to correlate them.
func (v *Venue) change(reason event.CallReason, order schema.Order, ok schema.Reason, mutate func(*schema.OrderFields)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	live, err := v.activeLocked(reason, order)
	if err != nil {
		return err
	}
	if v.takeRejectLocked(reason, live.ID()) {
		v.enqueueLocked(nil, live, schema.MessageOrderChangeRejected)
		return nil
	}
	v.enqueueLocked(func() { live.Update(mutate) }, live, schema.MessageOrderChangedOK, ok)
	return nil
}

// TriggerStopLoss closes a filled order as if its stop-loss was hit.
func (v *Venue) TriggerStopLoss(id string) error {
	return v.closeBy(id, schema.ReasonClosedBySL)
}

// TriggerTakeProfit closes a filled order as if its take-profit was hit.
func (v *Venue) TriggerTakeProfit(id string) error {
	return v.closeBy(id, schema.ReasonClosedByTP)
}

func (v *Venue) closeBy(id string, reason schema.Reason) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	live, ok := v.orders[id]
	if !ok || live.State() != schema.OrderStateFilled {
		return errs.New(component, errs.CodeNotFound, errs.WithOrder(id), errs.WithMessage("no filled order"))
	}
	v.enqueueLocked(func() { setState(live, schema.OrderStateClosed) }, live, schema.MessageOrderCloseOK, reason)
	return nil
}

// Inject delivers a raw notification through the feed in call order.
func (v *Venue) Inject(n schema.Notification) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.queue = append(v.queue, delivery{n: n})
	v.signal()
}

// Drain blocks until every notification queued before the call was delivered.
func (v *Venue) Drain(ctx context.Context) error {
	marker := make(chan struct{})
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.queue = append(v.queue, delivery{marker: marker})
	v.signal()
	v.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-marker:
		return nil
	}
}

// Shutdown stops delivery once the queued notifications were delivered.
func (v *Venue) Shutdown() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		<-v.done
		return
	}
	v.closed = true
	v.signal()
	v.mu.Unlock()
	<-v.done
}

func (v *Venue) acceptLocked(reason event.CallReason, id string) error {
	if v.closed {
		return errs.New(component, errs.CodeUnavailable, errs.WithOrder(id), errs.WithMessage("venue closed"))
	}
	v.calls[reason]++
	return nil
}

func (v *Venue) activeLocked(reason event.CallReason, order schema.Order) (*schema.LiveOrder, error) {
	if order == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("order required"))
	}
	live, ok := v.orders[order.ID()]
	if !ok {
		return nil, errs.New(component, errs.CodeNotFound, errs.WithOrder(order.ID()), errs.WithMessage("unknown order"))
	}
	switch live.State() {
	case schema.OrderStateClosed, schema.OrderStateCanceled:
		return nil, errs.New(component, errs.CodeInvalid, errs.WithOrder(order.ID()),
			errs.WithMessage("order is no longer active"))
	}
	return live, v.acceptLocked(reason, order.ID())
}

func (v *Venue) takeRejectLocked(reason event.CallReason, id string) bool {
	for _, key := range []rejectKey{{reason, id}, {reason, ""}} {
		if v.rejects[key] > 0 {
			v.rejects[key]--
			if v.rejects[key] == 0 {
				delete(v.rejects, key)
			}
			return true
		}
	}
	return false
}

func (v *Venue) enqueueLocked(apply func(), order schema.Order, typ schema.MessageType, reasons ...schema.Reason) {
	v.queue = append(v.queue, delivery{
		apply: apply,
		n:     schema.Notification{Order: order, Type: typ, Reasons: reasons},
	})
	v.signal()
}

func (v *Venue) signal() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

func (v *Venue) deliver() {
	defer close(v.done)
	for {
		v.mu.Lock()
		if len(v.queue) == 0 {
			closed := v.closed
			v.mu.Unlock()
			if closed {
				return
			}
			<-v.wake
			continue
		}
		next := v.queue[0]
		v.queue[0] = delivery{}
		v.queue = v.queue[1:]
		v.mu.Unlock()

		if next.marker != nil {
			close(next.marker)
			continue
		}
		if next.apply != nil {
			next.apply()
		}
		if v.feed == nil {
			continue
		}
		if err := v.feed.OnNotification(next.n); err != nil {
			v.log.WithError(err).WithField("order", next.n.OrderID()).Warn("feed rejected notification")
		}
	}
}

func setState(o *schema.LiveOrder, state schema.OrderState) {
	o.Update(func(f *schema.OrderFields) { f.State = state })
}
