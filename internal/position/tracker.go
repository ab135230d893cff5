// Package position aggregates per-order commands into whole-position
// operations: merging, closing and direction switching.
package position

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/ordertask/internal/domain/schema"
	"github.com/coachpo/ordertask/internal/event"
)

// Direction is the net side of a position.
type Direction uint8

const (
	DirectionFlat Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Inventory lists the open orders of each instrument.
type Inventory interface {
	Orders(instrument string) []schema.Order
	Instruments() []string
}

// Tracker is an Inventory fed from the semantic event stream. Attach it with
// event.WithObserver so it never lags behind the events operations see.
type Tracker struct {
	mu     sync.RWMutex
	orders map[string][]schema.Order
}

var (
	_ Inventory      = (*Tracker)(nil)
	_ event.Observer = (*Tracker)(nil)
)

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{orders: make(map[string][]schema.Order)}
}

// Observe implements event.Observer.
func (t *Tracker) Observe(evt event.Event) {
	if evt.Order == nil {
		return
	}
	switch {
	case evt.Terminal:
		t.remove(evt.Order)
	case evt.Kind == event.KindSubmitOK, evt.Kind == event.KindSubmitConditionalOK,
		evt.Kind == event.KindPartialFillOK, evt.Kind == event.KindFullyFilled,
		evt.Kind == event.KindMergeOK:
		t.add(evt.Order)
	}
}

func (t *Tracker) add(o schema.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.orders[o.Instrument()]
	for _, existing := range list {
		if existing.ID() == o.ID() {
			return
		}
	}
	t.orders[o.Instrument()] = append(list, o)
}

func (t *Tracker) remove(o schema.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.orders[o.Instrument()]
	for i, existing := range list {
		if existing.ID() != o.ID() {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(t.orders, o.Instrument())
		} else {
			t.orders[o.Instrument()] = list
		}
		return
	}
}

// Orders returns the tracked orders of instrument in arrival order.
func (t *Tracker) Orders(instrument string) []schema.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]schema.Order(nil), t.orders[instrument]...)
}

// Instruments returns every instrument with tracked orders, sorted.
func (t *Tracker) Instruments() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.orders))
	for instrument := range t.orders {
		out = append(out, instrument)
	}
	sort.Strings(out)
	return out
}

// SignedExposure sums the filled amounts of instrument, sells negative.
func (t *Tracker) SignedExposure(instrument string) decimal.Decimal {
	exposure := decimal.Zero
	for _, o := range t.Orders(instrument) {
		if o.State() == schema.OrderStateFilled {
			exposure = exposure.Add(schema.SignedAmount(o))
		}
	}
	return exposure
}

// Direction derives the side of instrument from its signed exposure.
func (t *Tracker) Direction(instrument string) Direction {
	exposure := t.SignedExposure(instrument)
	switch {
	case exposure.IsPositive():
		return DirectionLong
	case exposure.IsNegative():
		return DirectionShort
	default:
		return DirectionFlat
	}
}
