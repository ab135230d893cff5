// Package schema defines the venue-facing order and notification types read by the engine.
package schema

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// OrderState enumerates the venue lifecycle states of an order.
type OrderState string

const (
	// OrderStateCreated marks an order accepted locally but not yet acknowledged.
	OrderStateCreated OrderState = "CREATED"
	// OrderStateOpened marks a pending (conditional) order resting at the venue.
	OrderStateOpened OrderState = "OPENED"
	// OrderStateFilled marks an order with a live filled amount.
	OrderStateFilled OrderState = "FILLED"
	// OrderStateClosed marks a fully closed order.
	OrderStateClosed OrderState = "CLOSED"
	// OrderStateCanceled marks an order cancelled or rejected before filling.
	OrderStateCanceled OrderState = "CANCELED"
)

// OrderCommand is the venue order command (direction plus execution style).
type OrderCommand string

const (
	CommandBuy          OrderCommand = "BUY"
	CommandSell         OrderCommand = "SELL"
	CommandBuyLimit     OrderCommand = "BUYLIMIT"
	CommandSellLimit    OrderCommand = "SELLLIMIT"
	CommandBuyStop      OrderCommand = "BUYSTOP"
	CommandSellStop     OrderCommand = "SELLSTOP"
	CommandBuyLimitBid  OrderCommand = "BUYLIMIT_BYBID"
	CommandSellLimitAsk OrderCommand = "SELLLIMIT_BYASK"
	CommandBuyStopBid   OrderCommand = "BUYSTOP_BYBID"
	CommandSellStopAsk  OrderCommand = "SELLSTOP_BYASK"
)

// IsConditional reports whether the command rests at the venue until triggered.
func (c OrderCommand) IsConditional() bool {
	switch c {
	case CommandBuy, CommandSell:
		return false
	case CommandBuyLimit, CommandSellLimit, CommandBuyStop, CommandSellStop,
		CommandBuyLimitBid, CommandSellLimitAsk, CommandBuyStopBid, CommandSellStopAsk:
		return true
	default:
		return false
	}
}

// IsLong reports whether the command buys.
func (c OrderCommand) IsLong() bool {
	return strings.HasPrefix(string(c), "BUY")
}

// Order is the live, venue-owned view of an order. Implementations must be safe
// for concurrent reads; the engine never mutates an Order.
type Order interface {
	ID() string
	Instrument() string
	Label() string
	Command() OrderCommand
	State() OrderState
	RequestedAmount() decimal.Decimal
	Amount() decimal.Decimal
	OpenPrice() decimal.Decimal
	StopLossPrice() decimal.Decimal
	TakeProfitPrice() decimal.Decimal
	GoodTillTime() time.Time
}

// HasStopLoss reports whether the order carries an active stop-loss.
func HasStopLoss(o Order) bool { return o != nil && !o.StopLossPrice().IsZero() }

// HasTakeProfit reports whether the order carries an active take-profit.
func HasTakeProfit(o Order) bool { return o != nil && !o.TakeProfitPrice().IsZero() }

// SignedAmount returns the filled amount, negative for sell orders.
func SignedAmount(o Order) decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	if o.Command().IsLong() {
		return o.Amount()
	}
	return o.Amount().Neg()
}

// OrderParams describes a submit request.
type OrderParams struct {
	Instrument   string
	Label        string
	Command      OrderCommand
	Amount       decimal.Decimal
	Price        decimal.Decimal
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
	GoodTillTime time.Time
	Comment      string
}

// LiveOrder is a mutex-guarded Order whose fields are mutated by a venue.
type LiveOrder struct {
	mu         sync.RWMutex
	id         string
	instrument string
	label      string
	command    OrderCommand
	state      OrderState
	requested  decimal.Decimal
	amount     decimal.Decimal
	openPrice  decimal.Decimal
	stopLoss   decimal.Decimal
	takeProfit decimal.Decimal
	gtt        time.Time
}

// NewLiveOrder creates a live order in the CREATED state from submit params.
func NewLiveOrder(id string, params OrderParams) *LiveOrder {
	return &LiveOrder{
		id:         id,
		instrument: params.Instrument,
		label:      params.Label,
		command:    params.Command,
		state:      OrderStateCreated,
		requested:  params.Amount,
		openPrice:  params.Price,
		stopLoss:   params.StopLoss,
		takeProfit: params.TakeProfit,
		gtt:        params.GoodTillTime,
	}
}

func (o *LiveOrder) ID() string         { return o.id }
func (o *LiveOrder) Instrument() string { return o.instrument }

func (o *LiveOrder) Label() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.label
}

func (o *LiveOrder) Command() OrderCommand {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.command
}

func (o *LiveOrder) State() OrderState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *LiveOrder) RequestedAmount() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.requested
}

func (o *LiveOrder) Amount() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.amount
}

func (o *LiveOrder) OpenPrice() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.openPrice
}

func (o *LiveOrder) StopLossPrice() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stopLoss
}

func (o *LiveOrder) TakeProfitPrice() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.takeProfit
}

func (o *LiveOrder) GoodTillTime() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.gtt
}

// Update applies fn to the order under its write lock.
func (o *LiveOrder) Update(fn func(*OrderFields)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fields := OrderFields{
		Label:      o.label,
		Command:    o.command,
		State:      o.state,
		Requested:  o.requested,
		Amount:     o.amount,
		OpenPrice:  o.openPrice,
		StopLoss:   o.stopLoss,
		TakeProfit: o.takeProfit,
		GTT:        o.gtt,
	}
	fn(&fields)
	o.label = fields.Label
	o.command = fields.Command
	o.state = fields.State
	o.requested = fields.Requested
	o.amount = fields.Amount
	o.openPrice = fields.OpenPrice
	o.stopLoss = fields.StopLoss
	o.takeProfit = fields.TakeProfit
	o.gtt = fields.GTT
}

// OrderFields is the mutable part of a LiveOrder exposed to Update.
type OrderFields struct {
	Label      string
	Command    OrderCommand
	State      OrderState
	Requested  decimal.Decimal
	Amount     decimal.Decimal
	OpenPrice  decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	GTT        time.Time
}
