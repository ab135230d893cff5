package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/ordertask/errs"
	"github.com/coachpo/ordertask/internal/bus/eventbus"
	"github.com/coachpo/ordertask/internal/domain/schema"
	"github.com/coachpo/ordertask/internal/event"
	"github.com/coachpo/ordertask/internal/task"
	"github.com/coachpo/ordertask/internal/venue"
	"github.com/coachpo/ordertask/internal/venue/sim"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	venue *sim.Venue
	gw    *event.Gateway
	bus   *eventbus.MemoryBus
	exec  *CallExecutor
	cmds  *Commands
}

func newHarness(t *testing.T, opts ...sim.Option) *harness {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	gw := event.NewGateway(bus, event.WithMetrics(nil))
	v := sim.New(gw, opts...)
	exec, err := NewCallExecutor(DefaultExecutorConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		v.Shutdown()
		require.NoError(t, exec.Shutdown(context.Background()))
		bus.Close()
	})
	return &harness{venue: v, gw: gw, bus: bus, exec: exec, cmds: NewCommands(v, gw, bus, exec)}
}

func run(t *testing.T, op task.Operation) *task.Handle {
	t.Helper()
	h := task.Start(context.Background(), op)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Cancel()
		t.Fatalf("operation did not complete; saw %v", h.Kinds())
	}
	return h
}

func buy(amount string) schema.OrderParams {
	return schema.OrderParams{
		Instrument: "EUR/USD",
		Label:      "test",
		Command:    schema.CommandBuy,
		Amount:     decimal.RequireFromString(amount),
	}
}

func (h *harness) filled(t *testing.T, params schema.OrderParams) schema.Order {
	t.Helper()
	handle := run(t, h.cmds.Submit(params))
	require.NoError(t, handle.Err())
	events := handle.Events()
	last := events[len(events)-1]
	require.Equal(t, event.KindFullyFilled, last.Kind)
	return last.Order
}

func TestSubmitCompletesOnFullFill(t *testing.T) {
	h := newHarness(t, sim.WithFillSteps(2))

	handle := run(t, h.cmds.Submit(buy("0.2")))
	require.NoError(t, handle.Err())
	require.Equal(t, []event.Kind{event.KindSubmitOK, event.KindPartialFillOK, event.KindFullyFilled}, handle.Kinds())

	order := handle.Events()[0].Order
	require.Equal(t, schema.OrderStateFilled, order.State())
	require.Zero(t, h.gw.Pending(order.ID()))
}

func TestSubmitConditionalCompletesWhenResting(t *testing.T) {
	h := newHarness(t)
	params := buy("0.1")
	params.Command = schema.CommandBuyLimit
	params.Price = decimal.RequireFromString("1.05")

	handle := run(t, h.cmds.Submit(params))
	require.NoError(t, handle.Err())
	require.Equal(t, []event.Kind{event.KindSubmitConditionalOK}, handle.Kinds())
	require.Equal(t, schema.OrderStateOpened, handle.Events()[0].Order.State())
}

func TestSubmitRejectionIsAnEventNotAnError(t *testing.T) {
	h := newHarness(t)
	h.venue.RejectNext(event.CallSubmit, "", 1)

	handle := run(t, h.cmds.Submit(buy("0.1")))
	require.NoError(t, handle.Err())
	require.Equal(t, []event.Kind{event.KindSubmitRejected}, handle.Kinds())
	require.True(t, handle.Events()[0].Terminal)
}

func TestSubmitUsesFreshIDPerRun(t *testing.T) {
	h := newHarness(t)
	op := h.cmds.Submit(buy("0.1"))

	first := run(t, op)
	second := run(t, op)
	require.NoError(t, first.Err())
	require.NoError(t, second.Err())
	require.NotEqual(t, first.Events()[0].OrderID(), second.Events()[0].OrderID())
	require.Equal(t, 2, h.venue.Calls(event.CallSubmit))
}

func TestChangeRejectionIsRefinedByCallReason(t *testing.T) {
	h := newHarness(t)
	order := h.filled(t, buy("0.1"))

	h.venue.RejectNext(event.CallChangeSL, order.ID(), 1)
	handle := run(t, h.cmds.SetStopLoss(order, decimal.RequireFromString("1.01")))
	require.NoError(t, handle.Err())
	require.Equal(t, []event.Kind{event.KindChangeSLRejected}, handle.Kinds())
	require.Zero(t, h.gw.Pending(order.ID()))

	handle = run(t, h.cmds.SetTakeProfit(order, decimal.RequireFromString("1.20")))
	require.NoError(t, handle.Err())
	require.Equal(t, []event.Kind{event.KindChangedTP}, handle.Kinds())
	require.True(t, order.TakeProfitPrice().Equal(decimal.RequireFromString("1.20")))
}

func TestSequentialChangesOnOneOrderKeepTheirReasons(t *testing.T) {
	h := newHarness(t)
	order := h.filled(t, buy("0.1"))
	h.venue.RejectNext(event.CallChangeLabel, order.ID(), 1)
	h.venue.RejectNext(event.CallChangeGTT, order.ID(), 1)

	label := run(t, h.cmds.SetLabel(order, "renamed"))
	gtt := run(t, h.cmds.SetGoodTillTime(order, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)))
	amount := run(t, h.cmds.SetRequestedAmount(order, decimal.RequireFromString("0.3")))

	require.Equal(t, []event.Kind{event.KindChangeLabelRejected}, label.Kinds())
	require.Equal(t, []event.Kind{event.KindChangeGTTRejected}, gtt.Kinds())
	require.Equal(t, []event.Kind{event.KindChangedAmount}, amount.Kinds())
	require.Equal(t, "test", order.Label())
}

func TestCloseFullAndPartial(t *testing.T) {
	h := newHarness(t)
	order := h.filled(t, buy("0.3"))

	partial := run(t, h.cmds.Close(order, decimal.RequireFromString("0.1")))
	require.NoError(t, partial.Err())
	require.Equal(t, []event.Kind{event.KindPartialCloseOK}, partial.Kinds())
	require.True(t, order.Amount().Equal(decimal.RequireFromString("0.2")))

	full := run(t, h.cmds.Close(order, decimal.Zero))
	require.NoError(t, full.Err())
	require.Equal(t, []event.Kind{event.KindCloseOK}, full.Kinds())
	require.Equal(t, schema.OrderStateClosed, order.State())
}

func TestMergeForwardsConstituentEvents(t *testing.T) {
	h := newHarness(t)
	first := h.filled(t, buy("0.1"))
	second := h.filled(t, buy("0.2"))

	handle := run(t, h.cmds.Merge("merged", []schema.Order{first, second}))
	require.NoError(t, handle.Err())
	require.Equal(t, []event.Kind{event.KindClosedByMerge, event.KindClosedByMerge, event.KindMergeOK}, handle.Kinds())

	merged := handle.Events()[2].Order
	require.Equal(t, "merged", merged.Label())
	require.True(t, merged.Amount().Equal(decimal.RequireFromString("0.3")))
}

func TestVenueErrorFailsOperationAndReleasesContext(t *testing.T) {
	h := newHarness(t)
	order := h.filled(t, buy("0.1"))
	full := run(t, h.cmds.Close(order, decimal.Zero))
	require.NoError(t, full.Err())

	handle := run(t, h.cmds.Close(order, decimal.Zero))
	require.True(t, errs.IsCode(handle.Err(), errs.CodeVenue))
	require.Empty(t, handle.Kinds())
	require.Zero(t, h.gw.Pending(order.ID()))
}

func TestNilOrderIsInvalid(t *testing.T) {
	h := newHarness(t)
	handle := run(t, h.cmds.SetLabel(nil, "x"))
	require.True(t, errs.IsCode(handle.Err(), errs.CodeInvalid))
}

// silentVenue accepts calls without ever notifying.
type silentVenue struct {
	venue.Venue
}

func (silentVenue) SetStopLoss(context.Context, schema.Order, decimal.Decimal) error { return nil }

func TestCancellationReleasesContext(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	gw := event.NewGateway(bus, event.WithMetrics(nil))
	exec, err := NewCallExecutor(DefaultExecutorConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, exec.Shutdown(context.Background())) }()
	cmds := NewCommands(silentVenue{}, gw, bus, exec)

	order := schema.NewLiveOrder("o-1", buy("0.1"))
	handle := task.Start(context.Background(), cmds.CancelStopLoss(order))
	require.Eventually(t, func() bool { return gw.Pending("o-1") == 1 }, time.Second, 5*time.Millisecond)

	handle.Cancel()
	require.ErrorIs(t, handle.Wait(context.Background()), context.Canceled)
	require.Zero(t, gw.Pending("o-1"))
}

func TestConcurrentChangesOnOneOrderAreAttributedToTheirCalls(t *testing.T) {
	h := newHarness(t)
	order := h.filled(t, buy("0.1"))
	h.venue.RejectNext(event.CallChangeTP, order.ID(), 1)

	sl := task.Start(context.Background(), h.cmds.SetStopLoss(order, decimal.RequireFromString("1.01")))
	tp := task.Start(context.Background(), h.cmds.SetTakeProfit(order, decimal.RequireFromString("1.20")))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sl.Wait(ctx))
	require.NoError(t, tp.Wait(ctx))

	require.Equal(t, []event.Kind{event.KindChangedSL}, sl.Kinds())
	require.Equal(t, []event.Kind{event.KindChangeTPRejected}, tp.Kinds())
	require.Zero(t, h.gw.Pending(order.ID()))
}

func TestKeyedMutexForgetsReleasedKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock("a")
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		k.lock("a")()
	}()
	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	require.Empty(t, k.locks)
}

// interleavingCorrelator delivers an informational notification for the
// order right after registering, so the call's own context is consumed
// before the venue answers.
type interleavingCorrelator struct {
	*event.Gateway
	venue *sim.Venue
}

func (c interleavingCorrelator) Register(orderID string, reason event.CallReason) (event.CallContext, error) {
	call, err := c.Gateway.Register(orderID, reason)
	if err != nil {
		return call, err
	}
	if o, ok := c.venue.Order(orderID); ok {
		if err := c.Gateway.OnNotification(schema.Notification{Order: o, Type: schema.MessageNotification}); err != nil {
			return call, err
		}
	}
	return call, nil
}

func TestChangeCompletesOnUncorrelatedRejection(t *testing.T) {
	h := newHarness(t)
	order := h.filled(t, buy("0.1"))
	h.venue.RejectNext(event.CallChangeSL, order.ID(), 1)

	cmds := NewCommands(h.venue, interleavingCorrelator{Gateway: h.gw, venue: h.venue}, h.bus, h.exec)
	handle := run(t, cmds.SetStopLoss(order, decimal.RequireFromString("1.01")))
	require.NoError(t, handle.Err())
	require.Equal(t, []event.Kind{event.KindChangedRejected}, handle.Kinds())
	require.Zero(t, h.gw.Pending(order.ID()))
}
