package sim

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/ordertask/errs"
	"github.com/coachpo/ordertask/internal/domain/schema"
	"github.com/coachpo/ordertask/internal/event"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingFeed struct {
	mu    sync.Mutex
	notes []schema.Notification
	// states captures the order state as seen at delivery time.
	states []schema.OrderState
}

func (f *recordingFeed) OnNotification(n schema.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	f.states = append(f.states, n.Order.State())
	return nil
}

func (f *recordingFeed) types() []schema.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.MessageType, len(f.notes))
	for i, n := range f.notes {
		out[i] = n.Type
	}
	return out
}

func (f *recordingFeed) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes, f.states = nil, nil
}

func newVenue(t *testing.T, opts ...Option) (*Venue, *recordingFeed) {
	t.Helper()
	feed := new(recordingFeed)
	v := New(feed, opts...)
	t.Cleanup(v.Shutdown)
	return v, feed
}

func drain(t *testing.T, v *Venue) {
	t.Helper()
	require.NoError(t, v.Drain(context.Background()))
}

func params(cmd schema.OrderCommand, amount string) schema.OrderParams {
	return schema.OrderParams{Instrument: "EUR/USD", Command: cmd, Amount: decimal.RequireFromString(amount)}
}

func TestSubmitDeliversFillsWithCurrentState(t *testing.T) {
	v, feed := newVenue(t, WithFillSteps(2))
	order, err := v.Submit(context.Background(), "o-1", params(schema.CommandBuy, "0.2"))
	require.NoError(t, err)
	drain(t, v)

	require.Equal(t, []schema.MessageType{
		schema.MessageOrderSubmitOK, schema.MessageOrderFillOK, schema.MessageOrderFillOK,
	}, feed.types())
	require.Equal(t, []schema.OrderState{
		schema.OrderStateCreated, schema.OrderStateFilled, schema.OrderStateFilled,
	}, feed.states)
	require.True(t, feed.notes[2].HasReason(schema.ReasonFullyFilled))
	require.True(t, order.Amount().Equal(decimal.RequireFromString("0.2")))
	require.Equal(t, 1, v.Calls(event.CallSubmit))
}

func TestSubmitValidatesAndRejectsDuplicates(t *testing.T) {
	v, _ := newVenue(t)
	_, err := v.Submit(context.Background(), "", params(schema.CommandBuy, "0.1"))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = v.Submit(context.Background(), "o-1", params(schema.CommandBuy, "0.1"))
	require.NoError(t, err)
	_, err = v.Submit(context.Background(), "o-1", params(schema.CommandBuy, "0.1"))
	require.True(t, errs.IsCode(err, errs.CodeConflict))
}

func TestConditionalOrderRestsUntilFilled(t *testing.T) {
	v, feed := newVenue(t)
	order, err := v.Submit(context.Background(), "o-1", params(schema.CommandSellStop, "0.1"))
	require.NoError(t, err)
	drain(t, v)
	require.Equal(t, []schema.MessageType{schema.MessageOrderSubmitOK}, feed.types())
	require.Equal(t, schema.OrderStateOpened, order.State())

	require.NoError(t, v.Fill("o-1"))
	drain(t, v)
	require.Equal(t, schema.OrderStateFilled, order.State())
	require.True(t, errs.IsCode(v.Fill("o-1"), errs.CodeNotFound))
}

func TestScriptedChangeRejectionCarriesNoReason(t *testing.T) {
	v, feed := newVenue(t)
	order, err := v.Submit(context.Background(), "o-1", params(schema.CommandBuy, "0.1"))
	require.NoError(t, err)
	drain(t, v)
	feed.reset()

	v.RejectNext(event.CallChangeTP, "o-1", 1)
	require.NoError(t, v.SetTakeProfit(context.Background(), order, decimal.RequireFromString("1.2")))
	require.NoError(t, v.SetTakeProfit(context.Background(), order, decimal.RequireFromString("1.3")))
	drain(t, v)

	require.Equal(t, []schema.MessageType{schema.MessageOrderChangeRejected, schema.MessageOrderChangedOK}, feed.types())
	require.Empty(t, feed.notes[0].Reasons)
	require.True(t, feed.notes[1].HasReason(schema.ReasonChangedTP))
	require.True(t, order.TakeProfitPrice().Equal(decimal.RequireFromString("1.3")))
}

func TestMergeClosesConstituentsBeforeMergeNotification(t *testing.T) {
	v, feed := newVenue(t)
	a, err := v.Submit(context.Background(), "a", params(schema.CommandBuy, "0.3"))
	require.NoError(t, err)
	b, err := v.Submit(context.Background(), "b", params(schema.CommandSell, "0.1"))
	require.NoError(t, err)
	drain(t, v)
	feed.reset()

	merged, err := v.Merge(context.Background(), "m", "merged", []schema.Order{a, b})
	require.NoError(t, err)
	drain(t, v)

	require.Equal(t, []schema.MessageType{
		schema.MessageOrderCloseOK, schema.MessageOrderCloseOK, schema.MessageOrdersMergeOK,
	}, feed.types())
	require.True(t, feed.notes[0].HasReason(schema.ReasonClosedByMerge))
	require.Equal(t, schema.OrderStateClosed, a.State())
	require.Equal(t, schema.CommandBuy, merged.Command())
	require.True(t, merged.Amount().Equal(decimal.RequireFromString("0.2")))
}

func TestMergeRejectsProtectedOrders(t *testing.T) {
	v, feed := newVenue(t)
	p := params(schema.CommandBuy, "0.1")
	p.StopLoss = decimal.RequireFromString("1.0")
	a, err := v.Submit(context.Background(), "a", p)
	require.NoError(t, err)
	b, err := v.Submit(context.Background(), "b", params(schema.CommandBuy, "0.1"))
	require.NoError(t, err)
	drain(t, v)
	feed.reset()

	_, err = v.Merge(context.Background(), "m", "merged", []schema.Order{a, b})
	require.NoError(t, err)
	drain(t, v)
	require.Equal(t, []schema.MessageType{schema.MessageOrdersMergeRejected}, feed.types())
	require.Equal(t, schema.OrderStateFilled, a.State())
}

func TestMergeNettingToZeroClosesMergedOrder(t *testing.T) {
	v, _ := newVenue(t)
	a, err := v.Submit(context.Background(), "a", params(schema.CommandBuy, "0.1"))
	require.NoError(t, err)
	b, err := v.Submit(context.Background(), "b", params(schema.CommandSell, "0.1"))
	require.NoError(t, err)
	drain(t, v)

	merged, err := v.Merge(context.Background(), "m", "flat", []schema.Order{a, b})
	require.NoError(t, err)
	drain(t, v)
	require.Equal(t, schema.OrderStateClosed, merged.State())
}

func TestCloseAndTriggers(t *testing.T) {
	v, feed := newVenue(t)
	a, err := v.Submit(context.Background(), "a", params(schema.CommandBuy, "0.3"))
	require.NoError(t, err)
	_, err = v.Submit(context.Background(), "b", params(schema.CommandBuy, "0.1"))
	require.NoError(t, err)
	drain(t, v)
	feed.reset()

	require.NoError(t, v.Close(context.Background(), a, decimal.RequireFromString("0.1")))
	require.NoError(t, v.TriggerStopLoss("b"))
	drain(t, v)
	require.Equal(t, []schema.OrderState{schema.OrderStateFilled, schema.OrderStateClosed}, feed.states)
	require.True(t, feed.notes[1].HasReason(schema.ReasonClosedBySL))

	require.True(t, errs.IsCode(v.TriggerTakeProfit("b"), errs.CodeNotFound))
	err = v.Close(context.Background(), schema.NewLiveOrder("b", params(schema.CommandBuy, "0.1")), decimal.Zero)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestShutdownRefusesCalls(t *testing.T) {
	v, _ := newVenue(t)
	v.Shutdown()
	_, err := v.Submit(context.Background(), "a", params(schema.CommandBuy, "0.1"))
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
	require.NoError(t, v.Drain(context.Background()))
}
