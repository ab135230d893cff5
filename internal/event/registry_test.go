package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordertask/errs"
	"github.com/coachpo/ordertask/internal/domain/schema"
)

func TestRegistryConsumesOneContextPerNotification(t *testing.T) {
	reg := NewRegistry()
	order := newOrder(schema.CommandBuy, "0.1", "0.1", schema.OrderStateFilled)

	_, err := reg.Register(order.ID(), CallChangeSL)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Pending(order.ID()))

	evt, _, err := reg.Ingest(notification(order, schema.MessageOrderChangeRejected))
	require.NoError(t, err)
	require.Equal(t, KindChangeSLRejected, evt.Kind)
	require.Zero(t, reg.Pending(order.ID()))
	require.Zero(t, reg.Len())

	evt, _, err = reg.Ingest(notification(order, schema.MessageOrderChangeRejected))
	require.NoError(t, err)
	require.Equal(t, KindChangedRejected, evt.Kind)
}

func TestRegistryIngestReturnsConsumedContext(t *testing.T) {
	reg := NewRegistry()
	order := newOrder(schema.CommandBuy, "0.1", "0.1", schema.OrderStateFilled)

	registered, err := reg.Register(order.ID(), CallClose)
	require.NoError(t, err)
	_, call, err := reg.Ingest(notification(order, schema.MessageOrderCloseOK))
	require.NoError(t, err)
	require.NotNil(t, call)
	require.Equal(t, registered, *call)

	_, call, err = reg.Ingest(notification(order, schema.MessageOrderChangeRejected))
	require.NoError(t, err)
	require.Nil(t, call)

	registered, err = reg.Register(order.ID(), CallChangeSL)
	require.NoError(t, err)
	_, call, err = reg.Ingest(notification(order, schema.MessageOrderCloseOK, schema.ReasonChangedSL))
	var unclassifiable *UnclassifiableError
	require.ErrorAs(t, err, &unclassifiable)
	require.NotNil(t, call)
	require.Equal(t, registered, *call)
	require.Zero(t, reg.Len())
}

func TestRegistryIsFIFOPerOrder(t *testing.T) {
	reg := NewRegistry()
	order := newOrder(schema.CommandBuy, "0.1", "0.1", schema.OrderStateFilled)

	for _, reason := range []CallReason{CallChangeTP, CallChangeLabel, CallChangeGTT} {
		_, err := reg.Register(order.ID(), reason)
		require.NoError(t, err)
	}
	want := []Kind{KindChangeTPRejected, KindChangeLabelRejected, KindChangeGTTRejected, KindChangedRejected}
	for _, kind := range want {
		evt, _, err := reg.Ingest(notification(order, schema.MessageOrderChangeRejected))
		require.NoError(t, err)
		require.Equal(t, kind, evt.Kind)
	}
}

func TestRegistryConsumesOnUnambiguousNotifications(t *testing.T) {
	reg := NewRegistry()
	order := newOrder(schema.CommandBuy, "0.1", "0.1", schema.OrderStateFilled)

	_, err := reg.Register(order.ID(), CallChangeSL)
	require.NoError(t, err)
	evt, _, err := reg.Ingest(notification(order, schema.MessageOrderChangedOK, schema.ReasonChangedSL))
	require.NoError(t, err)
	require.Equal(t, KindChangedSL, evt.Kind)
	require.Zero(t, reg.Pending(order.ID()))
}

func TestRegistryKeepsOrdersIndependent(t *testing.T) {
	reg := NewRegistry()
	a := newOrder(schema.CommandBuy, "0.1", "0.1", schema.OrderStateFilled)
	b := schema.NewLiveOrder("order-2", schema.OrderParams{Command: schema.CommandSell})

	_, err := reg.Register(a.ID(), CallClose)
	require.NoError(t, err)

	evt, _, err := reg.Ingest(notification(b, schema.MessageOrderChangeRejected))
	require.NoError(t, err)
	require.Equal(t, KindChangedRejected, evt.Kind)
	require.Equal(t, 1, reg.Pending(a.ID()))
}

func TestRegistryRelease(t *testing.T) {
	reg := NewRegistry()
	first, err := reg.Register("o", CallChangeSL)
	require.NoError(t, err)
	second, err := reg.Register("o", CallChangeTP)
	require.NoError(t, err)

	require.True(t, reg.Release(first))
	require.False(t, reg.Release(first))
	require.Equal(t, 1, reg.Pending("o"))

	order := schema.NewLiveOrder("o", schema.OrderParams{Command: schema.CommandBuy})
	evt, _, err := reg.Ingest(notification(order, schema.MessageOrderChangeRejected))
	require.NoError(t, err)
	require.Equal(t, KindChangeTPRejected, evt.Kind)
	require.False(t, reg.Release(second))
}

func TestRegistryCloseDropsContexts(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("o", CallMerge)
	require.NoError(t, err)
	reg.Close()
	require.Zero(t, reg.Len())

	_, err = reg.Register("o", CallMerge)
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))

	_, err = reg.Register("", CallMerge)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestRegistryConcurrentRegistration(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call, err := reg.Register("shared", CallChangeAmount)
			if err == nil && call.ID == "" {
				t.Error("empty call id")
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, reg.Pending("shared"))
}
