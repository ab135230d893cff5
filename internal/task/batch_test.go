package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordertask/internal/event"
)

func TestBatchCompletesOnlyAfterEveryBranch(t *testing.T) {
	left := newFeed(event.KindChangedSL)
	right := newFeed(event.KindChangedTP)
	h := Start(context.Background(), NewBatch(left, right))

	left.send(t, event.KindNotification)
	left.send(t, event.KindChangedSL)
	requireRunning(t, h)

	right.send(t, event.KindNotification)
	right.send(t, event.KindChangedTP)
	<-h.Done()

	require.NoError(t, h.Err())
	require.ElementsMatch(t,
		[]event.Kind{event.KindNotification, event.KindChangedSL, event.KindNotification, event.KindChangedTP},
		h.Kinds())
}

func TestBatchPreservesOrderWithinBranch(t *testing.T) {
	first := fixed(nil, event.KindSubmitOK, event.KindPartialFillOK, event.KindFullyFilled)
	second := fixed(nil, event.KindChangedLabel, event.KindChangedGTT)

	var got []event.Kind
	err := NewBatch(first, second).Run(context.Background(), func(e event.Event) { got = append(got, e.Kind) })
	require.NoError(t, err)
	require.Len(t, got, 5)

	require.Equal(t, []event.Kind{event.KindSubmitOK, event.KindPartialFillOK, event.KindFullyFilled},
		filterKinds(got, event.KindSubmitOK, event.KindPartialFillOK, event.KindFullyFilled))
	require.Equal(t, []event.Kind{event.KindChangedLabel, event.KindChangedGTT},
		filterKinds(got, event.KindChangedLabel, event.KindChangedGTT))
}

func filterKinds(kinds []event.Kind, keep ...event.Kind) []event.Kind {
	set := make(map[event.Kind]bool, len(keep))
	for _, k := range keep {
		set[k] = true
	}
	var out []event.Kind
	for _, k := range kinds {
		if set[k] {
			out = append(out, k)
		}
	}
	return out
}

func TestBatchFirstFailureCancelsSiblings(t *testing.T) {
	boom := errors.New("venue refused call")
	slow := newFeed(event.KindMergeOK)
	failing := fixed(boom, event.KindNotification)

	h := Start(context.Background(), NewBatch(slow, failing))
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not fail fast")
	}

	var failure *BranchFailure
	require.ErrorAs(t, h.Err(), &failure)
	require.Equal(t, 1, failure.Index)
	require.ErrorIs(t, h.Err(), boom)
}

func TestBatchEmptyCompletes(t *testing.T) {
	require.NoError(t, NewBatch().Run(context.Background(), nil))
}

func TestBatchRespectsMaxConcurrency(t *testing.T) {
	b := &Batch{
		Branches:       []Operation{fixed(nil, event.KindCloseOK), fixed(nil, event.KindCloseOK), fixed(nil, event.KindCloseOK)},
		MaxConcurrency: 1,
	}
	count := 0
	require.NoError(t, b.Run(context.Background(), func(event.Event) { count++ }))
	require.Equal(t, 3, count)
}

func TestBatchRejectedBranchFailsAggregate(t *testing.T) {
	ok := fixed(nil, event.KindChangedSL)
	rejected := FailOnReject(fixed(nil, event.KindChangeTPRejected))

	err := NewBatch(ok, rejected).Run(context.Background(), func(event.Event) {})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, event.KindChangeTPRejected, rej.Event.Kind)
}
