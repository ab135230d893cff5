package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordertask/internal/event"
	"github.com/coachpo/ordertask/internal/task"
)

func newSwitcher(t *testing.T, cfg Config) (*fixture, *Switcher, *task.Runner) {
	t.Helper()
	f := newFixture(t, cfg)
	runner := task.NewRunner()
	t.Cleanup(runner.Wait)
	sw := NewSwitcher(SwitcherConfig{
		Instrument: eurusd,
		Label:      "Switch",
		Amount:     decimal.RequireFromString("0.1"),
	}, f.cmds, f.orch, f.tracker, runner)
	return f, sw, runner
}

func TestSwitcherFlipsDirection(t *testing.T) {
	f, sw, runner := newSwitcher(t, DefaultConfig())

	require.True(t, sw.Buy(context.Background()))
	runner.Wait()
	require.Equal(t, DirectionLong, f.tracker.Direction(eurusd))
	require.False(t, sw.Buy(context.Background()))

	require.True(t, sw.Sell(context.Background()))
	runner.Wait()
	require.Equal(t, DirectionShort, f.tracker.Direction(eurusd))
	require.True(t, f.tracker.SignedExposure(eurusd).Equal(decimal.RequireFromString("-0.1")))

	orders := f.tracker.Orders(eurusd)
	require.Len(t, orders, 1)
	require.Equal(t, "MergePositionSwitch", orders[0].Label())
	require.Equal(t, 2, f.venue.Calls(event.CallSubmit))
	require.Equal(t, 1, f.venue.Calls(event.CallMerge))
}

func TestSwitcherIgnoresSignalsWhileBusy(t *testing.T) {
	f, sw, runner := newSwitcher(t, DefaultConfig())

	var kinds []event.Kind
	require.True(t, sw.Buy(context.Background(), task.OnEvent(func(evt event.Event) { kinds = append(kinds, evt.Kind) })))
	require.False(t, sw.Sell(context.Background()))
	require.False(t, sw.Flat(context.Background()))
	runner.Wait()

	require.False(t, sw.Busy())
	require.Equal(t, event.KindFullyFilled, kinds[len(kinds)-1])
	require.Equal(t, 1, f.venue.Calls(event.CallSubmit))
}

func TestSwitcherFlatClosesPosition(t *testing.T) {
	f, sw, runner := newSwitcher(t, DefaultConfig())
	require.False(t, sw.Flat(context.Background()))

	require.True(t, sw.Sell(context.Background()))
	runner.Wait()
	require.True(t, sw.Flat(context.Background()))
	runner.Wait()

	require.Equal(t, DirectionFlat, f.tracker.Direction(eurusd))
	require.Equal(t, 1, f.venue.Calls(event.CallClose))
}
