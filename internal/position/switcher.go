package position

import (
	"context"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/ordertask/internal/domain/schema"
	"github.com/coachpo/ordertask/internal/order"
	"github.com/coachpo/ordertask/internal/task"
)

// Exposure reports the net side and size of an instrument.
type Exposure interface {
	Direction(instrument string) Direction
	SignedExposure(instrument string) decimal.Decimal
}

// SwitcherConfig describes the orders a Switcher submits.
type SwitcherConfig struct {
	Instrument string          `yaml:"instrument"`
	Label      string          `yaml:"label"`
	Amount     decimal.Decimal `yaml:"amount"`
}

// Switcher flips one instrument between long, short and flat. A signal is
// ignored while a previous one is still being executed and when the position
// already points the requested way.
type Switcher struct {
	cfg      SwitcherConfig
	cmds     *order.Commands
	orch     *Orchestrator
	exposure Exposure
	runner   *task.Runner
	busy     atomic.Bool
	log      *logrus.Entry
}

// NewSwitcher wires a switcher. Operations run on runner.
func NewSwitcher(cfg SwitcherConfig, cmds *order.Commands, orch *Orchestrator, exposure Exposure, runner *task.Runner) *Switcher {
	return &Switcher{
		cfg:      cfg,
		cmds:     cmds,
		orch:     orch,
		exposure: exposure,
		runner:   runner,
		log:      logrus.WithFields(logrus.Fields{"component": "position/switcher", "instrument": cfg.Instrument}),
	}
}

// Busy reports whether a signal is being executed.
func (s *Switcher) Busy() bool { return s.busy.Load() }

// Buy turns the position long. It reports whether the signal was accepted.
func (s *Switcher) Buy(ctx context.Context, opts ...task.SpecOption) bool {
	return s.signal(ctx, DirectionLong, opts)
}

// Sell turns the position short. It reports whether the signal was accepted.
func (s *Switcher) Sell(ctx context.Context, opts ...task.SpecOption) bool {
	return s.signal(ctx, DirectionShort, opts)
}

// Flat closes the position. It reports whether the signal was accepted.
func (s *Switcher) Flat(ctx context.Context, opts ...task.SpecOption) bool {
	return s.signal(ctx, DirectionFlat, opts)
}

func (s *Switcher) signal(ctx context.Context, want Direction, opts []task.SpecOption) bool {
	entry := s.log.WithField("signal", want)
	if s.exposure.Direction(s.cfg.Instrument) == want {
		entry.Debug("signal ignored: position already there")
		return false
	}
	if !s.busy.CompareAndSwap(false, true) {
		entry.Debug("signal ignored: switcher busy")
		return false
	}

	var op task.Operation
	if want == DirectionFlat {
		op = s.orch.ClosePosition(s.cfg.Instrument)
	} else {
		op = s.flip(want)
	}
	if len(opts) > 0 {
		op = task.Compose(op, task.NewSpec(opts...))
	}
	release := func() { s.busy.Store(false) }
	entry.Info("signal accepted")
	s.runner.ComposeAndRun(ctx, op, task.NewSpec(
		task.Named("switch-"+want.String()),
		task.OnComplete(release),
		task.OnError(func(error) { release() })))
	return true
}

// flip submits base amount plus the current exposure in direction and merges
// the position afterwards.
func (s *Switcher) flip(direction Direction) task.Operation {
	command := schema.CommandBuy
	if direction == DirectionShort {
		command = schema.CommandSell
	}
	label := s.orch.MergeLabel(s.cfg.Label)
	amount := s.cfg.Amount.Add(s.exposure.SignedExposure(s.cfg.Instrument).Abs())
	submit := s.cmds.Submit(schema.OrderParams{
		Instrument: s.cfg.Instrument,
		Label:      label,
		Command:    command,
		Amount:     amount,
	})
	return task.Sequence(submit, func(context.Context) (task.Operation, error) {
		return s.orch.merge(s.cfg.Instrument, label, nil), nil
	})
}
