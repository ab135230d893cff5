package position

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/ordertask/errs"
	"github.com/coachpo/ordertask/internal/domain/schema"
	"github.com/coachpo/ordertask/internal/event"
	"github.com/coachpo/ordertask/internal/order"
	"github.com/coachpo/ordertask/internal/task"
	"github.com/coachpo/ordertask/lib/clock"
)

// CloseMode selects how a position is closed.
type CloseMode string

const (
	// CloseIndividually closes every order on its own.
	CloseIndividually CloseMode = "individual"
	// CloseMerged merges the filled orders first and closes the result.
	CloseMerged CloseMode = "merged"
)

// Scope selects the orders a close applies to.
type Scope string

const (
	ScopeFilled Scope = "filled"
	ScopeOpened Scope = "opened"
	ScopeAll    Scope = "all"
)

func (s Scope) includes(state schema.OrderState) bool {
	switch s {
	case ScopeFilled:
		return state == schema.OrderStateFilled
	case ScopeOpened:
		return state == schema.OrderStateOpened
	case ScopeAll:
		return state == schema.OrderStateFilled || state == schema.OrderStateOpened
	default:
		return false
	}
}

// RetryConfig bounds resubmission of a rejected merge or close.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Delay       time.Duration `yaml:"delay"`
}

// Config tunes position operations.
type Config struct {
	MergeLabelPrefix string      `yaml:"mergeLabelPrefix"`
	CloseMode        CloseMode   `yaml:"closeMode"`
	CloseScope       Scope       `yaml:"closeScope"`
	MergeRetry       RetryConfig `yaml:"mergeRetry"`
	CloseRetry       RetryConfig `yaml:"closeRetry"`
}

// DefaultConfig closes individually, filled orders only, without retries.
func DefaultConfig() Config {
	return Config{
		MergeLabelPrefix: "MergePosition",
		CloseMode:        CloseIndividually,
		CloseScope:       ScopeFilled,
	}
}

// Validate reports unusable settings.
func (c Config) Validate() error {
	switch c.CloseMode {
	case CloseIndividually, CloseMerged:
	default:
		return errs.New("position", errs.CodeInvalid, errs.WithField("closeMode", string(c.CloseMode)),
			errs.WithMessage("unknown close mode"))
	}
	if !c.CloseScope.includes(schema.OrderStateFilled) && !c.CloseScope.includes(schema.OrderStateOpened) {
		return errs.New("position", errs.CodeInvalid, errs.WithField("closeScope", string(c.CloseScope)),
			errs.WithMessage("unknown close scope"))
	}
	if c.MergeRetry.MaxAttempts < 0 || c.CloseRetry.MaxAttempts < 0 {
		return errs.New("position", errs.CodeInvalid, errs.WithMessage("retry attempts must be >=0"))
	}
	return nil
}

// Orchestrator builds whole-position operations from single order commands.
type Orchestrator struct {
	cmds      *order.Commands
	inventory Inventory
	cfg       Config
	clock     clock.Clock
	log       *logrus.Entry
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for retry delays.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// NewOrchestrator wires an orchestrator reading positions from inventory.
func NewOrchestrator(cmds *order.Commands, inventory Inventory, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cmds:      cmds,
		inventory: inventory,
		cfg:       cfg,
		clock:     clock.Real(),
		log:       logrus.WithField("component", "position/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MergeLabel is the label given to the merged order of instrument.
func (o *Orchestrator) MergeLabel(instrument string) string {
	return o.cfg.MergeLabelPrefix + instrument
}

// MergePosition cancels SL and TP on the filled orders of instrument and then
// merges the orders whose cancels succeeded. Positions with fewer than two
// filled orders complete without any call.
func (o *Orchestrator) MergePosition(instrument string) task.Operation {
	return o.merge(instrument, o.MergeLabel(instrument), nil)
}

func (o *Orchestrator) merge(instrument, label string, merged func(schema.Order)) task.Operation {
	return task.OperationFunc(func(ctx context.Context, emit task.Emit) error {
		orders := o.scoped(instrument, ScopeFilled)
		if len(orders) < 2 {
			o.log.WithFields(logrus.Fields{"instrument": instrument, "orders": len(orders)}).Debug("nothing to merge")
			return nil
		}

		var mu sync.Mutex
		excluded := make(map[string]bool)
		exclude := func(evt event.Event) {
			mu.Lock()
			excluded[evt.OrderID()] = true
			mu.Unlock()
		}
		cancels := make([]task.Operation, 0, 2*len(orders))
		for _, ord := range orders {
			if schema.HasStopLoss(ord) {
				cancels = append(cancels, task.Compose(o.cmds.CancelStopLoss(ord), task.NewSpec(
					task.Named("cancel-sl"),
					task.On(event.KindChangeSLRejected, exclude),
					task.On(event.KindChangedRejected, exclude))))
			}
			if schema.HasTakeProfit(ord) {
				cancels = append(cancels, task.Compose(o.cmds.CancelTakeProfit(ord), task.NewSpec(
					task.Named("cancel-tp"),
					task.On(event.KindChangeTPRejected, exclude),
					task.On(event.KindChangedRejected, exclude))))
			}
		}

		op := task.Sequence(task.NewBatch(cancels...), func(context.Context) (task.Operation, error) {
			mu.Lock()
			defer mu.Unlock()
			settled := make([]schema.Order, 0, len(orders))
			for _, ord := range orders {
				if !excluded[ord.ID()] {
					settled = append(settled, ord)
				}
			}
			if len(settled) < 2 {
				o.log.WithFields(logrus.Fields{"instrument": instrument, "excluded": len(excluded)}).
					Info("merge skipped after cancel rejections")
				return nil, nil
			}
			mergeOp := o.retry(o.cmds.Merge(label, settled), event.KindMergeRejected, o.cfg.MergeRetry)
			if merged == nil {
				return mergeOp, nil
			}
			return task.Compose(mergeOp, task.NewSpec(task.Named("merge"),
				task.On(event.KindMergeOK, func(evt event.Event) { merged(evt.Order) }))), nil
		})
		return op.Run(ctx, emit)
	})
}

// ClosePosition closes the orders of instrument selected by the configured
// scope. In CloseMerged mode the filled orders are merged first and the
// merged order is closed together with the remaining scoped orders.
func (o *Orchestrator) ClosePosition(instrument string) task.Operation {
	if o.cfg.CloseMode != CloseMerged || !o.cfg.CloseScope.includes(schema.OrderStateFilled) {
		return o.closeEach(instrument, nil)
	}
	return task.OperationFunc(func(ctx context.Context, emit task.Emit) error {
		if len(o.scoped(instrument, ScopeFilled)) < 2 {
			return o.closeEach(instrument, nil).Run(ctx, emit)
		}
		var mergedOrder schema.Order
		first := o.merge(instrument, o.MergeLabel(instrument), func(m schema.Order) { mergedOrder = m })
		return task.Sequence(first, func(context.Context) (task.Operation, error) {
			return o.closeEach(instrument, mergedOrder), nil
		}).Run(ctx, emit)
	})
}

// closeEach closes every scoped order of instrument, plus extra when it is
// still open, as one batch.
func (o *Orchestrator) closeEach(instrument string, extra schema.Order) task.Operation {
	return task.OperationFunc(func(ctx context.Context, emit task.Emit) error {
		orders := o.scoped(instrument, o.cfg.CloseScope)
		if extra != nil && o.cfg.CloseScope.includes(extra.State()) && !contains(orders, extra.ID()) {
			orders = append(orders, extra)
		}
		closes := make([]task.Operation, 0, len(orders))
		for _, ord := range orders {
			closes = append(closes, o.retry(o.cmds.Close(ord, decimal.Zero), event.KindCloseRejected, o.cfg.CloseRetry))
		}
		return task.NewBatch(closes...).Run(ctx, emit)
	})
}

// MergeAllPositions merges every tracked instrument concurrently.
func (o *Orchestrator) MergeAllPositions() task.Operation {
	return o.forEachInstrument(o.MergePosition)
}

// CloseAllPositions closes every tracked instrument concurrently.
func (o *Orchestrator) CloseAllPositions() task.Operation {
	return o.forEachInstrument(o.ClosePosition)
}

// CancelStopLoss removes the stop-loss of every filled order of instrument.
func (o *Orchestrator) CancelStopLoss(instrument string) task.Operation {
	return o.cancelAll(instrument, schema.HasStopLoss, o.cmds.CancelStopLoss)
}

// CancelTakeProfit removes the take-profit of every filled order of instrument.
func (o *Orchestrator) CancelTakeProfit(instrument string) task.Operation {
	return o.cancelAll(instrument, schema.HasTakeProfit, o.cmds.CancelTakeProfit)
}

func (o *Orchestrator) cancelAll(instrument string, has func(schema.Order) bool, cancel func(schema.Order) task.Operation) task.Operation {
	return task.OperationFunc(func(ctx context.Context, emit task.Emit) error {
		var ops []task.Operation
		for _, ord := range o.scoped(instrument, ScopeFilled) {
			if has(ord) {
				ops = append(ops, cancel(ord))
			}
		}
		return task.NewBatch(ops...).Run(ctx, emit)
	})
}

func (o *Orchestrator) forEachInstrument(build func(string) task.Operation) task.Operation {
	return task.OperationFunc(func(ctx context.Context, emit task.Emit) error {
		instruments := o.inventory.Instruments()
		ops := make([]task.Operation, 0, len(instruments))
		for _, instrument := range instruments {
			ops = append(ops, build(instrument))
		}
		return task.NewBatch(ops...).Run(ctx, emit)
	})
}

func (o *Orchestrator) retry(op task.Operation, trigger event.Kind, cfg RetryConfig) task.Operation {
	if cfg.MaxAttempts <= 0 {
		return op
	}
	return &task.Retry{Op: op, Trigger: trigger, MaxAttempts: cfg.MaxAttempts, Delay: cfg.Delay, Clock: o.clock}
}

// scoped returns the orders of instrument whose live state is in scope.
func (o *Orchestrator) scoped(instrument string, scope Scope) []schema.Order {
	all := o.inventory.Orders(instrument)
	out := make([]schema.Order, 0, len(all))
	for _, ord := range all {
		if scope.includes(ord.State()) {
			out = append(out, ord)
		}
	}
	return out
}

func contains(orders []schema.Order, id string) bool {
	for _, ord := range orders {
		if ord.ID() == id {
			return true
		}
	}
	return false
}
