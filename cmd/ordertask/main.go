// Command ordertask runs a scripted trading session against the simulated
// venue: it opens protected orders, merges them, flips a position through the
// switcher and closes everything, journaling every semantic event when a
// database is configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/ordertask/internal/bus/eventbus"
	"github.com/coachpo/ordertask/internal/config"
	"github.com/coachpo/ordertask/internal/domain/schema"
	"github.com/coachpo/ordertask/internal/event"
	"github.com/coachpo/ordertask/internal/infra/persistence/migrations"
	"github.com/coachpo/ordertask/internal/infra/persistence/postgres"
	"github.com/coachpo/ordertask/internal/journal"
	"github.com/coachpo/ordertask/internal/order"
	"github.com/coachpo/ordertask/internal/position"
	"github.com/coachpo/ordertask/internal/task"
	"github.com/coachpo/ordertask/internal/telemetry"
	"github.com/coachpo/ordertask/internal/venue/sim"
	"github.com/coachpo/ordertask/lib/logging"
)

const (
	shutdownTimeout  = 10 * time.Second
	operationTimeout = 30 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "Path to application configuration file (default: config/app.yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *cfgPath); err != nil {
		logrus.WithError(err).Error("ordertask failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closeLog, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = closeLog() }()
	log := logrus.WithField("component", "ordertask")
	log.WithField("env", cfg.Environment).Info("configuration initialised")

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdown(log, "telemetry", provider.Shutdown)

	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	tracker := position.NewTracker()
	gateway := event.NewGateway(bus, event.WithObserver(tracker))
	defer gateway.Close()
	venue := sim.New(gateway, sim.WithFillSteps(cfg.Venue.FillSteps))
	defer venue.Shutdown()

	exec, err := order.NewCallExecutor(cfg.Executor)
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}
	defer shutdown(log, "executor", exec.Shutdown)

	var background conc.WaitGroup
	sessionCtx, stopSession := context.WithCancel(ctx)
	closeJournal := func() {}
	defer func() {
		stopSession()
		background.Wait()
		closeJournal()
	}()

	if cfg.Journal.Enabled {
		var recorder *journal.Recorder
		recorder, closeJournal, err = openJournal(ctx, cfg, bus)
		if err != nil {
			return err
		}
		log.WithField("session", recorder.Session()).Info("journal enabled")
		background.Go(func() {
			if err := recorder.Run(sessionCtx); err != nil {
				log.WithError(err).Warn("journal stopped")
			}
		})
	}

	cmds := order.NewCommands(venue, gateway, bus, exec)
	orch := position.NewOrchestrator(cmds, tracker, cfg.Position)
	runner := task.NewRunner()
	switcher := position.NewSwitcher(cfg.Switcher, cmds, orch, tracker, runner)

	s := &session{cfg: cfg, cmds: cmds, orch: orch, switcher: switcher, runner: runner, tracker: tracker, log: log}
	if err := s.play(sessionCtx); err != nil {
		return err
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelDrain()
	if err := venue.Drain(drainCtx); err != nil {
		log.WithError(err).Warn("venue drain incomplete")
	}
	log.Info("session completed")
	return nil
}

func openJournal(ctx context.Context, cfg config.AppConfig, bus *eventbus.MemoryBus) (*journal.Recorder, func(), error) {
	if cfg.Journal.RunMigrations {
		if err := migrations.Apply(ctx, cfg.Journal.DSN, migrations.WithLogger(logrus.WithField("component", "migrations"))); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Open(ctx, cfg.Journal)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	recorder, err := journal.NewRecorder(postgres.NewJournalStore(pool), bus, cfg.Journal)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("init recorder: %w", err)
	}
	return recorder, pool.Close, nil
}

func shutdown(log *logrus.Entry, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.WithError(err).WithField("resource", name).Warn("shutdown failed")
	}
}

type session struct {
	cfg      config.AppConfig
	cmds     *order.Commands
	orch     *position.Orchestrator
	switcher *position.Switcher
	runner   *task.Runner
	tracker  *position.Tracker
	log      *logrus.Entry
}

func (s *session) play(ctx context.Context) error {
	instrument := s.cfg.Switcher.Instrument
	entries := []schema.OrderParams{
		{Instrument: instrument, Label: "entry-1", Command: schema.CommandBuy,
			Amount: decimal.RequireFromString("0.1"), StopLoss: decimal.RequireFromString("1.0500")},
		{Instrument: instrument, Label: "entry-2", Command: schema.CommandBuy,
			Amount: decimal.RequireFromString("0.2"), TakeProfit: decimal.RequireFromString("1.2500")},
	}
	opens := make([]task.Operation, 0, len(entries))
	for _, params := range entries {
		opens = append(opens, task.Compose(s.cmds.Submit(params), task.NewSpec(
			task.Named("open-"+params.Label),
			task.WithRetry(task.RetrySpec{
				Trigger:     event.KindSubmitRejected,
				MaxAttempts: s.cfg.Retry.MaxAttempts,
				Delay:       s.cfg.Retry.Delay,
			}),
			task.OnEvent(s.logEvent))))
	}
	steps := []struct {
		name string
		op   task.Operation
	}{
		{"open", task.NewBatch(opens...)},
		{"merge", task.Compose(s.orch.MergePosition(instrument), task.NewSpec(task.OnEvent(s.logEvent)))},
	}
	for _, step := range steps {
		if err := s.await(ctx, step.name, step.op); err != nil {
			return err
		}
	}

	for _, send := range []func(context.Context, ...task.SpecOption) bool{
		s.switcher.Sell, s.switcher.Buy, s.switcher.Flat,
	} {
		if !send(ctx, task.OnEvent(s.logEvent)) {
			s.log.Info("signal ignored")
			continue
		}
		s.runner.Wait()
		s.log.WithFields(logrus.Fields{
			"direction": s.tracker.Direction(instrument),
			"exposure":  s.tracker.SignedExposure(instrument).String(),
		}).Info("position switched")
	}

	return s.await(ctx, "close-all", task.Compose(s.orch.CloseAllPositions(), task.NewSpec(task.OnEvent(s.logEvent))))
}

func (s *session) await(ctx context.Context, name string, op task.Operation) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	h := task.Start(ctx, op)
	if err := h.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.log.WithFields(logrus.Fields{"step": name, "events": len(h.Events())}).Info("step completed")
	return nil
}

func (s *session) logEvent(evt event.Event) {
	s.log.WithFields(logrus.Fields{
		"kind":  evt.Kind,
		"order": evt.OrderID(),
		"seq":   evt.Seq,
	}).Debug("event")
}
