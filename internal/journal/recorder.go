package journal

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/ordertask/errs"
	"github.com/coachpo/ordertask/internal/bus/eventbus"
	"github.com/coachpo/ordertask/lib/clock"
)

// Config controls the journal sink.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	DSN           string `yaml:"dsn"`
	MaxConns      int32  `yaml:"maxConns"`
	MinConns      int32  `yaml:"minConns"`
	RunMigrations bool   `yaml:"runMigrations"`
	// WriteRetries bounds attempts per record before it is dropped.
	WriteRetries uint `yaml:"writeRetries"`
}

// DefaultConfig returns a disabled journal.
func DefaultConfig() Config {
	return Config{MaxConns: 4, MinConns: 0, RunMigrations: true, WriteRetries: 5}
}

// Subscriber opens event subscriptions.
type Subscriber interface {
	Subscribe() (*eventbus.Subscription, error)
}

// Recorder copies the event stream into a Store.
type Recorder struct {
	store   Store
	sub     *eventbus.Subscription
	session string
	retries uint
	clock   clock.Clock
	backOff func() backoff.BackOff
	log     *logrus.Entry
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithClock stamps records with c.
func WithClock(c clock.Clock) RecorderOption {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithBackOff replaces the write retry schedule.
func WithBackOff(fn func() backoff.BackOff) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.backOff = fn
		}
	}
}

// NewRecorder subscribes right away so no event published after the call is
// missed. Run must be called to drain the subscription.
func NewRecorder(store Store, events Subscriber, cfg Config, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, errs.New("journal", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	sub, err := events.Subscribe()
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		store:   store,
		sub:     sub,
		session: uuid.NewString(),
		retries: cfg.WriteRetries,
		clock:   clock.Real(),
		backOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 50 * time.Millisecond
			policy.MaxInterval = 2 * time.Second
			return policy
		},
	}
	if r.retries == 0 {
		r.retries = 1
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logrus.WithFields(logrus.Fields{"component": "journal", "session": r.session})
	return r, nil
}

// Session identifies this recorder's rows.
func (r *Recorder) Session() string { return r.session }

// Run records events until ctx is done or the bus closes. Records that still
// fail after the configured retries are logged and dropped.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.sub.Close()
	for {
		evt, err := r.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errs.IsCode(err, errs.CodeUnavailable) {
				return nil
			}
			return err
		}
		rec, err := NewRecord(r.session, evt, r.clock.Now())
		if err != nil {
			r.log.WithError(err).Warn("event not journaled")
			continue
		}
		if err := r.write(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.WithError(err).WithFields(logrus.Fields{"seq": rec.Seq, "order": rec.OrderID}).Error("journal write failed")
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec Record) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.store.Append(ctx, rec)
	}, backoff.WithBackOff(r.backOff()), backoff.WithMaxTries(r.retries))
	return err
}
