package order

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/coachpo/ordertask/errs"
	"github.com/coachpo/ordertask/lib/async"
)

// ExecutorConfig bounds how venue calls are issued.
type ExecutorConfig struct {
	Workers        int     `yaml:"workers"`
	Queue          int     `yaml:"queue"`
	CallsPerSecond float64 `yaml:"callsPerSecond"`
	Burst          int     `yaml:"burst"`
	// SaturationRetries is how often a call is retried while the queue is full.
	SaturationRetries uint `yaml:"saturationRetries"`
}

// DefaultExecutorConfig returns a small pool without throttling.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{Workers: 4, Queue: 64, SaturationRetries: 5}
}

// CallExecutor runs venue calls on a bounded worker pool behind a rate limiter.
type CallExecutor struct {
	pool    *async.Pool
	limiter *rate.Limiter
	retries uint
}

// NewCallExecutor builds an executor from cfg.
func NewCallExecutor(cfg ExecutorConfig) (*CallExecutor, error) {
	pool, err := async.NewPool(cfg.Workers, cfg.Queue)
	if err != nil {
		return nil, err
	}
	exec := &CallExecutor{pool: pool, retries: cfg.SaturationRetries}
	if cfg.CallsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		exec.limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), burst)
	}
	if exec.retries == 0 {
		exec.retries = 1
	}
	return exec, nil
}

// Do runs call on the pool and returns its error. A saturated queue is
// retried with exponential backoff.
func (e *CallExecutor) Do(ctx context.Context, call func(context.Context) error) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return errs.New("order/executor", errs.CodeUnavailable, errs.WithMessage("rate limit wait"), errs.WithCause(err))
		}
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.pool.Do(ctx, call)
		if err != nil && !errors.Is(err, async.ErrSaturated) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(e.retries))
	return err
}

// Shutdown waits for in-flight calls.
func (e *CallExecutor) Shutdown(ctx context.Context) error {
	return e.pool.Shutdown(ctx)
}
