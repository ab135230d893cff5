// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coachpo/ordertask/errs"
)

var log = logrus.WithField("component", "lib/async")

// ErrSaturated is the cause reported when the queue is full.
var ErrSaturated = errors.New("pool at capacity")

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool is a bounded worker pool. Submit never blocks: a full queue is
// reported as CodeUnavailable so callers can back off.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx    context.Context
	fn     Task
	result chan<- error
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, jobs: make(chan job, queue)}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn without waiting for it.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	return p.enqueue(ctx, fn, nil)
}

// Do schedules fn and waits for its result or ctx.
func (p *Pool) Do(ctx context.Context, fn Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	result := make(chan error, 1)
	if err := p.enqueue(ctx, fn, result); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("await task: %w", ctx.Err())
	}
}

func (p *Pool) enqueue(ctx context.Context, fn Task, result chan<- error) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn, result: result}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithCause(ErrSaturated))
	}
}

// Close stops accepting new tasks; queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown waits for queued and in-flight tasks or until ctx expires, then
// cancels the contexts of tasks still running.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	defer p.cancel()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	ctx, stop := mergeCancel(j.ctx, p.ctx)
	defer stop()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("task panicked")
				err = errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage(fmt.Sprintf("task panicked: %v", r)))
			}
		}()
		err = j.fn(ctx)
	}()
	if j.result != nil {
		j.result <- err
	} else if err != nil {
		log.WithError(err).Debug("task failed")
	}
}

// mergeCancel derives a context from ctx that is also cancelled with pool.
func mergeCancel(ctx, pool context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(pool, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
