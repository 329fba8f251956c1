// Package runners manages the goroutines of the stepping runtime: one-shot tasks on a shared
// worker pool (Running), repeating tasks on dedicated schedulers (RunningScheduled), and the
// controller that shuts all of them down (RunnersController).
package runners

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wehubfusion/stepping/pkg/concurrency"
)

// ErrExecutorShutdown is returned when submitting to an executor that has been shut down
var ErrExecutorShutdown = errors.New("executor is shut down")

// Task is a unit of work. It must return promptly once ctx is done.
type Task func(ctx context.Context)

// Executor is the shared worker pool. Every submitted task runs on its own goroutine,
// holding one limiter slot for its whole lifetime.
type Executor struct {
	limiter  *concurrency.Limiter
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown atomic.Bool
	logger   *zap.Logger
}

// NewExecutor creates a pool with size slots
func NewExecutor(size int, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		limiter: concurrency.NewLimiter(size),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Submit runs task once a slot is available. The task context is cancelled when ctx is done
// or the executor shuts down.
func (e *Executor) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	if e.shutdown.Load() {
		return ErrExecutorShutdown
	}

	taskCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)

	err := e.limiter.Go(taskCtx, func() {
		defer stop()
		defer cancel()
		task(taskCtx)
	})
	if err != nil {
		stop()
		cancel()
		if e.shutdown.Load() {
			return ErrExecutorShutdown
		}
		return err
	}
	return nil
}

// Shutdown cancels every running task. It does not wait; use Wait for that.
func (e *Executor) Shutdown() {
	if e.shutdown.CompareAndSwap(false, true) {
		e.logger.Debug("Shutting down executor",
			zap.Int64("active", e.limiter.CurrentActive()))
		e.cancel()
	}
}

// Wait blocks until every submitted task has returned
func (e *Executor) Wait() {
	e.limiter.Wait()
}

// Active returns the number of running tasks
func (e *Executor) Active() int64 {
	return e.limiter.CurrentActive()
}

// Capacity returns the pool size
func (e *Executor) Capacity() int {
	return e.limiter.Capacity()
}

// Metrics returns the underlying limiter metrics
func (e *Executor) Metrics() concurrency.Metrics {
	return e.limiter.GetMetrics()
}
