// Package concurrency provides the semaphore and circuit breaker primitives used by the
// runtime's worker pool and ingestion adapter.
package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks limiter usage
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter bounds the number of concurrently running goroutines and tracks them so a caller
// can wait for all of them to finish.
type Limiter struct {
	sem     chan struct{}
	active  atomic.Int64
	metrics Metrics
	wg      sync.WaitGroup
}

// NewLimiter creates a new limiter with the specified maximum of concurrent operations
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		sem: make(chan struct{}, maxConcurrent),
	}
}

// Capacity returns the maximum number of concurrent operations
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Acquire blocks until a slot is free or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
		// Release without Acquire
	}
}

// Go runs fn in a goroutine once a slot is acquired. The slot is released when fn returns.
func (l *Limiter) Go(ctx context.Context, fn func()) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.Release()
		fn()
	}()
	return nil
}

// Wait blocks until every goroutine started with Go has returned
func (l *Limiter) Wait() {
	l.wg.Wait()
}

// CurrentActive returns the current number of held slots
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

// updatePeak updates the peak concurrent count if current is higher
func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			return
		}
	}
}
