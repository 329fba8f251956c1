package runners

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// RunnersController aggregates the shared executor and every runner so that all of them
// can be woken and killed together.
type RunnersController struct {
	mu        sync.Mutex
	executor  *Executor
	runnings  []*Running
	scheduled []*RunningScheduled
	killed    bool
	logger    *zap.Logger
}

// NewRunnersController creates a controller whose executor has workers slots
func NewRunnersController(workers int, logger *zap.Logger) *RunnersController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunnersController{
		executor: NewExecutor(workers, logger),
		logger:   logger,
	}
}

// Executor returns the shared worker pool
func (rc *RunnersController) Executor() *Executor {
	return rc.executor
}

// NewRunning creates a one-shot runner on the shared executor and tracks it
func (rc *RunnersController) NewRunning(id string, task Task) *Running {
	r := NewRunning(id, task, rc.executor)
	rc.mu.Lock()
	rc.runnings = append(rc.runnings, r)
	rc.mu.Unlock()
	return r
}

// AddScheduledRunner tracks a scheduled runner
func (rc *RunnersController) AddScheduledRunner(s *RunningScheduled) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.scheduled = append(rc.scheduled, s)
}

// Scheduled returns the tracked scheduled runners
func (rc *RunnersController) Scheduled() []*RunningScheduled {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]*RunningScheduled, len(rc.scheduled))
	copy(out, rc.scheduled)
	return out
}

// Runnings returns the tracked one-shot runners
func (rc *RunnersController) Runnings() []*Running {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]*Running, len(rc.runnings))
	copy(out, rc.runnings)
	return out
}

// Awake starts every one-shot runner first, then every scheduler.
func (rc *RunnersController) Awake(ctx context.Context) error {
	for _, r := range rc.Runnings() {
		if err := r.Awake(ctx); err != nil {
			return err
		}
	}
	for _, s := range rc.Scheduled() {
		if err := s.Awake(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Kill cancels every scheduler and every task on the executor. It is best-effort: tasks
// blocked in the middle of their work are interrupted through their context. Kill does not
// wait for them; call Wait for that. Calling Kill more than once is a no-op.
func (rc *RunnersController) Kill() {
	rc.mu.Lock()
	if rc.killed {
		rc.mu.Unlock()
		return
	}
	rc.killed = true
	scheduled := make([]*RunningScheduled, len(rc.scheduled))
	copy(scheduled, rc.scheduled)
	runnings := make([]*Running, len(rc.runnings))
	copy(runnings, rc.runnings)
	rc.mu.Unlock()

	rc.logger.Debug("Killing runners",
		zap.Int("scheduled", len(scheduled)),
		zap.Int("runnings", len(runnings)))

	for _, s := range scheduled {
		s.Close()
	}
	for _, r := range runnings {
		r.Close()
	}
	rc.executor.Shutdown()
}

// Wait blocks until every task and scheduler exited, or ctx is done.
func (rc *RunnersController) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		rc.executor.Wait()
		for _, s := range rc.Scheduled() {
			s.mu.Lock()
			started := s.cancel != nil
			s.mu.Unlock()
			if started {
				<-s.Done()
			}
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
