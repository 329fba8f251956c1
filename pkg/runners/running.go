package runners

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Running wraps a one-shot task submitted to the shared executor.
type Running struct {
	id       string
	task     Task
	executor *Executor

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunning creates a one-shot runner for task
func NewRunning(id string, task Task, executor *Executor) *Running {
	return &Running{
		id:       id,
		task:     task,
		executor: executor,
		done:     make(chan struct{}),
	}
}

// ID returns the runner id
func (r *Running) ID() string {
	return r.id
}

// Awake submits the task. A Running can only be awoken once.
func (r *Running) Awake(ctx context.Context) error {
	if r.task == nil {
		return errors.New("can't awake empty task")
	}
	if r.executor == nil {
		return errors.New("running has no executor")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("running " + r.id + " already awake")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	err := r.executor.Submit(runCtx, func(ctx context.Context) {
		defer close(r.done)
		r.task(ctx)
	})
	if err != nil {
		cancel()
		close(r.done)
		return err
	}
	return nil
}

// Close cancels the task context
func (r *Running) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Done is closed once the task returned
func (r *Running) Done() <-chan struct{} {
	return r.done
}

// ScheduleMode selects how the period of a RunningScheduled is measured
type ScheduleMode int

const (
	// FixedDelay waits the period after each run completes
	FixedDelay ScheduleMode = iota

	// FixedRate starts runs every period; a run that overruns delays the next one
	FixedRate
)

// RunningScheduled runs a task repeatedly on its own goroutine so that one slow task
// cannot starve another's schedule. Runs of the same RunningScheduled never overlap.
type RunningScheduled struct {
	id           string
	initialDelay time.Duration
	period       time.Duration
	mode         ScheduleMode
	task         Task

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runs   int64
}

// NewRunningScheduled creates a fixed-delay repeating runner
func NewRunningScheduled(id string, initialDelay, period time.Duration, task Task) *RunningScheduled {
	return &RunningScheduled{
		id:           id,
		initialDelay: initialDelay,
		period:       period,
		mode:         FixedDelay,
		task:         task,
		done:         make(chan struct{}),
	}
}

// WithMode sets the schedule mode. Must be called before Awake.
func (s *RunningScheduled) WithMode(mode ScheduleMode) *RunningScheduled {
	s.mode = mode
	return s
}

// ID returns the runner id
func (s *RunningScheduled) ID() string {
	return s.id
}

// Period returns the schedule period
func (s *RunningScheduled) Period() time.Duration {
	return s.period
}

// InitialDelay returns the delay before the first run
func (s *RunningScheduled) InitialDelay() time.Duration {
	return s.initialDelay
}

// Runs returns how many times the task has been started
func (s *RunningScheduled) Runs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Awake starts the scheduler goroutine. A RunningScheduled can only be awoken once.
func (s *RunningScheduled) Awake(ctx context.Context) error {
	if s.task == nil {
		return errors.New("can't awake empty task")
	}
	if s.period <= 0 {
		return errors.New("scheduled runner " + s.id + " needs a positive period")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduled runner " + s.id + " already awake")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(runCtx)
	return nil
}

// Close stops the schedule and cancels the running task, if any
func (s *RunningScheduled) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Done is closed once the scheduler goroutine exited
func (s *RunningScheduled) Done() <-chan struct{} {
	return s.done
}

func (s *RunningScheduled) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.initialDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	var ticker *time.Ticker
	if s.mode == FixedRate {
		ticker = time.NewTicker(s.period)
		defer ticker.Stop()
	}

	for {
		s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		timer.Reset(s.period)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (s *RunningScheduled) runOnce(ctx context.Context) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	s.task(ctx)
}
