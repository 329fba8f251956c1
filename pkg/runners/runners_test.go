package runners

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunningRunsOnceAndCloses(t *testing.T) {
	executor := NewExecutor(2, zap.NewNop())
	started := make(chan struct{})

	r := NewRunning("worker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}, executor)

	require.NoError(t, r.Awake(context.Background()))
	<-started
	assert.Equal(t, int64(1), executor.Active())

	assert.Error(t, r.Awake(context.Background()), "second awake must fail")

	r.Close()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("running did not stop after Close")
	}
	executor.Wait()
	assert.Equal(t, int64(0), executor.Active())
}

func TestRunningRejectsNilTask(t *testing.T) {
	r := NewRunning("empty", nil, NewExecutor(1, nil))
	assert.Error(t, r.Awake(context.Background()))
}

func TestExecutorShutdownCancelsTasks(t *testing.T) {
	executor := NewExecutor(3, zap.NewNop())

	var exited atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, executor.Submit(context.Background(), func(ctx context.Context) {
			<-ctx.Done()
			exited.Add(1)
		}))
	}

	executor.Shutdown()
	executor.Wait()
	assert.Equal(t, int32(3), exited.Load())

	err := executor.Submit(context.Background(), func(context.Context) {})
	assert.ErrorIs(t, err, ErrExecutorShutdown)
}

func TestExecutorSubmitBlocksWhenFull(t *testing.T) {
	executor := NewExecutor(1, nil)
	defer func() {
		executor.Shutdown()
		executor.Wait()
	}()

	require.NoError(t, executor.Submit(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := executor.Submit(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunningScheduledFixedDelayNeverOverlaps(t *testing.T) {
	var (
		mu      sync.Mutex
		running bool
		overlap bool
	)

	s := NewRunningScheduled("tick", 0, time.Millisecond, func(ctx context.Context) {
		mu.Lock()
		if running {
			overlap = true
		}
		running = true
		mu.Unlock()

		time.Sleep(3 * time.Millisecond)

		mu.Lock()
		running = false
		mu.Unlock()
	})

	require.NoError(t, s.Awake(context.Background()))
	assert.Eventually(t, func() bool { return s.Runs() >= 5 }, 2*time.Second, time.Millisecond)
	s.Close()
	<-s.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlap)
}

func TestRunningScheduledFixedRate(t *testing.T) {
	s := NewRunningScheduled("rate", 0, 2*time.Millisecond, func(context.Context) {}).WithMode(FixedRate)
	require.NoError(t, s.Awake(context.Background()))
	assert.Eventually(t, func() bool { return s.Runs() >= 3 }, 2*time.Second, time.Millisecond)
	s.Close()
	<-s.Done()
}

func TestRunningScheduledInitialDelay(t *testing.T) {
	s := NewRunningScheduled("late", time.Hour, time.Millisecond, func(context.Context) {})
	require.NoError(t, s.Awake(context.Background()))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(0), s.Runs())

	s.Close()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop during initial delay")
	}
}

func TestRunningScheduledValidation(t *testing.T) {
	assert.Error(t, NewRunningScheduled("nil", 0, time.Second, nil).Awake(context.Background()))
	assert.Error(t, NewRunningScheduled("zero", 0, 0, func(context.Context) {}).Awake(context.Background()))

	s := NewRunningScheduled("twice", 0, time.Second, func(context.Context) {})
	require.NoError(t, s.Awake(context.Background()))
	assert.Error(t, s.Awake(context.Background()))
	s.Close()
}

func TestControllerKillStopsEverything(t *testing.T) {
	rc := NewRunnersController(4, zap.NewNop())

	var workers atomic.Int32
	for _, id := range []string{"a", "b"} {
		rc.NewRunning(id, func(ctx context.Context) {
			workers.Add(1)
			<-ctx.Done()
		})
	}
	var ticks atomic.Int32
	rc.AddScheduledRunner(NewRunningScheduled("tick", 0, time.Millisecond, func(context.Context) {
		ticks.Add(1)
	}))

	require.NoError(t, rc.Awake(context.Background()))
	assert.Eventually(t, func() bool { return workers.Load() == 2 && ticks.Load() > 0 }, time.Second, time.Millisecond)

	rc.Kill()
	rc.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rc.Wait(ctx))

	after := ticks.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no tick may run after Kill")
}

func TestControllerWaitHonoursContext(t *testing.T) {
	rc := NewRunnersController(1, nil)
	block := make(chan struct{})
	rc.NewRunning("stuck", func(context.Context) { <-block })
	require.NoError(t, rc.Awake(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rc.Wait(ctx), context.DeadlineExceeded)

	close(block)
	rc.Kill()
	require.NoError(t, rc.Wait(context.Background()))
}
