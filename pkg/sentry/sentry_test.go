package sentry

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/stepping/pkg/config"
	sterrors "github.com/wehubfusion/stepping/pkg/errors"
)

type mockTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (t *mockTransport) Configure(sentry.ClientOptions)        {}
func (t *mockTransport) Flush(time.Duration) bool              { return true }
func (t *mockTransport) FlushWithContext(context.Context) bool { return true }
func (t *mockTransport) Close()                                {}
func (t *mockTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *mockTransport) Events() []*sentry.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*sentry.Event, len(t.events))
	copy(out, t.events)
	return out
}

func setupTransport(t *testing.T) *mockTransport {
	t.Helper()
	transport := &mockTransport{}
	require.NoError(t, sentry.Init(sentry.ClientOptions{
		Dsn:       "https://test@sentry.io/123",
		Transport: transport,
	}))
	return transport
}

func TestInitWithoutDSNIsNoop(t *testing.T) {
	assert.NoError(t, Init(Config{}))
}

func TestReportTagsStepErrors(t *testing.T) {
	transport := setupTransport(t)

	Report(sterrors.NewStepError("mapper", "OnSubjectUpdate", errors.New("boom")))

	events := transport.Events()
	require.Len(t, events, 1)
	assert.Equal(t, sentry.LevelError, events[0].Level)
	assert.Equal(t, "mapper", events[0].Tags["step_id"])
	assert.Equal(t, "step", events[0].Tags["kind"])
}

func TestReportCriticalIsFatal(t *testing.T) {
	transport := setupTransport(t)

	Report(sterrors.NewCriticalError("disk gone", nil))

	events := transport.Events()
	require.Len(t, events, 1)
	assert.Equal(t, sentry.LevelFatal, events[0].Level)
}

func TestExceptionHandlerDelegates(t *testing.T) {
	transport := setupTransport(t)

	h := NewExceptionHandler(nil)
	handled, err := h.Handle(errors.New("plain"))
	assert.False(t, handled)
	assert.NoError(t, err)

	h = NewExceptionHandler(config.ExceptionHandlerFunc(func(error) (bool, error) { return true, nil }))
	handled, err = h.Handle(errors.New("absorbed"))
	assert.True(t, handled)
	assert.NoError(t, err)

	assert.Len(t, transport.Events(), 2)
}

func TestSentryHookCapturesWarnAndAbove(t *testing.T) {
	transport := setupTransport(t)

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(io.Discard),
		zapcore.DebugLevel,
	)
	logger := zap.New(NewSentryHook(core))

	logger.Info("not captured")
	logger.Error("captured", zap.String("step_id", "reducer"), zap.Int("nodes", 3))

	assert.Eventually(t, func() bool { return len(transport.Events()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	events := transport.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "captured", events[0].Message)
	assert.Equal(t, "reducer", events[0].Tags["step_id"])
	assert.Equal(t, "3", events[0].Tags["nodes"])
	assert.Contains(t, events[0].Fingerprint, "step_id: reducer")
}

func TestGetMeaningfulErrorTitle(t *testing.T) {
	assert.Equal(t, "failed distributing subject X", getMeaningfulErrorTitle(errors.New("failed distributing subject X: boom")))
}
