package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/stepping/pkg/stepping"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}

	h := Chain(mw("outer"), mw("inner"))(func(context.Context, Message) error {
		order = append(order, "handler")
		return nil
	})
	require.NoError(t, h(context.Background(), &fakeMessage{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, Message) error { panic("boom") })
	err := h(context.Background(), &fakeMessage{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestValidationMiddleware(t *testing.T) {
	called := false
	h := Chain(LoggingMiddleware(zap.NewNop()), ValidationMiddleware())(func(context.Context, Message) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, h(context.Background(), &fakeMessage{subject: "S"}), ErrUndecodable)
	assert.False(t, called)
	assert.NoError(t, h(context.Background(), &fakeMessage{subject: "S", data: []byte("1")}))
	assert.True(t, called)
}

func TestRunnerUseAcksRejectedMessages(t *testing.T) {
	msg := &fakeMessage{subject: "S"}
	fetcher := &fakeFetcher{batches: [][]Message{{msg}}}
	pub := &fakePublisher{}

	r, err := NewRunner(fetcher, pub, testConfig(), zap.NewNop())
	require.NoError(t, err)
	r.Use(ValidationMiddleware())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	assert.Eventually(t, msg.acked.Load, time.Second, 5*time.Millisecond)
	assert.Zero(t, pub.count())
}

func TestRunnerRecoversPublisherPanic(t *testing.T) {
	msg := &fakeMessage{subject: "S", data: []byte(`1`)}
	fetcher := &fakeFetcher{batches: [][]Message{{msg}}}

	r, err := NewRunner(fetcher, panicPublisher{&fakePublisher{}}, testConfig(), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	assert.Eventually(t, msg.naked.Load, time.Second, 5*time.Millisecond)
}

type panicPublisher struct{ *fakePublisher }

func (panicPublisher) PublishData(string, *stepping.Data) error { panic(errors.New("publisher bug")) }
