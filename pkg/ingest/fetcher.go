package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Message is one delivery pulled from the source.
type Message interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
}

// Fetcher pulls batches of messages. An empty batch with a nil error means nothing was available.
type Fetcher interface {
	Fetch(ctx context.Context, batch int) ([]Message, error)
}

// JetStreamFetcher pulls from a durable JetStream consumer bound to an existing stream.
type JetStreamFetcher struct {
	js       nats.JetStreamContext
	stream   string
	consumer string
	maxWait  time.Duration

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewJetStreamFetcher binds to stream/consumer on first Fetch
func NewJetStreamFetcher(js nats.JetStreamContext, stream, consumer string, maxWait time.Duration) *JetStreamFetcher {
	if maxWait <= 0 {
		maxWait = 3 * time.Second
	}
	return &JetStreamFetcher{js: js, stream: stream, consumer: consumer, maxWait: maxWait}
}

func (f *JetStreamFetcher) subscription() (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		return f.sub, nil
	}
	sub, err := f.js.PullSubscribe("", f.consumer, nats.Bind(f.stream, f.consumer))
	if err != nil {
		return nil, err
	}
	f.sub = sub
	return sub, nil
}

// Fetch implements Fetcher
func (f *JetStreamFetcher) Fetch(ctx context.Context, batch int) ([]Message, error) {
	sub, err := f.subscription()
	if err != nil {
		return nil, err
	}

	// Use the context deadline when it is shorter than maxWait
	timeout := f.maxWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	msgs, err := sub.Fetch(batch, nats.MaxWait(timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, natsMessage{m})
	}
	return out, nil
}

// Close unsubscribes the pull subscription
func (f *JetStreamFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub == nil {
		return nil
	}
	err := f.sub.Unsubscribe()
	f.sub = nil
	return err
}

type natsMessage struct {
	msg *nats.Msg
}

func (m natsMessage) Subject() string { return m.msg.Subject }
func (m natsMessage) Data() []byte    { return m.msg.Data }
func (m natsMessage) Ack() error      { return m.msg.Ack() }
func (m natsMessage) Nak() error      { return m.msg.Nak() }
