// Package ingest feeds messages pulled from a NATS JetStream consumer into a running algo.
// Each message payload is decoded as JSON and published on a subject through the algo's
// publisher. Messages are acked once published and naked when publishing fails.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/stepping/pkg/concurrency"
	"github.com/wehubfusion/stepping/pkg/metrics"
	"github.com/wehubfusion/stepping/pkg/stepping"
)

// MetaNATSSubject is the metadata key holding the subject a message was delivered on.
const MetaNATSSubject = "natsSubject"

// Config holds the runner settings.
type Config struct {
	// Name labels logs and metrics, usually the consumer name
	Name string

	// Subject is the stepping subject each payload is published on
	Subject string

	BatchSize  int
	NumWorkers int

	// IdleWait is the pause after an empty batch
	IdleWait time.Duration

	// BreakerThreshold consecutive publish failures open the circuit for BreakerReset
	BreakerThreshold int64
	BreakerReset     time.Duration
}

// DefaultConfig returns a configuration publishing on STEPPING_DATA_ARRIVED.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Subject:          stepping.SubjectDataArrived,
		BatchSize:        10,
		NumWorkers:       4,
		IdleWait:         500 * time.Millisecond,
		BreakerThreshold: 10,
		BreakerReset:     30 * time.Second,
	}
}

// Runner pulls batches from a Fetcher and distributes them to worker goroutines.
type Runner struct {
	fetcher   Fetcher
	publisher stepping.Publisher
	cfg       Config
	breaker   *concurrency.CircuitBreaker
	handler   Handler
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewRunner creates a Runner. The publisher is usually AlgoDecorator.Publisher().
func NewRunner(fetcher Fetcher, publisher stepping.Publisher, cfg Config, logger *zap.Logger) (*Runner, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if cfg.Subject == "" {
		return nil, errors.New("subject cannot be empty")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if cfg.NumWorkers <= 0 {
		return nil, errors.New("numWorkers must be greater than 0")
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 500 * time.Millisecond
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	r := &Runner{
		fetcher:   fetcher,
		publisher: publisher,
		cfg:       cfg,
		breaker:   concurrency.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		tracer:    otel.Tracer("stepping/ingest"),
		logger:    logger.With(zap.String("consumer", cfg.Name)),
	}
	r.handler = Chain(RecoveryMiddleware(), LoggingMiddleware(r.logger))(r.publish)
	r.breaker.OnStateChange = func(from, to concurrency.CircuitBreakerState) {
		metrics.SetCircuitState(cfg.Name, int(to))
		r.logger.Warn("Ingest circuit breaker changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	return r, nil
}

// Use wraps the delivery handler with more middlewares. Call it before Run.
func (r *Runner) Use(middlewares ...Middleware) {
	r.handler = Chain(middlewares...)(r.handler)
}

// Breaker exposes the circuit breaker guarding publishes
func (r *Runner) Breaker() *concurrency.CircuitBreaker {
	return r.breaker
}

// Run pulls and processes messages until ctx is cancelled. It returns ctx.Err() on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	messageChan := make(chan Message, r.cfg.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, messageChan)
		}(i)
	}

	r.pull(ctx, messageChan)
	close(messageChan)
	wg.Wait()

	r.logger.Info("Ingest runner stopped")
	return ctx.Err()
}

func (r *Runner) pull(ctx context.Context, out chan<- Message) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := r.fetcher.Fetch(ctx, r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			r.logger.Error("Error pulling messages", zap.Error(err), zap.Duration("retry_in", wait))
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		b.Reset()

		if len(messages) == 0 {
			if !sleep(ctx, r.cfg.IdleWait) {
				return
			}
			continue
		}

		for _, msg := range messages {
			select {
			case out <- msg:
			case <-ctx.Done():
				// Not handed to a worker: let the server redeliver it
				_ = msg.Nak()
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, messages <-chan Message) {
	r.logger.Debug("Worker started", zap.Int("workerID", workerID))
	defer r.logger.Debug("Worker stopped", zap.Int("workerID", workerID))

	for msg := range messages {
		if ctx.Err() != nil {
			_ = msg.Nak()
			continue
		}
		r.process(ctx, workerID, msg)
	}
}

func (r *Runner) process(ctx context.Context, workerID int, msg Message) {
	ctx, span := r.tracer.Start(ctx, "ingest.process",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("nats.subject", msg.Subject()),
			attribute.String("stepping.subject", r.cfg.Subject),
		))
	defer span.End()

	err := r.handler(ctx, msg)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "published")
		r.ack(msg)
	case errors.Is(err, ErrUndecodable):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.IncIngest(r.cfg.Name, metrics.IngestDecoded)
		r.logger.Error("Dropping undecodable message",
			zap.String("subject", msg.Subject()),
			zap.Error(err))
		r.ack(msg)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.nak(msg, err)
	}
}

// publish is the innermost handler: decode, then publish through the circuit breaker.
func (r *Runner) publish(_ context.Context, msg Message) error {
	data, err := Decode(msg)
	if err != nil {
		return err
	}
	if err := r.breaker.Allow(); err != nil {
		return err
	}
	if err := r.publisher.PublishData(r.cfg.Subject, data); err != nil {
		r.breaker.RecordFailure()
		return err
	}
	r.breaker.RecordSuccess()
	return nil
}

func (r *Runner) ack(msg Message) {
	if err := msg.Ack(); err != nil {
		r.logger.Error("Error acking message", zap.Error(err))
		return
	}
	metrics.IncIngest(r.cfg.Name, metrics.IngestAcked)
}

func (r *Runner) nak(msg Message, cause error) {
	r.logger.Warn("Message not delivered, requesting redelivery",
		zap.String("subject", msg.Subject()),
		zap.Error(cause))
	if err := msg.Nak(); err != nil {
		r.logger.Error("Error naking message", zap.Error(err))
	}
	metrics.IncIngest(r.cfg.Name, metrics.IngestNacked)
}

// Decode turns a message into stepping Data. The JSON payload becomes Value and the
// delivery subject is kept as metadata. An empty payload yields a nil Value.
func Decode(msg Message) (*stepping.Data, error) {
	var value any
	if raw := msg.Data(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("%w on %s: %v", ErrUndecodable, msg.Subject(), err)
		}
	}
	return stepping.NewData(value).SetMetadata(MetaNATSSubject, msg.Subject()), nil
}
