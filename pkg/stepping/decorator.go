package stepping

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/stepping/internal/tracing"
	"github.com/wehubfusion/stepping/pkg/config"
	"github.com/wehubfusion/stepping/pkg/container"
	sterrors "github.com/wehubfusion/stepping/pkg/errors"
	"github.com/wehubfusion/stepping/pkg/metrics"
)

// errorHandler is the funnel a decorator reports its failures to. Handle returns true
// when the error was absorbed and the worker may continue.
type errorHandler interface {
	Handle(err error) bool
}

// StepDecorator wraps exactly one Step with a mailbox and the worker loop draining it.
type StepDecorator struct {
	id                 string
	step               Step
	distributionNodeID string

	container  *container.Container
	publisher  *stepPublisher
	config     *config.StepConfig
	algoConfig *config.AlgoConfig
	mailbox    *mailbox
	handler    errorHandler

	followerOnce sync.Once
	follower     *Follower

	reduceMu     sync.Mutex
	reducerCache map[string][]*Data

	tickAck chan struct{}

	dead     atomic.Bool
	closing  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}

	logger *zap.Logger
}

// NewStepDecorator wraps step. The decorator id is derived from the step id.
func NewStepDecorator(step Step, logger *zap.Logger) *StepDecorator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepDecorator{
		id:                 decoratorID(step.ID()),
		step:               step,
		distributionNodeID: step.ID(),
		reducerCache:       make(map[string][]*Data),
		tickAck:            make(chan struct{}, 1),
		stopped:            make(chan struct{}),
		logger:             logger.With(zap.String("step_id", step.ID())),
	}
}

// ID returns the decorator id
func (d *StepDecorator) ID() string {
	return d.id
}

// Step returns the wrapped step
func (d *StepDecorator) Step() Step {
	return d.step
}

// DistributionNodeID is shared by every duplicate of the same logical step
func (d *StepDecorator) DistributionNodeID() string {
	return d.distributionNodeID
}

// Config returns the wrapped step's configuration
func (d *StepDecorator) Config() (*config.StepConfig, error) {
	cfg := d.step.Config()
	if cfg == nil {
		return nil, sterrors.NewStepError(d.step.ID(), "Config", sterrors.ErrMissingStepConfig)
	}
	return cfg, nil
}

// SetAlgoConfig pushes the resolved algo configuration into the decorator
func (d *StepDecorator) SetAlgoConfig(cfg *config.AlgoConfig) error {
	if cfg == nil {
		return sterrors.ErrMissingAlgoConfig
	}
	d.algoConfig = cfg
	return nil
}

// Init binds the step to the container and a publisher bound to this decorator, and
// allocates the mailbox.
func (d *StepDecorator) Init(c *container.Container, shouter *Shouter) error {
	cfg, err := d.Config()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return sterrors.NewStepError(d.step.ID(), "Config", err)
	}

	d.logger.Debug("Initializing step", zap.Int("bound_queue_capacity", cfg.BoundQueueCapacity))

	d.container = c
	d.config = cfg
	d.mailbox = newMailbox(cfg.BoundQueueCapacity)
	d.publisher = &stepPublisher{Shouter: shouter, decorator: d}

	if err := d.invoke("Init", func() error { return d.step.Init(c, d.publisher) }); err != nil {
		return err
	}
	return nil
}

// Publisher returns the publisher bound to this decorator
func (d *StepDecorator) Publisher() Publisher {
	return d.publisher
}

// FollowsSubject delegates to the step
func (d *StepDecorator) FollowsSubject(subjectType string) bool {
	return d.step.FollowsSubject(subjectType)
}

// ListSubjectsToFollow returns the step's follower, computed once.
func (d *StepDecorator) ListSubjectsToFollow() *Follower {
	d.followerOnce.Do(func() {
		f := NewFollower()
		d.step.ListSubjectsToFollow(f)
		d.follower = f
	})
	return d.follower
}

// AttachSubjects attaches the decorator to its explicit subjects, which must exist, or to
// every registered subject the step follows when the follower is empty.
func (d *StepDecorator) AttachSubjects() error {
	follower := d.ListSubjectsToFollow()
	if follower.Len() > 0 {
		for _, subjectType := range follower.Subjects() {
			s, ok := container.Get[*Subject](d.container, subjectType)
			if !ok {
				return sterrors.NewStepError(d.step.ID(), "AttachSubjects",
					fmt.Errorf("%w: %s", sterrors.ErrSubjectNotFound, subjectType))
			}
			s.Attach(d)
		}
		return nil
	}

	for _, s := range container.SonsOf[*Subject](d.container) {
		if d.FollowsSubject(s.Type()) {
			s.Attach(d)
		}
	}
	return nil
}

// QueueSubjectUpdate enqueues data for the worker. Reduce events are collected until
// every node of the round has arrived, then one aggregated Data is enqueued.
// Messages for a stopped worker are dropped.
func (d *StepDecorator) QueueSubjectUpdate(ctx context.Context, data *Data, subjectType string) error {
	if strings.Contains(subjectType, SubjectReduceEvent) {
		return d.queueReduce(ctx, data, subjectType)
	}
	return d.enqueue(ctx, Message{Data: data, SubjectType: subjectType})
}

func (d *StepDecorator) enqueue(ctx context.Context, msg Message) error {
	if d.mailbox == nil {
		return sterrors.NewSystemError("mailbox", sterrors.New("decorator "+d.id+" is not initialized"))
	}
	if err := d.mailbox.put(ctx, msg); err != nil {
		if sterrors.Is(err, sterrors.ErrClosed) {
			metrics.IncDropped(d.step.ID())
			d.logger.Debug("Dropping message for stopped step", zap.String("subject", msg.SubjectType))
			return nil
		}
		return sterrors.NewDistributionError(msg.SubjectType, err)
	}
	metrics.SetMailboxDepth(d.step.ID(), d.mailbox.len())
	return nil
}

// queueReduce appends data to the round of subjectType and flushes the round when it is
// complete. Append, check and flush happen in one critical section so exactly one caller
// observes the round completing.
func (d *StepDecorator) queueReduce(ctx context.Context, data *Data, subjectType string) error {
	n, err := numOfNodes(data)
	if err != nil {
		return sterrors.NewDistributionError(subjectType, err)
	}

	d.reduceMu.Lock()
	round := append(d.reducerCache[subjectType], data)
	if len(round) < n {
		d.reducerCache[subjectType] = round
		d.reduceMu.Unlock()
		return nil
	}
	delete(d.reducerCache, subjectType)
	d.reduceMu.Unlock()

	d.logger.Debug("Reduce round complete", zap.String("subject", subjectType), zap.Int("nodes", n))
	metrics.IncReduceRound(subjectType)

	aggregated := NewData(round).SetMetadata(MetaNumOfNodes, n)
	return d.enqueue(ctx, Message{Data: aggregated, SubjectType: subjectType})
}

func numOfNodes(data *Data) (int, error) {
	if data == nil {
		return 0, sterrors.ErrMissingNumOfNodes
	}
	v, ok := data.Metadata(MetaNumOfNodes)
	if !ok {
		return 0, sterrors.ErrMissingNumOfNodes
	}
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int64:
		n = int(t)
	case string:
		parsed, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", sterrors.ErrMissingNumOfNodes, err)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("%w: unexpected type %T", sterrors.ErrMissingNumOfNodes, v)
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: %d", sterrors.ErrMissingNumOfNodes, n)
	}
	return n, nil
}

// Tick enqueues a tick control message and blocks until the worker has run the tick
// callback, the worker stopped, or ctx is done.
func (d *StepDecorator) Tick(ctx context.Context) error {
	if d.closing.Load() {
		return sterrors.ErrClosed
	}
	if err := d.enqueue(ctx, Message{Data: NewData(nil), SubjectType: SubjectTimeoutCallback}); err != nil {
		return err
	}

	select {
	case <-d.tickAck:
		return nil
	case <-d.stopped:
		return sterrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenDataSink is the worker loop. It drains the mailbox in FIFO order until it takes the
// poison pill, the decorator is closed or ctx is done. Step failures are reported to the handler; the loop only
// continues when the handler absorbed them.
func (d *StepDecorator) OpenDataSink(ctx context.Context) error {
	defer d.stop()

	if d.mailbox == nil {
		return sterrors.NewSystemError("mailbox", sterrors.New("decorator "+d.id+" is not initialized"))
	}

	d.logger.Info("Opening data sink")
	for !d.dead.Load() {
		msg, err := d.mailbox.take(ctx)
		if err != nil {
			sysErr := sterrors.NewSystemError("mailbox", sterrors.Join(sterrors.ErrInterrupted, err))
			if d.closing.Load() {
				return sysErr
			}
			d.report(sysErr)
			return sysErr
		}
		metrics.SetMailboxDepth(d.step.ID(), d.mailbox.len())

		if msg.SubjectType == PoisonPill {
			d.logger.Info("Taking a poison pill, step is going to die")
			d.dead.Store(true)
			return nil
		}
		// The step got its kill notification; nothing queued behind it is delivered.
		if d.closing.Load() || ctx.Err() != nil {
			dropped := d.mailbox.len() + 1
			d.logger.Info("Step is closing, dropping pending messages", zap.Int("dropped", dropped))
			metrics.AddDropped(d.step.ID(), dropped)
			d.dead.Store(true)
			return nil
		}

		if err := d.dispatch(ctx, msg); err != nil {
			if d.report(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func (d *StepDecorator) dispatch(ctx context.Context, msg Message) (err error) {
	_, span := tracing.Tracer().Start(ctx, "stepdecorator.dispatch",
		trace.WithAttributes(
			attribute.String("step.id", d.step.ID()),
			attribute.String("subject", msg.SubjectType),
		))
	defer span.End()

	kind := metrics.KindData
	if strings.Contains(msg.SubjectType, SubjectReduceEvent) {
		kind = metrics.KindReduce
	}

	start := time.Now()
	defer func() {
		metrics.ObserveDispatch(d.step.ID(), kind, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if msg.SubjectType == SubjectTimeoutCallback {
		kind = metrics.KindTick
		defer d.ackTick()
		return d.invoke("OnTickCallback", d.step.OnTickCallback)
	}

	d.logger.Debug("Dispatching subject update", zap.String("subject", msg.SubjectType))
	return d.invoke("OnSubjectUpdate", func() error {
		return d.step.OnSubjectUpdate(msg.Data, msg.SubjectType)
	})
}

// ackTick never blocks: the scheduler waiting for it may have given up.
func (d *StepDecorator) ackTick() {
	select {
	case d.tickAck <- struct{}{}:
	default:
	}
}

// invoke runs a step callback, converting returned errors and panics into a StepError.
func (d *StepDecorator) invoke(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = sterrors.NewStepError(d.step.ID(), op, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		return sterrors.NewStepError(d.step.ID(), op, err)
	}
	return nil
}

func (d *StepDecorator) report(err error) bool {
	if d.handler == nil {
		d.logger.Error("Step failed with no exception handler", zap.Error(err))
		return false
	}
	return d.handler.Handle(err)
}

// Restate forwards the restate signal to the step
func (d *StepDecorator) Restate() error {
	d.logger.Info("Start restate phase")
	return d.invoke("OnRestate", d.step.OnRestate)
}

// Close forwards the shutdown notification to the step. Pending and future ticks are
// released so a half-completed tick round cannot wedge shutdown.
func (d *StepDecorator) Close() error {
	if !d.closing.CompareAndSwap(false, true) {
		return nil
	}
	d.logger.Info("Forwarding kill handling to step")

	select {
	case <-d.tickAck:
	default:
	}
	return d.invoke("OnKill", d.step.OnKill)
}

// poison queues the poison pill. The worker stops once it reaches it.
func (d *StepDecorator) poison() {
	if d.mailbox == nil {
		return
	}
	if err := d.mailbox.put(context.Background(), Message{Data: NewData("cyanide"), SubjectType: PoisonPill}); err != nil {
		d.logger.Debug("Poison pill not delivered", zap.Error(err))
	}
}

func (d *StepDecorator) stop() {
	d.stopOnce.Do(func() {
		d.dead.Store(true)
		if d.mailbox != nil {
			d.mailbox.close()
		}
		close(d.stopped)
	})
}

// Stopped is closed once the worker loop exited
func (d *StepDecorator) Stopped() <-chan struct{} {
	return d.stopped
}

// IsDead reports whether the worker loop stopped permanently
func (d *StepDecorator) IsDead() bool {
	return d.dead.Load()
}

// Pending returns the number of queued messages
func (d *StepDecorator) Pending() int {
	if d.mailbox == nil {
		return 0
	}
	return d.mailbox.len()
}
