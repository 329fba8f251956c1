package stepping

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/stepping/internal/tracing"
	"github.com/wehubfusion/stepping/pkg/config"
	"github.com/wehubfusion/stepping/pkg/container"
	sterrors "github.com/wehubfusion/stepping/pkg/errors"
	"github.com/wehubfusion/stepping/pkg/metrics"
	"github.com/wehubfusion/stepping/pkg/runners"
)

// Lifecycle states of an AlgoDecorator.
const (
	StateCreated      = "created"
	StateInitializing = "initializing"
	StateRestating    = "restating"
	StateRunning      = "running"
	StateClosed       = "closed"
)

const (
	eventInit    = "init"
	eventRestate = "restate"
	eventRun     = "run"
	eventClose   = "close"
)

// AlgoDecorator builds the topology of an Algo, runs it and tears it down exactly once.
// Every error of the runtime funnels into Handle.
type AlgoDecorator struct {
	algo      Algo
	config    *config.AlgoConfig
	container *container.Container
	shouter   *Shouter
	runners   *runners.RunnersController
	factories map[string]container.Factory
	lifecycle *fsm.FSM
	name      string

	runCtx        context.Context
	cancelRun     context.CancelFunc
	cancelPublish context.CancelFunc
	stopHook      func() bool

	mu         sync.Mutex
	closed     bool
	closeCount atomic.Int32

	fatal     chan error
	fatalOnce sync.Once
	done      chan struct{}

	tracingShutdown func(context.Context) error
	logger          *zap.Logger
}

// NewAlgoDecorator wraps algo. A nil logger falls back to a production logger.
func NewAlgoDecorator(algo Algo, logger *zap.Logger) *AlgoDecorator {
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
	}

	a := &AlgoDecorator{
		algo:      algo,
		container: container.New(),
		factories: make(map[string]container.Factory),
		name:      fmt.Sprintf("%T", algo),
		fatal:     make(chan error, 1),
		done:      make(chan struct{}),
		logger:    logger,
	}
	a.lifecycle = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: eventInit, Src: []string{StateCreated}, Dst: StateInitializing},
			{Name: eventRestate, Src: []string{StateInitializing}, Dst: StateRestating},
			{Name: eventRun, Src: []string{StateRestating}, Dst: StateRunning},
			{Name: eventClose, Src: []string{StateCreated, StateInitializing, StateRestating, StateRunning}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				a.logger.Debug("Algo state changed", zap.String("from", e.Src), zap.String("to", e.Dst))
				metrics.UpdateAlgoState(a.name, e.Dst)
			},
		},
	)
	metrics.UpdateAlgoState(a.name, StateCreated)
	return a
}

// Init builds the topology and starts every worker. Cancelling ctx afterwards closes the
// algo. A failed Init closes the algo and returns the error.
func (a *AlgoDecorator) Init(ctx context.Context) error {
	if err := a.transition(ctx, eventInit); err != nil {
		return err
	}

	if err := a.init(ctx); err != nil {
		a.logger.Error("Algo initialization FAILED", zap.Error(err))
		_ = a.Close()
		return err
	}
	return nil
}

func (a *AlgoDecorator) init(ctx context.Context) error {
	a.logger.Info("Initializing Algo...")

	userCfg := a.algo.Config()
	if userCfg == nil {
		return sterrors.ErrMissingAlgoConfig
	}
	// Defaults are applied to a private copy; the algo's config is left untouched.
	cfg := *userCfg
	cfg.PerfSamplerStepConfig.Packages = slices.Clone(userCfg.PerfSamplerStepConfig.Packages)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid algo config: %w", err)
	}
	a.config = &cfg

	a.runCtx, a.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	publishCtx, cancelPublish := context.WithCancel(a.runCtx)
	a.cancelPublish = cancelPublish
	a.shouter = NewShouter(publishCtx, a.container, a.logger)

	if cfg.Tracing != nil {
		shutdown, err := tracing.SetupTracing(ctx, *cfg.Tracing, a.logger)
		if err != nil {
			a.logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			a.tracingShutdown = shutdown
		}
	}

	a.logger.Info("Populating container...")
	if err := a.fillContainer(); err != nil {
		return err
	}
	a.logger.Info("Decorating steps...")
	if err := a.decorateSteps(); err != nil {
		return err
	}
	a.logger.Info("Filling auto-created subjects in container...")
	if err := a.fillAutoCreatedSubjects(); err != nil {
		return err
	}
	a.logger.Info("Duplicating parallel nodes...")
	if err := a.duplicateNodes(); err != nil {
		return err
	}
	a.logger.Info("Initializing steps...")
	if err := a.initSteps(); err != nil {
		return err
	}
	a.logger.Info("Initializing runners...")
	a.initRunners()

	a.logger.Info("Registering shutdown hook...")
	a.stopHook = context.AfterFunc(ctx, func() {
		a.logger.Info("Context done, closing algo")
		_ = a.Close()
	})

	a.logger.Info("Attaching subjects to followers...")
	if err := a.attachSubjects(); err != nil {
		return err
	}

	if err := a.transition(ctx, eventRestate); err != nil {
		return err
	}
	a.logger.Info("Starting restate stage...")
	if err := a.restate(); err != nil {
		return err
	}

	a.logger.Info("Running steps...")
	if err := a.wakeRunners(); err != nil {
		return err
	}
	if err := a.transition(ctx, eventRun); err != nil {
		return err
	}
	if err := a.algo.Init(); err != nil {
		return fmt.Errorf("algo init failed: %w", err)
	}
	return nil
}

func (a *AlgoDecorator) transition(ctx context.Context, event string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return sterrors.ErrClosed
	}
	if err := a.lifecycle.Event(ctx, event); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", sterrors.ErrInvalidState, event, a.lifecycle.Current(), err)
	}
	return nil
}

func (a *AlgoDecorator) fillContainer() error {
	if err := a.container.AddIdentifiable(a.shouter); err != nil {
		return err
	}
	for _, subjectType := range []string{SubjectDataArrived, SubjectPublishData} {
		if err := a.container.Add(subjectType, NewSubject(subjectType)); err != nil {
			return err
		}
	}

	if a.config.PerfSamplerStepConfig.Enable {
		if _, ok := builtinStep(BuiltinPerfSampler); !ok {
			return fmt.Errorf("perf sampler enabled but no %s built-in is linked", BuiltinPerfSampler)
		}
	}
	for _, id := range builtinIDs() {
		factory, _ := builtinStep(id)
		step, err := factory(a.config, a.logger.Named(id))
		if err != nil {
			return fmt.Errorf("failed to build built-in %s: %w", id, err)
		}
		if step == nil {
			continue
		}
		if step.ID() == "" {
			step.SetID(id)
		}
		if err := a.container.Add(step.ID(), step); err != nil {
			return err
		}
	}

	for _, reg := range a.algo.ContainerRegistration().Registered() {
		id := reg.ID
		if subject, ok := reg.Object.(*Subject); ok {
			if id != "" && id != subject.Type() {
				return fmt.Errorf("%w: subject %s registered as %s", sterrors.ErrIDMismatch, subject.Type(), id)
			}
			id = subject.Type()
		}
		if step, ok := reg.Object.(Step); ok {
			if step.ID() == "" {
				step.SetID(reg.ID)
			}
			id = step.ID()
			if reg.Factory != nil {
				a.factories[id] = reg.Factory
			}
		}
		if err := a.container.Add(id, reg.Object); err != nil {
			return err
		}
	}

	a.algo.SetContainer(a.container)
	a.algo.SetPublisher(a.shouter)
	return nil
}

func (a *AlgoDecorator) decorateSteps() error {
	for _, step := range container.SonsOf[Step](a.container) {
		d := NewStepDecorator(step, a.logger)
		if _, err := d.Config(); err != nil {
			return err
		}
		if err := a.container.Add(d.ID(), d); err != nil {
			return err
		}
	}
	return nil
}

func (a *AlgoDecorator) fillAutoCreatedSubjects() error {
	for _, d := range a.decorators() {
		for _, subjectType := range d.ListSubjectsToFollow().Subjects() {
			if a.container.Exists(subjectType) {
				continue
			}
			a.logger.Debug("Auto-creating subject", zap.String("subject", subjectType))
			if err := a.container.Add(subjectType, NewSubject(subjectType)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *AlgoDecorator) duplicateNodes() error {
	for _, d := range a.decorators() {
		cfg, err := d.Config()
		if err != nil {
			return err
		}
		nodes := cfg.Nodes()
		if nodes <= 1 {
			continue
		}

		baseID := d.step.ID()
		for i := 1; i < nodes; i++ {
			dup, err := a.newInstance(d.step)
			if err != nil {
				return err
			}

			stepID := baseID + "." + strconv.Itoa(i)
			dup.SetID(stepID)
			if dup.ID() != stepID {
				a.logger.Error("Make sure SetID and ID are implemented consistently",
					zap.String("step_id", baseID))
				return sterrors.NewStepError(baseID, "SetID",
					fmt.Errorf("%w: tried to set id %s but found %s", sterrors.ErrIDMismatch, stepID, dup.ID()))
			}

			dd := NewStepDecorator(dup, a.logger)
			dd.id = d.id + "." + strconv.Itoa(i)
			dd.distributionNodeID = d.distributionNodeID

			if err := a.container.Add(dd.ID(), dd); err != nil {
				return err
			}
			if err := a.container.Add(dup.ID(), dup); err != nil {
				return err
			}
		}
		a.logger.Debug("Duplicated step", zap.String("step_id", baseID), zap.Int("nodes", nodes))
	}
	return nil
}

func (a *AlgoDecorator) newInstance(step Step) (Step, error) {
	if factory, ok := a.factories[step.ID()]; ok {
		if dup, ok := factory().(Step); ok && dup != nil {
			return dup, nil
		}
		return nil, sterrors.NewStepError(step.ID(), "Duplicate",
			fmt.Errorf("%w: factory did not return a Step", sterrors.ErrMissingFactory))
	}
	if cloner, ok := step.(Cloner); ok {
		if dup := cloner.NewInstance(); dup != nil {
			return dup, nil
		}
	}
	return nil, sterrors.NewStepError(step.ID(), "Duplicate", sterrors.ErrMissingFactory)
}

func (a *AlgoDecorator) initSteps() error {
	for _, d := range a.decorators() {
		if err := d.SetAlgoConfig(a.config); err != nil {
			return err
		}
		if err := d.Init(a.container, a.shouter); err != nil {
			return err
		}
		d.handler = a
	}
	return nil
}

func (a *AlgoDecorator) initRunners() {
	decorators := a.decorators()
	a.runners = runners.NewRunnersController(max(a.config.RunnerWorkers, len(decorators)), a.logger)

	for _, d := range decorators {
		d := d
		if d.config.EnableTickCallback {
			initialDelay, period := d.config.ResolveTick(a.config)
			id := d.step.ID() + ".runningScheduled"
			a.runners.AddScheduledRunner(runners.NewRunningScheduled(id, initialDelay, period, func(ctx context.Context) {
				metrics.IncTick(id)
				if err := d.Tick(ctx); err != nil && ctx.Err() == nil && !sterrors.Is(err, sterrors.ErrClosed) {
					a.Handle(sterrors.NewSystemError("tick", err))
				}
			}))
		}

		a.runners.NewRunning(d.ID()+".running", func(ctx context.Context) {
			if err := d.OpenDataSink(ctx); err != nil {
				a.logger.Debug("Data sink exited", zap.String("decorator", d.ID()), zap.Error(err))
			}
		})
	}

	if a.config.EnableTickCallback {
		id := "algo.runningScheduled"
		a.runners.AddScheduledRunner(runners.NewRunningScheduled(id, a.config.RunningInitialDelay, a.config.RunningPeriodicDelay,
			func(ctx context.Context) {
				metrics.IncTick(id)
				if err := a.algo.OnTickCallback(); err != nil {
					a.Handle(fmt.Errorf("algo tick callback failed: %w", err))
				}
			}))
	}
}

func (a *AlgoDecorator) attachSubjects() error {
	for _, d := range a.decorators() {
		if err := d.AttachSubjects(); err != nil {
			return err
		}
	}
	return nil
}

// restate runs every decorator's restate concurrently and joins all of them.
func (a *AlgoDecorator) restate() error {
	start := time.Now()
	defer func() { metrics.ObserveRestate(time.Since(start)) }()

	var g errgroup.Group
	for _, d := range a.decorators() {
		g.Go(d.Restate)
	}
	if err := g.Wait(); err != nil {
		a.logger.Error("OnRestate phase FAILED", zap.Error(err))
		return err
	}
	return nil
}

func (a *AlgoDecorator) wakeRunners() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return sterrors.ErrClosed
	}
	return a.runners.Awake(a.runCtx)
}

// Handle is the error funnel. The custom exception handler gets the first chance to
// absorb err; when it does not, the algo is closed. A critical error, from err itself or
// from the custom handler, is additionally sent on Fatal. Handle returns true only when
// err was absorbed. Once closed, errors are only forwarded to the custom handler.
// The custom handler runs outside the shutdown lock, so it may call Close. It can be
// called concurrently from several workers.
func (a *AlgoDecorator) Handle(err error) bool {
	if err == nil {
		return true
	}
	metrics.IncError(string(sterrors.Classify(err)))

	absorbed, critical := a.delegate(err)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false
	}
	if absorbed {
		return true
	}

	fields := []zap.Field{zap.Error(err), zap.String("kind", string(sterrors.Classify(err)))}
	if stepID, ok := sterrors.StepID(err); ok {
		fields = append(fields, zap.String("step_id", stepID))
	}
	if subjectType, ok := sterrors.SubjectType(err); ok {
		fields = append(fields, zap.String("subject", subjectType))
	}
	a.logger.Error("Exception detected, closing algo", fields...)

	cause := err
	if critical != nil {
		cause = critical
	}
	a.closeLocked()
	if sterrors.IsCritical(cause) {
		a.signalFatal(cause)
	}
	return false
}

// delegate offers err to the custom handler. It returns whether err was absorbed and the
// critical error the handler raised, if any.
func (a *AlgoDecorator) delegate(err error) (absorbed bool, critical error) {
	if a.config == nil || a.config.CustomExceptionHandler == nil {
		return false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Custom exception handler panicked", zap.Any("panic", r))
			absorbed, critical = false, nil
		}
	}()

	handled, herr := a.config.CustomExceptionHandler.Handle(err)
	if herr != nil {
		if sterrors.IsCritical(herr) {
			a.logger.Error("Custom exception handler raised a critical error", zap.Error(herr))
			return false, herr
		}
		a.logger.Error("Custom exception handler FAILED", zap.Error(herr))
		return false, nil
	}
	if !handled {
		a.logger.Debug("Custom exception handler was not able to fully handle the error", zap.Error(err))
	}
	return handled, nil
}

func (a *AlgoDecorator) signalFatal(err error) {
	a.fatalOnce.Do(func() {
		a.fatal <- err
	})
}

// Close shuts the algo down. It is idempotent and safe for concurrent use.
func (a *AlgoDecorator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	return nil
}

// closeLocked must be called with a.mu held. It never waits for workers.
func (a *AlgoDecorator) closeLocked() {
	if a.closed {
		return
	}
	a.closed = true
	a.closeCount.Add(1)
	a.logger.Info("Closing algo")

	// Publishers blocked on a full mailbox must not hold up shutdown.
	if a.cancelPublish != nil {
		a.cancelPublish()
	}

	decorators := a.decorators()
	for _, d := range decorators {
		if err := d.Close(); err != nil {
			a.logger.Error("Failed to close a step, continuing with the next one",
				zap.String("step_id", d.step.ID()), zap.Error(err))
		}
	}
	for _, d := range decorators {
		d.poison()
	}

	if closer, ok := a.algo.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.logger.Error("Failed to close algo", zap.Error(err))
		}
	}

	if a.runners != nil {
		a.runners.Kill()
	}
	if a.cancelRun != nil {
		a.cancelRun()
	}
	if a.stopHook != nil {
		a.stopHook()
	}
	if err := a.lifecycle.Event(context.Background(), eventClose); err != nil {
		a.logger.Debug("Close transition", zap.Error(err))
	}

	go a.finish()
}

// finish waits for every worker and closes Done.
func (a *AlgoDecorator) finish() {
	if a.runners != nil {
		_ = a.runners.Wait(context.Background())
	}
	if a.tracingShutdown != nil {
		_ = tracing.ShutdownTracing(a.tracingShutdown, a.logger)
	}
	a.logger.Info("Algo closed")
	close(a.done)
}

func (a *AlgoDecorator) decorators() []*StepDecorator {
	return container.SonsOf[*StepDecorator](a.container)
}

// Fatal receives the critical error that closed the algo. At most one error is sent.
func (a *AlgoDecorator) Fatal() <-chan error {
	return a.fatal
}

// Done is closed once the algo is closed and every worker exited
func (a *AlgoDecorator) Done() <-chan struct{} {
	return a.done
}

// State returns the lifecycle state
func (a *AlgoDecorator) State() string {
	return a.lifecycle.Current()
}

// IsClosed reports whether Close ran
func (a *AlgoDecorator) IsClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Container returns the algo container
func (a *AlgoDecorator) Container() *container.Container {
	return a.container
}

// Publisher returns the global publisher. It is nil before Init.
func (a *AlgoDecorator) Publisher() Publisher {
	if a.shouter == nil {
		return nil
	}
	return a.shouter
}

// StepDecorators returns every decorator in registration order
func (a *AlgoDecorator) StepDecorators() []*StepDecorator {
	return a.decorators()
}

// Config returns the resolved algo configuration. It is nil before Init.
func (a *AlgoDecorator) Config() *config.AlgoConfig {
	return a.config
}
