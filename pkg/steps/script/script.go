// Package script provides a step whose logic is written in JavaScript and run by goja.
//
// The script must define onSubjectUpdate(subject, value). It may define onTick() and
// onRestate(). A callback returning an object {subject, value} publishes value on subject.
// Scripts can also call publish(subject, value) and log(message) directly.
package script

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/stepping/pkg/config"
	"github.com/wehubfusion/stepping/pkg/container"
	"github.com/wehubfusion/stepping/pkg/stepping"
)

// DefaultTimeout bounds each callback when Config.Timeout is zero
const DefaultTimeout = 5 * time.Second

// Config describes a script step.
type Config struct {
	ID     string
	Script string

	// Subjects to follow. Empty follows every subject.
	Subjects []string

	// Timeout bounds each callback
	Timeout time.Duration

	// StepConfig is optional
	StepConfig *config.StepConfig
}

// Step runs a JavaScript program. Its VM is only used from the step's own worker.
type Step struct {
	stepping.BaseStep

	cfg     Config
	program *goja.Program
	logger  *zap.Logger

	vm        *goja.Runtime
	onUpdate  goja.Callable
	onTick    goja.Callable
	onRestate goja.Callable
}

// New compiles the script. Compilation errors are returned here, before the algo starts.
func New(cfg Config, logger *zap.Logger) (*Step, error) {
	if cfg.Script == "" {
		return nil, newConfigError(cfg.ID, "script cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	program, err := goja.Compile(cfg.ID, cfg.Script, true)
	if err != nil {
		return nil, wrapError(cfg.ID, err)
	}

	return &Step{
		BaseStep: stepping.NewBaseStep(cfg.ID, cfg.StepConfig),
		cfg:      cfg,
		program:  program,
		logger:   logger.With(zap.String("step_id", cfg.ID)),
	}, nil
}

// NewInstance shares the compiled program with a fresh VM created on Init
func (s *Step) NewInstance() stepping.Step {
	return &Step{
		BaseStep: stepping.NewBaseStep("", s.Config()),
		cfg:      s.cfg,
		program:  s.program,
		logger:   s.logger,
	}
}

func (s *Step) Init(c *container.Container, pub stepping.Publisher) error {
	if err := s.BaseStep.Init(c, pub); err != nil {
		return err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := sandbox(vm); err != nil {
		return err
	}
	if err := vm.Set("publish", func(call goja.FunctionCall) goja.Value {
		if err := pub.Publish(call.Argument(0).String(), call.Argument(1).Export()); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := vm.Set("log", func(msg string) {
		s.logger.Info(msg)
	}); err != nil {
		return err
	}

	s.vm = vm
	if _, err := s.run(func() (goja.Value, error) { return vm.RunProgram(s.program) }); err != nil {
		return err
	}

	var ok bool
	if s.onUpdate, ok = goja.AssertFunction(vm.Get("onSubjectUpdate")); !ok {
		return newConfigError(s.ID(), "onSubjectUpdate(subject, value) is not defined")
	}
	s.onTick, _ = goja.AssertFunction(vm.Get("onTick"))
	s.onRestate, _ = goja.AssertFunction(vm.Get("onRestate"))
	return nil
}

func (s *Step) ListSubjectsToFollow(f *stepping.Follower) {
	for _, subject := range s.cfg.Subjects {
		f.Follow(subject)
	}
}

func (s *Step) OnSubjectUpdate(data *stepping.Data, subjectType string) error {
	return s.call(s.onUpdate, s.vm.ToValue(subjectType), s.vm.ToValue(data.Value))
}

func (s *Step) OnTickCallback() error {
	if s.onTick == nil {
		return nil
	}
	return s.call(s.onTick)
}

func (s *Step) OnRestate() error {
	if s.onRestate == nil {
		return nil
	}
	return s.call(s.onRestate)
}

func (s *Step) call(fn goja.Callable, args ...goja.Value) error {
	result, err := s.run(func() (goja.Value, error) { return fn(goja.Undefined(), args...) })
	if err != nil {
		return err
	}
	return s.publishResult(result)
}

// run executes fn, interrupting the VM once the timeout elapsed.
func (s *Step) run(fn func() (goja.Value, error)) (goja.Value, error) {
	s.vm.ClearInterrupt()
	timer := time.AfterFunc(s.cfg.Timeout, func() {
		s.vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	value, err := fn()
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, newTimeoutError(s.ID(), s.cfg.Timeout)
		}
		return nil, wrapError(s.ID(), err)
	}
	return value, nil
}

func (s *Step) publishResult(result goja.Value) error {
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil
	}
	out, ok := result.Export().(map[string]any)
	if !ok {
		return nil
	}
	subject, ok := out["subject"].(string)
	if !ok || subject == "" {
		return newConfigError(s.ID(), fmt.Sprintf("returned object without a subject: %v", out))
	}
	return s.Publisher().Publish(subject, out["value"])
}

// sandbox removes the globals a step script has no business with.
func sandbox(vm *goja.Runtime) error {
	for _, name := range []string{
		"require", "module", "exports", "process", "global",
		"__dirname", "__filename", "Buffer", "setImmediate", "clearImmediate",
	} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}
