// Package config holds the algorithm-wide and per-step configuration of the stepping runtime.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wehubfusion/stepping/internal/tracing"
	"github.com/wehubfusion/stepping/pkg/concurrency"
)

const (
	// DefaultTickPeriod is used when tick callbacks are enabled without a period
	DefaultTickPeriod = time.Second

	// DefaultPerfSamplerInterval is the default perf sampler report interval
	DefaultPerfSamplerInterval = time.Minute
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar  ConfigSource = "environment_variable"
	ConfigSourceFile    ConfigSource = "file"
	ConfigSourceDefault ConfigSource = "default"
)

// ExceptionHandler gets the first chance at every error funnelled into the runtime.
// It returns true when the error has been fully absorbed and processing may continue.
// Returning a critical error forces shutdown and a fatal signal.
type ExceptionHandler interface {
	Handle(err error) (bool, error)
}

// ExceptionHandlerFunc adapts a plain function to ExceptionHandler.
type ExceptionHandlerFunc func(err error) (bool, error)

// Handle calls f(err)
func (f ExceptionHandlerFunc) Handle(err error) (bool, error) {
	return f(err)
}

// PerfSamplerStepConfig configures the built-in performance sampler step.
type PerfSamplerStepConfig struct {
	// Enable registers the perf sampler step when true
	Enable bool `yaml:"enable"`

	// ReportInterval is the time between two reports
	ReportInterval time.Duration `yaml:"reportInterval"`

	// Packages are the package prefixes whose frames are counted. Required when enabled.
	Packages []string `yaml:"packages"`
}

// Validate checks the perf sampler configuration
func (c PerfSamplerStepConfig) Validate() error {
	if !c.Enable {
		return nil
	}
	if len(c.Packages) == 0 {
		return errors.New("'packages' list is required to initialize the perf sampler step")
	}
	for _, p := range c.Packages {
		if strings.TrimSpace(p) == "" {
			return errors.New("perf sampler 'packages' contains an empty entry")
		}
	}
	if c.ReportInterval < 0 {
		return errors.New("perf sampler report interval cannot be negative")
	}
	return nil
}

// AlgoConfig is the algorithm-wide configuration. It is immutable once the runtime starts.
type AlgoConfig struct {
	// EnableTickCallback schedules Algo.OnTickCallback with the delays below
	EnableTickCallback bool `yaml:"enableTickCallback"`

	// RunningInitialDelay is the default delay before the first tick
	RunningInitialDelay time.Duration `yaml:"runningInitialDelay"`

	// RunningPeriodicDelay is the default delay between two ticks
	RunningPeriodicDelay time.Duration `yaml:"runningPeriodicDelay"`

	// RunnerWorkers is the minimum size of the shared worker pool.
	// The pool always grows to at least one slot per step.
	RunnerWorkers int `yaml:"runnerWorkers"`

	// CustomExceptionHandler is optional
	CustomExceptionHandler ExceptionHandler `yaml:"-"`

	// PerfSamplerStepConfig configures the built-in perf sampler step
	PerfSamplerStepConfig PerfSamplerStepConfig `yaml:"perfSampler"`

	// Tracing is optional - if nil, no tracer provider is set up by the runtime
	Tracing *tracing.TracingConfig `yaml:"tracing"`

	// Source records where the configuration was loaded from
	Source ConfigSource `yaml:"-"`
}

// DefaultAlgoConfig returns sensible defaults for an algorithm.
func DefaultAlgoConfig() *AlgoConfig {
	return &AlgoConfig{
		EnableTickCallback:   false,
		RunningInitialDelay:  0,
		RunningPeriodicDelay: DefaultTickPeriod,
		RunnerWorkers:        defaultRunnerWorkers(),
		PerfSamplerStepConfig: PerfSamplerStepConfig{
			ReportInterval: DefaultPerfSamplerInterval,
		},
		Source: ConfigSourceDefault,
	}
}

func defaultRunnerWorkers() int {
	return max(concurrency.OptimalWorkers(2), 8)
}

// Validate validates the configuration and applies defaults.
func (c *AlgoConfig) Validate() error {
	if c.RunningInitialDelay < 0 {
		return errors.New("runningInitialDelay cannot be negative")
	}
	if c.RunningPeriodicDelay < 0 {
		return errors.New("runningPeriodicDelay cannot be negative")
	}
	if c.RunningPeriodicDelay == 0 {
		c.RunningPeriodicDelay = DefaultTickPeriod
	}
	if c.RunnerWorkers <= 0 {
		c.RunnerWorkers = defaultRunnerWorkers()
	}
	if c.PerfSamplerStepConfig.ReportInterval == 0 {
		c.PerfSamplerStepConfig.ReportInterval = DefaultPerfSamplerInterval
	}
	if err := c.PerfSamplerStepConfig.Validate(); err != nil {
		return err
	}
	return nil
}

// WithTickCallback enables the algo tick with the given delays.
func (c AlgoConfig) WithTickCallback(initialDelay, period time.Duration) AlgoConfig {
	c.EnableTickCallback = true
	c.RunningInitialDelay = initialDelay
	c.RunningPeriodicDelay = period
	return c
}

// WithRunnerWorkers sets the minimum worker pool size.
func (c AlgoConfig) WithRunnerWorkers(n int) AlgoConfig {
	c.RunnerWorkers = n
	return c
}

// WithExceptionHandler sets the custom exception handler.
func (c AlgoConfig) WithExceptionHandler(h ExceptionHandler) AlgoConfig {
	c.CustomExceptionHandler = h
	return c
}

// WithPerfSampler enables the perf sampler step.
func (c AlgoConfig) WithPerfSampler(interval time.Duration, packages ...string) AlgoConfig {
	c.PerfSamplerStepConfig = PerfSamplerStepConfig{
		Enable:         true,
		ReportInterval: interval,
		Packages:       packages,
	}
	return c
}

// WithTracing sets the tracing configuration.
func (c AlgoConfig) WithTracing(tc tracing.TracingConfig) AlgoConfig {
	c.Tracing = &tc
	return c
}

// String returns a formatted string representation of the config
func (c *AlgoConfig) String() string {
	return fmt.Sprintf(
		"AlgoConfig{Tick: %t, InitialDelay: %s, Period: %s, RunnerWorkers: %d, PerfSampler: %t, Tracing: %t, Source: %s}",
		c.EnableTickCallback,
		c.RunningInitialDelay,
		c.RunningPeriodicDelay,
		c.RunnerWorkers,
		c.PerfSamplerStepConfig.Enable,
		c.Tracing != nil,
		c.Source,
	)
}

// StepConfig is the per-step configuration. Zero delays fall back to the AlgoConfig.
type StepConfig struct {
	// NumOfNodes is the number of parallel instances of the step. 0 and 1 disable duplication.
	NumOfNodes int `yaml:"numOfNodes"`

	// EnableTickCallback schedules Step.OnTickCallback for this step
	EnableTickCallback bool `yaml:"enableTickCallback"`

	// RunningInitialDelay overrides the algo-wide initial tick delay when non-zero
	RunningInitialDelay time.Duration `yaml:"runningInitialDelay"`

	// RunningPeriodicDelay overrides the algo-wide tick period when non-zero
	RunningPeriodicDelay time.Duration `yaml:"runningPeriodicDelay"`

	// BoundQueueCapacity bounds the step mailbox. 0 means unbounded.
	BoundQueueCapacity int `yaml:"boundQueueCapacity"`

	// ReducerID is the id of the step receiving the aggregated results of this step's nodes
	ReducerID string `yaml:"reducerID"`
}

// DefaultStepConfig returns the default step configuration: one node, no tick, unbounded mailbox.
func DefaultStepConfig() *StepConfig {
	return &StepConfig{
		NumOfNodes: 1,
	}
}

// Validate checks the step configuration
func (c *StepConfig) Validate() error {
	if c.NumOfNodes < 0 {
		return fmt.Errorf("numOfNodes cannot be negative, got %d", c.NumOfNodes)
	}
	if c.BoundQueueCapacity < 0 {
		return fmt.Errorf("boundQueueCapacity cannot be negative, got %d", c.BoundQueueCapacity)
	}
	if c.RunningInitialDelay < 0 || c.RunningPeriodicDelay < 0 {
		return errors.New("tick delays cannot be negative")
	}
	return nil
}

// Nodes returns the effective number of parallel nodes (at least 1)
func (c *StepConfig) Nodes() int {
	if c.NumOfNodes < 1 {
		return 1
	}
	return c.NumOfNodes
}

// ResolveTick returns the initial delay and period of this step's tick, falling back to
// the algo-wide values for unset fields.
func (c *StepConfig) ResolveTick(algo *AlgoConfig) (initialDelay, period time.Duration) {
	initialDelay, period = c.RunningInitialDelay, c.RunningPeriodicDelay
	if algo != nil {
		if initialDelay == 0 {
			initialDelay = algo.RunningInitialDelay
		}
		if period == 0 {
			period = algo.RunningPeriodicDelay
		}
	}
	if period <= 0 {
		period = DefaultTickPeriod
	}
	return initialDelay, period
}

// WithNodes sets the number of parallel nodes.
func (c StepConfig) WithNodes(n int) StepConfig {
	c.NumOfNodes = n
	return c
}

// WithTickCallback enables the step tick with the given delays.
func (c StepConfig) WithTickCallback(initialDelay, period time.Duration) StepConfig {
	c.EnableTickCallback = true
	c.RunningInitialDelay = initialDelay
	c.RunningPeriodicDelay = period
	return c
}

// WithBoundQueueCapacity bounds the mailbox.
func (c StepConfig) WithBoundQueueCapacity(n int) StepConfig {
	c.BoundQueueCapacity = n
	return c
}

// WithReducer sets the reducer step id.
func (c StepConfig) WithReducer(id string) StepConfig {
	c.ReducerID = id
	return c
}
