package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAlgoConfig(t *testing.T) {
	cfg := DefaultAlgoConfig()

	assert.False(t, cfg.EnableTickCallback)
	assert.Equal(t, DefaultTickPeriod, cfg.RunningPeriodicDelay)
	assert.GreaterOrEqual(t, cfg.RunnerWorkers, 8)
	assert.Equal(t, ConfigSourceDefault, cfg.Source)
	assert.NoError(t, cfg.Validate())
}

func TestAlgoConfigValidate(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cfg := &AlgoConfig{}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, DefaultTickPeriod, cfg.RunningPeriodicDelay)
		assert.Equal(t, DefaultPerfSamplerInterval, cfg.PerfSamplerStepConfig.ReportInterval)
		assert.Positive(t, cfg.RunnerWorkers)
	})

	t.Run("negative delay", func(t *testing.T) {
		cfg := &AlgoConfig{RunningInitialDelay: -time.Second}
		assert.Error(t, cfg.Validate())
	})

	t.Run("perf sampler requires packages", func(t *testing.T) {
		cfg := DefaultAlgoConfig().WithPerfSampler(time.Second)
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "packages")
	})

	t.Run("perf sampler rejects blank package", func(t *testing.T) {
		cfg := DefaultAlgoConfig().WithPerfSampler(time.Second, "github.com/acme", " ")
		assert.Error(t, cfg.Validate())
	})
}

func TestAlgoConfigBuilders(t *testing.T) {
	handler := ExceptionHandlerFunc(func(err error) (bool, error) { return true, nil })
	cfg := DefaultAlgoConfig().
		WithTickCallback(10*time.Millisecond, 50*time.Millisecond).
		WithRunnerWorkers(3).
		WithExceptionHandler(handler)

	assert.True(t, cfg.EnableTickCallback)
	assert.Equal(t, 10*time.Millisecond, cfg.RunningInitialDelay)
	assert.Equal(t, 50*time.Millisecond, cfg.RunningPeriodicDelay)
	assert.Equal(t, 3, cfg.RunnerWorkers)

	handled, err := cfg.CustomExceptionHandler.Handle(errors.New("x"))
	assert.True(t, handled)
	assert.NoError(t, err)
	assert.Contains(t, cfg.String(), "RunnerWorkers: 3")
}

func TestStepConfigResolveTick(t *testing.T) {
	algo := DefaultAlgoConfig().WithTickCallback(5*time.Millisecond, 20*time.Millisecond)

	t.Run("falls back to algo", func(t *testing.T) {
		initial, period := DefaultStepConfig().ResolveTick(&algo)
		assert.Equal(t, 5*time.Millisecond, initial)
		assert.Equal(t, 20*time.Millisecond, period)
	})

	t.Run("step overrides algo", func(t *testing.T) {
		step := DefaultStepConfig().WithTickCallback(time.Millisecond, 2*time.Millisecond)
		initial, period := step.ResolveTick(&algo)
		assert.Equal(t, time.Millisecond, initial)
		assert.Equal(t, 2*time.Millisecond, period)
	})

	t.Run("never zero period", func(t *testing.T) {
		_, period := DefaultStepConfig().ResolveTick(nil)
		assert.Equal(t, DefaultTickPeriod, period)
	})
}

func TestStepConfigValidateAndNodes(t *testing.T) {
	assert.Error(t, (&StepConfig{NumOfNodes: -1}).Validate())
	assert.Error(t, (&StepConfig{BoundQueueCapacity: -2}).Validate())
	assert.NoError(t, DefaultStepConfig().Validate())

	assert.Equal(t, 1, (&StepConfig{}).Nodes())
	cfg := DefaultStepConfig().WithNodes(4).WithReducer("sum").WithBoundQueueCapacity(16)
	assert.Equal(t, 4, cfg.Nodes())
	assert.Equal(t, "sum", cfg.ReducerID)
	assert.Equal(t, 16, cfg.BoundQueueCapacity)
}

func TestLoadAlgoConfigRespectsEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvTickEnabled, "true")
	t.Setenv(EnvTickInitialDelay, "250")
	t.Setenv(EnvTickPeriod, "2s")
	t.Setenv(EnvRunnerWorkers, "7")
	t.Setenv(EnvPerfSamplerEnabled, "true")
	t.Setenv(EnvPerfSamplerPackages, "github.com/acme/a, github.com/acme/b")
	t.Setenv(EnvTracingEndpoint, "collector:4318")

	cfg, err := LoadAlgoConfig()
	require.NoError(t, err)

	assert.True(t, cfg.EnableTickCallback)
	assert.Equal(t, 250*time.Millisecond, cfg.RunningInitialDelay)
	assert.Equal(t, 2*time.Second, cfg.RunningPeriodicDelay)
	assert.Equal(t, 7, cfg.RunnerWorkers)
	assert.True(t, cfg.PerfSamplerStepConfig.Enable)
	assert.Equal(t, []string{"github.com/acme/a", "github.com/acme/b"}, cfg.PerfSamplerStepConfig.Packages)
	require.NotNil(t, cfg.Tracing)
	assert.Equal(t, "collector:4318", cfg.Tracing.OTLPEndpoint)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
}

func TestLoadAlgoConfigInvalidEnv(t *testing.T) {
	t.Setenv(EnvTickEnabled, "maybe")
	_, err := LoadAlgoConfig()
	assert.Error(t, err)
}

func TestLoadAlgoConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "algo.yaml")
	raw := []byte(`
enableTickCallback: true
runningInitialDelay: 100ms
runningPeriodicDelay: 3s
runnerWorkers: 12
perfSampler:
  enable: true
  reportInterval: 30s
  packages:
    - github.com/wehubfusion
`)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	cfg, err := LoadAlgoConfigFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.EnableTickCallback)
	assert.Equal(t, 100*time.Millisecond, cfg.RunningInitialDelay)
	assert.Equal(t, 3*time.Second, cfg.RunningPeriodicDelay)
	assert.Equal(t, 12, cfg.RunnerWorkers)
	assert.Equal(t, 30*time.Second, cfg.PerfSamplerStepConfig.ReportInterval)
	assert.Equal(t, ConfigSourceFile, cfg.Source)

	t.Setenv(EnvRunnerWorkers, "2")
	cfg, err = LoadAlgoConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.RunnerWorkers)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
}

func TestLoadAlgoConfigFileMissing(t *testing.T) {
	_, err := LoadAlgoConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseStepConfig(t *testing.T) {
	cfg, err := ParseStepConfig([]byte("numOfNodes: 3\nreducerID: sum\nboundQueueCapacity: 8\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.NumOfNodes)
	assert.Equal(t, "sum", cfg.ReducerID)
	assert.Equal(t, 8, cfg.BoundQueueCapacity)

	_, err = ParseStepConfig([]byte("numOfNodes: -3\n"))
	assert.Error(t, err)
}
