package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/stepping/internal/tracing"
)

// Environment variables read by LoadAlgoConfig.
const (
	EnvTickEnabled         = "STEPPING_TICK_ENABLED"
	EnvTickInitialDelay    = "STEPPING_TICK_INITIAL_DELAY"
	EnvTickPeriod          = "STEPPING_TICK_PERIOD"
	EnvRunnerWorkers       = "STEPPING_RUNNER_WORKERS"
	EnvPerfSamplerEnabled  = "STEPPING_PERF_SAMPLER_ENABLED"
	EnvPerfSamplerInterval = "STEPPING_PERF_SAMPLER_INTERVAL"
	EnvPerfSamplerPackages = "STEPPING_PERF_SAMPLER_PACKAGES"
	EnvTracingEndpoint     = "STEPPING_TRACING_ENDPOINT"
	EnvTracingServiceName  = "STEPPING_TRACING_SERVICE_NAME"
	defaultTracingService  = "stepping"
)

// LoadAlgoConfig loads the algo configuration with priority: env vars > defaults.
func LoadAlgoConfig() (*AlgoConfig, error) {
	cfg := DefaultAlgoConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAlgoConfigFile loads the algo configuration with priority: env vars > YAML file > defaults.
func LoadAlgoConfigFile(path string) (*AlgoConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := ParseAlgoConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseAlgoConfig decodes a YAML document on top of the defaults.
func ParseAlgoConfig(raw []byte) (*AlgoConfig, error) {
	cfg := DefaultAlgoConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	cfg.Source = ConfigSourceFile
	return cfg, nil
}

// ParseStepConfig decodes a YAML document on top of DefaultStepConfig.
func ParseStepConfig(raw []byte) (*StepConfig, error) {
	cfg := DefaultStepConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *AlgoConfig) error {
	found := false

	if v, ok, err := getEnvBool(EnvTickEnabled); err != nil {
		return err
	} else if ok {
		cfg.EnableTickCallback = v
		found = true
	}
	if v, ok, err := getEnvDuration(EnvTickInitialDelay); err != nil {
		return err
	} else if ok {
		cfg.RunningInitialDelay = v
		found = true
	}
	if v, ok, err := getEnvDuration(EnvTickPeriod); err != nil {
		return err
	} else if ok {
		cfg.RunningPeriodicDelay = v
		found = true
	}
	if workers := getEnvInt(EnvRunnerWorkers, 0); workers > 0 {
		cfg.RunnerWorkers = workers
		found = true
	}
	if v, ok, err := getEnvBool(EnvPerfSamplerEnabled); err != nil {
		return err
	} else if ok {
		cfg.PerfSamplerStepConfig.Enable = v
		found = true
	}
	if v, ok, err := getEnvDuration(EnvPerfSamplerInterval); err != nil {
		return err
	} else if ok {
		cfg.PerfSamplerStepConfig.ReportInterval = v
		found = true
	}
	if packages := getEnv(EnvPerfSamplerPackages, ""); packages != "" {
		cfg.PerfSamplerStepConfig.Packages = splitList(packages)
		found = true
	}
	if endpoint := getEnv(EnvTracingEndpoint, ""); endpoint != "" {
		tc := tracing.DefaultConfig(getEnv(EnvTracingServiceName, defaultTracingService))
		tc.OTLPEndpoint = endpoint
		cfg.Tracing = &tc
		found = true
	}

	if found {
		cfg.Source = ConfigSourceEnvVar
	}
	return nil
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string) (bool, bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return false, false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	return b, true, nil
}

// getEnvDuration accepts Go durations ("250ms") or plain milliseconds ("250").
func getEnvDuration(key string) (time.Duration, bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, true, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	return d, true, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
