// Package logger builds the zap loggers used by stepping binaries.
package logger

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/stepping/pkg/sentry"
)

// LogFormat represents the logging format.
type LogFormat string

const (
	// FormatConsole indicates human-readable console format.
	FormatConsole LogFormat = "CONSOLE"
	// FormatJSON indicates structured JSON format.
	FormatJSON LogFormat = "JSON"
)

// Environment variables read by FromEnv.
const (
	EnvLevel  = "LOGGING_LEVEL"
	EnvFormat = "LOGGING_FORMAT"
	EnvSentry = "LOGGING_SENTRY"
)

// Config describes how to build a logger.
type Config struct {
	Level  string
	Format LogFormat

	// Sentry wraps the core with a SentryHook capturing Warn and above
	Sentry bool

	// Output defaults to stdout
	Output zapcore.WriteSyncer
}

// FromEnv reads the logger configuration from LOGGING_* variables.
func FromEnv() Config {
	cfg := Config{
		Level:  getEnv(EnvLevel, "INFO"),
		Format: LogFormat(strings.ToUpper(getEnv(EnvFormat, string(FormatJSON)))),
	}
	if cfg.Format != FormatConsole && cfg.Format != FormatJSON {
		cfg.Format = FormatJSON
	}
	cfg.Sentry = strings.EqualFold(os.Getenv(EnvSentry), "true")
	return cfg
}

// New creates a zap logger from cfg.
func New(cfg Config) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == FormatConsole {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	out := cfg.Output
	if out == nil {
		out = zapcore.AddSync(os.Stdout)
	}

	var core zapcore.Core = zapcore.NewCore(encoder, out, zap.NewAtomicLevelAt(ParseLevel(cfg.Level)))
	if cfg.Sentry {
		core = sentry.NewSentryHook(core)
	}

	return zap.New(core, zap.AddCaller())
}

// ParseLevel converts a level name to a zapcore.Level, defaulting to Info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "DPANIC":
		return zapcore.DPanicLevel
	case "PANIC":
		return zapcore.PanicLevel
	case "FATAL":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// timeEncoder encodes the time as a human-readable timestamp.
func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}
