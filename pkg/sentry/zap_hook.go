package sentry

import (
	"fmt"
	"math"
	"strconv"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap/zapcore"
)

// FingerprintKeys are the field keys that affect Sentry grouping.
var FingerprintKeys = []string{"step_id", "subject", "kind"}

// SentryHook wraps a zapcore.Core and captures Warn and Error entries to Sentry
// asynchronously while delegating all logging to the wrapped core.
type SentryHook struct {
	zapcore.Core
}

// NewSentryHook wraps core
func NewSentryHook(core zapcore.Core) *SentryHook {
	return &SentryHook{Core: core}
}

// With returns a new SentryHook with the given fields added to the context.
func (h *SentryHook) With(fields []zapcore.Field) zapcore.Core {
	return &SentryHook{Core: h.Core.With(fields)}
}

// Check determines whether the entry should be logged.
func (h *SentryHook) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if h.Enabled(entry.Level) {
		return ce.AddCore(entry, h)
	}
	return ce
}

// Write logs the entry to the underlying core and captures Warn and above to Sentry.
func (h *SentryHook) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if entry.Level >= zapcore.WarnLevel {
		go h.captureToSentry(entry, fields)
	}
	return h.Core.Write(entry, fields)
}

func (h *SentryHook) captureToSentry(entry zapcore.Entry, fields []zapcore.Field) {
	tags := extractFieldsAsContext(fields)
	fingerprint := extractFingerprintKeys(fields)

	sentry.WithScope(func(scope *sentry.Scope) {
		level := zapLevelToSentry(entry.Level)
		scope.SetLevel(level)
		scope.SetFingerprint(append([]string{"{{ default }}", "level: " + string(level)}, fingerprint...))
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureMessage(entry.Message)
	})
}

// extractFieldsAsContext converts zap fields to string values for Sentry tags.
func extractFieldsAsContext(fields []zapcore.Field) map[string]string {
	context := make(map[string]string)

	for _, field := range fields {
		switch field.Type {
		case zapcore.StringType:
			context[field.Key] = field.String
		case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
			context[field.Key] = strconv.FormatInt(field.Integer, 10)
		case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
			context[field.Key] = strconv.FormatUint(uint64(field.Integer), 10)
		case zapcore.BoolType:
			context[field.Key] = strconv.FormatBool(field.Integer == 1)
		case zapcore.Float64Type:
			context[field.Key] = strconv.FormatFloat(math.Float64frombits(uint64(field.Integer)), 'g', -1, 64)
		case zapcore.DurationType:
			context[field.Key] = strconv.FormatInt(field.Integer, 10)
		case zapcore.ErrorType:
			if err, ok := field.Interface.(error); ok {
				context[field.Key] = err.Error()
			}
		default:
			if field.Interface != nil {
				context[field.Key] = fmt.Sprintf("%v", field.Interface)
			}
		}
	}

	return context
}

func extractFingerprintKeys(fields []zapcore.Field) []string {
	var fingerprint []string

	for _, field := range fields {
		for _, key := range FingerprintKeys {
			if field.Key != key {
				continue
			}
			value := field.String
			if field.Type != zapcore.StringType {
				if field.Interface != nil {
					value = fmt.Sprintf("%v", field.Interface)
				} else {
					value = strconv.FormatInt(field.Integer, 10)
				}
			}
			fingerprint = append(fingerprint, key+": "+value)
			break
		}
	}

	return fingerprint
}

func zapLevelToSentry(level zapcore.Level) sentry.Level {
	switch level {
	case zapcore.DebugLevel:
		return sentry.LevelDebug
	case zapcore.InfoLevel:
		return sentry.LevelInfo
	case zapcore.WarnLevel:
		return sentry.LevelWarning
	case zapcore.ErrorLevel:
		return sentry.LevelError
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return sentry.LevelFatal
	default:
		return sentry.LevelInfo
	}
}
