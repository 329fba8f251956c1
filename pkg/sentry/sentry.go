// Package sentry reports runtime errors to Sentry, either from zap logs through SentryHook
// or from the algo error funnel through ExceptionHandler.
package sentry

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/wehubfusion/stepping/pkg/config"
	sterrors "github.com/wehubfusion/stepping/pkg/errors"
)

// Config configures the Sentry client.
type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Init initializes the global Sentry client. An empty DSN leaves Sentry disabled.
func Init(cfg Config) error {
	if cfg.DSN == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:           cfg.DSN,
		Environment:   cfg.Environment,
		Release:       cfg.Release,
		EnableTracing: false,
	})
}

// Flush waits up to timeout for buffered events to be sent
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

// ExceptionHandler reports every funnelled error to Sentry and then delegates to Next.
// Without Next, errors are reported but never absorbed.
type ExceptionHandler struct {
	Next config.ExceptionHandler
}

// NewExceptionHandler wraps next, which may be nil
func NewExceptionHandler(next config.ExceptionHandler) *ExceptionHandler {
	return &ExceptionHandler{Next: next}
}

// Handle implements config.ExceptionHandler
func (h *ExceptionHandler) Handle(err error) (bool, error) {
	Report(err)
	if h.Next == nil {
		return false, nil
	}
	return h.Next.Handle(err)
}

// Report sends err to Sentry, tagged with its kind and, when known, the step and subject.
func Report(err error) {
	if err == nil {
		return
	}

	kind := sterrors.Classify(err)
	level := sentry.LevelError
	if kind == sterrors.KindCritical {
		level = sentry.LevelFatal
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", string(kind))
		fingerprint := []string{"{{ default }}", "kind: " + string(kind)}
		if stepID, ok := sterrors.StepID(err); ok {
			scope.SetTag("step_id", stepID)
			fingerprint = append(fingerprint, "step_id: "+stepID)
		}
		if subject, ok := sterrors.SubjectType(err); ok {
			scope.SetTag("subject", subject)
		}
		scope.SetFingerprint(fingerprint)
		sentry.CaptureEvent(createSentryEvent(level, err))
	})
}

func getMeaningfulErrorTitle(err error) string {
	message := err.Error()

	// First phrase, up to a period, comma or colon
	idx := strings.IndexAny(message, ".,:")
	if idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}
	return message
}

func createSentryEvent(level sentry.Level, err error) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       getMeaningfulErrorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}
	return event
}
