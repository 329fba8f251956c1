package script

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// ErrTimeout is wrapped by errors of callbacks interrupted after Config.Timeout.
var ErrTimeout = errors.New("script execution timeout")

// ErrorType categorizes script errors
type ErrorType string

const (
	ErrorTypeSyntax  ErrorType = "syntax_error"
	ErrorTypeRuntime ErrorType = "runtime_error"
	ErrorTypeTimeout ErrorType = "timeout_error"
	ErrorTypeConfig  ErrorType = "config_error"
)

// ScriptError is a structured JavaScript error of one step.
type ScriptError struct {
	StepID  string
	Type    ErrorType
	Message string
	Err     error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s [%s] %s", e.StepID, e.Type, e.Message)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

func newTimeoutError(stepID string, timeout time.Duration) *ScriptError {
	return &ScriptError{
		StepID:  stepID,
		Type:    ErrorTypeTimeout,
		Message: fmt.Sprintf("execution exceeded %s", timeout),
		Err:     ErrTimeout,
	}
}

func newConfigError(stepID, message string) *ScriptError {
	return &ScriptError{StepID: stepID, Type: ErrorTypeConfig, Message: message}
}

// wrapError converts goja errors into ScriptErrors
func wrapError(stepID string, err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &ScriptError{StepID: stepID, Type: ErrorTypeRuntime, Message: exc.Value().String(), Err: err}
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &ScriptError{StepID: stepID, Type: ErrorTypeSyntax, Message: syntax.Error(), Err: err}
	}
	return &ScriptError{StepID: stepID, Type: ErrorTypeRuntime, Message: err.Error(), Err: err}
}
