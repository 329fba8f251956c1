// Package errors defines the error taxonomy of the stepping runtime.
//
// Every failure raised inside the runtime is classified into one of four kinds:
//   - StepError: raised by a Step callback, carries the offending step id
//   - SystemError: infrastructure failure (interrupted worker, broken tick rendezvous)
//   - DistributionError: a SystemError raised while distributing a subject
//   - CriticalError: the algorithm cannot continue, always shuts everything down
//
// Anything else is a generic error and is funnelled through the same handler.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID indicates that an object with the same id is already registered
	ErrDuplicateID = errors.New("duplicate id")

	// ErrNotFound indicates that no object is registered under the requested id
	ErrNotFound = errors.New("not found")

	// ErrSubjectNotFound indicates that a followed subject does not exist
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrMissingStepConfig indicates that a step returned a nil StepConfig
	ErrMissingStepConfig = errors.New("step config is required")

	// ErrMissingAlgoConfig indicates that an algo returned a nil AlgoConfig
	ErrMissingAlgoConfig = errors.New("algo config is required")

	// ErrMissingFactory indicates that a step must be duplicated but has no factory
	ErrMissingFactory = errors.New("step factory is required to duplicate nodes")

	// ErrIDMismatch indicates that SetID followed by ID returned a different value
	ErrIDMismatch = errors.New("step id mismatch")

	// ErrInterrupted indicates that a worker was interrupted before receiving a poison pill
	ErrInterrupted = errors.New("worker interrupted")

	// ErrNoReducer indicates that Reduce was called by a step without a reducer id
	ErrNoReducer = errors.New("no reducer configured")

	// ErrMissingNumOfNodes indicates a reduce event without the expected node count
	ErrMissingNumOfNodes = errors.New("reduce event without numOfNodes metadata")

	// ErrClosed indicates that the runtime has already been shut down
	ErrClosed = errors.New("runtime closed")

	// ErrInvalidState indicates a lifecycle operation that is not allowed in the current state
	ErrInvalidState = errors.New("invalid lifecycle state")
)

// Kind classifies runtime errors for logging and metrics.
type Kind string

const (
	KindStep         Kind = "step"
	KindSystem       Kind = "system"
	KindDistribution Kind = "distribution"
	KindCritical     Kind = "critical"
	KindGeneric      Kind = "generic"
)

// StepError is raised by a Step callback.
type StepError struct {
	// StepID is the id of the step whose callback failed
	StepID string

	// Op names the failing callback (e.g. "onSubjectUpdate")
	Op string

	// Err is the underlying error
	Err error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %s failed: %v", e.StepID, e.Op, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError wraps err as a failure of the given step callback.
func NewStepError(stepID, op string, err error) *StepError {
	return &StepError{StepID: stepID, Op: op, Err: err}
}

// SystemError is an infrastructure failure.
type SystemError struct {
	// Subsystem names the failing part of the runtime (e.g. "mailbox", "tick")
	Subsystem string

	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system failure in %s: %v", e.Subsystem, e.Err)
}

func (e *SystemError) Unwrap() error {
	return e.Err
}

// NewSystemError wraps err as a failure of subsystem.
func NewSystemError(subsystem string, err error) *SystemError {
	return &SystemError{Subsystem: subsystem, Err: err}
}

// DistributionError reports a failure while distributing a message of a subject.
type DistributionError struct {
	SubjectType string
	Err         error
}

func (e *DistributionError) Error() string {
	return fmt.Sprintf("failed distributing subject %s: %v", e.SubjectType, e.Err)
}

func (e *DistributionError) Unwrap() error {
	return e.Err
}

// NewDistributionError wraps err as a distribution failure of subjectType.
func NewDistributionError(subjectType string, err error) *DistributionError {
	return &DistributionError{SubjectType: subjectType, Err: err}
}

// CriticalError signals that the algorithm cannot continue safely.
type CriticalError struct {
	Message string
	Err     error
}

func (e *CriticalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("critical: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("critical: %s", e.Message)
}

func (e *CriticalError) Unwrap() error {
	return e.Err
}

// NewCriticalError creates a new critical error
func NewCriticalError(message string, err error) *CriticalError {
	return &CriticalError{Message: message, Err: err}
}

// IsCritical checks if err, or any error it wraps, is critical
func IsCritical(err error) bool {
	var ce *CriticalError
	return errors.As(err, &ce)
}

// IsInterrupted checks if err is a worker interruption
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

// StepID returns the id of the step that raised err, if any.
func StepID(err error) (string, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.StepID, true
	}
	return "", false
}

// SubjectType returns the subject whose distribution failed, if any.
func SubjectType(err error) (string, bool) {
	var de *DistributionError
	if errors.As(err, &de) {
		return de.SubjectType, true
	}
	return "", false
}

// Classify returns the most specific kind of err. Critical wins over every other kind.
func Classify(err error) Kind {
	var (
		se *StepError
		de *DistributionError
		ye *SystemError
	)
	switch {
	case IsCritical(err):
		return KindCritical
	case errors.As(err, &se):
		return KindStep
	case errors.As(err, &de):
		return KindDistribution
	case errors.As(err, &ye):
		return KindSystem
	}
	return KindGeneric
}

// Is, As and Join re-export the standard helpers so callers need a single import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
	New  = errors.New
)
