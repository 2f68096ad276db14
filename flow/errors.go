package flow

import (
	"errors"
	"fmt"
)

// FlowError is a structured failure that preserves a message and causal chain
// while still implementing the standard error interface, modeled on the
// runtime's own tool-error convention: a flat struct with an optional nested
// Cause rather than ad hoc fmt.Errorf wrapping, so subscribers and the facade
// can inspect structured causes via errors.Is/errors.As.
type FlowError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying FlowError, enabling error chains.
	Cause *FlowError
	// TaskID identifies which task produced the error, when applicable.
	TaskID TaskID
}

// NewFlowError constructs a FlowError with the given message.
func NewFlowError(message string) *FlowError {
	if message == "" {
		message = "flow error"
	}
	return &FlowError{Message: message}
}

// NewFlowErrorWithCause constructs a FlowError wrapping an underlying error.
func NewFlowErrorWithCause(message string, cause error) *FlowError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &FlowError{Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a FlowError chain.
func FromError(err error) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return &FlowError{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Errorf formats according to a format specifier and returns it as a FlowError.
func Errorf(format string, args ...any) *FlowError {
	return NewFlowError(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying FlowError to support errors.Is/errors.As.
func (e *FlowError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// WithTaskID returns a copy of e tagged with the given task id, used when a
// runner wraps an action exception with the task it occurred in.
func (e *FlowError) WithTaskID(id TaskID) *FlowError {
	if e == nil {
		return nil
	}
	cp := *e
	cp.TaskID = id
	return &cp
}

// ConfigError reports a pre-flight configuration problem detected before any
// task is scheduled: an unknown action name, a dependency on a variable not
// supplied by the caller, or a link to an executable id that is not present
// in the flow (nor an enclosing loop's scope). A facade call that encounters
// any ConfigError fails immediately without running a single task.
type ConfigError struct {
	Problems []string
}

// Error implements the error interface, joining every detected problem.
func (e *ConfigError) Error() string {
	msg := "configuration error"
	for _, p := range e.Problems {
		msg += "\n  - " + p
	}
	return msg
}

// Add appends a problem description, formatted like fmt.Sprintf.
func (e *ConfigError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OK reports whether no problems were recorded.
func (e *ConfigError) OK() bool {
	return len(e.Problems) == 0
}
