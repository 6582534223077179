// Package errdefs defines the error taxonomy shared by the analytics engine.
//
// Callers match on kinds with errors.As; every type wraps an optional cause.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// ValidationError reports a bad pipeline, stage or parameter configuration.
// It is the caller's fault and is never retried.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SchemaError reports an unknown object or field. It is a ValidationError
// subtype: errors.As(err, **ValidationError) succeeds on it.
type SchemaError struct {
	Object string
	Field  string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: unknown object %q", e.Object)
	}
	if e.Object == "" {
		return fmt.Sprintf("schema: unknown field %q", e.Field)
	}
	return fmt.Sprintf("schema: unknown field %q on object %q", e.Field, e.Object)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// As lets a SchemaError satisfy errors.As for *ValidationError.
func (e *SchemaError) As(target any) bool {
	v, ok := target.(**ValidationError)
	if !ok {
		return false
	}
	code := "unknown_field"
	if e.Field == "" {
		code = "unknown_object"
	}
	*v = &ValidationError{Field: e.Field, Code: code, Message: e.Error(), Err: e}
	return true
}

// ExecutionError reports a runtime fault during stage evaluation or delivery.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return "execution failed: " + e.Op
	}
	return fmt.Sprintf("execution failed: %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports that a cancellation or deadline elapsed. For retry
// purposes it behaves as an ExecutionError.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out: %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// As lets a TimeoutError satisfy errors.As for *ExecutionError.
func (e *TimeoutError) As(target any) bool {
	v, ok := target.(**ExecutionError)
	if !ok {
		return false
	}
	*v = &ExecutionError{Op: e.Op, Err: e}
	return true
}

// SchedulerError reports a missed or skipped run. Logged, never retried.
type SchedulerError struct {
	ReportID string
	Reason   string
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("scheduler: report %s skipped: %s", e.ReportID, e.Reason)
}

// PluginStartupError is fatal and disables the whole subsystem.
type PluginStartupError struct {
	Reason string
	Err    error
}

func (e *PluginStartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin startup failed: %s: %v", e.Reason, e.Err)
	}
	return "plugin startup failed: " + e.Reason
}

func (e *PluginStartupError) Unwrap() error { return e.Err }

// ErrNotFound is returned when a report, dashboard or schedule id is unknown.
var ErrNotFound = errors.New("not found")

// Validation builds a ValidationError.
func Validation(field, code, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Execution wraps err as an ExecutionError unless it already carries a kind.
func Execution(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsValidation(err) || IsExecution(err) {
		return err
	}
	return &ExecutionError{Op: op, Err: err}
}

// FromContext converts a context error into a TimeoutError.
func FromContext(op string, ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	return &TimeoutError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError (SchemaError included).
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsSchema reports whether err is a SchemaError.
func IsSchema(err error) bool {
	var s *SchemaError
	return errors.As(err, &s)
}

// IsExecution reports whether err is an ExecutionError (TimeoutError included).
func IsExecution(err error) bool {
	var e *ExecutionError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsRetryable reports whether the scheduler may retry after err.
func IsRetryable(err error) bool {
	if err == nil || IsValidation(err) || errors.Is(err, ErrNotFound) {
		return false
	}
	var s *SchedulerError
	if errors.As(err, &s) {
		return false
	}
	return true
}
