// Package engine provides the core types and execution logic for the rackcycle
// lifecycle orchestrator. It drives an ordered plan of phases over heterogeneous
// infrastructure targets, with per-target fallback strategies and bounded retries.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and
// fallback logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry of the same strategy. Examples: network blips, momentary 5xx.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassTerminal indicates the operation is structurally unsupported
	// by this backend via this strategy. Retrying never helps; the controller
	// escalates to the next strategy immediately.
	ErrorClassTerminal ErrorClass = "terminal"

	// ErrorClassUnauthenticated indicates a stale or rotated credential.
	// The controller refreshes the session once and retries once before
	// reclassifying as transient.
	ErrorClassUnauthenticated ErrorClass = "unauthenticated"

	// ErrorClassTimeout indicates a readiness wait hit its ceiling.
	// The target is reported degraded; the chain is not retried automatically.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassFatal indicates a programming or configuration error.
	// Fatal errors abort the whole run.
	ErrorClassFatal ErrorClass = "fatal"
)

// EngineError represents a classified error with context.
type EngineError struct {
	// Class is the error classification for retry and fallback logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Target is the target name that caused the error, if applicable.
	Target string `json:"target,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Target != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (target=%s, operation=%s): %s",
			e.Class, e.Message, e.Target, e.Operation, e.unwrapMessage())
	}
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target=%s): %s",
			e.Class, e.Message, e.Target, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewTerminalError creates a new terminal error.
func NewTerminalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTerminal,
		Message: message,
		Err:     err,
	}
}

// NewUnauthenticatedError creates a new unauthenticated error.
func NewUnauthenticatedError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassUnauthenticated,
		Message: message,
		Err:     err,
	}
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTimeout,
		Message: message,
		Err:     err,
	}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassFatal,
		Message: message,
		Err:     err,
	}
}

// WithTarget adds target context to an error.
func (e *EngineError) WithTarget(name string) *EngineError {
	e.Target = name
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsTerminal returns true if the error is classified as terminal.
func IsTerminal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTerminal
	}
	return false
}

// IsUnauthenticated returns true if the error is classified as unauthenticated.
func IsUnauthenticated(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassUnauthenticated
	}
	return false
}

// IsTimeout returns true if the error is classified as a readiness timeout.
func IsTimeout(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTimeout
	}
	return false
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// ClassOf returns the classification of err. Errors that carry no
// classification default to transient so the attempt cap still bounds them.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassTransient
}

// CodeOf returns the error code of err, or empty for uncoded errors.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeUnsupportedVerb    = "UNSUPPORTED_VERB"
	ErrCodeAuthExpired        = "AUTH_EXPIRED"
	ErrCodeAwaitTimeout       = "AWAIT_TIMEOUT"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeAdapterMissing     = "ADAPTER_MISSING"
	ErrCodePrereqUnreachable  = "PREREQ_UNREACHABLE"
	ErrCodePhaseNotFound      = "PHASE_NOT_FOUND"
	ErrCodeSessionUnavailable = "SESSION_UNAVAILABLE"
	ErrCodeUnreachable        = "ENDPOINT_UNREACHABLE"
)
