// Package errors provides structured error handling for ollamascan operations.
// It defines error codes and typed errors for the three failure classes of a
// run: malformed input, per-target probe failures, and result sink failures.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"

	// Input errors.
	CodeTargetInvalid ErrorCode = "TARGET_INVALID"
	CodeFileNotFound  ErrorCode = "FILE_NOT_FOUND"

	// Probe errors.
	CodeHostUnreachable ErrorCode = "HOST_UNREACHABLE"
	CodeNonMatching     ErrorCode = "NON_MATCHING"

	// Sink errors.
	CodeSinkOpen  ErrorCode = "SINK_OPEN"
	CodeSinkWrite ErrorCode = "SINK_WRITE"
	CodeSinkClose ErrorCode = "SINK_CLOSE"
)

// ParseError reports an address-space line that could not be understood.
type ParseError struct {
	Line   int
	Raw    string
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %q: %s", CodeTargetInvalid, e.Line, e.Raw, e.Reason)
	}
	return fmt.Sprintf("[%s] %q: %s", CodeTargetInvalid, e.Raw, e.Reason)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError creates a parse error for a raw descriptor.
func NewParseError(raw, reason string) *ParseError {
	return &ParseError{Raw: raw, Reason: reason}
}

// AtLine sets the input line number on the error.
func (e *ParseError) AtLine(line int) *ParseError {
	e.Line = line
	return e
}

// ProbeError represents a per-target probe failure. These are counted, never fatal.
type ProbeError struct {
	Code   ErrorCode
	Target string
	Status int
	Cause  error
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	msg := fmt.Sprintf("[%s] probe failed (target: %s)", e.Code, e.Target)
	if e.Status > 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ProbeError) Unwrap() error {
	return e.Cause
}

// NewProbeError creates a probe error for a target.
func NewProbeError(code ErrorCode, target string, status int, cause error) *ProbeError {
	return &ProbeError{
		Code:   code,
		Target: target,
		Status: status,
		Cause:  cause,
	}
}

// SinkError represents a failure to persist results. It terminates the run.
type SinkError struct {
	Code     ErrorCode
	Message  string
	Sink     string
	Endpoint string
	Cause    error
}

// Error implements the error interface.
func (e *SinkError) Error() string {
	msg := fmt.Sprintf("[%s] %s (sink: %s)", e.Code, e.Message, e.Sink)
	if e.Endpoint != "" {
		msg = fmt.Sprintf("[%s] %s (sink: %s, endpoint: %s)", e.Code, e.Message, e.Sink, e.Endpoint)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SinkError) Unwrap() error {
	return e.Cause
}

// WrapSinkError wraps an existing error as a sink error.
func WrapSinkError(code ErrorCode, sink, message string, err error) *SinkError {
	return &SinkError{
		Code:    code,
		Message: message,
		Sink:    sink,
		Cause:   err,
	}
}

// ForEndpoint records the endpoint whose group failed to persist.
func (e *SinkError) ForEndpoint(key string) *SinkError {
	e.Endpoint = key
	return e
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// GetCode extracts the error code from an error chain if it has one.
func GetCode(err error) ErrorCode {
	var parseErr *ParseError
	if stderrors.As(err, &parseErr) {
		return CodeTargetInvalid
	}
	var probeErr *ProbeError
	if stderrors.As(err, &probeErr) {
		return probeErr.Code
	}
	var sinkErr *SinkError
	if stderrors.As(err, &sinkErr) {
		return sinkErr.Code
	}
	var configErr *ConfigError
	if stderrors.As(err, &configErr) {
		return configErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsFatal determines if an error should stop the run.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeSinkOpen, CodeSinkWrite, CodeSinkClose, CodeConfiguration, CodeValidation:
		return true
	default:
		return false
	}
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}
