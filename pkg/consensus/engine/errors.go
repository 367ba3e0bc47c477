package engine

import (
	"errors"
	"fmt"
)

// ProtocolErrorType represents the category of protocol error.
type ProtocolErrorType int

const (
	ErrorTypeAlreadyDone ProtocolErrorType = iota
	ErrorTypeAbortTooEarly
	ErrorTypeMalformedMessage
	ErrorTypeUnknownChannel
	ErrorTypeNotStarted
)

// String returns a human-readable representation of the error type.
func (t ProtocolErrorType) String() string {
	switch t {
	case ErrorTypeAlreadyDone:
		return "AlreadyDone"
	case ErrorTypeAbortTooEarly:
		return "AbortTooEarly"
	case ErrorTypeMalformedMessage:
		return "MalformedMessage"
	case ErrorTypeUnknownChannel:
		return "UnknownChannel"
	case ErrorTypeNotStarted:
		return "NotStarted"
	default:
		return "Unknown"
	}
}

// ProtocolError represents an error raised while applying a protocol operation.
type ProtocolError struct {
	Type    ProtocolErrorType
	Message string
	Cause   error
}

// NewProtocolError creates a new protocol error with the specified type and message.
func NewProtocolError(errorType ProtocolErrorType, message string) *ProtocolError {
	return &ProtocolError{
		Type:    errorType,
		Message: message,
	}
}

// NewProtocolErrorWithCause creates a new protocol error with an underlying cause.
func NewProtocolErrorWithCause(errorType ProtocolErrorType, message string, cause error) *ProtocolError {
	return &ProtocolError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause of the error.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Is matches protocol errors by type so sentinels work with errors.Is.
func (e *ProtocolError) Is(target error) bool {
	var pe *ProtocolError
	if errors.As(target, &pe) {
		return pe.Type == e.Type
	}
	return false
}

var (
	ErrAlreadyDone      = NewProtocolError(ErrorTypeAlreadyDone, "process is done, cannot abort")
	ErrAbortTooEarly    = NewProtocolError(ErrorTypeAbortTooEarly, "timestamp hasn't passed yet")
	ErrMalformedMessage = NewProtocolError(ErrorTypeMalformedMessage, "malformed message")
	ErrUnknownChannel   = NewProtocolError(ErrorTypeUnknownChannel, "channel is not bound to a chain id")
	ErrNotStarted       = NewProtocolError(ErrorTypeNotStarted, "instance has not been started")
)

// IsProtocolError checks if an error is a protocol error of the specified type.
func IsProtocolError(err error, errorType ProtocolErrorType) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Type == errorType
	}
	return false
}

func malformed(format string, args ...interface{}) *ProtocolError {
	return NewProtocolError(ErrorTypeMalformedMessage, fmt.Sprintf(format, args...))
}
