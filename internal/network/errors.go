package network

import (
	"errors"
	"fmt"
)

// Common network errors
var (
	ErrUnknownMember  = errors.New("chain id is not a configured member")
	ErrUnknownPeer    = errors.New("remote peer is not a configured member")
	ErrInvalidAddress = errors.New("invalid multiaddr format")
	ErrInvalidConfig  = errors.New("invalid network configuration")
	ErrClosed         = errors.New("transport is closed")
)

// OperationError records which transport operation failed and with whom.
type OperationError struct {
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if len(e.Context) > 0 {
		return fmt.Sprintf("network error in %s: %v (context: %v)", e.Operation, e.Cause, e.Context)
	}
	return fmt.Sprintf("network error in %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying error
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// NewOperationError creates a new operation error with context
func NewOperationError(operation string, cause error, context map[string]interface{}) *OperationError {
	return &OperationError{
		Operation: operation,
		Cause:     cause,
		Context:   context,
	}
}
