package common

import (
	"errors"
	"fmt"
)

// Error codes for protocol operations
const (
	// Caller-facing
	ErrCodeValidation    = "VALIDATION_FAILED"
	ErrCodeUnknownMethod = "UNKNOWN_METHOD"

	// Protocol violations, logged and dropped
	ErrCodeMalformedMessage     = "MALFORMED_MESSAGE"
	ErrCodeInvalidSignature     = "INVALID_SIGNATURE"
	ErrCodeStaleTransaction     = "STALE_TRANSACTION"
	ErrCodeDuplicateTransaction = "DUPLICATE_TRANSACTION"
	ErrCodeRateLimited          = "RATE_LIMITED"

	// Connectivity
	ErrCodeConnectivity = "CONNECTIVITY_FAILURE"
	ErrCodeNotConnected = "NOT_CONNECTED"
)

// Sentinels for errors.Is checks.
var (
	ErrValidation           = errors.New("validation failed")
	ErrUnknownMethod        = errors.New("unknown method")
	ErrMalformedMessage     = errors.New("malformed message")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrStaleTransaction     = errors.New("transaction too old")
	ErrDuplicateTransaction = errors.New("transaction already in mempool")
	ErrRateLimited          = errors.New("rate limited")
	ErrConnectivity         = errors.New("connectivity failure")
	ErrNotConnected         = errors.New("not connected")
)

var sentinels = map[string]error{
	ErrCodeValidation:           ErrValidation,
	ErrCodeUnknownMethod:        ErrUnknownMethod,
	ErrCodeMalformedMessage:     ErrMalformedMessage,
	ErrCodeInvalidSignature:     ErrInvalidSignature,
	ErrCodeStaleTransaction:     ErrStaleTransaction,
	ErrCodeDuplicateTransaction: ErrDuplicateTransaction,
	ErrCodeRateLimited:          ErrRateLimited,
	ErrCodeConnectivity:         ErrConnectivity,
	ErrCodeNotConnected:         ErrNotConnected,
}

// ProtocolError carries a code for programmatic handling plus context for logs.
type ProtocolError struct {
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel registered for the error's code.
func (e *ProtocolError) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// WithContext adds context to the error
func (e *ProtocolError) WithContext(key string, value interface{}) *ProtocolError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewProtocolError creates a new protocol error
func NewProtocolError(code, message string) *ProtocolError {
	return &ProtocolError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapProtocolError wraps an existing error with a code
func WrapProtocolError(code, message string, cause error) *ProtocolError {
	return &ProtocolError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
		Cause:   cause,
	}
}

// Validationf builds a caller-facing validation error.
func Validationf(format string, args ...interface{}) *ProtocolError {
	return NewProtocolError(ErrCodeValidation, fmt.Sprintf(format, args...))
}

// IsValidation reports whether err is a ValidationError (bad method arguments).
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrUnknownMethod)
}
