package guard

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies guard-specific failures.
type ErrorCode int

const (
	// ErrCodeUnknown represents an unclassified error.
	ErrCodeUnknown ErrorCode = iota
	// ErrCodeStoreUnavailable indicates a backing store is unreachable or timed out.
	ErrCodeStoreUnavailable
	// ErrCodeConfigMissing indicates no rule resolves for a scope.
	ErrCodeConfigMissing
	// ErrCodeRaceLost indicates an atomic operation was contended and retried out.
	ErrCodeRaceLost
	// ErrCodeQueueFull indicates ledger ingestion backpressure.
	ErrCodeQueueFull
	// ErrCodeInvalidRule indicates a malformed rule document.
	ErrCodeInvalidRule
	// ErrCodeNotFound indicates a requested document does not exist.
	ErrCodeNotFound
	// ErrCodeUnauthorized indicates the request is not authorized.
	ErrCodeUnauthorized
	// ErrCodeCircuitOpen indicates the store circuit breaker is open.
	ErrCodeCircuitOpen
)

// String returns the wire name of the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeStoreUnavailable:
		return "store_unavailable"
	case ErrCodeConfigMissing:
		return "config_missing"
	case ErrCodeRaceLost:
		return "race_lost"
	case ErrCodeQueueFull:
		return "queue_full"
	case ErrCodeInvalidRule:
		return "invalid_rule"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeUnauthorized:
		return "unauthorized"
	case ErrCodeCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error is a guard-specific error with a code and optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	var ge *Error
	if errors.As(target, &ge) {
		return e.Code == ge.Code
	}
	return false
}

// NewError creates a new guard error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError wraps a cause with a base error's code for the error chain.
func WrapError(base *Error, message string, cause error) *Error {
	return &Error{Code: base.Code, Message: message, Cause: cause}
}

// Predefined errors for common cases.
var (
	ErrStoreUnavailable = NewError(ErrCodeStoreUnavailable, "backing store is unavailable")
	ErrConfigMissing    = NewError(ErrCodeConfigMissing, "no rule resolves for scope")
	ErrRaceLost         = NewError(ErrCodeRaceLost, "atomic operation contended")
	ErrQueueFull        = NewError(ErrCodeQueueFull, "ledger queue is full")
	ErrInvalidRule      = NewError(ErrCodeInvalidRule, "rule is invalid")
	ErrNotFound         = NewError(ErrCodeNotFound, "document not found")
	ErrUnauthorized     = NewError(ErrCodeUnauthorized, "request is not authorized")
	ErrCircuitOpen      = NewError(ErrCodeCircuitOpen, "store circuit breaker is open")
)

// IsStoreUnavailable reports whether err means a store could not serve the call.
// Circuit-open counts: the breaker tripping is the store being unavailable.
func IsStoreUnavailable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code == ErrCodeStoreUnavailable || ge.Code == ErrCodeCircuitOpen
	}
	return false
}

// IsNotFound reports whether err is a missing-document error.
func IsNotFound(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code == ErrCodeNotFound
	}
	return false
}

// ToHTTPStatus maps any error to an HTTP status for the admin API.
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var ge *Error
	if !errors.As(err, &ge) {
		return http.StatusInternalServerError
	}
	switch ge.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidRule:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeStoreUnavailable, ErrCodeCircuitOpen, ErrCodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
