package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, throttling, temporary control-plane unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid declarations, dependency cycles, rejected API calls.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is a classified error carrying the resource and field context
// needed to report planning and execution failures.
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information, such as the
	// offending field path of a bad reference or the members of a cycle.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" {
		if cause := e.unwrapMessage(); cause != "" {
			return fmt.Sprintf("[%s] %s (resource=%s): %s", e.Class, e.Message, e.Resource, cause)
		}
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, e.Message, e.Resource)
	}
	if cause := e.unwrapMessage(); cause != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, cause)
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

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

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewReferenceError creates the error reported for a property reference that
// does not resolve to any declared resource.
func NewReferenceError(resourceID, field, targetID string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("unresolved reference to %q", targetID),
		nil,
	).WithCode(ErrCodeReference).WithResource(resourceID).WithDetail("field", field)
}

// NewCycleError creates the error reported for a dependency cycle. The cycle
// slice holds every resource ID on the cycle, in traversal order.
func NewCycleError(cycle []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("dependency cycle: %s", formatCycle(cycle)),
		nil,
	).WithCode(ErrCodeCycle).WithDetail("cycle", cycle)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
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

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// IsReferenceError returns true for unresolved-reference planning errors.
func IsReferenceError(err error) bool {
	return hasCode(err, ErrCodeReference)
}

// IsCycleError returns true for dependency-cycle planning errors.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeCycle)
}

// IsValidationError returns true for malformed-declaration planning errors.
func IsValidationError(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CycleMembers extracts the resource IDs on the cycle from a CycleError.
// It returns nil when err is not a cycle error.
func CycleMembers(err error) []string {
	var e *EngineError
	if !errors.As(err, &e) || e.Code != ErrCodeCycle {
		return nil
	}
	members, _ := e.Details["cycle"].([]string)
	return members
}

// Common error codes.
const (
	ErrCodeReference        = "REFERENCE_ERROR"
	ErrCodeCycle            = "CYCLE_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeRemoteFailed     = "REMOTE_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)
