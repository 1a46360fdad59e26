package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure for retry and surfacing decisions.
type ErrorClass string

const (
	// ErrorClassTransient covers failures expected to clear on their
	// own: network errors, timeouts, momentary backend unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled covers rate limiting and API quota pushback;
	// retried with a longer backoff than plain transient failures.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict covers optimistic-concurrency rejections.
	// Conflicts are always resolved internally by reload-and-reapply
	// and never reach the end caller.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent covers failures no retry can fix:
	// authentication, validation, bad configuration, hard quota.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried alongside the class for programmatic handling.
const (
	CodeTemplateNotFound  = "TEMPLATE_NOT_FOUND"
	CodeTemplateInvalid   = "TEMPLATE_INVALID"
	CodeResolutionFailed  = "RESOLUTION_FAILED"
	CodeNoStrategy        = "NO_SUITABLE_STRATEGY"
	CodeBackendFailed     = "BACKEND_FAILED"
	CodeBackendThrottled  = "BACKEND_THROTTLED"
	CodeBackendTimeout    = "BACKEND_TIMEOUT"
	CodeCircuitOpen       = "BACKEND_UNAVAILABLE"
	CodeAdmissionDenied   = "ADMISSION_DENIED"
	CodeRequestNotFound   = "REQUEST_NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeConcurrency       = "CONCURRENCY_CONFLICT"
)

// Error is a classified engine failure. The human-readable message and
// the originating kind travel together so callers can render a clear
// failure without parsing error strings.
type Error struct {
	Class     ErrorClass
	Code      string
	Message   string
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("[%s] %s (request=%s)", e.Class, msg, e.RequestID)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on class and code so sentinel comparison via errors.Is
// works across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// WithRequest annotates the error with the request it concerns.
func (e *Error) WithRequest(requestID string) *Error {
	e.RequestID = requestID
	return e
}

func newError(class ErrorClass, code, message string, err error) *Error {
	return &Error{Class: class, Code: code, Message: message, Err: err}
}

// Transient wraps err as a transient failure.
func Transient(code, message string, err error) *Error {
	return newError(ErrorClassTransient, code, message, err)
}

// Throttled wraps err as a rate-limited failure.
func Throttled(message string, err error) *Error {
	return newError(ErrorClassThrottled, CodeBackendThrottled, message, err)
}

// Conflict wraps err as an optimistic-concurrency rejection.
func Conflict(message string, err error) *Error {
	return newError(ErrorClassConflict, CodeConcurrency, message, err)
}

// Permanent wraps err as a non-retryable failure.
func Permanent(code, message string, err error) *Error {
	return newError(ErrorClassPermanent, code, message, err)
}

// ClassOf extracts the class of err, defaulting to permanent for
// unclassified errors so that unknown failures are never retried
// blindly.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// IsRetryable reports whether the failure may clear on retry.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}

// IsPermanent reports whether no retry can fix the failure.
func IsPermanent(err error) bool {
	return ClassOf(err) == ErrorClassPermanent
}

// IsConflict reports whether err is an optimistic-concurrency
// rejection.
func IsConflict(err error) bool {
	return ClassOf(err) == ErrorClassConflict
}
