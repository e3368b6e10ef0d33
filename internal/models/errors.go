// -----------------------------------------------------------------------
// AppError - Classified errors mapped to HTTP statuses at the handler edge
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an error for transport mapping and retry decisions
type ErrorKind string

const (
	// KindValidationRejected covers bad input: malformed bodies, bounds
	// violations, unwired parameters, unsupported toggles.
	KindValidationRejected ErrorKind = "validation.rejected"
	// KindNotFound covers missing jobs, characters, interactions, files.
	KindNotFound ErrorKind = "resource.not_found"
	// KindConflict covers requests valid in shape but illegal in the
	// current state (e.g. cancelling a terminal job).
	KindConflict ErrorKind = "resource.conflict"
	// KindPluginUnavailable means the backend failed its health check.
	KindPluginUnavailable ErrorKind = "plugin.unavailable"
	// KindPluginFailed means the backend accepted work and then failed;
	// the job is terminal.
	KindPluginFailed ErrorKind = "plugin.failed"
	// KindQueueTransient covers retryable queue/connection failures.
	KindQueueTransient ErrorKind = "queue.transient"
	// KindRateExceeded is produced by the rate limiter.
	KindRateExceeded ErrorKind = "rate.exceeded"
)

// AppError carries a kind alongside the message so handlers can map errors
// to HTTP statuses without string matching
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As
func (e *AppError) Unwrap() error {
	return e.Err
}

// E creates an AppError with the given kind and message
func E(kind ErrorKind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Errorf creates an AppError with a formatted message
func Errorf(kind ErrorKind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an AppError around an underlying cause
func Wrap(kind ErrorKind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// IsKind reports whether err (or anything it wraps) is an AppError of kind
func IsKind(err error, kind ErrorKind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// HTTPStatus maps an error to the status code handlers should write.
// Unclassified errors are internal server errors.
func HTTPStatus(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindValidationRejected, KindConflict:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPluginUnavailable, KindQueueTransient:
		return http.StatusServiceUnavailable
	case KindRateExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
