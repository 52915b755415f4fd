package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of submission failure causes
type ErrorKind string

const (
	ErrRateLimited  ErrorKind = "RateLimited"
	ErrAuthFailed   ErrorKind = "AuthFailed"
	ErrInvalidInput ErrorKind = "InvalidInput"
	ErrUnavailable  ErrorKind = "Unavailable"
)

// ErrNoAdapter is returned when no adapter is registered for a job kind
var ErrNoAdapter = errors.New("no provider adapter for job kind")

// Error is returned by adapters for any failed provider call
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// KindForStatus classifies an HTTP status code returned by a provider
func KindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusPaymentRequired:
		return ErrAuthFailed
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity || code == http.StatusNotFound:
		return ErrInvalidInput
	default:
		return ErrUnavailable
	}
}

// KindOf extracts the error kind; errors that are not *Error count as Unavailable
func KindOf(err error) ErrorKind {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	return ErrUnavailable
}

// Retryable reports whether a failed call may succeed if repeated
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrRateLimited, ErrUnavailable:
		return true
	default:
		return false
	}
}
