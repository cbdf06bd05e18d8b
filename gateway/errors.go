package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for governance API failures. Match with errors.Is.
var (
	ErrValidation       = errors.New("validation failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnavailable      = errors.New("service unavailable")
)

// APIError carries the HTTP status and server message of a failed call.
type APIError struct {
	StatusCode int
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("governance api: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("governance api: %d", e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.kind }

// classify maps an HTTP status to the matching sentinel.
func classify(status int, message string) error {
	var kind error
	switch status {
	case 400:
		kind = ErrValidation
	case 403:
		kind = ErrPermissionDenied
	case 404:
		kind = ErrNotFound
	case 429:
		kind = ErrRateLimited
	case 503:
		kind = ErrUnavailable
	}
	return &APIError{StatusCode: status, Message: message, kind: kind}
}

// IsNotFound reports whether err is a 404 from the governance API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// retryable reports whether a failed call is worth retrying.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	// Network-level failures.
	return true
}
