package provider

import (
	"context"
	"errors"
	"strings"
)

// CallError wraps a provider failure with enough classification for the
// router to decide between retry, fallback and give-up.
type CallError struct {
	Provider  string
	Model     string
	Status    int
	Transient bool
	Err       error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return "provider " + e.Provider + " call failed: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *CallError) Unwrap() error {
	return e.Err
}

// wrapCallError classifies an SDK error by HTTP status and wraps it.
func wrapCallError(providerName, model string, status int, err error) *CallError {
	return &CallError{
		Provider:  providerName,
		Model:     model,
		Status:    status,
		Transient: transientStatus(status) || (status == 0 && retryableMessage(err)),
		Err:       err,
	}
}

// transientStatus reports whether an HTTP status warrants a retry.
func transientStatus(status int) bool {
	switch status {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	}
	return false
}

// retryableMessage falls back to message inspection for transport-level
// failures that carry no HTTP status.
func retryableMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"ECONNRESET",
		"ETIMEDOUT",
		"connection reset",
		"connection refused",
		"timeout",
		"rate limit",
		"overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTransient reports whether an error should be retried on the same
// candidate. Context cancellation is never transient: retrying a cancelled
// call cannot succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Transient
	}
	return retryableMessage(err)
}
