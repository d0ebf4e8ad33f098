package provider

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass partitions provider failures by how the fallback chain must
// react to them.
type ErrorClass int

const (
	// ClassOther is a non-retryable failure; the chain advances to the
	// next candidate without retrying.
	ClassOther ErrorClass = iota
	// ClassAuth is a credential rejection (401/403-equivalent).
	ClassAuth
	// ClassRateLimit is a quota rejection (429-equivalent).
	ClassRateLimit
	// ClassUnavailable is a connection or service failure (5xx, network).
	ClassUnavailable
	// ClassTimeout is a call that exceeded its deadline.
	ClassTimeout
)

// String returns the class name for logs and metrics labels.
func (c ErrorClass) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassRateLimit:
		return "rate_limit"
	case ClassUnavailable:
		return "unavailable"
	case ClassTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Retryable reports whether the same candidate may be retried after this
// class of failure.
func (c ErrorClass) Retryable() bool {
	return c == ClassRateLimit || c == ClassUnavailable || c == ClassTimeout
}

// CredentialLevel reports whether the failure indicts the credential
// rather than the model, so the pool should rotate.
func (c ErrorClass) CredentialLevel() bool {
	return c == ClassAuth || c == ClassRateLimit
}

// ClassifiedError wraps a provider error with its class.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return e.Class.String() + ": " + e.Err.Error()
}

// Unwrap exposes the underlying error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewClassifiedError wraps err with an explicit class.
func NewClassifiedError(class ErrorClass, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

// Classify determines the error class of a provider failure. Explicitly
// classified errors keep their class; everything else is sniffed from the
// error text, which is how the SDKs surface HTTP status information.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "403", "invalid api key", "invalid x-api-key", "authentication", "unauthorized", "permission"):
		return ClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota"):
		return ClassRateLimit
	case containsAny(msg, "500", "502", "503", "504", "overloaded", "connection", "econnreset", "etimedout", "eof", "no such host"):
		return ClassUnavailable
	case containsAny(msg, "timeout", "deadline"):
		return ClassTimeout
	default:
		return ClassOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
