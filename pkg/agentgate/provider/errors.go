// errors.go defines the typed failures surfaced by the provider chain.
package provider

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a single backend failure.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429, should respect Retry-After
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorTimeout                     // request timeout / deadline exceeded
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or billing-related in body
	ErrorContext                     // context_length_exceeded
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

// String returns a human-readable label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind warrants another attempt on the same handle.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorOverloaded || k == ErrorTimeout
}

// CallError is a single backend failure. Recovered internally by fallback;
// callers only see it inside AllProvidersExhaustedError.
type CallError struct {
	Handle        string
	Kind          ErrorKind
	StatusCode    int
	RetryAfterSec int
	Err           error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Handle, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// AllProvidersExhaustedError is raised when every handle in the chain failed.
// Reasons holds the final failure per handle, in priority order, so callers
// can surface the full picture instead of just the last error.
type AllProvidersExhaustedError struct {
	Reasons []*CallError
}

func (e *AllProvidersExhaustedError) Error() string {
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		parts[i] = r.Error()
	}
	return fmt.Sprintf("all providers exhausted: [%s]", strings.Join(parts, "; "))
}
