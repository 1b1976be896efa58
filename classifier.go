package failsafe

import (
	"context"
	"errors"

	jperrors "github.com/JohnPlummer/jp-go-errors"
)

// ErrorClassifier decides whether a failure is transient. It backs the
// default retry predicate of Policy.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient
	// failure worth another attempt.
	IsRetryable(err error) bool
}

// CircuitClassifier decides whether a failure should count against circuit
// health. It backs Breaker's failure classification.
type CircuitClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure
	// serious enough to be recorded against the breaker.
	ShouldTripCircuit(err error) bool
}

// HTTPError is any error carrying an HTTP status code. Errors produced by
// jp-go-errors implement it.
type HTTPError interface {
	error
	StatusCode() int
}

// HTTPStatusClassifier classifies errors by HTTP status code. It implements
// both ErrorClassifier and CircuitClassifier.
type HTTPStatusClassifier struct {
	// RetryableStatuses lists status codes treated as transient.
	// Defaults to 429, 500, 502, 503, 504 if nil.
	RetryableStatuses []int

	// CircuitTripStatuses lists status codes recorded as breaker
	// failures. Defaults to 401, 403, 500, 502, 503, 504 if nil.
	CircuitTripStatuses []int
}

// NewHTTPStatusClassifier creates an HTTPStatusClassifier with the default
// status code mappings.
func NewHTTPStatusClassifier() *HTTPStatusClassifier {
	return &HTTPStatusClassifier{
		RetryableStatuses:   []int{429, 500, 502, 503, 504},
		CircuitTripStatuses: []int{401, 403, 500, 502, 503, 504},
	}
}

// IsRetryable implements ErrorClassifier.
//
// Context errors are never retryable: retrying with an exceeded or canceled
// context fails immediately. They are checked first because
// context.DeadlineExceeded also satisfies generic timeout checks.
func (c *HTTPStatusClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, jperrors.ErrRateLimited) {
		return true
	}
	if jperrors.IsTimeout(err) {
		return true
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		// Unknown errors might be transient (network issues, etc.)
		return true
	}
	return containsStatus(c.retryableStatuses(), statusCode)
}

// ShouldTripCircuit implements CircuitClassifier.
//
// Rate limits, timeouts and context errors are transient and never recorded
// against the breaker.
func (c *HTTPStatusClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jperrors.ErrRateLimited) {
		return false
	}
	if jperrors.IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		// Unknown errors count against the circuit to be safe
		return true
	}
	return containsStatus(c.circuitTripStatuses(), statusCode)
}

func (c *HTTPStatusClassifier) retryableStatuses() []int {
	if c.RetryableStatuses != nil {
		return c.RetryableStatuses
	}
	return []int{429, 500, 502, 503, 504}
}

func (c *HTTPStatusClassifier) circuitTripStatuses() []int {
	if c.CircuitTripStatuses != nil {
		return c.CircuitTripStatuses
	}
	return []int{401, 403, 500, 502, 503, 504}
}

func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// DefaultErrorClassifier provides reasonable defaults for most use cases:
// 5xx errors, 429 (rate limit), timeouts and unknown errors are retryable.
func DefaultErrorClassifier() ErrorClassifier {
	return NewHTTPStatusClassifier()
}

// DefaultCircuitClassifier provides reasonable defaults for breaker
// recording: it counts authentication errors (401, 403) and server errors
// (5xx), but not rate limits or timeouts.
func DefaultCircuitClassifier() CircuitClassifier {
	return NewHTTPStatusClassifier()
}

// StatusCodeError wraps an error with an HTTP status code, for systems
// whose errors do not carry one.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode implements the HTTPError interface.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError wraps err with an HTTP status code.
//
// Example:
//
//	if err := doRequest(); err != nil {
//	    return failsafe.NewStatusCodeError(http.StatusServiceUnavailable, err)
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}
