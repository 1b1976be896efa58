// Package failsafe implements the per-attempt decision core of a resilience
// library: given one attempt's outcome, an Execution decides exactly once
// whether the overall operation is finished, whether it should be retried,
// how long to wait before the next attempt, and how to update an associated
// circuit breaker. It supports any result type using Go generics and
// integrates with jp-go-errors for standardized error handling.
//
// The package ships implementations for every collaborator the engine
// consumes: a configurable retry Policy, a Breaker backed by sony/gobreaker,
// a Listeners bundle, and a Runner that drives the sequential attempt loop.
package failsafe

import "time"

// UnlimitedRetries is the RetryPolicy.MaxRetries sentinel meaning the policy
// never exhausts its retry budget by attempt count.
const UnlimitedRetries = -1

// RetryPolicy supplies the delay schedule and the abort/retry classification
// an Execution consults after every attempt. All methods are pure queries.
//
// Implementations must tolerate concurrent calls; a single policy is
// typically shared across many executions.
type RetryPolicy[R any] interface {
	// Delay returns the base delay between attempts, used to seed the
	// execution's wait time.
	Delay() time.Duration

	// MaxDelay returns the ceiling for backoff growth. When the second
	// return value is false no backoff is applied at all.
	MaxDelay() (time.Duration, bool)

	// DelayMultiplier returns the factor applied to the wait time after
	// each attempt while MaxDelay is configured.
	DelayMultiplier() float64

	// MaxDuration returns the total wall-clock budget for the execution.
	// When the second return value is false the execution is unbounded
	// in time.
	MaxDuration() (time.Duration, bool)

	// MaxRetries returns the maximum number of retries before the
	// execution is considered exhausted, or UnlimitedRetries.
	MaxRetries() int

	// AbortableFor reports whether the outcome is a terminal abort
	// condition. Abort wins over any remaining retry budget.
	AbortableFor(result R, err error) bool

	// RetryableFor reports whether the outcome may be retried.
	RetryableFor(result R, err error) bool
}

// CircuitBreaker is the fault-detection collaborator an Execution records
// every attempt with. Implementations may be shared across many concurrent
// executions and must be safe for concurrent use.
type CircuitBreaker[R any] interface {
	// Before notifies the breaker that an attempt is starting. An open
	// breaker rejects the attempt by returning its own error; the engine
	// propagates it unchanged.
	Before() error

	// Timeout returns the per-attempt elapsed-time ceiling. An attempt
	// running at least this long is recorded as a breaker failure even if
	// it produced a non-failure outcome. The second return value is false
	// when no ceiling is configured.
	Timeout() (time.Duration, bool)

	// IsFailure classifies an attempt outcome for the breaker's health
	// accounting.
	IsFailure(result R, err error) bool

	// RecordSuccess records a healthy attempt.
	RecordSuccess()

	// RecordFailure records an unhealthy attempt.
	RecordFailure()
}

// ListenerConfig receives the engine's per-attempt notifications, in the
// fixed order documented on Execution.Complete. The engine does not suppress
// panics raised by listeners.
type ListenerConfig[R any] interface {
	// HandleFailedAttempt fires for every attempt that did not complete
	// the execution successfully, including aborted and exhausted ones.
	HandleFailedAttempt(result R, err error, exec *ExecutionContext)

	// HandleAbort fires when the policy classified the outcome as a
	// terminal abort.
	HandleAbort(result R, err error, exec *ExecutionContext)

	// HandleRetriesExceeded fires when the retry or duration budget was
	// exhausted on a non-aborting attempt.
	HandleRetriesExceeded(result R, err error, exec *ExecutionContext)

	// HandleComplete fires when the execution reached a terminal verdict
	// on a non-aborting path, carrying the success flag.
	HandleComplete(result R, err error, exec *ExecutionContext, success bool)
}

// Listeners is a ListenerConfig built from optional funcs, so callers
// register only the hooks they need.
//
// Example:
//
//	listeners := &failsafe.Listeners[string]{
//	    OnFailedAttempt: func(r string, err error, exec *failsafe.ExecutionContext) {
//	        log.Printf("attempt %d failed: %v", exec.Attempts(), err)
//	    },
//	}
type Listeners[R any] struct {
	OnFailedAttempt   func(result R, err error, exec *ExecutionContext)
	OnAbort           func(result R, err error, exec *ExecutionContext)
	OnRetriesExceeded func(result R, err error, exec *ExecutionContext)
	OnComplete        func(result R, err error, exec *ExecutionContext, success bool)
}

// HandleFailedAttempt implements ListenerConfig.
func (l *Listeners[R]) HandleFailedAttempt(result R, err error, exec *ExecutionContext) {
	if l.OnFailedAttempt != nil {
		l.OnFailedAttempt(result, err, exec)
	}
}

// HandleAbort implements ListenerConfig.
func (l *Listeners[R]) HandleAbort(result R, err error, exec *ExecutionContext) {
	if l.OnAbort != nil {
		l.OnAbort(result, err, exec)
	}
}

// HandleRetriesExceeded implements ListenerConfig.
func (l *Listeners[R]) HandleRetriesExceeded(result R, err error, exec *ExecutionContext) {
	if l.OnRetriesExceeded != nil {
		l.OnRetriesExceeded(result, err, exec)
	}
}

// HandleComplete implements ListenerConfig.
func (l *Listeners[R]) HandleComplete(result R, err error, exec *ExecutionContext, success bool) {
	if l.OnComplete != nil {
		l.OnComplete(result, err, exec, success)
	}
}
