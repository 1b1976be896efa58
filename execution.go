package failsafe

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNoRetryPolicy is returned by NewExecution when the mandatory
	// retry policy is missing.
	ErrNoRetryPolicy = errors.New("failsafe: retry policy is required")

	// ErrAlreadyComplete is returned by Execution.Complete when the
	// execution has already reached its terminal verdict. It indicates a
	// driver bug: the control-flow contract is one Complete call per
	// attempt, stopping once the execution is complete.
	ErrAlreadyComplete = errors.New("failsafe: execution has already been completed")
)

// ExecutionContext carries the immutable start time of an execution and the
// monotonically increasing attempt counter. It is embedded in Execution and
// handed to listeners, which may read it from any goroutine.
type ExecutionContext struct {
	startTime time.Time
	attempts  atomic.Int64
}

// StartTime returns the instant the execution was created.
func (c *ExecutionContext) StartTime() time.Time {
	return c.startTime
}

// ElapsedTime returns the time elapsed since the execution started.
func (c *ExecutionContext) ElapsedTime() time.Duration {
	return time.Since(c.startTime)
}

// Attempts returns the number of attempts completed so far.
func (c *ExecutionContext) Attempts() int {
	return int(c.attempts.Load())
}

// recordAttempt increments the attempt counter. Called exactly once per
// Complete invocation; attempts are sequential by contract.
func (c *ExecutionContext) recordAttempt() {
	c.attempts.Add(1)
}

// Execution tracks one logical execution across its attempts and owns the
// single per-attempt transition that fuses retry eligibility, backoff
// computation and circuit-breaker recording into one consistent verdict.
//
// An Execution is single-shot: it moves from active to completed exactly
// once, and Complete fails with ErrAlreadyComplete afterwards. The driver
// contract is sequential:
//
//	exec, _ := failsafe.NewExecution(policy)
//	for {
//	    if err := exec.Before(); err != nil {
//	        return err // breaker rejected the attempt
//	    }
//	    result, err := operation(ctx)
//	    done, _ := exec.Complete(result, err, true)
//	    if done {
//	        return err
//	    }
//	    time.Sleep(exec.WaitTime())
//	}
//
// Mutable state is guarded so that a goroutine other than the attempt owner
// (an async completion path, a watchdog reading WaitTime) observes fully
// written values.
type Execution[R any] struct {
	ExecutionContext

	policy    RetryPolicy[R]
	breaker   CircuitBreaker[R]
	listeners ListenerConfig[R]

	mu              sync.RWMutex
	attemptStart    time.Time
	lastResult      R
	lastErr         error
	waitTime        time.Duration
	completed       bool
	success         bool
	retriesExceeded bool
}

// ExecutionOption configures optional collaborators of an Execution.
type ExecutionOption[R any] func(*Execution[R])

// WithCircuitBreaker attaches a circuit breaker whose health accounting is
// updated on every attempt.
func WithCircuitBreaker[R any](breaker CircuitBreaker[R]) ExecutionOption[R] {
	return func(e *Execution[R]) {
		e.breaker = breaker
	}
}

// WithListeners attaches the listener bundle notified on attempt outcomes.
func WithListeners[R any](listeners ListenerConfig[R]) ExecutionOption[R] {
	return func(e *Execution[R]) {
		e.listeners = listeners
	}
}

// NewExecution creates an Execution for the given retry policy, capturing
// the start time and seeding the wait time from the policy's base delay.
// The retry policy is the only mandatory collaborator; passing nil returns
// ErrNoRetryPolicy.
func NewExecution[R any](policy RetryPolicy[R], opts ...ExecutionOption[R]) (*Execution[R], error) {
	if policy == nil {
		return nil, ErrNoRetryPolicy
	}

	e := &Execution[R]{policy: policy}
	e.startTime = time.Now()
	for _, opt := range opts {
		opt(e)
	}
	e.waitTime = policy.Delay()
	return e, nil
}

// Before prepares the next attempt. If a circuit breaker is configured it is
// notified first and may reject the attempt by returning its own error,
// which is propagated unchanged; the attempt timer is only armed when the
// breaker admits the attempt. Calling Before again without an intervening
// Complete simply re-arms the attempt timer.
func (e *Execution[R]) Before() error {
	if e.breaker != nil {
		if err := e.breaker.Before(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.attemptStart = time.Now()
	e.mu.Unlock()
	return nil
}

// Complete records one attempt's outcome and attempts to complete the
// execution, returning true when the execution reached its terminal verdict.
//
// checkRetryConditions lets the driver force completion (for example on
// cancellation): when false, retry is suppressed regardless of what the
// policy would decide.
//
// Every call performs, in order: attempt bookkeeping, circuit-breaker
// recording, wait-time clamping to the remaining max-duration budget,
// backoff growth capped at the max delay, retry/duration exceedance checks,
// the abort/retry decision, and listener dispatch. The clamp runs before the
// multiplier on the same wait value; the observed order is load-bearing for
// the produced schedule and is kept as-is. Breaker recording happens before
// the abort/retry decision so the breaker's health view stays consistent
// with every attempt, including aborted and exhausted ones.
//
// Calling Complete on an already-completed execution is a driver defect and
// returns ErrAlreadyComplete without touching any state.
//
// Listeners are dispatched after the engine's state is fully written and its
// lock released, so they may freely read the execution they observe.
func (e *Execution[R]) Complete(result R, failure error, checkRetryConditions bool) (bool, error) {
	e.mu.Lock()

	if e.completed {
		e.mu.Unlock()
		return true, ErrAlreadyComplete
	}

	e.recordAttempt()
	e.lastResult = result
	e.lastErr = failure
	now := time.Now()
	elapsed := now.Sub(e.startTime)

	// Record the attempt with the circuit breaker. An attempt that ran at
	// least as long as the breaker's timeout counts as a failure even
	// when the outcome itself is classified healthy.
	if e.breaker != nil {
		attemptElapsed := now.Sub(e.attemptStart)
		timeout, ok := e.breaker.Timeout()
		timeoutExceeded := ok && attemptElapsed >= timeout
		if e.breaker.IsFailure(result, failure) || timeoutExceeded {
			e.breaker.RecordFailure()
		} else {
			e.breaker.RecordSuccess()
		}
	}

	// Clamp the wait time so it never overruns the remaining total budget.
	maxDuration, hasMaxDuration := e.policy.MaxDuration()
	if hasMaxDuration {
		remaining := maxDuration - elapsed
		if remaining < 0 {
			remaining = 0
		}
		if e.waitTime > remaining {
			e.waitTime = remaining
		}
	}

	// Grow the wait time for backoff, capped at the max delay. Backoff
	// compounds every attempt and applies to the already-clamped value.
	if maxDelay, ok := e.policy.MaxDelay(); ok {
		next := time.Duration(float64(e.waitTime) * e.policy.DelayMultiplier())
		if next > maxDelay {
			next = maxDelay
		}
		e.waitTime = next
	}

	// Exceedance uses strict comparisons; the breaker timeout above used
	// >=. The asymmetry decides boundary attempts and is intentional.
	maxRetries := e.policy.MaxRetries()
	maxRetriesExceeded := maxRetries != UnlimitedRetries && e.Attempts() > maxRetries
	maxDurationExceeded := hasMaxDuration && elapsed > maxDuration
	e.retriesExceeded = maxRetriesExceeded || maxDurationExceeded

	shouldAbort := e.policy.AbortableFor(result, failure)
	shouldRetry := !e.retriesExceeded && !shouldAbort && checkRetryConditions &&
		e.policy.RetryableFor(result, failure)
	e.completed = shouldAbort || !shouldRetry
	e.success = e.completed && !shouldRetry && !shouldAbort && failure == nil

	// Snapshot the verdict so listeners run outside the lock. Complete is
	// single-shot and sequential by contract, so the flags cannot change
	// between the unlock and the dispatch.
	completed := e.completed
	success := e.success
	retriesExceeded := e.retriesExceeded
	e.mu.Unlock()

	if e.listeners != nil {
		if !success {
			e.listeners.HandleFailedAttempt(result, failure, &e.ExecutionContext)
		}
		if shouldAbort {
			e.listeners.HandleAbort(result, failure, &e.ExecutionContext)
		} else {
			if retriesExceeded {
				e.listeners.HandleRetriesExceeded(result, failure, &e.ExecutionContext)
			}
			if completed {
				e.listeners.HandleComplete(result, failure, &e.ExecutionContext, success)
			}
		}
	}

	return completed, nil
}

// IsComplete returns whether the execution has reached its terminal verdict.
func (e *Execution[R]) IsComplete() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.completed
}

// IsSuccess returns whether the execution completed successfully: no
// failure, no abort, and no retry pending.
func (e *Execution[R]) IsSuccess() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.success
}

// RetriesExceeded returns whether the retry or max-duration budget was
// exhausted.
func (e *Execution[R]) RetriesExceeded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.retriesExceeded
}

// WaitTime returns the recommended delay before the next attempt.
func (e *Execution[R]) WaitTime() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.waitTime
}

// LastResult returns the most recently recorded attempt result.
func (e *Execution[R]) LastResult() R {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastResult
}

// LastError returns the most recently recorded attempt failure, if any.
func (e *Execution[R]) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}
