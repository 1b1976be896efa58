package failsafe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrAborted is returned by Runner.Run when the policy aborted the execution
// on a result value with no accompanying failure, so an abort verdict is
// never mistaken for success.
var ErrAborted = errors.New("failsafe: execution aborted")

// Operation is the guarded operation a Runner drives. The context should be
// used to honor timeouts and cancellation.
type Operation[R any] func(ctx context.Context) (R, error)

// RunnerConfig holds runner configuration options.
type RunnerConfig[R any] struct {
	// Breaker is the optional circuit breaker recorded on every attempt.
	Breaker CircuitBreaker[R]

	// Listeners is the optional listener bundle notified on attempt
	// outcomes.
	Listeners ListenerConfig[R]

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Jitter randomizes each sleep by up to +/- this amount to prevent
	// thundering herds. Zero disables jitter.
	Jitter time.Duration
}

// RunnerOption is a functional option for configuring a Runner.
type RunnerOption[R any] func(*RunnerConfig[R])

// WithRunnerBreaker attaches a circuit breaker to every execution the
// runner starts.
func WithRunnerBreaker[R any](breaker CircuitBreaker[R]) RunnerOption[R] {
	return func(c *RunnerConfig[R]) {
		c.Breaker = breaker
	}
}

// WithRunnerListeners attaches a listener bundle to every execution the
// runner starts.
func WithRunnerListeners[R any](listeners ListenerConfig[R]) RunnerOption[R] {
	return func(c *RunnerConfig[R]) {
		c.Listeners = listeners
	}
}

// WithRunnerLogger sets a custom logger for the runner.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	failsafe.WithRunnerLogger[string](logger)
func WithRunnerLogger[R any](logger *slog.Logger) RunnerOption[R] {
	return func(c *RunnerConfig[R]) {
		c.Logger = logger
	}
}

// WithRunnerJitter randomizes inter-attempt sleeps by up to +/- jitter.
func WithRunnerJitter[R any](jitter time.Duration) RunnerOption[R] {
	return func(c *RunnerConfig[R]) {
		c.Jitter = jitter
	}
}

// Runner drives the sequential attempt loop an Execution is designed for:
// arm the breaker, invoke the operation, complete the attempt, and sleep
// the recommended wait time until the execution reaches a terminal verdict.
// A Runner is immutable after construction and safe to share; each Run call
// owns a fresh Execution.
type Runner[R any] struct {
	policy    RetryPolicy[R]
	breaker   CircuitBreaker[R]
	listeners ListenerConfig[R]
	logger    *slog.Logger
	jitter    time.Duration
	stats     *runnerStats
}

// runnerStats tracks attempt statistics across Run calls.
type runnerStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRunner creates a Runner for the given retry policy.
//
// Example:
//
//	runner := failsafe.NewRunner(
//	    failsafe.NewPolicy[string](failsafe.WithMaxRetries[string](5)),
//	    failsafe.WithRunnerBreaker[string](breaker),
//	    failsafe.WithRunnerJitter[string](100*time.Millisecond),
//	)
func NewRunner[R any](policy RetryPolicy[R], opts ...RunnerOption[R]) *Runner[R] {
	config := &RunnerConfig[R]{}
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Runner[R]{
		policy:    policy,
		breaker:   config.Breaker,
		listeners: config.Listeners,
		logger:    config.Logger,
		jitter:    config.Jitter,
		stats:     &runnerStats{},
	}
}

// Run executes op until its execution completes, sleeping the engine's
// recommended wait time between attempts. Cancellation of ctx suppresses
// further retries and is returned to the caller; a breaker rejection ends
// the run with the breaker's own error. A run the policy aborted on a
// failure-free result returns the result with ErrAborted.
func (r *Runner[R]) Run(ctx context.Context, op Operation[R]) (R, error) {
	var zero R

	exec, err := r.newExecution()
	if err != nil {
		return zero, err
	}

	// Check cancellation before making any attempt at all.
	select {
	case <-ctx.Done():
		r.logger.Warn("context already done before execution (expected condition)",
			"error", ctx.Err())
		return zero, ctx.Err()
	default:
	}

	for {
		if err := exec.Before(); err != nil {
			r.logger.Warn("attempt rejected before start",
				"attempt", exec.Attempts()+1,
				"error", err)
			r.recordFailure(err)
			return zero, err
		}

		result, opErr := op(ctx)
		r.recordAttempt(exec.Attempts())

		done, completeErr := exec.Complete(result, opErr, ctx.Err() == nil)
		if completeErr != nil {
			return zero, completeErr
		}

		if done {
			return r.finish(ctx, exec, result, opErr)
		}

		wait := r.waitWithJitter(exec.WaitTime())
		r.logger.Debug("retrying after delay",
			"attempt", exec.Attempts(),
			"wait", wait,
			"error", opErr)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Warn("context done while waiting to retry (expected condition)",
				"attempt", exec.Attempts(),
				"error", ctx.Err())
			r.recordFailure(ctx.Err())
			return result, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Runner[R]) newExecution() (*Execution[R], error) {
	opts := make([]ExecutionOption[R], 0, 2)
	if r.breaker != nil {
		opts = append(opts, WithCircuitBreaker[R](r.breaker))
	}
	if r.listeners != nil {
		opts = append(opts, WithListeners[R](r.listeners))
	}
	return NewExecution(r.policy, opts...)
}

// finish translates a completed execution into the Run return values.
func (r *Runner[R]) finish(ctx context.Context, exec *Execution[R], result R, opErr error) (R, error) {
	if exec.IsSuccess() {
		if exec.Attempts() > 1 {
			r.logger.Info("operation succeeded after retry",
				"attempts", exec.Attempts())
		}
		r.recordSuccess()
		return result, nil
	}

	r.logger.Warn("operation failed",
		"attempts", exec.Attempts(),
		"retries_exceeded", exec.RetriesExceeded(),
		"error", opErr)
	r.recordFailure(opErr)

	switch {
	case opErr != nil:
		return result, opErr
	case ctx.Err() != nil:
		return result, ctx.Err()
	default:
		// Aborted on a result value with no failure.
		return result, ErrAborted
	}
}

// waitWithJitter randomizes the engine's wait time using go-retry's jitter.
func (r *Runner[R]) waitWithJitter(wait time.Duration) time.Duration {
	if r.jitter <= 0 || wait <= 0 {
		return wait
	}

	backoff := retry.WithJitter(r.jitter, retry.BackoffFunc(func() (time.Duration, bool) {
		return wait, false
	}))
	if next, stop := backoff.Next(); !stop {
		// A jitter larger than the wait can push the result negative.
		if next < 0 {
			next = 0
		}
		return next
	}
	return wait
}

func (r *Runner[R]) recordAttempt(attempts int) {
	r.stats.mu.Lock()
	r.stats.totalAttempts++
	if attempts > 0 {
		r.stats.totalRetries++
	}
	r.stats.lastAttemptTime = time.Now()
	r.stats.mu.Unlock()
}

func (r *Runner[R]) recordSuccess() {
	r.stats.mu.Lock()
	r.stats.totalSuccesses++
	r.stats.mu.Unlock()
}

func (r *Runner[R]) recordFailure(err error) {
	r.stats.mu.Lock()
	r.stats.totalFailures++
	r.stats.lastError = err
	r.stats.mu.Unlock()
}

// RunnerStats holds statistics about a runner's attempts.
type RunnerStats struct {
	// TotalAttempts is the total number of attempts made (including
	// initial attempts and retries).
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including the
	// first attempt of each run).
	TotalRetries int64

	// TotalSuccesses is the number of runs that completed successfully.
	TotalSuccesses int64

	// TotalFailures is the number of runs that completed unsuccessfully.
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt.
	LastAttemptTime time.Time

	// LastError is the last error encountered (if any).
	LastError error
}

// Stats returns a snapshot of the runner's attempt statistics. It is safe
// to call concurrently with Run.
func (r *Runner[R]) Stats() RunnerStats {
	r.stats.mu.RLock()
	defer r.stats.mu.RUnlock()

	return RunnerStats{
		TotalAttempts:   r.stats.totalAttempts,
		TotalRetries:    r.stats.totalRetries,
		TotalSuccesses:  r.stats.totalSuccesses,
		TotalFailures:   r.stats.totalFailures,
		LastAttemptTime: r.stats.lastAttemptTime,
		LastError:       r.stats.lastError,
	}
}
