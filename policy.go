package failsafe

import "time"

// Policy is the configurable RetryPolicy implementation. It is immutable
// after construction and safe to share across concurrent executions.
//
// Example:
//
//	policy := failsafe.NewPolicy[string](
//	    failsafe.WithDelay[string](time.Second),
//	    failsafe.WithBackoff[string](30*time.Second),
//	    failsafe.WithMaxRetries[string](5),
//	)
type Policy[R any] struct {
	delay           time.Duration
	maxDelay        time.Duration
	hasMaxDelay     bool
	delayMultiplier float64
	maxDuration     time.Duration
	hasMaxDuration  bool
	maxRetries      int
	abortWhen       func(result R, err error) bool
	retryWhen       func(result R, err error) bool
	classifier      ErrorClassifier
}

// PolicyOption is a functional option for configuring a Policy.
type PolicyOption[R any] func(*Policy[R])

// WithDelay sets the base delay between attempts.
func WithDelay[R any](delay time.Duration) PolicyOption[R] {
	return func(p *Policy[R]) {
		p.delay = delay
	}
}

// WithBackoff enables exponential backoff: after every attempt the wait time
// is multiplied by the delay multiplier (default 2.0), capped at maxDelay.
//
// Example:
//
//	failsafe.WithBackoff[string](30 * time.Second)
//	// With delay 1s and multiplier 2.0: 1s, 2s, 4s, ..., 30s (capped)
func WithBackoff[R any](maxDelay time.Duration) PolicyOption[R] {
	return func(p *Policy[R]) {
		p.maxDelay = maxDelay
		p.hasMaxDelay = true
	}
}

// WithDelayMultiplier sets the backoff growth factor. Only applies when
// backoff is enabled via WithBackoff.
//
// Example:
//
//	failsafe.WithDelayMultiplier[string](1.5) // 50% growth per attempt
func WithDelayMultiplier[R any](multiplier float64) PolicyOption[R] {
	return func(p *Policy[R]) {
		p.delayMultiplier = multiplier
	}
}

// WithMaxRetries sets the maximum number of retries (attempts after the
// first) before the execution is exhausted.
func WithMaxRetries[R any](retries int) PolicyOption[R] {
	return func(p *Policy[R]) {
		p.maxRetries = retries
	}
}

// WithUnlimitedRetries removes the attempt-count budget; the execution is
// then bounded only by a max duration, an abort, or a success.
func WithUnlimitedRetries[R any]() PolicyOption[R] {
	return func(p *Policy[R]) {
		p.maxRetries = UnlimitedRetries
	}
}

// WithMaxDuration bounds the execution's total wall-clock time. Wait times
// are clamped so a scheduled delay never overruns the remaining budget, and
// an execution whose elapsed time exceeds the budget is exhausted.
func WithMaxDuration[R any](maxDuration time.Duration) PolicyOption[R] {
	return func(p *Policy[R]) {
		p.maxDuration = maxDuration
		p.hasMaxDuration = true
	}
}

// WithAbortWhen sets the predicate classifying an outcome as a terminal
// abort. Abort always wins over remaining retry budget.
//
// Example:
//
//	failsafe.WithAbortWhen[string](func(r string, err error) bool {
//	    return errors.Is(err, ErrInvalidCredentials)
//	})
func WithAbortWhen[R any](fn func(result R, err error) bool) PolicyOption[R] {
	return func(p *Policy[R]) {
		p.abortWhen = fn
	}
}

// WithRetryWhen replaces the default retry predicate. The default retries
// any non-nil failure the policy's error classifier deems retryable.
func WithRetryWhen[R any](fn func(result R, err error) bool) PolicyOption[R] {
	return func(p *Policy[R]) {
		p.retryWhen = fn
	}
}

// WithPolicyClassifier sets the error classifier backing the default retry
// predicate. Ignored when WithRetryWhen is set.
func WithPolicyClassifier[R any](classifier ErrorClassifier) PolicyOption[R] {
	return func(p *Policy[R]) {
		p.classifier = classifier
	}
}

// NewPolicy creates a Policy with sensible defaults: 1s delay, no backoff,
// no max duration, 2 retries, retry on classifier-retryable failures, never
// abort.
func NewPolicy[R any](opts ...PolicyOption[R]) *Policy[R] {
	p := &Policy[R]{
		delay:           time.Second,
		delayMultiplier: 2.0,
		maxRetries:      2,
		classifier:      DefaultErrorClassifier(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay implements RetryPolicy.
func (p *Policy[R]) Delay() time.Duration {
	return p.delay
}

// MaxDelay implements RetryPolicy.
func (p *Policy[R]) MaxDelay() (time.Duration, bool) {
	return p.maxDelay, p.hasMaxDelay
}

// DelayMultiplier implements RetryPolicy.
func (p *Policy[R]) DelayMultiplier() float64 {
	return p.delayMultiplier
}

// MaxDuration implements RetryPolicy.
func (p *Policy[R]) MaxDuration() (time.Duration, bool) {
	return p.maxDuration, p.hasMaxDuration
}

// MaxRetries implements RetryPolicy.
func (p *Policy[R]) MaxRetries() int {
	return p.maxRetries
}

// AbortableFor implements RetryPolicy.
func (p *Policy[R]) AbortableFor(result R, err error) bool {
	if p.abortWhen == nil {
		return false
	}
	return p.abortWhen(result, err)
}

// RetryableFor implements RetryPolicy.
func (p *Policy[R]) RetryableFor(result R, err error) bool {
	if p.retryWhen != nil {
		return p.retryWhen(result, err)
	}
	return err != nil && p.classifier.IsRetryable(err)
}
