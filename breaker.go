package failsafe

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and attempts flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing whether the guarded
	// dependency has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and attempts are rejected
	// immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerCounts holds the internal counts of a circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// BreakerConfig holds circuit breaker configuration options.
type BreakerConfig[R any] struct {
	// Name identifies the breaker in logs and errors.
	// Default: "failsafe-breaker"
	Name string

	// ReadyToTrip is called with a copy of counts whenever an attempt is
	// recorded as a failure in the closed state; returning true opens the
	// circuit. Default: trips after 3 attempts with 60% failure rate.
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// TripClassifier decides which errors count against circuit health.
	// Default: DefaultCircuitClassifier()
	TripClassifier CircuitClassifier

	// FailureResultPredicate optionally classifies a failure-free result
	// value as a breaker failure (e.g. an HTTP response carrying a 503).
	FailureResultPredicate func(result R) bool

	// OnStateChange is called whenever the breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for breaker state transitions and rejections.
	// Default: slog.Default()
	Logger *slog.Logger

	// Interval is the cyclic period of the closed state after which the
	// internal counts are cleared. If 0, counts are never cleared.
	// Default: 10 seconds
	Interval time.Duration

	// OpenTimeout is the period of the open state, after which the
	// breaker becomes half-open. Default: 30 seconds
	OpenTimeout time.Duration

	// AttemptTimeout is the per-attempt elapsed-time ceiling reported to
	// executions via Timeout. An attempt running at least this long is
	// recorded as a failure regardless of its outcome. Zero means no
	// ceiling. This is distinct from OpenTimeout, which governs how long
	// the circuit stays open.
	AttemptTimeout time.Duration

	// MaxRequests is the number of attempts allowed through while the
	// breaker is half-open. Default: 3
	MaxRequests uint32
}

// BreakerOption is a functional option for configuring a Breaker.
type BreakerOption[R any] func(*BreakerConfig[R])

// WithBreakerName sets the breaker's name for logs and errors.
func WithBreakerName[R any](name string) BreakerOption[R] {
	return func(c *BreakerConfig[R]) {
		c.Name = name
	}
}

// WithMaxRequests sets the number of attempts allowed in half-open state.
func WithMaxRequests[R any](maxRequests uint32) BreakerOption[R] {
	return func(c *BreakerConfig[R]) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
func WithInterval[R any](interval time.Duration) BreakerOption[R] {
	return func(c *BreakerConfig[R]) {
		c.Interval = interval
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing.
func WithOpenTimeout[R any](timeout time.Duration) BreakerOption[R] {
	return func(c *BreakerConfig[R]) {
		c.OpenTimeout = timeout
	}
}

// WithAttemptTimeout sets the per-attempt elapsed-time ceiling. Attempts
// running at least this long are recorded as breaker failures even when
// their outcome is otherwise healthy.
func WithAttemptTimeout[R any](timeout time.Duration) BreakerOption[R] {
	return func(c *BreakerConfig[R]) {
		c.AttemptTimeout = timeout
	}
}

// WithReadyToTrip sets a custom function to decide when the circuit opens.
//
// Example:
//
//	failsafe.WithReadyToTrip[string](func(counts failsafe.CircuitBreakerCounts) bool {
//	    ratio := float64(counts.TotalFailures) / float64(counts.Requests)
//	    return counts.Requests >= 5 && ratio >= 0.5
//	})
func WithReadyToTrip[R any](fn func(counts CircuitBreakerCounts) bool) BreakerOption[R] {
	return func(c *BreakerConfig[R]) {
		c.ReadyToTrip = fn
	}
}

// WithTripClassifier sets the classifier deciding which errors count
// against circuit health.
func WithTripClassifier[R any](classifier CircuitClassifier) BreakerOption[R] {
	return func(c *BreakerConfig[R]) {
		c.TripClassifier = classifier
	}
}

// WithFailureResultPredicate classifies failure-free result values as
// breaker failures.
func WithFailureResultPredicate[R any](fn func(result R) bool) BreakerOption[R] {
	return func(c *BreakerConfig[R]) {
		c.FailureResultPredicate = fn
	}
}

// WithStateChangeHandler sets a callback for breaker state changes.
func WithStateChangeHandler[R any](fn func(name string, from, to CircuitBreakerState)) BreakerOption[R] {
	return func(c *BreakerConfig[R]) {
		c.OnStateChange = fn
	}
}

// WithBreakerLogger sets the logger for breaker operations.
func WithBreakerLogger[R any](logger *slog.Logger) BreakerOption[R] {
	return func(c *BreakerConfig[R]) {
		c.Logger = logger
	}
}

// DefaultBreakerConfig returns breaker configuration with sensible defaults.
func DefaultBreakerConfig[R any]() *BreakerConfig[R] {
	return &BreakerConfig[R]{
		Name:        "failsafe-breaker",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		OpenTimeout: 30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		TripClassifier: DefaultCircuitClassifier(),
		Logger:         slog.Default(),
	}
}

// Breaker adapts sony/gobreaker's two-step circuit breaker to the
// CircuitBreaker contract consumed by Execution: Before admits or rejects
// the attempt, and exactly one of RecordSuccess/RecordFailure resolves it.
// A Breaker may be shared across many concurrent executions.
type Breaker[R any] struct {
	cb         *gobreaker.TwoStepCircuitBreaker[R]
	logger     *slog.Logger
	classifier CircuitClassifier
	resultFail func(result R) bool

	attemptTimeout    time.Duration
	hasAttemptTimeout bool

	mu      sync.Mutex
	pending []func(success bool)
}

// NewBreaker creates a Breaker with the given options.
//
// Example:
//
//	breaker := failsafe.NewBreaker[string](
//	    failsafe.WithMaxRequests[string](5),
//	    failsafe.WithOpenTimeout[string](60*time.Second),
//	)
func NewBreaker[R any](opts ...BreakerOption[R]) *Breaker[R] {
	config := DefaultBreakerConfig[R]()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.TripClassifier == nil {
		config.TripClassifier = DefaultCircuitClassifier()
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.ReadyToTrip(convertGobreakerCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
	}

	return &Breaker[R]{
		cb:                gobreaker.NewTwoStepCircuitBreaker[R](settings),
		logger:            config.Logger,
		classifier:        config.TripClassifier,
		resultFail:        config.FailureResultPredicate,
		attemptTimeout:    config.AttemptTimeout,
		hasAttemptTimeout: config.AttemptTimeout > 0,
	}
}

// Before implements CircuitBreaker. When the circuit is open or the
// half-open probe budget is spent, the attempt is rejected with a
// jperrors circuit breaker error wrapping the gobreaker cause:
//   - gobreaker.ErrOpenState rejections carry state "open"
//   - gobreaker.ErrTooManyRequests rejections carry state "half-open"
func (b *Breaker[R]) Before() error {
	done, err := b.cb.Allow()
	if err != nil {
		counts := b.cb.Counts()
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			b.logger.Warn("circuit breaker is open, attempt rejected",
				"name", b.cb.Name(),
				"error", err,
				"counts", counts)
			return jperrors.NewCircuitBreakerError(
				"attempt rejected",
				"before",
				"open",
				jperrors.WithCause(err),
				jperrors.WithCounts(convertCircuitCounts(counts)),
			)
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			b.logger.Debug("circuit breaker half-open, too many attempts",
				"name", b.cb.Name(),
				"error", err)
			return jperrors.NewCircuitBreakerError(
				"too many attempts in half-open state",
				"before",
				"half-open",
				jperrors.WithCause(err),
				jperrors.WithCounts(convertCircuitCounts(counts)),
			)
		default:
			return err
		}
	}

	b.mu.Lock()
	b.pending = append(b.pending, done)
	b.mu.Unlock()
	return nil
}

// Timeout implements CircuitBreaker, reporting the per-attempt ceiling
// configured via WithAttemptTimeout.
func (b *Breaker[R]) Timeout() (time.Duration, bool) {
	return b.attemptTimeout, b.hasAttemptTimeout
}

// IsFailure implements CircuitBreaker. An outcome counts against circuit
// health when its error should trip the circuit per the classifier, or when
// the optional result predicate flags the result value.
func (b *Breaker[R]) IsFailure(result R, err error) bool {
	if err != nil {
		return b.classifier.ShouldTripCircuit(err)
	}
	if b.resultFail != nil {
		return b.resultFail(result)
	}
	return false
}

// RecordSuccess implements CircuitBreaker.
func (b *Breaker[R]) RecordSuccess() {
	b.resolve(true)
}

// RecordFailure implements CircuitBreaker.
func (b *Breaker[R]) RecordFailure() {
	b.resolve(false)
}

// resolve completes the oldest admitted attempt. Shared breakers may
// interleave Before/Record pairs from concurrent executions; resolving FIFO
// keeps the aggregate counts correct even if attribution swaps between
// attempts of the same generation. Recording without a prior admission is a
// no-op.
func (b *Breaker[R]) resolve(success bool) {
	b.mu.Lock()
	var done func(bool)
	if len(b.pending) > 0 {
		done = b.pending[0]
		b.pending = b.pending[1:]
	}
	b.mu.Unlock()

	if done != nil {
		done(success)
	}
}

// State returns the current state of the circuit breaker.
func (b *Breaker[R]) State() CircuitBreakerState {
	return convertGobreakerState(b.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (b *Breaker[R]) Counts() CircuitBreakerCounts {
	return convertGobreakerCounts(b.cb.Counts())
}

// Health returns the health status of the circuit breaker.
func (b *Breaker[R]) Health() HealthStatus {
	state := b.State()
	counts := b.Counts()

	var healthy bool
	var status string

	switch state {
	case StateClosed:
		healthy = true
		status = "closed"
	case StateHalfOpen:
		healthy = true // Degraded but operational
		status = "half-open"
	case StateOpen:
		healthy = false
		status = "open"
	default:
		status = "unknown"
	}

	return HealthStatus{
		Healthy:              healthy,
		Status:               status,
		State:                state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

func convertGobreakerCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func convertCircuitCounts(counts gobreaker.Counts) jperrors.CircuitCounts {
	return jperrors.CircuitCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}
