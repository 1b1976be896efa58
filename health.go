package failsafe

// HealthStatus is a snapshot of a Breaker's health, suitable for health
// check endpoints. It provides a strongly-typed alternative to
// map[string]interface{}.
type HealthStatus struct {
	// Healthy indicates whether the breaker currently admits attempts.
	// True for closed and half-open states, false for open.
	Healthy bool `json:"healthy"`

	// Status is a short string description of the state ("closed",
	// "half-open", "open", "unknown").
	Status string `json:"status"`

	// State is the full string representation of the breaker state.
	State string `json:"state"`

	// Requests is the total number of attempts in the current interval.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the total number of successful attempts.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the total number of failed attempts.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive failures.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successes.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}
