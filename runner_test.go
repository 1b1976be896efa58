package failsafe_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker/v2"

	failsafe "github.com/trungz/failsafe"
)

var _ = Describe("Runner", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		calls  atomic.Int32
	)

	fastPolicy := func(maxRetries int) *failsafe.Policy[string] {
		return failsafe.NewPolicy[string](
			failsafe.WithDelay[string](time.Millisecond),
			failsafe.WithMaxRetries[string](maxRetries),
		)
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		calls.Store(0)
	})

	AfterEach(func() {
		cancel()
	})

	Describe("Run", func() {
		It("returns the result of a first-attempt success", func() {
			runner := failsafe.NewRunner(fastPolicy(3),
				failsafe.WithRunnerLogger[string](quietLogger()))

			result, err := runner.Run(ctx, func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "success", nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("success"))
			Expect(calls.Load()).To(Equal(int32(1)))

			stats := runner.Stats()
			Expect(stats.TotalAttempts).To(Equal(int64(1)))
			Expect(stats.TotalRetries).To(Equal(int64(0)))
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
			Expect(stats.TotalFailures).To(Equal(int64(0)))
		})

		It("retries transient failures until success", func() {
			runner := failsafe.NewRunner(fastPolicy(5),
				failsafe.WithRunnerLogger[string](quietLogger()))

			result, err := runner.Run(ctx, func(ctx context.Context) (string, error) {
				if calls.Add(1) < 3 {
					return "", failsafe.NewStatusCodeError(503, errors.New("unavailable"))
				}
				return "recovered", nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("recovered"))
			Expect(calls.Load()).To(Equal(int32(3)))

			stats := runner.Stats()
			Expect(stats.TotalAttempts).To(Equal(int64(3)))
			Expect(stats.TotalRetries).To(Equal(int64(2)))
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
		})

		It("gives up immediately on a non-retryable failure", func() {
			runner := failsafe.NewRunner(fastPolicy(5),
				failsafe.WithRunnerLogger[string](quietLogger()))

			badRequest := failsafe.NewStatusCodeError(400, errors.New("bad request"))
			_, err := runner.Run(ctx, func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "", badRequest
			})

			Expect(err).To(MatchError(badRequest))
			Expect(calls.Load()).To(Equal(int32(1)))
			Expect(runner.Stats().TotalFailures).To(Equal(int64(1)))
		})

		It("returns the last failure once retries are exhausted", func() {
			runner := failsafe.NewRunner(fastPolicy(2),
				failsafe.WithRunnerLogger[string](quietLogger()))

			unavailable := failsafe.NewStatusCodeError(503, errors.New("unavailable"))
			_, err := runner.Run(ctx, func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "", unavailable
			})

			Expect(err).To(MatchError(unavailable))
			Expect(calls.Load()).To(Equal(int32(3)))

			stats := runner.Stats()
			Expect(stats.TotalFailures).To(Equal(int64(1)))
			Expect(stats.LastError).To(MatchError(unavailable))
		})

		It("stops on an abort without burning the retry budget", func() {
			fatal := errors.New("fatal")
			policy := failsafe.NewPolicy[string](
				failsafe.WithDelay[string](time.Millisecond),
				failsafe.WithMaxRetries[string](5),
				failsafe.WithAbortWhen[string](func(_ string, err error) bool {
					return errors.Is(err, fatal)
				}),
			)
			runner := failsafe.NewRunner(policy,
				failsafe.WithRunnerLogger[string](quietLogger()))

			_, err := runner.Run(ctx, func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "", fatal
			})

			Expect(err).To(MatchError(fatal))
			Expect(calls.Load()).To(Equal(int32(1)))
		})

		It("surfaces a failure-free result abort as ErrAborted", func() {
			policy := failsafe.NewPolicy[string](
				failsafe.WithDelay[string](time.Millisecond),
				failsafe.WithMaxRetries[string](5),
				failsafe.WithAbortWhen[string](func(result string, _ error) bool {
					return result == "poison"
				}),
			)
			runner := failsafe.NewRunner(policy,
				failsafe.WithRunnerLogger[string](quietLogger()))

			result, err := runner.Run(ctx, func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "poison", nil
			})

			Expect(err).To(MatchError(failsafe.ErrAborted))
			Expect(result).To(Equal("poison"))
			Expect(calls.Load()).To(Equal(int32(1)))
		})

		It("returns immediately when the context is already done", func() {
			doneCtx, doneCancel := context.WithCancel(context.Background())
			doneCancel()

			runner := failsafe.NewRunner(fastPolicy(3),
				failsafe.WithRunnerLogger[string](quietLogger()))

			_, err := runner.Run(doneCtx, func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "never", nil
			})

			Expect(err).To(MatchError(context.Canceled))
			Expect(calls.Load()).To(Equal(int32(0)))
		})

		It("stops retrying once the context is canceled mid-run", func() {
			policy := failsafe.NewPolicy[string](
				failsafe.WithDelay[string](time.Millisecond),
				failsafe.WithMaxRetries[string](100),
			)
			runner := failsafe.NewRunner(policy,
				failsafe.WithRunnerLogger[string](quietLogger()))

			runCtx, runCancel := context.WithCancel(ctx)
			unavailable := failsafe.NewStatusCodeError(503, errors.New("unavailable"))

			_, err := runner.Run(runCtx, func(ctx context.Context) (string, error) {
				if calls.Add(1) == 3 {
					runCancel()
				}
				return "", unavailable
			})

			Expect(err).To(HaveOccurred())
			Expect(calls.Load()).To(BeNumerically("<=", 4))
		})

		It("ends the run when the breaker rejects an attempt", func() {
			breaker := failsafe.NewBreaker[string](
				failsafe.WithReadyToTrip[string](func(counts failsafe.CircuitBreakerCounts) bool {
					return counts.ConsecutiveFailures >= 2
				}),
				failsafe.WithBreakerLogger[string](quietLogger()),
			)
			runner := failsafe.NewRunner(fastPolicy(10),
				failsafe.WithRunnerBreaker[string](breaker),
				failsafe.WithRunnerLogger[string](quietLogger()))

			serverErr := failsafe.NewStatusCodeError(500, errors.New("server error"))
			_, err := runner.Run(ctx, func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "", serverErr
			})

			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, gobreaker.ErrOpenState)).To(BeTrue())
			// Two failing attempts trip the breaker; the third is rejected
			Expect(calls.Load()).To(Equal(int32(2)))
		})

		It("notifies listeners on every attempt", func() {
			var failedAttempts atomic.Int32
			var completions atomic.Int32
			listeners := &failsafe.Listeners[string]{
				OnFailedAttempt: func(string, error, *failsafe.ExecutionContext) {
					failedAttempts.Add(1)
				},
				OnComplete: func(_ string, _ error, _ *failsafe.ExecutionContext, success bool) {
					Expect(success).To(BeTrue())
					completions.Add(1)
				},
			}

			runner := failsafe.NewRunner(fastPolicy(5),
				failsafe.WithRunnerListeners[string](listeners),
				failsafe.WithRunnerLogger[string](quietLogger()))

			_, err := runner.Run(ctx, func(ctx context.Context) (string, error) {
				if calls.Add(1) < 3 {
					return "", failsafe.NewStatusCodeError(503, errors.New("unavailable"))
				}
				return "ok", nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(failedAttempts.Load()).To(Equal(int32(2)))
			Expect(completions.Load()).To(Equal(int32(1)))
		})

		It("applies jitter to the inter-attempt sleep", func() {
			runner := failsafe.NewRunner(fastPolicy(3),
				failsafe.WithRunnerJitter[string](time.Millisecond),
				failsafe.WithRunnerLogger[string](quietLogger()))

			result, err := runner.Run(ctx, func(ctx context.Context) (string, error) {
				if calls.Add(1) < 2 {
					return "", failsafe.NewStatusCodeError(503, errors.New("unavailable"))
				}
				return "ok", nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("ok"))
			Expect(calls.Load()).To(Equal(int32(2)))
		})

		It("never sleeps a negative duration when jitter exceeds the wait", func() {
			runner := failsafe.NewRunner(fastPolicy(3),
				failsafe.WithRunnerJitter[string](50*time.Millisecond),
				failsafe.WithRunnerLogger[string](quietLogger()))

			start := time.Now()
			result, err := runner.Run(ctx, func(ctx context.Context) (string, error) {
				if calls.Add(1) < 3 {
					return "", failsafe.NewStatusCodeError(503, errors.New("unavailable"))
				}
				return "ok", nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("ok"))
			Expect(calls.Load()).To(Equal(int32(3)))
			// Two jittered 1ms waits stay within [0, 51ms] each.
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		})

		It("fails when constructed without a policy", func() {
			runner := failsafe.NewRunner[string](nil,
				failsafe.WithRunnerLogger[string](quietLogger()))

			_, err := runner.Run(ctx, func(ctx context.Context) (string, error) {
				return "never", nil
			})
			Expect(err).To(MatchError(failsafe.ErrNoRetryPolicy))
		})
	})
})
