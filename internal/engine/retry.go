package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
)

// DefaultRetryPolicy applies when an action declares none: a single attempt,
// no backoff.
var DefaultRetryPolicy = billing.RetryPolicy{
	MaxAttempts:     1,
	BackoffStrategy: billing.BackoffFixed,
}

// RetryResult reports the outcome of a retried execution.
type RetryResult struct {
	Attempts  int
	Err       error
	Exhausted bool
}

// RetryExecutor runs operations under a retry policy. Only errors whose kind
// is listed in the policy's RetryOn set are retried; any other failure is
// surfaced immediately without consuming remaining attempts.
type RetryExecutor struct {
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryExecutor creates a retry executor.
func NewRetryExecutor(logger *zap.Logger) *RetryExecutor {
	return &RetryExecutor{
		logger: logger,
		sleep:  sleepContext,
	}
}

// Run executes op up to policy.MaxAttempts times, sleeping the computed
// backoff delay before each retry. The returned result reports whether
// attempts were exhausted (the caller decides about dead-lettering).
func (r *RetryExecutor) Run(ctx context.Context, policy billing.RetryPolicy, op func(ctx context.Context) error) RetryResult {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := BackoffDelay(policy, attempt)
			r.logger.Debug("Retrying after backoff",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if err := r.sleep(ctx, delay); err != nil {
				return RetryResult{Attempts: attempt - 1, Err: err}
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return RetryResult{Attempts: attempt}
		}

		kind := billing.KindOf(lastErr)
		if !policy.ShouldRetry(kind) {
			r.logger.Debug("Error kind not retryable",
				zap.String("kind", string(kind)),
				zap.Error(lastErr),
			)
			// A failure on the final allowed attempt still counts as
			// exhausted so the caller dead-letters it.
			return RetryResult{Attempts: attempt, Err: lastErr, Exhausted: attempt == policy.MaxAttempts}
		}
	}

	return RetryResult{Attempts: policy.MaxAttempts, Err: lastErr, Exhausted: true}
}

// BackoffDelay computes the delay before the given attempt (attempt >= 2).
// Delays are derived from the policy's InitialDelay in seconds and capped at
// MaxDelay when set.
func BackoffDelay(policy billing.RetryPolicy, attempt int) time.Duration {
	if attempt < 2 || policy.InitialDelay <= 0 {
		return 0
	}

	initial := time.Duration(policy.InitialDelay) * time.Second

	var delay time.Duration
	switch policy.BackoffStrategy {
	case billing.BackoffLinear:
		delay = initial * time.Duration(attempt-1)
	case billing.BackoffExponential:
		delay = initial << uint(attempt-2)
	default:
		delay = initial
	}

	if policy.MaxDelay > 0 {
		max := time.Duration(policy.MaxDelay) * time.Second
		if delay > max {
			delay = max
		}
	}

	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
