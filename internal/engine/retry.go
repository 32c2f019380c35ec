package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/stepflow/pkg/schema"
)

// Backoff strategies accepted in a RetryPolicy.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// IsRetryableError classifies whether a step error should be re-attempted.
// Structured errors decide by code; context cancellation never retries;
// deadlines and network failures do. Unknown errors are retryable and left
// to the policy's attempt limit.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *schema.StepflowError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

var permanentPatterns = []string{
	"permission denied",
	"unauthorized",
	"forbidden",
	"invalid argument",
}

// effectivePolicy returns the step's policy, falling back to the workflow's.
func effectivePolicy(step *schema.StepDefinition, cfg schema.WorkflowConfig) *schema.RetryPolicy {
	if step.Retry != nil {
		return step.Retry
	}
	return cfg.Retry
}

// NewBackOff builds the wait schedule for a policy, capped at policy.Max
// retries. A nil policy or Max <= 0 never retries. An empty Delay retries
// immediately.
func NewBackOff(policy *schema.RetryPolicy) backoff.BackOff {
	if policy == nil || policy.Max <= 0 {
		return &backoff.StopBackOff{}
	}

	delay := parseDurationOr(policy.Delay, 0)
	maxDelay := parseDurationOr(policy.MaxDelay, 0)

	var b backoff.BackOff
	switch {
	case delay <= 0 || policy.Backoff == BackoffNone:
		b = &backoff.ZeroBackOff{}
	case policy.Backoff == BackoffConstant:
		b = backoff.NewConstantBackOff(delay)
	case policy.Backoff == BackoffLinear:
		b = &linearBackOff{step: delay, max: maxDelay}
	default:
		exp := &backoff.ExponentialBackOff{
			InitialInterval:     delay,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         maxOr(maxDelay, 1<<62),
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		exp.Reset()
		b = exp
	}
	return backoff.WithMaxRetries(b, uint64(policy.Max))
}

// linearBackOff waits step, 2*step, 3*step, ... capped at max when set.
type linearBackOff struct {
	step time.Duration
	max  time.Duration
	n    int64
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	d := l.step * time.Duration(l.n)
	if l.max > 0 && d > l.max {
		return l.max
	}
	return d
}

func (l *linearBackOff) Reset() { l.n = 0 }

// retryStep runs op until it succeeds, fails permanently, or the policy is
// exhausted. It returns the number of attempts made. onRetry is called
// before each wait.
func retryStep(ctx context.Context, policy *schema.RetryPolicy, op func(attempt int) error, onRetry func(err error, wait time.Duration)) (int, error) {
	attempts := 0
	operation := func() error {
		attempts++
		err := op(attempts)
		if err != nil && !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(NewBackOff(policy), ctx), onRetry)
	return attempts, err
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func maxOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
