// Package retry wraps collaborator calls with bounded retries and per-collaborator
// circuit breakers. The workflow engine never retries a failed step on its own.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/maildigest/pkg/schema"
)

// Backoff strategies.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Policy bounds the attempts made for one collaborator call.
type Policy struct {
	MaxAttempts int
	Backoff     string
	Delay       time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used by the collaborator wrappers when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		Delay:       500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// IsRetryable classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, upstream 5xx and 429 responses.
// Non-retryable: cancellation and typed DigestErrors with non-retryable codes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var de *schema.DigestError
	if errors.As(err, &de) {
		return de.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}

	// Default: retryable, the policy bounds the attempts.
	return true
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"temporary failure",
	"i/o timeout",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"internal server error",
	"too many requests",
	"rate limit",
}

var permanentPatterns = []string{
	"invalid_auth",
	"unauthorized",
	"forbidden",
	"invalid_grant",
	"not_in_channel",
	"channel_not_found",
}

// ComputeBackoff calculates the delay before retry attempt n (0-based).
func ComputeBackoff(p Policy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffExponential:
		delay = p.Delay << attempt
	case BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}

	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the policy is
// exhausted. When breakers is non-nil, calls for name are gated by its circuit.
func Do(ctx context.Context, p Policy, breakers *CircuitBreakerRegistry, name string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if breakers != nil {
			if err := breakers.AllowRequest(name); err != nil {
				var de *schema.DigestError
				if lastErr != nil && errors.As(err, &de) {
					de.WithCause(lastErr)
				}
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if breakers != nil {
				breakers.RecordSuccess(name)
			}
			return nil
		}
		if breakers != nil {
			breakers.RecordFailure(name)
		}
		if !IsRetryable(lastErr) || attempt == attempts-1 {
			break
		}
		if err := WaitForBackoff(ctx, ComputeBackoff(p, attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, breakers *CircuitBreakerRegistry, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, breakers, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
