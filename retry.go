package ecosync

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// ============================================================================
// Error classification
// ============================================================================

// ErrorClass buckets a failure for retry purposes.
type ErrorClass int

const (
	// ClassUnknown covers errors the system does not understand.
	// Treated as non-retryable so an unclassified failure cannot loop forever.
	ClassUnknown ErrorClass = iota

	// ClassPermanent covers auth, permission and schema errors. Never retried.
	ClassPermanent

	// ClassRetryable covers transient network and server errors.
	ClassRetryable
)

// permanentStatuses are backend statuses that retrying cannot fix.
var permanentStatuses = map[int]bool{
	401: true, 403: true, 404: true, 409: true, 422: true,
}

// retryableStatuses are transient backend statuses.
var retryableStatuses = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// permanentCodes are backend error codes that retrying cannot fix, notably
// row-security rejections and constraint violations.
var permanentCodes = []string{
	"42501",       // insufficient privilege (row security)
	"23505",       // unique violation
	"23503",       // foreign key violation
	"PGRST",       // schema / request shape errors
	"INVALID_JWT", // expired or malformed session
}

// Classify buckets an error into permanent, retryable or unknown.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if permanentStatuses[apiErr.Status] {
			return ClassPermanent
		}
		if retryableStatuses[apiErr.Status] {
			return ClassRetryable
		}
		for _, code := range permanentCodes {
			if strings.HasPrefix(apiErr.Code, code) {
				return ClassPermanent
			}
		}
		if strings.Contains(apiErr.Code, "TIMEOUT") || strings.Contains(apiErr.Code, "NETWORK") {
			return ClassRetryable
		}
		return ClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}
	// net/http wraps dial and connection failures in *url.Error text.
	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "EOF") {
		return ClassRetryable
	}

	return ClassUnknown
}

// ============================================================================
// Retry executor
// ============================================================================

// RetryConfig configures RunWithRetry.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter is the maximum random addition as a fraction of the delay (0-1).
	// Spreads concurrent callers so retries do not arrive in lockstep.
	Jitter float64

	// Classify overrides the default error classifier.
	Classify func(error) ErrorClass
}

// DBRetryProfile returns the profile for local database operations:
// few attempts, short delays.
func DBRetryProfile() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      0.2,
	}
}

// NetworkRetryProfile returns the profile for remote backend operations:
// more attempts, longer cap.
func NetworkRetryProfile() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.25,
	}
}

func (c *RetryConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Classify == nil {
		c.Classify = Classify
	}
}

// backoffDelay computes the delay for 0-indexed attempt n:
// min(maxDelay, base*2^n) plus a random jitter term bounded by jitter*delay.
// The result is never below the un-jittered value for that attempt.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter > 0 {
		delay += time.Duration(rand.Float64() * cfg.Jitter * float64(delay))
	}
	return delay
}

// RunWithRetry executes op with classification-aware exponential backoff.
// Permanent and unknown errors abort immediately; retryable errors are
// retried until MaxAttempts is exhausted, then the last error propagates.
func RunWithRetry[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	cfg.defaults()

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.Classify(err) != ClassRetryable {
			return zero, err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoffDelay(cfg, attempt)):
		}
	}

	return zero, lastErr
}
