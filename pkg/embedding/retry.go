package embedding

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"

	"github.com/amara/lorekeep/pkg/lorekeep"
)

// RetryConfig parameterizes the backoff schedule applied at every remote
// provider call site.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the standard provider retry schedule:
// 1s initial delay, doubling, capped at 10s, 3 retries (4 attempts total).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
	}
}

// StatusError carries an HTTP-style status code from a remote provider
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return http.StatusText(e.StatusCode)
	}
	return e.Body
}

// IsRetryable classifies an error as a transient transport failure:
// HTTP 429, HTTP 5xx, timeouts, connection reset, DNS failure. Context
// timeouts count as transport failures; validation errors never retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if lorekeep.IsValidation(err) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return oaiErr.StatusCode == http.StatusTooManyRequests || oaiErr.StatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// RetryWithResult runs op under the retry schedule, retrying only errors
// IsRetryable accepts. Non-retryable errors propagate immediately without
// consuming budget. An exhausted budget yields ProviderUnavailableError
// wrapping the last cause.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	var result T
	attempts := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx)

	err := backoff.Retry(func() error {
		attempts++
		var opErr error
		result, opErr = op()
		if opErr != nil && !IsRetryable(opErr) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}, policy)

	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return result, permanent.Err
		}
		// Only a spent retry budget maps to provider unavailability;
		// permanent failures and caller cancellation pass through.
		if !IsRetryable(err) {
			return result, err
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, &lorekeep.ProviderUnavailableError{Attempts: attempts, Cause: err}
	}
	return result, nil
}
