package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// Jitter selects how computed backoff delays are randomized.
type Jitter string

const (
	JitterNone Jitter = "none"
	JitterFull Jitter = "full"
)

// RetryPolicy bounds the retry loop. Attempts = MaxRetries + 1.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
	Jitter     Jitter
	// RetryOn lists the HTTP statuses treated as retriable. Entries are
	// exact codes ("408", "429") or the class wildcard "5xx".
	RetryOn []string
	// AttemptTimeout is the per-attempt deadline enforced via context
	// cancellation.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy matches the documented routing defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       4 * time.Second,
		Factor:         2,
		Jitter:         JitterFull,
		RetryOn:        []string{"408", "429", "5xx"},
		AttemptTimeout: 5 * time.Second,
	}
}

// HTTPError carries a backend's non-2xx response through the retry
// classification. RetryAfter is populated from the Retry-After header
// when present.
type HTTPError struct {
	StatusCode int
	Status     string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned %s", e.Status)
}

// NewHTTPError builds an HTTPError from a response, parsing Retry-After
// in both delta-seconds and HTTP-date forms.
func NewHTTPError(resp *http.Response) *HTTPError {
	httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds >= 0 {
			httpErr.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(raw); err == nil {
			if wait := time.Until(at); wait > 0 {
				httpErr.RetryAfter = wait
			}
		}
	}
	return httpErr
}

// Retrier runs an operation under a bounded retry policy with
// exponential backoff and optional full jitter.
type Retrier struct {
	policy RetryPolicy

	// sleep and randFloat are swappable for tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// NewRetrier creates a retrier. Zero policy fields fall back to the
// defaults.
func NewRetrier(policy RetryPolicy) *Retrier {
	defaults := DefaultRetryPolicy()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaults.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaults.MaxDelay
	}
	if policy.Factor <= 0 {
		policy.Factor = defaults.Factor
	}
	if policy.Jitter == "" {
		policy.Jitter = defaults.Jitter
	}
	if len(policy.RetryOn) == 0 {
		policy.RetryOn = defaults.RetryOn
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = defaults.AttemptTimeout
	}
	return &Retrier{
		policy:    policy,
		sleep:     sleepContext,
		randFloat: rand.Float64,
	}
}

// Execute runs fn up to MaxRetries+1 times. Each attempt gets its own
// deadline; a timed-out attempt is a retriable transport error. onRetry
// (optional) is invoked before each sleep with the failed attempt
// number (1-based), the error, and the chosen delay.
//
// The last error is returned verbatim once attempts are exhausted or
// the error is classified non-retriable.
func (r *Retrier) Execute(ctx context.Context, fn func(ctx context.Context) (any, error), onRetry func(attempt int, err error, delay time.Duration)) (any, error) {
	attempts := r.policy.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
		result, err := fn(attemptCtx)
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err

		// A caller abort ends the loop immediately; only per-attempt
		// deadlines are retriable timeouts.
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if attempt == attempts || !r.Retryable(err) {
			return nil, lastErr
		}

		delay := r.delayFor(attempt, err)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// Retryable classifies an error under the policy. Transport errors
// (timeouts, connection failures) are retriable; HTTP errors are
// retriable iff their status is listed in RetryOn.
func (r *Retrier) Retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return r.statusRetryable(httpErr.StatusCode)
	}
	// Everything else that reaches the retry loop is a transport-level
	// failure: dial errors, resets, per-attempt deadline expiry.
	return true
}

func (r *Retrier) statusRetryable(status int) bool {
	for _, entry := range r.policy.RetryOn {
		if entry == "5xx" && status/100 == 5 {
			return true
		}
		if code, err := strconv.Atoi(entry); err == nil && code == status {
			return true
		}
	}
	return false
}

// delayFor computes the sleep before the next attempt:
// min(MaxDelay, BaseDelay*Factor^(attempt-1)), full jitter drawing
// uniformly from [0, delay). A Retry-After from a 429/503 overrides the
// computed delay, clamped to MaxDelay.
func (r *Retrier) delayFor(attempt int, err error) time.Duration {
	computed := time.Duration(float64(r.policy.BaseDelay) * math.Pow(r.policy.Factor, float64(attempt-1)))
	if computed > r.policy.MaxDelay || computed <= 0 {
		computed = r.policy.MaxDelay
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 &&
		(httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode == http.StatusServiceUnavailable) {
		retryAfter := httpErr.RetryAfter
		if retryAfter > r.policy.MaxDelay {
			retryAfter = r.policy.MaxDelay
		}
		return retryAfter
	}

	if r.policy.Jitter == JitterFull {
		return time.Duration(r.randFloat() * float64(computed))
	}
	return computed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
