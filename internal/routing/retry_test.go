package routing

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetrier(policy RetryPolicy) (*Retrier, *[]time.Duration) {
	r := NewRetrier(policy)
	slept := &[]time.Duration{}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	r.randFloat = func() float64 { return 0.5 }
	return r, slept
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	r, slept := newTestRetrier(RetryPolicy{MaxRetries: 3, Jitter: JitterNone})

	calls := 0
	result, err := r.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
}

func TestRetryZeroRetriesCallsOnce(t *testing.T) {
	r, slept := newTestRetrier(RetryPolicy{MaxRetries: 0})

	calls := 0
	_, err := r.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("network down")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls, "MaxRetries=0 means exactly one attempt")
	assert.Empty(t, *slept)
}

func TestRetryExponentialBackoffCapped(t *testing.T) {
	r, slept := newTestRetrier(RetryPolicy{
		MaxRetries: 4,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   300 * time.Millisecond,
		Factor:     2,
		Jitter:     JitterNone,
	})

	_, err := r.Execute(context.Background(), fail, nil)
	require.Error(t, err)

	// 100ms, 200ms, then capped at 300ms.
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}, *slept)
}

func TestRetryFullJitterBounds(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Factor:     2,
		Jitter:     JitterFull,
	}
	r := NewRetrier(policy)

	for _, draw := range []float64{0, 0.25, 0.999} {
		r.randFloat = func() float64 { return draw }
		for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
			delay := r.delayFor(attempt, errors.New("transport"))
			upper := 100 * time.Millisecond << (attempt - 1)
			if upper > time.Second {
				upper = time.Second
			}
			assert.GreaterOrEqual(t, delay, time.Duration(0))
			assert.Less(t, delay, upper+time.Millisecond, "full jitter must stay within [0, computed)")
		}
	}
}

func TestRetryNonRetriableStatus(t *testing.T) {
	r, slept := newTestRetrier(RetryPolicy{MaxRetries: 3})

	calls := 0
	_, err := r.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, &HTTPError{StatusCode: 404, Status: "404 Not Found"}
	}, nil)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 404, httpErr.StatusCode, "last error must be returned verbatim")
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRetryRetriableStatuses(t *testing.T) {
	r, _ := newTestRetrier(RetryPolicy{})

	for _, status := range []int{408, 429, 500, 502, 503} {
		assert.True(t, r.Retryable(&HTTPError{StatusCode: status}), "status %d", status)
	}
	for _, status := range []int{400, 401, 403, 404, 422} {
		assert.False(t, r.Retryable(&HTTPError{StatusCode: status}), "status %d", status)
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	r, slept := newTestRetrier(RetryPolicy{
		MaxRetries: 1,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Jitter:     JitterNone,
	})

	_, err := r.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, &HTTPError{StatusCode: 429, Status: "429 Too Many Requests", RetryAfter: time.Second}
	}, nil)

	require.Error(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, time.Second, (*slept)[0], "Retry-After overrides computed backoff")
}

func TestRetryAfterClampedToMaxDelay(t *testing.T) {
	r, slept := newTestRetrier(RetryPolicy{
		MaxRetries: 1,
		MaxDelay:   500 * time.Millisecond,
		Jitter:     JitterNone,
	})

	_, err := r.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, &HTTPError{StatusCode: 503, Status: "503 Service Unavailable", RetryAfter: time.Minute}
	}, nil)

	require.Error(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, 500*time.Millisecond, (*slept)[0])
}

func TestRetryStopsOnCallerCancel(t *testing.T) {
	r, _ := newTestRetrier(RetryPolicy{MaxRetries: 5})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := r.Execute(ctx, func(ctx context.Context) (any, error) {
		calls++
		cancel()
		return nil, errors.New("aborted mid-flight")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls, "caller cancellation must end the retry loop")
}

func TestRetryOnRetryCallback(t *testing.T) {
	r, _ := newTestRetrier(RetryPolicy{MaxRetries: 2, Jitter: JitterNone})

	var attempts []int
	_, err := r.Execute(context.Background(), fail, func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	})

	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestNewHTTPErrorParsesRetryAfter(t *testing.T) {
	resp := &http.Response{
		StatusCode: 429,
		Status:     "429 Too Many Requests",
		Header:     http.Header{"Retry-After": []string{"7"}},
	}
	assert.Equal(t, 7*time.Second, NewHTTPError(resp).RetryAfter)

	resp.Header.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	retryAfter := NewHTTPError(resp).RetryAfter
	assert.Greater(t, retryAfter, 25*time.Second)
	assert.LessOrEqual(t, retryAfter, 31*time.Second)
}
