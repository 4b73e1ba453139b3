package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bricksync/internal/errs"
	"bricksync/internal/models"
	"bricksync/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(capacity int) *ratelimit.Limiter {
	return ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		models.ProviderBricklink: {Capacity: capacity, Window: time.Hour},
		models.ProviderBrickowl:  {Capacity: capacity, Window: time.Hour},
	})
}

func TestSend_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	var delays []time.Duration
	exec := NewExecutor(testLimiter(10),
		WithJitterSeed(0),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}))

	resp, err := exec.Send(context.Background(), &Request{
		Provider:   models.ProviderBricklink,
		Bucket:     "api",
		Method:     "GET",
		URL:        server.URL + "/inventories",
		ExpectJSON: true,
	})
	require.NoError(t, err)

	assert.True(t, resp.OK)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 2, resp.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Data))

	// zero jitter seed: the single inter-attempt delay is exactly the base delay
	require.Len(t, delays, 1)
	assert.Equal(t, DefaultRetryPolicy.BaseDelay, delays[0])
}

func TestSend_ExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	exec := NewExecutor(testLimiter(10),
		WithJitterSeed(0),
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))

	resp, err := exec.Send(context.Background(), &Request{
		Provider: models.ProviderBricklink,
		Bucket:   "api",
		Method:   "GET",
		URL:      server.URL,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTransientUpstream)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, 503, resp.Status)
}

func TestSend_TerminalStatusNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	exec := NewExecutor(testLimiter(10), WithJitterSeed(0))

	resp, err := exec.Send(context.Background(), &Request{
		Provider: models.ProviderBricklink,
		Bucket:   "api",
		Method:   "DELETE",
		URL:      server.URL + "/inventories/9",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTerminalUpstream)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSend_RateLimitDenialIsImmediate(t *testing.T) {
	limiter := testLimiter(1)
	_, err := limiter.Consume(models.ProviderBrickowl, "api", 1)
	require.NoError(t, err)

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	exec := NewExecutor(limiter)
	_, err = exec.Send(context.Background(), &Request{
		Provider: models.ProviderBrickowl,
		Bucket:   "api",
		Method:   "GET",
		URL:      server.URL,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRateLimited)

	var rle *errs.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "no network call after denial")
}

func TestSend_MalformedJSONIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	exec := NewExecutor(testLimiter(10))
	_, err := exec.Send(context.Background(), &Request{
		Provider:   models.ProviderBricklink,
		Bucket:     "api",
		Method:     "GET",
		URL:        server.URL,
		ExpectJSON: true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTerminalUpstream)
}

func TestSend_ObserverSeesEveryAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	var attempts []Attempt
	exec := NewExecutor(testLimiter(10),
		WithJitterSeed(0),
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		WithObserver(func(req *Request, a Attempt) { attempts = append(attempts, a) }))

	resp, err := exec.Send(context.Background(), &Request{
		Provider: models.ProviderBricklink,
		Bucket:   "api",
		Method:   "GET",
		URL:      server.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Number)
	assert.Equal(t, 429, attempts[0].Status)
	assert.Equal(t, 2, attempts[1].Number)
	assert.Equal(t, 200, attempts[1].Status)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, 250*time.Millisecond, p.Delay(2))
	assert.Equal(t, 500*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(8), "capped at MaxDelay")
}
