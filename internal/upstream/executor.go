package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"bricksync/internal/errs"
	"bricksync/internal/ratelimit"
	"bricksync/internal/util"

	"go.uber.org/zap"
)

// maxResponseSize caps marketplace response bodies at 10MB
const maxResponseSize = 10 * 1024 * 1024

// RetryPolicy controls retries of transient upstream failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy retries twice after the first attempt.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Multiplier:  2,
}

// Delay returns the backoff before the given attempt (2-based): capped
// exponential growth from BaseDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt-1; i++ {
		d *= p.Multiplier
	}
	if capped := float64(p.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}

// Request describes one outbound marketplace call.
type Request struct {
	Provider   string
	Bucket     string
	Method     string
	URL        string
	Query      url.Values
	Header     http.Header
	JSONBody   interface{}
	FormBody   url.Values
	ExpectJSON bool
	Auth       AuthStrategy
	Retry      *RetryPolicy
}

// Response reports the final outcome of Send.
type Response struct {
	OK       bool
	Status   int
	Data     json.RawMessage
	Text     string
	Attempts int
	Duration time.Duration
}

// Attempt is reported to the observer after every try.
type Attempt struct {
	Number        int
	Status        int
	Duration      time.Duration
	RateRemaining int
	Err           error
}

// Observer receives per-attempt telemetry.
type Observer func(req *Request, attempt Attempt)

// Executor sends marketplace requests. It consumes rate-limit tokens, applies
// the auth strategy and retries transient failures; it performs the only
// blocking I/O in the sync path.
type Executor struct {
	client   *http.Client
	limiter  *ratelimit.Limiter
	observer Observer
	logger   *zap.Logger

	mu     sync.Mutex
	jitter func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.client = c }
}

// WithObserver registers the per-attempt telemetry callback.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithJitterSource injects the jitter fraction source: values in [0, 1).
// A source returning 0 makes backoff delays exactly the policy delays.
func WithJitterSource(f func() float64) ExecutorOption {
	return func(e *Executor) { e.jitter = f }
}

// WithJitterSeed seeds the default jitter source, for reproducible runs.
func WithJitterSeed(seed int64) ExecutorOption {
	return func(e *Executor) {
		if seed == 0 {
			e.jitter = func() float64 { return 0 }
			return
		}
		r := rand.New(rand.NewSource(seed))
		e.jitter = r.Float64
	}
}

// WithSleep injects the backoff sleeper, used by tests.
func WithSleep(f func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = f }
}

// NewExecutor creates an executor backed by the given rate limiter.
func NewExecutor(limiter *ratelimit.Limiter, opts ...ExecutorOption) *Executor {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	e := &Executor{
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		logger:  util.GetLogger(),
		jitter:  r.Float64,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send performs the call. Rate-limit denial is a caller-visible failure and is
// not absorbed by the retry loop; transient HTTP statuses are retried up to
// the policy ceiling with capped exponential backoff plus jitter.
func (e *Executor) Send(ctx context.Context, req *Request) (*Response, error) {
	policy := DefaultRetryPolicy
	if req.Retry != nil {
		policy = *req.Retry
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.Query == nil {
		req.Query = url.Values{}
	}

	start := time.Now()
	var lastErr error
	var lastStatus int

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		decision, err := e.limiter.Consume(req.Provider, req.Bucket, 1)
		if err != nil {
			// quota exhausted / circuit open: fail fast without network I/O
			return &Response{Attempts: attempt - 1, Duration: time.Since(start)}, err
		}
		if !decision.Granted {
			return &Response{Attempts: attempt - 1, Duration: time.Since(start)},
				&errs.RateLimitError{
					Provider:   req.Provider,
					Bucket:     req.Bucket,
					RetryAfter: decision.RetryAfter(time.Now()),
				}
		}

		if attempt > 1 {
			util.UpstreamRetriesTotal.WithLabelValues(req.Provider).Inc()
		}

		attemptStart := time.Now()
		status, body, err := e.doAttempt(ctx, req)
		attemptDuration := time.Since(attemptStart)
		lastStatus, lastErr = status, err

		util.UpstreamRequestDuration.WithLabelValues(req.Provider, strconv.Itoa(status)).
			Observe(attemptDuration.Seconds())
		if e.observer != nil {
			e.observer(req, Attempt{
				Number:        attempt,
				Status:        status,
				Duration:      attemptDuration,
				RateRemaining: decision.Remaining,
				Err:           err,
			})
		}

		if err == nil && status < 400 {
			e.limiter.RecordSuccess(req.Provider, req.Bucket)
			resp := &Response{
				OK:       true,
				Status:   status,
				Attempts: attempt,
				Duration: time.Since(start),
			}
			if req.ExpectJSON {
				if !json.Valid(body) {
					// malformed payload is terminal, not retried
					return &Response{Status: status, Attempts: attempt, Duration: time.Since(start)},
						&errs.UpstreamError{Provider: req.Provider, Status: status, Body: "malformed JSON response"}
				}
				resp.Data = json.RawMessage(body)
			} else {
				resp.Text = string(body)
			}
			return resp, nil
		}

		retryable := err != nil || errs.IsRetryableStatus(status)
		if retryable {
			e.limiter.RecordFailure(req.Provider, req.Bucket)
		}
		if !retryable {
			return &Response{Status: status, Attempts: attempt, Duration: time.Since(start)},
				&errs.UpstreamError{Provider: req.Provider, Status: status, Body: truncate(string(body), 512)}
		}
		if attempt == policy.MaxAttempts {
			break
		}

		e.mu.Lock()
		frac := e.jitter()
		e.mu.Unlock()
		delay := policy.Delay(attempt + 1)
		wait := delay + time.Duration(frac*float64(delay)*0.5)

		e.logger.Debug("Retrying upstream request",
			zap.String("provider", req.Provider),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Duration("wait", wait),
			zap.Error(err))

		if err := e.sleep(ctx, wait); err != nil {
			return &Response{Status: status, Attempts: attempt, Duration: time.Since(start)}, err
		}
	}

	resp := &Response{Status: lastStatus, Attempts: policy.MaxAttempts, Duration: time.Since(start)}
	if lastErr != nil {
		return resp, &errs.UpstreamError{Provider: req.Provider, Err: lastErr}
	}
	return resp, &errs.UpstreamError{Provider: req.Provider, Status: lastStatus, Body: "retry attempts exhausted"}
}

// doAttempt issues one HTTP call and reads the body.
func (e *Executor) doAttempt(ctx context.Context, req *Request) (int, []byte, error) {
	if req.Auth != nil {
		if err := req.Auth.Apply(req); err != nil {
			return 0, nil, fmt.Errorf("auth strategy failed: %w", err)
		}
	}

	fullURL := req.URL
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.JSONBody != nil:
		data, err := json.Marshal(req.JSONBody)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case req.FormBody != nil:
		body = strings.NewReader(req.FormBody.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return httpResp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return httpResp.StatusCode, respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Classify surfaces the error category of a failed Send for callers that
// reschedule rather than branch on types.
func Classify(err error) string {
	switch {
	case errors.Is(err, errs.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, errs.ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, errs.ErrTransientUpstream):
		return "transient"
	case errors.Is(err, errs.ErrTerminalUpstream):
		return "terminal"
	default:
		return "unknown"
	}
}
