// Package ratelimit implements the fixed-window token bucket that guards
// outbound marketplace calls. One bucket per (provider, bucket-key); buckets
// reset lazily on the first consume after the window elapses.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"bricksync/internal/errs"
	"bricksync/internal/util"

	"go.uber.org/zap"
)

// DefaultAlertThreshold alerts once 80% of a window's quota is consumed.
const DefaultAlertThreshold = 0.8

// DefaultBreakerFailures is the consecutive-failure count that opens the
// circuit for a bucket.
const DefaultBreakerFailures = 5

// DefaultBreakerCooldown is how long an opened circuit stays open.
const DefaultBreakerCooldown = 5 * time.Minute

// BucketConfig holds the published quota contract of one provider.
type BucketConfig struct {
	Capacity int
	Window   time.Duration
}

// Decision reports the outcome of a consume attempt.
type Decision struct {
	Granted   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long the caller should wait before retrying.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Granted {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// AlertFunc receives at most one quota alert per bucket per window.
type AlertFunc func(provider, bucket string, remaining, capacity int, resetAt time.Time)

type bucketState struct {
	remaining           int
	resetAt             time.Time
	alertEmitted        bool
	consecutiveFailures int
	openUntil           time.Time
}

// Limiter tracks token buckets for all providers in memory.
type Limiter struct {
	mu              sync.Mutex
	configs         map[string]BucketConfig
	buckets         map[string]*bucketState
	alertThreshold  float64
	breakerFailures int
	breakerCooldown time.Duration
	alertFunc       AlertFunc
	now             func() time.Time
	logger          *zap.Logger
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithAlertFunc registers the quota alert callback.
func WithAlertFunc(f AlertFunc) Option {
	return func(l *Limiter) { l.alertFunc = f }
}

// WithAlertThreshold overrides the consumed fraction that triggers an alert.
func WithAlertThreshold(threshold float64) Option {
	return func(l *Limiter) { l.alertThreshold = threshold }
}

// WithClock injects a clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithBreaker overrides circuit breaker tuning.
func WithBreaker(failures int, cooldown time.Duration) Option {
	return func(l *Limiter) {
		l.breakerFailures = failures
		l.breakerCooldown = cooldown
	}
}

// NewLimiter creates a limiter with per-provider bucket configs.
func NewLimiter(configs map[string]BucketConfig, opts ...Option) *Limiter {
	l := &Limiter{
		configs:         configs,
		buckets:         make(map[string]*bucketState),
		alertThreshold:  DefaultAlertThreshold,
		breakerFailures: DefaultBreakerFailures,
		breakerCooldown: DefaultBreakerCooldown,
		now:             time.Now,
		logger:          util.GetLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func key(provider, bucket string) string {
	return provider + "/" + bucket
}

// Consume takes tokens from the (provider, bucket) bucket. A denial returns a
// granted=false decision carrying the existing resetAt as the retry hint. An
// open circuit fails with ErrQuotaExhausted without touching the bucket.
func (l *Limiter) Consume(provider, bucket string, tokens int) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, ok := l.configs[provider]
	if !ok {
		return Decision{}, fmt.Errorf("no rate limit config for provider %q", provider)
	}

	now := l.now()
	k := key(provider, bucket)
	st, ok := l.buckets[k]
	if !ok {
		st = &bucketState{remaining: cfg.Capacity, resetAt: now.Add(cfg.Window)}
		l.buckets[k] = st
	}

	if now.Before(st.openUntil) {
		return Decision{Remaining: st.remaining, ResetAt: st.openUntil},
			&errs.QuotaError{Provider: provider, Bucket: bucket, RetryAfter: st.openUntil.Sub(now)}
	}

	if !now.Before(st.resetAt) {
		st.remaining = cfg.Capacity
		st.resetAt = now.Add(cfg.Window)
		st.alertEmitted = false
	}

	if st.remaining < tokens {
		util.RateLimitDeniedTotal.WithLabelValues(provider, bucket).Inc()
		return Decision{Granted: false, Remaining: st.remaining, ResetAt: st.resetAt}, nil
	}

	st.remaining -= tokens
	l.maybeAlert(provider, bucket, cfg, st)

	return Decision{Granted: true, Remaining: st.remaining, ResetAt: st.resetAt}, nil
}

// maybeAlert fires once per window when the consumed fraction crosses the
// threshold. Caller holds the mutex.
func (l *Limiter) maybeAlert(provider, bucket string, cfg BucketConfig, st *bucketState) {
	if st.alertEmitted {
		return
	}
	if float64(st.remaining)/float64(cfg.Capacity) >= 1-l.alertThreshold {
		return
	}
	st.alertEmitted = true
	util.QuotaAlertsTotal.WithLabelValues(provider, bucket).Inc()
	l.logger.Warn("Rate limit quota alert",
		zap.String("provider", provider),
		zap.String("bucket", bucket),
		zap.Int("remaining", st.remaining),
		zap.Int("capacity", cfg.Capacity),
		zap.Time("reset_at", st.resetAt))
	if l.alertFunc != nil {
		l.alertFunc(provider, bucket, st.remaining, cfg.Capacity, st.resetAt)
	}
}

// RecordFailure counts a consecutive upstream failure for a bucket and opens
// the circuit once the ceiling is reached.
func (l *Limiter) RecordFailure(provider, bucket string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.buckets[key(provider, bucket)]
	if !ok {
		st = &bucketState{}
		l.buckets[key(provider, bucket)] = st
	}
	st.consecutiveFailures++
	if st.consecutiveFailures >= l.breakerFailures {
		st.openUntil = l.now().Add(l.breakerCooldown)
		l.logger.Warn("Rate limit circuit opened",
			zap.String("provider", provider),
			zap.String("bucket", bucket),
			zap.Int("failures", st.consecutiveFailures),
			zap.Time("open_until", st.openUntil))
	}
}

// RecordSuccess resets the consecutive-failure counter for a bucket.
func (l *Limiter) RecordSuccess(provider, bucket string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.buckets[key(provider, bucket)]; ok {
		st.consecutiveFailures = 0
		st.openUntil = time.Time{}
	}
}

// Snapshot returns the current remaining/resetAt for a bucket without
// consuming, for telemetry.
func (l *Limiter) Snapshot(provider, bucket string) (Decision, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.buckets[key(provider, bucket)]
	if !ok {
		return Decision{}, false
	}
	return Decision{Remaining: st.remaining, ResetAt: st.resetAt}, true
}
