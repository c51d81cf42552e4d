package registry

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	minRateLimit = 0.1
	backOffBy    = 2.0
	recoverBy    = 1.5
)

// RateLimiter throttles requests to the registry. A 429 response halves
// the limit; Recover raises it back towards the configured ceiling after an
// operation completes cleanly.
type RateLimiter struct {
	rps     float64
	limiter *rate.Limiter
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewRateLimiter returns a limiter allowing rps requests per second with the
// given burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{rps: rps, logger: logger}
	if rps > 0 {
		rl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return rl
}

func (rl *RateLimiter) clip(limit float64) float64 {
	if limit < minRateLimit {
		return minRateLimit
	}
	if limit > rl.rps {
		return rl.rps
	}
	return limit
}

func (rl *RateLimiter) backOff() {
	if rl.limiter == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	oldLimit := float64(rl.limiter.Limit())
	newLimit := rl.clip(oldLimit / backOffBy)
	if newLimit != oldLimit {
		rl.logger.Info("reducing registry rate limit", "limit", newLimit)
	}
	rl.limiter.SetLimit(rate.Limit(newLimit))
}

// Recover bumps the limit back up after a successful operation.
func (rl *RateLimiter) Recover() {
	if rl.limiter == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	oldLimit := float64(rl.limiter.Limit())
	newLimit := rl.clip(oldLimit * recoverBy)
	if newLimit != oldLimit {
		rl.logger.Debug("increasing registry rate limit", "limit", newLimit)
	}
	rl.limiter.SetLimit(rate.Limit(newLimit))
}

// Limit returns the current requests-per-second limit, 0 when unlimited.
func (rl *RateLimiter) Limit() float64 {
	if rl.limiter == nil {
		return 0
	}
	return float64(rl.limiter.Limit())
}

// RoundTripper wraps next with the limiter.
func (rl *RateLimiter) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if rl.limiter == nil {
		return next
	}
	return &rateLimitTransport{rl: rl, next: next}
}

type rateLimitTransport struct {
	rl   *RateLimiter
	next http.RoundTripper
}

func (t *rateLimitTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	// Wait fails early when the context deadline cannot be met.
	if err := t.rl.limiter.Wait(r.Context()); err != nil {
		return nil, fmt.Errorf("rate limited: %w", err)
	}
	resp, err := t.next.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		t.rl.backOff()
	}
	return resp, nil
}

// RetryPolicy controls retries of idempotent registry requests.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      maxRetries,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// RetryTransport retries GET and HEAD requests that fail at the transport
// level or answer 429 or 5xx. The final attempt's response is returned as is.
func RetryTransport(next http.RoundTripper, policy RetryPolicy, logger *slog.Logger) http.RoundTripper {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxRetries <= 0 {
		return next
	}
	return &retryTransport{next: next, policy: policy, logger: logger}
}

type retryTransport struct {
	next   http.RoundTripper
	policy RetryPolicy
	logger *slog.Logger
}

func (t *retryTransport) newBackOff(r *http.Request) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.policy.InitialInterval
	eb.MaxInterval = t.policy.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(t.policy.MaxRetries)), r.Context())
}

func (t *retryTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return t.next.RoundTrip(r)
	}

	var resp *http.Response
	attempt := 0
	op := func() error {
		attempt++
		res, err := t.next.RoundTrip(r)
		if err != nil {
			if r.Context().Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if retryableStatus(res.StatusCode) && attempt <= t.policy.MaxRetries {
			_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64*1024))
			_ = res.Body.Close()
			return fmt.Errorf("registry returned %s", res.Status)
		}
		resp = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		t.logger.Debug("retrying registry request", "url", r.URL.Redacted(), "attempt", attempt, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, t.newBackOff(r), notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
