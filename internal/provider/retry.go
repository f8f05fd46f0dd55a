package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy bounds retries of rate-limited completions.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// DefaultRetryPolicy is three retries starting at 15s, capped at 120s.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Base: 15 * time.Second, Max: 120 * time.Second}

// Delay returns the backoff before retry attempt (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// RetryingProvider retries Chat on ErrRateLimited and passes every other
// error through unchanged.
type RetryingProvider struct {
	inner  LLMProvider
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps inner with policy.
func WithRetry(inner LLMProvider, policy RetryPolicy) *RetryingProvider {
	return &RetryingProvider{inner: inner, policy: policy, sleep: sleepContext}
}

// SetSleep replaces the backoff sleeper. Tests use it to avoid waiting.
func (r *RetryingProvider) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

// DefaultModel returns the wrapped provider's default model.
func (r *RetryingProvider) DefaultModel() string { return r.inner.DefaultModel() }

// Chat calls the wrapped provider, backing off on rate limits. A
// Retry-After longer than the policy delay is honoured up to policy.Max.
func (r *RetryingProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil || !errors.Is(err, ErrRateLimited) || attempt >= r.policy.MaxRetries {
			return resp, err
		}
		delay := r.policy.Delay(attempt)
		if ra := RetryAfterOf(err); ra > delay {
			delay = min(ra, r.policy.Max)
		}
		slog.Warn("Model rate limited, backing off", "attempt", attempt+1, "delay", delay)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
