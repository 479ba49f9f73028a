package ai

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"concierge/pkg/errors"
)

// RateLimiter gates outbound provider calls
type RateLimiter interface {
	// Wait blocks until a request can proceed or ctx is done.
	// A failed wait is returned as *RateLimitError.
	Wait(ctx context.Context) error

	// Allow checks if request can proceed without blocking.
	Allow() bool

	// Limit returns the configured requests per minute, -1 for unlimited.
	Limit() float64
}

// LocalLimiter is an in-process token bucket for single-replica deployments
type LocalLimiter struct {
	limiter      *rate.Limiter
	provider     string
	reqPerMinute float64
}

// NewLocalLimiter allows bursts of 10% of the per-minute rate
func NewLocalLimiter(provider string, reqPerMinute float64, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = int(reqPerMinute / 10)
		if burst < 1 {
			burst = 1
		}
	}

	return &LocalLimiter{
		limiter:      rate.NewLimiter(rate.Limit(reqPerMinute/60.0), burst),
		provider:     provider,
		reqPerMinute: reqPerMinute,
	}
}

func (l *LocalLimiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return &RateLimitError{Provider: l.provider, Limit: l.reqPerMinute, Err: err}
	}
	return nil
}

func (l *LocalLimiter) Allow() bool { return l.limiter.Allow() }

func (l *LocalLimiter) Limit() float64 { return l.reqPerMinute }

// NoOpLimiter never blocks
type NoOpLimiter struct{}

func NewNoOpLimiter() *NoOpLimiter { return &NoOpLimiter{} }

func (NoOpLimiter) Wait(context.Context) error { return nil }
func (NoOpLimiter) Allow() bool                { return true }
func (NoOpLimiter) Limit() float64             { return -1 }

// RateLimitConfig contains rate limit configuration for a provider.
type RateLimitConfig struct {
	Enabled      bool
	ReqPerMinute float64
	Burst        int
}

// RateLimiterFactory picks the distributed limiter when Redis is available
// so every replica draws from one bucket per provider.
type RateLimiterFactory struct {
	redis *redis.Client
}

// NewRateLimiterFactory accepts a nil client for local-only limiting
func NewRateLimiterFactory(client *redis.Client) *RateLimiterFactory {
	return &RateLimiterFactory{redis: client}
}

// Create creates a rate limiter for the specified provider.
func (f *RateLimiterFactory) Create(provider string, cfg RateLimitConfig) RateLimiter {
	if !cfg.Enabled || cfg.ReqPerMinute <= 0 {
		return NewNoOpLimiter()
	}
	if f.redis != nil {
		return NewRedisRateLimiter(f.redis, provider, cfg.ReqPerMinute, cfg.Burst)
	}
	return NewLocalLimiter(provider, cfg.ReqPerMinute, cfg.Burst)
}

// RateLimitError is a failed limiter wait. The router treats it as transient.
type RateLimitError struct {
	Provider string
	Limit    float64
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit error for provider %s (limit: %.0f req/min): %v", e.Provider, e.Limit, e.Err)
}

func (e *RateLimitError) Unwrap() []error {
	return []error{errors.ErrRateLimitExceeded, e.Err}
}
