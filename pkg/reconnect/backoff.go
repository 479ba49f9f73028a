package reconnect

import (
	"context"
	"sync"
	"time"
)

// Config configures a Backoff
type Config struct {
	MinBackoff        time.Duration // first wait (default 500ms)
	MaxBackoff        time.Duration // ceiling (default 30s)
	BackoffMultiplier float64       // growth per failure (default 2.0)
}

// Backoff tracks consecutive failures of a long-lived connection and spaces
// out retries exponentially. Safe for concurrent use.
type Backoff struct {
	min        time.Duration
	max        time.Duration
	multiplier float64

	mu                  sync.Mutex
	current             time.Duration
	consecutiveFailures int
}

// New creates a Backoff with defaults filled in
func New(cfg Config) *Backoff {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}

	return &Backoff{
		min:        cfg.MinBackoff,
		max:        cfg.MaxBackoff,
		multiplier: cfg.BackoffMultiplier,
		current:    cfg.MinBackoff,
	}
}

// Failure records a failure and returns how long to wait before the next try
func (b *Backoff) Failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	wait := b.current
	b.consecutiveFailures++

	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return wait
}

// Success resets the backoff. It reports how many failures preceded it.
func (b *Backoff) Success() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.consecutiveFailures
	b.consecutiveFailures = 0
	b.current = b.min
	return prev
}

// Failures returns the current run of consecutive failures
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Wait sleeps for d or until ctx is done
func Wait(ctx context.Context, d time.Duration) error {
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
