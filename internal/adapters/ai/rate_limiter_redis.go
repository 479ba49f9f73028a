package ai

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"concierge/pkg/errors"
)

// RedisRateLimiter is a token bucket shared by every replica through Redis
type RedisRateLimiter struct {
	client   *redis.Client
	provider string
	rate     float64 // tokens per second
	burst    int
	key      string
	script   *redis.Script
}

// The bucket state lives in one hash. The script refills, tries to take one
// token and returns {1, 0} on success or {0, ms until next token}.
//
// KEYS[1] bucket key
// ARGV[1] rate (tokens per second)
// ARGV[2] burst
// ARGV[3] now (seconds, fractional)
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if not tokens then
    tokens = burst
    ts = now
end

tokens = math.min(burst, tokens + math.max(0, now - ts) * rate)

local allowed = 0
local wait_ms = 0
if tokens >= 1.0 then
    tokens = tokens - 1.0
    allowed = 1
else
    wait_ms = math.ceil((1.0 - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, math.ceil(burst / rate * 1000) + 60000)

return {allowed, wait_ms}
`

func NewRedisRateLimiter(client *redis.Client, provider string, reqPerMinute float64, burst int) *RedisRateLimiter {
	if burst <= 0 {
		burst = int(reqPerMinute / 10)
		if burst < 1 {
			burst = 1
		}
	}

	return &RedisRateLimiter{
		client:   client,
		provider: provider,
		rate:     reqPerMinute / 60.0,
		burst:    burst,
		key:      "rate_limit:ai:" + provider,
		script:   redis.NewScript(tokenBucketScript),
	}
}

// Wait polls the shared bucket, sleeping for the interval the script reports
func (l *RedisRateLimiter) Wait(ctx context.Context) error {
	for {
		allowed, wait, err := l.take(ctx)
		if err != nil {
			return &RateLimitError{Provider: l.provider, Limit: l.Limit(), Err: err}
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RateLimitError{
				Provider: l.provider,
				Limit:    l.Limit(),
				Err:      errors.Wrap(ctx.Err(), "rate limiter wait cancelled"),
			}
		case <-timer.C:
		}
	}
}

// Allow denies when Redis cannot be reached
func (l *RedisRateLimiter) Allow() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	allowed, _, err := l.take(ctx)
	return err == nil && allowed
}

func (l *RedisRateLimiter) Limit() float64 {
	return l.rate * 60.0
}

func (l *RedisRateLimiter) take(ctx context.Context) (bool, time.Duration, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)

	res, err := l.script.Run(ctx, l.client, []string{l.key}, l.rate, l.burst, now).Int64Slice()
	if err != nil {
		return false, 0, errors.Wrap(err, "token bucket script")
	}
	if len(res) != 2 {
		return false, 0, errors.Newf("token bucket script returned %d values", len(res))
	}

	wait := time.Duration(res[1]) * time.Millisecond
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return res[0] == 1, wait, nil
}

// Reset clears the bucket (used by tests)
func (l *RedisRateLimiter) Reset(ctx context.Context) error {
	return l.client.Del(ctx, l.key).Err()
}
