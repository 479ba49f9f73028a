package ai

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/testsupport"
)

func TestRedisRateLimiter_SharedBucket(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := testsupport.NewRedisClient(t, testsupport.RedisConfigFromEnv(t))
	ctx := context.Background()

	// Two limiters for one provider model two replicas sharing a bucket
	first := NewRedisRateLimiter(client, "openai", 60, 2)
	second := NewRedisRateLimiter(client, "openai", 60, 2)
	require.NoError(t, first.Reset(ctx))

	assert.True(t, first.Allow())
	assert.True(t, second.Allow())
	assert.False(t, first.Allow(), "burst is shared across replicas")

	start := time.Now()
	require.NoError(t, second.Wait(ctx))
	assert.Greater(t, time.Since(start), 500*time.Millisecond)
}

func TestRedisRateLimiter_Concurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := testsupport.NewRedisClient(t, testsupport.RedisConfigFromEnv(t))
	limiter := NewRedisRateLimiter(client, "anthropic", 60, 5)
	require.NoError(t, limiter.Reset(context.Background()))

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := limiter.take(context.Background())
			if err == nil && ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), allowed.Load())
}

func TestRedisRateLimiter_WaitCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := testsupport.NewRedisClient(t, testsupport.RedisConfigFromEnv(t))
	limiter := NewRedisRateLimiter(client, "google", 6, 1)
	require.NoError(t, limiter.Reset(context.Background()))
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "google", rateErr.Provider)
}
