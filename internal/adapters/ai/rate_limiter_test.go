package ai

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/pkg/errors"
)

func TestLocalLimiter_Burst(t *testing.T) {
	limiter := NewLocalLimiter("openai", 60, 2)

	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow(), "bucket should be empty after burst")
	assert.Equal(t, float64(60), limiter.Limit())
}

func TestLocalLimiter_DefaultBurst(t *testing.T) {
	limiter := NewLocalLimiter("openai", 5, 0)

	assert.True(t, limiter.Allow(), "burst floor is one token")
	assert.False(t, limiter.Allow())
}

func TestLocalLimiter_WaitCancelled(t *testing.T) {
	limiter := NewLocalLimiter("anthropic", 6, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	require.Error(t, err)

	var rateErr *RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, "anthropic", rateErr.Provider)
	assert.True(t, errors.Is(err, errors.ErrRateLimitExceeded))

	// A limiter wait failure is something a later candidate can survive
	classified := AsAdapterError("anthropic", "claude", err)
	assert.Equal(t, KindTransient, classified.Kind)
}

func TestNoOpLimiter(t *testing.T) {
	limiter := NewNoOpLimiter()

	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Wait(context.Background()))
	}
	assert.True(t, limiter.Allow())
	assert.Equal(t, float64(-1), limiter.Limit())
}

func TestRateLimiterFactory(t *testing.T) {
	factory := NewRateLimiterFactory(nil)

	assert.IsType(t, &NoOpLimiter{}, factory.Create("openai", RateLimitConfig{Enabled: false, ReqPerMinute: 100}))
	assert.IsType(t, &NoOpLimiter{}, factory.Create("openai", RateLimitConfig{Enabled: true}))
	assert.IsType(t, &LocalLimiter{}, factory.Create("openai", RateLimitConfig{Enabled: true, ReqPerMinute: 100}))
}
