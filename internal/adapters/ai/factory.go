package ai

import (
	"github.com/redis/go-redis/v9"

	"concierge/internal/adapters/config"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// BuildAdapters creates an adapter for every provider that has a key and is not disabled.
// redisClient is optional: with it, rate limits are shared across replicas.
func BuildAdapters(cfg config.AIConfig, disabled func(provider string) bool, redisClient *redis.Client) (AdapterSet, error) {
	log := logger.Get().With("component", "ai_factory")
	limiters := NewRateLimiterFactory(redisClient)
	limit := RateLimitConfig{
		Enabled:      cfg.RateLimitPerMinute > 0,
		ReqPerMinute: float64(cfg.RateLimitPerMinute),
	}
	if disabled == nil {
		disabled = func(string) bool { return false }
	}

	var adapters []Adapter
	add := func(provider, key string, build func(RateLimiter) Adapter) {
		switch {
		case key == "":
			log.Infow("Provider skipped: no API key", "provider", provider)
		case disabled(provider):
			log.Infow("Provider skipped: disabled in catalog", "provider", provider)
		default:
			adapters = append(adapters, build(limiters.Create(provider, limit)))
			log.Infow("✓ Provider adapter registered", "provider", provider)
		}
	}

	add(ProviderAnthropic, cfg.AnthropicKey, func(l RateLimiter) Adapter {
		return NewAnthropicAdapter(cfg.AnthropicKey, cfg.AnthropicBaseURL, l)
	})
	add(ProviderOpenAI, cfg.OpenAIKey, func(l RateLimiter) Adapter {
		return NewOpenAIAdapter(cfg.OpenAIKey, cfg.OpenAIBaseURL, l)
	})
	add(ProviderDeepSeek, cfg.DeepSeekKey, func(l RateLimiter) Adapter {
		return NewDeepSeekAdapter(cfg.DeepSeekKey, cfg.DeepSeekBaseURL, l)
	})
	add(ProviderGoogle, cfg.GeminiKey, func(l RateLimiter) Adapter {
		return NewGeminiAdapter(cfg.GeminiKey, "", l)
	})

	if len(adapters) == 0 {
		return nil, errors.Wrap(errors.ErrUnavailable, "no AI provider configured")
	}

	return NewAdapterSet(adapters...), nil
}
