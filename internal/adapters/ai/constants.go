package ai

// Provider ids as they appear in the capability matrix and cost records
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderDeepSeek  = "deepseek"
)

// KnownProviders returns every provider an adapter exists for
func KnownProviders() []string {
	return []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderDeepSeek}
}

// IsKnownProvider checks if the provider id is supported
func IsKnownProvider(p string) bool {
	for _, known := range KnownProviders() {
		if p == known {
			return true
		}
	}
	return false
}
