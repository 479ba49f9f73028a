package ai

import (
	"context"
	"math"
	"sort"
	"time"
)

// Adapter is the uniform invocation contract every backing LLM provider implements.
// Provider-specific request and response translation stays inside the adapter.
type Adapter interface {
	// Provider returns the provider id used in the capability matrix
	Provider() string

	// Invoke runs one completion. Failures are returned as *AdapterError.
	Invoke(ctx context.Context, model string, prompt Prompt, params Parameters, timeout time.Duration) (*Response, error)

	// ListModels returns the model ids the provider currently serves
	ListModels(ctx context.Context) ([]ListedModel, error)
}

// Prompt is the request text; System may be empty
type Prompt struct {
	System string `json:"system,omitempty"`
	User   string `json:"user"`
}

// Parameters are optional sampling controls. Zero values mean provider default.
type Parameters struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// Response is a completed invocation with the provider-reported token usage
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// ListedModel is one entry of a provider's model listing
type ListedModel struct {
	ID string
}

const defaultMaxTokens = 4096

func maxTokensOrDefault(p Parameters) int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return defaultMaxTokens
}

// maxTokensInt32 is maxTokensOrDefault for SDKs that take an int32
func maxTokensInt32(p Parameters) int32 {
	n := maxTokensOrDefault(p)
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}

// AdapterSet maps provider id to adapter. Built once at startup and read-only afterwards.
type AdapterSet map[string]Adapter

// NewAdapterSet indexes adapters by provider id
func NewAdapterSet(adapters ...Adapter) AdapterSet {
	set := make(AdapterSet, len(adapters))
	for _, a := range adapters {
		set[a.Provider()] = a
	}
	return set
}

// Get returns the adapter for a provider
func (s AdapterSet) Get(provider string) (Adapter, bool) {
	a, ok := s[provider]
	return a, ok
}

// Providers returns the registered provider ids, sorted
func (s AdapterSet) Providers() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
