package ai

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

var _ Adapter = (*OpenAICompatibleAdapter)(nil)

// OpenAICompatibleAdapter serves OpenAI and any provider exposing the same
// chat completions API (DeepSeek) through the official SDK.
type OpenAICompatibleAdapter struct {
	provider string
	hasKey   bool
	client   openai.Client
	limiter  RateLimiter
	log      *logger.Logger
}

// NewOpenAIAdapter creates the OpenAI adapter; baseURL may be empty
func NewOpenAIAdapter(apiKey, baseURL string, limiter RateLimiter) *OpenAICompatibleAdapter {
	return newOpenAICompatible(ProviderOpenAI, apiKey, baseURL, limiter)
}

// NewDeepSeekAdapter points the OpenAI SDK at DeepSeek's compatible endpoint
func NewDeepSeekAdapter(apiKey, baseURL string, limiter RateLimiter) *OpenAICompatibleAdapter {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com/v1"
	}
	return newOpenAICompatible(ProviderDeepSeek, apiKey, baseURL, limiter)
}

func newOpenAICompatible(provider, apiKey, baseURL string, limiter RateLimiter) *OpenAICompatibleAdapter {
	if limiter == nil {
		limiter = NewNoOpLimiter()
	}

	// The router owns retries by falling back to another candidate
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAICompatibleAdapter{
		provider: provider,
		hasKey:   apiKey != "",
		client:   openai.NewClient(opts...),
		limiter:  limiter,
		log:      logger.Get().With("component", "ai_adapter", "provider", provider),
	}
}

func (a *OpenAICompatibleAdapter) Provider() string { return a.provider }

// Invoke runs one chat completion
func (a *OpenAICompatibleAdapter) Invoke(ctx context.Context, model string, prompt Prompt, params Parameters, timeout time.Duration) (*Response, error) {
	if !a.hasKey {
		return nil, newFatal(a.provider, model, 0, errors.Wrapf(errors.ErrUnauthorized, "%s API key not configured", a.provider))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, classifyTransportError(a.provider, model, err)
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if prompt.System != "" {
		messages = append(messages, openai.SystemMessage(prompt.System))
	}
	messages = append(messages, openai.UserMessage(prompt.User))

	req := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokensOrDefault(params))),
	}
	if params.Temperature != nil {
		req.Temperature = openai.Float(*params.Temperature)
	}
	if params.TopP != nil {
		req.TopP = openai.Float(*params.TopP)
	}

	completion, err := a.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return nil, a.classify(model, err)
	}

	if len(completion.Choices) == 0 {
		return nil, newTransient(a.provider, model, 0, errors.New("completion has no choices"))
	}

	choice := completion.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, newFatal(a.provider, model, 0, errors.New("content policy refusal"))
	}
	if choice.Message.Content == "" {
		return nil, newTransient(a.provider, model, 0, errors.New("empty completion"))
	}

	inputTokens := int(completion.Usage.PromptTokens)
	outputTokens := int(completion.Usage.CompletionTokens)
	if aerr := checkUsage(a.provider, model, inputTokens, outputTokens); aerr != nil {
		return nil, aerr
	}

	usedModel := completion.Model
	if usedModel == "" {
		usedModel = model
	}

	return &Response{
		Text:         choice.Message.Content,
		Model:        usedModel,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		FinishReason: string(choice.FinishReason),
	}, nil
}

// ListModels walks the paginated /models listing
func (a *OpenAICompatibleAdapter) ListModels(ctx context.Context) ([]ListedModel, error) {
	if !a.hasKey {
		return nil, newFatal(a.provider, "", 0, errors.Wrapf(errors.ErrUnauthorized, "%s API key not configured", a.provider))
	}

	var out []ListedModel
	iter := a.client.Models.ListAutoPaging(ctx)
	for iter.Next() {
		out = append(out, ListedModel{ID: iter.Current().ID})
	}
	if err := iter.Err(); err != nil {
		return nil, a.classify("", err)
	}

	a.log.Debugw("Listed models", "count", len(out))
	return out, nil
}

func (a *OpenAICompatibleAdapter) classify(model string, err error) *AdapterError {
	var apiErr *openai.Error
	if stderrors.As(err, &apiErr) {
		return classifyStatusError(a.provider, model, apiErr.StatusCode,
			errors.Wrapf(errors.ErrExternal, "%s API error (%d): %s", a.provider, apiErr.StatusCode, apiErr.Message))
	}
	return classifyTransportError(a.provider, model, err)
}
