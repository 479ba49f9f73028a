package ai

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

var _ Adapter = (*GeminiAdapter)(nil)

// GeminiAdapter uses the Gen AI SDK against the Gemini API backend.
// The SDK client is created lazily because construction needs a context.
type GeminiAdapter struct {
	apiKey  string
	baseURL string
	limiter RateLimiter
	log     *logger.Logger

	once      sync.Once
	client    *genai.Client
	clientErr error
}

// NewGeminiAdapter creates the adapter; baseURL is only set by tests
func NewGeminiAdapter(apiKey, baseURL string, limiter RateLimiter) *GeminiAdapter {
	if limiter == nil {
		limiter = NewNoOpLimiter()
	}
	return &GeminiAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		limiter: limiter,
		log:     logger.Get().With("component", "ai_adapter", "provider", ProviderGoogle),
	}
}

func (a *GeminiAdapter) Provider() string { return ProviderGoogle }

func (a *GeminiAdapter) sdk(ctx context.Context) (*genai.Client, error) {
	a.once.Do(func() {
		cfg := &genai.ClientConfig{
			APIKey:  a.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
		if a.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: a.baseURL}
		}
		a.client, a.clientErr = genai.NewClient(context.WithoutCancel(ctx), cfg)
	})
	return a.client, a.clientErr
}

// Invoke runs one GenerateContent call
func (a *GeminiAdapter) Invoke(ctx context.Context, model string, prompt Prompt, params Parameters, timeout time.Duration) (*Response, error) {
	if a.apiKey == "" {
		return nil, newFatal(ProviderGoogle, model, 0, errors.Wrap(errors.ErrUnauthorized, "gemini API key not configured"))
	}

	client, err := a.sdk(ctx)
	if err != nil {
		return nil, newFatal(ProviderGoogle, model, 0, errors.Wrap(err, "create genai client"))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, classifyTransportError(ProviderGoogle, model, err)
	}

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: maxTokensInt32(params),
	}
	if prompt.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}
	if params.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*params.Temperature))
	}
	if params.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*params.TopP))
	}

	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt.User), cfg)
	if err != nil {
		return nil, classifyGeminiError(model, err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, newFatal(ProviderGoogle, model, 0,
			errors.Newf("content policy refusal: %s", resp.PromptFeedback.BlockReason))
	}

	var finish string
	if len(resp.Candidates) > 0 {
		finish = string(resp.Candidates[0].FinishReason)
		if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
			return nil, newFatal(ProviderGoogle, model, 0, errors.New("content policy refusal: SAFETY"))
		}
	}

	text := resp.Text()
	if text == "" {
		return nil, newTransient(ProviderGoogle, model, 0, errors.New("empty completion"))
	}

	out := &Response{
		Text:         text,
		Model:        model,
		FinishReason: finish,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata == nil {
		return nil, newTransient(ProviderGoogle, model, 0, errors.New("malformed usage: missing usage metadata"))
	}
	out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
	out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	if aerr := checkUsage(ProviderGoogle, model, out.InputTokens, out.OutputTokens); aerr != nil {
		return nil, aerr
	}
	return out, nil
}

// ListModels iterates every model page. Names come back as "models/<id>".
func (a *GeminiAdapter) ListModels(ctx context.Context) ([]ListedModel, error) {
	if a.apiKey == "" {
		return nil, newFatal(ProviderGoogle, "", 0, errors.Wrap(errors.ErrUnauthorized, "gemini API key not configured"))
	}

	client, err := a.sdk(ctx)
	if err != nil {
		return nil, newFatal(ProviderGoogle, "", 0, errors.Wrap(err, "create genai client"))
	}

	var out []ListedModel
	for m, err := range client.Models.All(ctx) {
		if err != nil {
			return nil, classifyGeminiError("", err)
		}
		out = append(out, ListedModel{ID: strings.TrimPrefix(m.Name, "models/")})
	}

	a.log.Debugw("Listed models", "count", len(out))
	return out, nil
}

func classifyGeminiError(model string, err error) *AdapterError {
	var apiErr genai.APIError
	if stderrors.As(err, &apiErr) {
		return geminiStatusError(model, apiErr)
	}
	var apiErrPtr *genai.APIError
	if stderrors.As(err, &apiErrPtr) {
		return geminiStatusError(model, *apiErrPtr)
	}
	return classifyTransportError(ProviderGoogle, model, err)
}

func geminiStatusError(model string, apiErr genai.APIError) *AdapterError {
	return classifyStatusError(ProviderGoogle, model, apiErr.Code,
		errors.Wrapf(errors.ErrExternal, "gemini API error (%d): %s - %s", apiErr.Code, apiErr.Status, apiErr.Message))
}
