package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

const (
	anthropicVersion     = "2023-06-01"
	anthropicMaxBodySize = 8 << 20
)

var _ Adapter = (*AnthropicAdapter)(nil)

// AnthropicAdapter talks to the Messages API over plain HTTP
type AnthropicAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter RateLimiter
	log     *logger.Logger
}

// NewAnthropicAdapter creates the adapter. A nil limiter disables rate limiting.
func NewAnthropicAdapter(apiKey, baseURL string, limiter RateLimiter) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if limiter == nil {
		limiter = NewNoOpLimiter()
	}
	return &AnthropicAdapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		limiter: limiter,
		log:     logger.Get().With("component", "ai_adapter", "provider", ProviderAnthropic),
	}
}

func (a *AnthropicAdapter) Provider() string { return ProviderAnthropic }

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
	HasMore bool   `json:"has_more"`
	LastID  string `json:"last_id"`
}

// Invoke sends one Messages request
func (a *AnthropicAdapter) Invoke(ctx context.Context, model string, prompt Prompt, params Parameters, timeout time.Duration) (*Response, error) {
	if a.apiKey == "" {
		return nil, newFatal(ProviderAnthropic, model, 0, errors.Wrap(errors.ErrUnauthorized, "anthropic API key not configured"))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, classifyTransportError(ProviderAnthropic, model, err)
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       model,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt.User}},
		System:      prompt.System,
		MaxTokens:   maxTokensOrDefault(params),
		Temperature: params.Temperature,
		TopP:        params.TopP,
	})
	if err != nil {
		return nil, newFatal(ProviderAnthropic, model, 0, errors.Wrap(err, "marshal anthropic request"))
	}

	status, respBody, err := a.do(ctx, http.MethodPost, "/v1/messages", body)
	if err != nil {
		return nil, classifyTransportError(ProviderAnthropic, model, err)
	}
	if status != http.StatusOK {
		return nil, classifyStatusError(ProviderAnthropic, model, status, anthropicErrorDetail(status, respBody))
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, newTransient(ProviderAnthropic, model, status, errors.Wrap(err, "unmarshal anthropic response"))
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if resp.StopReason == "refusal" {
		return nil, newFatal(ProviderAnthropic, model, status, errors.New("content policy refusal"))
	}
	if text.Len() == 0 {
		return nil, newTransient(ProviderAnthropic, model, status, errors.New("empty completion"))
	}

	if resp.Usage == nil {
		return nil, newTransient(ProviderAnthropic, model, status, errors.New("malformed usage: missing usage block"))
	}
	if aerr := checkUsage(ProviderAnthropic, model, resp.Usage.InputTokens, resp.Usage.OutputTokens); aerr != nil {
		return nil, aerr
	}

	usedModel := resp.Model
	if usedModel == "" {
		usedModel = model
	}

	return &Response{
		Text:         text.String(),
		Model:        usedModel,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		FinishReason: resp.StopReason,
	}, nil
}

// ListModels pages through /v1/models
func (a *AnthropicAdapter) ListModels(ctx context.Context) ([]ListedModel, error) {
	if a.apiKey == "" {
		return nil, newFatal(ProviderAnthropic, "", 0, errors.Wrap(errors.ErrUnauthorized, "anthropic API key not configured"))
	}

	var out []ListedModel
	path := "/v1/models?limit=100"
	for {
		status, body, err := a.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, classifyTransportError(ProviderAnthropic, "", err)
		}
		if status != http.StatusOK {
			return nil, classifyStatusError(ProviderAnthropic, "", status, anthropicErrorDetail(status, body))
		}

		var page anthropicModelList
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, newTransient(ProviderAnthropic, "", status, errors.Wrap(err, "unmarshal model list"))
		}
		for _, m := range page.Data {
			out = append(out, ListedModel{ID: m.ID})
		}

		if !page.HasMore || page.LastID == "" {
			break
		}
		path = "/v1/models?limit=100&after_id=" + page.LastID
	}

	a.log.Debugw("Listed models", "count", len(out))
	return out, nil
}

func (a *AnthropicAdapter) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return 0, nil, errors.Wrap(err, "create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "send anthropic request")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, anthropicMaxBodySize))
	if err != nil {
		return 0, nil, errors.Wrap(err, "read anthropic response")
	}
	return resp.StatusCode, respBody, nil
}

func anthropicErrorDetail(status int, body []byte) error {
	var errResp anthropicError
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Type != "" {
		return errors.Wrapf(errors.ErrExternal, "anthropic API error (%d): %s - %s",
			status, errResp.Error.Type, errResp.Error.Message)
	}
	return errors.Wrapf(errors.ErrExternal, "anthropic API error (%d): %s", status, truncate(string(body), 512))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
