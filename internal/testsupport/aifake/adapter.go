// Package aifake provides scripted provider adapters for router and API tests.
package aifake

import (
	"context"
	"sync"
	"time"

	"concierge/internal/adapters/ai"
	"concierge/pkg/errors"
)

var _ ai.Adapter = (*Adapter)(nil)

// Handler produces the outcome of one invocation
type Handler func(ctx context.Context, model string, prompt ai.Prompt) (*ai.Response, error)

// Call is one recorded invocation
type Call struct {
	Model   string
	Prompt  ai.Prompt
	Params  ai.Parameters
	Timeout time.Duration
}

// Adapter is a scriptable ai.Adapter. Handler defaults to Succeed("ok", 10, 5).
type Adapter struct {
	Name    string
	Models  []string
	ListErr error
	Handler Handler

	mu    sync.Mutex
	calls []Call
}

// New creates an adapter listing the given models
func New(provider string, handler Handler, models ...string) *Adapter {
	return &Adapter{Name: provider, Models: models, Handler: handler}
}

func (a *Adapter) Provider() string { return a.Name }

func (a *Adapter) Invoke(ctx context.Context, model string, prompt ai.Prompt, params ai.Parameters, timeout time.Duration) (*ai.Response, error) {
	a.mu.Lock()
	a.calls = append(a.calls, Call{Model: model, Prompt: prompt, Params: params, Timeout: timeout})
	handler := a.Handler
	a.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if handler == nil {
		handler = Succeed("ok", 10, 5)
	}
	return handler(ctx, model, prompt)
}

func (a *Adapter) ListModels(ctx context.Context) ([]ai.ListedModel, error) {
	if a.ListErr != nil {
		return nil, a.ListErr
	}
	out := make([]ai.ListedModel, 0, len(a.Models))
	for _, m := range a.Models {
		out = append(out, ai.ListedModel{ID: m})
	}
	return out, nil
}

// Calls returns a copy of recorded invocations
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// CallCount returns the number of invocations so far
func (a *Adapter) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// Succeed returns a fixed completion
func Succeed(text string, inputTokens, outputTokens int) Handler {
	return func(_ context.Context, model string, _ ai.Prompt) (*ai.Response, error) {
		return &ai.Response{
			Text:         text,
			Model:        model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			FinishReason: "stop",
		}, nil
	}
}

// FailTransient fails every call with a retryable 503
func FailTransient(provider string) Handler {
	return func(_ context.Context, model string, _ ai.Prompt) (*ai.Response, error) {
		return nil, &ai.AdapterError{
			Kind:       ai.KindTransient,
			Provider:   provider,
			Model:      model,
			StatusCode: 503,
			Err:        errors.New("service unavailable"),
		}
	}
}

// FailFatal fails every call with a non-retryable 401
func FailFatal(provider string) Handler {
	return func(_ context.Context, model string, _ ai.Prompt) (*ai.Response, error) {
		return nil, &ai.AdapterError{
			Kind:       ai.KindFatal,
			Provider:   provider,
			Model:      model,
			StatusCode: 401,
			Err:        errors.New("invalid api key"),
		}
	}
}

// Block waits until the call's context ends and reports it as a transient timeout
func Block(provider string) Handler {
	return func(ctx context.Context, model string, _ ai.Prompt) (*ai.Response, error) {
		<-ctx.Done()
		return nil, &ai.AdapterError{
			Kind:     ai.KindTransient,
			Provider: provider,
			Model:    model,
			Err:      errors.Wrap(errors.ErrTimeout, ctx.Err().Error()),
		}
	}
}

// Sequence plays handlers in order, repeating the last one
func Sequence(handlers ...Handler) Handler {
	var (
		mu sync.Mutex
		i  int
	)
	return func(ctx context.Context, model string, prompt ai.Prompt) (*ai.Response, error) {
		mu.Lock()
		h := handlers[i]
		if i < len(handlers)-1 {
			i++
		}
		mu.Unlock()
		return h(ctx, model, prompt)
	}
}
