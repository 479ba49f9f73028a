package ai

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"

	"concierge/pkg/errors"
)

// ErrorKind tells the router whether a later candidate can plausibly succeed
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindFatal     ErrorKind = "fatal"
)

// AdapterError is the only error type adapters return from Invoke and ListModels
type AdapterError struct {
	Kind       ErrorKind
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *AdapterError) Error() string {
	target := e.Provider
	if e.Model != "" {
		target = e.Provider + "/" + e.Model
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (%d): %v", target, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", target, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause
func (e *AdapterError) Unwrap() []error {
	sentinel := errors.ErrAdapterTransient
	if e.Kind == KindFatal {
		sentinel = errors.ErrAdapterFatal
	}
	return []error{sentinel, e.Err}
}

func (e *AdapterError) Transient() bool { return e.Kind == KindTransient }

func newTransient(provider, model string, status int, err error) *AdapterError {
	return &AdapterError{Kind: KindTransient, Provider: provider, Model: model, StatusCode: status, Err: err}
}

func newFatal(provider, model string, status int, err error) *AdapterError {
	return &AdapterError{Kind: KindFatal, Provider: provider, Model: model, StatusCode: status, Err: err}
}

// checkUsage rejects provider-reported token counts that cannot be billed.
// The call is treated as malformed output so the next candidate gets a turn.
func checkUsage(provider, model string, inputTokens, outputTokens int) *AdapterError {
	if inputTokens < 0 || outputTokens < 0 {
		return newTransient(provider, model, 0,
			errors.Newf("malformed usage: input_tokens=%d output_tokens=%d", inputTokens, outputTokens))
	}
	return nil
}

// ClassifyStatus maps an HTTP status from a provider to an error kind.
// 408, 409, 425, 429 and 5xx can succeed later; other 4xx will not.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return KindTransient
	case status >= 400:
		return KindFatal
	default:
		return KindTransient
	}
}

// classifyStatusError builds an AdapterError from a non-2xx response
func classifyStatusError(provider, model string, status int, err error) *AdapterError {
	if ClassifyStatus(status) == KindFatal {
		return newFatal(provider, model, status, err)
	}
	return newTransient(provider, model, status, err)
}

// classifyTransportError handles failures where no HTTP status is available:
// deadlines, cancellations, network errors and limiter waits are all transient.
func classifyTransportError(provider, model string, err error) *AdapterError {
	var adapterErr *AdapterError
	if stderrors.As(err, &adapterErr) {
		return adapterErr
	}

	var rateErr *RateLimitError
	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return newTransient(provider, model, 0, errors.Wrap(errors.ErrTimeout, err.Error()))
	case stderrors.Is(err, context.Canceled):
		return newTransient(provider, model, 0, err)
	case stderrors.As(err, &rateErr):
		return newTransient(provider, model, http.StatusTooManyRequests, err)
	case stderrors.As(err, &netErr):
		return newTransient(provider, model, 0, fmt.Errorf("%w: %w", errors.ErrUnavailable, err))
	default:
		return newTransient(provider, model, 0, err)
	}
}

// AsAdapterError unwraps err into an AdapterError, classifying unknown errors as transient
func AsAdapterError(provider, model string, err error) *AdapterError {
	if err == nil {
		return nil
	}
	return classifyTransportError(provider, model, err)
}

// IsFatal reports whether err is a fatal adapter error
func IsFatal(err error) bool {
	return errors.Is(err, errors.ErrAdapterFatal)
}

// IsTransient reports whether err is a transient adapter error
func IsTransient(err error) bool {
	return errors.Is(err, errors.ErrAdapterTransient)
}
