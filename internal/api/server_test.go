package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/adapters/ai"
	"concierge/internal/api/health"
	"concierge/internal/domain/ai_usage"
	"concierge/internal/domain/routing"
	"concierge/internal/services/registry"
	"concierge/internal/services/router"
	"concierge/internal/services/usage"
	"concierge/internal/workers"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

const adminToken = "s3cret"

type fakeRouter struct {
	got    router.Request
	result *router.Result
	err    error
}

func (f *fakeRouter) Route(_ context.Context, req router.Request) (*router.Result, error) {
	f.got = req
	return f.result, f.err
}

func (f *fakeRouter) Chain(taskType string) ([]routing.ChainEntry, error) {
	if _, err := routing.ParseTaskType(taskType); err != nil {
		return nil, err
	}
	return []routing.ChainEntry{
		{Candidate: routing.Candidate{Provider: "anthropic", Tier: routing.TierQuality}, Model: routing.ModelDescriptor{ModelID: "claude-x", Provider: "anthropic"}},
		{Candidate: routing.Candidate{Provider: "openai", Tier: routing.TierBalanced}, Model: routing.ModelDescriptor{ModelID: "gpt-x", Provider: "openai"}},
	}, nil
}

type fakeReporter struct {
	period    ai_usage.Period
	breakdown *usage.Breakdown
	err       error
}

func (f *fakeReporter) GetUsage(_ context.Context, userID string, period ai_usage.Period) (ai_usage.UsageAggregate, error) {
	f.period = period
	return ai_usage.UsageAggregate{UserID: userID, Period: period.Kind, Calls: 3, TotalCost: decimal.RequireFromString("0.5")}, f.err
}

func (f *fakeReporter) BudgetStatus(_ context.Context, userID string) (*usage.BudgetStatus, error) {
	limit := decimal.NewFromInt(1)
	return &usage.BudgetStatus{UserID: userID, Enforced: true, Limit: &limit, Percent: 50}, f.err
}

func (f *fakeReporter) Summary(context.Context, string) (string, error) {
	return "$0.5000 spent today", f.err
}

func (f *fakeReporter) ProviderBreakdown(_ context.Context, from, to time.Time) (*usage.Breakdown, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.breakdown, nil
}

func (f *fakeReporter) ModelBreakdown(_ context.Context, provider string, _, _ time.Time) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{provider + "-model": decimal.NewFromInt(1)}, f.err
}

type fakeRegistry struct {
	refreshed int
}

func (f *fakeRegistry) Refresh(context.Context) (registry.RefreshReport, error) {
	f.refreshed++
	return f.Snapshot(), nil
}

func (f *fakeRegistry) Snapshot() registry.RefreshReport {
	return registry.RefreshReport{Providers: []registry.ProviderStatus{{Provider: "openai", Models: 2}}}
}

type fakeWorkers map[string]workers.WorkerHealth

func (f fakeWorkers) GetAllHealth() map[string]workers.WorkerHealth { return f }

type harness struct {
	router   *fakeRouter
	reporter *fakeReporter
	registry *fakeRegistry
	handler  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()
	h := &harness{
		router:   &fakeRouter{},
		reporter: &fakeReporter{},
		registry: &fakeRegistry{},
	}
	handlers := NewHandlers(h.router, h.reporter, h.registry, fakeWorkers{
		"registry_refresh": {Enabled: true, RunCount: 2},
	}, log)
	h.handler = NewMux(ServerConfig{
		ServiceName: "concierge",
		Version:     "test",
		AdminToken:  adminToken,
		Middlewares: []Middleware{RequestLogging(log)},
	}, health.New(log, "concierge", "test"), handlers, log)
	return h
}

func (h *harness) do(method, path, body string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

func TestRoute_Success(t *testing.T) {
	h := newHarness(t)
	h.router.result = &router.Result{
		Text:         "ok",
		ProviderUsed: "anthropic",
		ModelUsed:    "claude-x",
		CostRecordID: "rec-1",
		Cost:         decimal.RequireFromString("0.00096"),
		Attempts:     1,
	}

	rec := h.do(http.MethodPost, "/v1/route",
		`{"task_type":"code-generation","user_id":"u1","prompt":{"user":"write a func"},"parameters":{"max_tokens":256}}`, false)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "code-generation", h.router.got.TaskType)
	assert.Equal(t, "write a func", h.router.got.Prompt.User)
	assert.Equal(t, 256, h.router.got.Parameters.MaxTokens)

	var res map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "anthropic", res["provider_used"])
	assert.Equal(t, "0.00096", res["cost_usd"])
}

func TestRoute_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"classification", errors.Wrap(errors.ErrClassification, "unknown task type"), http.StatusBadRequest, "classification_error"},
		{"validation", errors.NewValidationError("user_id", "required", ""), http.StatusBadRequest, "invalid_input"},
		{"budget", &ai_usage.BudgetExceededError{UserID: "u1", Spent: decimal.NewFromInt(2), Limit: decimal.NewFromInt(1)}, http.StatusPaymentRequired, "budget_exceeded"},
		{"exhausted", &router.ExhaustedError{
			TaskType: routing.TaskCodeGeneration,
			Attempts: []router.AttemptFailure{
				{Provider: "anthropic", Model: "claude-x", Kind: ai.KindTransient, StatusCode: 503, Reason: "overloaded"},
				{Provider: "openai", Model: "gpt-x", Kind: ai.KindFatal, StatusCode: 401, Reason: "bad key"},
			},
			CostRecordID: "rec-9",
		}, http.StatusBadGateway, "exhausted"},
		{"unavailable", errors.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.router.err = tt.err

			rec := h.do(http.MethodPost, "/v1/route", `{"task_type":"code-generation","user_id":"u1","prompt":{"user":"x"}}`, false)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestRoute_ExhaustedDetails(t *testing.T) {
	h := newHarness(t)
	h.router.err = &router.ExhaustedError{
		TaskType: routing.TaskCodeGeneration,
		Attempts: []router.AttemptFailure{
			{Provider: "anthropic", Model: "claude-x", Kind: ai.KindTransient, StatusCode: 503, Reason: "overloaded"},
			{Provider: "openai", Model: "gpt-x", Kind: ai.KindTransient, Reason: "timeout"},
		},
		CostRecordID: "rec-9",
	}

	rec := h.do(http.MethodPost, "/v1/route", `{"task_type":"code-generation","user_id":"u1","prompt":{"user":"x"}}`, false)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var body struct {
		Error struct {
			Details exhaustedDetails `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"anthropic", "openai"}, body.Error.Details.ProvidersTried)
	assert.Len(t, body.Error.Details.Attempts, 2)
	assert.Equal(t, 503, body.Error.Details.Attempts[0].StatusCode)
	assert.Equal(t, "rec-9", body.Error.Details.CostRecordID)
}

func TestRoute_BadBody(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/route", ``, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/v1/route", `{"task_type":"code-generation","unknown":1}`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/v1/route", ``, false)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUsage(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/v1/users/u1/usage?period=month&at=2026-05-04T10:00:00Z", "", false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ai_usage.PeriodMonth, h.reporter.period.Kind)
	assert.Equal(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), h.reporter.period.At)

	var agg ai_usage.UsageAggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, "u1", agg.UserID)
	assert.Equal(t, 3, agg.Calls)

	rec = h.do(http.MethodGet, "/v1/users/u1/usage", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ai_usage.PeriodDay, h.reporter.period.Kind)
	assert.True(t, h.reporter.period.At.IsZero())

	rec = h.do(http.MethodGet, "/v1/users/u1/usage?period=week", "", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/v1/users/u1/usage?at=yesterday", "", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBudget(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/v1/users/u1/budget", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u1", body["user_id"])
	assert.Equal(t, true, body["enforced"])
	assert.Equal(t, "$0.5000 spent today", body["summary"])
}

func TestAdmin_RequiresToken(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/v1/admin/registry", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/registry", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/v1/admin/registry", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	log := logger.NewNop()
	handler := NewMux(ServerConfig{}, health.New(log, "concierge", "test"),
		NewHandlers(&fakeRouter{}, &fakeReporter{}, &fakeRegistry{}, nil, log), log)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/workers", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Registry(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/admin/registry/refresh", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.registry.refreshed)

	var report registry.RefreshReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Providers, 1)
	assert.Equal(t, 2, report.Providers[0].Models)
}

func TestAdmin_Chain(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/v1/admin/chain/code-generation", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TaskType string           `json:"task_type"`
		Chain    []chainEntryView `json:"chain"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Chain, 2)
	assert.Equal(t, 1, body.Chain[0].Position)
	assert.Equal(t, "anthropic", body.Chain[0].Provider)
	assert.Equal(t, "gpt-x", body.Chain[1].Model.ModelID)

	rec = h.do(http.MethodGet, "/v1/admin/chain/poetry", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_Breakdown(t *testing.T) {
	h := newHarness(t)
	h.reporter.breakdown = &usage.Breakdown{
		ByProvider: map[string]decimal.Decimal{"openai": decimal.NewFromInt(3)},
		Total:      decimal.NewFromInt(3),
	}

	rec := h.do(http.MethodGet, "/v1/admin/usage/breakdown?from=2026-05-01T00:00:00Z&to=2026-05-02T00:00:00Z", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"total_usd":"3"`)

	rec = h.do(http.MethodGet, "/v1/admin/usage/breakdown?provider=openai", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openai-model")

	rec = h.do(http.MethodGet, "/v1/admin/usage/breakdown?from=bad", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.reporter.err = errors.Wrap(errors.ErrUnavailable, "analytics mirror is not configured")
	rec = h.do(http.MethodGet, "/v1/admin/usage/breakdown", "", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin_Workers(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/v1/admin/workers", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "registry_refresh")
}

func TestProbesAndRoot(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/live", "", false).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/ready", "", false).Code)

	rec := h.do(http.MethodGet, "/", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"concierge"`)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/nope", "", false).Code)
}
