package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"concierge/internal/domain/ai_usage"
	"concierge/internal/domain/routing"
	"concierge/internal/services/registry"
	"concierge/internal/services/router"
	"concierge/internal/services/usage"
	"concierge/internal/workers"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

const maxRequestBody = 1 << 20

// Router is the fallback router as seen by the HTTP layer
type Router interface {
	Route(ctx context.Context, req router.Request) (*router.Result, error)
	Chain(taskType string) ([]routing.ChainEntry, error)
}

// Reporter answers usage queries
type Reporter interface {
	GetUsage(ctx context.Context, userID string, period ai_usage.Period) (ai_usage.UsageAggregate, error)
	BudgetStatus(ctx context.Context, userID string) (*usage.BudgetStatus, error)
	Summary(ctx context.Context, userID string) (string, error)
	ProviderBreakdown(ctx context.Context, from, to time.Time) (*usage.Breakdown, error)
	ModelBreakdown(ctx context.Context, provider string, from, to time.Time) (map[string]decimal.Decimal, error)
}

// Registry exposes the model catalog to operators
type Registry interface {
	Refresh(ctx context.Context) (registry.RefreshReport, error)
	Snapshot() registry.RefreshReport
}

// WorkerHealth reports background job status
type WorkerHealth interface {
	GetAllHealth() map[string]workers.WorkerHealth
}

// Handlers serves the broker's REST surface
type Handlers struct {
	router   Router
	reporter Reporter
	registry Registry
	workers  WorkerHealth
	log      *logger.Logger
}

// NewHandlers creates the REST handlers. workers may be nil.
func NewHandlers(rt Router, reporter Reporter, reg Registry, wh WorkerHealth, log *logger.Logger) *Handlers {
	return &Handlers{
		router:   rt,
		reporter: reporter,
		registry: reg,
		workers:  wh,
		log:      log.With("component", "api"),
	}
}

// HandleRoute dispatches one prompt through the fallback chain
func (h *Handlers) HandleRoute(w http.ResponseWriter, r *http.Request) {
	var req router.Request
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			writeError(w, r, h.log, errors.NewValidationError("body", "request body is empty", nil))
			return
		}
		writeError(w, r, h.log, errors.NewValidationError("body", err.Error(), nil))
		return
	}

	res, err := h.router.Route(r.Context(), req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleUsage returns a user's aggregate for ?period=day|month&at=RFC3339
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	q := r.URL.Query()

	var at time.Time
	if raw := q.Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, h.log, errors.NewValidationError("at", "must be RFC3339", raw))
			return
		}
		at = parsed
	}

	kind := q.Get("period")
	if kind == "" {
		kind = string(ai_usage.PeriodDay)
	}
	period, err := ai_usage.ParsePeriod(kind, at)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	agg, err := h.reporter.GetUsage(r.Context(), userID, period)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

type budgetResponse struct {
	*usage.BudgetStatus
	Summary string `json:"summary"`
}

// HandleBudget returns today's spend against the daily cap
func (h *Handlers) HandleBudget(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	status, err := h.reporter.BudgetStatus(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	summary, err := h.reporter.Summary(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, budgetResponse{BudgetStatus: status, Summary: summary})
}

// HandleBreakdown returns fleet-wide spend by provider and task for ?from&to.
// With ?provider= it returns that provider's per-model split instead.
func (h *Handlers) HandleBreakdown(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if raw := q.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, h.log, errors.NewValidationError("from", "must be RFC3339", raw))
			return
		}
		from = parsed
	}
	if raw := q.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, h.log, errors.NewValidationError("to", "must be RFC3339", raw))
			return
		}
		to = parsed
	}

	if provider := q.Get("provider"); provider != "" {
		models, err := h.reporter.ModelBreakdown(r.Context(), provider, from, to)
		if err != nil {
			writeError(w, r, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"provider": provider,
			"from":     from,
			"to":       to,
			"models":   models,
		})
		return
	}

	b, err := h.reporter.ProviderBreakdown(r.Context(), from, to)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// HandleRegistrySnapshot returns the current model catalog
func (h *Handlers) HandleRegistrySnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

// HandleRegistryRefresh forces a catalog rebuild
func (h *Handlers) HandleRegistryRefresh(w http.ResponseWriter, r *http.Request) {
	report, err := h.registry.Refresh(r.Context())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	h.log.Infow("Registry refreshed via admin API", "providers", len(report.Providers))
	writeJSON(w, http.StatusOK, report)
}

type chainEntryView struct {
	Position int                     `json:"position"`
	Provider string                  `json:"provider"`
	Tier     routing.Tier            `json:"tier"`
	Model    routing.ModelDescriptor `json:"model"`
}

// HandleChain previews the fallback chain for a task type
func (h *Handlers) HandleChain(w http.ResponseWriter, r *http.Request) {
	task := r.PathValue("taskType")
	entries, err := h.router.Chain(task)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	views := make([]chainEntryView, 0, len(entries))
	for i, e := range entries {
		views = append(views, chainEntryView{
			Position: i + 1,
			Provider: e.Candidate.Provider,
			Tier:     e.Candidate.Tier,
			Model:    e.Model,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_type": task,
		"chain":     views,
	})
}

// HandleWorkers lists background worker health
func (h *Handlers) HandleWorkers(w http.ResponseWriter, r *http.Request) {
	if h.workers == nil {
		writeJSON(w, http.StatusOK, map[string]workers.WorkerHealth{})
		return
	}
	writeJSON(w, http.StatusOK, h.workers.GetAllHealth())
}
