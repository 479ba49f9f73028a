package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"concierge/internal/adapters/ai"
	"concierge/internal/domain/ai_usage"
	"concierge/internal/domain/routing"
	"concierge/internal/metrics"
	"concierge/internal/services/matrix"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// ModelResolver maps a candidate to a concrete model
type ModelResolver interface {
	Resolve(provider string, tier routing.Tier) (routing.ModelDescriptor, error)
}

// Ledger is the accounting side the router writes to
type Ledger interface {
	Record(ctx context.Context, rec ai_usage.CostRecord) (string, error)
	CheckBudget(ctx context.Context, userID string) error
}

// Config bounds a single request
type Config struct {
	CallTimeout     time.Duration
	RequestDeadline time.Duration
	MaxChainLength  int
}

// Request is one routing call
type Request struct {
	TaskType   string        `json:"task_type"`
	Prompt     ai.Prompt     `json:"prompt"`
	UserID     string        `json:"user_id"`
	Parameters ai.Parameters `json:"parameters"`
}

// Result is a successful routing outcome
type Result struct {
	Text         string          `json:"text"`
	ProviderUsed string          `json:"provider_used"`
	ModelUsed    string          `json:"model_used"`
	CostRecordID string          `json:"cost_record_id"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost_usd"`
	Attempts     int             `json:"attempts"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// Router builds a fallback chain per request and walks it until one provider answers
type Router struct {
	matrix   *matrix.Holder
	registry ModelResolver
	adapters ai.AdapterSet
	ledger   Ledger
	tracker  errors.Tracker
	cfg      Config
	now      func() time.Time
	log      *logger.Logger
}

// New creates a router. tracker may be nil.
func New(m *matrix.Holder, registry ModelResolver, adapters ai.AdapterSet, ledger Ledger, tracker errors.Tracker, cfg Config, log *logger.Logger) *Router {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 90 * time.Second
	}
	if cfg.MaxChainLength <= 0 {
		cfg.MaxChainLength = 3
	}

	return &Router{
		matrix:   m,
		registry: registry,
		adapters: adapters,
		ledger:   ledger,
		tracker:  tracker,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With("component", "router"),
	}
}

// Route classifies the task, enforces the budget, then runs the fallback state
// machine. Exactly one cost record is written for every request that reaches a
// provider chain, whether it succeeds or exhausts.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	started := r.now()

	task, err := routing.ParseTaskType(req.TaskType)
	if err != nil {
		metrics.RecordRoute("unknown", "classification_error", time.Since(started))
		return nil, err
	}
	if req.UserID == "" {
		return nil, errors.NewValidationError("user_id", "required", req.UserID)
	}
	if req.Prompt.User == "" {
		return nil, errors.NewValidationError("prompt.user", "required", "")
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestDeadline)
	defer cancel()

	if err := r.ledger.CheckBudget(ctx, req.UserID); err != nil {
		if errors.Is(err, errors.ErrBudgetExceeded) {
			metrics.RecordRoute(task.String(), "budget_exceeded", time.Since(started))
			r.log.Infow("Request rejected by daily budget", "user_id", req.UserID, "error", err)
			return nil, err
		}
		// a ledger read outage must not take routing down with it
		r.log.Errorw("Budget check failed, allowing request", "user_id", req.UserID, "error", err)
	}

	if r.tracker != nil {
		r.tracker.SetUser(ctx, req.UserID, "", "")
	}

	chain, err := r.buildChain(task)
	if err != nil {
		metrics.RecordRoute(task.String(), "classification_error", time.Since(started))
		return nil, err
	}

	run := &attemptRun{
		req:      req,
		task:     task,
		chain:    chain,
		excluded: make(map[string]struct{}),
		started:  started,
	}

	st := stateAttempt
	for {
		switch st {
		case stateAttempt:
			st = r.attempt(ctx, run)
		case stateDone:
			return r.finishSuccess(ctx, run)
		case stateExhausted:
			return nil, r.finishExhausted(ctx, run)
		}
	}
}

type state int

const (
	stateAttempt state = iota
	stateDone
	stateExhausted
)

// attemptRun is the request-scoped state of one chain walk
type attemptRun struct {
	req      Request
	task     routing.TaskType
	chain    []routing.ChainEntry
	next     int
	excluded map[string]struct{}
	failures []AttemptFailure
	aborted  error
	started  time.Time

	used     routing.ChainEntry
	response *ai.Response
}

// pop returns the next candidate whose provider has not failed fatally
func (run *attemptRun) pop() (routing.ChainEntry, bool) {
	for run.next < len(run.chain) {
		entry := run.chain[run.next]
		run.next++
		if _, skip := run.excluded[entry.Candidate.Provider]; skip {
			metrics.RecordCandidateDropped(entry.Candidate.Provider, "provider_fatal")
			continue
		}
		return entry, true
	}
	return routing.ChainEntry{}, false
}

// attempt invokes the head candidate and returns the next state
func (r *Router) attempt(ctx context.Context, run *attemptRun) state {
	if err := ctx.Err(); err != nil {
		run.aborted = err
		return stateExhausted
	}

	entry, ok := run.pop()
	if !ok {
		return stateExhausted
	}

	timeout := r.cfg.CallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		run.aborted = context.DeadlineExceeded
		return stateExhausted
	}

	provider := entry.Candidate.Provider
	model := entry.Model.ModelID
	adapter, _ := r.adapters.Get(provider)

	callStart := time.Now()
	resp, err := adapter.Invoke(ctx, model, run.req.Prompt, run.req.Parameters, timeout)
	latency := time.Since(callStart)

	if err == nil && resp == nil {
		err = &ai.AdapterError{Kind: ai.KindTransient, Provider: provider, Model: model, Err: errors.New("adapter returned no response")}
	}
	if err == nil && (resp.InputTokens < 0 || resp.OutputTokens < 0) {
		// usage that cannot be billed is malformed output
		err = &ai.AdapterError{Kind: ai.KindTransient, Provider: provider, Model: model,
			Err: errors.Newf("malformed usage: input_tokens=%d output_tokens=%d", resp.InputTokens, resp.OutputTokens)}
	}

	if err == nil {
		metrics.RecordAdapterAttempt(provider, model, "success", latency)
		run.used = entry
		run.response = resp
		return stateDone
	}

	adapterErr := ai.AsAdapterError(provider, model, err)
	failure := failureFrom(entry, adapterErr)
	run.failures = append(run.failures, failure)
	metrics.RecordAdapterAttempt(provider, model, string(adapterErr.Kind), latency)

	if adapterErr.Kind == ai.KindFatal {
		run.excluded[provider] = struct{}{}
	}

	r.log.Warnw("Candidate failed",
		"task_type", run.task,
		"provider", provider,
		"model", model,
		"kind", adapterErr.Kind,
		"status", adapterErr.StatusCode,
		"latency", latency,
		"error", failure.Reason,
	)
	if r.tracker != nil {
		r.tracker.AddBreadcrumb(ctx, failure.String(), "router", errors.LevelWarning, map[string]interface{}{
			"provider": provider,
			"model":    model,
			"kind":     string(adapterErr.Kind),
		})
	}

	return stateAttempt
}

func (r *Router) finishSuccess(ctx context.Context, run *attemptRun) (*Result, error) {
	resp := run.response
	md := run.used.Model
	cost := md.Cost(resp.InputTokens, resp.OutputTokens)
	attempts := len(run.failures) + 1

	rec := ai_usage.CostRecord{
		ID:           uuid.NewString(),
		UserID:       run.req.UserID,
		Timestamp:    r.now(),
		TaskType:     run.task.String(),
		Provider:     md.Provider,
		ModelID:      md.ModelID,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Cost:         cost,
		Outcome:      ai_usage.OutcomeSuccess,
		Attempts:     attempts,
		LatencyMs:    time.Since(run.started).Milliseconds(),
	}
	if len(run.failures) > 0 {
		rec.ErrorSummary = truncate((&ExhaustedError{TaskType: run.task, Attempts: run.failures}).Error(), 1000)
	}

	recordID := r.record(ctx, rec)

	metrics.RecordRoute(run.task.String(), "success", time.Since(run.started))
	r.log.Infow("Request routed",
		"task_type", run.task,
		"user_id", run.req.UserID,
		"provider", md.Provider,
		"model", md.ModelID,
		"attempts", attempts,
		"cost_usd", cost.String(),
	)

	return &Result{
		Text:         resp.Text,
		ProviderUsed: md.Provider,
		ModelUsed:    md.ModelID,
		CostRecordID: recordID,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Cost:         cost,
		Attempts:     attempts,
		FinishReason: resp.FinishReason,
	}, nil
}

func (r *Router) finishExhausted(ctx context.Context, run *attemptRun) error {
	exhausted := &ExhaustedError{TaskType: run.task, Attempts: run.failures}
	if run.aborted != nil {
		exhausted.Aborted = run.aborted.Error()
	}

	rec := ai_usage.CostRecord{
		ID:           uuid.NewString(),
		UserID:       run.req.UserID,
		Timestamp:    r.now(),
		TaskType:     run.task.String(),
		Cost:         decimal.Zero,
		Outcome:      ai_usage.OutcomeFailure,
		Attempts:     len(run.failures),
		LatencyMs:    time.Since(run.started).Milliseconds(),
		ErrorSummary: truncate(exhausted.Error(), 1000),
	}
	exhausted.CostRecordID = r.record(ctx, rec)

	metrics.RecordRoute(run.task.String(), "exhausted", time.Since(run.started))
	r.log.Warnw("All candidates failed",
		"task_type", run.task,
		"user_id", run.req.UserID,
		"providers", exhausted.ProvidersTried(),
		"aborted", exhausted.Aborted,
	)

	return exhausted
}

// record writes through the ledger. A write failure never fails the request;
// the ledger has already queued the record for retry.
func (r *Router) record(ctx context.Context, rec ai_usage.CostRecord) string {
	id, err := r.ledger.Record(context.WithoutCancel(ctx), rec)
	if err != nil {
		r.log.ErrorWithContext(ctx, err, map[string]string{
			"component": "router",
			"user_id":   rec.UserID,
			"record_id": rec.ID,
		})
	}
	return id
}

// buildChain resolves matrix candidates into a deduplicated, capped chain.
// Candidates without an adapter or a resolvable model are dropped for this request.
func (r *Router) buildChain(task routing.TaskType) ([]routing.ChainEntry, error) {
	candidates, err := r.matrix.Load().Candidates(task)
	if err != nil {
		return nil, err
	}

	chain := make([]routing.ChainEntry, 0, r.cfg.MaxChainLength)
	seen := make(map[string]struct{}, len(candidates))

	for _, c := range candidates {
		if _, ok := r.adapters.Get(c.Provider); !ok {
			metrics.RecordCandidateDropped(c.Provider, "no_adapter")
			continue
		}

		md, err := r.registry.Resolve(c.Provider, c.Tier)
		if err != nil {
			metrics.RecordCandidateDropped(c.Provider, "unresolved")
			r.log.Debugw("Candidate dropped", "task_type", task, "candidate", c.String(), "error", err)
			continue
		}

		key := c.Provider + "/" + md.ModelID
		if _, dup := seen[key]; dup {
			metrics.RecordCandidateDropped(c.Provider, "duplicate")
			continue
		}

		if len(chain) >= r.cfg.MaxChainLength {
			metrics.RecordCandidateDropped(c.Provider, "chain_cap")
			continue
		}

		seen[key] = struct{}{}
		chain = append(chain, routing.ChainEntry{Candidate: c, Model: md})
	}

	return chain, nil
}

// Chain exposes the chain a task would use right now, for the admin API
func (r *Router) Chain(taskType string) ([]routing.ChainEntry, error) {
	task, err := routing.ParseTaskType(taskType)
	if err != nil {
		return nil, err
	}
	return r.buildChain(task)
}
