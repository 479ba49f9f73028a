package router

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/adapters/ai"
	"concierge/internal/adapters/errors/noop"
	"concierge/internal/domain/ai_usage"
	"concierge/internal/domain/routing"
	"concierge/internal/repository/memory"
	usagesvc "concierge/internal/services/ai_usage"
	"concierge/internal/services/matrix"
	"concierge/internal/testsupport"
	"concierge/internal/testsupport/aifake"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

var million = decimal.NewFromInt(1_000_000)

// stubResolver resolves from a fixed provider/tier map
type stubResolver map[string]routing.ModelDescriptor

func (s stubResolver) Resolve(provider string, tier routing.Tier) (routing.ModelDescriptor, error) {
	md, ok := s[provider+"/"+string(tier)]
	if !ok {
		return routing.ModelDescriptor{}, errors.Wrapf(errors.ErrRegistryUnresolved, "%s/%s", provider, tier)
	}
	return md, nil
}

func (s stubResolver) add(provider string, tier routing.Tier, model, inPerMillion, outPerMillion string) stubResolver {
	s[provider+"/"+string(tier)] = routing.ModelDescriptor{
		ModelID:            model,
		Provider:           provider,
		Tier:               tier,
		ContextWindow:      128000,
		CostPerInputToken:  decimal.RequireFromString(inPerMillion).Div(million),
		CostPerOutputToken: decimal.RequireFromString(outPerMillion).Div(million),
		LastVerified:       time.Now(),
	}
	return s
}

type harness struct {
	router   *Router
	repo     *memory.CostRecordRepository
	ledger   *usagesvc.Ledger
	tracker  *noop.Tracker
	adapters map[string]*aifake.Adapter
}

type row struct {
	provider string
	tier     routing.Tier
	priority int
}

func newHarness(t *testing.T, rows []row, resolver ModelResolver, adapters []*aifake.Adapter, cfg Config, budget string) *harness {
	t.Helper()

	caps := make([]routing.ProviderCapability, 0, len(rows))
	for _, r := range rows {
		caps = append(caps, routing.NewProviderCapability(r.provider, r.tier, r.priority, true, routing.AllTaskTypes()...))
	}
	m, err := matrix.New(caps, nil, nil)
	require.NoError(t, err)

	set := make([]ai.Adapter, 0, len(adapters))
	byName := make(map[string]*aifake.Adapter, len(adapters))
	for _, a := range adapters {
		set = append(set, a)
		byName[a.Name] = a
	}

	ledgerCfg := usagesvc.Config{WriteTimeout: time.Second, RetryQueueSize: 16}
	if budget != "" {
		b := decimal.RequireFromString(budget)
		ledgerCfg.DailyBudget = &b
	}
	repo := memory.NewCostRecordRepository()
	tracker := noop.New()
	ledger := usagesvc.NewLedger(repo, nil, tracker, ledgerCfg, logger.NewNop())

	r := New(matrix.NewHolder(m), resolver, ai.NewAdapterSet(set...), ledger, tracker, cfg, logger.NewNop())

	return &harness{router: r, repo: repo, ledger: ledger, tracker: tracker, adapters: byName}
}

func request(user string) Request {
	return Request{
		TaskType: string(routing.TaskCodeGeneration),
		Prompt:   ai.Prompt{System: "You write Go.", User: "Write a binary search."},
		UserID:   user,
	}
}

func recordsWith(repo *memory.CostRecordRepository, outcome ai_usage.Outcome) []ai_usage.CostRecord {
	var out []ai_usage.CostRecord
	for _, r := range repo.All() {
		if r.Outcome == outcome {
			out = append(out, r)
		}
	}
	return out
}

func TestRouter_TransientFailuresFallThroughToLastCandidate(t *testing.T) {
	resolver := stubResolver{}.
		add("a", routing.TierQuality, "a-large", "3", "15").
		add("b", routing.TierQuality, "b-large", "2", "8").
		add("c", routing.TierBalanced, "c-mid", "1", "2")

	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}, {"b", routing.TierQuality, 2}, {"c", routing.TierBalanced, 1}},
		resolver,
		[]*aifake.Adapter{
			aifake.New("a", aifake.FailTransient("a")),
			aifake.New("b", aifake.FailTransient("b")),
			aifake.New("c", aifake.Succeed("done", 100, 10)),
		},
		Config{MaxChainLength: 3},
		"",
	)

	res, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	require.NoError(t, err)

	assert.Equal(t, "done", res.Text)
	assert.Equal(t, "c", res.ProviderUsed)
	assert.Equal(t, "c-mid", res.ModelUsed)
	assert.Equal(t, 3, res.Attempts)

	require.Equal(t, 1, h.repo.Count(), "exactly one record per request")
	rec, err := h.repo.GetByID(context.Background(), res.CostRecordID)
	require.NoError(t, err)
	assert.Equal(t, ai_usage.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.ErrorSummary, "a/a-large")
	assert.Contains(t, rec.ErrorSummary, "b/b-large")

	// two transient failures leave a breadcrumb each
	assert.Len(t, h.tracker.Breadcrumbs(), 2)
}

func TestRouter_AllCandidatesFailWritesOneFailureRecord(t *testing.T) {
	resolver := stubResolver{}.
		add("a", routing.TierQuality, "a-large", "3", "15").
		add("b", routing.TierBalanced, "b-mid", "1", "2")

	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}, {"b", routing.TierBalanced, 1}},
		resolver,
		[]*aifake.Adapter{
			aifake.New("a", aifake.FailTransient("a")),
			aifake.New("b", aifake.FailFatal("b")),
		},
		Config{},
		"",
	)

	user := testsupport.UniqueUserID()
	res, err := h.router.Route(context.Background(), request(user))
	require.Nil(t, res)
	require.ErrorIs(t, err, errors.ErrExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []string{"a", "b"}, exhausted.ProvidersTried())
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, ai.KindTransient, exhausted.Attempts[0].Kind)
	assert.Equal(t, 503, exhausted.Attempts[0].StatusCode)
	assert.Equal(t, ai.KindFatal, exhausted.Attempts[1].Kind)

	require.Equal(t, 1, h.repo.Count())
	failures := recordsWith(h.repo, ai_usage.OutcomeFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, exhausted.CostRecordID, failures[0].ID)
	assert.Empty(t, failures[0].Provider)
	assert.Empty(t, failures[0].ModelID)
	assert.True(t, failures[0].Cost.IsZero())
	assert.Equal(t, user, failures[0].UserID)
}

func TestRouter_NoCandidateInvokedTwice(t *testing.T) {
	// both tiers of "a" resolve to the same model
	resolver := stubResolver{}.
		add("a", routing.TierQuality, "a-only", "3", "15").
		add("a", routing.TierBalanced, "a-only", "3", "15").
		add("b", routing.TierFast, "b-small", "0.1", "0.4")

	h := newHarness(t,
		[]row{
			{"a", routing.TierQuality, 1},
			{"a", routing.TierQuality, 1},
			{"a", routing.TierBalanced, 1},
			{"b", routing.TierFast, 1},
		},
		resolver,
		[]*aifake.Adapter{
			aifake.New("a", aifake.FailTransient("a")),
			aifake.New("b", aifake.FailTransient("b")),
		},
		Config{MaxChainLength: 5},
		"",
	)

	_, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	require.ErrorIs(t, err, errors.ErrExhausted)

	assert.Equal(t, 1, h.adapters["a"].CallCount())
	assert.Equal(t, 1, h.adapters["b"].CallCount())
}

func TestRouter_FatalSkipsSameProviderOnly(t *testing.T) {
	resolver := stubResolver{}.
		add("a", routing.TierQuality, "a-large", "3", "15").
		add("a", routing.TierBalanced, "a-mid", "1", "5").
		add("b", routing.TierBalanced, "b-mid", "1", "2")

	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}, {"a", routing.TierBalanced, 1}, {"b", routing.TierBalanced, 2}},
		resolver,
		[]*aifake.Adapter{
			aifake.New("a", aifake.FailFatal("a")),
			aifake.New("b", aifake.Succeed("from b", 10, 10)),
		},
		Config{MaxChainLength: 3},
		"",
	)

	res, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	require.NoError(t, err)

	assert.Equal(t, "b", res.ProviderUsed)
	assert.Equal(t, 2, res.Attempts)

	calls := h.adapters["a"].Calls()
	require.Len(t, calls, 1, "a is not retried after a fatal error")
	assert.Equal(t, "a-large", calls[0].Model)
	assert.Equal(t, 1, h.adapters["b"].CallCount())
}

func TestRouter_CodeGenerationScenario(t *testing.T) {
	resolver := stubResolver{}.
		add("provider-x", routing.TierQuality, "x-large", "15", "75").
		add("provider-y", routing.TierBalanced, "y-mid", "3", "15")

	h := newHarness(t,
		[]row{{"provider-x", routing.TierQuality, 1}, {"provider-y", routing.TierBalanced, 1}},
		resolver,
		[]*aifake.Adapter{
			aifake.New("provider-x", aifake.FailTransient("provider-x")),
			aifake.New("provider-y", aifake.Succeed("func search() {}", 120, 40)),
		},
		Config{},
		"",
	)

	user := testsupport.UniqueUserID()
	res, err := h.router.Route(context.Background(), request(user))
	require.NoError(t, err)

	assert.Equal(t, "provider-y", res.ProviderUsed)
	assert.Equal(t, "y-mid", res.ModelUsed)

	// 120 * 3/1M + 40 * 15/1M
	want := decimal.RequireFromString("0.00096")
	assert.True(t, res.Cost.Equal(want), "got %s", res.Cost)

	agg, err := h.ledger.Aggregate(context.Background(), user, ai_usage.Day(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Calls)
	assert.True(t, agg.TotalCost.Equal(want), "got %s", agg.TotalCost)
}

func TestRouter_BudgetExceededShortCircuits(t *testing.T) {
	resolver := stubResolver{}.add("a", routing.TierQuality, "a-large", "3", "15")
	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}},
		resolver,
		[]*aifake.Adapter{aifake.New("a", nil)},
		Config{},
		"1.00",
	)

	user := testsupport.UniqueUserID()
	spent := testsupport.NewCostRecordFixture().WithUser(user).WithTimestamp(time.Now()).WithCost("1.00").Build()
	_, err := h.ledger.Record(context.Background(), *spent)
	require.NoError(t, err)

	res, err := h.router.Route(context.Background(), request(user))
	require.Nil(t, res)
	require.ErrorIs(t, err, errors.ErrBudgetExceeded)

	assert.Zero(t, h.adapters["a"].CallCount())
	assert.Equal(t, 1, h.repo.Count(), "no record for a rejected request")
}

func TestRouter_UnknownTaskType(t *testing.T) {
	resolver := stubResolver{}.add("a", routing.TierQuality, "a-large", "3", "15")
	h := newHarness(t, []row{{"a", routing.TierQuality, 1}}, resolver, []*aifake.Adapter{aifake.New("a", nil)}, Config{}, "")

	req := request(testsupport.UniqueUserID())
	req.TaskType = "poetry-slam"

	_, err := h.router.Route(context.Background(), req)
	require.ErrorIs(t, err, errors.ErrClassification)
	assert.Zero(t, h.adapters["a"].CallCount())
	assert.Zero(t, h.repo.Count())
}

func TestRouter_RejectsMissingUserOrPrompt(t *testing.T) {
	resolver := stubResolver{}.add("a", routing.TierQuality, "a-large", "3", "15")
	h := newHarness(t, []row{{"a", routing.TierQuality, 1}}, resolver, []*aifake.Adapter{aifake.New("a", nil)}, Config{}, "")

	_, err := h.router.Route(context.Background(), request(""))
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	req := request(testsupport.UniqueUserID())
	req.Prompt.User = ""
	_, err = h.router.Route(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	assert.Zero(t, h.repo.Count())
}

func TestRouter_UnresolvedCandidateIsDropped(t *testing.T) {
	// "a" has a matrix row but no model in the registry
	resolver := stubResolver{}.add("b", routing.TierBalanced, "b-mid", "1", "2")

	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}, {"b", routing.TierBalanced, 1}},
		resolver,
		[]*aifake.Adapter{aifake.New("a", nil), aifake.New("b", nil)},
		Config{},
		"",
	)

	res, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	require.NoError(t, err)
	assert.Equal(t, "b", res.ProviderUsed)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, h.adapters["a"].CallCount())
}

func TestRouter_EmptyChainStillRecordsFailure(t *testing.T) {
	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}},
		stubResolver{},
		[]*aifake.Adapter{aifake.New("a", nil)},
		Config{},
		"",
	)

	_, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Empty(t, exhausted.Attempts)
	assert.Contains(t, exhausted.Error(), "no provider available")
	assert.Len(t, recordsWith(h.repo, ai_usage.OutcomeFailure), 1)
}

func TestRouter_ChainLengthIsCapped(t *testing.T) {
	resolver := stubResolver{}.
		add("a", routing.TierQuality, "a-large", "3", "15").
		add("b", routing.TierQuality, "b-large", "3", "15").
		add("c", routing.TierBalanced, "c-mid", "1", "2").
		add("d", routing.TierFast, "d-small", "0.1", "0.2")

	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}, {"b", routing.TierQuality, 2}, {"c", routing.TierBalanced, 1}, {"d", routing.TierFast, 1}},
		resolver,
		[]*aifake.Adapter{
			aifake.New("a", aifake.FailTransient("a")),
			aifake.New("b", aifake.FailTransient("b")),
			aifake.New("c", nil),
			aifake.New("d", nil),
		},
		Config{MaxChainLength: 2},
		"",
	)

	_, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	require.ErrorIs(t, err, errors.ErrExhausted)

	assert.Equal(t, 1, h.adapters["a"].CallCount())
	assert.Equal(t, 1, h.adapters["b"].CallCount())
	assert.Zero(t, h.adapters["c"].CallCount())
	assert.Zero(t, h.adapters["d"].CallCount())

	chain, err := h.router.Chain(string(routing.TaskCodeGeneration))
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestRouter_RequestDeadlineAbortsChain(t *testing.T) {
	resolver := stubResolver{}.
		add("a", routing.TierQuality, "a-large", "3", "15").
		add("b", routing.TierBalanced, "b-mid", "1", "2")

	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}, {"b", routing.TierBalanced, 1}},
		resolver,
		[]*aifake.Adapter{
			aifake.New("a", aifake.Block("a")),
			aifake.New("b", nil),
		},
		Config{CallTimeout: 5 * time.Second, RequestDeadline: 50 * time.Millisecond},
		"",
	)

	start := time.Now()
	_, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	elapsed := time.Since(start)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.NotEmpty(t, exhausted.Aborted)
	assert.Less(t, elapsed, 2*time.Second)

	calls := h.adapters["a"].Calls()
	require.Len(t, calls, 1)
	assert.LessOrEqual(t, calls[0].Timeout, 50*time.Millisecond, "per-call timeout is clipped to the request deadline")
	assert.Zero(t, h.adapters["b"].CallCount())

	assert.Len(t, recordsWith(h.repo, ai_usage.OutcomeFailure), 1)
}

func TestRouter_CallTimeoutIsTransient(t *testing.T) {
	resolver := stubResolver{}.
		add("a", routing.TierQuality, "a-large", "3", "15").
		add("b", routing.TierBalanced, "b-mid", "1", "2")

	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}, {"b", routing.TierBalanced, 1}},
		resolver,
		[]*aifake.Adapter{
			aifake.New("a", aifake.Block("a")),
			aifake.New("b", aifake.Succeed("late but fine", 5, 5)),
		},
		Config{CallTimeout: 20 * time.Millisecond, RequestDeadline: 5 * time.Second},
		"",
	)

	res, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	require.NoError(t, err)
	assert.Equal(t, "b", res.ProviderUsed)
}

func TestRouter_CompletedCallRecordedWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := stubResolver{}.add("a", routing.TierQuality, "a-large", "3", "15")
	cancelling := func(c context.Context, model string, p ai.Prompt) (*ai.Response, error) {
		resp, err := aifake.Succeed("answer", 50, 50)(c, model, p)
		cancel()
		return resp, err
	}

	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}},
		resolver,
		[]*aifake.Adapter{aifake.New("a", cancelling)},
		Config{},
		"",
	)

	res, err := h.router.Route(ctx, request(testsupport.UniqueUserID()))
	require.NoError(t, err)
	assert.Equal(t, "answer", res.Text)

	successes := recordsWith(h.repo, ai_usage.OutcomeSuccess)
	require.Len(t, successes, 1)
	assert.Equal(t, res.CostRecordID, successes[0].ID)
}

func TestRouter_LedgerFailureDoesNotFailResponse(t *testing.T) {
	resolver := stubResolver{}.add("a", routing.TierQuality, "a-large", "3", "15")
	h := newHarness(t, []row{{"a", routing.TierQuality, 1}}, resolver, []*aifake.Adapter{aifake.New("a", nil)}, Config{}, "")

	h.repo.FailWith(errors.ErrUnavailable)

	res, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	require.NoError(t, err)
	assert.NotEmpty(t, res.CostRecordID)
	assert.Equal(t, 1, h.ledger.Pending())
	assert.NotEmpty(t, h.tracker.Errors(), "write failure is surfaced to the tracker")
}

func TestRouter_BudgetReadFailureAllowsRequest(t *testing.T) {
	resolver := stubResolver{}.add("a", routing.TierQuality, "a-large", "3", "15")
	h := newHarness(t, []row{{"a", routing.TierQuality, 1}}, resolver, []*aifake.Adapter{aifake.New("a", nil)}, Config{}, "1.00")

	h.repo.FailReadsWith(errors.ErrUnavailable)

	res, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	require.NoError(t, err)
	assert.Equal(t, "a", res.ProviderUsed)
	assert.Equal(t, 1, h.adapters["a"].CallCount())
}

func TestRouter_NegativeUsageIsMalformedOutput(t *testing.T) {
	resolver := stubResolver{}.add("a", routing.TierQuality, "a-large", "3", "15")
	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}},
		resolver,
		[]*aifake.Adapter{aifake.New("a", aifake.Succeed("ok", -5, 7))},
		Config{},
		"",
	)

	res, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	require.Nil(t, res)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 1)
	assert.Equal(t, ai.KindTransient, exhausted.Attempts[0].Kind)
	assert.Contains(t, exhausted.Attempts[0].Reason, "malformed usage")

	failures := recordsWith(h.repo, ai_usage.OutcomeFailure)
	require.Len(t, failures, 1, "the call is still accounted for")
	assert.Equal(t, exhausted.CostRecordID, failures[0].ID)
	assert.Empty(t, recordsWith(h.repo, ai_usage.OutcomeSuccess))
	assert.Zero(t, h.ledger.Pending())
}

func TestRouter_NegativeUsageFallsBackToNextCandidate(t *testing.T) {
	resolver := stubResolver{}.
		add("a", routing.TierQuality, "a-large", "3", "15").
		add("b", routing.TierBalanced, "b-mid", "1", "2")

	h := newHarness(t,
		[]row{{"a", routing.TierQuality, 1}, {"b", routing.TierBalanced, 1}},
		resolver,
		[]*aifake.Adapter{
			aifake.New("a", aifake.Succeed("bad usage", 10, -1)),
			aifake.New("b", aifake.Succeed("fine", 10, 2)),
		},
		Config{},
		"",
	)

	res, err := h.router.Route(context.Background(), request(testsupport.UniqueUserID()))
	require.NoError(t, err)
	assert.Equal(t, "b", res.ProviderUsed)
	assert.Equal(t, 2, res.Attempts)

	successes := recordsWith(h.repo, ai_usage.OutcomeSuccess)
	require.Len(t, successes, 1)
	assert.Equal(t, res.CostRecordID, successes[0].ID)
	assert.False(t, successes[0].Cost.IsNegative())
}

// slowBudgetLedger blocks budget reads until the caller's context ends
type slowBudgetLedger struct {
	*usagesvc.Ledger
	hadDeadline bool
}

func (l *slowBudgetLedger) CheckBudget(ctx context.Context, _ string) error {
	_, l.hadDeadline = ctx.Deadline()
	<-ctx.Done()
	return ctx.Err()
}

func TestRouter_BudgetCheckIsBoundedByRequestDeadline(t *testing.T) {
	resolver := stubResolver{}.add("a", routing.TierQuality, "a-large", "3", "15")
	h := newHarness(t, []row{{"a", routing.TierQuality, 1}}, resolver, []*aifake.Adapter{aifake.New("a", nil)}, Config{}, "")

	m, err := matrix.New([]routing.ProviderCapability{
		routing.NewProviderCapability("a", routing.TierQuality, 1, true, routing.AllTaskTypes()...),
	}, nil, nil)
	require.NoError(t, err)

	slow := &slowBudgetLedger{Ledger: h.ledger}
	r := New(matrix.NewHolder(m), resolver, ai.NewAdapterSet(h.adapters["a"]), slow, h.tracker,
		Config{RequestDeadline: 50 * time.Millisecond}, logger.NewNop())

	start := time.Now()
	_, err = r.Route(context.Background(), request(testsupport.UniqueUserID()))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, slow.hadDeadline, "budget read runs under the request deadline")
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.NotEmpty(t, exhausted.Aborted)
	assert.Zero(t, h.adapters["a"].CallCount())
	assert.Len(t, recordsWith(h.repo, ai_usage.OutcomeFailure), 1)
}
