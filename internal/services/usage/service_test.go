package usage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/domain/ai_usage"
	"concierge/internal/repository/memory"
	usagesvc "concierge/internal/services/ai_usage"
	"concierge/internal/testsupport"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

var now = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

type fakeAnalytics struct {
	providers map[string]decimal.Decimal
	tasks     map[string]decimal.Decimal
	err       error
}

func (f *fakeAnalytics) StoreBatch(context.Context, []ai_usage.CostRecord) error { return nil }

func (f *fakeAnalytics) GetProviderCosts(context.Context, time.Time, time.Time) (map[string]decimal.Decimal, error) {
	return f.providers, f.err
}

func (f *fakeAnalytics) GetModelCosts(_ context.Context, provider string, _, _ time.Time) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{provider + "-model": decimal.NewFromInt(1)}, f.err
}

func (f *fakeAnalytics) GetTaskCosts(context.Context, time.Time, time.Time) (map[string]decimal.Decimal, error) {
	return f.tasks, f.err
}

func newTestService(t *testing.T, budget string, analytics ai_usage.AnalyticsRepository, spent ...string) (*Service, string) {
	t.Helper()

	cfg := usagesvc.Config{}
	if budget != "" {
		b := decimal.RequireFromString(budget)
		cfg.DailyBudget = &b
	}
	ledger := usagesvc.NewLedger(memory.NewCostRecordRepository(), nil, nil, cfg, logger.NewNop())

	user := testsupport.UniqueUserID()
	for i, c := range spent {
		rec := testsupport.NewCostRecordFixture().
			WithUser(user).
			WithTimestamp(now.Add(-time.Duration(i+1) * time.Minute)).
			WithCost(c).
			Build()
		_, err := ledger.Record(context.Background(), *rec)
		require.NoError(t, err)
	}

	svc := NewService(ledger, analytics, logger.NewNop())
	svc.now = func() time.Time { return now }
	return svc, user
}

func TestService_GetUsageDefaultsToNow(t *testing.T) {
	svc, user := newTestService(t, "", nil, "0.10", "0.20")

	agg, err := svc.GetUsage(context.Background(), user, ai_usage.Period{Kind: ai_usage.PeriodDay})
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Calls)
	assert.True(t, agg.TotalCost.Equal(decimal.RequireFromString("0.30")))
	assert.Equal(t, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), agg.Start)
}

func TestService_BudgetStatus(t *testing.T) {
	tests := []struct {
		name      string
		budget    string
		spent     []string
		enforced  bool
		percent   float64
		remaining string
		nearLimit bool
		exceeded  bool
	}{
		{name: "no budget", budget: "", spent: []string{"5"}, enforced: false},
		{name: "well under", budget: "1.00", spent: []string{"0.25"}, enforced: true, percent: 25, remaining: "0.75"},
		{name: "near limit", budget: "1.00", spent: []string{"0.50", "0.35"}, enforced: true, percent: 85, remaining: "0.15", nearLimit: true},
		{name: "exactly at cap", budget: "1.00", spent: []string{"1.00"}, enforced: true, percent: 100, remaining: "0", nearLimit: true, exceeded: true},
		{name: "over cap", budget: "1.00", spent: []string{"1.50"}, enforced: true, percent: 150, remaining: "0", nearLimit: true, exceeded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, user := newTestService(t, tt.budget, nil, tt.spent...)

			status, err := svc.BudgetStatus(context.Background(), user)
			require.NoError(t, err)

			assert.Equal(t, tt.enforced, status.Enforced)
			assert.Equal(t, time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC), status.ResetsAt)
			if !tt.enforced {
				assert.Nil(t, status.Limit)
				return
			}

			assert.InDelta(t, tt.percent, status.Percent, 0.001)
			require.NotNil(t, status.Remaining)
			assert.True(t, status.Remaining.Equal(decimal.RequireFromString(tt.remaining)), "remaining %s", status.Remaining)
			assert.Equal(t, tt.nearLimit, status.NearLimit)
			assert.Equal(t, tt.exceeded, status.Exceeded)
		})
	}
}

func TestService_Summary(t *testing.T) {
	svc, user := newTestService(t, "1.00", nil, "0.50", "0.35")

	text, err := svc.Summary(context.Background(), user)
	require.NoError(t, err)

	assert.Contains(t, text, "$0.8500 spent today over 2 calls (320 tokens)")
	assert.Contains(t, text, "85% of the $1.00 daily budget")
	assert.Contains(t, text, "near limit")
	assert.Contains(t, text, "from now")
}

func TestService_SummaryWithoutBudget(t *testing.T) {
	svc, user := newTestService(t, "", nil)

	text, err := svc.Summary(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, "$0.0000 spent today over 0 calls (0 tokens), no daily budget", text)
}

func TestService_ProviderBreakdown(t *testing.T) {
	from := now.Add(-24 * time.Hour)

	t.Run("without analytics mirror", func(t *testing.T) {
		svc, _ := newTestService(t, "", nil)
		_, err := svc.ProviderBreakdown(context.Background(), from, now)
		assert.ErrorIs(t, err, errors.ErrUnavailable)
	})

	t.Run("sums providers", func(t *testing.T) {
		svc, _ := newTestService(t, "", &fakeAnalytics{
			providers: map[string]decimal.Decimal{
				"anthropic": decimal.RequireFromString("1.25"),
				"openai":    decimal.RequireFromString("0.75"),
			},
			tasks: map[string]decimal.Decimal{"code-generation": decimal.NewFromInt(2)},
		})

		b, err := svc.ProviderBreakdown(context.Background(), from, now)
		require.NoError(t, err)
		assert.True(t, b.Total.Equal(decimal.NewFromInt(2)))
		assert.Len(t, b.ByProvider, 2)
		assert.Contains(t, b.ByTask, "code-generation")

		models, err := svc.ModelBreakdown(context.Background(), "openai", from, now)
		require.NoError(t, err)
		assert.Contains(t, models, "openai-model")
	})

	t.Run("rejects empty range", func(t *testing.T) {
		svc, _ := newTestService(t, "", &fakeAnalytics{})
		_, err := svc.ProviderBreakdown(context.Background(), now, now)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})

	t.Run("propagates query errors", func(t *testing.T) {
		svc, _ := newTestService(t, "", &fakeAnalytics{err: errors.ErrTimeout})
		_, err := svc.ProviderBreakdown(context.Background(), from, now)
		assert.ErrorIs(t, err, errors.ErrTimeout)
	})
}
