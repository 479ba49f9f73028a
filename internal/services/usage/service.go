package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"concierge/internal/domain/ai_usage"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// NearLimitPercent is the share of the daily budget at which a user is warned
const NearLimitPercent = 80

var hundred = decimal.NewFromInt(100)

// Ledger is the read side of the cost ledger
type Ledger interface {
	Aggregate(ctx context.Context, userID string, period ai_usage.Period) (ai_usage.UsageAggregate, error)
	DailyBudget() (decimal.Decimal, bool)
}

// BudgetStatus is the user's position against the daily cap
type BudgetStatus struct {
	UserID    string           `json:"user_id"`
	Enforced  bool             `json:"enforced"`
	Spent     decimal.Decimal  `json:"spent_usd"`
	Limit     *decimal.Decimal `json:"limit_usd,omitempty"`
	Remaining *decimal.Decimal `json:"remaining_usd,omitempty"`
	Percent   float64          `json:"percent"`
	NearLimit bool             `json:"near_limit"`
	Exceeded  bool             `json:"exceeded"`
	ResetsAt  time.Time        `json:"resets_at"`
}

// Breakdown is a fleet-wide cost split from the analytics mirror
type Breakdown struct {
	From       time.Time                  `json:"from"`
	To         time.Time                  `json:"to"`
	ByProvider map[string]decimal.Decimal `json:"by_provider"`
	ByTask     map[string]decimal.Decimal `json:"by_task"`
	Total      decimal.Decimal            `json:"total_usd"`
}

// Service answers read-only usage queries for dashboards and notification
// collaborators. It holds no state of its own.
type Service struct {
	ledger    Ledger
	analytics ai_usage.AnalyticsRepository
	now       func() time.Time
	log       *logger.Logger
}

// NewService creates the reporter. analytics may be nil when ClickHouse is not configured.
func NewService(ledger Ledger, analytics ai_usage.AnalyticsRepository, log *logger.Logger) *Service {
	return &Service{
		ledger:    ledger,
		analytics: analytics,
		now:       time.Now,
		log:       log.With("component", "usage_reporter"),
	}
}

// GetUsage returns the user's aggregate for the period
func (s *Service) GetUsage(ctx context.Context, userID string, period ai_usage.Period) (ai_usage.UsageAggregate, error) {
	if period.At.IsZero() {
		period.At = s.now()
	}
	agg, err := s.ledger.Aggregate(ctx, userID, period)
	if err != nil {
		return ai_usage.UsageAggregate{}, errors.Wrap(err, "failed to aggregate usage")
	}
	return agg, nil
}

// BudgetStatus reports today's spend against the daily cap
func (s *Service) BudgetStatus(ctx context.Context, userID string) (*BudgetStatus, error) {
	now := s.now()
	agg, err := s.GetUsage(ctx, userID, ai_usage.Day(now))
	if err != nil {
		return nil, err
	}

	status := &BudgetStatus{
		UserID:   userID,
		Spent:    agg.TotalCost,
		ResetsAt: agg.End,
	}

	limit, ok := s.ledger.DailyBudget()
	if !ok {
		return status, nil
	}

	status.Enforced = true
	status.Limit = &limit

	remaining := limit.Sub(agg.TotalCost)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	status.Remaining = &remaining

	if limit.IsZero() {
		status.Percent = 100
	} else {
		status.Percent = agg.TotalCost.Div(limit).Mul(hundred).Round(2).InexactFloat64()
	}

	// same >= rule the ledger enforces
	status.Exceeded = agg.TotalCost.GreaterThanOrEqual(limit)
	status.NearLimit = status.Exceeded || status.Percent >= NearLimitPercent

	if status.NearLimit {
		s.log.Debugw("User near daily budget",
			"user_id", userID,
			"spent", agg.TotalCost.String(),
			"limit", limit.String(),
			"percent", status.Percent,
		)
	}

	return status, nil
}

// ProviderBreakdown splits fleet-wide spend in [from, to) by provider and task
func (s *Service) ProviderBreakdown(ctx context.Context, from, to time.Time) (*Breakdown, error) {
	if s.analytics == nil {
		return nil, errors.Wrap(errors.ErrUnavailable, "analytics mirror is not configured")
	}
	if !from.Before(to) {
		return nil, errors.NewValidationError("range", "from must be before to", fmt.Sprintf("%s..%s", from, to))
	}

	byProvider, err := s.analytics.GetProviderCosts(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get provider costs")
	}
	byTask, err := s.analytics.GetTaskCosts(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task costs")
	}

	total := decimal.Zero
	for _, c := range byProvider {
		total = total.Add(c)
	}

	return &Breakdown{
		From:       from,
		To:         to,
		ByProvider: byProvider,
		ByTask:     byTask,
		Total:      total,
	}, nil
}

// ModelBreakdown splits one provider's spend in [from, to) by model
func (s *Service) ModelBreakdown(ctx context.Context, provider string, from, to time.Time) (map[string]decimal.Decimal, error) {
	if s.analytics == nil {
		return nil, errors.Wrap(errors.ErrUnavailable, "analytics mirror is not configured")
	}
	costs, err := s.analytics.GetModelCosts(ctx, provider, from, to)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get model costs for %s", provider)
	}
	return costs, nil
}

// Summary renders today's usage as one line for chat notifications
func (s *Service) Summary(ctx context.Context, userID string) (string, error) {
	status, err := s.BudgetStatus(ctx, userID)
	if err != nil {
		return "", err
	}
	agg, err := s.GetUsage(ctx, userID, ai_usage.Day(s.now()))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "$%s spent today over %s calls (%s tokens)",
		agg.TotalCost.StringFixed(4),
		humanize.Comma(int64(agg.Calls)),
		humanize.Comma(agg.InputTokens+agg.OutputTokens),
	)
	if agg.Failures > 0 {
		fmt.Fprintf(&b, ", %s failed", humanize.Comma(int64(agg.Failures)))
	}

	if !status.Enforced {
		b.WriteString(", no daily budget")
		return b.String(), nil
	}

	fmt.Fprintf(&b, ", %.0f%% of the $%s daily budget", status.Percent, status.Limit.StringFixed(2))
	if status.Exceeded {
		b.WriteString(", budget exhausted")
	} else if status.NearLimit {
		b.WriteString(", near limit")
	}
	fmt.Fprintf(&b, ", resets %s", humanize.RelTime(status.ResetsAt, s.now(), "ago", "from now"))

	return b.String(), nil
}
