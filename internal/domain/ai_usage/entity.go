package ai_usage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"concierge/pkg/errors"
)

// Outcome of a routed request
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// CostRecord is one accounted request. Append-only: once written it is never updated.
// Provider and ModelID are empty when every candidate failed.
type CostRecord struct {
	ID           string          `db:"record_id" json:"id"`
	UserID       string          `db:"user_id" json:"user_id"`
	Timestamp    time.Time       `db:"recorded_at" json:"timestamp"`
	TaskType     string          `db:"task_type" json:"task_type"`
	Provider     string          `db:"provider" json:"provider,omitempty"`
	ModelID      string          `db:"model_id" json:"model_id,omitempty"`
	InputTokens  int             `db:"input_tokens" json:"input_tokens"`
	OutputTokens int             `db:"output_tokens" json:"output_tokens"`
	Cost         decimal.Decimal `db:"cost_usd" json:"cost_usd"`
	Outcome      Outcome         `db:"outcome" json:"outcome"`
	Attempts     int             `db:"attempts" json:"attempts"`
	LatencyMs    int64           `db:"latency_ms" json:"latency_ms"`
	ErrorSummary string          `db:"error_summary" json:"error_summary,omitempty"`
}

// Validate checks the fields a durable write depends on
func (r *CostRecord) Validate() error {
	if r.UserID == "" {
		return errors.NewValidationError("user_id", "required", r.UserID)
	}
	if r.TaskType == "" {
		return errors.NewValidationError("task_type", "required", r.TaskType)
	}
	if !r.Outcome.Valid() {
		return errors.NewValidationError("outcome", "must be success or failure", r.Outcome)
	}
	if r.Outcome == OutcomeSuccess && (r.Provider == "" || r.ModelID == "") {
		return errors.NewValidationError("provider", "successful records name a provider and model", r.Provider)
	}
	if r.InputTokens < 0 || r.OutputTokens < 0 {
		return errors.NewValidationError("tokens", "must not be negative", r.InputTokens)
	}
	if r.Cost.IsNegative() {
		return errors.NewValidationError("cost_usd", "must not be negative", r.Cost)
	}
	return nil
}

// PeriodKind selects the aggregation window
type PeriodKind string

const (
	PeriodDay   PeriodKind = "day"
	PeriodMonth PeriodKind = "month"
)

// Period is a UTC calendar window containing At
type Period struct {
	Kind PeriodKind
	At   time.Time
}

func Day(at time.Time) Period   { return Period{Kind: PeriodDay, At: at} }
func Month(at time.Time) Period { return Period{Kind: PeriodMonth, At: at} }

// ParsePeriod accepts "day" or "month"
func ParsePeriod(kind string, at time.Time) (Period, error) {
	switch PeriodKind(kind) {
	case PeriodDay, PeriodMonth:
		return Period{Kind: PeriodKind(kind), At: at}, nil
	default:
		return Period{}, errors.NewValidationError("period", "must be day or month", kind)
	}
}

// Window returns the half-open UTC range [start, end)
func (p Period) Window() (start, end time.Time) {
	at := p.At.UTC()
	switch p.Kind {
	case PeriodMonth:
		start = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	default:
		start = time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	}
	return start, end
}

// UsageAggregate is a derived view over a user's cost records in one period.
// It is always recomputable from CostRecord and never stored.
type UsageAggregate struct {
	UserID       string                     `json:"user_id"`
	Period       PeriodKind                 `json:"period"`
	Start        time.Time                  `json:"start"`
	End          time.Time                  `json:"end"`
	TotalCost    decimal.Decimal            `json:"total_cost_usd"`
	InputTokens  int64                      `json:"input_tokens"`
	OutputTokens int64                      `json:"output_tokens"`
	Calls        int                        `json:"calls"`
	Successes    int                        `json:"successes"`
	Failures     int                        `json:"failures"`
	ByProvider   map[string]decimal.Decimal `json:"by_provider"`
}

// Aggregate folds records into a UsageAggregate. Records outside the window are ignored.
// Summation is commutative so record order does not matter.
func Aggregate(userID string, period Period, records []CostRecord) UsageAggregate {
	start, end := period.Window()
	agg := UsageAggregate{
		UserID:     userID,
		Period:     period.Kind,
		Start:      start,
		End:        end,
		TotalCost:  decimal.Zero,
		ByProvider: make(map[string]decimal.Decimal),
	}

	for _, r := range records {
		if r.UserID != userID {
			continue
		}
		ts := r.Timestamp.UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}

		agg.Calls++
		agg.TotalCost = agg.TotalCost.Add(r.Cost)
		agg.InputTokens += int64(r.InputTokens)
		agg.OutputTokens += int64(r.OutputTokens)

		if r.Outcome == OutcomeSuccess {
			agg.Successes++
		} else {
			agg.Failures++
		}

		if r.Provider != "" {
			agg.ByProvider[r.Provider] = agg.ByProvider[r.Provider].Add(r.Cost)
		}
	}

	return agg
}

// BudgetExceededError is returned when a user's spend reached the hard cap
type BudgetExceededError struct {
	UserID string
	Spent  decimal.Decimal
	Limit  decimal.Decimal
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("daily AI cost limit exceeded for user %s: $%s / $%s",
		e.UserID, e.Spent.StringFixed(4), e.Limit.StringFixed(2))
}

func (e *BudgetExceededError) Unwrap() error {
	return errors.ErrBudgetExceeded
}
