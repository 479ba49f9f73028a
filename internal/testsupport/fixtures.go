package testsupport

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"concierge/internal/domain/ai_usage"
)

// CostRecordFixture provides builder pattern for creating test cost records
type CostRecordFixture struct {
	record ai_usage.CostRecord
}

// NewCostRecordFixture creates a successful code-generation record for a fresh user
func NewCostRecordFixture() *CostRecordFixture {
	return &CostRecordFixture{
		record: ai_usage.CostRecord{
			ID:           uuid.NewString(),
			UserID:       UniqueUserID(),
			Timestamp:    time.Now().UTC(),
			TaskType:     "code-generation",
			Provider:     "anthropic",
			ModelID:      "claude-sonnet-4-5-20250929",
			InputTokens:  120,
			OutputTokens: 40,
			Cost:         decimal.RequireFromString("0.00096"),
			Outcome:      ai_usage.OutcomeSuccess,
			Attempts:     1,
			LatencyMs:    900,
		},
	}
}

// WithID sets the record id
func (f *CostRecordFixture) WithID(id string) *CostRecordFixture {
	f.record.ID = id
	return f
}

// WithUser sets the user id
func (f *CostRecordFixture) WithUser(userID string) *CostRecordFixture {
	f.record.UserID = userID
	return f
}

// WithTimestamp sets the record time
func (f *CostRecordFixture) WithTimestamp(at time.Time) *CostRecordFixture {
	f.record.Timestamp = at
	return f
}

// WithProvider sets provider and model
func (f *CostRecordFixture) WithProvider(provider, model string) *CostRecordFixture {
	f.record.Provider = provider
	f.record.ModelID = model
	return f
}

// WithCost sets the cost from a decimal string
func (f *CostRecordFixture) WithCost(usd string) *CostRecordFixture {
	f.record.Cost = decimal.RequireFromString(usd)
	return f
}

// Failed turns the record into an exhausted-chain failure
func (f *CostRecordFixture) Failed() *CostRecordFixture {
	f.record.Outcome = ai_usage.OutcomeFailure
	f.record.Provider = ""
	f.record.ModelID = ""
	f.record.InputTokens = 0
	f.record.OutputTokens = 0
	f.record.Cost = decimal.Zero
	f.record.ErrorSummary = "all candidates failed"
	return f
}

// Build returns a copy of the record
func (f *CostRecordFixture) Build() *ai_usage.CostRecord {
	rec := f.record
	return &rec
}
