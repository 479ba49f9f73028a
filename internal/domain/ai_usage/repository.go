package ai_usage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository is the durable, append-only cost ledger store
type Repository interface {
	// Insert stores a record. inserted is false when a record with the same id already exists.
	Insert(ctx context.Context, rec *CostRecord) (inserted bool, err error)

	// GetByID returns errors.ErrNotFound when the id is unknown
	GetByID(ctx context.Context, id string) (*CostRecord, error)

	// ListByUser returns the user's records with from <= timestamp < to
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]CostRecord, error)
}

// AnalyticsRepository answers fleet-wide breakdowns from the analytics mirror
type AnalyticsRepository interface {
	// StoreBatch appends mirrored records
	StoreBatch(ctx context.Context, records []CostRecord) error

	// GetProviderCosts returns costs grouped by provider for a time range
	GetProviderCosts(ctx context.Context, from, to time.Time) (map[string]decimal.Decimal, error)

	// GetModelCosts returns costs grouped by model for one provider
	GetModelCosts(ctx context.Context, provider string, from, to time.Time) (map[string]decimal.Decimal, error)

	// GetTaskCosts returns costs grouped by task type
	GetTaskCosts(ctx context.Context, from, to time.Time) (map[string]decimal.Decimal, error)
}
