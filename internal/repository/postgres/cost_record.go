package postgres

import (
	"context"
	"database/sql"
	"time"

	"concierge/internal/domain/ai_usage"
	"concierge/internal/metrics"
	"concierge/pkg/errors"
)

// Compile-time check that we implement the interface
var _ ai_usage.Repository = (*CostRecordRepository)(nil)

// CostRecordRepository implements ai_usage.Repository using sqlx.
// Rows are never updated; a repeated record id is reported, not overwritten.
type CostRecordRepository struct {
	db DBTX
}

// NewCostRecordRepository creates a new cost record repository
func NewCostRecordRepository(db DBTX) *CostRecordRepository {
	return &CostRecordRepository{db: db}
}

const costRecordColumns = `
	record_id, user_id, recorded_at, task_type, provider, model_id,
	input_tokens, output_tokens, cost_usd, outcome, attempts, latency_ms, error_summary`

// Insert stores a record; inserted is false when the id already exists
func (r *CostRecordRepository) Insert(ctx context.Context, rec *ai_usage.CostRecord) (bool, error) {
	query := `
		INSERT INTO cost_records (` + costRecordColumns + `
		) VALUES (
			:record_id, :user_id, :recorded_at, :task_type, :provider, :model_id,
			:input_tokens, :output_tokens, :cost_usd, :outcome, :attempts, :latency_ms, :error_summary
		)
		ON CONFLICT (record_id) DO NOTHING`

	start := time.Now()
	res, err := r.db.NamedExecContext(ctx, query, rec)
	metrics.RecordDBQuery("postgres", "cost_records_insert", time.Since(start), err)
	if err != nil {
		return false, errors.Wrap(err, "failed to insert cost record")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}

	return affected == 1, nil
}

// GetByID retrieves a record by its id
func (r *CostRecordRepository) GetByID(ctx context.Context, id string) (*ai_usage.CostRecord, error) {
	var rec ai_usage.CostRecord
	query := `SELECT ` + costRecordColumns + ` FROM cost_records WHERE record_id = $1`

	err := r.db.GetContext(ctx, &rec, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "cost record %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get cost record")
	}

	return &rec, nil
}

// ListByUser returns the user's records in [from, to) ordered by time
func (r *CostRecordRepository) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]ai_usage.CostRecord, error) {
	var records []ai_usage.CostRecord
	query := `
		SELECT ` + costRecordColumns + `
		FROM cost_records
		WHERE user_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		ORDER BY recorded_at, record_id`

	start := time.Now()
	err := r.db.SelectContext(ctx, &records, query, userID, from, to)
	metrics.RecordDBQuery("postgres", "cost_records_list", time.Since(start), err)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cost records")
	}

	return records, nil
}

// Cursor is a keyset position in (recorded_at, record_id) order
type Cursor struct {
	At time.Time
	ID string
}

// ListRange pages through every user's records in [from, to) in
// (recorded_at, record_id) order, starting after the cursor. A zero cursor
// starts at from.
func (r *CostRecordRepository) ListRange(ctx context.Context, from, to time.Time, after Cursor, limit int) ([]ai_usage.CostRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	if after.At.IsZero() {
		after.At = from
	}

	var records []ai_usage.CostRecord
	query := `
		SELECT ` + costRecordColumns + `
		FROM cost_records
		WHERE recorded_at >= $1 AND recorded_at < $2
		  AND (recorded_at, record_id) > ($3, $4)
		ORDER BY recorded_at, record_id
		LIMIT $5`

	start := time.Now()
	err := r.db.SelectContext(ctx, &records, query, from, to, after.At, after.ID, limit)
	metrics.RecordDBQuery("postgres", "cost_records_range", time.Since(start), err)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cost records by range")
	}

	return records, nil
}
