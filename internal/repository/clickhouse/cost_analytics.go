package clickhouse

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"concierge/internal/domain/ai_usage"
	"concierge/internal/metrics"
	"concierge/pkg/clickhouse"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

var _ ai_usage.AnalyticsRepository = (*CostAnalyticsRepository)(nil)

// CostAnalyticsRepository mirrors cost records into ClickHouse for fleet-wide
// breakdowns. The Postgres ledger stays the source of truth.
type CostAnalyticsRepository struct {
	conn        driver.Conn
	batchWriter *clickhouse.BatchWriter[ai_usage.CostRecord]
	log         *logger.Logger
}

// NewCostAnalyticsRepository creates the repository with its batch writer
func NewCostAnalyticsRepository(conn driver.Conn) *CostAnalyticsRepository {
	repo := &CostAnalyticsRepository{
		conn: conn,
		log:  logger.Get().With("component", "cost_analytics"),
	}

	repo.batchWriter = clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig[ai_usage.CostRecord]{
		FlushFunc:    repo.StoreBatch,
		TableName:    "cost_records_analytics",
		MaxBatchSize: 500,
		MaxAge:       5 * time.Second,
	})

	return repo
}

// Start begins the background flush loop
func (r *CostAnalyticsRepository) Start(ctx context.Context) {
	r.batchWriter.Start(ctx)
}

// Stop gracefully shuts down the batch writer
func (r *CostAnalyticsRepository) Stop(ctx context.Context) error {
	return r.batchWriter.Stop(ctx)
}

// Add buffers one record (not immediate)
func (r *CostAnalyticsRepository) Add(ctx context.Context, rec ai_usage.CostRecord) error {
	return r.batchWriter.Add(ctx, rec)
}

// Stats exposes batch writer state for health checks
func (r *CostAnalyticsRepository) Stats() clickhouse.BatchWriterStats {
	return r.batchWriter.Stats()
}

// StoreBatch inserts records with one native batch INSERT
func (r *CostAnalyticsRepository) StoreBatch(ctx context.Context, records []ai_usage.CostRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO cost_records_analytics (
			record_id, user_id, recorded_at, task_type, provider, model_id,
			input_tokens, output_tokens, cost_usd, outcome, attempts, latency_ms
		)`

	start := time.Now()

	batch, err := r.conn.PrepareBatch(ctx, query)
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch")
	}
	defer batch.Close()

	for _, rec := range records {
		err := batch.Append(
			rec.ID, rec.UserID, rec.Timestamp.UTC(), rec.TaskType, rec.Provider, rec.ModelID,
			uint32(rec.InputTokens), uint32(rec.OutputTokens), rec.Cost, string(rec.Outcome),
			uint8(rec.Attempts), uint32(rec.LatencyMs),
		)
		if err != nil {
			return errors.Wrap(err, "failed to append to batch")
		}
	}

	err = batch.Send()
	metrics.RecordDBQuery("clickhouse", "cost_records_insert", time.Since(start), err)
	if err != nil {
		return errors.Wrap(err, "failed to send batch")
	}

	r.log.Debugw("Batch inserted cost records", "rows", len(records), "duration", time.Since(start))
	return nil
}

// GetProviderCosts returns costs grouped by provider for [from, to)
func (r *CostAnalyticsRepository) GetProviderCosts(ctx context.Context, from, to time.Time) (map[string]decimal.Decimal, error) {
	query := `
		SELECT provider, sum(cost_usd) AS total_cost
		FROM cost_records_analytics FINAL
		WHERE recorded_at >= ? AND recorded_at < ? AND provider != ''
		GROUP BY provider
		ORDER BY total_cost DESC`

	return r.groupedCosts(ctx, "provider_costs", query, from, to)
}

// GetModelCosts returns costs grouped by model for one provider
func (r *CostAnalyticsRepository) GetModelCosts(ctx context.Context, provider string, from, to time.Time) (map[string]decimal.Decimal, error) {
	query := `
		SELECT model_id, sum(cost_usd) AS total_cost
		FROM cost_records_analytics FINAL
		WHERE provider = ? AND recorded_at >= ? AND recorded_at < ?
		GROUP BY model_id
		ORDER BY total_cost DESC`

	return r.groupedCosts(ctx, "model_costs", query, provider, from, to)
}

// GetTaskCosts returns costs grouped by task type
func (r *CostAnalyticsRepository) GetTaskCosts(ctx context.Context, from, to time.Time) (map[string]decimal.Decimal, error) {
	query := `
		SELECT task_type, sum(cost_usd) AS total_cost
		FROM cost_records_analytics FINAL
		WHERE recorded_at >= ? AND recorded_at < ?
		GROUP BY task_type
		ORDER BY total_cost DESC`

	return r.groupedCosts(ctx, "task_costs", query, from, to)
}

func (r *CostAnalyticsRepository) groupedCosts(ctx context.Context, op, query string, args ...interface{}) (map[string]decimal.Decimal, error) {
	start := time.Now()
	rows, err := r.conn.Query(ctx, query, args...)
	metrics.RecordDBQuery("clickhouse", op, time.Since(start), err)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query %s", op)
	}
	defer rows.Close()

	costs := make(map[string]decimal.Decimal)
	for rows.Next() {
		var key string
		var cost decimal.Decimal
		if err := rows.Scan(&key, &cost); err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s", op)
		}
		costs[key] = cost
	}

	return costs, rows.Err()
}
