package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"concierge/internal/adapters/config"
	"concierge/pkg/errors"
)

// analyticsSchema mirrors the ledger for fleet-wide breakdowns. Duplicate
// deliveries collapse on record_id during merges.
const analyticsSchema = `
	CREATE TABLE IF NOT EXISTS cost_records_analytics (
		record_id     String,
		user_id       String,
		recorded_at   DateTime64(3, 'UTC'),
		task_type     LowCardinality(String),
		provider      LowCardinality(String),
		model_id      LowCardinality(String),
		input_tokens  UInt32,
		output_tokens UInt32,
		cost_usd      Decimal(20, 10),
		outcome       LowCardinality(String),
		attempts      UInt8,
		latency_ms    UInt32
	) ENGINE = ReplacingMergeTree()
	PARTITION BY toYYYYMM(recorded_at)
	ORDER BY (recorded_at, record_id)`

// Client wraps ClickHouse connection
type Client struct {
	conn driver.Conn
}

// NewClient creates a new ClickHouse client
func NewClient(cfg config.ClickHouseConfig) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to clickhouse")
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to ping clickhouse")
	}

	return &Client{conn: conn}, nil
}

// Migrate creates the analytics table. Idempotent.
func (c *Client) Migrate(ctx context.Context) error {
	if err := c.conn.Exec(ctx, analyticsSchema); err != nil {
		return errors.Wrap(err, "failed to apply analytics schema")
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (c *Client) Conn() driver.Conn {
	return c.conn
}

// Close closes the ClickHouse connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Health checks ClickHouse connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Exec executes a query without returning rows
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.conn.Exec(ctx, query, args...)
}
