package metrics

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"concierge/pkg/logger"
)

// PendingCounter reports cost records waiting for a durable retry
type PendingCounter interface {
	Pending() int
}

// ModelCounter reports how many models each provider currently resolves
type ModelCounter interface {
	ModelCounts() map[string]int
}

// BrokerCollector exposes scrape-time gauges read from the ledger store and
// in-memory state. postgres may be nil when the ledger runs in memory.
type BrokerCollector struct {
	log      *logger.Logger
	postgres *sqlx.DB
	pending  PendingCounter
	models   ModelCounter

	costRecords24h *prometheus.Desc
	pendingWrites  *prometheus.Desc
	registryModels *prometheus.Desc
}

// NewBrokerCollector creates the collector
func NewBrokerCollector(log *logger.Logger, postgres *sqlx.DB, pending PendingCounter, models ModelCounter) *BrokerCollector {
	return &BrokerCollector{
		log:      log,
		postgres: postgres,
		pending:  pending,
		models:   models,

		costRecords24h: prometheus.NewDesc(
			"concierge_cost_records_24h",
			"Cost records written in the last 24h by outcome",
			[]string{"outcome"}, nil,
		),
		pendingWrites: prometheus.NewDesc(
			"concierge_ledger_pending_writes",
			"Cost records queued for a durable retry",
			nil, nil,
		),
		registryModels: prometheus.NewDesc(
			"concierge_registry_models",
			"Models resolvable per provider",
			[]string{"provider"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *BrokerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.costRecords24h
	ch <- c.pendingWrites
	ch <- c.registryModels
}

// Collect implements prometheus.Collector
func (c *BrokerCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectCostRecords(ctx, ch)

	if c.pending != nil {
		ch <- prometheus.MustNewConstMetric(c.pendingWrites, prometheus.GaugeValue, float64(c.pending.Pending()))
	}

	if c.models != nil {
		for provider, n := range c.models.ModelCounts() {
			ch <- prometheus.MustNewConstMetric(c.registryModels, prometheus.GaugeValue, float64(n), provider)
		}
	}
}

func (c *BrokerCollector) collectCostRecords(ctx context.Context, ch chan<- prometheus.Metric) {
	if c.postgres == nil {
		return
	}

	type outcomeCount struct {
		Outcome string `db:"outcome"`
		Count   int    `db:"count"`
	}

	var stats []outcomeCount
	err := c.postgres.SelectContext(ctx, &stats, `
		SELECT outcome, COUNT(*) AS count
		FROM cost_records
		WHERE recorded_at > NOW() - INTERVAL '24 hours'
		GROUP BY outcome
	`)
	if err != nil {
		c.log.Errorw("Failed to collect cost record stats", "error", err)
		return
	}

	for _, s := range stats {
		ch <- prometheus.MustNewConstMetric(c.costRecords24h, prometheus.GaugeValue, float64(s.Count), s.Outcome)
	}
}

// RegisterCollector registers a custom collector
func RegisterCollector(collector prometheus.Collector) {
	prometheus.MustRegister(collector)
}
