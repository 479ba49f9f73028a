package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"worker"},
	)

	WorkerLastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concierge_worker_last_run_timestamp",
			Help: "Unix timestamp of last worker execution",
		},
		[]string{"worker"},
	)

	// Router metrics
	RouteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_route_requests_total",
			Help: "Routed requests by task type and outcome",
		},
		[]string{"task_type", "outcome"}, // outcome: success|exhausted|budget_exceeded|classification_error
	)

	RouteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_route_latency_seconds",
			Help:    "End-to-end routing latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 90},
		},
		[]string{"task_type"},
	)

	AdapterAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_adapter_attempts_total",
			Help: "Provider invocations by result",
		},
		[]string{"provider", "model", "status"}, // status: success|transient|fatal
	)

	AdapterLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_adapter_latency_seconds",
			Help:    "Provider invocation latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "model"},
	)

	Fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_fallbacks_total",
			Help: "Times the router advanced past a failed candidate",
		},
		[]string{"from_provider", "reason"}, // reason: transient|fatal
	)

	CandidatesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_candidates_dropped_total",
			Help: "Candidates dropped while building a chain",
		},
		[]string{"provider", "reason"}, // reason: unresolved|no_adapter|duplicate|chain_cap
	)

	// Registry metrics
	RegistryRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_registry_refresh_total",
			Help: "Per-provider registry refresh results",
		},
		[]string{"provider", "status"}, // status: success|stale
	)

	RegistryStaleness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concierge_registry_snapshot_age_seconds",
			Help: "Age of each provider's model snapshot",
		},
		[]string{"provider"},
	)

	// Ledger metrics
	LedgerWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_ledger_writes_total",
			Help: "Cost record writes by result",
		},
		[]string{"outcome", "status"}, // status: inserted|duplicate|error|retried
	)

	CostUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_cost_usd_total",
			Help: "Accounted AI cost in USD",
		},
		[]string{"provider", "model"},
	)

	Tokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_tokens_total",
			Help: "Accounted tokens",
		},
		[]string{"provider", "model", "type"}, // type: input|output
	)

	// System metrics
	KafkaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_kafka_messages_total",
			Help: "Total Kafka messages produced/consumed",
		},
		[]string{"topic", "direction", "status"}, // direction: produced|consumed
	)

	DBQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"database", "operation", "status"},
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"database", "operation"},
	)
)

var initOnce sync.Once

// Init registers all metrics with Prometheus. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			WorkerExecutions, WorkerDuration, WorkerLastRun,
			RouteRequests, RouteLatency, AdapterAttempts, AdapterLatency, Fallbacks, CandidatesDropped,
			RegistryRefreshes, RegistryStaleness,
			LedgerWrites, CostUSD, Tokens,
			KafkaMessages, DBQueries, DBQueryDuration,
		)
	})
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordWorkerExecution records a worker execution
func RecordWorkerExecution(worker string, duration time.Duration, err error) {
	WorkerExecutions.WithLabelValues(worker, statusOf(err)).Inc()
	WorkerDuration.WithLabelValues(worker).Observe(duration.Seconds())
	WorkerLastRun.WithLabelValues(worker).SetToCurrentTime()
}

// RecordRoute records one Route call
func RecordRoute(taskType, outcome string, latency time.Duration) {
	RouteRequests.WithLabelValues(taskType, outcome).Inc()
	RouteLatency.WithLabelValues(taskType).Observe(latency.Seconds())
}

// RecordAdapterAttempt records one provider invocation; status is success, transient or fatal
func RecordAdapterAttempt(provider, model, status string, latency time.Duration) {
	AdapterAttempts.WithLabelValues(provider, model, status).Inc()
	AdapterLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
	if status != "success" {
		Fallbacks.WithLabelValues(provider, status).Inc()
	}
}

// RecordCandidateDropped records a candidate removed during chain building
func RecordCandidateDropped(provider, reason string) {
	CandidatesDropped.WithLabelValues(provider, reason).Inc()
}

// RecordRegistryRefresh records one provider's refresh result and snapshot age
func RecordRegistryRefresh(provider string, stale bool, age time.Duration) {
	status := "success"
	if stale {
		status = "stale"
	}
	RegistryRefreshes.WithLabelValues(provider, status).Inc()
	RegistryStaleness.WithLabelValues(provider).Set(age.Seconds())
}

// RecordLedgerWrite records a cost record write; status is inserted, duplicate, error or retried
func RecordLedgerWrite(outcome, status string) {
	LedgerWrites.WithLabelValues(outcome, status).Inc()
}

// RecordCost adds accounted spend and tokens
func RecordCost(provider, model string, costUSD float64, inputTokens, outputTokens int) {
	if costUSD > 0 {
		CostUSD.WithLabelValues(provider, model).Add(costUSD)
	}
	if inputTokens > 0 {
		Tokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		Tokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordKafkaMessage records a produced or consumed message
func RecordKafkaMessage(topic, direction string, err error) {
	KafkaMessages.WithLabelValues(topic, direction, statusOf(err)).Inc()
}

// RecordDBQuery records a database query
func RecordDBQuery(database, operation string, duration time.Duration, err error) {
	DBQueries.WithLabelValues(database, operation, statusOf(err)).Inc()
	DBQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}
