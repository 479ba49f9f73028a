package bootstrap

import (
	"context"
	"sync"
	"time"

	chclient "concierge/internal/adapters/clickhouse"
	"concierge/internal/adapters/kafka"
	pgclient "concierge/internal/adapters/postgres"
	redisclient "concierge/internal/adapters/redis"
	"concierge/internal/api"
	chrepo "concierge/internal/repository/clickhouse"
	aiusagesvc "concierge/internal/services/ai_usage"
	"concierge/internal/workers"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// Lifecycle manages graceful shutdown of components
type Lifecycle struct {
	shutdownTimeout time.Duration
}

// NewLifecycle creates a new lifecycle manager
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		shutdownTimeout: 60 * time.Second,
	}
}

// ShutdownTargets lists what Shutdown closes. Nil fields are skipped.
type ShutdownTargets struct {
	WG                 *sync.WaitGroup
	HTTPServer         *api.Server
	WorkerScheduler    *workers.Scheduler
	Ledger             *aiusagesvc.Ledger
	CostRecordConsumer *kafka.Consumer
	Analytics          *chrepo.CostAnalyticsRepository
	KafkaProducer      *kafka.Producer
	PG                 *pgclient.Client
	CH                 *chclient.Client
	Redis              *redisclient.Client
	ErrorTracker       errors.Tracker
}

// Shutdown performs coordinated cleanup. The order matters:
// 1. No new requests accepted, in-flight routes finish
// 2. Workers stop
// 3. Pending ledger writes get one last attempt
// 4. Kafka consumer unblocks before waiting for goroutines
// 5. Analytics buffer and producer flush
// 6. Errors and logs flush
// 7. Database connections last
func (l *Lifecycle) Shutdown(t ShutdownTargets, log *logger.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer shutdownCancel()

	log.Info("[1/8] Stopping HTTP server...")
	if t.HTTPServer != nil {
		httpCtx, httpCancel := context.WithTimeout(shutdownCtx, 30*time.Second)
		if err := t.HTTPServer.Shutdown(httpCtx); err != nil {
			log.Errorw("HTTP server shutdown failed", "error", err)
		}
		httpCancel()
	}

	log.Info("[2/8] Stopping background workers...")
	if t.WorkerScheduler != nil {
		if err := t.WorkerScheduler.Stop(); err != nil {
			log.Errorw("Workers shutdown failed", "error", err)
		} else {
			log.Info("✓ Workers stopped")
		}
	}

	log.Info("[3/8] Retrying pending ledger writes...")
	l.drainLedger(shutdownCtx, t.Ledger, log)

	log.Info("[4/8] Closing Kafka consumer...")
	if t.CostRecordConsumer != nil {
		if err := t.CostRecordConsumer.Close(); err != nil {
			log.Errorw("Kafka consumer close failed", "error", err)
		}
	}
	if t.WG != nil {
		l.waitForGoroutines(t.WG, 15*time.Second, log)
	}

	log.Info("[5/8] Flushing analytics and Kafka producer...")
	if t.Analytics != nil {
		flushCtx, flushCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		if err := t.Analytics.Stop(flushCtx); err != nil {
			log.Errorw("Analytics flush failed", "error", err)
		}
		flushCancel()
	}
	if t.KafkaProducer != nil {
		if err := t.KafkaProducer.Close(); err != nil {
			log.Errorw("Kafka producer close failed", "error", err)
		} else {
			log.Info("✓ Kafka producer closed")
		}
	}

	log.Info("[6/8] Flushing error tracker...")
	l.flushErrorTracker(shutdownCtx, t.ErrorTracker, log)

	log.Info("[7/8] Syncing logs...")
	if err := logger.Sync(); err != nil {
		log.Warn("Log sync completed with warnings")
	}

	log.Info("[8/8] Closing database connections...")
	l.closeDatabases(t.PG, t.CH, t.Redis, log)

	log.Info("✅ Graceful shutdown complete")
}

// drainLedger gives queued cost records one final write attempt while the
// stores are still open. Whatever remains is logged so it can be replayed.
func (l *Lifecycle) drainLedger(ctx context.Context, ledger *aiusagesvc.Ledger, log *logger.Logger) {
	if ledger == nil || ledger.Pending() == 0 {
		return
	}

	retryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	retried, err := ledger.RetryPending(retryCtx)
	if err != nil || ledger.Pending() > 0 {
		log.Errorw("Cost records lost on shutdown",
			"retried", retried,
			"remaining", ledger.Pending(),
			"error", err,
		)
		return
	}
	log.Infow("✓ Pending cost records written", "count", retried)
}

// waitForGoroutines waits for all goroutines with a timeout
func (l *Lifecycle) waitForGoroutines(wg *sync.WaitGroup, timeout time.Duration, log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("✓ All goroutines finished")
	case <-time.After(timeout):
		log.Warnw("⚠ Some goroutines did not finish within timeout", "timeout", timeout)
	}
}

// flushErrorTracker flushes the error tracker (Sentry, etc.)
func (l *Lifecycle) flushErrorTracker(ctx context.Context, tracker errors.Tracker, log *logger.Logger) {
	if tracker == nil {
		return
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 3*time.Second)
	defer flushCancel()

	if err := tracker.Flush(flushCtx); err != nil {
		log.Errorw("Error tracker flush failed", "error", err)
	}
}

// closeDatabases closes all database connections
func (l *Lifecycle) closeDatabases(pg *pgclient.Client, ch *chclient.Client, rdb *redisclient.Client, log *logger.Logger) {
	var dbErrors []error

	if pg != nil {
		if err := pg.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "postgres"))
		}
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "clickhouse"))
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "redis"))
		}
	}

	if len(dbErrors) > 0 {
		log.Errorw("Database close errors", "errors", dbErrors)
	} else {
		log.Info("✓ Database connections closed")
	}
}
