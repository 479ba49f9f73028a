package main

// Replays ledger rows from Postgres into the ClickHouse analytics mirror.
// Use it after a ClickHouse or Kafka outage left a gap in fleet breakdowns.
// The mirror collapses duplicate record ids, so re-running a range is safe.
//
// Usage:
//   go run scripts/backfill_analytics.go --from 2026-05-01 --to 2026-05-08

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	chclient "concierge/internal/adapters/clickhouse"
	"concierge/internal/adapters/config"
	pgclient "concierge/internal/adapters/postgres"
	chrepo "concierge/internal/repository/clickhouse"
	pgrepo "concierge/internal/repository/postgres"
	"concierge/pkg/logger"
)

func main() {
	fromFlag := flag.String("from", "", "Start date, inclusive (YYYY-MM-DD)")
	toFlag := flag.String("to", "", "End date, exclusive (YYYY-MM-DD)")
	batchSize := flag.Int("batch", 1000, "Rows per ClickHouse insert")
	dryRun := flag.Bool("dry-run", false, "Count rows without writing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()
	log := logger.Get().With("component", "backfill")

	from, err := time.Parse(time.DateOnly, *fromFlag)
	if err != nil {
		log.Fatalf("invalid --from %q: %v", *fromFlag, err)
	}
	to, err := time.Parse(time.DateOnly, *toFlag)
	if err != nil {
		log.Fatalf("invalid --to %q: %v", *toFlag, err)
	}
	if !from.Before(to) {
		log.Fatalf("--from must be before --to")
	}
	if !cfg.Postgres.Enabled() || !cfg.ClickHouse.Enabled() {
		log.Fatalf("backfill needs both POSTGRES_HOST and CLICKHOUSE_HOST")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pg, err := pgclient.NewClient(cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pg.Close()

	ch, err := chclient.NewClient(cfg.ClickHouse)
	if err != nil {
		log.Fatalf("failed to connect clickhouse: %v", err)
	}
	defer ch.Close()
	if err := ch.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate clickhouse: %v", err)
	}

	ledger := pgrepo.NewCostRecordRepository(pg.DB())
	mirror := chrepo.NewCostAnalyticsRepository(ch.Conn())

	log.Infow("Starting backfill",
		"from", from.Format(time.DateOnly),
		"to", to.Format(time.DateOnly),
		"batch", *batchSize,
		"dry_run", *dryRun,
	)

	var (
		cursor pgrepo.Cursor
		total  int
		start  = time.Now()
	)
	for {
		page, err := ledger.ListRange(ctx, from, to, cursor, *batchSize)
		if err != nil {
			log.Fatalf("read failed after %d rows: %v", total, err)
		}
		if len(page) == 0 {
			break
		}

		if !*dryRun {
			if err := mirror.StoreBatch(ctx, page); err != nil {
				log.Fatalf("write failed after %d rows: %v", total, err)
			}
		}

		total += len(page)
		last := page[len(page)-1]
		cursor = pgrepo.Cursor{At: last.Timestamp, ID: last.ID}
		log.Infow("Batch done", "rows", total, "through", last.Timestamp.Format(time.RFC3339))
	}

	log.Infow("✓ Backfill complete", "rows", total, "duration", time.Since(start).Round(time.Millisecond))
}
