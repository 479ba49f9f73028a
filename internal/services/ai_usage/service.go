package ai_usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"concierge/internal/domain/ai_usage"
	"concierge/internal/metrics"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// EventPublisher announces durably written records to downstream consumers
type EventPublisher interface {
	PublishCostRecorded(ctx context.Context, rec ai_usage.CostRecord) error
}

// Config holds ledger policy
type Config struct {
	// DailyBudget is the per-user hard cap; nil disables enforcement
	DailyBudget    *decimal.Decimal
	WriteTimeout   time.Duration
	RetryQueueSize int
}

// Ledger is the cost ledger: durable append-only writes, per-user
// serialisation, derived aggregates and lazy budget evaluation.
type Ledger struct {
	repo      ai_usage.Repository
	publisher EventPublisher
	tracker   errors.Tracker
	cfg       Config
	locks     *keyedMutex
	now       func() time.Time
	log       *logger.Logger

	pendingMu sync.Mutex
	pending   []ai_usage.CostRecord
}

// NewLedger creates the ledger. publisher and tracker may be nil.
func NewLedger(repo ai_usage.Repository, publisher EventPublisher, tracker errors.Tracker, cfg Config, log *logger.Logger) *Ledger {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.RetryQueueSize <= 0 {
		cfg.RetryQueueSize = 1024
	}

	return &Ledger{
		repo:      repo,
		publisher: publisher,
		tracker:   tracker,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		now:       time.Now,
		log:       log.With("component", "cost_ledger"),
	}
}

// Record durably appends rec and returns its id. An empty id or timestamp is
// filled in. Re-recording an existing id returns that id without a second row.
// The write is detached from ctx cancellation so completed calls are never lost.
// On failure the record is queued for retry and the error wraps ErrLedgerWrite.
// An invalid record is reported and rejected with an empty id.
func (l *Ledger) Record(ctx context.Context, rec ai_usage.CostRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	if err := rec.Validate(); err != nil {
		l.reportInvalid(ctx, rec, err)
		return "", errors.Wrap(err, "invalid cost record")
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.WriteTimeout)
	defer cancel()

	unlock := l.locks.Lock(rec.UserID)
	inserted, err := l.repo.Insert(writeCtx, &rec)
	if err != nil {
		// queued before the lock is released so aggregates always count it
		l.enqueue(rec)
	}
	unlock()

	if err != nil {
		metrics.RecordLedgerWrite(string(rec.Outcome), "error")
		l.reportWriteFailure(ctx, rec, err)
		return rec.ID, errors.Wrapf(errors.ErrLedgerWrite, "record %s: %v", rec.ID, err)
	}

	if !inserted {
		metrics.RecordLedgerWrite(string(rec.Outcome), "duplicate")
		l.log.Debugw("Cost record already stored", "record_id", rec.ID)
		return rec.ID, nil
	}

	l.afterInsert(writeCtx, rec, "inserted")
	return rec.ID, nil
}

func (l *Ledger) afterInsert(ctx context.Context, rec ai_usage.CostRecord, status string) {
	metrics.RecordLedgerWrite(string(rec.Outcome), status)
	usd, _ := rec.Cost.Float64()
	metrics.RecordCost(rec.Provider, rec.ModelID, usd, rec.InputTokens, rec.OutputTokens)

	l.log.Debugw("Cost record stored",
		"record_id", rec.ID,
		"user_id", rec.UserID,
		"provider", rec.Provider,
		"model", rec.ModelID,
		"cost_usd", rec.Cost.String(),
		"outcome", rec.Outcome,
	)

	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishCostRecorded(ctx, rec); err != nil {
		// analytics mirror only; the ledger row is already durable
		l.log.Warnw("Failed to publish cost record event", "record_id", rec.ID, "error", err)
	}
}

func (l *Ledger) reportWriteFailure(ctx context.Context, rec ai_usage.CostRecord, err error) {
	l.log.Errorw("Cost record write failed, queued for retry",
		"record_id", rec.ID,
		"user_id", rec.UserID,
		"cost_usd", rec.Cost.String(),
		"error", err,
	)
	if l.tracker != nil {
		_ = l.tracker.CaptureError(context.WithoutCancel(ctx), errors.Wrap(errors.ErrLedgerWrite, err.Error()), map[string]string{
			"component": "cost_ledger",
			"user_id":   rec.UserID,
			"record_id": rec.ID,
		})
	}
}

// reportInvalid surfaces a record the ledger refused to store. It cannot be
// queued: a retry would be rejected the same way.
func (l *Ledger) reportInvalid(ctx context.Context, rec ai_usage.CostRecord, err error) {
	metrics.RecordLedgerWrite(string(rec.Outcome), "invalid")
	l.log.Errorw("Cost record rejected, not stored",
		"record_id", rec.ID,
		"user_id", rec.UserID,
		"provider", rec.Provider,
		"model", rec.ModelID,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"error", err,
	)
	if l.tracker != nil {
		_ = l.tracker.CaptureError(context.WithoutCancel(ctx), errors.Wrap(errors.ErrLedgerWrite, err.Error()), map[string]string{
			"component": "cost_ledger",
			"user_id":   rec.UserID,
			"record_id": rec.ID,
			"reason":    "invalid",
		})
	}
}

func (l *Ledger) enqueue(rec ai_usage.CostRecord) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	for _, p := range l.pending {
		if p.ID == rec.ID {
			return
		}
	}

	if len(l.pending) >= l.cfg.RetryQueueSize {
		dropped := l.pending[0]
		l.pending = l.pending[1:]
		l.log.Errorw("Retry queue full, dropping oldest cost record",
			"record_id", dropped.ID,
			"user_id", dropped.UserID,
			"cost_usd", dropped.Cost.String(),
		)
	}
	l.pending = append(l.pending, rec)
}

// Pending returns the number of records waiting for a durable retry
func (l *Ledger) Pending() int {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	return len(l.pending)
}

func (l *Ledger) pendingFor(userID string) []ai_usage.CostRecord {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	var out []ai_usage.CostRecord
	for _, p := range l.pending {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

// RetryPending re-inserts queued records. Inserts are idempotent by id, so a
// record that did land before its write reported failure is not duplicated.
// A record leaves the queue only once its insert succeeds, under the user's
// lock, so aggregates count it exactly once throughout.
func (l *Ledger) RetryPending(ctx context.Context) (retried int, err error) {
	l.pendingMu.Lock()
	batch := append([]ai_usage.CostRecord(nil), l.pending...)
	l.pendingMu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	var failed int
	var lastErr error
	for i, rec := range batch {
		if ctx.Err() != nil {
			failed += len(batch) - i
			lastErr = ctx.Err()
			break
		}

		writeCtx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
		unlock := l.locks.Lock(rec.UserID)
		inserted, err := l.repo.Insert(writeCtx, &rec)
		if err == nil {
			l.dequeue(rec.ID)
		}
		unlock()

		if err != nil {
			cancel()
			failed++
			lastErr = err
			continue
		}

		retried++
		if inserted {
			l.afterInsert(writeCtx, rec, "retried")
		} else {
			metrics.RecordLedgerWrite(string(rec.Outcome), "duplicate")
		}
		cancel()
	}

	if failed > 0 {
		return retried, errors.Wrapf(errors.ErrLedgerWrite, "%d records still pending: %v", failed, lastErr)
	}

	l.log.Infow("Pending cost records written", "count", retried)
	return retried, nil
}

func (l *Ledger) dequeue(id string) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	for i, p := range l.pending {
		if p.ID == id {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

// Aggregate sums the user's records in the period window. It holds the user's
// write lock so it sees a consistent set of that user's writes. Records still
// waiting for a retry are counted so spend is never understated.
func (l *Ledger) Aggregate(ctx context.Context, userID string, period ai_usage.Period) (ai_usage.UsageAggregate, error) {
	if userID == "" {
		return ai_usage.UsageAggregate{}, errors.NewValidationError("user_id", "required", userID)
	}

	start, end := period.Window()

	unlock := l.locks.Lock(userID)
	records, err := l.repo.ListByUser(ctx, userID, start, end)
	unlock()
	if err != nil {
		return ai_usage.UsageAggregate{}, errors.Wrap(err, "failed to list cost records")
	}

	if pending := l.pendingFor(userID); len(pending) > 0 {
		seen := make(map[string]struct{}, len(records))
		for _, r := range records {
			seen[r.ID] = struct{}{}
		}
		for _, p := range pending {
			if _, ok := seen[p.ID]; !ok {
				records = append(records, p)
			}
		}
	}

	return ai_usage.Aggregate(userID, period, records), nil
}

// DailyBudget returns the configured cap
func (l *Ledger) DailyBudget() (decimal.Decimal, bool) {
	if l.cfg.DailyBudget == nil {
		return decimal.Zero, false
	}
	return *l.cfg.DailyBudget, true
}

// CheckBudget evaluates the daily cap on read. Spend equal to the cap counts
// as exceeded. Returns *ai_usage.BudgetExceededError when blocked.
func (l *Ledger) CheckBudget(ctx context.Context, userID string) error {
	limit, ok := l.DailyBudget()
	if !ok {
		return nil
	}

	agg, err := l.Aggregate(ctx, userID, ai_usage.Day(l.now()))
	if err != nil {
		return errors.Wrap(err, "budget check")
	}

	if agg.TotalCost.GreaterThanOrEqual(limit) {
		return &ai_usage.BudgetExceededError{UserID: userID, Spent: agg.TotalCost, Limit: limit}
	}
	return nil
}

// String is used in startup logs
func (c Config) String() string {
	budget := "none"
	if c.DailyBudget != nil {
		budget = "$" + c.DailyBudget.StringFixed(2)
	}
	return fmt.Sprintf("daily_budget=%s write_timeout=%s retry_queue=%d", budget, c.WriteTimeout, c.RetryQueueSize)
}
