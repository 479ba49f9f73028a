package maintenance

import (
	"context"
	"time"

	"concierge/internal/workers"
)

// PendingRetrier is the cost ledger's retry queue
type PendingRetrier interface {
	Pending() int
	RetryPending(ctx context.Context) (int, error)
}

// LedgerRetry drains cost records whose durable write failed
type LedgerRetry struct {
	*workers.BaseWorker
	ledger PendingRetrier
}

// NewLedgerRetry creates the retry worker
func NewLedgerRetry(ledger PendingRetrier, interval time.Duration, enabled bool) *LedgerRetry {
	return &LedgerRetry{
		BaseWorker: workers.NewBaseWorker("ledger_retry", interval, enabled),
		ledger:     ledger,
	}
}

// Run retries every queued record once
func (w *LedgerRetry) Run(ctx context.Context) error {
	if w.ledger.Pending() == 0 {
		return nil
	}

	written, err := w.ledger.RetryPending(ctx)
	if written > 0 {
		w.Log().Infow("Retried pending cost records", "written", written, "remaining", w.ledger.Pending())
	}
	return err
}
