// Package memory holds in-process repository implementations used by unit
// tests and by development runs without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"concierge/internal/domain/ai_usage"
	"concierge/pkg/errors"
)

var _ ai_usage.Repository = (*CostRecordRepository)(nil)

// CostRecordRepository keeps records in memory with the same append-only and
// duplicate-id semantics as the Postgres store. Not durable across restarts.
type CostRecordRepository struct {
	mu      sync.RWMutex
	byID    map[string]ai_usage.CostRecord
	byUser  map[string][]string
	failErr error
	readErr error
}

// NewCostRecordRepository creates an empty store
func NewCostRecordRepository() *CostRecordRepository {
	return &CostRecordRepository{
		byID:   make(map[string]ai_usage.CostRecord),
		byUser: make(map[string][]string),
	}
}

// FailWith makes subsequent inserts fail with err; nil restores normal behaviour
func (r *CostRecordRepository) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failErr = err
}

// FailReadsWith makes subsequent ListByUser calls fail with err
func (r *CostRecordRepository) FailReadsWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readErr = err
}

func (r *CostRecordRepository) Insert(ctx context.Context, rec *ai_usage.CostRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failErr != nil {
		return false, r.failErr
	}
	if _, exists := r.byID[rec.ID]; exists {
		return false, nil
	}

	r.byID[rec.ID] = *rec
	r.byUser[rec.UserID] = append(r.byUser[rec.UserID], rec.ID)
	return true, nil
}

func (r *CostRecordRepository) GetByID(ctx context.Context, id string) (*ai_usage.CostRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "cost record %s", id)
	}
	return &rec, nil
}

func (r *CostRecordRepository) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]ai_usage.CostRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.readErr != nil {
		return nil, r.readErr
	}

	var out []ai_usage.CostRecord
	for _, id := range r.byUser[userID] {
		rec := r.byID[id]
		if rec.Timestamp.Before(from) || !rec.Timestamp.Before(to) {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Count returns the number of stored records
func (r *CostRecordRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns every stored record in no particular order
func (r *CostRecordRepository) All() []ai_usage.CostRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ai_usage.CostRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	return out
}
