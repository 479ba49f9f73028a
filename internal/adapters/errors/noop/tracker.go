package noop

import (
	"context"
	"sync"

	"concierge/pkg/errors"
)

var _ errors.Tracker = (*Tracker)(nil)

// Tracker discards events. It keeps what was captured so tests can assert on
// it, and is used when error tracking is disabled.
type Tracker struct {
	mu          sync.Mutex
	errs        []error
	breadcrumbs []string
}

// New creates a new no-op tracker
func New() *Tracker {
	return &Tracker{}
}

func (t *Tracker) CaptureError(ctx context.Context, err error, tags map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
	return nil
}

func (t *Tracker) CaptureMessage(ctx context.Context, message string, level errors.Level, tags map[string]string) error {
	return nil
}

func (t *Tracker) SetUser(ctx context.Context, userID string, email string, username string) {}

func (t *Tracker) AddBreadcrumb(ctx context.Context, message string, category string, level errors.Level, data map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breadcrumbs = append(t.breadcrumbs, category+": "+message)
}

func (t *Tracker) Flush(ctx context.Context) error {
	return nil
}

// Errors returns captured errors
func (t *Tracker) Errors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.errs...)
}

// Breadcrumbs returns recorded breadcrumbs as "category: message"
func (t *Tracker) Breadcrumbs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.breadcrumbs...)
}
