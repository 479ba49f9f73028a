package maintenance

import (
	"context"
	"time"

	"concierge/internal/adapters/config"
	"concierge/internal/services/matrix"
	"concierge/internal/workers"
	"concierge/pkg/errors"
)

// CatalogReload re-reads the catalog file and swaps the capability matrix.
// An invalid file leaves the current matrix in place. Price book edits still
// need a restart because the registry is built from the startup catalog.
type CatalogReload struct {
	*workers.BaseWorker
	path   string
	holder *matrix.Holder
	load   func(path string) (*config.Catalog, error)
}

// NewCatalogReload creates the reload worker for path. It is disabled when path is empty.
func NewCatalogReload(path string, holder *matrix.Holder, interval time.Duration) *CatalogReload {
	return &CatalogReload{
		BaseWorker: workers.NewBaseWorker("catalog_reload", interval, path != ""),
		path:       path,
		holder:     holder,
		load:       config.LoadCatalog,
	}
}

// Run loads and validates the catalog, then swaps the matrix
func (w *CatalogReload) Run(ctx context.Context) error {
	cat, err := w.load(w.path)
	if err != nil {
		return errors.Wrap(err, "reload catalog")
	}

	m, err := matrix.FromCatalog(cat)
	if err != nil {
		return errors.Wrap(err, "rebuild capability matrix")
	}

	w.holder.Swap(m)
	w.Log().Debugw("Capability matrix reloaded", "path", w.path, "providers", m.Providers())
	return nil
}
