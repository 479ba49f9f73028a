package maintenance

import (
	"context"
	"time"

	"concierge/internal/services/registry"
	"concierge/internal/workers"
	"concierge/pkg/errors"
)

// RegistryRefresher is the model registry as seen by the refresh worker
type RegistryRefresher interface {
	Refresh(ctx context.Context) (registry.RefreshReport, error)
}

// RegistryRefresh periodically re-lists provider models and swaps the catalog
type RegistryRefresh struct {
	*workers.BaseWorker
	registry RegistryRefresher
}

// NewRegistryRefresh creates the refresh worker
func NewRegistryRefresh(r RegistryRefresher, interval time.Duration, enabled bool) *RegistryRefresh {
	return &RegistryRefresh{
		BaseWorker: workers.NewBaseWorker("registry_refresh", interval, enabled),
		registry:   r,
	}
}

// Run executes one refresh. A stale provider is logged, not an error: the
// registry keeps serving its previous snapshot.
func (w *RegistryRefresh) Run(ctx context.Context) error {
	report, err := w.registry.Refresh(ctx)
	if err != nil {
		return errors.Wrap(err, "registry refresh")
	}

	var stale []string
	for _, p := range report.Providers {
		if p.Stale {
			stale = append(stale, p.Provider)
		}
	}

	if len(stale) > 0 {
		w.Log().Warnw("Registry refreshed with stale providers",
			"stale", stale,
			"providers", len(report.Providers),
		)
		return nil
	}

	w.Log().Debugw("Registry refreshed", "providers", len(report.Providers))
	return nil
}
