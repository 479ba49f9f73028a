package bootstrap

import (
	"concierge/internal/workers"
	"concierge/internal/workers/maintenance"
)

// provideWorkers creates the maintenance workers and indexes them for the admin API
func provideWorkers(c *Container) (*workers.Scheduler, *workers.Registry) {
	c.Log.Info("Initializing workers...")

	scheduler := workers.NewScheduler()
	registry := workers.NewRegistry()

	register := func(w workers.WorkerWithHealth) {
		if err := registry.Register(w); err != nil {
			c.Log.Fatalf("failed to register worker: %v", err)
		}
		scheduler.RegisterWorker(w)
	}

	// Re-list provider models so newly released models and retirements are picked up
	register(maintenance.NewRegistryRefresh(
		c.Services.Registry,
		c.Config.Registry.RefreshInterval,
		true,
	))

	// Re-insert cost records whose first write failed
	register(maintenance.NewLedgerRetry(
		c.Services.Ledger,
		c.Config.Workers.LedgerRetryInterval,
		true,
	))

	// Hot-swap the capability matrix when the catalog file changes.
	// Disabled when running on the embedded catalog.
	register(maintenance.NewCatalogReload(
		c.Config.Router.CatalogFile,
		c.Services.Matrix,
		c.Config.Workers.CatalogReloadInterval,
	))

	c.Log.Infow("✓ Workers initialized", "count", registry.Count())
	return scheduler, registry
}
