package registry

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"concierge/internal/adapters/ai"
	"concierge/internal/adapters/config"
	"concierge/internal/domain/routing"
	"concierge/internal/metrics"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

var perMillion = decimal.NewFromInt(1_000_000)

// PriceEntry is a known model with per-token USD rates
type PriceEntry struct {
	Provider       string
	ModelID        string
	Tier           routing.Tier
	ContextWindow  int
	InputPerToken  decimal.Decimal
	OutputPerToken decimal.Decimal
}

// PriceBookFromCatalog converts per-million catalog prices to per-token rates
func PriceBookFromCatalog(cat *config.Catalog) ([]PriceEntry, error) {
	out := make([]PriceEntry, 0, len(cat.PriceBook))
	for _, p := range cat.PriceBook {
		tier, err := routing.ParseTier(p.Tier)
		if err != nil {
			return nil, errors.Wrapf(err, "price book %s/%s", p.Provider, p.Model)
		}
		in, outRate, err := p.Rates()
		if err != nil {
			return nil, err
		}
		out = append(out, PriceEntry{
			Provider:       strings.ToLower(p.Provider),
			ModelID:        p.Model,
			Tier:           tier,
			ContextWindow:  p.ContextWindow,
			InputPerToken:  in.Div(perMillion),
			OutputPerToken: outRate.Div(perMillion),
		})
	}
	return out, nil
}

// Lister is the part of a provider adapter the registry needs
type Lister interface {
	Provider() string
	ListModels(ctx context.Context) ([]ai.ListedModel, error)
}

// providerSnapshot is immutable once published
type providerSnapshot struct {
	models      map[routing.Tier]routing.ModelDescriptor
	refreshedAt time.Time
	stale       bool
	lastError   string
}

// catalog is the whole published state; replaced wholesale on every refresh
type catalog struct {
	providers map[string]*providerSnapshot
	builtAt   time.Time
}

// Config tunes refresh behaviour
type Config struct {
	MaxStaleness time.Duration
	ListTimeout  time.Duration
}

// Registry resolves (provider, tier) to a concrete model. Reads are lock-free
// against an atomically swapped snapshot; refreshes never block readers.
type Registry struct {
	priceBook map[string][]PriceEntry
	listers   map[string]Lister
	cfg       Config
	current   atomic.Pointer[catalog]
	group     singleflight.Group
	now       func() time.Time
	log       *logger.Logger
}

// New creates an empty registry. Call Init before routing.
func New(priceBook []PriceEntry, listers []Lister, cfg Config, log *logger.Logger) *Registry {
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 20 * time.Second
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = 6 * time.Hour
	}

	r := &Registry{
		priceBook: make(map[string][]PriceEntry),
		listers:   make(map[string]Lister, len(listers)),
		cfg:       cfg,
		now:       time.Now,
		log:       log.With("component", "model_registry"),
	}
	for _, p := range priceBook {
		r.priceBook[p.Provider] = append(r.priceBook[p.Provider], p)
	}
	for _, l := range listers {
		r.listers[l.Provider()] = l
	}
	r.current.Store(&catalog{providers: map[string]*providerSnapshot{}})
	return r
}

// ListersFromAdapters adapts an AdapterSet to the registry's input
func ListersFromAdapters(set ai.AdapterSet) []Lister {
	out := make([]Lister, 0, len(set))
	for _, p := range set.Providers() {
		a, _ := set.Get(p)
		out = append(out, a)
	}
	return out
}

// Init performs the first refresh. It fails only when no provider resolved any model.
func (r *Registry) Init(ctx context.Context) error {
	report, err := r.Refresh(ctx)
	if err != nil {
		return err
	}
	for _, st := range report.Providers {
		if st.Models > 0 {
			return nil
		}
	}
	return errors.Wrap(errors.ErrUnavailable, "model registry resolved no models")
}

// ProviderStatus describes one provider's snapshot
type ProviderStatus struct {
	Provider    string                    `json:"provider"`
	Models      int                       `json:"models"`
	Stale       bool                      `json:"stale"`
	LastError   string                    `json:"last_error,omitempty"`
	RefreshedAt time.Time                 `json:"refreshed_at"`
	Descriptors []routing.ModelDescriptor `json:"descriptors,omitempty"`
}

// RefreshReport is the outcome of one refresh cycle
type RefreshReport struct {
	BuiltAt   time.Time        `json:"built_at"`
	Providers []ProviderStatus `json:"providers"`
}

// Refresh re-lists every provider and swaps in a new catalog. Concurrent callers
// share one in-flight refresh. Safe to call while requests are being routed.
func (r *Registry) Refresh(ctx context.Context) (RefreshReport, error) {
	ch := r.group.DoChan("refresh", func() (interface{}, error) {
		// Detached so one caller's cancellation does not fail the shared refresh
		return r.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return RefreshReport{}, errors.Wrap(ctx.Err(), "registry refresh")
	case res := <-ch:
		if res.Err != nil {
			return RefreshReport{}, res.Err
		}
		return res.Val.(RefreshReport), nil
	}
}

func (r *Registry) refresh(ctx context.Context) (RefreshReport, error) {
	prev := r.current.Load()
	providers := make([]string, 0, len(r.listers))
	for p := range r.listers {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	results := make([]*providerSnapshot, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, provider := range providers {
		g.Go(func() error {
			results[i] = r.refreshProvider(gctx, provider, prev.providers[provider])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RefreshReport{}, err
	}

	next := &catalog{
		providers: make(map[string]*providerSnapshot, len(providers)),
		builtAt:   r.now(),
	}
	for i, provider := range providers {
		next.providers[provider] = results[i]
	}
	r.current.Store(next)

	report := r.report(next, false)
	for _, st := range report.Providers {
		metrics.RecordRegistryRefresh(st.Provider, st.Stale, next.builtAt.Sub(st.RefreshedAt))
	}
	r.log.Infow("Model registry refreshed", "providers", len(providers))
	return report, nil
}

// refreshProvider builds a provider's new snapshot, or keeps the previous one
// marked stale. A provider is never published half-updated.
func (r *Registry) refreshProvider(ctx context.Context, provider string, prev *providerSnapshot) *providerSnapshot {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ListTimeout)
	defer cancel()

	keepPrevious := func(reason string) *providerSnapshot {
		r.log.Warnw("Keeping previous model snapshot", "provider", provider, "reason", reason)
		if prev == nil {
			return &providerSnapshot{
				models:    map[routing.Tier]routing.ModelDescriptor{},
				stale:     true,
				lastError: reason,
			}
		}
		return &providerSnapshot{
			models:      prev.models,
			refreshedAt: prev.refreshedAt,
			stale:       true,
			lastError:   reason,
		}
	}

	listed, err := r.listers[provider].ListModels(ctx)
	if err != nil {
		return keepPrevious(err.Error())
	}

	available := make(map[string]struct{}, len(listed))
	for _, m := range listed {
		available[m.ID] = struct{}{}
	}

	now := r.now()
	models := make(map[routing.Tier]routing.ModelDescriptor)
	for _, entry := range r.priceBook[provider] {
		if _, ok := available[entry.ModelID]; !ok {
			continue
		}
		// First price book entry per tier wins
		if _, taken := models[entry.Tier]; taken {
			continue
		}
		models[entry.Tier] = routing.ModelDescriptor{
			ModelID:            entry.ModelID,
			Provider:           provider,
			Tier:               entry.Tier,
			ContextWindow:      entry.ContextWindow,
			CostPerInputToken:  entry.InputPerToken,
			CostPerOutputToken: entry.OutputPerToken,
			LastVerified:       now,
		}
	}

	if len(models) == 0 {
		return keepPrevious("no priced model in provider listing")
	}

	return &providerSnapshot{models: models, refreshedAt: now}
}

// Resolve returns the model for a candidate. It never blocks on a refresh.
func (r *Registry) Resolve(provider string, tier routing.Tier) (routing.ModelDescriptor, error) {
	snap := r.current.Load().providers[provider]
	if snap == nil {
		return routing.ModelDescriptor{}, errors.Wrapf(errors.ErrRegistryUnresolved, "provider %s not in registry", provider)
	}

	md, ok := snap.models[tier]
	if !ok {
		return routing.ModelDescriptor{}, errors.Wrapf(errors.ErrRegistryUnresolved, "no %s model for %s", tier, provider)
	}

	if age := r.now().Sub(snap.refreshedAt); age > r.cfg.MaxStaleness {
		return routing.ModelDescriptor{}, errors.Wrapf(errors.ErrRegistryUnresolved,
			"%s snapshot is %s old", provider, age.Truncate(time.Second))
	}

	return md, nil
}

// Snapshot describes the currently published catalog
func (r *Registry) Snapshot() RefreshReport {
	return r.report(r.current.Load(), true)
}

// ModelCounts reports resolvable models per provider
func (r *Registry) ModelCounts() map[string]int {
	snap := r.current.Load()
	out := make(map[string]int, len(snap.providers))
	for p, s := range snap.providers {
		out[p] = len(s.models)
	}
	return out
}

func (r *Registry) report(c *catalog, withDescriptors bool) RefreshReport {
	report := RefreshReport{BuiltAt: c.builtAt}
	for provider, s := range c.providers {
		st := ProviderStatus{
			Provider:    provider,
			Models:      len(s.models),
			Stale:       s.stale,
			LastError:   s.lastError,
			RefreshedAt: s.refreshedAt,
		}
		if withDescriptors {
			for _, md := range s.models {
				st.Descriptors = append(st.Descriptors, md)
			}
			sort.Slice(st.Descriptors, func(i, j int) bool {
				return st.Descriptors[i].Tier.Rank() > st.Descriptors[j].Tier.Rank()
			})
		}
		report.Providers = append(report.Providers, st)
	}
	sort.Slice(report.Providers, func(i, j int) bool {
		return report.Providers[i].Provider < report.Providers[j].Provider
	})
	return report
}
