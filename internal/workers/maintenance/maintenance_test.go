package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/adapters/config"
	"concierge/internal/domain/routing"
	"concierge/internal/repository/memory"
	usagesvc "concierge/internal/services/ai_usage"
	"concierge/internal/services/matrix"
	"concierge/internal/services/registry"
	"concierge/internal/testsupport"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

type fakeRefresher struct {
	report registry.RefreshReport
	err    error
	calls  int
}

func (f *fakeRefresher) Refresh(context.Context) (registry.RefreshReport, error) {
	f.calls++
	return f.report, f.err
}

func TestRegistryRefresh_Run(t *testing.T) {
	t.Run("stale providers are not an error", func(t *testing.T) {
		r := &fakeRefresher{report: registry.RefreshReport{Providers: []registry.ProviderStatus{
			{Provider: "anthropic", Models: 3},
			{Provider: "openai", Stale: true, LastError: "connection refused"},
		}}}
		w := NewRegistryRefresh(r, time.Minute, true)

		require.NoError(t, w.Run(context.Background()))
		assert.Equal(t, 1, r.calls)
		assert.Equal(t, "registry_refresh", w.Name())
	})

	t.Run("refresh error propagates", func(t *testing.T) {
		w := NewRegistryRefresh(&fakeRefresher{err: errors.ErrUnavailable}, time.Minute, true)
		assert.ErrorIs(t, w.Run(context.Background()), errors.ErrUnavailable)
	})
}

func TestLedgerRetry_Run(t *testing.T) {
	repo := memory.NewCostRecordRepository()
	ledger := usagesvc.NewLedger(repo, nil, nil, usagesvc.Config{}, logger.NewNop())
	w := NewLedgerRetry(ledger, time.Second, true)
	ctx := context.Background()

	// nothing queued
	require.NoError(t, w.Run(ctx))

	repo.FailWith(errors.ErrUnavailable)
	_, err := ledger.Record(ctx, *testsupport.NewCostRecordFixture().Build())
	require.ErrorIs(t, err, errors.ErrLedgerWrite)
	require.Equal(t, 1, ledger.Pending())

	assert.ErrorIs(t, w.Run(ctx), errors.ErrLedgerWrite)
	assert.Equal(t, 1, ledger.Pending())

	repo.FailWith(nil)
	require.NoError(t, w.Run(ctx))
	assert.Zero(t, ledger.Pending())
	assert.Equal(t, 1, repo.Count())
}

const reloadedCatalog = `
capabilities:
  - provider: solo
    tier: balanced
    tasks: [code-generation, code-review, debugging, reasoning, math, long-document-summarization, short-summarization, lightweight-chat, conversation, creative-writing, translation, data-extraction, classification, planning, research-synthesis, tool-use]
price_book:
  - provider: solo
    model: solo-1
    tier: balanced
    context_window: 32000
    input_per_million: "1"
    output_per_million: "2"
`

func TestCatalogReload_Run(t *testing.T) {
	cat, err := config.LoadCatalog("")
	require.NoError(t, err)
	initial, err := matrix.FromCatalog(cat)
	require.NoError(t, err)
	holder := matrix.NewHolder(initial)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reloadedCatalog), 0o600))

	w := NewCatalogReload(path, holder, time.Minute)
	assert.True(t, w.Enabled())
	require.NoError(t, w.Run(context.Background()))

	got, err := holder.Load().Candidates(routing.TaskCodeGeneration)
	require.NoError(t, err)
	assert.Equal(t, []routing.Candidate{{Provider: "solo", Tier: routing.TierBalanced}}, got)

	// a broken file keeps the current matrix
	require.NoError(t, os.WriteFile(path, []byte("capabilities: ["), 0o600))
	assert.Error(t, w.Run(context.Background()))
	got, err = holder.Load().Candidates(routing.TaskCodeGeneration)
	require.NoError(t, err)
	assert.Equal(t, "solo", got[0].Provider)
}

func TestCatalogReload_DisabledWithoutPath(t *testing.T) {
	w := NewCatalogReload("", matrix.NewHolder(nil), time.Minute)
	assert.False(t, w.Enabled())
}
