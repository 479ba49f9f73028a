package matrix

import (
	"sort"
	"strings"
	"sync/atomic"

	"concierge/internal/adapters/config"
	"concierge/internal/domain/routing"
	"concierge/pkg/errors"
)

// Matrix maps task types to ordered (provider, tier) candidates.
// It is immutable after New; a configuration reload builds a new Matrix.
type Matrix struct {
	rows      []routing.ProviderCapability
	overrides map[routing.TaskType][]string
	disabled  map[string]struct{}
}

// New validates the rows and returns a matrix. Every task type must have at
// least one enabled, available row or the configuration is rejected.
func New(rows []routing.ProviderCapability, overrides map[routing.TaskType][]string, disabled []string) (*Matrix, error) {
	m := &Matrix{
		rows:      make([]routing.ProviderCapability, 0, len(rows)),
		overrides: make(map[routing.TaskType][]string, len(overrides)),
		disabled:  make(map[string]struct{}, len(disabled)),
	}

	for _, p := range disabled {
		m.disabled[strings.ToLower(p)] = struct{}{}
	}

	for _, row := range rows {
		if row.Provider == "" {
			return nil, errors.NewValidationError("provider", "capability row without provider", row.Tier)
		}
		if !row.Tier.Valid() {
			return nil, errors.NewValidationError("tier", "unknown tier", row.Tier)
		}
		for t := range row.Tasks {
			if !t.Valid() {
				return nil, errors.Wrapf(errors.ErrClassification, "capability row %s/%s lists %q", row.Provider, row.Tier, t)
			}
		}
		m.rows = append(m.rows, row)
	}

	for t, order := range overrides {
		if !t.Valid() {
			return nil, errors.Wrapf(errors.ErrClassification, "override for %q", t)
		}
		m.overrides[t] = append([]string(nil), order...)
	}

	var missing []string
	for _, t := range routing.AllTaskTypes() {
		if len(m.eligible(t)) == 0 {
			missing = append(missing, t.String())
		}
	}
	if len(missing) > 0 {
		return nil, errors.NewValidationError("capabilities", "task types without an eligible provider", strings.Join(missing, ","))
	}

	return m, nil
}

// FromCatalog builds a matrix from the YAML catalog
func FromCatalog(cat *config.Catalog) (*Matrix, error) {
	rows := make([]routing.ProviderCapability, 0, len(cat.Capabilities))
	for _, entry := range cat.Capabilities {
		tier, err := routing.ParseTier(entry.Tier)
		if err != nil {
			return nil, errors.Wrapf(err, "capability row %s", entry.Provider)
		}
		tasks := make([]routing.TaskType, 0, len(entry.Tasks))
		for _, name := range entry.Tasks {
			t, err := routing.ParseTaskType(name)
			if err != nil {
				return nil, errors.Wrapf(err, "capability row %s/%s", entry.Provider, entry.Tier)
			}
			tasks = append(tasks, t)
		}
		rows = append(rows, routing.NewProviderCapability(
			strings.ToLower(entry.Provider), tier, entry.Priority, entry.IsAvailable(), tasks...,
		))
	}

	overrides := make(map[routing.TaskType][]string, len(cat.Overrides))
	for name, order := range cat.Overrides {
		t, err := routing.ParseTaskType(name)
		if err != nil {
			return nil, errors.Wrap(err, "override")
		}
		lowered := make([]string, len(order))
		for i, p := range order {
			lowered[i] = strings.ToLower(p)
		}
		overrides[t] = lowered
	}

	return New(rows, overrides, cat.Disabled)
}

type ranked struct {
	candidate routing.Candidate
	priority  int
}

func (m *Matrix) isDisabled(provider string) bool {
	_, ok := m.disabled[strings.ToLower(provider)]
	return ok
}

// eligible returns rows serving t, deduplicated by (provider, tier), keeping the best priority
func (m *Matrix) eligible(t routing.TaskType) []ranked {
	best := make(map[routing.Candidate]int)
	for _, row := range m.rows {
		if !row.Available || m.isDisabled(row.Provider) || !row.Supports(t) {
			continue
		}
		c := routing.Candidate{Provider: row.Provider, Tier: row.Tier}
		p := m.priorityOf(t, row)
		if cur, ok := best[c]; !ok || p < cur {
			best[c] = p
		}
	}

	out := make([]ranked, 0, len(best))
	for c, p := range best {
		out = append(out, ranked{candidate: c, priority: p})
	}
	return out
}

// priorityOf is the override position when the task has an override,
// pushing unlisted providers after listed ones, else the row priority.
func (m *Matrix) priorityOf(t routing.TaskType, row routing.ProviderCapability) int {
	order, ok := m.overrides[t]
	if !ok {
		return row.Priority
	}
	for i, p := range order {
		if p == row.Provider {
			return i
		}
	}
	return len(order) + row.Priority
}

// Candidates returns the ordered candidates for a task: tier rank desc,
// priority asc, provider id asc. The result is deterministic for a given matrix.
func (m *Matrix) Candidates(t routing.TaskType) ([]routing.Candidate, error) {
	if !t.Valid() {
		return nil, errors.Wrapf(errors.ErrClassification, "task type %q", t)
	}

	list := m.eligible(t)
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if ra, rb := a.candidate.Tier.Rank(), b.candidate.Tier.Rank(); ra != rb {
			return ra > rb
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.candidate.Provider < b.candidate.Provider
	})

	out := make([]routing.Candidate, len(list))
	for i, r := range list {
		out[i] = r.candidate
	}
	return out, nil
}

// Providers returns the enabled provider ids referenced by any row, sorted
func (m *Matrix) Providers() []string {
	seen := make(map[string]struct{})
	for _, row := range m.rows {
		if !m.isDisabled(row.Provider) {
			seen[row.Provider] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// IsDisabled reports whether a provider is switched off by configuration
func (m *Matrix) IsDisabled(provider string) bool {
	return m.isDisabled(provider)
}

// Rows returns a copy of the capability rows
func (m *Matrix) Rows() []routing.ProviderCapability {
	out := make([]routing.ProviderCapability, len(m.rows))
	copy(out, m.rows)
	return out
}

// Holder publishes the current matrix to concurrent readers
type Holder struct {
	current atomic.Pointer[Matrix]
}

func NewHolder(m *Matrix) *Holder {
	h := &Holder{}
	h.current.Store(m)
	return h
}

func (h *Holder) Load() *Matrix { return h.current.Load() }

// Swap installs a reloaded matrix; in-flight requests keep the one they loaded
func (h *Holder) Swap(m *Matrix) { h.current.Store(m) }
