package config

import (
	_ "embed"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"concierge/pkg/errors"
)

//go:embed catalog.default.yaml
var defaultCatalog []byte

// Catalog is the routing configuration: which providers serve which tasks at
// which tier, and what each model costs.
type Catalog struct {
	// Disabled lists provider ids excluded from routing and refresh
	Disabled []string `yaml:"disabled"`

	Capabilities []CapabilityEntry `yaml:"capabilities"`

	// Overrides maps a task type to a provider preference order.
	// It reorders candidates within a tier and never promotes across tiers.
	Overrides map[string][]string `yaml:"overrides"`

	PriceBook []PriceEntry `yaml:"price_book"`
}

// CapabilityEntry is one (provider, tier) row of the capability matrix
type CapabilityEntry struct {
	Provider  string   `yaml:"provider"`
	Tier      string   `yaml:"tier"`
	Priority  int      `yaml:"priority"`
	Available *bool    `yaml:"available"`
	Tasks     []string `yaml:"tasks"`
}

// IsAvailable defaults to true when the flag is omitted
func (c CapabilityEntry) IsAvailable() bool {
	return c.Available == nil || *c.Available
}

// PriceEntry prices are USD per million tokens, kept as strings so they parse exactly
type PriceEntry struct {
	Provider         string `yaml:"provider"`
	Model            string `yaml:"model"`
	Tier             string `yaml:"tier"`
	ContextWindow    int    `yaml:"context_window"`
	InputPerMillion  string `yaml:"input_per_million"`
	OutputPerMillion string `yaml:"output_per_million"`
}

// Rates returns per-million input and output prices
func (p PriceEntry) Rates() (input, output decimal.Decimal, err error) {
	input, err = decimal.NewFromString(p.InputPerMillion)
	if err != nil {
		return decimal.Zero, decimal.Zero, errors.Wrapf(err, "price book %s/%s: input price", p.Provider, p.Model)
	}
	output, err = decimal.NewFromString(p.OutputPerMillion)
	if err != nil {
		return decimal.Zero, decimal.Zero, errors.Wrapf(err, "price book %s/%s: output price", p.Provider, p.Model)
	}
	if input.IsNegative() || output.IsNegative() {
		return decimal.Zero, decimal.Zero, errors.Wrapf(errors.ErrInvalidInput, "price book %s/%s: negative price", p.Provider, p.Model)
	}
	return input, output, nil
}

// IsDisabled reports whether the provider was switched off in the catalog
func (c *Catalog) IsDisabled(provider string) bool {
	for _, p := range c.Disabled {
		if strings.EqualFold(p, provider) {
			return true
		}
	}
	return false
}

// LoadCatalog reads the catalog from path, or the built-in default when path is empty
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read catalog %s", path)
		}
		data = b
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog and checks its structure
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, errors.Wrap(err, "decode catalog")
	}

	if len(cat.Capabilities) == 0 {
		return nil, errors.NewValidationError("capabilities", "catalog has no capability rows", nil)
	}
	for i, row := range cat.Capabilities {
		if row.Provider == "" || row.Tier == "" {
			return nil, errors.NewValidationError("capabilities", "provider and tier are required", i)
		}
	}
	for _, p := range cat.PriceBook {
		if p.Provider == "" || p.Model == "" || p.Tier == "" {
			return nil, errors.NewValidationError("price_book", "provider, model and tier are required", p.Model)
		}
		if _, _, err := p.Rates(); err != nil {
			return nil, err
		}
	}

	return &cat, nil
}
