package billing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan maps one sellable plan to its price identifiers at each provider.
// The catalog is display/checkout metadata only; entitlement always comes from
// the resolver, never from the catalog.
type Plan struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	StripePriceID string   `yaml:"stripe_price_id"`
	PaddlePriceID string   `yaml:"paddle_price_id"`
	Interval      Interval `yaml:"interval"`
}

// PriceID returns the plan's price identifier at the given provider.
func (p Plan) PriceID(provider PaymentProvider) (string, bool) {
	switch provider {
	case ProviderStripe:
		return p.StripePriceID, p.StripePriceID != ""
	case ProviderPaddle:
		return p.PaddlePriceID, p.PaddlePriceID != ""
	}
	return "", false
}

// Catalog holds the configured plans keyed by ID.
type Catalog struct {
	plans map[string]Plan
}

// NewCatalog builds a catalog from the given plans. Duplicate IDs are
// rejected to catch copy-paste mistakes in config early.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, errors.New("billing: at least one plan is required")
	}
	m := make(map[string]Plan, len(plans))
	for _, p := range plans {
		if p.ID == "" {
			return nil, errors.New("billing: plan with empty ID")
		}
		if _, exists := m[p.ID]; exists {
			return nil, fmt.Errorf("billing: duplicate plan ID %q", p.ID)
		}
		m[p.ID] = p
	}
	return &Catalog{plans: m}, nil
}

// LoadCatalog reads a YAML plan file of the shape:
//
//	plans:
//	  - id: premium_monthly
//	    name: Premium Monthly
//	    stripe_price_id: price_xxx
//	    paddle_price_id: pri_xxx
//	    interval: month
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("billing: read plan catalog: %w", err)
	}

	var file struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("billing: parse plan catalog: %w", err)
	}

	return NewCatalog(file.Plans...)
}

// Plan returns the plan with the given ID.
func (c *Catalog) Plan(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}
