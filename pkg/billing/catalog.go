package billing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultYearlyThreshold is the amount in minor units at or above which an
// unknown product is guessed to be yearly.
const DefaultYearlyThreshold int64 = 10000

// Catalog maps provider product ids to plan types.
//
//	products:
//	  pdt_monthly: monthly
//	  pdt_yearly: yearly
//	yearly_amount_threshold: 10000
//	strict_products: false
type Catalog struct {
	Products        map[string]PlanType `yaml:"products"`
	YearlyThreshold int64               `yaml:"yearly_amount_threshold"`
	// Strict makes unknown products fail the event instead of guessing.
	Strict bool `yaml:"strict_products"`
}

// PlanDecision is the outcome of a catalog lookup.
type PlanDecision struct {
	Plan PlanType
	// Guessed is true when the plan came from the amount heuristic.
	Guessed bool
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// NewCatalog builds a catalog in code.
func NewCatalog(products map[string]PlanType, yearlyThreshold int64, strict bool) (*Catalog, error) {
	c := &Catalog{Products: products, YearlyThreshold: yearlyThreshold, Strict: strict}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate() error {
	if c.Products == nil {
		c.Products = map[string]PlanType{}
	}
	for id, plan := range c.Products {
		if id == "" {
			return fmt.Errorf("%w: empty product id", ErrInvalidCatalog)
		}
		if !plan.Valid() {
			return fmt.Errorf("%w: product %q has plan %q, want monthly or yearly", ErrInvalidCatalog, id, plan)
		}
	}
	if c.YearlyThreshold < 0 {
		return fmt.Errorf("%w: negative yearly_amount_threshold", ErrInvalidCatalog)
	}
	if c.YearlyThreshold == 0 {
		c.YearlyThreshold = DefaultYearlyThreshold
	}
	return nil
}

// PlanFor returns the plan for productID. Unknown products fall back to the
// amount heuristic unless the catalog is strict.
func (c *Catalog) PlanFor(productID string, amount int64) (PlanDecision, error) {
	if plan, ok := c.Products[productID]; ok {
		return PlanDecision{Plan: plan}, nil
	}
	if c.Strict {
		return PlanDecision{}, fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
	}
	if amount >= c.YearlyThreshold {
		return PlanDecision{Plan: PlanYearly, Guessed: true}, nil
	}
	return PlanDecision{Plan: PlanMonthly, Guessed: true}, nil
}
