/*
Package directory provides the product catalog and counterparty directory.

PURPOSE:
  Implements document.Catalog and document.Counterparties from a JSON
  definition, so a deployment can ship its reference data without a
  separate service. Products resolved here are snapshotted onto line
  items at write time; later catalog edits never change stored documents.

JSON SCHEMA:
  {
    "products": [
      {"id": "p-bracket", "name": "Steel bracket", "code": "SB-100",
       "unit_price": "120.00", "image_url": "https://..."}
    ],
    "counterparties": [
      {"id": "cust-acme", "name": "Acme Traders", "kind": "customer"},
      {"id": "vend-bolt", "name": "Bolt Supply", "kind": "vendor"}
    ]
  }

KEY FEATURES:
  - Validates ids are present and unique
  - Rejects negative price hints
  - Safe for concurrent reads; Put* replace entries under a lock

USAGE:
  dir, err := directory.Load("./data/directory.json")
  coord := document.NewCoordinator(headers, items, versions,
      document.WithCatalog(dir),
      document.WithCounterparties(dir),
  )
*/
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/document-engine/document"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CounterpartyKind distinguishes customers from vendors.
type CounterpartyKind string

const (
	KindCustomer CounterpartyKind = "customer"
	KindVendor   CounterpartyKind = "vendor"
)

// Counterparty is a customer or vendor.
type Counterparty struct {
	ID   string           `json:"id"`
	Name string           `json:"name"`
	Kind CounterpartyKind `json:"kind"`
}

// File is the JSON representation of a directory.
type File struct {
	Products       []document.Product `json:"products"`
	Counterparties []Counterparty     `json:"counterparties"`
}

// =============================================================================
// DIRECTORY
// =============================================================================

// Directory is an in-memory catalog and counterparty directory.
type Directory struct {
	mu             sync.RWMutex
	products       map[string]document.Product
	counterparties map[string]Counterparty
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{
		products:       make(map[string]document.Product),
		counterparties: make(map[string]Counterparty),
	}
}

// Load reads a directory from a JSON file.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}
	return Parse(data)
}

// Parse builds a directory from JSON.
func Parse(data []byte) (*Directory, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid directory JSON: %w", err)
	}
	return FromFile(f)
}

// FromFile validates f and builds a directory from it.
func FromFile(f File) (*Directory, error) {
	d := New()
	for i, p := range f.Products {
		if err := ValidateProduct(p); err != nil {
			return nil, fmt.Errorf("products[%d]: %w", i, err)
		}
		if _, dup := d.products[p.ID]; dup {
			return nil, fmt.Errorf("products[%d]: duplicate id %q", i, p.ID)
		}
		d.products[p.ID] = p
	}
	for i, c := range f.Counterparties {
		if err := ValidateCounterparty(&c); err != nil {
			return nil, fmt.Errorf("counterparties[%d]: %w", i, err)
		}
		if _, dup := d.counterparties[c.ID]; dup {
			return nil, fmt.Errorf("counterparties[%d]: duplicate id %q", i, c.ID)
		}
		d.counterparties[c.ID] = c
	}
	return d, nil
}

// ValidateProduct checks a single product definition.
func ValidateProduct(p document.Product) error {
	if p.ID == "" {
		return errors.New("id is required")
	}
	if p.UnitPriceHint.IsNegative() {
		return errors.New("unit_price must not be negative")
	}
	return nil
}

// ValidateCounterparty checks c, defaulting an empty kind to customer.
func ValidateCounterparty(c *Counterparty) error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Kind == "" {
		c.Kind = KindCustomer
	}
	if c.Kind != KindCustomer && c.Kind != KindVendor {
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	return nil
}

// ResolveProduct implements document.Catalog.
func (d *Directory) ResolveProduct(_ context.Context, id string) (*document.Product, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, document.ErrNotFound)
	}
	return &p, nil
}

// Exists implements document.Counterparties.
func (d *Directory) Exists(_ context.Context, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.counterparties[id]
	return ok, nil
}

// PutProduct adds or replaces a product.
func (d *Directory) PutProduct(p document.Product) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.products[p.ID] = p
}

// PutCounterparty adds or replaces a counterparty.
func (d *Directory) PutCounterparty(c Counterparty) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counterparties[c.ID] = c
}

// Products returns every product sorted by id.
func (d *Directory) Products() []document.Product {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]document.Product, 0, len(d.products))
	for _, p := range d.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counterparties returns every counterparty sorted by id.
func (d *Directory) Counterparties() []Counterparty {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Counterparty, 0, len(d.counterparties))
	for _, c := range d.counterparties {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// DEMO DATA
// =============================================================================

// Demo returns a small directory for local runs.
func Demo() *Directory {
	d, _ := FromFile(File{
		Products: []document.Product{
			{ID: "p-bracket", Name: "Steel bracket", Code: "SB-100", UnitPriceHint: decimal.RequireFromString("120.00")},
			{ID: "p-hinge", Name: "Brass hinge", Code: "BH-220", UnitPriceHint: decimal.RequireFromString("45.50")},
			{ID: "p-screws", Name: "Screw pack (100)", Code: "SP-010", UnitPriceHint: decimal.RequireFromString("9.99")},
			{ID: "p-sealant", Name: "Silicone sealant", Code: "SS-300", UnitPriceHint: decimal.RequireFromString("310.00")},
		},
		Counterparties: []Counterparty{
			{ID: "cust-acme", Name: "Acme Traders", Kind: KindCustomer},
			{ID: "cust-globex", Name: "Globex Retail", Kind: KindCustomer},
			{ID: "vend-bolt", Name: "Bolt Supply Co", Kind: KindVendor},
		},
	})
	return d
}
