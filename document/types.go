/*
Package document provides the issuance and consistency core for commercial documents.

PURPOSE:
  Quotations, purchase orders and field-guided sheets share one engine: a
  transactional header record, an independently stored items sub-record,
  an append-only version log and a status lifecycle. This package holds the
  domain types and the algorithms; persistence lives behind the interfaces
  in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Type:   document kind (quotation, purchase order, field-guided sheet)
  - Item:   one line of a document, money fields in decimal.Decimal
  - Pricing: document-level discount, shipping and output tax parameters
  - Totals: the computed breakdown (see totals.go)
  - Header: the authoritative record owned by the HeaderStore

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never float64
  2. Snapshots: item display fields are copied at creation, not live-linked
  3. Header is the source of truth for "document exists"

SEE ALSO:
  - coordinator.go: create/update/delete/status/convert orchestration
  - totals.go: the totals calculation
  - sequence.go: document numbering
*/
package document

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS AND DOCUMENT TYPES
// =============================================================================

// ID identifies a document across both stores.
type ID string

// Type tags the kind of commercial document.
type Type string

const (
	TypeQuotation        Type = "quotation"
	TypePurchaseOrder    Type = "purchase_order"
	TypeFieldGuidedSheet Type = "field_guided_sheet"
)

var typePrefixes = map[Type]string{
	TypeQuotation:        "QUO",
	TypePurchaseOrder:    "PO",
	TypeFieldGuidedSheet: "FGS",
}

// conversions lists which document type each type converts into.
var conversions = map[Type]Type{
	TypeFieldGuidedSheet: TypePurchaseOrder,
}

// Valid reports whether t is a known document type.
func (t Type) Valid() bool {
	_, ok := typePrefixes[t]
	return ok
}

// Prefix returns the fixed number prefix for the type.
func (t Type) Prefix() string {
	return typePrefixes[t]
}

// ConvertsTo returns the target type of a convert operation, if any.
func (t Type) ConvertsTo() (Type, bool) {
	target, ok := conversions[t]
	return target, ok
}

// =============================================================================
// LINE ITEMS
// =============================================================================

// DiscountKind says how a discount value is interpreted.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

// Valid reports whether k is a known discount kind. Empty is treated as fixed.
func (k DiscountKind) Valid() bool {
	return k == "" || k == DiscountPercentage || k == DiscountFixed
}

// Item is one line of a document.
// Name, Code and ImageURL are a snapshot of the catalog at the time the
// line was priced.
type Item struct {
	ProductID    string          `json:"product_id"`
	Name         string          `json:"name"`
	Code         string          `json:"code"`
	ImageURL     string          `json:"image_url,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Discount     decimal.Decimal `json:"discount"`
	DiscountKind DiscountKind    `json:"discount_kind"`
	TaxRate      decimal.Decimal `json:"tax_rate"`

	// OptionFor marks the line as an alternate or add-on to the main line
	// with this product id. Options never contribute to totals.
	OptionFor string `json:"option_for,omitempty"`

	LineTotal decimal.Decimal `json:"line_total"`
}

// IsOption reports whether the line is an optional (non-priced) line.
func (it Item) IsOption() bool {
	return it.OptionFor != ""
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

// =============================================================================
// PRICING AND TOTALS
// =============================================================================

// Pricing holds the document-level parameters fed to the totals calculation.
type Pricing struct {
	GlobalDiscount     decimal.Decimal `json:"global_discount"`
	GlobalDiscountKind DiscountKind    `json:"global_discount_kind"`
	Shipping           decimal.Decimal `json:"shipping"`
	OutputTaxRate      decimal.Decimal `json:"output_tax_rate"`
}

// Totals is the itemized breakdown produced by ComputeTotals.
type Totals struct {
	SubTotal             decimal.Decimal `json:"sub_total"`
	ItemDiscountTotal    decimal.Decimal `json:"item_discount_total"`
	TaxableAmount        decimal.Decimal `json:"taxable_amount"`
	Shipping             decimal.Decimal `json:"shipping"`
	GlobalDiscountAmount decimal.Decimal `json:"global_discount_amount"`
	AmountBeforeRounding decimal.Decimal `json:"amount_before_rounding"`
	RoundOff             decimal.Decimal `json:"round_off"`
	GSTAmount            decimal.Decimal `json:"gst_amount"`
	FinalAmount          decimal.Decimal `json:"final_amount"`

	// Display only.
	OptionCount int             `json:"option_count"`
	OptionTotal decimal.Decimal `json:"option_total"`
}

// =============================================================================
// HEADER
// =============================================================================

// Header is the authoritative record of a document.
type Header struct {
	ID             ID     `json:"id"`
	Number         string `json:"number"`
	Type           Type   `json:"type"`
	CounterpartyID string `json:"counterparty_id"`
	Status         Status `json:"status"`

	Pricing Pricing `json:"pricing"`
	Totals  Totals  `json:"totals"`

	IssuedAt           time.Time  `json:"issued_at"`
	DueAt              *time.Time `json:"due_at,omitempty"`
	ExpectedDeliveryAt *time.Time `json:"expected_delivery_at,omitempty"`

	// SourceID points at the document this one was converted from.
	SourceID ID `json:"source_id,omitempty"`

	// ItemsKey is the key of the items sub-record in the ItemsStore.
	ItemsKey string `json:"items_key"`

	Notes string `json:"notes,omitempty"`

	// Revision increments on every header write.
	Revision int `json:"revision"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Document is a header together with its line items.
type Document struct {
	Header Header `json:"header"`
	Items  []Item `json:"items"`
}

// ListFilter narrows ListHeaders. Zero values match everything.
type ListFilter struct {
	Type           Type
	Status         Status
	CounterpartyID string
	Limit          int
}

// Matches reports whether h passes the filter.
func (f ListFilter) Matches(h Header) bool {
	if f.Type != "" && h.Type != f.Type {
		return false
	}
	if f.Status != "" && h.Status != f.Status {
		return false
	}
	if f.CounterpartyID != "" && h.CounterpartyID != f.CounterpartyID {
		return false
	}
	return true
}
