/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the document model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Money and quantities travel as decimal strings ("120.50"). Numbers are
  accepted on input; output is always a string.

VALIDATION:
  Validation is done by the coordinator, not in DTOs. DTOs are pure data
  carriers; the handlers only reject malformed JSON.

SEE ALSO:
  - handlers.go: Uses these types
  - document/coordinator.go: CreateInput, UpdatePatch
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/document-engine/directory"
	"github.com/warp/document-engine/document"
)

// =============================================================================
// REQUESTS
// =============================================================================

// ItemRequest is one submitted line. unit_price is optional and defaults to
// the catalog price.
type ItemRequest struct {
	ProductID    string           `json:"product_id"`
	Quantity     decimal.Decimal  `json:"quantity"`
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
	Discount     decimal.Decimal  `json:"discount"`
	DiscountKind string           `json:"discount_kind,omitempty"`
	TaxRate      decimal.Decimal  `json:"tax_rate"`
	OptionFor    string           `json:"option_for,omitempty"`
}

// PricingRequest carries the document-level pricing parameters.
type PricingRequest struct {
	GlobalDiscount     decimal.Decimal `json:"global_discount"`
	GlobalDiscountKind string          `json:"global_discount_kind,omitempty"`
	Shipping           decimal.Decimal `json:"shipping"`
	OutputTaxRate      decimal.Decimal `json:"output_tax_rate"`
}

// CreateDocumentRequest is the body of POST /api/documents.
type CreateDocumentRequest struct {
	Type               string          `json:"type"`
	CounterpartyID     string          `json:"counterparty_id"`
	Items              []ItemRequest   `json:"items"`
	Pricing            *PricingRequest `json:"pricing,omitempty"`
	IssuedAt           *time.Time      `json:"issued_at,omitempty"`
	DueAt              *time.Time      `json:"due_at,omitempty"`
	ExpectedDeliveryAt *time.Time      `json:"expected_delivery_at,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	Author             string          `json:"author,omitempty"`
}

// UpdateDocumentRequest is the body of PATCH /api/documents/{id}. Absent
// fields are left unchanged.
type UpdateDocumentRequest struct {
	CounterpartyID     *string         `json:"counterparty_id,omitempty"`
	Items              []ItemRequest   `json:"items,omitempty"`
	ReplaceItems       bool            `json:"replace_items,omitempty"`
	Pricing            *PricingRequest `json:"pricing,omitempty"`
	DueAt              *time.Time      `json:"due_at,omitempty"`
	ExpectedDeliveryAt *time.Time      `json:"expected_delivery_at,omitempty"`
	Notes              *string         `json:"notes,omitempty"`
	ExpectedRevision   *int            `json:"expected_revision,omitempty"`
	Author             string          `json:"author,omitempty"`
}

// ChangeStatusRequest is the body of POST /api/documents/{id}/status.
type ChangeStatusRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor,omitempty"`
}

// ActorRequest is the optional body of convert and restore.
type ActorRequest struct {
	Author string `json:"author,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// DocumentDTO is a header with its items.
type DocumentDTO struct {
	HeaderDTO
	Items []document.Item `json:"items"`
}

// HeaderDTO is a document header in API responses.
type HeaderDTO struct {
	ID                 string           `json:"id"`
	Number             string           `json:"number"`
	Type               string           `json:"type"`
	Status             string           `json:"status"`
	CounterpartyID     string           `json:"counterparty_id"`
	Pricing            document.Pricing `json:"pricing"`
	Totals             document.Totals  `json:"totals"`
	IssuedAt           string           `json:"issued_at"`
	DueAt              *string          `json:"due_at,omitempty"`
	ExpectedDeliveryAt *string          `json:"expected_delivery_at,omitempty"`
	SourceID           string           `json:"source_id,omitempty"`
	Notes              string           `json:"notes,omitempty"`
	Revision           int              `json:"revision"`
	CreatedBy          string           `json:"created_by"`
	CreatedAt          string           `json:"created_at"`
	UpdatedAt          string           `json:"updated_at"`
}

// VersionDTO is one archived snapshot.
type VersionDTO struct {
	Version    int             `json:"version"`
	DocumentID string          `json:"document_id"`
	Author     string          `json:"author"`
	CreatedAt  string          `json:"created_at"`
	Header     HeaderDTO       `json:"header"`
	Items      []document.Item `json:"items,omitempty"`
}

// ListResponse wraps list results with a count.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

// HealthResponse reports the state of each dependency.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error       string `json:"error"`
	Details     string `json:"details,omitempty"`
	Field       string `json:"field,omitempty"`
	Rule        string `json:"rule,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
	Compensated *bool  `json:"compensated,omitempty"`
}

// CounterpartyDTO is a directory entry.
type CounterpartyDTO = directory.Counterparty

// =============================================================================
// CONVERSIONS
// =============================================================================

func (r ItemRequest) toInput() document.ItemInput {
	return document.ItemInput{
		ProductID:    r.ProductID,
		Quantity:     r.Quantity,
		UnitPrice:    r.UnitPrice,
		Discount:     r.Discount,
		DiscountKind: document.DiscountKind(r.DiscountKind),
		TaxRate:      r.TaxRate,
		OptionFor:    r.OptionFor,
	}
}

func toInputs(items []ItemRequest) []document.ItemInput {
	if items == nil {
		return nil
	}
	out := make([]document.ItemInput, len(items))
	for i, it := range items {
		out[i] = it.toInput()
	}
	return out
}

func (r *PricingRequest) toPricing() document.Pricing {
	if r == nil {
		return document.Pricing{}
	}
	return document.Pricing{
		GlobalDiscount:     r.GlobalDiscount,
		GlobalDiscountKind: document.DiscountKind(r.GlobalDiscountKind),
		Shipping:           r.Shipping,
		OutputTaxRate:      r.OutputTaxRate,
	}
}

func toHeaderDTO(h document.Header) HeaderDTO {
	return HeaderDTO{
		ID:                 string(h.ID),
		Number:             h.Number,
		Type:               string(h.Type),
		Status:             string(h.Status),
		CounterpartyID:     h.CounterpartyID,
		Pricing:            h.Pricing,
		Totals:             h.Totals,
		IssuedAt:           h.IssuedAt.Format(time.RFC3339),
		DueAt:              formatOptional(h.DueAt),
		ExpectedDeliveryAt: formatOptional(h.ExpectedDeliveryAt),
		SourceID:           string(h.SourceID),
		Notes:              h.Notes,
		Revision:           h.Revision,
		CreatedBy:          h.CreatedBy,
		CreatedAt:          h.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          h.UpdatedAt.Format(time.RFC3339),
	}
}

func toDocumentDTO(doc *document.Document) DocumentDTO {
	items := doc.Items
	if items == nil {
		items = []document.Item{}
	}
	return DocumentDTO{HeaderDTO: toHeaderDTO(doc.Header), Items: items}
}

func toVersionDTO(v document.Version) VersionDTO {
	return VersionDTO{
		Version:    v.Number,
		DocumentID: string(v.DocumentID),
		Author:     v.Author,
		CreatedAt:  v.CreatedAt.Format(time.RFC3339),
		Header:     toHeaderDTO(v.Header),
		Items:      v.Items,
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
