/*
handlers.go - HTTP API handlers for the document engine

PURPOSE:
  Exposes the document coordinator via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the coordinator.

ENDPOINTS:
  Documents:
    POST   /api/documents                                  Create
    GET    /api/documents?type=&status=&counterparty_id=   List headers
    GET    /api/documents/{id}                             Header + items
    PATCH  /api/documents/{id}                             Update (merge by default)
    DELETE /api/documents/{id}                             Delete
    POST   /api/documents/{id}/status                      Change status
    POST   /api/documents/{id}/convert                     Convert (FGS → PO)

  Versions:
    GET    /api/documents/{id}/versions                    List snapshots
    GET    /api/documents/{id}/versions/{version}          One snapshot
    POST   /api/documents/{id}/versions/{version}/restore  Re-apply a snapshot

  Directory:
    GET/POST /api/products
    GET/POST /api/counterparties

  Health:
    GET    /api/health

REQUEST FLOW:
  1. Parse HTTP request
  2. Map the DTO to a coordinator input
  3. Call the coordinator
  4. Serialize response
  5. Map errors (see writeDomainError)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, malformed input
  - 404: Document or version not found
  - 409: Number allocation conflict or stale revision (retryable)
  - 422: Lifecycle or state rule violated
  - 500: Partial failure (with compensated flag) or internal errors

ACTOR:
  The acting user comes from the body (author/actor) or the X-Actor header.
  There is no authentication layer.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/document-engine/directory"
	"github.com/warp/document-engine/document"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Documents *document.Coordinator
	Directory *directory.Directory
	Checks    []HealthCheck

	logger *zap.Logger
}

// NewHandler creates a handler over the coordinator. dir may be nil, in
// which case the directory endpoints answer 404.
func NewHandler(docs *document.Coordinator, dir *directory.Directory, logger *zap.Logger, checks ...HealthCheck) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Documents: docs,
		Directory: dir,
		Checks:    checks,
		logger:    logger.Named("api"),
	}
}

// =============================================================================
// DOCUMENT HANDLERS
// =============================================================================

// CreateDocument creates a document and returns it with its number.
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	in := document.CreateInput{
		Type:               document.Type(req.Type),
		CounterpartyID:     req.CounterpartyID,
		Items:              toInputs(req.Items),
		Pricing:            req.Pricing.toPricing(),
		DueAt:              req.DueAt,
		ExpectedDeliveryAt: req.ExpectedDeliveryAt,
		Notes:              req.Notes,
		Author:             actor(r, req.Author),
	}
	if req.IssuedAt != nil {
		in.IssuedAt = *req.IssuedAt
	}

	doc, err := h.Documents.Create(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

// ListDocuments returns headers filtered by query parameters.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := document.ListFilter{
		Type:           document.Type(q.Get("type")),
		Status:         document.Status(q.Get("status")),
		CounterpartyID: q.Get("counterparty_id"),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid type filter", nil)
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status filter", nil)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	headers, err := h.Documents.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]HeaderDTO, len(headers))
	for i, hd := range headers {
		dtos[i] = toHeaderDTO(hd)
	}
	writeJSON(w, http.StatusOK, ListResponse[HeaderDTO]{Data: dtos, Count: len(dtos)})
}

// GetDocument returns a header with its items.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Documents.Get(r.Context(), documentID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// UpdateDocument applies a partial update.
func (h *Handler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	var req UpdateDocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	patch := document.UpdatePatch{
		CounterpartyID:     req.CounterpartyID,
		Items:              toInputs(req.Items),
		DueAt:              req.DueAt,
		ExpectedDeliveryAt: req.ExpectedDeliveryAt,
		Notes:              req.Notes,
		ReplaceItems:       req.ReplaceItems,
		ExpectedRevision:   req.ExpectedRevision,
		Author:             actor(r, req.Author),
	}
	if req.Pricing != nil {
		p := req.Pricing.toPricing()
		patch.Pricing = &p
	}

	doc, err := h.Documents.Update(r.Context(), documentID(r), patch)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// DeleteDocument removes a document.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.Documents.Delete(r.Context(), documentID(r), actor(r, "")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChangeStatus moves a document through its lifecycle.
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req ChangeStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	header, err := h.Documents.ChangeStatus(r.Context(), documentID(r), document.Status(req.Status), actor(r, req.Actor))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHeaderDTO(*header))
}

// ConvertDocument creates the target document from an approved source.
func (h *Handler) ConvertDocument(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	doc, err := h.Documents.Convert(r.Context(), documentID(r), actor(r, req.Author))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

// =============================================================================
// VERSION HANDLERS
// =============================================================================

// ListVersions returns every snapshot of a document, oldest first.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := documentID(r)

	versions, err := h.Documents.Versions(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if len(versions) == 0 {
		// Distinguish "never updated" from "no such document".
		if _, err := h.Documents.Get(ctx, id); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}

	dtos := make([]VersionDTO, len(versions))
	for i, v := range versions {
		dto := toVersionDTO(v)
		dto.Items = nil
		dtos[i] = dto
	}
	writeJSON(w, http.StatusOK, ListResponse[VersionDTO]{Data: dtos, Count: len(dtos)})
}

// GetVersion returns one snapshot with its items.
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	number, ok := versionNumber(w, r)
	if !ok {
		return
	}

	v, err := h.Documents.Version(r.Context(), documentID(r), number)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVersionDTO(*v))
}

// RestoreVersion re-applies a snapshot as a new update.
func (h *Handler) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	number, ok := versionNumber(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	doc, err := h.Documents.Restore(r.Context(), documentID(r), number, actor(r, req.Author))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// ListProducts returns the catalog.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	if !h.hasDirectory(w) {
		return
	}
	products := h.Directory.Products()
	writeJSON(w, http.StatusOK, ListResponse[document.Product]{Data: products, Count: len(products)})
}

// PutProduct adds or replaces a catalog product.
func (h *Handler) PutProduct(w http.ResponseWriter, r *http.Request) {
	if !h.hasDirectory(w) {
		return
	}
	var p document.Product
	if !decodeBody(w, r, &p) {
		return
	}
	if err := directory.ValidateProduct(p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid product", err)
		return
	}
	h.Directory.PutProduct(p)
	writeJSON(w, http.StatusCreated, p)
}

// ListCounterparties returns customers and vendors.
func (h *Handler) ListCounterparties(w http.ResponseWriter, r *http.Request) {
	if !h.hasDirectory(w) {
		return
	}
	cps := h.Directory.Counterparties()
	writeJSON(w, http.StatusOK, ListResponse[CounterpartyDTO]{Data: cps, Count: len(cps)})
}

// PutCounterparty adds or replaces a customer or vendor.
func (h *Handler) PutCounterparty(w http.ResponseWriter, r *http.Request) {
	if !h.hasDirectory(w) {
		return
	}
	var c CounterpartyDTO
	if !decodeBody(w, r, &c) {
		return
	}
	if err := directory.ValidateCounterparty(&c); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid counterparty", err)
		return
	}
	h.Directory.PutCounterparty(c)
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) hasDirectory(w http.ResponseWriter) bool {
	if h.Directory == nil {
		writeError(w, http.StatusNotFound, "Directory not configured", nil)
		return false
	}
	return true
}

// =============================================================================
// HEALTH
// =============================================================================

// Health pings every configured dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	status := http.StatusOK
	for _, c := range h.Checks {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeDomainError maps the document error taxonomy to HTTP. Partial failure
// is checked first since it also unwraps to its cause.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		partial  *document.PartialFailureError
		invalid  *document.ValidationError
		rule     *document.BusinessRuleError
		conflict *document.ConflictError
	)

	switch {
	case errors.As(err, &partial):
		h.logger.Error("partial failure",
			zap.String("request_id", requestID(r)),
			zap.String("op", partial.Op),
			zap.String("stage", partial.Stage),
			zap.String("document_id", string(partial.ID)),
			zap.Bool("compensated", partial.Compensated),
			zap.Error(err))
		compensated := partial.Compensated
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:       "Operation partially failed",
			Details:     err.Error(),
			Retryable:   partial.Compensated,
			Compensated: &compensated,
		})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Details: invalid.Reason,
			Field:   invalid.Field,
		})
	case errors.Is(err, document.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.As(err, &rule):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Business rule violated",
			Details: rule.Reason,
			Rule:    rule.Rule,
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "Conflict",
			Details:   err.Error(),
			Retryable: true,
		})
	default:
		h.logger.Error("request failed",
			zap.String("request_id", requestID(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeBody(w, r, dst)
}

func documentID(r *http.Request) document.ID {
	return document.ID(chi.URLParam(r, "id"))
}

func versionNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "Invalid version number", err)
		return 0, false
	}
	return n, true
}

func actor(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "system"
}
