/*
handlers.go - HTTP API handlers for the allocation engine

PURPOSE:
  Exposes the allocation engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Allocations:
    POST   /api/allocations/preview          Preview a split (nothing stored)
    POST   /api/allocations                  Execute and store a new version
    GET    /api/allocations                  List records (source_type, source_id, status, limit)
    GET    /api/allocations/{id}             Get one record
    GET    /api/allocations/{id}/history     Version chain, newest first
    POST   /api/allocations/{id}/recalculate Recalculate as a new version
    PUT    /api/allocations/{id}/actuals     Record actual amounts
    POST   /api/allocations/{id}/archive     Archive a record

  Hierarchy:
    GET    /api/hierarchy/{type}/tree        Hierarchy tree with leaf counts
    POST   /api/hierarchy/{type}/resolve     Resolve a selector to entities

TENANCY:
  Every allocation and hierarchy call carries X-Tenant-ID. X-User-ID names
  the actor recorded in audit trails (default "anonymous").

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Apply business rules (execute only)
  4. Call the engine
  5. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid transitions
  - 404: Allocation not found
  - 409: Concurrent modification (safe to retry)
  - 422: Business rule violations
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/factory"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *allocation.Engine
	Seeder Seeder
	Rules  generic.RuleSet

	log zerolog.Logger

	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a handler. Rules gate execute requests; nil disables them.
func NewHandler(engine *allocation.Engine, seeder Seeder, rules generic.RuleSet, log zerolog.Logger) *Handler {
	return &Handler{
		Engine: engine,
		Seeder: seeder,
		Rules:  rules,
		log:    log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// PreviewAllocation computes a split without storing it.
// POST /api/allocations/preview
func (h *Handler) PreviewAllocation(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAllocationRequest(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.Preview(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewResponse(res))
}

// ExecuteAllocation computes a split and stores it as the source's new
// active version.
// POST /api/allocations
func (h *Handler) ExecuteAllocation(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAllocationRequest(w, r)
	if !ok {
		return
	}

	if violations := h.Rules.Check(req); len(violations) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:      "Allocation rejected by business rules",
			Violations: violations,
		})
		return
	}

	res, err := h.Engine.Execute(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeResult(w, res)
}

// ListAllocations lists the tenant's records, newest first.
// GET /api/allocations?source_type=&source_id=&status=&limit=
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := allocation.Filter{
		SourceType: allocation.SourceType(q.Get("source_type")),
		SourceID:   q.Get("source_id"),
		Status:     allocation.Status(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	records, err := h.Engine.List(r.Context(), tenantFrom(r), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records))
}

// GetAllocation returns one record.
// GET /api/allocations/{id}
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Get(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.FromRecord(rec))
}

// GetAllocationHistory returns the version chain ending at the record.
// GET /api/allocations/{id}/history
func (h *Handler) GetAllocationHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.Engine.History(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records))
}

// RecalculateAllocation stores a new version computed from the record's inputs.
// POST /api/allocations/{id}/recalculate
func (h *Handler) RecalculateAllocation(w http.ResponseWriter, r *http.Request) {
	var body RecalculateRequest
	if !decodeOptionalBody(w, r, &body) {
		return
	}

	opts := allocation.RecalculateOptions{Notes: body.Notes}
	if body.PeriodEnd != "" {
		end, err := generic.ParseDate(body.PeriodEnd)
		if err != nil {
			h.writeDomainError(w, r, generic.NewValidationError("period_end", err.Error()))
			return
		}
		opts.PeriodEnd = &end
	}

	res, err := h.Engine.Recalculate(r.Context(), tenantFrom(r), actorFrom(r), chi.URLParam(r, "id"), opts)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeResult(w, res)
}

// UpdateActuals records actual amounts against a record's lines.
// PUT /api/allocations/{id}/actuals
func (h *Handler) UpdateActuals(w http.ResponseWriter, r *http.Request) {
	var body ActualsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	actuals, err := body.toActuals()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	rec, err := h.Engine.UpdateActuals(r.Context(), tenantFrom(r), actorFrom(r), chi.URLParam(r, "id"), actuals)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.FromRecord(rec))
}

// ArchiveAllocation archives a record.
// POST /api/allocations/{id}/archive
func (h *Handler) ArchiveAllocation(w http.ResponseWriter, r *http.Request) {
	var body ArchiveRequest
	if !decodeOptionalBody(w, r, &body) {
		return
	}

	rec, err := h.Engine.Archive(r.Context(), tenantFrom(r), actorFrom(r), chi.URLParam(r, "id"), body.Notes)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.FromRecord(rec))
}

// =============================================================================
// HIERARCHY HANDLERS
// =============================================================================

// HierarchyTree returns the entity hierarchy with leaf counts.
// GET /api/hierarchy/{type}/tree?depth=
func (h *Handler) HierarchyTree(w http.ResponseWriter, r *http.Request) {
	entityType, err := hierarchy.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		if depth, err = strconv.Atoi(raw); err != nil {
			h.writeDomainError(w, r, generic.NewValidationError("depth", "depth must be a number"))
			return
		}
	}

	tree, err := h.Engine.Resolver().Tree(r.Context(), tenantFrom(r), entityType, depth)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if tree == nil {
		tree = []*hierarchy.TreeNode{}
	}
	writeJSON(w, http.StatusOK, tree)
}

// ResolveSelector lists the entities a selector resolves to.
// POST /api/hierarchy/{type}/resolve
func (h *Handler) ResolveSelector(w http.ResponseWriter, r *http.Request) {
	entityType, err := hierarchy.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var body ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	sel, err := body.Selector.ToSelector()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	res, err := h.Engine.Resolver().Resolve(r.Context(), tenantFrom(r), entityType, sel)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	entities := make([]EntityDTO, len(res.Leaves))
	for i, l := range res.Leaves {
		entities[i] = toEntityDTO(l)
	}
	writeJSON(w, http.StatusOK, ResolveResponse{
		EntityType:                 string(entityType),
		Count:                      len(entities),
		Entities:                   entities,
		ResolvedViaNonLeafFallback: res.ViaNonLeafFallback,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decodeAllocationRequest(w http.ResponseWriter, r *http.Request) (allocation.Request, bool) {
	var body AllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return allocation.Request{}, false
	}
	req, err := body.ToRequest(tenantFrom(r), actorFrom(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return allocation.Request{}, false
	}
	return req, true
}

// decodeOptionalBody accepts an empty body as the zero value.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// writeResult answers 201 with the stored record, or 200 with the failure
// shape when the selector matched nothing.
func (h *Handler) writeResult(w http.ResponseWriter, res *allocation.Result) {
	if !res.Success || res.Record == nil {
		writeJSON(w, http.StatusOK, toPreviewResponse(res))
		return
	}
	writeJSON(w, http.StatusCreated, factory.FromRecord(res.Record))
}

func toRecordDTOs(records []*allocation.Record) []RecordDTO {
	dtos := make([]RecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = factory.FromRecord(rec)
	}
	return dtos
}

// writeDomainError maps engine errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *generic.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: err.Error(), Field: ve.Field})
	case generic.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Allocation not found", err)
	case generic.IsRetryable(err):
		writeError(w, http.StatusConflict, "Concurrent modification, retry the request", err)
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
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
