/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Allocations:
    AllocationRequest, PreviewResponse, MetadataDTO
    RecordDTO (wraps factory.RecordJSON)

  Lifecycle:
    RecalculateRequest, ActualsRequest, ArchiveRequest

  Hierarchy:
    ResolveRequest, ResolveResponse, EntityDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

AMOUNTS:
  Money travels as decimal strings ("1000.00"), never as JSON numbers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/record.go: RecordJSON and LineJSON
*/
package api

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/factory"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// =============================================================================
// ALLOCATION REQUESTS
// =============================================================================

// AllocationRequest is the body of preview and execute calls.
type AllocationRequest struct {
	SourceType      string               `json:"source_type"`
	SourceID        string               `json:"source_id"`
	SourceName      string               `json:"source_name,omitempty"`
	Dimension       string               `json:"dimension"`
	Selector        factory.SelectorJSON `json:"selector"`
	Metric          string               `json:"metric,omitempty"`
	PeriodStart     string               `json:"period_start"`
	PeriodEnd       string               `json:"period_end"`
	TotalAmount     string               `json:"total_amount"`
	Currency        string               `json:"currency,omitempty"`
	Precision       *int32               `json:"precision,omitempty"`
	AutoRecalculate bool                 `json:"auto_recalculate,omitempty"`
	Notes           string               `json:"notes,omitempty"`
}

// ToRequest converts the body to an engine request for tenant and actor.
func (ar AllocationRequest) ToRequest(tenant generic.TenantID, actor generic.ActorID) (allocation.Request, error) {
	sel, err := ar.Selector.ToSelector()
	if err != nil {
		return allocation.Request{}, err
	}
	start, err := generic.ParseDate(ar.PeriodStart)
	if err != nil {
		return allocation.Request{}, generic.NewValidationError("period_start", err.Error())
	}
	end, err := generic.ParseDate(ar.PeriodEnd)
	if err != nil {
		return allocation.Request{}, generic.NewValidationError("period_end", err.Error())
	}
	total, err := decimal.NewFromString(ar.TotalAmount)
	if err != nil {
		return allocation.Request{}, generic.NewValidationError("total_amount", fmt.Sprintf("%q is not a decimal amount", ar.TotalAmount))
	}

	return allocation.Request{
		TenantID:        tenant,
		Actor:           actor,
		SourceType:      allocation.SourceType(ar.SourceType),
		SourceID:        ar.SourceID,
		SourceName:      ar.SourceName,
		Dimension:       allocation.Dimension(ar.Dimension),
		Selector:        sel,
		Metric:          allocation.Metric(ar.Metric),
		Period:          generic.Period{Start: start, End: end},
		TotalAmount:     total,
		Currency:        generic.Currency(ar.Currency),
		Precision:       ar.Precision,
		AutoRecalculate: ar.AutoRecalculate,
		Notes:           ar.Notes,
	}, nil
}

// =============================================================================
// ALLOCATION RESPONSES
// =============================================================================

type PeriodDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type MetadataDTO struct {
	EntityCount                int                   `json:"entity_count"`
	TotalAmount                string                `json:"total_amount"`
	TotalAllocated             string                `json:"total_allocated,omitempty"`
	Currency                   string                `json:"currency,omitempty"`
	Precision                  int32                 `json:"precision"`
	Metric                     string                `json:"metric,omitempty"`
	Period                     *PeriodDTO            `json:"period,omitempty"`
	Selector                   *factory.SelectorJSON `json:"selector,omitempty"`
	HasHistoricalData          bool                  `json:"has_historical_data"`
	FallbackUsed               string                `json:"fallback_used,omitempty"`
	ResolvedViaNonLeafFallback bool                  `json:"resolved_via_non_leaf_fallback,omitempty"`
}

// PreviewResponse is the preview shape, and the failure shape of execute
// and recalculate when the selector matched nothing.
type PreviewResponse struct {
	Success     bool               `json:"success"`
	Error       string             `json:"error,omitempty"`
	Allocations []factory.LineJSON `json:"allocations"`
	Metadata    MetadataDTO        `json:"metadata"`
}

// RecordDTO is a persisted allocation record.
type RecordDTO = factory.RecordJSON

func toPreviewResponse(res *allocation.Result) PreviewResponse {
	m := res.Metadata
	meta := MetadataDTO{
		EntityCount: m.EntityCount,
		TotalAmount: m.TotalAmount.StringFixed(m.Precision),
		Precision:   m.Precision,
	}
	if res.Success {
		meta.TotalAllocated = m.TotalAllocated.StringFixed(m.Precision)
		meta.Currency = string(m.Currency)
		meta.Metric = string(m.Metric)
		meta.Period = &PeriodDTO{Start: m.Period.Start.String(), End: m.Period.End.String()}
		if m.Selector != nil {
			sel := factory.FromSelector(m.Selector)
			meta.Selector = &sel
		}
		meta.HasHistoricalData = m.HasHistoricalData
		meta.FallbackUsed = string(m.FallbackUsed)
		meta.ResolvedViaNonLeafFallback = m.ResolvedViaNonLeafFallback
	}
	return PreviewResponse{
		Success:     res.Success,
		Error:       res.Error,
		Allocations: factory.FromLines(res.Lines, m.Precision),
		Metadata:    meta,
	}
}

// =============================================================================
// LIFECYCLE REQUESTS
// =============================================================================

type RecalculateRequest struct {
	PeriodEnd string `json:"period_end,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type ActualDTO struct {
	EntityID     string `json:"entity_id"`
	ActualAmount string `json:"actual_amount"`
}

type ActualsRequest struct {
	Actuals []ActualDTO `json:"actuals"`
}

func (ar ActualsRequest) toActuals() ([]allocation.Actual, error) {
	out := make([]allocation.Actual, len(ar.Actuals))
	for i, a := range ar.Actuals {
		amount, err := decimal.NewFromString(a.ActualAmount)
		if err != nil {
			return nil, generic.NewValidationError("actuals", fmt.Sprintf("%s: %q is not a decimal amount", a.EntityID, a.ActualAmount))
		}
		out[i] = allocation.Actual{EntityID: generic.LeafID(a.EntityID), Amount: amount}
	}
	return out, nil
}

type ArchiveRequest struct {
	Notes string `json:"notes,omitempty"`
}

// =============================================================================
// HIERARCHY
// =============================================================================

type ResolveRequest struct {
	Selector factory.SelectorJSON `json:"selector"`
}

type EntityDTO struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Code      string                `json:"code,omitempty"`
	IsLeaf    bool                  `json:"is_leaf"`
	Hierarchy []hierarchy.LevelNode `json:"hierarchy"`
}

type ResolveResponse struct {
	EntityType                 string      `json:"entity_type"`
	Count                      int         `json:"count"`
	Entities                   []EntityDTO `json:"entities"`
	ResolvedViaNonLeafFallback bool        `json:"resolved_via_non_leaf_fallback"`
}

func toEntityDTO(l hierarchy.Leaf) EntityDTO {
	var path []hierarchy.LevelNode
	for level := 1; level <= hierarchy.MaxLevels; level++ {
		if n := l.Path.At(level); !n.IsZero() {
			path = append(path, n)
		}
	}
	if path == nil {
		path = []hierarchy.LevelNode{}
	}
	return EntityDTO{ID: string(l.ID), Name: l.Name, Code: l.Code, IsLeaf: l.IsLeaf, Hierarchy: path}
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	TenantID    string `json:"tenant_id"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error      string              `json:"error"`
	Details    string              `json:"details,omitempty"`
	Field      string              `json:"field,omitempty"`
	Violations []generic.Violation `json:"violations,omitempty"`
}
