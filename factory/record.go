package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// =============================================================================
// RECORD JSON - Allocation record document
// =============================================================================

// Amounts are decimal strings fixed to the record's precision, so documents
// round-trip without float loss.

type RecordJSON struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name,omitempty"`

	Dimension   string       `json:"dimension"`
	Selector    SelectorJSON `json:"selector"`
	Metric      string       `json:"metric"`
	PeriodStart string       `json:"period_start"`
	PeriodEnd   string       `json:"period_end"`
	Currency    string       `json:"currency"`
	Precision   int32        `json:"precision"`

	TotalAmount    string             `json:"total_amount"`
	TotalAllocated string             `json:"total_allocated"`
	Lines          []LineJSON         `json:"allocations"`
	Statistics     generic.Statistics `json:"statistics"`

	Status                     string      `json:"status"`
	Version                    int         `json:"version"`
	ParentAllocation           string      `json:"parent_allocation,omitempty"`
	FallbackUsed               string      `json:"fallback_used"`
	HasHistoricalData          bool        `json:"has_historical_data"`
	ResolvedViaNonLeafFallback bool        `json:"resolved_via_non_leaf_fallback"`
	AutoRecalculate            bool        `json:"auto_recalculate"`
	AuditTrail                 []AuditJSON `json:"audit_trail"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LineJSON struct {
	EntityID           string                `json:"entity_id"`
	EntityName         string                `json:"entity_name"`
	EntityCode         string                `json:"entity_code,omitempty"`
	Weight             float64               `json:"weight"`
	WeightPercentage   float64               `json:"weight_percentage"`
	AllocatedAmount    string                `json:"allocated_amount"`
	Hierarchy          []hierarchy.LevelNode `json:"hierarchy"`
	ActualAmount       *string               `json:"actual_amount,omitempty"`
	Variance           *string               `json:"variance,omitempty"`
	VariancePercentage *float64              `json:"variance_percentage,omitempty"`
}

type AuditJSON struct {
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Notes     string    `json:"notes,omitempty"`
}

// FromRecord converts a record to its document form.
func FromRecord(r *allocation.Record) RecordJSON {
	rj := RecordJSON{
		ID:                         r.ID,
		TenantID:                   string(r.TenantID),
		SourceType:                 string(r.SourceType),
		SourceID:                   r.SourceID,
		SourceName:                 r.SourceName,
		Dimension:                  string(r.Dimension),
		Selector:                   FromSelector(r.Selector),
		Metric:                     string(r.Metric),
		PeriodStart:                r.Period.Start.String(),
		PeriodEnd:                  r.Period.End.String(),
		Currency:                   string(r.Currency),
		Precision:                  r.Precision,
		TotalAmount:                r.TotalAmount.StringFixed(r.Precision),
		TotalAllocated:             r.TotalAllocated.StringFixed(r.Precision),
		Lines:                      FromLines(r.Lines, r.Precision),
		Statistics:                 r.Statistics,
		Status:                     string(r.Status),
		Version:                    r.Version,
		ParentAllocation:           r.ParentID,
		FallbackUsed:               string(r.Fallback),
		HasHistoricalData:          r.HasHistoricalData,
		ResolvedViaNonLeafFallback: r.ResolvedViaNonLeafFallback,
		AutoRecalculate:            r.AutoRecalculate,
		AuditTrail:                 make([]AuditJSON, len(r.Audit)),
		CreatedBy:                  string(r.CreatedBy),
		CreatedAt:                  r.CreatedAt,
		UpdatedAt:                  r.UpdatedAt,
	}
	for i, a := range r.Audit {
		rj.AuditTrail[i] = AuditJSON{Action: string(a.Action), Actor: string(a.Actor), Timestamp: a.Timestamp, Notes: a.Notes}
	}
	return rj
}

// FromLines converts allocation lines, formatting amounts at precision.
func FromLines(lines []allocation.Line, precision int32) []LineJSON {
	out := make([]LineJSON, len(lines))
	for i, l := range lines {
		lj := LineJSON{
			EntityID:           string(l.EntityID),
			EntityName:         l.EntityName,
			EntityCode:         l.EntityCode,
			Weight:             l.Weight,
			WeightPercentage:   l.WeightPercentage,
			AllocatedAmount:    l.Amount.StringFixed(precision),
			Hierarchy:          pathNodes(l.Path),
			VariancePercentage: l.VariancePercentage,
		}
		if l.Actual != nil {
			s := l.Actual.String()
			lj.ActualAmount = &s
		}
		if l.Variance != nil {
			s := l.Variance.String()
			lj.Variance = &s
		}
		out[i] = lj
	}
	return out
}

// pathNodes lists the path down to its deepest set level.
func pathNodes(p hierarchy.Path) []hierarchy.LevelNode {
	depth := 0
	for level := 1; level <= hierarchy.MaxLevels; level++ {
		if !p.At(level).IsZero() {
			depth = level
		}
	}
	return append([]hierarchy.LevelNode{}, p[:depth]...)
}

// ToRecord parses a document back into a record.
func (rj RecordJSON) ToRecord() (*allocation.Record, error) {
	sel, err := rj.Selector.ToSelector()
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rj.ID, err)
	}
	start, err := generic.ParseDate(rj.PeriodStart)
	if err != nil {
		return nil, fmt.Errorf("record %s period_start: %w", rj.ID, err)
	}
	end, err := generic.ParseDate(rj.PeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("record %s period_end: %w", rj.ID, err)
	}
	total, err := decimal.NewFromString(rj.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("record %s total_amount: %w", rj.ID, err)
	}
	allocated, err := decimal.NewFromString(rj.TotalAllocated)
	if err != nil {
		return nil, fmt.Errorf("record %s total_allocated: %w", rj.ID, err)
	}

	r := &allocation.Record{
		ID:                         rj.ID,
		TenantID:                   generic.TenantID(rj.TenantID),
		SourceType:                 allocation.SourceType(rj.SourceType),
		SourceID:                   rj.SourceID,
		SourceName:                 rj.SourceName,
		Dimension:                  allocation.Dimension(rj.Dimension),
		Selector:                   sel,
		Metric:                     allocation.Metric(rj.Metric),
		Period:                     generic.Period{Start: start, End: end},
		Currency:                   generic.Currency(rj.Currency),
		Precision:                  rj.Precision,
		TotalAmount:                total,
		TotalAllocated:             allocated,
		Statistics:                 rj.Statistics,
		Status:                     allocation.Status(rj.Status),
		Version:                    rj.Version,
		ParentID:                   rj.ParentAllocation,
		Fallback:                   generic.Fallback(rj.FallbackUsed),
		HasHistoricalData:          rj.HasHistoricalData,
		ResolvedViaNonLeafFallback: rj.ResolvedViaNonLeafFallback,
		AutoRecalculate:            rj.AutoRecalculate,
		CreatedBy:                  generic.ActorID(rj.CreatedBy),
		CreatedAt:                  rj.CreatedAt,
		UpdatedAt:                  rj.UpdatedAt,
	}
	if r.Lines, err = ToLines(rj.Lines); err != nil {
		return nil, fmt.Errorf("record %s: %w", rj.ID, err)
	}
	for _, a := range rj.AuditTrail {
		r.Audit = append(r.Audit, allocation.AuditEntry{
			Action:    allocation.AuditAction(a.Action),
			Actor:     generic.ActorID(a.Actor),
			Timestamp: a.Timestamp,
			Notes:     a.Notes,
		})
	}
	return r, nil
}

// ToLines parses line documents.
func ToLines(docs []LineJSON) ([]allocation.Line, error) {
	lines := make([]allocation.Line, len(docs))
	for i, lj := range docs {
		amount, err := decimal.NewFromString(lj.AllocatedAmount)
		if err != nil {
			return nil, fmt.Errorf("line %s allocated_amount: %w", lj.EntityID, err)
		}
		l := allocation.Line{
			EntityID:           generic.LeafID(lj.EntityID),
			EntityName:         lj.EntityName,
			EntityCode:         lj.EntityCode,
			Weight:             lj.Weight,
			WeightPercentage:   lj.WeightPercentage,
			Amount:             amount,
			Path:               hierarchy.NewPath(lj.Hierarchy...),
			VariancePercentage: lj.VariancePercentage,
		}
		if lj.ActualAmount != nil {
			a, err := decimal.NewFromString(*lj.ActualAmount)
			if err != nil {
				return nil, fmt.Errorf("line %s actual_amount: %w", lj.EntityID, err)
			}
			l.Actual = &a
		}
		if lj.Variance != nil {
			v, err := decimal.NewFromString(*lj.Variance)
			if err != nil {
				return nil, fmt.Errorf("line %s variance: %w", lj.EntityID, err)
			}
			l.Variance = &v
		}
		lines[i] = l
	}
	return lines, nil
}

// MarshalRecord encodes a record document.
func MarshalRecord(r *allocation.Record) ([]byte, error) {
	return json.Marshal(FromRecord(r))
}

// UnmarshalRecord decodes a record document.
func UnmarshalRecord(data []byte) (*allocation.Record, error) {
	var rj RecordJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return nil, fmt.Errorf("decode allocation record: %w", err)
	}
	return rj.ToRecord()
}
