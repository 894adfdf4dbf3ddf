/*
Package allocation turns a monetary total into a versioned, auditable split
across hierarchy leaves.

PURPOSE:
  A promotion, budget or claim carries a single amount. Finance needs to know
  how much of it lands on each product or customer. The engine resolves the
  target leaves, weighs them by historical sales, splits the amount so the
  lines reconcile exactly, and persists the outcome as an allocation record.

PIPELINE:
  Request → Scope Resolver → Weight Calculator → Split → Preview
                                                       ↘ Record (persisted)

RECORD LIFECYCLE:
  draft ──→ active ──→ superseded ──→ archived
    │         │                          ↑
    └─────────┴──────────────────────────┘

  - A new allocation for the same (tenant, source type, source id) flips the
    previous active record to superseded and inserts version N+1 whose
    parent is the previous record.
  - archived is terminal.
  - Amounts and weights never change after insert. Only the audit trail,
    actuals and status do.

KEY CONCEPTS IN THIS FILE (types.go):
  - SourceType / Dimension / Metric / Status: Closed enumerations
  - Line: One leaf's share, with optional actual and variance
  - Record: The persisted aggregate

SEE ALSO:
  - engine.go: Preview, execute, recalculate, actuals, archive
  - weights.go: Historical weight calculation
  - store.go: Persistence contracts
*/
package allocation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// =============================================================================
// SOURCE - What is being allocated
// =============================================================================

type SourceType string

const (
	SourcePromotion  SourceType = "promotion"
	SourceBudget     SourceType = "budget"
	SourceTradeSpend SourceType = "trade_spend"
	SourceClaim      SourceType = "claim"
	SourceDeduction  SourceType = "deduction"
	SourceSettlement SourceType = "settlement"
	SourceRebate     SourceType = "rebate"
)

var sourceTypes = []SourceType{
	SourcePromotion, SourceBudget, SourceTradeSpend, SourceClaim,
	SourceDeduction, SourceSettlement, SourceRebate,
}

func (s SourceType) Valid() bool {
	for _, t := range sourceTypes {
		if s == t {
			return true
		}
	}
	return false
}

// SourceKey identifies the allocation slot a record versions.
type SourceKey struct {
	TenantID   generic.TenantID
	SourceType SourceType
	SourceID   string
}

func (k SourceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.SourceType, k.SourceID)
}

// =============================================================================
// DIMENSION & METRIC
// =============================================================================

type Dimension string

const (
	DimensionProduct         Dimension = "product"
	DimensionCustomer        Dimension = "customer"
	DimensionProductCustomer Dimension = "product_customer"
)

func (d Dimension) Valid() bool {
	switch d {
	case DimensionProduct, DimensionCustomer, DimensionProductCustomer:
		return true
	}
	return false
}

// EntityType is the hierarchy a dimension resolves against.
// product_customer weighs the product mix across all customers.
func (d Dimension) EntityType() hierarchy.EntityType {
	if d == DimensionCustomer {
		return hierarchy.EntityCustomer
	}
	return hierarchy.EntityProduct
}

// Metric is the basis the historical weights are computed from.
type Metric string

const (
	MetricVolume  Metric = "volume"  // units sold
	MetricRevenue Metric = "revenue" // gross revenue
)

func (m Metric) Valid() bool {
	return m == MetricVolume || m == MetricRevenue
}

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusArchived   Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusSuperseded, StatusArchived:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusActive || next == StatusArchived
	case StatusActive:
		return next == StatusSuperseded || next == StatusArchived
	case StatusSuperseded:
		return next == StatusArchived
	}
	return false
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

type AuditAction string

const (
	AuditCreated        AuditAction = "created"
	AuditRecalculated   AuditAction = "recalculated"
	AuditSuperseded     AuditAction = "superseded"
	AuditActualsUpdated AuditAction = "actuals_updated"
	AuditArchived       AuditAction = "archived"
)

// AuditEntry records who did what when. Entries are only ever appended.
type AuditEntry struct {
	Action    AuditAction
	Actor     generic.ActorID
	Timestamp time.Time
	Notes     string
}

// =============================================================================
// LINE - One leaf's share
// =============================================================================

type Line struct {
	EntityID         generic.LeafID
	EntityName       string
	EntityCode       string
	Weight           float64
	WeightPercentage float64
	Amount           decimal.Decimal
	Path             hierarchy.Path

	// Set by UpdateActuals.
	Actual             *decimal.Decimal
	Variance           *decimal.Decimal
	VariancePercentage *float64
}

var hundred = decimal.NewFromInt(100)

// SetActual records the realised amount and derives the variance against
// the allocated amount. The percentage is 0 when nothing was allocated.
func (l *Line) SetActual(actual decimal.Decimal) {
	variance := actual.Sub(l.Amount)
	pct := 0.0
	if !l.Amount.IsZero() {
		pct = variance.Div(l.Amount).Mul(hundred).Round(2).InexactFloat64()
	}
	l.Actual = &actual
	l.Variance = &variance
	l.VariancePercentage = &pct
}

// =============================================================================
// RECORD - The persisted allocation
// =============================================================================

type Record struct {
	ID         string
	TenantID   generic.TenantID
	SourceType SourceType
	SourceID   string
	SourceName string

	Dimension Dimension
	Selector  hierarchy.Selector
	Metric    Metric
	Period    generic.Period
	Currency  generic.Currency
	Precision int32

	TotalAmount    decimal.Decimal
	TotalAllocated decimal.Decimal
	Lines          []Line
	Statistics     generic.Statistics

	Status                     Status
	Version                    int
	ParentID                   string
	Fallback                   generic.Fallback
	HasHistoricalData          bool
	ResolvedViaNonLeafFallback bool
	AutoRecalculate            bool
	Audit                      []AuditEntry

	CreatedBy generic.ActorID
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Record) Key() SourceKey {
	return SourceKey{TenantID: r.TenantID, SourceType: r.SourceType, SourceID: r.SourceID}
}

// Clone returns a deep copy so stores never share line slices with callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Lines = make([]Line, len(r.Lines))
	for i, l := range r.Lines {
		l.Actual = clonePtr(l.Actual)
		l.Variance = clonePtr(l.Variance)
		l.VariancePercentage = clonePtr(l.VariancePercentage)
		c.Lines[i] = l
	}
	c.Audit = append([]AuditEntry(nil), r.Audit...)
	if s, ok := r.Selector.(hierarchy.LeafSelector); ok {
		c.Selector = hierarchy.LeafSelector{IDs: append([]generic.LeafID(nil), s.IDs...)}
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Request rebuilds the request that reproduces this record's configuration.
func (r *Record) Request(actor generic.ActorID) Request {
	precision := r.Precision
	return Request{
		TenantID:        r.TenantID,
		Actor:           actor,
		SourceType:      r.SourceType,
		SourceID:        r.SourceID,
		SourceName:      r.SourceName,
		Dimension:       r.Dimension,
		Selector:        r.Selector,
		Metric:          r.Metric,
		Period:          r.Period,
		TotalAmount:     r.TotalAmount,
		Currency:        r.Currency,
		Precision:       &precision,
		AutoRecalculate: r.AutoRecalculate,
	}
}
