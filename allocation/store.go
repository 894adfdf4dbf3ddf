/*
store.go - Persistence contracts for allocation records and sales history

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  HistoryStore: Aggregated historical sales per leaf
  Store:        Allocation record persistence
  TxStore:      Store with atomic multi-step writes

ONE ACTIVE RECORD PER SOURCE:
  Stores must reject a second active record for the same
  (tenant, source type, source id) and a duplicate version for the same
  source. Both surface as generic.ErrConcurrentModification so the engine
  can retry with fresh state.

CONDITIONAL TRANSITIONS:
  Transition only changes status when the stored status still equals from.
  A mismatch means another writer got there first and is reported as
  generic.ErrConcurrentModification.

IMPLEMENTATIONS:
  - store/memory: In-memory for tests and local runs
  - store/sqlite: Default SQLite store
  - store/postgres: PostgreSQL via pgx
*/
package allocation

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// =============================================================================
// HISTORY STORE - Aggregated sales for weight calculation
// =============================================================================

// HistoryStore aggregates historical sales.
type HistoryStore interface {
	// SumMetric returns Σ quantity (volume) or Σ gross revenue (revenue) per
	// leaf over rows dated within period, inclusive, restricted to tenant,
	// entity type and ids. Leaves without rows may be absent from the map.
	SumMetric(ctx context.Context, tenant generic.TenantID, entityType hierarchy.EntityType, metric Metric, ids []generic.LeafID, period generic.Period) (map[generic.LeafID]decimal.Decimal, error)
}

// =============================================================================
// RECORD STORE
// =============================================================================

// Filter narrows List. Zero fields match everything.
type Filter struct {
	SourceType          SourceType
	SourceID            string
	Status              Status
	AutoRecalculateOnly bool
	Limit               int
}

// Matches reports whether rec passes the filter, ignoring Limit.
func (f Filter) Matches(rec *Record) bool {
	if f.SourceType != "" && rec.SourceType != f.SourceType {
		return false
	}
	if f.SourceID != "" && rec.SourceID != f.SourceID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.AutoRecalculateOnly && !rec.AutoRecalculate {
		return false
	}
	return true
}

type Store interface {
	// Get returns generic.ErrAllocationNotFound for unknown ids.
	Get(ctx context.Context, tenant generic.TenantID, id string) (*Record, error)

	// GetActive returns the active record of a source, or nil if none.
	GetActive(ctx context.Context, key SourceKey) (*Record, error)

	// LatestVersion returns the highest version of a source, 0 if none.
	LatestVersion(ctx context.Context, key SourceKey) (int, error)

	// List returns records newest first (created_at, then version).
	List(ctx context.Context, tenant generic.TenantID, filter Filter) ([]*Record, error)

	// Insert persists a new record with its lines and audit trail.
	Insert(ctx context.Context, rec *Record) error

	// Transition moves a record from one status to another and appends the
	// audit entry, only if the stored status is still from.
	Transition(ctx context.Context, tenant generic.TenantID, id string, from, to Status, entry AuditEntry) error

	// SaveActuals replaces the actual/variance fields of the record's lines
	// and appends the audit entry. Amounts and weights are left untouched.
	SaveActuals(ctx context.Context, tenant generic.TenantID, id string, lines []Line, entry AuditEntry) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// TenantLister is implemented by stores that can enumerate the tenants
// holding allocation records. Background jobs use it to fan out.
type TenantLister interface {
	Tenants(ctx context.Context) ([]generic.TenantID, error)
}
