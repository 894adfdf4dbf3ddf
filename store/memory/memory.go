// Package memory provides in-memory stores for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store implements hierarchy.LeafStore, allocation.HistoryStore and
// allocation.TxStore.
type Store struct {
	mu      sync.RWMutex
	leaves  map[leafKey]hierarchy.Leaf
	sales   []allocation.Sale
	records map[string]*allocation.Record
}

type leafKey struct {
	Tenant generic.TenantID
	Type   hierarchy.EntityType
	ID     generic.LeafID
}

var (
	_ hierarchy.LeafStore     = (*Store)(nil)
	_ allocation.HistoryStore = (*Store)(nil)
	_ allocation.TxStore      = (*Store)(nil)
	_ allocation.TenantLister = (*Store)(nil)
)

func New() *Store {
	return &Store{
		leaves:  make(map[leafKey]hierarchy.Leaf),
		records: make(map[string]*allocation.Record),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

// SaveLeaf inserts or replaces a hierarchy entity.
func (m *Store) SaveLeaf(_ context.Context, l hierarchy.Leaf) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves[leafKey{l.TenantID, l.Type, l.ID}] = l
	return nil
}

// RecordSale appends a historical sales row.
func (m *Store) RecordSale(_ context.Context, s allocation.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales = append(m.sales, s)
	return nil
}

// Reset drops everything.
func (m *Store) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves = make(map[leafKey]hierarchy.Leaf)
	m.sales = nil
	m.records = make(map[string]*allocation.Record)
	return nil
}

// =============================================================================
// LEAF STORE
// =============================================================================

func (m *Store) FindByIDs(_ context.Context, tenant generic.TenantID, entityType hierarchy.EntityType, ids []generic.LeafID) ([]hierarchy.Leaf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []hierarchy.Leaf
	for _, id := range ids {
		if l, ok := m.leaves[leafKey{tenant, entityType, id}]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Store) FindByHierarchy(_ context.Context, tenant generic.TenantID, entityType hierarchy.EntityType, level int, value string, leavesOnly bool) ([]hierarchy.Leaf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.filterLeaves(tenant, entityType, func(l hierarchy.Leaf) bool {
		return l.Path.At(level).Matches(value) && (!leavesOnly || l.IsLeaf)
	}), nil
}

func (m *Store) FindActive(_ context.Context, tenant generic.TenantID, entityType hierarchy.EntityType) ([]hierarchy.Leaf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.filterLeaves(tenant, entityType, func(hierarchy.Leaf) bool { return true }), nil
}

// filterLeaves returns active leaves of the scope that pass keep, ordered by id.
func (m *Store) filterLeaves(tenant generic.TenantID, entityType hierarchy.EntityType, keep func(hierarchy.Leaf) bool) []hierarchy.Leaf {
	var out []hierarchy.Leaf
	for k, l := range m.leaves {
		if k.Tenant == tenant && k.Type == entityType && l.Active && keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// HISTORY STORE
// =============================================================================

func (m *Store) SumMetric(_ context.Context, tenant generic.TenantID, entityType hierarchy.EntityType, metric allocation.Metric, ids []generic.LeafID, period generic.Period) (map[generic.LeafID]decimal.Decimal, error) {
	if !metric.Valid() {
		return nil, generic.ErrUnsupportedMetric
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return allocation.SumSales(m.sales, tenant, entityType, metric, ids, period), nil
}

// =============================================================================
// RECORD STORE
// =============================================================================

// Tenants lists tenants holding records, sorted.
func (m *Store) Tenants(_ context.Context) ([]generic.TenantID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[generic.TenantID]bool)
	var out []generic.TenantID
	for _, rec := range m.records {
		if !seen[rec.TenantID] {
			seen[rec.TenantID] = true
			out = append(out, rec.TenantID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Store) Get(_ context.Context, tenant generic.TenantID, id string) (*allocation.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(tenant, id)
}

func (m *Store) GetActive(_ context.Context, key allocation.SourceKey) (*allocation.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getActiveLocked(key), nil
}

func (m *Store) LatestVersion(_ context.Context, key allocation.SourceKey) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestVersionLocked(key), nil
}

func (m *Store) List(_ context.Context, tenant generic.TenantID, filter allocation.Filter) ([]*allocation.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(tenant, filter), nil
}

func (m *Store) Insert(_ context.Context, rec *allocation.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(rec)
}

func (m *Store) Transition(_ context.Context, tenant generic.TenantID, id string, from, to allocation.Status, entry allocation.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(tenant, id, from, to, entry)
}

func (m *Store) SaveActuals(_ context.Context, tenant generic.TenantID, id string, lines []allocation.Line, entry allocation.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveActualsLocked(tenant, id, lines, entry)
}

func (m *Store) getLocked(tenant generic.TenantID, id string) (*allocation.Record, error) {
	rec, ok := m.records[id]
	if !ok || rec.TenantID != tenant {
		return nil, generic.ErrAllocationNotFound
	}
	return rec.Clone(), nil
}

func (m *Store) getActiveLocked(key allocation.SourceKey) *allocation.Record {
	for _, rec := range m.records {
		if rec.Key() == key && rec.Status == allocation.StatusActive {
			return rec.Clone()
		}
	}
	return nil
}

func (m *Store) latestVersionLocked(key allocation.SourceKey) int {
	latest := 0
	for _, rec := range m.records {
		if rec.Key() == key && rec.Version > latest {
			latest = rec.Version
		}
	}
	return latest
}

func (m *Store) listLocked(tenant generic.TenantID, filter allocation.Filter) []*allocation.Record {
	var out []*allocation.Record
	for _, rec := range m.records {
		if rec.TenantID == tenant && filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Version > out[j].Version
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// insertLocked enforces the unique constraints SQL stores get from indexes.
func (m *Store) insertLocked(rec *allocation.Record) error {
	if _, exists := m.records[rec.ID]; exists {
		return generic.ErrConcurrentModification
	}
	key := rec.Key()
	for _, other := range m.records {
		if other.Key() != key {
			continue
		}
		if other.Version == rec.Version {
			return generic.ErrConcurrentModification
		}
		if rec.Status == allocation.StatusActive && other.Status == allocation.StatusActive {
			return generic.ErrConcurrentModification
		}
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *Store) transitionLocked(tenant generic.TenantID, id string, from, to allocation.Status, entry allocation.AuditEntry) error {
	rec, ok := m.records[id]
	if !ok || rec.TenantID != tenant {
		return generic.ErrAllocationNotFound
	}
	if rec.Status != from {
		return generic.ErrConcurrentModification
	}
	rec.Status = to
	rec.Audit = append(rec.Audit, entry)
	rec.UpdatedAt = entry.Timestamp
	return nil
}

func (m *Store) saveActualsLocked(tenant generic.TenantID, id string, lines []allocation.Line, entry allocation.AuditEntry) error {
	rec, ok := m.records[id]
	if !ok || rec.TenantID != tenant {
		return generic.ErrAllocationNotFound
	}
	updated := (&allocation.Record{Lines: lines}).Clone().Lines
	byEntity := make(map[generic.LeafID]allocation.Line, len(updated))
	for _, l := range updated {
		byEntity[l.EntityID] = l
	}
	for i, l := range rec.Lines {
		if u, ok := byEntity[l.EntityID]; ok {
			rec.Lines[i].Actual = u.Actual
			rec.Lines[i].Variance = u.Variance
			rec.Lines[i].VariancePercentage = u.VariancePercentage
		}
	}
	rec.Audit = append(rec.Audit, entry)
	rec.UpdatedAt = entry.Timestamp
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Store) WithTx(_ context.Context, fn func(allocation.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshotRecords()
	if err := fn(&txView{parent: m}); err != nil {
		m.records = snapshot
		return err
	}
	return nil
}

func (m *Store) snapshotRecords() map[string]*allocation.Record {
	cp := make(map[string]*allocation.Record, len(m.records))
	for id, rec := range m.records {
		cp[id] = rec.Clone()
	}
	return cp
}

// txView runs against the parent's state while WithTx holds its lock.
type txView struct {
	parent *Store
}

func (tv *txView) Get(_ context.Context, tenant generic.TenantID, id string) (*allocation.Record, error) {
	return tv.parent.getLocked(tenant, id)
}

func (tv *txView) GetActive(_ context.Context, key allocation.SourceKey) (*allocation.Record, error) {
	return tv.parent.getActiveLocked(key), nil
}

func (tv *txView) LatestVersion(_ context.Context, key allocation.SourceKey) (int, error) {
	return tv.parent.latestVersionLocked(key), nil
}

func (tv *txView) List(_ context.Context, tenant generic.TenantID, filter allocation.Filter) ([]*allocation.Record, error) {
	return tv.parent.listLocked(tenant, filter), nil
}

func (tv *txView) Insert(_ context.Context, rec *allocation.Record) error {
	return tv.parent.insertLocked(rec)
}

func (tv *txView) Transition(_ context.Context, tenant generic.TenantID, id string, from, to allocation.Status, entry allocation.AuditEntry) error {
	return tv.parent.transitionLocked(tenant, id, from, to, entry)
}

func (tv *txView) SaveActuals(_ context.Context, tenant generic.TenantID, id string, lines []allocation.Line, entry allocation.AuditEntry) error {
	return tv.parent.saveActualsLocked(tenant, id, lines, entry)
}
