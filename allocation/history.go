package allocation

import (
	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// =============================================================================
// SALES HISTORY
// =============================================================================

// Sale is one historical sales row. A row belongs to a product and a
// customer; the entity type of a query decides which one it counts for.
type Sale struct {
	TenantID     generic.TenantID
	ProductID    generic.LeafID
	CustomerID   generic.LeafID
	Date         generic.TimePoint
	Quantity     decimal.Decimal
	GrossRevenue decimal.Decimal
}

// EntityID returns the id the sale is attributed to for entityType.
func (s Sale) EntityID(entityType hierarchy.EntityType) generic.LeafID {
	if entityType == hierarchy.EntityCustomer {
		return s.CustomerID
	}
	return s.ProductID
}

// Value returns the sale's contribution to metric.
func (s Sale) Value(metric Metric) decimal.Decimal {
	if metric == MetricVolume {
		return s.Quantity
	}
	return s.GrossRevenue
}

// SumSales aggregates sales the way HistoryStore.SumMetric specifies, for
// stores that filter rows in Go.
func SumSales(sales []Sale, tenant generic.TenantID, entityType hierarchy.EntityType, metric Metric, ids []generic.LeafID, period generic.Period) map[generic.LeafID]decimal.Decimal {
	want := make(map[generic.LeafID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	sums := make(map[generic.LeafID]decimal.Decimal, len(ids))
	for _, s := range sales {
		if s.TenantID != tenant || !period.Contains(s.Date) {
			continue
		}
		id := s.EntityID(entityType)
		if !want[id] {
			continue
		}
		sums[id] = sums[id].Add(s.Value(metric))
	}
	return sums
}
