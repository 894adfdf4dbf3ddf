package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
	"github.com/warp/allocation-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	at        = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	year2024  = generic.Period{Start: generic.StartOfYear(2024), End: generic.EndOfYear(2024)}
	beverages = hierarchy.LevelNode{ID: "bev", Name: "Beverages", Code: "BEV"}
	budgetKey = allocation.SourceKey{TenantID: "acme", SourceType: allocation.SourceBudget, SourceID: "b-1"}
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id string, version int, status allocation.Status) *allocation.Record {
	return &allocation.Record{
		ID: id, TenantID: "acme", SourceType: allocation.SourceBudget, SourceID: "b-1",
		Dimension: allocation.DimensionProduct, Selector: hierarchy.AllSelector{},
		Metric: allocation.MetricRevenue, Period: year2024, Currency: "USD", Precision: 2,
		TotalAmount: decimal.NewFromInt(10), TotalAllocated: decimal.NewFromInt(10),
		Lines: []allocation.Line{{
			EntityID: "x", EntityName: "X", Weight: 1, WeightPercentage: 100,
			Amount: decimal.NewFromInt(10), Path: hierarchy.NewPath(beverages),
		}},
		Status: status, Version: version, Fallback: generic.FallbackNone,
		Audit:     []allocation.AuditEntry{{Action: allocation.AuditCreated, Actor: "alice", Timestamp: at}},
		CreatedBy: "alice",
		CreatedAt: at.Add(time.Duration(version) * time.Hour),
		UpdatedAt: at.Add(time.Duration(version) * time.Hour),
	}
}

func seed(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"cola", "lemonade", "water"} {
		require.NoError(t, store.SaveLeaf(ctx, hierarchy.Leaf{
			TenantID: "acme", Type: hierarchy.EntityProduct, ID: generic.LeafID(id),
			Name: id, Code: "SKU-" + id, Path: hierarchy.NewPath(beverages), Active: true, IsLeaf: true,
		}))
	}
	require.NoError(t, store.SaveLeaf(ctx, hierarchy.Leaf{
		TenantID: "acme", Type: hierarchy.EntityProduct, ID: "bev-group",
		Name: "Beverage group", Path: hierarchy.NewPath(beverages), Active: true, IsLeaf: false,
	}))
	require.NoError(t, store.SaveLeaf(ctx, hierarchy.Leaf{
		TenantID: "acme", Type: hierarchy.EntityProduct, ID: "retired",
		Name: "retired", Path: hierarchy.NewPath(beverages), Active: false, IsLeaf: true,
	}))

	sale := func(product, customer string, month time.Month, qty, revenue string) {
		require.NoError(t, store.RecordSale(ctx, allocation.Sale{
			TenantID: "acme", ProductID: generic.LeafID(product), CustomerID: generic.LeafID(customer),
			Date: generic.NewTimePoint(2024, month, 15), Quantity: decimal.RequireFromString(qty),
			GrossRevenue: decimal.RequireFromString(revenue),
		}))
	}
	sale("cola", "store-1", time.March, "10", "300.10")
	sale("cola", "store-2", time.June, "5", "199.90")
	sale("lemonade", "store-1", time.July, "20", "300")
	sale("water", "store-2", time.December, "65", "200")
}

// =============================================================================
// HIERARCHY ENTITIES
// =============================================================================

func TestFindByHierarchy_MatchesIDOrCode(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	ctx := context.Background()

	byID, err := store.FindByHierarchy(ctx, "acme", hierarchy.EntityProduct, 1, "bev", true)
	require.NoError(t, err)
	assert.Equal(t, []generic.LeafID{"cola", "lemonade", "water"}, hierarchy.LeafIDs(byID))

	byCode, err := store.FindByHierarchy(ctx, "acme", hierarchy.EntityProduct, 1, "BEV", false)
	require.NoError(t, err)
	assert.Len(t, byCode, 4, "non-leaf included, inactive excluded")

	assert.Equal(t, beverages, byID[0].Path.At(1))
	assert.Equal(t, "SKU-cola", byID[0].Code)
}

func TestFindActive_AndByIDs(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	ctx := context.Background()

	active, err := store.FindActive(ctx, "acme", hierarchy.EntityProduct)
	require.NoError(t, err)
	assert.Len(t, active, 4)

	found, err := store.FindByIDs(ctx, "acme", hierarchy.EntityProduct, generic.LeafIDs("water", "retired", "ghost"))
	require.NoError(t, err)
	assert.Len(t, found, 2, "unknown ids are skipped, filtering is the resolver's job")

	other, err := store.FindActive(ctx, "globex", hierarchy.EntityProduct)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSaveLeaf_Replaces(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	ctx := context.Background()

	require.NoError(t, store.SaveLeaf(ctx, hierarchy.Leaf{
		TenantID: "acme", Type: hierarchy.EntityProduct, ID: "cola",
		Name: "Cola Zero", Path: hierarchy.NewPath(beverages), Active: false, IsLeaf: true,
	}))

	found, err := store.FindByIDs(ctx, "acme", hierarchy.EntityProduct, generic.LeafIDs("cola"))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Cola Zero", found[0].Name)
	assert.False(t, found[0].Active)
}

// =============================================================================
// SALES HISTORY
// =============================================================================

func TestSumMetric_ExactDecimals(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	ctx := context.Background()

	revenue, err := store.SumMetric(ctx, "acme", hierarchy.EntityProduct, allocation.MetricRevenue, generic.LeafIDs("cola", "lemonade"), year2024)
	require.NoError(t, err)
	assert.True(t, revenue["cola"].Equal(decimal.NewFromInt(500)), "got %s", revenue["cola"])
	assert.True(t, revenue["lemonade"].Equal(decimal.NewFromInt(300)))

	byCustomer, err := store.SumMetric(ctx, "acme", hierarchy.EntityCustomer, allocation.MetricVolume, generic.LeafIDs("store-1", "store-2"), year2024)
	require.NoError(t, err)
	assert.True(t, byCustomer["store-1"].Equal(decimal.NewFromInt(30)))
	assert.True(t, byCustomer["store-2"].Equal(decimal.NewFromInt(70)))

	march := generic.Period{Start: generic.StartOfYear(2024), End: generic.NewTimePoint(2024, time.March, 15)}
	early, err := store.SumMetric(ctx, "acme", hierarchy.EntityProduct, allocation.MetricVolume, generic.LeafIDs("cola"), march)
	require.NoError(t, err)
	assert.True(t, early["cola"].Equal(decimal.NewFromInt(10)), "period end is inclusive")

	_, err = store.SumMetric(ctx, "acme", hierarchy.EntityProduct, "margin", nil, year2024)
	assert.ErrorIs(t, err, generic.ErrUnsupportedMetric)
}

// =============================================================================
// ALLOCATION RECORDS
// =============================================================================

func TestInsert_RoundTripsRecord(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	rec := record("r1", 1, allocation.StatusActive)
	rec.Selector = hierarchy.HierarchySelector{Level: 1, Value: "bev"}
	rec.Statistics = generic.ComputeStatistics([]decimal.Decimal{decimal.NewFromInt(10)})
	require.NoError(t, store.Insert(ctx, rec))

	got, err := store.Get(ctx, "acme", "r1")
	require.NoError(t, err)
	assert.Equal(t, rec.Selector, got.Selector)
	assert.Equal(t, rec.Period, got.Period)
	assert.Equal(t, rec.Statistics, got.Statistics)
	assert.True(t, got.TotalAmount.Equal(rec.TotalAmount))
	require.Len(t, got.Lines, 1)
	assert.Equal(t, rec.Lines[0].Path, got.Lines[0].Path)
	assert.Nil(t, got.Lines[0].Actual)
	require.Len(t, got.Audit, 1)
	assert.True(t, got.Audit[0].Timestamp.Equal(at))
	assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))

	_, err = store.Get(ctx, "globex", "r1")
	assert.ErrorIs(t, err, generic.ErrAllocationNotFound)
}

func TestInsert_OneActivePerSource(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, record("r1", 1, allocation.StatusActive)))

	err := store.Insert(ctx, record("r2", 2, allocation.StatusActive))
	assert.ErrorIs(t, err, generic.ErrConcurrentModification, "second active record")

	err = store.Insert(ctx, record("r3", 1, allocation.StatusSuperseded))
	assert.ErrorIs(t, err, generic.ErrConcurrentModification, "duplicate version")

	require.NoError(t, store.Insert(ctx, record("r4", 2, allocation.StatusDraft)))
}

func TestTransition_IsConditional(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("r1", 1, allocation.StatusActive)))

	entry := allocation.AuditEntry{Action: allocation.AuditSuperseded, Actor: "system", Timestamp: at}
	require.NoError(t, store.Transition(ctx, "acme", "r1", allocation.StatusActive, allocation.StatusSuperseded, entry))

	err := store.Transition(ctx, "acme", "r1", allocation.StatusActive, allocation.StatusSuperseded, entry)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	err = store.Transition(ctx, "acme", "ghost", allocation.StatusActive, allocation.StatusSuperseded, entry)
	assert.ErrorIs(t, err, generic.ErrAllocationNotFound)

	rec, err := store.Get(ctx, "acme", "r1")
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusSuperseded, rec.Status)
	assert.Len(t, rec.Audit, 2)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("r1", 1, allocation.StatusActive)))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s allocation.Store) error {
		entry := allocation.AuditEntry{Action: allocation.AuditSuperseded, Timestamp: at}
		require.NoError(t, s.Transition(ctx, "acme", "r1", allocation.StatusActive, allocation.StatusSuperseded, entry))
		require.NoError(t, s.Insert(ctx, record("r2", 2, allocation.StatusActive)))

		active, err := s.GetActive(ctx, budgetKey)
		require.NoError(t, err)
		assert.Equal(t, "r2", active.ID, "reads inside the transaction see its writes")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	active, err := store.GetActive(ctx, budgetKey)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "r1", active.ID)

	_, err = store.Get(ctx, "acme", "r2")
	assert.ErrorIs(t, err, generic.ErrAllocationNotFound)
}

func TestSaveActuals_PersistsVariance(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("r1", 1, allocation.StatusActive)))

	rec, err := store.Get(ctx, "acme", "r1")
	require.NoError(t, err)
	rec.Lines[0].SetActual(decimal.RequireFromString("12.50"))

	entry := allocation.AuditEntry{Action: allocation.AuditActualsUpdated, Actor: "bob", Timestamp: at.Add(time.Hour)}
	require.NoError(t, store.SaveActuals(ctx, "acme", "r1", rec.Lines, entry))

	got, err := store.Get(ctx, "acme", "r1")
	require.NoError(t, err)
	require.NotNil(t, got.Lines[0].Actual)
	assert.True(t, got.Lines[0].Variance.Equal(decimal.RequireFromString("2.5")))
	assert.InDelta(t, 25.0, *got.Lines[0].VariancePercentage, 1e-9)
	assert.Equal(t, allocation.AuditActualsUpdated, got.Audit[len(got.Audit)-1].Action)

	err = store.SaveActuals(ctx, "acme", "ghost", rec.Lines, entry)
	assert.ErrorIs(t, err, generic.ErrAllocationNotFound)
}

func TestList_FilterAndOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("r1", 1, allocation.StatusSuperseded)))
	auto := record("r2", 2, allocation.StatusActive)
	auto.AutoRecalculate = true
	require.NoError(t, store.Insert(ctx, auto))

	all, err := store.List(ctx, "acme", allocation.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r2", all[0].ID, "newest first")

	filtered, err := store.List(ctx, "acme", allocation.Filter{Status: allocation.StatusActive, AutoRecalculateOnly: true})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.True(t, filtered[0].AutoRecalculate)

	limited, err := store.List(ctx, "acme", allocation.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	latest, err := store.LatestVersion(ctx, budgetKey)
	require.NoError(t, err)
	assert.Equal(t, 2, latest)
}

func TestList_NewestFirstWithinSameSecond(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// GIVEN: Two versions created 23ms apart in the same second
	base := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	older := record("older", 1, allocation.StatusSuperseded)
	older.CreatedAt = base.Add(100 * time.Millisecond)
	newer := record("newer", 2, allocation.StatusActive)
	newer.CreatedAt = base.Add(123 * time.Millisecond)
	require.NoError(t, store.Insert(ctx, older))
	require.NoError(t, store.Insert(ctx, newer))

	// WHEN: Records are listed
	all, err := store.List(ctx, "acme", allocation.Filter{})

	// THEN: The later timestamp comes first and round-trips exactly
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "newer", all[0].ID)
	assert.Equal(t, "older", all[1].ID)
	assert.True(t, all[1].CreatedAt.Equal(older.CreatedAt))
}

func TestReset_ClearsEverything(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("r1", 1, allocation.StatusActive)))

	require.NoError(t, store.Reset(ctx))

	leaves, err := store.FindActive(ctx, "acme", hierarchy.EntityProduct)
	require.NoError(t, err)
	assert.Empty(t, leaves)
	records, err := store.List(ctx, "acme", allocation.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_ExecuteAndRecalculate(t *testing.T) {
	// GIVEN: the beverage fixture in SQLite
	// WHEN: executing 1000 and recalculating the record
	// THEN: version 2 supersedes version 1 and amounts survive the round trip

	store := newStore(t)
	seed(t, store)
	ctx := context.Background()

	seq := 0
	engine := allocation.NewEngine(store, store, store, zerolog.Nop(),
		allocation.WithClock(func() time.Time { return at }),
		allocation.WithIDGenerator(func() string { seq++; return fmt.Sprintf("alloc-%03d", seq) }),
	)

	res, err := engine.Execute(ctx, allocation.Request{
		TenantID: "acme", Actor: "alice",
		SourceType: allocation.SourcePromotion, SourceID: "promo-1",
		Dimension: allocation.DimensionProduct,
		Selector:  hierarchy.HierarchySelector{Level: 1, Value: "BEV"},
		Metric:    allocation.MetricRevenue, Period: year2024,
		TotalAmount: decimal.NewFromInt(1000), Currency: "USD",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Record)
	assert.Equal(t, 1, res.Record.Version)

	first, err := engine.Get(ctx, "acme", res.Record.ID)
	require.NoError(t, err)
	require.Len(t, first.Lines, 3)
	assert.Equal(t, generic.LeafID("cola"), first.Lines[0].EntityID)
	assert.Equal(t, "500.00", first.Lines[0].Amount.StringFixed(2))

	again, err := engine.Recalculate(ctx, "acme", "bob", res.Record.ID, allocation.RecalculateOptions{})
	require.NoError(t, err)
	require.NotNil(t, again.Record)
	assert.Equal(t, 2, again.Record.Version)
	assert.Equal(t, res.Record.ID, again.Record.ParentID)

	old, err := engine.Get(ctx, "acme", res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusSuperseded, old.Status)

	history, err := engine.History(ctx, "acme", again.Record.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestTenants_Distinct(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("r1", 1, allocation.StatusSuperseded)))
	require.NoError(t, store.Insert(ctx, record("r2", 2, allocation.StatusActive)))
	other := record("r3", 1, allocation.StatusActive)
	other.TenantID = "globex"
	require.NoError(t, store.Insert(ctx, other))

	tenants, err := store.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []generic.TenantID{"acme", "globex"}, tenants)
}
