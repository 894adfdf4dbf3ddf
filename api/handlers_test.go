package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/api"
	"github.com/warp/allocation-engine/factory"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
	"github.com/warp/allocation-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const tenant = "acme"

var fixedNow = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	router http.Handler
	store  *memory.Store
	engine *allocation.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	seq := 0
	engine := allocation.NewEngine(store, store, store, zerolog.Nop(),
		allocation.WithClock(func() time.Time { return fixedNow }),
		allocation.WithIDGenerator(func() string { seq++; return fmt.Sprintf("alloc-%03d", seq) }),
	)
	h := api.NewHandler(engine, store, generic.DefaultRules(), zerolog.Nop())
	seed(t, store)
	return &testServer{router: api.NewRouter(h, nil), store: store, engine: engine}
}

// seed creates three beverage products with 2024 revenue 500/300/200 and
// one snack product.
func seed(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	bev := hierarchy.LevelNode{ID: "bev", Name: "Beverages", Code: "BEV"}
	snk := hierarchy.LevelNode{ID: "snk", Name: "Snacks", Code: "SNK"}

	revenue := map[string]string{"cola": "500", "lemonade": "300", "water": "200"}
	for id, amount := range revenue {
		require.NoError(t, store.SaveLeaf(ctx, hierarchy.Leaf{
			TenantID: tenant, Type: hierarchy.EntityProduct, ID: generic.LeafID(id),
			Name: id, Path: hierarchy.NewPath(bev), Active: true, IsLeaf: true,
		}))
		require.NoError(t, store.RecordSale(ctx, allocation.Sale{
			TenantID: tenant, ProductID: generic.LeafID(id), CustomerID: "store-1",
			Date: generic.NewTimePoint(2024, time.June, 1), Quantity: decimal.NewFromInt(1),
			GrossRevenue: decimal.RequireFromString(amount),
		}))
	}
	require.NoError(t, store.SaveLeaf(ctx, hierarchy.Leaf{
		TenantID: tenant, Type: hierarchy.EntityProduct, ID: "chips",
		Name: "chips", Path: hierarchy.NewPath(snk), Active: true, IsLeaf: true,
	}))
}

func allocationBody(sourceID, total string) map[string]any {
	return map[string]any{
		"source_type":  "promotion",
		"source_id":    sourceID,
		"dimension":    "product",
		"selector":     map[string]any{"type": "hierarchy", "level": 1, "value": "BEV"},
		"metric":       "revenue",
		"period_start": "2024-01-01",
		"period_end":   "2024-12-31",
		"total_amount": total,
		"currency":     "USD",
	}
}

func newJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := newJSONRequest(t, method, path, body)
	req.Header.Set(api.HeaderTenantID, tenant)
	req.Header.Set(api.HeaderUserID, "alice")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) execute(t *testing.T, sourceID, total string) api.RecordDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/allocations", allocationBody(sourceID, total))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.RecordDTO](t, rec)
}

func amounts(lines []factory.LineJSON) map[string]string {
	out := make(map[string]string, len(lines))
	for _, l := range lines {
		out[l.EntityID] = l.AllocatedAmount
	}
	return out
}

// =============================================================================
// TENANCY
// =============================================================================

func TestRequireTenant(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A request without X-Tenant-ID
	req := httptest.NewRequest(http.MethodGet, "/api/allocations", nil)
	rec := httptest.NewRecorder()

	// WHEN: It reaches the router
	s.router.ServeHTTP(rec, req)

	// THEN: It is rejected before any handler runs
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "tenant_id", body.Field)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// PREVIEW & EXECUTE
// =============================================================================

func TestPreview_SplitsByRevenue(t *testing.T) {
	s := newTestServer(t)

	// WHEN: 1000 is previewed across beverages by 2024 revenue
	rec := s.do(t, http.MethodPost, "/api/allocations/preview", allocationBody("promo-1", "1000"))

	// THEN: Shares follow 500/300/200 and nothing is stored
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.PreviewResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]string{"cola": "500.00", "lemonade": "300.00", "water": "200.00"}, amounts(resp.Allocations))
	assert.Equal(t, "cola", resp.Allocations[0].EntityID, "largest share first")
	assert.Equal(t, 3, resp.Metadata.EntityCount)
	assert.Equal(t, "1000.00", resp.Metadata.TotalAllocated)
	assert.True(t, resp.Metadata.HasHistoricalData)
	require.NotNil(t, resp.Metadata.Selector)
	assert.Equal(t, "hierarchy", resp.Metadata.Selector.Type)

	records, err := s.engine.List(context.Background(), tenant, allocation.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPreview_SourceIdentityOptional(t *testing.T) {
	s := newTestServer(t)
	body := allocationBody("", "90")
	delete(body, "source_type")

	rec := s.do(t, http.MethodPost, "/api/allocations/preview", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[api.PreviewResponse](t, rec).Success)
}

func TestExecute_CreatesActiveVersion(t *testing.T) {
	s := newTestServer(t)

	// WHEN: The same source is executed twice
	first := s.execute(t, "promo-1", "1000")
	second := s.execute(t, "promo-1", "2000")

	// THEN: The second version supersedes the first
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, "active", second.Status)
	assert.Equal(t, "2000.00", second.TotalAllocated)
	require.NotEmpty(t, second.AuditTrail)
	assert.Equal(t, "alice", second.AuditTrail[0].Actor)

	rec := s.do(t, http.MethodGet, "/api/allocations/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "superseded", decode[api.RecordDTO](t, rec).Status)
}

func TestExecute_RulesRejectWith422(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"negative total", allocationBody("promo-1", "-5"), "total_amount"},
		{"missing source id", allocationBody("", "100"), "source_id"},
		{"period reversed", func() map[string]any {
			b := allocationBody("promo-1", "100")
			b["period_start"], b["period_end"] = "2024-12-31", "2024-01-01"
			return b
		}(), "period_start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/allocations", tt.body)

			require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
			resp := decode[api.ErrorResponse](t, rec)
			require.NotEmpty(t, resp.Violations)
			assert.Equal(t, tt.field, resp.Violations[0].Field)
		})
	}
}

func TestExecute_EmptyScopeReturnsFailureShape(t *testing.T) {
	s := newTestServer(t)
	body := allocationBody("promo-1", "100")
	body["selector"] = map[string]any{"type": "hierarchy", "level": 1, "value": "NOPE"}

	rec := s.do(t, http.MethodPost, "/api/allocations", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.PreviewResponse](t, rec)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, resp.Allocations)
}

func TestExecute_ValidationErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		field  string
	}{
		{"unknown selector type", func(b map[string]any) { b["selector"] = map[string]any{"type": "region"} }, "selector.type"},
		{"bad date", func(b map[string]any) { b["period_end"] = "31/12/2024" }, "period_end"},
		{"bad amount", func(b map[string]any) { b["total_amount"] = "lots" }, "total_amount"},
		{"unknown dimension", func(b map[string]any) { b["dimension"] = "region" }, "dimension"},
		{"unknown source type", func(b map[string]any) { b["source_type"] = "gift" }, "source_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := allocationBody("promo-1", "100")
			tt.mutate(body)

			rec := s.do(t, http.MethodPost, "/api/allocations", body)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.field, decode[api.ErrorResponse](t, rec).Field)
		})
	}
}

func TestExecute_MalformedJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/allocations", bytes.NewBufferString("{"))
	req.Header.Set(api.HeaderTenantID, tenant)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// READS
// =============================================================================

func TestGet_UnknownIs404(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/allocations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGet_IsTenantScoped(t *testing.T) {
	s := newTestServer(t)
	created := s.execute(t, "promo-1", "100")

	req := httptest.NewRequest(http.MethodGet, "/api/allocations/"+created.ID, nil)
	req.Header.Set(api.HeaderTenantID, "other")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestList_FiltersAndLimit(t *testing.T) {
	s := newTestServer(t)
	s.execute(t, "promo-1", "100")
	s.execute(t, "promo-1", "200")
	s.execute(t, "promo-2", "300")

	rec := s.do(t, http.MethodGet, "/api/allocations?source_id=promo-1&status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[[]api.RecordDTO](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Version)

	rec = s.do(t, http.MethodGet, "/api/allocations?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.RecordDTO](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/api/allocations?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory_NewestFirst(t *testing.T) {
	s := newTestServer(t)
	s.execute(t, "promo-1", "100")
	latest := s.execute(t, "promo-1", "200")

	rec := s.do(t, http.MethodGet, "/api/allocations/"+latest.ID+"/history", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	chain := decode[[]api.RecordDTO](t, rec)
	require.Len(t, chain, 2)
	assert.Equal(t, 2, chain[0].Version)
	assert.Equal(t, 1, chain[1].Version)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestRecalculate_NewVersionWithParent(t *testing.T) {
	s := newTestServer(t)
	base := s.execute(t, "promo-1", "1000")

	// WHEN: The record is recalculated with a later period end
	rec := s.do(t, http.MethodPost, "/api/allocations/"+base.ID+"/recalculate",
		map[string]string{"period_end": "2025-02-28", "notes": "extend"})

	// THEN: A new active version points back at the base
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	next := decode[api.RecordDTO](t, rec)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, base.ID, next.ParentAllocation)
	assert.Equal(t, "2025-02-28", next.PeriodEnd)
	assert.Equal(t, "2024-01-01", next.PeriodStart)
}

func TestRecalculate_EmptyBodyKeepsPeriod(t *testing.T) {
	s := newTestServer(t)
	base := s.execute(t, "promo-1", "1000")

	req := httptest.NewRequest(http.MethodPost, "/api/allocations/"+base.ID+"/recalculate", nil)
	req.Header.Set(api.HeaderTenantID, tenant)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2024-12-31", decode[api.RecordDTO](t, rec).PeriodEnd)
}

func TestRecalculate_BadPeriodEnd(t *testing.T) {
	s := newTestServer(t)
	base := s.execute(t, "promo-1", "1000")

	rec := s.do(t, http.MethodPost, "/api/allocations/"+base.ID+"/recalculate", map[string]string{"period_end": "soon"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "period_end", decode[api.ErrorResponse](t, rec).Field)
}

func TestUpdateActuals_RecordsVariance(t *testing.T) {
	s := newTestServer(t)
	base := s.execute(t, "promo-1", "1000")

	rec := s.do(t, http.MethodPut, "/api/allocations/"+base.ID+"/actuals", api.ActualsRequest{
		Actuals: []api.ActualDTO{{EntityID: "cola", ActualAmount: "550"}},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[api.RecordDTO](t, rec)
	assert.Equal(t, base.Version, updated.Version)
	for _, l := range updated.Lines {
		if l.EntityID != "cola" {
			assert.Nil(t, l.ActualAmount)
			continue
		}
		require.NotNil(t, l.Variance)
		assert.True(t, decimal.RequireFromString(*l.Variance).Equal(decimal.NewFromInt(50)))
	}
}

func TestUpdateActuals_Rejects(t *testing.T) {
	s := newTestServer(t)
	base := s.execute(t, "promo-1", "1000")
	path := "/api/allocations/" + base.ID + "/actuals"

	rec := s.do(t, http.MethodPut, path, api.ActualsRequest{Actuals: []api.ActualDTO{{EntityID: "chips", ActualAmount: "1"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "entity not on the record")

	rec = s.do(t, http.MethodPut, path, api.ActualsRequest{Actuals: []api.ActualDTO{{EntityID: "cola", ActualAmount: "abc"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "amount not a decimal")

	rec = s.do(t, http.MethodPut, path, api.ActualsRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no actuals")
}

func TestArchive_IsTerminal(t *testing.T) {
	s := newTestServer(t)
	base := s.execute(t, "promo-1", "1000")
	path := "/api/allocations/" + base.ID + "/archive"

	rec := s.do(t, http.MethodPost, path, api.ArchiveRequest{Notes: "promo cancelled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "archived", decode[api.RecordDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "archived records cannot transition")

	rec = s.do(t, http.MethodPost, "/api/allocations/"+base.ID+"/recalculate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "archived records cannot be recalculated")
}

// =============================================================================
// HIERARCHY
// =============================================================================

func TestHierarchyTree(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/hierarchy/product/tree?depth=1", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tree := decode[[]hierarchy.TreeNode](t, rec)
	counts := map[string]int{}
	for _, n := range tree {
		counts[n.Code] = n.LeafCount
	}
	assert.Equal(t, map[string]int{"BEV": 3, "SNK": 1}, counts)
}

func TestHierarchyTree_EmptyTenantIsEmptyList(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/hierarchy/customer/tree", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestResolveSelector(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/hierarchy/product/resolve", api.ResolveRequest{
		Selector: factory.SelectorJSON{Type: "hierarchy", Level: 1, Value: "BEV"},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.ResolveResponse](t, rec)
	assert.Equal(t, "product", resp.EntityType)
	assert.Equal(t, 3, resp.Count)
	assert.False(t, resp.ResolvedViaNonLeafFallback)
	require.NotEmpty(t, resp.Entities[0].Hierarchy)
	assert.Equal(t, "BEV", resp.Entities[0].Hierarchy[0].Code)
}

func TestHierarchy_UnknownEntityType(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/hierarchy/region/tree", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
