package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/allocation-engine/api"
)

func (s *testServer) doAs(t *testing.T, tenantID, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(api.HeaderTenantID, tenantID)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestListScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]api.ScenarioDTO](t, rec)
	ids := make([]string, len(list))
	for i, sc := range list {
		ids[i] = sc.ID
	}
	assert.ElementsMatch(t, []string{api.ScenarioBeverages, api.ScenarioNoHistory}, ids)
}

func TestLoadScenario_Beverages(t *testing.T) {
	s := newTestServer(t)

	// WHEN: The beverages scenario is loaded
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: api.ScenarioBeverages})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: It is the current scenario
	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.ScenarioBeverages, decode[api.ScenarioDTO](t, rec).ID)

	// AND: The demo tenant holds the rolling budget, split with history
	rec = s.doAs(t, "demo", http.MethodGet, "/api/allocations?source_type=budget")
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[[]api.RecordDTO](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, api.DemoBudgetID, records[0].SourceID)
	assert.True(t, records[0].AutoRecalculate)
	assert.True(t, records[0].HasHistoricalData)
	assert.Len(t, records[0].Lines, 4, "every beverage product")

	// AND: The previous tenant's data is gone
	rec = s.do(t, http.MethodGet, "/api/hierarchy/product/tree", nil)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestLoadScenario_NoHistorySplitsEqually(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: api.ScenarioNoHistory})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := allocationBody("promo-1", "100")
	body["selector"] = map[string]any{"type": "hierarchy", "level": 2, "value": "SODA"}
	req := newJSONRequest(t, http.MethodPost, "/api/allocations/preview", body)
	req.Header.Set(api.HeaderTenantID, "demo")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.PreviewResponse](t, rec)
	assert.False(t, resp.Metadata.HasHistoricalData)
	assert.Equal(t, "equal_split", resp.Metadata.FallbackUsed)
	assert.Equal(t, map[string]string{"sku-cola": "50.00", "sku-lemon": "50.00"}, amounts(resp.Allocations))
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Nothing was reset.
	rec = s.do(t, http.MethodGet, "/api/hierarchy/product/tree", nil)
	assert.NotEqual(t, "[]\n", rec.Body.String())
}

func TestResetDatabase(t *testing.T) {
	s := newTestServer(t)
	s.execute(t, "promo-1", "100")
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: api.ScenarioNoHistory})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/allocations", nil)
	assert.JSONEq(t, "[]", rec.Body.String())
	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.JSONEq(t, "null", rec.Body.String())
}
