/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for testing and demos. Each scenario seeds a tenant with a product
	hierarchy, a customer hierarchy and, optionally, sales history.

AVAILABLE SCENARIOS:

	beverages:   Two categories of products, retail and wholesale customers,
	             monthly sales since January of last year and a rolling
	             budget allocation that the scheduler keeps current
	no-history:  Same hierarchies without any sales, so every split falls
	             back to equal weights

HOW SCENARIOS WORK:
 1. Reset store (clear all data, every tenant)
 2. Save hierarchy entities
 3. Record sales rows
 4. Optionally execute allocations through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "beverages"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler context
  - store/*: Seeder implementations
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// Seeder is the write side of the hierarchy and history stores. Every store
// package implements it.
type Seeder interface {
	SaveLeaf(ctx context.Context, l hierarchy.Leaf) error
	RecordSale(ctx context.Context, sale allocation.Sale) error
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	ScenarioBeverages = "beverages"
	ScenarioNoHistory = "no-history"

	demoTenant generic.TenantID = "demo"
	demoActor  generic.ActorID  = "scenario-loader"

	// DemoBudgetID is the rolling budget the beverages scenario executes.
	DemoBudgetID = "BUDGET-ROLLING-01"
)

var scenarios = []ScenarioDTO{
	{
		ID:          ScenarioBeverages,
		Name:        "Beverages",
		Description: "Products and customers with monthly sales history and a rolling budget",
		TenantID:    string(demoTenant),
	},
	{
		ID:          ScenarioNoHistory,
		Name:        "No History",
		Description: "Same hierarchies without sales; allocations split equally",
		TenantID:    string(demoTenant),
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(ctx context.Context) error
	switch req.ScenarioID {
	case ScenarioBeverages:
		load = h.loadBeveragesScenario
	case ScenarioNoHistory:
		load = h.loadNoHistoryScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Seeder.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		h.log.Error().Err(err).Str("scenario", req.ScenarioID).Msg("scenario load failed")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.log.Info().Str("scenario", req.ScenarioID).Str("tenant_id", string(demoTenant)).Msg("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "loaded",
		"scenario":  req.ScenarioID,
		"tenant_id": string(demoTenant),
	})
}

// ResetDatabase clears every tenant's data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Seeder.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadBeveragesScenario(ctx context.Context) error {
	if err := h.seedHierarchies(ctx); err != nil {
		return err
	}

	// Monthly sales on the 15th, from January of last year up to today.
	today := generic.Today()
	first := generic.NewTimePoint(today.Year()-1, time.January, 15)
	for day := first; day.BeforeOrEqual(today); day = day.AddMonths(1) {
		for i, s := range demoSales {
			qty := decimal.NewFromInt(s.baseQty + int64((int(day.Month())+i)%3))
			sale := allocation.Sale{
				TenantID:     demoTenant,
				ProductID:    s.product,
				CustomerID:   s.customer,
				Date:         day,
				Quantity:     qty,
				GrossRevenue: qty.Mul(decimal.RequireFromString(s.unitPrice)),
			}
			if err := h.Seeder.RecordSale(ctx, sale); err != nil {
				return fmt.Errorf("record sale %s/%s: %w", s.product, s.customer, err)
			}
		}
	}

	// A rolling budget over the last three months. Its period ends before
	// today, so the recalculation scheduler rolls it forward.
	res, err := h.Engine.Execute(ctx, allocation.Request{
		TenantID:        demoTenant,
		Actor:           demoActor,
		SourceType:      allocation.SourceBudget,
		SourceID:        DemoBudgetID,
		SourceName:      "Rolling beverage budget",
		Dimension:       allocation.DimensionProduct,
		Selector:        hierarchy.HierarchySelector{Level: 1, Value: "BEV"},
		Metric:          allocation.MetricRevenue,
		Period:          generic.Period{Start: today.AddMonths(-3), End: today.AddDays(-1)},
		TotalAmount:     decimal.NewFromInt(50000),
		Currency:        "USD",
		AutoRecalculate: true,
		Notes:           "demo scenario",
	})
	if err != nil {
		return fmt.Errorf("execute demo budget: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("execute demo budget: %s", res.Error)
	}
	return nil
}

func (h *Handler) loadNoHistoryScenario(ctx context.Context) error {
	return h.seedHierarchies(ctx)
}

func (h *Handler) seedHierarchies(ctx context.Context) error {
	for _, l := range demoProducts() {
		if err := h.Seeder.SaveLeaf(ctx, l); err != nil {
			return fmt.Errorf("save product %s: %w", l.ID, err)
		}
	}
	for _, l := range demoCustomers() {
		if err := h.Seeder.SaveLeaf(ctx, l); err != nil {
			return fmt.Errorf("save customer %s: %w", l.ID, err)
		}
	}
	return nil
}

// =============================================================================
// DEMO DATA
// =============================================================================

var (
	bev    = hierarchy.LevelNode{ID: "cat-bev", Name: "Beverages", Code: "BEV"}
	snk    = hierarchy.LevelNode{ID: "cat-snk", Name: "Snacks", Code: "SNK"}
	soda   = hierarchy.LevelNode{ID: "sub-soda", Name: "Soda", Code: "SODA"}
	water  = hierarchy.LevelNode{ID: "sub-water", Name: "Water", Code: "WATER"}
	chips  = hierarchy.LevelNode{ID: "sub-chips", Name: "Chips", Code: "CHIPS"}
	retail = hierarchy.LevelNode{ID: "ch-retail", Name: "Retail", Code: "RET"}
	whsl   = hierarchy.LevelNode{ID: "ch-whsl", Name: "Wholesale", Code: "WHS"}
	groc   = hierarchy.LevelNode{ID: "reg-grocery", Name: "Grocery", Code: "GROC"}
	club   = hierarchy.LevelNode{ID: "reg-club", Name: "Club", Code: "CLUB"}
)

func demoProducts() []hierarchy.Leaf {
	product := func(id, name, code string, path ...hierarchy.LevelNode) hierarchy.Leaf {
		return hierarchy.Leaf{
			TenantID: demoTenant, Type: hierarchy.EntityProduct,
			ID: generic.LeafID(id), Name: name, Code: code,
			Path: hierarchy.NewPath(path...), Active: true, IsLeaf: true,
		}
	}
	return []hierarchy.Leaf{
		product("sku-cola", "Cola 330ml", "COLA330", bev, soda),
		product("sku-lemon", "Lemon Soda 330ml", "LEM330", bev, soda),
		product("sku-still", "Still Water 1L", "STILL1L", bev, water),
		product("sku-sparkling", "Sparkling Water 1L", "SPRK1L", bev, water),
		product("sku-salted", "Salted Chips 150g", "SALT150", snk, chips),
	}
}

func demoCustomers() []hierarchy.Leaf {
	customer := func(id, name string, path ...hierarchy.LevelNode) hierarchy.Leaf {
		return hierarchy.Leaf{
			TenantID: demoTenant, Type: hierarchy.EntityCustomer,
			ID: generic.LeafID(id), Name: name,
			Path: hierarchy.NewPath(path...), Active: true, IsLeaf: true,
		}
	}
	return []hierarchy.Leaf{
		customer("cust-fresh", "FreshMart", retail, groc),
		customer("cust-corner", "Corner Grocer", retail, groc),
		customer("cust-bulk", "BulkBuy Club", whsl, club),
	}
}

type demoSale struct {
	product   generic.LeafID
	customer  generic.LeafID
	baseQty   int64
	unitPrice string
}

var demoSales = []demoSale{
	{"sku-cola", "cust-fresh", 120, "1.25"},
	{"sku-cola", "cust-bulk", 300, "0.95"},
	{"sku-lemon", "cust-corner", 40, "1.20"},
	{"sku-still", "cust-fresh", 80, "0.80"},
	{"sku-sparkling", "cust-corner", 25, "1.10"},
	{"sku-salted", "cust-bulk", 60, "2.40"},
}
