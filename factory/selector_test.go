package factory_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/factory"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// =============================================================================
// SELECTOR PARSING
// =============================================================================

func TestParseSelector_Variants(t *testing.T) {
	sel, err := factory.ParseSelector(`{"type":"leaf","ids":["sku-1","sku-2"]}`)
	require.NoError(t, err)
	assert.Equal(t, hierarchy.LeafSelector{IDs: generic.LeafIDs("sku-1", "sku-2")}, sel)

	sel, err = factory.ParseSelector(`{"type":"hierarchy","level":2,"value":"BEV"}`)
	require.NoError(t, err)
	assert.Equal(t, hierarchy.HierarchySelector{Level: 2, Value: "BEV"}, sel)

	sel, err = factory.ParseSelector(`{"type":"all"}`)
	require.NoError(t, err)
	assert.Equal(t, hierarchy.AllSelector{}, sel)
}

func TestParseSelector_Rejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"type":`},
		{"missing type", `{"ids":["a"]}`},
		{"unknown type", `{"type":"region"}`},
		{"leaf without ids", `{"type":"leaf","ids":[]}`},
		{"leaf with level", `{"type":"leaf","ids":["a"],"level":2}`},
		{"hierarchy level out of range", `{"type":"hierarchy","level":6,"value":"x"}`},
		{"hierarchy without value", `{"type":"hierarchy","level":2}`},
		{"hierarchy with ids", `{"type":"hierarchy","level":2,"value":"x","ids":["a"]}`},
		{"all with value", `{"type":"all","value":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.ParseSelector(tt.json)
			require.Error(t, err)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}
}

func TestFromSelector_RoundTrip(t *testing.T) {
	for _, sel := range []hierarchy.Selector{
		hierarchy.LeafSelector{IDs: generic.LeafIDs("a", "b")},
		hierarchy.HierarchySelector{Level: 3, Value: "soda"},
		hierarchy.AllSelector{},
	} {
		data, err := factory.MarshalSelector(sel)
		require.NoError(t, err)
		back, err := factory.ParseSelector(string(data))
		require.NoError(t, err)
		assert.Equal(t, sel, back)
	}
}

// =============================================================================
// RECORD DOCUMENTS
// =============================================================================

func TestRecordDocument_PreservesAmountsAndActuals(t *testing.T) {
	// GIVEN: a record with a recorded actual
	// WHEN: it is encoded and decoded
	// THEN: amounts keep their exact decimal value and the path keeps its levels

	at := time.Date(2025, time.February, 1, 12, 0, 0, 0, time.UTC)
	rec := &allocation.Record{
		ID: "a1", TenantID: "acme", SourceType: allocation.SourceClaim, SourceID: "c-9",
		Dimension: allocation.DimensionProduct,
		Selector:  hierarchy.HierarchySelector{Level: 1, Value: "bev"},
		Metric:    allocation.MetricVolume,
		Period:    generic.Period{Start: generic.StartOfYear(2024), End: generic.EndOfYear(2024)},
		Currency:  "KWD", Precision: 3,
		TotalAmount: decimal.RequireFromString("10.005"), TotalAllocated: decimal.RequireFromString("10.005"),
		Lines: []allocation.Line{{
			EntityID: "cola", EntityName: "Cola", Weight: 1, WeightPercentage: 100,
			Amount: decimal.RequireFromString("10.005"),
			Path:   hierarchy.NewPath(hierarchy.LevelNode{ID: "bev", Name: "Beverages"}),
		}},
		Status: allocation.StatusActive, Version: 3, ParentID: "a0",
		Fallback: generic.FallbackNone, HasHistoricalData: true,
		Audit:     []allocation.AuditEntry{{Action: allocation.AuditCreated, Actor: "alice", Timestamp: at}},
		CreatedAt: at, UpdatedAt: at,
	}
	rec.Lines[0].SetActual(decimal.RequireFromString("12.006"))

	doc := factory.FromRecord(rec)
	assert.Equal(t, "10.005", doc.Lines[0].AllocatedAmount)
	assert.Len(t, doc.Lines[0].Hierarchy, 1)

	data, err := factory.MarshalRecord(rec)
	require.NoError(t, err)
	back, err := factory.UnmarshalRecord(data)
	require.NoError(t, err)

	assert.Equal(t, rec.Selector, back.Selector)
	assert.Equal(t, rec.Period, back.Period)
	assert.Equal(t, rec.ParentID, back.ParentID)
	assert.True(t, back.Lines[0].Amount.Equal(rec.Lines[0].Amount))
	assert.True(t, back.Lines[0].Variance.Equal(decimal.RequireFromString("2.001")))
	assert.Equal(t, rec.Lines[0].Path, back.Lines[0].Path)
	require.Len(t, back.Audit, 1)
	assert.Equal(t, allocation.AuditCreated, back.Audit[0].Action)
	assert.True(t, back.Audit[0].Timestamp.Equal(at))
}
