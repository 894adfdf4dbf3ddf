package generic

import "github.com/shopspring/decimal"

// =============================================================================
// WEIGHT NORMALISATION
// =============================================================================

// Fallback names the weighting strategy used when history could not drive it.
type Fallback string

const (
	FallbackNone       Fallback = "none"
	FallbackEqualSplit Fallback = "equal_split"
)

// NormalizeWeights turns per-leaf metric totals into weights that sum to 1,
// in the order of ids. Leaves missing from metrics count as zero activity.
// Net negative totals (returns exceeding sales) are clamped to zero.
//
// When the grand total is zero every leaf receives 1/N and the fallback is
// FallbackEqualSplit.
func NormalizeWeights(ids []LeafID, metrics map[LeafID]decimal.Decimal) (Weights, Fallback) {
	if len(ids) == 0 {
		return Weights{}, FallbackNone
	}

	values := make([]decimal.Decimal, len(ids))
	grand := decimal.Zero
	for i, id := range ids {
		v := metrics[id]
		if v.IsNegative() {
			v = decimal.Zero
		}
		values[i] = v
		grand = grand.Add(v)
	}

	weights := make(Weights, len(ids))
	if grand.IsZero() {
		equal := 1 / float64(len(ids))
		for i, id := range ids {
			weights[i] = Weight{LeafID: id, Value: equal}
		}
		return weights, FallbackEqualSplit
	}

	for i, id := range ids {
		weights[i] = Weight{LeafID: id, Value: values[i].Div(grand).InexactFloat64()}
	}
	return weights, FallbackNone
}
