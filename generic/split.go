/*
split.go - Proportional split with exact reconciliation

PURPOSE:
  Distributes a total monetary amount across leaves according to their
  weights, so that the per-leaf amounts add up to the total EXACTLY at the
  currency precision. Downstream financial reconciliation depends on it.

WHY NOT total × weight, ROUNDED?
  Rounding every leaf to the nearest cent independently drifts: three equal
  thirds of 100.00 round to 33.33 each and lose a cent. Float arithmetic adds
  its own noise on top.

ALGORITHM:
  1. raw = total × weight for every leaf
  2. Round each raw amount DOWN (floor) to the precision, so the running sum
     can never exceed the total
  3. remainder = total − Σ floored
  4. Add the whole remainder to the leaf with the LARGEST weight; ties go to
     the first such leaf in processing order

EXAMPLE:
  Split(100, [1/3, 1/3, 1/3], 2)
    floored:   [33.33, 33.33, 33.33]  (sum 99.99)
    remainder: 0.01 → first leaf
    result:    [33.34, 33.33, 33.33]  (sum 100.00)

INVARIANTS:
  - Σ amounts == round(total, precision)
  - every amount >= 0
  - a zero-weight leaf only receives the remainder when no leaf has a
    positive weight

SEE ALSO:
  - weights.go: Produces the normalised weights fed into Split
  - allocation/engine.go: Builds allocation lines from the shares
*/
package generic

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// =============================================================================
// WEIGHTS & SHARES
// =============================================================================

// Weight is a leaf's normalised share of the basis metric, in [0, 1].
type Weight struct {
	LeafID LeafID
	Value  float64
}

// Weights is ordered. The order is the processing order of the split and
// decides ties for the remainder.
type Weights []Weight

// Share is the amount allocated to one leaf.
type Share struct {
	LeafID LeafID
	Weight float64
	Amount decimal.Decimal
}

type Shares []Share

// weightSumTolerance absorbs float noise in weights that should sum to 1.
const weightSumTolerance = 1e-6

// =============================================================================
// SPLIT
// =============================================================================

// Split distributes total across weights at the given precision (decimal
// places). The returned shares keep the order of weights.
func Split(total decimal.Decimal, weights Weights, precision int32) (Shares, error) {
	if len(weights) == 0 {
		return nil, NewValidationError("weights", "at least one weight is required")
	}
	if !ValidPrecision(precision) {
		return nil, NewValidationError("precision", fmt.Sprintf("precision must be between 0 and %d", MaxPrecision))
	}
	if total.IsNegative() {
		return nil, NewValidationError("total_amount", "total amount must not be negative")
	}

	var weightSum float64
	for _, w := range weights {
		if math.IsNaN(w.Value) || math.IsInf(w.Value, 0) || w.Value < 0 {
			return nil, NewValidationError("weights", fmt.Sprintf("weight for %s must be a non-negative number", w.LeafID))
		}
		weightSum += w.Value
	}
	if weightSum > 1+weightSumTolerance {
		return nil, NewValidationError("weights", fmt.Sprintf("weights sum to %f, more than 1", weightSum))
	}

	total = total.Round(precision)
	shares := make(Shares, len(weights))
	allocated := decimal.Zero
	maxIdx := 0

	for i, w := range weights {
		amount := total.Mul(decimal.NewFromFloat(w.Value)).RoundFloor(precision)
		shares[i] = Share{LeafID: w.LeafID, Weight: w.Value, Amount: amount}
		allocated = allocated.Add(amount)

		// Strictly greater: the first max-weight leaf keeps the remainder.
		if w.Value > weights[maxIdx].Value {
			maxIdx = i
		}
	}

	// Flooring keeps the remainder non-negative whenever the weights sum to at
	// most 1. Float noise above 1 can only push it below zero by less than
	// one minor unit, which the largest share absorbs.
	remainder := total.Sub(allocated).Round(precision)
	if !remainder.IsZero() {
		shares[maxIdx].Amount = shares[maxIdx].Amount.Add(remainder)
	}

	return shares, nil
}

// Sum returns the total of all share amounts.
func (s Shares) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, share := range s {
		sum = sum.Add(share.Amount)
	}
	return sum
}

// =============================================================================
// WEIGHT HELPERS
// =============================================================================

func (w Weights) Sum() float64 {
	var sum float64
	for _, weight := range w {
		sum += weight.Value
	}
	return sum
}

func (w Weights) IDs() []LeafID {
	ids := make([]LeafID, len(w))
	for i, weight := range w {
		ids[i] = weight.LeafID
	}
	return ids
}
