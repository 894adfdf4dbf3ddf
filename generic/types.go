/*
Package generic provides the domain-agnostic core of the allocation engine.

PURPOSE:
  This package contains the pieces of the allocation engine that know nothing
  about promotions, budgets, products or customers: money, calendar dates,
  periods, the proportional split algorithm, weight normalisation, summary
  statistics and the closed set of upstream rule predicates. The hierarchy
  and allocation packages build the domain on top of it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Currency: ISO 4217 code
  - TenantID / LeafID / ActorID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Precision: Money is decimal.Decimal, never float64
  2. Determinism: Every function here is pure for its inputs
  3. Type Safety: Strong typing keeps tenant, leaf and actor ids apart

USAGE:
  precision := generic.PrecisionFor(generic.NewCurrency("usd"), generic.DefaultPrecision)
  shares, err := generic.Split(decimal.NewFromInt(1000), weights, precision)

SEE ALSO:
  - split.go: Floor-and-remainder allocation algorithm
  - weights.go: Historical weight normalisation
  - statistics.go: Summary statistics of allocated amounts
*/
package generic

import (
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Currency is an ISO 4217 code, upper case.
type Currency string

func NewCurrency(code string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(code)))
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type LeafID string
type ActorID string

// ActorSystem is the actor recorded for scheduled, unattended operations.
const ActorSystem ActorID = "system"

// LeafIDs converts plain strings into LeafIDs, preserving order.
func LeafIDs(ids ...string) []LeafID {
	out := make([]LeafID, len(ids))
	for i, id := range ids {
		out[i] = LeafID(id)
	}
	return out
}
