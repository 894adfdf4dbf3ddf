package generic

import (
	"sort"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// =============================================================================
// STATISTICS - Summary of allocated amounts
// =============================================================================

// Statistics summarises the line amounts of an allocation. It is derived
// data: always computed from scratch by ComputeStatistics, never updated
// incrementally.
type Statistics struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
}

// ComputeStatistics returns count, min, max, mean, median and population
// standard deviation of amounts. An empty input yields zero statistics.
func ComputeStatistics(amounts []decimal.Decimal) Statistics {
	if len(amounts) == 0 {
		return Statistics{}
	}

	xs := make([]float64, len(amounts))
	for i, a := range amounts {
		xs[i] = a.InexactFloat64()
	}
	sort.Float64s(xs)

	mean, std := stat.PopMeanStdDev(xs, nil)

	return Statistics{
		Count:  len(xs),
		Min:    xs[0],
		Max:    xs[len(xs)-1],
		Mean:   mean,
		Median: median(xs),
		StdDev: std,
	}
}

// median of sorted xs; even lengths average the two middle values.
func median(xs []float64) float64 {
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}
