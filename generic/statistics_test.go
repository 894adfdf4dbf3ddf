package generic_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/allocation-engine/generic"
)

func TestComputeStatistics(t *testing.T) {
	stats := generic.ComputeStatistics([]decimal.Decimal{dec("200"), dec("500"), dec("300")})

	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 200, stats.Min, 1e-9)
	assert.InDelta(t, 500, stats.Max, 1e-9)
	assert.InDelta(t, 333.333333, stats.Mean, 1e-6)
	assert.InDelta(t, 300, stats.Median, 1e-9)
	// population std-dev of {200, 300, 500}
	assert.InDelta(t, 124.721913, stats.StdDev, 1e-6)
}

func TestComputeStatistics_EvenCountMedian(t *testing.T) {
	stats := generic.ComputeStatistics([]decimal.Decimal{dec("40"), dec("10"), dec("30"), dec("20")})

	assert.InDelta(t, 25, stats.Median, 1e-9)
	assert.InDelta(t, 10, stats.Min, 1e-9)
	assert.InDelta(t, 40, stats.Max, 1e-9)
}

func TestComputeStatistics_SingleAndEmpty(t *testing.T) {
	single := generic.ComputeStatistics([]decimal.Decimal{dec("42.50")})
	assert.Equal(t, 1, single.Count)
	assert.InDelta(t, 42.5, single.Median, 1e-9)
	assert.Zero(t, single.StdDev)

	assert.Equal(t, generic.Statistics{}, generic.ComputeStatistics(nil))
}
