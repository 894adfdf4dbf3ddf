package allocation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// =============================================================================
// WEIGHT CALCULATOR - Historical sales → normalised weights
// =============================================================================

// WeightResult carries the weights and the evidence they were computed from.
type WeightResult struct {
	Weights           generic.Weights
	Metrics           map[generic.LeafID]decimal.Decimal
	Fallback          generic.Fallback
	HasHistoricalData bool
}

// WeightCalculator reads history on every call. It holds no cache, so two
// calls against the same history snapshot return the same weights.
type WeightCalculator struct {
	history HistoryStore
	log     zerolog.Logger
}

func NewWeightCalculator(history HistoryStore, log zerolog.Logger) *WeightCalculator {
	return &WeightCalculator{history: history, log: log.With().Str("component", "weights").Logger()}
}

// Weights computes one weight per id, in the order of ids. When no leaf has
// activity in the period the weights fall back to an equal split.
func (c *WeightCalculator) Weights(ctx context.Context, tenant generic.TenantID, ids []generic.LeafID, entityType hierarchy.EntityType, metric Metric, period generic.Period) (WeightResult, error) {
	if !metric.Valid() {
		return WeightResult{}, generic.NewValidationError("metric", fmt.Sprintf("unknown metric %q", metric))
	}
	if err := period.Validate(); err != nil {
		return WeightResult{}, err
	}
	if len(ids) == 0 {
		return WeightResult{Weights: generic.Weights{}, Fallback: generic.FallbackNone}, nil
	}

	metrics, err := c.history.SumMetric(ctx, tenant, entityType, metric, ids, period)
	if err != nil {
		return WeightResult{}, fmt.Errorf("sum %s history: %w", metric, err)
	}

	weights, fallback := generic.NormalizeWeights(ids, metrics)
	if fallback == generic.FallbackEqualSplit {
		c.log.Info().
			Str("tenant", string(tenant)).
			Str("metric", string(metric)).
			Stringer("period", period).
			Int("leaves", len(ids)).
			Msg("no historical activity, using equal split")
	}

	return WeightResult{
		Weights:           weights,
		Metrics:           metrics,
		Fallback:          fallback,
		HasHistoricalData: fallback == generic.FallbackNone,
	}, nil
}
