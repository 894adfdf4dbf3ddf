package allocation

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// =============================================================================
// REQUEST - Input to preview and execute
// =============================================================================

// DefaultCurrency applies when a request names none.
const DefaultCurrency generic.Currency = "USD"

type Request struct {
	TenantID generic.TenantID
	Actor    generic.ActorID

	SourceType SourceType
	SourceID   string
	SourceName string

	Dimension Dimension
	Selector  hierarchy.Selector
	Metric    Metric
	Period    generic.Period

	TotalAmount decimal.Decimal
	Currency    generic.Currency
	// Precision overrides the currency's minor units when set.
	Precision *int32

	AutoRecalculate bool
	Notes           string
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// normalized fills defaults without mutating the caller's request.
func (r Request) normalized() Request {
	r.Currency = generic.NewCurrency(string(r.Currency))
	if r.Currency == "" {
		r.Currency = DefaultCurrency
	}
	if r.Metric == "" {
		r.Metric = MetricRevenue
	}
	if r.Actor == "" {
		r.Actor = generic.ActorSystem
	}
	return r
}

// resolvedPrecision picks the explicit precision, else the currency's minor
// units, else fallback.
func (r Request) resolvedPrecision(fallback int32) int32 {
	if r.Precision != nil {
		return *r.Precision
	}
	return generic.PrecisionFor(r.Currency, fallback)
}

// Validate checks a request that will be persisted.
func (r Request) Validate() error {
	return r.validate(true)
}

// validate checks the pipeline inputs. Source identity is only required
// when the result is persisted.
func (r Request) validate(persist bool) error {
	if r.TenantID == "" {
		return generic.NewValidationError("tenant_id", "tenant is required")
	}
	if persist {
		if !r.SourceType.Valid() {
			return generic.NewValidationError("source_type", fmt.Sprintf("unknown source type %q", r.SourceType))
		}
		if r.SourceID == "" {
			return generic.NewValidationError("source_id", "source id is required")
		}
	}
	if !r.Dimension.Valid() {
		return generic.NewValidationError("dimension", fmt.Sprintf("unknown dimension %q", r.Dimension))
	}
	if err := hierarchy.ValidateSelector(r.Selector); err != nil {
		return err
	}
	if !r.Metric.Valid() {
		return generic.NewValidationError("metric", fmt.Sprintf("unknown metric %q", r.Metric))
	}
	if err := r.Period.Validate(); err != nil {
		return err
	}
	if r.TotalAmount.IsNegative() {
		return generic.NewValidationError("total_amount", "total amount must not be negative")
	}
	if !currencyPattern.MatchString(string(r.Currency)) {
		return generic.NewValidationError("currency", fmt.Sprintf("invalid currency %q", r.Currency))
	}
	if r.Precision != nil && !generic.ValidPrecision(*r.Precision) {
		return generic.NewValidationError("precision", fmt.Sprintf("precision must be between 0 and %d", generic.MaxPrecision))
	}
	return nil
}

// =============================================================================
// RULE VIEW - Fields exposed to upstream business rules
// =============================================================================

var _ generic.RuleView = Request{}

func (r Request) Number(field string) (decimal.Decimal, bool) {
	switch field {
	case "total_amount":
		return r.TotalAmount, true
	case "precision":
		if r.Precision == nil {
			return decimal.Zero, false
		}
		return decimal.NewFromInt32(*r.Precision), true
	case "period_days":
		if r.Period.Start.IsZero() || r.Period.End.IsZero() {
			return decimal.Zero, false
		}
		return decimal.NewFromInt(int64(r.Period.Days())), true
	}
	return decimal.Zero, false
}

func (r Request) Text(field string) (string, bool) {
	switch field {
	case "tenant_id":
		return string(r.TenantID), true
	case "source_type":
		return string(r.SourceType), true
	case "source_id":
		return r.SourceID, true
	case "source_name":
		return r.SourceName, true
	case "dimension":
		return string(r.Dimension), true
	case "metric":
		return string(r.Metric), true
	case "currency":
		return string(r.Currency), true
	case "selector_type":
		if r.Selector == nil {
			return "", false
		}
		return string(r.Selector.Kind()), true
	}
	return "", false
}

func (r Request) Date(field string) (generic.TimePoint, bool) {
	switch field {
	case "period_start":
		return r.Period.Start, !r.Period.Start.IsZero()
	case "period_end":
		return r.Period.End, !r.Period.End.IsZero()
	}
	return generic.TimePoint{}, false
}
