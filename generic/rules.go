/*
rules.go - Upstream business-rule predicates

PURPOSE:
  Callers gate allocation requests with business rules before the engine
  runs ("total must be positive", "period start before period end", ...).
  Rules are a CLOSED set of kinds, each a pure predicate over a typed view
  of the request, dispatched by a switch. There is no registry of validator
  functions looked up by name at runtime.

KINDS:
  greater_than      Field >  Value           (numbers)
  greater_or_equal  Field >= Value           (numbers)
  less_or_equal     Field <= Value           (numbers)
  before_field      Field <= OtherField      (dates)
  not_empty         Field is present and non-blank
  one_of            Field is one of Values   (text)

CONFIGURATION:
  Rule sets are loaded from YAML by the config package:

    rules:
      - kind: greater_or_equal
        field: total_amount
        value: "0"
      - kind: before_field
        field: period_start
        other_field: period_end

SEE ALSO:
  - allocation/request.go: Implements RuleView
  - config/config.go: Loads rule sets
*/
package generic

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type RuleKind string

const (
	RuleGreaterThan    RuleKind = "greater_than"
	RuleGreaterOrEqual RuleKind = "greater_or_equal"
	RuleLessOrEqual    RuleKind = "less_or_equal"
	RuleBeforeField    RuleKind = "before_field"
	RuleNotEmpty       RuleKind = "not_empty"
	RuleOneOf          RuleKind = "one_of"
)

// Rule is one predicate. Value holds numeric thresholds as decimal strings.
type Rule struct {
	Kind       RuleKind `yaml:"kind" json:"kind"`
	Field      string   `yaml:"field" json:"field"`
	Value      string   `yaml:"value,omitempty" json:"value,omitempty"`
	Values     []string `yaml:"values,omitempty" json:"values,omitempty"`
	OtherField string   `yaml:"other_field,omitempty" json:"other_field,omitempty"`
	Message    string   `yaml:"message,omitempty" json:"message,omitempty"`
}

// RuleView exposes the fields of an entity to rules. Each accessor reports
// false when the entity has no such field or it is unset.
type RuleView interface {
	Number(field string) (decimal.Decimal, bool)
	Text(field string) (string, bool)
	Date(field string) (TimePoint, bool)
}

// Violation is a rule that did not hold.
type Violation struct {
	Field   string   `json:"field"`
	Kind    RuleKind `json:"kind"`
	Message string   `json:"message"`
}

type RuleSet []Rule

// DefaultRules guard the request shape the engine always expects.
func DefaultRules() RuleSet {
	return RuleSet{
		{Kind: RuleGreaterOrEqual, Field: "total_amount", Value: "0"},
		{Kind: RuleNotEmpty, Field: "source_id"},
		{Kind: RuleBeforeField, Field: "period_start", OtherField: "period_end"},
	}
}

// Validate checks that the rule is well formed. It is run when rule sets are
// loaded so evaluation never meets a malformed rule.
func (r Rule) Validate() error {
	if r.Field == "" {
		return NewValidationError("rules", fmt.Sprintf("%s rule needs a field", r.Kind))
	}
	switch r.Kind {
	case RuleGreaterThan, RuleGreaterOrEqual, RuleLessOrEqual:
		if _, err := decimal.NewFromString(r.Value); err != nil {
			return NewValidationError("rules", fmt.Sprintf("%s rule on %s needs a numeric value", r.Kind, r.Field))
		}
	case RuleBeforeField:
		if r.OtherField == "" {
			return NewValidationError("rules", fmt.Sprintf("before_field rule on %s needs other_field", r.Field))
		}
	case RuleOneOf:
		if len(r.Values) == 0 {
			return NewValidationError("rules", fmt.Sprintf("one_of rule on %s needs values", r.Field))
		}
	case RuleNotEmpty:
	default:
		return NewValidationError("rules", fmt.Sprintf("unknown rule kind %q", r.Kind))
	}
	return nil
}

// Validate checks every rule in the set.
func (rs RuleSet) Validate() error {
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Check evaluates every rule against v and returns the violations in rule order.
func (rs RuleSet) Check(v RuleView) []Violation {
	var violations []Violation
	for _, r := range rs {
		if ok, msg := r.holds(v); !ok {
			if r.Message != "" {
				msg = r.Message
			}
			violations = append(violations, Violation{Field: r.Field, Kind: r.Kind, Message: msg})
		}
	}
	return violations
}

func (r Rule) holds(v RuleView) (bool, string) {
	switch r.Kind {
	case RuleGreaterThan, RuleGreaterOrEqual, RuleLessOrEqual:
		n, ok := v.Number(r.Field)
		if !ok {
			return false, fmt.Sprintf("%s is required", r.Field)
		}
		threshold := MustParseDecimal(r.Value)
		switch r.Kind {
		case RuleGreaterThan:
			return n.GreaterThan(threshold), fmt.Sprintf("%s must be greater than %s", r.Field, r.Value)
		case RuleGreaterOrEqual:
			return n.GreaterThanOrEqual(threshold), fmt.Sprintf("%s must be at least %s", r.Field, r.Value)
		default:
			return n.LessThanOrEqual(threshold), fmt.Sprintf("%s must be at most %s", r.Field, r.Value)
		}

	case RuleBeforeField:
		a, okA := v.Date(r.Field)
		b, okB := v.Date(r.OtherField)
		if !okA || !okB {
			return false, fmt.Sprintf("%s and %s are required", r.Field, r.OtherField)
		}
		return a.BeforeOrEqual(b), fmt.Sprintf("%s must not be after %s", r.Field, r.OtherField)

	case RuleNotEmpty:
		s, ok := v.Text(r.Field)
		return ok && strings.TrimSpace(s) != "", fmt.Sprintf("%s must not be empty", r.Field)

	case RuleOneOf:
		s, ok := v.Text(r.Field)
		if ok {
			for _, allowed := range r.Values {
				if s == allowed {
					return true, ""
				}
			}
		}
		return false, fmt.Sprintf("%s must be one of %s", r.Field, strings.Join(r.Values, ", "))
	}
	return false, fmt.Sprintf("unknown rule kind %q", r.Kind)
}
