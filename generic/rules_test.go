package generic_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/allocation-engine/generic"
)

// fieldView is a fixed RuleView for tests.
type fieldView struct {
	numbers map[string]decimal.Decimal
	texts   map[string]string
	dates   map[string]generic.TimePoint
}

func (v fieldView) Number(f string) (decimal.Decimal, bool) { n, ok := v.numbers[f]; return n, ok }
func (v fieldView) Text(f string) (string, bool)            { s, ok := v.texts[f]; return s, ok }
func (v fieldView) Date(f string) (generic.TimePoint, bool) { d, ok := v.dates[f]; return d, ok }

func validView() fieldView {
	return fieldView{
		numbers: map[string]decimal.Decimal{"total_amount": dec("1000")},
		texts:   map[string]string{"source_id": "promo-1", "currency": "USD"},
		dates: map[string]generic.TimePoint{
			"period_start": generic.NewTimePoint(2025, time.January, 1),
			"period_end":   generic.NewTimePoint(2025, time.December, 31),
		},
	}
}

func TestDefaultRules_Pass(t *testing.T) {
	assert.Empty(t, generic.DefaultRules().Check(validView()))
}

func TestRules_EachKind(t *testing.T) {
	tests := []struct {
		name   string
		rule   generic.Rule
		mutate func(v *fieldView)
		holds  bool
	}{
		{"greater_than holds", generic.Rule{Kind: generic.RuleGreaterThan, Field: "total_amount", Value: "0"}, nil, true},
		{"greater_than fails on equal", generic.Rule{Kind: generic.RuleGreaterThan, Field: "total_amount", Value: "1000"}, nil, false},
		{"greater_or_equal on equal", generic.Rule{Kind: generic.RuleGreaterOrEqual, Field: "total_amount", Value: "1000"}, nil, true},
		{"less_or_equal cap", generic.Rule{Kind: generic.RuleLessOrEqual, Field: "total_amount", Value: "500"}, nil, false},
		{"missing number", generic.Rule{Kind: generic.RuleGreaterThan, Field: "nope", Value: "0"}, nil, false},
		{"before_field holds", generic.Rule{Kind: generic.RuleBeforeField, Field: "period_start", OtherField: "period_end"}, nil, true},
		{"before_field fails", generic.Rule{Kind: generic.RuleBeforeField, Field: "period_end", OtherField: "period_start"}, nil, false},
		{"not_empty holds", generic.Rule{Kind: generic.RuleNotEmpty, Field: "source_id"}, nil, true},
		{"not_empty blank", generic.Rule{Kind: generic.RuleNotEmpty, Field: "source_id"}, func(v *fieldView) { v.texts["source_id"] = "  " }, false},
		{"one_of holds", generic.Rule{Kind: generic.RuleOneOf, Field: "currency", Values: []string{"USD", "EUR"}}, nil, true},
		{"one_of fails", generic.Rule{Kind: generic.RuleOneOf, Field: "currency", Values: []string{"ZAR"}}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validView()
			if tt.mutate != nil {
				tt.mutate(&v)
			}
			violations := generic.RuleSet{tt.rule}.Check(v)
			if tt.holds {
				assert.Empty(t, violations)
			} else {
				require.Len(t, violations, 1)
				assert.Equal(t, tt.rule.Field, violations[0].Field)
				assert.Equal(t, tt.rule.Kind, violations[0].Kind)
				assert.NotEmpty(t, violations[0].Message)
			}
		})
	}
}

func TestRules_CustomMessage(t *testing.T) {
	rs := generic.RuleSet{{Kind: generic.RuleLessOrEqual, Field: "total_amount", Value: "10", Message: "over the promotion cap"}}
	violations := rs.Check(validView())
	require.Len(t, violations, 1)
	assert.Equal(t, "over the promotion cap", violations[0].Message)
}

func TestRuleSet_Validate(t *testing.T) {
	assert.NoError(t, generic.DefaultRules().Validate())

	bad := []generic.Rule{
		{Kind: "regex", Field: "x"},
		{Kind: generic.RuleGreaterThan, Field: "x", Value: "ten"},
		{Kind: generic.RuleBeforeField, Field: "x"},
		{Kind: generic.RuleOneOf, Field: "x"},
		{Kind: generic.RuleNotEmpty},
	}
	for _, r := range bad {
		err := generic.RuleSet{r}.Validate()
		assert.ErrorIs(t, err, generic.ErrValidation, "rule %+v", r)
	}
}
