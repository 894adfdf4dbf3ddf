package hierarchy

import (
	"fmt"
	"strings"

	"github.com/warp/allocation-engine/generic"
)

// =============================================================================
// SELECTOR - Which leaves an allocation targets
// =============================================================================

// Selector is a closed sum type: LeafSelector, HierarchySelector or
// AllSelector. Consumers handle it with a type switch.
type Selector interface {
	Kind() SelectorKind
	Validate() error
	String() string

	isSelector()
}

type SelectorKind string

const (
	SelectorLeaf      SelectorKind = "leaf"
	SelectorHierarchy SelectorKind = "hierarchy"
	SelectorAll       SelectorKind = "all"
)

// LeafSelector targets explicit entity ids.
type LeafSelector struct {
	IDs []generic.LeafID
}

// HierarchySelector targets every leaf under the node identified by Value
// (node id or code) at Level.
type HierarchySelector struct {
	Level int
	Value string
}

// AllSelector targets every active entity of the type.
type AllSelector struct{}

func (LeafSelector) isSelector()      {}
func (HierarchySelector) isSelector() {}
func (AllSelector) isSelector()       {}

func (LeafSelector) Kind() SelectorKind      { return SelectorLeaf }
func (HierarchySelector) Kind() SelectorKind { return SelectorHierarchy }
func (AllSelector) Kind() SelectorKind       { return SelectorAll }

func (s LeafSelector) Validate() error {
	if len(s.IDs) == 0 {
		return generic.NewValidationError("selector.ids", "leaf selector requires at least one id")
	}
	for _, id := range s.IDs {
		if strings.TrimSpace(string(id)) == "" {
			return generic.NewValidationError("selector.ids", "leaf selector ids must not be blank")
		}
	}
	return nil
}

func (s HierarchySelector) Validate() error {
	if s.Level < 1 || s.Level > MaxLevels {
		return generic.NewValidationError("selector.level", fmt.Sprintf("level must be between 1 and %d", MaxLevels))
	}
	if strings.TrimSpace(s.Value) == "" {
		return generic.NewValidationError("selector.value", "hierarchy selector requires a value")
	}
	return nil
}

func (AllSelector) Validate() error { return nil }

func (s LeafSelector) String() string {
	ids := make([]string, len(s.IDs))
	for i, id := range s.IDs {
		ids[i] = string(id)
	}
	return "leaf[" + strings.Join(ids, ",") + "]"
}

func (s HierarchySelector) String() string {
	return fmt.Sprintf("hierarchy[L%d=%s]", s.Level, s.Value)
}

func (AllSelector) String() string { return "all" }

// ValidateSelector rejects a nil selector and delegates to its Validate.
func ValidateSelector(s Selector) error {
	if s == nil {
		return generic.NewValidationError("selector", "selector is required")
	}
	return s.Validate()
}
