/*
Package factory converts between JSON documents and the domain types of the
allocation engine.

PURPOSE:
  Selectors and allocation records cross process boundaries as JSON: API
  request bodies, API responses, and the document column of the PostgreSQL
  store. The domain keeps them as Go sum types and decimals; this package is
  the one place that maps the two.

JSON SCHEMA (selector):
  {"type": "leaf", "ids": ["sku-1", "sku-2"]}
  {"type": "hierarchy", "level": 2, "value": "beverages"}
  {"type": "all"}

  The "type" tag picks the variant. Fields of other variants are rejected so
  a typo cannot silently widen the scope.

USAGE:
  sel, err := factory.ParseSelector(`{"type":"hierarchy","level":2,"value":"BEV"}`)
  doc := factory.FromSelector(sel)

SEE ALSO:
  - hierarchy/selector.go: Selector sum type
  - record.go: Allocation record documents
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// =============================================================================
// SELECTOR JSON
// =============================================================================

// SelectorJSON is the tagged-union form of hierarchy.Selector.
type SelectorJSON struct {
	Type  string   `json:"type"`
	IDs   []string `json:"ids,omitempty"`
	Level int      `json:"level,omitempty"`
	Value string   `json:"value,omitempty"`
}

// ParseSelector decodes and validates a selector document.
func ParseSelector(jsonStr string) (hierarchy.Selector, error) {
	var sj SelectorJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return nil, generic.NewValidationError("selector", fmt.Sprintf("invalid JSON: %v", err))
	}
	return sj.ToSelector()
}

// ToSelector builds the domain selector and validates it.
func (sj SelectorJSON) ToSelector() (hierarchy.Selector, error) {
	var sel hierarchy.Selector
	switch hierarchy.SelectorKind(sj.Type) {
	case hierarchy.SelectorLeaf:
		if sj.Level != 0 || sj.Value != "" {
			return nil, generic.NewValidationError("selector", "leaf selector takes ids only")
		}
		sel = hierarchy.LeafSelector{IDs: generic.LeafIDs(sj.IDs...)}
	case hierarchy.SelectorHierarchy:
		if len(sj.IDs) > 0 {
			return nil, generic.NewValidationError("selector", "hierarchy selector takes level and value only")
		}
		sel = hierarchy.HierarchySelector{Level: sj.Level, Value: sj.Value}
	case hierarchy.SelectorAll:
		if len(sj.IDs) > 0 || sj.Level != 0 || sj.Value != "" {
			return nil, generic.NewValidationError("selector", "all selector takes no fields")
		}
		sel = hierarchy.AllSelector{}
	case "":
		return nil, generic.NewValidationError("selector.type", "selector type is required")
	default:
		return nil, generic.NewValidationError("selector.type", fmt.Sprintf("unknown selector type %q", sj.Type))
	}

	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return sel, nil
}

// FromSelector converts a domain selector. A nil selector yields the zero document.
func FromSelector(sel hierarchy.Selector) SelectorJSON {
	switch s := sel.(type) {
	case hierarchy.LeafSelector:
		ids := make([]string, len(s.IDs))
		for i, id := range s.IDs {
			ids[i] = string(id)
		}
		return SelectorJSON{Type: string(hierarchy.SelectorLeaf), IDs: ids}
	case hierarchy.HierarchySelector:
		return SelectorJSON{Type: string(hierarchy.SelectorHierarchy), Level: s.Level, Value: s.Value}
	case hierarchy.AllSelector:
		return SelectorJSON{Type: string(hierarchy.SelectorAll)}
	}
	return SelectorJSON{}
}

// MarshalSelector encodes a selector as its JSON document.
func MarshalSelector(sel hierarchy.Selector) ([]byte, error) {
	return json.Marshal(FromSelector(sel))
}
