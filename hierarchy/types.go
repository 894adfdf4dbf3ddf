/*
Package hierarchy resolves which leaves of a product or customer hierarchy an
allocation applies to.

PURPOSE:
  Allocations target "the leaves under Beverages", "these three SKUs" or
  "every customer". This package models the hierarchy a leaf sits in, the
  selector that describes a target set, and the resolver that turns a
  selector into the concrete, ordered list of active leaves.

KEY CONCEPTS:
  - Leaf: A product or customer entity with its position in the hierarchy
  - Path: The five hierarchy levels above a leaf (level 1 is the root)
  - Selector: Leaf ids, one hierarchy node, or everything
  - Resolver: Selector → ordered, de-duplicated active leaves

LEAF vs INTERMEDIATE ENTITIES:
  Entities are marked as leaves (IsLeaf) or intermediate nodes. Hierarchy
  selection prefers marked leaves. Tenants that never marked leaves still
  get a result: the resolver falls back to every matching entity and says so
  in the resolution.

SEE ALSO:
  - selector.go: Selector sum type
  - resolver.go: Scope resolution and selection tree
  - factory/selector.go: JSON codec for selectors
*/
package hierarchy

import (
	"fmt"

	"github.com/warp/allocation-engine/generic"
)

// =============================================================================
// ENTITY TYPE
// =============================================================================

type EntityType string

const (
	EntityProduct  EntityType = "product"
	EntityCustomer EntityType = "customer"
)

func (t EntityType) Valid() bool {
	return t == EntityProduct || t == EntityCustomer
}

// ParseEntityType validates s as an entity type.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if s == "" {
		return "", generic.NewValidationError("entity_type", "entity type is required")
	}
	if !t.Valid() {
		return "", generic.NewValidationError("entity_type", fmt.Sprintf("unknown entity type %q", s))
	}
	return t, nil
}

// =============================================================================
// PATH - Position of an entity in the hierarchy
// =============================================================================

// MaxLevels is the depth of every hierarchy.
const MaxLevels = 5

// LevelNode is one ancestor. A zero node means the level is unset.
type LevelNode struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Code string `json:"code,omitempty"`
}

func (n LevelNode) IsZero() bool {
	return n.ID == "" && n.Name == "" && n.Code == ""
}

// Matches reports whether value identifies this node by id or code.
func (n LevelNode) Matches(value string) bool {
	return value != "" && (n.ID == value || n.Code == value)
}

// key identifies the node inside a tree level.
func (n LevelNode) key() string {
	switch {
	case n.ID != "":
		return n.ID
	case n.Code != "":
		return n.Code
	default:
		return n.Name
	}
}

// Path holds levels 1..MaxLevels at indexes 0..MaxLevels-1.
type Path [MaxLevels]LevelNode

// At returns the node at a 1-based level; out-of-range levels are zero.
func (p Path) At(level int) LevelNode {
	if level < 1 || level > MaxLevels {
		return LevelNode{}
	}
	return p[level-1]
}

// Set returns a copy of the path with level replaced.
func (p Path) Set(level int, n LevelNode) Path {
	if level >= 1 && level <= MaxLevels {
		p[level-1] = n
	}
	return p
}

// NewPath builds a path from the root down. Extra nodes are ignored.
func NewPath(nodes ...LevelNode) Path {
	var p Path
	copy(p[:], nodes)
	return p
}

// =============================================================================
// LEAF
// =============================================================================

// Leaf is a product or customer entity. Despite the name it may be an
// intermediate node when IsLeaf is false.
type Leaf struct {
	TenantID generic.TenantID
	Type     EntityType
	ID       generic.LeafID
	Name     string
	Code     string
	Path     Path
	Active   bool
	IsLeaf   bool
}

// LeafIDs returns the ids of leaves in order.
func LeafIDs(leaves []Leaf) []generic.LeafID {
	ids := make([]generic.LeafID, len(leaves))
	for i, l := range leaves {
		ids[i] = l.ID
	}
	return ids
}
