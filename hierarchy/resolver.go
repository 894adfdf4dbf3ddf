/*
resolver.go - Selector → concrete leaf set

RESOLUTION RULES:
  Leaf selector:
    Keep the ids that exist for the tenant and are active. Unknown and
    inactive ids are dropped silently. Caller order is preserved and
    duplicates are removed.

  Hierarchy selector:
    Active entities MARKED as leaves whose path carries the value (node id
    or code) at the given level. When none match, every active entity on
    that path is returned instead and the resolution is flagged
    ViaNonLeafFallback, since the result may mix intermediate nodes with
    leaves.

  All selector:
    Every active entity of the type for the tenant.

ORDERING:
  The resolved order is the processing order of the split and decides who
  receives the rounding remainder on ties. Stores return hierarchy and all
  selections ordered by id.

An empty resolution is not an error. The allocation engine turns it into a
failed result.
*/
package hierarchy

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/warp/allocation-engine/generic"
)

// =============================================================================
// LEAF STORE - Read access to hierarchy entities
// =============================================================================

// LeafStore reads hierarchy entities. All methods are scoped to one tenant
// and entity type.
type LeafStore interface {
	// FindByIDs returns the entities with the given ids, active or not, in
	// any order. Unknown ids are absent from the result.
	FindByIDs(ctx context.Context, tenant generic.TenantID, entityType EntityType, ids []generic.LeafID) ([]Leaf, error)

	// FindByHierarchy returns active entities whose node at level matches
	// value by id or code, ordered by id. With leavesOnly, intermediate
	// entities are excluded.
	FindByHierarchy(ctx context.Context, tenant generic.TenantID, entityType EntityType, level int, value string, leavesOnly bool) ([]Leaf, error)

	// FindActive returns every active entity ordered by id.
	FindActive(ctx context.Context, tenant generic.TenantID, entityType EntityType) ([]Leaf, error)
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolution is the outcome of scope resolution.
type Resolution struct {
	Leaves             []Leaf
	ViaNonLeafFallback bool
}

// IDs returns the resolved leaf ids in order.
func (r Resolution) IDs() []generic.LeafID { return LeafIDs(r.Leaves) }

func (r Resolution) Empty() bool { return len(r.Leaves) == 0 }

type Resolver struct {
	store LeafStore
	log   zerolog.Logger
}

func NewResolver(store LeafStore, log zerolog.Logger) *Resolver {
	return &Resolver{store: store, log: log.With().Str("component", "resolver").Logger()}
}

// Resolve turns a selector into the ordered set of active leaves it targets.
// Invalid input fails with a *generic.ValidationError before any store query.
func (r *Resolver) Resolve(ctx context.Context, tenant generic.TenantID, entityType EntityType, sel Selector) (Resolution, error) {
	if err := validateScope(tenant, entityType); err != nil {
		return Resolution{}, err
	}
	if err := ValidateSelector(sel); err != nil {
		return Resolution{}, err
	}

	var (
		res Resolution
		err error
	)
	switch s := sel.(type) {
	case LeafSelector:
		res, err = r.resolveLeaves(ctx, tenant, entityType, s)
	case HierarchySelector:
		res, err = r.resolveHierarchy(ctx, tenant, entityType, s)
	case AllSelector:
		var leaves []Leaf
		leaves, err = r.store.FindActive(ctx, tenant, entityType)
		res = Resolution{Leaves: leaves}
	default:
		return Resolution{}, generic.NewValidationError("selector", fmt.Sprintf("unsupported selector %T", sel))
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve %s: %w", sel, err)
	}

	res.Leaves = dedupe(res.Leaves)
	r.log.Debug().
		Str("tenant", string(tenant)).
		Str("entity_type", string(entityType)).
		Str("selector", sel.String()).
		Int("leaves", len(res.Leaves)).
		Bool("non_leaf_fallback", res.ViaNonLeafFallback).
		Msg("scope resolved")
	return res, nil
}

func (r *Resolver) resolveLeaves(ctx context.Context, tenant generic.TenantID, entityType EntityType, s LeafSelector) (Resolution, error) {
	found, err := r.store.FindByIDs(ctx, tenant, entityType, s.IDs)
	if err != nil {
		return Resolution{}, err
	}
	byID := make(map[generic.LeafID]Leaf, len(found))
	for _, l := range found {
		if l.Active && l.TenantID == tenant && l.Type == entityType {
			byID[l.ID] = l
		}
	}

	leaves := make([]Leaf, 0, len(s.IDs))
	for _, id := range s.IDs {
		if l, ok := byID[id]; ok {
			leaves = append(leaves, l)
		}
	}
	return Resolution{Leaves: leaves}, nil
}

func (r *Resolver) resolveHierarchy(ctx context.Context, tenant generic.TenantID, entityType EntityType, s HierarchySelector) (Resolution, error) {
	leaves, err := r.store.FindByHierarchy(ctx, tenant, entityType, s.Level, s.Value, true)
	if err != nil {
		return Resolution{}, err
	}
	if len(leaves) > 0 {
		return Resolution{Leaves: leaves}, nil
	}

	leaves, err = r.store.FindByHierarchy(ctx, tenant, entityType, s.Level, s.Value, false)
	if err != nil {
		return Resolution{}, err
	}
	if len(leaves) == 0 {
		return Resolution{}, nil
	}
	r.log.Warn().
		Str("tenant", string(tenant)).
		Int("level", s.Level).
		Str("value", s.Value).
		Int("entities", len(leaves)).
		Msg("no marked leaves under node, using all matching entities")
	return Resolution{Leaves: leaves, ViaNonLeafFallback: true}, nil
}

func validateScope(tenant generic.TenantID, entityType EntityType) error {
	if tenant == "" {
		return generic.NewValidationError("tenant_id", "tenant is required")
	}
	_, err := ParseEntityType(string(entityType))
	return err
}

func dedupe(leaves []Leaf) []Leaf {
	seen := make(map[generic.LeafID]bool, len(leaves))
	out := leaves[:0]
	for _, l := range leaves {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		out = append(out, l)
	}
	return out
}

// =============================================================================
// SELECTION TREE - Hierarchy browsing for selector building
// =============================================================================

// TreeNode is one hierarchy node. LeafCount is the number of entities a
// hierarchy selector on the node resolves to: its active marked leaves, or
// every active entity beneath it when it has no marked leaves.
type TreeNode struct {
	Level     int         `json:"level"`
	ID        string      `json:"id,omitempty"`
	Name      string      `json:"name"`
	Code      string      `json:"code,omitempty"`
	LeafCount int         `json:"leaf_count"`
	Children  []*TreeNode `json:"children,omitempty"`
}

// Tree nests the active entities of a type by their path down to depth
// levels, counting per node what Resolve would return for it. Depth 0 means
// MaxLevels. Children are sorted by name.
func (r *Resolver) Tree(ctx context.Context, tenant generic.TenantID, entityType EntityType, depth int) ([]*TreeNode, error) {
	if err := validateScope(tenant, entityType); err != nil {
		return nil, err
	}
	if depth == 0 {
		depth = MaxLevels
	}
	if depth < 1 || depth > MaxLevels {
		return nil, generic.NewValidationError("depth", fmt.Sprintf("depth must be between 1 and %d", MaxLevels))
	}

	leaves, err := r.store.FindActive(ctx, tenant, entityType)
	if err != nil {
		return nil, fmt.Errorf("load %s hierarchy: %w", entityType, err)
	}

	root := &treeBuilder{children: map[string]*treeBuilder{}}
	for _, l := range leaves {
		cur := root
		for level := 1; level <= depth; level++ {
			n := l.Path.At(level)
			if n.IsZero() {
				break
			}
			cur = cur.child(level, n)
			cur.entities++
			if l.IsLeaf {
				cur.leaves++
			}
		}
	}
	return root.build(), nil
}

type treeBuilder struct {
	node     *TreeNode
	leaves   int
	entities int
	children map[string]*treeBuilder
	order    []*treeBuilder
}

func (b *treeBuilder) child(level int, n LevelNode) *treeBuilder {
	if c, ok := b.children[n.key()]; ok {
		return c
	}
	name := n.Name
	if name == "" {
		name = n.key()
	}
	c := &treeBuilder{
		node:     &TreeNode{Level: level, ID: n.ID, Name: name, Code: n.Code},
		children: map[string]*treeBuilder{},
	}
	b.children[n.key()] = c
	b.order = append(b.order, c)
	return c
}

func (b *treeBuilder) build() []*TreeNode {
	nodes := make([]*TreeNode, 0, len(b.order))
	for _, c := range b.order {
		c.node.Children = c.build()
		c.node.LeafCount = c.leaves
		if c.leaves == 0 {
			c.node.LeafCount = c.entities
		}
		nodes = append(nodes, c.node)
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes
}
