package storage

import (
	"errors"
	"time"

	"github.com/engramdb/engram/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrGraphBoundsExceeded indicates that graph traversal exceeded bounds.
	ErrGraphBoundsExceeded = errors.New("graph bounds exceeded")

	// ErrConflict indicates a write would violate a uniqueness or version
	// invariant. No sqlite store method returns it; the engine raises dedup
	// rejects itself.
	ErrConflict = errors.New("conflict")
)

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	Items    []T
	Total    int
	Page     int
	PageSize int
	HasMore  bool
}

// FilterOp is a comparison operator in a filter expression (spec.md §6).
type FilterOp string

const (
	OpEq          FilterOp = "eq"
	OpNeq         FilterOp = "neq"
	OpGt          FilterOp = "gt"
	OpGte         FilterOp = "gte"
	OpLt          FilterOp = "lt"
	OpLte         FilterOp = "lte"
	OpContains    FilterOp = "contains"
	OpNotContains FilterOp = "not_contains"
	OpExists      FilterOp = "exists"
	// OpIn is an Engram extension beyond spec.md §6's listed op set,
	// used internally by tag-membership filters; not part of the
	// externally documented filter language.
	OpIn FilterOp = "in"
)

// FilterCondition is a single `{field: {op: value}}` leaf in a filter
// expression tree.
type FilterCondition struct {
	Field string
	Op    FilterOp
	Value interface{}
}

// FilterExpr is a node in the filter expression tree described in spec.md
// §6: either a leaf FilterCondition, or an AND/OR combinator over child
// expressions. Exactly one of Condition or (Combinator + Children) is set.
type FilterExpr struct {
	Condition *FilterCondition
	Combinator string // "AND" or "OR"
	Children   []FilterExpr
}

// And builds an AND combinator node.
func And(children ...FilterExpr) FilterExpr {
	return FilterExpr{Combinator: "AND", Children: children}
}

// Or builds an OR combinator node.
func Or(children ...FilterExpr) FilterExpr {
	return FilterExpr{Combinator: "OR", Children: children}
}

// Cond builds a leaf condition node.
func Cond(field string, op FilterOp, value interface{}) FilterExpr {
	return FilterExpr{Condition: &FilterCondition{Field: field, Op: op, Value: value}}
}

// IsZero reports whether the expression carries no filter at all.
func (f FilterExpr) IsZero() bool {
	return f.Condition == nil && len(f.Children) == 0
}

// ListOptions provides pagination, sorting and filtering for list/query
// operations.
type ListOptions struct {
	Page      int
	Limit     int
	SortBy    string
	SortOrder string

	// Filter is the structured filter expression (spec.md §6). Nil/zero
	// means no filter.
	Filter FilterExpr

	Workspace string
	ScopeKind string
	ScopeID   string

	MemoryType string

	LifecycleState string

	CreatedAfter  time.Time
	CreatedBefore time.Time

	MinSalience float64

	SessionID string

	IncludeDeleted bool
	OnlyDeleted    bool

	// IncludeArchived opts archived memories back into results; by default
	// they are excluded from list/search unless LifecycleState explicitly
	// requests them (spec.md invariant 7).
	IncludeArchived bool

	// IncludeChunks opts transcript_chunk memories back in; excluded by
	// default unless MemoryType explicitly requests them (spec.md §4.2).
	IncludeChunks bool
}

var allowedSortFields = map[string]bool{
	"created_at":     true,
	"updated_at":     true,
	"id":             true,
	"importance":     true,
	"salience_score": true,
	"quality_score":  true,
	"access_count":   true,
}

// Normalize applies defaults and validates the ListOptions.
func (o *ListOptions) Normalize() {
	if !allowedSortFields[o.SortBy] {
		o.SortBy = "created_at"
	}
	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		o.SortOrder = "desc"
	}
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = 10
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Workspace == "" {
		o.Workspace = "default"
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// SearchOptions provides options for search operations (spec.md §4.3-§4.6).
type SearchOptions struct {
	Query string

	Workspace string
	ScopeKind string
	ScopeID   string

	Limit  int
	Offset int

	MinScore float64

	Filter FilterExpr

	// IncludeEntities augments graph-adjacent results with entity
	// co-occurrence edges alongside direct cross-references.
	IncludeEntities bool

	// FuzzyFallback enables the fuzzy channel when lexical+vector return
	// fewer than a useful number of hits. Fuzzy never runs as the sole
	// strategy (see DESIGN.md Open Questions).
	FuzzyFallback bool

	// IncludeArchived opts archived memories back into search results;
	// excluded by default (spec.md invariant 7).
	IncludeArchived bool

	// IncludeChunks opts transcript_chunk memories back in; excluded by
	// default (spec.md §4.2).
	IncludeChunks bool
}

// Normalize applies defaults and validates the SearchOptions.
func (o *SearchOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 10
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.MinScore < 0.0 {
		o.MinScore = 0.0
	}
	if o.MinScore > 1.0 {
		o.MinScore = 1.0
	}
	if o.Workspace == "" {
		o.Workspace = "default"
	}
}

// GraphBounds prevents combinatorial explosion during graph traversal.
type GraphBounds struct {
	MaxHops  int
	MaxNodes int
	MaxEdges int
	Timeout  time.Duration

	IncludeEntities bool

	// Direction restricts traversal to "outgoing", "incoming", or "both"
	// (default) edges from each frontier node (spec.md §4.7).
	Direction string

	// EdgeTypes restricts traversal to the given edge_type values; empty
	// means all types are eligible.
	EdgeTypes []string

	// MinConfidence excludes edges whose decayed confidence falls below
	// this threshold.
	MinConfidence float64

	// LimitPerHop caps how many new nodes each frontier node may contribute
	// in a single Traverse hop, bounding per-hop work independent of the
	// overall MaxNodes cap. FindPath does not apply it.
	LimitPerHop int

	// IncludeDecayed opts into edges whose decayed confidence has fallen
	// below MinConfidence due to time decay (spec.md §4.7 default: excluded).
	IncludeDecayed bool

	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Normalize applies defaults and validates the GraphBounds.
func (g *GraphBounds) Normalize() {
	if g.MaxHops < 1 {
		g.MaxHops = 3
	}
	if g.MaxHops > 10 {
		g.MaxHops = 10
	}
	if g.MaxNodes < 1 {
		g.MaxNodes = 100
	}
	if g.MaxNodes > 1000 {
		g.MaxNodes = 1000
	}
	if g.MaxEdges < 1 {
		g.MaxEdges = 500
	}
	if g.MaxEdges > 5000 {
		g.MaxEdges = 5000
	}
	if g.Timeout == 0 {
		g.Timeout = 30 * time.Second
	}
	if g.Timeout > 5*time.Minute {
		g.Timeout = 5 * time.Minute
	}
	if g.Direction == "" {
		g.Direction = "both"
	}
	if g.LimitPerHop < 1 {
		g.LimitPerHop = 20
	}
	if g.MinConfidence < 0 {
		g.MinConfidence = 0
	}
}

// MatchesTemporalBounds reports whether createdAt falls within the window
// defined by CreatedAfter and CreatedBefore. A zero value for either bound
// means that bound is unconstrained.
func (g *GraphBounds) MatchesTemporalBounds(createdAt time.Time) bool {
	if !g.CreatedAfter.IsZero() && !createdAt.After(g.CreatedAfter) {
		return false
	}
	if !g.CreatedBefore.IsZero() && !createdAt.Before(g.CreatedBefore) {
		return false
	}
	return true
}

// GraphResult represents the result of a graph traversal operation.
type GraphResult struct {
	Nodes         []int64
	Edges         []GraphEdge
	BoundsReached []string
}

// GraphEdge represents a directed edge in the memory graph.
type GraphEdge struct {
	From         int64
	To           int64
	RelationType string
	Weight       float64
}

// TraversalResult represents a memory found via BFS over cross-reference
// edges (and, when requested, entity co-occurrence edges).
type TraversalResult struct {
	Memory         *types.Memory
	HopDistance    int
	Path           []int64
	SharedEntities []string
}
