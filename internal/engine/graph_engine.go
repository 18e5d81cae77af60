package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/dominikbraun/graph"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// LinkParams describes a cross-reference edge to create or strengthen
// (spec.md §4.7 `link`).
type LinkParams struct {
	FromID     int64
	ToID       int64
	EdgeType   string
	Score      float64
	Confidence float64
	Strength   float64
	Source     string
	Metadata   map[string]interface{}
}

// Link upserts a typed edge keyed by (from, to, edge_type).
func (c *Core) Link(ctx context.Context, p LinkParams) (int64, error) {
	if p.FromID == p.ToID {
		return 0, engerr.InvalidInput("link", "cannot link a memory to itself")
	}
	if p.EdgeType == "" {
		return 0, engerr.InvalidInput("link", "edge_type is required")
	}
	source := p.Source
	if source == "" {
		source = types.EdgeSourceUser
	}
	now := c.now()
	ref := &types.CrossReference{
		FromID: p.FromID, ToID: p.ToID, EdgeType: p.EdgeType,
		Score: p.Score, Confidence: p.Confidence, Strength: p.Strength,
		Source: source, Metadata: p.Metadata, CreatedAt: now, UpdatedAt: now,
	}
	if ref.Confidence == 0 {
		ref.Confidence = 1.0
	}
	if ref.Strength == 0 {
		ref.Strength = 1.0
	}
	id, err := c.rel.CreateCrossReference(ctx, ref)
	if err != nil {
		return 0, translateStorageErr("link", err)
	}
	c.emitEvent(ctx, types.EventLinked, &p.FromID, "", map[string]interface{}{"to_id": p.ToID, "edge_type": p.EdgeType})
	return id, nil
}

// Unlink removes a cross-reference edge by id.
func (c *Core) Unlink(ctx context.Context, edgeID int64) error {
	if err := c.rel.DeleteCrossReference(ctx, edgeID); err != nil {
		return translateStorageErr("unlink", err)
	}
	return nil
}

// RelatedParams configures a bounded multi-hop traversal (spec.md §4.7
// `related`).
type RelatedParams struct {
	ID              int64
	Depth           int
	Direction       string
	EdgeTypes       []string
	MinConfidence   float64
	LimitPerHop     int
	IncludeEntities bool
	IncludeDecayed  bool
}

func (p RelatedParams) bounds() storage.GraphBounds {
	b := storage.GraphBounds{
		MaxHops: p.Depth, Direction: p.Direction, EdgeTypes: p.EdgeTypes,
		MinConfidence: p.MinConfidence, LimitPerHop: p.LimitPerHop,
		IncludeEntities: p.IncludeEntities, IncludeDecayed: p.IncludeDecayed,
	}
	b.Normalize()
	return b
}

// Related returns memories reachable from id within depth hops.
func (c *Core) Related(ctx context.Context, p RelatedParams) (*storage.GraphResult, error) {
	result, err := c.graph.Traverse(ctx, p.ID, p.bounds())
	if err != nil {
		return nil, engerr.Storage("related", "traverse failed", err, true)
	}
	return result, nil
}

// Traverse is Related's direct storage-level alias, named to mirror
// spec.md §6's `traverse` operation.
func (c *Core) Traverse(ctx context.Context, p RelatedParams) (*storage.GraphResult, error) {
	return c.Related(ctx, p)
}

// FindPath finds the highest-strength shortest path between two memories.
func (c *Core) FindPath(ctx context.Context, fromID, toID int64, maxDepth int) ([]int64, error) {
	bounds := storage.GraphBounds{MaxHops: maxDepth}
	bounds.Normalize()
	path, err := c.graph.FindPath(ctx, fromID, toID, bounds)
	if err != nil {
		return nil, engerr.Storage("find_path", "traverse failed", err, true)
	}
	if len(path) == 0 {
		return nil, engerr.NotFoundf("find_path", "no path between memories %d and %d", fromID, toID)
	}
	return path, nil
}

// Cluster is one connected component of the cross-reference graph.
type Cluster struct {
	MemoryIDs []int64
}

// Clusters partitions a workspace's memories into connected components of
// the cross-reference graph, built and traversed via dominikbraun/graph's
// in-memory undirected graph rather than the hand-rolled BFS find_path
// uses, since component discovery needs no path tie-break — only
// reachability.
func (c *Core) Clusters(ctx context.Context, workspace string) ([]Cluster, error) {
	ids, err := c.workspaceMemoryIDs(ctx, workspace)
	if err != nil {
		return nil, err
	}

	g := graph.New(func(id int64) int64 { return id })
	for _, id := range ids {
		if err := g.AddVertex(id); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, engerr.Storage("clusters", "add vertex failed", err, false)
		}
	}

	for _, id := range ids {
		refs, err := c.rel.GetCrossReferences(ctx, id, storage.ListOptions{Limit: 1000, Page: 1})
		if err != nil {
			continue
		}
		for _, ref := range refs {
			other := ref.ToID
			if other == id {
				other = ref.FromID
			}
			if err := g.AddEdge(id, other); err != nil &&
				!errors.Is(err, graph.ErrEdgeAlreadyExists) && !errors.Is(err, graph.ErrVertexNotFound) {
				return nil, engerr.Storage("clusters", "add edge failed", err, false)
			}
		}
	}

	adjacency, err := g.AdjacencyMap()
	if err != nil {
		return nil, engerr.Storage("clusters", "adjacency map failed", err, false)
	}

	visited := make(map[int64]bool, len(ids))
	var clusters []Cluster
	for _, start := range ids {
		if visited[start] {
			continue
		}
		var members []int64
		queue := []int64{start}
		visited[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			members = append(members, cur)
			neighbors := make([]int64, 0, len(adjacency[cur]))
			for n := range adjacency[cur] {
				neighbors = append(neighbors, n)
			}
			sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })
			for _, n := range neighbors {
				if !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		clusters = append(clusters, Cluster{MemoryIDs: members})
	}
	return clusters, nil
}

// ExportGraph returns the full cross-reference edge set for a workspace, for
// external visualization or backup (spec.md §6 `export_graph`).
func (c *Core) ExportGraph(ctx context.Context, workspace string) ([]*types.CrossReference, error) {
	ids, err := c.workspaceMemoryIDs(ctx, workspace)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	var out []*types.CrossReference
	for _, id := range ids {
		refs, err := c.rel.GetCrossReferences(ctx, id, storage.ListOptions{Limit: 1000, Page: 1})
		if err != nil {
			continue
		}
		for _, ref := range refs {
			if seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			out = append(out, ref)
		}
	}
	return out, nil
}
