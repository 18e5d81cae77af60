package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/types"
)

func createChain(t *testing.T, c *Core, n int, edgeType string) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		m, err := c.Create(ctx, CreateParams{Content: "chain node", Workspace: "ws1"})
		require.NoError(t, err)
		ids[i] = m.ID
	}
	for i := 0; i < n-1; i++ {
		_, err := c.Link(ctx, LinkParams{FromID: ids[i], ToID: ids[i+1], EdgeType: edgeType})
		require.NoError(t, err)
	}
	return ids
}

func TestLinkRejectsSelfLoop(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "solo", Workspace: "ws1"})
	require.NoError(t, err)

	_, err = c.Link(ctx, LinkParams{FromID: m.ID, ToID: m.ID, EdgeType: types.EdgeRelatedTo})
	require.Error(t, err)
}

func TestLinkRequiresEdgeType(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	a, err := c.Create(ctx, CreateParams{Content: "a", Workspace: "ws1"})
	require.NoError(t, err)
	b, err := c.Create(ctx, CreateParams{Content: "b", Workspace: "ws1"})
	require.NoError(t, err)

	_, err = c.Link(ctx, LinkParams{FromID: a.ID, ToID: b.ID})
	require.Error(t, err)
}

// TestRelatedMultiHopTraversal exercises spec.md §8 scenario D: the far end
// of a 3-hop chain is reachable within depth 3.
func TestRelatedMultiHopTraversal(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	ids := createChain(t, c, 4, types.EdgeRelatedTo)

	result, err := c.Related(ctx, RelatedParams{ID: ids[0], Depth: 3})
	require.NoError(t, err)
	require.Contains(t, result.Nodes, ids[3])
}

func TestFindPathReturnsShortestRoute(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	ids := createChain(t, c, 3, types.EdgeRelatedTo)

	path, err := c.FindPath(ctx, ids[0], ids[2], 5)
	require.NoError(t, err)
	require.Equal(t, []int64{ids[0], ids[1], ids[2]}, path)
}

func TestFindPathNoPathIsNotFound(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	a, err := c.Create(ctx, CreateParams{Content: "island a", Workspace: "ws1"})
	require.NoError(t, err)
	b, err := c.Create(ctx, CreateParams{Content: "island b", Workspace: "ws1"})
	require.NoError(t, err)

	_, err = c.FindPath(ctx, a.ID, b.ID, 5)
	require.Error(t, err)
}

func TestUnlinkRemovesEdge(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	a, err := c.Create(ctx, CreateParams{Content: "a", Workspace: "ws1"})
	require.NoError(t, err)
	b, err := c.Create(ctx, CreateParams{Content: "b", Workspace: "ws1"})
	require.NoError(t, err)

	edgeID, err := c.Link(ctx, LinkParams{FromID: a.ID, ToID: b.ID, EdgeType: types.EdgeRelatedTo})
	require.NoError(t, err)
	require.NoError(t, c.Unlink(ctx, edgeID))

	result, err := c.Related(ctx, RelatedParams{ID: a.ID, Depth: 1})
	require.NoError(t, err)
	require.Empty(t, result.Nodes)
}

func TestClustersGroupsConnectedComponents(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	chain := createChain(t, c, 2, types.EdgeRelatedTo)
	isolated, err := c.Create(ctx, CreateParams{Content: "isolated", Workspace: "ws1"})
	require.NoError(t, err)

	clusters, err := c.Clusters(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	var sawChain, sawIsolated bool
	for _, cl := range clusters {
		if len(cl.MemoryIDs) == 2 {
			require.ElementsMatch(t, chain, cl.MemoryIDs)
			sawChain = true
		}
		if len(cl.MemoryIDs) == 1 && cl.MemoryIDs[0] == isolated.ID {
			sawIsolated = true
		}
	}
	require.True(t, sawChain)
	require.True(t, sawIsolated)
}

func TestExportGraphReturnsAllEdgesOnce(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	ids := createChain(t, c, 3, types.EdgeRelatedTo)
	_ = ids

	edges, err := c.ExportGraph(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, edges, 2)
}
