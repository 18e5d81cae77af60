package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/types"
)

func TestStatsCountsMemoriesByTier(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "permanent memory one", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{Content: "daily memory one", Workspace: "ws1", Tier: types.TierDaily})
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalMemories)
	require.Equal(t, 1, stats.ByTier[types.TierPermanent])
	require.Equal(t, 1, stats.ByTier[types.TierDaily])
}

func TestAggregateComputesWorkspaceRollup(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "first memory", Workspace: "ws1", Importance: 0.8})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{Content: "second memory", Workspace: "ws1", Importance: 0.4})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{Content: "other workspace memory", Workspace: "ws2"})
	require.NoError(t, err)

	agg, err := c.Aggregate(ctx, "ws1")
	require.NoError(t, err)
	require.Equal(t, 2, agg.MemoryCount)
	require.InDelta(t, 0.6, agg.AvgImportance, 0.01)
}

func TestRebuildEmbeddingsReenqueues(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "some memory content", Workspace: "ws1"})
	require.NoError(t, err)

	n, err := c.RebuildEmbeddings(ctx, "ws1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_ = m
}

func TestRebuildCrossrefsExtractsEntitiesAndFindsDuplicates(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "Notes about Charles Babbage and his engine", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{Content: "Notes about Charles Babbage and his engine design", Workspace: "ws1"})
	require.NoError(t, err)

	n, err := c.RebuildCrossrefs(ctx, "ws1", 0.5)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	pending, err := c.GetDuplicates(ctx, "ws1", "pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}
