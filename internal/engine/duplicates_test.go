package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCharNgramsAndJaccard(t *testing.T) {
	a := charNgrams("roadmap", 3)
	b := charNgrams("roadmap", 3)
	require.InDelta(t, 1.0, jaccard(a, b), 1e-9)

	c := charNgrams("completely different text", 3)
	require.Less(t, jaccard(a, c), 0.5)
}

// TestFindDuplicatesDetectsNearIdenticalContent exercises spec.md §8
// scenario F: two near-identical memories surface as a duplicate
// candidate pair, while a dissimilar third memory does not pair with
// either.
func TestFindDuplicatesDetectsNearIdenticalContent(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	a, err := c.Create(ctx, CreateParams{
		Content:   "the quarterly roadmap review happens every Friday afternoon in the main conference room",
		Workspace: "ws1",
	})
	require.NoError(t, err)
	b, err := c.Create(ctx, CreateParams{
		Content:   "the quarterly roadmap review happens every Friday morning in the main conference room",
		Workspace: "ws1",
	})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{
		Content:   "completely unrelated notes about a weekend hiking trip itinerary",
		Workspace: "ws1",
	})
	require.NoError(t, err)

	candidates, err := c.FindDuplicates(ctx, "ws1", 0.75)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	lo, hi := a.ID, b.ID
	if lo > hi {
		lo, hi = hi, lo
	}
	require.Equal(t, lo, candidates[0].MemoryAID)
	require.Equal(t, hi, candidates[0].MemoryBID)
	require.GreaterOrEqual(t, candidates[0].Similarity, 0.75)
}

func TestFindDuplicatesRespectsHigherThreshold(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "short note about lunch", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{Content: "short note about dinner", Workspace: "ws1"})
	require.NoError(t, err)

	candidates, err := c.FindDuplicates(ctx, "ws1", 0.99)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestGetDuplicatesFiltersByStatus(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{
		Content:   "the quarterly roadmap review happens every Friday afternoon in the main conference room",
		Workspace: "ws1",
	})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{
		Content:   "the quarterly roadmap review happens every Friday morning in the main conference room",
		Workspace: "ws1",
	})
	require.NoError(t, err)

	_, err = c.FindDuplicates(ctx, "ws1", 0.75)
	require.NoError(t, err)

	pending, err := c.GetDuplicates(ctx, "ws1", "pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resolved, err := c.GetDuplicates(ctx, "ws1", "resolved")
	require.NoError(t, err)
	require.Empty(t, resolved)
}
