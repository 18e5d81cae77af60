package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/types"
)

func TestClassifyConflictLowSharedEntitiesFallsBackToDuplication(t *testing.T) {
	a := &types.Memory{Content: "the project deadline is next Friday", UpdatedAt: fixedNow}
	b := &types.Memory{Content: "the project deadline is next Friday", UpdatedAt: fixedNow}

	kind, severity, ok := classifyConflict(a, b, 0)
	require.True(t, ok)
	require.Equal(t, types.ConflictDuplication, kind)
	require.Greater(t, severity, 0.0)
}

func TestClassifyConflictNegationDisagreementIsContradiction(t *testing.T) {
	a := &types.Memory{Content: "the deploy window is scheduled for Tuesday", UpdatedAt: fixedNow}
	b := &types.Memory{Content: "the deploy window is not scheduled for Tuesday", UpdatedAt: fixedNow}

	kind, severity, ok := classifyConflict(a, b, 2)
	require.True(t, ok)
	require.Equal(t, types.ConflictContradiction, kind)
	require.Greater(t, severity, 0.0)
}

func TestClassifyConflictLargeUpdateGapIsStaleness(t *testing.T) {
	a := &types.Memory{Content: "the api rate limit is 100 requests per minute for this service tier", UpdatedAt: fixedNow}
	b := &types.Memory{
		Content:   "the api throughput cap is 100 requests every minute across this service tier",
		UpdatedAt: fixedNow.Add(-200 * 24 * time.Hour),
	}

	kind, _, ok := classifyConflict(a, b, 2)
	require.True(t, ok)
	require.Equal(t, types.ConflictStaleness, kind)
}

func TestClassifyConflictUnrelatedContentIsNoMatch(t *testing.T) {
	a := &types.Memory{Content: "the weather today is sunny and warm", UpdatedAt: fixedNow}
	b := &types.Memory{Content: "quarterly revenue grew by double digits", UpdatedAt: fixedNow}

	_, _, ok := classifyConflict(a, b, 2)
	require.False(t, ok)
}

func TestResolveConflictKeepAPurgesOther(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	a, err := c.Create(ctx, CreateParams{Content: "version a of the fact", Workspace: "ws1"})
	require.NoError(t, err)
	b, err := c.Create(ctx, CreateParams{Content: "version b of the fact", Workspace: "ws1"})
	require.NoError(t, err)

	conflict := &types.MemoryConflict{MemoryAID: a.ID, MemoryBID: b.ID, Kind: types.ConflictDuplication, Severity: 0.9, DetectedAt: c.now()}
	require.NoError(t, c.insertConflict(ctx, conflict))

	conflicts, err := c.GetConflicts(ctx, "ws1", true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	require.NoError(t, c.ResolveConflict(ctx, conflicts[0].ID, types.ResolutionKeepA, "tester"))

	_, err = c.Get(ctx, b.ID)
	require.Error(t, err, "the losing memory must be purged")
	_, err = c.Get(ctx, a.ID)
	require.NoError(t, err)
}

func TestResolveConflictRejectsInvalidResolution(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	a, err := c.Create(ctx, CreateParams{Content: "version a", Workspace: "ws1"})
	require.NoError(t, err)
	b, err := c.Create(ctx, CreateParams{Content: "version b", Workspace: "ws1"})
	require.NoError(t, err)

	conflict := &types.MemoryConflict{MemoryAID: a.ID, MemoryBID: b.ID, Kind: types.ConflictDuplication, Severity: 0.9, DetectedAt: c.now()}
	require.NoError(t, c.insertConflict(ctx, conflict))

	conflicts, err := c.GetConflicts(ctx, "ws1", true)
	require.NoError(t, err)

	err = c.ResolveConflict(ctx, conflicts[0].ID, "bogus_resolution", "tester")
	require.Error(t, err)
}

func TestGetConflictsFiltersUnresolved(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	a, err := c.Create(ctx, CreateParams{Content: "version a", Workspace: "ws1"})
	require.NoError(t, err)
	b, err := c.Create(ctx, CreateParams{Content: "version b", Workspace: "ws1"})
	require.NoError(t, err)

	conflict := &types.MemoryConflict{MemoryAID: a.ID, MemoryBID: b.ID, Kind: types.ConflictDuplication, Severity: 0.9, DetectedAt: c.now()}
	require.NoError(t, c.insertConflict(ctx, conflict))

	unresolved, err := c.GetConflicts(ctx, "ws1", true)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)

	require.NoError(t, c.ResolveConflict(ctx, unresolved[0].ID, types.ResolutionFalsePositive, "tester"))

	unresolved, err = c.GetConflicts(ctx, "ws1", true)
	require.NoError(t, err)
	require.Empty(t, unresolved)

	all, err := c.GetConflicts(ctx, "ws1", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
