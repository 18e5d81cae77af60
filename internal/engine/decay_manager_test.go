package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSalienceDecaysMonotonicallyWithAge(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	clock := clockOf(t, c)

	m, err := c.Create(ctx, CreateParams{Content: "aging memory", Workspace: "ws1"})
	require.NoError(t, err)

	first, err := c.SalienceGet(ctx, m.ID)
	require.NoError(t, err)

	clock.Advance(30 * 24 * time.Hour)

	second, err := c.SalienceGet(ctx, m.ID)
	require.NoError(t, err)

	require.Less(t, second.Recency, first.Recency, "recency component must decay monotonically with age")
}

func TestDecayRunPersistsScoresWithoutVersionBump(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "salience target", Workspace: "ws1"})
	require.NoError(t, err)
	require.Equal(t, 1, m.Version)

	n, err := c.DecayRun(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	after, err := c.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, 1, after.Version, "periodic salience recompute must not bump Version")

	versions, err := c.Versions(ctx, m.ID)
	require.NoError(t, err)
	require.Empty(t, versions, "periodic salience recompute must not write a memory_versions row")

	hist, err := c.SalienceHistoryFor(ctx, m.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestDecayRunDryRunWritesNothing(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "salience target", Workspace: "ws1"})
	require.NoError(t, err)

	n, err := c.DecayRun(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	hist, err := c.SalienceHistoryFor(ctx, 1, 10)
	require.NoError(t, err)
	require.Empty(t, hist)
}

func TestDecaySkipsArchivedMemories(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "will be archived", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.SetLifecycle(ctx, 1, "archived")
	require.NoError(t, err)

	n, err := c.DecayRun(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// TestBoostIsSingleWriteNotDouble exercises the collapsed Boost path: one
// call must produce exactly one version bump and append exactly one
// memory_versions row, not two.
func TestBoostIsSingleWriteNotDouble(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "boostable", Workspace: "ws1", Importance: 0.3})
	require.NoError(t, err)

	boosted, err := c.Boost(ctx, m.ID, 0.2, 0)
	require.NoError(t, err)
	require.InDelta(t, 0.5, boosted.Importance, 1e-9)
	require.Equal(t, 2, boosted.Version, "exactly one version bump per Boost call")

	versions, err := c.Versions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

// TestBoostWithDurationDecaysOnSweep exercises the temporary half of
// boost(id, delta, duration?): after the window passes, the lifecycle
// sweeper restores the pre-boost importance and clears the bookkeeping.
func TestBoostWithDurationDecaysOnSweep(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	clock := clockOf(t, c)

	m, err := c.Create(ctx, CreateParams{Content: "temporarily boosted", Workspace: "ws1", Importance: 0.3})
	require.NoError(t, err)

	boosted, err := c.Boost(ctx, m.ID, 0.4, time.Hour)
	require.NoError(t, err)
	require.InDelta(t, 0.7, boosted.Importance, 1e-9)

	// Within the window the boost holds.
	report, err := c.LifecycleRun(ctx, false)
	require.NoError(t, err)
	require.Zero(t, report.BoostsDecayed)

	clock.Advance(2 * time.Hour)

	report, err = c.LifecycleRun(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.BoostsDecayed)

	after, err := c.Get(ctx, m.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.3, after.Importance, 1e-9, "sweeper must restore the pre-boost importance")
	require.NotContains(t, after.Metadata, "_boost_expires_at")
	require.NotContains(t, after.Metadata, "_boost_prev_importance")
}

func TestBoostWithoutDurationIsPermanent(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	clock := clockOf(t, c)

	m, err := c.Create(ctx, CreateParams{Content: "permanently boosted", Workspace: "ws1", Importance: 0.3})
	require.NoError(t, err)

	_, err = c.Boost(ctx, m.ID, 0.4, 0)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	_, err = c.LifecycleRun(ctx, false)
	require.NoError(t, err)

	after, err := c.Get(ctx, m.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.7, after.Importance, 1e-9)
}

func TestDemoteIsSingleWriteNotDouble(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "demotable", Workspace: "ws1", Importance: 0.5})
	require.NoError(t, err)

	demoted, err := c.Demote(ctx, m.ID, 0.2)
	require.NoError(t, err)
	require.InDelta(t, 0.3, demoted.Importance, 1e-9)
	require.Equal(t, 2, demoted.Version)

	versions, err := c.Versions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

func TestSetImportanceClamps(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "clampable", Workspace: "ws1"})
	require.NoError(t, err)

	updated, err := c.SetImportance(ctx, m.ID, 1.5)
	require.NoError(t, err)
	require.Equal(t, 1.0, updated.Importance)
}

func TestSalienceTopOrdersDescending(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "low importance", Workspace: "ws1", Importance: 0.1})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{Content: "high importance", Workspace: "ws1", Importance: 0.9})
	require.NoError(t, err)

	_, err = c.DecayRun(ctx, false)
	require.NoError(t, err)

	top, err := c.SalienceTop(ctx, "ws1", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.GreaterOrEqual(t, top[0].SalienceScore, top[1].SalienceScore)
}
