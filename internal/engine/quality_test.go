package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQualityScorePersistsWithoutVersionBump(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{
		Content:   "a reasonably well formed sentence about the quarterly roadmap review process.",
		Workspace: "ws1",
	})
	require.NoError(t, err)

	report, err := c.QualityScore(ctx, m.ID)
	require.NoError(t, err)
	require.Greater(t, report.Quality, 0.0)

	after, err := c.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, 1, after.Version, "quality recompute must not bump Version")

	versions, err := c.Versions(ctx, m.ID)
	require.NoError(t, err)
	require.Empty(t, versions)
}

func TestQualityReportForRecomputesWhenNoHistory(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "some content to score", Workspace: "ws1"})
	require.NoError(t, err)

	report, err := c.QualityReportFor(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.ID, report.MemoryID)
}

func TestQualityScoreRewardsWellFormedLongerContent(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	short, err := c.Create(ctx, CreateParams{Content: "ok", Workspace: "ws1"})
	require.NoError(t, err)
	long, err := c.Create(ctx, CreateParams{
		Content: strings.Repeat("the quarterly roadmap review covers progress and risks. ", 4),
		Workspace: "ws1",
	})
	require.NoError(t, err)

	shortReport, err := c.QualityScore(ctx, short.ID)
	require.NoError(t, err)
	longReport, err := c.QualityScore(ctx, long.ID)
	require.NoError(t, err)

	require.Less(t, shortReport.Quality, longReport.Quality)
}

func TestQualityImproveIdentifiesWorstComponent(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "ok", Workspace: "ws1"})
	require.NoError(t, err)

	worst, report, err := c.QualityImprove(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "completeness", worst)
	require.NotNil(t, report)
}
