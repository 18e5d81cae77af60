package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

func TestCreateDefaultsTierAndWorkspace(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "a plain note"})
	require.NoError(t, err)
	require.Equal(t, "default", m.Workspace)
	require.Equal(t, types.TierPermanent, m.Tier)
	require.Nil(t, m.ExpiresAt)
}

func TestCreateDailyTierGetsExpiry(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "todo for today", Tier: types.TierDaily})
	require.NoError(t, err)
	require.NotNil(t, m.ExpiresAt)
}

func TestCreateNormalizesWorkspace(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "note", Workspace: " My Project "})
	require.NoError(t, err)
	require.Equal(t, "my-project", m.Workspace)
}

func TestCreateRejectsIllegalWorkspace(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "note", Workspace: "_hidden"})
	require.Error(t, err)
	require.Equal(t, engerr.KindInvalidInput, engerr.KindOf(err))
}

func TestCreateRejectsEmptyContent(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "   "})
	require.Error(t, err)
}

func TestCreateSeedConfidenceDrivesTier(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	highConf, err := c.Create(ctx, CreateParams{Content: "high confidence fact", Origin: types.OriginSeed, SeedConfidence: 0.9})
	require.NoError(t, err)
	require.Equal(t, types.TierPermanent, highConf.Tier)

	midConf, err := c.Create(ctx, CreateParams{Content: "medium confidence fact", Origin: types.OriginSeed, SeedConfidence: 0.7})
	require.NoError(t, err)
	require.Equal(t, types.TierDaily, midConf.Tier)
	require.NotNil(t, midConf.ExpiresAt)

	lowConf, err := c.Create(ctx, CreateParams{Content: "low confidence guess", Origin: types.OriginSeed, SeedConfidence: 0.2})
	require.NoError(t, err)
	require.Equal(t, types.TierDaily, lowConf.Tier)
}

func TestCreateDedupRejectOnExactContentHash(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "same content twice", Workspace: "ws1"})
	require.NoError(t, err)

	_, err = c.Create(ctx, CreateParams{Content: "same content twice", Workspace: "ws1", DedupMode: types.DedupReject})
	require.Error(t, err)
	require.Equal(t, engerr.KindConflict, engerr.KindOf(err))
}

func TestCreateDedupSkipReturnsExisting(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	first, err := c.Create(ctx, CreateParams{Content: "skip me please", Workspace: "ws1"})
	require.NoError(t, err)

	again, err := c.Create(ctx, CreateParams{Content: "skip me please", Workspace: "ws1", DedupMode: types.DedupSkip})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
}

func TestCreateDedupMergeCombinesTags(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	first, err := c.Create(ctx, CreateParams{Content: "merge me please", Workspace: "ws1", Tags: []string{"alpha"}})
	require.NoError(t, err)

	merged, err := c.Create(ctx, CreateParams{
		Content: "merge me please", Workspace: "ws1", Tags: []string{"beta"}, DedupMode: types.DedupMerge,
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, merged.ID)
	require.ElementsMatch(t, []string{"alpha", "beta"}, merged.Tags)
}

func TestCreateDedupAllowCreatesDuplicate(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	first, err := c.Create(ctx, CreateParams{Content: "allowed duplicate", Workspace: "ws1"})
	require.NoError(t, err)

	second, err := c.Create(ctx, CreateParams{Content: "allowed duplicate", Workspace: "ws1", DedupMode: types.DedupAllow})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

// TestCreateDedupSemanticThresholdFallback exercises spec.md §4.2 step 3's
// dedup_threshold fallback: two memories with different exact content but
// overlapping enough lexical content to be flagged near-identical once no
// exact content_hash match exists.
func TestCreateDedupSemanticThresholdFallback(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "the quarterly roadmap review happens every Friday", Workspace: "ws1"})
	require.NoError(t, err)

	_, err = c.Create(ctx, CreateParams{
		Content:        "the quarterly roadmap review happens every Friday afternoon",
		Workspace:      "ws1",
		DedupMode:      types.DedupReject,
		DedupThreshold: 0.05,
	})
	require.Error(t, err)
}

func TestCreateDedupThresholdDisabledWhenZero(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "the quarterly roadmap review happens every Friday", Workspace: "ws1"})
	require.NoError(t, err)

	// Different content, no exact hash match, and DedupThreshold left at the
	// zero value: the semantic fallback must not fire.
	m, err := c.Create(ctx, CreateParams{
		Content: "something entirely unrelated about lunch plans", Workspace: "ws1", DedupMode: types.DedupReject,
	})
	require.NoError(t, err)
	require.NotZero(t, m.ID)
}

func TestUpdateBumpsVersionAndRecordsHistory(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "original content", Workspace: "ws1"})
	require.NoError(t, err)
	require.Equal(t, 1, m.Version)

	newContent := "updated content"
	updated, err := c.Update(ctx, UpdateParams{ID: m.ID, Content: &newContent})
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)

	versions, err := c.Versions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, "original content", versions[0].Content)
}

func TestUpdateRejectsInvalidTier(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "some memory", Workspace: "ws1"})
	require.NoError(t, err)

	bogus := "bogus"
	_, err = c.Update(ctx, UpdateParams{ID: m.ID, Tier: &bogus})
	require.Error(t, err)
}

func TestUpdateCannotClearExpiryOnDailyTier(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "daily memory", Tier: types.TierDaily})
	require.NoError(t, err)

	var noExpiry *time.Time
	_, err = c.Update(ctx, UpdateParams{ID: m.ID, ExpiresAt: &noExpiry})
	require.Error(t, err)
}

func TestRevertRestoresPriorContentAndIsItselfUndoable(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "version one", Workspace: "ws1"})
	require.NoError(t, err)

	v2 := "version two"
	_, err = c.Update(ctx, UpdateParams{ID: m.ID, Content: &v2})
	require.NoError(t, err)

	reverted, err := c.Revert(ctx, m.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "version one", reverted.Content)

	versions, err := c.Versions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2, "the revert itself must snapshot the pre-revert state")
}

func TestDeleteThenRestore(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "deletable", Workspace: "ws1"})
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, m.ID))
	_, err = c.Get(ctx, m.ID)
	require.Error(t, err)

	restored, err := c.Restore(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.ID, restored.ID)
}

func TestListFiltersByWorkspace(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "in ws1", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{Content: "in ws2", Workspace: "ws2"})
	require.NoError(t, err)

	opts := storage.ListOptions{Workspace: "ws1"}
	opts.Normalize()
	res, err := c.List(ctx, opts)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "in ws1", res.Items[0].Content)
}

// TestListExcludesArchivedByDefault locks in spec.md invariant 7: archived
// memories stay out of plain list calls unless the caller opts back in or
// filters for them explicitly.
func TestListExcludesArchivedByDefault(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "active note", Workspace: "ws1"})
	require.NoError(t, err)
	archived, err := c.Create(ctx, CreateParams{Content: "archived note", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.SetLifecycle(ctx, archived.ID, types.LifecycleArchived)
	require.NoError(t, err)

	opts := storage.ListOptions{Workspace: "ws1"}
	opts.Normalize()
	res, err := c.List(ctx, opts)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "active note", res.Items[0].Content)

	opts = storage.ListOptions{Workspace: "ws1", IncludeArchived: true}
	opts.Normalize()
	res, err = c.List(ctx, opts)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)

	opts = storage.ListOptions{Workspace: "ws1", LifecycleState: types.LifecycleArchived}
	opts.Normalize()
	res, err = c.List(ctx, opts)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "archived note", res.Items[0].Content)
}

func TestListExcludesTranscriptChunksByDefault(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "ordinary note", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{
		Content: "user: hello\nassistant: hi", MemoryType: types.MemoryTypeTranscriptChunk, Workspace: "ws1",
	})
	require.NoError(t, err)

	opts := storage.ListOptions{Workspace: "ws1"}
	opts.Normalize()
	res, err := c.List(ctx, opts)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "ordinary note", res.Items[0].Content)

	opts = storage.ListOptions{Workspace: "ws1", IncludeChunks: true}
	opts.Normalize()
	res, err = c.List(ctx, opts)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
}

func TestBatchCreatePartialFailureDoesNotBlockOthers(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	created, errs := c.BatchCreate(ctx, []CreateParams{
		{Content: "good one", Workspace: "ws1"},
		{Content: "   "},
		{Content: "good two", Workspace: "ws1"},
	})
	require.Len(t, created, 2)
	require.Len(t, errs, 1)
}
