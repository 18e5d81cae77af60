package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

func TestChooseStrategyShortQueryIsKeyword(t *testing.T) {
	require.Equal(t, StrategyKeyword, chooseStrategy("roadmap"))
	require.Equal(t, StrategyKeyword, chooseStrategy("two words"))
}

func TestChooseStrategyLongQueryIsSemantic(t *testing.T) {
	require.Equal(t, StrategySemantic, chooseStrategy("how do I configure the embedding worker pool for production traffic"))
}

func TestChooseStrategyMidLengthIsHybrid(t *testing.T) {
	require.Equal(t, StrategyHybrid, chooseStrategy("notes about the roadmap review"))
}

func TestChooseStrategyQuotedPhraseForcesKeyword(t *testing.T) {
	require.Equal(t, StrategyKeyword, chooseStrategy(`"exact phrase match" across many words here`))
}

func TestChooseStrategyFieldOperatorForcesKeyword(t *testing.T) {
	require.Equal(t, StrategyKeyword, chooseStrategy("tags:roadmap across quite a few words"))
}

func TestSearchEmptyQueryReturnsNilNotError(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	results, err := c.Search(ctx, SearchParams{Query: "   "})
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestSearchKeywordFindsExactMatch(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "the roadmap review happens every Friday", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{Content: "lunch plans for the week", Workspace: "ws1"})
	require.NoError(t, err)

	results, err := c.Search(ctx, SearchParams{Query: "roadmap review", Workspace: "ws1", Strategy: StrategyKeyword})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Contains(t, results[0].Memory.Content, "roadmap")
}

// TestSearchKeywordTypoFallsBackToFuzzy exercises spec.md §8 scenario A: a
// misspelled short query should still recall via the fuzzy channel.
func TestSearchKeywordTypoFallsBackToFuzzy(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "roadmap", Workspace: "ws1"})
	require.NoError(t, err)

	results, err := c.Search(ctx, SearchParams{Query: "raodmap", Workspace: "ws1", Strategy: StrategyKeyword, FuzzyFallback: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestSearchMinScoreFilters(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "roadmap review notes", Workspace: "ws1"})
	require.NoError(t, err)

	results, err := c.Search(ctx, SearchParams{Query: "roadmap", Workspace: "ws1", Strategy: StrategyKeyword, MinScore: 1.1})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestRerankDemotesArchivedMemories(t *testing.T) {
	c := newTestCore(t)

	active := &types.Memory{ID: 1, CreatedAt: fixedNow, LifecycleState: types.LifecycleActive}
	archived := &types.Memory{ID: 2, CreatedAt: fixedNow, LifecycleState: types.LifecycleArchived}
	results := []storage.ScoredMemory{
		{Memory: archived, Score: 1.0},
		{Memory: active, Score: 0.5},
	}

	reranked := c.rerank(results, RerankHeuristic)
	require.Equal(t, active.ID, reranked[0].Memory.ID, "the archived demotion must drop it below an active memory with half its base score")
}

func TestRerankMultiSignalExcludesDisputedSeeds(t *testing.T) {
	c := newTestCore(t)

	disputed := &types.Memory{ID: 1, CreatedAt: fixedNow, Origin: types.OriginSeed, ValidationStatus: types.ValidationDisputed}
	kept := &types.Memory{ID: 2, CreatedAt: fixedNow}
	results := []storage.ScoredMemory{
		{Memory: disputed, Score: 1.0},
		{Memory: kept, Score: 0.5},
	}

	reranked := c.rerank(results, RerankMultiSignal)
	require.Len(t, reranked, 1)
	require.Equal(t, kept.ID, reranked[0].Memory.ID)
}

func TestSeedMultiplierTable(t *testing.T) {
	verified := &types.Memory{Origin: types.OriginSeed, ValidationStatus: types.ValidationVerified}
	require.InDelta(t, 0.90, seedMultiplier(verified), 1e-9)

	stale := &types.Memory{Origin: types.OriginSeed, ValidationStatus: types.ValidationStale}
	require.InDelta(t, 0.80, seedMultiplier(stale), 1e-9)

	disputed := &types.Memory{Origin: types.OriginSeed, ValidationStatus: types.ValidationDisputed}
	require.Equal(t, 0.0, seedMultiplier(disputed))

	unverified := &types.Memory{Origin: types.OriginSeed}
	require.InDelta(t, 0.60, seedMultiplier(unverified), 1e-9)

	organicVerified := &types.Memory{Origin: types.OriginOrganic, ValidationStatus: types.ValidationVerified}
	require.Equal(t, 1.0, seedMultiplier(organicVerified))

	organicOther := &types.Memory{Origin: types.OriginOrganic}
	require.InDelta(t, 0.95, seedMultiplier(organicOther), 1e-9)
}

// TestSearchExcludesArchivedByDefault locks in spec.md invariant 7 at the
// search-channel level: archived memories don't enter the candidate set at
// all unless the caller opts back in.
func TestSearchExcludesArchivedByDefault(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "roadmap review notes", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.SetLifecycle(ctx, m.ID, types.LifecycleArchived)
	require.NoError(t, err)

	results, err := c.Search(ctx, SearchParams{Query: "roadmap", Workspace: "ws1", Strategy: StrategyKeyword})
	require.NoError(t, err)
	require.Empty(t, results)

	results, err = c.Search(ctx, SearchParams{
		Query: "roadmap", Workspace: "ws1", Strategy: StrategyKeyword, IncludeArchived: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestSearchExcludesTranscriptChunksByDefault(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{
		Content: "user: roadmap question", MemoryType: types.MemoryTypeTranscriptChunk, Workspace: "ws1",
	})
	require.NoError(t, err)

	results, err := c.Search(ctx, SearchParams{Query: "roadmap", Workspace: "ws1", Strategy: StrategyKeyword})
	require.NoError(t, err)
	require.Empty(t, results)

	results, err = c.Search(ctx, SearchParams{
		Query: "roadmap", Workspace: "ws1", Strategy: StrategyKeyword, IncludeChunks: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestSuggestReturnsFuzzyCandidates(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "roadmap", Workspace: "ws1"})
	require.NoError(t, err)

	results, err := c.Suggest(ctx, "raodmap", "ws1", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}
