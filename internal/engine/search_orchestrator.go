package engine

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// Search strategy names a caller may request explicitly, or "auto" to let
// the orchestrator pick per spec.md §4.6.
const (
	StrategyAuto     = "auto"
	StrategyKeyword  = "keyword"
	StrategySemantic = "semantic"
	StrategyHybrid   = "hybrid"
)

// Rerank strategy names (spec.md §4.6).
const (
	RerankNone        = "none"
	RerankHeuristic    = "heuristic"
	RerankMultiSignal = "multi_signal"
)

var fieldOperatorRe = regexp.MustCompile(`\w+:`)

// SearchParams is the input to Search; zero values take the documented
// defaults (spec.md §4.6/§6 `search`).
type SearchParams struct {
	Query           string
	Workspace       string
	Strategy        string // auto, keyword, semantic, hybrid
	RerankStrategy  string // none, heuristic, multi_signal
	Limit           int
	Offset          int
	MinScore        float64
	Filter          storage.FilterExpr
	IncludeEntities bool
	FuzzyFallback   bool

	// IncludeArchived / IncludeChunks opt archived memories and transcript
	// chunks back into results; both are excluded by default (spec.md §4.2,
	// invariant 7).
	IncludeArchived bool
	IncludeChunks   bool
}

// chooseStrategy implements the auto-selection rules of spec.md §4.6.
func chooseStrategy(query string) string {
	trimmed := strings.TrimSpace(query)
	if strings.Contains(trimmed, `"`) || fieldOperatorRe.MatchString(trimmed) {
		return StrategyKeyword
	}
	tokens := strings.Fields(trimmed)
	switch {
	case len(tokens) <= 2:
		return StrategyKeyword
	case len(tokens) >= 8:
		return StrategySemantic
	default:
		return StrategyHybrid
	}
}

// Search runs the configured (or auto-selected) retrieval strategy,
// returning results fused with RRF at the storage layer and reranked here
// with the multiplicative utility formula.
func (c *Core) Search(ctx context.Context, p SearchParams) ([]storage.ScoredMemory, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, nil
	}
	strategy := p.Strategy
	if strategy == "" || strategy == StrategyAuto {
		strategy = chooseStrategy(p.Query)
	}

	opts := storage.SearchOptions{
		Query: p.Query, Workspace: p.Workspace, Limit: p.Limit, Offset: p.Offset,
		MinScore: 0, Filter: p.Filter, IncludeEntities: p.IncludeEntities, FuzzyFallback: p.FuzzyFallback,
		IncludeArchived: p.IncludeArchived, IncludeChunks: p.IncludeChunks,
	}
	opts.Normalize()

	var results []storage.ScoredMemory
	var err error

	switch strategy {
	case StrategyKeyword:
		results, err = c.search.LexicalSearch(ctx, opts)
		if err == nil && (len(results) == 0 || p.FuzzyFallback) {
			fuzzy, ferr := c.search.FuzzySearch(ctx, opts)
			if ferr == nil {
				results = mergeScored(results, fuzzy)
			}
		}
	case StrategySemantic:
		vec, verr := c.embedQuery(ctx, p.Query)
		if verr != nil {
			return nil, verr
		}
		results, err = c.search.VectorSearch(ctx, vec, opts)
	default:
		vec, _ := c.embedQuery(ctx, p.Query)
		results, err = c.search.HybridSearch(ctx, p.Query, vec, opts)
	}
	if err != nil {
		return nil, engerr.Storage("search", "search channel failed", err, true)
	}

	rerankStrategy := p.RerankStrategy
	if rerankStrategy == "" {
		rerankStrategy = RerankHeuristic
	}
	if rerankStrategy != RerankNone {
		results = c.rerank(results, rerankStrategy)
	}
	if p.MinScore > 0 {
		results = filterMinScore(results, p.MinScore)
	}
	return results, nil
}

// embedQuery embeds free text using the configured embedder, returning nil
// (not an error) when no embedder is wired so callers degrade to
// keyword-only behavior per spec.md §4.4's failure-mode note.
func (c *Core) embedQuery(ctx context.Context, text string) ([]float64, error) {
	if c.embedder == nil {
		return nil, nil
	}
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, nil
	}
	return vec, nil
}

func mergeScored(primary, extra []storage.ScoredMemory) []storage.ScoredMemory {
	seen := make(map[int64]bool, len(primary))
	for _, r := range primary {
		seen[r.Memory.ID] = true
	}
	out := append([]storage.ScoredMemory{}, primary...)
	for _, r := range extra {
		if !seen[r.Memory.ID] {
			out = append(out, r)
			seen[r.Memory.ID] = true
		}
	}
	return out
}

func filterMinScore(results []storage.ScoredMemory, min float64) []storage.ScoredMemory {
	out := results[:0]
	for _, r := range results {
		if r.Score >= min {
			out = append(out, r)
		}
	}
	return out
}

// rerank applies the multiplicative utility adjustment of spec.md §4.6 in
// place, then re-sorts by the new score. It only ever demotes archived
// memories, never promotes them above active/stale results.
func (c *Core) rerank(results []storage.ScoredMemory, strategy string) []storage.ScoredMemory {
	now := c.now()
	for i := range results {
		m := results[i].Memory
		utility := results[i].Score
		utility *= c.recencyBoost(now, m)
		utility *= c.accessBoost(m)
		if strategy == RerankMultiSignal {
			utility *= c.feedbackBoost(m)
			utility *= c.sourceTrust(m)
			utility *= seedMultiplier(m)
		}
		if m.LifecycleState == types.LifecycleArchived {
			utility *= 0.25
		}
		results[i].Score = utility
	}
	if strategy == RerankMultiSignal {
		kept := results[:0]
		for _, r := range results {
			if r.Memory.Origin == types.OriginSeed && r.Memory.ValidationStatus == types.ValidationDisputed {
				continue // seed-invalidated: excluded per spec.md §9
			}
			kept = append(kept, r)
		}
		results = kept
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

func (c *Core) recencyBoost(now time.Time, m *types.Memory) float64 {
	halfLife := c.cfg.Rerank.RecencyHalfLife.Hours() / 24.0
	if halfLife <= 0 {
		halfLife = 14
	}
	ref := m.CreatedAt
	if m.LastAccessedAt != nil {
		ref = *m.LastAccessedAt
	}
	ageDays := now.Sub(ref).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-math.Ln2 * ageDays / halfLife)
}

func (c *Core) accessBoost(m *types.Memory) float64 {
	boostCap := c.cfg.Rerank.AccessBoostCap
	if boostCap <= 0 {
		boostCap = 1.0
	}
	return 1.0 + boostCap*math.Log1p(float64(m.AccessCount))/math.Log1p(100)
}

func (c *Core) feedbackBoost(m *types.Memory) float64 {
	base := 0.7 + 0.3*types.Clamp01(m.Importance)
	if m.Pinned {
		base *= 1.2
	}
	signal := feedbackSignal(m)
	return types.Clamp01(base+0.05*signal) + 0.5
}

// seedMultiplier implements spec.md §9's per-(origin, validation_status)
// rerank multiplier table. Organic memories collapse to two tiers
// (confirmed vs not); seeded memories get four, keyed by how the
// validation_status field has evolved since extraction:
//   verified  -> confirmed   (re-checked and still good)
//   stale     -> validated   (was verified, has since aged)
//   unverified -> unverified (never checked)
//   disputed  -> invalidated (contradicted; excluded from results)
func seedMultiplier(m *types.Memory) float64 {
	switch m.Origin {
	case types.OriginSeed:
		switch m.ValidationStatus {
		case types.ValidationVerified:
			return 0.90
		case types.ValidationStale:
			return 0.80
		case types.ValidationDisputed:
			return 0.0
		default:
			return 0.60
		}
	default:
		if m.ValidationStatus == types.ValidationVerified {
			return 1.0
		}
		return 0.95
	}
}

// SemanticSearch is a convenience wrapper that forces the semantic
// strategy (spec.md §6 `semantic_search`).
func (c *Core) SemanticSearch(ctx context.Context, p SearchParams) ([]storage.ScoredMemory, error) {
	p.Strategy = StrategySemantic
	return c.Search(ctx, p)
}

// Suggest returns fuzzy/keyword candidates for short, possibly-misspelled
// queries (spec.md §4.5, §6 `suggest`).
func (c *Core) Suggest(ctx context.Context, query, workspace string, limit int) ([]storage.ScoredMemory, error) {
	opts := storage.SearchOptions{Query: query, Workspace: workspace, Limit: limit}
	opts.Normalize()
	results, err := c.search.FuzzySearch(ctx, opts)
	if err != nil {
		return nil, engerr.Storage("suggest", "fuzzy search failed", err, true)
	}
	return results, nil
}
