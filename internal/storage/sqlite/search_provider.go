package sqlite

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// Ensure *MemoryStore implements storage.SearchProvider at compile time.
var _ storage.SearchProvider = (*MemoryStore)(nil)

// rrfK is the Reciprocal Rank Fusion damping constant (spec.md §4.6).
const rrfK = 60.0

// defaultExclusionClauses builds the predicates excluding archived memories
// and transcript chunks from search results unless opts opts back in
// (spec.md §4.2, invariant 7). alias prefixes the memories columns ("m.").
// Returns a fragment starting with " AND ", or "" when nothing is excluded.
func defaultExclusionClauses(opts storage.SearchOptions, alias string) (string, []interface{}) {
	var parts []string
	var args []interface{}
	if !opts.IncludeArchived {
		parts = append(parts, alias+"lifecycle_state != ?")
		args = append(args, types.LifecycleArchived)
	}
	if !opts.IncludeChunks {
		parts = append(parts, alias+"memory_type != ?")
		args = append(args, types.MemoryTypeTranscriptChunk)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(parts, " AND "), args
}

// LexicalSearch performs FTS5/BM25 full-text search across memory content.
// The FTS5 virtual table (memories_fts) is kept in sync with memories via
// triggers defined in the schema migration. BM25 scores are negative (more
// negative is a better match), so this returns 1/(1+|bm25|) as a [0,1] score.
func (s *MemoryStore) LexicalSearch(ctx context.Context, opts storage.SearchOptions) ([]storage.ScoredMemory, error) {
	opts.Normalize()

	if strings.TrimSpace(opts.Query) == "" {
		return nil, nil
	}

	ftsQuery := sanitiseFTSQuery(opts.Query)
	if ftsQuery == "" {
		// Query reduced to nothing but stop words/unsafe characters
		// (spec.md §8: malformed input returns empty, never fails).
		return nil, nil
	}

	filterClause, filterArgs, err := buildFilterClause(opts.Filter, "m.")
	if err != nil {
		return nil, err
	}
	exclClause, exclArgs := defaultExclusionClauses(opts, "m.")
	queryArgs := []interface{}{ftsQuery, opts.Workspace}
	queryArgs = append(queryArgs, exclArgs...)
	queryArgs = append(queryArgs, filterArgs...)
	query := `
		SELECT m.id, bm25(memories_fts) AS rank
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ? AND m.deleted = 0 AND m.workspace = ?` + exclClause
	if filterClause != "" {
		query += " AND " + filterClause
	}
	query += " ORDER BY rank LIMIT ?"
	queryArgs = append(queryArgs, opts.Limit+opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: lexical search MATCH %q: %w", opts.Query, err)
	}
	defer rows.Close()

	var candidates []struct {
		id   int64
		rank float64
	}
	for rows.Next() {
		var id int64
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, fmt.Errorf("sqlite: scan lexical result: %w", err)
		}
		candidates = append(candidates, struct {
			id   int64
			rank float64
		}{id, rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate lexical results: %w", err)
	}

	return s.hydrateScored(ctx, candidates, opts, func(rank float64) float64 {
		return 1.0 / (1.0 + math.Abs(rank))
	})
}

func (s *MemoryStore) hydrateScored(ctx context.Context, candidates []struct {
	id   int64
	rank float64
}, opts storage.SearchOptions, toScore func(float64) float64) ([]storage.ScoredMemory, error) {
	if opts.Offset >= len(candidates) {
		return nil, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(candidates) {
		end = len(candidates)
	}

	var out []storage.ScoredMemory
	for _, c := range candidates[opts.Offset:end] {
		mem, err := s.Get(ctx, c.id)
		if err != nil {
			continue
		}
		out = append(out, storage.ScoredMemory{Memory: mem, Score: toScore(c.rank)})
	}
	return out, nil
}

// vectorSearchMaxCandidates caps the number of embeddings loaded into memory
// during a vector search, selected in recency order. For datasets beyond
// this, a dedicated ANN index (outside this module's scope) would be
// needed — see DESIGN.md.
const vectorSearchMaxCandidates = 10_000

// VectorSearch performs cosine-similarity search over stored embeddings.
func (s *MemoryStore) VectorSearch(ctx context.Context, query []float64, opts storage.SearchOptions) ([]storage.ScoredMemory, error) {
	opts.Normalize()

	if len(query) == 0 {
		return nil, nil
	}

	filterClause, filterArgs, err := buildFilterClause(opts.Filter, "m.")
	if err != nil {
		return nil, err
	}
	exclClause, exclArgs := defaultExclusionClauses(opts, "m.")
	queryArgs := []interface{}{opts.Workspace}
	queryArgs = append(queryArgs, exclArgs...)
	queryArgs = append(queryArgs, filterArgs...)
	sqlQuery := `
		SELECT e.memory_id, e.vector, e.dimension
		FROM embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE m.deleted = 0 AND m.workspace = ?` + exclClause
	if filterClause != "" {
		sqlQuery += " AND " + filterClause
	}
	sqlQuery += " ORDER BY m.created_at DESC LIMIT ?"
	queryArgs = append(queryArgs, vectorSearchMaxCandidates)

	rows, err := s.db.QueryContext(ctx, sqlQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load embeddings: %w", err)
	}
	defer rows.Close()

	type scored struct {
		id    int64
		score float64
	}
	var candidates []scored

	for rows.Next() {
		var id int64
		var blob []byte
		var dim int
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			continue
		}
		embedding, err := deserializeEmbedding(blob, dim)
		if err != nil {
			continue
		}
		candidates = append(candidates, scored{id, cosineSimilarity(query, embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate embeddings: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if opts.Offset >= len(candidates) {
		return nil, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(candidates) {
		end = len(candidates)
	}

	var out []storage.ScoredMemory
	for _, c := range candidates[opts.Offset:end] {
		if c.score < opts.MinScore {
			continue
		}
		mem, err := s.Get(ctx, c.id)
		if err != nil {
			continue
		}
		out = append(out, storage.ScoredMemory{Memory: mem, Score: c.score})
	}
	return out, nil
}

// FuzzySearch performs edit-distance matching against memory content,
// supplementing lexical/vector recall when the query contains typos or
// near-misses. Per DESIGN.md, fuzzy is never used as the sole strategy.
func (s *MemoryStore) FuzzySearch(ctx context.Context, opts storage.SearchOptions) ([]storage.ScoredMemory, error) {
	opts.Normalize()
	if strings.TrimSpace(opts.Query) == "" {
		return nil, nil
	}
	return fuzzySearchContent(ctx, s.db, opts)
}

// HybridSearch fuses lexical, vector and (when requested) fuzzy channels via
// Reciprocal Rank Fusion, then returns results ordered by fused score. The
// caller (internal/engine) applies the multiplicative utility rerank on top.
func (s *MemoryStore) HybridSearch(ctx context.Context, text string, vector []float64, opts storage.SearchOptions) ([]storage.ScoredMemory, error) {
	opts.Normalize()
	candidateLimit := opts.Limit * 3
	if candidateLimit < 30 {
		candidateLimit = 30
	}
	channelOpts := opts
	channelOpts.Limit = candidateLimit
	channelOpts.Offset = 0

	lexical, err := s.LexicalSearch(ctx, channelOpts)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: lexical channel: %w", err)
	}

	var vectorResults []storage.ScoredMemory
	if len(vector) > 0 {
		vectorResults, err = s.VectorSearch(ctx, vector, channelOpts)
		if err != nil {
			return nil, fmt.Errorf("hybrid search: vector channel: %w", err)
		}
	}

	fused := make(map[int64]float64)
	byID := make(map[int64]storage.ScoredMemory)
	applyRRF := func(results []storage.ScoredMemory) {
		for rank, r := range results {
			fused[r.Memory.ID] += 1.0 / (rrfK + float64(rank+1))
			byID[r.Memory.ID] = r
		}
	}
	applyRRF(lexical)
	applyRRF(vectorResults)

	if opts.FuzzyFallback && len(lexical)+len(vectorResults) < opts.Limit {
		fuzzy, err := s.FuzzySearch(ctx, channelOpts)
		if err == nil {
			applyRRF(fuzzy)
		}
	}

	type idScore struct {
		id    int64
		score float64
	}
	ranked := make([]idScore, 0, len(fused))
	for id, score := range fused {
		ranked = append(ranked, idScore{id, score})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if opts.Offset >= len(ranked) {
		return nil, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(ranked) {
		end = len(ranked)
	}

	var out []storage.ScoredMemory
	for _, r := range ranked[opts.Offset:end] {
		sm := byID[r.id]
		out = append(out, storage.ScoredMemory{Memory: sm.Memory, Score: r.score})
	}
	return out, nil
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 if either vector has zero magnitude or lengths differ.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "shall": true, "can": true, "to": true,
	"of": true, "in": true, "on": true, "at": true, "by": true, "for": true, "with": true,
	"from": true, "as": true, "about": true, "into": true, "through": true, "during": true,
	"before": true, "after": true, "above": true, "below": true, "between": true, "out": true,
	"off": true, "over": true, "under": true, "what": true, "how": true, "when": true,
	"where": true, "why": true, "who": true, "which": true, "this": true, "that": true,
	"these": true, "those": true, "i": true, "you": true, "he": true, "she": true, "it": true,
	"we": true, "they": true, "but": true, "if": true, "not": true,
}

// ftsFieldColumns is the set of memories_fts columns a query may restrict
// against with the `field:` prefix syntax (spec.md §4.3).
var ftsFieldColumns = map[string]bool{"content": true, "tags": true, "metadata": true}

// ftsTokenRe splits a query into quoted phrases (optionally field-prefixed),
// field-prefixed bare words, the literal AND/OR keywords, and plain words.
var ftsTokenRe = regexp.MustCompile(`(?i)(\w+:"[^"]*")|("[^"]*")|(\bAND\b)|(\bOR\b)|(\w+:\S+)|(\S+)`)

var unsafeFTSChars = regexp.MustCompile(`["*^():]`)

// sanitiseFTSQuery converts a free-form user query into a safe FTS5 MATCH
// expression. It honors phrase quoting, `content:`/`tags:`/`metadata:`
// field restriction, and explicit boolean AND/OR (spec.md §4.3), falling
// back to an OR-joined, prefix-matched bag of words for plain queries so
// short/typo-adjacent searches still recall.
func sanitiseFTSQuery(query string) string {
	tokens := ftsTokenRe.FindAllString(strings.TrimSpace(query), -1)

	var parts []string
	lastWasOperator := true // no leading operator needed
	for _, tok := range tokens {
		upper := strings.ToUpper(tok)
		if upper == "AND" || upper == "OR" {
			if lastWasOperator || len(parts) == 0 {
				continue // drop a leading/doubled operator
			}
			parts = append(parts, upper)
			lastWasOperator = true
			continue
		}

		if field, rest, ok := splitFTSField(tok); ok {
			if rest == "" {
				continue
			}
			if !lastWasOperator && len(parts) > 0 {
				parts = append(parts, "OR")
			}
			parts = append(parts, field+":"+rest)
			lastWasOperator = false
			continue
		}

		if strings.HasPrefix(tok, `"`) && strings.HasSuffix(tok, `"`) && len(tok) >= 2 {
			phrase := sanitisePhrase(tok)
			if phrase == `""` {
				continue
			}
			if !lastWasOperator && len(parts) > 0 {
				parts = append(parts, "OR")
			}
			parts = append(parts, phrase)
			lastWasOperator = false
			continue
		}

		word := strings.ToLower(unsafeFTSChars.ReplaceAllString(tok, ""))
		if word == "" || stopWords[word] || len(word) < 2 {
			continue
		}
		if !lastWasOperator && len(parts) > 0 {
			parts = append(parts, "OR")
		}
		parts = append(parts, word+"*")
		lastWasOperator = false
	}

	// Trailing dangling operator (e.g. query ended in "AND").
	if len(parts) > 0 && (parts[len(parts)-1] == "AND" || parts[len(parts)-1] == "OR") {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, " ")
}

// splitFTSField recognizes `field:rest` or `field:"quoted rest"` and
// reports the sanitized field:value FTS5 fragment, but only for known
// columns — an arbitrary "foo:bar" is treated as a plain word instead.
func splitFTSField(tok string) (field, value string, ok bool) {
	idx := strings.Index(tok, ":")
	if idx <= 0 || idx == len(tok)-1 {
		return "", "", false
	}
	f := strings.ToLower(tok[:idx])
	if !ftsFieldColumns[f] {
		return "", "", false
	}
	rest := tok[idx+1:]
	if strings.HasPrefix(rest, `"`) {
		return f, sanitisePhrase(rest), true
	}
	word := strings.ToLower(unsafeFTSChars.ReplaceAllString(rest, ""))
	if word == "" {
		return f, "", true
	}
	return f, word + "*", true
}

// sanitisePhrase strips FTS5-unsafe characters from inside a quoted phrase
// while preserving the phrase-match semantics.
func sanitisePhrase(tok string) string {
	inner := strings.Trim(tok, `"`)
	inner = strings.ReplaceAll(inner, `"`, "")
	inner = strings.ToLower(strings.TrimSpace(inner))
	if inner == "" {
		return `""`
	}
	return `"` + inner + `"`
}
