package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// fuzzyShortQueryMaxLen and the associated thresholds mirror
// internal/config's FuzzyConfig defaults; the provider has no config
// dependency of its own so the adaptive threshold is inlined here and
// exercised identically regardless of caller configuration (spec.md §4.5).
const (
	fuzzyShortQueryMaxLen = 4
	fuzzyShortThreshold   = 1
	fuzzyLongThreshold    = 2
)

// editDistanceThreshold adapts the maximum tolerated edit distance to the
// query token's length: short tokens tolerate fewer typos to avoid matching
// everything.
func editDistanceThreshold(token string) int {
	if len([]rune(token)) <= fuzzyShortQueryMaxLen {
		return fuzzyShortThreshold
	}
	return fuzzyLongThreshold
}

// fuzzySearchContent supplies typo-tolerant candidates by computing edit
// distance between each query token and the tokens appearing in memory
// content and tag names. It loads a bounded candidate set (non-deleted,
// workspace-scoped memories) and scores in Go rather than in SQL, since
// SQLite has no built-in edit-distance function and the pack carries
// agnivade/levenshtein for exactly this (seen in chirino-memory-service and
// madeindigio-remembrances-mcp's go.mod manifests).
func fuzzySearchContent(ctx context.Context, db *sql.DB, opts storage.SearchOptions) ([]storage.ScoredMemory, error) {
	queryTokens := strings.Fields(strings.ToLower(opts.Query))
	if len(queryTokens) == 0 {
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
	query := `
		SELECT m.id, m.content,
			COALESCE((SELECT group_concat(t.name, ' ') FROM memory_tags mt
				JOIN tags t ON t.id = mt.tag_id WHERE mt.memory_id = m.id), '')
		FROM memories m
		WHERE m.deleted = 0 AND m.workspace = ?` + exclClause
	if filterClause != "" {
		query += " AND " + filterClause
	}
	query += " LIMIT ?"
	queryArgs = append(queryArgs, fuzzyCandidateCap)

	rows, err := db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fuzzy candidate scan: %w", err)
	}
	defer rows.Close()

	type scored struct {
		id    int64
		score float64
	}
	var best []scored

	for rows.Next() {
		var id int64
		var content, tags string
		if err := rows.Scan(&id, &content, &tags); err != nil {
			return nil, fmt.Errorf("sqlite: scan fuzzy candidate: %w", err)
		}

		haystack := strings.Fields(strings.ToLower(content + " " + tags))
		bestScore, matched := 0.0, false
		for _, qTok := range queryTokens {
			threshold := editDistanceThreshold(qTok)
			for _, hTok := range haystack {
				dist := levenshtein.ComputeDistance(qTok, hTok)
				if dist > threshold {
					continue
				}
				// Normalized score per spec.md §4.5: 1 - distance/threshold.
				s := 1.0
				if threshold > 0 {
					s = 1.0 - float64(dist)/float64(threshold)
				}
				if !matched || s > bestScore {
					bestScore, matched = s, true
				}
			}
		}
		if matched {
			best = append(best, scored{id, bestScore})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate fuzzy candidates: %w", err)
	}

	// Simple insertion by score, descending; candidate sets are small enough
	// (fuzzyCandidateCap) that this avoids pulling in sort for one call site.
	for i := 1; i < len(best); i++ {
		j := i
		for j > 0 && best[j-1].score < best[j].score {
			best[j-1], best[j] = best[j], best[j-1]
			j--
		}
	}

	if opts.Offset >= len(best) {
		return nil, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(best) {
		end = len(best)
	}

	var out []storage.ScoredMemory
	for _, c := range best[opts.Offset:end] {
		mem, err := getMemoryByID(ctx, db, c.id)
		if err != nil {
			continue
		}
		out = append(out, storage.ScoredMemory{Memory: mem, Score: c.score})
	}
	return out, nil
}

// fuzzyCandidateCap bounds how many memories are pulled into Go-side
// Levenshtein scoring per query; beyond this a dedicated trigram index would
// be needed (out of scope here, see DESIGN.md).
const fuzzyCandidateCap = 5_000

// getMemoryByID fetches a single memory straight from a *sql.DB handle, for
// call sites (fuzzy search) that only hold the connection, not a
// *MemoryStore.
func getMemoryByID(ctx context.Context, db *sql.DB, id int64) (*types.Memory, error) {
	row := db.QueryRowContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ? AND deleted = 0", id)
	m, err := scanMemory(row)
	if err != nil {
		return nil, err
	}
	tags, err := tagsForMemory(ctx, db, id)
	if err != nil {
		return nil, err
	}
	m.Tags = tags
	return m, nil
}
