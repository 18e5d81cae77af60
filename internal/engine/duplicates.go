package engine

import (
	"context"
	"strings"
	"unicode"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/pkg/types"
)

const defaultDuplicateNgram = 3

// charNgrams returns the set of lower-cased, whitespace-collapsed character
// n-grams in s (spec.md §4.10: "character n-gram (default n=3) Jaccard
// similarity").
func charNgrams(s string, n int) map[string]struct{} {
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, s)
	normalized = strings.Join(strings.Fields(normalized), " ")
	runes := []rune(normalized)
	set := make(map[string]struct{})
	if len(runes) < n {
		if len(runes) > 0 {
			set[string(runes)] = struct{}{}
		}
		return set
	}
	for i := 0; i+n <= len(runes); i++ {
		set[string(runes[i:i+n])] = struct{}{}
	}
	return set
}

// jaccard computes |A∩B| / |A∪B| over two n-gram sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// workspaceMemoryIDs lists every non-deleted memory id in a workspace,
// bypassing the paginated ListOptions cap so full-scan detectors see
// everything in one pass.
func (c *Core) workspaceMemoryIDs(ctx context.Context, workspace string) ([]int64, error) {
	rows, err := c.ms.GetDB().QueryContext(ctx, `
		SELECT id FROM memories WHERE deleted = 0 AND workspace = ? ORDER BY created_at ASC
	`, workspace)
	if err != nil {
		return nil, engerr.Storage("workspace_scan", "query failed", err, true)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, engerr.Storage("workspace_scan", "scan failed", err, false)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindDuplicates scans a workspace for near-duplicate content pairs at or
// above threshold, caching hits in duplicate_candidates with status
// pending (spec.md §4.10). threshold<=0 uses the spec's 0.85 default.
func (c *Core) FindDuplicates(ctx context.Context, workspace string, threshold float64) ([]*types.DuplicateCandidate, error) {
	if threshold <= 0 {
		threshold = 0.85
	}
	ids, err := c.workspaceMemoryIDs(ctx, workspace)
	if err != nil {
		return nil, err
	}
	memories := make([]*types.Memory, 0, len(ids))
	for _, id := range ids {
		m, err := c.store.Get(ctx, id)
		if err != nil {
			continue
		}
		memories = append(memories, m)
	}
	ngrams := make([]map[string]struct{}, len(memories))
	for i, m := range memories {
		ngrams[i] = charNgrams(m.Content, defaultDuplicateNgram)
	}

	var found []*types.DuplicateCandidate
	now := c.now()
	for i := 0; i < len(memories); i++ {
		select {
		case <-ctx.Done():
			return found, engerr.Cancelled("find_duplicates", ctx.Err())
		default:
		}
		for j := i + 1; j < len(memories); j++ {
			sim := jaccard(ngrams[i], ngrams[j])
			if sim < threshold {
				continue
			}
			a, b := memories[i].ID, memories[j].ID
			if a > b {
				a, b = b, a
			}
			cand := &types.DuplicateCandidate{MemoryAID: a, MemoryBID: b, Similarity: sim, Status: "pending", DetectedAt: now}
			if err := c.upsertDuplicateCandidate(ctx, cand); err != nil {
				return found, err
			}
			found = append(found, cand)
		}
	}
	return found, nil
}

func (c *Core) upsertDuplicateCandidate(ctx context.Context, cand *types.DuplicateCandidate) error {
	_, err := c.ms.GetDB().ExecContext(ctx, `
		INSERT INTO duplicate_candidates (memory_a_id, memory_b_id, similarity, status, detected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(memory_a_id, memory_b_id) DO UPDATE SET similarity = excluded.similarity
	`, cand.MemoryAID, cand.MemoryBID, cand.Similarity, cand.Status, cand.DetectedAt)
	if err != nil {
		return engerr.Storage("find_duplicates", "upsert candidate failed", err, false)
	}
	return nil
}

// GetDuplicates returns previously detected duplicate candidates for a
// workspace, optionally filtered by status (spec.md §6 `get_duplicates`).
func (c *Core) GetDuplicates(ctx context.Context, workspace, status string) ([]*types.DuplicateCandidate, error) {
	query := `
		SELECT dc.id, dc.memory_a_id, dc.memory_b_id, dc.similarity, dc.status, dc.detected_at
		FROM duplicate_candidates dc
		JOIN memories m ON m.id = dc.memory_a_id
		WHERE m.workspace = ?`
	args := []interface{}{workspace}
	if status != "" {
		query += " AND dc.status = ?"
		args = append(args, status)
	}
	query += " ORDER BY dc.detected_at DESC"

	rows, err := c.ms.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engerr.Storage("get_duplicates", "query failed", err, true)
	}
	defer rows.Close()

	var out []*types.DuplicateCandidate
	for rows.Next() {
		var d types.DuplicateCandidate
		if err := rows.Scan(&d.ID, &d.MemoryAID, &d.MemoryBID, &d.Similarity, &d.Status, &d.DetectedAt); err != nil {
			return nil, engerr.Storage("get_duplicates", "scan failed", err, false)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
