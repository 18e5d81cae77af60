package engine

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/pkg/types"
)

// minSharedEntities is the threshold at which two memories about the same
// entities are considered candidates for contradiction, not just
// coincidental overlap (spec.md §4.10: "pairs sharing ≥M entities").
const minSharedEntities = 2

// negationCues are heuristic lexical signals that two otherwise-similar
// statements disagree in polarity (spec.md §4.10's "negation ... explicit
// 'supersedes'" cues).
var negationCues = regexp.MustCompile(`(?i)\b(not|no longer|never|isn't|doesn't|stopped|supersedes|instead of|rather than)\b`)

// FindConflicts scans a workspace for contradiction/duplication/staleness
// pairs and records them in memory_conflicts (spec.md §4.10, §6
// `find_conflicts`).
func (c *Core) FindConflicts(ctx context.Context, workspace string) ([]*types.MemoryConflict, error) {
	ids, err := c.workspaceMemoryIDs(ctx, workspace)
	if err != nil {
		return nil, err
	}

	var found []*types.MemoryConflict
	now := c.now()
	seen := make(map[[2]int64]bool)

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return found, engerr.Cancelled("find_conflicts", ctx.Err())
		default:
		}
		m, err := c.store.Get(ctx, id)
		if err != nil {
			continue
		}
		coIDs, err := c.rel.GetCooccurringMemories(ctx, id, 20)
		if err != nil {
			continue
		}
		for _, otherID := range coIDs {
			a, b := id, otherID
			if a > b {
				a, b = b, a
			}
			if a == b || seen[[2]int64{a, b}] {
				continue
			}
			seen[[2]int64{a, b}] = true

			other, err := c.store.Get(ctx, otherID)
			if err != nil {
				continue
			}
			kind, severity, ok := classifyConflict(m, other, c.sharedEntityCount(ctx, id, otherID))
			if !ok {
				continue
			}
			conflict := &types.MemoryConflict{MemoryAID: a, MemoryBID: b, Kind: kind, Severity: severity, DetectedAt: now}
			if err := c.insertConflict(ctx, conflict); err != nil {
				return found, err
			}
			found = append(found, conflict)
		}
	}
	return found, nil
}

func (c *Core) sharedEntityCount(ctx context.Context, a, b int64) int {
	entA, err := c.rel.GetMemoryEntities(ctx, a)
	if err != nil {
		return 0
	}
	entB, err := c.rel.GetMemoryEntities(ctx, b)
	if err != nil {
		return 0
	}
	setB := make(map[string]bool, len(entB))
	for _, e := range entB {
		setB[e.ID] = true
	}
	shared := 0
	for _, e := range entA {
		if setB[e.ID] {
			shared++
		}
	}
	return shared
}

// classifyConflict applies the heuristic cues spec.md §4.10 names: shared
// entities plus disagreeing negation polarity reads as a contradiction,
// high textual overlap without negation reads as duplication, and a large
// gap between updated_at timestamps on otherwise-related content reads as
// staleness.
func classifyConflict(a, b *types.Memory, sharedEntities int) (kind string, severity float64, ok bool) {
	if sharedEntities < minSharedEntities {
		overlap := jaccard(charNgrams(a.Content, defaultDuplicateNgram), charNgrams(b.Content, defaultDuplicateNgram))
		if overlap >= 0.85 {
			return types.ConflictDuplication, overlap, true
		}
		return "", 0, false
	}

	negA := negationCues.MatchString(a.Content)
	negB := negationCues.MatchString(b.Content)
	overlap := jaccard(charNgrams(a.Content, defaultDuplicateNgram), charNgrams(b.Content, defaultDuplicateNgram))

	if negA != negB && overlap >= 0.3 {
		severity := 0.5 + 0.5*overlap
		return types.ConflictContradiction, types.Clamp01(severity), true
	}
	if overlap >= 0.85 {
		return types.ConflictDuplication, overlap, true
	}

	gap := a.UpdatedAt.Sub(b.UpdatedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap.Hours() > 24*90 && overlap >= 0.4 {
		return types.ConflictStaleness, types.Clamp01(0.3 + overlap*0.4), true
	}
	return "", 0, false
}

func (c *Core) insertConflict(ctx context.Context, conflict *types.MemoryConflict) error {
	_, err := c.ms.GetDB().ExecContext(ctx, `
		INSERT INTO memory_conflicts (memory_a_id, memory_b_id, kind, severity, detected_at)
		VALUES (?, ?, ?, ?, ?)
	`, conflict.MemoryAID, conflict.MemoryBID, conflict.Kind, conflict.Severity, conflict.DetectedAt)
	if err != nil {
		return engerr.Storage("find_conflicts", "insert conflict failed", err, false)
	}
	return nil
}

// ResolveConflict records a resolution action and recomputes quality for
// the affected memories (spec.md §4.10: "affected memories recompute
// quality").
func (c *Core) ResolveConflict(ctx context.Context, conflictID int64, resolution, resolverIdentity string) error {
	if !isValidResolution(resolution) {
		return engerr.InvalidInput("resolve_conflict", "invalid resolution action")
	}
	now := c.now()
	res, err := c.ms.GetDB().ExecContext(ctx, `
		UPDATE memory_conflicts SET resolution = ?, resolver_identity = ?, resolved_at = ?
		WHERE id = ? AND resolution IS NULL
	`, resolution, resolverIdentity, now, conflictID)
	if err != nil {
		return engerr.Storage("resolve_conflict", "update failed", err, false)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return engerr.NotFoundf("resolve_conflict", "conflict not found or already resolved")
	}

	var aID, bID int64
	if err := c.ms.GetDB().QueryRowContext(ctx, "SELECT memory_a_id, memory_b_id FROM memory_conflicts WHERE id = ?", conflictID).Scan(&aID, &bID); err != nil {
		return nil
	}

	switch resolution {
	case types.ResolutionKeepA:
		_ = c.Purge(ctx, bID)
	case types.ResolutionKeepB:
		_ = c.Purge(ctx, aID)
	case types.ResolutionDeleteBoth:
		_ = c.Purge(ctx, aID)
		_ = c.Purge(ctx, bID)
	}

	for _, id := range []int64{aID, bID} {
		if _, err := c.store.Get(ctx, id); err == nil {
			_, _ = c.QualityScore(ctx, id)
		}
	}
	return nil
}

func isValidResolution(r string) bool {
	switch r {
	case types.ResolutionKeepA, types.ResolutionKeepB, types.ResolutionMerge,
		types.ResolutionKeepBoth, types.ResolutionDeleteBoth, types.ResolutionFalsePositive:
		return true
	}
	return false
}

// GetConflicts lists recorded conflicts for a workspace, optionally
// filtering to unresolved ones only (spec.md §6).
func (c *Core) GetConflicts(ctx context.Context, workspace string, unresolvedOnly bool) ([]*types.MemoryConflict, error) {
	query := `
		SELECT mc.id, mc.memory_a_id, mc.memory_b_id, mc.kind, mc.severity, mc.detected_at,
		       COALESCE(mc.resolution, ''), COALESCE(mc.resolver_identity, ''), mc.resolved_at
		FROM memory_conflicts mc
		JOIN memories m ON m.id = mc.memory_a_id
		WHERE m.workspace = ?`
	args := []interface{}{workspace}
	if unresolvedOnly {
		query += " AND mc.resolution IS NULL"
	}
	query += " ORDER BY mc.detected_at DESC"

	rows, err := c.ms.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engerr.Storage("get_conflicts", "query failed", err, true)
	}
	defer rows.Close()

	var out []*types.MemoryConflict
	for rows.Next() {
		var mc types.MemoryConflict
		var resolvedAt sql.NullTime
		if err := rows.Scan(&mc.ID, &mc.MemoryAID, &mc.MemoryBID, &mc.Kind, &mc.Severity, &mc.DetectedAt,
			&mc.Resolution, &mc.ResolverIdentity, &resolvedAt); err != nil {
			return nil, engerr.Storage("get_conflicts", "scan failed", err, false)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			mc.ResolvedAt = &t
		}
		out = append(out, &mc)
	}
	return out, rows.Err()
}
