package engine

import (
	"context"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/internal/storage/sqlite"
)

// RebuildEmbeddings clears stored vectors for a workspace's memories and
// re-enqueues them, for use after an embedder model change (spec.md §6
// `rebuild_embeddings`).
func (c *Core) RebuildEmbeddings(ctx context.Context, workspace string) (int, error) {
	ids, err := c.workspaceMemoryIDs(ctx, workspace)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return n, engerr.Cancelled("rebuild_embeddings", ctx.Err())
		default:
		}
		_ = c.emb.DeleteEmbedding(ctx, id)
		m, err := c.store.Get(ctx, id)
		if err != nil {
			continue
		}
		c.enqueueEmbedding(ctx, id, m.ContentHash)
		n++
	}
	return n, nil
}

// RebuildCrossrefs recomputes duplicate candidates and entity links for a
// workspace from scratch: entities are re-extracted per memory (idempotent,
// see entities.go), then duplicate candidates are recomputed (spec.md §6
// `rebuild_crossrefs`). Cross-reference edges created by `link` are left
// untouched since they encode user/agent intent, not a derived index.
func (c *Core) RebuildCrossrefs(ctx context.Context, workspace string, duplicateThreshold float64) (int, error) {
	ids, err := c.workspaceMemoryIDs(ctx, workspace)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return n, engerr.Cancelled("rebuild_crossrefs", ctx.Err())
		default:
		}
		if _, err := c.ExtractEntities(ctx, id); err == nil {
			n++
		}
	}
	if _, err := c.FindDuplicates(ctx, workspace, duplicateThreshold); err != nil {
		return n, err
	}
	return n, nil
}

// StoreStats is the response shape for the `stats` operation: coarse counts
// over the whole store, independent of workspace.
type StoreStats struct {
	TotalMemories   int            `json:"total_memories"`
	ByTier          map[string]int `json:"by_tier"`
	ByLifecycle     map[string]int `json:"by_lifecycle"`
	ByType          map[string]int `json:"by_type"`
	TotalEntities   int            `json:"total_entities"`
	TotalIdentities int            `json:"total_identities"`
	TotalSessions   int            `json:"total_sessions"`
	TotalEdges      int            `json:"total_edges"`
	PendingEmbeds   int            `json:"pending_embeds"`
	QueueDepth      int            `json:"queue_depth"`
}

// Stats computes store-wide counts for the `stats` operation.
func (c *Core) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{
		ByTier:      map[string]int{},
		ByLifecycle: map[string]int{},
		ByType:      map[string]int{},
	}

	db := c.ms.GetDB()

	groupCounts := []struct {
		column string
		dest   map[string]int
	}{
		{"tier", stats.ByTier},
		{"lifecycle_state", stats.ByLifecycle},
		{"memory_type", stats.ByType},
	}
	for _, g := range groupCounts {
		rows, err := db.QueryContext(ctx, "SELECT "+g.column+", COUNT(*) FROM memories WHERE deleted = 0 GROUP BY "+g.column)
		if err != nil {
			return nil, engerr.Storage("stats", "group query failed", err, true)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, engerr.Storage("stats", "scan failed", err, false)
			}
			g.dest[key] = n
			stats.TotalMemories += n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	// TotalMemories was summed three times over (once per group-by); the
	// tier grouping covers every row exactly once, so use it as truth.
	stats.TotalMemories = 0
	for _, n := range stats.ByTier {
		stats.TotalMemories += n
	}

	scalars := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM entities", &stats.TotalEntities},
		{"SELECT COUNT(*) FROM identities", &stats.TotalIdentities},
		{"SELECT COUNT(*) FROM sessions", &stats.TotalSessions},
		{"SELECT COUNT(*) FROM cross_references", &stats.TotalEdges},
		{"SELECT COUNT(*) FROM embedding_queue WHERE status = 'pending'", &stats.PendingEmbeds},
	}
	for _, s := range scalars {
		if err := db.QueryRowContext(ctx, s.query).Scan(s.dest); err != nil {
			return nil, engerr.Storage("stats", "scalar query failed", err, true)
		}
	}
	stats.QueueDepth = len(c.queue)

	return stats, nil
}

// WorkspaceAggregate is the response shape for the `aggregate` operation: a
// workspace-scoped numeric rollup suited to dashboards.
type WorkspaceAggregate struct {
	Workspace      string  `json:"workspace"`
	MemoryCount    int     `json:"memory_count"`
	AvgImportance  float64 `json:"avg_importance"`
	AvgQuality     float64 `json:"avg_quality"`
	AvgAccessCount float64 `json:"avg_access_count"`
	ArchivedCount  int     `json:"archived_count"`
	PinnedCount    int     `json:"pinned_count"`
}

// Aggregate computes the `aggregate` operation's per-workspace rollup.
func (c *Core) Aggregate(ctx context.Context, workspace string) (*WorkspaceAggregate, error) {
	agg := &WorkspaceAggregate{Workspace: workspace}
	db := c.ms.GetDB()

	row := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(AVG(importance), 0),
			COALESCE(AVG(quality_score), 0),
			COALESCE(AVG(access_count), 0),
			COALESCE(SUM(CASE WHEN lifecycle_state = 'archived' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pinned THEN 1 ELSE 0 END), 0)
		FROM memories
		WHERE workspace = ? AND deleted = 0
	`, workspace)
	if err := row.Scan(&agg.MemoryCount, &agg.AvgImportance, &agg.AvgQuality, &agg.AvgAccessCount,
		&agg.ArchivedCount, &agg.PinnedCount); err != nil {
		return nil, engerr.Storage("aggregate", "query failed", err, true)
	}
	return agg, nil
}

// Snapshot takes a consistent point-in-time copy of the store file at
// destPath and verifies it with SQLite's integrity_check before returning,
// so a caller never walks away believing a corrupt snapshot succeeded. This
// is a local maintenance operation; cloud upload/retention scheduling is
// the sync collaborator's concern (spec.md §1), not this core's.
func (c *Core) Snapshot(ctx context.Context, destPath string) error {
	if err := sqlite.Snapshot(c.ms.Path(), destPath); err != nil {
		return engerr.Storage("snapshot", "backup failed", err, false)
	}
	if err := sqlite.VerifySnapshot(destPath); err != nil {
		return engerr.Storage("snapshot", "snapshot failed integrity check", err, false)
	}
	return nil
}

// RestoreSnapshot verifies a previously taken snapshot and copies it over
// the live store file. Callers must ensure the store is closed (or at
// least quiesced) before calling this; it does not coordinate with an
// open *Core itself.
func RestoreSnapshot(snapshotPath, targetPath string) error {
	return sqlite.RestoreSnapshot(snapshotPath, targetPath)
}
