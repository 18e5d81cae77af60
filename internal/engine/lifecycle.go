package engine

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/pkg/types"
)

// SweepReport summarizes one lifecycle sweep pass (spec.md §4.8).
type SweepReport struct {
	Expired       int
	Staled        int
	Archived      int
	BoostsDecayed int
	DryRun        bool
}

// startLifecycleSweep runs the background sweeper at cfg.Lifecycle.SweepInterval.
func (c *Core) startLifecycleSweep(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		interval := c.cfg.Lifecycle.SweepInterval
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.LifecycleRun(ctx, false); err != nil {
					log.Printf("engine: lifecycle sweep failed: %v", err)
				}
			}
		}
	}()
}

// LifecycleRun performs one sweep pass. Each phase (expiry, boost decay,
// active→stale, stale→archived) handles at most cfg.Lifecycle.BatchSize rows
// from a single query; rows beyond that are left for a later pass, and the
// pass does not loop over further chunks. dryRun reports counts without
// mutating anything.
func (c *Core) LifecycleRun(ctx context.Context, dryRun bool) (*SweepReport, error) {
	report := &SweepReport{DryRun: dryRun}
	batchSize := c.cfg.Lifecycle.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	now := c.now()

	expired, err := c.sweepExpired(ctx, now, batchSize, dryRun)
	if err != nil {
		return report, err
	}
	report.Expired = expired

	decayed, err := c.sweepExpiredBoosts(ctx, now, batchSize, dryRun)
	if err != nil {
		return report, err
	}
	report.BoostsDecayed = decayed

	staleCutoff := now.Add(-c.cfg.Lifecycle.StaleThreshold)
	staled, err := c.sweepTransition(ctx, types.LifecycleActive, types.LifecycleStale, "last_accessed_at", staleCutoff, batchSize, dryRun, 0)
	if err != nil {
		return report, err
	}
	report.Staled = staled

	archiveCutoff := now.Add(-c.cfg.Lifecycle.ArchiveThreshold)
	archived, err := c.sweepTransition(ctx, types.LifecycleStale, types.LifecycleArchived, "updated_at", archiveCutoff, batchSize, dryRun, c.cfg.Lifecycle.ArchiveImportanceThreshold)
	if err != nil {
		return report, err
	}
	report.Archived = archived

	return report, nil
}

func (c *Core) sweepExpired(ctx context.Context, now time.Time, batchSize int, dryRun bool) (int, error) {
	rows, err := c.ms.GetDB().QueryContext(ctx, `
		SELECT id FROM memories
		WHERE deleted = 0 AND tier = ? AND pinned = 0 AND expires_at IS NOT NULL AND expires_at <= ?
		LIMIT ?
	`, types.TierDaily, now, batchSize)
	if err != nil {
		return 0, engerr.Storage("lifecycle_run", "query expired failed", err, true)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, engerr.Storage("lifecycle_run", "scan expired failed", err, false)
		}
		ids = append(ids, id)
	}
	rows.Close()

	if dryRun {
		return len(ids), nil
	}
	count := 0
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return count, engerr.Cancelled("lifecycle_run", ctx.Err())
		default:
		}
		if err := c.Purge(ctx, id); err != nil {
			log.Printf("engine: purge expired memory %d failed: %v", id, err)
			continue
		}
		c.emitEvent(ctx, types.EventDeleted, &id, "", map[string]interface{}{"reason": "expired"})
		count++
	}
	return count, nil
}

// sweepExpiredBoosts restores the pre-boost importance of memories whose
// temporary boost window has passed, clearing the boost bookkeeping keys
// (spec.md §4.9: "the sweeper decays boosts on expiry").
func (c *Core) sweepExpiredBoosts(ctx context.Context, now time.Time, batchSize int, dryRun bool) (int, error) {
	rows, err := c.ms.GetDB().QueryContext(ctx, `
		SELECT id, json_extract(metadata, '$.`+boostExpiresAtKey+`') FROM memories
		WHERE deleted = 0 AND json_extract(metadata, '$.`+boostExpiresAtKey+`') IS NOT NULL
		LIMIT ?
	`, batchSize)
	if err != nil {
		return 0, engerr.Storage("lifecycle_run", "query expired boosts failed", err, true)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		var expiresAt string
		if err := rows.Scan(&id, &expiresAt); err != nil {
			rows.Close()
			return 0, engerr.Storage("lifecycle_run", "scan expired boost failed", err, false)
		}
		exp, err := time.Parse(time.RFC3339, expiresAt)
		if err != nil || exp.After(now) {
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()

	if dryRun {
		return len(ids), nil
	}
	count := 0
	for _, id := range ids {
		m, err := c.store.Get(ctx, id)
		if err != nil {
			continue
		}
		prev, ok := m.Metadata[boostPrevImportanceKey].(float64)
		delete(m.Metadata, boostPrevImportanceKey)
		delete(m.Metadata, boostExpiresAtKey)
		restored := m.Importance
		if ok {
			restored = prev
		}
		if _, err := c.Update(ctx, UpdateParams{ID: id, Importance: &restored, Metadata: m.Metadata}); err != nil {
			log.Printf("engine: decay boost for memory %d failed: %v", id, err)
			continue
		}
		count++
	}
	return count, nil
}

// sweepTransition moves memories from one lifecycle_state to another when
// the given timestamp column is older than cutoff (and, for the
// stale→archived move, importance is below importanceCeiling).
func (c *Core) sweepTransition(ctx context.Context, from, to, timestampCol string, cutoff time.Time, batchSize int, dryRun bool, importanceCeiling float64) (int, error) {
	// Memories never touched since creation have a NULL last_accessed_at;
	// fall back to created_at so they still age out.
	query := "SELECT id FROM memories WHERE deleted = 0 AND lifecycle_state = ? AND pinned = 0 AND COALESCE(" + timestampCol + ", created_at) <= ?"
	args := []interface{}{from, cutoff}
	if to == types.LifecycleArchived {
		query += " AND importance < ?"
		args = append(args, importanceCeiling)
	}
	query += " LIMIT ?"
	args = append(args, batchSize)

	rows, err := c.ms.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return 0, engerr.Storage("lifecycle_run", "query transition failed", err, true)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, engerr.Storage("lifecycle_run", "scan transition failed", err, false)
		}
		ids = append(ids, id)
	}
	rows.Close()

	if dryRun {
		return len(ids), nil
	}
	count := 0
	for _, id := range ids {
		if err := c.store.UpdateLifecycleState(ctx, id, to); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			log.Printf("engine: transition memory %d %s->%s failed: %v", id, from, to, err)
			continue
		}
		count++
	}
	return count, nil
}

// SetExpiration sets or clears a memory's expiration, enforcing the
// permanent/daily invariants spec.md §4.8 states.
func (c *Core) SetExpiration(ctx context.Context, id int64, expiresAt *time.Time) (*types.Memory, error) {
	return c.Update(ctx, UpdateParams{ID: id, ExpiresAt: &expiresAt})
}

// PromoteToPermanent requires tier=daily and clears expires_at, setting
// tier=permanent (spec.md §4.8).
func (c *Core) PromoteToPermanent(ctx context.Context, id int64) (*types.Memory, error) {
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, translateStorageErr("promote_to_permanent", err)
	}
	if m.Tier != types.TierDaily {
		return nil, engerr.InvalidInput("promote_to_permanent", "memory is not tier=daily")
	}
	permanent := types.TierPermanent
	var noExpiry *time.Time
	return c.Update(ctx, UpdateParams{ID: id, Tier: &permanent, ExpiresAt: &noExpiry})
}

// CleanupExpired runs only the expiration phase of the sweep, for callers
// that want TTL cleanup without the lifecycle-state transitions.
func (c *Core) CleanupExpired(ctx context.Context, dryRun bool) (int, error) {
	return c.sweepExpired(ctx, c.now(), c.cfg.Lifecycle.BatchSize, dryRun)
}

// LifecycleStatus reports the current distribution of lifecycle states in
// a workspace, for observability (spec.md §6 `lifecycle_status`).
type LifecycleStatus struct {
	Active   int
	Stale    int
	Archived int
}

// LifecycleStatusFor computes the distribution for a workspace.
func (c *Core) LifecycleStatusFor(ctx context.Context, workspace string) (*LifecycleStatus, error) {
	rows, err := c.ms.GetDB().QueryContext(ctx, `
		SELECT lifecycle_state, COUNT(*) FROM memories
		WHERE deleted = 0 AND workspace = ? GROUP BY lifecycle_state
	`, workspace)
	if err != nil {
		return nil, engerr.Storage("lifecycle_status", "query failed", err, true)
	}
	defer rows.Close()

	status := &LifecycleStatus{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, engerr.Storage("lifecycle_status", "scan failed", err, false)
		}
		switch state {
		case types.LifecycleActive:
			status.Active = count
		case types.LifecycleStale:
			status.Stale = count
		case types.LifecycleArchived:
			status.Archived = count
		}
	}
	return status, rows.Err()
}

// SetLifecycle manually forces a memory's lifecycle_state, validating the
// transition per pkg/types' state machine.
func (c *Core) SetLifecycle(ctx context.Context, id int64, state string) (*types.Memory, error) {
	if !types.IsValidLifecycleState(state) {
		return nil, engerr.InvalidInput("set_lifecycle", "invalid lifecycle_state")
	}
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, translateStorageErr("set_lifecycle", err)
	}
	if !types.IsValidLifecycleTransition(m.LifecycleState, state) {
		return nil, engerr.Conflict("set_lifecycle", "illegal lifecycle transition")
	}
	if err := c.store.UpdateLifecycleState(ctx, id, state); err != nil {
		return nil, translateStorageErr("set_lifecycle", err)
	}
	return c.store.Get(ctx, id)
}
