package engine

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/pkg/types"
)

// recordAccess queues an access-count/last-accessed touch instead of
// writing synchronously, per spec.md §4.9 ("async-batched to avoid write
// amplification"). Queueing never blocks the caller: a full buffer just
// drops the touch, which only delays salience recomputation for that
// memory until its next read.
func (c *Core) recordAccess(id int64) {
	select {
	case c.accessQueue <- id:
	default:
	}
}

// startAccessBatcher periodically flushes deduplicated access touches.
func (c *Core) startAccessBatcher(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		pending := make(map[int64]bool)

		flush := func() {
			for id := range pending {
				if err := c.store.IncrementAccessCount(ctx, id); err != nil {
					log.Printf("engine: flush access count for memory %d failed: %v", id, err)
				}
			}
			pending = make(map[int64]bool)
		}

		for {
			select {
			case <-ctx.Done():
				flush()
				return
			case id := <-c.accessQueue:
				pending[id] = true
			case <-ticker.C:
				flush()
			}
		}
	}()
}

// startDecayLoop runs the scheduled salience/quality recomputation job at
// the configured interval, reusing the lifecycle sweeper's cadence since
// both are low-priority background passes over the same memory set
// (spec.md §4.9/§4.10).
func (c *Core) startDecayLoop(ctx context.Context) {
	c.startAccessBatcher(ctx)

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
				if _, err := c.DecayRun(ctx, false); err != nil {
					log.Printf("engine: salience decay run failed: %v", err)
				}
				if err := c.qualityRecomputeAll(ctx); err != nil {
					log.Printf("engine: quality recompute failed: %v", err)
				}
			}
		}
	}()
}

// SalienceGet recomputes a memory's current salience score and component
// breakdown inline; it does not read salience_history.
func (c *Core) SalienceGet(ctx context.Context, id int64) (*types.SalienceHistory, error) {
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, translateStorageErr("salience_get", err)
	}
	return c.computeSalience(ctx, m), nil
}

func (c *Core) computeSalience(ctx context.Context, m *types.Memory) *types.SalienceHistory {
	now := c.now()
	ageDays := 0.0
	if m.LastAccessedAt != nil {
		ageDays = now.Sub(*m.LastAccessedAt).Hours() / 24.0
	} else {
		ageDays = now.Sub(m.CreatedAt).Hours() / 24.0
	}

	halfLife := c.cfg.Salience.RecencyHalfLife.Hours() / 24.0
	if halfLife <= 0 {
		halfLife = 14
	}
	recency := math.Exp(-math.Ln2 * ageDays / halfLife)

	freqCap := float64(c.cfg.Salience.FrequencyCap)
	if freqCap <= 0 {
		freqCap = 100
	}
	frequency := math.Log1p(float64(m.AccessCount)) / math.Log1p(freqCap)
	frequency = types.Clamp01(frequency)

	feedback := types.Clamp01(0.5 + 0.1*feedbackSignal(m))

	salience := 0.3*recency + 0.2*frequency + 0.3*types.Clamp01(m.Importance) + 0.2*feedback

	return &types.SalienceHistory{
		MemoryID: m.ID, Salience: salience, Recency: recency, Frequency: frequency,
		Importance: m.Importance, Feedback: feedback, ComputedAt: now,
	}
}

func feedbackSignal(m *types.Memory) float64 {
	pos, _ := m.Metadata["_feedback_pos"].(float64)
	neg, _ := m.Metadata["_feedback_neg"].(float64)
	return pos - neg
}

func bumpFeedback(m *types.Memory, positive bool) {
	if m.Metadata == nil {
		m.Metadata = map[string]interface{}{}
	}
	key := "_feedback_pos"
	if !positive {
		key = "_feedback_neg"
	}
	cur, _ := m.Metadata[key].(float64)
	m.Metadata[key] = cur + 1
}

// SetImportance directly sets a memory's user-declared importance (spec.md §4.9).
func (c *Core) SetImportance(ctx context.Context, id int64, importance float64) (*types.Memory, error) {
	importance = types.Clamp01(importance)
	return c.Update(ctx, UpdateParams{ID: id, Importance: &importance})
}

// Metadata keys recording an active temporary boost, read back by the
// lifecycle sweeper's boost-decay phase.
const (
	boostPrevImportanceKey = "_boost_prev_importance"
	boostExpiresAtKey      = "_boost_expires_at"
)

// Boost raises importance by delta (spec.md §4.9/§6 boost(id, delta,
// duration?)). A zero duration makes the boost permanent; otherwise the
// prior importance and an expiry timestamp are recorded in metadata and the
// lifecycle sweeper restores the prior importance once the expiry passes
// ("the sweeper decays boosts on expiry"). Boosting again before expiry
// extends the window but keeps the originally recorded importance, so the
// eventual restore lands where the memory was before any boost.
func (c *Core) Boost(ctx context.Context, id int64, delta float64, duration time.Duration) (*types.Memory, error) {
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, translateStorageErr("boost", err)
	}
	bumpFeedback(m, true)
	if duration > 0 {
		if _, active := m.Metadata[boostPrevImportanceKey]; !active {
			m.Metadata[boostPrevImportanceKey] = m.Importance
		}
		m.Metadata[boostExpiresAtKey] = c.now().Add(duration).Format(time.RFC3339)
	}
	newImportance := types.Clamp01(m.Importance + delta)
	return c.Update(ctx, UpdateParams{ID: id, Importance: &newImportance, Metadata: m.Metadata})
}

// Demote is Boost's negative counterpart.
func (c *Core) Demote(ctx context.Context, id int64, delta float64) (*types.Memory, error) {
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, translateStorageErr("demote", err)
	}
	bumpFeedback(m, false)
	newImportance := types.Clamp01(m.Importance - delta)
	return c.Update(ctx, UpdateParams{ID: id, Importance: &newImportance, Metadata: m.Metadata})
}

// DecayRun recomputes salience for every non-archived memory, appending a
// salience_history row for each and persisting the new score. dryRun
// returns the count without writing anything.
func (c *Core) DecayRun(ctx context.Context, dryRun bool) (int, error) {
	rows, err := c.ms.GetDB().QueryContext(ctx, "SELECT id FROM memories WHERE deleted = 0 AND lifecycle_state != ?", types.LifecycleArchived)
	if err != nil {
		return 0, engerr.Storage("decay_run", "query failed", err, true)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, engerr.Storage("decay_run", "scan failed", err, false)
		}
		ids = append(ids, id)
	}
	rows.Close()

	count := 0
	for _, id := range ids {
		m, err := c.store.Get(ctx, id)
		if err != nil {
			continue
		}
		hist := c.computeSalience(ctx, m)
		count++
		if dryRun {
			continue
		}
		if err := c.store.UpdateScores(ctx, id, &hist.Salience, nil); err != nil {
			log.Printf("engine: persist salience for memory %d failed: %v", id, err)
			continue
		}
		if err := c.appendSalienceHistory(ctx, hist); err != nil {
			log.Printf("engine: append salience history for memory %d failed: %v", id, err)
		}
	}
	return count, nil
}

func (c *Core) appendSalienceHistory(ctx context.Context, h *types.SalienceHistory) error {
	_, err := c.ms.GetDB().ExecContext(ctx, `
		INSERT INTO salience_history (memory_id, salience, recency, frequency, importance, feedback, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.MemoryID, h.Salience, h.Recency, h.Frequency, h.Importance, h.Feedback, h.ComputedAt)
	return err
}

// SalienceHistoryFor returns prior recomputations for a memory, newest first.
func (c *Core) SalienceHistoryFor(ctx context.Context, id int64, limit int) ([]*types.SalienceHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := c.ms.GetDB().QueryContext(ctx, `
		SELECT id, memory_id, salience, recency, frequency, importance, feedback, computed_at
		FROM salience_history WHERE memory_id = ? ORDER BY computed_at DESC LIMIT ?
	`, id, limit)
	if err != nil {
		return nil, engerr.Storage("salience_history", "query failed", err, true)
	}
	defer rows.Close()

	var out []*types.SalienceHistory
	for rows.Next() {
		var h types.SalienceHistory
		if err := rows.Scan(&h.ID, &h.MemoryID, &h.Salience, &h.Recency, &h.Frequency, &h.Importance, &h.Feedback, &h.ComputedAt); err != nil {
			return nil, engerr.Storage("salience_history", "scan failed", err, false)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// SalienceStats summarizes the salience distribution across a workspace.
type SalienceStats struct {
	Count   int
	Mean    float64
	Min     float64
	Max     float64
}

// SalienceStatsFor computes summary statistics over a workspace's memories.
func (c *Core) SalienceStatsFor(ctx context.Context, workspace string) (*SalienceStats, error) {
	var stats SalienceStats
	err := c.ms.GetDB().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(salience_score),0), COALESCE(MIN(salience_score),0), COALESCE(MAX(salience_score),0)
		FROM memories WHERE deleted = 0 AND workspace = ?
	`, workspace).Scan(&stats.Count, &stats.Mean, &stats.Min, &stats.Max)
	if err != nil {
		return nil, engerr.Storage("salience_stats", "query failed", err, true)
	}
	return &stats, nil
}

// SalienceTop returns the n highest-salience memories in a workspace.
func (c *Core) SalienceTop(ctx context.Context, workspace string, n int) ([]types.Memory, error) {
	if n <= 0 || n > 100 {
		n = 10
	}
	opts := listOptionsFor(workspace, "salience_score", "desc", n)
	res, err := c.store.List(ctx, opts)
	if err != nil {
		return nil, translateStorageErr("salience_top", err)
	}
	return res.Items, nil
}
