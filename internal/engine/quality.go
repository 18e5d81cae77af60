package engine

import (
	"context"
	"log"
	"math"
	"strings"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/pkg/types"
)

// QualityReport is the five-component breakdown behind a quality score
// (spec.md §4.10).
type QualityReport = types.QualityHistory

// sourceTrust looks up the configured trust weight for a memory's origin/
// provenance (spec.md §4.10's source_trust table).
func (c *Core) sourceTrust(m *types.Memory) float64 {
	switch m.Origin {
	case types.OriginSeed:
		return c.cfg.Rerank.SourceTrustSeed
	case types.OriginOrganic:
		return c.cfg.Rerank.SourceTrustUser
	default:
		if src, ok := m.Metadata["_source"].(string); ok {
			switch src {
			case "extraction":
				return c.cfg.Rerank.SourceTrustExtraction
			case "inference":
				return c.cfg.Rerank.SourceTrustInference
			case "external":
				return c.cfg.Rerank.SourceTrustExternal
			}
		}
		return c.cfg.Rerank.SourceTrustUser
	}
}

// clarity is a structural heuristic over sentence length variance: very
// short or run-on content scores lower than content with a reasonable
// average sentence length.
func clarity(content string) float64 {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return 0
	}
	total := 0
	for _, s := range sentences {
		total += len(strings.Fields(s))
	}
	avg := float64(total) / float64(len(sentences))
	// Ideal band: 8-25 words/sentence; score falls off outside it.
	if avg >= 8 && avg <= 25 {
		return 1.0
	}
	if avg < 8 {
		return types.Clamp01(avg / 8)
	}
	return types.Clamp01(25.0 / avg)
}

// completeness is a length/signal heuristic: content below a floor reads as
// a fragment, content past a ceiling plateaus rather than keeps scoring up.
func completeness(content string) float64 {
	words := len(strings.Fields(content))
	const floor, ceiling = 5.0, 120.0
	if float64(words) <= floor {
		return types.Clamp01(float64(words) / floor * 0.5)
	}
	return types.Clamp01(0.5 + 0.5*math.Min(1, (float64(words)-floor)/(ceiling-floor)))
}

func splitSentences(content string) []string {
	return strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}

// QualityScore recomputes and persists a memory's quality score.
func (c *Core) QualityScore(ctx context.Context, id int64) (*QualityReport, error) {
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, translateStorageErr("quality_score", err)
	}
	report := c.computeQuality(ctx, m)
	if err := c.store.UpdateScores(ctx, id, nil, &report.Quality); err != nil {
		return nil, translateStorageErr("quality_score", err)
	}
	if err := c.appendQualityHistory(ctx, report); err != nil {
		log.Printf("engine: append quality history for memory %d failed: %v", id, err)
	}
	return report, nil
}

func (c *Core) computeQuality(ctx context.Context, m *types.Memory) *QualityReport {
	now := c.now()
	halfLife := c.cfg.Quality.FreshnessHalfLife.Hours() / 24.0
	if halfLife <= 0 {
		halfLife = 60
	}
	ageDays := now.Sub(m.UpdatedAt).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	freshness := math.Exp(-math.Ln2 * ageDays / halfLife)

	openConflicts := c.openConflictCount(ctx, m.ID)
	consistency := types.Clamp01(1.0 - math.Min(1.0, float64(openConflicts)*0.25))

	clar := clarity(m.Content)
	comp := completeness(m.Content)
	trust := c.sourceTrust(m)
	q := 0.25*clar + 0.20*comp + 0.20*freshness + 0.20*consistency + 0.15*trust

	return &QualityReport{
		MemoryID: m.ID, Quality: types.Clamp01(q), Clarity: clar,
		Completeness: comp, Freshness: freshness,
		Consistency: consistency, SourceTrust: trust, ComputedAt: now,
	}
}

func (c *Core) openConflictCount(ctx context.Context, memoryID int64) int {
	var count int
	_ = c.ms.GetDB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memory_conflicts
		WHERE (memory_a_id = ? OR memory_b_id = ?) AND resolution IS NULL
	`, memoryID, memoryID).Scan(&count)
	return count
}

func (c *Core) appendQualityHistory(ctx context.Context, h *QualityReport) error {
	_, err := c.ms.GetDB().ExecContext(ctx, `
		INSERT INTO quality_history (memory_id, quality, clarity, completeness, freshness, consistency, source_trust, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, h.MemoryID, h.Quality, h.Clarity, h.Completeness, h.Freshness, h.Consistency, h.SourceTrust, h.ComputedAt)
	return err
}

// qualityRecomputeAll is called from the decay loop's periodic pass.
func (c *Core) qualityRecomputeAll(ctx context.Context) error {
	rows, err := c.ms.GetDB().QueryContext(ctx, "SELECT id FROM memories WHERE deleted = 0 AND lifecycle_state != ?", types.LifecycleArchived)
	if err != nil {
		return engerr.Storage("quality_recompute", "query failed", err, true)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()
	for _, id := range ids {
		if _, err := c.QualityScore(ctx, id); err != nil {
			log.Printf("engine: recompute quality for memory %d failed: %v", id, err)
		}
	}
	return nil
}

// QualityReportFor returns the most recent quality breakdown from
// quality_history, recomputing only when no history row exists (spec.md §6
// `quality_report`).
func (c *Core) QualityReportFor(ctx context.Context, id int64) (*QualityReport, error) {
	var h QualityReport
	err := c.ms.GetDB().QueryRowContext(ctx, `
		SELECT memory_id, quality, clarity, completeness, freshness, consistency, source_trust, computed_at
		FROM quality_history WHERE memory_id = ? ORDER BY computed_at DESC LIMIT 1
	`, id).Scan(&h.MemoryID, &h.Quality, &h.Clarity, &h.Completeness, &h.Freshness, &h.Consistency, &h.SourceTrust, &h.ComputedAt)
	if err != nil {
		return c.QualityScore(ctx, id)
	}
	return &h, nil
}

// QualityImprove suggests which component is dragging a memory's score
// down most, as a coarse actionable signal (spec.md §6 `quality_improve`).
func (c *Core) QualityImprove(ctx context.Context, id int64) (string, *QualityReport, error) {
	report, err := c.QualityReportFor(ctx, id)
	if err != nil {
		return "", nil, err
	}
	components := map[string]float64{
		"clarity": report.Clarity, "completeness": report.Completeness,
		"freshness": report.Freshness, "consistency": report.Consistency, "source_trust": report.SourceTrust,
	}
	worst, worstScore := "", math.MaxFloat64
	for k, v := range components {
		if v < worstScore {
			worst, worstScore = k, v
		}
	}
	return worst, report, nil
}
