package engine

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/pkg/types"
)

// properNounRe matches runs of capitalized words, the surface form most
// extraction heuristics in the pack (and the teacher's LLM-prompted
// extractor, before its JSON response is parsed) ultimately key candidate
// entities off of. No ecosystem NER library appears in any example repo's
// go.mod, so this stays on stdlib regexp (DESIGN.md).
var properNounRe = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]*(?:\s+[A-Z][a-zA-Z0-9]*)*\b`)

// isoDateRe matches ISO-ish date/time tokens, classified as datetime.
var isoDateRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:T\d{2}:\d{2}(?::\d{2})?)?\b`)

// urlRe matches bare URLs, classified as reference.
var urlRe = regexp.MustCompile(`https?://\S+`)

var stopProperWords = map[string]bool{
	"The": true, "A": true, "An": true, "I": true, "It": true, "This": true,
	"That": true, "These": true, "Those": true, "We": true, "You": true,
	"In": true, "On": true, "At": true, "For": true, "To": true, "Of": true,
}

// candidateEntity is one raw extraction hit before it is stored.
type candidateEntity struct {
	name       string
	entityType string
	confidence float64
	start, end int
}

// extractCandidates runs the heuristic entity detector over content: ISO
// dates and URLs first (higher-precision patterns), then capitalized
// phrases not already covered by an ISO-date/URL span and not a stray
// sentence-initial stopword.
func extractCandidates(content string) []candidateEntity {
	var out []candidateEntity
	covered := make([]bool, len(content))

	for _, loc := range isoDateRe.FindAllStringIndex(content, -1) {
		out = append(out, candidateEntity{
			name: content[loc[0]:loc[1]], entityType: types.EntityTypeDateTime,
			confidence: 0.9, start: loc[0], end: loc[1],
		})
		markCovered(covered, loc[0], loc[1])
	}
	for _, loc := range urlRe.FindAllStringIndex(content, -1) {
		out = append(out, candidateEntity{
			name: content[loc[0]:loc[1]], entityType: types.EntityTypeReference,
			confidence: 0.9, start: loc[0], end: loc[1],
		})
		markCovered(covered, loc[0], loc[1])
	}
	for _, loc := range properNounRe.FindAllStringIndex(content, -1) {
		if anyCovered(covered, loc[0], loc[1]) {
			continue
		}
		name := content[loc[0]:loc[1]]
		if stopProperWords[name] {
			continue
		}
		out = append(out, candidateEntity{
			name: name, entityType: types.EntityTypeOther,
			confidence: 0.6, start: loc[0], end: loc[1],
		})
	}
	return out
}

func markCovered(covered []bool, start, end int) {
	for i := start; i < end && i < len(covered); i++ {
		covered[i] = true
	}
}

func anyCovered(covered []bool, start, end int) bool {
	for i := start; i < end && i < len(covered); i++ {
		if covered[i] {
			return true
		}
	}
	return false
}

// ExtractEntities runs the heuristic entity detector over a memory's content
// and persists the resulting entities and memory_entities links. Running it
// twice on unchanged content is idempotent (spec.md §8 round-trip property):
// StoreEntity upserts on (normalized_name, type) and LinkMemoryEntity's
// primary key is (memory_id, entity_id, relation), so a repeat extraction
// replaces rather than duplicates the mention.
func (c *Core) ExtractEntities(ctx context.Context, memoryID int64) ([]*types.Entity, error) {
	m, err := c.store.Get(ctx, memoryID)
	if err != nil {
		return nil, translateStorageErr("extract_entities", err)
	}

	candidates := extractCandidates(m.Content)
	seen := make(map[string]bool, len(candidates))
	var out []*types.Entity
	for _, cand := range candidates {
		key := types.NormalizeTag(cand.name) + "|" + cand.entityType
		if seen[key] {
			continue
		}
		seen[key] = true

		start, end := cand.start, cand.end
		entity := &types.Entity{Name: cand.name, Type: cand.entityType}
		entityID, err := c.rel.StoreEntity(ctx, entity)
		if err != nil {
			continue
		}
		link := &types.MemoryEntity{
			MemoryID: memoryID, EntityID: entityID, Confidence: cand.confidence,
			Relation: types.EdgeMentions, CharOffsetStart: &start, CharOffsetEnd: &end,
		}
		if err := c.rel.LinkMemoryEntity(ctx, link); err != nil {
			continue
		}
		entity.ID = entityID
		out = append(out, entity)
	}
	return out, nil
}

// GetEntities returns the entities mentioned in a memory.
func (c *Core) GetEntities(ctx context.Context, memoryID int64) ([]*types.Entity, error) {
	entities, err := c.rel.GetMemoryEntities(ctx, memoryID)
	if err != nil {
		return nil, engerr.Storage("get_entities", "query failed", err, true)
	}
	return entities, nil
}

// SearchEntities does a LIKE-based search of entity names, optionally
// restricted to an entity_type.
func (c *Core) SearchEntities(ctx context.Context, query, entityType string, limit int) ([]*types.Entity, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	like := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	sqlQuery := `
		SELECT id, name, normalized_name, type, created_at, updated_at, first_seen, last_seen
		FROM entities WHERE normalized_name LIKE ?`
	args := []interface{}{like}
	if entityType != "" {
		sqlQuery += " AND type = ?"
		args = append(args, entityType)
	}
	sqlQuery += " ORDER BY last_seen DESC LIMIT ?"
	args = append(args, limit)

	rows, err := c.ms.GetDB().QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, engerr.Storage("search_entities", "query failed", err, true)
	}
	defer rows.Close()

	var out []*types.Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntityRow(rows interface {
	Scan(...interface{}) error
}) (*types.Entity, error) {
	var e types.Entity
	var firstSeen, lastSeen sql.NullTime
	if err := rows.Scan(&e.ID, &e.Name, &e.NormalizedName, &e.Type, &e.CreatedAt, &e.UpdatedAt, &firstSeen, &lastSeen); err != nil {
		return nil, engerr.Storage("search_entities", "scan failed", err, false)
	}
	if firstSeen.Valid {
		e.FirstSeen = firstSeen.Time
	}
	if lastSeen.Valid {
		e.LastSeen = lastSeen.Time
	}
	return &e, nil
}

// EntityStats is the response shape for the entity_stats operation: a
// per-type breakdown of distinct entities and total mentions.
type EntityStats struct {
	TotalEntities int                   `json:"total_entities"`
	ByType        map[string]int        `json:"by_type"`
	TopMentioned  []EntityMentionCount  `json:"top_mentioned"`
}

// EntityMentionCount pairs an entity with how many memories mention it.
type EntityMentionCount struct {
	Entity       *types.Entity `json:"entity"`
	MentionCount int           `json:"mention_count"`
}

// EntityStatsFor computes entity_stats (spec.md §6) over the whole store:
// counts by type plus the most-mentioned entities.
func (c *Core) EntityStatsFor(ctx context.Context, topN int) (*EntityStats, error) {
	if topN <= 0 || topN > 100 {
		topN = 10
	}
	stats := &EntityStats{ByType: map[string]int{}}

	rows, err := c.ms.GetDB().QueryContext(ctx, "SELECT type, COUNT(*) FROM entities GROUP BY type")
	if err != nil {
		return nil, engerr.Storage("entity_stats", "group query failed", err, true)
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, engerr.Storage("entity_stats", "scan failed", err, false)
		}
		stats.ByType[t] = n
		stats.TotalEntities += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	topRows, err := c.ms.GetDB().QueryContext(ctx, `
		SELECT e.id, e.name, e.normalized_name, e.type, e.created_at, e.updated_at, COUNT(me.memory_id) AS mentions
		FROM entities e
		JOIN memory_entities me ON me.entity_id = e.id
		GROUP BY e.id
		ORDER BY mentions DESC
		LIMIT ?
	`, topN)
	if err != nil {
		return nil, engerr.Storage("entity_stats", "top query failed", err, true)
	}
	defer topRows.Close()
	for topRows.Next() {
		var e types.Entity
		var mentions int
		if err := topRows.Scan(&e.ID, &e.Name, &e.NormalizedName, &e.Type, &e.CreatedAt, &e.UpdatedAt, &mentions); err != nil {
			return nil, engerr.Storage("entity_stats", "scan top failed", err, false)
		}
		stats.TopMentioned = append(stats.TopMentioned, EntityMentionCount{Entity: &e, MentionCount: mentions})
	}
	return stats, topRows.Err()
}
