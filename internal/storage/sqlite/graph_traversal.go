package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// Ensure *MemoryStore implements storage.GraphProvider at compile time.
var _ storage.GraphProvider = (*MemoryStore)(nil)

// edge is an in-memory view of a cross_references row, decorated with its
// time-decayed confidence for tie-break and filtering (spec.md §4.7).
type edge struct {
	id          int64
	from, to    int64
	edgeType    string
	score       float64
	confidence  float64
	strength    float64
	source      string
	decayedConf float64
}

// loadFrontierEdges fetches all edges touching the given node set, in the
// requested direction, already filtered by edge type / confidence / decay.
func loadFrontierEdges(ctx context.Context, db *sql.DB, frontier []int64, bounds storage.GraphBounds, halfLifeDays float64, now time.Time) ([]edge, error) {
	if len(frontier) == 0 {
		return nil, nil
	}

	placeholders := buildInClause(len(frontier))
	args := make([]interface{}, 0, len(frontier)*2)
	for _, id := range frontier {
		args = append(args, id)
	}

	var where string
	switch bounds.Direction {
	case "outgoing":
		where = fmt.Sprintf("from_id IN (%s)", placeholders)
	case "incoming":
		where = fmt.Sprintf("to_id IN (%s)", placeholders)
	default:
		where = fmt.Sprintf("(from_id IN (%s) OR to_id IN (%s))", placeholders, placeholders)
		args = append(args, args...)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, from_id, to_id, edge_type, score, confidence, strength, source, created_at
		FROM cross_references WHERE %s
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load frontier edges: %w", err)
	}
	defer rows.Close()

	typeFilter := make(map[string]bool, len(bounds.EdgeTypes))
	for _, t := range bounds.EdgeTypes {
		typeFilter[t] = true
	}

	var edges []edge
	for rows.Next() {
		var e edge
		var createdAt time.Time
		if err := rows.Scan(&e.id, &e.from, &e.to, &e.edgeType, &e.score, &e.confidence, &e.strength, &e.source, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan frontier edge: %w", err)
		}
		if len(typeFilter) > 0 && !typeFilter[e.edgeType] {
			continue
		}

		e.decayedConf = e.confidence
		if e.source == types.EdgeSourceAuto {
			ageDays := now.Sub(createdAt).Hours() / 24.0
			if ageDays > 0 && halfLifeDays > 0 {
				e.decayedConf = e.confidence * math.Exp(-math.Ln2*ageDays/halfLifeDays)
			}
		}
		if !bounds.IncludeDecayed && e.decayedConf < bounds.MinConfidence {
			continue
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// otherEnd returns the node at the far end of e from the perspective of
// node, honoring direction (an edge touching `node` as either endpoint).
func otherEnd(e edge, node int64) (int64, bool) {
	if e.from == node {
		return e.to, true
	}
	if e.to == node {
		return e.from, true
	}
	return 0, false
}

// Traverse performs bounded multi-hop BFS from startID over cross-reference
// edges, and (when IncludeEntities is set) virtual entity co-occurrence
// edges, per spec.md §4.7. Frontier expansion ties break on higher edge
// strength, then higher confidence, then lower to_id.
func (s *MemoryStore) Traverse(ctx context.Context, startID int64, bounds storage.GraphBounds) (*storage.GraphResult, error) {
	bounds.Normalize()
	ctx, cancel := context.WithTimeout(ctx, bounds.Timeout)
	defer cancel()

	now := time.Now().UTC()
	const edgeDecayHalfLifeDays = 30.0

	visited := map[int64]bool{startID: true}
	discoveryEdge := make(map[int64]storage.GraphEdge)
	var resultNodes []int64
	var resultEdges []storage.GraphEdge
	var boundsReached []string

	frontier := []int64{startID}

	for hop := 0; hop < bounds.MaxHops; hop++ {
		select {
		case <-ctx.Done():
			boundsReached = append(boundsReached, "timeout")
			return &storage.GraphResult{Nodes: resultNodes, Edges: resultEdges, BoundsReached: boundsReached}, nil
		default:
		}
		if len(frontier) == 0 || len(resultNodes) >= bounds.MaxNodes {
			if len(resultNodes) >= bounds.MaxNodes {
				boundsReached = append(boundsReached, "max_nodes")
			}
			break
		}

		edges, err := loadFrontierEdges(ctx, s.db, frontier, bounds, edgeDecayHalfLifeDays, now)
		if err != nil {
			return nil, err
		}

		if bounds.IncludeEntities {
			entityEdges, err := s.entityCooccurrenceEdges(ctx, frontier)
			if err != nil {
				return nil, err
			}
			edges = append(edges, entityEdges...)
		}

		// Tie-break candidates for this hop: strength desc, confidence desc, to_id asc.
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].strength != edges[j].strength {
				return edges[i].strength > edges[j].strength
			}
			if edges[i].decayedConf != edges[j].decayedConf {
				return edges[i].decayedConf > edges[j].decayedConf
			}
			return edges[i].to < edges[j].to
		})

		var nextFrontier []int64
		perNodeCount := make(map[int64]int)

		for _, e := range edges {
			if len(resultNodes) >= bounds.MaxNodes || len(resultEdges) >= bounds.MaxEdges {
				boundsReached = append(boundsReached, "max_edges")
				break
			}
			for _, from := range frontier {
				to, ok := otherEnd(e, from)
				if !ok || visited[to] {
					continue
				}
				if perNodeCount[from] >= bounds.LimitPerHop {
					continue
				}
				perNodeCount[from]++
				visited[to] = true
				resultNodes = append(resultNodes, to)
				ge := storage.GraphEdge{From: from, To: to, RelationType: e.edgeType, Weight: e.strength}
				resultEdges = append(resultEdges, ge)
				discoveryEdge[to] = ge
				nextFrontier = append(nextFrontier, to)
			}
		}
		frontier = nextFrontier
	}

	return &storage.GraphResult{Nodes: resultNodes, Edges: resultEdges, BoundsReached: dedupStrings(boundsReached)}, nil
}

// entityCooccurrenceEdges builds virtual edges between frontier nodes and
// memories sharing at least one extracted entity, weighted by shared-entity
// count and mean confidence (spec.md §4.7 include_entities augmentation).
func (s *MemoryStore) entityCooccurrenceEdges(ctx context.Context, frontier []int64) ([]edge, error) {
	var out []edge
	for _, id := range frontier {
		rows, err := s.db.QueryContext(ctx, `
			SELECT me2.memory_id, COUNT(*) AS shared, AVG(me2.confidence)
			FROM memory_entities me1
			JOIN memory_entities me2 ON me1.entity_id = me2.entity_id
			WHERE me1.memory_id = ? AND me2.memory_id != ?
			GROUP BY me2.memory_id
		`, id, id)
		if err != nil {
			return nil, fmt.Errorf("sqlite: entity co-occurrence: %w", err)
		}
		for rows.Next() {
			var to int64
			var shared int
			var avgConf float64
			if err := rows.Scan(&to, &shared, &avgConf); err != nil {
				rows.Close()
				return nil, err
			}
			weight := math.Min(1.0, float64(shared)/3.0)
			out = append(out, edge{
				from: id, to: to, edgeType: "entity_cooccurrence",
				strength: weight, confidence: avgConf, decayedConf: avgConf, source: types.EdgeSourceUser,
			})
		}
		rows.Close()
	}
	return out, nil
}

// FindPath finds a shortest path between two memories by breadth-first
// search forward from startID only; the search is not bidirectional.
// Among paths of equal (minimal) hop length, the one with maximum product
// of edge strengths wins; remaining ties break on minimum sum of edge ids
// (spec.md §4.7).
func (s *MemoryStore) FindPath(ctx context.Context, startID, endID int64, bounds storage.GraphBounds) ([]int64, error) {
	bounds.Normalize()
	if startID == endID {
		return []int64{startID}, nil
	}

	now := time.Now().UTC()
	const edgeDecayHalfLifeDays = 30.0

	type candidate struct {
		path         []int64
		edgeIDs      []int64
		strengthProd float64
	}

	// Forward BFS layer by layer, tracking all shortest-length candidate
	// paths discovered so far to each node (fan-out is not capped by LimitPerHop).
	best := map[int64][]candidate{startID: {{path: []int64{startID}, strengthProd: 1.0}}}
	frontier := []int64{startID}
	found := false

	for hop := 0; hop < bounds.MaxHops && !found; hop++ {
		edges, err := loadFrontierEdges(ctx, s.db, frontier, bounds, edgeDecayHalfLifeDays, now)
		if err != nil {
			return nil, err
		}

		nextCandidates := make(map[int64][]candidate)
		for _, from := range frontier {
			for _, cand := range best[from] {
				for _, e := range edges {
					to, ok := otherEnd(e, from)
					if !ok {
						continue
					}
					if containsInt64(cand.path, to) {
						continue
					}
					np := append(append([]int64{}, cand.path...), to)
					ne := append(append([]int64{}, cand.edgeIDs...), e.id)
					nextCandidates[to] = append(nextCandidates[to], candidate{
						path: np, edgeIDs: ne, strengthProd: cand.strengthProd * e.strength,
					})
					if to == endID {
						found = true
					}
				}
			}
		}

		for node, cands := range nextCandidates {
			best[node] = append(best[node], cands...)
		}
		var nf []int64
		for node := range nextCandidates {
			nf = append(nf, node)
		}
		frontier = nf
	}

	cands, ok := best[endID]
	if !ok || len(cands) == 0 {
		return nil, nil
	}

	sort.Slice(cands, func(i, j int) bool {
		if len(cands[i].path) != len(cands[j].path) {
			return len(cands[i].path) < len(cands[j].path)
		}
		if cands[i].strengthProd != cands[j].strengthProd {
			return cands[i].strengthProd > cands[j].strengthProd
		}
		return sumInt64(cands[i].edgeIDs) < sumInt64(cands[j].edgeIDs)
	})

	return cands[0].path, nil
}

// GetNeighbors retrieves immediate cross-reference neighbors of a memory.
func (s *MemoryStore) GetNeighbors(ctx context.Context, memoryID int64, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	opts.Normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT CASE WHEN from_id = ? THEN to_id ELSE from_id END AS neighbor
		FROM cross_references WHERE from_id = ? OR to_id = ?
		LIMIT ? OFFSET ?
	`, memoryID, memoryID, memoryID, opts.Limit, opts.Offset())
	if err != nil {
		return nil, fmt.Errorf("sqlite: get neighbors: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan neighbor: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate neighbors: %w", err)
	}
	// Release the single connection before fetching each neighbor.
	rows.Close()

	var items []types.Memory
	for _, id := range ids {
		mem, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		items = append(items, *mem)
	}
	return &storage.PaginatedResult[types.Memory]{
		Items: items, Page: opts.Page, PageSize: opts.Limit, Total: len(items),
	}, nil
}

func containsInt64(s []int64, v int64) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func sumInt64(s []int64) int64 {
	var total int64
	for _, x := range s {
		total += x
	}
	return total
}

// buildInClause returns a comma-separated string of n "?" placeholders.
func buildInClause(n int) string {
	if n == 0 {
		return ""
	}
	clause := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			clause = append(clause, ',')
		}
		clause = append(clause, '?')
	}
	return string(clause)
}

func dedupStrings(s []string) []string {
	seen := make(map[string]bool, len(s))
	var out []string
	for _, v := range s {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
