package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// CreateCrossReference creates or strengthens a directed edge between two
// memories. An existing edge of the same (from, to, edge_type) has its
// score/confidence/strength refreshed instead of being duplicated, matching
// the UNIQUE(from_id, to_id, edge_type) constraint in the schema.
func (s *MemoryStore) CreateCrossReference(ctx context.Context, ref *types.CrossReference) (int64, error) {
	if ref == nil || ref.FromID == 0 || ref.ToID == 0 {
		return 0, fmt.Errorf("%w: from_id and to_id are required", storage.ErrInvalidInput)
	}
	if !types.IsValidEdgeType(ref.EdgeType) {
		return 0, fmt.Errorf("%w: invalid edge_type %q", storage.ErrInvalidInput, ref.EdgeType)
	}
	if ref.Source == "" {
		ref.Source = types.EdgeSourceAuto
	}
	if ref.Confidence == 0 {
		ref.Confidence = 1.0
	}
	if ref.Strength == 0 {
		ref.Strength = 1.0
	}

	now := time.Now().UTC()
	ref.CreatedAt = now
	ref.UpdatedAt = now

	metadataJSON, err := json.Marshal(ref.Metadata)
	if err != nil {
		return 0, fmt.Errorf("sqlite: marshal cross-reference metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cross_references (
			from_id, to_id, edge_type, score, confidence, strength, source, pinned,
			valid_from, valid_to, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, edge_type) DO UPDATE SET
			score = excluded.score,
			confidence = excluded.confidence,
			strength = excluded.strength,
			updated_at = excluded.updated_at
	`,
		ref.FromID, ref.ToID, ref.EdgeType, ref.Score, ref.Confidence, ref.Strength, ref.Source, ref.Pinned,
		nullableTime(ref.ValidFrom), nullableTime(ref.ValidTo), string(metadataJSON), ref.CreatedAt, ref.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: create cross reference: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM cross_references WHERE from_id = ? AND to_id = ? AND edge_type = ?",
		ref.FromID, ref.ToID, ref.EdgeType,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlite: fetch cross reference id: %w", err)
	}
	ref.ID = id
	return id, nil
}

// GetCrossReferences retrieves edges touching a memory, in either direction.
func (s *MemoryStore) GetCrossReferences(ctx context.Context, memoryID int64, opts storage.ListOptions) ([]*types.CrossReference, error) {
	opts.Normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_id, to_id, edge_type, score, confidence, strength, source, pinned,
			valid_from, valid_to, metadata, created_at, updated_at
		FROM cross_references
		WHERE from_id = ? OR to_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, memoryID, memoryID, opts.Limit, opts.Offset())
	if err != nil {
		return nil, fmt.Errorf("sqlite: get cross references: %w", err)
	}
	defer rows.Close()

	var refs []*types.CrossReference
	for rows.Next() {
		ref, err := scanCrossReference(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func scanCrossReference(row interface{ Scan(...interface{}) error }) (*types.CrossReference, error) {
	var ref types.CrossReference
	var validFrom, validTo sql.NullTime
	var metadataJSON string

	err := row.Scan(
		&ref.ID, &ref.FromID, &ref.ToID, &ref.EdgeType, &ref.Score, &ref.Confidence, &ref.Strength,
		&ref.Source, &ref.Pinned, &validFrom, &validTo, &metadataJSON, &ref.CreatedAt, &ref.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan cross reference: %w", err)
	}
	if validFrom.Valid {
		t := validFrom.Time
		ref.ValidFrom = &t
	}
	if validTo.Valid {
		t := validTo.Time
		ref.ValidTo = &t
	}
	if metadataJSON != "" {
		_ = json.Unmarshal([]byte(metadataJSON), &ref.Metadata)
	}
	return &ref, nil
}

// DeleteCrossReference removes an edge.
func (s *MemoryStore) DeleteCrossReference(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM cross_references WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlite: delete cross reference: %w", err)
	}
	return requireAffected(result)
}

// StoreEntity creates or updates an entity, upserting on (normalized_name, type).
func (s *MemoryStore) StoreEntity(ctx context.Context, entity *types.Entity) (string, error) {
	if entity == nil || entity.Name == "" || entity.Type == "" {
		return "", fmt.Errorf("%w: entity name and type are required", storage.ErrInvalidInput)
	}
	if !types.IsValidEntityType(entity.Type) {
		return "", fmt.Errorf("%w: invalid entity type %q", storage.ErrInvalidInput, entity.Type)
	}

	entity.NormalizedName = types.NormalizeTag(entity.Name)
	now := time.Now().UTC()
	if entity.ID == "" {
		entity.ID = fmt.Sprintf("ent_%s_%s", entity.Type, strings.ReplaceAll(entity.NormalizedName, " ", "_"))
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, normalized_name, type, created_at, updated_at, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(normalized_name, type) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at,
			last_seen = excluded.last_seen
	`, entity.ID, entity.Name, entity.NormalizedName, entity.Type, entity.CreatedAt, entity.UpdatedAt, now, now)
	if err != nil {
		return "", fmt.Errorf("sqlite: store entity: %w", err)
	}

	var id string
	err = s.db.QueryRowContext(ctx, "SELECT id FROM entities WHERE normalized_name = ? AND type = ?",
		entity.NormalizedName, entity.Type).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("sqlite: fetch entity id: %w", err)
	}
	return id, nil
}

// GetEntity retrieves an entity by ID.
func (s *MemoryStore) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	var e types.Entity
	var firstSeen, lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, normalized_name, type, created_at, updated_at, first_seen, last_seen
		FROM entities WHERE id = ?
	`, id).Scan(&e.ID, &e.Name, &e.NormalizedName, &e.Type, &e.CreatedAt, &e.UpdatedAt, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get entity: %w", err)
	}
	if firstSeen.Valid {
		e.FirstSeen = firstSeen.Time
	}
	if lastSeen.Valid {
		e.LastSeen = lastSeen.Time
	}
	return &e, nil
}

// LinkMemoryEntity associates a memory with an entity mention.
func (s *MemoryStore) LinkMemoryEntity(ctx context.Context, link *types.MemoryEntity) error {
	if link == nil || link.MemoryID == 0 || link.EntityID == "" {
		return fmt.Errorf("%w: memory_id and entity_id are required", storage.ErrInvalidInput)
	}
	if link.Relation == "" {
		link.Relation = "mentions"
	}
	if link.Confidence == 0 {
		link.Confidence = 1.0
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memory_entities (memory_id, entity_id, confidence, relation, char_offset_start, char_offset_end)
		VALUES (?, ?, ?, ?, ?, ?)
	`, link.MemoryID, link.EntityID, link.Confidence, link.Relation,
		nullableIntValue(link.CharOffsetStart), nullableIntValue(link.CharOffsetEnd))
	if err != nil {
		return fmt.Errorf("sqlite: link memory entity: %w", err)
	}
	return nil
}

func nullableIntValue(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

// GetMemoryEntities returns the entities mentioned in a memory.
func (s *MemoryStore) GetMemoryEntities(ctx context.Context, memoryID int64) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.normalized_name, e.type, e.created_at, e.updated_at, e.first_seen, e.last_seen
		FROM entities e
		JOIN memory_entities me ON me.entity_id = e.id
		WHERE me.memory_id = ?
	`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get memory entities: %w", err)
	}
	defer rows.Close()

	var entities []*types.Entity
	for rows.Next() {
		var e types.Entity
		var firstSeen, lastSeen sql.NullTime
		if err := rows.Scan(&e.ID, &e.Name, &e.NormalizedName, &e.Type, &e.CreatedAt, &e.UpdatedAt, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("sqlite: scan memory entity: %w", err)
		}
		if firstSeen.Valid {
			e.FirstSeen = firstSeen.Time
		}
		if lastSeen.Valid {
			e.LastSeen = lastSeen.Time
		}
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

// GetCooccurringMemories returns other memories that mention at least one of
// the same entities as memoryID, used as the `include_entities` traversal
// augmentation (spec.md §4.7).
func (s *MemoryStore) GetCooccurringMemories(ctx context.Context, memoryID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT me2.memory_id
		FROM memory_entities me1
		JOIN memory_entities me2 ON me1.entity_id = me2.entity_id
		WHERE me1.memory_id = ? AND me2.memory_id != ?
		LIMIT ?
	`, memoryID, memoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get cooccurring memories: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan cooccurring memory: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
