package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/pkg/types"
)

// IdentityCreateParams is the input to IdentityCreate (spec.md §3/§6).
type IdentityCreateParams struct {
	DisplayName string
	EntityType  string
	Description string
	Aliases     []string
}

// IdentityCreate inserts a canonical identity plus its initial aliases, all
// normalized through NormalizeAlias so the uniqueness invariant (spec.md
// invariant 5: an alias resolves to at most one canonical_id) is enforced
// the same way add_alias enforces it later.
func (c *Core) IdentityCreate(ctx context.Context, p IdentityCreateParams) (*types.Identity, error) {
	if strings.TrimSpace(p.DisplayName) == "" {
		return nil, engerr.InvalidInput("identity_create", "display_name must not be empty")
	}
	if !types.IsValidEntityType(p.EntityType) {
		return nil, engerr.InvalidInput("identity_create", "invalid entity_type")
	}

	now := c.now()
	id := &types.Identity{
		CanonicalID: uuid.New().String(),
		DisplayName: strings.TrimSpace(p.DisplayName),
		EntityType:  p.EntityType,
		Description: p.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := c.ms.GetDB().ExecContext(ctx, `
		INSERT INTO identities (canonical_id, display_name, entity_type, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.CanonicalID, id.DisplayName, id.EntityType, nullableStr(id.Description), id.CreatedAt, id.UpdatedAt)
	if err != nil {
		return nil, engerr.Storage("identity_create", "insert failed", err, false)
	}

	for _, alias := range append([]string{p.DisplayName}, p.Aliases...) {
		if err := c.identityAddAliasTx(ctx, id.CanonicalID, alias); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// IdentityGet retrieves a canonical identity by id.
func (c *Core) IdentityGet(ctx context.Context, canonicalID string) (*types.Identity, error) {
	return c.scanIdentity(ctx, canonicalID)
}

func (c *Core) scanIdentity(ctx context.Context, canonicalID string) (*types.Identity, error) {
	var id types.Identity
	var desc sql.NullString
	err := c.ms.GetDB().QueryRowContext(ctx, `
		SELECT canonical_id, display_name, entity_type, description, created_at, updated_at
		FROM identities WHERE canonical_id = ?
	`, canonicalID).Scan(&id.CanonicalID, &id.DisplayName, &id.EntityType, &desc, &id.CreatedAt, &id.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf("identity_get", "identity %q not found", canonicalID)
	}
	if err != nil {
		return nil, engerr.Storage("identity_get", "query failed", err, true)
	}
	id.Description = desc.String
	return &id, nil
}

// IdentityUpdate modifies the mutable fields of a canonical identity.
func (c *Core) IdentityUpdate(ctx context.Context, canonicalID string, displayName, description *string) (*types.Identity, error) {
	id, err := c.scanIdentity(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	if displayName != nil {
		if strings.TrimSpace(*displayName) == "" {
			return nil, engerr.InvalidInput("identity_update", "display_name must not be empty")
		}
		id.DisplayName = strings.TrimSpace(*displayName)
	}
	if description != nil {
		id.Description = *description
	}
	id.UpdatedAt = c.now()

	_, err = c.ms.GetDB().ExecContext(ctx, `
		UPDATE identities SET display_name = ?, description = ?, updated_at = ? WHERE canonical_id = ?
	`, id.DisplayName, nullableStr(id.Description), id.UpdatedAt, id.CanonicalID)
	if err != nil {
		return nil, engerr.Storage("identity_update", "update failed", err, false)
	}
	return id, nil
}

// IdentityDelete removes a canonical identity, its aliases, and its memory
// links (cascading via the schema's ON DELETE CASCADE).
func (c *Core) IdentityDelete(ctx context.Context, canonicalID string) error {
	result, err := c.ms.GetDB().ExecContext(ctx, "DELETE FROM identities WHERE canonical_id = ?", canonicalID)
	if err != nil {
		return engerr.Storage("identity_delete", "delete failed", err, false)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return engerr.NotFoundf("identity_delete", "identity %q not found", canonicalID)
	}
	return nil
}

// IdentityAddAlias binds a new alias to a canonical identity. Fails with
// Conflict if the normalized alias is already bound to a different
// canonical_id (spec.md invariant 5, error taxonomy §7 "alias conflict").
func (c *Core) IdentityAddAlias(ctx context.Context, canonicalID, alias string) error {
	if _, err := c.scanIdentity(ctx, canonicalID); err != nil {
		return err
	}
	return c.identityAddAliasTx(ctx, canonicalID, alias)
}

func (c *Core) identityAddAliasTx(ctx context.Context, canonicalID, alias string) error {
	normalized := types.NormalizeAlias(alias)
	if normalized == "" {
		return engerr.InvalidInput("identity_add_alias", "alias must not be empty")
	}

	var existing string
	err := c.ms.GetDB().QueryRowContext(ctx,
		"SELECT canonical_id FROM identity_aliases WHERE normalized_alias = ?", normalized,
	).Scan(&existing)
	if err == nil && existing != canonicalID {
		return engerr.Conflict("identity_add_alias", "alias already bound to another canonical_id")
	}
	if err != nil && err != sql.ErrNoRows {
		return engerr.Storage("identity_add_alias", "lookup failed", err, true)
	}

	_, err = c.ms.GetDB().ExecContext(ctx, `
		INSERT INTO identity_aliases (normalized_alias, alias, canonical_id)
		VALUES (?, ?, ?)
		ON CONFLICT(normalized_alias) DO UPDATE SET alias = excluded.alias
	`, normalized, alias, canonicalID)
	if err != nil {
		return engerr.Storage("identity_add_alias", "insert failed", err, false)
	}
	return nil
}

// IdentityRemoveAlias unbinds an alias. Removing the last alias leaves the
// identity resolvable only by its canonical_id or display name lookup.
func (c *Core) IdentityRemoveAlias(ctx context.Context, canonicalID, alias string) error {
	normalized := types.NormalizeAlias(alias)
	result, err := c.ms.GetDB().ExecContext(ctx,
		"DELETE FROM identity_aliases WHERE normalized_alias = ? AND canonical_id = ?", normalized, canonicalID)
	if err != nil {
		return engerr.Storage("identity_remove_alias", "delete failed", err, false)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return engerr.NotFoundf("identity_remove_alias", "alias %q not bound to identity %q", alias, canonicalID)
	}
	return nil
}

// IdentityResolve maps an alias (or a bare canonical_id) to its canonical
// identity. Normalization is idempotent (spec.md invariant 4): resolving an
// already-normalized string returns the same result.
func (c *Core) IdentityResolve(ctx context.Context, aliasOrID string) (*types.Identity, error) {
	if id, err := c.scanIdentity(ctx, aliasOrID); err == nil {
		return id, nil
	}

	normalized := types.NormalizeAlias(aliasOrID)
	var canonicalID string
	err := c.ms.GetDB().QueryRowContext(ctx,
		"SELECT canonical_id FROM identity_aliases WHERE normalized_alias = ?", normalized,
	).Scan(&canonicalID)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf("identity_resolve", "no identity resolves from %q", aliasOrID)
	}
	if err != nil {
		return nil, engerr.Storage("identity_resolve", "query failed", err, true)
	}
	return c.scanIdentity(ctx, canonicalID)
}

// IdentityList returns every canonical identity, optionally filtered by
// entity_type.
func (c *Core) IdentityList(ctx context.Context, entityType string, limit int) ([]*types.Identity, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := "SELECT canonical_id, display_name, entity_type, description, created_at, updated_at FROM identities"
	args := []interface{}{}
	if entityType != "" {
		query += " WHERE entity_type = ?"
		args = append(args, entityType)
	}
	query += " ORDER BY display_name ASC LIMIT ?"
	args = append(args, limit)

	rows, err := c.ms.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engerr.Storage("identity_list", "query failed", err, true)
	}
	defer rows.Close()

	var out []*types.Identity
	for rows.Next() {
		var id types.Identity
		var desc sql.NullString
		if err := rows.Scan(&id.CanonicalID, &id.DisplayName, &id.EntityType, &desc, &id.CreatedAt, &id.UpdatedAt); err != nil {
			return nil, engerr.Storage("identity_list", "scan failed", err, false)
		}
		id.Description = desc.String
		out = append(out, &id)
	}
	return out, rows.Err()
}

// IdentitySearch does a LIKE-based search of display names and aliases.
func (c *Core) IdentitySearch(ctx context.Context, query string, limit int) ([]*types.Identity, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	like := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := c.ms.GetDB().QueryContext(ctx, `
		SELECT DISTINCT i.canonical_id, i.display_name, i.entity_type, i.description, i.created_at, i.updated_at
		FROM identities i
		LEFT JOIN identity_aliases a ON a.canonical_id = i.canonical_id
		WHERE LOWER(i.display_name) LIKE ? OR a.normalized_alias LIKE ?
		LIMIT ?
	`, like, like, limit)
	if err != nil {
		return nil, engerr.Storage("identity_search", "query failed", err, true)
	}
	defer rows.Close()

	var out []*types.Identity
	for rows.Next() {
		var id types.Identity
		var desc sql.NullString
		if err := rows.Scan(&id.CanonicalID, &id.DisplayName, &id.EntityType, &desc, &id.CreatedAt, &id.UpdatedAt); err != nil {
			return nil, engerr.Storage("identity_search", "scan failed", err, false)
		}
		id.Description = desc.String
		out = append(out, &id)
	}
	return out, rows.Err()
}

// IdentityLink associates a memory with a canonical identity it references.
func (c *Core) IdentityLink(ctx context.Context, memoryID int64, canonicalID string) error {
	if _, err := c.store.Get(ctx, memoryID); err != nil {
		return translateStorageErr("identity_link", err)
	}
	if _, err := c.scanIdentity(ctx, canonicalID); err != nil {
		return err
	}
	_, err := c.ms.GetDB().ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_identity_links (memory_id, canonical_id) VALUES (?, ?)
	`, memoryID, canonicalID)
	if err != nil {
		return engerr.Storage("identity_link", "insert failed", err, false)
	}
	return nil
}

// IdentityUnlink removes a memory-identity association.
func (c *Core) IdentityUnlink(ctx context.Context, memoryID int64, canonicalID string) error {
	_, err := c.ms.GetDB().ExecContext(ctx,
		"DELETE FROM memory_identity_links WHERE memory_id = ? AND canonical_id = ?", memoryID, canonicalID)
	if err != nil {
		return engerr.Storage("identity_unlink", "delete failed", err, false)
	}
	return nil
}

// identityMemoryIDs lists the memories linked to a canonical identity.
func (c *Core) identityMemoryIDs(ctx context.Context, canonicalID string) ([]int64, error) {
	rows, err := c.ms.GetDB().QueryContext(ctx,
		"SELECT memory_id FROM memory_identity_links WHERE canonical_id = ?", canonicalID)
	if err != nil {
		return nil, engerr.Storage("identity_memories", "query failed", err, true)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SearchByIdentity resolves aliasOrID to a canonical identity and returns
// the memories linked to it (spec.md §9 Open Question: implemented
// alias-aware — resolve then search on the canonical id, not a raw LIKE
// scan over content/tags).
func (c *Core) SearchByIdentity(ctx context.Context, aliasOrID, workspace string, limit int) ([]*types.Memory, error) {
	id, err := c.IdentityResolve(ctx, aliasOrID)
	if err != nil {
		return nil, err
	}
	ids, err := c.identityMemoryIDs(ctx, id.CanonicalID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var out []*types.Memory
	for _, memID := range ids {
		if len(out) >= limit {
			break
		}
		m, err := c.store.Get(ctx, memID)
		if err != nil {
			continue
		}
		if workspace != "" && m.Workspace != workspace {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
