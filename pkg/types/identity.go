package types

import "time"

// Identity is a canonical, aliased entity across memories (spec.md §3),
// distinct from Entity: an Identity groups multiple surface-form aliases
// (e.g. "Bob", "Robert Smith", "@bsmith") under one canonical_id.
type Identity struct {
	CanonicalID string    `json:"canonical_id"`
	DisplayName string    `json:"display_name"`
	EntityType  string    `json:"entity_type"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IdentityAlias maps one normalized alias string to exactly one canonical_id.
type IdentityAlias struct {
	Alias           string `json:"alias"`
	NormalizedAlias string `json:"normalized_alias"`
	CanonicalID     string `json:"canonical_id"`
}

// MemoryIdentityLink associates a memory with a canonical identity it
// references.
type MemoryIdentityLink struct {
	MemoryID    int64  `json:"memory_id"`
	CanonicalID string `json:"canonical_id"`
}

// NormalizeAlias lowercases and trims an alias string. Idempotent:
// NormalizeAlias(NormalizeAlias(x)) == NormalizeAlias(x) (spec.md invariant 4).
func NormalizeAlias(alias string) string {
	return normalizeToken(alias)
}
