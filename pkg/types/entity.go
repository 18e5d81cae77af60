package types

import "time"

// Entity is a canonical named entity extracted from memories, keyed by
// (normalized_name, entity_type) (spec.md §3).
type Entity struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	Type           string    `json:"type"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	MemoryCount    int       `json:"memory_count,omitempty"`
	FirstSeen      time.Time `json:"first_seen,omitempty"`
	LastSeen       time.Time `json:"last_seen,omitempty"`
}

// MemoryEntity is a row of the memory_entities many-to-many relation: the
// association of one extracted entity mention with one memory.
type MemoryEntity struct {
	MemoryID        int64   `json:"memory_id"`
	EntityID        string  `json:"entity_id"`
	Confidence      float64 `json:"confidence"`
	Relation        string  `json:"relation"` // default "mentions"
	CharOffsetStart *int    `json:"char_offset_start,omitempty"`
	CharOffsetEnd   *int    `json:"char_offset_end,omitempty"`
}
