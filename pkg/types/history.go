package types

import "time"

// MemoryVersion is an append-only prior content snapshot, written before
// each update (spec.md §3/§4.2).
type MemoryVersion struct {
	ID         int64                  `json:"id"`
	MemoryID   int64                  `json:"memory_id"`
	Version    int                    `json:"version"`
	Content    string                 `json:"content"`
	Tags       []string               `json:"tags,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// SalienceHistory is one salience recomputation, with its component scores
// (spec.md §4.9).
type SalienceHistory struct {
	ID         int64     `json:"id"`
	MemoryID   int64     `json:"memory_id"`
	Salience   float64   `json:"salience"`
	Recency    float64   `json:"recency"`
	Frequency  float64   `json:"frequency"`
	Importance float64   `json:"importance"`
	Feedback   float64   `json:"feedback"`
	ComputedAt time.Time `json:"computed_at"`
}

// QualityHistory is one quality recomputation, with its 5-component
// breakdown (spec.md §4.10).
type QualityHistory struct {
	ID           int64     `json:"id"`
	MemoryID     int64     `json:"memory_id"`
	Quality      float64   `json:"quality"`
	Clarity      float64   `json:"clarity"`
	Completeness float64   `json:"completeness"`
	Freshness    float64   `json:"freshness"`
	Consistency  float64   `json:"consistency"`
	SourceTrust  float64   `json:"source_trust"`
	ComputedAt   time.Time `json:"computed_at"`
}
