package types

import "time"

// Conflict kinds (spec.md §4.10).
const (
	ConflictContradiction = "contradiction"
	ConflictDuplication   = "duplication"
	ConflictStaleness     = "staleness"
)

// Conflict resolution actions (spec.md §4.10).
const (
	ResolutionKeepA         = "keep_a"
	ResolutionKeepB         = "keep_b"
	ResolutionMerge         = "merge"
	ResolutionKeepBoth      = "keep_both"
	ResolutionDeleteBoth    = "delete_both"
	ResolutionFalsePositive = "false_positive"
)

// DuplicateCandidate is a near-duplicate pair found by n-gram Jaccard
// similarity (spec.md §4.10).
type DuplicateCandidate struct {
	ID          int64     `json:"id"`
	MemoryAID   int64     `json:"memory_a_id"`
	MemoryBID   int64     `json:"memory_b_id"`
	Similarity  float64   `json:"similarity"`
	Status      string    `json:"status"` // pending, resolved
	DetectedAt  time.Time `json:"detected_at"`
}

// MemoryConflict is a contradiction/duplication/staleness pair detected
// between two memories (spec.md §4.10).
type MemoryConflict struct {
	ID         int64      `json:"id"`
	MemoryAID  int64      `json:"memory_a_id"`
	MemoryBID  int64      `json:"memory_b_id"`
	Kind       string     `json:"kind"` // contradiction, duplication, staleness
	Severity   float64    `json:"severity"`
	DetectedAt time.Time  `json:"detected_at"`

	Resolution         string     `json:"resolution,omitempty"` // keep_a, keep_b, merge, keep_both, delete_both, false_positive
	ResolverIdentity    string     `json:"resolver_identity,omitempty"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
}

// IsResolved reports whether a resolution has been recorded.
func (c *MemoryConflict) IsResolved() bool { return c.Resolution != "" }
