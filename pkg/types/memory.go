package types

import "time"

// Memory is the root entity of the store (spec.md §3). Identifiers are
// monotonically increasing 64-bit integers, assigned by an IdGen.
type Memory struct {
	ID int64 `json:"id"`

	Content     string  `json:"content"`
	MemoryType  string  `json:"memory_type"`
	Importance  float64 `json:"importance"`
	QualityScore   float64 `json:"quality_score"`
	SalienceScore  float64 `json:"salience_score"`

	ScopeKind string `json:"scope_kind"` // global, user, session, agent
	ScopeID   string `json:"scope_id,omitempty"`
	Workspace string `json:"workspace"`

	Tier           string     `json:"tier"` // permanent, daily
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LifecycleState string     `json:"lifecycle_state"` // active, stale, archived
	ValidationStatus string   `json:"validation_status"` // unverified, verified, disputed, stale

	Version int  `json:"version"`
	Deleted bool `json:"deleted"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int        `json:"access_count"`

	ContentHash string `json:"content_hash"`

	// Episodic / procedural / summary fields.
	EventTime             *time.Time `json:"event_time,omitempty"`
	EventDurationSeconds  *int64     `json:"event_duration_seconds,omitempty"`
	TriggerPattern        string     `json:"trigger_pattern,omitempty"`
	ProcedureSuccessCount int        `json:"procedure_success_count"`
	ProcedureFailureCount int        `json:"procedure_failure_count"`
	SummaryOfID           *int64     `json:"summary_of_id,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// Provenance, used by rerank's source_trust/seed_multiplier (spec.md §9).
	Origin string `json:"origin,omitempty"` // organic, seed
	Pinned bool   `json:"pinned"`

	// SessionID links a transcript_chunk memory back to its session.
	SessionID string `json:"session_id,omitempty"`
}

// IsPermanent reports whether m's tier never expires.
func (m *Memory) IsPermanent() bool { return m.Tier == TierPermanent }

// validLifecycleTransitions enumerates the allowed lifecycle_state moves
// (spec.md §3/GLOSSARY): active memories go stale with disuse, stale ones
// may be archived or revived, and archived ones may only be revived.
var validLifecycleTransitions = map[string]map[string]bool{
	LifecycleActive:   {LifecycleStale: true, LifecycleArchived: true},
	LifecycleStale:    {LifecycleActive: true, LifecycleArchived: true},
	LifecycleArchived: {LifecycleActive: true},
}

// IsValidLifecycleState reports whether s is one of the three lifecycle
// states.
func IsValidLifecycleState(s string) bool {
	return s == LifecycleActive || s == LifecycleStale || s == LifecycleArchived
}

// IsValidLifecycleTransition reports whether a memory may move from `from`
// to `to`. A memory may always transition to its own current state (no-op).
func IsValidLifecycleTransition(from, to string) bool {
	if from == to {
		return true
	}
	return validLifecycleTransitions[from][to]
}

// Tier constants.
const (
	TierPermanent = "permanent"
	TierDaily     = "daily"
)

// Lifecycle state constants (independent of Tier; spec.md §3/GLOSSARY).
const (
	LifecycleActive   = "active"
	LifecycleStale    = "stale"
	LifecycleArchived = "archived"
)

// Validation status constants.
const (
	ValidationUnverified = "unverified"
	ValidationVerified   = "verified"
	ValidationDisputed   = "disputed"
	ValidationStale      = "stale"
)

// Scope kind constants.
const (
	ScopeGlobal  = "global"
	ScopeUser    = "user"
	ScopeSession = "session"
	ScopeAgent   = "agent"
)

// Dedup mode constants (create-time behavior, spec.md §4.2).
const (
	DedupAllow  = "allow"
	DedupReject = "reject"
	DedupMerge  = "merge"
	DedupSkip   = "skip"
)

// Origin constants for seeded memories (spec.md §9).
const (
	OriginOrganic = "organic"
	OriginSeed    = "seed"
)
