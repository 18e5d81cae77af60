package types

import "time"

// Event is one row of the append-only event log (spec.md §4.11), the basis
// for delta sync.
type Event struct {
	EventID   int64                  `json:"event_id"`
	EventType string                 `json:"event_type"` // created, updated, deleted, linked, unlinked, shared, synced
	MemoryID  *int64                 `json:"memory_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	Processed bool                   `json:"processed"`
}

// AgentSyncState tracks a single agent's delta-sync cursor.
type AgentSyncState struct {
	AgentID         string    `json:"agent_id"`
	LastSyncVersion int64     `json:"last_sync_version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AgentShare is one agent-to-agent memory share (spec.md §4.11).
type AgentShare struct {
	ShareID      int64      `json:"share_id"`
	MemoryID     int64      `json:"memory_id"`
	FromAgent    string     `json:"from_agent"`
	ToAgent      string     `json:"to_agent"`
	Message      string     `json:"message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	Acknowledged bool       `json:"acknowledged"`
	AckedAt      *time.Time `json:"acked_at,omitempty"`
}

// SyncVersion is the response shape for the sync_version operation.
type SyncVersion struct {
	Version  int64  `json:"version"`
	Count    int64  `json:"count"`
	Checksum string `json:"checksum"`
}

// SyncDelta is the response shape for the sync_delta operation.
type SyncDelta struct {
	Created    []*Memory `json:"created"`
	Updated    []*Memory `json:"updated"`
	DeletedIDs []int64   `json:"deleted_ids"`
	From       int64     `json:"from"`
	To         int64     `json:"to"`
}
