package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/pkg/types"
)

// emitEvent appends a row to the event log (spec.md §4.11). Failures are
// logged, not propagated: the write that triggered the event has already
// committed, and losing an event-log row is a sync-lag problem, not a
// correctness one for the foreground caller.
func (c *Core) emitEvent(ctx context.Context, eventType string, memoryID *int64, agentID string, data map[string]interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = c.ms.GetDB().ExecContext(ctx, `
		INSERT INTO events (event_type, memory_id, agent_id, data, created_at, processed)
		VALUES (?, ?, ?, ?, ?, 0)
	`, eventType, nullableID(memoryID), nullableStr(agentID), string(payload), c.now())
	if err != nil {
		log.Printf("engine: emit event %s failed: %v", eventType, err)
	}
}

// EventsPoll returns events after sinceID (or sinceTime, whichever is more
// restrictive), optionally filtered by agentID, oldest first.
func (c *Core) EventsPoll(ctx context.Context, sinceID int64, sinceTime *time.Time, agentID string, limit int) ([]*types.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := "SELECT event_id, event_type, memory_id, agent_id, data, created_at, processed FROM events WHERE event_id > ?"
	args := []interface{}{sinceID}
	if sinceTime != nil {
		query += " AND created_at >= ?"
		args = append(args, *sinceTime)
	}
	if agentID != "" {
		query += " AND (agent_id = ? OR agent_id IS NULL)"
		args = append(args, agentID)
	}
	query += " ORDER BY event_id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := c.ms.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engerr.Storage("events_poll", "query failed", err, true)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, engerr.Storage("events_poll", "scan failed", err, false)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsClear marks events up to and including uptoID as processed.
func (c *Core) EventsClear(ctx context.Context, uptoID int64) error {
	_, err := c.ms.GetDB().ExecContext(ctx, "UPDATE events SET processed = 1 WHERE event_id <= ?", uptoID)
	if err != nil {
		return engerr.Storage("events_clear", "update failed", err, true)
	}
	return nil
}

func scanEvent(row interface{ Scan(...interface{}) error }) (*types.Event, error) {
	var e types.Event
	var memoryID sql.NullInt64
	var agentID sql.NullString
	var data string
	if err := row.Scan(&e.EventID, &e.EventType, &memoryID, &agentID, &data, &e.CreatedAt, &e.Processed); err != nil {
		return nil, err
	}
	if memoryID.Valid {
		e.MemoryID = &memoryID.Int64
	}
	e.AgentID = agentID.String
	_ = json.Unmarshal([]byte(data), &e.Data)
	return &e, nil
}

// SyncVersion returns the monotone write-event count and a checksum over the
// event log, for cheap out-of-band divergence detection (spec.md §4.11).
func (c *Core) SyncVersion(ctx context.Context) (*types.SyncVersion, error) {
	var maxID, count int64
	err := c.ms.GetDB().QueryRowContext(ctx, "SELECT COALESCE(MAX(event_id), 0), COUNT(*) FROM events").Scan(&maxID, &count)
	if err != nil {
		return nil, engerr.Storage("sync_version", "query failed", err, true)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", maxID, count)))
	return &types.SyncVersion{Version: maxID, Count: count, Checksum: fmt.Sprintf("%x", sum)}, nil
}

// SyncDelta returns everything created/updated/deleted since sinceVersion,
// reconstructed from the event log joined against current memory rows
// (spec.md §4.11).
func (c *Core) SyncDelta(ctx context.Context, sinceVersion int64) (*types.SyncDelta, error) {
	rows, err := c.ms.GetDB().QueryContext(ctx, `
		SELECT event_id, event_type, memory_id FROM events
		WHERE event_id > ? AND memory_id IS NOT NULL
		ORDER BY event_id ASC
	`, sinceVersion)
	if err != nil {
		return nil, engerr.Storage("sync_delta", "query failed", err, true)
	}
	defer rows.Close()

	var maxID int64
	createdIDs := map[int64]bool{}
	updatedIDs := map[int64]bool{}
	deletedIDs := map[int64]bool{}
	for rows.Next() {
		var eventID, memoryID int64
		var eventType string
		if err := rows.Scan(&eventID, &eventType, &memoryID); err != nil {
			return nil, engerr.Storage("sync_delta", "scan failed", err, false)
		}
		if eventID > maxID {
			maxID = eventID
		}
		switch eventType {
		case types.EventCreated:
			createdIDs[memoryID] = true
		case types.EventDeleted:
			deletedIDs[memoryID] = true
			delete(createdIDs, memoryID)
			delete(updatedIDs, memoryID)
		default:
			if !createdIDs[memoryID] {
				updatedIDs[memoryID] = true
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	delta := &types.SyncDelta{From: sinceVersion, To: maxID}
	for id := range createdIDs {
		if m, err := c.store.Get(ctx, id); err == nil {
			delta.Created = append(delta.Created, m)
		}
	}
	for id := range updatedIDs {
		if m, err := c.store.Get(ctx, id); err == nil {
			delta.Updated = append(delta.Updated, m)
		}
	}
	for id := range deletedIDs {
		delta.DeletedIDs = append(delta.DeletedIDs, id)
	}
	return delta, nil
}

// SyncState returns an agent's last acknowledged sync version.
func (c *Core) SyncState(ctx context.Context, agentID string) (*types.AgentSyncState, error) {
	var s types.AgentSyncState
	err := c.ms.GetDB().QueryRowContext(ctx,
		"SELECT agent_id, last_sync_version, updated_at FROM agent_sync_state WHERE agent_id = ?", agentID,
	).Scan(&s.AgentID, &s.LastSyncVersion, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return &types.AgentSyncState{AgentID: agentID, LastSyncVersion: 0, UpdatedAt: c.now()}, nil
	}
	if err != nil {
		return nil, engerr.Storage("sync_state", "query failed", err, true)
	}
	return &s, nil
}

// SyncCleanup advances agentID's cursor to version and marks event rows at
// or below the minimum cursor across all agents as processed. Event rows are
// not deleted.
func (c *Core) SyncCleanup(ctx context.Context, agentID string, version int64) error {
	now := c.now()
	_, err := c.ms.GetDB().ExecContext(ctx, `
		INSERT INTO agent_sync_state (agent_id, last_sync_version, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET last_sync_version = excluded.last_sync_version, updated_at = excluded.updated_at
	`, agentID, version, now)
	if err != nil {
		return engerr.Storage("sync_cleanup", "upsert cursor failed", err, true)
	}

	var minVersion sql.NullInt64
	if err := c.ms.GetDB().QueryRowContext(ctx, "SELECT MIN(last_sync_version) FROM agent_sync_state").Scan(&minVersion); err != nil {
		return engerr.Storage("sync_cleanup", "min cursor query failed", err, true)
	}
	if minVersion.Valid && minVersion.Int64 > 0 {
		_, err := c.ms.GetDB().ExecContext(ctx, "UPDATE events SET processed = 1 WHERE event_id <= ?", minVersion.Int64)
		if err != nil {
			return engerr.Storage("sync_cleanup", "mark processed failed", err, true)
		}
	}
	return nil
}

// Share records an agent-to-agent memory handoff (spec.md §4.11).
func (c *Core) Share(ctx context.Context, memoryID int64, fromAgent, toAgent, message string) (*types.AgentShare, error) {
	if _, err := c.store.Get(ctx, memoryID); err != nil {
		return nil, translateStorageErr("share", err)
	}
	now := c.now()
	res, err := c.ms.GetDB().ExecContext(ctx, `
		INSERT INTO agent_shares (memory_id, from_agent, to_agent, message, created_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, 0)
	`, memoryID, fromAgent, toAgent, nullableStr(message), now)
	if err != nil {
		return nil, engerr.Storage("share", "insert failed", err, true)
	}
	id, _ := res.LastInsertId()
	c.emitEvent(ctx, types.EventShared, &memoryID, fromAgent, map[string]interface{}{"to": toAgent, "share_id": id})
	return &types.AgentShare{ShareID: id, MemoryID: memoryID, FromAgent: fromAgent, ToAgent: toAgent, Message: message, CreatedAt: now}, nil
}

// SharedPoll returns shares addressed to agentID, optionally including
// already-acknowledged ones.
func (c *Core) SharedPoll(ctx context.Context, agentID string, includeAck bool) ([]*types.AgentShare, error) {
	query := "SELECT share_id, memory_id, from_agent, to_agent, message, created_at, acknowledged, acked_at FROM agent_shares WHERE to_agent = ?"
	if !includeAck {
		query += " AND acknowledged = 0"
	}
	query += " ORDER BY created_at ASC"

	rows, err := c.ms.GetDB().QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, engerr.Storage("shared_poll", "query failed", err, true)
	}
	defer rows.Close()

	var out []*types.AgentShare
	for rows.Next() {
		var s types.AgentShare
		var message sql.NullString
		var ackedAt sql.NullTime
		if err := rows.Scan(&s.ShareID, &s.MemoryID, &s.FromAgent, &s.ToAgent, &message, &s.CreatedAt, &s.Acknowledged, &ackedAt); err != nil {
			return nil, engerr.Storage("shared_poll", "scan failed", err, false)
		}
		s.Message = message.String
		if ackedAt.Valid {
			s.AckedAt = &ackedAt.Time
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// ShareAck flips acknowledgement on a pending share.
func (c *Core) ShareAck(ctx context.Context, shareID int64, agentID string) error {
	now := c.now()
	result, err := c.ms.GetDB().ExecContext(ctx,
		"UPDATE agent_shares SET acknowledged = 1, acked_at = ? WHERE share_id = ? AND to_agent = ?",
		now, shareID, agentID)
	if err != nil {
		return engerr.Storage("share_ack", "update failed", err, true)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return engerr.NotFound("share_ack", shareID)
	}
	return nil
}

func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func contentHashOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum)
}
