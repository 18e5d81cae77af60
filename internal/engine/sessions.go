package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// SessionMessage is one raw transcript message handed to SessionIndex.
type SessionMessage struct {
	Role    string
	Content string
}

// SessionIndexParams is the input to SessionIndex (spec.md §3 Session,
// invariant 8).
type SessionIndexParams struct {
	// SessionID identifies an existing session to append to; empty creates
	// a new one.
	SessionID string
	AgentID   string
	Workspace string
	Messages  []SessionMessage
	// Overlap is K, the number of trailing messages each new chunk repeats
	// from the previous chunk (spec.md invariant 8). Defaults to 2.
	Overlap int
}

// SessionIndexResult reports what SessionIndex produced.
type SessionIndexResult struct {
	SessionID  string
	ChunkIDs   []int64
	NewChunks  int
}

// formatChunkContent renders a slice of messages as the transcript_chunk
// memory's content, one "role: text" line per message.
func formatChunkContent(msgs []SessionMessage) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}

// splitIntoChunks groups messages into windows bounded by
// SessionChunkMaxMessages / SessionChunkMaxChars (spec.md invariant 8),
// whichever comes first, with each window after the first repeating the
// last `overlap` messages of the previous window.
func splitIntoChunks(msgs []SessionMessage, overlap int) [][]SessionMessage {
	if len(msgs) == 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}

	var chunks [][]SessionMessage
	i := 0
	for i < len(msgs) {
		var window []SessionMessage
		charCount := 0
		j := i
		for j < len(msgs) && len(window) < types.SessionChunkMaxMessages {
			candidateLen := charCount + len(msgs[j].Content)
			if len(window) > 0 && candidateLen > types.SessionChunkMaxChars {
				break
			}
			window = append(window, msgs[j])
			charCount = candidateLen
			j++
		}
		if len(window) == 0 {
			// A single message alone exceeds the char bound; take it anyway
			// so the loop always makes progress.
			window = append(window, msgs[j])
			j++
		}
		chunks = append(chunks, window)

		if j >= len(msgs) {
			break
		}
		// Next window starts `overlap` messages back from j, per invariant 8.
		i = j - overlap
		if i <= j-len(window) { // never restart at or before this window's start
			i = j
		}
		if i < 0 {
			i = 0
		}
	}
	return chunks
}

// SessionIndex chunks Messages into bounded transcript_chunk memories and
// appends them to the session (creating it if SessionID is empty).
func (c *Core) SessionIndex(ctx context.Context, p SessionIndexParams) (*SessionIndexResult, error) {
	if len(p.Messages) == 0 {
		return nil, engerr.InvalidInput("session_index", "messages must not be empty")
	}
	workspace := p.Workspace
	if workspace == "" {
		workspace = "default"
	}
	overlap := p.Overlap
	if overlap == 0 {
		overlap = 2
	}

	sessionID := p.SessionID
	now := c.now()
	if sessionID == "" {
		sessionID = uuid.New().String()
		_, err := c.ms.GetDB().ExecContext(ctx, `
			INSERT INTO sessions (id, agent_id, workspace, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, nullableStr(p.AgentID), workspace, now, now)
		if err != nil {
			return nil, engerr.Storage("session_index", "create session failed", err, false)
		}
	} else {
		if _, err := c.sessionRow(ctx, sessionID); err != nil {
			return nil, err
		}
		_, err := c.ms.GetDB().ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE id = ?", now, sessionID)
		if err != nil {
			return nil, engerr.Storage("session_index", "touch session failed", err, false)
		}
	}

	nextIndex, err := c.nextChunkIndex(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	chunks := splitIntoChunks(p.Messages, overlap)
	result := &SessionIndexResult{SessionID: sessionID}
	for _, chunkMsgs := range chunks {
		content := formatChunkContent(chunkMsgs)
		m, err := c.Create(ctx, CreateParams{
			Content: content, MemoryType: types.MemoryTypeTranscriptChunk,
			Workspace: workspace, ScopeKind: types.ScopeSession, ScopeID: sessionID,
			SessionID: sessionID, DedupMode: types.DedupSkip,
		})
		if err != nil {
			return result, err
		}
		_, err = c.ms.GetDB().ExecContext(ctx, `
			INSERT INTO session_chunks (session_id, memory_id, chunk_index, overlap_size)
			VALUES (?, ?, ?, ?)
		`, sessionID, m.ID, nextIndex, overlap)
		if err != nil {
			return result, engerr.Storage("session_index", "insert chunk row failed", err, false)
		}
		result.ChunkIDs = append(result.ChunkIDs, m.ID)
		result.NewChunks++
		nextIndex++
	}
	return result, nil
}

func (c *Core) nextChunkIndex(ctx context.Context, sessionID string) (int, error) {
	var maxIdx sql.NullInt64
	err := c.ms.GetDB().QueryRowContext(ctx,
		"SELECT MAX(chunk_index) FROM session_chunks WHERE session_id = ?", sessionID,
	).Scan(&maxIdx)
	if err != nil {
		return 0, engerr.Storage("session_index", "chunk index query failed", err, true)
	}
	if !maxIdx.Valid {
		return 0, nil
	}
	return int(maxIdx.Int64) + 1, nil
}

func (c *Core) sessionRow(ctx context.Context, sessionID string) (*types.Session, error) {
	var s types.Session
	var agentID sql.NullString
	err := c.ms.GetDB().QueryRowContext(ctx,
		"SELECT id, agent_id, workspace, created_at, updated_at FROM sessions WHERE id = ?", sessionID,
	).Scan(&s.ID, &agentID, &s.Workspace, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf("session_get", "session %q not found", sessionID)
	}
	if err != nil {
		return nil, engerr.Storage("session_get", "query failed", err, true)
	}
	s.AgentID = agentID.String
	return &s, nil
}

// SessionGetResult bundles a session with its ordered chunk memories.
type SessionGetResult struct {
	Session *types.Session
	Chunks  []*types.Memory
}

// SessionGet returns a session and its ordered chunk memories.
func (c *Core) SessionGet(ctx context.Context, sessionID string) (*SessionGetResult, error) {
	s, err := c.sessionRow(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := c.ms.GetDB().QueryContext(ctx,
		"SELECT memory_id FROM session_chunks WHERE session_id = ? ORDER BY chunk_index ASC", sessionID)
	if err != nil {
		return nil, engerr.Storage("session_get", "chunk query failed", err, true)
	}
	defer rows.Close()

	var memIDs []int64
	for rows.Next() {
		var memID int64
		if err := rows.Scan(&memID); err != nil {
			return nil, engerr.Storage("session_get", "scan failed", err, false)
		}
		memIDs = append(memIDs, memID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Release the store's single connection before fetching each chunk.
	rows.Close()

	var chunks []*types.Memory
	for _, memID := range memIDs {
		m, err := c.store.Get(ctx, memID)
		if err != nil {
			continue
		}
		chunks = append(chunks, m)
	}
	return &SessionGetResult{Session: s, Chunks: chunks}, nil
}

// SessionIndexDelta returns chunks added since sinceChunkIndex, for
// incremental re-sync of a long-running session.
func (c *Core) SessionIndexDelta(ctx context.Context, sessionID string, sinceChunkIndex int) ([]*types.Memory, error) {
	if _, err := c.sessionRow(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := c.ms.GetDB().QueryContext(ctx, `
		SELECT memory_id FROM session_chunks
		WHERE session_id = ? AND chunk_index > ?
		ORDER BY chunk_index ASC
	`, sessionID, sinceChunkIndex)
	if err != nil {
		return nil, engerr.Storage("session_index_delta", "query failed", err, true)
	}
	defer rows.Close()

	var memIDs []int64
	for rows.Next() {
		var memID int64
		if err := rows.Scan(&memID); err != nil {
			return nil, engerr.Storage("session_index_delta", "scan failed", err, false)
		}
		memIDs = append(memIDs, memID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Release the store's single connection before fetching each chunk.
	rows.Close()

	var out []*types.Memory
	for _, memID := range memIDs {
		m, err := c.store.Get(ctx, memID)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// SessionList returns sessions in a workspace, most recently updated first.
func (c *Core) SessionList(ctx context.Context, workspace string, limit int) ([]*types.Session, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := c.ms.GetDB().QueryContext(ctx, `
		SELECT id, agent_id, workspace, created_at, updated_at FROM sessions
		WHERE workspace = ?
		ORDER BY updated_at DESC LIMIT ?
	`, workspace, limit)
	if err != nil {
		return nil, engerr.Storage("session_list", "query failed", err, true)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		var s types.Session
		var agentID sql.NullString
		if err := rows.Scan(&s.ID, &agentID, &s.Workspace, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, engerr.Storage("session_list", "scan failed", err, false)
		}
		s.AgentID = agentID.String
		out = append(out, &s)
	}
	return out, rows.Err()
}

// SessionSearch restricts search to a single session's chunks: vector search
// for queries auto-selected as semantic, lexical search otherwise (spec.md §6
// `session_search`).
func (c *Core) SessionSearch(ctx context.Context, sessionID, query string, limit int) ([]storage.ScoredMemory, error) {
	if _, err := c.sessionRow(ctx, sessionID); err != nil {
		return nil, err
	}
	// Session search targets the session's own transcript chunks, which the
	// default search exclusions would otherwise hide.
	opts := storage.SearchOptions{
		Query: query, Limit: limit, IncludeChunks: true,
		Filter: storage.Cond("session_id", storage.OpEq, sessionID),
	}
	opts.Normalize()
	strategy := chooseStrategy(query)
	var results []storage.ScoredMemory
	var err error
	switch strategy {
	case StrategySemantic:
		vec, _ := c.embedQuery(ctx, query)
		results, err = c.search.VectorSearch(ctx, vec, opts)
	default:
		results, err = c.search.LexicalSearch(ctx, opts)
	}
	if err != nil {
		return nil, engerr.Storage("session_search", "search failed", err, true)
	}
	var out []storage.ScoredMemory
	for _, r := range results {
		if r.Memory.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// SessionDelete removes a session and its chunk/membership rows. When
// purgeMemories is set, the underlying transcript_chunk memories are hard
// deleted too; otherwise they are kept, and their session_id column still
// holds the deleted session's id.
func (c *Core) SessionDelete(ctx context.Context, sessionID string, purgeMemories bool) error {
	if _, err := c.sessionRow(ctx, sessionID); err != nil {
		return err
	}
	if purgeMemories {
		rows, err := c.ms.GetDB().QueryContext(ctx,
			"SELECT memory_id FROM session_chunks WHERE session_id = ?", sessionID)
		if err != nil {
			return engerr.Storage("session_delete", "chunk query failed", err, true)
		}
		var memIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err == nil {
				memIDs = append(memIDs, id)
			}
		}
		rows.Close()
		for _, id := range memIDs {
			_ = c.Purge(ctx, id)
		}
	}
	_, err := c.ms.GetDB().ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return engerr.Storage("session_delete", "delete failed", err, false)
	}
	return nil
}
