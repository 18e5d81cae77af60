package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/types"
)

func TestSessionIndexChunksWithinBounds(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	var msgs []SessionMessage
	for i := 0; i < 25; i++ {
		msgs = append(msgs, SessionMessage{Role: "user", Content: "message body text " + string(rune('a'+i))})
	}

	result, err := c.SessionIndex(ctx, SessionIndexParams{
		Workspace: "ws1", AgentID: "agent-1", Messages: msgs, Overlap: 2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionID)
	require.NotEmpty(t, result.ChunkIDs)

	got, err := c.SessionGet(ctx, result.SessionID)
	require.NoError(t, err)
	require.Equal(t, len(result.ChunkIDs), len(got.Chunks))

	for _, chunk := range got.Chunks {
		lines := strings.Count(chunk.Content, "\n") + 1
		require.LessOrEqual(t, lines, types.SessionChunkMaxMessages)
		require.LessOrEqual(t, len(chunk.Content), types.SessionChunkMaxChars+types.SessionChunkMaxMessages*len("user: "))
		require.Equal(t, types.MemoryTypeTranscriptChunk, chunk.MemoryType)
		require.Equal(t, result.SessionID, chunk.SessionID)
	}
}

func TestSessionIndexSingleOversizedMessageStillProgresses(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	huge := strings.Repeat("x", types.SessionChunkMaxChars+500)
	msgs := []SessionMessage{{Role: "user", Content: huge}, {Role: "assistant", Content: "ok"}}

	result, err := c.SessionIndex(ctx, SessionIndexParams{Workspace: "ws1", Messages: msgs})
	require.NoError(t, err)
	require.NotEmpty(t, result.ChunkIDs)
}

func TestSessionIndexDeltaReturnsOnlyNewChunks(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	first := []SessionMessage{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "hi there"}}
	r1, err := c.SessionIndex(ctx, SessionIndexParams{Workspace: "ws1", Messages: first})
	require.NoError(t, err)
	baseline := len(r1.ChunkIDs) - 1

	second := []SessionMessage{{Role: "user", Content: "follow up question"}}
	r2, err := c.SessionIndex(ctx, SessionIndexParams{
		SessionID: r1.SessionID, Workspace: "ws1", Messages: second,
	})
	require.NoError(t, err)
	require.Equal(t, r1.SessionID, r2.SessionID)

	delta, err := c.SessionIndexDelta(ctx, r1.SessionID, baseline)
	require.NoError(t, err)
	require.NotEmpty(t, delta)
}

func TestSessionDeleteRemovesSession(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	msgs := []SessionMessage{{Role: "user", Content: "hello"}}
	r, err := c.SessionIndex(ctx, SessionIndexParams{Workspace: "ws1", Messages: msgs})
	require.NoError(t, err)

	require.NoError(t, c.SessionDelete(ctx, r.SessionID, false))

	_, err = c.SessionGet(ctx, r.SessionID)
	require.Error(t, err)
}

func TestSessionListOrdersByRecency(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.SessionIndex(ctx, SessionIndexParams{Workspace: "ws1", Messages: []SessionMessage{{Role: "user", Content: "a"}}})
	require.NoError(t, err)
	_, err = c.SessionIndex(ctx, SessionIndexParams{Workspace: "ws1", Messages: []SessionMessage{{Role: "user", Content: "b"}}})
	require.NoError(t, err)

	sessions, err := c.SessionList(ctx, "ws1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}
