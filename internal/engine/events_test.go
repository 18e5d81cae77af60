package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/types"
)

func TestWritesAppendEvents(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "event source", Workspace: "ws1"})
	require.NoError(t, err)
	newContent := "event source, edited"
	_, err = c.Update(ctx, UpdateParams{ID: m.ID, Content: &newContent})
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, m.ID))

	events, err := c.EventsPoll(ctx, 0, nil, "", 100)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, types.EventCreated, events[0].EventType)
	require.Equal(t, types.EventUpdated, events[1].EventType)
	require.Equal(t, types.EventDeleted, events[2].EventType)
}

func TestEventsPollSinceIDSkipsOlder(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "first", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.Create(ctx, CreateParams{Content: "second", Workspace: "ws1"})
	require.NoError(t, err)

	all, err := c.EventsPoll(ctx, 0, nil, "", 100)
	require.NoError(t, err)
	require.Len(t, all, 2)

	later, err := c.EventsPoll(ctx, all[0].EventID, nil, "", 100)
	require.NoError(t, err)
	require.Len(t, later, 1)
	require.Equal(t, all[1].EventID, later[0].EventID)
}

// TestSyncVersionGrowsWithWrites exercises spec.md §8 scenario E's sync
// side: hard-deleting expired memories appends deleted events and bumps
// the sync version accordingly.
func TestSyncVersionGrowsWithWrites(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	clock := clockOf(t, c)

	before, err := c.SyncVersion(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Create(ctx, CreateParams{
			Content: "doomed " + string(rune('a'+i)), Tier: types.TierDaily, Workspace: "ws1",
		})
		require.NoError(t, err)
	}
	clock.Advance(48 * time.Hour)

	report, err := c.LifecycleRun(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 3, report.Expired)

	after, err := c.SyncVersion(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, after.Version-before.Version, int64(6), "3 created + 3 deleted events")
}

func TestSyncDeltaClassifiesCreatedUpdatedDeleted(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	kept, err := c.Create(ctx, CreateParams{Content: "kept memory", Workspace: "ws1"})
	require.NoError(t, err)
	edited, err := c.Create(ctx, CreateParams{Content: "edited memory", Workspace: "ws1"})
	require.NoError(t, err)
	doomed, err := c.Create(ctx, CreateParams{Content: "doomed memory", Workspace: "ws1"})
	require.NoError(t, err)

	v, err := c.SyncVersion(ctx)
	require.NoError(t, err)

	newContent := "edited memory, v2"
	_, err = c.Update(ctx, UpdateParams{ID: edited.ID, Content: &newContent})
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, doomed.ID))

	delta, err := c.SyncDelta(ctx, v.Version)
	require.NoError(t, err)
	require.Empty(t, delta.Created)
	require.Len(t, delta.Updated, 1)
	require.Equal(t, edited.ID, delta.Updated[0].ID)
	require.Equal(t, []int64{doomed.ID}, delta.DeletedIDs)
	require.Equal(t, v.Version, delta.From)
	require.Greater(t, delta.To, delta.From)
	_ = kept
}

func TestSyncDeltaCreateThenDeleteCollapses(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "ephemeral", Workspace: "ws1"})
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, m.ID))

	delta, err := c.SyncDelta(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, delta.Created, "a memory created and deleted within the window must not appear as created")
	require.Contains(t, delta.DeletedIDs, m.ID)
}

func TestSyncStateAndCleanupAdvanceCursor(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	state, err := c.SyncState(ctx, "agent-1")
	require.NoError(t, err)
	require.Zero(t, state.LastSyncVersion)

	_, err = c.Create(ctx, CreateParams{Content: "synced content", Workspace: "ws1"})
	require.NoError(t, err)
	v, err := c.SyncVersion(ctx)
	require.NoError(t, err)

	require.NoError(t, c.SyncCleanup(ctx, "agent-1", v.Version))

	state, err = c.SyncState(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, v.Version, state.LastSyncVersion)
}

func TestShareRoundTrip(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "shared fact", Workspace: "ws1"})
	require.NoError(t, err)

	share, err := c.Share(ctx, m.ID, "agent-a", "agent-b", "worth a look")
	require.NoError(t, err)

	pending, err := c.SharedPoll(ctx, "agent-b", false)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, share.ShareID, pending[0].ShareID)

	require.NoError(t, c.ShareAck(ctx, share.ShareID, "agent-b"))

	pending, err = c.SharedPoll(ctx, "agent-b", false)
	require.NoError(t, err)
	require.Empty(t, pending)

	all, err := c.SharedPoll(ctx, "agent-b", true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Acknowledged)
}

func TestShareRejectsMissingMemory(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Share(ctx, 9999, "agent-a", "agent-b", "")
	require.Error(t, err)
}
