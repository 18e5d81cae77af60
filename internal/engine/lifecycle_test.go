package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/internal/embedder"
	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/pkg/types"
)

func clockOf(t *testing.T, c *Core) *embedder.DeterministicClock {
	t.Helper()
	dc, ok := c.clock.(*embedder.DeterministicClock)
	require.True(t, ok, "newTestCore must wire a DeterministicClock")
	return dc
}

// TestLifecycleRunExpiresPastDueDailyMemories exercises spec.md §8 scenario
// E: a daily-tier memory past its expires_at is purged by the sweep.
func TestLifecycleRunExpiresPastDueDailyMemories(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	clock := clockOf(t, c)

	m, err := c.Create(ctx, CreateParams{Content: "short-lived note", Tier: types.TierDaily, Workspace: "ws1"})
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)

	report, err := c.LifecycleRun(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Expired)

	_, err = c.Get(ctx, m.ID)
	require.Error(t, err)
}

func TestLifecycleRunDryRunDoesNotMutate(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	clock := clockOf(t, c)

	m, err := c.Create(ctx, CreateParams{Content: "short-lived note", Tier: types.TierDaily, Workspace: "ws1"})
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)

	report, err := c.LifecycleRun(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Expired)

	_, err = c.Get(ctx, m.ID)
	require.NoError(t, err, "dry run must not have purged the memory")
}

func TestLifecycleRunNeverExpiresPinnedMemories(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	clock := clockOf(t, c)

	m, err := c.Create(ctx, CreateParams{Content: "pinned note", Tier: types.TierDaily, Pinned: true, Workspace: "ws1"})
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)

	_, err = c.LifecycleRun(ctx, false)
	require.NoError(t, err)

	_, err = c.Get(ctx, m.ID)
	require.NoError(t, err)
}

// TestSetExpirationCannotClearDailyExpiry exercises spec.md §8 scenario C:
// clearing expires_at on a tier=daily memory is rejected as InvalidInput.
func TestSetExpirationCannotClearDailyExpiry(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "debug session", Tier: types.TierDaily, Workspace: "ws1"})
	require.NoError(t, err)

	_, err = c.SetExpiration(ctx, m.ID, nil)
	require.Error(t, err)
	require.Equal(t, engerr.KindInvalidInput, engerr.KindOf(err))

	after, err := c.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, after.ExpiresAt, "the rejected call must leave expires_at in place")
}

func TestSetExpirationOnPermanentIsNoOp(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "permanent note", Workspace: "ws1"})
	require.NoError(t, err)

	exp := fixedNow.Add(time.Hour)
	updated, err := c.SetExpiration(ctx, m.ID, &exp)
	require.NoError(t, err)
	require.Nil(t, updated.ExpiresAt, "expires_at on a permanent memory is a no-op, not an error")
}

func TestSetExpirationExtendsDailyWindow(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "extended daily note", Tier: types.TierDaily, Workspace: "ws1"})
	require.NoError(t, err)

	exp := fixedNow.Add(72 * time.Hour)
	updated, err := c.SetExpiration(ctx, m.ID, &exp)
	require.NoError(t, err)
	require.NotNil(t, updated.ExpiresAt)
	require.True(t, updated.ExpiresAt.Equal(exp))
}

// TestPromoteToPermanentClearsExpiry exercises spec.md §8 scenario C.
func TestPromoteToPermanentClearsExpiry(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "daily memory", Tier: types.TierDaily, Workspace: "ws1"})
	require.NoError(t, err)
	require.NotNil(t, m.ExpiresAt)

	promoted, err := c.PromoteToPermanent(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, types.TierPermanent, promoted.Tier)
	require.Nil(t, promoted.ExpiresAt)
}

func TestPromoteToPermanentRejectsAlreadyPermanent(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "permanent memory", Workspace: "ws1"})
	require.NoError(t, err)

	_, err = c.PromoteToPermanent(ctx, m.ID)
	require.Error(t, err)
}

func TestSetLifecycleValidatesTransition(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "a memory", Workspace: "ws1"})
	require.NoError(t, err)

	_, err = c.SetLifecycle(ctx, m.ID, types.LifecycleArchived)
	require.NoError(t, err)

	// archived -> stale is not in the allowed transition table.
	_, err = c.SetLifecycle(ctx, m.ID, types.LifecycleStale)
	require.Error(t, err)
}

func TestLifecycleStatusForCountsByState(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.Create(ctx, CreateParams{Content: "active one", Workspace: "ws1"})
	require.NoError(t, err)
	m2, err := c.Create(ctx, CreateParams{Content: "active two", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.SetLifecycle(ctx, m2.ID, types.LifecycleArchived)
	require.NoError(t, err)

	status, err := c.LifecycleStatusFor(ctx, "ws1")
	require.NoError(t, err)
	require.Equal(t, 1, status.Active)
	require.Equal(t, 1, status.Archived)
}
