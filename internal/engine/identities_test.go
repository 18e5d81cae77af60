package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/types"
)

func TestIdentityCreateAndResolve(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	id, err := c.IdentityCreate(ctx, IdentityCreateParams{
		DisplayName: "Ada Lovelace",
		EntityType:  types.EntityTypePerson,
		Aliases:     []string{"Ada", "A. Lovelace"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id.CanonicalID)

	resolved, err := c.IdentityResolve(ctx, "ada")
	require.NoError(t, err)
	require.Equal(t, id.CanonicalID, resolved.CanonicalID)

	resolved, err = c.IdentityResolve(ctx, id.CanonicalID)
	require.NoError(t, err)
	require.Equal(t, id.CanonicalID, resolved.CanonicalID)

	_, err = c.IdentityResolve(ctx, "nobody-by-this-name")
	require.Error(t, err)
}

func TestIdentityAliasConflict(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	a, err := c.IdentityCreate(ctx, IdentityCreateParams{DisplayName: "Alice", EntityType: types.EntityTypePerson})
	require.NoError(t, err)
	b, err := c.IdentityCreate(ctx, IdentityCreateParams{DisplayName: "Bob", EntityType: types.EntityTypePerson})
	require.NoError(t, err)

	require.NoError(t, c.IdentityAddAlias(ctx, a.CanonicalID, "shared-alias"))

	err = c.IdentityAddAlias(ctx, b.CanonicalID, "shared-alias")
	require.Error(t, err)
}

func TestIdentityLinkAndSearchByIdentity(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	id, err := c.IdentityCreate(ctx, IdentityCreateParams{DisplayName: "Grace Hopper", EntityType: types.EntityTypePerson})
	require.NoError(t, err)

	m, err := c.Create(ctx, CreateParams{Content: "met with grace about compilers", Workspace: "ws1"})
	require.NoError(t, err)

	require.NoError(t, c.IdentityLink(ctx, m.ID, id.CanonicalID))

	results, err := c.SearchByIdentity(ctx, "Grace Hopper", "ws1", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, m.ID, results[0].ID)

	require.NoError(t, c.IdentityUnlink(ctx, m.ID, id.CanonicalID))
	results, err = c.SearchByIdentity(ctx, "Grace Hopper", "ws1", 10)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestIdentityDeleteNotFound(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	err := c.IdentityDelete(ctx, "does-not-exist")
	require.Error(t, err)
}
