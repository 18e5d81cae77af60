package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractEntitiesFindsDatesUrlsAndProperNouns(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{
		Content:   "she met with Sarah Connor on 2026-01-15 to discuss https://example.com/roadmap",
		Workspace: "ws1",
	})
	require.NoError(t, err)

	entities, err := c.ExtractEntities(ctx, m.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entities)

	var sawDate, sawURL, sawName bool
	for _, e := range entities {
		switch e.Type {
		case "datetime":
			sawDate = true
		case "reference":
			sawURL = true
		case "other":
			if e.Name == "Sarah Connor" {
				sawName = true
			}
		}
	}
	require.True(t, sawDate, "expected an extracted date")
	require.True(t, sawURL, "expected an extracted url")
	require.True(t, sawName, "expected the proper noun phrase")
}

func TestExtractEntitiesIsIdempotent(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "Grace Hopper invented the compiler", Workspace: "ws1"})
	require.NoError(t, err)

	first, err := c.ExtractEntities(ctx, m.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	_, err = c.ExtractEntities(ctx, m.ID)
	require.NoError(t, err)

	stats, err := c.EntityStatsFor(ctx, 10)
	require.NoError(t, err)
	for _, mention := range stats.TopMentioned {
		require.LessOrEqual(t, mention.MentionCount, 1, "re-running extraction must not inflate mention_count")
	}
}

func TestSearchEntities(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	m, err := c.Create(ctx, CreateParams{Content: "Alan Turing worked on Enigma", Workspace: "ws1"})
	require.NoError(t, err)
	_, err = c.ExtractEntities(ctx, m.ID)
	require.NoError(t, err)

	found, err := c.SearchEntities(ctx, "turing", "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, found)
}
