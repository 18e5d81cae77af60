package types_test

import (
	"testing"

	"github.com/engramdb/engram/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestIsValidMemoryType_AllSpecTypes(t *testing.T) {
	for _, mt := range types.ValidMemoryTypes {
		assert.True(t, types.IsValidMemoryType(mt), mt)
	}
	assert.False(t, types.IsValidMemoryType("not_a_type"))
}

func TestIsValidEdgeType_AllSpecTypes(t *testing.T) {
	for _, et := range types.ValidEdgeTypes {
		assert.True(t, types.IsValidEdgeType(et), et)
	}
	assert.False(t, types.IsValidEdgeType("not_an_edge"))
}

func TestIsValidEntityType_AllSpecTypes(t *testing.T) {
	for _, et := range types.ValidEntityTypes {
		assert.True(t, types.IsValidEntityType(et), et)
	}
	assert.False(t, types.IsValidEntityType("not_an_entity"))
}

func TestNormalizeWorkspace(t *testing.T) {
	assert.Equal(t, "default", types.NormalizeWorkspace(""))
	assert.Equal(t, "default", types.NormalizeWorkspace("   "))
	assert.Equal(t, "my-project", types.NormalizeWorkspace(" My Project "))
	once := types.NormalizeWorkspace("Team_Alpha")
	assert.Equal(t, once, types.NormalizeWorkspace(once))
}

func TestIsValidWorkspace(t *testing.T) {
	assert.True(t, types.IsValidWorkspace("default"))
	assert.True(t, types.IsValidWorkspace("proj-42_x"))
	assert.False(t, types.IsValidWorkspace(""))
	assert.False(t, types.IsValidWorkspace("_leading"))
	assert.False(t, types.IsValidWorkspace("has space"))
	assert.False(t, types.IsValidWorkspace("Ümlaut"))
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, types.IsValidWorkspace(string(long)))
}

func TestNormalizeAlias_Idempotent(t *testing.T) {
	once := types.NormalizeAlias("  Bob  Smith ")
	twice := types.NormalizeAlias(once)
	assert.Equal(t, once, twice)
	assert.Equal(t, "bob smith", once)
}
