package types_test

import (
	"testing"
	"time"

	"github.com/engramdb/engram/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestMemory_IsPermanent(t *testing.T) {
	permanent := types.Memory{Tier: types.TierPermanent}
	daily := types.Memory{Tier: types.TierDaily}

	assert.True(t, permanent.IsPermanent())
	assert.False(t, daily.IsPermanent())
}

func TestCrossReference_DecayedConfidence_UserSourceDoesNotDecay(t *testing.T) {
	edge := types.CrossReference{
		Source:     types.EdgeSourceUser,
		Confidence: 0.9,
		CreatedAt:  time.Now().Add(-365 * 24 * time.Hour),
	}

	assert.Equal(t, 0.9, edge.DecayedConfidence(time.Now(), 30))
}

func TestCrossReference_DecayedConfidence_AutoSourceHalvesAtHalfLife(t *testing.T) {
	now := time.Now()
	edge := types.CrossReference{
		Source:     types.EdgeSourceAuto,
		Confidence: 0.8,
		CreatedAt:  now.Add(-30 * 24 * time.Hour),
	}

	got := edge.DecayedConfidence(now, 30)
	assert.InDelta(t, 0.4, got, 0.01)
}
