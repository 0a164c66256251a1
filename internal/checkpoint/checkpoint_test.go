package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/realtime-worker/internal/types"
)

func TestGet_ReturnsZeroWhenAbsent(t *testing.T) {
	s := NewInMemory()
	seq, err := s.Get(context.Background(), "evt-1", types.AgentCards)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
}

func TestSet_ThenGet_RoundTrips(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "evt-1", types.AgentCards, 5))

	seq, err := s.Get(ctx, "evt-1", types.AgentCards)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)
}

func TestSet_NeverRegresses(t *testing.T) {
	// spec §5: a checkpoint write for seq=N must not land before one
	// for seq=M<N -- here simulated as a stale write arriving after a
	// newer one, which must be a no-op.
	s := NewInMemory()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "evt-1", types.AgentFacts, 10))
	require.NoError(t, s.Set(ctx, "evt-1", types.AgentFacts, 3))

	seq, err := s.Get(ctx, "evt-1", types.AgentFacts)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), seq)
}

func TestSet_IdempotentForSameSeq(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "evt-1", types.AgentCards, 7))
	require.NoError(t, s.Set(ctx, "evt-1", types.AgentCards, 7))

	seq, err := s.Get(ctx, "evt-1", types.AgentCards)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)
}

func TestCheckpoints_AreIndependentPerAgentType(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "evt-1", types.AgentCards, 4))
	require.NoError(t, s.Set(ctx, "evt-1", types.AgentFacts, 9))

	cardsSeq, err := s.Get(ctx, "evt-1", types.AgentCards)
	require.NoError(t, err)
	factsSeq, err := s.Get(ctx, "evt-1", types.AgentFacts)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), cardsSeq)
	assert.Equal(t, uint64(9), factsSeq)
}

func TestCheckpoints_AreIndependentPerEvent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "evt-1", types.AgentCards, 4))
	require.NoError(t, s.Set(ctx, "evt-2", types.AgentCards, 99))

	evt1Seq, err := s.Get(ctx, "evt-1", types.AgentCards)
	require.NoError(t, err)
	evt2Seq, err := s.Get(ctx, "evt-2", types.AgentCards)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), evt1Seq)
	assert.Equal(t, uint64(99), evt2Seq)
}

func TestLoadRunning_NoBackingDB_ReturnsEmptyMaps(t *testing.T) {
	s := NewInMemory()
	out, err := s.LoadRunning(context.Background(), []string{"evt-1", "evt-2"})
	require.NoError(t, err)
	assert.Contains(t, out, "evt-1")
	assert.Contains(t, out, "evt-2")
	assert.Empty(t, out["evt-1"])
}

func TestLoadRunning_EmptyEventIDs_ReturnsEmptyMap(t *testing.T) {
	s := NewInMemory()
	out, err := s.LoadRunning(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestClose_WithNoBackingDB_IsNoop(t *testing.T) {
	s := NewInMemory()
	assert.NoError(t, s.Close())
}

func TestProperty_CheckpointNeverDecreases(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	seqs := []uint64{1, 5, 3, 8, 2, 10, 7}
	var maxSeen uint64
	for _, seq := range seqs {
		require.NoError(t, s.Set(ctx, "evt-1", types.AgentCards, seq))
		got, err := s.Get(ctx, "evt-1", types.AgentCards)
		require.NoError(t, err)
		if seq > maxSeen {
			maxSeen = seq
		}
		assert.Equal(t, maxSeen, got)
		assert.GreaterOrEqual(t, got, maxSeen)
	}
}
