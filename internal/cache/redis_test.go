package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/realtime-worker/internal/types"
)

type countingLoader struct {
	calls   int
	entries []types.GlossaryEntry
}

func (l *countingLoader) Load(ctx context.Context, eventID string) ([]types.GlossaryEntry, error) {
	l.calls++
	return l.entries, nil
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestGlossaryCache_MissThenHit(t *testing.T) {
	rdb := newTestRedis(t)
	source := &countingLoader{entries: []types.GlossaryEntry{{Term: "SLA", Definition: "service level agreement"}}}
	c := NewGlossaryCache(rdb, source, time.Minute)

	entries, err := c.Load(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, source.entries, entries)
	assert.Equal(t, 1, source.calls)

	entries2, err := c.Load(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, source.entries, entries2)
	assert.Equal(t, 1, source.calls, "second load should be served from cache")
}

func TestGlossaryCache_Invalidate(t *testing.T) {
	rdb := newTestRedis(t)
	source := &countingLoader{entries: []types.GlossaryEntry{{Term: "KPI"}}}
	c := NewGlossaryCache(rdb, source, time.Minute)

	_, err := c.Load(context.Background(), "evt-1")
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(context.Background(), "evt-1"))

	_, err = c.Load(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestGlossaryCache_NilRedisPassesThrough(t *testing.T) {
	source := &countingLoader{entries: []types.GlossaryEntry{{Term: "ETA"}}}
	c := NewGlossaryCache(nil, source, time.Minute)

	entries, err := c.Load(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, source.entries, entries)

	_, err = c.Load(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls, "without redis every load should hit the source")

	assert.NoError(t, c.Invalidate(context.Background(), "evt-1"))
}
