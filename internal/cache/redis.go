// Package cache provides the TTL-backed glossary cache of spec §4.8
// ("glossary_cache"), adapted from the teacher's Redis adapter.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/realtime-worker/internal/types"
)

// GlossaryLoader matches eventruntime.GlossaryLoader; satisfied here so
// GlossaryCache can sit directly in front of database.GlossaryRepository.
type GlossaryLoader interface {
	Load(ctx context.Context, eventID string) ([]types.GlossaryEntry, error)
}

// GlossaryCache wraps a GlossaryLoader with a Redis-TTL cache keyed by
// event_id, grounded on the teacher's GoRedisAdapter Get/Set pattern.
// EventRuntime construction is the only caller, so one cache miss per
// event's lifetime (the first load) is the expected steady state.
type GlossaryCache struct {
	rdb    *redis.Client
	source GlossaryLoader
	ttl    time.Duration
}

// NewGlossaryCache builds a GlossaryCache. ttl <= 0 defaults to 10m.
func NewGlossaryCache(rdb *redis.Client, source GlossaryLoader, ttl time.Duration) *GlossaryCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &GlossaryCache{rdb: rdb, source: source, ttl: ttl}
}

func glossaryKey(eventID string) string { return "glossary:" + eventID }

// Load implements eventruntime.GlossaryLoader: Redis first, falling
// back to source on a miss or a Redis error (the glossary is read-only
// reference data, so staleness is the only risk of proceeding without
// cache, never incorrectness).
func (c *GlossaryCache) Load(ctx context.Context, eventID string) ([]types.GlossaryEntry, error) {
	if cached, ok := c.readCache(ctx, eventID); ok {
		return cached, nil
	}

	entries, err := c.source.Load(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("glossary cache source load: %w", err)
	}

	c.writeCache(ctx, eventID, entries)
	return entries, nil
}

func (c *GlossaryCache) readCache(ctx context.Context, eventID string) ([]types.GlossaryEntry, bool) {
	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, glossaryKey(eventID)).Bytes()
	if err != nil {
		return nil, false
	}
	var entries []types.GlossaryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

func (c *GlossaryCache) writeCache(ctx context.Context, eventID string, entries []types.GlossaryEntry) {
	if c.rdb == nil {
		return
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, glossaryKey(eventID), payload, c.ttl).Err()
}

// Invalidate drops the cached glossary for an event, used if an
// operator updates glossary terms mid-event. No-op when Redis is
// disabled, since there is nothing cached to drop.
func (c *GlossaryCache) Invalidate(ctx context.Context, eventID string) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, glossaryKey(eventID)).Err()
}
