// Package ringbuffer implements the bounded, time-windowed ordered
// transcript sequence of spec §4.1. Each EventRuntime owns exactly one
// RingBuffer; it is never shared across goroutines without the
// runtime's single-writer discipline (spec §5) — the buffer itself
// does take its own lock so that StatusEmitter's snapshot reads can
// happen concurrently with the writer.
package ringbuffer

import (
	"strings"
	"sync"

	"github.com/ocx/realtime-worker/internal/types"
)

// RingBuffer is a capacity- and window-bounded ordered sequence of
// finalized TranscriptChunks.
type RingBuffer struct {
	mu       sync.RWMutex
	capacity int
	windowMs int64
	entries  []types.TranscriptChunk
	total    int // lifetime count of add() calls, including dropped
}

// New creates a RingBuffer. capacity <= 0 defaults to 1000, windowMs <=
// 0 defaults to 5 minutes, matching spec §4.1's defaults.
func New(capacity int, windowMs int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	if windowMs <= 0 {
		windowMs = 5 * 60 * 1000
	}
	return &RingBuffer{
		capacity: capacity,
		windowMs: int64(windowMs),
		entries:  make([]types.TranscriptChunk, 0, capacity),
	}
}

// Add appends a finalized chunk, evicting from the front on overflow
// and on window expiry. Non-final chunks are ignored here and are not
// counted in Stats().Total (spec §4.1 "Non-final chunks never enter the
// buffer").
func (r *RingBuffer) Add(chunk types.TranscriptChunk) {
	if !chunk.Final {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.entries = append(r.entries, chunk)

	for len(r.entries) > r.capacity {
		r.entries = r.entries[1:]
	}
	r.evictExpiredLocked(chunk.AtMs)
}

func (r *RingBuffer) evictExpiredLocked(newestAtMs int64) {
	cutoff := newestAtMs - r.windowMs
	i := 0
	for i < len(r.entries) && r.entries[i].AtMs < cutoff {
		i++
	}
	if i > 0 {
		r.entries = r.entries[i:]
	}
}

// RecentText concatenates the text of the newest chunks, oldest-first,
// until maxChars is reached (spec §4.1 recent_text).
func (r *RingBuffer) RecentText(maxChars int) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 || maxChars <= 0 {
		return ""
	}

	var picked []string
	total := 0
	for i := len(r.entries) - 1; i >= 0; i-- {
		text := r.entries[i].Text
		if total+len(text) > maxChars {
			remaining := maxChars - total
			if remaining <= 0 {
				break
			}
			picked = append(picked, text[len(text)-remaining:])
			total = maxChars
			break
		}
		picked = append(picked, text)
		total += len(text)
	}

	// picked is newest-first; reverse to oldest-first before joining.
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return strings.Join(picked, " ")
}

// Stats returns the snapshot of spec §4.1 stats().
func (r *RingBuffer) Stats() types.RingBufferStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := types.RingBufferStats{
		Total:     r.total,
		Finalized: len(r.entries),
	}
	if len(r.entries) > 0 {
		stats.OldestSeq = r.entries[0].Seq
		stats.NewestSeq = r.entries[len(r.entries)-1].Seq
		stats.HasOldest = true
		stats.HasNewest = true
	}
	return stats
}

// Snapshot returns a defensive copy of all entries, oldest-first, for
// replay rebuilds and the bit-exact pause/resume comparison of spec §8
// property 6.
func (r *RingBuffer) Snapshot() []types.TranscriptChunk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.TranscriptChunk, len(r.entries))
	copy(out, r.entries)
	return out
}

// Restore replaces the buffer's contents wholesale — used by replay
// (spec §4.9) to rebuild state from persisted transcripts without
// re-running the window/capacity eviction logic chunk-by-chunk, since
// replay already queries within the window the orchestrator chose.
func (r *RingBuffer) Restore(chunks []types.TranscriptChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries[:0], chunks...)
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
	r.total = len(r.entries)
}

// NewestSeq returns the seq of the newest buffered chunk, or 0 if empty.
func (r *RingBuffer) NewestSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return 0
	}
	return r.entries[len(r.entries)-1].Seq
}
