// Package transcriptstream adapts the transcript table's polled rows
// into the push-style channel internal/orchestrator.Subscribe expects
// (spec §6 "a push subscription yielding records"). Grounded on the
// teacher's periodic-ticker style used throughout
// internal/orchestrator's statusEmitLoop/checkpointFlushLoop.
package transcriptstream

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/realtime-worker/internal/types"
)

// Poller is the subset of database.TranscriptRepository this package
// needs, kept local so it does not import internal/database.
type Poller interface {
	PollPending(ctx context.Context, limit int) ([]types.TranscriptRecord, error)
}

// Stream polls src every interval and emits every record it finds on
// the returned channel, closing it when ctx is cancelled.
func Stream(ctx context.Context, src Poller, interval time.Duration) <-chan types.TranscriptRecord {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	out := make(chan types.TranscriptRecord, 256)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				records, err := src.PollPending(ctx, 0)
				if err != nil {
					slog.Warn("transcriptstream: poll failed", "err", err)
					continue
				}
				for _, rec := range records {
					select {
					case out <- rec:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out
}
