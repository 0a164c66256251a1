package transcriptstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/realtime-worker/internal/types"
)

type fakePoller struct {
	batches [][]types.TranscriptRecord
	calls   int
}

func (f *fakePoller) PollPending(ctx context.Context, limit int) ([]types.TranscriptRecord, error) {
	if f.calls >= len(f.batches) {
		return nil, nil
	}
	b := f.batches[f.calls]
	f.calls++
	return b, nil
}

func TestStream_EmitsPolledRecords(t *testing.T) {
	poller := &fakePoller{batches: [][]types.TranscriptRecord{
		{{EventID: "evt-1", ID: "rec-1", Text: "hello"}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := Stream(ctx, poller, 5*time.Millisecond)

	select {
	case rec := <-ch:
		assert.Equal(t, "rec-1", rec.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for polled record")
	}
}

func TestStream_ClosesOnCancel(t *testing.T) {
	poller := &fakePoller{}
	ctx, cancel := context.WithCancel(context.Background())
	ch := Stream(ctx, poller, 5*time.Millisecond)
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close after cancel")
	}
}
