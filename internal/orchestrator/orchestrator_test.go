package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/realtime-worker/internal/apperrors"
	"github.com/ocx/realtime-worker/internal/circuitbreaker"
	"github.com/ocx/realtime-worker/internal/config"
	"github.com/ocx/realtime-worker/internal/database"
	"github.com/ocx/realtime-worker/internal/eventruntime"
	"github.com/ocx/realtime-worker/internal/session"
	"github.com/ocx/realtime-worker/internal/types"
)

type fakeCheckpoints struct {
	mu   sync.Mutex
	seqs map[string]uint64
}

func newFakeCheckpoints() *fakeCheckpoints { return &fakeCheckpoints{seqs: make(map[string]uint64)} }

func (f *fakeCheckpoints) key(eventID string, at types.AgentType) string { return eventID + "/" + string(at) }

func (f *fakeCheckpoints) Get(ctx context.Context, eventID string, at types.AgentType) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seqs[f.key(eventID, at)], nil
}

func (f *fakeCheckpoints) Set(ctx context.Context, eventID string, at types.AgentType, seq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqs[f.key(eventID, at)] = seq
	return nil
}

type fakeGlossary struct{}

func (fakeGlossary) Load(ctx context.Context, eventID string) ([]types.GlossaryEntry, error) {
	return nil, nil
}

type fakeFactsPersister struct{}

func (fakeFactsPersister) PersistFacts(ctx context.Context, eventID string, facts []types.Fact) error {
	return nil
}

func (fakeFactsPersister) MarkInactive(ctx context.Context, eventID string, keys []string) error {
	return nil
}

type fakeTranscripts struct{}

func (fakeTranscripts) AssignSeq(ctx context.Context, eventID, recordID string, seq uint64) error {
	return nil
}

func (fakeTranscripts) ReplayFrom(ctx context.Context, eventID string, afterSeq uint64) ([]types.TranscriptChunk, error) {
	return nil, nil
}

type fakeSessionRecorder struct {
	mu   sync.Mutex
	rows []database.AgentSessionRow
}

func (f *fakeSessionRecorder) Upsert(ctx context.Context, rec types.SessionRecord) error {
	return nil
}

func (f *fakeSessionRecorder) ListByStatus(ctx context.Context, status string) ([]database.AgentSessionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.AgentSessionRow
	for _, r := range f.rows {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeProviderTransport struct{ events chan types.ProviderEvent }

func newFakeProviderTransport() *fakeProviderTransport {
	return &fakeProviderTransport{events: make(chan types.ProviderEvent, 16)}
}

func (f *fakeProviderTransport) Connect(ctx context.Context) (string, error) { return "psid-1", nil }
func (f *fakeProviderTransport) Send(ctx context.Context, role, content string, toolContext map[string]interface{}) error {
	f.events <- types.ProviderEvent{Kind: types.ProviderEventResponseDone, Content: content}
	return nil
}
func (f *fakeProviderTransport) Events() <-chan types.ProviderEvent { return f.events }
func (f *fakeProviderTransport) Ping(ctx context.Context) error     { return nil }
func (f *fakeProviderTransport) Close(ctx context.Context) error    { return nil }

func testSessionConfig() session.Config {
	return session.Config{
		ConnectTimeout: time.Second,
		CloseTimeout:   time.Second,
		SendDeadline:   time.Second,
		PingInterval:   time.Hour,
		MaxMissedPongs: 3,
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeSessionRecorder) {
	t.Helper()
	cfgMgr, err := config.NewManager("", "")
	require.NoError(t, err)

	factory := func(eventID string, agentType types.AgentType, model string) session.ProviderTransport {
		return newFakeProviderTransport()
	}
	sessRecorder := &fakeSessionRecorder{}
	mgr := session.NewManager(factory, sessRecorder, circuitbreaker.NewSessionBreakers(), testSessionConfig())

	o := New(Deps{
		ConfigManager:  cfgMgr,
		Checkpoints:    newFakeCheckpoints(),
		Glossary:       fakeGlossary{},
		Facts:          fakeFactsPersister{},
		Transcripts:    fakeTranscripts{},
		Sessions:       sessRecorder,
		SessionManager: mgr,
	})
	return o, sessRecorder
}

func TestStartEvent_Idempotent(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.StartEvent(ctx, "evt-1", ""))
	require.NoError(t, o.StartEvent(ctx, "evt-1", ""))

	assert.Len(t, o.RunningEvents(), 1)
}

func TestPauseEvent_RequiresRunning(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	err := o.PauseEvent(context.Background(), "missing-event")
	assert.ErrorIs(t, err, apperrors.ErrStateTransitionIllegal)
}

func TestPauseThenResume_RestoresRunning(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.StartEvent(ctx, "evt-1", ""))

	require.NoError(t, o.PauseEvent(ctx, "evt-1"))
	snap, ok := o.Snapshot("evt-1")
	require.True(t, ok)
	assert.Equal(t, types.RuntimePaused, snap.Status)

	require.NoError(t, o.ResumeEvent(ctx, "evt-1"))
	snap, ok = o.Snapshot("evt-1")
	require.True(t, ok)
	assert.Equal(t, types.RuntimeRunning, snap.Status)
}

func TestEndEvent_RemovesRuntime(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.StartEvent(ctx, "evt-1", ""))

	require.NoError(t, o.EndEvent(ctx, "evt-1"))
	assert.Empty(t, o.RunningEvents())

	err := o.EndEvent(ctx, "evt-1")
	assert.ErrorIs(t, err, apperrors.ErrStateTransitionIllegal)
}

func TestRoute_DropsForUnknownEvent(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	// No runtime registered for "ghost"; Route must not panic or block.
	o.Route(types.TranscriptRecord{EventID: "ghost", ID: "r1", Text: "hi", Final: true})
}

// registerBareHandle inserts a runtime-backed eventHandle without
// starting its ingest/session-event goroutines, so Route's queue
// effects can be asserted without racing a live consumer.
func registerBareHandle(t *testing.T, o *Orchestrator, eventID string, depth int) *eventHandle {
	t.Helper()
	rt, err := eventruntime.New(context.Background(), eventID, "agent-1", newFakeCheckpoints(), fakeGlossary{}, fakeTranscripts{}, fakeFactsPersister{}, eventruntime.Config{RingCapacity: 64, FactsMaxItems: 64})
	require.NoError(t, err)
	h := &eventHandle{runtime: rt, queue: make(chan types.TranscriptRecord, depth), seen: make(map[string]struct{})}
	o.mu.Lock()
	o.runtimes[eventID] = h
	o.mu.Unlock()
	return h
}

func TestRoute_DedupesByID(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	h := registerBareHandle(t, o, "evt-1", 4)

	o.Route(types.TranscriptRecord{EventID: "evt-1", ID: "dup-1", Text: "hello", Final: false})
	o.Route(types.TranscriptRecord{EventID: "evt-1", ID: "dup-1", Text: "hello again", Final: false})

	assert.Equal(t, 1, len(h.queue))
}

func TestRoute_DropsOldestNonFinalWhenFull(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	h := registerBareHandle(t, o, "evt-1", 1)

	o.Route(types.TranscriptRecord{EventID: "evt-1", ID: "r1", Seq: 1, Final: false})
	o.Route(types.TranscriptRecord{EventID: "evt-1", ID: "r2", Seq: 2, Final: false})

	require.Len(t, h.queue, 1)
	got := <-h.queue
	assert.Equal(t, uint64(2), got.Seq)
}

func TestRoute_NeverEvictsQueuedFinalChunk(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	h := registerBareHandle(t, o, "evt-1", 1)

	h.queue <- types.TranscriptRecord{EventID: "evt-1", ID: "final-1", Seq: 1, Final: true}

	o.Route(types.TranscriptRecord{EventID: "evt-1", ID: "r2", Seq: 2, Final: false})

	require.Len(t, h.queue, 1, "queue full of only final entries must drop the incoming non-final record, not evict")
	got := <-h.queue
	assert.True(t, got.Final)
	assert.Equal(t, "final-1", got.ID)
}

func TestRoute_EvictsNonFinalBehindAQueuedFinal(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	h := registerBareHandle(t, o, "evt-1", 2)

	h.queue <- types.TranscriptRecord{EventID: "evt-1", ID: "final-1", Seq: 1, Final: true}
	h.queue <- types.TranscriptRecord{EventID: "evt-1", ID: "r2", Seq: 2, Final: false}

	o.Route(types.TranscriptRecord{EventID: "evt-1", ID: "r3", Seq: 3, Final: false})

	require.Len(t, h.queue, 2)
	first := <-h.queue
	second := <-h.queue
	assert.True(t, first.Final)
	assert.Equal(t, "final-1", first.ID)
	assert.Equal(t, "r3", second.ID, "the non-final entry behind the final one should be evicted, not the final")
}

func TestResumeEvent_RejectsUnknownEvent(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	err := o.ResumeEvent(context.Background(), "missing-event")
	assert.ErrorIs(t, err, apperrors.ErrStateTransitionIllegal)
}

func TestRecover_ReconstructsRunningEvents(t *testing.T) {
	o, recorder := newTestOrchestrator(t)
	recorder.rows = append(recorder.rows, database.AgentSessionRow{
		EventID: "evt-recovered", AgentID: "agent-1", AgentType: string(types.AgentCards), Status: string(types.SessionActive), Model: "gpt-test",
	}, database.AgentSessionRow{
		EventID: "evt-recovered", AgentID: "agent-1", AgentType: string(types.AgentFacts), Status: string(types.SessionActive), Model: "gpt-test",
	})

	require.NoError(t, o.Recover(context.Background()))
	assert.Contains(t, o.RunningEvents(), "evt-recovered")
}

func TestShutdown_ClearsAllRuntimes(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.StartEvent(ctx, "evt-1", ""))
	require.NoError(t, o.StartEvent(ctx, "evt-2", ""))

	require.NoError(t, o.Shutdown(ctx))
	assert.Empty(t, o.RunningEvents())
}
