// Package orchestrator implements the process-wide Orchestrator of spec
// §4.9: transcript-stream routing, the start/pause/resume/end API,
// startup recovery, and the periodic status/summary/checkpoint tasks.
// Grounded on the teacher's circuitbreaker.Manager registry-of-handles
// shape, generalized from circuit breakers to EventRuntimes.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/realtime-worker/internal/apperrors"
	"github.com/ocx/realtime-worker/internal/config"
	"github.com/ocx/realtime-worker/internal/database"
	"github.com/ocx/realtime-worker/internal/events"
	"github.com/ocx/realtime-worker/internal/eventruntime"
	"github.com/ocx/realtime-worker/internal/session"
	"github.com/ocx/realtime-worker/internal/telemetry"
	"github.com/ocx/realtime-worker/internal/types"
)

// TranscriptStore is what Orchestrator needs from the transcript
// repository: seq assignment (delegated into each EventRuntime) plus
// the replay read path recovery uses directly.
type TranscriptStore interface {
	eventruntime.SeqAssigner
	ReplayFrom(ctx context.Context, eventID string, afterSeq uint64) ([]types.TranscriptChunk, error)
}

// SessionRecorder is the subset of database.SessionRepository recovery
// needs to discover which events were running before a restart.
type SessionRecorder interface {
	session.RecordRepository
	ListByStatus(ctx context.Context, status string) ([]database.AgentSessionRow, error)
}

// AgentRecorder is the subset of database.AgentRepository start_event
// needs to persist the (event, agent_type) identity row.
type AgentRecorder interface {
	Upsert(ctx context.Context, row database.AgentRow) error
}

// OutputRecorder is the subset of database.AgentOutputRepository the
// session event loop needs for the agent_outputs audit trail.
type OutputRecorder interface {
	Record(ctx context.Context, eventID string, agentType types.AgentType, seq uint64, payload string) error
}

// eventHandle is everything Orchestrator tracks per active event.
type eventHandle struct {
	runtime *eventruntime.EventRuntime
	queue   chan types.TranscriptRecord
	cancel  context.CancelFunc

	seenMu sync.Mutex
	seen   map[string]struct{}

	cardsModel string
	factsModel string
}

// Orchestrator is the process-wide singleton of spec §4.9.
type Orchestrator struct {
	cfgMgr      *config.Manager
	checkpoints eventruntime.CheckpointStore
	glossary    eventruntime.GlossaryLoader
	facts       eventruntime.FactsPersister
	transcripts TranscriptStore
	sessionRepo SessionRecorder
	agentRepo   AgentRecorder
	outputRepo  OutputRecorder
	sessions    *session.Manager
	emitter     events.EventEmitter
	metrics     *telemetry.Metrics
	cfg         Config

	mu       sync.RWMutex
	runtimes map[string]*eventHandle

	unsubscribe func()
	wg          sync.WaitGroup
	stopPeriodic context.CancelFunc
}

// Deps bundles Orchestrator's collaborators, assembled at composition
// time in cmd/worker/main.go.
type Deps struct {
	ConfigManager   *config.Manager
	Checkpoints     eventruntime.CheckpointStore
	Glossary        eventruntime.GlossaryLoader
	Facts           eventruntime.FactsPersister
	Transcripts     TranscriptStore
	Sessions        SessionRecorder
	AgentRepo       AgentRecorder
	AgentOutputRepo OutputRecorder
	SessionManager  *session.Manager
	Emitter         events.EventEmitter
	Metrics         *telemetry.Metrics
}

// New builds an Orchestrator from cfg.Runtime's resolved knobs.
func New(deps Deps) *Orchestrator {
	global := deps.ConfigManager.Get("")
	return &Orchestrator{
		cfgMgr:      deps.ConfigManager,
		checkpoints: deps.Checkpoints,
		glossary:    deps.Glossary,
		facts:       deps.Facts,
		transcripts: deps.Transcripts,
		sessionRepo: deps.Sessions,
		agentRepo:   deps.AgentRepo,
		outputRepo:  deps.AgentOutputRepo,
		sessions:    deps.SessionManager,
		emitter:     deps.Emitter,
		metrics:     deps.Metrics,
		cfg:         FromRuntimeConfig(global.Runtime),
		runtimes:    make(map[string]*eventHandle),
	}
}

func (o *Orchestrator) get(eventID string) (*eventHandle, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.runtimes[eventID]
	return h, ok
}

// StartEvent implements spec §4.9 start_event: idempotent on a
// concurrent/repeat call for an event already running.
func (o *Orchestrator) StartEvent(ctx context.Context, eventID, profile string) error {
	if h, ok := o.get(eventID); ok {
		if h.runtime.Status() == types.RuntimeRunning {
			return nil
		}
		return apperrors.NewStateTransitionError(eventID, string(h.runtime.Status()), "start", "a runtime already exists for this event")
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.StartEventDeadline)
	defer cancel()

	cfg := o.cfgMgr.Get(profile)
	rt, err := eventruntime.New(sctx, eventID, uuid.NewString(), o.checkpoints, o.glossary, o.transcripts, o.facts, buildRuntimeConfig(cfg))
	if err != nil {
		return fmt.Errorf("start_event %s: %w", eventID, err)
	}

	cardsSess, factsSess, err := o.openSessions(sctx, eventID, rt.AgentID, cfg)
	if err != nil {
		return fmt.Errorf("start_event %s: %w", eventID, err)
	}
	rt.AttachSessions(cardsSess, factsSess)
	rt.SetStatus(types.RuntimeRunning)

	h := o.register(rt, cfg.Providers.CardsModel, cfg.Providers.ContextGenModel)
	o.runEventLoops(h, cardsSess, factsSess)

	if o.agentRepo != nil {
		_ = o.agentRepo.Upsert(ctx, database.AgentRow{AgentID: rt.AgentID, EventID: eventID, AgentType: string(types.AgentCards), Model: cfg.Providers.CardsModel})
		_ = o.agentRepo.Upsert(ctx, database.AgentRow{AgentID: rt.AgentID, EventID: eventID, AgentType: string(types.AgentFacts), Model: cfg.Providers.ContextGenModel})
	}

	slog.Info("event started", "event_id", eventID, "agent_id", rt.AgentID)
	return nil
}

// openSessions connects the Cards and Facts sessions, closing whichever
// succeeded if the other fails (start_event's rollback policy, spec §5).
func (o *Orchestrator) openSessions(ctx context.Context, eventID, agentID string, cfg *config.Config) (*session.RealtimeSession, *session.RealtimeSession, error) {
	cardsSess, err := o.sessions.Create(ctx, eventID, types.AgentCards, agentID, cfg.Providers.CardsModel)
	if err != nil {
		return nil, nil, fmt.Errorf("open cards session: %w", err)
	}
	factsSess, err := o.sessions.Create(ctx, eventID, types.AgentFacts, agentID, cfg.Providers.ContextGenModel)
	if err != nil {
		_ = cardsSess.Close(ctx)
		return nil, nil, fmt.Errorf("open facts session: %w", err)
	}
	return cardsSess, factsSess, nil
}

func (o *Orchestrator) register(rt *eventruntime.EventRuntime, cardsModel, factsModel string) *eventHandle {
	h := &eventHandle{
		runtime:    rt,
		queue:      make(chan types.TranscriptRecord, o.cfg.InboundQueueDepth),
		seen:       make(map[string]struct{}),
		cardsModel: cardsModel,
		factsModel: factsModel,
	}
	o.mu.Lock()
	o.runtimes[rt.EventID] = h
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.ActiveRuntimes.Inc()
	}
	return h
}

func (o *Orchestrator) runEventLoops(h *eventHandle, cardsSess, factsSess *session.RealtimeSession) {
	qctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	o.wg.Add(3)
	go o.ingestLoop(qctx, h)
	go o.sessionEventLoop(qctx, h, cardsSess)
	go o.sessionEventLoop(qctx, h, factsSess)
}

// ingestLoop is the per-event single-writer worker of spec §5: it is
// the only goroutine that calls EventRuntime.Ingest for this event, so
// ordering within the bounded queue is preserved end to end.
func (o *Orchestrator) ingestLoop(ctx context.Context, h *eventHandle) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-h.queue:
			if !ok {
				return
			}
			if err := h.runtime.Ingest(ctx, rec); err != nil {
				slog.Error("ingest failed", "event_id", rec.EventID, "err", err)
			}
			if o.metrics != nil {
				o.metrics.SetIngestQueueDepth(rec.EventID, len(h.queue))
				o.metrics.SetFactsStoreSize(rec.EventID, h.runtime.Snapshot().FactsCount)
			}
		}
	}
}

// sessionEventLoop drains one RealtimeSession's outbound events and
// applies facts/card/log/status effects to the owning runtime (spec
// §4.6: delivery is at-least-once, consumers must be idempotent).
func (o *Orchestrator) sessionEventLoop(ctx context.Context, h *eventHandle, sess *session.RealtimeSession) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			o.handleSessionEvent(h, ev)
		}
	}
}

func (o *Orchestrator) handleSessionEvent(h *eventHandle, ev types.SessionEvent) {
	switch ev.Kind {
	case types.SessionEventCard:
		payload, _ := ev.Payload.(string)
		if o.outputRepo != nil {
			_ = o.outputRepo.Record(context.Background(), ev.EventID, ev.AgentType, h.runtime.CardsLastSeq(), payload)
		}
		if o.emitter != nil {
			o.emitter.Emit("com.ocx.agent.card", "orchestrator", ev.EventID, map[string]interface{}{"agent_type": ev.AgentType, "payload": payload})
		}
	case types.SessionEventFacts:
		pe, ok := ev.Payload.(types.ProviderEvent)
		if !ok || pe.ToolName != "upsert_fact" {
			return
		}
		key, _ := pe.ToolArgs["key"].(string)
		if key == "" {
			return
		}
		value := pe.ToolArgs["value"]
		confidence, _ := pe.ToolArgs["confidence"].(float64)
		h.runtime.UpsertFact(key, value, float32(confidence), nil)
	case types.SessionEventLog:
		slog.Warn("session log", "event_id", ev.EventID, "agent_type", ev.AgentType, "message", ev.Message)
	case types.SessionEventStatusChange:
		if o.emitter != nil {
			o.emitter.Emit("com.ocx.session.status", "orchestrator", ev.EventID, map[string]interface{}{"agent_type": ev.AgentType, "status": ev.Status})
		}
	}
}

// PauseEvent implements spec §4.9 pause_event: requires the runtime be
// running.
func (o *Orchestrator) PauseEvent(ctx context.Context, eventID string) error {
	h, ok := o.get(eventID)
	if !ok {
		return apperrors.NewStateTransitionError(eventID, "none", "pause", "no active runtime for this event")
	}
	if h.runtime.Status() != types.RuntimeRunning {
		return apperrors.NewStateTransitionError(eventID, string(h.runtime.Status()), "pause", "pause_event requires running")
	}
	if err := o.sessions.PauseEvent(ctx, eventID); err != nil {
		return err
	}
	h.runtime.SetStatus(types.RuntimePaused)
	return nil
}

// ResumeEvent implements spec §4.9 resume_event: a persisted paused
// runtime, or one ended within ResumeYoungWindow, may resume. Resuming
// an already-OPEN session pair is a no-op handled inside
// session.Manager.ResumeEvent.
func (o *Orchestrator) ResumeEvent(ctx context.Context, eventID string) error {
	h, ok := o.get(eventID)
	if !ok {
		return apperrors.NewStateTransitionError(eventID, "none", "resume", "no active runtime for this event")
	}
	snap := h.runtime.Snapshot()
	young := snap.Status == types.RuntimeEnded && time.Since(snap.UpdatedAt) < o.cfg.ResumeYoungWindow
	if snap.Status != types.RuntimePaused && !young {
		return apperrors.NewStateTransitionError(eventID, string(snap.Status), "resume", "resume_event requires a paused or recently-closed session")
	}
	if err := o.sessions.ResumeEvent(ctx, eventID); err != nil {
		return fmt.Errorf("resume_event %s: %w", eventID, err)
	}
	h.runtime.SetStatus(types.RuntimeRunning)
	return nil
}

// EndEvent implements spec §4.9 end_event: stops timers, closes
// sessions, and removes the runtime from the registry.
func (o *Orchestrator) EndEvent(ctx context.Context, eventID string) error {
	o.mu.Lock()
	h, ok := o.runtimes[eventID]
	if ok {
		delete(o.runtimes, eventID)
	}
	o.mu.Unlock()
	if !ok {
		return apperrors.NewStateTransitionError(eventID, "none", "end", "no active runtime for this event")
	}

	h.runtime.Stop()
	h.cancel()
	o.sessions.CloseEvent(ctx, eventID)
	h.runtime.SetStatus(types.RuntimeEnded)
	if o.metrics != nil {
		o.metrics.ActiveRuntimes.Dec()
	}
	return nil
}

// Route implements transcript-stream dispatch (spec §4.9): drops
// records for events with no active runtime, dedupes by id, and
// applies the bounded-queue backpressure policy of spec §5.
func (o *Orchestrator) Route(rec types.TranscriptRecord) {
	h, ok := o.get(rec.EventID)
	if !ok {
		return
	}

	if rec.ID != "" {
		h.seenMu.Lock()
		if _, dup := h.seen[rec.ID]; dup {
			h.seenMu.Unlock()
			return
		}
		h.seen[rec.ID] = struct{}{}
		h.seenMu.Unlock()
	}

	select {
	case h.queue <- rec:
		return
	default:
	}

	if !rec.Final {
		// Drop the oldest non-final chunk to make room, never a final
		// one that's still waiting in the queue. If every queued entry
		// is final, there is nothing safe to evict, so the incoming
		// non-final record is the one dropped instead.
		if evictOldestNonFinal(h.queue) {
			select {
			case h.queue <- rec:
			default:
			}
		}
		if o.metrics != nil {
			o.metrics.RecordDrop(rec.EventID, "non_final")
		}
		return
	}

	// Final chunks are never silently dropped: block the producer up to
	// the configured budget, then accept it flagged delayed.
	timer := time.NewTimer(o.cfg.FinalChunkBlock)
	defer timer.Stop()
	select {
	case h.queue <- rec:
	case <-timer.C:
		slog.Warn("final chunk blocked past backpressure budget, accepting delayed", "event_id", rec.EventID, "seq", rec.Seq)
		if o.metrics != nil {
			o.metrics.RecordDrop(rec.EventID, "final_delayed")
		}
		go func() {
			if err := h.runtime.Ingest(context.Background(), rec); err != nil {
				slog.Error("delayed final chunk ingest failed", "event_id", rec.EventID, "err", err)
			}
		}()
	}
}

// evictOldestNonFinal drains queue, removes the first non-final entry
// it finds (oldest first, since channel order is FIFO), and restores
// the rest in order. Returns false, leaving queue untouched, if every
// buffered entry is final.
func evictOldestNonFinal(queue chan types.TranscriptRecord) bool {
	n := len(queue)
	buf := make([]types.TranscriptRecord, 0, n)
	for i := 0; i < n; i++ {
		select {
		case item := <-queue:
			buf = append(buf, item)
		default:
		}
	}

	evictIdx := -1
	for i, item := range buf {
		if !item.Final {
			evictIdx = i
			break
		}
	}

	if evictIdx != -1 {
		buf = append(buf[:evictIdx], buf[evictIdx+1:]...)
	}
	for _, item := range buf {
		select {
		case queue <- item:
		default:
		}
	}
	return evictIdx != -1
}

// Subscribe consumes a transcript change stream until ctx is done or
// the channel closes, routing every record (spec §6 "at-least-once;
// deduplication is by id").
func (o *Orchestrator) Subscribe(ctx context.Context, stream <-chan types.TranscriptRecord) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-stream:
				if !ok {
					return
				}
				o.Route(rec)
			}
		}
	}()
}

// SetUnsubscribe registers a cleanup hook Shutdown calls to tear down
// the transcript-stream subscription.
func (o *Orchestrator) SetUnsubscribe(fn func()) {
	o.unsubscribe = fn
}

// StartPeriodicTasks launches the 5 s status emit, 5 min summary log,
// and periodic checkpoint flush loops of spec §4.9.
func (o *Orchestrator) StartPeriodicTasks(ctx context.Context) {
	pctx, cancel := context.WithCancel(ctx)
	o.stopPeriodic = cancel

	o.wg.Add(3)
	go o.statusEmitLoop(pctx)
	go o.summaryLogLoop(pctx)
	go o.checkpointFlushLoop(pctx)
}

func (o *Orchestrator) statusEmitLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.StatusEmitInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.emitAllStatus()
		}
	}
}

func (o *Orchestrator) emitAllStatus() {
	if o.emitter == nil {
		return
	}
	o.mu.RLock()
	handles := make([]*eventHandle, 0, len(o.runtimes))
	for _, h := range o.runtimes {
		handles = append(handles, h)
	}
	o.mu.RUnlock()

	for _, h := range handles {
		snap := h.runtime.Snapshot()
		o.emitter.Emit("com.ocx.event.status", "orchestrator", snap.EventID, map[string]interface{}{
			"status":            snap.Status,
			"cards_last_seq":    snap.CardsLastSeq,
			"facts_last_seq":    snap.FactsLastSeq,
			"cards_status":      snap.CardsStatus,
			"facts_status":      snap.FactsStatus,
			"facts_count":       snap.FactsCount,
			"facts_last_update": snap.FactsLastUpdate,
			"ring_stats":        snap.RingStats,
			"recent_logs":       snap.RecentLogs,
		})
	}
}

func (o *Orchestrator) summaryLogLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.SummaryLogInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.RLock()
			n := len(o.runtimes)
			o.mu.RUnlock()
			slog.Info("orchestrator summary", "active_events", n)
		}
	}
}

// checkpointFlushLoop is the safety-net flush of spec §4.9: checkpoint
// writes already happen per-dispatch, so this re-asserts the
// last-known seq, which checkpoint.Store's monotonic guard makes a
// cheap no-op on the common path.
func (o *Orchestrator) checkpointFlushLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.CheckpointFlush
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.flushCheckpoints()
		}
	}
}

func (o *Orchestrator) flushCheckpoints() {
	o.mu.RLock()
	handles := make([]*eventHandle, 0, len(o.runtimes))
	for _, h := range o.runtimes {
		handles = append(handles, h)
	}
	o.mu.RUnlock()

	ctx := context.Background()
	for _, h := range handles {
		if err := o.checkpoints.Set(ctx, h.runtime.EventID, types.AgentCards, h.runtime.CardsLastSeq()); err != nil {
			slog.Error("checkpoint flush failed", "event_id", h.runtime.EventID, "agent_type", types.AgentCards, "err", err)
			o.recordCheckpointOutcome(string(types.AgentCards), "failed")
		} else {
			o.recordCheckpointOutcome(string(types.AgentCards), "ok")
		}
		if err := o.checkpoints.Set(ctx, h.runtime.EventID, types.AgentFacts, h.runtime.FactsLastSeq()); err != nil {
			slog.Error("checkpoint flush failed", "event_id", h.runtime.EventID, "agent_type", types.AgentFacts, "err", err)
			o.recordCheckpointOutcome(string(types.AgentFacts), "failed")
		} else {
			o.recordCheckpointOutcome(string(types.AgentFacts), "ok")
		}
	}
}

func (o *Orchestrator) recordCheckpointOutcome(agentType, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordCheckpointWrite(agentType, outcome)
	}
}

// Recover implements spec §4.9 recovery: reconstructs EventRuntimes for
// every event with a persisted active session, replays transcripts past
// the loaded checkpoints, then resumes sessions.
func (o *Orchestrator) Recover(ctx context.Context) error {
	rows, err := o.sessionRepo.ListByStatus(ctx, string(types.SessionActive))
	if err != nil {
		return fmt.Errorf("recover: list active sessions: %w", err)
	}

	byEvent := make(map[string][]database.AgentSessionRow)
	for _, row := range rows {
		byEvent[row.EventID] = append(byEvent[row.EventID], row)
	}

	for eventID, sessRows := range byEvent {
		if err := o.recoverEvent(ctx, eventID, sessRows); err != nil {
			slog.Error("recover event failed", "event_id", eventID, "err", err)
		}
	}
	return nil
}

func (o *Orchestrator) recoverEvent(ctx context.Context, eventID string, sessRows []database.AgentSessionRow) error {
	var agentID, cardsModel, factsModel string
	for _, row := range sessRows {
		if row.AgentID != "" {
			agentID = row.AgentID
		}
		switch types.AgentType(row.AgentType) {
		case types.AgentCards:
			cardsModel = row.Model
		case types.AgentFacts:
			factsModel = row.Model
		}
	}
	if agentID == "" {
		agentID = uuid.NewString()
	}

	rt, err := eventruntime.New(ctx, eventID, agentID, o.checkpoints, o.glossary, o.transcripts, o.facts, buildRuntimeConfig(o.cfgMgr.Get("")))
	if err != nil {
		return fmt.Errorf("reconstruct runtime: %w", err)
	}

	if err := o.replayTranscripts(ctx, rt); err != nil {
		return fmt.Errorf("replay transcripts: %w", err)
	}

	cfg := o.cfgMgr.Get("")
	if cardsModel == "" {
		cardsModel = cfg.Providers.CardsModel
	}
	if factsModel == "" {
		factsModel = cfg.Providers.ContextGenModel
	}

	cardsSess, err := o.sessions.Create(ctx, eventID, types.AgentCards, agentID, cardsModel)
	if err != nil {
		return fmt.Errorf("reconnect cards session: %w", err)
	}
	factsSess, err := o.sessions.Create(ctx, eventID, types.AgentFacts, agentID, factsModel)
	if err != nil {
		_ = cardsSess.Close(ctx)
		return fmt.Errorf("reconnect facts session: %w", err)
	}

	rt.AttachSessions(cardsSess, factsSess)
	rt.SetStatus(types.RuntimeRunning)

	h := o.register(rt, cardsModel, factsModel)
	o.runEventLoops(h, cardsSess, factsSess)

	slog.Info("event recovered", "event_id", eventID, "agent_id", agentID)
	return nil
}

// replayTranscripts implements spec §4.9 replay_transcripts: refills
// the RingBuffer from persisted transcripts past the loaded checkpoint
// without re-dispatching to sessions, warning on large seq gaps.
func (o *Orchestrator) replayTranscripts(ctx context.Context, rt *eventruntime.EventRuntime) error {
	after := rt.CardsLastSeq()
	if f := rt.FactsLastSeq(); f > after {
		after = f
	}

	chunks, err := o.transcripts.ReplayFrom(ctx, rt.EventID, after)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	if gap := chunks[0].Seq - after; gap > o.cfg.ReplayGapWarnSeq {
		slog.Warn("replay seq gap exceeds warn threshold", "event_id", rt.EventID, "gap", gap, "after", after, "first_seq", chunks[0].Seq)
	}

	rt.RestoreRing(chunks)
	return nil
}

// Shutdown implements spec §4.9 shutdown: drains each event's inbound
// queue up to the global deadline, stops timers, flushes checkpoints,
// closes sessions, and unsubscribes from the transcript stream.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.stopPeriodic != nil {
		o.stopPeriodic()
	}
	if o.unsubscribe != nil {
		o.unsubscribe()
	}

	o.mu.Lock()
	handles := make([]*eventHandle, 0, len(o.runtimes))
	for id, h := range o.runtimes {
		handles = append(handles, h)
		delete(o.runtimes, id)
	}
	o.mu.Unlock()

	deadline := time.Now().Add(o.cfg.ShutdownDrain)
	for _, h := range handles {
		for len(h.queue) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		h.runtime.Stop()
		h.cancel()
		if o.metrics != nil {
			o.metrics.ActiveRuntimes.Dec()
		}
	}

	o.flushCheckpoints()
	o.sessions.CloseAll(ctx)
	o.wg.Wait()
	return nil
}

// RunningEvents returns the event_ids currently tracked, for health
// and diagnostic endpoints.
func (o *Orchestrator) RunningEvents() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.runtimes))
	for id := range o.runtimes {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns the current RuntimeSnapshot for eventID, if active.
func (o *Orchestrator) Snapshot(eventID string) (types.RuntimeSnapshot, bool) {
	h, ok := o.get(eventID)
	if !ok {
		return types.RuntimeSnapshot{}, false
	}
	return h.runtime.Snapshot(), true
}
