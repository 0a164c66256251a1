// Package session implements RealtimeSession and SessionManager (spec
// §4.6, §4.7): one provider connection per (event, agent), with
// ping/pong liveness, exponential backoff retry, and a persisted
// SessionRecord state machine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ocx/realtime-worker/internal/apperrors"
	"github.com/ocx/realtime-worker/internal/circuitbreaker"
	"github.com/ocx/realtime-worker/internal/types"
)

// State is RealtimeSession's connection state (spec §4.6).
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateOpen
	StatePausing
	StatePaused
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StatePausing:
		return "PAUSING"
	case StatePaused:
		return "PAUSED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s State) toRecordStatus() types.SessionStatus {
	switch s {
	case StateConnecting:
		return types.SessionStarting
	case StateOpen:
		return types.SessionActive
	case StatePaused, StatePausing:
		return types.SessionPaused
	case StateClosed, StateClosing:
		return types.SessionClosed
	case StateError:
		return types.SessionError
	default:
		return types.SessionGenerated
	}
}

// Config carries spec §4.6's configurable timing knobs.
type Config struct {
	ConnectTimeout    time.Duration
	CloseTimeout      time.Duration
	SendDeadline      time.Duration
	PingInterval      time.Duration
	MaxMissedPongs    int
	BackoffInitial    time.Duration
	BackoffFactor     float64
	BackoffCap        time.Duration
	BackoffJitter     float64
	MaxConsecutiveErr int
	SendBufferSize    int

	// MaxSendsPerSec throttles SendMessage independently of the send
	// buffer, protecting the provider from a bursty EventRuntime
	// (e.g. a flood of rapid transcript finals). 0 disables throttling.
	MaxSendsPerSec int
}

func withDefaults(cfg Config) Config {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 2 * time.Second
	}
	if cfg.SendDeadline <= 0 {
		cfg.SendDeadline = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxMissedPongs <= 0 {
		cfg.MaxMissedPongs = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.BackoffJitter <= 0 {
		cfg.BackoffJitter = 0.2
	}
	if cfg.MaxConsecutiveErr <= 0 {
		cfg.MaxConsecutiveErr = 5
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 64
	}
	return cfg
}

// RecordRepository persists SessionRecord transitions. Each
// RealtimeSession holds its mutex across Upsert, which serializes calls
// per (event_id, agent_type) so concurrent writers
// (transport callbacks, orchestrator commands) stay linearizable (spec
// §4.7).
type RecordRepository interface {
	Upsert(ctx context.Context, rec types.SessionRecord) error
}

// sendRequest is one enqueued outbound message.
type sendRequest struct {
	role        string
	content     string
	toolContext map[string]interface{}
}

// RealtimeSession is one (event, agent) provider connection (spec
// §4.6).
type RealtimeSession struct {
	eventID   string
	agentType types.AgentType
	agentID   string
	model     string
	cfg       Config

	transport ProviderTransport
	breaker   *circuitbreaker.CircuitBreaker
	records   RecordRepository
	events    chan types.SessionEvent

	state atomic.Int32

	mu                sync.Mutex
	providerSessionID string
	connectionCount   int
	lastConnectedAt   time.Time
	closedAt          time.Time
	missedPongs       int
	consecutiveErrors int

	sendCh     chan sendRequest
	sendLimit  *rate.Limiter
	cancelPump context.CancelFunc
	wg         sync.WaitGroup

	logger *slog.Logger
}

// New builds a RealtimeSession in state NEW. The transport is not
// connected until Connect is called.
func New(eventID string, agentType types.AgentType, agentID, model string, transport ProviderTransport, records RecordRepository, breaker *circuitbreaker.CircuitBreaker, cfg Config) *RealtimeSession {
	cfg = withDefaults(cfg)
	s := &RealtimeSession{
		eventID:   eventID,
		agentType: agentType,
		agentID:   agentID,
		model:     model,
		cfg:       cfg,
		transport: transport,
		breaker:   breaker,
		records:   records,
		events:    make(chan types.SessionEvent, 256),
		logger:    slog.With("event_id", eventID, "agent_type", string(agentType)),
	}
	if cfg.MaxSendsPerSec > 0 {
		s.sendLimit = rate.NewLimiter(rate.Limit(cfg.MaxSendsPerSec), cfg.MaxSendsPerSec)
	}
	s.state.Store(int32(StateNew))
	return s
}

// State returns the current connection state.
func (s *RealtimeSession) State() State { return State(s.state.Load()) }

// Events returns the channel of outbound SessionEvents (card, facts,
// log, status_change). The owning EventRuntime drains this in its
// single receive loop; delivery is at-least-once (spec §4.6).
func (s *RealtimeSession) Events() <-chan types.SessionEvent { return s.events }

// Connect opens the transport (spec §4.6 connect()). Guarded by the
// per-session circuit breaker: five consecutive failures (tracked
// across connect attempts) trip the breaker to Open, and this method
// returns ErrConnectTimeout/transport error immediately without
// re-attempting until the breaker's cooldown elapses.
func (s *RealtimeSession) Connect(ctx context.Context) error {
	if err := s.breaker.Allow(); err != nil {
		return fmt.Errorf("%w: circuit open for %s/%s", apperrors.ErrTransientTransport, s.eventID, s.agentType)
	}

	s.setState(StateConnecting)
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	sessionID, err := s.transport.Connect(cctx)
	if err != nil {
		s.breaker.Execute(func() (interface{}, error) { return nil, err })
		s.onConsecutiveError()
		s.setState(StateError)
		return fmt.Errorf("%w: %v", apperrors.ErrConnectTimeout, err)
	}
	s.breaker.Execute(func() (interface{}, error) { return nil, nil })

	s.mu.Lock()
	s.providerSessionID = sessionID
	s.connectionCount++
	s.lastConnectedAt = time.Now()
	s.consecutiveErrors = 0
	s.missedPongs = 0
	s.mu.Unlock()

	s.persist(ctx, StateConnecting)
	s.setState(StateOpen)
	s.persist(ctx, StateOpen)

	pumpCtx, cancelPump := context.WithCancel(context.Background())
	s.cancelPump = cancelPump
	s.sendCh = make(chan sendRequest, s.cfg.SendBufferSize)

	s.wg.Add(3)
	go s.sendLoop(pumpCtx)
	go s.recvLoop(pumpCtx)
	go s.pingLoop(pumpCtx)

	return nil
}

// SendMessage enqueues a request to the provider (spec §4.6
// send_message). Fails with ErrSessionClosed if not OPEN, or
// ErrBackpressure if the send buffer is full within SendDeadline.
func (s *RealtimeSession) SendMessage(ctx context.Context, content string, toolContext map[string]interface{}) error {
	if s.State() != StateOpen {
		return apperrors.ErrSessionClosed
	}

	deadline := time.NewTimer(s.cfg.SendDeadline)
	defer deadline.Stop()

	if s.sendLimit != nil {
		if err := s.sendLimit.Wait(ctx); err != nil {
			return ctx.Err()
		}
	}

	req := sendRequest{role: "user", content: content, toolContext: toolContext}

	select {
	case s.sendCh <- req:
		return nil
	case <-deadline.C:
		s.logger.Warn("send buffer full, dropping message", "backpressure", true)
		return apperrors.ErrBackpressure
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RealtimeSession) sendLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-s.sendCh:
			if !ok {
				return
			}
			sctx, cancel := context.WithTimeout(ctx, s.cfg.SendDeadline)
			err := s.transport.Send(sctx, req.role, req.content, req.toolContext)
			cancel()
			if err != nil {
				s.logger.Warn("transport send failed", "err", err)
				s.onConsecutiveError()
			}
		}
	}
}

func (s *RealtimeSession) recvLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.handleProviderEvent(ev)
		}
	}
}

func (s *RealtimeSession) handleProviderEvent(ev types.ProviderEvent) {
	switch ev.Kind {
	case types.ProviderEventPong:
		s.mu.Lock()
		s.missedPongs = 0
		s.mu.Unlock()
	case types.ProviderEventResponseDone:
		s.emit(types.SessionEvent{Kind: types.SessionEventCard, EventID: s.eventID, AgentType: s.agentType, Payload: ev.Content, At: time.Now()})
	case types.ProviderEventToolCall:
		s.emit(types.SessionEvent{Kind: types.SessionEventFacts, EventID: s.eventID, AgentType: s.agentType, Payload: ev, At: time.Now()})
	case types.ProviderEventError:
		s.logger.Error("provider protocol error", "err", ev.Err)
		s.emit(types.SessionEvent{Kind: types.SessionEventLog, EventID: s.eventID, AgentType: s.agentType, Message: fmt.Sprintf("%v", ev.Err), At: time.Now()})
	}
}

func (s *RealtimeSession) pingLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.missedPongs++
			missed := s.missedPongs
			s.mu.Unlock()

			if missed > s.cfg.MaxMissedPongs {
				s.logger.Warn("max missed pongs exceeded, transitioning to error", "missed", missed)
				s.setState(StateError)
				s.persist(context.Background(), StateError)
				go s.supervisedResume()
				return
			}
			pctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
			if err := s.transport.Ping(pctx); err != nil {
				s.logger.Warn("ping failed", "err", err)
			}
			cancel()
		}
	}
}

// supervisedResume implements spec §4.6's "triggers supervisor-driven
// resume" after a liveness failure: backoff, then Resume.
func (s *RealtimeSession) supervisedResume() {
	backoff := newBackoff(s.cfg)
	ctx := context.Background()
	for i := 0; i < s.cfg.MaxConsecutiveErr; i++ {
		time.Sleep(backoff.next())
		if err := s.Resume(ctx); err == nil {
			return
		}
	}
	s.logger.Error("supervised resume exhausted retries, session stays in error")
}

// Pause sends provider teardown, closes the transport, persists
// "paused" (spec §4.6 pause()). In-memory state (provider_session_id,
// connection_count) survives so Resume is cheap.
func (s *RealtimeSession) Pause(ctx context.Context) error {
	if s.State() != StateOpen {
		return apperrors.ErrSessionClosed
	}
	s.setState(StatePausing)
	if s.cancelPump != nil {
		s.cancelPump()
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CloseTimeout)
	defer cancel()
	_ = s.transport.Close(cctx)
	s.setState(StatePaused)
	s.persist(ctx, StatePaused)
	return nil
}

// Resume opens a new transport connection — provider sessions are not
// resumable across reconnects (spec §9) — reusing logical identity.
func (s *RealtimeSession) Resume(ctx context.Context) error {
	if state := s.State(); state == StateOpen {
		return nil // already open; resume on an OPEN session is a no-op (spec §4.9)
	}
	return s.Connect(ctx)
}

// Close gracefully shuts the session down (spec §4.6 close()).
func (s *RealtimeSession) Close(ctx context.Context) error {
	if s.State() == StateClosed {
		return nil
	}
	s.setState(StateClosing)
	if s.cancelPump != nil {
		s.cancelPump()
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CloseTimeout)
	defer cancel()
	err := s.transport.Close(cctx)
	s.mu.Lock()
	s.closedAt = time.Now()
	s.mu.Unlock()
	s.setState(StateClosed)
	s.persist(ctx, StateClosed)
	s.wg.Wait()
	close(s.events)
	return err
}

func (s *RealtimeSession) onConsecutiveError() {
	s.mu.Lock()
	s.consecutiveErrors++
	n := s.consecutiveErrors
	s.mu.Unlock()
	if n >= s.cfg.MaxConsecutiveErr {
		s.setState(StateError)
		s.persist(context.Background(), StateError)
	}
}

func (s *RealtimeSession) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.emit(types.SessionEvent{Kind: types.SessionEventStatusChange, EventID: s.eventID, AgentType: s.agentType, Status: st.toRecordStatus(), At: time.Now()})
	}
}

func (s *RealtimeSession) emit(ev types.SessionEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("session event channel full, dropping", "kind", ev.Kind)
	}
}

func (s *RealtimeSession) persist(ctx context.Context, st State) {
	if s.records == nil {
		return
	}
	s.mu.Lock()
	rec := types.SessionRecord{
		EventID:           s.eventID,
		AgentID:           s.agentID,
		AgentType:         s.agentType,
		ProviderSessionID: s.providerSessionID,
		Status:            st.toRecordStatus(),
		Model:             s.model,
		UpdatedAt:         time.Now(),
		ConnectionCount:   s.connectionCount,
	}
	if !s.lastConnectedAt.IsZero() {
		t := s.lastConnectedAt
		rec.LastConnectedAt = &t
	}
	if !s.closedAt.IsZero() {
		t := s.closedAt
		rec.ClosedAt = &t
	}
	// s.mu stays held across the write, so this session's record writes
	// never overlap.
	err := s.records.Upsert(ctx, rec)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("failed to persist session record", "err", err)
	}
}

// ProviderSessionID returns the provider-assigned id of the current
// connection (changes across reconnects; logical identity is this
// RealtimeSession itself, spec §9).
func (s *RealtimeSession) ProviderSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerSessionID
}

// ConnectionCount reports how many times Connect has succeeded.
func (s *RealtimeSession) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionCount
}

// backoff implements spec §4.6's retry policy: exponential, cap, jitter.
type backoff struct {
	cfg     Config
	attempt int
}

func newBackoff(cfg Config) *backoff { return &backoff{cfg: cfg} }

func (b *backoff) next() time.Duration {
	d := float64(b.cfg.BackoffInitial) * pow(b.cfg.BackoffFactor, float64(b.attempt))
	if d > float64(b.cfg.BackoffCap) {
		d = float64(b.cfg.BackoffCap)
	}
	b.attempt++
	jitter := 1 + (rand.Float64()*2-1)*b.cfg.BackoffJitter
	return time.Duration(d * jitter)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// newSessionID is a small helper kept local to this package so tests
// and transports needing a fresh provider session id don't reach past
// this package boundary for uuid generation.
func newSessionID() string { return uuid.NewString() }
