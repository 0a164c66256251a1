package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/realtime-worker/internal/apperrors"
	"github.com/ocx/realtime-worker/internal/circuitbreaker"
	"github.com/ocx/realtime-worker/internal/types"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	failNext  bool
	sent      []string
	events    chan types.ProviderEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan types.ProviderEvent, 16)}
}

func (f *fakeTransport) Connect(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errors.New("connect failed")
	}
	f.connected = true
	return "provider-session-1", nil
}

func (f *fakeTransport) Send(ctx context.Context, role, content string, toolContext map[string]interface{}) error {
	f.mu.Lock()
	f.sent = append(f.sent, content)
	f.mu.Unlock()
	f.events <- types.ProviderEvent{Kind: types.ProviderEventResponseDone, Content: content}
	return nil
}

func (f *fakeTransport) Events() <-chan types.ProviderEvent { return f.events }

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.events <- types.ProviderEvent{Kind: types.ProviderEventPong}
	return nil
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

type fakeRecords struct {
	mu      sync.Mutex
	records []types.SessionRecord
}

func (r *fakeRecords) Upsert(ctx context.Context, rec types.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func newTestSession(t *testing.T, transport *fakeTransport) (*RealtimeSession, *fakeRecords) {
	t.Helper()
	records := &fakeRecords{}
	breaker := circuitbreaker.NewSessionBreakers().For("evt-1", "cards")
	s := New("evt-1", types.AgentCards, "agent-1", "gpt-test", transport, records, breaker, Config{
		ConnectTimeout: 2 * time.Second,
		CloseTimeout:   2 * time.Second,
		SendDeadline:   2 * time.Second,
		PingInterval:   50 * time.Millisecond,
		MaxMissedPongs: 3,
	})
	return s, records
}

func TestConnect_TransitionsToOpen(t *testing.T) {
	transport := newFakeTransport()
	s, records := newTestSession(t, transport)

	err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, "provider-session-1", s.ProviderSessionID())
	assert.Equal(t, 1, s.ConnectionCount())

	records.mu.Lock()
	defer records.mu.Unlock()
	require.NotEmpty(t, records.records)
	assert.Equal(t, types.SessionActive, records.records[len(records.records)-1].Status)
}

func TestSendMessage_FailsWhenNotOpen(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSession(t, transport)

	err := s.SendMessage(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, apperrors.ErrSessionClosed)
}

func TestSendMessage_DeliversAndEmitsCard(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSession(t, transport)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.SendMessage(context.Background(), "alpha", nil))

	// Connect has already emitted status_change events (CONNECTING, OPEN);
	// skip those and expect the next event to be the card.
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == types.SessionEventStatusChange {
				continue
			}
			assert.Equal(t, types.SessionEventCard, ev.Kind)
			return
		case <-timeout:
			t.Fatal("timed out waiting for card event")
		}
	}
}

func TestPauseResume_PreservesLogicalIdentity(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSession(t, transport)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Pause(context.Background()))
	assert.Equal(t, StatePaused, s.State())

	require.NoError(t, s.Resume(context.Background()))
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, 2, s.ConnectionCount())
}

func TestResume_NoOpWhenAlreadyOpen(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSession(t, transport)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Resume(context.Background()))
	assert.Equal(t, 1, s.ConnectionCount())
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := newBackoff(Config{
		BackoffInitial: 100 * time.Millisecond,
		BackoffFactor:  2,
		BackoffCap:     500 * time.Millisecond,
		BackoffJitter:  0,
	})
	first := b.next()
	second := b.next()
	third := b.next()
	fourth := b.next()
	assert.InDelta(t, 100*time.Millisecond, first, float64(5*time.Millisecond))
	assert.InDelta(t, 200*time.Millisecond, second, float64(5*time.Millisecond))
	assert.InDelta(t, 400*time.Millisecond, third, float64(5*time.Millisecond))
	assert.LessOrEqual(t, fourth, 500*time.Millisecond)
}
