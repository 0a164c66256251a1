package statusemitter

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/realtime-worker/internal/events"
)

func TestHandler_StreamsEmittedEvent(t *testing.T) {
	bus := events.NewEventBus()
	h := NewHandler(bus)

	req := httptest.NewRequest(http.MethodGet, "/events/stream", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	// Give Subscribe a moment to register before emitting.
	time.Sleep(20 * time.Millisecond)
	bus.Emit("com.ocx.event.status", "orchestrator", "evt-1", map[string]interface{}{"status": "running"})
	time.Sleep(20 * time.Millisecond)

	body := rec.Body.String()
	assert.Contains(t, body, "event: com.ocx.event.status")
	assert.Contains(t, body, `"subject":"evt-1"`)

	scanner := bufio.NewScanner(strings.NewReader(body))
	var sawData bool
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data: ") {
			sawData = true
		}
	}
	assert.True(t, sawData)
}

type fakeLister struct{ ids []string }

func (f fakeLister) RunningEvents() []string { return f.ids }

func TestHealthHandler_ReportsActiveCount(t *testing.T) {
	handler := HealthHandler(fakeLister{ids: []string{"evt-1", "evt-2"}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active_events":2`)
}

func TestEventTypesFromQuery_ParsesCSV(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events/stream?types=a,b,c", nil)
	assert.Equal(t, []string{"a", "b", "c"}, eventTypesFromQuery(req))
}

func TestEventTypesFromQuery_EmptyReturnsNil(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events/stream", nil)
	assert.Nil(t, eventTypesFromQuery(req))
}
