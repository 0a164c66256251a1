// Package statusemitter implements the StatusEmitter sink of spec
// §4.10/§6: an HTTP SSE endpoint that streams enrichment snapshots,
// backed by internal/events.EventBus. Periodic and on-change pushes
// both flow through the same EventEmitter the Orchestrator already
// holds; this package only owns the subscriber-facing HTTP surface.
package statusemitter

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ocx/realtime-worker/internal/events"
)

// Subscriber is the subset of *events.EventBus (or *events.RedisEventBus,
// which embeds it) the SSE handler needs.
type Subscriber interface {
	Subscribe(eventTypes ...string) chan *events.CloudEvent
	Unsubscribe(ch chan *events.CloudEvent)
}

// Handler serves GET /events/stream, fanning out CloudEvents as
// Server-Sent Events (spec §6 "the StatusEmitter POSTs or streams JSON
// snapshots keyed by event_id").
type Handler struct {
	bus Subscriber
}

// NewHandler builds the SSE handler over bus.
func NewHandler(bus Subscriber) *Handler {
	return &Handler{bus: bus}
}

// ServeHTTP streams every event this bus publishes until the client
// disconnects. An optional "types" query parameter restricts delivery
// to a comma-separated event-type allowlist.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch := h.bus.Subscribe(eventTypesFromQuery(r)...)
	defer h.bus.Unsubscribe(ch)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			frame, err := ev.SSEFormat()
			if err != nil {
				slog.Warn("statusemitter: failed to format event", "err", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func eventTypesFromQuery(r *http.Request) []string {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	var types []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				types = append(types, raw[start:i])
			}
			start = i + 1
		}
	}
	return types
}

// RuntimeLister is the subset of *orchestrator.Orchestrator the health
// endpoint needs, kept local to avoid statusemitter depending on
// orchestrator (orchestrator already depends on events).
type RuntimeLister interface {
	RunningEvents() []string
}

// HealthHandler serves a lightweight JSON health/status summary
// alongside the SSE stream, useful for load-balancer probes.
func HealthHandler(lister RuntimeLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := lister.RunningEvents()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","active_events":%d}`, len(ids))
	}
}
