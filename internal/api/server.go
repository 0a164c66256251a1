// Package api exposes the Orchestrator's start/pause/resume/end
// lifecycle (spec §4.9) over REST/JSON, grounded on the teacher's
// internal/api/server.go router-setup and CORS-middleware shape;
// handlers are rewritten end to end for event lifecycle control
// instead of escrow/pool/reputation endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/realtime-worker/internal/apperrors"
	"github.com/ocx/realtime-worker/internal/types"
)

// EventController is the subset of *orchestrator.Orchestrator the
// control API drives, kept local so this package never imports
// internal/orchestrator (avoids a cycle with statusemitter's
// RuntimeLister and keeps the API layer swappable in tests).
type EventController interface {
	StartEvent(ctx context.Context, eventID, profile string) error
	PauseEvent(ctx context.Context, eventID string) error
	ResumeEvent(ctx context.Context, eventID string) error
	EndEvent(ctx context.Context, eventID string) error
	Snapshot(eventID string) (types.RuntimeSnapshot, bool)
	RunningEvents() []string
}

// Server hosts the control API's mux.Router.
type Server struct {
	orch EventController
}

// NewServer builds the control API over orch.
func NewServer(orch EventController) *Server {
	return &Server{orch: orch}
}

// Router returns the mux.Router with every route and the CORS
// middleware registered, ready to mount under an http.Server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/events/{id}/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/events/{id}/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/events/{id}/end", s.handleEnd).Methods(http.MethodPost)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type startRequest struct {
	Profile string `json:"profile"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req startRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.orch.StartEvent(r.Context(), id, req.Profile); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "event_id": id})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.PauseEvent(r.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "event_id": id})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.ResumeEvent(r.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running", "event_id": id})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.EndEvent(r.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended", "event_id": id})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.orch.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no active runtime for event"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"events": s.orch.RunningEvents()})
}

// writeLifecycleError maps spec §7's typed errors to HTTP status codes:
// illegal state transitions are client errors (409), everything else a
// server error, with the human-readable reason always in the body.
func writeLifecycleError(w http.ResponseWriter, err error) {
	var stateErr *apperrors.StateTransitionError
	if errors.As(err, &stateErr) {
		slog.Warn("api: illegal state transition", "err", err)
		writeError(w, http.StatusConflict, err)
		return
	}
	if errors.Is(err, apperrors.ErrStateTransitionIllegal) {
		writeError(w, http.StatusConflict, err)
		return
	}
	slog.Error("api: event lifecycle call failed", "err", err)
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
