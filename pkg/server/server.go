// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the runtime over HTTP: run streaming as SSE,
// session CRUD, health and metrics.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/tandem/pkg/observability"
	"github.com/kadirpekel/tandem/pkg/runner"
	"github.com/kadirpekel/tandem/pkg/store"
)

// Config configures the HTTP server.
type Config struct {
	Host string
	Port int

	// DefaultSpec is the agent or team used when a run request names
	// none.
	DefaultSpec string
}

// Server is the HTTP front of the runtime.
type Server struct {
	cfg     Config
	rt      *runner.Runtime
	metrics *observability.Metrics
	router  chi.Router
}

// New builds the server and its routes.
func New(cfg Config, rt *runner.Runtime, metrics *observability.Metrics) *Server {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	s := &Server{cfg: cfg, rt: rt, metrics: metrics}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/runs", s.handleStartRun)
	r.Get("/runs/{runID}/events", s.handleReplay)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Put("/{sessionID}", s.handleRenameSession)
		r.Delete("/{sessionID}", s.handleDeleteSession)
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// ListenAndServe runs the server until the listener fails.
func (s *Server) ListenAndServe() error {
	slog.Info("HTTP server listening", "addr", s.Addr())
	return http.ListenAndServe(s.Addr(), s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRunRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Input     string `json:"input"`
	Spec      string `json:"spec,omitempty"`
}

// handleStartRun starts a run and streams its events as SSE frames,
// ending with a [DONE] marker. Client disconnect cancels the run.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Input == "" {
		writeError(w, http.StatusBadRequest, "user_id and input are required")
		return
	}
	spec := req.Spec
	if spec == "" {
		spec = s.cfg.DefaultSpec
	}

	handle, err := s.rt.Coordinator.Start(r.Context(), req.UserID, req.SessionID, req.Input, spec)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Run-ID", handle.RunID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			handle.Cancel()
			// Drain so the pump can finish persisting.
			for range handle.Events {
			}
			return

		case e, open := <-handle.Events:
			if !open {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			s.metrics.Observe(e)
			data, err := json.Marshal(e)
			if err != nil {
				slog.Error("Failed to serialize event", "run_id", handle.RunID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	events, err := s.rt.Coordinator.Replay(r.Context(), userID, chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	type frame struct {
		RunID      string          `json:"run_id"`
		ProducerID string          `json:"producer_id"`
		Seq        int64           `json:"seq"`
		RunSeq     int64           `json:"run_seq"`
		Kind       string          `json:"kind"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		TS         time.Time       `json:"ts"`
	}
	frames := make([]frame, 0, len(events))
	for _, e := range events {
		frames = append(frames, frame{
			RunID:      e.RunID,
			ProducerID: e.ProducerID,
			Seq:        e.Seq,
			RunSeq:     e.RunSeq,
			Kind:       e.Kind,
			Payload:    e.Payload,
			TS:         e.TS,
		})
	}
	writeJSON(w, http.StatusOK, frames)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	sessions, err := s.rt.Sessions.List(r.Context(), userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type renameSessionRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.rt.Sessions.Rename(r.Context(), req.UserID, chi.URLParam(r, "sessionID"), req.Title)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	err := s.rt.Sessions.Delete(r.Context(), userID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission denied")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
