/*
 * Copyright 2026 The FileRipper Team
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package statusapi exposes a local, read-only HTTP view over one
// project's orchestrator progress: the current Transfer Pool
// snapshot and the State Store's checkpoint/error logs. It has no
// write endpoints; a mirroring run is driven by orchestrator.Run, not
// by this server, generalizing the teacher's REST daemon from a
// connect-and-browse control surface into a pure status poller for an
// external UI.
package statusapi

import (
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/nasmirror/nasync"
	"github.com/nasmirror/nasync/internal/pool"
	"github.com/nasmirror/nasync/internal/store"
)

// StatsFunc returns the most recent Transfer Pool snapshot for the
// run currently in flight, or a zero Stats when nothing is running.
type StatsFunc func() pool.Stats

// Server answers status queries for one project's State Store.
type Server struct {
	store   *store.Store
	project string
	stats   StatsFunc
	logger  *slog.Logger
}

func New(st *store.Store, project string, stats StatsFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = func() pool.Stats { return pool.Stats{} }
	}
	return &Server{store: st, project: project, stats: stats, logger: logger}
}

// Handler returns the mux of every endpoint this server answers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/progress", s.handleProgress)
	mux.HandleFunc("/api/checkpoints", s.handleCheckpoints)
	mux.HandleFunc("/api/errors", s.handleErrors)
	return mux
}

// ListenAndServe blocks serving Handler() on addr (e.g. "127.0.0.1:8787").
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("statusapi: listening", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, true, "OK", s.stats())
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	syncID := r.URL.Query().Get("sync_id")
	if syncID == "" {
		sendJSON(w, false, "sync_id query parameter is required", nil)
		return
	}
	cp, ok, err := s.store.LatestCheckpoint(syncID)
	if err != nil {
		sendJSON(w, false, "failed to read checkpoint: "+err.Error(), nil)
		return
	}
	if !ok {
		sendJSON(w, false, "no checkpoint for sync_id", nil)
		return
	}
	sendJSON(w, true, "OK", cp)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	syncID := r.URL.Query().Get("sync_id")
	if syncID == "" {
		sendJSON(w, false, "sync_id query parameter is required", nil)
		return
	}
	var records []nasync.ErrorRecord
	if err := s.store.Errors(syncID, func(rec nasync.ErrorRecord) error {
		records = append(records, rec)
		return nil
	}); err != nil {
		sendJSON(w, false, "failed to read error log: "+err.Error(), nil)
		return
	}
	sendJSON(w, true, "OK", records)
}

func sendJSON(w http.ResponseWriter, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(apiResponse{Success: success, Message: message, Data: data})
}
