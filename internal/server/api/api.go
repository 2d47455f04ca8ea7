// Copyright 2025 Tom Barlow
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

// Package api is the fluxd HTTP surface: the v1 REST API for workflows,
// executions, schedules, secrets, and workers, plus the worker websocket
// endpoint and Prometheus metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/flux/internal/cache"
	"github.com/tombee/flux/internal/log"
	"github.com/tombee/flux/internal/secrets"
	"github.com/tombee/flux/internal/server/catalog"
	"github.com/tombee/flux/internal/server/engine"
	"github.com/tombee/flux/internal/server/metrics"
	"github.com/tombee/flux/internal/server/registry"
	"github.com/tombee/flux/internal/storage"
	fluxerrors "github.com/tombee/flux/pkg/errors"
)

// Server serves the fluxd API. All fields are required except Hub and
// Metrics, which disable their endpoints when nil.
type Server struct {
	Catalog    *catalog.Catalog
	Engine     *engine.Engine
	Registry   *registry.Registry
	Schedules  storage.ScheduleStore
	Executions storage.ExecutionStore
	Events     storage.EventStore
	Secrets    *secrets.Store
	Cache      *cache.Cache
	Metrics    *metrics.Metrics
	Hub        http.Handler
	Logger     *slog.Logger
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.Logger = log.WithComponent(s.Logger, "api")

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)

	mux.HandleFunc("POST /v1/workflows", s.handleRegisterWorkflow)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{name}", s.handleGetWorkflow)

	mux.HandleFunc("POST /v1/executions", s.handleStartExecution)
	mux.HandleFunc("GET /v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /v1/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("POST /v1/executions/{id}/resume", s.handleResumeExecution)

	mux.HandleFunc("POST /v1/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /v1/schedules", s.handleListSchedules)
	mux.HandleFunc("GET /v1/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /v1/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /v1/schedules/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("POST /v1/schedules/{id}/enable", s.handleEnableSchedule(true))
	mux.HandleFunc("POST /v1/schedules/{id}/disable", s.handleEnableSchedule(false))

	mux.HandleFunc("PUT /v1/secrets/{name}", s.handleSetSecret)
	mux.HandleFunc("GET /v1/secrets/{name}", s.handleGetSecret)
	mux.HandleFunc("GET /v1/secrets", s.handleListSecrets)
	mux.HandleFunc("DELETE /v1/secrets/{name}", s.handleDeleteSecret)

	if s.Cache != nil {
		mux.HandleFunc("GET /v1/cache/{key}", s.handleGetCache)
		mux.HandleFunc("PUT /v1/cache/{key}", s.handlePutCache)
	}

	mux.HandleFunc("GET /v1/workers", s.handleListWorkers)
	mux.HandleFunc("POST /v1/workers/register", s.handleRegisterWorker)
	if s.Hub != nil {
		mux.Handle("GET /v1/workers/ws", s.Hub)
	}
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}

	return s.requestLogger(mux)
}

// requestLogger tags each request with an id and logs it on completion.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket endpoint hijacks the connection; wrapping its
		// ResponseWriter would hide the Hijacker interface.
		if r.URL.Path == "/v1/workers/ws" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		logger := log.WithRequestID(s.Logger, uuid.NewString())
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			log.DurationKey, time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps error kinds onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := fluxerrors.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case fluxerrors.KindValidation:
		status = http.StatusBadRequest
	case fluxerrors.KindNotFound, fluxerrors.KindSecretMissing:
		status = http.StatusNotFound
	case fluxerrors.KindConflict:
		status = http.StatusConflict
	case fluxerrors.KindNoWorkerAvailable, fluxerrors.KindWorkerDisconnected:
		status = http.StatusServiceUnavailable
	case fluxerrors.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, &fluxerrors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
