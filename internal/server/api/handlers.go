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

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/flux/internal/log"
	"github.com/tombee/flux/internal/protocol"
	"github.com/tombee/flux/internal/server/scheduler"
	"github.com/tombee/flux/internal/storage"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

// --- workflows ---

type registerWorkflowRequest struct {
	Name     string        `json:"name"`
	Metadata flux.Metadata `json:"metadata"`
}

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var req registerWorkflowRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.Catalog.Register(r.Context(), req.Name, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Catalog.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		var err error
		if version, err = strconv.Atoi(v); err != nil {
			s.writeError(w, &fluxerrors.ValidationError{Field: "version", Message: "not an integer"})
			return
		}
	}
	rec, err := s.Catalog.Get(r.Context(), r.PathValue("name"), version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- executions ---

type startExecutionRequest struct {
	Workflow string          `json:"workflow"`
	Version  int             `json:"version,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.Engine.Start(r.Context(), req.Workflow, req.Version, req.Input, req.Priority, "")
	if err != nil {
		s.writeError(w, err)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		final, err := s.Engine.WaitTerminal(r.Context(), rec.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, final)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ExecutionFilter{Workflow: q.Get("workflow")}
	if v := q.Get("state"); v != "" {
		for _, part := range strings.Split(v, ",") {
			filter.States = append(filter.States, execution.State(strings.ToUpper(strings.TrimSpace(part))))
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, &fluxerrors.ValidationError{Field: "limit", Message: "not a non-negative integer"})
			return
		}
		filter.Limit = limit
	}
	recs, err := s.Executions.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type executionDetail struct {
	*storage.ExecutionRecord
	Events []execution.Event `json:"events"`
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Executions.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if r.URL.Query().Get("detailed") != "true" {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	events, err := s.Events.ListEvents(r.Context(), rec.ID, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executionDetail{ExecutionRecord: rec, Events: events})
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Executions.GetExecution(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	from := int64(0)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, &fluxerrors.ValidationError{Field: "from", Message: "not an integer"})
			return
		}
		from = parsed
	}

	if r.URL.Query().Get("follow") != "true" {
		events, err := s.Events.ListEvents(r.Context(), id, from)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
		return
	}
	s.streamEvents(w, r, id, from)
}

// streamEvents serves the event log as SSE: the persisted tail first, then
// live events until the execution reaches a terminal state.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, id string, from int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fluxerrors.New("streaming unsupported"))
		return
	}

	// Subscribe before replay so nothing falls in the gap; duplicates are
	// filtered by sequence below.
	live, cancel := s.Engine.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	lastSeq := from - 1
	terminal := false

	emit := func(ev execution.Event) {
		if ev.Sequence <= lastSeq {
			return
		}
		lastSeq = ev.Sequence
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		w.Write([]byte("data: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
		if ev.Terminal() {
			terminal = true
		}
	}

	replay, err := s.Events.ListEvents(r.Context(), id, from)
	if err != nil {
		s.Logger.Warn("event replay failed", log.ExecutionIDKey, id, log.Error(err))
		return
	}
	for _, ev := range replay {
		emit(ev)
	}

	// The broker drops on overflow, so poll the log as a fallback.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for !terminal {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			emit(ev)
		case <-ticker.C:
			missed, err := s.Events.ListEvents(r.Context(), id, lastSeq+1)
			if err != nil {
				continue
			}
			for _, ev := range missed {
				emit(ev)
			}
		}
	}
}

type cancelExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	var req cancelExecutionRequest
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")

	state, err := s.Engine.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		final, err := s.Engine.WaitTerminal(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, final)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": string(state)})
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Engine.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// --- schedules ---

type scheduleRequest struct {
	Workflow      string          `json:"workflow"`
	Cron          string          `json:"cron,omitempty"`
	Every         string          `json:"every,omitempty"`
	Timezone      string          `json:"timezone,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	InputTemplate string          `json:"input_template,omitempty"`
	Enabled       *bool           `json:"enabled,omitempty"`
	CatchUpPolicy string          `json:"catch_up_policy,omitempty"`
	AllowOverlap  *bool           `json:"allow_overlap,omitempty"`
}

func (req *scheduleRequest) apply(rec *storage.ScheduleRecord) error {
	rec.Workflow = req.Workflow
	rec.Cron = req.Cron
	rec.Timezone = req.Timezone
	rec.Input = req.Input
	rec.InputTemplate = req.InputTemplate
	rec.CatchUpPolicy = req.CatchUpPolicy
	if req.Enabled != nil {
		rec.Enabled = *req.Enabled
	}
	if req.AllowOverlap != nil {
		rec.AllowOverlap = *req.AllowOverlap
	}
	rec.Every = 0
	if req.Every != "" {
		every, err := time.ParseDuration(req.Every)
		if err != nil {
			return &fluxerrors.ValidationError{Field: "every", Message: err.Error()}
		}
		rec.Every = every
	}
	return nil
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	now := time.Now()
	rec := &storage.ScheduleRecord{
		ID:        uuid.NewString(),
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := req.apply(rec); err != nil {
		s.writeError(w, err)
		return
	}
	if err := scheduler.Validate(rec); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.Schedules.PutSchedule(r.Context(), rec); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Schedules.ListSchedules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Schedules.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.Schedules.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.apply(rec); err != nil {
		s.writeError(w, err)
		return
	}
	rec.UpdatedAt = time.Now()
	if err := scheduler.Validate(rec); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.Schedules.PutSchedule(r.Context(), rec); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.Schedules.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableSchedule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.Schedules.GetSchedule(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		rec.Enabled = enabled
		rec.UpdatedAt = time.Now()
		if err := s.Schedules.PutSchedule(r.Context(), rec); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// --- secrets ---

type secretRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	var req secretRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Secrets.Set(r.Context(), r.PathValue("name"), req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	value, err := s.Secrets.Get(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": value})
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	names, err := s.Secrets.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"names": names})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.Secrets.Delete(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- cache ---

func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request) {
	value, ok := s.Cache.Get(r.Context(), r.PathValue("key"))
	if !ok {
		s.writeError(w, &fluxerrors.NotFoundError{Resource: "cache entry", ID: r.PathValue("key")})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

func (s *Server) handlePutCache(w http.ResponseWriter, r *http.Request) {
	ttl := time.Duration(0)
	if v := r.URL.Query().Get("ttl_seconds"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds < 0 {
			s.writeError(w, &fluxerrors.ValidationError{Field: "ttl_seconds", Message: "not a non-negative integer"})
			return
		}
		ttl = time.Duration(seconds) * time.Second
	}
	var value json.RawMessage
	if !s.decode(w, r, &value) {
		return
	}
	s.Cache.Put(r.Context(), r.PathValue("key"), value, ttl)
	w.WriteHeader(http.StatusNoContent)
}

// --- workers ---

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Registry.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.Registry.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}
