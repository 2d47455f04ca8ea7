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

// Package engine drives execution lifecycles on the server: starting and
// resuming executions, applying worker checkpoints, cancellation with a
// grace period, and orphan recovery. The event log is the source of truth;
// the execution record is a projection the engine keeps current.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/flux/internal/log"
	"github.com/tombee/flux/internal/server/catalog"
	"github.com/tombee/flux/internal/server/dispatcher"
	"github.com/tombee/flux/internal/server/metrics"
	"github.com/tombee/flux/internal/storage"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
)

// CancelSender delivers a cancellation request to the worker holding an
// execution.
type CancelSender interface {
	CancelExecution(workerID, executionID, reason string) error
}

// Config tunes engine behavior.
type Config struct {
	// CancelGrace is how long a worker gets to wind an execution down
	// before the server finalizes the cancellation itself.
	CancelGrace time.Duration

	// OrphanTimeout is how long a running execution may go without a
	// checkpoint before it is requeued.
	OrphanTimeout time.Duration
}

// Engine coordinates execution state across storage, the dispatcher, and
// worker sessions.
type Engine struct {
	cfg     Config
	backend storage.Backend
	catalog *catalog.Catalog
	disp    *dispatcher.Dispatcher
	cancels CancelSender
	metrics *metrics.Metrics
	logger  *slog.Logger
	events  *broker
	now     func() time.Time

	mu          sync.Mutex
	graceTimers map[string]*time.Timer
}

// New creates an engine. SetCancelSender must be called before executions
// can be cancelled cooperatively.
func New(cfg Config, backend storage.Backend, cat *catalog.Catalog, disp *dispatcher.Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:         cfg,
		backend:     backend,
		catalog:     cat,
		disp:        disp,
		metrics:     m,
		logger:      log.WithComponent(logger, "engine"),
		events:      newBroker(),
		now:         time.Now,
		graceTimers: make(map[string]*time.Timer),
	}
	disp.OnTerminal(e.dispatcherFinalized)
	return e
}

// SetCancelSender wires the channel used to reach workers for cancellation.
func (e *Engine) SetCancelSender(s CancelSender) {
	e.mu.Lock()
	e.cancels = s
	e.mu.Unlock()
}

// Start creates a new execution of a workflow and queues it for dispatch.
// Version 0 pins the latest registered version at submission time.
func (e *Engine) Start(ctx context.Context, workflow string, version int, input json.RawMessage, priority int, scheduleID string) (*storage.ExecutionRecord, error) {
	wf, err := e.catalog.Get(ctx, workflow, version)
	if err != nil {
		return nil, err
	}

	now := e.now()
	rec := &storage.ExecutionRecord{
		ID:              uuid.NewString(),
		Workflow:        wf.Name,
		WorkflowVersion: wf.Version,
		State:           execution.StateScheduled,
		Input:           input,
		Priority:        priority,
		ScheduleID:      scheduleID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.backend.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}

	e.logger.Info("execution created",
		log.ExecutionIDKey, rec.ID,
		log.WorkflowKey, rec.Workflow,
		"version", rec.WorkflowVersion,
		"priority", rec.Priority,
	)
	e.disp.Enqueue(rec.ID, rec.Priority)
	return rec, nil
}

// Apply persists a checkpoint batch from a worker and returns the highest
// durable sequence. The batch must come from the assigned worker and extend
// the log contiguously.
func (e *Engine) Apply(ctx context.Context, workerID, executionID string, events []execution.Event) (int64, error) {
	rec, err := e.backend.GetExecution(ctx, executionID)
	if err != nil {
		return -1, err
	}
	if rec.WorkerID != workerID {
		return -1, &fluxerrors.ConflictError{
			Resource: "execution",
			ID:       executionID,
			Reason:   "checkpoint from a worker that does not hold the execution",
		}
	}
	if rec.State.Terminal() {
		return -1, &fluxerrors.ConflictError{
			Resource: "execution",
			ID:       executionID,
			Reason:   "execution already finished",
		}
	}

	if len(events) > 0 {
		if err := e.backend.AppendEvents(ctx, executionID, events); err != nil {
			return -1, err
		}
		e.metrics.CheckpointsTotal.Inc()
		e.metrics.EventsTotal.Add(float64(len(events)))
	}

	full, err := e.backend.ListEvents(ctx, executionID, 0)
	if err != nil {
		return -1, err
	}
	state := execution.Project(full)
	if rec.State == execution.StateCancelling && !state.Terminal() {
		// The projection lags until the worker checkpoints its
		// CANCEL_REQUESTED event; do not flip the record back to RUNNING.
		state = execution.StateCancelling
	}

	rec.State = state
	rec.CheckpointAt = e.now()
	if err := e.backend.UpdateExecution(ctx, rec); err != nil {
		return -1, err
	}

	e.events.publish(events)

	if state.Terminal() || state == execution.StatePaused {
		e.finalize(rec, state)
	}

	if len(full) == 0 {
		return -1, nil
	}
	return full[len(full)-1].Sequence, nil
}

// finalize releases dispatch resources once an execution stops running.
func (e *Engine) finalize(rec *storage.ExecutionRecord, state execution.State) {
	e.stopGraceTimer(rec.ID)
	e.disp.Finished(rec.ID)

	if state.Terminal() {
		e.metrics.ExecutionsTotal.WithLabelValues(string(state)).Inc()
		e.metrics.ExecutionDurations.Observe(e.now().Sub(rec.CreatedAt).Seconds())
	}
	e.logger.Info("execution settled",
		log.ExecutionIDKey, rec.ID,
		log.WorkflowKey, rec.Workflow,
		"state", string(state),
	)
}

// Cancel requests cancellation. Unassigned executions cancel immediately;
// assigned ones get a cooperative request and a grace period before the
// server finalizes the cancel itself. The returned state is the execution's
// state after this call.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (execution.State, error) {
	rec, err := e.backend.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}

	switch {
	case rec.State.Terminal():
		return rec.State, nil

	case rec.State == execution.StateCancelling:
		return rec.State, nil

	case rec.State.Assigned():
		// The worker owns the log head while the execution is assigned.
		// It records WORKFLOW_CANCEL_REQUESTED itself and checkpoints it
		// back; appending here would collide with its next batch.
		rec.State = execution.StateCancelling
		if err := e.backend.UpdateExecution(ctx, rec); err != nil {
			return "", err
		}

		e.mu.Lock()
		cancels := e.cancels
		e.mu.Unlock()
		if cancels != nil {
			if err := cancels.CancelExecution(rec.WorkerID, executionID, reason); err != nil {
				e.logger.Warn("cancel delivery failed",
					log.ExecutionIDKey, executionID,
					log.WorkerIDKey, rec.WorkerID,
					log.Error(err),
				)
			}
		}
		e.startGraceTimer(executionID, reason)
		return execution.StateCancelling, nil

	default:
		// SCHEDULED or PAUSED: no worker holds it, cancel right away.
		if err := e.appendServerEvents(ctx, executionID,
			eventValue(execution.EventWorkflowCancelRequested, cancelValue{Reason: reason}),
			eventValue(execution.EventWorkflowCancelled, cancelValue{Reason: reason}),
		); err != nil {
			return "", err
		}
		rec.State = execution.StateCancelled
		if err := e.backend.UpdateExecution(ctx, rec); err != nil {
			return "", err
		}
		e.finalize(rec, execution.StateCancelled)
		return execution.StateCancelled, nil
	}
}

type cancelValue struct {
	Reason string `json:"reason,omitempty"`
}

type pendingEvent struct {
	typ   execution.EventType
	value any
}

func eventValue(typ execution.EventType, value any) pendingEvent {
	return pendingEvent{typ: typ, value: value}
}

// appendServerEvents appends server-sourced events at the head of the log
// and publishes them.
func (e *Engine) appendServerEvents(ctx context.Context, executionID string, pending ...pendingEvent) error {
	last, err := e.backend.LastSequence(ctx, executionID)
	if err != nil {
		return err
	}

	now := e.now()
	events := make([]execution.Event, 0, len(pending))
	for i, p := range pending {
		ev := execution.Event{
			ExecutionID: executionID,
			Sequence:    last + 1 + int64(i),
			Type:        p.typ,
			Source:      "server",
			Time:        now,
		}
		if p.value != nil {
			if raw, err := json.Marshal(p.value); err == nil {
				ev.Value = raw
			}
		}
		events = append(events, ev)
	}
	if err := e.backend.AppendEvents(ctx, executionID, events); err != nil {
		return err
	}
	e.metrics.EventsTotal.Add(float64(len(events)))
	e.events.publish(events)
	return nil
}

func (e *Engine) startGraceTimer(executionID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.graceTimers[executionID]; ok {
		return
	}
	e.graceTimers[executionID] = time.AfterFunc(e.cfg.CancelGrace, func() {
		e.forceCancel(executionID, reason)
	})
}

func (e *Engine) stopGraceTimer(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.graceTimers[executionID]; ok {
		t.Stop()
		delete(e.graceTimers, executionID)
	}
}

// forceCancel finalizes a cancellation the worker did not acknowledge
// within the grace period.
func (e *Engine) forceCancel(executionID, reason string) {
	ctx := context.Background()

	e.mu.Lock()
	delete(e.graceTimers, executionID)
	e.mu.Unlock()

	rec, err := e.backend.GetExecution(ctx, executionID)
	if err != nil || rec.State.Terminal() {
		return
	}

	e.logger.Warn("cancel grace expired, reclaiming execution",
		log.ExecutionIDKey, executionID,
		log.WorkerIDKey, rec.WorkerID,
	)
	if err := e.appendServerEvents(ctx, executionID,
		eventValue(execution.EventWorkflowCancelled, cancelValue{Reason: reason}),
	); err != nil {
		e.logger.Error("recording forced cancel", log.ExecutionIDKey, executionID, log.Error(err))
		return
	}
	rec.State = execution.StateCancelled
	if err := e.backend.UpdateExecution(ctx, rec); err != nil {
		e.logger.Error("finalizing forced cancel", log.ExecutionIDKey, executionID, log.Error(err))
		return
	}
	e.finalize(rec, execution.StateCancelled)
}

// Resume requeues a paused execution. The appended WORKFLOW_RESUMED event
// makes the recorded pause a no-op on replay.
func (e *Engine) Resume(ctx context.Context, executionID string) (*storage.ExecutionRecord, error) {
	rec, err := e.backend.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if rec.State != execution.StatePaused {
		return nil, &fluxerrors.ConflictError{
			Resource: "execution",
			ID:       executionID,
			Reason:   "only paused executions can be resumed",
		}
	}

	if err := e.appendServerEvents(ctx, executionID,
		eventValue(execution.EventWorkflowResumed, nil),
	); err != nil {
		return nil, err
	}

	rec.State = execution.StateScheduled
	rec.WorkerID = ""
	rec.Attempts = 0
	if err := e.backend.UpdateExecution(ctx, rec); err != nil {
		return nil, err
	}

	e.logger.Info("execution resumed", log.ExecutionIDKey, executionID)
	e.disp.Enqueue(executionID, rec.Priority)
	return rec, nil
}

// Subscribe returns new events for an execution as they are persisted.
func (e *Engine) Subscribe(executionID string) (<-chan execution.Event, func()) {
	return e.events.subscribe(executionID)
}

// WaitTerminal blocks until the execution reaches a terminal state. Event
// delivery is the fast path; a poll covers dropped notifications.
func (e *Engine) WaitTerminal(ctx context.Context, executionID string) (*storage.ExecutionRecord, error) {
	sub, cancel := e.Subscribe(executionID)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		rec, err := e.backend.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if rec.State.Terminal() {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sub:
		case <-ticker.C:
		}
	}
}

// dispatcherFinalized republishes terminal events recorded by the
// dispatcher so waiters and streams observe them.
func (e *Engine) dispatcherFinalized(executionID string, _ execution.State) {
	ctx := context.Background()
	events, err := e.backend.ListEvents(ctx, executionID, 0)
	if err != nil || len(events) == 0 {
		return
	}
	e.events.publish(events[len(events)-1:])
}

// SweepOrphans requeues running executions whose workers have gone silent
// past the orphan timeout.
func (e *Engine) SweepOrphans(ctx context.Context) error {
	recs, err := e.backend.ListExecutions(ctx, storage.ExecutionFilter{
		States: []execution.State{execution.StateRunning},
	})
	if err != nil {
		return err
	}

	cutoff := e.now().Add(-e.cfg.OrphanTimeout)
	for _, rec := range recs {
		at := rec.CheckpointAt
		if at.IsZero() {
			at = rec.UpdatedAt
		}
		if !at.Before(cutoff) {
			continue
		}
		e.logger.Warn("requeueing orphaned execution",
			log.ExecutionIDKey, rec.ID,
			log.WorkerIDKey, rec.WorkerID,
			"last_checkpoint", at,
		)
		e.disp.Requeue(rec.ID)
	}
	return nil
}

// RunOrphanSweeper sweeps on the given interval until ctx is cancelled.
func (e *Engine) RunOrphanSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SweepOrphans(ctx); err != nil {
				e.logger.Error("orphan sweep failed", log.Error(err))
			}
		}
	}
}
