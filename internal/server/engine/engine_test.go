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

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flux/internal/protocol"
	"github.com/tombee/flux/internal/server/catalog"
	"github.com/tombee/flux/internal/server/dispatcher"
	"github.com/tombee/flux/internal/server/metrics"
	"github.com/tombee/flux/internal/storage"
	"github.com/tombee/flux/internal/storage/memory"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

type recordingSender struct {
	mu      sync.Mutex
	offers  chan protocol.Message
	cancels []protocol.Message
}

func newRecordingSender() *recordingSender {
	return &recordingSender{offers: make(chan protocol.Message, 16)}
}

func (s *recordingSender) Send(workerID string, msg protocol.Message) error {
	s.offers <- msg
	return nil
}

func (s *recordingSender) CancelExecution(workerID, executionID, reason string) error {
	msg, err := protocol.New(protocol.TypeCancel, executionID, protocol.CancelPayload{Reason: reason})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cancels = append(s.cancels, msg)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

type fixture struct {
	backend storage.Backend
	engine  *Engine
	sender  *recordingSender
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = time.Minute
	}
	if cfg.OrphanTimeout == 0 {
		cfg.OrphanTimeout = time.Minute
	}
	backend := memory.New()
	m := metrics.New()
	cat := catalog.New(backend)
	disp := dispatcher.New(dispatcher.Config{
		ClaimAckTimeout:  time.Minute,
		MaxClaimAttempts: 3,
	}, backend, m, nil)
	sender := newRecordingSender()
	disp.SetSender(sender)
	eng := New(cfg, backend, cat, disp, m, nil)
	eng.SetCancelSender(sender)

	_, err := cat.Register(context.Background(), "pipeline", flux.Metadata{
		Resources: flux.ResourceRequest{CPU: 1},
	})
	require.NoError(t, err)

	require.NoError(t, backend.PutWorker(context.Background(), &storage.WorkerRecord{
		ID:           "w1",
		Capabilities: flux.Capabilities{CPU: 4, MemoryBytes: 8 << 30},
		Status:       storage.WorkerOnline,
		LastSeen:     time.Now(),
	}))
	disp.WorkerConnected("w1")

	t.Cleanup(func() { _ = backend.Close() })
	return &fixture{backend: backend, engine: eng, sender: sender}
}

// startClaimed creates an execution and walks it to RUNNING on worker w1.
func (f *fixture) startClaimed(t *testing.T) string {
	t.Helper()
	rec, err := f.engine.Start(context.Background(), "pipeline", 0, json.RawMessage(`{"n":1}`), 0, "")
	require.NoError(t, err)

	select {
	case msg := <-f.sender.offers:
		require.Equal(t, protocol.TypeExecute, msg.Type)
		require.Equal(t, rec.ID, msg.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no execute offer")
	}
	require.NoError(t, f.engine.disp.ClaimAcked(rec.ID, "w1"))
	return rec.ID
}

func workerEvent(id string, seq int64, typ execution.EventType, value any) execution.Event {
	ev := execution.Event{
		ExecutionID: id,
		Sequence:    seq,
		Type:        typ,
		Source:      "worker",
		Time:        time.Now(),
	}
	if value != nil {
		raw, _ := json.Marshal(value)
		ev.Value = raw
	}
	return ev
}

func TestStartUnknownWorkflow(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.Start(context.Background(), "ghost", 0, nil, 0, "")
	require.Error(t, err)
	assert.Equal(t, fluxerrors.KindNotFound, fluxerrors.KindOf(err))
}

func TestCheckpointLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.startClaimed(t)
	ctx := context.Background()

	ack, err := f.engine.Apply(ctx, "w1", id, []execution.Event{
		workerEvent(id, 0, execution.EventWorkflowStarted, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ack)

	rec, err := f.backend.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StateRunning, rec.State)

	ack, err = f.engine.Apply(ctx, "w1", id, []execution.Event{
		workerEvent(id, 1, execution.EventTaskStarted, nil),
		workerEvent(id, 2, execution.EventTaskCompleted, map[string]any{"value": 42}),
		workerEvent(id, 3, execution.EventWorkflowCompleted, map[string]any{"value": 42}),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), ack)

	rec, err = f.backend.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StateCompleted, rec.State)
}

func TestCheckpointRejectsWrongWorker(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.startClaimed(t)

	_, err := f.engine.Apply(context.Background(), "intruder", id, []execution.Event{
		workerEvent(id, 0, execution.EventWorkflowStarted, nil),
	})
	require.Error(t, err)
	assert.Equal(t, fluxerrors.KindConflict, fluxerrors.KindOf(err))
}

func TestCheckpointRejectsGaps(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.startClaimed(t)

	_, err := f.engine.Apply(context.Background(), "w1", id, []execution.Event{
		workerEvent(id, 5, execution.EventWorkflowStarted, nil),
	})
	require.Error(t, err)
	assert.Equal(t, fluxerrors.KindConflict, fluxerrors.KindOf(err))
}

func TestCancelUnassignedIsImmediate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// No eligible worker: keep the execution queued by using a request
	// nothing satisfies.
	_, err := f.engine.catalog.Register(ctx, "heavy", flux.Metadata{
		Resources: flux.ResourceRequest{CPU: 64},
	})
	require.NoError(t, err)
	rec, err := f.engine.Start(ctx, "heavy", 0, nil, 0, "")
	require.NoError(t, err)

	state, err := f.engine.Cancel(ctx, rec.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, execution.StateCancelled, state)

	events, err := f.backend.ListEvents(ctx, rec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, execution.EventWorkflowCancelRequested, events[0].Type)
	assert.Equal(t, execution.EventWorkflowCancelled, events[1].Type)

	var v struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, events[0].DecodeValue(&v))
	assert.Equal(t, "operator request", v.Reason)

	// Cancelling again is a no-op.
	state, err = f.engine.Cancel(ctx, rec.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, execution.StateCancelled, state)
}

func TestCancelRunningCooperative(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.startClaimed(t)
	ctx := context.Background()

	_, err := f.engine.Apply(ctx, "w1", id, []execution.Event{
		workerEvent(id, 0, execution.EventWorkflowStarted, nil),
	})
	require.NoError(t, err)

	state, err := f.engine.Cancel(ctx, id, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, execution.StateCancelling, state)
	assert.Equal(t, 1, f.sender.cancelCount())

	// A checkpoint that does not yet carry the cancel events must not
	// flip the record back to RUNNING.
	_, err = f.engine.Apply(ctx, "w1", id, []execution.Event{
		workerEvent(id, 1, execution.EventTaskStarted, nil),
	})
	require.NoError(t, err)
	rec, err := f.backend.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StateCancelling, rec.State)

	// The worker winds down and checkpoints the cancellation.
	_, err = f.engine.Apply(ctx, "w1", id, []execution.Event{
		workerEvent(id, 2, execution.EventWorkflowCancelRequested, nil),
		workerEvent(id, 3, execution.EventTaskFailed, nil),
		workerEvent(id, 4, execution.EventWorkflowCancelled, nil),
	})
	require.NoError(t, err)

	rec, err = f.backend.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StateCancelled, rec.State)
}

func TestCancelGraceForcesReclaim(t *testing.T) {
	f := newFixture(t, Config{CancelGrace: 20 * time.Millisecond})
	id := f.startClaimed(t)
	ctx := context.Background()

	_, err := f.engine.Apply(ctx, "w1", id, []execution.Event{
		workerEvent(id, 0, execution.EventWorkflowStarted, nil),
	})
	require.NoError(t, err)

	state, err := f.engine.Cancel(ctx, id, "stuck")
	require.NoError(t, err)
	assert.Equal(t, execution.StateCancelling, state)

	require.Eventually(t, func() bool {
		rec, err := f.backend.GetExecution(ctx, id)
		return err == nil && rec.State == execution.StateCancelled
	}, 2*time.Second, 10*time.Millisecond)

	events, err := f.backend.ListEvents(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, execution.EventWorkflowCancelled, events[len(events)-1].Type)

	// Late checkpoints from the reclaimed worker are rejected.
	_, err = f.engine.Apply(ctx, "w1", id, []execution.Event{
		workerEvent(id, 1, execution.EventTaskCompleted, nil),
	})
	require.Error(t, err)
	assert.Equal(t, fluxerrors.KindConflict, fluxerrors.KindOf(err))
}

func TestResumePausedExecution(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.startClaimed(t)
	ctx := context.Background()

	_, err := f.engine.Apply(ctx, "w1", id, []execution.Event{
		workerEvent(id, 0, execution.EventWorkflowStarted, nil),
		workerEvent(id, 1, execution.EventWorkflowPaused, map[string]string{"name": "approval"}),
	})
	require.NoError(t, err)

	rec, err := f.backend.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StatePaused, rec.State)

	// Resuming appends the resume event and requeues for dispatch.
	rec, err = f.engine.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StateScheduled, rec.State)

	select {
	case msg := <-f.sender.offers:
		assert.Equal(t, id, msg.ExecutionID)
		var payload protocol.ExecutePayload
		require.NoError(t, msg.Decode(&payload))
		require.Len(t, payload.PriorEvents, 3)
		assert.Equal(t, execution.EventWorkflowResumed, payload.PriorEvents[2].Type)
	case <-time.After(2 * time.Second):
		t.Fatal("resumed execution was not redispatched")
	}

	// Resuming a non-paused execution conflicts.
	_, err = f.engine.Resume(ctx, id)
	require.Error(t, err)
	assert.Equal(t, fluxerrors.KindConflict, fluxerrors.KindOf(err))
}

func TestWaitTerminalAndSubscribe(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.startClaimed(t)
	ctx := context.Background()

	sub, cancel := f.engine.Subscribe(id)
	defer cancel()

	done := make(chan *storage.ExecutionRecord, 1)
	go func() {
		rec, err := f.engine.WaitTerminal(ctx, id)
		if err == nil {
			done <- rec
		}
	}()

	_, err := f.engine.Apply(ctx, "w1", id, []execution.Event{
		workerEvent(id, 0, execution.EventWorkflowStarted, nil),
		workerEvent(id, 1, execution.EventWorkflowCompleted, map[string]any{"value": "ok"}),
	})
	require.NoError(t, err)

	select {
	case rec := <-done:
		assert.Equal(t, execution.StateCompleted, rec.State)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitTerminal did not return")
	}

	// The subscriber observed the published events.
	first := <-sub
	assert.Equal(t, execution.EventWorkflowStarted, first.Type)
}

func TestSweepOrphansRequeues(t *testing.T) {
	f := newFixture(t, Config{OrphanTimeout: 50 * time.Millisecond})
	id := f.startClaimed(t)
	ctx := context.Background()

	_, err := f.engine.Apply(ctx, "w1", id, []execution.Event{
		workerEvent(id, 0, execution.EventWorkflowStarted, nil),
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, f.engine.SweepOrphans(ctx))

	// The execution went back to the queue and out to a worker again,
	// with its prior events attached for replay.
	select {
	case msg := <-f.sender.offers:
		assert.Equal(t, id, msg.ExecutionID)
		var payload protocol.ExecutePayload
		require.NoError(t, msg.Decode(&payload))
		require.Len(t, payload.PriorEvents, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned execution was not redispatched")
	}
}
