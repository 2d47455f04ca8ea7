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

package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flux/internal/protocol"
	"github.com/tombee/flux/internal/server/metrics"
	"github.com/tombee/flux/internal/storage"
	"github.com/tombee/flux/internal/storage/memory"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

type sentOffer struct {
	workerID string
	msg      protocol.Message
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentOffer
	fail  bool
	chans chan sentOffer
}

func newFakeSender() *fakeSender {
	return &fakeSender{chans: make(chan sentOffer, 32)}
}

func (s *fakeSender) Send(workerID string, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fluxerrors.New("connection closed")
	}
	offer := sentOffer{workerID: workerID, msg: msg}
	s.sent = append(s.sent, offer)
	s.chans <- offer
	return nil
}

func (s *fakeSender) offers() []sentOffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentOffer(nil), s.sent...)
}

func (s *fakeSender) waitOffer(t *testing.T) sentOffer {
	t.Helper()
	select {
	case offer := <-s.chans:
		return offer
	case <-time.After(2 * time.Second):
		t.Fatal("no offer sent")
		return sentOffer{}
	}
}

type fixture struct {
	backend storage.Backend
	d       *Dispatcher
	sender  *fakeSender
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.ClaimAckTimeout == 0 {
		cfg.ClaimAckTimeout = time.Minute
	}
	if cfg.MaxClaimAttempts == 0 {
		cfg.MaxClaimAttempts = 3
	}
	backend := memory.New()
	d := New(cfg, backend, metrics.New(), nil)
	sender := newFakeSender()
	d.SetSender(sender)
	return &fixture{backend: backend, d: d, sender: sender}
}

func (f *fixture) registerWorkflow(t *testing.T, name string, req flux.ResourceRequest) {
	t.Helper()
	_, err := f.backend.PutWorkflow(context.Background(), name, flux.Metadata{Resources: req})
	require.NoError(t, err)
}

func (f *fixture) addWorker(t *testing.T, id string, caps flux.Capabilities, status storage.WorkerStatus) {
	t.Helper()
	err := f.backend.PutWorker(context.Background(), &storage.WorkerRecord{
		ID:           id,
		Capabilities: caps,
		Status:       status,
		LastSeen:     time.Now(),
		RegisteredAt: time.Now(),
	})
	require.NoError(t, err)
	if status == storage.WorkerOnline {
		f.d.WorkerConnected(id)
	}
}

func (f *fixture) createExecution(t *testing.T, id, workflow string, priority int) {
	t.Helper()
	err := f.backend.CreateExecution(context.Background(), &storage.ExecutionRecord{
		ID:              id,
		Workflow:        workflow,
		WorkflowVersion: 1,
		State:           execution.StateScheduled,
		Priority:        priority,
		CreatedAt:       time.Now(),
	})
	require.NoError(t, err)
}

func TestDispatchMatchesWorkerResources(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerWorkflow(t, "train", flux.ResourceRequest{CPU: 4, Tags: []string{"gpu"}})
	f.addWorker(t, "small", flux.Capabilities{CPU: 2, MemoryBytes: 4 << 30}, storage.WorkerOnline)
	f.addWorker(t, "big", flux.Capabilities{CPU: 8, MemoryBytes: 32 << 30, Tags: []string{"gpu"}}, storage.WorkerOnline)

	f.createExecution(t, "e1", "train", 0)
	f.d.Enqueue("e1", 0)

	offer := f.sender.waitOffer(t)
	assert.Equal(t, "big", offer.workerID)
	assert.Equal(t, protocol.TypeExecute, offer.msg.Type)
	assert.Equal(t, "e1", offer.msg.ExecutionID)

	var payload protocol.ExecutePayload
	require.NoError(t, offer.msg.Decode(&payload))
	assert.Equal(t, "train", payload.Workflow)
	assert.Equal(t, 1, payload.Attempt)

	require.NoError(t, f.d.ClaimAcked("e1", "big"))
	rec, err := f.backend.GetExecution(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, execution.StateRunning, rec.State)
}

func TestDispatchPrefersTightestFit(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerWorkflow(t, "job", flux.ResourceRequest{CPU: 2})
	f.addWorker(t, "huge", flux.Capabilities{CPU: 16, MemoryBytes: 64 << 30}, storage.WorkerOnline)
	f.addWorker(t, "snug", flux.Capabilities{CPU: 2, MemoryBytes: 4 << 30}, storage.WorkerOnline)

	f.createExecution(t, "e1", "job", 0)
	f.d.Enqueue("e1", 0)

	offer := f.sender.waitOffer(t)
	assert.Equal(t, "snug", offer.workerID)
}

func TestDispatchSkipsDrainingWorkers(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerWorkflow(t, "job", flux.ResourceRequest{CPU: 1})
	f.addWorker(t, "draining", flux.Capabilities{CPU: 8}, storage.WorkerDraining)
	f.addWorker(t, "online", flux.Capabilities{CPU: 1}, storage.WorkerOnline)

	f.createExecution(t, "e1", "job", 0)
	f.d.Enqueue("e1", 0)

	offer := f.sender.waitOffer(t)
	assert.Equal(t, "online", offer.workerID)
}

func TestDispatchWaitsForEligibleWorker(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerWorkflow(t, "job", flux.ResourceRequest{CPU: 4})
	f.addWorker(t, "small", flux.Capabilities{CPU: 1}, storage.WorkerOnline)

	f.createExecution(t, "e1", "job", 0)
	f.d.Enqueue("e1", 0)

	// No eligible worker yet: the execution stays queued, not failed.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.sender.offers())
	rec, err := f.backend.GetExecution(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, execution.StateScheduled, rec.State)

	// A capable worker joining triggers dispatch.
	f.addWorker(t, "big", flux.Capabilities{CPU: 8}, storage.WorkerOnline)
	offer := f.sender.waitOffer(t)
	assert.Equal(t, "big", offer.workerID)
}

func TestClaimTimeoutEventuallyFailsExecution(t *testing.T) {
	f := newFixture(t, Config{ClaimAckTimeout: 20 * time.Millisecond, MaxClaimAttempts: 2})
	f.registerWorkflow(t, "job", flux.ResourceRequest{CPU: 1})
	f.addWorker(t, "silent", flux.Capabilities{CPU: 4}, storage.WorkerOnline)

	var terminal []execution.State
	var mu sync.Mutex
	f.d.OnTerminal(func(id string, state execution.State) {
		mu.Lock()
		terminal = append(terminal, state)
		mu.Unlock()
	})

	f.createExecution(t, "e1", "job", 0)
	f.d.Enqueue("e1", 0)

	require.Eventually(t, func() bool {
		rec, err := f.backend.GetExecution(context.Background(), "e1")
		return err == nil && rec.State == execution.StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := f.backend.GetExecution(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)

	events, err := f.backend.ListEvents(context.Background(), "e1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, execution.EventWorkflowFailed, events[0].Type)

	var payload fluxerrors.Payload
	require.NoError(t, events[0].DecodeValue(&payload))
	assert.Equal(t, fluxerrors.KindNoWorkerAvailable, payload.Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []execution.State{execution.StateFailed}, terminal)
}

func TestRejectRequeuesExecution(t *testing.T) {
	f := newFixture(t, Config{MaxClaimAttempts: 5})
	f.registerWorkflow(t, "job", flux.ResourceRequest{CPU: 1})
	f.addWorker(t, "w1", flux.Capabilities{CPU: 4}, storage.WorkerOnline)

	f.createExecution(t, "e1", "job", 0)
	f.d.Enqueue("e1", 0)

	offer := f.sender.waitOffer(t)
	f.d.Rejected("e1", offer.workerID)

	// The offer comes around again after the rejection.
	offer = f.sender.waitOffer(t)
	assert.Equal(t, "e1", offer.msg.ExecutionID)

	rec, err := f.backend.GetExecution(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
}

func TestHigherPriorityDispatchesFirst(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerWorkflow(t, "job", flux.ResourceRequest{CPU: 1})

	f.createExecution(t, "low", "job", 0)
	f.createExecution(t, "high", "job", 10)
	f.d.Enqueue("low", 0)
	f.d.Enqueue("high", 10)

	// Worker joins after both enqueues with room for one execution.
	f.addWorker(t, "w1", flux.Capabilities{CPU: 1}, storage.WorkerOnline)

	offer := f.sender.waitOffer(t)
	assert.Equal(t, "high", offer.msg.ExecutionID)

	require.NoError(t, f.d.ClaimAcked("high", "w1"))
	f.d.Finished("high")

	offer = f.sender.waitOffer(t)
	assert.Equal(t, "low", offer.msg.ExecutionID)
}

func TestReservationsLimitWorkerCapacity(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerWorkflow(t, "job", flux.ResourceRequest{CPU: 3})
	f.addWorker(t, "w1", flux.Capabilities{CPU: 4, MemoryBytes: 8 << 30}, storage.WorkerOnline)

	f.createExecution(t, "e1", "job", 0)
	f.createExecution(t, "e2", "job", 0)
	f.d.Enqueue("e1", 0)
	f.d.Enqueue("e2", 0)

	first := f.sender.waitOffer(t)
	require.NoError(t, f.d.ClaimAcked(first.msg.ExecutionID, "w1"))

	// The second execution does not fit until the first finishes.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.sender.offers(), 1)

	f.d.Finished(first.msg.ExecutionID)
	second := f.sender.waitOffer(t)
	assert.NotEqual(t, first.msg.ExecutionID, second.msg.ExecutionID)
}

func TestWorkerLostRequeuesItsExecutions(t *testing.T) {
	f := newFixture(t, Config{MaxClaimAttempts: 5})
	f.registerWorkflow(t, "job", flux.ResourceRequest{CPU: 1})
	f.addWorker(t, "w1", flux.Capabilities{CPU: 4}, storage.WorkerOnline)

	f.createExecution(t, "e1", "job", 0)
	f.d.Enqueue("e1", 0)

	offer := f.sender.waitOffer(t)
	require.NoError(t, f.d.ClaimAcked("e1", offer.workerID))

	f.d.WorkerDisconnected("w1")

	rec, err := f.backend.GetExecution(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, execution.StateScheduled, rec.State)
	assert.Empty(t, rec.WorkerID)

	// A reconnect picks the execution back up with its log intact.
	f.d.WorkerConnected("w1")
	offer = f.sender.waitOffer(t)
	assert.Equal(t, "e1", offer.msg.ExecutionID)
}
