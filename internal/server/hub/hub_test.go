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

package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flux/internal/protocol"
	"github.com/tombee/flux/internal/server/dispatcher"
	"github.com/tombee/flux/internal/server/metrics"
	"github.com/tombee/flux/internal/server/registry"
	"github.com/tombee/flux/internal/storage"
	"github.com/tombee/flux/internal/storage/memory"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

type fakeCheckpoints struct {
	apply func(workerID, executionID string, events []execution.Event) (int64, error)
}

func (f *fakeCheckpoints) Apply(ctx context.Context, workerID, executionID string, events []execution.Event) (int64, error) {
	if f.apply == nil {
		return int64(len(events)) - 1, nil
	}
	return f.apply(workerID, executionID, events)
}

type fixture struct {
	backend     storage.Backend
	registry    *registry.Registry
	hub         *Hub
	checkpoints *fakeCheckpoints
	server      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := memory.New()
	reg := registry.New(backend, []byte("test-secret"), nil)
	disp := dispatcher.New(dispatcher.Config{}, backend, metrics.New(), nil)
	cp := &fakeCheckpoints{}
	h := New(reg, disp, cp, nil)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &fixture{backend: backend, registry: reg, hub: h, checkpoints: cp, server: srv}
}

func (f *fixture) register(t *testing.T) protocol.RegisterResponse {
	t.Helper()
	resp, err := f.registry.Register(context.Background(), protocol.RegisterRequest{
		SessionName:  "test-worker",
		Capabilities: flux.Capabilities{CPU: 4, MemoryBytes: 1 << 30},
	})
	require.NoError(t, err)
	return resp
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.WriteJSON(msg))
}

func TestRejectsMissingToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRejectsForgedToken(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{"Authorization": {"Bearer not-a-token"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenAcceptedAsQueryParameter(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + reg.SessionToken
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.hub.Connected(reg.WorkerID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectLifecycle(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	conn := f.dial(t, reg.SessionToken)

	require.Eventually(t, func() bool {
		return f.hub.Connected(reg.WorkerID)
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := f.backend.GetWorker(context.Background(), reg.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, storage.WorkerOnline, rec.Status)

	// Outbound frames reach the worker.
	msg, err := protocol.New(protocol.TypeExecute, "exec-1", protocol.ExecutePayload{Workflow: "pipeline"})
	require.NoError(t, err)
	require.NoError(t, f.hub.Send(reg.WorkerID, msg))

	got := readMessage(t, conn)
	assert.Equal(t, protocol.TypeExecute, got.Type)
	assert.Equal(t, "exec-1", got.ExecutionID)

	// Disconnect marks the worker offline and drops the session.
	conn.Close()
	require.Eventually(t, func() bool {
		return !f.hub.Connected(reg.WorkerID)
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		rec, err := f.backend.GetWorker(context.Background(), reg.WorkerID)
		return err == nil && rec.Status == storage.WorkerOffline
	}, 2*time.Second, 10*time.Millisecond)

	err = f.hub.Send(reg.WorkerID, msg)
	assert.Equal(t, fluxerrors.KindWorkerDisconnected, fluxerrors.KindOf(err))
}

func TestCheckpointAck(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	conn := f.dial(t, reg.SessionToken)

	var gotWorker, gotExecution string
	f.checkpoints.apply = func(workerID, executionID string, events []execution.Event) (int64, error) {
		gotWorker, gotExecution = workerID, executionID
		return 2, nil
	}

	msg, err := protocol.New(protocol.TypeCheckpoint, "exec-1", protocol.CheckpointPayload{
		Events: []execution.Event{
			{Sequence: 0, Type: execution.EventWorkflowStarted},
			{Sequence: 1, Type: execution.EventTaskStarted},
			{Sequence: 2, Type: execution.EventTaskCompleted},
		},
	})
	require.NoError(t, err)
	writeMessage(t, conn, msg)

	ack := readMessage(t, conn)
	require.Equal(t, protocol.TypeCheckpointAck, ack.Type)
	assert.Equal(t, msg.ID, ack.ID, "ack reuses the correlation id")

	var payload protocol.CheckpointAckPayload
	require.NoError(t, ack.Decode(&payload))
	assert.Equal(t, int64(2), payload.AckSequence)
	assert.Equal(t, reg.WorkerID, gotWorker)
	assert.Equal(t, "exec-1", gotExecution)
}

func TestCheckpointRejection(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	conn := f.dial(t, reg.SessionToken)

	f.checkpoints.apply = func(string, string, []execution.Event) (int64, error) {
		return -1, &fluxerrors.ConflictError{Resource: "execution", ID: "exec-1", Reason: "sequence gap"}
	}

	msg, err := protocol.New(protocol.TypeCheckpoint, "exec-1", protocol.CheckpointPayload{
		Events: []execution.Event{{Sequence: 5, Type: execution.EventTaskCompleted}},
	})
	require.NoError(t, err)
	writeMessage(t, conn, msg)

	reply := readMessage(t, conn)
	require.Equal(t, protocol.TypeError, reply.Type)
	assert.Equal(t, msg.ID, reply.ID)

	var payload protocol.ErrorPayload
	require.NoError(t, reply.Decode(&payload))
	assert.Equal(t, "checkpoint_rejected", payload.Code)
	assert.Contains(t, payload.Message, "sequence gap")
}

func TestClaimWithoutOfferIsRejected(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	conn := f.dial(t, reg.SessionToken)

	msg, err := protocol.New(protocol.TypeClaim, "no-such-execution", protocol.ClaimPayload{WorkerID: reg.WorkerID})
	require.NoError(t, err)
	writeMessage(t, conn, msg)

	reply := readMessage(t, conn)
	require.Equal(t, protocol.TypeError, reply.Type)

	var payload protocol.ErrorPayload
	require.NoError(t, reply.Decode(&payload))
	assert.Equal(t, "claim_rejected", payload.Code)
}

func TestHeartbeatAdvancesLastSeen(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	conn := f.dial(t, reg.SessionToken)

	// Backdate the record so the heartbeat's effect is unambiguous.
	rec, err := f.backend.GetWorker(context.Background(), reg.WorkerID)
	require.NoError(t, err)
	rec.LastSeen = time.Now().Add(-time.Hour)
	require.NoError(t, f.backend.PutWorker(context.Background(), rec))

	msg, err := protocol.New(protocol.TypeHeartbeat, "", protocol.HeartbeatPayload{ActiveExecutions: 1})
	require.NoError(t, err)
	writeMessage(t, conn, msg)

	require.Eventually(t, func() bool {
		rec, err := f.backend.GetWorker(context.Background(), reg.WorkerID)
		return err == nil && time.Since(rec.LastSeen) < time.Minute
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDrainAndDeregister(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	conn := f.dial(t, reg.SessionToken)

	drain, err := protocol.New(protocol.TypeDrain, "", nil)
	require.NoError(t, err)
	writeMessage(t, conn, drain)

	require.Eventually(t, func() bool {
		rec, err := f.backend.GetWorker(context.Background(), reg.WorkerID)
		return err == nil && rec.Status == storage.WorkerDraining
	}, 2*time.Second, 10*time.Millisecond)

	dereg, err := protocol.New(protocol.TypeDeregister, "", nil)
	require.NoError(t, err)
	writeMessage(t, conn, dereg)

	require.Eventually(t, func() bool {
		_, err := f.backend.GetWorker(context.Background(), reg.WorkerID)
		return fluxerrors.KindOf(err) == fluxerrors.KindNotFound
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !f.hub.Connected(reg.WorkerID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelExecutionReachesWorker(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	conn := f.dial(t, reg.SessionToken)

	require.Eventually(t, func() bool {
		return f.hub.Connected(reg.WorkerID)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.hub.CancelExecution(reg.WorkerID, "exec-1", "operator request"))

	got := readMessage(t, conn)
	require.Equal(t, protocol.TypeCancel, got.Type)
	assert.Equal(t, "exec-1", got.ExecutionID)

	var payload protocol.CancelPayload
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "operator request", payload.Reason)
}

func TestReconnectReplacesPriorSession(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)

	first := f.dial(t, reg.SessionToken)
	require.Eventually(t, func() bool {
		return f.hub.Connected(reg.WorkerID)
	}, 2*time.Second, 10*time.Millisecond)

	second := f.dial(t, reg.SessionToken)

	// The first connection is force-closed by the replacement.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Message
	require.Error(t, first.ReadJSON(&msg))

	// The new session receives traffic.
	require.Eventually(t, func() bool {
		out, err := protocol.New(protocol.TypeCancel, "exec-1", protocol.CancelPayload{})
		require.NoError(t, err)
		return f.hub.Send(reg.WorkerID, out) == nil
	}, 2*time.Second, 10*time.Millisecond)

	got := readMessage(t, second)
	assert.Equal(t, protocol.TypeCancel, got.Type)
}
