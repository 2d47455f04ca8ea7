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

package execution

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fluxerrors "github.com/tombee/flux/pkg/errors"
)

func TestStartCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "echo", 1)

	assert.Equal(t, StateScheduled, ec.State())

	require.NoError(t, ec.Start(ctx, "hello"))
	assert.Equal(t, StateRunning, ec.State())
	assert.True(t, ec.Started())

	require.NoError(t, ec.Complete(ctx, "HELLO"))
	assert.Equal(t, StateCompleted, ec.State())
	assert.True(t, ec.Finished())
	assert.True(t, ec.Succeeded())

	var out string
	require.NoError(t, json.Unmarshal(ec.Output(), &out))
	assert.Equal(t, "HELLO", out)
	assert.Nil(t, ec.Err())
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "echo", 1)

	require.NoError(t, ec.Start(ctx, "a"))
	require.NoError(t, ec.Start(ctx, "a"))

	started := 0
	for _, ev := range ec.Events() {
		if ev.Type == EventWorkflowStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestFailRecordsPayload(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "echo", 1)
	require.NoError(t, ec.Start(ctx, nil))

	cause := &fluxerrors.TaskError{Scope: "echo.upper", Message: "boom"}
	require.NoError(t, ec.Fail(ctx, cause))

	assert.Equal(t, StateFailed, ec.State())
	assert.True(t, ec.Failed())

	p := ec.Err()
	require.NotNil(t, p)
	assert.Equal(t, fluxerrors.KindUserTaskFailure, p.Kind)
	assert.Equal(t, "echo.upper", p.TaskScope)
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "approval", 1)
	require.NoError(t, ec.Start(ctx, nil))
	require.NoError(t, ec.Pause(ctx, "approve"))
	assert.Equal(t, StatePaused, ec.State())
	assert.True(t, ec.Paused())

	require.NoError(t, ec.Resume(ctx))
	assert.Equal(t, StateRunning, ec.State())
}

func TestResumeNonPausedIsConflict(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "approval", 1)
	require.NoError(t, ec.Start(ctx, nil))

	err := ec.Resume(ctx)
	var conflict *fluxerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestCancelFlow(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "sleeper", 1)
	require.NoError(t, ec.Start(ctx, nil))

	state, err := ec.RequestCancel(ctx, "user request")
	require.NoError(t, err)
	assert.Equal(t, StateCancelling, state)
	assert.True(t, ec.CancelRequested())
	require.Error(t, ec.CheckCancellation())

	select {
	case <-ec.Done():
	default:
		t.Fatal("cancel channel should be closed")
	}

	require.NoError(t, ec.AckCancel(ctx))
	assert.Equal(t, StateCancelled, ec.State())
	assert.True(t, ec.Cancelled())
}

func TestCancelTerminalIsNoOp(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "echo", 1)
	require.NoError(t, ec.Start(ctx, nil))
	require.NoError(t, ec.Complete(ctx, 1))

	before := len(ec.Events())
	state, err := ec.RequestCancel(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
	assert.Len(t, ec.Events(), before)
}

func TestTaskStartRefusedAfterCancelRequest(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "sleeper", 1)
	require.NoError(t, ec.Start(ctx, nil))
	_, err := ec.RequestCancel(ctx, "")
	require.NoError(t, err)

	_, err = ec.Append(ctx, EventTaskStarted, "sleeper.step", nil)
	var cancelled *fluxerrors.CancelledError
	require.ErrorAs(t, err, &cancelled)
}

func TestSequencesAreDense(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "echo", 1)
	require.NoError(t, ec.Start(ctx, "x"))
	_, err := ec.Append(ctx, EventTaskStarted, "echo.upper", nil)
	require.NoError(t, err)
	_, err = ec.Append(ctx, EventTaskCompleted, "echo.upper", "X")
	require.NoError(t, err)
	require.NoError(t, ec.Complete(ctx, "X"))

	for i, ev := range ec.Events() {
		assert.Equal(t, int64(i), ev.Sequence)
		assert.Equal(t, "exec-1", ev.ExecutionID)
	}
}

func TestReplayReconstructsState(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "echo", 1)
	require.NoError(t, ec.Start(ctx, "hello"))
	_, err := ec.Append(ctx, EventTaskStarted, "echo.upper", nil)
	require.NoError(t, err)
	_, err = ec.Append(ctx, EventTaskCompleted, "echo.upper", "HELLO")
	require.NoError(t, err)
	require.NoError(t, ec.Complete(ctx, "HELLO"))

	replayed, err := Replay("exec-1", "echo", 1, ec.Events())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, replayed.State())
	assert.Equal(t, ec.Output(), replayed.Output())
	assert.Equal(t, len(ec.Events()), len(replayed.Events()))
}

func TestReplayRejectsGaps(t *testing.T) {
	events := []Event{
		{ExecutionID: "exec-1", Sequence: 0, Type: EventWorkflowStarted},
		{ExecutionID: "exec-1", Sequence: 2, Type: EventWorkflowCompleted},
	}
	_, err := Replay("exec-1", "echo", 1, events)
	var validation *fluxerrors.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestReplayPropagatesCancelRequest(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "sleeper", 1)
	require.NoError(t, ec.Start(ctx, nil))
	_, err := ec.RequestCancel(ctx, "")
	require.NoError(t, err)

	replayed, err := Replay("exec-1", "sleeper", 1, ec.Events())
	require.NoError(t, err)
	assert.True(t, replayed.CancelRequested())
	require.Error(t, replayed.CheckCancellation())
}

func TestCheckpointFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "echo", 1)

	fail := fluxerrors.New("disk unavailable")
	ec.SetCheckpoint(func(context.Context, []Event) error { return fail })

	err := ec.Start(ctx, "x")
	require.Error(t, err)
	assert.Equal(t, StateScheduled, ec.State())
	assert.Empty(t, ec.Events())

	// Once the store recovers, the same operation succeeds.
	var persisted []Event
	ec.SetCheckpoint(func(_ context.Context, evs []Event) error {
		persisted = append(persisted, evs...)
		return nil
	})
	require.NoError(t, ec.Start(ctx, "x"))
	assert.Len(t, persisted, 1)
	assert.Equal(t, EventWorkflowStarted, persisted[0].Type)
}

func TestProjectPureFunction(t *testing.T) {
	tests := []struct {
		name   string
		types  []EventType
		expect State
	}{
		{"empty", nil, StateScheduled},
		{"started", []EventType{EventWorkflowStarted}, StateRunning},
		{"paused", []EventType{EventWorkflowStarted, EventWorkflowPaused}, StatePaused},
		{"resumed", []EventType{EventWorkflowStarted, EventWorkflowPaused, EventWorkflowResumed}, StateRunning},
		{"completed", []EventType{EventWorkflowStarted, EventWorkflowCompleted}, StateCompleted},
		{"failed", []EventType{EventWorkflowStarted, EventWorkflowFailed}, StateFailed},
		{"cancelling", []EventType{EventWorkflowStarted, EventWorkflowCancelRequested}, StateCancelling},
		{"cancelled", []EventType{EventWorkflowStarted, EventWorkflowCancelRequested, EventWorkflowCancelled}, StateCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := make([]Event, len(tt.types))
			for i, typ := range tt.types {
				events[i] = Event{Sequence: int64(i), Type: typ}
			}
			assert.Equal(t, tt.expect, Project(events))
		})
	}
}

func TestEventsSince(t *testing.T) {
	ctx := context.Background()
	ec := New("exec-1", "echo", 1)
	require.NoError(t, ec.Start(ctx, nil))
	_, err := ec.Append(ctx, EventTaskStarted, "echo.a", nil)
	require.NoError(t, err)
	_, err = ec.Append(ctx, EventTaskCompleted, "echo.a", 1)
	require.NoError(t, err)

	assert.Len(t, ec.EventsSince(0), 3)
	tail := ec.EventsSince(2)
	require.Len(t, tail, 1)
	assert.Equal(t, EventTaskCompleted, tail[0].Type)
	assert.Nil(t, ec.EventsSince(10))
	assert.Equal(t, int64(3), ec.NextSequence())
}
