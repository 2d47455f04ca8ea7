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
	"fmt"
	"sync"
	"time"

	"github.com/tombee/flux/pkg/errors"
)

// CheckpointFunc persists newly appended events. Append calls it before
// reporting success: a crash prior to durability leaves the execution in
// its previous state, and replay from the durable log is authoritative.
type CheckpointFunc func(ctx context.Context, events []Event) error

// Context owns one execution's event log. All state changes on an execution
// flow through Append, which serializes writers and checkpoints each event
// before it becomes visible.
type Context struct {
	mu sync.Mutex

	executionID     string
	workflowName    string
	workflowVersion int

	events     []Event
	checkpoint CheckpointFunc

	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// New creates a fresh context with an empty log.
func New(executionID, workflowName string, workflowVersion int) *Context {
	return &Context{
		executionID:     executionID,
		workflowName:    workflowName,
		workflowVersion: workflowVersion,
		cancelCh:        make(chan struct{}),
	}
}

// Replay reconstructs a context from a persisted event log. The log must
// have dense sequences starting at 0.
func Replay(executionID, workflowName string, workflowVersion int, events []Event) (*Context, error) {
	for i := range events {
		if events[i].Sequence != int64(i) {
			return nil, &errors.ValidationError{
				Field:   "events",
				Message: fmt.Sprintf("non-contiguous sequence %d at position %d", events[i].Sequence, i),
			}
		}
	}

	c := New(executionID, workflowName, workflowVersion)
	c.events = append(c.events, events...)
	if c.cancelRequestedLocked() {
		c.cancelOnce.Do(func() { close(c.cancelCh) })
	}
	return c, nil
}

// SetCheckpoint installs the durability hook invoked on every append.
func (c *Context) SetCheckpoint(fn CheckpointFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoint = fn
}

// ExecutionID returns the execution identifier.
func (c *Context) ExecutionID() string { return c.executionID }

// WorkflowName returns the workflow name.
func (c *Context) WorkflowName() string { return c.workflowName }

// WorkflowVersion returns the catalog version being executed.
func (c *Context) WorkflowVersion() int { return c.workflowVersion }

// Start appends WORKFLOW_STARTED with the input payload. It is a no-op when
// the log already contains a start event, which makes replay idempotent.
func (c *Context) Start(ctx context.Context, input any) error {
	c.mu.Lock()
	started := false
	for i := range c.events {
		if c.events[i].Type == EventWorkflowStarted {
			started = true
			break
		}
	}
	c.mu.Unlock()

	if started {
		return nil
	}
	_, err := c.Append(ctx, EventWorkflowStarted, c.workflowName, input)
	return err
}

// Append encodes value, assigns the next sequence, checkpoints the event,
// and only then adds it to the in-memory log. New task starts are refused
// once cancellation has been requested.
func (c *Context) Append(ctx context.Context, typ EventType, source string, value any) (Event, error) {
	raw, err := marshalValue(value)
	if err != nil {
		return Event{}, &errors.InternalError{Message: "encoding event value", Cause: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if typ == EventTaskStarted && c.cancelRequestedLocked() {
		return Event{}, &errors.CancelledError{Reason: "cancellation requested, refusing new task"}
	}

	ev := Event{
		ExecutionID: c.executionID,
		Sequence:    int64(len(c.events)),
		Type:        typ,
		Source:      source,
		Time:        time.Now().UTC(),
		Value:       raw,
	}

	if c.checkpoint != nil {
		if err := c.checkpoint(ctx, []Event{ev}); err != nil {
			return Event{}, errors.Wrap(err, "checkpointing event")
		}
	}

	c.events = append(c.events, ev)

	if typ == EventWorkflowCancelRequested {
		c.cancelOnce.Do(func() { close(c.cancelCh) })
	}

	return ev, nil
}

// Complete records successful workflow completion with the given output.
func (c *Context) Complete(ctx context.Context, output any) error {
	_, err := c.Append(ctx, EventWorkflowCompleted, c.workflowName, output)
	return err
}

// Fail records workflow failure with a structured error payload.
func (c *Context) Fail(ctx context.Context, cause error) error {
	_, err := c.Append(ctx, EventWorkflowFailed, c.workflowName, errors.Encode(cause))
	return err
}

// Pause records a named pause point.
func (c *Context) Pause(ctx context.Context, name string) error {
	_, err := c.Append(ctx, EventWorkflowPaused, c.workflowName, map[string]string{"name": name})
	return err
}

// Resume transitions a paused execution back to running. Resuming an
// execution that is not paused is a conflict.
func (c *Context) Resume(ctx context.Context) error {
	if c.State() != StatePaused {
		return &errors.ConflictError{
			Resource: "execution",
			ID:       c.executionID,
			Reason:   fmt.Sprintf("cannot resume from state %s", c.State()),
		}
	}
	_, err := c.Append(ctx, EventWorkflowResumed, c.workflowName, nil)
	return err
}

// RequestCancel records a cancellation request. Cancelling a terminal
// execution is a no-op returning the current state.
func (c *Context) RequestCancel(ctx context.Context, reason string) (State, error) {
	state := c.State()
	if state.Terminal() || state == StateCancelling {
		return state, nil
	}
	if reason == "" {
		reason = "operation cancelled"
	}
	_, err := c.Append(ctx, EventWorkflowCancelRequested, c.workflowName, map[string]string{"reason": reason})
	if err != nil {
		return state, err
	}
	return StateCancelling, nil
}

// AckCancel records the worker's acknowledgement of a cancellation.
func (c *Context) AckCancel(ctx context.Context) error {
	_, err := c.Append(ctx, EventWorkflowCancelled, c.workflowName, nil)
	return err
}

// State projects the current workflow state from the log.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Project(c.events)
}

// Events returns a copy of the event log.
func (c *Context) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// EventsSince returns events with sequence >= from.
func (c *Context) EventsSince(from int64) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if from >= int64(len(c.events)) {
		return nil
	}
	out := make([]Event, len(c.events)-int(from))
	copy(out, c.events[from:])
	return out
}

// NextSequence returns the sequence the next appended event will receive.
func (c *Context) NextSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.events))
}

// Output returns the payload of WORKFLOW_COMPLETED, or nil.
func (c *Context) Output() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == EventWorkflowCompleted {
			return c.events[i].Value
		}
	}
	return nil
}

// Err returns the structured error of WORKFLOW_FAILED, or nil.
func (c *Context) Err() *errors.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == EventWorkflowFailed {
			var p errors.Payload
			if err := json.Unmarshal(c.events[i].Value, &p); err != nil {
				return &errors.Payload{Kind: errors.KindInternal, Message: "undecodable failure payload"}
			}
			return &p
		}
	}
	return nil
}

// Finished reports whether the execution reached a terminal state.
func (c *Context) Finished() bool { return c.State().Terminal() }

// Succeeded reports COMPLETED.
func (c *Context) Succeeded() bool { return c.State() == StateCompleted }

// Failed reports FAILED.
func (c *Context) Failed() bool { return c.State() == StateFailed }

// Paused reports PAUSED.
func (c *Context) Paused() bool { return c.State() == StatePaused }

// Cancelled reports CANCELLED.
func (c *Context) Cancelled() bool { return c.State() == StateCancelled }

// Started reports whether WORKFLOW_STARTED has been recorded.
func (c *Context) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.events {
		if c.events[i].Type == EventWorkflowStarted {
			return true
		}
	}
	return false
}

// CancelRequested reports whether cancellation has been requested.
func (c *Context) CancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelRequestedLocked()
}

// Done returns a channel closed when cancellation is requested. Tasks use
// this at suspension points.
func (c *Context) Done() <-chan struct{} {
	return c.cancelCh
}

// CheckCancellation returns a CancelledError if cancellation has been
// requested, otherwise nil. This is the cooperative cancellation check run
// at every suspension point.
func (c *Context) CheckCancellation() error {
	select {
	case <-c.cancelCh:
		return &errors.CancelledError{Reason: "execution cancellation requested"}
	default:
		return nil
	}
}

func (c *Context) cancelRequestedLocked() bool {
	for i := range c.events {
		if c.events[i].Type == EventWorkflowCancelRequested {
			return true
		}
	}
	return false
}

// marshalValue encodes an event payload. json.RawMessage passes through
// untouched so replayed values keep their original bytes.
func marshalValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(value)
	}
}
