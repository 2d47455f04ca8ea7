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

// Package execution provides the event-sourced state machine of a single
// workflow execution: the event taxonomy, the workflow state projection,
// and the live execution context that appends to the durable log.
package execution

import (
	"encoding/json"
	"time"
)

// EventType classifies an execution event. The set is closed; consumers
// replaying a log must recognize every type listed here.
type EventType string

const (
	EventWorkflowStarted         EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted       EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed          EventType = "WORKFLOW_FAILED"
	EventWorkflowPaused          EventType = "WORKFLOW_PAUSED"
	EventWorkflowResumed         EventType = "WORKFLOW_RESUMED"
	EventWorkflowCancelRequested EventType = "WORKFLOW_CANCEL_REQUESTED"
	EventWorkflowCancelled       EventType = "WORKFLOW_CANCELLED"

	EventTaskStarted   EventType = "TASK_STARTED"
	EventTaskCompleted EventType = "TASK_COMPLETED"
	EventTaskFailed    EventType = "TASK_FAILED"

	EventTaskRetryStarted   EventType = "TASK_RETRY_STARTED"
	EventTaskRetryCompleted EventType = "TASK_RETRY_COMPLETED"
	EventTaskRetryFailed    EventType = "TASK_RETRY_FAILED"

	EventTaskFallbackStarted   EventType = "TASK_FALLBACK_STARTED"
	EventTaskFallbackCompleted EventType = "TASK_FALLBACK_COMPLETED"
	EventTaskFallbackFailed    EventType = "TASK_FALLBACK_FAILED"

	EventTaskRollbackStarted   EventType = "TASK_ROLLBACK_STARTED"
	EventTaskRollbackCompleted EventType = "TASK_ROLLBACK_COMPLETED"
	EventTaskRollbackFailed    EventType = "TASK_ROLLBACK_FAILED"

	// EventCheckpoint carries an opaque continuation written by the worker
	// at a suspension point.
	EventCheckpoint EventType = "CHECKPOINT"
)

// Event is one immutable record in an execution's append-only log.
// (execution_id, sequence) is the primary identifier; sequence is dense
// and monotonic starting at 0.
type Event struct {
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	Type        EventType       `json:"type"`
	Source      string          `json:"source"`
	Time        time.Time       `json:"time"`
	Value       json.RawMessage `json:"value,omitempty"`
}

// DecodeValue unmarshals the event payload into v.
func (e *Event) DecodeValue(v any) error {
	if len(e.Value) == 0 {
		return nil
	}
	return json.Unmarshal(e.Value, v)
}

// Terminal reports whether this event ends the workflow.
func (e *Event) Terminal() bool {
	switch e.Type {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}
