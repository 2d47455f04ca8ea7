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

// State is the lifecycle state of an execution.
type State string

const (
	StateScheduled  State = "SCHEDULED"
	StateClaimed    State = "CLAIMED"
	StateRunning    State = "RUNNING"
	StatePaused     State = "PAUSED"
	StateCancelling State = "CANCELLING"
	StateCancelled  State = "CANCELLED"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Assigned reports whether the state implies a current worker.
func (s State) Assigned() bool {
	switch s {
	case StateClaimed, StateRunning, StateCancelling:
		return true
	}
	return false
}

// Project derives the workflow state from an event log. The projection is a
// pure function of the event list: replaying the same events always yields
// the same state. An empty log projects to SCHEDULED.
func Project(events []Event) State {
	state := StateScheduled
	for i := range events {
		switch events[i].Type {
		case EventWorkflowStarted, EventWorkflowResumed:
			state = StateRunning
		case EventWorkflowPaused:
			state = StatePaused
		case EventWorkflowCompleted:
			state = StateCompleted
		case EventWorkflowFailed:
			state = StateFailed
		case EventWorkflowCancelRequested:
			if !state.Terminal() {
				state = StateCancelling
			}
		case EventWorkflowCancelled:
			state = StateCancelled
		}
	}
	return state
}
