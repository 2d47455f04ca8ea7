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

package errors

import (
	"errors"
)

// Payload is the structured error representation persisted on FAILED
// executions and embedded in WORKFLOW_FAILED / TASK_FAILED events.
type Payload struct {
	Kind       string   `json:"kind"`
	Message    string   `json:"message"`
	TaskScope  string   `json:"task_scope,omitempty"`
	CauseChain []string `json:"cause_chain,omitempty"`
}

// Encode converts an error into its persistable payload, walking the unwrap
// chain to record causes.
func Encode(err error) *Payload {
	if err == nil {
		return nil
	}

	p := &Payload{
		Kind:    KindOf(err),
		Message: err.Error(),
	}

	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		p.TaskScope = taskErr.Scope
	}

	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		p.CauseChain = append(p.CauseChain, cause.Error())
	}

	return p
}

// AsError converts a payload back into an error value for propagation on
// the worker side during replay.
func (p *Payload) AsError() error {
	if p == nil {
		return nil
	}
	switch p.Kind {
	case KindTimeout:
		return &TimeoutError{Operation: p.Message}
	case KindCancelled:
		return &CancelledError{Reason: p.Message}
	case KindSecretMissing:
		return &SecretMissingError{Names: []string{p.Message}}
	case KindUserTaskFailure:
		return &TaskError{Scope: p.TaskScope, Message: p.Message}
	default:
		return &InternalError{Message: p.Message}
	}
}
