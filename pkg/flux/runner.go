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

package flux

import (
	"context"
	"encoding/json"

	"github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
)

// Execute drives one workflow body against an execution context: it starts
// the log (or adopts the recorded input on replay), runs the body, and
// records the terminal event. Pauses and cancellations are not failures.
//
// The returned error is nil only on COMPLETED. A PausedError leaves the
// execution PAUSED; a cancellation acks WORKFLOW_CANCELLED.
func Execute(ctx context.Context, wf Workflow, ec *execution.Context, input any, services Services) (any, error) {
	if ec.State().Terminal() {
		return decodeRaw(ec.Output())
	}

	if !ec.Started() {
		if err := ec.Start(ctx, input); err != nil {
			return nil, err
		}
	} else {
		for _, ev := range ec.Events() {
			if ev.Type == execution.EventWorkflowStarted {
				var recorded any
				if err := ev.DecodeValue(&recorded); err != nil {
					return nil, &errors.InternalError{Message: "decoding recorded input", Cause: err}
				}
				input = recorded
				break
			}
		}
	}

	c := NewCtx(ctx, ec, services)
	out, err := wf.Run(c, input)
	if err != nil {
		var paused *PausedError
		if errors.As(err, &paused) {
			return nil, err
		}
		if errors.KindOf(err) == errors.KindCancelled {
			if ackErr := ec.AckCancel(ctx); ackErr != nil {
				return nil, ackErr
			}
			return nil, err
		}
		if failErr := ec.Fail(ctx, err); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}

	if err := ec.Complete(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
