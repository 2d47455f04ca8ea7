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
	"fmt"
	"time"

	"github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
)

// PausedError unwinds the workflow body when a pause point is reached. The
// worker reports the execution as PAUSED rather than failed.
type PausedError struct {
	// Name identifies the pause point.
	Name string
}

func (e *PausedError) Error() string {
	return fmt.Sprintf("workflow paused at %q", e.Name)
}

// Pause suspends the workflow at a named point. On first encounter it
// records WORKFLOW_PAUSED and unwinds with a PausedError. On replay after a
// resume, the recorded pause/resume pair makes it a no-op.
func Pause(ctx *Ctx, name string) error {
	ec := ctx.exec

	events := ec.Events()
	pausedAt := -1
	for i := range events {
		if events[i].Type != execution.EventWorkflowPaused {
			continue
		}
		var p struct {
			Name string `json:"name"`
		}
		if err := events[i].DecodeValue(&p); err == nil && p.Name == name {
			pausedAt = i
		}
	}
	if pausedAt >= 0 {
		for i := pausedAt + 1; i < len(events); i++ {
			if events[i].Type == execution.EventWorkflowResumed {
				return nil
			}
		}
		return &PausedError{Name: name}
	}

	if err := ec.Pause(ctx, name); err != nil {
		return err
	}
	return &PausedError{Name: name}
}

// Sleep waits for the given duration at a cancellation-safe suspension
// point. The wait runs inside the envelope so replay skips it.
func Sleep(ctx *Ctx, d time.Duration) error {
	t := NewTask("sleep", func(c *Ctx, _ any) (any, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil, nil
		case <-c.exec.Done():
			return nil, &errors.CancelledError{Reason: "execution cancellation requested"}
		case <-c.Context.Done():
			return nil, &errors.CancelledError{Reason: c.Context.Err().Error()}
		}
	})
	_, err := t.Run(ctx, d.String())
	return err
}
