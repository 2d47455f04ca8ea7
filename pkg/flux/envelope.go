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
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
)

var tracer = otel.Tracer("github.com/tombee/flux/pkg/flux")

type startPayload struct {
	Args any `json:"args"`
}

type retryPayload struct {
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	DelayMS     int64           `json:"delay_ms,omitempty"`
	Error       *errors.Payload `json:"error,omitempty"`
}

type refEnvelope struct {
	Ref *Reference `json:"$output_ref"`
}

// Run executes one task invocation inside the durable envelope.
//
// On entry the runtime scans the event log within the invocation's scope:
// a recorded TASK_COMPLETED yields its value immediately, a terminal
// TASK_FAILED propagates the recorded error. Otherwise the body runs under
// the retry -> fallback -> rollback chain with the per-attempt timeout.
func (t *Task) Run(ctx *Ctx, input any) (any, error) {
	scope := ctx.nextScope(t.name)
	ec := ctx.exec

	if out, err, ok := t.replay(ctx, scope); ok {
		return out, err
	}

	if err := ctx.CheckCancellation(); err != nil {
		return nil, err
	}

	sctx, span := tracer.Start(ctx.Context, "task.run")
	span.SetAttributes(
		attribute.String("flux.scope", scope),
		attribute.String("flux.execution_id", ec.ExecutionID()),
	)
	defer span.End()

	runCtx := ctx.child(sctx, scope)

	// Secrets resolve atomically before the first attempt. A missing secret
	// fails the envelope without a TASK_STARTED for attempt 1.
	if len(t.secretNames) > 0 {
		values, err := t.resolveSecrets(runCtx)
		if err != nil {
			span.RecordError(err)
			if _, aerr := ec.Append(ctx, execution.EventTaskFailed, scope, errors.Encode(err)); aerr != nil {
				return nil, aerr
			}
			return nil, err
		}
		runCtx = runCtx.withSecrets(values)
	}

	var cacheKey string
	if t.cacheTTL > 0 && ctx.services.Cache != nil {
		key, err := Fingerprint(ec.WorkflowName(), scope, input)
		if err == nil {
			cacheKey = key
			if raw, ok := ctx.services.Cache.Get(ctx, key); ok {
				if out, derr := t.decodeValue(runCtx, raw); derr == nil {
					if _, aerr := ec.Append(ctx, execution.EventTaskStarted, scope, startPayload{Args: input}); aerr != nil {
						return nil, aerr
					}
					if _, aerr := ec.Append(ctx, execution.EventTaskCompleted, scope, raw); aerr != nil {
						return nil, aerr
					}
					return out, nil
				}
			}
		}
	}

	if _, err := ec.Append(ctx, execution.EventTaskStarted, scope, startPayload{Args: input}); err != nil {
		return nil, err
	}

	out, err := t.runChain(runCtx, scope, input)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		ierr := &errors.InternalError{Message: "encoding task output", Cause: err}
		if _, aerr := ec.Append(ctx, execution.EventTaskFailed, scope, errors.Encode(ierr)); aerr != nil {
			return nil, aerr
		}
		return nil, ierr
	}

	eventVal := json.RawMessage(raw)
	if t.outputThreshold > 0 && ctx.services.Outputs != nil && len(raw) >= t.outputThreshold {
		ref, serr := ctx.services.Outputs.Store(ctx, uuid.NewString(), raw)
		if serr != nil {
			serr = &errors.StorageError{Op: "storing task output", Cause: serr}
			if _, aerr := ec.Append(ctx, execution.EventTaskFailed, scope, errors.Encode(serr)); aerr != nil {
				return nil, aerr
			}
			return nil, serr
		}
		wrapped, werr := json.Marshal(refEnvelope{Ref: &ref})
		if werr != nil {
			return nil, &errors.InternalError{Message: "encoding output reference", Cause: werr}
		}
		eventVal = wrapped
	}

	// The produced value is stored before TASK_COMPLETED is emitted so a
	// crash between the two never loses a cached result.
	if cacheKey != "" {
		ctx.services.Cache.Put(ctx, cacheKey, eventVal, t.cacheTTL)
	}

	if _, aerr := ec.Append(ctx, execution.EventTaskCompleted, scope, eventVal); aerr != nil {
		return nil, aerr
	}
	return out, nil
}

// runChain runs retry -> fallback -> rollback. Each outer layer sees the
// inner layer's final result. Cancellation short-circuits all layers.
func (t *Task) runChain(ctx *Ctx, scope string, input any) (any, error) {
	ec := ctx.exec

	out, attemptErr := t.runAttempts(ctx, scope, input)
	if attemptErr == nil {
		return out, nil
	}

	// Record the primary failure before any recovery layer runs.
	if _, err := ec.Append(ctx, execution.EventTaskFailed, scope, errors.Encode(attemptErr)); err != nil {
		return nil, err
	}

	cancelled := errors.KindOf(attemptErr) == errors.KindCancelled
	finalErr := attemptErr
	handled := false

	if t.fallback != nil && !cancelled {
		handled = true
		if _, err := ec.Append(ctx, execution.EventTaskFallbackStarted, scope, nil); err != nil {
			return nil, err
		}
		fbOut, fbErr := t.invokeFallback(ctx, input, attemptErr)
		if fbErr == nil {
			if _, err := ec.Append(ctx, execution.EventTaskFallbackCompleted, scope, nil); err != nil {
				return nil, err
			}
			return fbOut, nil
		}
		if _, err := ec.Append(ctx, execution.EventTaskFallbackFailed, scope, errors.Encode(fbErr)); err != nil {
			return nil, err
		}
	}

	// Rollback is best-effort and runs even on cancellation to release
	// resources. Its outcome never changes the terminal failure.
	if t.rollback != nil {
		handled = true
		if _, err := ec.Append(ctx, execution.EventTaskRollbackStarted, scope, nil); err != nil {
			return nil, err
		}
		if rbErr := t.invokeRollback(ctx, input, finalErr); rbErr != nil {
			if _, err := ec.Append(ctx, execution.EventTaskRollbackFailed, scope, errors.Encode(rbErr)); err != nil {
				return nil, err
			}
		} else {
			if _, err := ec.Append(ctx, execution.EventTaskRollbackCompleted, scope, nil); err != nil {
				return nil, err
			}
		}
	}

	if handled {
		if _, err := ec.Append(ctx, execution.EventTaskFailed, scope, errors.Encode(finalErr)); err != nil {
			return nil, err
		}
	}
	return nil, finalErr
}

// runAttempts is the retry layer. A failed attempt with retries remaining
// records TASK_RETRY_FAILED; each retry records TASK_RETRY_STARTED after
// its backoff delay, and TASK_RETRY_COMPLETED on success.
func (t *Task) runAttempts(ctx *Ctx, scope string, input any) (any, error) {
	ec := ctx.exec
	max := t.retry.MaxAttempts
	var lastErr error

	for attempt := 1; attempt <= max; attempt++ {
		if attempt > 1 {
			delay := t.retry.DelayFor(attempt)
			if err := t.waitRetry(ctx, delay); err != nil {
				return nil, err
			}
			if _, err := ec.Append(ctx, execution.EventTaskRetryStarted, scope, retryPayload{
				Attempt:     attempt,
				MaxAttempts: max,
				DelayMS:     delay.Milliseconds(),
			}); err != nil {
				return nil, err
			}
		}

		out, err := t.runAttempt(ctx, scope, input)
		if err == nil {
			if attempt > 1 {
				if _, aerr := ec.Append(ctx, execution.EventTaskRetryCompleted, scope, retryPayload{
					Attempt:     attempt,
					MaxAttempts: max,
				}); aerr != nil {
					return nil, aerr
				}
			}
			return out, nil
		}

		lastErr = err
		if errors.KindOf(err) == errors.KindCancelled {
			return nil, err
		}
		if !errors.Retryable(err) {
			return nil, err
		}
		if attempt < max {
			if _, aerr := ec.Append(ctx, execution.EventTaskRetryFailed, scope, retryPayload{
				Attempt:     attempt,
				MaxAttempts: max,
				Error:       errors.Encode(err),
			}); aerr != nil {
				return nil, aerr
			}
		}
	}
	return nil, lastErr
}

// runAttempt executes the body once, racing it against the per-attempt
// timeout and cancellation.
func (t *Task) runAttempt(ctx *Ctx, scope string, input any) (any, error) {
	attemptCtx := ctx
	if t.timeout > 0 {
		std, cancel := context.WithTimeout(ctx.Context, t.timeout)
		defer cancel()
		attemptCtx = ctx.child(std, scope)
	}

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &errors.TaskError{Scope: scope, Message: fmt.Sprintf("panic: %v", r)}}
			}
		}()
		out, err := t.fn(attemptCtx, input)
		done <- result{out: out, err: err}
	}()

	var timeout <-chan time.Time
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classify(r.err, scope)
		}
		return r.out, nil
	case <-timeout:
		return nil, &errors.TimeoutError{Operation: "task " + scope, Duration: t.timeout}
	case <-ctx.exec.Done():
		return nil, &errors.CancelledError{Reason: "execution cancellation requested"}
	case <-ctx.Context.Done():
		if ctx.Context.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{Operation: "task " + scope, Duration: t.timeout}
		}
		return nil, &errors.CancelledError{Reason: ctx.Context.Err().Error()}
	}
}

// waitRetry sleeps the backoff delay, yielding to cancellation.
func (t *Task) waitRetry(ctx *Ctx, delay time.Duration) error {
	if delay <= 0 {
		return ctx.CheckCancellation()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ctx.CheckCancellation()
	case <-ctx.exec.Done():
		return &errors.CancelledError{Reason: "execution cancellation requested"}
	case <-ctx.Context.Done():
		return &errors.CancelledError{Reason: ctx.Context.Err().Error()}
	}
}

func (t *Task) resolveSecrets(ctx *Ctx) (map[string]string, error) {
	if ctx.services.Secrets == nil {
		return nil, &errors.SecretMissingError{Names: t.secretNames}
	}
	return ctx.services.Secrets.Resolve(ctx, t.secretNames)
}

func (t *Task) invokeFallback(ctx *Ctx, input any, cause error) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.TaskError{Scope: ctx.scope, Message: fmt.Sprintf("fallback panic: %v", r)}
		}
	}()
	return t.fallback(ctx, input, cause)
}

// invokeRollback never raises beyond the envelope.
func (t *Task) invokeRollback(ctx *Ctx, input any, cause error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.TaskError{Scope: ctx.scope, Message: fmt.Sprintf("rollback panic: %v", r)}
		}
	}()
	return t.rollback(ctx, input, cause)
}

// replay adopts a recorded outcome for the scope, if one exists. The last
// TASK_COMPLETED/TASK_FAILED event for the scope is authoritative: a
// primary failure superseded by a fallback success replays as success.
func (t *Task) replay(ctx *Ctx, scope string) (any, error, bool) {
	events := ctx.exec.Events()
	var last *execution.Event
	for i := range events {
		if events[i].Source != scope {
			continue
		}
		switch events[i].Type {
		case execution.EventTaskCompleted, execution.EventTaskFailed:
			last = &events[i]
		}
	}
	if last == nil {
		return nil, nil, false
	}

	if last.Type == execution.EventTaskCompleted {
		out, err := t.decodeValue(ctx, last.Value)
		if err != nil {
			return nil, &errors.InternalError{Message: "decoding replayed task output", Cause: err}, true
		}
		return out, nil, true
	}

	var p errors.Payload
	if err := json.Unmarshal(last.Value, &p); err != nil {
		return nil, &errors.InternalError{Message: "decoding replayed task failure", Cause: err}, true
	}
	return nil, p.AsError(), true
}

// decodeValue unmarshals a recorded output, resolving output-store
// references transparently.
func (t *Task) decodeValue(ctx *Ctx, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var env refEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Ref != nil {
		if ctx.services.Outputs == nil {
			return nil, &errors.StorageError{Op: "resolving output reference", Cause: errors.New("no output store configured")}
		}
		resolved, err := ctx.services.Outputs.Retrieve(ctx, *env.Ref)
		if err != nil {
			return nil, &errors.StorageError{Op: "resolving output reference", Cause: err}
		}
		raw = resolved
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// classify wraps arbitrary user errors with the failing scope; errors that
// already carry an engine kind pass through.
func classify(err error, scope string) error {
	var c errors.Classifier
	if errors.As(err, &c) {
		return err
	}
	return &errors.TaskError{Scope: scope, Message: err.Error(), Cause: err}
}
