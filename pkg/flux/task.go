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
	"time"
)

// TaskFunc is a task body.
type TaskFunc func(ctx *Ctx, input any) (any, error)

// FallbackFunc is invoked with the original input and the terminal error of
// the main chain. A fallback success is a task success.
type FallbackFunc func(ctx *Ctx, input any, cause error) (any, error)

// RollbackFunc is invoked with the original input when the envelope
// ultimately fails. Its outcome is recorded but never changes the task's
// terminal failure.
type RollbackFunc func(ctx *Ctx, input any, cause error) error

// RetryPolicy controls the retry layer of the envelope. Retry attempt n
// (n >= 2) waits min(Delay x BackoffMultiplier^(n-2), MaxDelay) before
// running.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, >= 1.
	MaxAttempts int

	// Delay is the wait before the first retry.
	Delay time.Duration

	// BackoffMultiplier scales the delay between consecutive retries, >= 1.
	BackoffMultiplier float64

	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration
}

// DelayFor returns the wait before retry attempt n (2-based).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := p.Delay
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Task wraps a function in the durable envelope: replay, cache, retry,
// fallback, rollback, timeout, and secrets injection.
type Task struct {
	name            string
	fn              TaskFunc
	retry           RetryPolicy
	fallback        FallbackFunc
	rollback        RollbackFunc
	timeout         time.Duration
	cacheTTL        time.Duration
	secretNames     []string
	outputThreshold int
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// NewTask creates a task with the given name, body, and options.
func NewTask(name string, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{
		name:  name,
		fn:    fn,
		retry: RetryPolicy{MaxAttempts: 1, BackoffMultiplier: 1},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.retry.MaxAttempts < 1 {
		t.retry.MaxAttempts = 1
	}
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// WithRetry sets the retry policy.
func WithRetry(policy RetryPolicy) TaskOption {
	return func(t *Task) { t.retry = policy }
}

// WithFallback sets the fallback handler.
func WithFallback(fn FallbackFunc) TaskOption {
	return func(t *Task) { t.fallback = fn }
}

// WithRollback sets the rollback handler.
func WithRollback(fn RollbackFunc) TaskOption {
	return func(t *Task) { t.rollback = fn }
}

// WithTimeout bounds the wall time of a single attempt. A timeout fails
// that attempt and feeds the retry chain.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.timeout = d }
}

// WithCache enables result caching with the given TTL.
func WithCache(ttl time.Duration) TaskOption {
	return func(t *Task) { t.cacheTTL = ttl }
}

// WithSecrets declares secrets resolved before the first attempt. A missing
// secret fails the envelope without running the body.
func WithSecrets(names ...string) TaskOption {
	return func(t *Task) { t.secretNames = names }
}

// WithOutputStorage stores outputs larger than threshold bytes in the
// configured output store, embedding only a reference in the event.
func WithOutputStorage(threshold int) TaskOption {
	return func(t *Task) { t.outputThreshold = threshold }
}
