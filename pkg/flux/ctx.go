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
	"sync"
	"time"

	"github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
)

// SecretResolver resolves secret names to values. Resolution is atomic: the
// call fails when any requested name is missing.
type SecretResolver interface {
	Resolve(ctx context.Context, names []string) (map[string]string, error)
}

// Reference points at a value held in an output store. References are
// serializable and embedded in events in place of large outputs.
type Reference struct {
	StorageType string            `json:"storage_type"`
	ReferenceID string            `json:"reference_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutputStore persists large task outputs by reference.
type OutputStore interface {
	Store(ctx context.Context, referenceID string, value []byte) (Reference, error)
	Retrieve(ctx context.Context, ref Reference) ([]byte, error)
	Delete(ctx context.Context, ref Reference) error
}

// Cache is the task result cache. Writes are last-write-wins; readers
// tolerate TTL-bounded staleness.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration)
}

// Services are the external collaborators the task runtime depends on.
// Any field may be nil; the corresponding envelope feature is then disabled.
type Services struct {
	Secrets SecretResolver
	Outputs OutputStore
	Cache   Cache
}

// Ctx threads the execution context, the current scope, and runtime
// services through task invocations. There is no hidden global state: every
// task receives its Ctx explicitly.
type Ctx struct {
	context.Context

	exec     *execution.Context
	scope    string
	services Services
	secrets  map[string]string

	// counters is shared across the whole call tree so repeated invocations
	// of the same task name get distinct scope paths.
	counters *scopeCounters
}

type scopeCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewCtx creates the root Ctx for one execution. The root scope is the
// workflow name.
func NewCtx(ctx context.Context, ec *execution.Context, services Services) *Ctx {
	return &Ctx{
		Context:  ctx,
		exec:     ec,
		scope:    ec.WorkflowName(),
		services: services,
		counters: &scopeCounters{counts: make(map[string]int)},
	}
}

// Execution returns the underlying execution context.
func (c *Ctx) Execution() *execution.Context { return c.exec }

// Scope returns the current scope path.
func (c *Ctx) Scope() string { return c.scope }

// Secret returns a secret value injected by the envelope. Only secrets
// declared in the task's secret requests are visible.
func (c *Ctx) Secret(name string) (string, bool) {
	v, ok := c.secrets[name]
	return v, ok
}

// CheckCancellation returns an error when either the standard context or
// the execution's cancel request has fired. Tasks call this at suspension
// points.
func (c *Ctx) CheckCancellation() error {
	if err := c.Context.Err(); err != nil {
		return &errors.CancelledError{Reason: err.Error()}
	}
	return c.exec.CheckCancellation()
}

// child derives a Ctx for a nested scope, optionally replacing the standard
// context (used by parallel groups and per-attempt timeouts).
func (c *Ctx) child(stdctx context.Context, scope string) *Ctx {
	out := *c
	if stdctx != nil {
		out.Context = stdctx
	}
	out.scope = scope
	return &out
}

// withSecrets returns a Ctx carrying resolved secret values.
func (c *Ctx) withSecrets(values map[string]string) *Ctx {
	out := *c
	out.secrets = values
	return &out
}

// nextScope allocates the scope path for the next invocation of name under
// the current scope. Repeated invocations get a #n suffix.
func (c *Ctx) nextScope(name string) string {
	base := c.scope + "." + name
	c.counters.mu.Lock()
	n := c.counters.counts[base]
	c.counters.counts[base] = n + 1
	c.counters.mu.Unlock()
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s#%d", base, n)
}
