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

// Package flux is the workflow authoring API: compiled workflow objects,
// durable task envelopes, and the composition primitives (parallel,
// pipeline, map, graph) built on top of them.
//
// A workflow is a compiled object with a single entry method. Its body is
// assumed deterministic given the event log: when the runtime sees a prior
// TASK_COMPLETED event for the scope it is about to invoke, it adopts the
// recorded value without re-executing the task body.
package flux

import (
	"sort"
	"sync"

	"github.com/tombee/flux/pkg/errors"
)

// Workflow is a named unit of orchestrated work. Run executes the body with
// the given input and returns the workflow output. Bodies suspend only at
// well-defined points: task awaits, pauses, sleeps, and cancellation checks.
type Workflow interface {
	Name() string
	Run(ctx *Ctx, input any) (any, error)
}

// WorkflowFunc adapts a function to the Workflow interface.
type WorkflowFunc struct {
	name string
	fn   func(ctx *Ctx, input any) (any, error)
}

// Func creates a Workflow from a function.
func Func(name string, fn func(ctx *Ctx, input any) (any, error)) *WorkflowFunc {
	return &WorkflowFunc{name: name, fn: fn}
}

// Name returns the workflow name.
func (w *WorkflowFunc) Name() string { return w.name }

// Run executes the workflow body.
func (w *WorkflowFunc) Run(ctx *Ctx, input any) (any, error) {
	return w.fn(ctx, input)
}

// Metadata describes a workflow at registration time.
type Metadata struct {
	// Imports are the package names the workflow depends on. Workers must
	// have all of them installed to be eligible.
	Imports []string `json:"imports,omitempty"`

	// Resources is the resource request used by the dispatcher.
	Resources ResourceRequest `json:"resources"`
}

// Registry holds the compiled workflows available in this process. The
// server catalog stores versioned metadata; the registry is the process
// local table used by workers to locate the entry method.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
	metadata  map[string]Metadata
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]Workflow),
		metadata:  make(map[string]Metadata),
	}
}

// Register adds a workflow. Registering the same name twice is a conflict.
func (r *Registry) Register(wf Workflow, meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := wf.Name()
	if name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name must not be empty"}
	}
	if _, ok := r.workflows[name]; ok {
		return &errors.ConflictError{Resource: "workflow", ID: name, Reason: "already registered"}
	}
	r.workflows[name] = wf
	r.metadata[name] = meta
	return nil
}

// Lookup returns a workflow by name.
func (r *Registry) Lookup(name string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return wf, nil
}

// Metadata returns the registration metadata for a workflow.
func (r *Registry) Metadata(name string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.metadata[name]
	if !ok {
		return Metadata{}, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return meta, nil
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
