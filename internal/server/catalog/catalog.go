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

// Package catalog is the server-side workflow catalog: versioned metadata
// records keyed by workflow name. Versions are assigned by the catalog and
// only ever grow.
package catalog

import (
	"context"

	"github.com/tombee/flux/internal/storage"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/flux"
)

// Catalog stores workflow registrations.
type Catalog struct {
	store storage.WorkflowStore
}

// New creates a catalog over the given store.
func New(store storage.WorkflowStore) *Catalog {
	return &Catalog{store: store}
}

// Register records a new version of the named workflow and returns the
// stored record. The first registration is version 1; re-registering bumps
// the version.
func (c *Catalog) Register(ctx context.Context, name string, meta flux.Metadata) (*storage.WorkflowRecord, error) {
	if name == "" {
		return nil, &fluxerrors.ValidationError{Field: "name", Message: "workflow name must not be empty"}
	}
	if meta.Resources.CPU < 0 || meta.Resources.MemoryBytes < 0 {
		return nil, &fluxerrors.ValidationError{Field: "resources", Message: "resource requests must not be negative"}
	}
	return c.store.PutWorkflow(ctx, name, meta)
}

// Get returns one version of a workflow. Version <= 0 means latest.
func (c *Catalog) Get(ctx context.Context, name string, version int) (*storage.WorkflowRecord, error) {
	return c.store.GetWorkflow(ctx, name, version)
}

// List returns the latest version of every registered workflow.
func (c *Catalog) List(ctx context.Context) ([]*storage.WorkflowRecord, error) {
	return c.store.ListWorkflows(ctx)
}
