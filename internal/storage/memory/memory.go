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

// Package memory provides the in-process storage backend used by tests and
// single-process deployments without durability requirements.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/flux/internal/storage"
	"github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

var _ storage.Backend = (*Backend)(nil)

// Backend keeps everything in maps guarded by one mutex. Fine for tests
// and small deployments; the SQLite backend is the durable option.
type Backend struct {
	mu sync.Mutex

	events     map[string][]execution.Event
	executions map[string]*storage.ExecutionRecord
	workflows  map[string][]*storage.WorkflowRecord
	workers    map[string]*storage.WorkerRecord
	schedules  map[string]*storage.ScheduleRecord
	secrets    map[string][]byte
	cache      map[string]cacheEntry
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		events:     make(map[string][]execution.Event),
		executions: make(map[string]*storage.ExecutionRecord),
		workflows:  make(map[string][]*storage.WorkflowRecord),
		workers:    make(map[string]*storage.WorkerRecord),
		schedules:  make(map[string]*storage.ScheduleRecord),
		secrets:    make(map[string][]byte),
		cache:      make(map[string]cacheEntry),
	}
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

// AppendEvents persists a contiguous batch for one execution.
func (b *Backend) AppendEvents(_ context.Context, executionID string, events []execution.Event) error {
	if len(events) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.events[executionID]
	next := int64(len(log))
	for i := range events {
		if events[i].Sequence != next+int64(i) {
			return &errors.ConflictError{
				Resource: "event",
				ID:       executionID,
				Reason:   "non-contiguous event batch",
			}
		}
	}
	b.events[executionID] = append(log, events...)
	return nil
}

// ListEvents returns events with sequence >= from.
func (b *Backend) ListEvents(_ context.Context, executionID string, from int64) ([]execution.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.events[executionID]
	if from < 0 {
		from = 0
	}
	if from >= int64(len(log)) {
		return nil, nil
	}
	out := make([]execution.Event, len(log)-int(from))
	copy(out, log[from:])
	return out, nil
}

// LastSequence returns the highest persisted sequence, or -1.
func (b *Backend) LastSequence(_ context.Context, executionID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.events[executionID])) - 1, nil
}

// CreateExecution stores a new execution record.
func (b *Backend) CreateExecution(_ context.Context, rec *storage.ExecutionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.executions[rec.ID]; ok {
		return &errors.ConflictError{Resource: "execution", ID: rec.ID, Reason: "already exists"}
	}
	cp := *rec
	b.executions[rec.ID] = &cp
	return nil
}

// GetExecution returns an execution record by ID.
func (b *Backend) GetExecution(_ context.Context, id string) (*storage.ExecutionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.executions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	cp := *rec
	return &cp, nil
}

// UpdateExecution replaces an execution record.
func (b *Backend) UpdateExecution(_ context.Context, rec *storage.ExecutionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.executions[rec.ID]; !ok {
		return &errors.NotFoundError{Resource: "execution", ID: rec.ID}
	}
	cp := *rec
	cp.UpdatedAt = time.Now().UTC()
	b.executions[rec.ID] = &cp
	return nil
}

// ListExecutions returns records matching the filter, oldest first.
func (b *Backend) ListExecutions(_ context.Context, filter storage.ExecutionFilter) ([]*storage.ExecutionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*storage.ExecutionRecord
	for _, rec := range b.executions {
		if filter.Workflow != "" && rec.Workflow != filter.Workflow {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, rec.State) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ClaimExecution atomically assigns a SCHEDULED, unassigned execution.
func (b *Backend) ClaimExecution(_ context.Context, id, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.executions[id]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if rec.State != execution.StateScheduled || rec.WorkerID != "" {
		return &errors.ConflictError{
			Resource: "execution",
			ID:       id,
			Reason:   "already claimed or not schedulable",
		}
	}
	rec.State = execution.StateClaimed
	rec.WorkerID = workerID
	rec.Attempts++
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ReleaseExecution returns an execution to the queue.
func (b *Backend) ReleaseExecution(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.executions[id]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: id}
	}
	rec.State = execution.StateScheduled
	rec.WorkerID = ""
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// PutWorkflow appends a new immutable version.
func (b *Backend) PutWorkflow(_ context.Context, name string, meta flux.Metadata) (*storage.WorkflowRecord, error) {
	if name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "workflow name must not be empty"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	versions := b.workflows[name]
	rec := &storage.WorkflowRecord{
		Name:      name,
		Version:   len(versions) + 1,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	b.workflows[name] = append(versions, rec)
	cp := *rec
	return &cp, nil
}

// GetWorkflow returns a version, or the latest when version <= 0.
func (b *Backend) GetWorkflow(_ context.Context, name string, version int) (*storage.WorkflowRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	versions := b.workflows[name]
	if len(versions) == 0 {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	if version <= 0 {
		cp := *versions[len(versions)-1]
		return &cp, nil
	}
	if version > len(versions) {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	cp := *versions[version-1]
	return &cp, nil
}

// ListWorkflows returns the latest version of every workflow, sorted by name.
func (b *Backend) ListWorkflows(_ context.Context) ([]*storage.WorkflowRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*storage.WorkflowRecord, 0, len(b.workflows))
	for _, versions := range b.workflows {
		cp := *versions[len(versions)-1]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PutWorker inserts or updates a worker record.
func (b *Backend) PutWorker(_ context.Context, rec *storage.WorkerRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *rec
	b.workers[rec.ID] = &cp
	return nil
}

// GetWorker returns a worker record by ID.
func (b *Backend) GetWorker(_ context.Context, id string) (*storage.WorkerRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.workers[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "worker", ID: id}
	}
	cp := *rec
	return &cp, nil
}

// ListWorkers returns all worker records, sorted by ID.
func (b *Backend) ListWorkers(_ context.Context) ([]*storage.WorkerRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*storage.WorkerRecord, 0, len(b.workers))
	for _, rec := range b.workers {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteWorker removes a worker record.
func (b *Backend) DeleteWorker(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.workers[id]; !ok {
		return &errors.NotFoundError{Resource: "worker", ID: id}
	}
	delete(b.workers, id)
	return nil
}

// PutSchedule inserts or updates a schedule.
func (b *Backend) PutSchedule(_ context.Context, rec *storage.ScheduleRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *rec
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	b.schedules[rec.ID] = &cp
	return nil
}

// GetSchedule returns a schedule by ID.
func (b *Backend) GetSchedule(_ context.Context, id string) (*storage.ScheduleRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.schedules[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	cp := *rec
	return &cp, nil
}

// ListSchedules returns all schedules, sorted by ID.
func (b *Backend) ListSchedules(_ context.Context) ([]*storage.ScheduleRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*storage.ScheduleRecord, 0, len(b.schedules))
	for _, rec := range b.schedules {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteSchedule removes a schedule.
func (b *Backend) DeleteSchedule(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.schedules[id]; !ok {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	delete(b.schedules, id)
	return nil
}

// PutSecret stores a ciphertext.
func (b *Backend) PutSecret(_ context.Context, name string, ciphertext []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(ciphertext))
	copy(cp, ciphertext)
	b.secrets[name] = cp
	return nil
}

// GetSecret returns a ciphertext.
func (b *Backend) GetSecret(_ context.Context, name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.secrets[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "secret", ID: name}
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// ListSecretNames returns secret names, sorted.
func (b *Backend) ListSecretNames(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.secrets))
	for name := range b.secrets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteSecret removes a secret.
func (b *Backend) DeleteSecret(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.secrets[name]; !ok {
		return &errors.NotFoundError{Resource: "secret", ID: name}
	}
	delete(b.secrets, name)
	return nil
}

// GetCache returns an unexpired cache value.
func (b *Backend) GetCache(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, true, nil
}

// PutCache stores a cache value. Last write wins.
func (b *Backend) PutCache(_ context.Context, key string, value []byte, expiresAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	b.cache[key] = cacheEntry{value: cp, expiresAt: expiresAt}
	return nil
}

// PruneCache drops entries expired before now.
func (b *Backend) PruneCache(_ context.Context, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, entry := range b.cache {
		if now.After(entry.expiresAt) {
			delete(b.cache, key)
		}
	}
	return nil
}

func containsState(states []execution.State, s execution.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
