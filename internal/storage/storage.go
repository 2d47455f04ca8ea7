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

// Package storage defines the persistence interfaces of the control plane
// and the record types they operate on. Backends live in subpackages;
// interface segregation keeps components depending only on what they use.
package storage

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

// WorkerStatus is the liveness state of a registered worker.
type WorkerStatus string

const (
	WorkerOnline   WorkerStatus = "ONLINE"
	WorkerDraining WorkerStatus = "DRAINING"
	WorkerOffline  WorkerStatus = "OFFLINE"
)

// ExecutionRecord is the dispatcher's view of one execution. The event log
// is the source of truth for workflow state; the record carries scheduling
// metadata the projection cannot.
type ExecutionRecord struct {
	ID              string          `json:"id"`
	Workflow        string          `json:"workflow"`
	WorkflowVersion int             `json:"workflow_version"`
	State           execution.State `json:"state"`
	Input           json.RawMessage `json:"input,omitempty"`
	Priority        int             `json:"priority"`
	WorkerID        string          `json:"worker_id,omitempty"`
	Attempts        int             `json:"attempts"`
	ScheduleID      string          `json:"schedule_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CheckpointAt    time.Time       `json:"checkpoint_at,omitempty"`
}

// WorkflowRecord is one immutable version of a registered workflow.
type WorkflowRecord struct {
	Name      string        `json:"name"`
	Version   int           `json:"version"`
	Metadata  flux.Metadata `json:"metadata"`
	CreatedAt time.Time     `json:"created_at"`
}

// WorkerRecord tracks a registered worker session.
type WorkerRecord struct {
	ID           string            `json:"id"`
	SessionName  string            `json:"session_name,omitempty"`
	Capabilities flux.Capabilities `json:"capabilities"`
	Status       WorkerStatus      `json:"status"`
	LastSeen     time.Time         `json:"last_seen"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// ScheduleRecord is a cron-driven workflow trigger.
type ScheduleRecord struct {
	ID            string          `json:"id"`
	Workflow      string          `json:"workflow"`
	Cron          string          `json:"cron,omitempty"`
	Every         time.Duration   `json:"every_ns,omitempty"`
	Timezone      string          `json:"timezone,omitempty"`
	InputTemplate string          `json:"input_template,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	Enabled       bool            `json:"enabled"`
	CatchUpPolicy string          `json:"catch_up_policy,omitempty"`
	AllowOverlap  bool            `json:"allow_overlap,omitempty"`
	LastFire      time.Time       `json:"last_fire,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Workflow string
	States   []execution.State
	Limit    int
}

// EventStore is the append-only event log. Sequences per execution are
// dense from 0; appending a non-contiguous batch is a conflict, and
// existing events are never rewritten.
type EventStore interface {
	// AppendEvents persists a contiguous batch. The first event's sequence
	// must equal LastSequence+1.
	AppendEvents(ctx context.Context, executionID string, events []execution.Event) error

	// ListEvents returns events with sequence >= from, in order.
	ListEvents(ctx context.Context, executionID string, from int64) ([]execution.Event, error)

	// LastSequence returns the highest persisted sequence, or -1 when the
	// log is empty.
	LastSequence(ctx context.Context, executionID string) (int64, error)
}

// ExecutionStore tracks execution records and the claim handshake.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	UpdateExecution(ctx context.Context, rec *ExecutionRecord) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)

	// ClaimExecution atomically assigns the execution to a worker. It
	// succeeds only when the execution is SCHEDULED and unassigned, so two
	// workers can never claim the same execution.
	ClaimExecution(ctx context.Context, id, workerID string) error

	// ReleaseExecution returns a claimed or running execution to SCHEDULED
	// and clears the worker assignment.
	ReleaseExecution(ctx context.Context, id string) error
}

// WorkflowStore is the versioned workflow catalog. Registering a name again
// creates version latest+1; existing versions are immutable.
type WorkflowStore interface {
	// PutWorkflow stores a new version and returns it.
	PutWorkflow(ctx context.Context, name string, meta flux.Metadata) (*WorkflowRecord, error)

	// GetWorkflow returns the given version, or the latest when version <= 0.
	GetWorkflow(ctx context.Context, name string, version int) (*WorkflowRecord, error)

	// ListWorkflows returns the latest version of every workflow.
	ListWorkflows(ctx context.Context) ([]*WorkflowRecord, error)
}

// WorkerStore tracks registered worker sessions.
type WorkerStore interface {
	PutWorker(ctx context.Context, rec *WorkerRecord) error
	GetWorker(ctx context.Context, id string) (*WorkerRecord, error)
	ListWorkers(ctx context.Context) ([]*WorkerRecord, error)
	DeleteWorker(ctx context.Context, id string) error
}

// ScheduleStore persists cron schedules.
type ScheduleStore interface {
	PutSchedule(ctx context.Context, rec *ScheduleRecord) error
	GetSchedule(ctx context.Context, id string) (*ScheduleRecord, error)
	ListSchedules(ctx context.Context) ([]*ScheduleRecord, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// SecretStore holds encrypted secret values. Plaintext never reaches the
// store.
type SecretStore interface {
	PutSecret(ctx context.Context, name string, ciphertext []byte) error
	GetSecret(ctx context.Context, name string) ([]byte, error)
	ListSecretNames(ctx context.Context) ([]string, error)
	DeleteSecret(ctx context.Context, name string) error
}

// CacheStore is the durable tier of the task result cache.
type CacheStore interface {
	GetCache(ctx context.Context, key string) ([]byte, bool, error)
	PutCache(ctx context.Context, key string, value []byte, expiresAt time.Time) error

	// PruneCache removes entries that expired before now.
	PruneCache(ctx context.Context, now time.Time) error
}

// Backend is the full persistence surface of fluxd.
type Backend interface {
	EventStore
	ExecutionStore
	WorkflowStore
	WorkerStore
	ScheduleStore
	SecretStore
	CacheStore
	io.Closer
}
