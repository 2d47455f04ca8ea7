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

// Package storagetest is the conformance suite every storage backend must
// pass. Backend test files call Run with a factory.
package storagetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flux/internal/storage"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

// Factory creates a fresh, empty backend for one test.
type Factory func(t *testing.T) storage.Backend

// Run executes the conformance suite against the backend.
func Run(t *testing.T, factory Factory) {
	t.Run("EventAppendAndList", func(t *testing.T) { testEventAppendAndList(t, factory(t)) })
	t.Run("EventContiguity", func(t *testing.T) { testEventContiguity(t, factory(t)) })
	t.Run("EventConcurrentAppendKeepsLogDense", func(t *testing.T) { testEventConcurrentAppend(t, factory(t)) })
	t.Run("ExecutionLifecycle", func(t *testing.T) { testExecutionLifecycle(t, factory(t)) })
	t.Run("ExecutionNoDoubleClaim", func(t *testing.T) { testNoDoubleClaim(t, factory(t)) })
	t.Run("ExecutionRelease", func(t *testing.T) { testRelease(t, factory(t)) })
	t.Run("ExecutionList", func(t *testing.T) { testExecutionList(t, factory(t)) })
	t.Run("WorkflowVersioning", func(t *testing.T) { testWorkflowVersioning(t, factory(t)) })
	t.Run("Workers", func(t *testing.T) { testWorkers(t, factory(t)) })
	t.Run("Schedules", func(t *testing.T) { testSchedules(t, factory(t)) })
	t.Run("Secrets", func(t *testing.T) { testSecrets(t, factory(t)) })
	t.Run("Cache", func(t *testing.T) { testCache(t, factory(t)) })
}

func event(executionID string, seq int64, typ execution.EventType) execution.Event {
	return execution.Event{
		ExecutionID: executionID,
		Sequence:    seq,
		Type:        typ,
		Source:      "wf",
		Time:        time.Now().UTC(),
		Value:       json.RawMessage(`{"n":` + "1" + `}`),
	}
}

func testEventAppendAndList(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	last, err := b.LastSequence(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), last)

	batch := []execution.Event{
		event("exec-1", 0, execution.EventWorkflowStarted),
		event("exec-1", 1, execution.EventTaskStarted),
	}
	require.NoError(t, b.AppendEvents(ctx, "exec-1", batch))

	last, err = b.LastSequence(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)

	events, err := b.ListEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, execution.EventWorkflowStarted, events[0].Type)
	assert.Equal(t, "exec-1", events[0].ExecutionID)
	assert.JSONEq(t, `{"n":1}`, string(events[0].Value))

	tail, err := b.ListEvents(ctx, "exec-1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(1), tail[0].Sequence)
}

func testEventContiguity(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.AppendEvents(ctx, "exec-2", []execution.Event{
		event("exec-2", 0, execution.EventWorkflowStarted),
	}))

	// A gap is rejected and nothing is persisted.
	err := b.AppendEvents(ctx, "exec-2", []execution.Event{
		event("exec-2", 5, execution.EventTaskStarted),
	})
	require.Error(t, err)
	assert.Equal(t, fluxerrors.KindConflict, fluxerrors.KindOf(err))

	// Rewriting an existing sequence is also rejected.
	err = b.AppendEvents(ctx, "exec-2", []execution.Event{
		event("exec-2", 0, execution.EventTaskStarted),
	})
	require.Error(t, err)

	last, err := b.LastSequence(ctx, "exec-2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
}

func testEventConcurrentAppend(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	// Two writers race to append sequence 0; exactly one wins.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.AppendEvents(ctx, "exec-3", []execution.Event{
				event("exec-3", 0, execution.EventWorkflowStarted),
			})
		}()
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one concurrent append must fail")

	last, err := b.LastSequence(ctx, "exec-3")
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
}

func testExecutionLifecycle(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	rec := &storage.ExecutionRecord{
		ID:              "exec-10",
		Workflow:        "billing",
		WorkflowVersion: 1,
		State:           execution.StateScheduled,
		Input:           json.RawMessage(`{"amount":5}`),
		Priority:        2,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, b.CreateExecution(ctx, rec))

	err := b.CreateExecution(ctx, rec)
	require.Error(t, err, "duplicate IDs are rejected")

	got, err := b.GetExecution(ctx, "exec-10")
	require.NoError(t, err)
	assert.Equal(t, "billing", got.Workflow)
	assert.Equal(t, execution.StateScheduled, got.State)
	assert.JSONEq(t, `{"amount":5}`, string(got.Input))

	got.State = execution.StateRunning
	got.WorkerID = "worker-1"
	require.NoError(t, b.UpdateExecution(ctx, got))

	got, err = b.GetExecution(ctx, "exec-10")
	require.NoError(t, err)
	assert.Equal(t, execution.StateRunning, got.State)
	assert.Equal(t, "worker-1", got.WorkerID)

	_, err = b.GetExecution(ctx, "ghost")
	require.Error(t, err)
	assert.Equal(t, fluxerrors.KindNotFound, fluxerrors.KindOf(err))
}

func testNoDoubleClaim(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.CreateExecution(ctx, &storage.ExecutionRecord{
		ID:       "exec-11",
		Workflow: "wf",
		State:    execution.StateScheduled,
	}))

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = b.ClaimExecution(ctx, "exec-11", "worker-"+string(rune('a'+i)))
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one claim must succeed")

	got, err := b.GetExecution(ctx, "exec-11")
	require.NoError(t, err)
	assert.Equal(t, execution.StateClaimed, got.State)
	assert.NotEmpty(t, got.WorkerID)
	assert.Equal(t, 1, got.Attempts)
}

func testRelease(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.CreateExecution(ctx, &storage.ExecutionRecord{
		ID:       "exec-12",
		Workflow: "wf",
		State:    execution.StateScheduled,
	}))
	require.NoError(t, b.ClaimExecution(ctx, "exec-12", "worker-1"))
	require.NoError(t, b.ReleaseExecution(ctx, "exec-12"))

	got, err := b.GetExecution(ctx, "exec-12")
	require.NoError(t, err)
	assert.Equal(t, execution.StateScheduled, got.State)
	assert.Empty(t, got.WorkerID)
	assert.Equal(t, 1, got.Attempts, "attempts survive a release")

	// Released executions are claimable again.
	require.NoError(t, b.ClaimExecution(ctx, "exec-12", "worker-2"))
	got, err = b.GetExecution(ctx, "exec-12")
	require.NoError(t, err)
	assert.Equal(t, "worker-2", got.WorkerID)
	assert.Equal(t, 2, got.Attempts)
}

func testExecutionList(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, st := range []execution.State{
		execution.StateScheduled, execution.StateRunning, execution.StateScheduled,
	} {
		require.NoError(t, b.CreateExecution(ctx, &storage.ExecutionRecord{
			ID:        "exec-2" + string(rune('0'+i)),
			Workflow:  "wf",
			State:     st,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	pending, err := b.ListExecutions(ctx, storage.ExecutionFilter{
		States: []execution.State{execution.StateScheduled},
	})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "exec-20", pending[0].ID, "oldest first")

	limited, err := b.ListExecutions(ctx, storage.ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byWorkflow, err := b.ListExecutions(ctx, storage.ExecutionFilter{Workflow: "other"})
	require.NoError(t, err)
	assert.Empty(t, byWorkflow)
}

func testWorkflowVersioning(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	v1, err := b.PutWorkflow(ctx, "billing", flux.Metadata{Imports: []string{"requests"}})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := b.PutWorkflow(ctx, "billing", flux.Metadata{Imports: []string{"requests", "numpy"}})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	latest, err := b.GetWorkflow(ctx, "billing", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, []string{"requests", "numpy"}, latest.Metadata.Imports)

	pinned, err := b.GetWorkflow(ctx, "billing", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"requests"}, pinned.Metadata.Imports)

	_, err = b.GetWorkflow(ctx, "billing", 9)
	require.Error(t, err)

	_, err = b.PutWorkflow(ctx, "reports", flux.Metadata{})
	require.NoError(t, err)

	all, err := b.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "billing", all[0].Name)
	assert.Equal(t, 2, all[0].Version)
}

func testWorkers(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	rec := &storage.WorkerRecord{
		ID:           "worker-1",
		SessionName:  "pool-a",
		Capabilities: flux.Capabilities{CPU: 4, MemoryBytes: 8 << 30, Tags: []string{"gpu"}},
		Status:       storage.WorkerOnline,
		LastSeen:     time.Now().UTC(),
		RegisteredAt: time.Now().UTC(),
	}
	require.NoError(t, b.PutWorker(ctx, rec))

	got, err := b.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, storage.WorkerOnline, got.Status)
	assert.Equal(t, float64(4), got.Capabilities.CPU)
	assert.Equal(t, []string{"gpu"}, got.Capabilities.Tags)

	got.Status = storage.WorkerOffline
	require.NoError(t, b.PutWorker(ctx, got))
	got, err = b.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, storage.WorkerOffline, got.Status)

	all, err := b.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, b.DeleteWorker(ctx, "worker-1"))
	_, err = b.GetWorker(ctx, "worker-1")
	require.Error(t, err)
}

func testSchedules(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	rec := &storage.ScheduleRecord{
		ID:            "sched-1",
		Workflow:      "reports",
		Cron:          "0 9 * * 1-5",
		Timezone:      "Europe/London",
		InputTemplate: `{"day": now}`,
		Enabled:       true,
		CatchUpPolicy: "one",
	}
	require.NoError(t, b.PutSchedule(ctx, rec))

	got, err := b.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * 1-5", got.Cron)
	assert.True(t, got.Enabled)
	assert.True(t, got.LastFire.IsZero())

	got.LastFire = time.Now().UTC().Truncate(time.Second)
	got.Enabled = false
	require.NoError(t, b.PutSchedule(ctx, got))

	got2, err := b.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.False(t, got2.Enabled)
	assert.WithinDuration(t, got.LastFire, got2.LastFire, time.Second)

	interval := &storage.ScheduleRecord{
		ID:           "sched-2",
		Workflow:     "poller",
		Every:        90 * time.Second,
		Enabled:      true,
		AllowOverlap: true,
	}
	require.NoError(t, b.PutSchedule(ctx, interval))
	got3, err := b.GetSchedule(ctx, "sched-2")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, got3.Every)
	assert.Empty(t, got3.Cron)
	assert.True(t, got3.AllowOverlap)

	all, err := b.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, b.DeleteSchedule(ctx, "sched-1"))
	require.NoError(t, b.DeleteSchedule(ctx, "sched-2"))
	_, err = b.GetSchedule(ctx, "sched-1")
	require.Error(t, err)
}

func testSecrets(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.PutSecret(ctx, "API_KEY", []byte{0x01, 0x02, 0x03}))
	require.NoError(t, b.PutSecret(ctx, "DB_PASSWORD", []byte{0xff}))

	v, err := b.GetSecret(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, v)

	// Overwrite replaces the ciphertext.
	require.NoError(t, b.PutSecret(ctx, "API_KEY", []byte{0x09}))
	v, err = b.GetSecret(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x09}, v)

	names, err := b.ListSecretNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY", "DB_PASSWORD"}, names)

	require.NoError(t, b.DeleteSecret(ctx, "API_KEY"))
	_, err = b.GetSecret(ctx, "API_KEY")
	require.Error(t, err)
	assert.Equal(t, fluxerrors.KindNotFound, fluxerrors.KindOf(err))
}

func testCache(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	_, ok, err := b.GetCache(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.PutCache(ctx, "k1", []byte(`"v1"`), time.Now().Add(time.Minute)))
	v, ok, err := b.GetCache(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`"v1"`), v)

	// Expired entries read as misses and prune away.
	require.NoError(t, b.PutCache(ctx, "k2", []byte(`"v2"`), time.Now().Add(-time.Minute)))
	_, ok, err = b.GetCache(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.PruneCache(ctx, time.Now()))
	_, ok, err = b.GetCache(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, ok)
}
