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

package worker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flux/internal/cache"
	"github.com/tombee/flux/internal/config"
	"github.com/tombee/flux/internal/secrets"
	"github.com/tombee/flux/internal/server/api"
	"github.com/tombee/flux/internal/server/catalog"
	"github.com/tombee/flux/internal/server/dispatcher"
	"github.com/tombee/flux/internal/server/engine"
	"github.com/tombee/flux/internal/server/hub"
	"github.com/tombee/flux/internal/server/metrics"
	"github.com/tombee/flux/internal/server/registry"
	"github.com/tombee/flux/internal/storage"
	"github.com/tombee/flux/internal/storage/memory"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

// fixture assembles a full in-process control plane and one worker.
type fixture struct {
	backend storage.Backend
	engine  *engine.Engine
	secrets *secrets.Store
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := memory.New()
	m := metrics.New()
	cat := catalog.New(backend)
	reg := registry.New(backend, []byte("test-secret"), nil)
	disp := dispatcher.New(dispatcher.Config{
		ClaimAckTimeout:  2 * time.Second,
		MaxClaimAttempts: 3,
	}, backend, m, nil)
	eng := engine.New(engine.Config{CancelGrace: 5 * time.Second}, backend, cat, disp, m, nil)
	h := hub.New(reg, disp, eng, nil)
	disp.SetSender(h)
	eng.SetCancelSender(h)

	cipher, err := secrets.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	secretStore := secrets.NewStore(cipher, backend)

	apiServer := &api.Server{
		Catalog:    cat,
		Engine:     eng,
		Registry:   reg,
		Schedules:  backend,
		Executions: backend,
		Events:     backend,
		Secrets:    secretStore,
		Cache:      cache.New(backend, 64, nil),
		Metrics:    m,
		Hub:        h,
	}
	srv := httptest.NewServer(apiServer.Handler())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})

	for _, name := range []string{"double", "explode", "approval", "secretive", "cached"} {
		_, err := cat.Register(context.Background(), name, flux.Metadata{Resources: flux.ResourceRequest{CPU: 1}})
		require.NoError(t, err)
	}
	return &fixture{backend: backend, engine: eng, secrets: secretStore, server: srv}
}

// testWorkflows builds the registry the test worker serves.
func testWorkflows(t *testing.T) *flux.Registry {
	t.Helper()
	reg := flux.NewRegistry()

	double := flux.NewTask("double", func(ctx *flux.Ctx, input any) (any, error) {
		in, _ := input.(map[string]any)
		n, _ := in["n"].(float64)
		return map[string]any{"n": n * 2}, nil
	})
	require.NoError(t, reg.Register(flux.Func("double", func(ctx *flux.Ctx, input any) (any, error) {
		return double.Run(ctx, input)
	}), flux.Metadata{}))

	explode := flux.NewTask("explode", func(ctx *flux.Ctx, input any) (any, error) {
		return nil, fluxerrors.New("boom")
	})
	require.NoError(t, reg.Register(flux.Func("explode", func(ctx *flux.Ctx, input any) (any, error) {
		return explode.Run(ctx, input)
	}), flux.Metadata{}))

	require.NoError(t, reg.Register(flux.Func("approval", func(ctx *flux.Ctx, input any) (any, error) {
		if err := flux.Pause(ctx, "await-approval"); err != nil {
			return nil, err
		}
		return map[string]any{"approved": true}, nil
	}), flux.Metadata{}))

	secretive := flux.NewTask("read-secret", func(ctx *flux.Ctx, input any) (any, error) {
		v, ok := ctx.Secret("api-key")
		if !ok {
			return nil, fluxerrors.New("secret not injected")
		}
		return map[string]any{"key": v}, nil
	}, flux.WithSecrets("api-key"))
	require.NoError(t, reg.Register(flux.Func("secretive", func(ctx *flux.Ctx, input any) (any, error) {
		return secretive.Run(ctx, input)
	}), flux.Metadata{}))

	calls := 0
	cached := flux.NewTask("compute", func(ctx *flux.Ctx, input any) (any, error) {
		calls++
		return map[string]any{"calls": calls}, nil
	}, flux.WithCache(time.Minute))
	require.NoError(t, reg.Register(flux.Func("cached", func(ctx *flux.Ctx, input any) (any, error) {
		return cached.Run(ctx, input)
	}), flux.Metadata{}))

	return reg
}

func (f *fixture) startWorker(t *testing.T) *Worker {
	t.Helper()
	w, err := New(Options{
		Config: config.WorkerConfig{
			ServerURL:               f.server.URL,
			SessionName:             "test-worker",
			HeartbeatInterval:       100 * time.Millisecond,
			MaxConcurrentExecutions: 2,
			Capabilities:            flux.Capabilities{CPU: 4, MemoryBytes: 1 << 30},
		},
		Workflows: testWorkflows(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return w
}

func (f *fixture) waitTerminal(t *testing.T, id string) *storage.ExecutionRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := f.engine.WaitTerminal(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestWorkerCompletesExecution(t *testing.T) {
	f := newFixture(t)
	f.startWorker(t)

	rec, err := f.engine.Start(context.Background(), "double", 0, json.RawMessage(`{"n":21}`), 0, "")
	require.NoError(t, err)

	final := f.waitTerminal(t, rec.ID)
	assert.Equal(t, execution.StateCompleted, final.State)

	events, err := f.backend.ListEvents(context.Background(), rec.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, execution.EventWorkflowCompleted, last.Type)
	var out map[string]any
	require.NoError(t, last.DecodeValue(&out))
	assert.Equal(t, float64(42), out["n"])

	// The log is dense from 0 and records the task lifecycle.
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Sequence)
	}
	assert.Equal(t, execution.EventWorkflowStarted, events[0].Type)
}

func TestWorkerRecordsFailure(t *testing.T) {
	f := newFixture(t)
	f.startWorker(t)

	rec, err := f.engine.Start(context.Background(), "explode", 0, nil, 0, "")
	require.NoError(t, err)

	final := f.waitTerminal(t, rec.ID)
	assert.Equal(t, execution.StateFailed, final.State)

	events, err := f.backend.ListEvents(context.Background(), rec.ID, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, execution.EventWorkflowFailed, last.Type)

	var payload fluxerrors.Payload
	require.NoError(t, last.DecodeValue(&payload))
	assert.Contains(t, payload.Message, "boom")
}

func TestWorkerPauseAndResume(t *testing.T) {
	f := newFixture(t)
	f.startWorker(t)

	rec, err := f.engine.Start(context.Background(), "approval", 0, nil, 0, "")
	require.NoError(t, err)

	// The workflow parks itself at the pause point.
	require.Eventually(t, func() bool {
		got, err := f.backend.GetExecution(context.Background(), rec.ID)
		return err == nil && got.State == execution.StatePaused
	}, 10*time.Second, 20*time.Millisecond)

	_, err = f.engine.Resume(context.Background(), rec.ID)
	require.NoError(t, err)

	final := f.waitTerminal(t, rec.ID)
	assert.Equal(t, execution.StateCompleted, final.State)

	events, err := f.backend.ListEvents(context.Background(), rec.ID, 0)
	require.NoError(t, err)
	var types []execution.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, execution.EventWorkflowPaused)
	assert.Contains(t, types, execution.EventWorkflowResumed)
}

func TestWorkerResolvesSecrets(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.secrets.Set(context.Background(), "api-key", "hunter2"))
	f.startWorker(t)

	rec, err := f.engine.Start(context.Background(), "secretive", 0, nil, 0, "")
	require.NoError(t, err)

	final := f.waitTerminal(t, rec.ID)
	assert.Equal(t, execution.StateCompleted, final.State)

	events, err := f.backend.ListEvents(context.Background(), rec.ID, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	var out map[string]any
	require.NoError(t, last.DecodeValue(&out))
	assert.Equal(t, "hunter2", out["key"])
}

func TestWorkerFailsOnMissingSecret(t *testing.T) {
	f := newFixture(t)
	f.startWorker(t)

	rec, err := f.engine.Start(context.Background(), "secretive", 0, nil, 0, "")
	require.NoError(t, err)

	final := f.waitTerminal(t, rec.ID)
	assert.Equal(t, execution.StateFailed, final.State)
}

func TestWorkerUsesSharedCache(t *testing.T) {
	f := newFixture(t)
	f.startWorker(t)

	first, err := f.engine.Start(context.Background(), "cached", 0, json.RawMessage(`{"v":1}`), 0, "")
	require.NoError(t, err)
	require.Equal(t, execution.StateCompleted, f.waitTerminal(t, first.ID).State)

	second, err := f.engine.Start(context.Background(), "cached", 0, json.RawMessage(`{"v":1}`), 0, "")
	require.NoError(t, err)
	require.Equal(t, execution.StateCompleted, f.waitTerminal(t, second.ID).State)

	// Identical input hits the cache: the task body ran once.
	events, err := f.backend.ListEvents(context.Background(), second.ID, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	var out map[string]any
	require.NoError(t, last.DecodeValue(&out))
	assert.Equal(t, float64(1), out["calls"])
}

func TestWorkerCooperativeCancel(t *testing.T) {
	f := newFixture(t)

	reg := flux.NewRegistry()
	started := make(chan struct{})
	slow := flux.NewTask("wait", func(ctx *flux.Ctx, input any) (any, error) {
		close(started)
		for {
			if err := ctx.CheckCancellation(); err != nil {
				return nil, err
			}
			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
			}
		}
	})
	require.NoError(t, reg.Register(flux.Func("slow", func(ctx *flux.Ctx, input any) (any, error) {
		return slow.Run(ctx, input)
	}), flux.Metadata{}))

	_, err := catalog.New(f.backend).Register(context.Background(), "slow", flux.Metadata{Resources: flux.ResourceRequest{CPU: 1}})
	require.NoError(t, err)

	w, err := New(Options{
		Config: config.WorkerConfig{
			ServerURL:               f.server.URL,
			HeartbeatInterval:       100 * time.Millisecond,
			MaxConcurrentExecutions: 2,
			Capabilities:            flux.Capabilities{CPU: 4},
		},
		Workflows: reg,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	rec, err := f.engine.Start(context.Background(), "slow", 0, nil, 0, "")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("task never started")
	}

	_, err = f.engine.Cancel(context.Background(), rec.ID, "operator request")
	require.NoError(t, err)

	final := f.waitTerminal(t, rec.ID)
	assert.Equal(t, execution.StateCancelled, final.State)

	events, listErr := f.backend.ListEvents(context.Background(), rec.ID, 0)
	require.NoError(t, listErr)
	var types []execution.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, execution.EventWorkflowCancelRequested)
	assert.Equal(t, execution.EventWorkflowCancelled, types[len(types)-1])
}

func TestWorkerRejectsUnknownWorkflow(t *testing.T) {
	f := newFixture(t)

	// A worker serving only "double" rejects offers for other workflows;
	// with no other worker the execution eventually fails.
	reg := flux.NewRegistry()
	require.NoError(t, reg.Register(flux.Func("double", func(ctx *flux.Ctx, input any) (any, error) {
		return input, nil
	}), flux.Metadata{}))

	w, err := New(Options{
		Config: config.WorkerConfig{
			ServerURL:               f.server.URL,
			HeartbeatInterval:       100 * time.Millisecond,
			MaxConcurrentExecutions: 2,
			Capabilities:            flux.Capabilities{CPU: 4},
		},
		Workflows: reg,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	rec, err := f.engine.Start(context.Background(), "explode", 0, nil, 0, "")
	require.NoError(t, err)

	final := f.waitTerminal(t, rec.ID)
	assert.Equal(t, execution.StateFailed, final.State)
	assert.Equal(t, 3, final.Attempts)
}
