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

// Package worker is the fluxworker runtime: it registers with fluxd, claims
// offered executions, drives workflow bodies through the task envelope, and
// checkpoints every event back to the server before acting on it.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/flux/internal/config"
	"github.com/tombee/flux/internal/log"
	"github.com/tombee/flux/internal/output"
	"github.com/tombee/flux/internal/protocol"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

const (
	checkpointTimeout = 30 * time.Second
	writeTimeout      = 10 * time.Second
	reconnectDelay    = 2 * time.Second
)

// Options configure a worker.
type Options struct {
	Config config.WorkerConfig

	// Workflows is the process-local table of compiled workflows. Offers
	// for workflows not in the table are rejected.
	Workflows *flux.Registry

	// Outputs stores offloaded task outputs. Nil keeps outputs in process
	// memory, which only survives replay on the same worker.
	Outputs flux.OutputStore

	Logger *slog.Logger
}

// Worker runs workflow executions on behalf of a fluxd server.
type Worker struct {
	cfg       config.WorkerConfig
	workflows *flux.Registry
	outputs   flux.OutputStore
	client    *Client
	logger    *slog.Logger

	id string

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	active   map[string]*execution.Context
	acks     map[string]chan ackResult
	draining bool
}

type ackResult struct {
	seq int64
	err error
}

// New creates a worker. Run must be called to connect it.
func New(opts Options) (*Worker, error) {
	if opts.Workflows == nil {
		return nil, &fluxerrors.ValidationError{Field: "workflows", Message: "a workflow registry is required"}
	}
	cfg := opts.Config
	if cfg.ServerURL == "" {
		return nil, &fluxerrors.ValidationError{Field: "server_url", Message: "server URL is required"}
	}
	if cfg.MaxConcurrentExecutions < 1 {
		cfg.MaxConcurrentExecutions = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Capabilities.CPU <= 0 {
		cfg.Capabilities.CPU = float64(runtime.NumCPU())
	}

	outputs := opts.Outputs
	if outputs == nil {
		outputs = output.NewMemoryStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		cfg:       cfg,
		workflows: opts.Workflows,
		outputs:   outputs,
		client:    NewClient(cfg.ServerURL, logger),
		logger:    log.WithComponent(logger, "worker"),
		active:    make(map[string]*execution.Context),
		acks:      make(map[string]chan ackResult),
	}, nil
}

// ID returns the worker identity assigned at registration, empty before Run.
func (w *Worker) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// ActiveCount returns the number of executions currently running.
func (w *Worker) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Drain stops the worker from accepting new offers. Active executions run
// to completion.
func (w *Worker) Drain() error {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	msg, err := protocol.New(protocol.TypeDrain, "", nil)
	if err != nil {
		return err
	}
	return w.writeFrame(msg)
}

// Run registers, connects, and serves until the context is cancelled. Lost
// connections are redialed; the session token survives reconnects.
func (w *Worker) Run(ctx context.Context) error {
	resp, err := w.client.Register(ctx, protocol.RegisterRequest{
		SessionName:  w.cfg.SessionName,
		Capabilities: w.cfg.Capabilities,
	})
	if err != nil {
		return fluxerrors.Wrap(err, "registering worker")
	}
	w.mu.Lock()
	w.id = resp.WorkerID
	w.mu.Unlock()
	w.logger = log.WithWorker(w.logger, resp.WorkerID)
	w.logger.Info("registered", "workflows", w.workflows.Names())

	for {
		if err := w.session(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("session ended", log.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// session runs one websocket connection to completion.
func (w *Worker) session(ctx context.Context) error {
	conn, err := w.client.Dial(ctx)
	if err != nil {
		return err
	}

	w.writeMu.Lock()
	w.conn = conn
	w.writeMu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read loop on shutdown, saying goodbye first.
	go func() {
		<-sessionCtx.Done()
		if ctx.Err() != nil {
			if msg, err := protocol.New(protocol.TypeDeregister, "", nil); err == nil {
				w.writeFrame(msg)
			}
		}
		conn.Close()
	}()

	go w.heartbeats(sessionCtx)

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		w.handleFrame(sessionCtx, msg)
	}
}

func (w *Worker) heartbeats(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := protocol.New(protocol.TypeHeartbeat, "", protocol.HeartbeatPayload{
				ActiveExecutions: w.ActiveCount(),
			})
			if err == nil {
				w.writeFrame(msg)
			}
		}
	}
}

// handleFrame routes one inbound frame. It must never block on a
// checkpoint: acks arrive through this same loop.
func (w *Worker) handleFrame(ctx context.Context, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeExecute:
		w.handleExecute(ctx, msg)

	case protocol.TypeCheckpointAck:
		var payload protocol.CheckpointAckPayload
		if err := msg.Decode(&payload); err != nil {
			return
		}
		w.routeAck(msg.ID, ackResult{seq: payload.AckSequence})

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := msg.Decode(&payload); err != nil {
			return
		}
		if !w.routeAck(msg.ID, ackResult{err: fmt.Errorf("%s: %s", payload.Code, payload.Message)}) {
			w.logger.Warn("server error",
				"code", payload.Code,
				"message", payload.Message,
				log.ExecutionIDKey, msg.ExecutionID,
			)
		}

	case protocol.TypeCancel:
		var payload protocol.CancelPayload
		msg.Decode(&payload)
		w.mu.Lock()
		ec := w.active[msg.ExecutionID]
		w.mu.Unlock()
		if ec == nil {
			return
		}
		// RequestCancel checkpoints an event, so it must not run on the
		// read loop.
		go func() {
			if _, err := ec.RequestCancel(ctx, payload.Reason); err != nil {
				w.logger.Warn("recording cancel request", log.ExecutionIDKey, msg.ExecutionID, log.Error(err))
			}
		}()

	default:
		w.logger.Warn("unexpected frame", "type", string(msg.Type))
	}
}

func (w *Worker) handleExecute(ctx context.Context, msg protocol.Message) {
	var payload protocol.ExecutePayload
	if err := msg.Decode(&payload); err != nil {
		w.reject(msg.ExecutionID, "malformed offer")
		return
	}

	wf, err := w.workflows.Lookup(payload.Workflow)
	if err != nil {
		w.reject(msg.ExecutionID, "workflow not loaded: "+payload.Workflow)
		return
	}

	var ec *execution.Context
	if len(payload.PriorEvents) > 0 {
		if ec, err = execution.Replay(msg.ExecutionID, payload.Workflow, payload.WorkflowVersion, payload.PriorEvents); err != nil {
			w.reject(msg.ExecutionID, "invalid prior events")
			return
		}
	} else {
		ec = execution.New(msg.ExecutionID, payload.Workflow, payload.WorkflowVersion)
	}
	ec.SetCheckpoint(w.checkpointFunc(msg.ExecutionID))

	w.mu.Lock()
	if w.draining || len(w.active) >= w.cfg.MaxConcurrentExecutions {
		draining := w.draining
		w.mu.Unlock()
		if draining {
			w.reject(msg.ExecutionID, "draining")
		} else {
			w.reject(msg.ExecutionID, "at capacity")
		}
		return
	}
	w.active[msg.ExecutionID] = ec
	workerID := w.id
	w.mu.Unlock()

	claim, err := protocol.New(protocol.TypeClaim, msg.ExecutionID, protocol.ClaimPayload{WorkerID: workerID})
	if err == nil {
		err = w.writeFrame(claim)
	}
	if err != nil {
		w.mu.Lock()
		delete(w.active, msg.ExecutionID)
		w.mu.Unlock()
		return
	}

	go w.runExecution(ctx, wf, ec, payload)
}

func (w *Worker) reject(executionID, reason string) {
	w.mu.Lock()
	workerID := w.id
	w.mu.Unlock()
	msg, err := protocol.New(protocol.TypeReject, executionID, protocol.RejectPayload{
		WorkerID: workerID,
		Reason:   reason,
	})
	if err == nil {
		w.writeFrame(msg)
	}
}

func (w *Worker) runExecution(ctx context.Context, wf flux.Workflow, ec *execution.Context, payload protocol.ExecutePayload) {
	executionID := ec.ExecutionID()
	logger := log.WithExecutionContext(w.logger, executionID, ec.WorkflowName())
	logger.Info("execution started", "attempt", payload.Attempt, "replayed_events", len(payload.PriorEvents))

	defer func() {
		w.mu.Lock()
		delete(w.active, executionID)
		w.mu.Unlock()
	}()

	var input any
	if len(payload.Input) > 0 {
		if err := json.Unmarshal(payload.Input, &input); err != nil {
			logger.Error("decoding input", log.Error(err))
			return
		}
	}

	services := flux.Services{
		Secrets: w.client,
		Outputs: w.outputs,
		Cache:   w.client.Cache(),
	}

	_, err := flux.Execute(ctx, wf, ec, input, services)
	switch {
	case err == nil:
		logger.Info("execution completed")
	case fluxerrors.KindOf(err) == fluxerrors.KindCancelled:
		logger.Info("execution cancelled")
	case ec.Paused():
		logger.Info("execution paused")
	default:
		logger.Warn("execution failed", log.Error(err))
	}
}

// checkpointFunc persists an event batch through the server and waits for
// durability before the runtime proceeds.
func (w *Worker) checkpointFunc(executionID string) execution.CheckpointFunc {
	return func(ctx context.Context, events []execution.Event) error {
		if len(events) == 0 {
			return nil
		}
		msg, err := protocol.New(protocol.TypeCheckpoint, executionID, protocol.CheckpointPayload{Events: events})
		if err != nil {
			return err
		}

		ch := make(chan ackResult, 1)
		w.mu.Lock()
		w.acks[msg.ID] = ch
		w.mu.Unlock()
		defer func() {
			w.mu.Lock()
			delete(w.acks, msg.ID)
			w.mu.Unlock()
		}()

		if err := w.writeFrame(msg); err != nil {
			return err
		}

		select {
		case res := <-ch:
			if res.err != nil {
				return res.err
			}
			if want := events[len(events)-1].Sequence; res.seq < want {
				return &fluxerrors.InternalError{
					Message: fmt.Sprintf("checkpoint acknowledged %d, want %d", res.seq, want),
				}
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(checkpointTimeout):
			return &fluxerrors.TimeoutError{Operation: "checkpoint", Duration: checkpointTimeout}
		}
	}
}

func (w *Worker) routeAck(id string, res ackResult) bool {
	w.mu.Lock()
	ch := w.acks[id]
	w.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- res:
	default:
	}
	return true
}

func (w *Worker) writeFrame(msg protocol.Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn == nil {
		return &fluxerrors.WorkerDisconnectedError{WorkerID: w.id}
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(msg)
}
