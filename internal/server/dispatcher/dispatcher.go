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

// Package dispatcher assigns scheduled executions to eligible workers.
//
// Eligibility follows the resource matching rule: a worker qualifies when
// its remaining capacity covers the workflow's cpu and memory request and
// its packages and tags are supersets of the requested ones. Among eligible
// workers the dispatcher picks the tightest fit, breaking ties toward the
// worker seen least recently.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/flux/internal/log"
	"github.com/tombee/flux/internal/protocol"
	"github.com/tombee/flux/internal/server/metrics"
	"github.com/tombee/flux/internal/storage"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

// Sender delivers a protocol frame to a connected worker.
type Sender interface {
	Send(workerID string, msg protocol.Message) error
}

// TerminalFunc is notified when the dispatcher itself finalizes an
// execution, such as failing it after exhausting claim attempts.
type TerminalFunc func(executionID string, state execution.State)

// Config tunes dispatch behavior.
type Config struct {
	// ClaimAckTimeout is how long an offer may sit unclaimed.
	ClaimAckTimeout time.Duration

	// MaxClaimAttempts bounds dispatch attempts per execution.
	MaxClaimAttempts int
}

type reservation struct {
	workerID string
	request  flux.ResourceRequest
	acked    bool
	timer    *time.Timer
}

// Dispatcher owns the ready queue and the assignment of executions to
// workers.
type Dispatcher struct {
	cfg        Config
	executions storage.ExecutionStore
	events     storage.EventStore
	workflows  storage.WorkflowStore
	workers    storage.WorkerStore
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	queue     *readyQueue
	reserved  map[string]*reservation
	connected map[string]bool

	sender     Sender
	onTerminal TerminalFunc
}

// New creates a dispatcher. SetSender must be called before executions can
// be offered to workers.
func New(cfg Config, backend storage.Backend, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:        cfg,
		executions: backend,
		events:     backend,
		workflows:  backend,
		workers:    backend,
		metrics:    m,
		logger:     log.WithComponent(logger, "dispatcher"),
		queue:      newReadyQueue(),
		reserved:   make(map[string]*reservation),
		connected:  make(map[string]bool),
	}
}

// SetSender wires the outbound channel to workers.
func (d *Dispatcher) SetSender(s Sender) {
	d.mu.Lock()
	d.sender = s
	d.mu.Unlock()
}

// OnTerminal sets the callback for dispatcher-finalized executions.
func (d *Dispatcher) OnTerminal(fn TerminalFunc) {
	d.mu.Lock()
	d.onTerminal = fn
	d.mu.Unlock()
}

// Enqueue adds an execution to the ready queue and triggers a dispatch
// pass.
func (d *Dispatcher) Enqueue(executionID string, priority int) {
	d.mu.Lock()
	d.queue.push(executionID, priority)
	d.updateQueueDepth()
	d.mu.Unlock()
	d.Kick()
}

// WorkerConnected marks a worker reachable and triggers dispatch.
func (d *Dispatcher) WorkerConnected(workerID string) {
	d.mu.Lock()
	d.connected[workerID] = true
	d.mu.Unlock()
	d.Kick()
}

// WorkerDisconnected marks a worker unreachable and requeues everything it
// held.
func (d *Dispatcher) WorkerDisconnected(workerID string) {
	d.mu.Lock()
	delete(d.connected, workerID)
	d.mu.Unlock()
	d.WorkerLost(workerID)
}

// WorkerLost requeues every execution reserved on the given worker.
func (d *Dispatcher) WorkerLost(workerID string) {
	d.mu.Lock()
	var lost []string
	for id, res := range d.reserved {
		if res.workerID == workerID {
			lost = append(lost, id)
		}
	}
	d.mu.Unlock()

	for _, id := range lost {
		d.logger.Warn("requeueing execution from lost worker",
			log.ExecutionIDKey, id,
			log.WorkerIDKey, workerID,
		)
		d.revert(id)
	}
	d.Kick()
}

// ClaimAcked records that the worker accepted the offer. The execution
// moves to RUNNING.
func (d *Dispatcher) ClaimAcked(executionID, workerID string) error {
	d.mu.Lock()
	res, ok := d.reserved[executionID]
	if !ok || res.workerID != workerID {
		d.mu.Unlock()
		return &fluxerrors.ConflictError{
			Resource: "execution",
			ID:       executionID,
			Reason:   "claim ack from a worker that does not hold the offer",
		}
	}
	res.acked = true
	if res.timer != nil {
		res.timer.Stop()
	}
	d.mu.Unlock()

	ctx := context.Background()
	rec, err := d.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	rec.State = execution.StateRunning
	rec.CheckpointAt = time.Now()
	if err := d.executions.UpdateExecution(ctx, rec); err != nil {
		return err
	}
	d.metrics.DispatchesTotal.WithLabelValues("claimed").Inc()
	return nil
}

// Rejected handles a worker declining an offer.
func (d *Dispatcher) Rejected(executionID, workerID string) {
	d.mu.Lock()
	res, ok := d.reserved[executionID]
	if !ok || res.workerID != workerID {
		d.mu.Unlock()
		return
	}
	if res.timer != nil {
		res.timer.Stop()
	}
	d.mu.Unlock()

	d.metrics.DispatchesTotal.WithLabelValues("rejected").Inc()
	d.revert(executionID)
	d.Kick()
}

// Finished releases the worker capacity held by a terminal execution.
func (d *Dispatcher) Finished(executionID string) {
	d.mu.Lock()
	if res, ok := d.reserved[executionID]; ok {
		if res.timer != nil {
			res.timer.Stop()
		}
		delete(d.reserved, executionID)
	}
	d.metrics.ExecutionsRunning.Set(float64(len(d.reserved)))
	d.mu.Unlock()
	d.Kick()
}

// Assignment returns the worker currently holding an execution.
func (d *Dispatcher) Assignment(executionID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, ok := d.reserved[executionID]
	if !ok {
		return "", false
	}
	return res.workerID, true
}

// Kick runs one dispatch pass over the ready queue.
func (d *Dispatcher) Kick() {
	ctx := context.Background()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sender == nil {
		return
	}

	// Pop everything, try to place each execution, and put the ones that
	// found no worker back with their original queue position.
	var unplaced []queueItem
	for {
		item, ok := d.queue.pop()
		if !ok {
			break
		}
		if keep := d.tryAssign(ctx, item); keep {
			unplaced = append(unplaced, item)
		}
	}
	for _, item := range unplaced {
		d.queue.restore(item)
	}
	d.updateQueueDepth()
}

// tryAssign attempts to place one execution. It reports whether the item
// should stay queued for a later pass. Callers hold d.mu.
func (d *Dispatcher) tryAssign(ctx context.Context, item queueItem) (keep bool) {
	executionID := item.executionID
	rec, err := d.executions.GetExecution(ctx, executionID)
	if err != nil {
		d.logger.Error("dropping unknown queued execution", log.ExecutionIDKey, executionID, log.Error(err))
		return false
	}
	if rec.State != execution.StateScheduled {
		return false
	}

	wf, err := d.workflows.GetWorkflow(ctx, rec.Workflow, rec.WorkflowVersion)
	if err != nil {
		d.failExecution(ctx, rec, err)
		return false
	}
	req := wf.Metadata.Resources

	workerID, ok := d.pickWorker(ctx, req)
	if !ok {
		d.metrics.DispatchesTotal.WithLabelValues("no_worker").Inc()
		return true
	}

	if err := d.executions.ClaimExecution(ctx, executionID, workerID); err != nil {
		// Lost a race; leave the execution wherever it went.
		return false
	}
	rec, err = d.executions.GetExecution(ctx, executionID)
	if err != nil {
		return false
	}

	prior, err := d.events.ListEvents(ctx, executionID, 0)
	if err != nil {
		d.releaseLocked(ctx, executionID)
		return true
	}

	msg, err := protocol.New(protocol.TypeExecute, executionID, protocol.ExecutePayload{
		Workflow:        rec.Workflow,
		WorkflowVersion: rec.WorkflowVersion,
		Input:           rec.Input,
		PriorEvents:     prior,
		Attempt:         rec.Attempts,
	})
	if err != nil {
		d.failExecution(ctx, rec, err)
		return false
	}

	res := &reservation{workerID: workerID, request: req}
	d.reserved[executionID] = res
	d.metrics.ExecutionsRunning.Set(float64(len(d.reserved)))

	if err := d.sender.Send(workerID, msg); err != nil {
		delete(d.reserved, executionID)
		d.logger.Warn("execute offer failed to send",
			log.ExecutionIDKey, executionID,
			log.WorkerIDKey, workerID,
			log.Error(err),
		)
		go d.revert(executionID)
		return false
	}

	res.timer = time.AfterFunc(d.cfg.ClaimAckTimeout, func() {
		d.claimTimedOut(executionID, workerID)
	})

	d.logger.Info("execution offered",
		log.ExecutionIDKey, executionID,
		log.WorkerIDKey, workerID,
		log.WorkflowKey, rec.Workflow,
		"attempt", rec.Attempts,
	)
	d.metrics.DispatchesTotal.WithLabelValues("offered").Inc()
	return false
}

// pickWorker selects the best-fit eligible worker. Callers hold d.mu.
func (d *Dispatcher) pickWorker(ctx context.Context, req flux.ResourceRequest) (string, bool) {
	workers, err := d.workers.ListWorkers(ctx)
	if err != nil {
		d.logger.Error("listing workers", log.Error(err))
		return "", false
	}

	// Remaining capacity per worker after current reservations.
	remaining := make(map[string]flux.Capabilities, len(workers))
	online := 0
	for _, w := range workers {
		if w.Status == storage.WorkerOnline {
			online++
		}
		remaining[w.ID] = w.Capabilities
	}
	d.metrics.WorkersOnline.Set(float64(online))
	for _, res := range d.reserved {
		if caps, ok := remaining[res.workerID]; ok {
			remaining[res.workerID] = caps.Minus(res.request)
		}
	}

	var (
		best      *storage.WorkerRecord
		bestCaps  flux.Capabilities
		haveMatch bool
	)
	for _, w := range workers {
		if w.Status != storage.WorkerOnline || !d.connected[w.ID] {
			continue
		}
		caps := remaining[w.ID]
		if !caps.Satisfies(req) {
			continue
		}
		if !haveMatch || tighterFit(caps, bestCaps, req) ||
			(sameFit(caps, bestCaps, req) && w.LastSeen.Before(best.LastSeen)) {
			best, bestCaps, haveMatch = w, caps, true
		}
	}
	if !haveMatch {
		return "", false
	}
	return best.ID, true
}

// tighterFit reports whether capacity a leaves less headroom than b after
// reserving req.
func tighterFit(a, b flux.Capabilities, req flux.ResourceRequest) bool {
	la, lb := a.Minus(req), b.Minus(req)
	if la.CPU != lb.CPU {
		return la.CPU < lb.CPU
	}
	return la.MemoryBytes < lb.MemoryBytes
}

func sameFit(a, b flux.Capabilities, req flux.ResourceRequest) bool {
	la, lb := a.Minus(req), b.Minus(req)
	return la.CPU == lb.CPU && la.MemoryBytes == lb.MemoryBytes
}

func (d *Dispatcher) claimTimedOut(executionID, workerID string) {
	d.mu.Lock()
	res, ok := d.reserved[executionID]
	if !ok || res.workerID != workerID || res.acked {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.logger.Warn("claim ack timeout, reverting offer",
		log.ExecutionIDKey, executionID,
		log.WorkerIDKey, workerID,
	)
	d.metrics.DispatchesTotal.WithLabelValues("ack_timeout").Inc()
	d.revert(executionID)
	d.Kick()
}

// Requeue takes an execution away from its worker and returns it to the
// ready queue. Used for orphaned executions and forced reclaims.
func (d *Dispatcher) Requeue(executionID string) {
	d.revert(executionID)
	d.Kick()
}

// revert returns an offered or running execution to the queue, or fails it
// when claim attempts are exhausted.
func (d *Dispatcher) revert(executionID string) {
	ctx := context.Background()

	d.mu.Lock()
	delete(d.reserved, executionID)
	d.metrics.ExecutionsRunning.Set(float64(len(d.reserved)))
	d.mu.Unlock()

	rec, err := d.executions.GetExecution(ctx, executionID)
	if err != nil {
		d.logger.Error("reverting unknown execution", log.ExecutionIDKey, executionID, log.Error(err))
		return
	}
	if rec.State.Terminal() {
		return
	}

	if rec.Attempts >= d.cfg.MaxClaimAttempts {
		d.failExecution(ctx, rec, &fluxerrors.NoWorkerError{
			Workflow: rec.Workflow,
			Attempts: rec.Attempts,
		})
		return
	}

	if err := d.executions.ReleaseExecution(ctx, executionID); err != nil {
		d.logger.Error("releasing execution", log.ExecutionIDKey, executionID, log.Error(err))
		return
	}

	d.mu.Lock()
	d.queue.push(executionID, rec.Priority)
	d.updateQueueDepth()
	d.mu.Unlock()
}

// failExecution finalizes an execution the dispatcher cannot place.
func (d *Dispatcher) failExecution(ctx context.Context, rec *storage.ExecutionRecord, cause error) {
	payload := fluxerrors.Encode(cause)
	last, err := d.events.LastSequence(ctx, rec.ID)
	if err != nil {
		d.logger.Error("reading log head", log.ExecutionIDKey, rec.ID, log.Error(err))
		return
	}

	ev := execution.Event{
		ExecutionID: rec.ID,
		Sequence:    last + 1,
		Type:        execution.EventWorkflowFailed,
		Source:      "server",
		Time:        time.Now(),
	}
	if raw, err := json.Marshal(payload); err == nil {
		ev.Value = raw
	}
	if err := d.events.AppendEvents(ctx, rec.ID, []execution.Event{ev}); err != nil {
		d.logger.Error("recording dispatch failure", log.ExecutionIDKey, rec.ID, log.Error(err))
		return
	}

	rec.State = execution.StateFailed
	if err := d.executions.UpdateExecution(ctx, rec); err != nil {
		d.logger.Error("failing execution record", log.ExecutionIDKey, rec.ID, log.Error(err))
		return
	}

	d.logger.Warn("execution failed without a worker",
		log.ExecutionIDKey, rec.ID,
		log.WorkflowKey, rec.Workflow,
		"attempts", rec.Attempts,
	)
	d.metrics.DispatchesTotal.WithLabelValues("failed").Inc()
	d.metrics.ExecutionsTotal.WithLabelValues(string(execution.StateFailed)).Inc()

	d.mu.Lock()
	fn := d.onTerminal
	d.mu.Unlock()
	if fn != nil {
		fn(rec.ID, execution.StateFailed)
	}
}

// releaseLocked releases a claim taken during an aborted assignment.
// Callers hold d.mu.
func (d *Dispatcher) releaseLocked(ctx context.Context, executionID string) {
	if err := d.executions.ReleaseExecution(ctx, executionID); err != nil {
		d.logger.Error("releasing aborted claim", log.ExecutionIDKey, executionID, log.Error(err))
	}
}

func (d *Dispatcher) updateQueueDepth() {
	d.metrics.QueueDepth.Set(float64(d.queue.len()))
}

// Run triggers periodic dispatch passes until the context is cancelled.
// Event-driven kicks cover the common cases; the tick is a safety net.
func (d *Dispatcher) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Kick()
		}
	}
}
