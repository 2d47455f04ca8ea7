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

// Package scheduler fires time-driven workflow executions. A single
// scheduler instance runs per server; each enabled schedule fires at its
// cron times or fixed interval, guarded against overlapping runs unless
// the schedule opts in, with a configurable policy for occurrences missed
// while the server was down.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/flux/internal/jq"
	"github.com/tombee/flux/internal/log"
	"github.com/tombee/flux/internal/server/metrics"
	"github.com/tombee/flux/internal/storage"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
)

// Catch-up policies for fire times missed during downtime.
const (
	CatchUpSkip = "skip"
	CatchUpOne  = "one"
	CatchUpAll  = "all"
)

// maxCatchUp bounds the occurrences replayed under the "all" policy so a
// schedule that was disabled for months cannot flood the queue.
const maxCatchUp = 100

// Starter launches a workflow execution. Implemented by the engine.
type Starter interface {
	Start(ctx context.Context, workflow string, version int, input json.RawMessage, priority int, scheduleID string) (*storage.ExecutionRecord, error)
}

// Config tunes the scheduler loop.
type Config struct {
	// CatchUpPolicy is the default policy for schedules that set none.
	CatchUpPolicy string

	// TickInterval is the clock resolution.
	TickInterval time.Duration
}

// Scheduler drives cron schedules.
type Scheduler struct {
	cfg        Config
	schedules  storage.ScheduleStore
	executions storage.ExecutionStore
	starter    Starter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tmpl       *jq.Executor
	now        func() time.Time
}

// New creates a scheduler.
func New(cfg Config, schedules storage.ScheduleStore, executions storage.ExecutionStore, starter Starter, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if cfg.CatchUpPolicy == "" {
		cfg.CatchUpPolicy = CatchUpOne
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:        cfg,
		schedules:  schedules,
		executions: executions,
		starter:    starter,
		metrics:    m,
		logger:     log.WithComponent(logger, "scheduler"),
		tmpl:       jq.NewExecutor(0, 0),
		now:        time.Now,
	}
}

// Validate checks a schedule definition before it is stored.
func Validate(rec *storage.ScheduleRecord) error {
	if rec.Workflow == "" {
		return &fluxerrors.ValidationError{Field: "workflow", Message: "schedule needs a workflow"}
	}
	switch {
	case rec.Cron != "" && rec.Every > 0:
		return &fluxerrors.ValidationError{Field: "cron", Message: "cron and every are mutually exclusive"}
	case rec.Cron != "":
		if _, err := ParseCron(rec.Cron); err != nil {
			return &fluxerrors.ValidationError{Field: "cron", Message: err.Error()}
		}
	case rec.Every > 0:
		if rec.Every < time.Second {
			return &fluxerrors.ValidationError{Field: "every", Message: "interval must be at least 1s"}
		}
	default:
		return &fluxerrors.ValidationError{Field: "cron", Message: "schedule needs a cron expression or an interval"}
	}
	if rec.Timezone != "" {
		if _, err := time.LoadLocation(rec.Timezone); err != nil {
			return &fluxerrors.ValidationError{Field: "timezone", Message: fmt.Sprintf("unknown timezone %q", rec.Timezone)}
		}
	}
	if rec.InputTemplate != "" {
		if err := jq.Validate(rec.InputTemplate); err != nil {
			return &fluxerrors.ValidationError{Field: "input_template", Message: err.Error()}
		}
	}
	switch rec.CatchUpPolicy {
	case "", CatchUpSkip, CatchUpOne, CatchUpAll:
	default:
		return &fluxerrors.ValidationError{Field: "catch_up_policy", Message: fmt.Sprintf("unknown policy %q", rec.CatchUpPolicy)}
	}
	return nil
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", log.Error(err))
			}
		}
	}
}

// Tick fires every schedule that is due.
func (s *Scheduler) Tick(ctx context.Context) error {
	schedules, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, rec := range schedules {
		if !rec.Enabled {
			continue
		}
		if err := s.tickSchedule(ctx, rec); err != nil {
			s.logger.Error("schedule tick failed",
				log.ScheduleIDKey, rec.ID,
				log.WorkflowKey, rec.Workflow,
				log.Error(err),
			)
		}
	}
	return nil
}

func (s *Scheduler) tickSchedule(ctx context.Context, rec *storage.ScheduleRecord) error {
	// Interval schedules step from the last fire; cron schedules compute
	// occurrences in the schedule's timezone.
	next := func(after time.Time) time.Time { return after.Add(rec.Every) }
	loc := time.UTC
	if rec.Every <= 0 {
		cron, err := ParseCron(rec.Cron)
		if err != nil {
			return err
		}
		if rec.Timezone != "" {
			if loc, err = time.LoadLocation(rec.Timezone); err != nil {
				return err
			}
		}
		next = cron.Next
	}

	now := s.now().In(loc)
	after := rec.LastFire
	if after.IsZero() {
		after = rec.CreatedAt
	}
	after = after.In(loc)

	// Collect the occurrences due since the last fire.
	var due []time.Time
	for t := next(after); !t.IsZero() && !t.After(now); t = next(t) {
		due = append(due, t)
		if len(due) > maxCatchUp {
			due = due[len(due)-maxCatchUp:]
		}
	}
	if len(due) == 0 {
		return nil
	}

	policy := rec.CatchUpPolicy
	if policy == "" {
		policy = s.cfg.CatchUpPolicy
	}

	var fires []time.Time
	switch policy {
	case CatchUpAll:
		fires = due
	case CatchUpSkip:
		// Fire only when the latest occurrence is still fresh; older
		// missed occurrences are dropped.
		latest := due[len(due)-1]
		if now.Sub(latest) <= 2*s.cfg.TickInterval {
			fires = []time.Time{latest}
		}
	default: // CatchUpOne
		fires = []time.Time{due[len(due)-1]}
	}

	// Either way the schedule's clock advances past everything due.
	rec.LastFire = due[len(due)-1].In(time.UTC)
	rec.UpdatedAt = s.now()

	if len(fires) > 0 && !rec.AllowOverlap {
		overlapping, err := s.hasLiveExecution(ctx, rec.ID)
		if err != nil {
			return err
		}
		if overlapping {
			s.logger.Warn("skipping fire, previous execution still live",
				log.ScheduleIDKey, rec.ID,
				log.WorkflowKey, rec.Workflow,
			)
			fires = nil
		}
	}

	for _, fireTime := range fires {
		input, err := s.renderInput(ctx, rec, fireTime)
		if err != nil {
			s.logger.Error("input template failed",
				log.ScheduleIDKey, rec.ID,
				log.Error(err),
			)
			continue
		}
		exec, err := s.starter.Start(ctx, rec.Workflow, 0, input, 0, rec.ID)
		if err != nil {
			s.logger.Error("scheduled start failed",
				log.ScheduleIDKey, rec.ID,
				log.WorkflowKey, rec.Workflow,
				log.Error(err),
			)
			continue
		}
		s.metrics.SchedulerFires.Inc()
		s.logger.Info("schedule fired",
			log.ScheduleIDKey, rec.ID,
			log.WorkflowKey, rec.Workflow,
			log.ExecutionIDKey, exec.ID,
			"fire_time", fireTime,
		)
	}

	return s.schedules.PutSchedule(ctx, rec)
}

// hasLiveExecution reports whether a prior run of this schedule is still in
// flight.
func (s *Scheduler) hasLiveExecution(ctx context.Context, scheduleID string) (bool, error) {
	recs, err := s.executions.ListExecutions(ctx, storage.ExecutionFilter{
		States: []execution.State{
			execution.StateScheduled,
			execution.StateClaimed,
			execution.StateRunning,
			execution.StateCancelling,
		},
	})
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if rec.ScheduleID == scheduleID {
			return true, nil
		}
	}
	return false, nil
}

// renderInput produces the execution input, evaluating the gojq template
// when one is set. The template sees the schedule identity and fire time.
func (s *Scheduler) renderInput(ctx context.Context, rec *storage.ScheduleRecord, fireTime time.Time) (json.RawMessage, error) {
	if rec.InputTemplate == "" {
		return rec.Input, nil
	}

	var base any
	if len(rec.Input) > 0 {
		if err := json.Unmarshal(rec.Input, &base); err != nil {
			return nil, err
		}
	}
	env := map[string]any{
		"schedule_id": rec.ID,
		"workflow":    rec.Workflow,
		"fire_time":   fireTime.UTC().Format(time.RFC3339),
		"input":       base,
	}

	v, err := s.tmpl.Execute(ctx, rec.InputTemplate, env)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fluxerrors.New("input template produced no value")
	}
	return json.Marshal(v)
}
