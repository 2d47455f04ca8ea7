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

// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors on a private registry so tests can
// create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth        prometheus.Gauge
	WorkersOnline     prometheus.Gauge
	ExecutionsRunning prometheus.Gauge

	DispatchesTotal    *prometheus.CounterVec
	ExecutionsTotal    *prometheus.CounterVec
	CheckpointsTotal   prometheus.Counter
	EventsTotal        prometheus.Counter
	SchedulerFires     prometheus.Counter
	ExecutionDurations prometheus.Histogram
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flux_dispatch_queue_depth",
			Help: "Executions waiting for a worker.",
		}),
		WorkersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flux_workers_online",
			Help: "Workers currently connected and online.",
		}),
		ExecutionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flux_executions_running",
			Help: "Executions currently assigned to a worker.",
		}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flux_dispatches_total",
			Help: "Dispatch attempts by outcome.",
		}, []string{"outcome"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flux_executions_total",
			Help: "Finished executions by terminal state.",
		}, []string{"state"}),
		CheckpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flux_checkpoints_total",
			Help: "Checkpoint batches accepted from workers.",
		}),
		EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flux_events_total",
			Help: "Events appended to execution logs.",
		}),
		SchedulerFires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flux_scheduler_fires_total",
			Help: "Executions started by the cron scheduler.",
		}),
		ExecutionDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flux_execution_duration_seconds",
			Help:    "Wall time from creation to a terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.QueueDepth,
		m.WorkersOnline,
		m.ExecutionsRunning,
		m.DispatchesTotal,
		m.ExecutionsTotal,
		m.CheckpointsTotal,
		m.EventsTotal,
		m.SchedulerFires,
		m.ExecutionDurations,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
