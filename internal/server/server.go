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

// Package server assembles the fluxd control plane: storage, secrets, the
// dispatcher, the engine, the worker hub, the scheduler, and the HTTP API,
// and runs their background loops.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/flux/internal/cache"
	"github.com/tombee/flux/internal/config"
	"github.com/tombee/flux/internal/log"
	"github.com/tombee/flux/internal/secrets"
	"github.com/tombee/flux/internal/server/api"
	"github.com/tombee/flux/internal/server/catalog"
	"github.com/tombee/flux/internal/server/dispatcher"
	"github.com/tombee/flux/internal/server/engine"
	"github.com/tombee/flux/internal/server/hub"
	"github.com/tombee/flux/internal/server/metrics"
	"github.com/tombee/flux/internal/server/registry"
	"github.com/tombee/flux/internal/server/scheduler"
	"github.com/tombee/flux/internal/storage"
	"github.com/tombee/flux/internal/storage/memory"
	"github.com/tombee/flux/internal/storage/sqlite"
	"github.com/tombee/flux/internal/tracing"
)

const (
	dispatchTick = time.Second

	// Workers heartbeat every few seconds; a sweep timeout well past that
	// tolerates slow networks without keeping dead workers assigned.
	workerSweepInterval = 15 * time.Second
	workerSweepTimeout  = time.Minute

	orphanSweepInterval = 30 * time.Second
	cachePruneInterval  = time.Minute

	shutdownTimeout = 10 * time.Second
)

// Server is the assembled fluxd process.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend storage.Backend

	engine    *engine.Engine
	disp      *dispatcher.Dispatcher
	registry  *registry.Registry
	hub       *hub.Hub
	scheduler *scheduler.Scheduler
	cache     *cache.Cache
	http      *http.Server

	stopTracing func(context.Context) error
}

// New wires a server from configuration. The caller owns the logger.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	stopTracing, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
		ServiceName: "fluxd",
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	masterKey, err := secrets.LoadMasterKey(cfg.Secrets.MasterKeySource, cfg.Secrets.MasterKeyFile)
	if err != nil {
		// A missing master key only blocks the secret store. Run with an
		// ephemeral key so development servers come up; stored secrets
		// become unreadable after restart.
		logger.Warn("master key unavailable, using ephemeral key", log.Error(err))
		if masterKey, err = secrets.GenerateKey(); err != nil {
			backend.Close()
			return nil, err
		}
	}
	cipher, err := secrets.NewCipher(masterKey)
	if err != nil {
		backend.Close()
		return nil, err
	}

	m := metrics.New()
	cat := catalog.New(backend)
	reg := registry.New(backend, []byte(cfg.Server.SessionSecret), logger)
	disp := dispatcher.New(dispatcher.Config{
		ClaimAckTimeout:  cfg.Server.ClaimAckTimeout,
		MaxClaimAttempts: cfg.Server.MaxClaimAttempts,
	}, backend, m, logger)
	eng := engine.New(engine.Config{
		CancelGrace:   cfg.Server.CancelGrace,
		OrphanTimeout: cfg.Server.OrphanTimeout,
	}, backend, cat, disp, m, logger)

	h := hub.New(reg, disp, eng, logger)
	disp.SetSender(h)
	eng.SetCancelSender(h)
	reg.OnWorkerLost(disp.WorkerLost)

	resultCache := cache.New(backend, 0, logger)

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled() {
		sched = scheduler.New(scheduler.Config{
			CatchUpPolicy: cfg.Scheduler.CatchUpPolicy,
			TickInterval:  cfg.Scheduler.TickInterval,
		}, backend, backend, eng, m, logger)
	}

	apiServer := &api.Server{
		Catalog:    cat,
		Engine:     eng,
		Registry:   reg,
		Schedules:  backend,
		Executions: backend,
		Events:     backend,
		Secrets:    secrets.NewStore(cipher, backend),
		Cache:      resultCache,
		Metrics:    m,
		Hub:        h,
		Logger:     logger,
	}

	return &Server{
		cfg:       cfg,
		logger:    log.WithComponent(logger, "server"),
		backend:   backend,
		engine:    eng,
		disp:      disp,
		registry:  reg,
		hub:       h,
		scheduler: sched,
		cache:     resultCache,
		http: &http.Server{
			Addr:    cfg.ListenAddr(),
			Handler: apiServer.Handler(),
		},
		stopTracing: stopTracing,
	}, nil
}

func openBackend(cfg *config.Config) (storage.Backend, error) {
	if cfg.Server.DatabaseURL == "" || cfg.Server.DatabaseURL == "memory" {
		return memory.New(), nil
	}
	return sqlite.New(sqlite.Config{Path: cfg.Server.DatabaseURL, WAL: true})
}

// Engine exposes the engine, mainly for embedding fluxd in tests.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Run serves until the context is cancelled, then shuts down cleanly.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.http.Shutdown(shutdownCtx)
		s.hub.Close()
		return err
	})

	g.Go(func() error {
		s.disp.Run(ctx, dispatchTick)
		return nil
	})
	g.Go(func() error {
		s.registry.RunSweeper(ctx, workerSweepInterval, workerSweepTimeout)
		return nil
	})
	g.Go(func() error {
		s.engine.RunOrphanSweeper(ctx, orphanSweepInterval)
		return nil
	})
	g.Go(func() error {
		s.cache.RunPruner(ctx, cachePruneInterval)
		return nil
	})
	if s.scheduler != nil {
		g.Go(func() error {
			s.scheduler.Run(ctx)
			return nil
		})
	}

	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if traceErr := s.stopTracing(flushCtx); traceErr != nil {
		s.logger.Warn("trace flush failed", log.Error(traceErr))
	}

	if closeErr := s.backend.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
