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

// Package registry tracks worker sessions: registration, session tokens,
// heartbeats, and the liveness sweep that expires silent workers.
package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tombee/flux/internal/log"
	"github.com/tombee/flux/internal/protocol"
	"github.com/tombee/flux/internal/storage"
	fluxerrors "github.com/tombee/flux/pkg/errors"
)

// sessionTokenTTL bounds how long a session token stays valid. Workers
// re-register after a disconnect, so tokens never need renewal in place.
const sessionTokenTTL = 24 * time.Hour

// WorkerLostFunc is called when the sweeper expires a worker, so the
// dispatcher can requeue its executions.
type WorkerLostFunc func(workerID string)

// Registry manages worker records and session tokens.
type Registry struct {
	store  storage.WorkerStore
	secret []byte
	logger *slog.Logger
	now    func() time.Time

	onWorkerLost WorkerLostFunc
}

// New creates a registry. An empty secret generates an ephemeral one, which
// invalidates all sessions when the server restarts.
func New(store storage.WorkerStore, secret []byte, logger *slog.Logger) *Registry {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("generating session secret: %v", err))
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		secret: secret,
		logger: logger,
		now:    time.Now,
	}
}

// OnWorkerLost sets the callback invoked when a worker is expired.
func (r *Registry) OnWorkerLost(fn WorkerLostFunc) {
	r.onWorkerLost = fn
}

// Register creates a worker record and issues its session token.
func (r *Registry) Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	if req.Capabilities.CPU <= 0 {
		return protocol.RegisterResponse{}, &fluxerrors.ValidationError{
			Field:   "capabilities.cpu",
			Message: "worker must advertise at least some cpu",
		}
	}

	now := r.now()
	rec := &storage.WorkerRecord{
		ID:           uuid.NewString(),
		SessionName:  req.SessionName,
		Capabilities: req.Capabilities,
		Status:       storage.WorkerOnline,
		LastSeen:     now,
		RegisteredAt: now,
	}
	if err := r.store.PutWorker(ctx, rec); err != nil {
		return protocol.RegisterResponse{}, err
	}

	token, err := r.issueToken(rec.ID, now)
	if err != nil {
		return protocol.RegisterResponse{}, &fluxerrors.InternalError{Message: "signing session token", Cause: err}
	}

	r.logger.Info("worker registered",
		log.WorkerIDKey, rec.ID,
		"session_name", rec.SessionName,
		"cpu", rec.Capabilities.CPU,
		"memory_bytes", rec.Capabilities.MemoryBytes,
	)
	return protocol.RegisterResponse{WorkerID: rec.ID, SessionToken: token}, nil
}

func (r *Registry) issueToken(workerID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   workerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// VerifyToken checks a session token and returns the worker ID it names.
func (r *Registry) VerifyToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return r.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return "", &fluxerrors.ValidationError{Field: "session_token", Message: "invalid session token"}
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", &fluxerrors.ValidationError{Field: "session_token", Message: "invalid session token"}
	}
	return claims.Subject, nil
}

// Heartbeat records worker liveness.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	rec, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	rec.LastSeen = r.now()
	if rec.Status == storage.WorkerOffline {
		rec.Status = storage.WorkerOnline
	}
	return r.store.PutWorker(ctx, rec)
}

// SetStatus transitions a worker's status.
func (r *Registry) SetStatus(ctx context.Context, workerID string, status storage.WorkerStatus) error {
	rec, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.LastSeen = r.now()
	return r.store.PutWorker(ctx, rec)
}

// Deregister removes a worker record.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	r.logger.Info("worker deregistered", log.WorkerIDKey, workerID)
	return r.store.DeleteWorker(ctx, workerID)
}

// Get returns one worker record.
func (r *Registry) Get(ctx context.Context, workerID string) (*storage.WorkerRecord, error) {
	return r.store.GetWorker(ctx, workerID)
}

// List returns all worker records.
func (r *Registry) List(ctx context.Context) ([]*storage.WorkerRecord, error) {
	return r.store.ListWorkers(ctx)
}

// Sweep marks workers silent for longer than timeout OFFLINE and reports
// their executions lost. Returns the IDs of workers expired by this pass.
func (r *Registry) Sweep(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := r.now().Add(-timeout)
	var expired []string
	for _, w := range workers {
		if w.Status == storage.WorkerOffline || !w.LastSeen.Before(cutoff) {
			continue
		}
		w.Status = storage.WorkerOffline
		if err := r.store.PutWorker(ctx, w); err != nil {
			return expired, err
		}
		expired = append(expired, w.ID)
		r.logger.Warn("worker expired after missed heartbeats",
			log.WorkerIDKey, w.ID,
			"last_seen", w.LastSeen,
		)
		if r.onWorkerLost != nil {
			r.onWorkerLost(w.ID)
		}
	}
	return expired, nil
}

// RunSweeper sweeps on the given interval until the context is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx, timeout); err != nil {
				r.logger.Error("worker sweep failed", log.Error(err))
			}
		}
	}
}
