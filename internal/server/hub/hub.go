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

// Package hub terminates worker websocket sessions: authentication, frame
// routing, outbound delivery, and disconnect handling.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tombee/flux/internal/log"
	"github.com/tombee/flux/internal/protocol"
	"github.com/tombee/flux/internal/server/dispatcher"
	"github.com/tombee/flux/internal/server/registry"
	"github.com/tombee/flux/internal/storage"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second

	// maxFrameBytes bounds a single inbound frame. Checkpoint batches with
	// offloaded outputs stay small; anything bigger is a protocol error.
	maxFrameBytes = 16 << 20

	// Inbound frame rate per session. Steady state is heartbeats plus
	// checkpoint batches; the burst absorbs replay-heavy reconnects.
	sessionRateLimit = rate.Limit(200)
	sessionRateBurst = 400

	sendBufferSize = 64
)

// Checkpoints applies a validated checkpoint batch and returns the highest
// durable sequence for the execution.
type Checkpoints interface {
	Apply(ctx context.Context, workerID, executionID string, events []execution.Event) (int64, error)
}

// Hub owns all live worker sessions. It implements dispatcher.Sender.
type Hub struct {
	registry    *registry.Registry
	dispatcher  *dispatcher.Dispatcher
	checkpoints Checkpoints
	logger      *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	workerID string
	conn     *websocket.Conn
	send     chan protocol.Message
	limiter  *rate.Limiter
	closed   chan struct{}
	once     sync.Once
}

// New creates a hub.
func New(reg *registry.Registry, disp *dispatcher.Dispatcher, cp Checkpoints, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry:    reg,
		dispatcher:  disp,
		checkpoints: cp,
		logger:      log.WithComponent(logger, "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
		},
		sessions: make(map[string]*session),
	}
}

// ServeHTTP upgrades an authenticated worker connection. The bearer token
// must be the session token issued at registration.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	workerID, err := h.registry.VerifyToken(token)
	if err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}
	if _, err := h.registry.Get(r.Context(), workerID); err != nil {
		http.Error(w, "unknown worker", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		return
	}

	s := &session{
		workerID: workerID,
		conn:     conn,
		send:     make(chan protocol.Message, sendBufferSize),
		limiter:  rate.NewLimiter(sessionRateLimit, sessionRateBurst),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	if prev, ok := h.sessions[workerID]; ok {
		prev.close()
	}
	h.sessions[workerID] = s
	h.mu.Unlock()

	logger := log.WithWorker(h.logger, workerID)
	logger.Info("worker connected")

	if err := h.registry.SetStatus(r.Context(), workerID, storage.WorkerOnline); err != nil {
		logger.Warn("marking worker online", log.Error(err))
	}
	h.dispatcher.WorkerConnected(workerID)

	go h.writeLoop(s, logger)
	h.readLoop(s, logger)

	h.detach(s, logger)
}

// detach tears a session down after its read loop exits. A session that was
// already replaced by a reconnect skips the offline bookkeeping, the
// replacement owns the worker now.
func (h *Hub) detach(s *session, logger *slog.Logger) {
	s.close()

	h.mu.Lock()
	current := h.sessions[s.workerID] == s
	if current {
		delete(h.sessions, s.workerID)
	}
	h.mu.Unlock()
	if !current {
		logger.Debug("replaced session closed")
		return
	}

	ctx := context.Background()
	if err := h.registry.SetStatus(ctx, s.workerID, storage.WorkerOffline); err != nil {
		if fluxerrors.KindOf(err) != fluxerrors.KindNotFound {
			logger.Warn("marking worker offline", log.Error(err))
		}
	}
	h.dispatcher.WorkerDisconnected(s.workerID)
	logger.Info("worker disconnected")
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Send implements dispatcher.Sender.
func (h *Hub) Send(workerID string, msg protocol.Message) error {
	h.mu.Lock()
	s, ok := h.sessions[workerID]
	h.mu.Unlock()
	if !ok {
		return &fluxerrors.WorkerDisconnectedError{WorkerID: workerID}
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.closed:
		return &fluxerrors.WorkerDisconnectedError{WorkerID: workerID}
	default:
		// A full buffer means the worker stopped draining its socket.
		s.close()
		return &fluxerrors.WorkerDisconnectedError{WorkerID: workerID}
	}
}

// Connected reports whether a worker has a live session.
func (h *Hub) Connected(workerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[workerID]
	return ok
}

func (h *Hub) writeLoop(s *session, logger *slog.Logger) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				logger.Warn("write failed", log.Error(err))
				s.close()
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(s *session, logger *slog.Logger) {
	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var msg protocol.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("read failed", log.Error(err))
			}
			return
		}
		if !s.limiter.Allow() {
			logger.Warn("session rate limit exceeded, closing")
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		if done := h.handleFrame(s, msg, logger); done {
			return
		}
	}
}

// handleFrame routes one inbound frame. It reports whether the session
// should end.
func (h *Hub) handleFrame(s *session, msg protocol.Message, logger *slog.Logger) bool {
	ctx := context.Background()

	switch msg.Type {
	case protocol.TypeClaim:
		if err := h.dispatcher.ClaimAcked(msg.ExecutionID, s.workerID); err != nil {
			h.replyError(s, msg, "claim_rejected", err)
		}

	case protocol.TypeReject:
		h.dispatcher.Rejected(msg.ExecutionID, s.workerID)

	case protocol.TypeCheckpoint:
		var payload protocol.CheckpointPayload
		if err := msg.Decode(&payload); err != nil {
			h.replyError(s, msg, "bad_payload", err)
			return false
		}
		ackSeq, err := h.checkpoints.Apply(ctx, s.workerID, msg.ExecutionID, payload.Events)
		if err != nil {
			h.replyError(s, msg, "checkpoint_rejected", err)
			return false
		}
		ack, err := protocol.Reply(msg, protocol.TypeCheckpointAck, protocol.CheckpointAckPayload{
			AckSequence: ackSeq,
		})
		if err == nil {
			h.deliver(s, ack)
		}

	case protocol.TypeHeartbeat:
		if err := h.registry.Heartbeat(ctx, s.workerID); err != nil {
			logger.Warn("heartbeat update failed", log.Error(err))
		}

	case protocol.TypeDrain:
		if err := h.registry.SetStatus(ctx, s.workerID, storage.WorkerDraining); err != nil {
			logger.Warn("drain update failed", log.Error(err))
		}

	case protocol.TypeDeregister:
		if err := h.registry.Deregister(ctx, s.workerID); err != nil {
			logger.Warn("deregister failed", log.Error(err))
		}
		return true

	default:
		h.replyError(s, msg, "unknown_type", fluxerrors.New("unknown message type "+string(msg.Type)))
	}
	return false
}

func (h *Hub) replyError(s *session, to protocol.Message, code string, cause error) {
	msg, err := protocol.Reply(to, protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: cause.Error(),
	})
	if err != nil {
		return
	}
	h.deliver(s, msg)
}

func (h *Hub) deliver(s *session, msg protocol.Message) {
	select {
	case s.send <- msg:
	case <-s.closed:
	default:
		s.close()
	}
}

// CancelExecution sends a CANCEL frame to the worker holding an execution.
func (h *Hub) CancelExecution(workerID, executionID, reason string) error {
	msg, err := protocol.New(protocol.TypeCancel, executionID, protocol.CancelPayload{Reason: reason})
	if err != nil {
		return err
	}
	return h.Send(workerID, msg)
}

// Close tears down every live session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Browsers cannot set websocket headers; accept the token as a query
	// parameter too.
	return r.URL.Query().Get("token")
}
