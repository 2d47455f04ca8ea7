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

// Package protocol defines the wire messages exchanged between fluxd and
// workers over the websocket channel, plus the HTTP registration types.
// Every frame is a JSON-encoded Message envelope.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

// MessageType identifies a protocol frame.
type MessageType string

const (
	// TypeExecute is sent by the server to offer an execution to a worker.
	// The payload carries the workflow identity, the input, and any prior
	// events for resume or recovery replay.
	TypeExecute MessageType = "EXECUTE"

	// TypeClaim is sent by the worker to accept an offered execution. An
	// unclaimed offer reverts to the queue after the claim ack timeout.
	TypeClaim MessageType = "CLAIM"

	// TypeReject is sent by the worker to decline an offered execution,
	// for example when it is at capacity or draining.
	TypeReject MessageType = "REJECT"

	// TypeCheckpoint carries a batch of new events from the worker. Batches
	// must be contiguous extensions of the server's durable log.
	TypeCheckpoint MessageType = "CHECKPOINT"

	// TypeCheckpointAck confirms durability up to a sequence number. The
	// worker trims its outgoing buffer on receipt.
	TypeCheckpointAck MessageType = "CHECKPOINT_ACK"

	// TypeCancel requests cooperative cancellation of an execution.
	TypeCancel MessageType = "CANCEL"

	// TypeHeartbeat reports worker liveness and current load.
	TypeHeartbeat MessageType = "HEARTBEAT"

	// TypeDrain tells the worker to finish active executions and accept no
	// new offers.
	TypeDrain MessageType = "DRAIN"

	// TypeDeregister is the worker's graceful goodbye.
	TypeDeregister MessageType = "DEREGISTER"

	// TypeError reports a protocol-level failure for a prior frame.
	TypeError MessageType = "ERROR"
)

// Message is the frame envelope. ID correlates requests with replies;
// ExecutionID is set on execution-scoped frames.
type Message struct {
	Type        MessageType     `json:"type"`
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// New builds a frame with a fresh correlation ID and an encoded payload.
func New(typ MessageType, executionID string, payload any) (Message, error) {
	msg := Message{
		Type:        typ,
		ID:          uuid.NewString(),
		ExecutionID: executionID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Reply builds a frame reusing the correlation ID of an inbound frame.
func Reply(to Message, typ MessageType, payload any) (Message, error) {
	msg, err := New(typ, to.ExecutionID, payload)
	if err != nil {
		return Message{}, err
	}
	msg.ID = to.ID
	return msg, nil
}

// Decode unmarshals the payload into out.
func (m Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, out)
}

// ExecutePayload offers an execution to a worker.
type ExecutePayload struct {
	Workflow        string            `json:"workflow"`
	WorkflowVersion int               `json:"workflow_version"`
	Input           json.RawMessage   `json:"input,omitempty"`
	PriorEvents     []execution.Event `json:"prior_events,omitempty"`
	Attempt         int               `json:"attempt"`
}

// ClaimPayload accepts an offer.
type ClaimPayload struct {
	WorkerID string `json:"worker_id"`
}

// RejectPayload declines an offer.
type RejectPayload struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// CheckpointPayload carries new events to persist. Events must extend the
// durable log contiguously.
type CheckpointPayload struct {
	Events []execution.Event `json:"events"`
}

// CheckpointAckPayload confirms durability. AckSequence is the highest
// sequence the server has persisted for the execution.
type CheckpointAckPayload struct {
	AckSequence int64 `json:"ack_sequence"`
}

// CancelPayload requests cancellation.
type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// HeartbeatPayload reports load alongside liveness.
type HeartbeatPayload struct {
	ActiveExecutions int `json:"active_executions"`
}

// ErrorPayload reports a protocol failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegisterRequest is the HTTP body for POST /v1/workers/register.
type RegisterRequest struct {
	SessionName  string            `json:"session_name,omitempty"`
	Capabilities flux.Capabilities `json:"capabilities"`
}

// RegisterResponse returns the worker identity and its session token. The
// token authenticates the websocket connection and all checkpoints.
type RegisterResponse struct {
	WorkerID     string `json:"worker_id"`
	SessionToken string `json:"session_token"`
}
