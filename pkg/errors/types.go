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

// Package errors defines the typed error kinds used across the engine.
//
// Each error category from the execution model has a dedicated type so that
// callers can classify failures with errors.As and react accordingly (retry,
// reassign, surface to the user). Every type reports a stable kind string
// used in persisted error payloads and API responses.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// Error kind identifiers. These strings are persisted in event payloads and
// execution records, so they must remain stable.
const (
	KindValidation         = "validation"
	KindNotFound           = "not_found"
	KindConflict           = "conflict"
	KindNoWorkerAvailable  = "no_worker_available"
	KindTimeout            = "timeout"
	KindCancelled          = "cancelled"
	KindWorkerDisconnected = "worker_disconnected"
	KindCacheMiss          = "cache_miss"
	KindStorageFailure     = "storage_failure"
	KindSecretMissing      = "secret_missing"
	KindUserTaskFailure    = "user_task_failure"
	KindInternal           = "internal"
)

// Classifier is implemented by errors that can be categorized for retry
// logic and persisted error payloads.
type Classifier interface {
	error

	// Kind returns the stable error category string.
	Kind() string

	// Retryable reports whether the failed operation may be retried.
	Retryable() bool
}

// ValidationError represents user input validation failures.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Kind() string    { return KindValidation }
func (e *ValidationError) Retryable() bool { return false }

// NotFoundError represents a resource that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "execution")
	Resource string

	// ID is the identifier that was not found
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Kind() string    { return KindNotFound }
func (e *NotFoundError) Retryable() bool { return false }

// ConflictError represents operations that violate the current state of a
// resource: registering an already-registered workflow version, resuming an
// execution that is not paused, or losing a claim race.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// ID is the identifier of the conflicting resource
	ID string

	// Reason explains the conflict
	Reason string
}

func (e *ConflictError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

func (e *ConflictError) Kind() string    { return KindConflict }
func (e *ConflictError) Retryable() bool { return false }

// NoWorkerError indicates that no eligible worker could be found for an
// execution after the configured number of claim attempts.
type NoWorkerError struct {
	// Workflow is the workflow the execution belongs to
	Workflow string

	// Attempts is how many assignment attempts were made
	Attempts int
}

func (e *NoWorkerError) Error() string {
	return fmt.Sprintf("no worker available for workflow %s after %d attempts", e.Workflow, e.Attempts)
}

func (e *NoWorkerError) Kind() string    { return KindNoWorkerAvailable }
func (e *NoWorkerError) Retryable() bool { return true }

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "task attempt", "claim ack")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error   { return e.Cause }
func (e *TimeoutError) Kind() string    { return KindTimeout }
func (e *TimeoutError) Retryable() bool { return true }

// CancelledError indicates an operation was interrupted by a cancellation
// request.
type CancelledError struct {
	// Reason records why the cancellation happened, if known
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cancelled: %s", e.Reason)
	}
	return "cancelled"
}

func (e *CancelledError) Kind() string    { return KindCancelled }
func (e *CancelledError) Retryable() bool { return false }

// WorkerDisconnectedError indicates a network-level failure talking to a
// worker. The dispatcher reassigns the affected executions.
type WorkerDisconnectedError struct {
	// WorkerID identifies the worker that disconnected
	WorkerID string

	// Cause is the underlying network error
	Cause error
}

func (e *WorkerDisconnectedError) Error() string {
	return fmt.Sprintf("worker %s disconnected", e.WorkerID)
}

func (e *WorkerDisconnectedError) Unwrap() error   { return e.Cause }
func (e *WorkerDisconnectedError) Kind() string    { return KindWorkerDisconnected }
func (e *WorkerDisconnectedError) Retryable() bool { return true }

// StorageError represents a persistence failure.
type StorageError struct {
	// Op describes the storage operation that failed
	Op string

	// Cause is the underlying error
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error   { return e.Cause }
func (e *StorageError) Kind() string    { return KindStorageFailure }
func (e *StorageError) Retryable() bool { return true }

// SecretMissingError indicates one or more requested secrets do not exist.
// Resolution is atomic: the task body never runs when any name is missing.
type SecretMissingError struct {
	// Names are the missing secret names
	Names []string
}

func (e *SecretMissingError) Error() string {
	return fmt.Sprintf("missing secrets: %s", strings.Join(e.Names, ", "))
}

func (e *SecretMissingError) Kind() string    { return KindSecretMissing }
func (e *SecretMissingError) Retryable() bool { return false }

// TaskError wraps an error raised by a user task body. The envelope records
// the scope so failures can be attributed to a position in the call tree.
type TaskError struct {
	// Scope is the dotted scope path of the failing task invocation
	Scope string

	// Message is the user error message
	Message string

	// Cause is the original error
	Cause error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.Scope, e.Message)
}

func (e *TaskError) Unwrap() error   { return e.Cause }
func (e *TaskError) Kind() string    { return KindUserTaskFailure }
func (e *TaskError) Retryable() bool { return true }

// InternalError represents an unexpected engine fault.
type InternalError struct {
	// Message describes the fault
	Message string

	// Cause is the underlying error
	Cause error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("internal error: %s", e.Message)
}

func (e *InternalError) Unwrap() error   { return e.Cause }
func (e *InternalError) Kind() string    { return KindInternal }
func (e *InternalError) Retryable() bool { return false }
