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

// Package jq evaluates gojq programs under an execution budget. Schedule
// input templates are user-supplied, so evaluation is bounded in both time
// and input size.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	fluxerrors "github.com/tombee/flux/pkg/errors"
)

const (
	// DefaultTimeout bounds a single evaluation.
	DefaultTimeout = time.Second

	// DefaultMaxInputBytes bounds the JSON-encoded input document.
	DefaultMaxInputBytes = 10 << 20
)

// Validate reports whether the expression parses and compiles. An empty
// expression is valid and means identity.
func Validate(expression string) error {
	if expression == "" {
		return nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return &fluxerrors.ValidationError{Field: "expression", Message: err.Error()}
	}
	if _, err := gojq.Compile(query); err != nil {
		return &fluxerrors.ValidationError{Field: "expression", Message: err.Error()}
	}
	return nil
}

// Executor evaluates jq expressions with a per-call timeout and an input
// size cap.
type Executor struct {
	timeout  time.Duration
	maxInput int64
}

// NewExecutor creates an executor. Zero values select the defaults.
func NewExecutor(timeout time.Duration, maxInputBytes int64) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxInputBytes <= 0 {
		maxInputBytes = DefaultMaxInputBytes
	}
	return &Executor{timeout: timeout, maxInput: maxInputBytes}
}

// Execute evaluates the expression against data. An empty expression
// returns data unchanged. A program yielding one value returns that value,
// several values return a slice, and none returns nil.
func (e *Executor) Execute(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}
	if err := e.checkInputSize(data); err != nil {
		return nil, err
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, &fluxerrors.ValidationError{Field: "expression", Message: err.Error()}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &fluxerrors.ValidationError{Field: "expression", Message: err.Error()}
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var results []any
	iter := code.RunWithContext(evalCtx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if evalCtx.Err() != nil {
				return nil, &fluxerrors.TimeoutError{Operation: "jq evaluation", Duration: e.timeout}
			}
			return nil, err
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *Executor) checkInputSize(data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding jq input: %w", err)
	}
	if int64(len(encoded)) > e.maxInput {
		return &fluxerrors.ValidationError{
			Field:   "input",
			Message: fmt.Sprintf("input size %d exceeds limit %d", len(encoded), e.maxInput),
		}
	}
	return nil
}
