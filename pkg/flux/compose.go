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

package flux

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Child is one branch of a composition primitive.
type Child func(ctx *Ctx) (any, error)

// Stage is one step of a pipeline.
type Stage func(ctx *Ctx, input any) (any, error)

// Parallel launches all children concurrently under distinct scope
// suffixes and completes when all complete. A single child failure cancels
// the siblings and fails the group with the first terminal error. Results
// are returned in child order regardless of completion order.
func Parallel(ctx *Ctx, children ...Child) ([]any, error) {
	if err := ctx.CheckCancellation(); err != nil {
		return nil, err
	}

	results := make([]any, len(children))
	g, gctx := errgroup.WithContext(ctx.Context)
	for i, child := range children {
		cctx := ctx.child(gctx, fmt.Sprintf("%s.p%d", ctx.scope, i))
		g.Go(func() error {
			out, err := child(cctx)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// MapOption configures Map.
type MapOption func(*mapOptions)

type mapOptions struct {
	maxConcurrency int
}

// WithMaxConcurrency bounds the number of items processed at once. The
// default is unbounded.
func WithMaxConcurrency(n int) MapOption {
	return func(o *mapOptions) { o.maxConcurrency = n }
}

// Map applies fn to every item concurrently, preserving input order in the
// results. A single item failure cancels the remaining items and fails the
// map.
func Map(ctx *Ctx, fn Stage, items []any, opts ...MapOption) ([]any, error) {
	if err := ctx.CheckCancellation(); err != nil {
		return nil, err
	}

	var o mapOptions
	for _, opt := range opts {
		opt(&o)
	}

	results := make([]any, len(items))
	g, gctx := errgroup.WithContext(ctx.Context)
	if o.maxConcurrency > 0 {
		g.SetLimit(o.maxConcurrency)
	}
	for i, item := range items {
		cctx := ctx.child(gctx, fmt.Sprintf("%s.m%d", ctx.scope, i))
		g.Go(func() error {
			out, err := fn(cctx, item)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Pipeline runs the stages sequentially, feeding each stage's output into
// the next. Cancellation is checked between stages.
func Pipeline(ctx *Ctx, input any, stages ...Stage) (any, error) {
	current := input
	for i, stage := range stages {
		if err := ctx.CheckCancellation(); err != nil {
			return nil, err
		}
		out, err := stage(ctx.child(nil, fmt.Sprintf("%s.s%d", ctx.scope, i)), current)
		if err != nil {
			return nil, err
		}
		current = out
	}
	return current, nil
}
