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

// Package examples holds the demo workflows served by the stock fluxworker
// binary. They exercise the composition primitives and the task envelope so
// a fresh install has something to run.
package examples

import (
	"fmt"
	"strings"
	"time"

	"github.com/tombee/flux/pkg/flux"
)

// RegisterAll adds every example workflow to the registry.
func RegisterAll(reg *flux.Registry) error {
	for _, e := range []struct {
		wf   flux.Workflow
		meta flux.Metadata
	}{
		{greet(), flux.Metadata{Resources: flux.ResourceRequest{CPU: 1}}},
		{wordStats(), flux.Metadata{Resources: flux.ResourceRequest{CPU: 1}}},
		{fanOut(), flux.Metadata{Resources: flux.ResourceRequest{CPU: 2}}},
		{orderTriage(), flux.Metadata{Resources: flux.ResourceRequest{CPU: 1}}},
	} {
		if err := reg.Register(e.wf, e.meta); err != nil {
			return err
		}
	}
	return nil
}

// greet is the smallest possible workflow: one task, no input processing.
func greet() flux.Workflow {
	hello := flux.NewTask("hello", func(ctx *flux.Ctx, input any) (any, error) {
		name := "world"
		if in, ok := input.(map[string]any); ok {
			if n, ok := in["name"].(string); ok && n != "" {
				name = n
			}
		}
		return map[string]any{"greeting": "Hello, " + name + "!"}, nil
	})
	return flux.Func("greet", func(ctx *flux.Ctx, input any) (any, error) {
		return hello.Run(ctx, input)
	})
}

// wordStats pipes the input text through a pipeline of task stages, caching
// the tokenize step.
func wordStats() flux.Workflow {
	tokenize := flux.NewTask("tokenize", func(ctx *flux.Ctx, input any) (any, error) {
		in, _ := input.(map[string]any)
		text, _ := in["text"].(string)
		words := strings.Fields(strings.ToLower(text))
		out := make([]any, len(words))
		for i, w := range words {
			out[i] = strings.Trim(w, ".,!?;:")
		}
		return out, nil
	}, flux.WithCache(5*time.Minute))

	count := flux.NewTask("count", func(ctx *flux.Ctx, input any) (any, error) {
		words, _ := input.([]any)
		freq := map[string]int{}
		for _, w := range words {
			if s, ok := w.(string); ok && s != "" {
				freq[s]++
			}
		}
		return map[string]any{"total": len(words), "unique": len(freq)}, nil
	})

	return flux.Func("word-stats", func(ctx *flux.Ctx, input any) (any, error) {
		return flux.Pipeline(ctx, input,
			func(c *flux.Ctx, in any) (any, error) { return tokenize.Run(c, in) },
			func(c *flux.Ctx, in any) (any, error) { return count.Run(c, in) },
		)
	})
}

// fanOut maps a checksum task over the input items with bounded
// concurrency and returns the collected results.
func fanOut() flux.Workflow {
	checksum := flux.NewTask("checksum", func(ctx *flux.Ctx, input any) (any, error) {
		s := fmt.Sprint(input)
		var sum uint32
		for _, r := range s {
			sum = sum*31 + uint32(r)
		}
		return map[string]any{"item": input, "sum": sum}, nil
	}, flux.WithRetry(flux.RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Millisecond, BackoffMultiplier: 2}))

	return flux.Func("fan-out", func(ctx *flux.Ctx, input any) (any, error) {
		in, _ := input.(map[string]any)
		items, _ := in["items"].([]any)

		sums, err := flux.Map(ctx,
			func(c *flux.Ctx, item any) (any, error) { return checksum.Run(c, item) },
			items,
			flux.WithMaxConcurrency(4),
		)
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": len(sums), "results": sums}, nil
	})
}

// orderTriage routes an order through a conditional graph: expensive orders
// detour through a review node, everything else is approved automatically,
// and both branches converge on ship.
func orderTriage() flux.Workflow {
	g := flux.NewGraph("order-triage").
		Node("intake", func(ctx *flux.Ctx, input any) (any, error) {
			in, _ := input.(map[string]any)
			amount, _ := in["amount"].(float64)
			return map[string]any{"amount": amount}, nil
		}).
		Node("review", func(ctx *flux.Ctx, input any) (any, error) {
			return map[string]any{"reviewed": true}, nil
		}).
		Node("approve", func(ctx *flux.Ctx, input any) (any, error) {
			return map[string]any{"reviewed": false}, nil
		}).
		Node("ship", func(ctx *flux.Ctx, input any) (any, error) {
			return map[string]any{"shipped": true}, nil
		}).
		Edge("intake", "review", `output.amount >= 1000`).
		Edge("intake", "approve", `output.amount < 1000`).
		Edge("review", "ship", "").
		Edge("approve", "ship", "").
		Start("intake").
		End("ship")

	return flux.Func("order-triage", func(ctx *flux.Ctx, input any) (any, error) {
		return g.Run(ctx, input)
	})
}
