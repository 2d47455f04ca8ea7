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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fluxerrors "github.com/tombee/flux/pkg/errors"
)

func passthrough(c *Ctx, in any) (any, error) { return in, nil }

func TestGraphLinear(t *testing.T) {
	ctx := newTestCtx(t, "wf", Services{})

	g := NewGraph("etl").
		Node("extract", func(c *Ctx, in any) (any, error) { return in.(int) + 1, nil }).
		Node("transform", func(c *Ctx, in any) (any, error) { return in.(int) * 2, nil }).
		Node("load", passthrough).
		Edge("extract", "transform", "").
		Edge("transform", "load", "").
		Start("extract").
		End("load")

	out, err := g.Run(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, out)
}

// Exactly one branch runs per input; the merge node ignores the
// unconditional edge from the branch that was skipped.
func TestGraphConditionalBranch(t *testing.T) {
	build := func() *Graph {
		return NewGraph("route").
			Node("classify", passthrough).
			Node("big", func(c *Ctx, in any) (any, error) { return "big", nil }).
			Node("small", func(c *Ctx, in any) (any, error) { return "small", nil }).
			Node("done", passthrough).
			Edge("classify", "big", "output > 10").
			Edge("classify", "small", "output <= 10").
			Edge("big", "done", "").
			Edge("small", "done", "").
			Start("classify").
			End("done")
	}

	ctx := newTestCtx(t, "wf", Services{})
	out, err := build().Run(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "big", out)

	ctx = newTestCtx(t, "wf2", Services{})
	out, err = build().Run(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "small", out)
}

func TestGraphFanInReceivesProducerMap(t *testing.T) {
	ctx := newTestCtx(t, "wf", Services{})

	g := NewGraph("fanin").
		Node("a", func(c *Ctx, in any) (any, error) { return 1, nil }).
		Node("b", func(c *Ctx, in any) (any, error) { return 2, nil }).
		Node("join", func(c *Ctx, in any) (any, error) {
			m := in.(map[string]any)
			return m["a"].(int) + m["b"].(int), nil
		}).
		Edge("a", "join", "").
		Edge("b", "join", "").
		Edge("a", "b", ""). // ensure b is reachable from start
		Start("a").
		End("join")

	out, err := g.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestGraphFanInSkippedByFalseEdge(t *testing.T) {
	ctx := newTestCtx(t, "wf", Services{})

	// Both producers of join run, but only one edge condition holds. A
	// single false live edge keeps join from ever running.
	g := NewGraph("diamond").
		Node("seed", passthrough).
		Node("left", func(c *Ctx, in any) (any, error) { return 1, nil }).
		Node("right", func(c *Ctx, in any) (any, error) { return 2, nil }).
		Node("join", passthrough).
		Edge("seed", "left", "").
		Edge("seed", "right", "").
		Edge("left", "join", "output == 1").
		Edge("right", "join", "output == 99").
		Start("seed").
		End("join")

	_, err := g.Run(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never became eligible")
}

func TestGraphValidateRejectsCycle(t *testing.T) {
	g := NewGraph("loop").
		Node("a", passthrough).
		Node("b", passthrough).
		Edge("a", "b", "").
		Edge("b", "a", "").
		Start("a").
		End("b")

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestGraphValidateRejectsUnreachableEnd(t *testing.T) {
	g := NewGraph("island").
		Node("a", passthrough).
		Node("b", passthrough).
		Start("a").
		End("b")

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestGraphValidateRejectsUnknownNode(t *testing.T) {
	g := NewGraph("bad").
		Node("a", passthrough).
		Edge("a", "ghost", "").
		Start("a").
		End("a")

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, fluxerrors.KindValidation, fluxerrors.KindOf(err))
}

func TestGraphValidateRejectsBadCondition(t *testing.T) {
	g := NewGraph("bad").
		Node("a", passthrough).
		Node("b", passthrough).
		Edge("a", "b", "output >").
		Start("a").
		End("b")

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "condition")
}

func TestGraphEndNeverEligibleFails(t *testing.T) {
	ctx := newTestCtx(t, "wf", Services{})

	g := NewGraph("deadend").
		Node("start", passthrough).
		Node("end", passthrough).
		Edge("start", "end", "output > 100").
		Start("start").
		End("end")

	_, err := g.Run(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never became eligible")
}
