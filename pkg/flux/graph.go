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

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/flux/pkg/errors"
)

// Graph is a DAG of named nodes with conditional edges. A node runs when
// every incoming edge from a node that ran evaluates true against that
// producer's output; a single false edge skips the node. Edges from nodes
// that were themselves skipped are ignored, and a node with no live
// incoming edges is skipped too. Edge conditions use expr-lang expressions
// with the environment {"output": producer output, "input": workflow input}.
type Graph struct {
	name  string
	nodes map[string]Stage
	order []string
	edges []graphEdge
	start string
	end   string
}

type graphEdge struct {
	from       string
	to         string
	condition  string
	program    *vm.Program
	compileErr error
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:  name,
		nodes: make(map[string]Stage),
	}
}

// Node adds a named node.
func (g *Graph) Node(name string, fn Stage) *Graph {
	if _, ok := g.nodes[name]; !ok {
		g.order = append(g.order, name)
	}
	g.nodes[name] = fn
	return g
}

// Edge adds a directed edge. An empty condition always passes.
func (g *Graph) Edge(from, to, condition string) *Graph {
	e := graphEdge{from: from, to: to, condition: condition}
	if condition != "" {
		program, err := expr.Compile(condition, expr.AllowUndefinedVariables())
		e.program = program
		e.compileErr = err
	}
	g.edges = append(g.edges, e)
	return g
}

// Start sets the entry node.
func (g *Graph) Start(name string) *Graph {
	g.start = name
	return g
}

// End sets the output node.
func (g *Graph) End(name string) *Graph {
	g.end = name
	return g
}

// Validate rejects unknown nodes, bad conditions, cycles, and an end node
// unreachable from the start.
func (g *Graph) Validate() error {
	if g.start == "" || g.end == "" {
		return &errors.ValidationError{Field: "graph", Message: "start and end nodes are required"}
	}
	for _, name := range []string{g.start, g.end} {
		if _, ok := g.nodes[name]; !ok {
			return &errors.ValidationError{Field: "graph", Message: fmt.Sprintf("unknown node %q", name)}
		}
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.from]; !ok {
			return &errors.ValidationError{Field: "graph", Message: fmt.Sprintf("edge from unknown node %q", e.from)}
		}
		if _, ok := g.nodes[e.to]; !ok {
			return &errors.ValidationError{Field: "graph", Message: fmt.Sprintf("edge to unknown node %q", e.to)}
		}
		if e.compileErr != nil {
			return &errors.ValidationError{
				Field:   "graph",
				Message: fmt.Sprintf("invalid condition on %s->%s: %v", e.from, e.to, e.compileErr),
			}
		}
	}

	if _, err := g.topoSort(); err != nil {
		return err
	}

	// End must be reachable from start ignoring conditions.
	reachable := map[string]bool{g.start: true}
	frontier := []string{g.start}
	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]
		for _, e := range g.edges {
			if e.from == node && !reachable[e.to] {
				reachable[e.to] = true
				frontier = append(frontier, e.to)
			}
		}
	}
	if !reachable[g.end] {
		return &errors.ValidationError{Field: "graph", Message: fmt.Sprintf("end node %q unreachable from start", g.end)}
	}
	return nil
}

// topoSort orders nodes with Kahn's algorithm, failing on cycles.
func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		indegree[name] = 0
	}
	for _, e := range g.edges {
		indegree[e.to]++
	}

	var queue []string
	for _, name := range g.order {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, e := range g.edges {
			if e.from != node {
				continue
			}
			indegree[e.to]--
			if indegree[e.to] == 0 {
				queue = append(queue, e.to)
			}
		}
	}
	if len(sorted) != len(g.nodes) {
		return nil, &errors.ValidationError{Field: "graph", Message: "graph contains a cycle"}
	}
	return sorted, nil
}

// Run validates and executes the graph. The start node receives the input;
// every other node receives its single producer's output, or a map of
// producer name to output when it has several.
func (g *Graph) Run(ctx *Ctx, input any) (any, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	sorted, err := g.topoSort()
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]any)
	ran := make(map[string]bool)

	for _, name := range sorted {
		if err := ctx.CheckCancellation(); err != nil {
			return nil, err
		}

		var nodeInput any
		if name == g.start {
			nodeInput = input
		} else {
			in, ok := g.nodeInput(name, input, outputs, ran)
			if !ok {
				continue
			}
			nodeInput = in
		}

		out, err := g.nodes[name](ctx.child(nil, fmt.Sprintf("%s.%s.%s", ctx.scope, g.name, name)), nodeInput)
		if err != nil {
			return nil, err
		}
		outputs[name] = out
		ran[name] = true
	}

	if !ran[g.end] && g.end != g.start {
		return nil, &errors.TaskError{
			Scope:   ctx.scope + "." + g.name,
			Message: fmt.Sprintf("end node %q never became eligible", g.end),
		}
	}
	if g.end == g.start && !ran[g.start] {
		return nil, &errors.TaskError{Scope: ctx.scope + "." + g.name, Message: "start node did not run"}
	}
	return outputs[g.end], nil
}

// nodeInput gathers the node's live incoming edges, the ones whose
// producer ran. Every live edge's condition must pass or the node is
// skipped; an edge that fails to evaluate or yields a non-boolean skips
// the node as well. With a single producer the node receives its output
// directly; with several it receives a map of producer name to output.
func (g *Graph) nodeInput(name string, input any, outputs map[string]any, ran map[string]bool) (any, bool) {
	producerOut := make(map[string]any)
	for _, e := range g.edges {
		if e.to != name || !ran[e.from] {
			continue
		}
		if e.program != nil {
			env := map[string]any{
				"output": outputs[e.from],
				"input":  input,
			}
			result, err := expr.Run(e.program, env)
			if err != nil {
				return nil, false
			}
			if pass, isBool := result.(bool); !isBool || !pass {
				return nil, false
			}
		}
		producerOut[e.from] = outputs[e.from]
	}
	if len(producerOut) == 0 {
		return nil, false
	}

	if len(producerOut) == 1 {
		for _, v := range producerOut {
			return v, true
		}
	}
	return producerOut, true
}
