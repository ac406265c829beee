// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements eager computation graphs with reverse-mode automatic differentiation.
//
// A Graph records every operation (a Node) as it is computed, with its value and, when gradients are
// tracked, a backward function. Calling Graph.Backward on a scalar loss propagates gradients, in
// reverse creation order, back to the parameter nodes (see Graph.Parameter), from where the caller
// (usually context.Context) collects them.
//
// The main elements are:
//
//   - Graph: the tape of one computation. It is not safe for concurrent use, each goroutine should
//     build its own graph.
//   - Node: a value in the computation, with a Shape (always Float32), its flat value and its gradient.
//   - Ops: Const, Parameter, MatMul, AddBias, Tanh, Gather, GatherWindows, Reshape, ConcatLastAxis,
//     LogSoftmax, TakeAlongLastAxis, WeightedSum, Add, Scale and PolicyGradient.
//
// In no-gradient mode (NewGraph(...).WithNoGrad(), used for sampling and for the frozen teacher) ops
// compute their values only, and no backward function is recorded.
//
// # Error Handling
//
// Graph and Node methods "throw" errors with panic (using github.com/gomlx/exceptions), typically
// for shape mismatches. This keeps model code readable, and callers at API boundaries convert
// them back to errors with exceptions.TryCatch.
package graph

import (
	"fmt"

	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/shapes"
	"github.com/gomlx/exceptions"
)

// Graph is the tape of an eager computation.
type Graph struct {
	name   string
	noGrad bool
	nodes  []*Node

	// parameters by name, created with Graph.Parameter.
	parameters     map[string]*Node
	parameterNames []string
}

// NewGraph creates an empty graph that tracks gradients.
func NewGraph(name string) *Graph {
	return &Graph{
		name:       name,
		parameters: make(map[string]*Node),
	}
}

// WithNoGrad disables gradient tracking for the graph. It returns the graph itself.
// It must be set before any node is created.
func (g *Graph) WithNoGrad() *Graph {
	if len(g.nodes) > 0 {
		exceptions.Panicf("Graph(%q).WithNoGrad() called after nodes were created", g.name)
	}
	g.noGrad = true
	return g
}

// NoGrad returns whether the graph is in no-gradient mode.
func (g *Graph) NoGrad() bool { return g.noGrad }

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes created so far.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// String implements fmt.Stringer.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%q, %d nodes, noGrad=%v)", g.name, len(g.nodes), g.noGrad)
}

// Node is one value in the computation: it has a shape (always Float32), its flat value and,
// after Graph.Backward, its gradient.
type Node struct {
	graph  *Graph
	id     int
	op     string
	shape  shapes.Shape
	value  []float32
	grad   []float32
	inputs []*Node

	// requiresGrad is set for trainable parameters and for any node that depends on one.
	requiresGrad bool

	// backward propagates node.grad to the inputs' gradients.
	backward func()

	// name is set for parameters only.
	name string
}

// newNode registers a node with the given value in the graph. The backward function is only kept
// if the graph tracks gradients and some input requires gradient.
func (g *Graph) newNode(op string, value []float32, dims []int, inputs []*Node, backward func()) *Node {
	shape := shapes.Make(dtypes.Float32, dims...)
	if shape.Size() != len(value) {
		exceptions.Panicf("graph.%s: value has %d elements, but shape %s requires %d", op, len(value), shape, shape.Size())
	}
	n := &Node{
		graph:  g,
		id:     len(g.nodes),
		op:     op,
		shape:  shape,
		value:  value,
		inputs: inputs,
	}
	if !g.noGrad {
		for _, input := range inputs {
			if input.graph != g {
				exceptions.Panicf("graph.%s: input node #%d belongs to a different graph", op, input.id)
			}
			if input.requiresGrad {
				n.requiresGrad = true
			}
		}
		if n.requiresGrad {
			n.backward = backward
		}
	}
	g.nodes = append(g.nodes, n)
	return n
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Shape of the node. DType is always Float32.
func (n *Node) Shape() shapes.Shape { return n.shape }

// Id of the node, its position in the tape.
func (n *Node) Id() int { return n.id }

// Inputs of the node.
func (n *Node) Inputs() []*Node { return n.inputs }

// RequiresGrad returns whether gradients flow through this node.
func (n *Node) RequiresGrad() bool { return n.requiresGrad }

// Value returns the flat value of the node. It must not be modified.
func (n *Node) Value() []float32 { return n.value }

// Scalar returns the value of a scalar node.
func (n *Node) Scalar() float32 {
	if n.shape.Size() != 1 {
		exceptions.Panicf("Node.Scalar(): node %s is not a scalar", n)
	}
	return n.value[0]
}

// Gradient returns the gradient of the node, computed by Graph.Backward, or nil if no gradient reached it.
func (n *Node) Gradient() []float32 { return n.grad }

// Name of a parameter node, or "" for other nodes.
func (n *Node) Name() string { return n.name }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n.name != "" {
		return fmt.Sprintf("#%d %s(%q): %s", n.id, n.op, n.name, n.shape)
	}
	return fmt.Sprintf("#%d %s: %s", n.id, n.op, n.shape)
}

// gradOf returns the gradient buffer of an input node, allocating it on first use.
// It returns nil if the node doesn't require gradients, in which case it should be skipped.
func gradOf(n *Node) []float32 {
	if !n.requiresGrad {
		return nil
	}
	if n.grad == nil {
		n.grad = make([]float32, len(n.value))
	}
	return n.grad
}

// Parameter creates (or returns the existing) leaf node for a named parameter.
//
// If trainable and the graph tracks gradients, Graph.Backward will accumulate its gradient, available with
// Node.Gradient. The value is used as is, not copied: it must not change while the graph is alive.
func (g *Graph) Parameter(name string, value []float32, dims []int, trainable bool) *Node {
	if n, found := g.parameters[name]; found {
		return n
	}
	n := g.newNode("Parameter", value, dims, nil, nil)
	n.name = name
	n.requiresGrad = trainable && !g.noGrad
	g.parameters[name] = n
	g.parameterNames = append(g.parameterNames, name)
	return n
}

// ParameterNode returns the parameter node with the given name, if it was created in this graph.
func (g *Graph) ParameterNode(name string) (node *Node, found bool) {
	node, found = g.parameters[name]
	return
}

// Parameters returns the parameter nodes, in order of creation.
func (g *Graph) Parameters() []*Node {
	params := make([]*Node, 0, len(g.parameterNames))
	for _, name := range g.parameterNames {
		params = append(params, g.parameters[name])
	}
	return params
}

// Backward propagates gradients from the scalar loss node back to all nodes that require gradients.
//
// It can only be called once per graph.
func (g *Graph) Backward(loss *Node) {
	if g.noGrad {
		exceptions.Panicf("Graph(%q).Backward() called on a graph in no-gradient mode", g.name)
	}
	if loss.graph != g {
		exceptions.Panicf("Graph(%q).Backward(): loss node belongs to another graph", g.name)
	}
	if loss.shape.Size() != 1 {
		exceptions.Panicf("Graph(%q).Backward(): loss must be a scalar, got %s", g.name, loss.shape)
	}
	if !loss.requiresGrad {
		// Loss doesn't depend on any trainable parameter.
		return
	}
	gradOf(loss)[0] = 1
	for ii := loss.id; ii >= 0; ii-- {
		n := g.nodes[ii]
		if n.backward != nil && n.grad != nil {
			n.backward()
			n.backward = nil
		}
	}
}
