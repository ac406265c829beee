// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatMul(t *testing.T) {
	g := NewGraph("test")
	a := Const(g, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := Const(g, []float32{1, 0, 0, 1, 1, 1}, 3, 2)
	c := MatMul(a, b)
	assert.Equal(t, []int{2, 2}, c.Shape().Dimensions)
	assert.Equal(t, []float32{4, 5, 10, 11}, c.Value())
	assert.False(t, c.RequiresGrad())
	assert.Panics(t, func() { _ = MatMul(a, a) })
}

func TestGatherAndConcat(t *testing.T) {
	g := NewGraph("test")
	table := Const(g, []float32{0, 1, 10, 11, 20, 21}, 3, 2)
	rows := Gather(table, []int{2, -1, 0})
	assert.Equal(t, []int{3, 2}, rows.Shape().Dimensions)
	assert.Equal(t, []float32{20, 21, 0, 0, 0, 1}, rows.Value())

	windows := GatherWindows(table, [][]int{{-1, 1}, {1, 2}})
	assert.Equal(t, []int{2, 4}, windows.Shape().Dimensions)
	assert.Equal(t, []float32{0, 0, 10, 11, 10, 11, 20, 21}, windows.Value())
	assert.Panics(t, func() { _ = Gather(table, []int{3}) })

	concat := ConcatLastAxis(rows, Const(g, []float32{7, 8, 9}, 3, 1))
	assert.Equal(t, []float32{20, 21, 7, 0, 0, 8, 0, 1, 9}, concat.Value())
}

func TestLogSoftmax(t *testing.T) {
	g := NewGraph("test").WithNoGrad()
	x := Const(g, []float32{1, 2, 3, 1000, 1000, -math.MaxFloat32}, 2, 3)
	y := LogSoftmax(x)
	for row := range 2 {
		var sum float64
		for _, v := range y.Value()[row*3 : (row+1)*3] {
			sum += math.Exp(float64(v))
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}
	assert.InDelta(t, -math.Log(2), float64(y.Value()[3]), 1e-6)

	taken := TakeAlongLastAxis(y, []int{2, -1})
	assert.InDelta(t, float64(y.Value()[2]), float64(taken.Value()[0]), 0)
	assert.Equal(t, float32(0), taken.Value()[1], "negative index must contribute exactly 0")

	assert.True(t, math.IsInf(LogSumExp(nil), -1))
	assert.InDelta(t, math.Log(3)+5, LogSumExp([]float32{5, 5, 5}), 1e-6)
	assert.Panics(t, func() { g.Backward(WeightedSum(taken, []float64{1, 1})) })
}

// buildLoss builds a small language-model-like loss using most ops, and returns the loss and the parameter nodes.
func buildLoss(g *Graph, emb, w, b []float32) (*Node, []*Node) {
	embNode := g.Parameter("emb", emb, []int{5, 2}, true)
	wNode := g.Parameter("w", w, []int{4, 3}, true)
	bNode := g.Parameter("b", b, []int{3}, true)
	x := GatherWindows(embNode, [][]int{{0, 1}, {-1, 3}, {2, 4}, {4, 4}})
	h := Tanh(x)
	logits := AddBias(MatMul(h, wNode), bNode)
	logits = Add(logits, Scale(logits, 0.5))
	logProbs := LogSoftmax(Reshape(logits, 4, 3))
	taken := TakeAlongLastAxis(logProbs, []int{0, 2, -1, 1})
	lm := WeightedSum(taken, []float64{-0.5, -0.25, -1, -0.25})
	pg := PolicyGradient(taken, nil, []float64{1, -2, 3, 0.5}, []float64{0.1, 0.2, 0, 0.3}, 0)
	return Add(lm, pg), []*Node{embNode, wNode, bNode}
}

func TestGradients(t *testing.T) {
	params := [][]float32{
		{0.1, -0.2, 0.3, 0.4, -0.5, 0.6, 0.7, -0.8, 0.9, 0.05},
		{0.1, 0.2, -0.3, 0.4, 0.5, -0.6, 0.7, 0.8, 0.9, -1.0, 0.3, 0.2},
		{0.01, -0.02, 0.03},
	}
	g := NewGraph("grad")
	loss, nodes := buildLoss(g, params[0], params[1], params[2])
	require.True(t, loss.RequiresGrad())
	g.Backward(loss)
	require.Len(t, g.Parameters(), 3)

	const eps = 1e-3
	evalLoss := func(p [][]float32) float64 {
		g := NewGraph("numeric").WithNoGrad()
		loss, _ := buildLoss(g, p[0], p[1], p[2])
		return float64(loss.Scalar())
	}
	for paramIdx, node := range nodes {
		grad := node.Gradient()
		require.Len(t, grad, len(params[paramIdx]), "parameter %s", node.Name())
		for ii := range params[paramIdx] {
			perturbed := make([][]float32, len(params))
			for jj := range params {
				perturbed[jj] = slices.Clone(params[jj])
			}
			perturbed[paramIdx][ii] += eps
			plus := evalLoss(perturbed)
			perturbed[paramIdx][ii] -= 2 * eps
			minus := evalLoss(perturbed)
			numeric := (plus - minus) / (2 * eps)
			assert.InDeltaf(t, numeric, float64(grad[ii]), 2e-3, "d(loss)/d(%s[%d])", node.Name(), ii)
		}
	}

	// Embedding row 3 is only used in the window with a padded position, row 4 twice.
	embGrad := nodes[0].Gradient()
	assert.NotZero(t, embGrad[6])
}

func TestPolicyGradientClipped(t *testing.T) {
	g := NewGraph("ppo")
	// log(1.5) is outside the [0.8, 1.2] ratio range for a positive advantage: clipped, no gradient.
	// log(0.5) is outside the range for a positive advantage but the unclipped term is smaller: gradient.
	logP := []float32{float32(math.Log(1.5)), float32(math.Log(0.5)), float32(math.Log(1.1))}
	x := g.Parameter("logp", logP, []int{3}, true)
	behavior := []float64{0, 0, 0}
	advantages := []float64{1, 1, -1}
	weights := []float64{1, 1, 1}
	loss := PolicyGradient(x, behavior, advantages, weights, 0.2)
	wantLoss := -(1.2 + 0.5 - 1.1)
	assert.InDelta(t, wantLoss, float64(loss.Scalar()), 1e-6)
	g.Backward(loss)
	grad := x.Gradient()
	assert.Equal(t, float32(0), grad[0])
	assert.InDelta(t, -0.5, float64(grad[1]), 1e-6)
	assert.InDelta(t, 1.1, float64(grad[2]), 1e-6)

	// With ratio 1 (on-policy), the clipped surrogate gradient equals REINFORCE's.
	g2 := NewGraph("reinforce")
	x2 := g2.Parameter("logp", []float32{-1, -2}, []int{2}, true)
	ppo := PolicyGradient(x2, []float64{-1, -2}, []float64{0.5, -3}, []float64{0.5, 0.5}, 0.2)
	g2.Backward(ppo)
	assert.InDeltaSlice(t, []float32{-0.25, 1.5}, x2.Gradient(), 1e-6)
}

func TestNoGradGraph(t *testing.T) {
	g := NewGraph("no-grad").WithNoGrad()
	p := g.Parameter("p", []float32{1, 2}, []int{2}, true)
	assert.False(t, p.RequiresGrad())
	same := g.Parameter("p", []float32{3, 4}, []int{2}, true)
	assert.Equal(t, p, same, "parameters are created once per graph")
	_, found := g.ParameterNode("q")
	assert.False(t, found)
	assert.Panics(t, func() { g.WithNoGrad() })
	assert.Equal(t, 1, g.NumNodes())
}
