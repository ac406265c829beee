// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Const creates a constant node with a copy of the given value.
func Const(g *Graph, value []float32, dims ...int) *Node {
	return g.newNode("Const", slices.Clone(value), dims, nil, nil)
}

func checkRank(op string, n *Node, rank int) {
	if n.shape.Rank() != rank {
		exceptions.Panicf("graph.%s: expected node of rank %d, got %s", op, rank, n.shape)
	}
}

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: max(cols, 1), Data: data}
}

// MatMul returns the matrix multiplication of a, shaped [m, k], and b, shaped [k, n].
func MatMul(a, b *Node) *Node {
	checkRank("MatMul", a, 2)
	checkRank("MatMul", b, 2)
	m, k := a.shape.Dimensions[0], a.shape.Dimensions[1]
	k2, n := b.shape.Dimensions[0], b.shape.Dimensions[1]
	if k != k2 {
		exceptions.Panicf("graph.MatMul: contracting dimensions don't match: %s x %s", a.shape, b.shape)
	}
	value := make([]float32, m*n)
	empty := m == 0 || n == 0 || k == 0
	if !empty {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(a.value, m, k), general(b.value, k, n),
			0, general(value, m, n))
	}
	var out *Node
	out = a.graph.newNode("MatMul", value, []int{m, n}, []*Node{a, b}, func() {
		if empty {
			return
		}
		dOut := general(out.grad, m, n)
		if ga := gradOf(a); ga != nil {
			// dA = dOut · Bᵀ
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, dOut, general(b.value, k, n), 1, general(ga, m, k))
		}
		if gb := gradOf(b); gb != nil {
			// dB = Aᵀ · dOut
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(a.value, m, k), dOut, 1, general(gb, k, n))
		}
	})
	return out
}

// AddBias adds bias, shaped [n], to every row of x, shaped [m, n].
func AddBias(x, bias *Node) *Node {
	checkRank("AddBias", x, 2)
	checkRank("AddBias", bias, 1)
	m, n := x.shape.Dimensions[0], x.shape.Dimensions[1]
	if bias.shape.Dimensions[0] != n {
		exceptions.Panicf("graph.AddBias: bias %s doesn't match %s", bias.shape, x.shape)
	}
	value := make([]float32, m*n)
	for row := range m {
		for col := range n {
			value[row*n+col] = x.value[row*n+col] + bias.value[col]
		}
	}
	var out *Node
	out = x.graph.newNode("AddBias", value, []int{m, n}, []*Node{x, bias}, func() {
		if gx := gradOf(x); gx != nil {
			for ii, d := range out.grad {
				gx[ii] += d
			}
		}
		if gb := gradOf(bias); gb != nil {
			for ii, d := range out.grad {
				gb[ii%n] += d
			}
		}
	})
	return out
}

// Add returns a+b, both must have the same shape.
func Add(a, b *Node) *Node {
	if !a.shape.Equal(b.shape) {
		exceptions.Panicf("graph.Add: shapes %s and %s don't match", a.shape, b.shape)
	}
	value := make([]float32, len(a.value))
	for ii := range value {
		value[ii] = a.value[ii] + b.value[ii]
	}
	var out *Node
	out = a.graph.newNode("Add", value, a.shape.Dimensions, []*Node{a, b}, func() {
		for _, input := range []*Node{a, b} {
			if gi := gradOf(input); gi != nil {
				for ii, d := range out.grad {
					gi[ii] += d
				}
			}
		}
	})
	return out
}

// Scale returns x multiplied by the constant s.
func Scale(x *Node, s float64) *Node {
	scale := float32(s)
	value := make([]float32, len(x.value))
	for ii, v := range x.value {
		value[ii] = v * scale
	}
	var out *Node
	out = x.graph.newNode("Scale", value, x.shape.Dimensions, []*Node{x}, func() {
		gx := gradOf(x)
		for ii, d := range out.grad {
			gx[ii] += d * scale
		}
	})
	return out
}

// Tanh returns the element-wise hyperbolic tangent of x.
func Tanh(x *Node) *Node {
	value := make([]float32, len(x.value))
	for ii, v := range x.value {
		value[ii] = float32(math.Tanh(float64(v)))
	}
	var out *Node
	out = x.graph.newNode("Tanh", value, x.shape.Dimensions, []*Node{x}, func() {
		gx := gradOf(x)
		for ii, d := range out.grad {
			y := out.value[ii]
			gx[ii] += d * (1 - y*y)
		}
	})
	return out
}

// Reshape returns x with new dimensions, with the same total size.
func Reshape(x *Node, dims ...int) *Node {
	var out *Node
	out = x.graph.newNode("Reshape", slices.Clone(x.value), dims, []*Node{x}, func() {
		gx := gradOf(x)
		for ii, d := range out.grad {
			gx[ii] += d
		}
	})
	return out
}

// Gather returns the rows of table, shaped [vocab, dim], selected by ids: the result is shaped [len(ids), dim].
//
// A negative id selects a zero vector (used for positions before the start of a sequence), and it
// receives no gradient.
func Gather(table *Node, ids []int) *Node {
	checkRank("Gather", table, 2)
	return gatherRows(table, slices.Clone(ids), []int{len(ids), table.shape.Dimensions[1]})
}

// GatherWindows gathers and concatenates the rows of table, shaped [vocab, dim], for each window of ids.
// All windows must have the same length w, and the result is shaped [len(windows), w*dim].
//
// A negative id selects a zero vector, and it receives no gradient.
func GatherWindows(table *Node, windows [][]int) *Node {
	checkRank("GatherWindows", table, 2)
	width := 0
	if len(windows) > 0 {
		width = len(windows[0])
	}
	ids := make([]int, 0, len(windows)*width)
	for _, window := range windows {
		if len(window) != width {
			exceptions.Panicf("graph.GatherWindows: windows of different lengths %d and %d", width, len(window))
		}
		ids = append(ids, window...)
	}
	return gatherRows(table, ids, []int{len(windows), width * table.shape.Dimensions[1]})
}

// gatherRows implements Gather and GatherWindows: the rows selected by ids are laid out contiguously,
// and the result takes the given dims.
func gatherRows(table *Node, ids []int, dims []int) *Node {
	vocab, dim := table.shape.Dimensions[0], table.shape.Dimensions[1]
	value := make([]float32, len(ids)*dim)
	for ii, id := range ids {
		if id >= vocab {
			exceptions.Panicf("graph.Gather: id %d out-of-range for table %s", id, table.shape)
		}
		if id < 0 {
			continue
		}
		copy(value[ii*dim:(ii+1)*dim], table.value[id*dim:(id+1)*dim])
	}
	var out *Node
	out = table.graph.newNode("Gather", value, dims, []*Node{table}, func() {
		gt := gradOf(table)
		for ii, id := range ids {
			if id < 0 {
				continue
			}
			row := gt[id*dim : (id+1)*dim]
			for jj, d := range out.grad[ii*dim : (ii+1)*dim] {
				row[jj] += d
			}
		}
	})
	return out
}

// ConcatLastAxis concatenates nodes shaped [m, n_i] into one shaped [m, Σn_i].
func ConcatLastAxis(parts ...*Node) *Node {
	if len(parts) == 0 {
		exceptions.Panicf("graph.ConcatLastAxis: no nodes given")
	}
	m := parts[0].shape.Dimensions[0]
	total := 0
	for _, part := range parts {
		checkRank("ConcatLastAxis", part, 2)
		if part.shape.Dimensions[0] != m {
			exceptions.Panicf("graph.ConcatLastAxis: incompatible shapes %s and %s", parts[0].shape, part.shape)
		}
		total += part.shape.Dimensions[1]
	}
	value := make([]float32, m*total)
	offset := 0
	for _, part := range parts {
		n := part.shape.Dimensions[1]
		for row := range m {
			copy(value[row*total+offset:row*total+offset+n], part.value[row*n:(row+1)*n])
		}
		offset += n
	}
	var out *Node
	out = parts[0].graph.newNode("ConcatLastAxis", value, []int{m, total}, parts, func() {
		offset := 0
		for _, part := range parts {
			n := part.shape.Dimensions[1]
			if gp := gradOf(part); gp != nil {
				for row := range m {
					for col := range n {
						gp[row*n+col] += out.grad[row*total+offset+col]
					}
				}
			}
			offset += n
		}
	})
	return out
}

// LogSoftmax returns the log of the softmax of x, shaped [m, n], over its last axis.
// The normalizing log-sum-exp is computed in float64.
func LogSoftmax(x *Node) *Node {
	checkRank("LogSoftmax", x, 2)
	m, n := x.shape.Dimensions[0], x.shape.Dimensions[1]
	value := make([]float32, m*n)
	for row := range m {
		logits := x.value[row*n : (row+1)*n]
		lse := LogSumExp(logits)
		for col, v := range logits {
			value[row*n+col] = float32(float64(v) - lse)
		}
	}
	var out *Node
	out = x.graph.newNode("LogSoftmax", value, []int{m, n}, []*Node{x}, func() {
		gx := gradOf(x)
		for row := range m {
			dy := out.grad[row*n : (row+1)*n]
			var sum float64
			for _, d := range dy {
				sum += float64(d)
			}
			for col, d := range dy {
				p := math.Exp(float64(out.value[row*n+col]))
				gx[row*n+col] += d - float32(p*sum)
			}
		}
	})
	return out
}

// LogSumExp returns log(Σ exp(values)), computed in float64 in a numerically stable way.
// It returns -Inf for an empty slice.
func LogSumExp(values []float32) float64 {
	maxV := math.Inf(-1)
	for _, v := range values {
		maxV = max(maxV, float64(v))
	}
	if math.IsInf(maxV, 0) {
		return maxV
	}
	var sum float64
	for _, v := range values {
		sum += math.Exp(float64(v) - maxV)
	}
	return maxV + math.Log(sum)
}

// TakeAlongLastAxis selects one element per row of x, shaped [m, n]: result[i] = x[i, indices[i]].
// The result is shaped [m].
//
// A negative index yields 0 and receives no gradient: it is used for padded positions.
func TakeAlongLastAxis(x *Node, indices []int) *Node {
	checkRank("TakeAlongLastAxis", x, 2)
	m, n := x.shape.Dimensions[0], x.shape.Dimensions[1]
	if len(indices) != m {
		exceptions.Panicf("graph.TakeAlongLastAxis: %d indices given for %s", len(indices), x.shape)
	}
	value := make([]float32, m)
	for row, idx := range indices {
		if idx >= n {
			exceptions.Panicf("graph.TakeAlongLastAxis: index %d out-of-range for %s", idx, x.shape)
		}
		if idx >= 0 {
			value[row] = x.value[row*n+idx]
		}
	}
	var out *Node
	out = x.graph.newNode("TakeAlongLastAxis", value, []int{m}, []*Node{x}, func() {
		gx := gradOf(x)
		for row, idx := range indices {
			if idx >= 0 {
				gx[row*n+idx] += out.grad[row]
			}
		}
	})
	return out
}

// WeightedSum returns the scalar Σ_i weights[i]·x[i], accumulated in float64.
func WeightedSum(x *Node, weights []float64) *Node {
	if len(weights) != len(x.value) {
		exceptions.Panicf("graph.WeightedSum: %d weights given for %s", len(weights), x.shape)
	}
	var sum float64
	for ii, w := range weights {
		if w != 0 {
			sum += w * float64(x.value[ii])
		}
	}
	var out *Node
	out = x.graph.newNode("WeightedSum", []float32{float32(sum)}, nil, []*Node{x}, func() {
		gx := gradOf(x)
		d := float64(out.grad[0])
		for ii, w := range weights {
			gx[ii] += float32(w * d)
		}
	})
	return out
}
