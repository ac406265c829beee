// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"

	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Freeze makes the model read-only, as used for a teacher. If halfPrecision is set, the float variables are
// first converted to float16 (computation is still done in float32).
//
// It's a no-op if the model is already frozen.
func Freeze(model CausalLanguageModel, halfPrecision bool) error {
	ctx := model.Context()
	if ctx.IsFrozen() {
		return nil
	}
	if halfPrecision {
		for v := range ctx.IterVariablesInScope() {
			if !v.DType().IsFloat() || v.DType() == dtypes.Float16 {
				continue
			}
			if err := v.SetValue(v.Value().ConvertDType(dtypes.Float16)); err != nil {
				return errors.WithMessagef(err, "failed to convert %s model to half precision", model.Family())
			}
		}
	}
	ctx.Freeze()
	return nil
}

// ShardVocab returns a version of a frozen built-in model (see New) whose output head is partitioned by
// vocabulary into numShards shards, computed concurrently and merged with a log-sum-exp.
//
// The result is the same as the original model, up to float rounding. It only works for frozen models, since
// no gradients are propagated through the sharded head.
func ShardVocab(model CausalLanguageModel, numShards int) (CausalLanguageModel, error) {
	m, ok := model.(*Model)
	if !ok {
		return nil, errors.Errorf("ShardVocab: %s model of type %T can't be sharded", model.Family(), model)
	}
	if !m.IsFrozen() {
		return nil, errors.Errorf("ShardVocab: %s model must be frozen to be sharded", m.family)
	}
	if numShards <= 0 || numShards > m.vocabSize {
		return nil, errors.Errorf("ShardVocab: invalid number of shards %d for vocabulary size %d", numShards, m.vocabSize)
	}
	if numShards == 1 {
		return m, nil
	}
	s := &shardedModel{Model: m}
	weights := m.headWeights.Value().Float32s()
	biases := m.headBiases.Value().Float32s()
	features := m.outputFeatures
	for ii := range numShards {
		from := ii * m.vocabSize / numShards
		to := (ii + 1) * m.vocabSize / numShards
		shard := vocabShard{from: from, to: to, weights: make([]float32, features*(to-from)), biases: biases[from:to]}
		for row := range features {
			copy(shard.weights[row*(to-from):(row+1)*(to-from)], weights[row*m.vocabSize+from:row*m.vocabSize+to])
		}
		s.shards = append(s.shards, shard)
	}
	return s, nil
}

// shardedModel overrides the output head of a frozen Model with a vocabulary-partitioned one.
type shardedModel struct {
	*Model
	shards []vocabShard
}

var _ CausalLanguageModel = (*shardedModel)(nil)

// vocabShard is the slice [from, to) of the output head.
type vocabShard struct {
	from, to int
	weights  []float32 // [features, to-from]
	biases   []float32
}

// Forward implements CausalLanguageModel.
func (s *shardedModel) Forward(g *graph.Graph, tokens [][]int, mask [][]bool) *graph.Node {
	windows := s.windows(tokens, mask, false)
	return s.shardedLogSoftmax(g, s.hidden(g, windows))
}

// ForwardLast returns the log-probabilities of the token following each of the sequences.
func (s *shardedModel) ForwardLast(g *graph.Graph, sequences [][]int) *graph.Node {
	windows := s.windows(sequences, nil, true)
	return s.shardedLogSoftmax(g, s.hidden(g, windows))
}

// shardedLogSoftmax computes the logits of each shard concurrently, then normalizes them with the log-sum-exp
// of the per-shard log-sum-exps.
func (s *shardedModel) shardedLogSoftmax(g *graph.Graph, hidden *graph.Node) *graph.Node {
	rows, features := hidden.Shape().Dimensions[0], hidden.Shape().Dimensions[1]
	vocab := s.vocabSize
	output := make([]float32, rows*vocab)
	shardLSE := make([][]float64, len(s.shards)) // [shard][row]
	var eg errgroup.Group
	for ii, shard := range s.shards {
		eg.Go(func() error {
			width := shard.to - shard.from
			logits := make([]float32, rows*width)
			if rows > 0 {
				blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
					blas32.General{Rows: rows, Cols: features, Stride: features, Data: hidden.Value()},
					blas32.General{Rows: features, Cols: width, Stride: width, Data: shard.weights},
					0, blas32.General{Rows: rows, Cols: width, Stride: width, Data: logits})
			}
			shardLSE[ii] = make([]float64, rows)
			for row := range rows {
				rowLogits := logits[row*width : (row+1)*width]
				for col := range rowLogits {
					rowLogits[col] += shard.biases[col]
				}
				shardLSE[ii][row] = graph.LogSumExp(rowLogits)
				copy(output[row*vocab+shard.from:row*vocab+shard.to], rowLogits)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		panic(err)
	}
	for row := range rows {
		maxLSE := math.Inf(-1)
		for ii := range s.shards {
			maxLSE = max(maxLSE, shardLSE[ii][row])
		}
		var sum float64
		for ii := range s.shards {
			sum += math.Exp(shardLSE[ii][row] - maxLSE)
		}
		lse := maxLSE + math.Log(sum)
		for col := range vocab {
			output[row*vocab+col] = float32(float64(output[row*vocab+col]) - lse)
		}
	}
	return graph.Const(g, output, rows, vocab)
}
