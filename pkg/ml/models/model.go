// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/gomlx/distill/pkg/core/shapes"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/context/initializers"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Model implements the built-in families: token embeddings of a window of the last tokens, an optional
// hidden layer (FamilyMLP) and a linear output head over the vocabulary.
//
// Absent tokens (before the start of the sequence, or padding) have a zero embedding.
type Model struct {
	ctx    *context.Context
	family Family

	vocabSize, embedDim, hiddenDim, contextLength int

	embeddings     *context.Variable
	hiddenWeights  *context.Variable
	hiddenBiases   *context.Variable
	headWeights    *context.Variable
	headBiases     *context.Variable
	outputFeatures int
}

var _ CausalLanguageModel = (*Model)(nil)

// New creates a model of one of the built-in families, with its hyperparameters read from ctx (see
// ParamEmbedDim, ParamHiddenDim and ParamContextLength).
//
// Variables already in ctx (or that can be loaded from a checkpoint) are reused, otherwise they are
// created and initialized.
func New(ctx *context.Context, family Family, vocabSize int) (*Model, error) {
	m := &Model{
		ctx:           ctx,
		family:        family,
		vocabSize:     vocabSize,
		embedDim:      context.GetParamOr(ctx, ParamEmbedDim, 32),
		hiddenDim:     context.GetParamOr(ctx, ParamHiddenDim, 64),
		contextLength: context.GetParamOr(ctx, ParamContextLength, 4),
	}
	if vocabSize <= 0 || m.embedDim <= 0 {
		return nil, errors.Errorf("invalid %s model dimensions: vocabSize=%d, %s=%d", family, vocabSize, ParamEmbedDim, m.embedDim)
	}
	switch family {
	case FamilyBigram:
		m.contextLength = 1
		m.hiddenDim = 0
		m.outputFeatures = m.embedDim
	case FamilyMLP:
		if m.hiddenDim <= 0 || m.contextLength <= 0 {
			return nil, errors.Errorf("invalid mlp model dimensions: %s=%d, %s=%d",
				ParamHiddenDim, m.hiddenDim, ParamContextLength, m.contextLength)
		}
		m.outputFeatures = m.hiddenDim
	default:
		return nil, errors.Errorf("model family %s is not a built-in family", family)
	}

	// Variables may have been loaded from a checkpoint.
	varsCtx := ctx.Checked(false)
	if varsCtx.IsFrozen() {
		// A frozen context can't create variables: they must all be there already.
		varsCtx = varsCtx.Reuse().Checked(true)
	}
	err := exceptions.TryCatch[error](func() {
		m.embeddings = varsCtx.In("embeddings").WithInitializer(initializers.RandomNormalFn(0.1)).
			VariableWithShape("embeddings", shapes.Make(dtypes.Float32, vocabSize, m.embedDim))
		weightsCtx := varsCtx.WithInitializer(initializers.GlorotUniformFn())
		biasesCtx := varsCtx.WithInitializer(initializers.Zero)
		if family == FamilyMLP {
			m.hiddenWeights = weightsCtx.In("hidden").
				VariableWithShape("weights", shapes.Make(dtypes.Float32, m.contextLength*m.embedDim, m.hiddenDim))
			m.hiddenBiases = biasesCtx.In("hidden").
				VariableWithShape("biases", shapes.Make(dtypes.Float32, m.hiddenDim))
		}
		m.headWeights = weightsCtx.In("head").
			VariableWithShape("weights", shapes.Make(dtypes.Float32, m.outputFeatures, vocabSize))
		m.headBiases = biasesCtx.In("head").
			VariableWithShape("biases", shapes.Make(dtypes.Float32, vocabSize))
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create variables of %s model in scope %q", family, ctx.Scope())
	}
	return m, nil
}

// IsFrozen implements CausalLanguageModel.
func (m *Model) IsFrozen() bool { return m.ctx.IsFrozen() }

// VocabSize implements CausalLanguageModel.
func (m *Model) VocabSize() int { return m.vocabSize }

// Family implements CausalLanguageModel.
func (m *Model) Family() Family { return m.family }

// Context implements CausalLanguageModel.
func (m *Model) Context() *context.Context { return m.ctx }

// ContextLength is the number of last tokens used to predict the next one.
func (m *Model) ContextLength() int { return m.contextLength }

// Forward implements CausalLanguageModel.
func (m *Model) Forward(g *graph.Graph, tokens [][]int, mask [][]bool) *graph.Node {
	windows := m.windows(tokens, mask, false)
	return graph.LogSoftmax(m.head(g, m.hidden(g, windows)))
}

// ForwardLast returns the log-probabilities of the token following each of the sequences, shaped
// [len(sequences), vocabSize]. Sequences can have different lengths.
func (m *Model) ForwardLast(g *graph.Graph, sequences [][]int) *graph.Node {
	windows := m.windows(sequences, nil, true)
	return graph.LogSoftmax(m.head(g, m.hidden(g, windows)))
}

// windows returns the window of the last contextLength token ids ending at each position (or only at the last
// position of each sequence if lastOnly is set). Absent tokens are set to -1.
func (m *Model) windows(tokens [][]int, mask [][]bool, lastOnly bool) [][]int {
	if !lastOnly {
		for ii, row := range tokens {
			if len(row) != len(tokens[0]) {
				exceptions.Panicf("%s model: all token rows must have the same length, row #0 has %d, row #%d has %d",
					m.family, len(tokens[0]), ii, len(row))
			}
			if mask != nil && len(mask[ii]) != len(row) {
				exceptions.Panicf("%s model: mask row #%d has length %d, tokens have length %d",
					m.family, ii, len(mask[ii]), len(row))
			}
		}
	}
	var windows [][]int
	for ii, row := range tokens {
		start := 0
		if lastOnly {
			start = len(row) - 1
		}
		for pos := start; pos < len(row); pos++ {
			window := make([]int, m.contextLength)
			for jj := range window {
				src := pos - m.contextLength + 1 + jj
				window[jj] = -1
				if src < 0 || (mask != nil && !mask[ii][src]) {
					continue
				}
				id := row[src]
				if id < 0 || id >= m.vocabSize {
					exceptions.Panicf("%s model: token id %d at [%d][%d] is out-of-range for vocabulary size %d",
						m.family, id, ii, src, m.vocabSize)
				}
				window[jj] = id
			}
			windows = append(windows, window)
		}
	}
	return windows
}

// hidden returns the features fed to the output head, shaped [len(windows), outputFeatures].
func (m *Model) hidden(g *graph.Graph, windows [][]int) *graph.Node {
	embeddings := m.embeddings.ValueGraph(g)
	x := graph.GatherWindows(embeddings, windows)
	if m.family == FamilyBigram {
		return x
	}
	x = graph.MatMul(x, m.hiddenWeights.ValueGraph(g))
	x = graph.AddBias(x, m.hiddenBiases.ValueGraph(g))
	return graph.Tanh(x)
}

// head returns the logits over the vocabulary.
func (m *Model) head(g *graph.Graph, hidden *graph.Node) *graph.Node {
	logits := graph.MatMul(hidden, m.headWeights.ValueGraph(g))
	return graph.AddBias(logits, m.headBiases.ValueGraph(g))
}
