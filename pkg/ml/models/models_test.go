// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"
	"slices"
	"testing"

	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVocabSize = 11

func newTestModel(t *testing.T, family Family) CausalLanguageModel {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		context.ParamInitialSeed: int64(7),
		ParamEmbedDim:            4,
		ParamHiddenDim:           6,
		ParamContextLength:       3,
	})
	model, err := Build(ctx.In("model"), family, testVocabSize)
	require.NoError(t, err)
	return model
}

func forwardValues(model CausalLanguageModel, tokens [][]int, mask [][]bool) []float32 {
	g := graph.NewGraph("test").WithNoGrad()
	return model.Forward(g, tokens, mask).Value()
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []Family{FamilyBigram, FamilyMLP}, Families())
	_, err := Build(context.New(), Family(42), testVocabSize)
	require.Error(t, err)

	ctx := context.New()
	family, err := FamilyFromContext(ctx, FamilyBigram)
	require.NoError(t, err)
	assert.Equal(t, FamilyBigram, family)
	ctx.SetParam(ParamFamily, "mlp")
	family, err = FamilyFromContext(ctx, FamilyBigram)
	require.NoError(t, err)
	assert.Equal(t, FamilyMLP, family)
	ctx.SetParam(ParamFamily, "transformer")
	_, err = FamilyFromContext(ctx, FamilyBigram)
	require.Error(t, err)
}

func TestForward(t *testing.T) {
	for _, family := range []Family{FamilyBigram, FamilyMLP} {
		t.Run(family.String(), func(t *testing.T) {
			model := newTestModel(t, family)
			assert.Equal(t, family, model.Family())
			assert.Equal(t, testVocabSize, model.VocabSize())
			assert.False(t, model.IsFrozen())

			tokens := [][]int{{1, 2, 3, 4}, {5, 6, 7, 8}}
			g := graph.NewGraph("test").WithNoGrad()
			output := model.Forward(g, tokens, nil)
			assert.Equal(t, []int{8, testVocabSize}, output.Shape().Dimensions)
			values := output.Value()
			for row := range 8 {
				var mass float64
				for _, v := range values[row*testVocabSize : (row+1)*testVocabSize] {
					mass += math.Exp(float64(v))
				}
				assert.InDelta(t, 1.0, mass, 1e-5)
			}

			// Out-of-range tokens panic.
			require.Panics(t, func() { forwardValues(model, [][]int{{testVocabSize}}, nil) })
		})
	}
}

func TestForwardPadding(t *testing.T) {
	model := newTestModel(t, FamilyMLP)
	unpadded := forwardValues(model, [][]int{{1, 2, 3}}, nil)
	tokens, mask := PadRight([][]int{{1, 2, 3}, {4, 5, 6, 7, 8}}, 0)
	assert.Equal(t, [][]int{{1, 2, 3, 0, 0}, {4, 5, 6, 7, 8}}, tokens)
	assert.Equal(t, []bool{true, true, true, false, false}, mask[0])
	padded := forwardValues(model, tokens, mask)
	// Valid positions are not affected by the padding.
	for ii := range unpadded {
		assert.InDelta(t, unpadded[ii], padded[ii], 1e-6)
	}
}

func TestNextTokenLogProbs(t *testing.T) {
	for _, family := range []Family{FamilyBigram, FamilyMLP} {
		t.Run(family.String(), func(t *testing.T) {
			model := newTestModel(t, family)
			sequences := [][]int{{1, 2, 3, 4, 5}, {6}}
			logProbs, err := NextTokenLogProbs(model, sequences)
			require.NoError(t, err)
			require.Len(t, logProbs, 2)
			for ii, seq := range sequences {
				full := forwardValues(model, [][]int{seq}, nil)
				last := full[(len(seq)-1)*testVocabSize:]
				for jj := range testVocabSize {
					assert.InDelta(t, float64(last[jj]), logProbs[ii][jj], 1e-6)
				}
			}

			_, err = NextTokenLogProbs(model, [][]int{{1}, {}})
			require.Error(t, err)
		})
	}
}

func TestGradients(t *testing.T) {
	model := newTestModel(t, FamilyMLP)
	ctx := model.Context()
	g := graph.NewGraph("train")
	logProbs := model.Forward(g, [][]int{{1, 2, 3}}, nil)
	targets := graph.TakeAlongLastAxis(logProbs, []int{2, 3, 4})
	loss := graph.WeightedSum(targets, []float64{-1, -1, -1})
	g.Backward(loss)
	ctx.AccumulateGradients(g)
	vars := ctx.TrainableVariables()
	require.Len(t, vars, 5)
	for _, v := range vars {
		require.NotNilf(t, v.Gradient(), "variable %s has no gradient", v.ScopeAndName())
	}

	// Rebuilding the model in the same context reuses the variables.
	again, err := Build(ctx, FamilyMLP, testVocabSize)
	require.NoError(t, err)
	assert.Equal(t, forwardValues(model, [][]int{{1, 2}}, nil), forwardValues(again, [][]int{{1, 2}}, nil))
	assert.Len(t, ctx.TrainableVariables(), 5)
}

func TestFreeze(t *testing.T) {
	model := newTestModel(t, FamilyMLP)
	tokens := [][]int{{1, 2, 3, 9, 10}}
	before := forwardValues(model, tokens, nil)
	require.NoError(t, Freeze(model, true))
	require.True(t, model.IsFrozen())
	require.NoError(t, Freeze(model, true), "freezing twice is a no-op")

	ctx := model.Context()
	for v := range ctx.IterVariables() {
		assert.Equal(t, dtypes.Float16, v.DType(), "variable %s", v.ScopeAndName())
		assert.False(t, v.Trainable)
		require.Error(t, v.SetValue(tensors.FromShape(v.Shape())))
	}
	after := forwardValues(model, tokens, nil)
	for ii := range before {
		assert.InDelta(t, before[ii], after[ii], 1e-2)
	}

	// No gradients flow into a frozen model.
	g := graph.NewGraph("train")
	out := model.Forward(g, tokens, nil)
	assert.False(t, out.RequiresGrad())

	// A frozen model can be built again from its existing variables, but can't create new ones.
	_, err := Build(ctx, FamilyMLP, testVocabSize)
	require.NoError(t, err)
	_, err = Build(ctx.In("other"), FamilyMLP, testVocabSize)
	require.Error(t, err)
}

func TestShardVocab(t *testing.T) {
	model := newTestModel(t, FamilyMLP)
	_, err := ShardVocab(model, 2)
	require.Error(t, err, "model is not frozen")
	must.M(Freeze(model, false))
	_, err = ShardVocab(model, testVocabSize+1)
	require.Error(t, err)

	tokens := [][]int{{1, 2, 3, 4}, {10, 9, 8, 7}}
	want := forwardValues(model, tokens, nil)
	for _, numShards := range []int{1, 2, 3, testVocabSize} {
		sharded, err := ShardVocab(model, numShards)
		require.NoError(t, err)
		got := forwardValues(sharded, tokens, nil)
		require.Len(t, got, len(want))
		for ii := range want {
			assert.InDelta(t, want[ii], got[ii], 1e-5)
		}
		logProbs, err := NextTokenLogProbs(sharded, tokens)
		require.NoError(t, err)
		for jj := range testVocabSize {
			assert.InDelta(t, float64(want[3*testVocabSize+jj]), logProbs[0][jj], 1e-5)
		}
	}
}

func TestInitialization(t *testing.T) {
	model := newTestModel(t, FamilyMLP)
	ctx := model.Context()
	for _, scope := range []string{"hidden", "head"} {
		biases := ctx.In(scope).GetVariable("biases")
		require.NotNil(t, biases, "scope %q", scope)
		for _, v := range biases.Value().Float64s() {
			require.Zero(t, v, "biases in scope %q", scope)
		}
		weights := ctx.In(scope).GetVariable("weights")
		require.NotNil(t, weights, "scope %q", scope)
		assert.True(t, slices.ContainsFunc(weights.Value().Float64s(), func(v float64) bool { return v != 0 }),
			"weights in scope %q", scope)
	}
}
