// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"math"
	"testing"

	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/decode/sample"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVocabSize = 6

// countingModel prefers the token following the last one (modulo testVocabSize), with probability 0.5.
// The other tokens share the rest of the mass.
func countingModel(sequences [][]int) ([][]float64, error) {
	logProbs := make([][]float64, len(sequences))
	for ii, seq := range sequences {
		next := (seq[len(seq)-1] + 1) % testVocabSize
		logProbs[ii] = make([]float64, testVocabSize)
		for jj := range logProbs[ii] {
			if jj == next {
				logProbs[ii][jj] = math.Log(0.5)
			} else {
				logProbs[ii][jj] = math.Log(0.5 / (testVocabSize - 1))
			}
		}
	}
	return logProbs, nil
}

// uniformModel returns uniform logits.
func uniformModel(sequences [][]int) ([][]float64, error) {
	logProbs := make([][]float64, len(sequences))
	for ii := range sequences {
		logProbs[ii] = make([]float64, testVocabSize)
	}
	return logProbs, nil
}

var greedy = sample.Config{Strategy: sample.StrategyGreedy}

func TestDecodeGreedy(t *testing.T) {
	decoder := New(countingModel).WithSampling(greedy).WithEOS(3).WithMaxNewTokens(10)
	outputs, err := decoder.Decode([][]int{{0}, {5, 1}, {2}}, 0)
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	assert.Equal(t, []int{1, 2, 3}, outputs[0].Tokens)
	assert.Equal(t, []int{2, 3}, outputs[1].Tokens)
	assert.Equal(t, []int{3}, outputs[2].Tokens, "EOS is part of the continuation")
	for _, out := range outputs {
		assert.Equal(t, TerminationEOS, out.Termination)
		require.Len(t, out.LogProbs, len(out.Tokens))
		require.Len(t, out.BehaviorLogProbs, len(out.Tokens))
		for ii := range out.Tokens {
			assert.InDelta(t, math.Log(0.5), out.LogProbs[ii], 1e-12)
			assert.Equal(t, 0.0, out.BehaviorLogProbs[ii], "greedy sampling is deterministic")
		}
	}
}

func TestDecodeTermination(t *testing.T) {
	// Length cap.
	outputs, err := New(countingModel).WithSampling(greedy).WithMaxNewTokens(4).Decode([][]int{{0}, {4}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, outputs[0].Tokens)
	assert.Equal(t, []int{5, 0, 1, 2}, outputs[1].Tokens)
	for _, out := range outputs {
		assert.Equal(t, TerminationLength, out.Termination)
	}

	// Stop tokens.
	outputs, err = New(countingModel).WithSampling(greedy).WithStopTokens(2, 5).WithEOS(0).
		WithMaxNewTokens(10).Decode([][]int{{0}, {3}, {4}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, outputs[0].Tokens)
	assert.Equal(t, TerminationStop, outputs[0].Termination)
	assert.Equal(t, []int{4, 5}, outputs[1].Tokens)
	assert.Equal(t, TerminationStop, outputs[1].Termination)
	assert.Equal(t, []int{5}, outputs[2].Tokens)
}

func TestDecodeDeterminism(t *testing.T) {
	prompts := make([][]int, 17)
	for ii := range prompts {
		prompts[ii] = []int{ii % testVocabSize}
	}
	sampling := sample.Config{Strategy: sample.StrategyTemperature, Temperature: 1.5, TopP: 1}
	decode := func(parallelism int, seed uint64) []Output {
		outputs, err := New(countingModel).WithSampling(sampling).WithEOS(0).WithMaxNewTokens(12).
			WithParallelism(parallelism).Decode(prompts, seed)
		require.NoError(t, err)
		return outputs
	}
	want := decode(-1, 42)
	assert.Equal(t, want, decode(8, 42))
	assert.Equal(t, want, decode(1, 42))
	assert.NotEqual(t, want, decode(-1, 43))

	for _, out := range want {
		require.Len(t, out.LogProbs, len(out.Tokens))
		for ii := range out.Tokens {
			// Temperature changes the behavior distribution, but not the model log-probabilities.
			assert.NotEqual(t, out.LogProbs[ii], out.BehaviorLogProbs[ii])
		}
	}
}

func TestDecodeMixture(t *testing.T) {
	const alpha = 0.25
	sampling := sample.Config{Strategy: sample.StrategyTemperature, Temperature: 1, TopP: 1}
	outputs, err := New(uniformModel).WithSampling(sampling).WithMixture(countingModel, alpha).
		WithMaxNewTokens(20).Decode([][]int{{0}, {1}, {2}}, 7)
	require.NoError(t, err)
	for row, out := range outputs {
		prevToken := row
		for ii, token := range out.Tokens {
			// Model log-probabilities are uniform.
			assert.InDelta(t, -math.Log(testVocabSize), out.LogProbs[ii], 1e-12)
			// Behavior is the mixture.
			p := 0.5 / (testVocabSize - 1)
			if token == (prevToken+1)%testVocabSize {
				p = 0.5
			}
			assert.InDelta(t, math.Log(alpha*p+(1-alpha)/testVocabSize), out.BehaviorLogProbs[ii], 1e-9)
			prevToken = token
		}
	}

	_, err = New(uniformModel).WithMixture(nil, 0.5).Decode([][]int{{0}}, 0)
	require.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	_, err := New(countingModel).Decode([][]int{{1}, {}}, 0)
	require.Error(t, err)

	_, err = New(countingModel).WithMaxNewTokens(0).Decode([][]int{{1}}, 0)
	require.Error(t, err)

	failing := func([][]int) ([][]float64, error) { return nil, errors.New("out of memory") }
	_, err = New(failing).Decode([][]int{{1}}, 0)
	require.ErrorContains(t, err, "out of memory")

	nan := func(sequences [][]int) ([][]float64, error) {
		return [][]float64{{0, math.NaN(), 0}}, nil
	}
	_, err = New(nan).Decode([][]int{{1}}, 0)
	require.ErrorContains(t, err, "NaN")

	short := func(sequences [][]int) ([][]float64, error) { return [][]float64{{0, 0}}, nil }
	_, err = New(short).Decode([][]int{{1}, {2}}, 0)
	require.Error(t, err)
}

func TestDecoderConfigFreeze(t *testing.T) {
	decoder := New(countingModel).WithSampling(greedy).WithMaxNewTokens(2)
	_, err := decoder.Decode([][]int{{1}}, 0)
	require.NoError(t, err)

	decoder.WithMaxNewTokens(60)
	require.Error(t, decoder.err)
	assert.Contains(t, decoder.err.Error(), "cannot change configuration")
	assert.Equal(t, 2, decoder.MaxNewTokens())
	_, err = decoder.Decode([][]int{{1}}, 0)
	require.Error(t, err)
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		sample.ParamStrategy: "greedy",
		ParamMaxNewTokens:    3,
		ParamStopTokens:      []int{4},
		ParamParallelism:     -1,
	})
	decoder := New(countingModel).FromContext(ctx)
	require.NoError(t, decoder.err)
	assert.Equal(t, 3, decoder.MaxNewTokens())
	assert.Equal(t, 0, decoder.parallelism)
	outputs, err := decoder.Decode([][]int{{2}, {0}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, outputs[0].Tokens)
	assert.Equal(t, TerminationStop, outputs[0].Termination)
	assert.Equal(t, []int{1, 2, 3}, outputs[1].Tokens)
	assert.Equal(t, TerminationLength, outputs[1].Termination)

	ctx.SetParam(sample.ParamStrategy, "beam_search")
	decoder = New(countingModel).FromContext(ctx)
	require.Error(t, decoder.err)
}

func TestTerminationEnum(t *testing.T) {
	assert.Equal(t, []string{"eos", "stop", "length"}, TerminationStrings())
	assert.Equal(t, "length", TerminationLength.String())
}
