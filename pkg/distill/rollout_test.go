// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"testing"

	"github.com/gomlx/distill/pkg/ml/decode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	s := newTestSetup(t, nil)
	eos := s.data.Tokenizer.EOSID()
	gen := NewGenerator(s.student, eos).FromContext(s.ctx)
	assert.Equal(t, 5, gen.MaxNewTokens())

	prompts := s.data.Prompts.Batch(0, 0, 1, 6)
	rollouts, err := gen.Generate(prompts, 17)
	require.NoError(t, err)
	require.Len(t, rollouts, len(prompts))
	for ii, r := range rollouts {
		assert.Equal(t, prompts[ii], r.Prompt)
		require.NotEmpty(t, r.Tokens)
		require.Len(t, r.LogProbs, len(r.Tokens))
		require.Len(t, r.BehaviorLogProbs, len(r.Tokens))
		switch r.Termination {
		case decode.TerminationEOS:
			assert.Equal(t, eos, r.Tokens[len(r.Tokens)-1])
		case decode.TerminationLength:
			assert.Len(t, r.Tokens, gen.MaxNewTokens())
		}
		for jj := range r.Tokens {
			assert.LessOrEqual(t, r.LogProbs[jj], 0.0)
		}
	}

	// Same seed, same rollouts.
	again, err := gen.Generate(prompts, 17)
	require.NoError(t, err)
	assert.Equal(t, rollouts, again)

	// The log-probabilities recorded at sampling time are the ones of the student.
	scored, err := ScoreLogProbs(s.student, rollouts, s.data.Tokenizer.PadID())
	require.NoError(t, err)
	for ii, r := range rollouts {
		assert.InDeltaSlice(t, r.LogProbs, scored[ii], 1e-5)
	}
}

func TestGenerateWithTeacherMixture(t *testing.T) {
	s := newTestSetup(t, nil)
	gen := NewGenerator(s.student, s.data.Tokenizer.EOSID()).FromContext(s.ctx).WithTeacherMixture(s.teacher, 0.5)
	rollouts, err := gen.Generate(s.data.Prompts.Batch(0, 0, 1, 4), 3)
	require.NoError(t, err)
	var differ bool
	for _, r := range rollouts {
		require.Len(t, r.BehaviorLogProbs, len(r.Tokens))
		for jj := range r.Tokens {
			if r.BehaviorLogProbs[jj] != r.LogProbs[jj] {
				differ = true
			}
		}
	}
	assert.True(t, differ, "behavior log-probs come from the mixture, not the student")
}

func TestPadContinuations(t *testing.T) {
	rollouts := []*Rollout{
		{Prompt: []int{1}, Tokens: []int{5, 6, 7}, LogProbs: []float64{-1, -2, -3}},
		{Prompt: []int{1}, Tokens: []int{8}, LogProbs: []float64{-4}},
		{Prompt: []int{1}},
	}
	tokens, mask := PadContinuations(rollouts, 0)
	assert.Equal(t, [][]int{{5, 6, 7}, {8, 0, 0}, {0, 0, 0}}, tokens)
	assert.Equal(t, [][]bool{{true, true, true}, {true, false, false}, {false, false, false}}, mask)

	logProbs := PaddedLogProbs(rollouts)
	assert.Equal(t, [][]float64{{-1, -2, -3}, {-4, 0, 0}, {0, 0, 0}}, logProbs)
	for ii, r := range rollouts {
		assert.Len(t, r.LogProbs, len(r.Tokens))
		var sum float64
		for _, lp := range logProbs[ii] {
			sum += lp
		}
		var want float64
		for _, lp := range r.LogProbs {
			want += lp
		}
		assert.Equal(t, want, sum, "padding contributes exactly 0")
	}
}

func TestSequenceGrid(t *testing.T) {
	rollouts := []*Rollout{
		{Prompt: []int{1, 2}, Tokens: []int{3}, LogProbs: []float64{-1}, BehaviorLogProbs: []float64{-1}},
		{Prompt: []int{4}, Tokens: []int{5, 6}, LogProbs: []float64{-1, -1}, BehaviorLogProbs: []float64{-1, -1}},
	}
	sg, err := newSequenceGrid(rollouts, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, sg.width)
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}}, sg.tokens)
	assert.Equal(t, []int{-1, 3, -1, 5, 6, -1}, sg.targets)
	assert.Equal(t, [][]int{{1}, {3, 4}}, sg.rows)
	assert.Equal(t, []float64{0, 10, 0, 20, 21, 0}, sg.scatter(func(rollout, token int) float64 {
		return float64(10*(rollout+1) + token)
	}))

	// Misaligned or prompt-less rollouts are rejected.
	_, err = newSequenceGrid([]*Rollout{{Prompt: []int{1}, Tokens: []int{2}}}, 0)
	require.Error(t, err)
	_, err = newSequenceGrid([]*Rollout{{Tokens: []int{2}, LogProbs: []float64{-1}, BehaviorLogProbs: []float64{-1}}}, 0)
	require.Error(t, err)
}
