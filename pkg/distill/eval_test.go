// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"math"
	"testing"

	"github.com/gomlx/distill/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluator(t *testing.T) {
	s := newTestSetup(t, map[string]any{ParamEvalMaxPrompts: 4})
	before := studentValues(s.ctx)
	evaluator := NewEvaluator(distributed.SingleReplica(), s.ctx, s.config, s.student, s.rewards, s.data)
	require.True(t, evaluator.Enabled())

	result, err := evaluator.Evaluate(3)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Step)
	assert.Equal(t, 4, result.NumPrompts)
	assert.False(t, math.IsNaN(result.RewardMean))
	assert.GreaterOrEqual(t, result.RewardVariance, 0.0)
	assert.GreaterOrEqual(t, result.MeanLength, 1.0)
	assert.LessOrEqual(t, result.MeanLength, 5.0)
	assert.LessOrEqual(t, result.NumTruncated, result.NumPrompts)
	assert.Greater(t, result.LMLoss, 0.0)
	assert.Contains(t, result.String(), "lm loss=")
	assert.Len(t, result.Values(), 6)

	// Evaluations are deterministic and don't change the student.
	again, err := evaluator.Evaluate(3)
	require.NoError(t, err)
	assert.Equal(t, result, again)
	assert.Equal(t, before, studentValues(s.ctx))
}

func TestEvaluatorWithoutData(t *testing.T) {
	s := newTestSetup(t, nil)
	data := *s.data
	data.EvalPrompts, data.EvalLMCorpus = nil, nil
	evaluator := NewEvaluator(distributed.SingleReplica(), s.ctx, s.config, s.student, s.rewards, &data)
	assert.False(t, evaluator.Enabled())
	result, err := evaluator.Evaluate(1)
	require.NoError(t, err)
	assert.Equal(t, 0, result.NumPrompts)
	assert.True(t, math.IsNaN(result.RewardMean))
	assert.True(t, math.IsNaN(result.LMLoss))
	assert.NotContains(t, result.String(), "lm loss")

	// Only the language modeling corpus.
	data.EvalLMCorpus = s.data.EvalLMCorpus
	evaluator = NewEvaluator(distributed.SingleReplica(), s.ctx, s.config, s.student, s.rewards, &data)
	assert.True(t, evaluator.Enabled())
	result, err = evaluator.Evaluate(1)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(result.RewardMean))
	assert.False(t, math.IsNaN(result.LMLoss))
}

func TestEvaluatorAcrossReplicas(t *testing.T) {
	s := newTestSetup(t, nil)
	single, err := NewEvaluator(distributed.SingleReplica(), s.ctx, s.config, s.student, s.rewards, s.data).Evaluate(1)
	require.NoError(t, err)

	results := make([]*EvalResult, 2)
	runReplicas(t, 2, func(tc *distributed.TrainingContext) error {
		var err error
		results[tc.Rank], err = NewEvaluator(tc, s.ctx, s.config, s.student, s.rewards, s.data).Evaluate(1)
		return err
	})
	for _, result := range results {
		assert.Equal(t, single.NumPrompts, result.NumPrompts)
		// The corpus loss doesn't depend on sampling, so it matches the single replica one.
		assert.InDelta(t, single.LMLoss, result.LMLoss, 1e-5)
	}
	assert.Equal(t, results[0], results[1], "all replicas get the same aggregated result")
}
