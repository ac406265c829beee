// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"testing"
	"time"

	"github.com/gomlx/distill/pkg/ml/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromContext(t *testing.T) {
	config, err := ConfigFromContext(CreateDefaultContext())
	require.NoError(t, err)
	assert.Equal(t, 1000, config.TrainSteps)
	assert.Equal(t, uint64(42), config.Seed)
	assert.Equal(t, models.FamilyMLP, config.StudentFamily)
	assert.Equal(t, models.FamilyMLP, config.TeacherFamily, "the teacher family defaults to the student's")
	assert.Equal(t, BaselineBatchMean, config.Baseline)
	assert.Equal(t, RewardNormalizationLength, config.RewardNormalization)
	assert.Equal(t, LossNormalizationToken, config.LossNormalization)
	assert.Equal(t, MixingPolicyJoint, config.MixingPolicy)
	assert.Equal(t, 5*time.Minute, config.CollectiveTimeout)
	assert.Equal(t, 1.0, config.ClipGradNorm)

	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamTeacherFamily:     "bigram",
		ParamBaseline:          "running_mean",
		ParamMixingPolicy:      "alternate",
		ParamLossNormalization: "sequence",
		ParamCollectiveTimeout: "30s",
	})
	config, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.FamilyBigram, config.TeacherFamily)
	assert.Equal(t, BaselineRunningMean, config.Baseline)
	assert.Equal(t, MixingPolicyAlternate, config.MixingPolicy)
	assert.Equal(t, LossNormalizationSequence, config.LossNormalization)
	assert.Equal(t, 30*time.Second, config.CollectiveTimeout)
}

func TestConfigInvalid(t *testing.T) {
	for name, settings := range map[string]map[string]any{
		"unknown baseline":       {ParamBaseline: "median"},
		"unknown mixing policy":  {ParamMixingPolicy: "interleaved"},
		"unknown teacher family": {ParamTeacherFamily: "transformer"},
		"unknown normalization":  {ParamRewardNormalization: "sqrt"},
		"bad timeout":            {ParamCollectiveTimeout: "soon"},
		"zero batch size":        {ParamBatchSize: 0},
		"zero accumulation":      {ParamGradAccumulation: 0},
		"negative kl":            {ParamKLCoef: -0.1},
		"alpha above 1":          {ParamTeacherMixAlpha: 1.5},
		"decay of 1":             {ParamBaselineDecay: 1.0},
		"negative lm coef":       {ParamLMCoef: -1.0},
		"short chunks":           {ParamLMChunkLength: 1},
		"zero replicas":          {ParamNumReplicas: 0},
		"negative eval interval": {ParamEvalInterval: -1},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := CreateDefaultContext()
			ctx.SetParams(settings)
			_, err := ConfigFromContext(ctx)
			require.Error(t, err)
		})
	}
}

func TestConfigMixingPolicy(t *testing.T) {
	config := &Config{LMCoef: 0.5, MixingPolicy: MixingPolicyJoint}
	for step := 1; step <= 4; step++ {
		assert.True(t, config.pgEnabled(step))
		assert.True(t, config.lmEnabled(step))
	}

	// Alternate: language modeling on odd steps, policy gradient on even ones.
	config.MixingPolicy = MixingPolicyAlternate
	for step := 1; step <= 4; step++ {
		assert.Equal(t, step%2 == 0, config.pgEnabled(step), "step %d", step)
		assert.Equal(t, step%2 == 1, config.lmEnabled(step), "step %d", step)
	}

	// Without language modeling, every step is a policy-gradient step.
	config.LMCoef = 0
	for step := 1; step <= 4; step++ {
		assert.True(t, config.pgEnabled(step))
		assert.False(t, config.lmEnabled(step))
	}
}
