// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	stdcontext "context"
	"math"
	"testing"

	"github.com/gomlx/distill/pkg/core/distributed"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func TestAdvantagesBaselines(t *testing.T) {
	goCtx := stdcontext.Background()
	tc := distributed.SingleReplica()
	rewards := []float64{1, 2, 3, 6}

	config := &Config{Baseline: BaselineNone}
	advantages, mean, err := Advantages(goCtx, tc, context.New(), config, rewards)
	require.NoError(t, err)
	assert.Equal(t, 3.0, mean)
	assert.Equal(t, rewards, advantages)

	config.Baseline = BaselineBatchMean
	advantages, _, err = Advantages(goCtx, tc, context.New(), config, rewards)
	require.NoError(t, err)
	assert.Equal(t, []float64{-2, -1, 0, 3}, advantages)
	assert.InDelta(t, 0.0, floats.Sum(advantages), 1e-12)

	config.WhitenAdvantages = true
	advantages, _, err = Advantages(goCtx, tc, context.New(), config, rewards)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, stat.Mean(advantages, nil), 1e-9)
	assert.InDelta(t, 1.0, stat.PopStdDev(advantages, nil), 1e-6)
}

func TestAdvantagesRunningMean(t *testing.T) {
	goCtx := stdcontext.Background()
	tc := distributed.SingleReplica()
	ctx := context.New()
	config := &Config{Baseline: BaselineRunningMean, BaselineDecay: 0.5}

	_, initialized := RunningMean(ctx)
	assert.False(t, initialized)

	// The first step uses its own mean as baseline.
	advantages, mean, err := Advantages(goCtx, tc, ctx, config, []float64{2, 4})
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 1}, advantages)
	_, initialized = RunningMean(ctx)
	assert.False(t, initialized, "Advantages doesn't change the running mean")
	updateRunningMean(ctx, mean, config.BaselineDecay)
	baseline, initialized := RunningMean(ctx)
	assert.True(t, initialized)
	assert.Equal(t, 3.0, baseline)

	advantages, mean, err = Advantages(goCtx, tc, ctx, config, []float64{7, 9})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6}, advantages)
	updateRunningMean(ctx, mean, config.BaselineDecay)
	baseline, _ = RunningMean(ctx)
	assert.Equal(t, 0.5*3+0.5*8, baseline)
}

// runReplicas runs fn concurrently for each of the numReplicas training contexts.
func runReplicas(t *testing.T, numReplicas int, fn func(tc *distributed.TrainingContext) error) {
	mesh := must.M1(distributed.NewTrainingMesh(numReplicas, 1))
	tcs, _ := must.M2(distributed.NewTrainingContexts(mesh, 0))
	var group errgroup.Group
	for _, tc := range tcs {
		group.Go(func() error { return fn(tc) })
	}
	require.NoError(t, group.Wait())
}

func TestAdvantagesAcrossReplicas(t *testing.T) {
	goCtx := stdcontext.Background()
	perReplica := [][]float64{{1, 2}, {3}, {}, {10, 4, 4}}
	var all []float64
	for _, values := range perReplica {
		all = append(all, values...)
	}
	wantMean, wantVariance := stat.MeanVariance(all, nil)

	results := make([][]float64, len(perReplica))
	means := make([]float64, len(perReplica))
	variances := make([]float64, len(perReplica))
	counts := make([]int, len(perReplica))
	config := &Config{Baseline: BaselineBatchMean}
	runReplicas(t, len(perReplica), func(tc *distributed.TrainingContext) error {
		var err error
		results[tc.Rank], means[tc.Rank], err = Advantages(goCtx, tc, context.New(), config, perReplica[tc.Rank])
		if err != nil {
			return err
		}
		_, variances[tc.Rank], counts[tc.Rank], err = globalMeanVariance(goCtx, tc.Collective, perReplica[tc.Rank])
		return err
	})
	for rank, values := range perReplica {
		assert.InDelta(t, wantMean, means[rank], 1e-12)
		assert.InDelta(t, wantVariance, variances[rank], 1e-9)
		assert.Equal(t, len(all), counts[rank])
		require.Len(t, results[rank], len(values))
		for ii, v := range values {
			assert.InDelta(t, v-wantMean, results[rank][ii], 1e-12)
		}
	}
}

func TestGlobalMeanVarianceEdgeCases(t *testing.T) {
	goCtx := stdcontext.Background()
	tc := distributed.SingleReplica()
	mean, variance, count, err := globalMeanVariance(goCtx, tc.Collective, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 0.0, variance)

	mean, variance, count, err = globalMeanVariance(goCtx, tc.Collective, []float64{5})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 5.0, mean)
	assert.Equal(t, 0.0, variance)
	assert.False(t, math.IsNaN(variance))

	mean, err = globalMean(goCtx, tc.Collective, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, mean)
}
