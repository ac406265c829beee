// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	stdcontext "context"
	"math"

	"github.com/gomlx/distill/pkg/core/distributed"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// Scope of the distillation state variables in the context.
	Scope = "distill"

	// RunningMeanVariable holds [mean, initialized] of the running mean baseline. It is saved with the checkpoints.
	RunningMeanVariable = "reward_running_mean"

	// whitenEpsilon is added to the standard deviation when whitening advantages.
	whitenEpsilon = 1e-8
)

// Advantages computes the advantages of the local rewards of one step: the rewards minus the baseline, optionally
// whitened. The baseline and whitening statistics are taken across all replicas, so every replica uses the same
// values. It also returns the mean reward of the step across all replicas.
//
// The running mean baseline state is kept in ctx: it is only read here, see updateRunningMean.
func Advantages(goCtx stdcontext.Context, tc *distributed.TrainingContext, ctx *context.Context, config *Config,
	rewards []float64) (advantages []float64, mean float64, err error) {
	mean, err = globalMean(goCtx, tc.Collective, rewards)
	if err != nil {
		return nil, 0, errors.WithMessage(err, "reward mean")
	}
	var baseline float64
	switch config.Baseline {
	case BaselineBatchMean:
		baseline = mean
	case BaselineRunningMean:
		baseline = runningMeanBaseline(ctx, mean)
	case BaselineNone:
	default:
		return nil, 0, errors.Errorf("unknown baseline %s", config.Baseline)
	}
	advantages = make([]float64, len(rewards))
	copy(advantages, rewards)
	if baseline != 0 {
		floats.AddConst(-baseline, advantages)
	}
	if config.WhitenAdvantages {
		if err = whiten(goCtx, tc.Collective, advantages); err != nil {
			return nil, 0, errors.WithMessage(err, "whitening advantages")
		}
	}
	return advantages, mean, nil
}

// runningMeanVar returns the running mean baseline state variable.
func runningMeanVar(ctx *context.Context) *context.Variable {
	return ctx.Checked(false).In(Scope).VariableWithValue(RunningMeanVariable, []float64{0, 0}).SetTrainable(false)
}

// runningMeanBaseline returns the current running mean baseline, or mean if it was not initialized yet.
func runningMeanBaseline(ctx *context.Context, mean float64) float64 {
	if baseline, initialized := RunningMean(ctx); initialized {
		return baseline
	}
	return mean
}

// updateRunningMean folds the mean reward of a step into the running mean baseline. The first step initializes
// it with its own mean.
func updateRunningMean(ctx *context.Context, mean, decay float64) {
	next := decay*runningMeanBaseline(ctx, mean) + (1-decay)*mean
	runningMeanVar(ctx).MustSetValue(tensors.FromFlatDataAndDimensions([]float64{next, 1}, 2))
}

// RunningMean returns the current running mean baseline and whether it was initialized.
func RunningMean(ctx *context.Context) (mean float64, initialized bool) {
	state := runningMeanVar(ctx).Value().Float64s()
	return state[0], state[1] != 0
}

// globalMean returns the mean of values across all replicas. It is 0 if there are no values.
func globalMean(goCtx stdcontext.Context, c distributed.Collective, values []float64) (float64, error) {
	stats := []float64{floats.Sum(values), float64(len(values))}
	if err := c.AllReduceSum(goCtx, stats); err != nil {
		return 0, err
	}
	if stats[1] == 0 {
		return 0, nil
	}
	return stats[0] / stats[1], nil
}

// whiten normalizes values in place to zero mean and unit variance, with the statistics taken across all
// replicas.
func whiten(goCtx stdcontext.Context, c distributed.Collective, values []float64) error {
	stats := []float64{floats.Sum(values), floats.Dot(values, values), float64(len(values))}
	if err := c.AllReduceSum(goCtx, stats); err != nil {
		return err
	}
	n := stats[2]
	if n == 0 {
		return nil
	}
	mean := stats[0] / n
	variance := max(stats[1]/n-mean*mean, 0)
	floats.AddConst(-mean, values)
	floats.Scale(1/(math.Sqrt(variance)+whitenEpsilon), values)
	return nil
}

// globalMeanVariance returns the mean and the unbiased variance of values across all replicas, and their
// total number. The variance is 0 with fewer than 2 values.
func globalMeanVariance(goCtx stdcontext.Context, c distributed.Collective, values []float64) (
	mean, variance float64, count int, err error) {
	var localMean, localVariance float64
	n := float64(len(values))
	switch len(values) {
	case 0:
	case 1:
		localMean = values[0]
	default:
		localMean, localVariance = stat.MeanVariance(values, nil)
	}
	// Combine [n, Σx, Σx²] of each replica.
	stats := []float64{n, n * localMean, max(n-1, 0)*localVariance + n*localMean*localMean}
	if err = c.AllReduceSum(goCtx, stats); err != nil {
		return
	}
	count = int(stats[0])
	if count == 0 {
		return
	}
	mean = stats[1] / stats[0]
	if count > 1 {
		variance = max((stats[2]-stats[0]*mean*mean)/(stats[0]-1), 0)
	}
	return
}
