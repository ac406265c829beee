// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosineschedule implements a cosine annealing schedule for the learning rate.
// See New for details and example of usage, and original paper description in [1]
//
// [1] https://paperswithcode.com/method/cosine-annealing.
package cosineschedule

import (
	"math"

	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/train"
	"github.com/gomlx/distill/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

var (
	// ParamPeriodSteps enables cosine annealing (cosine schedule) for the learning rate.
	//
	// This parameter defines the number of steps in a cosine annealing period.
	//
	//  * 0: Disables cosine annealing (default).
	//  * Positive value: Sets the period to the specified number of steps.
	//  * Negative value: Sets the period to a fraction of the total training steps.
	//      * -1: Period equals the total number of training steps (common setting).
	//      * -2: Period equals half the total number of training steps, and so on.
	//
	//  Requires calling `New(ctx).FromContext().Done()` before each optimizer step.
	ParamPeriodSteps = "cosine_schedule_steps"

	// ParamWarmUpSteps is the number of warmup steps: during these initial steps the learning rate
	// linearly increases from the minimum learning rate to the learning rate defined by ParamLearningRate.
	// Only after the warmup steps the cosine annealing schedule starts.
	// The default is 0, which means no warmup.
	ParamWarmUpSteps = "cosine_schedule_warmup_steps"

	// ParamMinLearningRate is the minimum value of the learning rate during the
	// cosine annealing schedule.
	// Defaults to 0.0.
	ParamMinLearningRate = "cosine_schedule_min_learning_rate"
)

// Config of the cosine annealing schedule strategy.
// New creates it and once configured, call Config.Done to update the learning rate.
type Config struct {
	ctx                           *context.Context
	learningRate, minLearningRate float64
	periodNumSteps                int
	warmUpSteps                   int
}

// New creates a configuration to apply a cosine annealing schedule for the learning rate.
// See details https://paperswithcode.com/method/cosine-annealing.
//
// It returns a Config that can be configured. When finished configuring, call
// `Done` and it will set the learning rate variable (see optimizers.LearningRateVar) for the
// upcoming training step.
//
// Example with only one cycle, and a warmup of 1000 steps. We assume *flagNumSteps is the number of training steps,
// and that the learning rate is set in the context as the parameter "learning_rate" (== optimizers.ParamLearningRate).
//
//	err := cosineschedule.New(ctx).
//		MinLearningRate(0.001).
//		WarmUpSteps(1000).
//		PeriodInSteps(*flagNumSteps).Done()
//
// Or more simply, pass the hyperparameters in the context (see ParamPeriodSteps, ParamMinLearningRate, and
// ParamWarmUpSteps):
//
//	err := cosineschedule.New(ctx).FromContext().Done()
func New(ctx *context.Context) *Config {
	return &Config{ctx: ctx}
}

// FromContext configures the cosine annealing from the context, using the keys
// [ParamPeriodSteps], [ParamWarmUpSteps] and [ParamMinLearningRate].
func (opt *Config) FromContext() *Config {
	opt.periodNumSteps = context.GetParamOr(opt.ctx, ParamPeriodSteps, 0)
	opt.learningRate = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
	opt.minLearningRate = context.GetParamOr(opt.ctx, ParamMinLearningRate, 0.0)
	opt.warmUpSteps = context.GetParamOr(opt.ctx, ParamWarmUpSteps, 0)
	return opt
}

// PeriodInSteps sets the number of steps for one period of the cosine schedule. The effective
// learning rate decreases over the given period of training steps and then is restarted at
// each new period.
//
// It's common to use only one period (so no annealing, just a cosine schedule), in which case
// set to the number of steps that will be used for training.
//
// If set to 0, the cosine annealing schedule is silently disabled.
func (opt *Config) PeriodInSteps(periodSteps int) *Config {
	opt.periodNumSteps = periodSteps
	return opt
}

// MinLearningRate at the end of the cosine cycle. Defaults to 0.0.
func (opt *Config) MinLearningRate(minLearningRate float64) *Config {
	opt.minLearningRate = minLearningRate
	return opt
}

// WarmUpSteps sets the number of steps to linearly increase the learning rate from the minimum learning rate
// to the learning rate defined by ParamLearningRate.
//
// The default is 0, which means no warmup.
func (opt *Config) WarmUpSteps(warmUpSteps int) *Config {
	opt.warmUpSteps = warmUpSteps
	return opt
}

// LearningRate at the start of the cosine cycle.
// If not given, it will try to read from the context params (keyed by ParamLearningRate).
// If neither is set, Done will fail.
func (opt *Config) LearningRate(learningRate float64) *Config {
	opt.learningRate = learningRate
	return opt
}

const (
	// Scope under optimizers.Scope where the schedule keeps its step counter.
	Scope = "cosine_schedule"

	// DefaultLastStep is the default value for the last step of the training while one is not yet known.
	DefaultLastStep = 1_000_000_000
)

// Done finalizes the configuration of New: it increments the schedule step counter and sets the learning
// rate variable for the upcoming training step.
//
// It returns the learning rate set, or an error if the learning rate is not configured.
func (opt *Config) Done() (float64, error) {
	ctx := opt.ctx.Checked(false)
	lrValue := opt.learningRate
	if lrValue == 0 {
		lrValue = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
	}
	if opt.periodNumSteps == 0 {
		return optimizers.LearningRate(ctx, lrValue), nil
	}
	if lrValue == 0 {
		return 0, errors.Errorf("learning rate not configured for cosineschedule.New and also "+
			"not set in the context as parameter %q", optimizers.ParamLearningRate)
	}
	lrMinValue := opt.minLearningRate

	// Current training step: cosine schedule keeps its own "global step" counter.
	cosineStep := float64(optimizers.IncrementGlobalStep(ctx.In(optimizers.Scope).In(Scope)) - 1) // Count starts at 1.
	var lr float64
	if opt.warmUpSteps > 0 && cosineStep < float64(opt.warmUpSteps) {
		lr = cosineStep / float64(opt.warmUpSteps)
		lr = lr*(lrValue-lrMinValue) + lrMinValue
	} else {
		cosineStep -= float64(opt.warmUpSteps)

		// Calculate the fraction of the cycle we are in.
		var cycle float64
		if opt.periodNumSteps > 0 {
			cycle = cosineStep / float64(opt.periodNumSteps)
		} else {
			// If opt.periodNumSteps < 0, the actual period is calculated as a fraction of the total number of steps
			// to be trained (train.GetTrainLastStepVar).
			lastStep := tensors.ToScalar[int64](train.GetTrainLastStepVar(ctx).Value())
			if lastStep < 0 {
				lastStep = DefaultLastStep
			}
			periodNumSteps := float64(lastStep-int64(opt.warmUpSteps)) / float64(-opt.periodNumSteps)
			cycle = max(cosineStep/max(periodNumSteps, 1), 0)
		}
		// A cycle represents the fraction of a half-circle (180 degrees, or pi radians).
		cycle -= math.Floor(cycle) // Take only the fractional part: so always in the range `[0.0, 1.0)`.

		cosine := math.Cos(cycle * math.Pi)       // from -1.0 to 1.0
		lr = (cosine + 1) / 2                     // (Cos()+1.0)/2.0 -> from 0.0 to 1.0
		lr = lr*(lrValue-lrMinValue) + lrMinValue // Now from lrMin to lrMax
	}

	// Update learning rate.
	optimizers.SetLearningRate(ctx, lr)
	return lr, nil
}
