// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements a collection of ML optimizers that can be used by the training loop,
// or by themselves. They all implement optimizers.Interface.
//
// Optimizers work on the gradients accumulated in the trainable variables of a context.Context (see
// context.Context.AccumulateGradients), so the gradients of several micro-batches (and of several replicas,
// once all-reduced) can be combined before taking one step.
package optimizers

import (
	"math"

	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Update applies one training step to the trainable variables of ctx, using the gradients accumulated
	// in them (see context.Context.AccumulateGradients). It also increments the global step.
	//
	// The ctx holds the variables to train (marked as trainable), the hyperparameters used by the optimizer
	// (in `ctx.Params`) and non-trainable variables that the optimizer itself may create.
	//
	// Gradients are not zeroed: that is up to the caller, at the start of the next accumulation.
	Update(ctx *context.Context) error

	// Clear deletes all temporary variables used by the optimizer.
	// This may be used for a model to be used by inference to save space, or if the training should be reset
	// for some other reason.
	Clear(ctx *context.Context) error
}

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors.
	// This provides an easy quick start point. One can hyperparameter-tune the optimizers
	// for usually slightly better results.
	KnownOptimizers = map[string]func(ctx *context.Context) Interface{
		"sgd":    func(ctx *context.Context) Interface { return StochasticGradientDescent() },
		"adam":   func(ctx *context.Context) Interface { return Adam().FromContext(ctx).Done() },
		"adamax": func(ctx *context.Context) Interface { return Adam().Adamax().FromContext(ctx).Done() },
		"adamw": func(ctx *context.Context) Interface {
			return Adam().WeightDecay(AdamWDefaultWeightDecay).FromContext(ctx).Done()
		},
	}

	// ParamOptimizer is the context parameter with the name of the optimizer.
	// The default value is "adamw", and the valid values are "sgd", "adam", "adamw" and "adamax".
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the context parameter name for the default value of learning rate.
	// It is used by all optimizers.
	ParamLearningRate = "learning_rate"

	// ParamClipGradNorm is the maximum global L2 norm of the gradients of all trainable variables.
	// If the norm is larger, gradients are scaled down to this norm before the optimizer step.
	// A value <= 0 (the default) disables it. See ClipGradientsByGlobalNorm.
	ParamClipGradNorm = "clip_grad_norm"

	// ParamClipStepByValue is a scalar value used to clip each value of the gradient step, after
	// being scaled by the learning rate and the optimizer.
	// The step applied will be `Clip(step, -clip_step_by_value, +clip_step_by_value)`.
	// Defaults to no clipping, and values are expected to be float64.
	ParamClipStepByValue = "clip_step_by_value"

	// ParamClipNaN will drop any updates with NaNs.
	// This is a double-edged option: it keeps training running, but probably it will replace NaNs with bad
	// training results.
	//
	// The default is false.
	ParamClipNaN = "clip_nan"
)

const (
	// GlobalStepVariableName as stored in context.Context, usually in the root scope -- but depends on the
	// caller.
	GlobalStepVariableName = "global_step"

	// Scope reserved for optimizers.
	Scope = "optimizers"
)

// FromContext creates an optimizer from context hyperparameters.
// See [ParamOptimizer]. The default is "adamw".
func FromContext(ctx *context.Context) Interface {
	optName := context.GetParamOr(ctx, ParamOptimizer, "adamw")
	return ByName(ctx, optName)
}

// ByName returns an optimizer given the name, or panics if one does not exist.
// It uses KnownOptimizers -- in case one wants to better handle invalid values.
//
// Some optimizers (e.g.: Adam) uses optional hyperparameters set in the context for configuration.
//
// See also FromContext.
func ByName(ctx *context.Context, optName string) Interface {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		exceptions.Panicf("Unknown optimizer %q, valid values are %v.", optName, xslices.SortedKeys(KnownOptimizers))
	}
	return optBuilder(ctx)
}

// GetGlobalStepVar returns the global step counter, a dtypes.Int64 variable.
// It creates it (initialized with 0) if not already there.
func GetGlobalStepVar(ctx *context.Context) *context.Variable {
	return ctx.Checked(false).VariableWithValue(GlobalStepVariableName, int64(0)).SetTrainable(false)
}

// GetGlobalStep returns the current global step value.
// It creates the global step variable if it does not yet exist.
func GetGlobalStep(ctx *context.Context) int64 {
	v := GetGlobalStepVar(ctx)
	if v.DType() != dtypes.Int64 {
		exceptions.Panicf("Context(scope=%q)[%q] has dtype %s, and cannot be converted to int64",
			ctx.Scope(), GlobalStepVariableName, v.DType())
	}
	return tensors.ToScalar[int64](v.Value())
}

// DeleteGlobalStep in case one wants to reset the model state, or hide how many steps were taken.
func DeleteGlobalStep(ctx *context.Context) error {
	return ctx.DeleteVariable(ctx.Scope(), GlobalStepVariableName)
}

// IncrementGlobalStep creates (if not there yet) a global step counter, increments it and returns the
// new value -- its first returned value will be 1.
//
// Typically, this is called by the optimizers Update method.
func IncrementGlobalStep(ctx *context.Context) int64 {
	globalStepVar := GetGlobalStepVar(ctx)
	step := GetGlobalStep(ctx) + 1
	globalStepVar.MustSetValue(tensors.FromScalar(step))
	return step
}

// LearningRateVar returns the learning rate variable -- a float64 scalar.
//
// If the variable doesn't exist yet, it is initialized with initialValue.
//
// Consider reading the initialValue from context.GetParamOr(ctx, ParamLearningRate, SGDDefaultLearningRate).
func LearningRateVar(ctx *context.Context, initialValue float64) *context.Variable {
	ctx = ctx.Checked(false).In(Scope)
	return ctx.VariableWithValue(ParamLearningRate, initialValue).SetTrainable(false)
}

// LearningRate returns the current value of the learning rate variable, creating it with initialValue
// if it doesn't exist yet.
func LearningRate(ctx *context.Context, initialValue float64) float64 {
	return LearningRateVar(ctx, initialValue).Value().Float64s()[0]
}

// SetLearningRate sets the learning rate variable to value. Used by learning rate schedules.
func SetLearningRate(ctx *context.Context, value float64) {
	LearningRateVar(ctx, value).MustSetValue(tensors.FromScalar(value))
}

// GlobalNorm returns the L2 norm of the gradients of all trainable variables, taken as one vector.
// Variables without accumulated gradients count as zero.
func GlobalNorm(ctx *context.Context) float64 {
	var sumSquares float64
	for _, v := range ctx.TrainableVariables() {
		grad := v.Gradient()
		if grad == nil {
			continue
		}
		norm := floats.Norm(grad, 2)
		sumSquares += norm * norm
	}
	return math.Sqrt(sumSquares)
}

// ClipGradientsByGlobalNorm scales down the gradients of all trainable variables, so their global norm
// (see GlobalNorm) is at most maxNorm. If maxNorm <= 0 it's a no-op.
//
// It returns the global norm before clipping, which is NaN or Inf if any gradient is not finite, in which
// case gradients are left untouched.
func ClipGradientsByGlobalNorm(ctx *context.Context, maxNorm float64) float64 {
	norm := GlobalNorm(ctx)
	if maxNorm <= 0 || math.IsNaN(norm) || math.IsInf(norm, 0) || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for _, v := range ctx.TrainableVariables() {
		if grad := v.Gradient(); grad != nil {
			floats.Scale(scale, grad)
		}
	}
	return norm
}

// FlatGradients returns the gradients of all trainable variables concatenated in one vector, in the
// order of context.Context.TrainableVariables. Missing gradients are filled with zeros.
//
// Used to all-reduce gradients across replicas, see SetFlatGradients.
func FlatGradients(ctx *context.Context) []float64 {
	vars := ctx.TrainableVariables()
	var size int
	for _, v := range vars {
		size += v.Shape().Size()
	}
	flat := make([]float64, 0, size)
	for _, v := range vars {
		if grad := v.Gradient(); grad != nil {
			flat = append(flat, grad...)
		} else {
			flat = append(flat, make([]float64, v.Shape().Size())...)
		}
	}
	return flat
}

// SetFlatGradients is the reverse of FlatGradients: it splits flat back into the gradients of the
// trainable variables.
func SetFlatGradients(ctx *context.Context, flat []float64) error {
	pos := 0
	for _, v := range ctx.TrainableVariables() {
		size := v.Shape().Size()
		if pos+size > len(flat) {
			return errors.Errorf("flat gradients have %d values, but trainable variables need more", len(flat))
		}
		v.SetGradient(append([]float64(nil), flat[pos:pos+size]...))
		pos += size
	}
	if pos != len(flat) {
		return errors.Errorf("flat gradients have %d values, but trainable variables have %d", len(flat), pos)
	}
	return nil
}

// clipStepByValue applies the [ParamClipStepByValue] hyperparameter if it is not 0.0 (the default).
func clipStepByValue(ctx *context.Context) func(step float64) float64 {
	clipByValue := context.GetParamOr(ctx, ParamClipStepByValue, 0.0)
	if clipByValue <= 0 {
		return func(step float64) float64 { return step }
	}
	return func(step float64) float64 {
		return max(-clipByValue, min(clipByValue, step))
	}
}

// hasNonFinite returns whether any of the values is NaN or +/-Inf.
func hasNonFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// updateVariable applies fn to each value of the variable, in float64, and stores the result back
// in the variable own dtype.
//
// If ParamClipNaN is set, the update is dropped when any of the results is not finite.
func updateVariable(ctx *context.Context, v *context.Variable, fn func(ii int, value float64) float64) error {
	values := v.Value().Float64s()
	for ii, value := range values {
		values[ii] = fn(ii, value)
	}
	if context.GetParamOr(ctx, ParamClipNaN, false) && hasNonFinite(values) {
		return nil
	}
	updated := tensors.FromFlatDataAndDimensions(values, v.Shape().Dimensions...).ConvertDType(v.DType())
	if err := v.SetValue(updated); err != nil {
		return errors.WithMessagef(err, "optimizer failed to update variable %q", v.ScopeAndName())
	}
	return nil
}

// SGDConfig implements a Stochastic Gradient Descent optimizer.
type SGDConfig struct {
	initialLearningRate float64

	// Whether to decay the learning rate with the global step.
	useDecay bool
}

// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SGDDefaultLearningRate = 0.1

// StochasticGradientDescent creates an optimizer that performs SGD.
// It looks for "learning_rate" in Context.Params for the initial
// learning rate, otherwise it defaults to SGDDefaultLearningRate.
//
// By default, it has a learning rate decay given by: `learning_rate = initial_learning_rate / Sqrt(global_step)`
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{
		initialLearningRate: -1, // -1 means not set.
		useDecay:            true,
	}
}

// WithDecay sets whether to use a learning rate decay with the global step.
//
// It is enabled by default, but tests may want to disable it.
//
// It returns itself to allow chaining.
func (sgd *SGDConfig) WithDecay(enabled bool) *SGDConfig {
	sgd.useDecay = enabled
	return sgd
}

// WithLearningRate sets the initial learning rate. The default value is SGDDefaultLearningRate.
//
// It returns itself to allow chaining.
func (sgd *SGDConfig) WithLearningRate(initialLearningRate float64) *SGDConfig {
	sgd.initialLearningRate = initialLearningRate
	return sgd
}

// Done returns an optimizer.Interface.
// It's a no-op since SGDConfig is itself implements optimizer.Interface, but it keeps it consistent with
// the builder pattern, and the returned Interface is no longer configurable.
func (sgd *SGDConfig) Done() Interface {
	return sgd
}

// Update implements optimizers.Interface.
func (sgd *SGDConfig) Update(ctx *context.Context) error {
	initialLearningRate := sgd.initialLearningRate
	if initialLearningRate <= 0 {
		// If the value was not set, read it from the context.
		initialLearningRate = context.GetParamOr(ctx, ParamLearningRate, SGDDefaultLearningRate)
	}
	learningRate := LearningRate(ctx, initialLearningRate)
	globalStep := IncrementGlobalStep(ctx)
	if sgd.useDecay {
		learningRate /= math.Sqrt(float64(globalStep)) // Factor global_step into the learning rate.
	}
	clip := clipStepByValue(ctx)
	for _, v := range ctx.TrainableVariables() {
		grad := v.Gradient()
		if grad == nil {
			continue
		}
		err := updateVariable(ctx, v, func(ii int, value float64) float64 {
			return value - clip(learningRate*grad[ii])
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Clear all optimizer variables.
// There are none for sgd, so this is a non-op.
// It implements optimizers.Interface.
func (sgd *SGDConfig) Clear(_ *context.Context) error {
	return nil
}
