// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"fmt"
	"math"

	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/shapes"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/context/initializers"
	"github.com/pkg/errors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// AdamWDefaultWeightDecay is the weight decay used by the "adamw" optimizer, if ParamAdamWeightDecay is not set.
	AdamWDefaultWeightDecay = 0.004

	// AdamDefaultScope is the default scope name for moments and step used by Adam.
	AdamDefaultScope = "AdamOptimizer"

	// ParamAdamEpsilon can be used to configure the default value of epsilon. It must be a float64.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamWeightDecay defaults to 0.0 (or AdamWDefaultWeightDecay for "adamw"). See AdamConfig.WeightDecay.
	ParamAdamWeightDecay = "adam_weight_decay"

	// ParamAdamBeta1 is the moving average coefficient for the gradient (momentum), the numerator.
	// The default value is 0.9
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the moving average coefficient for the variance, the denominator.
	// The default value is 0.999
	ParamAdamBeta2 = "adam_beta2"

	// ParamAdamBackoffSteps default to 0. Values > 0 prevents any gradient steps to be taken
	// for those many steps, to allow a better estimate of the momentum and variance.
	// See AdamConfig.WithBackoffSteps.
	ParamAdamBackoffSteps = "adam_backoff"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an optimizer.Interface.
//
// Moments are kept in float64 variables, regardless of the dtype of the trained variables, so they are
// saved with checkpoints and training resumes exactly where it left off.
//
// See [AdamConfig.FromContext] to configure it from the context hyperparameters.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName:    AdamDefaultScope,
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizer.Interface.
type AdamConfig struct {
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
	backoffSteps int
}

// FromContext will configure Adam with hyperparameters set in the given context.
// E.g.: "adam_epsilon" (see [ParamAdamEpsilon]) is used to set [AdamConfig.Epsilon].
//
// Values already configured are used as defaults for the hyperparameters not set.
func (c *AdamConfig) FromContext(ctx *context.Context) *AdamConfig {
	c.Epsilon(context.GetParamOr(ctx, ParamAdamEpsilon, c.epsilon))
	c.WeightDecay(context.GetParamOr(ctx, ParamAdamWeightDecay, c.weightDecay))
	c.beta1 = context.GetParamOr(ctx, ParamAdamBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, ParamAdamBeta2, c.beta2)
	c.backoffSteps = context.GetParamOr(ctx, ParamAdamBackoffSteps, c.backoffSteps)
	return c
}

// Scope defines the top-level scope to use to store the 1st and 2nd order moments of the gradients and the step number
// used by Adam optimizer. Generally this doesn't need to be changed.
//
// It defaults to AdamDefaultScope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// LearningRate sets the base learning rate.
//
// Default is either the value of ParamLearningRate ("learning_rate") global parameter in Context if defined, or 0.001 if not.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
//
// The first is for the gradient momentum (the numerator of the step taken), and the second
// is for the variance of the gradients (denominator).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use an L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
// This is because L2 regularization doesn't work well with Adam.
//
// The decay is decoupled from the gradient, and scaled by the learning rate.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// WithBackoffSteps prevents any gradient steps to be taken, until numSteps steps have been taken
// to allow for a better estimate of the gradient momentums (numerator) and variance of gradients (denominator)
// before the optimization start.
//
// If set to <= 0, no backoff is configured.
func (c *AdamConfig) WithBackoffSteps(numSteps int) *AdamConfig {
	c.backoffSteps = numSteps
	return c
}

// Done will finish the configuration and construct an optimizer.Interface that implements Adam to specification.
func (c *AdamConfig) Done() Interface {
	return &adam{config: c}
}

// adam implements the Adam algorithm as an optimizer.Interface.
type adam struct {
	config *AdamConfig
}

// Update implements optimizers.Interface.
func (o *adam) Update(ctx *context.Context) error {
	vars := ctx.TrainableVariables()
	if len(vars) == 0 {
		return errors.New("Adam optimizer: there are no trainable variables in the context")
	}

	// Set up learning-rate.
	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, ParamLearningRate, AdamDefaultLearningRate)
	}
	learningRate := LearningRate(ctx, lrValue)

	// Increment the global step, but keep a separate step count for the Adam optimizer -- it can be
	// reset separately.
	_ = IncrementGlobalStep(ctx)
	adamStep := IncrementGlobalStep(ctx.In(o.config.scopeName))

	// Back-off steps to allow a better estimate of momentum and variance, before actually taking
	// a gradient step.
	if o.config.backoffSteps > 0 && adamStep <= int64(o.config.backoffSteps) {
		learningRate = 0
	}

	// Calculate the debias moving average coefficients (betas)
	beta1, beta2 := o.config.beta1, o.config.beta2
	debiasTermBeta1 := 1 / (1 - math.Pow(beta1, float64(adamStep)))
	debiasTermBeta2 := 1 / (1 - math.Pow(beta2, float64(adamStep)))
	clip := clipStepByValue(ctx)

	// Apply gradient one variable at a time.
	for _, v := range vars {
		grad := v.Gradient()
		if grad == nil {
			continue
		}
		if context.GetParamOr(ctx, ParamClipNaN, false) && hasNonFinite(grad) {
			continue
		}
		m1Var, m2Var := o.getMomentVariables(ctx, v)
		moment1 := m1Var.Value().Float64s()
		moment2 := m2Var.Value().Float64s()
		for ii, g := range grad {
			moment1[ii] = beta1*moment1[ii] + (1-beta1)*g
			if o.config.adamax {
				moment2[ii] = max(beta2*moment2[ii], math.Abs(g))
			} else {
				moment2[ii] = beta2*moment2[ii] + (1-beta2)*g*g
			}
		}
		err := updateVariable(ctx, v, func(ii int, value float64) float64 {
			var denominator float64
			if o.config.adamax {
				denominator = moment2[ii] + o.config.epsilon
			} else {
				denominator = math.Sqrt(moment2[ii]*debiasTermBeta2) + o.config.epsilon
			}
			step := learningRate * moment1[ii] * debiasTermBeta1 / denominator
			if o.config.weightDecay > 0 {
				step += learningRate * o.config.weightDecay * value
			}
			return value - clip(step)
		})
		if err != nil {
			return err
		}
		dims := v.Shape().Dimensions
		m1Var.MustSetValue(tensors.FromFlatDataAndDimensions(moment1, dims...))
		m2Var.MustSetValue(tensors.FromFlatDataAndDimensions(moment2, dims...))
	}
	return nil
}

// getMomentVariables returns the moment variables corresponding to the trainable variable given,
// creating them (zero-initialized) if they don't exist yet.
func (o *adam) getMomentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	originalScope := trainable.Scope()
	originalName := trainable.Name()
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, originalScope)
	if originalScope == context.RootScope {
		scopePath = context.ScopeSeparator + o.config.scopeName
	}
	m1Name := fmt.Sprintf("%s_1st_moment", originalName)
	m2Name := fmt.Sprintf("%s_2nd_moment", originalName)
	shape := shapes.Make(dtypes.Float64, trainable.Shape().Dimensions...)
	ctx = ctx.Checked(false).InAbsPath(scopePath).WithInitializer(initializers.Zero)
	m1 = ctx.VariableWithShape(m1Name, shape).SetTrainable(false)
	m2 = ctx.VariableWithShape(m2Name, shape).SetTrainable(false)
	return
}

// Clear all optimizer variables.
// It implements optimizers.Interface.
func (o *adam) Clear(ctx *context.Context) error {
	ctxAdam := ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName)
	var toDelete []*context.Variable
	for v := range ctxAdam.IterVariablesInScope() {
		toDelete = append(toDelete, v)
	}
	for _, v := range toDelete {
		if err := ctx.DeleteVariable(v.Scope(), v.Name()); err != nil {
			return errors.WithMessagef(err, "Adam optimizer: failed to clear variable %q", v.ScopeAndName())
		}
	}
	return nil
}
