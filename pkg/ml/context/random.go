// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/gomlx/distill/pkg/core/shapes"
	"github.com/gomlx/distill/pkg/core/tensors"
)

var (
	// ParamInitialSeed is the key for the hyperparameter to use for initial seed (int64). The default is 0,
	// which makes it non-deterministic. Set it to a value different from 0 for a deterministic (as long
	// as the model doesn't change) initialization.
	ParamInitialSeed = "initializers_seed"
)

// clockSeed is used when ParamInitialSeed is not set: it is drawn once per process so that all contexts
// created in the same process (e.g. replicas) still get the same initial values.
var clockSeed = uint64(time.Now().UnixNano())

// InitialSeed returns the seed configured with ParamInitialSeed, or a seed based on the clock if it's not
// set (or set to 0).
func (ctx *Context) InitialSeed() uint64 {
	seed := GetParamOr(ctx, ParamInitialSeed, int64(0))
	if seed == 0 {
		return clockSeed
	}
	return uint64(seed)
}

// variableRNG returns the random number generator used to initialize the variable with the given
// parameter name. It depends only on the initial seed and the name.
func (ctx *Context) variableRNG(parameterName string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(parameterName))
	return rand.New(rand.NewPCG(ctx.InitialSeed(), h.Sum64()))
}

// defaultInitializer is a random uniform noise from [-0.05, 0.05].
func defaultInitializer(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	values := make([]float64, shape.Size())
	for ii := range values {
		values[ii] = (rng.Float64()*2 - 1) * 0.05
	}
	return tensors.FromFlatDataAndDimensions(values, shape.Dimensions...).ConvertDType(shape.DType)
}
