// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers include several weight initializers, to be used with context.
//
// They all implement context.VariableInitializer: the random ones draw from the per-variable random number
// generator given by the context, seeded by context.ParamInitialSeed.
package initializers

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/distill/pkg/core/shapes"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
)

// ParamInitialSeed is the key for the hyperparameter to use for initial seed (int64).
// It is an alias to context.ParamInitialSeed.
var ParamInitialSeed = context.ParamInitialSeed

// VariableInitializer is an alias to context.VariableInitializer.
type VariableInitializer = context.VariableInitializer

// fill creates a tensor of the given shape with values generated by fn, converted to the shape dtype.
func fill(shape shapes.Shape, fn func(ii int) float64) *tensors.Tensor {
	values := make([]float64, shape.Size())
	for ii := range values {
		values[ii] = fn(ii)
	}
	return tensors.FromFlatDataAndDimensions(values, shape.Dimensions...).ConvertDType(shape.DType)
}

var (
	// Zero initializes variables with zero.
	Zero VariableInitializer = func(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		return tensors.FromShape(shape)
	}

	// One initializes variables with one.
	One VariableInitializer = func(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		return fill(shape, func(int) float64 { return 1 })
	}
)

// RandomNormalFn returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
func RandomNormalFn(stddev float64) VariableInitializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		return fill(shape, func(int) float64 { return rng.NormFloat64() * stddev })
	}
}

// RandomUniformFn returns an initializer that generates random uniform values from [min, max).
func RandomUniformFn(minValue, maxValue float64) VariableInitializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		return fill(shape, func(int) float64 { return minValue + rng.Float64()*(maxValue-minValue) })
	}
}

// GlorotUniformFn return a Glorot uniform initializer, also called Xavier uniform initializer.
//
// It draws samples from a uniform distribution within `[-limit, limit]`, where
// `limit = sqrt(3 / ((fan_in + fan_out)/2))` (`fan_in` is the number of input units in the weight tensor and
// `fan_out` is the number of output units).
//
// It assumes the variables are weights of matrix multiplications, embedding tables or biases: it
// initializes biases (anything with rank <= 1) to zeros.
func GlorotUniformFn() VariableInitializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		if shape.Rank() <= 1 {
			// Zero-bias.
			return tensors.FromShape(shape)
		}
		fanIn, fanOut := computeFanInFanOut(shape)
		scale := max(1.0, float64(fanIn+fanOut)/2.0)
		limit := math.Sqrt(3.0 / scale)
		return fill(shape, func(int) float64 { return (rng.Float64()*2 - 1) * limit })
	}
}

// computeFanInFanOut of a variable expected to be the weights of a matrix multiplication.
// Higher rank shapes have the leading axes folded into both fans.
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	receptiveFieldSize := 1
	for _, dim := range shape.Dimensions[:rank-2] {
		receptiveFieldSize *= dim
	}
	fanIn = shape.Dimensions[rank-2] * receptiveFieldSize
	fanOut = shape.Dimensions[rank-1] * receptiveFieldSize
	return
}

// BroadcastTensorToShape returns an initializer that copies baseValue to every position of the variable.
// baseValue must be a scalar.
func BroadcastTensorToShape(baseValue *tensors.Tensor) VariableInitializer {
	value := baseValue.Float64s()[0]
	return func(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		return fill(shape, func(int) float64 { return value })
	}
}
