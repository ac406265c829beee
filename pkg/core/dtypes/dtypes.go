// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the data types supported by the tensors used in distillation:
// model weights and activations (Float32), half-precision frozen weights (Float16), accumulators (Float64)
// and counters (Int64).
//
// The numeric values of the enum are kept aligned with the XLA/PJRT values, so checkpoints remain
// readable by other tools of the ecosystem.
package dtypes

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum that represents the data type of a tensor or a scalar.
type DType int32

const (
	// InvalidDType is the zero value, used as default.
	InvalidDType DType = 0

	// Int64 is used for counters, like the global step.
	Int64 DType = 5

	// Float16 is the IEEE 754 half-precision type, used to store frozen weights.
	Float16 DType = 10

	// Float32 is the default dtype for weights, activations and gradients.
	Float32 DType = 11

	// Float64 is used for accumulators and statistics.
	Float64 DType = 12
)

// MapOfNames to their dtypes. It includes lower-case aliases.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Int64":        Int64,
	"Float16":      Float16,
	"Float32":      Float32,
	"Float64":      Float64,
	"int64":        Int64,
	"float16":      Float16,
	"float32":      Float32,
	"float64":      Float64,
	"half":         Float16,
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Int64:
		return "Int64"
	case Float16:
		return "Float16"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	default:
		return "InvalidDType"
	}
}

// DTypeString parses the name of a dtype (case-insensitive for the canonical names).
func DTypeString(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// Size returns the number of bytes used by one element of the dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Float16:
		return 2
	case Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// SizeForDimensions returns the number of bytes for a tensor with the given dimensions.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	size := dtype.Size()
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// IsFloat returns whether dtype is one of the floating point types.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsSupported returns whether the dtype can be used by tensors.
func (dtype DType) IsSupported() bool {
	return dtype == Int64 || dtype.IsFloat()
}

// Supported lists the Go types that can be stored in a tensor.
type Supported interface {
	float32 | float64 | float16.Float16 | int64
}

// FromGenericsType returns the DType enum for the given Go type.
func FromGenericsType[T Supported]() DType {
	var t T
	switch any(t).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case float16.Float16:
		return Float16
	case int64:
		return Int64
	}
	return InvalidDType
}

// FromAny returns the DType of a Go scalar value, or InvalidDType if not supported.
// Go's int is mapped to Int64.
func FromAny(value any) DType {
	switch value.(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case float16.Float16:
		return Float16
	case int64, int:
		return Int64
	}
	return InvalidDType
}
