// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes' dimensions) and their actual content, stored as a flat slice
// of the underlying Go type.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//   - FromScalar[T dtypes.Supported](value T): creates a scalar tensor.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromBytes(shape, data): restores a tensor from its little-endian binary representation (see Tensor.Bytes),
//     used by checkpoints.
//
// Tensors are safe for concurrent access, the flat data is protected by a mutex while being accessed.
package tensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor represents a multidimensional array, defined by its shape (a dtypes.DType and its axes' dimensions),
// and its content stored as a flat (1D) array of values.
type Tensor struct {
	// shape of the tensor, immutable.
	shape shapes.Shape

	// mu protects flat.
	mu sync.Mutex

	// flat is a slice of the Go type corresponding to the shape.DType.
	flat any
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state.
func (t *Tensor) Ok() bool { return t != nil && t.shape.Ok() && t.flat != nil }

func makeFlat(dtype dtypes.DType, size int) any {
	switch dtype {
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float64:
		return make([]float64, size)
	case dtypes.Float16:
		return make([]float16.Float16, size)
	case dtypes.Int64:
		return make([]int64, size)
	}
	exceptions.Panicf("tensors: dtype %s not supported", dtype)
	return nil
}

// FromShape returns a tensor with the given shape, with all values set to zero.
func FromShape(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape.Clone(), flat: makeFlat(shape.DType, shape.Size())}
}

// FromScalar returns a scalar tensor holding value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{shape: shapes.Make(dtypes.FromGenericsType[T]()), flat: []T{value}}
}

// FromScalarAndDimensions returns a Tensor with the given dimensions, filled with the value given.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	flat := t.flat.([]T)
	for ii := range flat {
		flat[ii] = value
	}
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, and a copy of the flat data.
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(data) {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: data has %d elements, but dimensions %v require %d",
			len(data), dimensions, shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(data)}
}

// FromAnyValue creates a tensor from a Go scalar (float32, float64, float16.Float16, int64 or int) or a flat
// slice of one of those types, which becomes a rank-1 tensor.
func FromAnyValue(value any) (*Tensor, error) {
	switch v := value.(type) {
	case *Tensor:
		return v, nil
	case float32:
		return FromScalar(v), nil
	case float64:
		return FromScalar(v), nil
	case float16.Float16:
		return FromScalar(v), nil
	case int64:
		return FromScalar(v), nil
	case int:
		return FromScalar(int64(v)), nil
	case []float32:
		return FromFlatDataAndDimensions(v, len(v)), nil
	case []float64:
		return FromFlatDataAndDimensions(v, len(v)), nil
	case []float16.Float16:
		return FromFlatDataAndDimensions(v, len(v)), nil
	case []int64:
		return FromFlatDataAndDimensions(v, len(v)), nil
	}
	return nil, errors.Errorf("tensors.FromAnyValue: unsupported type %T", value)
}

// checkDType panics if T doesn't match the tensor's dtype.
func checkDType[T dtypes.Supported](t *Tensor) {
	if want := dtypes.FromGenericsType[T](); want != t.shape.DType {
		exceptions.Panicf("tensors: accessing tensor of dtype %s with Go type %s", t.shape.DType, want)
	}
}

// ConstFlatData calls accessFn with the flat data of the tensor. accessFn must not change the values.
// It panics if T doesn't match the tensor dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	checkDType[T](t)
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat.([]T))
}

// MutableFlatData calls accessFn with the flat data of the tensor, which it can change in place.
// It panics if T doesn't match the tensor dtype.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	checkDType[T](t)
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat.([]T))
}

// CopyFlatData returns a copy of the flat data of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var data []T
	ConstFlatData(t, func(flat []T) { data = slices.Clone(flat) })
	return data
}

// AssignFlatData copies fromFlat into the tensor. It panics if sizes differ.
func AssignFlatData[T dtypes.Supported](t *Tensor, fromFlat []T) {
	MutableFlatData(t, func(flat []T) {
		if len(flat) != len(fromFlat) {
			exceptions.Panicf("tensors.AssignFlatData: tensor %s has %d elements, got %d", t.shape, len(flat), len(fromFlat))
		}
		copy(flat, fromFlat)
	})
}

// ToScalar returns the scalar value of a tensor with exactly one element.
func ToScalar[T dtypes.Supported](t *Tensor) (value T) {
	if t.Size() != 1 {
		exceptions.Panicf("tensors.ToScalar: tensor %s is not a scalar", t.shape)
	}
	ConstFlatData(t, func(flat []T) { value = flat[0] })
	return
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.mu.Lock()
	defer t.mu.Unlock()
	var flat any
	switch f := t.flat.(type) {
	case []float32:
		flat = slices.Clone(f)
	case []float64:
		flat = slices.Clone(f)
	case []float16.Float16:
		flat = slices.Clone(f)
	case []int64:
		flat = slices.Clone(f)
	}
	return &Tensor{shape: t.shape.Clone(), flat: flat}
}

// Float64s returns a copy of the values of the tensor converted to float64.
func (t *Tensor) Float64s() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]float64, t.shape.Size())
	switch f := t.flat.(type) {
	case []float32:
		for ii, v := range f {
			out[ii] = float64(v)
		}
	case []float64:
		copy(out, f)
	case []float16.Float16:
		for ii, v := range f {
			out[ii] = float64(v.Float32())
		}
	case []int64:
		for ii, v := range f {
			out[ii] = float64(v)
		}
	}
	return out
}

// Float32s returns a copy of the values of the tensor converted to float32.
//
// Frozen half-precision weights are read this way: stored as float16, computed in float32.
func (t *Tensor) Float32s() []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]float32, t.shape.Size())
	switch f := t.flat.(type) {
	case []float32:
		copy(out, f)
	case []float64:
		for ii, v := range f {
			out[ii] = float32(v)
		}
	case []float16.Float16:
		for ii, v := range f {
			out[ii] = v.Float32()
		}
	case []int64:
		for ii, v := range f {
			out[ii] = float32(v)
		}
	}
	return out
}

// ConvertDType returns a new tensor with the values converted to dtype. Conversions to Int64 truncate.
func (t *Tensor) ConvertDType(dtype dtypes.DType) *Tensor {
	if dtype == t.DType() {
		return t.Clone()
	}
	values := t.Float64s()
	out := FromShape(shapes.Make(dtype, t.shape.Dimensions...))
	switch f := out.flat.(type) {
	case []float32:
		for ii, v := range values {
			f[ii] = float32(v)
		}
	case []float64:
		copy(f, values)
	case []float16.Float16:
		for ii, v := range values {
			f[ii] = float16.Fromfloat32(float32(v))
		}
	case []int64:
		for ii, v := range values {
			f[ii] = int64(v)
		}
	}
	return out
}

// Bytes returns the little-endian binary representation of the flat data.
func (t *Tensor) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := make([]byte, 0, t.shape.Memory())
	le := binary.LittleEndian
	switch f := t.flat.(type) {
	case []float32:
		for _, v := range f {
			data = le.AppendUint32(data, math.Float32bits(v))
		}
	case []float64:
		for _, v := range f {
			data = le.AppendUint64(data, math.Float64bits(v))
		}
	case []float16.Float16:
		for _, v := range f {
			data = le.AppendUint16(data, v.Bits())
		}
	case []int64:
		for _, v := range f {
			data = le.AppendUint64(data, uint64(v))
		}
	}
	return data
}

// FromBytes creates a tensor of the given shape from its binary representation, as returned by Tensor.Bytes.
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if !shape.DType.IsSupported() {
		return nil, errors.Errorf("tensors.FromBytes: dtype %s not supported", shape.DType)
	}
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes: shape %s requires %d bytes, got %d", shape, shape.Memory(), len(data))
	}
	t := FromShape(shape)
	le := binary.LittleEndian
	switch f := t.flat.(type) {
	case []float32:
		for ii := range f {
			f[ii] = math.Float32frombits(le.Uint32(data[4*ii:]))
		}
	case []float64:
		for ii := range f {
			f[ii] = math.Float64frombits(le.Uint64(data[8*ii:]))
		}
	case []float16.Float16:
		for ii := range f {
			f[ii] = float16.Frombits(le.Uint16(data[2*ii:]))
		}
	case []int64:
		for ii := range f {
			f[ii] = int64(le.Uint64(data[8*ii:]))
		}
	}
	return t, nil
}

// Equal checks whether the tensors have the same shape and values.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	return t.InDelta(otherTensor, 0)
}

// InDelta checks whether the tensors have the same shape and values within delta of each other.
// NaN values are only equal to NaN.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	if t == otherTensor {
		return true
	}
	if t == nil || otherTensor == nil || !t.shape.Equal(otherTensor.shape) {
		return false
	}
	v0, v1 := t.Float64s(), otherTensor.Float64s()
	for ii := range v0 {
		if math.IsNaN(v0[ii]) || math.IsNaN(v1[ii]) {
			if math.IsNaN(v0[ii]) != math.IsNaN(v1[ii]) {
				return false
			}
			continue
		}
		if math.Abs(v0[ii]-v1[ii]) > delta {
			return false
		}
	}
	return true
}

// maxPrintedValues is the number of values printed by Tensor.String before eliding.
const maxPrintedValues = 16

// String implements fmt.Stringer. Large tensors are elided.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	values := t.Float64s()
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	if t.IsScalar() {
		_, _ = fmt.Fprintf(&sb, "(%g)", values[0])
		return sb.String()
	}
	sb.WriteString("{")
	for ii, v := range values {
		if ii == maxPrintedValues {
			_, _ = fmt.Fprintf(&sb, ", ...(%d more)", len(values)-ii)
			break
		}
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("}")
	return sb.String()
}
