// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context_test

import (
	"testing"

	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/shapes"
	"github.com/gomlx/distill/pkg/core/tensors"
	. "github.com/gomlx/distill/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariable_CloneToContext(t *testing.T) {
	value := []float32{3, 5, 7, 11, 13}
	ctx0 := New()
	v0x := ctx0.In("a").In("b").VariableWithValue("x", value)
	v0y := ctx0.In("a").In("b").VariableWithShape("y", shapes.Make(dtypes.Float64, 2, 3, 4)).SetTrainable(false)

	ctx1 := New()
	v1x, err := v0x.CloneToContext(ctx1)
	require.NoError(t, err)
	v1y, err := v0y.CloneToContext(ctx1)
	require.NoError(t, err)
	assert.False(t, v1y.Trainable)

	// Check the new variable has the right name, scope and was properly inserted in to the new context.
	require.Equal(t, "/a/b/x", v1x.ScopeAndName())
	require.Equal(t, 2, ctx1.NumVariables())
	require.Equal(t, v1x, ctx1.GetVariableByScopeAndName("/a/b", "x"))
	require.Equal(t, v1y, ctx1.GetVariableByScopeAndName("/a/b", "y"))

	// Check the new variable value is independent of the old one.
	v0x.MustSetValue(tensors.FromFlatDataAndDimensions([]float32{0, 0, 0, 0, 0}, 5))
	require.Equal(t, value, tensors.CopyFlatData[float32](v1x.Value()))
}

func TestParameterName(t *testing.T) {
	ctx := New()
	v := ctx.In("student").In("embeddings").VariableWithShape("table", shapes.Make(dtypes.Float32, 3, 2))
	assert.Equal(t, "var:/student/embeddings/table", v.ParameterName())
	scope, name := VariableScopeAndNameFromParameterName(v.ParameterName())
	assert.Equal(t, "/student/embeddings", scope)
	assert.Equal(t, "table", name)

	root := ctx.VariableWithValue("scalar", 1.0)
	scope, name = VariableScopeAndNameFromParameterName(root.ParameterName())
	assert.Equal(t, RootScope, scope)
	assert.Equal(t, "scalar", name)

	scope, name = VariableScopeAndNameFromParameterName("not a variable")
	assert.Empty(t, scope)
	assert.Empty(t, name)
	assert.Equal(t, "/student/embeddings/table", v.String())
}

func TestSetGradient(t *testing.T) {
	ctx := New()
	v := ctx.VariableWithValue("x", []float32{1, 2})
	assert.Nil(t, v.Gradient())
	v.SetGradient([]float64{0.5, -0.5})
	assert.Equal(t, []float64{0.5, -0.5}, v.Gradient())
	assert.Panics(t, func() { v.SetGradient([]float64{1}) })
}
