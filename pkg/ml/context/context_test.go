// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context_test

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/gomlx/distill/pkg/core/shapes"
	"github.com/gomlx/distill/pkg/core/tensors"
	. "github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/context/initializers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextVariables(t *testing.T) {
	ctx := New()
	ctx2 := ctx.In("a")
	require.Equal(t, ScopeSeparator, ctx.Scope())
	require.Equal(t, fmt.Sprintf("%s%s", ScopeSeparator, "a"), ctx2.Scope())

	// Same variable name, but different scopes.
	ctx3 := ctx.In("b")
	v0 := ctx2.VariableWithShape("x", shapes.Make(dtypes.Float32))
	_ = ctx3.VariableWithShape("x", shapes.Make(dtypes.Float64))

	// Try to reuse, without the context being set for that:
	require.Panicsf(t, func() { v0 = ctx2.VariableWithShape("x", shapes.Make(dtypes.Float32)) },
		"Allowed re-creating variable without context set to reuse. v0=%+v", v0)

	// Create another variable, different name.
	require.NotPanics(t, func() { v0 = ctx2.VariableWithShape("y", shapes.Make(dtypes.Int64)) })

	// Try to reuse:
	ctx2 = ctx2.Reuse()
	v0 = ctx2.VariableWithShape("x", shapes.Make(dtypes.Float32))
	assert.Equal(t, "/a/x", v0.ScopeAndName())

	// Try to reuse with a different shape:
	require.Panicsf(t, func() { v0 = ctx2.VariableWithShape("x", shapes.Make(dtypes.Float32, 1, 1)) },
		"Allowed re-using variable %q in scope %q with a different shape context set to reuse.", v0.Name(), v0.Scope())

	// Reuse of a variable that doesn't exist.
	require.Panics(t, func() { _ = ctx2.VariableWithShape("z", shapes.Make(dtypes.Float32)) })
	require.Panics(t, func() { _ = ctx.In("") })
	require.Panics(t, func() { _ = ctx.In("a/b") })
}

func TestContextVariablesInitialization(t *testing.T) {
	ctx := New()
	ctx.SetParam(initializers.ParamInitialSeed, int64(42))
	ctx0 := ctx.In("a").WithInitializer(initializers.RandomUniformFn(1.5, 2.5))
	v0 := ctx0.VariableWithShape("x", shapes.Make(dtypes.Float32))
	ctx1 := ctx.In("b").WithInitializer(initializers.RandomNormalFn(1.0))
	v1 := ctx1.VariableWithShape("y", shapes.Make(dtypes.Float64, 2))
	ctx2 := ctx1.In("c").WithInitializer(initializers.Zero)
	v2 := ctx2.VariableWithShape("z", shapes.Make(dtypes.Int64, 3, 1))

	t0 := tensors.ToScalar[float32](v0.Value())
	assert.True(t, t0 >= 1.5 && t0 < 2.5, "RandomUniformFn(1.5, 2.5) returned %f", t0)
	t1 := tensors.CopyFlatData[float64](v1.Value())
	assert.NotZero(t, t1[0])
	assert.NotZero(t, t1[1])
	assert.Equal(t, []int64{0, 0, 0}, tensors.CopyFlatData[int64](v2.Value()))

	// Same seed and names yield the same values, regardless of the order of creation.
	ctxB := New()
	ctxB.SetParam(initializers.ParamInitialSeed, int64(42))
	v1B := ctxB.In("b").WithInitializer(initializers.RandomNormalFn(1.0)).VariableWithShape("y",
		shapes.Make(dtypes.Float64, 2))
	v0B := ctxB.In("a").WithInitializer(initializers.RandomUniformFn(1.5, 2.5)).VariableWithShape("x",
		shapes.Make(dtypes.Float32))
	assert.True(t, v0.Value().Equal(v0B.Value()))
	assert.True(t, v1.Value().Equal(v1B.Value()))

	// Glorot: biases are zero, matrices bounded.
	glorot := ctx.In("glorot").WithInitializer(initializers.GlorotUniformFn())
	bias := glorot.VariableWithShape("bias", shapes.Make(dtypes.Float32, 4))
	assert.Equal(t, []float32{0, 0, 0, 0}, tensors.CopyFlatData[float32](bias.Value()))
	weights := glorot.VariableWithShape("weights", shapes.Make(dtypes.Float32, 6, 2))
	for _, w := range tensors.CopyFlatData[float32](weights.Value()) {
		assert.LessOrEqual(t, float64(w), 1.0) // limit = sqrt(3/4)
		assert.GreaterOrEqual(t, float64(w), -1.0)
	}
}

// ParamType is an enum-like parameter type, parsed from text.
type ParamType uint

const (
	ParamTypeA ParamType = iota
	ParamTypeB
)

func (i *ParamType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "a", "type A", "type a":
		*i = ParamTypeA
	case "b", "type B", "type b":
		*i = ParamTypeB
	default:
		return fmt.Errorf(" type %s don't exist", string(text))
	}
	return nil
}

func TestParams(t *testing.T) {
	ctx := New()
	ctx.SetParam("x", 7.0)
	ctx.SetParam("nil", nil)
	got, found := ctx.GetParam("x")
	assert.True(t, found)
	assert.Equal(t, 7.0, got)
	assert.Equal(t, 7.0, GetParamOr(ctx, "x", 0.0))
	assert.Equal(t, 0.0, GetParamOr(ctx, "foo", 0.0))
	assert.Equal(t, 7.0, MustGetParam[float64](ctx, "x"))
	assert.Equal(t, 7, MustGetParam[int](ctx, "x")) // Auto-conversion float64 -> int

	// If set to nil, GetParamOr will return the default.
	assert.Equal(t, float32(11), GetParamOr(ctx, "nil", float32(11)))
	assert.Equal(t, "blah", GetParamOr(ctx, "nil", "blah"))

	// The wrong type should panic.
	assert.Panics(t, func() { _ = GetParamOr(ctx, "x", "string value") })
	// Missing value should panic for MustGetParam.
	assert.Panics(t, func() { MustGetParam[float64](ctx, "foo") })

	// Enum parameters can be given as strings.
	ctx.SetParam("param_type", "type b")
	assert.Equal(t, ParamTypeB, GetParamOr(ctx, "param_type", ParamTypeA))
	ctx.SetParam("param_type", "c")
	assert.Panics(t, func() { _ = GetParamOr(ctx, "param_type", ParamTypeA) })

	// Slices read from JSON.
	ctx.SetParam("stop", []any{1.0, 2.0})
	assert.Equal(t, []int{1, 2}, GetParamOr[[]int](ctx, "stop", nil))

	// Check correct search to root node.
	ctx.SetParam("y", 11.0)
	ctx0 := ctx.In("0")
	ctx0.SetParam("y", 13.0)
	got, found = ctx0.GetParam("x") // Takes value from root scope.
	assert.True(t, found)
	assert.Equal(t, 7.0, got)
	got, found = ctx0.GetParam("y") // Takes value from "/0" scope.
	assert.True(t, found)
	assert.Equal(t, 13.0, got)
	assert.True(t, ctx0.DeleteParam("y"))
	assert.Equal(t, 11.0, GetParamOr(ctx0, "y", 0.0))

	var keys []string
	ctx.EnumerateParams(func(scope, key string, _ any) { keys = append(keys, scope+":"+key) })
	assert.Equal(t, []string{"/:nil", "/:param_type", "/:stop", "/:x", "/:y"}, keys)
}

func TestIterVariables(t *testing.T) {
	ctx := New()
	ctx0 := ctx.In("a")
	_ = ctx0.VariableWithShape("x", shapes.Make(dtypes.Float32))
	ctx1 := ctx.In("b")
	_ = ctx1.VariableWithShape("y", shapes.Make(dtypes.Float32, 3, 2))
	ctx2 := ctx1.In("c")
	_ = ctx2.VariableWithShape("z", shapes.Make(dtypes.Float64, 2))

	var names []string
	for v := range ctx.IterVariables() {
		names = append(names, v.ScopeAndName())
	}
	assert.Equal(t, []string{"/a/x", "/b/y", "/b/c/z"}, names)

	names = names[:0]
	for v := range ctx1.IterVariablesInScope() {
		names = append(names, v.ScopeAndName())
	}
	assert.Equal(t, []string{"/b/y", "/b/c/z"}, names)

	assert.Equal(t, 3, ctx.NumVariables())
	assert.Equal(t, 1+6+2, ctx.NumParameters())
	assert.Equal(t, uintptr(4+24+16), ctx.Memory())
}

// ConstantLoader implements a hard-coded loader of values.
type ConstantLoader struct {
	Values map[string]*tensors.Tensor
}

// LoadVariable implements Loader.
func (l *ConstantLoader) LoadVariable(_ *Context, scope, name string) (value *tensors.Tensor, found bool) {
	if l.Values == nil {
		return
	}
	value, found = l.Values[JoinScope(scope, name)]
	return
}

func (l *ConstantLoader) DeleteVariable(_ *Context, scope, name string) error {
	delete(l.Values, JoinScope(scope, name))
	return nil
}

func TestContext_SetLoader(t *testing.T) {
	ctx := New()
	loader := &ConstantLoader{
		Values: map[string]*tensors.Tensor{
			"/x": tensors.FromScalar(float32(2)),
			"/y": tensors.FromScalar(int64(3)),
			"/z": tensors.FromScalar(int64(7)),
		},
	}
	ctx.SetLoader(loader)
	ctx = ctx.Reuse()
	v0 := ctx.WithInitializer(initializers.Zero).VariableWithShape("x", shapes.Make(dtypes.Float32))
	v1 := ctx.VariableWithValue("y", int64(1))
	assert.Equal(t, float32(2), tensors.ToScalar[float32](v0.Value()))
	assert.Equal(t, int64(3), tensors.ToScalar[int64](v1.Value()))

	// Loaded variables are visible without being created.
	require.Nil(t, ctx.InspectVariableIfLoaded(RootScope, "z"))
	require.NotNil(t, ctx.GetVariable("z"))
	require.NotNil(t, ctx.InspectVariableIfLoaded(RootScope, "z"))

	// Deletion cascades to the loader.
	require.NoError(t, ctx.DeleteVariable(RootScope, "z"))
	assert.Nil(t, ctx.GetVariable("z"))
	assert.NotContains(t, loader.Values, "/z")
	assert.Equal(t, 2, ctx.NumVariables())
}

func TestJoinAndSplitScope(t *testing.T) {
	assert.Equal(t, "a", JoinScope("", "a"))
	assert.Equal(t, "/a", JoinScope("/", "a"))
	assert.Equal(t, "/b/a", JoinScope("/b", "a"))
	assert.Equal(t, "/b/a", JoinScope("/b/", "a"))
	assert.Equal(t, "/c/b/a", JoinScope("/c/b/", "a"))

	testSplit := func(scopeAndName, wantScope, wantName string) {
		gotScope, gotName := SplitScope(scopeAndName)
		assert.Equal(t, []string{wantScope, wantName}, []string{gotScope, gotName})
	}
	testSplit("a", "", "a")
	testSplit("/a", "/", "a")
	testSplit("/b/a", "/b", "a")
	testSplit("/c/b/a", "/c/b", "a")
	testSplit("/c/b/", "/c/b", "")
	testSplit("a/b", "", "a/b") // Notice that something that doesn't start with "/" doesn't have a scope.
}

func TestContext_Clone(t *testing.T) {
	value := []float32{3, 5, 7, 11, 13}
	ctx0 := New()
	ctx0.SetParam("initial_seed", int64(42))
	v0x := ctx0.In("a").In("b").VariableWithValue("x", value)
	v0y := ctx0.In("a").In("b").VariableWithShape("y", shapes.Make(dtypes.Float64, 2, 3, 4))

	ctx1, err := ctx0.In("a").In("b").Reuse().Clone()
	require.NoError(t, err)
	require.True(t, ctx1.IsChecked())
	require.True(t, ctx1.IsReuse())
	require.Equal(t, "/a/b", ctx1.Scope())

	require.Equal(t, 2, ctx1.NumVariables())
	v1x := ctx1.GetVariableByScopeAndName("/a/b", "x")
	require.NotNil(t, v1x)
	assert.Equal(t, value, tensors.CopyFlatData[float32](v1x.Value()))
	v1y := ctx1.GetVariable("y")
	require.NotNil(t, v1y)
	assert.True(t, v1y.Value().Equal(v0y.Value()))
	assert.Equal(t, int64(42), GetParamOr(ctx1, "initial_seed", int64(0)))

	// Changing the clone doesn't affect the original.
	require.NoError(t, v1x.SetValue(tensors.FromFlatDataAndDimensions([]float32{0, 0, 0, 0, 0}, 5)))
	assert.Equal(t, value, tensors.CopyFlatData[float32](v0x.Value()))
	ctx1.SetParam("initial_seed", int64(1))
	assert.Equal(t, int64(42), GetParamOr(ctx0, "initial_seed", int64(0)))
}

func TestGradients(t *testing.T) {
	ctx := New()
	ctx.SetParam(ParamInitialSeed, int64(1))
	w := ctx.In("dense").VariableWithValue("weights", tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2))
	frozenVar := ctx.In("dense").VariableWithValue("bias", []float32{1, 1}).SetTrainable(false)

	step := func() {
		g := graph.NewGraph("step")
		x := graph.Const(g, []float32{1, 1}, 1, 2)
		y := graph.AddBias(graph.MatMul(x, w.ValueGraph(g)), frozenVar.ValueGraph(g))
		g.Backward(graph.WeightedSum(graph.Reshape(y, 2), []float64{1, 2}))
		ctx.AccumulateGradients(g)
	}
	step()
	assert.Equal(t, []float64{1, 2, 1, 2}, w.Gradient())
	assert.Nil(t, frozenVar.Gradient())
	step()
	assert.Equal(t, []float64{2, 4, 2, 4}, w.Gradient())
	ctx.ZeroGradients()
	assert.Equal(t, []float64{0, 0, 0, 0}, w.Gradient())
	assert.Equal(t, []*Variable{w}, ctx.TrainableVariables())
}

func TestFreeze(t *testing.T) {
	ctx := New()
	v := ctx.VariableWithValue("x", []float64{1, 2, 3})
	half := v.Value().ConvertDType(dtypes.Float16)
	require.NoError(t, v.SetValue(half))
	assert.Equal(t, dtypes.Float16, v.DType())
	require.Error(t, v.SetValue(tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2)), "wrong dimensions")

	ctx.Freeze()
	assert.True(t, ctx.IsFrozen())
	assert.False(t, v.Trainable)
	assert.Empty(t, ctx.TrainableVariables())
	require.Error(t, v.SetValue(half))
	require.Error(t, ctx.DeleteVariable(RootScope, "x"))
	require.Panics(t, func() { _ = ctx.VariableWithShape("new", shapes.Make(dtypes.Float32)) })
	require.Panics(t, func() { v.SetTrainable(true) })

	// Frozen variables are fed as float32 and don't track gradients, even in gradient graphs.
	g := graph.NewGraph("frozen")
	node := v.ValueGraph(g)
	assert.False(t, node.RequiresGrad())
	assert.Equal(t, []float32{1, 2, 3}, node.Value())
	assert.Same(t, node, v.ValueGraph(g))

	clone, err := ctx.Clone()
	require.NoError(t, err)
	assert.True(t, clone.IsFrozen())
	var names []string
	for cv := range clone.IterVariables() {
		names = append(names, cv.ScopeAndName())
		assert.False(t, cv.Trainable)
	}
	assert.True(t, slices.Equal([]string{"/x"}, names))
}
