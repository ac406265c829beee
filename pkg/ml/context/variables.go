// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/gomlx/distill/pkg/core/shapes"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// VariableInitializer returns the initial value of a variable of the given shape, drawing any randomness
// from rng. The rng is seeded per variable (see ParamInitialSeed), so the value doesn't depend on the order
// variables are created.
type VariableInitializer = func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor

// Variable is a value shared among computation graphs, or across multiple steps of training.
// It's commonly used to store the weights (aka. parameters) of an ML model. It's defined in a scope in
// a Context.
//
// The value can be accessed in between graph executions by Value and SetValue methods.
// In a graph, ValueGraph returns the parameter node that feeds the variable value.
type Variable struct {
	ctx         *Context
	name, scope string

	// Trainable indicates whether the variable is trainable.
	// If set to false, it won't be touched by trainers.
	Trainable bool

	shape shapes.Shape
	value *tensors.Tensor

	// grad accumulates the gradients collected with Context.AccumulateGradients.
	grad []float64
}

// CloneToContext Variable.
//
// Value, name, scope and trainable state are cloned, but not the accumulated gradients.
// The variable is then inserted into the given context.
func (v *Variable) CloneToContext(toCtx *Context) (*Variable, error) {
	if v.value == nil {
		return nil, errors.Errorf("variable %q has no value", v.ScopeAndName())
	}
	newV := &Variable{
		ctx:       toCtx,
		name:      v.name,
		scope:     v.scope,
		shape:     v.shape,
		Trainable: v.Trainable,
		value:     v.value.Clone(),
	}
	toCtx.InAbsPath(v.scope).setVariableInScope(v.name, newV)
	return newV, nil
}

// Name of the variable within the scope.
func (v *Variable) Name() string {
	if v == nil {
		return "<nil>"
	}
	return v.name
}

// String implements stringer.
func (v *Variable) String() string {
	if v == nil || !v.shape.Ok() {
		return "INVALID (NIL) VARIABLE"
	}
	return fmt.Sprintf("%s/%s", v.Scope(), v.Name())
}

// Scope where the variable was created.
func (v *Variable) Scope() string {
	if v == nil {
		return "<nil>"
	}
	return v.scope
}

// Shape returns the variable shape.
func (v *Variable) Shape() shapes.Shape {
	if v == nil {
		return shapes.Invalid()
	}
	return v.shape
}

// DType returns the dtype the variable is stored with. Graphs always see it as float32.
func (v *Variable) DType() dtypes.DType {
	return v.Shape().DType
}

// VariableParameterPrefix is used to prefix Graph parameter names for variables.
const VariableParameterPrefix = "var:"

// ScopeAndName is a quick pretty-print way to refer to a variable.
func (v *Variable) ScopeAndName() string {
	return JoinScope(v.Scope(), v.Name())
}

// ParameterName used when creating a parameter node in a Graph to access the variable, or as a key when saving.
// It is a unique name for the variable that includes the scope and the variable name, and is reversible.
func (v *Variable) ParameterName() string {
	return VariableParameterNameFromScopeAndName(v.Scope(), v.Name())
}

// VariableScopeAndNameFromParameterName extracts the scope and name from a variable's ParameterName.
// It will return empty strings for an invalid parameter name.
func VariableScopeAndNameFromParameterName(parameterName string) (scope, name string) {
	if !strings.HasPrefix(parameterName, VariableParameterPrefix) {
		return
	}
	parts := strings.Split(parameterName[len(VariableParameterPrefix):], ScopeSeparator)
	if len(parts) == 1 {
		// Scope was not properly set.
		return
	}
	name = parts[len(parts)-1]
	if len(parts) > 2 {
		scope = strings.Join(parts[:len(parts)-1], ScopeSeparator)
	} else {
		scope = RootScope
	}
	return
}

// VariableParameterNameFromScopeAndName creates the Variable.ParameterName from its scope and name.
func VariableParameterNameFromScopeAndName(scope, name string) string {
	return fmt.Sprintf("%s%s%s%s", VariableParameterPrefix, scope, ScopeSeparator, name)
}

// Value returns the tensor holding the variable value. Use this to manipulate the value in Go.
// If building a computation graph, use Variable.ValueGraph().
//
// The returned tensor must not be modified: use SetValue to change the value.
func (v *Variable) Value() *tensors.Tensor {
	return v.value
}

// SetValue replaces the variable value. The new value must have the same dimensions, but it may have a
// different dtype (e.g. to store the variable in float16).
//
// It fails if the Context is frozen.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	if v.ctx.data.frozen {
		return errors.Errorf("cannot set value of variable %q: context is frozen", v.ScopeAndName())
	}
	if !value.Ok() {
		return errors.Errorf("cannot set variable %q to an invalid tensor", v.ScopeAndName())
	}
	if !value.Shape().EqualDimensions(v.shape) {
		return errors.Errorf("cannot set variable %q of shape %s to a value of shape %s",
			v.ScopeAndName(), v.shape, value.Shape())
	}
	v.value = value
	v.shape = value.Shape()
	return nil
}

// MustSetValue is like SetValue, but panics on error.
func (v *Variable) MustSetValue(value *tensors.Tensor) {
	if err := v.SetValue(value); err != nil {
		panic(err)
	}
}

// SetTrainable sets the variable trainable status. Returns itself, so calls can be cascaded.
// Variables of a frozen Context can't be made trainable.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	if trainable && v.ctx.data.frozen {
		exceptions.Panicf("cannot make variable %q trainable: context is frozen", v.ScopeAndName())
	}
	v.Trainable = trainable
	return v
}

// ValueGraph returns the graph node holding the variable value, creating it as a parameter of g if not
// yet there.
//
// The node is computed in float32 regardless of the storage dtype. Its gradient is tracked if the variable is
// trainable and g tracks gradients: use Context.AccumulateGradients after g.Backward to collect it.
func (v *Variable) ValueGraph(g *graph.Graph) *graph.Node {
	if v.value == nil {
		exceptions.Panicf("variable %q has no value", v.ScopeAndName())
	}
	paramName := v.ParameterName()
	if node, found := g.ParameterNode(paramName); found {
		return node
	}
	return g.Parameter(paramName, v.value.Float32s(), v.shape.Dimensions, v.Trainable)
}

// Gradient returns the gradient accumulated for the variable with Context.AccumulateGradients, or nil if
// no gradient was accumulated since the variable was created.
//
// The returned slice can be changed in place, e.g. to rescale it.
func (v *Variable) Gradient() []float64 {
	return v.grad
}

// SetGradient replaces the accumulated gradient: used after averaging gradients across replicas.
func (v *Variable) SetGradient(grad []float64) {
	if len(grad) != v.shape.Size() {
		exceptions.Panicf("gradient of variable %q must have %d elements, got %d",
			v.ScopeAndName(), v.shape.Size(), len(grad))
	}
	v.grad = grad
}
