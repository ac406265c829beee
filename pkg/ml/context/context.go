// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context, which holds the hyperparameters and the variables (the trainable
// weights) of a model, organized in scopes.
//
// Variables are materialized eagerly: they get their value from the Loader (e.g. a checkpoint) or from the
// initializer as soon as they are created. Graphs feed the variables as parameters with Variable.ValueGraph,
// and Context.AccumulateGradients collects the gradients back into the variables after graph.Backward.
//
// A Context can be frozen (see Context.Freeze), which makes all its variables read-only: that is how the
// teacher model of a distillation is held.
package context

import (
	"fmt"
	"iter"
	"math/rand/v2"
	"reflect"
	"strings"

	"github.com/gomlx/distill/internal/scoped"
	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/gomlx/distill/pkg/core/shapes"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Context organizes hyperparameters and variables in a hierarchy of scopes.
//
// It is a reference to the shared data: methods like In, Reuse or WithInitializer return a new reference
// (with a different scope or configuration), but all references share the same variables and parameters.
type Context struct {
	// scope for currently created variables and registration.
	scope string

	// reuse of variables is allowed.
	reuse bool

	// checked access to variables: whether to check for reuse or uniqueness.
	checked bool

	// initializer is used to initialize variable values for a given shape.
	initializer VariableInitializer

	data *contextData
}

// contextData is the data shared among all references of a Context.
type contextData struct {
	params *scoped.Params

	// variablesMap for this context organized per scope.
	variablesMap map[string]scopedVariableMap

	// variables is a plain list of all variables, in creation order.
	variables []*Variable

	// loader, if set, is called to check whether there is a previous value of the variable to use.
	loader Loader

	// frozen contexts don't accept new variables, and their variables are not trainable.
	frozen bool
}

// scopedVariableMap name to variable within a scope.
type scopedVariableMap map[string]*Variable

// Loader can be implemented by any library providing loading of variables for Context.
// Loader implementations need to provide values on demand -- as a variable is created, it will
// check whether there is a loaded value for it.
type Loader interface {
	// LoadVariable tries to load the variable v pointed by its scope and name.
	// If it's not found, returns false, and initialization continues as usual.
	// Errors can be reported with exceptions.Panicf.
	//
	// It is called at most once for each variable: if a value is loaded owner is transferred and the Loader
	// can "forget" about that variable, it's assumed to be transferred to the context.
	LoadVariable(ctx *Context, scope, name string) (value *tensors.Tensor, found bool)

	// DeleteVariable is called whenever Context.DeleteVariable is called. The deletion should cascade to the
	// loader, otherwise the variable will reappear after deletion.
	DeleteVariable(ctx *Context, scope, name string) error
}

const (
	// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
	ScopeSeparator = "/"

	// RootScope of the scope hierarchy.
	RootScope = ScopeSeparator
)

// New returns an empty context, with the root scope and the default initializer.
//
// By default, the variable initializer is a random uniform noise from [-0.05, 0.05], seeded by
// ParamInitialSeed and the variable name. Set your own with Context.WithInitializer. See available
// initializers in ml/context/initializers.
func New() *Context {
	ctx := &Context{
		scope:   RootScope,
		checked: true,
		data: &contextData{
			params:       scoped.New(ScopeSeparator),
			variablesMap: make(map[string]scopedVariableMap),
		},
	}
	ctx.initializer = defaultInitializer
	return ctx
}

// Clone does a deep copy of the Context: parameters and variable values are cloned, and the new Context
// doesn't share anything with the original one. The frozen state is cloned as well, but not the Loader.
//
// The returned reference has the same scope and configuration (reuse, checked and initializer) as ctx.
func (ctx *Context) Clone() (*Context, error) {
	newCtx := New()
	newCtx.scope, newCtx.reuse, newCtx.checked, newCtx.initializer = ctx.scope, ctx.reuse, ctx.checked, ctx.initializer
	newCtx.data.params = ctx.data.params.Clone()
	for _, v := range ctx.data.variables {
		if _, err := v.CloneToContext(newCtx); err != nil {
			return nil, errors.WithMessagef(err, "failed to clone variable %q", v.ScopeAndName())
		}
	}
	newCtx.data.frozen = ctx.data.frozen
	return newCtx, nil
}

// copy creates a copy of the Context reference, sharing the same data.
func (ctx *Context) copy() *Context {
	ctx2 := &Context{}
	*ctx2 = *ctx
	return ctx2
}

// JoinScope and name into a single string.
func JoinScope(scope, name string) string {
	if strings.HasSuffix(scope, ScopeSeparator) {
		return scope + name
	}
	if scope == "" {
		return name
	}
	return scope + ScopeSeparator + name
}

// SplitScope splits the scope from the name for a combined string, typically created by JoinScope.
// If there is no scope configured, scope is set to "".
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		name = scopeAndName
		return
	}
	separationIdx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[separationIdx+1:]
	if separationIdx == 0 {
		scope = RootScope
	} else {
		scope = scopeAndName[:separationIdx]
	}
	return
}

// Scope returns the full scope path.
//
// Notice that Scope is part of the "reference" component of a Context.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// EscapeScopeName replaces ScopeSeparator in the string and replaces them by "_".
func EscapeScopeName(scopeName string) string {
	return strings.ReplaceAll(scopeName, ScopeSeparator, "_")
}

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/") is
// allowed in scope.
//
// Notice that Scope is part of the "reference" component of a Context.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		exceptions.Panicf("cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		exceptions.Panicf("cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}

	var newScope string
	if ctx.scope == ScopeSeparator {
		newScope = fmt.Sprintf("%s%s", ScopeSeparator, scope)
	} else {
		newScope = fmt.Sprintf("%s%s%s", ctx.scope, ScopeSeparator, scope)
	}
	newCtx := ctx.copy()
	newCtx.scope = newScope
	return newCtx
}

// Inf returns a new reference to the Context with the extra given scope, formatted with fmt.Sprintf.
func (ctx *Context) Inf(format string, args ...any) *Context {
	return ctx.In(fmt.Sprintf(format, args...))
}

// InAbsPath returns a new reference to the Context with the extra given scope. It should start and have each
// element separated by ScopeSeparator. Use RootScope for the root scope.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		exceptions.Panicf("absolute scope path must start with separator %q, instead got %q", ScopeSeparator,
			scopePath)
	}
	newCtx := ctx.copy()
	newCtx.scope = scopePath
	return newCtx
}

// Reuse returns a new reference to the Context set to reuse of variables, if it is not already in reuse
// mode. Otherwise, returns itself.
//
// If checked is false, this setting is irrelevant.
func (ctx *Context) Reuse() *Context {
	ctx2 := ctx.copy()
	ctx2.reuse = true
	return ctx2
}

// Unique returns a new reference to the Context, set to only allow new variables, if it is not already
// in unique mode. This is the default.
func (ctx *Context) Unique() *Context {
	ctx2 := ctx.copy()
	ctx2.reuse = false
	return ctx2
}

// IsReuse returns whether Context is marked for reuse.
func (ctx *Context) IsReuse() bool { return ctx.reuse }

// Checked returns a new reference to the Context, with variable access checking set to the given value.
//
// If checked is true, and Reuse is set, it panics if a variable doesn't exist. If Reuse is not set, it
// panics if the variable already exists.
func (ctx *Context) Checked(checked bool) *Context {
	ctx2 := ctx.copy()
	ctx2.checked = checked
	return ctx2
}

// IsChecked returns whether context is checking reuse rules.
func (ctx *Context) IsChecked() bool { return ctx.checked }

// WithInitializer returns a new reference to the Context, with the initializer set.
func (ctx *Context) WithInitializer(initializer VariableInitializer) *Context {
	if initializer == nil {
		exceptions.Panicf("Context.WithInitializer passed a nil initializer")
	}
	ctx2 := ctx.copy()
	ctx2.initializer = initializer
	return ctx2
}

// GetParam returns the value for the given param key, searching successively from
// the current scope back to the root scope ("/"), in case the key is not found.
//
// E.g: if current scope is "/a/b", it will search for the key in "/a/b" scope, then
// in "/a" and finally in "/", and return the first result found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.Get(ctx.scope, key)
}

// GetParamOr either returns the value for the given param key in the context `ctx`,
// searching successively from the current scope back to the root scope ("/"), or if the
// key is not found, returns the given default value.
//
// It tries to cast the value to the given type. If it fails, it tries to convert the value to the given type
// (so an `int` will be converted to a `float64` transparently). If that also fails, it panics.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	return convertParam[T](key, valueAny)
}

// MustGetParam returns the value for the given param key in the context `ctx`, searching successively from the
// current scope back to the root scope. It panics if the key is not found.
func MustGetParam[T any](ctx *Context, key string) T {
	valueAny, found := ctx.GetParam(key)
	if !found {
		exceptions.Panicf("MustGetParam[%T](ctx, %q): parameter not set", *new(T), key)
	}
	return convertParam[T](key, valueAny)
}

// convertParam casts or converts valueAny to T, or panics.
func convertParam[T any](key string, valueAny any) T {
	value, ok := valueAny.(T)
	if ok {
		return value
	}

	// Strings can be parsed into types implementing TextUnmarshaler, like enums.
	if s, isStr := valueAny.(string); isStr {
		if _, isUnmarshaler := any(&value).(interface{ UnmarshalText([]byte) error }); isUnmarshaler {
			err := any(&value).(interface{ UnmarshalText([]byte) error }).UnmarshalText([]byte(s))
			if err != nil {
				exceptions.Panicf("failed to parse param %q value %q as %T: %v", key, s, value, err)
			}
			return value
		}
	}

	// Try converting, for instance int to float64.
	valueOf := reflect.ValueOf(valueAny)
	targetType := reflect.TypeOf(value)
	if targetType != nil && valueOf.CanConvert(targetType) {
		return valueOf.Convert(targetType).Interface().(T)
	}

	// []any of the right types, as read from JSON.
	if valueOf.Kind() == reflect.Slice && targetType != nil && targetType.Kind() == reflect.Slice {
		elemType := targetType.Elem()
		converted := reflect.MakeSlice(targetType, valueOf.Len(), valueOf.Len())
		for ii := range valueOf.Len() {
			elem := reflect.ValueOf(valueOf.Index(ii).Interface())
			if !elem.IsValid() || !elem.CanConvert(elemType) {
				exceptions.Panicf("failed to convert param %q element #%d (%v) to %s", key, ii, elem, elemType)
			}
			converted.Index(ii).Set(elem.Convert(elemType))
		}
		return converted.Interface().(T)
	}
	exceptions.Panicf("failed to convert param %q value %v (%T) to %T", key, valueAny, valueAny, value)
	panic(nil) // Not reached.
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes (but not by other scopes).
//
// Notice that parameters' information is stored in the "data" component of Context objects, and is shared
// among all connected context references.
func (ctx *Context) SetParam(key string, value any) {
	ctx.data.params.Set(ctx.scope, key, value)
}

// SetParams sets a collection of parameters in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes (but not by other scopes).
func (ctx *Context) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		ctx.data.params.Set(ctx.scope, key, value)
	}
}

// DeleteParam removes the param set in the current scope, if set, and returns whether it was set.
func (ctx *Context) DeleteParam(key string) bool {
	return ctx.data.params.Delete(ctx.scope, key)
}

// EnumerateParams enumerates all parameters for all scopes calls fn with their values, sorted by scope and key.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.Enumerate(fn)
}

// Freeze makes the context read-only: all its variables are marked as non-trainable, their values can no
// longer be changed, and no new variables can be created.
//
// A frozen context can still be used by any number of graphs concurrently.
func (ctx *Context) Freeze() {
	for _, v := range ctx.data.variables {
		v.Trainable = false
		v.grad = nil
	}
	ctx.data.frozen = true
}

// IsFrozen returns whether Freeze was called on the context.
func (ctx *Context) IsFrozen() bool {
	return ctx.data.frozen
}

// GetVariableByScopeAndName returns the variable with the given name for the given scope. If not found
// in the context it tries the Loader. Returns nil if the variable is not found.
func (ctx *Context) GetVariableByScopeAndName(scope, name string) *Variable {
	scopeVars, ok := ctx.data.variablesMap[scope]
	if ok {
		if v, found := scopeVars[name]; found {
			return v
		}
	}
	if ctx.data.loader == nil || ctx.data.frozen {
		return nil
	}
	value, found := ctx.data.loader.LoadVariable(ctx, scope, name)
	if !found {
		return nil
	}
	v := &Variable{
		ctx:       ctx,
		name:      name,
		scope:     scope,
		shape:     value.Shape(),
		value:     value,
		Trainable: value.DType().IsFloat(),
	}
	ctx.InAbsPath(scope).setVariableInScope(name, v)
	return v
}

// GetVariable returns the variable in the current scope (or loaded by the Loader), or nil if not found.
func (ctx *Context) GetVariable(name string) *Variable {
	return ctx.GetVariableByScopeAndName(ctx.scope, name)
}

// InspectVariableIfLoaded returns the variable if it exists already, but it won't try to load it with
// the Loader.
func (ctx *Context) InspectVariableIfLoaded(scope, name string) *Variable {
	scopeVars, ok := ctx.data.variablesMap[scope]
	if !ok {
		return nil
	}
	return scopeVars[name]
}

// setVariableInScope registers the variable in the current scope and in the list of variables.
func (ctx *Context) setVariableInScope(name string, v *Variable) {
	vSet, found := ctx.data.variablesMap[ctx.scope]
	if !found {
		vSet = make(scopedVariableMap)
		ctx.data.variablesMap[ctx.scope] = vSet
	}
	if _, found := vSet[name]; !found {
		ctx.data.variables = append(ctx.data.variables, v)
	} else {
		for ii, previous := range ctx.data.variables {
			if previous.scope == v.scope && previous.name == name {
				ctx.data.variables[ii] = v
				break
			}
		}
	}
	vSet[name] = v
}

// DeleteVariable from the context, in the given scope. The deletion cascades to the Loader.
// It's a no-op if the variable doesn't exist.
func (ctx *Context) DeleteVariable(scope, name string) error {
	if ctx.data.frozen {
		return errors.Errorf("cannot delete variable %q in scope %q of a frozen context", name, scope)
	}
	if ctx.data.loader != nil {
		if err := ctx.data.loader.DeleteVariable(ctx, scope, name); err != nil {
			return errors.WithMessagef(err, "failed to delete variable %q in scope %q from loader", name, scope)
		}
	}
	scopeVars, ok := ctx.data.variablesMap[scope]
	if !ok {
		return nil
	}
	if _, found := scopeVars[name]; !found {
		return nil
	}
	delete(scopeVars, name)
	if len(scopeVars) == 0 {
		delete(ctx.data.variablesMap, scope)
	}
	for ii, v := range ctx.data.variables {
		if v.scope == scope && v.name == name {
			ctx.data.variables = append(ctx.data.variables[:ii], ctx.data.variables[ii+1:]...)
			break
		}
	}
	return nil
}

// VariableWithShape creates or returns an existing variable with the given shape in the current scope.
// New variables are initialized immediately, unless the Loader has a value for them.
// By default, variables are marked as trainable.
//
// If Context is set with Context.Checked(true), this may panic if:
//
//   - Context.Unique() and variable already exists (or was loaded);
//   - Context.Reuse() and variable didn't exist (or was not loaded);
//
// It also panics if the existing (or loaded) variable has a different shape, or if the context is frozen
// and the variable doesn't exist.
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape) *Variable {
	v := ctx.GetVariable(name)
	if v == nil && ctx.checked && ctx.reuse {
		exceptions.Panicf("requested variable %q in scope %q with Context.Reuse set, but variable does not exist",
			name, ctx.scope)
	}
	if v != nil && ctx.checked && !ctx.reuse {
		exceptions.Panicf("variable %q for scope %q already exists -- if this was deliberate, use Context.Reuse() "+
			"or Context.Checked(false)", name, ctx.scope)
	}

	if v != nil {
		if !shape.EqualDimensions(v.shape) {
			exceptions.Panicf("requested to reuse variable %q in scope %q, but with different shape from "+
				"original: previous shape=%s, requested shape=%s", name, ctx.scope, v.shape, shape)
		}
		return v
	}
	if ctx.data.frozen {
		exceptions.Panicf("cannot create variable %q in scope %q: context is frozen", name, ctx.scope)
	}

	v = &Variable{
		ctx:       ctx,
		name:      name,
		scope:     ctx.scope,
		shape:     shape,
		Trainable: true,
	}
	v.value = ctx.initializer(ctx.variableRNG(v.ParameterName()), shape)
	if !v.value.Shape().Equal(shape) {
		exceptions.Panicf("initializer for variable %q in scope %q returned shape %s, wanted %s",
			name, ctx.scope, v.value.Shape(), shape)
	}
	ctx.setVariableInScope(name, v)
	return v
}

// VariableWithValue creates a variable that is initialized with the given value in the current scope.
// By default, variables are marked as trainable. The value given must be concrete, that is, a tensor
// or a normal Go value that can be converted to a tensor.
//
// The same checks as in VariableWithShape apply. If the variable was loaded, the loaded value is kept,
// as long as it has the same shape.
func (ctx *Context) VariableWithValue(name string, defaultValue any) *Variable {
	var valueT *tensors.Tensor
	switch typed := defaultValue.(type) {
	case *tensors.Tensor:
		valueT = typed.Clone()
	default:
		var err error
		valueT, err = tensors.FromAnyValue(defaultValue)
		if err != nil {
			panic(errors.WithMessagef(err, "failed to parse defaultValue %v for variable %q in scope %q",
				defaultValue, name, ctx.scope))
		}
	}
	constCtx := ctx.WithInitializer(func(_ *rand.Rand, _ shapes.Shape) *tensors.Tensor { return valueT })
	return constCtx.VariableWithShape(name, valueT.Shape())
}

// EnumerateVariables will call fn for each variable in the context, in order of creation.
func (ctx *Context) EnumerateVariables(fn func(v *Variable)) {
	for _, v := range ctx.data.variables {
		fn(v)
	}
}

// IterVariables returns an iterator that yields each variable in the context, in order of creation.
func (ctx *Context) IterVariables() iter.Seq[*Variable] {
	return func(yield func(*Variable) bool) {
		for _, v := range ctx.data.variables {
			if !yield(v) {
				return
			}
		}
	}
}

// IterVariablesInScope is similar to IterVariables, but enumerate only those under the current
// context scope.
func (ctx *Context) IterVariablesInScope() iter.Seq[*Variable] {
	baseScope := ctx.Scope()
	return func(yield func(*Variable) bool) {
		baseScopeWithSeparator := baseScope + ScopeSeparator
		if baseScope == RootScope {
			baseScopeWithSeparator = baseScope
		}
		for _, v := range ctx.data.variables {
			if v.Scope() == baseScope || strings.HasPrefix(v.Scope(), baseScopeWithSeparator) {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// TrainableVariables returns the trainable variables, in order of creation.
// This order is the same for every replica that builds the same model, and is used to flatten gradients.
func (ctx *Context) TrainableVariables() []*Variable {
	var vars []*Variable
	for _, v := range ctx.data.variables {
		if v.Trainable {
			vars = append(vars, v)
		}
	}
	return vars
}

// NumVariables return the number of variables in this Context.
func (ctx *Context) NumVariables() int {
	return len(ctx.data.variables)
}

// NumParameters returns the summed-up number of all variables.
// It ignores the `DType`, so a `float64` will count as much as a `float16`.
func (ctx *Context) NumParameters() int {
	total := 0
	ctx.EnumerateVariables(func(v *Variable) {
		total += v.Shape().Size()
	})
	return total
}

// Memory returns the total number of bytes summed across all variables.
// It does not include associated pointers and structures, just the bytes used by the raw data.
func (ctx *Context) Memory() uintptr {
	total := uintptr(0)
	ctx.EnumerateVariables(func(v *Variable) {
		total += v.Shape().Memory()
	})
	return total
}

// Loader returns the current configured Loader for this context.
func (ctx *Context) Loader() Loader {
	return ctx.data.loader
}

// SetLoader configures loader to be used as the default Loader for this Context.
//
// Loader is used just when a new variable is created, either with VariableWithValue or VariableWithShape.
// If the Loader has a value of the variable created, it will override the value given in VariableWithValue,
// or skip the initializer for VariableWithShape.
func (ctx *Context) SetLoader(loader Loader) {
	ctx.data.loader = loader
}

// AccumulateGradients adds the gradients of the trainable variables used in g (see Variable.ValueGraph)
// to their gradient accumulators. It should be called after g.Backward.
//
// Gradients are accumulated in float64: see Variable.Gradient and Context.ZeroGradients.
func (ctx *Context) AccumulateGradients(g *graph.Graph) {
	for _, v := range ctx.data.variables {
		if !v.Trainable {
			continue
		}
		node, found := g.ParameterNode(v.ParameterName())
		if !found {
			continue
		}
		nodeGrad := node.Gradient()
		if nodeGrad == nil {
			continue
		}
		if v.grad == nil {
			v.grad = make([]float64, v.shape.Size())
		}
		for ii, gv := range nodeGrad {
			v.grad[ii] += float64(gv)
		}
	}
}

// ZeroGradients resets the gradient accumulators of all variables.
func (ctx *Context) ZeroGradients() {
	for _, v := range ctx.data.variables {
		clear(v.grad)
	}
}
