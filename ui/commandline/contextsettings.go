// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParseContextSettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "batch_size=16;kl_coef=0.05;...".
//
// All the parameters must be already set with default values in the root scope of ctx: the default values are
// used to set the type to which the string values are parsed to. It returns the paths of the parameters set, or
// an error if a parameter is unknown or the parsing failed.
//
// A scope can be given for a parameter: "teacher/model_hidden_dim=256" (or "/teacher/model_hidden_dim=256") sets
// "model_hidden_dim" in the "/teacher" scope, as long as a default "model_hidden_dim" is defined in ctx.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// An entry "file:<path>" reads the settings from a file, one or more per line. Lines starting with "#" are
// comments. See also LoadSettingsFile for YAML files.
//
// Example usage:
//
//	func main() {
//		ctx := distill.CreateDefaultContext()
//		settings := commandline.CreateContextSettingsFlag(ctx, "")
//		flag.Parse()
//		paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
//		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
//		...
//	}
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		if paramsSet, err = parseContextSetting(ctx, setting, paramsSet); err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath = fsutil.MustReplaceTildeInDir(filePath)
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				if paramsSet, err = parseContextSetting(ctx, lineSetting, paramsSet); err != nil {
					return nil, errors.WithMessagef(err, "in settings file %q", filePath)
				}
			}
		}
		return paramsSet, nil
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return nil, errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"",
			setting)
	}
	if err := setParamFromString(ctx, paramPath, valueStr); err != nil {
		return nil, err
	}
	return append(paramsSet, paramPath), nil
}

// setParamFromString parses valueStr to the type of the default value of the parameter, and sets it in the
// scope given in paramPath.
func setParamFromString(ctx *context.Context, paramPath, valueStr string) error {
	paramScope, paramName := context.SplitScope(paramPath)
	if paramScope == "" && strings.Contains(paramName, context.ScopeSeparator) {
		// Relative scope, e.g. "teacher/model_hidden_dim".
		paramScope, paramName = context.SplitScope(context.ScopeSeparator + paramPath)
	}
	defaultValue, found := ctx.InAbsPath(context.RootScope).GetParam(paramName)
	if !found {
		return errors.Errorf("can't set parameter %q because the param %q is not known in the root context",
			paramPath, paramName)
	}
	value, err := parseValue(defaultValue, strings.TrimSpace(valueStr))
	if err != nil {
		return errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	scopeCtx := ctx.InAbsPath(context.RootScope)
	if paramScope != "" && paramScope != context.RootScope {
		scopeCtx = scopeCtx.InAbsPath(paramScope)
	}
	scopeCtx.SetParam(paramName, value)
	return nil
}

// parseJSON parses a number or a boolean.
func parseJSON[T any](valueStr string, isInteger bool) (T, error) {
	var v T
	if isInteger {
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	}
	err := json.Unmarshal([]byte(valueStr), &v)
	return v, errors.Wrapf(err, "parsing %q as %T", valueStr, v)
}

// parseList parses a comma separated list of numbers.
func parseList[T any](valueStr string, isInteger bool) ([]T, error) {
	if valueStr == "" {
		return []T{}, nil
	}
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		v, err := parseJSON[T](strings.TrimSpace(part), isInteger)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// parseValue parses valueStr to the same type as defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return parseJSON[int](valueStr, true)
	case int32:
		return parseJSON[int32](valueStr, true)
	case int64:
		return parseJSON[int64](valueStr, true)
	case uint:
		return parseJSON[uint](valueStr, true)
	case uint32:
		return parseJSON[uint32](valueStr, true)
	case uint64:
		return parseJSON[uint64](valueStr, true)
	case float64:
		return parseJSON[float64](valueStr, false)
	case float32:
		return parseJSON[float32](valueStr, false)
	case bool:
		return parseJSON[bool](valueStr, false)
	case string:
		return valueStr, nil
	case []string:
		if valueStr == "" {
			return []string{}, nil
		}
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList[int](valueStr, true)
	case []float64:
		return parseList[float64](valueStr, false)
	}
	return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
}

// CreateContextSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") and with a description of the currently defined parameters in ctx.
//
// The flag should be created before the call to flag.Parse(). See ParseContextSettings.
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{fmt.Sprintf(
		`Set hyperparameters of the distillation. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, using %q to separate scopes (e.g. "teacher/model_hidden_dim=128"). `+
			`An entry "file:<path>" reads the settings from a file, with new lines working as ";" `+
			`and lines starting with "#" as comments. `+
			`Available parameters:`,
		context.ScopeSeparator)}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintContextSettings pretty-prints all the hyperparameters.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			scope = ""
		}
		parts = append(parts, fmt.Sprintf("\t\"%s/%s\": (%T) %v", scope, key, value, value))
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedContextSettings pretty-prints the hyperparameters in paramsSet, as returned by
// ParseContextSettings or LoadSettingsFile.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	var parts []string
	for _, paramPath := range paramsSet {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			if strings.Contains(paramName, context.ScopeSeparator) {
				paramScope, paramName = context.SplitScope(context.ScopeSeparator + paramPath)
			} else {
				paramScope = context.RootScope
			}
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}

// ParamPaths returns the paramsSet (as returned by ParseContextSettings) with relative scopes made absolute and
// duplicates removed. They are usually excluded from being restored from a checkpoint (see
// checkpoints.Config.ExcludeParams), since the user set them explicitly.
func ParamPaths(paramsSet []string) []string {
	paths := make([]string, 0, len(paramsSet))
	for _, paramPath := range paramsSet {
		if !strings.HasPrefix(paramPath, context.ScopeSeparator) && strings.Contains(paramPath, context.ScopeSeparator) {
			paramPath = context.ScopeSeparator + paramPath
		}
		paths = append(paths, paramPath)
	}
	slices.Sort(paths)
	return slices.Compact(paths)
}
