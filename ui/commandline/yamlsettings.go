// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/support/fsutil"
	"github.com/gomlx/distill/pkg/support/xslices"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadSettingsFile sets the hyperparameters from a YAML file, and returns the paths of the parameters set, like
// ParseContextSettings. Nested mappings are scopes, and lists are given for list parameters:
//
//	batch_size: 16
//	kl_coef: 0.05
//	teacher:
//	  model_hidden_dim: 256
//
// As with ParseContextSettings, all parameters must have a default value in the root scope of ctx.
func LoadSettingsFile(ctx *context.Context, filePath string) ([]string, error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings file %q", filePath)
	}
	var settings map[string]any
	if err = yaml.Unmarshal(contents, &settings); err != nil {
		return nil, errors.Wrapf(err, "failed to parse YAML settings file %q", filePath)
	}
	paramsSet, err := setYAMLSettings(ctx, "", settings, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "in settings file %q", filePath)
	}
	return paramsSet, nil
}

func setYAMLSettings(ctx *context.Context, scope string, settings map[string]any, paramsSet []string) ([]string, error) {
	var err error
	for _, key := range xslices.SortedKeys(settings) {
		paramPath := key
		if scope != "" {
			paramPath = scope + context.ScopeSeparator + key
		}
		switch value := settings[key].(type) {
		case map[string]any:
			if paramsSet, err = setYAMLSettings(ctx, paramPath, value, paramsSet); err != nil {
				return nil, err
			}
			continue
		case nil:
			err = setParamFromString(ctx, paramPath, "")
		case []any:
			err = setParamFromString(ctx, paramPath, strings.Join(xslices.Map(value, func(e any) string {
				return fmt.Sprint(e)
			}), ","))
		default:
			err = setParamFromString(ctx, paramPath, fmt.Sprint(value))
		}
		if err != nil {
			return nil, err
		}
		paramsSet = append(paramsSet, paramPath)
	}
	return paramsSet, nil
}
