// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// listVariables writes the variables under scope, with their shape and, for float variables, the mean
// absolute value (MAV), root-mean-square (RMS) and max absolute value (MaxAV). Scalars show their value.
func listVariables(w io.Writer, ctx *context.Context, scope string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Variables in scope %q", scope)))
	table := newPlainTable()
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
		shape := v.Shape()
		var mav, rms, maxAV string
		values := v.Value().Float64s()
		switch {
		case shape.Size() == 1:
			mav = fmt.Sprintf("%8g", values[0])
		case shape.DType.IsFloat() && len(values) > 0:
			n := float64(len(values))
			mav = fmt.Sprintf("%.3g", floats.Norm(values, 1)/n)
			rms = fmt.Sprintf("%.3g", floats.Norm(values, 2)/math.Sqrt(n))
			maxAV = fmt.Sprintf("%.3g", floats.Norm(values, math.Inf(1)))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		return cmp.Or(strings.Compare(a[0], b[0]), strings.Compare(a[1], b[1]))
	})
	for _, row := range rows {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// deleteVars removes the variables under the given scopes from the latest checkpoint in checkpointDir, and saves
// a new checkpoint if any was deleted. E.g.: deleting "/optimizers" before using a student as a teacher.
//
// It returns the number of variables deleted.
func deleteVars(checkpointDir string, scopes ...string) (int, error) {
	ctx := context.New()
	handler, err := checkpoints.Load(ctx).Dir(checkpointDir).Keep(-1).Immediate().Done()
	if err != nil {
		return 0, err
	}
	var toDelete []*context.Variable
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		scopePrefix := scope + context.ScopeSeparator
		for v := range ctx.IterVariables() {
			if v.Scope() == scope || strings.HasPrefix(v.Scope(), scopePrefix) {
				toDelete = append(toDelete, v)
			}
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	for _, v := range toDelete {
		if err = ctx.DeleteVariable(v.Scope(), v.Name()); err != nil {
			return 0, errors.WithMessagef(err, "failed to delete variable %q", v.ScopeAndName())
		}
	}
	if err = handler.Save(); err != nil {
		return 0, err
	}
	return len(toDelete), nil
}
