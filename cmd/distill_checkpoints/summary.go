// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/train/optimizers"
	"github.com/gomlx/distill/pkg/ml/train/runlog"
)

// summary writes the global step, run id and sizes of the variables under scope of each checkpoint.
func summary(w io.Writer, ctxs []*context.Context, names []string, scope string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row(append([]string{"checkpoint"}, names...)...)

	newRow := func(title string) []string {
		row := make([]string, len(ctxs)+1)
		row[0] = title
		return row
	}
	scopeRow, stepRow, runRow := newRow("scope"), newRow("global_step"), newRow("run_id")
	varsRow, paramsRow, memoryRow := newRow("# variables"), newRow("# parameters"), newRow("# bytes")
	for ii, ctx := range ctxs {
		scopeRow[ii+1] = scope
		if v := ctx.InspectVariableIfLoaded(context.RootScope, optimizers.GlobalStepVariableName); v != nil {
			stepRow[ii+1] = humanize.Comma(tensors.ToScalar[int64](v.Value()))
		}
		runRow[ii+1] = context.GetParamOr(ctx, runlog.ParamRunID, "")

		var numVars, numParams int
		var memory uintptr
		for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
			numVars++
			numParams += v.Shape().Size()
			memory += v.Shape().Memory()
		}
		varsRow[ii+1] = humanize.Comma(int64(numVars))
		paramsRow[ii+1] = humanize.Comma(int64(numParams))
		memoryRow[ii+1] = humanize.Bytes(uint64(memory))
	}
	for _, row := range [][]string{scopeRow, stepRow, runRow, varsRow, paramsRow, memoryRow} {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}
