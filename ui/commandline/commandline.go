// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for running distillations from the command line.
package commandline

import (
	"fmt"
	"io"
	"math"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distill/pkg/distill"
	"github.com/gomlx/distill/pkg/ml/models"
)

// newTable returns a lipgloss table in the style of the progress bar.
func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

func formatMetric(value float64) string {
	if math.IsNaN(value) {
		return "-"
	}
	return fmt.Sprintf("%.4g", value)
}

// ReportEval writes a table with the evaluation results to w.
func ReportEval(w io.Writer, result *distill.EvalResult) error {
	table := newTable().
		Row("Global Step", humanize.Comma(int64(result.Step))).
		Row("Prompts", humanize.Comma(int64(result.NumPrompts))).
		Row("Reward", fmt.Sprintf("%s ± %s", formatMetric(result.RewardMean),
			formatMetric(math.Sqrt(result.RewardVariance)))).
		Row("KL", formatMetric(result.KLMean)).
		Row("Length", formatMetric(result.MeanLength)).
		Row("Truncated", humanize.Comma(int64(result.NumTruncated)))
	if !math.IsNaN(result.LMLoss) {
		table.Row("LM Loss", formatMetric(result.LMLoss))
	}
	_, err := fmt.Fprintln(w, table.String())
	return err
}

// ReportModel writes the number of parameters and the memory used by the model variables to w.
func ReportModel(w io.Writer, name string, model models.CausalLanguageModel) error {
	var numParams int
	var memory uint64
	for v := range model.Context().IterVariablesInScope() {
		numParams += v.Shape().Size()
		memory += uint64(v.Shape().Memory())
	}
	state := "trainable"
	if model.IsFrozen() {
		state = "frozen"
	}
	_, err := fmt.Fprintf(w, "%s: %s model (%s), %s parameters using %s, vocabulary of %s tokens\n",
		name, model.Family(), state, humanize.Comma(int64(numParams)), humanize.Bytes(memory),
		humanize.Comma(int64(model.VocabSize())))
	return err
}
