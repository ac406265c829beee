// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// tableWithReds is a table where selected rows are highlighted, e.g. values that differ across checkpoints.
type tableWithReds struct {
	Table *lgtable.Table
	Count int
	Reds  map[int]bool
}

// Row adds a row, highlighted if isRed.
func (t *tableWithReds) Row(isRed bool, row ...string) {
	if isRed {
		t.Reds[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return newTableWithReds(alignments...).Table
}

func newTableWithReds(alignments ...lipgloss.Position) *tableWithReds {
	t := &tableWithReds{Reds: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.Reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

func isAllEqual[E comparable](s []E) bool {
	for ii := 1; ii < len(s); ii++ {
		if s[ii] != s[0] {
			return false
		}
	}
	return true
}
