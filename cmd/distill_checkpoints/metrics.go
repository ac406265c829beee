// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/train/runlog"
	"github.com/gomlx/distill/pkg/support/fsutil"
	"github.com/gomlx/distill/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// metricsHistory holds the values of the metrics selected, indexed by global step and then by column name.
type metricsHistory struct {
	kind    string
	columns []string
	byStep  map[int64]map[string]float64
}

// loadMetrics reads the history of the metrics of the given kind (runlog.KindTrain or runlog.KindEval) of each
// checkpoint. There is one column per metric and checkpoint.
//
// The metrics are read from the run log database runLogName in each checkpoint directory, for the run id
// saved in the checkpoint. Only the metrics whose names match namesMatcher are included, if it is not nil.
func loadMetrics(checkpointDirs, names []string, ctxs []*context.Context, runLogName, kind string,
	namesMatcher *regexp.Regexp) (*metricsHistory, error) {
	history := &metricsHistory{kind: kind, byStep: make(map[int64]map[string]float64)}
	for ii, dir := range checkpointDirs {
		runID := context.GetParamOr(ctxs[ii], runlog.ParamRunID, "")
		if runID == "" {
			klog.Warningf("Checkpoint %q has no run id, skipping its metrics", dir)
			continue
		}
		dbPath := filepath.Join(dir, runLogName)
		exists, err := fsutil.FileExists(dbPath)
		if err != nil {
			return nil, err
		}
		if !exists {
			klog.Warningf("No run log found in %q, skipping its metrics", dbPath)
			continue
		}
		err = func() error {
			log, err := runlog.Open(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Close() }()
			if err = log.SelectRun(runID); err != nil {
				return err
			}
			metricNames, err := log.MetricNames(kind)
			if err != nil {
				return err
			}
			for _, metricName := range metricNames {
				if namesMatcher != nil && !namesMatcher.MatchString(metricName) {
					continue
				}
				column := metricName
				if len(checkpointDirs) > 1 {
					column = fmt.Sprintf("%s: %s", names[ii], metricName)
				}
				history.columns = append(history.columns, column)
				points, err := log.History(kind, metricName)
				if err != nil {
					return err
				}
				for _, point := range points {
					if history.byStep[point.Step] == nil {
						history.byStep[point.Step] = make(map[string]float64)
					}
					history.byStep[point.Step][column] = point.Value
				}
			}
			return nil
		}()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read metrics of checkpoint %q", dir)
		}
	}
	return history, nil
}

// writeTable writes one row per global step, one column per metric.
func (h *metricsHistory) writeTable(w io.Writer) {
	if len(h.columns) == 0 {
		klog.Errorf("No %s metrics found", h.kind)
		return
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Metrics (%s)", h.kind)))
	table := newPlainTable(lipgloss.Right)
	table.Headers(append([]string{"Global Step"}, h.columns...)...)
	for _, step := range xslices.SortedKeys(h.byStep) {
		row := make([]string, 1+len(h.columns))
		row[0] = humanize.Comma(step)
		for colIdx, column := range h.columns {
			if value, found := h.byStep[step][column]; found {
				row[colIdx+1] = fmt.Sprintf("%.4g", value)
			}
		}
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// savePlot saves a plot with one line per column to filePath. The format is given by the file extension
// (".png", ".svg", ".pdf", ...).
func (h *metricsHistory) savePlot(filePath string) error {
	if len(h.columns) == 0 {
		return errors.Errorf("no %s metrics to plot", h.kind)
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Distillation metrics (%s)", h.kind)
	p.X.Label.Text = "global step"
	p.Legend.Top = true
	steps := xslices.SortedKeys(h.byStep)
	for colIdx, column := range h.columns {
		var xys plotter.XYs
		for _, step := range steps {
			if value, found := h.byStep[step][column]; found {
				xys = append(xys, plotter.XY{X: float64(step), Y: value})
			}
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "failed to plot metric %q", column)
		}
		line.Color = plotutil.Color(colIdx)
		line.Dashes = plotutil.Dashes(colIdx / len(plotutil.DefaultColors))
		p.Add(line)
		p.Legend.Add(column, line)
	}
	p.Add(plotter.NewGrid())
	return errors.Wrapf(p.Save(12*vg.Inch, 6*vg.Inch, filePath), "failed to save plot to %q", filePath)
}
