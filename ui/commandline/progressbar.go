// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distill/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the maximum time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the loop hooks of the progress bar.
const ProgressBarName = "distill.ui.commandline.progressBar"

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progressbar being displayed, and the table of metrics printed above it.
type progressBar struct {
	out              io.Writer
	lastStepReported int
	bar              *progressbar.ProgressBar

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	numLines      int

	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount       int
	step         string
	stepDuration time.Duration
	metrics      []string
}

func (pBar *progressBar) onStart(loop *train.Loop) error {
	pBar.lastStepReported = loop.LoopStep
	pBar.isFirstOutput = true
	pBar.bar = progressbar.NewOptions(loop.EndStep-loop.StartStep,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked by the terminal.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(loop)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics []float64) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	update := progressBarUpdate{
		amount: amount,
		step: fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.LoopStep+1)),
			humanize.Comma(int64(loop.EndStep))),
		stepDuration: loop.MedianTrainStepDuration(),
	}
	for metricIdx, metric := range loop.Trainer.TrainMetrics() {
		update.metrics = append(update.metrics, metric.PrettyPrint(metrics[metricIdx]))
	}
	pBar.updates <- update
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

// drawUpdates asynchronously, merging the ones queued while the terminal was busy.
func (pBar *progressBar) drawUpdates(loop *train.Loop) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Global Step", update.step)
		pBar.statsTable.Row("Median train step duration", FormatDuration(update.stepDuration))
		for metricIdx, metric := range loop.Trainer.TrainMetrics() {
			pBar.statsTable.Row(metric.Name(), update.metrics[metricIdx])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Move the cursor back over the previous table, so it is overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLines)
		}
		pBar.isFirstOutput = false
		table := pBar.statsStyle.Render(pBar.statsTable.String())
		pBar.numLines = lipgloss.Height(table) + 2
		_, _ = fmt.Fprintln(pBar.out, table)
		_ = pBar.bar.Add(amount) // Prints the progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []float64) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// every time Loop is run, it will display a progress bar with progression and metrics.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(loop, os.Stdout, extraMetrics...)
}

func attachProgressBar(loop *train.Loop, out io.Writer, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            out,
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable:     newTable(),
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at most 1000 times during the loop, and at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
