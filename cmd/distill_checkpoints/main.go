// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// distill_checkpoints inspects the checkpoints of distillation runs: the hyperparameters, the student (or
// teacher) variables and the metrics history recorded in the run log.
//
// Several checkpoint directories can be given, in which case they are compared side by side, and the
// hyperparameters that differ are highlighted. E.g.:
//
//	distill_checkpoints -summary -params -metrics -metrics_names="Reward|KL" ~/work/distill/run1 ~/work/distill/run2
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/gomlx/distill/pkg/distill"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/context/checkpoints"
	"github.com/gomlx/distill/pkg/ml/train/runlog"
	"github.com/gomlx/distill/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/"+distill.StudentScope,
		"The scope of the variables considered in -summary and -vars. Use \"/\" for all variables, "+
			"including the optimizer state.")

	flagSummary = flag.Bool("summary", false, "Display a summary of the model sizes and the global step.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the variables under -scope.")

	flagMetrics      = flag.Bool("metrics", false, "Lists the metrics recorded in the run log of the checkpoints.")
	flagMetricsKind  = flag.String("metrics_kind", runlog.KindTrain, "Kind of metrics to list: \"train\" or \"eval\".")
	flagMetricsNames = flag.String("metrics_names", "",
		"Regular expression that selects the metrics listed by name. If empty, all metrics are listed.")

	flagPlot = flag.String("plot", "",
		"File where to save a plot of the metrics selected by -metrics_kind and -metrics_names, e.g. \"metrics.png\". "+
			"The format is given by the extension: png, svg, pdf, ...")

	flagMean = flag.Int("mean", 1,
		"Loads the mean of the trainable variables of the last -mean checkpoints of each directory, as used by "+
			"-summary and -vars. If <= 0, the mean of all the checkpoints kept is taken.")

	flagRunLog = flag.String("runlog", runlog.DefaultFileName, "Name of the run log database in the checkpoint directory.")

	flagDeleteVars = flag.String("delete_vars", "",
		"Comma-separated list of scopes whose variables are deleted, and a new checkpoint saved. "+
			"E.g.: \"/optimizers\" removes the optimizer state.")
)

func main() {
	flag.Parse()
	if err := run(os.Stdout, flag.Args()); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func run(w io.Writer, args []string) error {
	if len(args) == 0 {
		return errors.New("missing checkpoint directory to read from, see \"distill_checkpoints -help\"")
	}
	checkpointDirs := make([]string, len(args))
	for ii, arg := range args {
		checkpointDirs[ii] = fsutil.MustReplaceTildeInDir(arg)
	}

	if *flagDeleteVars != "" {
		for _, dir := range checkpointDirs {
			count, err := deleteVars(dir, strings.Split(*flagDeleteVars, ",")...)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "%d variables deleted from %q under scopes %q\n", count, dir, *flagDeleteVars)
		}
	}

	ctxs := make([]*context.Context, len(checkpointDirs))
	for ii, dir := range checkpointDirs {
		ctxs[ii] = context.New()
		if _, err := checkpoints.Load(ctxs[ii]).Dir(dir).TakeMean(*flagMean).Immediate().Done(); err != nil {
			return errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
		}
	}
	names := minimalUniquePaths(checkpointDirs...)

	if *flagSummary {
		summary(w, ctxs, names, *flagScope)
	}
	if *flagParams {
		params(w, ctxs, names)
	}
	if *flagVars {
		for ii, ctx := range ctxs {
			if len(ctxs) > 1 {
				_, _ = fmt.Fprintf(w, "\n%s:\n", names[ii])
			}
			listVariables(w, ctx, *flagScope)
		}
	}
	if !*flagMetrics && *flagPlot == "" {
		return nil
	}
	var matcher *regexp.Regexp
	if *flagMetricsNames != "" {
		var err error
		if matcher, err = regexp.Compile(*flagMetricsNames); err != nil {
			return errors.Wrapf(err, "invalid -metrics_names=%q", *flagMetricsNames)
		}
	}
	history, err := loadMetrics(checkpointDirs, names, ctxs, *flagRunLog, *flagMetricsKind, matcher)
	if err != nil {
		return err
	}
	if *flagMetrics {
		history.writeTable(w)
	}
	if *flagPlot != "" {
		if err = history.savePlot(fsutil.MustReplaceTildeInDir(*flagPlot)); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "Plot saved to %q\n", *flagPlot)
	}
	return nil
}
