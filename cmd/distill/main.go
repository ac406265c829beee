// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// distill trains a student language model by on-policy distillation from a frozen teacher.
//
// The hyperparameters are set with -config (a YAML file) and -set (a list of "param=value" separated by ";"),
// see "distill -help" for the full list. E.g.:
//
//	distill -checkpoint=~/work/distill/run1 -set="prompts_path=prompts.jsonl;teacher_checkpoint=~/work/teacher"
//
// If the checkpoint directory already has checkpoints, training resumes from the latest one. On SIGINT or SIGTERM
// the replicas stop after the current step and a checkpoint is saved.
//
// The exit code is 0 on completion (or interruption), 2 if training diverged, 3 on a tokenizer mismatch
// between student and teacher, 4 on a collective timeout, 5 if generation kept hitting the length cap,
// and 1 for any other failure.
package main

import (
	stdcontext "context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gomlx/distill/pkg/distill"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/train"
	"github.com/gomlx/distill/pkg/ml/train/runlog"
	"github.com/gomlx/distill/pkg/support/fsutil"
	"github.com/gomlx/distill/ui/commandline"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "YAML file with hyperparameters, applied before -set.")

	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to save and load checkpoints from. If left empty, no checkpoints are created.")

	flagRunLog = flag.String("runlog", "",
		"SQLite database where the train and evaluation metrics are recorded. "+
			"Defaults to "+runlog.DefaultFileName+" in the checkpoint directory, if one is given.")

	flagProgressBar = flag.Bool("progress", true, "Display a progress bar with the training metrics.")
)

func main() {
	ctx := distill.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	os.Exit(run(ctx, *settings))
}

// run the distillation and return the exit code.
func run(ctx *context.Context, settings string) int {
	defer klog.Flush()
	var paramsSet []string
	if *flagConfig != "" {
		var err error
		if paramsSet, err = commandline.LoadSettingsFile(ctx, *flagConfig); err != nil {
			klog.Errorf("Invalid -config: %+v", err)
			return distill.ExitFailure
		}
	}
	setParams, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		klog.Errorf("Invalid -set: %+v", err)
		return distill.ExitFailure
	}
	paramsSet = append(paramsSet, setParams...)
	if len(paramsSet) > 0 {
		klog.Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	if klog.V(2).Enabled() {
		klog.Infof("All hyperparameters:\n%s", commandline.SprintContextSettings(ctx))
	}

	opts := distill.RunOptions{ExcludeParams: commandline.ParamPaths(paramsSet)}
	if *flagCheckpoint != "" {
		opts.CheckpointDir = fsutil.MustReplaceTildeInDir(*flagCheckpoint)
	}
	runlogPath := *flagRunLog
	if runlogPath == "" && opts.CheckpointDir != "" {
		if err = os.MkdirAll(opts.CheckpointDir, 0o777); err != nil {
			klog.Errorf("Failed to create checkpoint directory %q: %v", opts.CheckpointDir, err)
			return distill.ExitFailure
		}
		runlogPath = filepath.Join(opts.CheckpointDir, runlog.DefaultFileName)
	}
	if runlogPath != "" {
		log, err := runlog.Open(fsutil.MustReplaceTildeInDir(runlogPath))
		if err != nil {
			klog.Errorf("%+v", err)
			return distill.ExitFailure
		}
		defer func() {
			if err := log.Close(); err != nil {
				klog.Errorf("%+v", err)
			}
		}()
		opts.RunLog = log
	}
	opts.OnChiefLoop = func(loop *train.Loop) {
		if trainer, ok := loop.Trainer.(*distill.Trainer); ok {
			_ = commandline.ReportModel(os.Stdout, "Student", trainer.Student())
			_ = commandline.ReportModel(os.Stdout, "Teacher", trainer.Rewards().Teacher())
		}
		if *flagProgressBar {
			commandline.AttachProgressBar(loop)
		}
	}
	opts.OnEval = func(result *distill.EvalResult) {
		if err := commandline.ReportEval(os.Stdout, result); err != nil {
			klog.Warningf("Failed to report evaluation: %v", err)
		}
	}

	goCtx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	result, err := distill.Run(goCtx, ctx, nil, opts)
	exitCode := distill.ExitCode(err)
	if exitCode != distill.ExitOK {
		klog.Errorf("Distillation failed: %+v", err)
		return exitCode
	}
	if err != nil {
		klog.Infof("Interrupted: %v", err)
	} else {
		klog.Infof("Distillation finished at global step %d", result.GlobalStep)
	}
	return distill.ExitOK
}
