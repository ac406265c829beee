// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the training Loop, which drives a Trainer step by step and calls the hooks
// (checkpointing, evaluation, progress reporting, stop conditions) attached to it.
package train

import (
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/train/metrics"
	"github.com/gomlx/distill/pkg/ml/train/optimizers"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Trainer is what the Loop drives: anything that can execute one training step on a model held in a Context.
type Trainer interface {
	// Context holding the model being trained, its hyperparameters and the training state (global step,
	// optimizer state).
	Context() *context.Context

	// TrainStep executes one training step (one optimizer update), and returns the raw values for each of
	// the TrainMetrics, in the same order. The first value must be the batch loss.
	TrainStep(loop *Loop) ([]float64, error)

	// TrainMetrics returns the metrics reported for each step. The first one is the batch loss.
	TrainMetrics() []metrics.Interface
}

// ErrStop can be returned by an OnStep hook to cleanly stop the loop after the current step.
// OnEnd hooks are still called, and the Run methods return without error with Loop.Stopped set.
var ErrStop = errors.New("training stop requested")

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks. It receives the values of the trainer metrics after the step.
type OnStepFn func(loop *Loop, metrics []float64) error

// OnEndFn is the type of OnEnd hooks. It receives the values of the trainer metrics after the last step.
type OnEndFn func(loop *Loop, metrics []float64) error

// Loop will run a training loop, invoking Trainer.TrainStep every step,
// and calling the appropriate hooks.
//
// It also converts errors thrown with `panic` during a step and return them
// instead as normal errors.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// checkpointing, evaluation, progress bars, stop conditions, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Trainer associated with this loop.
	Trainer Trainer

	// LoopStep currently being executed. It is the global step of the model before the step
	// (so the step being executed is the global step LoopStep+1).
	//
	// It is initialized with the current context's `GlobalStep`, which will be 0 for a new context,
	// or the step of the checkpoint when resuming a training.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunToGlobalStep).
	//
	// It is only set and valid during a run.
	StartStep int

	// EndStep is one-past the last step to be executed.
	//
	// It is only set and valid during a run.
	EndStep int

	// Stopped is set if the loop was stopped by an OnStep hook returning ErrStop.
	Stopped bool

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the trainer.
func NewLoop(trainer Trainer) *Loop {
	loop := &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	loop.LoopStep = int(optimizers.GetGlobalStep(trainer.Context()))
	return loop
}

// TrainerAbsoluteScope is the scope where the training loop keeps its own variables.
const TrainerAbsoluteScope = context.ScopeSeparator + "trainer"

// TrainLastStepVarName is the name of the variable that holds the number of the target last GlobalStep.
// This variable is set by the Loop, and may be -1 if the last train step is not known yet.
//
// It is stored in the TrainerAbsoluteScope.
const TrainLastStepVarName = "train_last_global_step"

// GetTrainLastStepVar returns the variable that holds the number of the target last GlobalStep.
// This variable is set by the Loop, and may be -1 if the last train step is not known yet.
//
// It is stored in the TrainerAbsoluteScope.
func GetTrainLastStepVar(ctx *context.Context) *context.Variable {
	return ctx.InAbsPath(TrainerAbsoluteScope).
		Checked(false).
		VariableWithValue(TrainLastStepVarName, int64(-1)).
		SetTrainable(false)
}

// start of loop, called by all looping methods.
//
// It calls the appropriate hooks.
func (loop *Loop) start() error {
	for hook := range loop.onStart.All() {
		err := hook.fn(loop)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) step() (values []float64, err error) {
	startTime := time.Now()
	var raw []float64
	var stepErr error
	err = exceptions.TryCatch[error](func() {
		raw, stepErr = loop.Trainer.TrainStep(loop)
	})
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err == nil {
		err = stepErr
	}
	if err != nil {
		return nil, err
	}
	values, err = loop.updateMetrics(raw)
	if err != nil {
		return nil, err
	}
	err = loop.postStep(raw, values)
	if err != nil {
		return nil, err
	}
	return values, nil
}

// updateMetrics feeds the raw values returned by the trainer to the trainer metrics.
func (loop *Loop) updateMetrics(raw []float64) ([]float64, error) {
	trainMetrics := loop.Trainer.TrainMetrics()
	if len(raw) != len(trainMetrics) || len(raw) == 0 {
		return nil, errors.Errorf("trainer returned %d metric values, but it has %d train metrics (at least the "+
			"batch loss is required)", len(raw), len(trainMetrics))
	}
	values := make([]float64, len(raw))
	ctx := loop.Trainer.Context()
	err := exceptions.TryCatch[error](func() {
		for ii, m := range trainMetrics {
			values[ii] = m.Update(ctx, raw[ii], 1)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to update train metrics")
	}
	return values, nil
}

// postStep calls the onStep hooks. It also checks for NaN loss, and returns an error accordingly.
func (loop *Loop) postStep(raw, values []float64) error {
	batchLoss := raw[0]
	if math.IsNaN(batchLoss) {
		return errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(batchLoss, 0) {
		return errors.Errorf("batch loss is infinity (%f), training interrupted", batchLoss)
	}

	// Call "OnStep" hooks.
	for hook := range loop.onStep.All() {
		err := hook.fn(loop, values)
		if err != nil {
			if errors.Is(err, ErrStop) {
				loop.Stopped = true
				continue
			}
			return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

// setLastStep, both the field in Loop but also the corresponding variable in the context.
func (loop *Loop) setLastStep(lastStep int) error {
	loop.EndStep = lastStep
	var endStepVar *context.Variable
	err := exceptions.TryCatch[error](func() {
		endStepVar = GetTrainLastStepVar(loop.Trainer.Context())
	})
	if err != nil {
		return err
	}
	return endStepVar.SetValue(tensors.FromScalar(int64(loop.EndStep)))
}

// end of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) end(metrics []float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunToGlobalStep runs the loop until the target global step is reached.
// If targetGlobalStep is smaller than the current global step, it does nothing and returns nil metrics.
func (loop *Loop) RunToGlobalStep(targetGlobalStep int) (metrics []float64, err error) {
	ctx := loop.Trainer.Context()
	var globalStep int
	err = exceptions.TryCatch[error](func() {
		globalStep = int(optimizers.GetGlobalStep(ctx))
	})
	if err != nil {
		return nil, err
	}
	loop.LoopStep = globalStep
	if targetGlobalStep <= globalStep {
		return nil, nil
	}
	steps := targetGlobalStep - globalStep
	return loop.RunSteps(steps)
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up where it left of last time.
//
// It returns the training metrics after the last step.
func (loop *Loop) RunSteps(steps int) (metrics []float64, err error) {
	if steps <= 0 {
		return nil, nil
	}
	loop.Stopped = false
	loop.StartStep = loop.LoopStep
	if err = loop.setLastStep(loop.LoopStep + steps); err != nil {
		return nil, err
	}
	err = loop.start()
	if err != nil {
		return nil, err
	}

	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		metrics, err = loop.step()
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)",
				steps, loop.LoopStep)
		}
		if loop.Stopped {
			loop.LoopStep++
			break
		}
	}

	err = loop.end(metrics)
	if err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (GlobalStep=%d)", steps, loop.LoopStep)
	}
	return metrics, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}

	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Trainer.TrainStep`.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
