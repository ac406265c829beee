// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"
)

// NTimesDuringLoop registers a OnStep hook on the loop that is called at most n times, spread evenly across
// the steps of the current run of the loop (from Loop.StartStep to Loop.EndStep).
//
// The last step of the run always calls fn. The progress bar uses it to bound its refresh rate on short steps.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	var numCalls int
	loop.OnStep(fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name), priority, func(loop *Loop, metrics []float64) error {
		isLast := loop.LoopStep >= loop.EndStep-1
		if !isLast && n > 0 {
			stepsRun := loop.LoopStep - loop.StartStep + 1
			stepsPerCall := float64(loop.EndStep-loop.StartStep) / float64(n)
			if stepsPerCall > 1 && float64(numCalls) > float64(stepsRun)/stepsPerCall {
				return nil
			}
		}
		numCalls++
		return fn(loop, metrics)
	})
}

// EveryNSteps registers a OnStep hook on the loop that is called every time the global step reaches
// a multiple of n.
//
// It is keyed on the global step, not on the steps run by this loop: a training resumed from a checkpoint
// evaluates and saves at the same steps as an uninterrupted one.
//
// It doesn't call fn at the last step, unless it is a multiple of n. If n <= 0 it is a no-op.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		return
	}
	loop.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, func(loop *Loop, metrics []float64) error {
		if globalStep := loop.LoopStep + 1; globalStep%n != 0 {
			return nil
		}
		return fn(loop, metrics)
	})
}

// PeriodicCallback registers an OnStep hook on the loop that is called at most once every period of time.
//
// The period is counted from the end of the previous call, so a slow fn (or a paused process) doesn't cause
// calls to pile up. The first step only starts the clock.
func PeriodicCallback(loop *Loop, period time.Duration, name string, priority Priority, fn OnStepFn) {
	var last time.Time
	loop.OnStep(fmt.Sprintf("PeriodicCallback(%s): %s", period, name), priority, func(loop *Loop, metrics []float64) error {
		if last.IsZero() {
			last = time.Now()
			return nil
		}
		if time.Since(last) < period {
			return nil
		}
		err := fn(loop, metrics)
		last = time.Now()
		return err
	})
}
