// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"testing"
	"time"

	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopHooks(t *testing.T) {
	trainer := newAccTrainer(1, 0.1)
	loop := NewLoop(trainer)
	var numStarts, numEnds int
	var stepsSeen, everyTwo []int
	var order []string
	loop.OnStart("count", 0, func(loop *Loop) error {
		numStarts++
		return nil
	})
	loop.OnStep("steps", 0, func(loop *Loop, metrics []float64) error {
		stepsSeen = append(stepsSeen, loop.LoopStep)
		require.Len(t, metrics, 2)
		return nil
	})
	loop.OnStep("second", 10, func(loop *Loop, _ []float64) error {
		if loop.LoopStep == 0 {
			order = append(order, "second")
		}
		return nil
	})
	loop.OnStep("first", -10, func(loop *Loop, _ []float64) error {
		if loop.LoopStep == 0 {
			order = append(order, "first")
		}
		return nil
	})
	loop.OnEnd("count", 0, func(loop *Loop, _ []float64) error {
		numEnds++
		return nil
	})
	EveryNSteps(loop, 2, "every two", 0, func(loop *Loop, _ []float64) error {
		everyTwo = append(everyTwo, loop.LoopStep+1)
		return nil
	})

	_, err := loop.RunSteps(5)
	require.NoError(t, err)
	assert.Equal(t, 1, numStarts)
	assert.Equal(t, 1, numEnds)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, stepsSeen)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, int64(5), optimizers.GetGlobalStep(trainer.ctx))
	assert.Equal(t, int64(5), tensors.ToScalar[int64](GetTrainLastStepVar(trainer.ctx).Value()))
	assert.Len(t, loop.TrainStepDurations, 5)
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))

	// Continue until global step 8: EveryNSteps is keyed on the global step.
	_, err = loop.RunToGlobalStep(8)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6, 8}, everyTwo)
	assert.Equal(t, 8, loop.LoopStep)

	// Nothing to do if the target was reached.
	metricsValues, err := loop.RunToGlobalStep(3)
	require.NoError(t, err)
	assert.Nil(t, metricsValues)
}

func TestLoopResumeKeepsGlobalSteps(t *testing.T) {
	trainer := newAccTrainer(1, 0.1)
	_, err := NewLoop(trainer).RunSteps(3)
	require.NoError(t, err)

	// A new loop (e.g. after loading a checkpoint) starts from the global step of the context.
	loop := NewLoop(trainer)
	assert.Equal(t, 3, loop.LoopStep)
	var calls []int
	EveryNSteps(loop, 4, "every four", 0, func(loop *Loop, _ []float64) error {
		calls = append(calls, loop.LoopStep+1)
		return nil
	})
	_, err = loop.RunToGlobalStep(9)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8}, calls)
}

func TestLoopStop(t *testing.T) {
	trainer := newAccTrainer(1, 0.1)
	loop := NewLoop(trainer)
	var ended bool
	loop.OnStep("stop", 0, func(loop *Loop, _ []float64) error {
		if loop.LoopStep == 2 {
			return ErrStop
		}
		return nil
	})
	loop.OnEnd("end", 0, func(loop *Loop, _ []float64) error {
		ended = true
		return nil
	})
	metricsValues, err := loop.RunSteps(10)
	require.NoError(t, err)
	assert.NotNil(t, metricsValues)
	assert.True(t, loop.Stopped)
	assert.True(t, ended)
	assert.Equal(t, 3, loop.LoopStep)
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(trainer.ctx))
}

func TestLoopErrors(t *testing.T) {
	trainer := newAccTrainer(1, 0.1)
	nan := math.NaN()
	trainer.forceLoss = &nan
	_, err := NewLoop(trainer).RunSteps(2)
	require.ErrorContains(t, err, "batch loss is NaN")

	inf := math.Inf(1)
	trainer.forceLoss = &inf
	_, err = NewLoop(trainer).RunSteps(2)
	require.ErrorContains(t, err, "infinity")

	trainer.forceLoss = nil
	trainer.panicMsg = "model exploded"
	_, err = NewLoop(trainer).RunSteps(2)
	require.ErrorContains(t, err, "model exploded")

	trainer.panicMsg = ""
	loop := NewLoop(trainer)
	loop.OnStep("failing", 0, func(loop *Loop, _ []float64) error {
		return assert.AnError
	})
	_, err = loop.RunSteps(2)
	require.ErrorIs(t, err, assert.AnError)
}

func TestNTimesDuringLoop(t *testing.T) {
	loop := NewLoop(newAccTrainer(1, 0.1))
	var calls []int
	NTimesDuringLoop(loop, 3, "n times", 0, func(loop *Loop, _ []float64) error {
		calls = append(calls, loop.LoopStep)
		return nil
	})
	_, err := loop.RunSteps(30)
	require.NoError(t, err)
	require.NotEmpty(t, calls)
	assert.LessOrEqual(t, len(calls), 4)
	assert.Equal(t, 29, calls[len(calls)-1], "last step must always be included")
}

func TestPeriodicCallback(t *testing.T) {
	loop := NewLoop(newAccTrainer(1, 0.1))
	var calls []int
	PeriodicCallback(loop, 0, "always", 0, func(loop *Loop, _ []float64) error {
		calls = append(calls, loop.LoopStep)
		return nil
	})
	var never int
	PeriodicCallback(loop, time.Hour, "never", 0, func(*Loop, []float64) error {
		never++
		return nil
	})
	_, err := loop.RunSteps(4)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, calls, "the first step only starts the clock")
	assert.Zero(t, never)
}
