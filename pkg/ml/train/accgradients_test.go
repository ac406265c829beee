// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"testing"

	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/train/metrics"
	"github.com/gomlx/distill/pkg/ml/train/optimizers"
	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/require"
)

// accTrainer trains a single scalar "prediction" towards label, with loss `label - prediction`, accumulating
// the gradients of numMicroBatches micro-batches before each optimizer step.
type accTrainer struct {
	ctx             *context.Context
	optimizer       optimizers.Interface
	numMicroBatches int
	label           float32
	trainMetrics    []metrics.Interface

	// Test controls.
	forceLoss *float64
	panicMsg  string
}

func newAccTrainer(numMicroBatches int, learningRate float64) *accTrainer {
	return &accTrainer{
		ctx:             context.New(),
		optimizer:       optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(learningRate).Done(),
		numMicroBatches: numMicroBatches,
		label:           10,
		trainMetrics: []metrics.Interface{
			metrics.NewBaseMetric("Batch Loss", "loss", metrics.LossMetricType, nil),
			metrics.NewMeanMetric("Mean Loss", "~loss", metrics.LossMetricType, nil),
		},
	}
}

func (tt *accTrainer) Context() *context.Context { return tt.ctx }

func (tt *accTrainer) TrainMetrics() []metrics.Interface { return tt.trainMetrics }

func (tt *accTrainer) predictionVar() *context.Variable {
	return tt.ctx.In("model").Checked(false).VariableWithValue("prediction", []float32{0})
}

func (tt *accTrainer) TrainStep(_ *Loop) ([]float64, error) {
	if tt.panicMsg != "" {
		exceptions.Panicf("%s", tt.panicMsg)
	}
	tt.ctx.ZeroGradients()
	predictionVar := tt.predictionVar()
	var loss float64
	for range tt.numMicroBatches {
		g := graph.NewGraph("micro_batch")
		prediction := predictionVar.ValueGraph(g)
		diff := graph.Add(prediction, graph.Const(g, []float32{-tt.label}, 1))
		lossNode := graph.WeightedSum(diff, []float64{-1})
		g.Backward(lossNode)
		tt.ctx.AccumulateGradients(g)
		loss += float64(lossNode.Scalar())
	}
	loss /= float64(tt.numMicroBatches)
	grad := predictionVar.Gradient()
	for ii := range grad {
		grad[ii] /= float64(tt.numMicroBatches)
	}
	if tt.forceLoss != nil {
		loss = *tt.forceLoss
	}
	if err := tt.optimizer.Update(tt.ctx); err != nil {
		return nil, err
	}
	return []float64{loss, loss}, nil
}

func TestTrainer_AccumulateGradients(t *testing.T) {
	const learningRate = 0.1
	trainer := newAccTrainer(3, learningRate)
	loop := NewLoop(trainer)
	metricsValues, err := loop.RunSteps(1)
	require.NoError(t, err)
	require.Len(t, metricsValues, 2)

	// All micro-batches see the same (not yet updated) prediction, so the loss is 10.0.
	require.Equal(t, 10.0, metricsValues[0])

	// The gradient is always -1, accumulated 3 times and averaged.
	predictionVar := trainer.ctx.GetVariableByScopeAndName("/model", "prediction")
	require.NotNil(t, predictionVar)
	require.Equal(t, []float64{-1}, predictionVar.Gradient())

	// The mean gradient was -1, and we took one -learningRate in that direction.
	require.InDelta(t, learningRate, predictionVar.Value().Float64s()[0], 1e-6)
	require.Equal(t, int64(1), optimizers.GetGlobalStep(trainer.ctx))

	// Same result as a single micro-batch.
	single := newAccTrainer(1, learningRate)
	_, err = NewLoop(single).RunSteps(1)
	require.NoError(t, err)
	require.Equal(t, predictionVar.Value().Float64s(), single.predictionVar().Value().Float64s())
	require.False(t, math.IsNaN(predictionVar.Value().Float64s()[0]))
}
