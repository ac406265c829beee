// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/train"
	"github.com/gomlx/distill/pkg/ml/train/metrics"
	"github.com/gomlx/distill/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTrainer struct {
	ctx          *context.Context
	trainMetrics []metrics.Interface
}

func (c *countingTrainer) Context() *context.Context { return c.ctx }

func (c *countingTrainer) TrainStep(_ *train.Loop) ([]float64, error) {
	step := optimizers.IncrementGlobalStep(c.ctx)
	return []float64{1.0 / float64(step)}, nil
}

func (c *countingTrainer) TrainMetrics() []metrics.Interface { return c.trainMetrics }

func TestRecordAndHistory(t *testing.T) {
	rl, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { require.NoError(t, rl.Close()) }()

	ctx := context.New()
	ctx.SetParam("learning_rate", 0.01)
	require.Error(t, rl.Record(KindTrain, 1, map[string]float64{"loss": 1}), "StartRun not called")
	require.NoError(t, rl.StartRun(ctx))
	runID := rl.RunID()
	require.NotEmpty(t, runID)
	assert.Equal(t, runID, context.GetParamOr(ctx, ParamRunID, ""))

	require.NoError(t, rl.Record(KindTrain, 2, map[string]float64{"loss": 2, "reward": 0.5}))
	require.NoError(t, rl.Record(KindTrain, 1, map[string]float64{"loss": 3}))
	require.NoError(t, rl.Record(KindTrain, 2, map[string]float64{"loss": 1.5})) // Overwrites.
	require.NoError(t, rl.Record(KindEval, 2, map[string]float64{"reward": 0.75}))

	history, err := rl.History(KindTrain, "loss")
	require.NoError(t, err)
	assert.Equal(t, []Point{{Step: 1, Value: 3}, {Step: 2, Value: 1.5}}, history)
	names, err := rl.MetricNames(KindTrain)
	require.NoError(t, err)
	assert.Equal(t, []string{"loss", "reward"}, names)
	history, err = rl.History(KindEval, "reward")
	require.NoError(t, err)
	assert.Equal(t, []Point{{Step: 2, Value: 0.75}}, history)

	runs, err := rl.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, 0.01, runs[0].Params["/learning_rate"])
}

func TestResumedRunKeepsID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), DefaultFileName)
	ctx := context.New()
	rl, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, rl.StartRun(ctx))
	require.NoError(t, rl.Record(KindTrain, 1, map[string]float64{"loss": 1}))
	require.NoError(t, rl.Close())

	// Reopen, as after a restart with the run id loaded from a checkpoint.
	rl, err = Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = rl.Close() }()
	require.NoError(t, rl.StartRun(ctx))
	require.NoError(t, rl.Record(KindTrain, 2, map[string]float64{"loss": 0.5}))
	runs, err := rl.Runs()
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	history, err := rl.History(KindTrain, "loss")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// A reader selects the run by its id.
	reader, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()
	require.Error(t, reader.SelectRun("unknown"))
	require.NoError(t, reader.SelectRun(context.GetParamOr(ctx, ParamRunID, "")))
	history, err = reader.History(KindTrain, "loss")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAttachToLoop(t *testing.T) {
	rl, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = rl.Close() }()
	trainer := &countingTrainer{
		ctx:          context.New(),
		trainMetrics: []metrics.Interface{metrics.NewBaseMetric("Batch Loss", "loss", metrics.LossMetricType, nil)},
	}
	require.NoError(t, rl.StartRun(trainer.ctx))
	loop := train.NewLoop(trainer)
	AttachToLoop(loop, rl, 2)
	_, err = loop.RunSteps(5)
	require.NoError(t, err)

	history, err := rl.History(KindTrain, "Batch Loss")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []int64{2, 4, 5}, []int64{history[0].Step, history[1].Step, history[2].Step})
	assert.InDelta(t, 0.25, history[1].Value, 1e-12)
	assert.InDelta(t, 0.2, history[2].Value, 1e-12)
}
