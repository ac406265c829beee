// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoints(t *testing.T) {
	var dir string
	{
		// Build model, checkpoint a few times.
		ctx := context.New()
		ctx.SetParam("learning_rate", 0.01)
		ctx.SetParam("l1", 1.0e7)
		ctx.SetParam("num_layers", 3)
		ctx.SetParam("hidden_dims", []int{4, 8})
		ctx.In("layer_1").SetParam("l2", 0.004)
		dir = filepath.Join(t.TempDir(), "run")
		checkpoint := must.M1(Build(ctx).Dir(dir).Keep(3).Done())
		assert.Equal(t, 0, checkpoint.checkpointsCount)
		assert.Equal(t, dir, checkpoint.Dir())
		ctx.In("model").VariableWithValue("w", []float32{1, 2, 3})
		for ii := 0; ii < 10; ii++ {
			assert.Equal(t, int64(ii)+1, optimizers.IncrementGlobalStep(ctx))
			require.NoError(t, checkpoint.Save(), "Saving checkpoint")
		}

		// Check the correct number of checkpoints (3) remain.
		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		assert.Len(t, list, 3, "Number of remaining checkpoints")
		assert.Equal(t, 10, checkpoint.checkpointsCount)
		assert.Equal(t, 9, maxCheckPointCountFromCheckpoints(list))
	}

	{
		ctx := context.New()
		ctx.SetParam("learning_rate", 5.0) // Value should be overwritten when loading.
		ctx.SetParam("l1", 17.0)           // Value should NOT be overwritten when loading.
		checkpoint := must.M1(Build(ctx).Dir(dir).Keep(3).ExcludeParams("l1").Done())
		assert.Equal(t, int64(10), checkpoint.GlobalStep())

		assert.Equal(t, 0.01, context.GetParamOr(ctx, "learning_rate", 0.0))
		assert.Equal(t, 17.0, context.GetParamOr(ctx, "l1", 0.0))
		assert.Equal(t, 0.004, context.GetParamOr(ctx.In("layer_1"), "l2", 0.0))

		// Types are restored from the JSON.
		numLayers, found := ctx.GetParam("num_layers")
		require.True(t, found)
		assert.Equal(t, 3, numLayers)
		hiddenDims, _ := ctx.GetParam("hidden_dims")
		assert.Equal(t, []int{4, 8}, hiddenDims)

		// Lazy loading: no variable is created until it is used.
		assert.Equal(t, 0, ctx.NumVariables())
		assert.Len(t, checkpoint.variableValues, 2)

		globalStepVar := ctx.GetVariable(optimizers.GlobalStepVariableName)
		require.NotNil(t, globalStepVar)
		assert.Equal(t, dtypes.Int64, globalStepVar.DType())
		assert.False(t, globalStepVar.Trainable)
		assert.Equal(t, int64(11), optimizers.IncrementGlobalStep(ctx))

		w := ctx.In("model").Checked(false).VariableWithValue("w", []float32{0, 0, 0})
		assert.Equal(t, []float32{1, 2, 3}, w.Value().Float32s())
		assert.Empty(t, checkpoint.variableValues)
		require.NoError(t, checkpoint.Save())

		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		assert.Len(t, list, 3)
		assert.Equal(t, 10, maxCheckPointCountFromCheckpoints(list))
	}
}

func TestUnusedLoadedVariablesAreSaved(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	ctx.In("a").VariableWithValue("x", []float32{1})
	ctx.In("b").VariableWithValue("y", []float64{2, 3})
	require.NoError(t, must.M1(Build(ctx).Dir(dir).Done()).Save())

	// Only use "a/x", but save everything.
	ctx = context.New()
	checkpoint := must.M1(Build(ctx).Dir(dir).Done())
	ctx.In("a").Checked(false).VariableWithValue("x", []float32{0}).MustSetValue(tensors.FromFlatDataAndDimensions([]float32{7}, 1))
	require.NoError(t, checkpoint.Save())

	ctx = context.New()
	_ = must.M1(Build(ctx).Dir(dir).Immediate().Done())
	assert.Equal(t, 2, ctx.NumVariables(), "saving doesn't create a global step")
	assert.Nil(t, ctx.InspectVariableIfLoaded(context.RootScope, optimizers.GlobalStepVariableName))
	assert.Equal(t, []float32{7}, ctx.GetVariableByScopeAndName("/a", "x").Value().Float32s())
	assert.Equal(t, []float64{2, 3}, ctx.GetVariableByScopeAndName("/b", "y").Value().Float64s())
}

func TestImmediateRestoresTrainable(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	ctx.VariableWithValue("w", []float32{1, 2})
	ctx.VariableWithValue("moment", []float32{0.5, 0.5}).SetTrainable(false)
	handler := must.M1(Build(ctx).Dir(dir).Done())
	require.NoError(t, handler.Save())

	ctx = context.New()
	_ = must.M1(Build(ctx).Dir(dir).Immediate().Done())
	w := ctx.GetVariableByScopeAndName(context.RootScope, "w")
	moment := ctx.GetVariableByScopeAndName(context.RootScope, "moment")
	require.NotNil(t, w)
	require.NotNil(t, moment)
	assert.True(t, w.Trainable)
	assert.False(t, moment.Trainable)
}

func TestTakeMean(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	handler := must.M1(Build(ctx).Dir(dir).Keep(-1).Done())
	w := ctx.VariableWithValue("w", []float32{0, 0})
	frozen := ctx.VariableWithValue("frozen", []float32{0}).SetTrainable(false)
	for ii := 1; ii <= 3; ii++ {
		optimizers.IncrementGlobalStep(ctx)
		w.MustSetValue(tensors.FromFlatDataAndDimensions([]float32{float32(ii), float32(10 * ii)}, 2))
		frozen.MustSetValue(tensors.FromFlatDataAndDimensions([]float32{float32(ii)}, 1))
		require.NoError(t, handler.Save())
	}

	ctx = context.New()
	_ = must.M1(Build(ctx).Dir(dir).TakeMean(-1).Immediate().Done())
	assert.InDeltaSlice(t, []float64{2, 20}, ctx.GetVariableByScopeAndName("/", "w").Value().Float64s(), 1e-5)
	// Non-trainable and integer variables come from the last checkpoint.
	assert.Equal(t, []float32{3}, ctx.GetVariableByScopeAndName("/", "frozen").Value().Float32s())
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx))

	ctx = context.New()
	_ = must.M1(Build(ctx).Dir(dir).TakeMean(2).Immediate().Done())
	assert.InDeltaSlice(t, []float64{2.5, 25}, ctx.GetVariableByScopeAndName("/", "w").Value().Float64s(), 1e-5)
}

func TestUncompressedVariables(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	ctx.VariableWithValue("w", []float32{1, 2, 3, 4})
	handler := must.M1(Build(ctx).Dir(dir).Done())
	require.NoError(t, handler.Save())
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Saved files are gzip compressed, with a header.
	binPath := filepath.Join(dir, list[0]+BinDataSuffix)
	compressed, err := os.ReadFile(binPath)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(compressed), binHeader))
	reader, err := getLoadVarFilesFromReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	raw, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Len(t, raw, 16)

	// Files without the header are read as uncompressed.
	require.NoError(t, os.WriteFile(binPath, raw, FilePermMode))
	ctx = context.New()
	_, err = Load(ctx).Dir(dir).Immediate().Done()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, ctx.GetVariableByScopeAndName("/", "w").Value().Float32s())

	// Unknown compression formats are rejected.
	unknown := append([]byte(binHeader), 3, 'z', 's', 't')
	_, err = getLoadVarFilesFromReader(bytes.NewReader(unknown))
	require.ErrorIs(t, err, ErrUnsupportedCompression)
}

func TestBackup(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	handler := must.M1(Build(ctx).Dir(dir).Keep(1).Done())
	_, err := handler.Backup()
	require.Error(t, err, "nothing saved yet")

	ctx.VariableWithValue("w", []float32{1})
	optimizers.IncrementGlobalStep(ctx)
	require.NoError(t, handler.Save())
	backupPath, err := handler.Backup()
	require.NoError(t, err)
	for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
		_, err = os.Stat(backupPath + suffix)
		require.NoError(t, err)
	}

	// Backups survive the keep-N cleanup.
	optimizers.IncrementGlobalStep(ctx)
	require.NoError(t, handler.Save())
	_, err = os.Stat(backupPath + JsonNameSuffix)
	require.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	ctx := context.New()
	_, err := Load(ctx).Dir(filepath.Join(t.TempDir(), "missing")).Done()
	require.Error(t, err)

	_, err = Load(ctx).Dir(t.TempDir()).Done()
	require.ErrorContains(t, err, "no checkpoints found")

	_, err = Build(ctx).Done()
	require.Error(t, err)

	var nilHandler *Handler
	require.NoError(t, nilHandler.Save())
	assert.Equal(t, "", nilHandler.Dir())
}
