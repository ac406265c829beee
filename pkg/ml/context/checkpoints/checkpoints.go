// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading of checkpoints to a directory.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
// Once created, if a previous saved checkpoint exists, it will automatically load variables and parameters
// for your model into Context.
// And as the model trains, one can call Handler.Save() at any time to save a new checkpoint --
// typically one will do that inside train.EveryNSteps().
//
// Example: resume the training in *flagCheckpoint if there is one, and save a checkpoint every 100 steps,
// keeping the last 3.
//
//	checkpoint, err := checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(3).Done()
//	…
//	loop := train.NewLoop(trainer)
//	train.EveryNSteps(loop, 100, "checkpointing", 100, func(*train.Loop, []float64) error {
//		return checkpoint.Save()
//	})
//
// Each checkpoint is a pair of files: a JSON file with the params and the variables index, and a
// binary file (gzip compressed by default) with the variables' values, stored little-endian in
// the order of the index.
package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/distill/pkg/core/dtypes"
	"github.com/gomlx/distill/pkg/core/shapes"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/train/optimizers"
	"github.com/gomlx/distill/pkg/support/fsutil"
	"github.com/gomlx/distill/pkg/support/sets"
	"github.com/gomlx/distill/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission mode.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission mode of the saved checkpoint files.
	FilePermMode = os.FileMode(0660)

	// ErrUnsupportedCompression is returned when the binary file has an unknown compression header.
	ErrUnsupportedCompression = errors.New("unsupported compression format")
)

// Config for the checkpoints Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that loads (if there are saved checkpoints) and saves checkpoints.
type Config struct {
	ctx *context.Context
	err error

	dir string

	immediate, mustLoad bool
	keep                int
	takeMean            int

	includeParams   bool
	paramsToExclude sets.Set[string]
}

// Build a configuration for building a checkpoints.Handler. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
//
// The new checkpoints.Handler will load the latest checkpoint of the configured directory,
// and can be used to save new checkpoints.
func Build(ctx *context.Context) *Config {
	c := &Config{
		ctx:             ctx,
		keep:            1,
		takeMean:        1,
		includeParams:   true,
		paramsToExclude: sets.Make[string](),
	}
	return c
}

// Load creates configuration to load a checkpoint. It's identical to Build, except it will fail
// if the checkpoint does not already exist.
//
// Use Dir to configure the location of the checkpoint.
// Once configured, call Config.Done to actually load it.
func Load(ctx *context.Context) *Config {
	c := Build(ctx)
	c.mustLoad = true
	return c
}

// setError sets the first error reported. Later errors are dropped.
func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints.
//
// It is created if it doesn't exist, except for Load, which fails instead.
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", dir))
		return c
	}
	if err == nil {
		// Directory exists, all fine.
		return c
	}
	if c.mustLoad {
		c.setError(errors.Wrapf(err, "checkpoint directory %q does not exist or cannot be accessed", dir))
		return c
	}

	// Create the directory.
	err = os.MkdirAll(dir, DirPermMode)
	if err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// Immediate forces immediate load of all variables, as opposed to dynamically load
// variables from checkpoint as they are being used when building the model.
func (c *Config) Immediate() *Config {
	c.immediate = true
	return c
}

// ExcludeAllParams configures Handler to exclude Context parameters from being read.
//
// By default, Params are loaded and set into Context the moment Handler is created
// (when Done() is called), overriding values already present in the Context.
func (c *Config) ExcludeAllParams() *Config {
	c.includeParams = false
	return c
}

// ExcludeParams configures Handler to exclude certain Context parameters from being read.
// It can be called multiple times; each call adds new parameters to be excluded.
//
// For values in paramsToExclude that don't include a preceding scope (separated by "/"), the exclusion applies
// to all scopes. Otherwise, it applies only to the specific scope. See context.JoinScope to merge scope and name.
func (c *Config) ExcludeParams(paramsToExclude ...string) *Config {
	c.paramsToExclude.Insert(paramsToExclude...)
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// TakeMean loads the mean of the last `n` checkpoints.
// If `n <= 0`, take the mean of all available checkpoints.
//
// Only trainable float variables are averaged. Variables that have integer values or are not marked as
// trainable (e.g., the global step or the optimizer moments) are taken from the most recent checkpoint instead.
//
// The mean is taken one checkpoint at a time, so at any time there is only one copy of the model
// weights in memory, plus the checkpoint being merged.
//
// The default is 1, so only load the most recent checkpoint.
func (c *Config) TakeMean(n int) *Config {
	c.takeMean = n
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid or if it's missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	handler := &Handler{
		config:         c,
		serialized:     &serializedData{},
		variableValues: make(map[string]*tensors.Tensor),
	}

	// Load the latest checkpoint (or the mean of the latest ones), if there are any.
	checkpoints, err := handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 && c.mustLoad {
		return nil, errors.Errorf("no checkpoints found in %q", c.dir)
	}
	handler.checkpointsCount = maxCheckPointCountFromCheckpoints(checkpoints) + 1
	if len(checkpoints) > 0 {
		takeMean := c.takeMean
		if takeMean <= 0 || takeMean > len(checkpoints) {
			takeMean = len(checkpoints)
		}
		if takeMean == 1 {
			err = handler.loadCheckpointFromFile(xslices.Last(checkpoints), false, 0)
		} else {
			err = handler.takeMean(checkpoints[len(checkpoints)-takeMean:])
		}
		if err != nil {
			return nil, err
		}
	}

	ctxToSet := c.ctx.Checked(false)
	if c.immediate {
		for _, varInfo := range handler.serialized.Variables {
			value, found := handler.variableValues[varInfo.ParameterName]
			if !found {
				continue
			}
			scope, name := context.VariableScopeAndNameFromParameterName(varInfo.ParameterName)
			v := ctxToSet.InspectVariableIfLoaded(scope, name)
			if v != nil {
				if err := v.SetValue(value); err != nil {
					return nil, errors.WithMessagef(err, "failed to set variable %q from checkpoint", varInfo.ParameterName)
				}
			} else {
				v = ctxToSet.InAbsPath(scope).VariableWithValue(name, value)
			}
			if !c.ctx.IsFrozen() {
				v.SetTrainable(varInfo.Trainable)
			}
		}
		handler.variableValues = make(map[string]*tensors.Tensor)
	} else {
		// Force overwriting variables already present in the context: e.g., global_step.
		for v := range ctxToSet.IterVariables() {
			value, found := handler.variableValues[v.ParameterName()]
			if !found {
				continue
			}
			if err := v.SetValue(value); err != nil {
				return nil, errors.WithMessagef(err, "failed to set variable %q from checkpoint", v.ParameterName())
			}
			delete(handler.variableValues, v.ParameterName())
		}
	}
	if err := handler.attachTo(c.ctx); err != nil {
		return nil, err
	}
	return handler, nil
}

// Handler handles saving and loading of checkpoints for a context.Context. See an example in the
// package documentation.
//
// It is created and configured using Build(), followed by options setting and then calling
// Config.Done().
//
// Loading data into Handler happens at its creation time: it loads from the latest checkpoint.
// (Hyper-)Parameters are immediately loaded into the context then (if not Config.ExcludeAllParams)
// but the loaded variable values are only "consumed" (used) one at a time, as the variables are
// created (e.g., when building the model).
//
// Saving of checkpoints is explicit, by calling Handler.Save(). Usually this is
// done by configuring train.Loop to call it using train.EveryNSteps.
// When saving, all variables in Context are saved, along with any previous variables loaded
// by the Handler that were not used by Context and with the Params for all scopes.
//
// A Handler can only be "attached" to one context.Context.
type Handler struct {
	config            *Config
	ctx               *context.Context
	prevContextLoader context.Loader

	serialized     *serializedData
	variableValues map[string]*tensors.Tensor

	checkpointsCount int
}

// serializedData is how the information is read and written from storage.
type serializedData struct {
	Params []serializedParam

	// Variables in the order they are stored in the binary file.
	Variables []serializedVar

	// GlobalStep at the time of the checkpoint. It is informative.
	GlobalStep int64

	// BinFormat describes the format used by the binary file. It is informative.
	// Checkpoints are saved as "gzip", and binary files without the header are read as uncompressed.
	BinFormat string
}

// serializedVar contains information about the variable that was serialized.
type serializedVar struct {
	// ParameterName is a Variable unique id.
	ParameterName string

	// Dimensions of the shape.
	Dimensions []int

	// DType of the shape.
	DType dtypes.DType

	// Trainable status of the variable when saved.
	Trainable bool

	// Pos, Length in bytes in the file.
	Pos, Length int
}

// serializedParam represents a serialized context parameter.
// It includes the original ValueType, because the Json decoder may
// not be capable of recovering the original type in anonymous (any) Value.
type serializedParam struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// jsonDecodeTypeConvert attempts to convert the Value decoded by Json into the original ValueType.
//
// E.g.: Json decoder will decode all numbers to float64. So we cast it to the given ValueType.
func (p *serializedParam) jsonDecodeTypeConvert() {
	switch value := p.Value.(type) {
	case float64:
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int32":
			p.Value = int32(value)
		case "int64":
			p.Value = int64(value)
		case "uint32":
			p.Value = uint32(value)
		case "float32":
			p.Value = float32(value)
		}

	case []any:
		switch p.ValueType {
		case "[]int":
			p.Value = xslices.Map(value, func(fAny any) int {
				f, _ := fAny.(float64)
				return int(f)
			})
		case "[]float64":
			p.Value = xslices.Map(value, func(fAny any) float64 {
				f, _ := fAny.(float64)
				return f
			})
		case "[]string":
			p.Value = xslices.Map(value, func(sAny any) string {
				s, _ := sAny.(string)
				return s
			})
		}
	}
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the tensor values) returned by Handler.ListCheckpoints.
	BinDataSuffix = ".bin"

	// BackupDir is the name of the (sub-)directory under the model checkpoints directory that holds
	// the backups. See Handler.Backup.
	BackupDir = "backup"
)

// ListCheckpoints returns the base file paths of the checkpoints in the directory in time order (older first).
//
// The actual paths are these base file paths suffixed with JsonNameSuffix and BinDataSuffix.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, JsonNameSuffix))
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints -- so the next checkpoint saved uses this count+1.
//
// The input should be the output of Handler.ListCheckpoints.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxId = max(maxId, id)
	}
	return maxId
}

// loadCheckpointFromFile loads a specific checkpoint file. This needs to happen before attachTo,
// since otherwise it may not have any effect.
//
// If `merge` is set to false, loading a different checkpoint discards the previous checkpoint read.
// If `merge` is set to true, only trainable float weights are merged into the current values, using
// `mergeWeight` for the new values.
func (h *Handler) loadCheckpointFromFile(baseName string, merge bool, mergeWeight float64) error {
	if klog.V(1).Enabled() {
		klog.Infof("loading: %q", baseName)
	}
	if h.ctx != nil {
		return errors.Errorf(
			"%s tried to loadCheckpointFromFile(%q) after being attached to a Context, this is not allowed",
			h, baseName)
	}

	binFileName := filepath.Join(h.config.dir, baseName+BinDataSuffix)
	f, err := os.Open(binFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint data file %s", h, binFileName)
	}
	defer func() { _ = f.Close() }()
	binFile, err := getLoadVarFilesFromReader(f)
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to read checkpoint data file %s", h, binFileName)
	}

	jsonFileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	jsonFile, err := os.Open(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint metadata file %s", h, jsonFileName)
	}
	defer func() { _ = jsonFile.Close() }()
	if err = h.loadCheckpoint(jsonFile, binFile, merge, mergeWeight); err != nil {
		return errors.WithMessagef(err,
			"failed loading checkpoint from %s{%s,%s}", baseName, JsonNameSuffix, BinDataSuffix)
	}
	return nil
}

// loadCheckpoint from a jsonReader for configuration, and a binReader with the actual data for the variables.
//
// See loadCheckpointFromFile for the merge semantics.
func (h *Handler) loadCheckpoint(jsonReader, binReader io.Reader, merge bool, mergeWeight float64) error {
	dec := json.NewDecoder(jsonReader)
	var serialized *serializedData
	if err := dec.Decode(&serialized); err != nil {
		return errors.Wrapf(err, "%s: failed to decode contents of checkpoint", h)
	}
	if h.config.includeParams {
		for ii := range serialized.Params {
			serialized.Params[ii].jsonDecodeTypeConvert()
		}
	} else {
		serialized.Params = nil
	}
	if !merge {
		h.serialized = serialized
		h.variableValues = make(map[string]*tensors.Tensor, len(serialized.Variables))
	}

	// Variable values are stored in order.
	var memoryPos int
	for _, varInfo := range serialized.Variables {
		shape := shapes.Make(varInfo.DType, varInfo.Dimensions...)
		if varInfo.Pos != memoryPos {
			return errors.Errorf("variable %s (%s) position at %d is out-of-order, expected it to be in %d",
				varInfo.ParameterName, shape, varInfo.Pos, memoryPos)
		}
		memoryPos += varInfo.Length
		data := make([]byte, varInfo.Length)
		if _, err := io.ReadFull(binReader, data); err != nil {
			return errors.Wrapf(err, "%s: failed to read variable %q contents of checkpoint binary file at position %d",
				h, varInfo.ParameterName, varInfo.Pos)
		}
		tensor, err := tensors.FromBytes(shape, data)
		if err != nil {
			return errors.WithMessagef(err, "%s: variable %q", h, varInfo.ParameterName)
		}

		if !merge {
			h.variableValues[varInfo.ParameterName] = tensor
			continue
		}
		current, found := h.variableValues[varInfo.ParameterName]
		if !found || !varInfo.DType.IsFloat() || !varInfo.Trainable || !current.Shape().EqualDimensions(shape) {
			// Variable not in the most recent checkpoint or not merge-able: keep the most recent value.
			continue
		}
		currentValues, newValues := current.Float64s(), tensor.Float64s()
		for ii, v := range newValues {
			currentValues[ii] = currentValues[ii]*(1-mergeWeight) + v*mergeWeight
		}
		merged := tensors.FromFlatDataAndDimensions(currentValues, shape.Dimensions...)
		h.variableValues[varInfo.ParameterName] = merged.ConvertDType(current.DType())
	}
	return nil
}

// takeMean will load the checkpoints pointed by baseNames and take the mean of those.
// It takes the mean only for trainable float variables, everything else it just takes
// the value from the last checkpoint.
func (h *Handler) takeMean(baseNames []string) error {
	err := h.loadCheckpointFromFile(xslices.Last(baseNames), false, 0)
	if err != nil {
		return err
	}
	// Running mean: the order doesn't matter.
	for ii, baseName := range baseNames[:len(baseNames)-1] {
		mergeWeight := 1.0 / (float64(ii) + 2.0)
		err = h.loadCheckpointFromFile(baseName, true, mergeWeight)
		if err != nil {
			return err
		}
	}
	return nil
}

// Save creates a new checkpoint and saves the context variables and (optionally) Params.
//
// All variables in the context are saved, as well as those previously loaded -- this allows one
// to load the variables only for a part of the model, update that part, and save again with everything.
//
// Files are written atomically: the binary file first and then the JSON index, so a checkpoint is only
// listed once both are complete.
//
// If the handler is nil, this is a no-op: so it's safe to simply be called, even if the user hasn't configured a
// checkpoint.
func (h *Handler) Save() error {
	if h == nil {
		return nil
	}
	if h.ctx == nil {
		return errors.Errorf("%s not attached to a context.Context yet", h)
	}

	globalStep := h.globalStep()
	h.serialized.GlobalStep = globalStep
	h.serialized.BinFormat = gzipHeader

	if h.config.includeParams {
		h.serialized.Params = nil
		h.ctx.EnumerateParams(func(scope, name string, value any) {
			h.serialized.Params = append(h.serialized.Params,
				serializedParam{Scope: scope, Key: name, Value: value, ValueType: fmt.Sprintf("%T", value)})
		})
	}

	baseName := h.newCheckpointBaseName(globalStep)
	h.checkpointsCount++
	var binData bytes.Buffer
	varWriter := newVarWriter(&binData)

	h.serialized.Variables = make([]serializedVar, 0, h.ctx.NumVariables()+len(h.variableValues))
	pos := 0
	saveVar := func(name string, tensor *tensors.Tensor, trainable bool) error {
		rawData := tensor.Bytes()
		if _, err := varWriter.Write(rawData); err != nil {
			return errors.Wrapf(err, "%s: failed to write variable %s", h, name)
		}
		shape := tensor.Shape()
		h.serialized.Variables = append(h.serialized.Variables, serializedVar{
			ParameterName: name,
			Dimensions:    shape.Dimensions,
			DType:         shape.DType,
			Trainable:     trainable,
			Pos:           pos,
			Length:        len(rawData),
		})
		pos += len(rawData)
		return nil
	}

	for v := range h.ctx.IterVariables() {
		if err := saveVar(v.ParameterName(), v.Value(), v.Trainable); err != nil {
			return err
		}
	}
	// Previously loaded variables not yet used: sorted to keep the files deterministic.
	for _, name := range xslices.SortedKeys(h.variableValues) {
		tensor := h.variableValues[name]
		if err := saveVar(name, tensor, tensor.DType().IsFloat()); err != nil {
			return err
		}
	}
	if err := varWriter.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to finish checkpoint data", h)
	}

	varFileName := filepath.Join(h.config.dir, baseName+BinDataSuffix)
	if err := fsutil.WriteFileAtomic(varFileName, binData.Bytes(), FilePermMode); err != nil {
		return errors.WithMessagef(err, "%s: failed to write checkpoint data file", h)
	}
	jsonData, err := json.MarshalIndent(h.serialized, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode checkpoint metadata", h)
	}
	jsonFileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	if err := fsutil.WriteFileAtomic(jsonFileName, jsonData, FilePermMode); err != nil {
		return errors.WithMessagef(err, "%s: failed to write checkpoint metadata file", h)
	}
	if klog.V(1).Enabled() {
		klog.Infof("saved checkpoint %q (global step %d, %d variables)", baseName, globalStep,
			len(h.serialized.Variables))
	}
	return h.keepNCheckpoints()
}

// globalStep returns the global step of the attached context, or 0 if it has none. Unlike
// optimizers.GetGlobalStep, it doesn't create the variable.
func (h *Handler) globalStep() int64 {
	v := h.ctx.GetVariableByScopeAndName(h.ctx.Scope(), optimizers.GlobalStepVariableName)
	if v == nil {
		return 0
	}
	return tensors.ToScalar[int64](v.Value())
}

// Backup links (or copies) the latest checkpoint to a separate sub-directory under the model directory called
// "backup" (constant in checkpoints.BackupDir).
//
// This way the backed up checkpoint doesn't get automatically deleted as the model training progresses.
// It returns the base path of the backup.
func (h *Handler) Backup() (string, error) {
	baseNames, err := h.ListCheckpoints()
	if err != nil {
		return "", errors.WithMessagef(err, "failed Backup() finding current checkpoints")
	}
	if len(baseNames) == 0 {
		return "", errors.Errorf("there are no saved checkpoints in %q: maybe call Save() before Backup() ?", h.Dir())
	}
	baseName := xslices.Last(baseNames)
	backupDir := filepath.Join(h.Dir(), BackupDir)
	if err = os.MkdirAll(backupDir, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "trying to create dir %q", backupDir)
	}
	for _, suffix := range []string{BinDataSuffix, JsonNameSuffix} {
		srcPath := filepath.Join(h.config.dir, baseName+suffix)
		newPath := filepath.Join(backupDir, baseName+suffix)
		if err := os.Link(srcPath, newPath); err != nil && !os.IsExist(err) {
			if err = copyFile(srcPath, newPath); err != nil {
				return "", err
			}
		}
	}
	return filepath.Join(backupDir, baseName), nil
}

// copyFile is used by Backup when hard links are not available.
func copyFile(srcPath, dstPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", srcPath)
	}
	return fsutil.WriteFileAtomic(dstPath, data, FilePermMode)
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	for _, baseName := range list[:len(list)-h.config.keep] {
		// JSON first, so a partially removed checkpoint is never listed.
		for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// attachTo attaches Handler to a context.Context. The first thing it does if there is a checkpoint
// loaded is to set the Context's Params from the loaded values (except if the Handler was configured
// with ExcludeAllParams).
func (h *Handler) attachTo(ctx *context.Context) error {
	if h.ctx != nil {
		return errors.Errorf("%s already attached to a Context, can not attach to another one", h)
	}
	h.ctx = ctx
	h.prevContextLoader = ctx.Loader()
	ctx.SetLoader(h)

	if h.config.includeParams {
		for _, p := range h.serialized.Params {
			// Check for un-scoped and scoped exclusions:
			if h.config.paramsToExclude.Has(p.Key) || h.config.paramsToExclude.Has(context.JoinScope(p.Scope, p.Key)) {
				continue
			}
			ctx.InAbsPath(p.Scope).SetParam(p.Key, p.Value)
		}
	}
	return nil
}

// Dir returns the directory the Handler is configured to.
// It cannot be changed once the Handler was created.
//
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// GlobalStep returns the global step stored in the loaded checkpoint, or 0 if none was loaded.
func (h *Handler) GlobalStep() int64 {
	return h.serialized.GlobalStep
}

// LoadVariable implements context.Loader.
// This is called by context.Context when the variable is used for the first time.
func (h *Handler) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	// Priority is based on the installation order: previously configured loaders first.
	if h.prevContextLoader != nil {
		value, found = h.prevContextLoader.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}

	varParamName := context.VariableParameterNameFromScopeAndName(scope, name)
	value, found = h.variableValues[varParamName]
	if !found {
		return
	}
	// "Consume" value, meaning remove it from Handler.
	delete(h.variableValues, varParamName)
	return
}

// DeleteVariable implements context.Loader.
// It is called whenever Context.DeleteVariable is called.
func (h *Handler) DeleteVariable(ctx *context.Context, scope, name string) error {
	if h.prevContextLoader != nil {
		if err := h.prevContextLoader.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	delete(h.variableValues, context.VariableParameterNameFromScopeAndName(scope, name))
	return nil
}

const (
	binHeader     = "gomlx_checkpoints"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Format header
//
// ----------------------------------------------
// | 0                 16 | 17  | 18    17 +len |
// ----------------------------------------------
// |  "gomlx_checkpoints" | len |  "gzip"       |

// getLoadVarFilesFromReader returns a reader to the decompressed binary variables. Files without the header
// are taken as uncompressed.
func getLoadVarFilesFromReader(f io.ReadSeeker) (io.Reader, error) {
	buf := make([]byte, lenBinHeader)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.Wrap(err, "read header")
	}
	if n < lenBinHeader || string(buf) != binHeader {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek header")
		}
		return f, nil
	}
	var headerZipLen uint8
	if err := binary.Read(f, binary.BigEndian, &headerZipLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	compression := make([]byte, headerZipLen)
	if _, err = io.ReadFull(f, compression); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(compression) != gzipHeader {
		return nil, errors.WithMessagef(ErrUnsupportedCompression, "compression %q", compression)
	}
	rd, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = rd.Close() }()
	var decompressed bytes.Buffer
	if _, err = decompressed.ReadFrom(rd); err != nil {
		return nil, errors.Wrap(err, "read gzip")
	}
	return &decompressed, nil
}

// newVarWriter writes the header to w, and returns the gzip writer for the variables' data.
// The returned writer must be closed to flush the data.
func newVarWriter(w *bytes.Buffer) io.WriteCloser {
	w.WriteString(binHeader)
	w.WriteByte(lenGzipHeader)
	w.WriteString(gzipHeader)
	return gzip.NewWriter(w)
}
