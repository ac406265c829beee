// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds a library of metrics and defines the metrics.Interface used by the training loop.
//
// Metrics are updated in Go, one scalar value at a time, after each training step or evaluation batch.
// Stateful metrics (means, moving averages) keep their state as non-trainable variables in the Context, under
// the Scope "metrics", so they are saved along with checkpoints and continue where they left off on resume.
package metrics

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// ScopeName used to store state: a combination of name and something unique.
	ScopeName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Moving-Average-Loss" and "Batch-Loss" would both have the same "loss" metric type.
	MetricType() string

	// Update the metric with a new value observed in a step or batch, with the given weight (e.g. the number of
	// examples in the batch), and returns the current value of the metric.
	Update(ctx *context.Context, value, weight float64) float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset metrics internal counters when starting a new evaluation.
	// Notice this may be called before Update, and the metric should handle this without errors.
	Reset(ctx *context.Context)
}

const (
	// LossMetricType is the type of loss metrics.
	// Used to aggregate metrics of the same type in the same plot.
	LossMetricType = "loss"

	// RewardMetricType is the type of reward metrics.
	RewardMetricType = "reward"

	// Scope used to store metrics helper variables (e.g.: running averages).
	Scope = "metrics"
)

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// baseMetric implements a stateless metric.Interface: it returns the last value.
type baseMetric struct {
	name, shortName, metricType, scopeName string
	pPrintFn                               PrettyPrintFn // if nil will display default.
}

func (m *baseMetric) Name() string {
	return m.name
}

func (m *baseMetric) ShortName() string {
	return m.shortName
}

func (m *baseMetric) MetricType() string {
	return m.metricType
}

// ScopeName is derived from the name with a name-based UUID, so it is stable across runs and a resumed
// training finds its metrics state.
func (m *baseMetric) ScopeName() string {
	if m.scopeName == "" {
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(m.name))
		m.scopeName = context.EscapeScopeName(fmt.Sprintf("%s_uuid_%s", m.Name(), id))
	}
	return m.scopeName
}

func (m *baseMetric) Update(_ *context.Context, value, _ float64) float64 {
	return value
}

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return fmt.Sprintf("%.3g", value)
	}
	return m.pPrintFn(value)
}

func (m *baseMetric) Reset(_ *context.Context) {}

// NewBaseMetric creates a stateless metric, it will return the value of the last step or batch.
// pPrintFn can be left as nil, and a default will be used.
func NewBaseMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn) Interface {
	return &baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn}
}

// stateVar returns the scalar float64 state variable with the given name for the metric.
func stateVar(ctx *context.Context, m Interface, name string) *context.Variable {
	ctx = ctx.Checked(false).InAbsPath(context.RootScope).In(Scope).In(m.ScopeName())
	return ctx.VariableWithValue(name, 0.0).SetTrainable(false)
}

func readScalar(v *context.Variable) float64 {
	return v.Value().Float64s()[0]
}

func setScalar(v *context.Variable, value float64) {
	v.MustSetValue(tensors.FromScalar(value))
}

// MeanMetric implements a metric that keeps the weighted mean of the values it's updated with.
type MeanMetric struct {
	baseMetric
	dynamicWeight bool
}

// NewMeanMetric creates a metric that returns the mean of all values since the last reset.
//
// Values are weighted by the weight given to Update. If you want all updates to count the same, use
// WithDynamicWeight(false).
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName, metricType string, prettyPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			pPrintFn:   prettyPrintFn,
		},
		dynamicWeight: true,
	}
}

// WithDynamicWeight sets whether the mean should use the weights given to Update. Default is true.
//
// If set to false, each update counts as 1.
func (m *MeanMetric) WithDynamicWeight(dynamicWeight bool) *MeanMetric {
	m.dynamicWeight = dynamicWeight
	return m
}

// Update implements metrics.Interface.
func (m *MeanMetric) Update(ctx *context.Context, value, weight float64) float64 {
	if !m.dynamicWeight {
		weight = 1
	}
	totalVar := stateVar(ctx, m, "total")
	weightVar := stateVar(ctx, m, "weight")
	total := readScalar(totalVar) + value*weight
	totalWeight := readScalar(weightVar) + weight
	setScalar(totalVar, total)
	setScalar(weightVar, totalWeight)
	if totalWeight == 0 {
		return 0
	}
	return total / totalWeight
}

// Reset implements metrics.Interface.
func (m *MeanMetric) Reset(ctx *context.Context) {
	ctx = ctx.Reuse().InAbsPath(context.RootScope).In(Scope).In(m.ScopeName())
	for _, name := range []string{"total", "weight"} {
		v := ctx.GetVariableByScopeAndName(ctx.Scope(), name)
		if v == nil {
			// Reset called before the first update, there is nothing to reset yet.
			continue
		}
		setScalar(v, 0)
	}
}

// movingAverageMetric implements a metric that keeps the exponential moving average of a metric.
type movingAverageMetric struct {
	baseMetric
	newExampleWeight float64
}

// NewExponentialMovingAverageMetric creates a metric that takes new values with the given weight
// (newExampleWeight), and decays the rest by 1-newExampleWeight.
//
// A typical value of newExampleWeight is 0.01, the smaller the value, the slower the moving average moves.
// pPrintFn can be left as nil, and a default will be used.
//
// This doesn't have a set prior, it will start being a normal average until there are enough terms, and it becomes
// an exponential moving average.
func NewExponentialMovingAverageMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn,
	newExampleWeight float64) Interface {
	if newExampleWeight <= 0 || newExampleWeight > 1 {
		exceptions.Panicf("moving average metric %q: newExampleWeight must be in (0, 1], got %g",
			name, newExampleWeight)
	}
	return &movingAverageMetric{
		baseMetric:       baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn},
		newExampleWeight: newExampleWeight,
	}
}

// Update implements metrics.Interface. The weight is ignored: each update counts the same.
func (m *movingAverageMetric) Update(ctx *context.Context, value, _ float64) float64 {
	meanVar := stateVar(ctx, m, "mean")
	countVar := stateVar(ctx, m, "count")
	count := readScalar(countVar) + 1
	weight := max(m.newExampleWeight, 1/count)
	mean := readScalar(meanVar)*(1-weight) + value*weight
	setScalar(countVar, count)
	setScalar(meanVar, mean)
	return mean
}

// Reset implements metrics.Interface. Moving averages are not reset.
func (m *movingAverageMetric) Reset(_ *context.Context) {}

// DurationPrettyPrint prints a value in seconds as a rounded duration.
func DurationPrettyPrint(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return fmt.Sprintf("%g", seconds)
	}
	if seconds < 1 {
		return fmt.Sprintf("%.0fms", seconds*1000)
	}
	return fmt.Sprintf("%.2fs", seconds)
}

// CountPrettyPrint prints a (typically large) count with SI suffixes, e.g. "1.2k".
func CountPrettyPrint(value float64) string {
	v, unit := humanize.ComputeSI(value)
	return humanize.FtoaWithDigits(v, 2) + unit
}
