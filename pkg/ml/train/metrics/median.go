// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/distill/pkg/ml/context"
)

// StreamingMedianMetric implements a metric that keeps an approximate median of a metric from a streaming
// input, using reservoir sampling.
//
// Its state is kept in Go (not in the Context), so it starts over when the training is resumed.
type StreamingMedianMetric struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewMedianMetric creates a streaming median metric.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName, metricType string, prettyPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			pPrintFn:   prettyPrintFn,
		},
		maxNumSamples: 10_001,
	}
}

// WithSampleSize configures the default number of random samples to keep to estimate the median.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = n
	return m
}

// WithSeed makes the sampling of the reservoir deterministic.
func (m *StreamingMedianMetric) WithSeed(seed uint64) *StreamingMedianMetric {
	m.rng = rand.New(rand.NewPCG(seed, seed))
	return m
}

// Update implements metrics.Interface. The weight is ignored, and so are NaN or infinite values
// (e.g. a metric not computed in a step).
func (m *StreamingMedianMetric) Update(_ *context.Context, value, _ float64) float64 {
	if !math.IsNaN(value) && !math.IsInf(value, 0) {
		m.add(value)
	}
	return m.Median()
}

func (m *StreamingMedianMetric) add(x float64) {
	if m.samples == nil {
		m.samples = make([]float64, 0, m.maxNumSamples)
		m.samplesSeen = 0
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// We must decide whether to keep x:
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	// We replace the new sampled x in a random position.
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Median returns the current estimate of the median, or 0 if no samples were seen.
func (m *StreamingMedianMetric) Median() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Reset drops all samples seen so far.
func (m *StreamingMedianMetric) Reset(_ *context.Context) {
	m.samples = nil
	m.samplesSeen = 0
}
