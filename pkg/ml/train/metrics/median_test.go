// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamingMedian(t *testing.T) {
	// Create an asymmetric sequence with known median:
	metric := NewMedianMetric("median", "med", LossMetricType, nil).WithSampleSize(10_000).WithSeed(7)
	metric.Reset(nil)
	require.Equal(t, 0.0, metric.Median())

	t.Run("Random 1/r numbers", func(t *testing.T) {
		// Sample from 0.01 < r < 1.0 randomly (so median r is expected to be 0.99/2 = 0.495),
		// and then feed StreamingMedian values of 1/r (so median is expected to be 1/0.495 = 2.0202020...).
		const numExamples = 100_001
		rng := rand.New(rand.NewPCG(1, 2))
		values := make([]float64, 0, numExamples)
		for range numExamples {
			r := 1 / (rng.Float64()*0.99 + 0.01)
			values = append(values, r)
			metric.add(r)
		}
		slices.Sort(values)
		want := values[numExamples/2]
		require.InDelta(t, want, metric.Median(), 0.1)
	})

	metric = metric.WithSampleSize(100)
	metric.Reset(nil)
	t.Run("Consecutive numbers from 0 to 1000", func(t *testing.T) {
		const numExamples = 1_001
		var median float64
		for ii := range numExamples {
			median = metric.Update(nil, float64(ii), 1)
		}
		require.InDelta(t, 500.0, median, 200)
		require.Len(t, metric.samples, 100)
		require.Equal(t, median, metric.Update(nil, math.NaN(), 1), "NaN values are skipped")
		require.Len(t, metric.samples, 100)
	})
}
