// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"cmp"
	"maps"
	"slices"

	"golang.org/x/exp/constraints"
)

// Last returns the last element of a slice. It panics if the slice is empty.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// SortedKeys returns the sorted keys of a map.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}

// Map executes fn sequentially for every element of in, and returns the mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) []Out {
	out := make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return out
}

// Sum returns the sum of the slice values, 0 for an empty slice.
func Sum[T constraints.Integer | constraints.Float](slice []T) (sum T) {
	for _, v := range slice {
		sum += v
	}
	return
}
