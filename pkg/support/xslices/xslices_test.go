// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlices(t *testing.T) {
	assert.Equal(t, 3, Last([]int{1, 2, 3}))
	assert.Panics(t, func() { Last([]int{}) })
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 0, "a": 1, "b": 2}))
	assert.Empty(t, SortedKeys(map[int]bool{}))
	assert.Equal(t, []int{2, 4}, Map([]int{1, 2}, func(e int) int { return 2 * e }))
	assert.Equal(t, []int{3, 1}, Map([][]string{{"a", "b", "c"}, {"d"}}, func(e []string) int { return len(e) }))
	assert.Equal(t, 11, Sum([]int{3, 7, 1}))
	assert.Equal(t, 0.0, Sum([]float64(nil)))
}
