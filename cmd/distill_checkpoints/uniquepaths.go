// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// minimalUniquePaths returns for each path the shortest label that distinguishes it from the others: the
// path component where it differs, or "first...last" if it differs in more than one component.
// A single path is labeled by its last component.
func minimalUniquePaths(paths ...string) []string {
	splitPaths := make([][]string, len(paths))
	for ii, path := range paths {
		splitPaths[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}
	labels := make([]string, len(paths))
	for ii, components := range splitPaths {
		var diffIndices []int
		for jj, otherComponents := range splitPaths {
			if ii == jj {
				continue
			}
			for kk := range min(len(components), len(otherComponents)) {
				if components[kk] != otherComponents[kk] && !slices.Contains(diffIndices, kk) {
					diffIndices = append(diffIndices, kk)
				}
			}
		}
		slices.Sort(diffIndices)
		switch len(diffIndices) {
		case 0:
			labels[ii] = components[len(components)-1]
		case 1:
			labels[ii] = components[diffIndices[0]]
		default:
			labels[ii] = components[diffIndices[0]] + "..." + components[diffIndices[len(diffIndices)-1]]
		}
	}
	return labels
}
