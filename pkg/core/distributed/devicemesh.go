// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/distill/pkg/support/sets"
	"github.com/pkg/errors"
)

const (
	// DataAxis is the name of the mesh axis along which the student is replicated (data-parallel).
	DataAxis = "data"

	// ModelAxis is the name of the mesh axis along which the teacher's output head is partitioned (model-parallel).
	ModelAxis = "model"
)

// DeviceMesh defines the logical topology of the set of devices (workers) used for training.
//
// The trainer uses a 2D mesh with axes DataAxis and ModelAxis: each position along the data axis is one
// replica of the student, and the devices along the model axis of a replica hold the teacher's
// vocabulary shards.
type DeviceMesh struct {
	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int
}

// IsNameValid checks whether a name is a valid identifier for an axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a new logical topology of a set of devices.
//
//   - axesSizes: defines the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes. One value per axis. They must start with a letter and be
//     followed only by letters, numbers or underscore.
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have at least one device, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}
	return &DeviceMesh{
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// NewTrainingMesh creates the 2D mesh (DataAxis, ModelAxis) used by the trainer.
func NewTrainingMesh(numReplicas, teacherShards int) (*DeviceMesh, error) {
	return NewDeviceMesh([]int{numReplicas, teacherShards}, []string{DataAxis, ModelAxis})
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// ComputeReplicaGroups returns the groups of devices participating in some collective operation given the
// axes along which the operation is performed.
//
// Each replica group (a []int) includes the device indices for the axes specified.
// The other axes will be split into different replica groups.
//
// Example:
//
//	m := NewDeviceMesh([]int{2, 2}, []string{"data", "model"})
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 2}, {1, 3}}
//	modelGroups, _ := m.ComputeReplicaGroups([]string{"model"})  // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"data", "model"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}
	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	groups := make([][]int, m.numDevices/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}
	for device := range m.numDevices {
		coords := m.Coordinates(device)
		groupIdx, posInGroup := 0, 0
		for _, axisIdx := range nonAxisIndices {
			groupIdx = groupIdx*m.axesSizes[axisIdx] + coords[axisIdx]
		}
		for _, axisIdx := range axisIndices {
			posInGroup = posInGroup*m.axesSizes[axisIdx] + coords[axisIdx]
		}
		groups[groupIdx][posInGroup] = device
	}
	return groups, nil
}

// Coordinates returns the position of the device along each axis of the mesh.
// Devices are numbered in row-major order of the axes.
func (m *DeviceMesh) Coordinates(device int) []int {
	coords := make([]int, len(m.axesSizes))
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = device % m.axesSizes[i]
		device /= m.axesSizes[i]
	}
	return coords
}
