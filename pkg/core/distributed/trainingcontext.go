// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"time"

	"github.com/pkg/errors"
)

// TrainingContext identifies one replica of a data-parallel training run, and it is passed explicitly to
// every component that needs to know about it.
type TrainingContext struct {
	// Rank of the replica along the data axis, from 0 to WorldSize-1.
	Rank int

	// WorldSize is the number of data-parallel replicas.
	WorldSize int

	// Device is the first device of the replica in the Mesh.
	Device int

	// ShardDevices are the devices of the replica along the model axis, one per teacher shard.
	ShardDevices []int

	// Mesh of the whole training run.
	Mesh *DeviceMesh

	// Collective operations among the replicas.
	Collective Collective
}

// IsChief returns whether this is the replica responsible for writing checkpoints and reports (rank 0).
func (tc *TrainingContext) IsChief() bool { return tc.Rank == 0 }

// NewTrainingContexts creates one TrainingContext per data-parallel replica of the mesh, all sharing one
// in-process Hub with the given collective timeout.
//
// The mesh must have the axes DataAxis and ModelAxis (see NewTrainingMesh).
func NewTrainingContexts(mesh *DeviceMesh, collectiveTimeout time.Duration) ([]*TrainingContext, *Hub, error) {
	numReplicas, err := mesh.AxisSize(DataAxis)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "training mesh")
	}
	replicaDevices, err := mesh.ComputeReplicaGroups([]string{ModelAxis})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "training mesh")
	}
	hub := NewHub(numReplicas, collectiveTimeout)
	tcs := make([]*TrainingContext, numReplicas)
	for rank := range numReplicas {
		tcs[rank] = &TrainingContext{
			Rank:         rank,
			WorldSize:    numReplicas,
			Device:       replicaDevices[rank][0],
			ShardDevices: replicaDevices[rank],
			Mesh:         mesh,
			Collective:   hub.Member(rank),
		}
	}
	return tcs, hub, nil
}

// SingleReplica returns the TrainingContext of a run with only one replica and an unpartitioned teacher.
func SingleReplica() *TrainingContext {
	mesh, err := NewTrainingMesh(1, 1)
	if err != nil {
		panic(err)
	}
	tcs, _, err := NewTrainingContexts(mesh, 0)
	if err != nil {
		panic(err)
	}
	return tcs[0]
}
