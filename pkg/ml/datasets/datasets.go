// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets holds the token datasets used for training: prompt sets (see LoadPrompts) and language
// modeling corpora split into fixed-length chunks (see LoadCorpus).
//
// An InMemory dataset is sampled statelessly: the examples drawn for a given global step and replica depend only
// on the step, the replica rank and the dataset seed. This makes resuming from a checkpoint yield the same
// batches as an uninterrupted run, and it allows all replicas to share the same read-only dataset.
package datasets

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/distill/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// InMemory is a dataset of token sequences fully loaded into memory.
//
// It is safe for concurrent use.
type InMemory struct {
	name     string
	examples [][]int
	seed     uint64

	// muShuffle protects the cached epoch permutations.
	muShuffle sync.Mutex
	shuffles  map[int][]int
}

// maxCachedEpochs is the number of epoch permutations kept in cache.
const maxCachedEpochs = 4

// NewInMemory creates a dataset with the given examples. The examples are not copied and should not be changed
// afterward.
//
// It returns an error if there are no examples or if any of them is empty.
func NewInMemory(name string, examples [][]int) (*InMemory, error) {
	if len(examples) == 0 {
		return nil, errors.Errorf("dataset %q has no examples", name)
	}
	for ii, example := range examples {
		if len(example) == 0 {
			return nil, errors.Errorf("dataset %q example #%d is empty", name, ii)
		}
	}
	return &InMemory{name: name, examples: examples, shuffles: make(map[int][]int)}, nil
}

// WithSeed sets the seed used to shuffle the dataset at each epoch. Default is 0.
//
// It returns the modified InMemory, so calls can be cascaded.
func (ds *InMemory) WithSeed(seed uint64) *InMemory {
	ds.muShuffle.Lock()
	defer ds.muShuffle.Unlock()
	ds.seed = seed
	clear(ds.shuffles)
	return ds
}

// Name of the dataset.
func (ds *InMemory) Name() string { return ds.name }

// String implements fmt.Stringer.
func (ds *InMemory) String() string {
	return fmt.Sprintf("%s (%d examples)", ds.name, len(ds.examples))
}

// NumExamples in the dataset.
func (ds *InMemory) NumExamples() int { return len(ds.examples) }

// Example returns the example at the given index. It should not be modified.
func (ds *InMemory) Example(index int) []int { return ds.examples[index] }

// NumTokens is the total number of tokens in the dataset.
func (ds *InMemory) NumTokens() int {
	return xslices.Sum(xslices.Map(ds.examples, func(example []int) int { return len(example) }))
}

// permutation returns the shuffle of the given epoch.
func (ds *InMemory) permutation(epoch int) []int {
	ds.muShuffle.Lock()
	defer ds.muShuffle.Unlock()
	if perm, found := ds.shuffles[epoch]; found {
		return perm
	}
	if len(ds.shuffles) >= maxCachedEpochs {
		clear(ds.shuffles)
	}
	rng := rand.New(rand.NewPCG(ds.seed, uint64(epoch)))
	perm := make([]int, len(ds.examples))
	for ii := range perm {
		newPos := rng.IntN(ii + 1)
		if newPos == ii {
			perm[ii] = ii
		} else {
			perm[newPos], perm[ii] = ii, perm[newPos]
		}
	}
	ds.shuffles[epoch] = perm
	return perm
}

// Indices returns the dataset indices of the examples drawn by one replica for one step.
//
// The dataset is cycled through in a shuffled order, reshuffled at each epoch. Each step consumes
// perReplica*worldSize consecutive positions of this cycle, and the replica of the given rank takes the
// positions rank, rank+worldSize, rank+2*worldSize, etc. within the step's slice.
func (ds *InMemory) Indices(step, rank, worldSize, perReplica int) []int {
	return ds.indices("Indices", step, rank, worldSize, perReplica, 0)
}

// RetryIndices returns the indices of a replacement batch for the given step, for when the batch returned by
// Indices had to be discarded. Each attempt (starting at 1) reads the same epoch permutations as Indices, but with
// the offsets rotated by attempt*NumExamples()/2 positions.
//
// While the step's global batch is no larger than half the dataset and doesn't straddle an epoch boundary, the
// first retry shares no example with the original batch.
func (ds *InMemory) RetryIndices(step, attempt, rank, worldSize, perReplica int) []int {
	if attempt < 0 {
		exceptions.Panicf("datasets.RetryIndices: invalid attempt=%d", attempt)
	}
	return ds.indices("RetryIndices", step, rank, worldSize, perReplica, attempt*max(len(ds.examples)/2, 1))
}

func (ds *InMemory) indices(method string, step, rank, worldSize, perReplica, shift int) []int {
	if worldSize <= 0 || rank < 0 || rank >= worldSize || perReplica < 0 || step < 0 {
		exceptions.Panicf("datasets.%s: invalid step=%d, rank=%d, worldSize=%d, perReplica=%d",
			method, step, rank, worldSize, perReplica)
	}
	numExamples := len(ds.examples)
	globalSize := perReplica * worldSize
	indices := make([]int, perReplica)
	for ii := range indices {
		position := step*globalSize + ii*worldSize + rank
		epoch, offset := position/numExamples, (position+shift)%numExamples
		indices[ii] = ds.permutation(epoch)[offset]
	}
	return indices
}

// Batch returns the examples drawn by one replica for one step, see Indices.
// The returned examples should not be modified.
func (ds *InMemory) Batch(step, rank, worldSize, perReplica int) [][]int {
	return ds.examplesAt(ds.Indices(step, rank, worldSize, perReplica))
}

// RetryBatch returns the examples of a replacement batch for one replica and step, see RetryIndices.
func (ds *InMemory) RetryBatch(step, attempt, rank, worldSize, perReplica int) [][]int {
	return ds.examplesAt(ds.RetryIndices(step, attempt, rank, worldSize, perReplica))
}

func (ds *InMemory) examplesAt(indices []int) [][]int {
	batch := make([][]int, len(indices))
	for ii, idx := range indices {
		batch[ii] = ds.examples[idx]
	}
	return batch
}

// Shard returns the examples of the replica of the given rank when going through the dataset once, in order:
// the examples rank, rank+worldSize, etc. It's used for evaluation.
func (ds *InMemory) Shard(rank, worldSize int) [][]int {
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		exceptions.Panicf("datasets.Shard: invalid rank=%d, worldSize=%d", rank, worldSize)
	}
	shard := make([][]int, 0, (len(ds.examples)+worldSize-1)/worldSize)
	for ii := rank; ii < len(ds.examples); ii += worldSize {
		shard = append(shard, ds.examples[ii])
	}
	return shard
}

// Take returns a dataset with only the first n examples. If n <= 0 or larger than the number of examples, it
// returns ds itself.
func (ds *InMemory) Take(n int) *InMemory {
	if n <= 0 || n >= len(ds.examples) {
		return ds
	}
	ds.muShuffle.Lock()
	seed := ds.seed
	ds.muShuffle.Unlock()
	return &InMemory{
		name:     fmt.Sprintf("%s [Take %d]", ds.name, n),
		examples: ds.examples[:n],
		seed:     seed,
		shuffles: make(map[int][]int),
	}
}
