// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/gomlx/distill/pkg/tokenizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDataset(t *testing.T, n int) *InMemory {
	examples := make([][]int, n)
	for ii := range examples {
		examples[ii] = []int{ii}
	}
	ds, err := NewInMemory("test", examples)
	require.NoError(t, err)
	return ds
}

func TestNewInMemory(t *testing.T) {
	_, err := NewInMemory("empty", nil)
	require.Error(t, err)
	_, err = NewInMemory("empty example", [][]int{{1}, {}})
	require.Error(t, err)
	ds := newTestDataset(t, 5)
	assert.Equal(t, 5, ds.NumExamples())
	assert.Equal(t, 5, ds.NumTokens())
	assert.Equal(t, "test (5 examples)", ds.String())
}

func TestIndicesCycling(t *testing.T) {
	const numExamples = 10
	ds := newTestDataset(t, numExamples).WithSeed(3)

	// Within one epoch every example is drawn exactly once.
	var epoch []int
	for step := range 5 {
		epoch = append(epoch, ds.Indices(step, 0, 1, 2)...)
	}
	sorted := slices.Clone(epoch)
	slices.Sort(sorted)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, sorted)

	// The next epoch is reshuffled differently.
	var nextEpoch []int
	for step := 5; step < 10; step++ {
		nextEpoch = append(nextEpoch, ds.Indices(step, 0, 1, 2)...)
	}
	assert.NotEqual(t, epoch, nextEpoch)
	sorted = slices.Clone(nextEpoch)
	slices.Sort(sorted)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, sorted)

	// Stateless: the same step draws the same indices, in any order of calls, and from a fresh copy.
	fresh := newTestDataset(t, numExamples).WithSeed(3)
	assert.Equal(t, ds.Indices(7, 0, 1, 3), fresh.Indices(7, 0, 1, 3))
	assert.Equal(t, epoch[4:6], fresh.Indices(2, 0, 1, 2))

	// Different seeds shuffle differently.
	other := newTestDataset(t, numExamples).WithSeed(4)
	var otherEpoch []int
	for step := range 5 {
		otherEpoch = append(otherEpoch, other.Indices(step, 0, 1, 2)...)
	}
	assert.NotEqual(t, epoch, otherEpoch)

	require.Panics(t, func() { ds.Indices(0, 2, 2, 1) })
}

func TestIndicesSharding(t *testing.T) {
	ds := newTestDataset(t, 7).WithSeed(11)
	const worldSize, perReplica = 3, 2
	for step := range 4 {
		single := ds.Indices(step, 0, 1, worldSize*perReplica)
		for rank := range worldSize {
			got := ds.Indices(step, rank, worldSize, perReplica)
			for ii := range perReplica {
				// Rank r takes positions r, r+W, ... of the step's slice.
				assert.Equal(t, single[ii*worldSize+rank], got[ii], "step=%d, rank=%d, ii=%d", step, rank, ii)
			}
		}
	}
	batch := ds.Batch(0, 1, worldSize, perReplica)
	for ii, idx := range ds.Indices(0, 1, worldSize, perReplica) {
		assert.Equal(t, []int{idx}, batch[ii])
	}
}

func TestRetryIndices(t *testing.T) {
	ds := newTestDataset(t, 8).WithSeed(5)
	for step := range 4 {
		first := ds.Indices(step, 0, 1, 4)
		retry := ds.RetryIndices(step, 1, 0, 1, 4)
		for _, idx := range retry {
			assert.NotContains(t, first, idx, "step=%d", step)
		}
		assert.Equal(t, retry, ds.RetryIndices(step, 1, 0, 1, 4))
		assert.Equal(t, first, ds.RetryIndices(step, 0, 0, 1, 4))
	}

	// Sharded the same way as Indices.
	single := ds.RetryIndices(1, 1, 0, 1, 4)
	for rank := range 2 {
		got := ds.RetryIndices(1, 1, rank, 2, 2)
		assert.Equal(t, []int{single[rank], single[2+rank]}, got)
	}
	batch := ds.RetryBatch(1, 1, 0, 1, 4)
	for ii, idx := range single {
		assert.Equal(t, []int{idx}, batch[ii])
	}
	require.Panics(t, func() { ds.RetryIndices(0, -1, 0, 1, 4) })
}

func TestShardAndTake(t *testing.T) {
	ds := newTestDataset(t, 7)
	assert.Equal(t, [][]int{{0}, {3}, {6}}, ds.Shard(0, 3))
	assert.Equal(t, [][]int{{2}, {5}}, ds.Shard(2, 3))
	assert.Equal(t, [][]int{{0}, {1}, {2}, {3}, {4}, {5}, {6}}, ds.Shard(0, 1))

	taken := ds.Take(2)
	assert.Equal(t, 2, taken.NumExamples())
	assert.Equal(t, "test [Take 2]", taken.Name())
	assert.Same(t, ds, ds.Take(0))
}

func TestPrompts(t *testing.T) {
	tok := tokenizers.NewByteLevel()
	ds, err := NewPrompts("prompts", []string{"2+2=", "what is 12345+1=", ""}, tok, 6)
	require.NoError(t, err)
	require.Equal(t, 2, ds.NumExamples(), "empty prompt is dropped")
	assert.Equal(t, tok.Encode("2+2="), ds.Example(0))
	assert.Equal(t, tok.Encode("5+1="), ds.Example(1)[2:], "prompts are left-truncated")
	assert.Len(t, ds.Example(1), 6)

	dir := t.TempDir()
	jsonlPath := filepath.Join(dir, "prompts.jsonl")
	require.NoError(t, os.WriteFile(jsonlPath, []byte(`{"prompt": "2+2="}`+"\n\n"+`{"text": "1+1="}`+"\n"), 0644))
	ds, err = LoadPrompts(jsonlPath, tok, 0)
	require.NoError(t, err)
	assert.Equal(t, "prompts.jsonl", ds.Name())
	assert.Equal(t, [][]int{tok.Encode("2+2="), tok.Encode("1+1=")}, [][]int{ds.Example(0), ds.Example(1)})

	textPath := filepath.Join(dir, "prompts.txt")
	require.NoError(t, os.WriteFile(textPath, []byte("a\nbb\n\nccc\n"), 0644))
	ds, err = LoadPrompts(textPath, tok, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumExamples())

	badPath := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(badPath, []byte(`{"other": 1}`+"\n"), 0644))
	_, err = LoadPrompts(badPath, tok, 0)
	require.ErrorContains(t, err, "line 1")
	_, err = LoadPrompts(filepath.Join(dir, "missing.txt"), tok, 0)
	require.Error(t, err)
}

func TestCorpus(t *testing.T) {
	tok := tokenizers.NewByteLevel()
	ds := must.M1(NewCorpus("corpus", []string{"abc", "defg"}, tok, 3))
	// Stream: a b c EOS d e f g EOS -> 3 chunks of 3.
	eos := tok.EOSID()
	assert.Equal(t, [][]int{{'a', 'b', 'c'}, {eos, 'd', 'e'}, {'f', 'g', eos}},
		[][]int{ds.Example(0), ds.Example(1), ds.Example(2)})

	_, err := NewCorpus("short", []string{"a"}, tok, 3)
	require.Error(t, err)
	_, err = NewCorpus("tiny chunks", []string{"abc"}, tok, 1)
	require.Error(t, err)

	corpusPath := filepath.Join(t.TempDir(), "corpus.txt")
	require.NoError(t, os.WriteFile(corpusPath, []byte(strings.Repeat("hello world\n", 10)), 0644))
	ds, err = LoadCorpus(corpusPath, tok, 8)
	require.NoError(t, err)
	assert.Equal(t, 10*12/8, ds.NumExamples())
}
