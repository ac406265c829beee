// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models defines the causal language models that can be distilled, and a registry of model
// families to build them by name.
//
// All models implement CausalLanguageModel: given a batch of token sequences they return, for every position,
// the log-probabilities of the next token. Models store their variables in a context.Context, so they can be
// trained, checkpointed and frozen (see Freeze) like any other variable.
//
// Example:
//
//	ctx := context.New()
//	ctx.SetParams(map[string]any{models.ParamHiddenDim: 128})
//	model := must.M1(models.Build(ctx.In("student"), models.FamilyMLP, tokenizer.VocabSize()))
package models

import (
	"slices"
	"sync"

	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Family of a model, used to select its architecture.
//
//go:generate go tool enumer -type=Family -trimprefix=Family -transform=snake -json -yaml -text -output=gen_family_enumer.go
type Family int

const (
	// FamilyBigram predicts the next token from the last token only.
	FamilyBigram Family = iota

	// FamilyMLP predicts the next token from a window of the last ParamContextLength tokens, with one
	// hidden layer.
	FamilyMLP
)

var (
	// ParamFamily is the context parameter with the name of the model family. Default is "mlp".
	ParamFamily = "model_family"

	// ParamEmbedDim is the dimension of the token embeddings. Default is 32.
	ParamEmbedDim = "model_embed_dim"

	// ParamHiddenDim is the dimension of the hidden layer of FamilyMLP models. Default is 64.
	ParamHiddenDim = "model_hidden_dim"

	// ParamContextLength is the number of tokens used by FamilyMLP models to predict the next one. Default is 4.
	ParamContextLength = "model_context_length"
)

// CausalLanguageModel is implemented by all models that can be trained or used as a teacher.
type CausalLanguageModel interface {
	// Forward returns the log-probabilities of the next token for every position of tokens, shaped
	// [batchSize * seqLen, vocabSize]: row b*seqLen+t is the distribution of the token following tokens[b][t].
	//
	// All rows of tokens must have the same length. mask[b][t] is false for padding positions, which are
	// not seen by the model. A nil mask means no padding.
	//
	// It panics (with exceptions.Panicf) on invalid inputs.
	Forward(g *graph.Graph, tokens [][]int, mask [][]bool) *graph.Node

	// IsFrozen returns whether the model parameters are read-only.
	IsFrozen() bool

	// VocabSize is the number of distinct tokens the model predicts.
	VocabSize() int

	// Family of the model.
	Family() Family

	// Context holding the model variables.
	Context() *context.Context
}

// BuilderFn creates a model of a registered family. The model hyperparameters are read from ctx, and its
// variables are created (or loaded) in ctx.
type BuilderFn func(ctx *context.Context, vocabSize int) (CausalLanguageModel, error)

var (
	registryMu sync.Mutex
	registry   = make(map[Family]BuilderFn)
)

func init() {
	Register(FamilyBigram, func(ctx *context.Context, vocabSize int) (CausalLanguageModel, error) {
		return New(ctx, FamilyBigram, vocabSize)
	})
	Register(FamilyMLP, func(ctx *context.Context, vocabSize int) (CausalLanguageModel, error) {
		return New(ctx, FamilyMLP, vocabSize)
	})
}

// Register the builder of a model family. It replaces any previous builder registered for the family.
func Register(family Family, builderFn BuilderFn) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[family] = builderFn
}

// Families returns the registered model families, sorted.
func Families() []Family {
	registryMu.Lock()
	defer registryMu.Unlock()
	families := make([]Family, 0, len(registry))
	for family := range registry {
		families = append(families, family)
	}
	slices.Sort(families)
	return families
}

// Build a model of the given family with the registered builder.
func Build(ctx *context.Context, family Family, vocabSize int) (CausalLanguageModel, error) {
	registryMu.Lock()
	builderFn, found := registry[family]
	registryMu.Unlock()
	if !found {
		return nil, errors.Errorf("model family %s is not registered, registered families are %v", family, Families())
	}
	var model CausalLanguageModel
	err := exceptions.TryCatch[error](func() {
		var buildErr error
		model, buildErr = builderFn(ctx, vocabSize)
		if buildErr != nil {
			panic(buildErr)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build %s model", family)
	}
	if model.VocabSize() != vocabSize {
		return nil, errors.Errorf("%s model built with vocabulary size %d, but %d was requested",
			family, model.VocabSize(), vocabSize)
	}
	return model, nil
}

// FamilyFromContext returns the family set in ParamFamily, or defaultFamily if it is not set.
func FamilyFromContext(ctx *context.Context, defaultFamily Family) (Family, error) {
	name := context.GetParamOr(ctx, ParamFamily, "")
	if name == "" {
		return defaultFamily, nil
	}
	family, err := FamilyString(name)
	if err != nil {
		return 0, errors.WithMessagef(err, "invalid value for %q, valid values are %q", ParamFamily, FamilyStrings())
	}
	return family, nil
}

// PadRight pads the sequences to the same length with padID, and returns the token grid and its mask (false for
// padding positions).
func PadRight(sequences [][]int, padID int) (tokens [][]int, mask [][]bool) {
	var maxLen int
	for _, seq := range sequences {
		maxLen = max(maxLen, len(seq))
	}
	tokens = make([][]int, len(sequences))
	mask = make([][]bool, len(sequences))
	for ii, seq := range sequences {
		tokens[ii] = make([]int, maxLen)
		mask[ii] = make([]bool, maxLen)
		copy(tokens[ii], seq)
		for jj := range maxLen {
			if jj < len(seq) {
				mask[ii][jj] = true
			} else {
				tokens[ii][jj] = padID
			}
		}
	}
	return
}

// lastPositionForwarder is implemented by models that can compute the next-token distribution of the last
// position only, without computing the other positions.
type lastPositionForwarder interface {
	ForwardLast(g *graph.Graph, sequences [][]int) *graph.Node
}

// NextTokenLogProbs returns, for each of the sequences, the log-probabilities of the token that follows it.
// It runs the model in a no-gradient graph. Sequences may have different lengths, but can't be empty.
//
// It's safe for concurrent use as long as the model parameters are not being changed.
func NextTokenLogProbs(model CausalLanguageModel, sequences [][]int) ([][]float64, error) {
	for ii, seq := range sequences {
		if len(seq) == 0 {
			return nil, errors.Errorf("NextTokenLogProbs: sequence #%d is empty", ii)
		}
	}
	vocabSize := model.VocabSize()
	logProbs := make([][]float64, len(sequences))
	err := exceptions.TryCatch[error](func() {
		g := graph.NewGraph("next_token").WithNoGrad()
		var rows []int
		var output *graph.Node
		if forwarder, ok := model.(lastPositionForwarder); ok {
			output = forwarder.ForwardLast(g, sequences)
			rows = make([]int, len(sequences))
			for ii := range rows {
				rows[ii] = ii
			}
		} else {
			tokens, mask := PadRight(sequences, 0)
			output = model.Forward(g, tokens, mask)
			seqLen := len(tokens[0])
			rows = make([]int, len(sequences))
			for ii, seq := range sequences {
				rows[ii] = ii*seqLen + len(seq) - 1
			}
		}
		values := output.Value()
		for ii, row := range rows {
			logProbs[ii] = make([]float64, vocabSize)
			for jj, v := range values[row*vocabSize : (row+1)*vocabSize] {
				logProbs[ii][jj] = float64(v)
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compute next token log-probabilities of %s model", model.Family())
	}
	return logProbs, nil
}
