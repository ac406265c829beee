// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decode implements autoregressive generation of token sequences, as used to sample rollouts from
// a policy model.
//
// A Decoder is configured with its With* methods (or from the context hyperparameters, see
// Decoder.FromContext), and then Decoder.Decode generates one continuation per prompt. Besides the tokens, it
// records for each generated token its log-probability under the model and under the distribution it was
// actually sampled from (after temperature, top-k/top-p and, optionally, mixing with a second model).
//
// Example:
//
//	decoder := decode.New(func(sequences [][]int) ([][]float64, error) {
//		return models.NextTokenLogProbs(student, sequences)
//	}).FromContext(ctx).WithEOS(tokenizer.EOSID())
//	outputs, err := decoder.Decode(prompts, seed)
package decode

import (
	"math"
	"math/rand/v2"
	"runtime"
	"slices"

	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/decode/sample"
	"github.com/gomlx/distill/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Hyperparameter keys for context configuration. The sampling itself is configured with the sample package
// hyperparameters (sample.ParamStrategy, sample.ParamTemperature, etc.).
const (
	// ParamMaxNewTokens is the maximum number of tokens generated per prompt. Default is 64.
	ParamMaxNewTokens = "decode_max_new_tokens"

	// ParamStopTokens is a list ([]int) of token ids that, besides the EOS token, end the generation.
	// The stop token is included in the output.
	ParamStopTokens = "decode_stop_tokens"

	// ParamParallelism is the maximum number of rows sampled in parallel. Default is 0, which uses the number of
	// CPUs. A value < 0 disables parallelism.
	ParamParallelism = "decode_parallelism"
)

// NextTokenFn returns, for each of the sequences (a prompt followed by the tokens generated so far), the
// log-probabilities (or logits) of the next token over the vocabulary.
//
// It may be called concurrently only if the Decoder is used concurrently.
type NextTokenFn func(sequences [][]int) ([][]float64, error)

// Termination is the reason the generation of a sequence ended.
//
//go:generate go tool enumer -type=Termination -trimprefix=Termination -transform=snake -json -yaml -text -output=gen_termination_enumer.go
type Termination int

const (
	// TerminationEOS means the EOS token was generated.
	TerminationEOS Termination = iota

	// TerminationStop means one of the stop tokens was generated.
	TerminationStop

	// TerminationLength means the maximum number of new tokens was reached.
	TerminationLength
)

// Output of the generation for one prompt.
type Output struct {
	// Tokens generated, not including the prompt. It includes the EOS (or stop) token that ended the generation.
	Tokens []int

	// LogProbs of each of the Tokens under the model (before temperature or any other transformation).
	LogProbs []float64

	// BehaviorLogProbs of each of the Tokens under the distribution they were sampled from.
	BehaviorLogProbs []float64

	// Termination reason.
	Termination Termination
}

// Decoder configures and executes autoregressive generation.
type Decoder struct {
	nextTokenFn  NextTokenFn
	mixFn        NextTokenFn
	mixAlpha     float64
	sampling     sample.Config
	maxNewTokens int
	eosID        int
	stopTokens   sets.Set[int]
	parallelism  int

	// used is set on the first call to Decode, after which the configuration can no longer change.
	used bool
	err  error
}

// New creates a decoder that samples from the distribution returned by nextTokenFn.
//
// The defaults are: sampling with temperature 1.0, at most 64 new tokens and no EOS token.
func New(nextTokenFn NextTokenFn) *Decoder {
	return &Decoder{
		nextTokenFn:  nextTokenFn,
		sampling:     sample.Config{Strategy: sample.StrategyTemperature, Temperature: 1, TopP: 1},
		maxNewTokens: 64,
		eosID:        -1,
		stopTokens:   sets.Make[int](),
		parallelism:  runtime.NumCPU(),
	}
}

// setErr records the first configuration error.
func (d *Decoder) setErr(err error) {
	if d.err == nil {
		d.err = err
	}
}

// checkNotUsed records an error if the configuration is changed after Decode was called.
func (d *Decoder) checkNotUsed(method string) bool {
	if d.used {
		d.setErr(errors.Errorf("Decoder.%s: cannot change configuration after Decode was called", method))
		return false
	}
	return true
}

// FromContext configures the decoder with the hyperparameters in ctx: the sampling configuration (see
// sample.FromContext), ParamMaxNewTokens, ParamStopTokens and ParamParallelism.
//
// Hyperparameters not set keep the current configuration.
func (d *Decoder) FromContext(ctx *context.Context) *Decoder {
	if !d.checkNotUsed("FromContext") {
		return d
	}
	sampling, err := sample.FromContext(ctx)
	if err != nil {
		d.setErr(err)
		return d
	}
	d.sampling = sampling
	d.maxNewTokens = context.GetParamOr(ctx, ParamMaxNewTokens, d.maxNewTokens)
	if stopTokens := context.GetParamOr(ctx, ParamStopTokens, []int(nil)); len(stopTokens) > 0 {
		d.WithStopTokens(stopTokens...)
	}
	if parallelism := context.GetParamOr(ctx, ParamParallelism, 0); parallelism != 0 {
		d.WithParallelism(parallelism)
	}
	return d
}

// WithSampling sets the sampling configuration.
func (d *Decoder) WithSampling(sampling sample.Config) *Decoder {
	if d.checkNotUsed("WithSampling") {
		d.sampling = sampling
	}
	return d
}

// WithMaxNewTokens sets the maximum number of tokens generated per prompt.
func (d *Decoder) WithMaxNewTokens(maxNewTokens int) *Decoder {
	if d.checkNotUsed("WithMaxNewTokens") {
		d.maxNewTokens = maxNewTokens
	}
	return d
}

// WithEOS sets the end-of-sequence token id. Generation of a sequence stops when it is generated.
// A negative value disables it.
func (d *Decoder) WithEOS(eosID int) *Decoder {
	if d.checkNotUsed("WithEOS") {
		d.eosID = eosID
	}
	return d
}

// WithStopTokens adds tokens that also end the generation of a sequence.
func (d *Decoder) WithStopTokens(tokens ...int) *Decoder {
	if d.checkNotUsed("WithStopTokens") {
		d.stopTokens.Insert(tokens...)
	}
	return d
}

// WithMixture makes the decoder sample from the mixture `alpha·p + (1-alpha)·q`, where p is given by mixFn
// and q by the decoder's model. The sampling transformations (temperature, top-k, top-p) are applied to the
// mixture. Output.LogProbs is still the model log-probabilities, and Output.BehaviorLogProbs those of the
// mixture.
//
// An alpha of 0 disables the mixture.
func (d *Decoder) WithMixture(mixFn NextTokenFn, alpha float64) *Decoder {
	if d.checkNotUsed("WithMixture") {
		d.mixFn = mixFn
		d.mixAlpha = alpha
	}
	return d
}

// WithParallelism sets the maximum number of rows sampled in parallel. A value < 0 disables parallelism.
func (d *Decoder) WithParallelism(parallelism int) *Decoder {
	if d.checkNotUsed("WithParallelism") {
		d.parallelism = max(parallelism, 0)
	}
	return d
}

// MaxNewTokens returns the configured maximum number of tokens generated per prompt.
func (d *Decoder) MaxNewTokens() int { return d.maxNewTokens }

// validate checks the configuration.
func (d *Decoder) validate() error {
	if d.err != nil {
		return d.err
	}
	if d.nextTokenFn == nil {
		return errors.New("Decoder: nextTokenFn is nil")
	}
	if d.maxNewTokens <= 0 {
		return errors.Errorf("Decoder: max new tokens must be > 0, got %d", d.maxNewTokens)
	}
	if d.mixAlpha < 0 || d.mixAlpha > 1 {
		return errors.Errorf("Decoder: mixture alpha must be in [0, 1], got %g", d.mixAlpha)
	}
	if d.mixAlpha > 0 && d.mixFn == nil {
		return errors.Errorf("Decoder: mixture alpha %g given without a mixture model", d.mixAlpha)
	}
	return errors.WithMessage(d.sampling.Validate(), "Decoder")
}

// forEachRow calls fn(ii) for ii in [0, n), with at most d.parallelism calls running concurrently, and
// returns when all of them returned.
func (d *Decoder) forEachRow(n int, fn func(ii int)) {
	if d.parallelism <= 1 || n <= 1 {
		for ii := range n {
			fn(ii)
		}
		return
	}
	var group errgroup.Group
	group.SetLimit(d.parallelism)
	for ii := range n {
		group.Go(func() error {
			fn(ii)
			return nil
		})
	}
	_ = group.Wait()
}

// Decode generates one continuation for each of the prompts. Prompts can't be empty.
//
// The random draws of each row are seeded by seed and the row index only, so the outputs are the same
// for the same seed, regardless of the parallelism used.
func (d *Decoder) Decode(prompts [][]int, seed uint64) ([]Output, error) {
	d.used = true
	if err := d.validate(); err != nil {
		return nil, err
	}
	for ii, prompt := range prompts {
		if len(prompt) == 0 {
			return nil, errors.Errorf("Decoder.Decode: prompt #%d is empty", ii)
		}
	}

	numRows := len(prompts)
	outputs := make([]Output, numRows)
	sequences := make([][]int, numRows)
	rngs := make([]*rand.Rand, numRows)
	for ii, prompt := range prompts {
		sequences[ii] = slices.Clone(prompt)
		rngs[ii] = rand.New(rand.NewPCG(seed, uint64(ii)))
	}
	active := make([]int, numRows) // Indices of the rows still being generated.
	for ii := range active {
		active[ii] = ii
	}

	for len(active) > 0 {
		activeSequences := make([][]int, len(active))
		for ii, row := range active {
			activeSequences[ii] = sequences[row]
		}
		modelLogProbs, err := d.callNextTokenFn(d.nextTokenFn, activeSequences)
		if err != nil {
			return nil, err
		}
		var mixLogProbs [][]float64
		if d.mixAlpha > 0 {
			mixLogProbs, err = d.callNextTokenFn(d.mixFn, activeSequences)
			if err != nil {
				return nil, errors.WithMessage(err, "mixture model")
			}
		}

		// Sample the next token of each active row.
		rowErrs := make([]error, len(active))
		d.forEachRow(len(active), func(ii int) {
			row := active[ii]
			logQ := modelLogProbs[ii]
			sample.LogNormalize(logQ)
			if hasNaN(logQ) {
				rowErrs[ii] = errors.Errorf("Decoder.Decode: model returned NaN log-probabilities for row %d "+
					"after %d tokens", row, len(outputs[row].Tokens))
				return
			}
			base := logQ
			if mixLogProbs != nil {
				logP := mixLogProbs[ii]
				sample.LogNormalize(logP)
				base = sample.Mix(logP, logQ, d.mixAlpha)
			}
			behavior := d.sampling.LogDistribution(base)
			token := sample.Draw(rngs[row], behavior)
			out := &outputs[row]
			out.Tokens = append(out.Tokens, token)
			out.LogProbs = append(out.LogProbs, logQ[token])
			out.BehaviorLogProbs = append(out.BehaviorLogProbs, behavior[token])
		})
		for _, err := range rowErrs {
			if err != nil {
				return nil, err
			}
		}

		// Update sequences and find the rows that are done.
		stillActive := active[:0]
		for _, row := range active {
			out := &outputs[row]
			token := out.Tokens[len(out.Tokens)-1]
			sequences[row] = append(sequences[row], token)
			switch {
			case d.eosID >= 0 && token == d.eosID:
				out.Termination = TerminationEOS
			case d.stopTokens.Has(token):
				out.Termination = TerminationStop
			case len(out.Tokens) >= d.maxNewTokens:
				out.Termination = TerminationLength
			default:
				stillActive = append(stillActive, row)
			}
		}
		active = stillActive
	}
	return outputs, nil
}

// callNextTokenFn calls fn and checks its output dimensions.
func (d *Decoder) callNextTokenFn(fn NextTokenFn, sequences [][]int) ([][]float64, error) {
	logProbs, err := fn(sequences)
	if err != nil {
		return nil, errors.WithMessage(err, "Decoder.Decode: failed to compute next token distribution")
	}
	if len(logProbs) != len(sequences) {
		return nil, errors.Errorf("Decoder.Decode: next token function returned %d distributions for %d sequences",
			len(logProbs), len(sequences))
	}
	for ii, row := range logProbs {
		if len(row) == 0 || len(row) != len(logProbs[0]) {
			return nil, errors.Errorf("Decoder.Decode: next token distribution #%d has invalid size %d", ii, len(row))
		}
	}
	return logProbs, nil
}

func hasNaN(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
