// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sample provides the sampling strategies for autoregressive generation.
//
// Sampling is done one position at a time, on the log-probabilities (or logits) output by a model for the
// next token: Config.LogDistribution transforms them into the distribution actually sampled from, and Draw
// samples a token from it. Keeping the transformed distribution around is what allows the caller to record
// the behavior log-probability of each sampled token.
package sample

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Strategy represents the different types of sampling available.
//
//go:generate go tool enumer -type=Strategy -trimprefix=Strategy -transform=snake -json -yaml -text -output=gen_strategy_enumer.go
type Strategy int

const (
	StrategyGreedy Strategy = iota
	StrategyTemperature
	StrategyTopK
	StrategyTopP
)

var (
	// ParamStrategy is the sampling strategy, one of "greedy", "temperature", "top_k" or "top_p".
	ParamStrategy = "sampling_strategy"

	// ParamTemperature scales the logits before sampling. Default is 1.0.
	ParamTemperature = "sampling_temperature"

	// ParamTopK is the number of most likely tokens kept by StrategyTopK. With StrategyTopP, if > 0,
	// the top-k truncation is applied before the nucleus one.
	ParamTopK = "sampling_top_k"

	// ParamTopP is the probability mass kept by StrategyTopP (nucleus sampling).
	ParamTopP = "sampling_top_p"
)

// Config of the sampling.
type Config struct {
	Strategy    Strategy
	Temperature float64
	TopK        int
	TopP        float64
}

// FromContext reads the sampling configuration from the context parameters.
func FromContext(ctx *context.Context) (Config, error) {
	strategyName := context.GetParamOr(ctx, ParamStrategy, StrategyTemperature.String())
	strategy, err := StrategyString(strategyName)
	if err != nil {
		return Config{}, errors.WithMessagef(err, "invalid value for %q, valid values are %q",
			ParamStrategy, StrategyStrings())
	}
	c := Config{
		Strategy:    strategy,
		Temperature: context.GetParamOr(ctx, ParamTemperature, 1.0),
		TopK:        context.GetParamOr(ctx, ParamTopK, 0),
		TopP:        context.GetParamOr(ctx, ParamTopP, 1.0),
	}
	return c, c.Validate()
}

// Validate returns an error if the configuration is not valid for its strategy.
func (c Config) Validate() error {
	if !c.Strategy.IsAStrategy() {
		return errors.Errorf("unknown sampling strategy %s", c.Strategy)
	}
	if c.Strategy == StrategyGreedy {
		return nil
	}
	if c.Temperature <= 0 || math.IsInf(c.Temperature, 0) || math.IsNaN(c.Temperature) {
		return errors.Errorf("sampling temperature must be > 0, got %g", c.Temperature)
	}
	if c.TopK < 0 || (c.Strategy == StrategyTopK && c.TopK == 0) {
		return errors.Errorf("sampling top-k must be > 0 for strategy %s, got %d", c.Strategy, c.TopK)
	}
	if c.Strategy == StrategyTopP && (c.TopP <= 0 || c.TopP > 1) {
		return errors.Errorf("sampling top-p must be in (0, 1], got %g", c.TopP)
	}
	return nil
}

// LogDistribution returns the log-probabilities of the distribution to sample from, given the logits (or
// log-probabilities) of the model for the next token. Tokens that can't be sampled get -Inf.
//
// The returned distribution is normalized: the greedy strategy returns 0 for the most likely token.
func (c Config) LogDistribution(logits []float64) []float64 {
	logDist := make([]float64, len(logits))
	if c.Strategy == StrategyGreedy {
		for ii := range logDist {
			logDist[ii] = math.Inf(-1)
		}
		logDist[Greedy(logits)] = 0
		return logDist
	}
	for ii, v := range logits {
		logDist[ii] = v / c.Temperature
	}
	LogNormalize(logDist)
	switch c.Strategy {
	case StrategyTopK:
		keepTopK(logDist, c.TopK)
	case StrategyTopP:
		if c.TopK > 0 {
			keepTopK(logDist, c.TopK)
		}
		keepTopP(logDist, c.TopP)
	}
	return logDist
}

// LogNormalize normalizes logits in place into log-probabilities (a log-softmax).
func LogNormalize(logits []float64) {
	logZ := floats.LogSumExp(logits)
	floats.AddConst(-logZ, logits)
}

// sortedByValue returns the indices of values sorted in decreasing order of value. Ties are broken by index.
func sortedByValue(values []float64) []int {
	indices := make([]int, len(values))
	for ii := range indices {
		indices[ii] = ii
	}
	sort.SliceStable(indices, func(i, j int) bool { return values[indices[i]] > values[indices[j]] })
	return indices
}

// keepTopK masks all but the k most likely tokens, and renormalizes.
func keepTopK(logDist []float64, k int) {
	if k >= len(logDist) {
		return
	}
	for _, idx := range sortedByValue(logDist)[k:] {
		logDist[idx] = math.Inf(-1)
	}
	LogNormalize(logDist)
}

// keepTopP keeps the smallest set of most likely tokens whose probability mass reaches p, and renormalizes.
// The most likely token is always kept.
func keepTopP(logDist []float64, p float64) {
	if p >= 1 {
		return
	}
	var mass float64
	indices := sortedByValue(logDist)
	for ii, idx := range indices {
		mass += math.Exp(logDist[idx])
		if mass >= p {
			for _, masked := range indices[ii+1:] {
				logDist[masked] = math.Inf(-1)
			}
			break
		}
	}
	LogNormalize(logDist)
}

// Greedy returns the index of the largest value. Ties are broken by the lowest index.
func Greedy(logits []float64) int {
	return floats.MaxIdx(logits)
}

// Draw samples an index from the log-distribution (as returned by Config.LogDistribution), using rng.
func Draw(rng *rand.Rand, logDist []float64) int {
	u := rng.Float64()
	var cumulative float64
	last := -1
	for ii, logP := range logDist {
		if math.IsInf(logP, -1) {
			continue
		}
		cumulative += math.Exp(logP)
		last = ii
		if u < cumulative {
			return ii
		}
	}
	// Rounding errors may leave the cumulative mass slightly below 1.
	return last
}

// Mix returns the log-probabilities of the mixture `alpha·p + (1-alpha)·q`, given log p and log q.
// It's used to sample from a mixture of the teacher (p) and the student (q) distributions.
func Mix(logP, logQ []float64, alpha float64) []float64 {
	if alpha <= 0 {
		return append([]float64(nil), logQ...)
	}
	if alpha >= 1 {
		return append([]float64(nil), logP...)
	}
	logAlpha, logOneMinusAlpha := math.Log(alpha), math.Log1p(-alpha)
	mixed := make([]float64, len(logP))
	for ii := range mixed {
		mixed[ii] = logAddExp(logAlpha+logP[ii], logOneMinusAlpha+logQ[ii])
	}
	return mixed
}

// logAddExp returns log(exp(a) + exp(b)) without overflow.
func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
