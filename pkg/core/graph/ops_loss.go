// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"

	"github.com/gomlx/exceptions"
)

// PolicyGradient returns the scalar policy-gradient loss for the per-token log-probabilities logProbs (shaped [m])
// of sampled tokens under the current policy.
//
// For each token i, advantages[i] is the advantage of its sequence and weights[i] its weight in the loss (0 for
// padding, 1/N for a normalization by N). Then:
//
//   - clip == 0 (REINFORCE): loss = -Σ_i weights[i]·advantages[i]·logProbs[i].
//   - clip > 0 (clipped surrogate): with ratio r_i = exp(logProbs[i] - behaviorLogProbs[i]),
//     loss = -Σ_i weights[i]·min(r_i·A_i, clamp(r_i, 1-clip, 1+clip)·A_i).
//
// behaviorLogProbs are the log-probabilities of the tokens under the distribution they were sampled from;
// they are only used when clip > 0, and can be nil otherwise. The loss is accumulated in float64.
func PolicyGradient(logProbs *Node, behaviorLogProbs, advantages, weights []float64, clip float64) *Node {
	checkRank("PolicyGradient", logProbs, 1)
	m := logProbs.shape.Dimensions[0]
	if len(advantages) != m || len(weights) != m || (clip > 0 && len(behaviorLogProbs) != m) {
		exceptions.Panicf("graph.PolicyGradient: advantages (%d), weights (%d) and behavior log-probs (%d) "+
			"must match the %d log-probs", len(advantages), len(weights), len(behaviorLogProbs), m)
	}
	if clip < 0 {
		exceptions.Panicf("graph.PolicyGradient: clip must be >= 0, got %g", clip)
	}

	// dLoss/dLogProbs for each token, computed along with the loss.
	dLogProbs := make([]float64, m)
	var loss float64
	for ii := range m {
		w := weights[ii]
		if w == 0 {
			continue
		}
		advantage := advantages[ii]
		logP := float64(logProbs.value[ii])
		if clip == 0 {
			loss -= w * advantage * logP
			dLogProbs[ii] = -w * advantage
			continue
		}
		ratio := math.Exp(logP - behaviorLogProbs[ii])
		unclipped := ratio * advantage
		clipped := min(max(ratio, 1-clip), 1+clip) * advantage
		if unclipped <= clipped {
			loss -= w * unclipped
			dLogProbs[ii] = -w * unclipped // d(r·A)/dlogP = r·A
		} else {
			loss -= w * clipped // Constant in logP: no gradient.
		}
	}

	var out *Node
	out = logProbs.graph.newNode("PolicyGradient", []float32{float32(loss)}, nil, []*Node{logProbs}, func() {
		gx := gradOf(logProbs)
		d := float64(out.grad[0])
		for ii, dl := range dLogProbs {
			gx[ii] += float32(dl * d)
		}
	})
	return out
}
