// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/decode"
	"github.com/gomlx/distill/pkg/ml/models"
	"github.com/gomlx/distill/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Rollout is a continuation sampled for a prompt. It is created for one step and never changed.
type Rollout struct {
	// Prompt the continuation was sampled for.
	Prompt []int

	// Tokens of the continuation. If it ended with EOS (or a stop token), it is included.
	Tokens []int

	// LogProbs of each of the Tokens under the student at sampling time.
	LogProbs []float64

	// BehaviorLogProbs of each of the Tokens under the distribution they were actually sampled from (after
	// temperature, top-k/top-p and the teacher mixture).
	BehaviorLogProbs []float64

	// Termination tells why the continuation ended.
	Termination decode.Termination
}

// Generator samples rollouts from the current parameters of the student, with gradients disabled.
type Generator struct {
	student  models.CausalLanguageModel
	teacher  models.CausalLanguageModel
	mixAlpha float64
	eosID    int
	ctx      *context.Context
}

// NewGenerator creates a rollouts Generator for the student model. Generation of a continuation stops at the
// eosID token.
func NewGenerator(student models.CausalLanguageModel, eosID int) *Generator {
	return &Generator{student: student, eosID: eosID}
}

// FromContext makes the Generator configure its decoding (sampling, maximum number of new tokens, stop tokens)
// from the context hyperparameters, see decode.Decoder.FromContext.
func (gen *Generator) FromContext(ctx *context.Context) *Generator {
	gen.ctx = ctx
	return gen
}

// WithTeacherMixture makes the Generator sample from α·p_teacher + (1-α)·q_student. An alpha of 0 disables it.
func (gen *Generator) WithTeacherMixture(teacher models.CausalLanguageModel, alpha float64) *Generator {
	gen.teacher = teacher
	gen.mixAlpha = alpha
	return gen
}

// newDecoder creates the decoder for one batch of prompts.
func (gen *Generator) newDecoder() *decode.Decoder {
	decoder := decode.New(func(sequences [][]int) ([][]float64, error) {
		return models.NextTokenLogProbs(gen.student, sequences)
	})
	if gen.ctx != nil {
		decoder.FromContext(gen.ctx)
	}
	decoder.WithEOS(gen.eosID)
	if gen.mixAlpha > 0 {
		decoder.WithMixture(func(sequences [][]int) ([][]float64, error) {
			return models.NextTokenLogProbs(gen.teacher, sequences)
		}, gen.mixAlpha)
	}
	return decoder
}

// MaxNewTokens returns the length cap of the generated continuations.
func (gen *Generator) MaxNewTokens() int {
	return gen.newDecoder().MaxNewTokens()
}

// Generate samples one rollout per prompt. The sampling is deterministic for a given seed.
func (gen *Generator) Generate(prompts [][]int, seed uint64) ([]*Rollout, error) {
	outputs, err := gen.newDecoder().Decode(prompts, seed)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to generate rollouts")
	}
	rollouts := make([]*Rollout, len(outputs))
	for ii, out := range outputs {
		rollouts[ii] = &Rollout{
			Prompt:           prompts[ii],
			Tokens:           out.Tokens,
			LogProbs:         out.LogProbs,
			BehaviorLogProbs: out.BehaviorLogProbs,
			Termination:      out.Termination,
		}
	}
	return rollouts, nil
}

// numTruncated returns how many rollouts hit the length cap.
func numTruncated(rollouts []*Rollout) int {
	var count int
	for _, r := range rollouts {
		if r.Termination == decode.TerminationLength {
			count++
		}
	}
	return count
}

// numTokens returns the total number of continuation tokens.
func numTokens(rollouts []*Rollout) int {
	return xslices.Sum(xslices.Map(rollouts, func(r *Rollout) int { return len(r.Tokens) }))
}

// PadContinuations returns the continuation tokens of the rollouts in a [B][T] grid, T being the longest
// continuation, padded with padID, and the mask of the valid positions.
func PadContinuations(rollouts []*Rollout, padID int) (tokens [][]int, mask [][]bool) {
	continuations := make([][]int, len(rollouts))
	for ii, r := range rollouts {
		continuations[ii] = r.Tokens
	}
	return models.PadRight(continuations, padID)
}

// PaddedLogProbs returns the LogProbs of the rollouts in the same [B][T] layout as PadContinuations. Padded
// positions are exactly 0.
func PaddedLogProbs(rollouts []*Rollout) [][]float64 {
	var width int
	for _, r := range rollouts {
		width = max(width, len(r.LogProbs))
	}
	padded := make([][]float64, len(rollouts))
	for ii, r := range rollouts {
		padded[ii] = make([]float64, width)
		copy(padded[ii], r.LogProbs)
	}
	return padded
}

// sequenceGrid lays out the full sequences (prompt followed by continuation) of a batch of rollouts in a padded
// grid, to score the continuation tokens with one forward pass of a model.
type sequenceGrid struct {
	tokens [][]int
	mask   [][]bool
	width  int

	// targets holds, for each output row of the model, the continuation token it predicts, or -1.
	targets []int

	// rows holds, for each continuation token of each rollout, its row in targets.
	rows [][]int
}

// newSequenceGrid creates the grid for the rollouts. It fails if a rollout is not aligned, that is, if it doesn't
// have one log-probability per token.
func newSequenceGrid(rollouts []*Rollout, padID int) (*sequenceGrid, error) {
	sequences := make([][]int, len(rollouts))
	for ii, r := range rollouts {
		if len(r.Prompt) == 0 {
			return nil, errors.Errorf("rollout #%d has an empty prompt", ii)
		}
		if len(r.LogProbs) != len(r.Tokens) || len(r.BehaviorLogProbs) != len(r.Tokens) {
			return nil, errors.Errorf("rollout #%d is not aligned: %d tokens, %d log-probs and %d behavior log-probs",
				ii, len(r.Tokens), len(r.LogProbs), len(r.BehaviorLogProbs))
		}
		sequences[ii] = append(append(make([]int, 0, len(r.Prompt)+len(r.Tokens)), r.Prompt...), r.Tokens...)
	}
	sg := &sequenceGrid{}
	sg.tokens, sg.mask = models.PadRight(sequences, padID)
	if len(sg.tokens) > 0 {
		sg.width = len(sg.tokens[0])
	}
	sg.targets = make([]int, len(rollouts)*sg.width)
	for ii := range sg.targets {
		sg.targets[ii] = -1
	}
	sg.rows = make([][]int, len(rollouts))
	for ii, r := range rollouts {
		sg.rows[ii] = make([]int, len(r.Tokens))
		for jj, token := range r.Tokens {
			// The token at position len(Prompt)+jj is predicted by the output of the previous position.
			row := ii*sg.width + len(r.Prompt) + jj - 1
			sg.targets[row] = token
			sg.rows[ii][jj] = row
		}
	}
	return sg, nil
}

// tokenLogProbs returns the log-probabilities of the continuation tokens under model, shaped [B*width], with 0 on
// every other position.
func (sg *sequenceGrid) tokenLogProbs(g *graph.Graph, model models.CausalLanguageModel) *graph.Node {
	return graph.TakeAlongLastAxis(model.Forward(g, sg.tokens, sg.mask), sg.targets)
}

// perRollout gathers the per-row values back into one slice per rollout, aligned with its tokens.
func (sg *sequenceGrid) perRollout(values []float32) ([][]float64, error) {
	if len(values) != len(sg.targets) {
		return nil, errors.Errorf("got %d values for a grid of %d rows", len(values), len(sg.targets))
	}
	perRollout := make([][]float64, len(sg.rows))
	for ii, rows := range sg.rows {
		perRollout[ii] = make([]float64, len(rows))
		for jj, row := range rows {
			perRollout[ii][jj] = float64(values[row])
		}
	}
	return perRollout, nil
}

// scatter builds a per-row vector with fn(rollout, token) on the continuation rows, and 0 elsewhere.
func (sg *sequenceGrid) scatter(fn func(rollout, token int) float64) []float64 {
	values := make([]float64, len(sg.targets))
	for ii, rows := range sg.rows {
		for jj, row := range rows {
			values[row] = fn(ii, jj)
		}
	}
	return values
}

// ScoreLogProbs computes, with gradients disabled, the log-probabilities of the continuation tokens of the
// rollouts under model. The result is aligned with the tokens of each rollout.
func ScoreLogProbs(model models.CausalLanguageModel, rollouts []*Rollout, padID int) ([][]float64, error) {
	sg, err := newSequenceGrid(rollouts, padID)
	if err != nil {
		return nil, err
	}
	var logProbs [][]float64
	err = tryCatch(func() error {
		g := graph.NewGraph("score").WithNoGrad()
		var err error
		logProbs, err = sg.perRollout(sg.tokenLogProbs(g, model).Value())
		return err
	})
	return logProbs, err
}
