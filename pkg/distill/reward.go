// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"fmt"

	"github.com/gomlx/distill/pkg/ml/models"
	"github.com/gomlx/distill/pkg/tokenizers"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Reward of one rollout.
type Reward struct {
	// Value of the reward: f(TeacherLogLikelihood) - β·g(KL) + length_penalty·|y|, where f and g are the identity or
	// the division by the continuation length, see RewardNormalization.
	Value float64

	// TeacherLogProbs of each continuation token, kept for diagnostics.
	TeacherLogProbs []float64

	// TeacherLogLikelihood is the sum of TeacherLogProbs.
	TeacherLogLikelihood float64

	// KL is the sampled estimate of KL(student‖teacher): Σ_t log q_student(y_t) - log p_teacher(y_t).
	KL float64
}

// RewardConfig configures the RewardEngine.
type RewardConfig struct {
	// KLCoef is β, the coefficient of the KL penalty.
	KLCoef float64

	// LengthPenalty is added once per continuation token.
	LengthPenalty float64

	// Normalization of the teacher log-likelihood and KL terms.
	Normalization RewardNormalization
}

// RewardEngine scores rollouts with a frozen teacher. Scoring is deterministic and safe for concurrent use.
type RewardEngine struct {
	teacher models.CausalLanguageModel
	padID   int
	config  RewardConfig
}

// CheckTokenizers verifies that the student and teacher share the same tokenizer, and that both models have
// its vocabulary size. It returns a *TokenizerMismatchError otherwise.
func CheckTokenizers(studentTokenizer, teacherTokenizer tokenizers.Tokenizer,
	student, teacher models.CausalLanguageModel) error {
	if studentTokenizer.Fingerprint() != teacherTokenizer.Fingerprint() {
		return &TokenizerMismatchError{Reason: fmt.Sprintf("student tokenizer fingerprint %s != teacher tokenizer fingerprint %s",
			studentTokenizer.Fingerprint(), teacherTokenizer.Fingerprint())}
	}
	vocabSize := studentTokenizer.VocabSize()
	if student.VocabSize() != vocabSize {
		return &TokenizerMismatchError{Reason: fmt.Sprintf("student %s model vocabulary size %d != tokenizer vocabulary size %d",
			student.Family(), student.VocabSize(), vocabSize)}
	}
	if teacher.VocabSize() != vocabSize {
		return &TokenizerMismatchError{Reason: fmt.Sprintf("teacher %s model vocabulary size %d != tokenizer vocabulary size %d",
			teacher.Family(), teacher.VocabSize(), vocabSize)}
	}
	return nil
}

// NewRewardEngine creates a RewardEngine for the teacher, which must be frozen (see models.Freeze).
//
// The tokenizer is the one shared by student and teacher (see CheckTokenizers): it must have the teacher's
// vocabulary size.
func NewRewardEngine(teacher models.CausalLanguageModel, tokenizer tokenizers.Tokenizer, config RewardConfig) (*RewardEngine, error) {
	if !teacher.IsFrozen() {
		return nil, errors.Errorf("reward engine requires a frozen teacher, but the %s teacher model is trainable",
			teacher.Family())
	}
	if teacher.VocabSize() != tokenizer.VocabSize() {
		return nil, &TokenizerMismatchError{Reason: fmt.Sprintf("teacher %s model vocabulary size %d != tokenizer vocabulary size %d",
			teacher.Family(), teacher.VocabSize(), tokenizer.VocabSize())}
	}
	if config.KLCoef < 0 {
		return nil, errors.Errorf("reward engine KL coefficient must be >= 0, got %g", config.KLCoef)
	}
	if !config.Normalization.IsARewardNormalization() {
		return nil, errors.Errorf("invalid reward normalization %s", config.Normalization)
	}
	return &RewardEngine{teacher: teacher, padID: tokenizer.PadID(), config: config}, nil
}

// Teacher model used to score the rollouts.
func (e *RewardEngine) Teacher() models.CausalLanguageModel { return e.teacher }

// Score computes the reward of each rollout. The teacher runs with gradients disabled, and the per-token
// log-probabilities are accumulated in float64.
func (e *RewardEngine) Score(rollouts []*Rollout) ([]Reward, error) {
	teacherLogProbs, err := ScoreLogProbs(e.teacher, rollouts, e.padID)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to score rollouts with the teacher")
	}
	rewards := make([]Reward, len(rollouts))
	for ii, r := range rollouts {
		rewards[ii] = e.reward(r, teacherLogProbs[ii])
	}
	return rewards, nil
}

// reward of one rollout given the teacher log-probabilities of its tokens.
func (e *RewardEngine) reward(r *Rollout, teacherLogProbs []float64) Reward {
	reward := Reward{
		TeacherLogProbs:      teacherLogProbs,
		TeacherLogLikelihood: floats.Sum(teacherLogProbs),
	}
	reward.KL = floats.Sum(r.LogProbs) - reward.TeacherLogLikelihood
	teacherTerm, klTerm := reward.TeacherLogLikelihood, reward.KL
	numTokens := float64(len(r.Tokens))
	if e.config.Normalization == RewardNormalizationLength && numTokens > 0 {
		teacherTerm /= numTokens
		klTerm /= numTokens
	}
	reward.Value = teacherTerm
	if e.config.KLCoef != 0 {
		reward.Value -= e.config.KLCoef * klTerm
	}
	if e.config.LengthPenalty != 0 {
		reward.Value += e.config.LengthPenalty * numTokens
	}
	return reward
}

// Values returns the reward values.
func Values(rewards []Reward) []float64 {
	values := make([]float64, len(rewards))
	for ii, r := range rewards {
		values[ii] = r.Value
	}
	return values
}
