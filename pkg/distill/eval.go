// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	stdcontext "context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/distill/pkg/core/distributed"
	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/models"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// EvalResult holds the evaluation of the student at one step, aggregated across all replicas.
type EvalResult struct {
	// Step (global step) of the student evaluated.
	Step int

	// NumPrompts evaluated.
	NumPrompts int

	// RewardMean and RewardVariance (unbiased) over the evaluation prompts. NaN if there are no prompts.
	RewardMean, RewardVariance float64

	// KLMean is the mean of the sampled KL(student‖teacher) estimates of the rollouts.
	KLMean float64

	// MeanLength is the mean number of tokens of the continuations.
	MeanLength float64

	// NumTruncated is the number of continuations that hit the length cap.
	NumTruncated int

	// LMLoss is the mean next-token negative log-likelihood over the evaluation corpus. NaN if there is none.
	LMLoss float64
}

// String implements fmt.Stringer.
func (r *EvalResult) String() string {
	s := fmt.Sprintf("step %d: reward=%.4g (±%.3g) over %d prompts, kl=%.4g, length=%.1f",
		r.Step, r.RewardMean, math.Sqrt(r.RewardVariance), r.NumPrompts, r.KLMean, r.MeanLength)
	if !math.IsNaN(r.LMLoss) {
		s += fmt.Sprintf(", lm loss=%.4g", r.LMLoss)
	}
	return s
}

// Values returns the evaluation metrics by name, as recorded in the run log.
func (r *EvalResult) Values() map[string]float64 {
	return map[string]float64{
		"Reward":          r.RewardMean,
		"Reward Variance": r.RewardVariance,
		"KL":              r.KLMean,
		"Length":          r.MeanLength,
		"Truncated":       float64(r.NumTruncated),
		"LM Loss":         r.LMLoss,
	}
}

// evalStream is mixed into the seed of the evaluation rollouts, so they differ from the training ones.
const evalStream = 0xe7a1

// Evaluator runs the evaluations of one replica. Rollouts are sampled from the student only (no teacher mixture),
// with gradients disabled and a fixed seed, so evaluations at different steps are comparable.
//
// Each replica evaluates its own shard of the prompts and corpus chunks, and the results are aggregated with
// collectives: all replicas must call Evaluate at the same steps.
type Evaluator struct {
	tc      *distributed.TrainingContext
	goCtx   stdcontext.Context
	config  *Config
	student models.CausalLanguageModel
	enabled bool

	generator *Generator
	rewards   *RewardEngine

	prompts, chunks [][]int
}

// NewEvaluator creates the Evaluator of one replica, for the evaluation datasets in data. Either of them can be
// nil.
func NewEvaluator(tc *distributed.TrainingContext, ctx *context.Context, config *Config,
	student models.CausalLanguageModel, rewards *RewardEngine, data *Data) *Evaluator {
	e := &Evaluator{
		tc:        tc,
		goCtx:     stdcontext.Background(),
		config:    config,
		student:   student,
		enabled:   data.EvalPrompts != nil || data.EvalLMCorpus != nil,
		generator: NewGenerator(student, data.Tokenizer.EOSID()).FromContext(ctx),
		rewards:   rewards,
	}
	if data.EvalPrompts != nil {
		e.prompts = data.EvalPrompts.Take(config.EvalMaxPrompts).Shard(tc.Rank, tc.WorldSize)
	}
	if data.EvalLMCorpus != nil {
		e.chunks = data.EvalLMCorpus.Shard(tc.Rank, tc.WorldSize)
	}
	return e
}

// WithCollectiveContext sets the context used for the collectives, see Trainer.WithCollectiveContext.
func (e *Evaluator) WithCollectiveContext(goCtx stdcontext.Context) *Evaluator {
	e.goCtx = goCtx
	return e
}

// Enabled returns whether there is anything to evaluate, on any replica.
func (e *Evaluator) Enabled() bool {
	return e.enabled
}

// Evaluate the student at the given global step. It doesn't change the student.
func (e *Evaluator) Evaluate(step int) (*EvalResult, error) {
	result := &EvalResult{Step: step, LMLoss: math.NaN()}
	var rewards, kls, lengths []float64
	var truncated int
	batchSize := e.config.EvalBatchSize
	for batchIdx, start := 0, 0; start < len(e.prompts); batchIdx, start = batchIdx+1, start+batchSize {
		prompts := e.prompts[start:min(start+batchSize, len(e.prompts))]
		seed := rand.New(rand.NewPCG(e.config.Seed^evalStream, uint64(e.tc.Rank)<<32|uint64(batchIdx))).Uint64()
		rollouts, err := e.generator.Generate(prompts, seed)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluation at step %d", step)
		}
		batchRewards, err := e.rewards.Score(rollouts)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluation at step %d", step)
		}
		for ii, r := range batchRewards {
			rewards = append(rewards, r.Value)
			kls = append(kls, r.KL)
			lengths = append(lengths, float64(len(rollouts[ii].Tokens)))
		}
		truncated += numTruncated(rollouts)
	}

	var err error
	result.RewardMean, result.RewardVariance, result.NumPrompts, err = globalMeanVariance(e.goCtx, e.tc.Collective, rewards)
	if err != nil {
		return nil, errors.WithMessage(err, "evaluation reward statistics")
	}
	if result.KLMean, err = globalMean(e.goCtx, e.tc.Collective, kls); err != nil {
		return nil, errors.WithMessage(err, "evaluation KL statistics")
	}
	stats := []float64{floats.Sum(lengths), float64(truncated)}
	if err = e.tc.Collective.AllReduceSum(e.goCtx, stats); err != nil {
		return nil, errors.WithMessage(err, "evaluation length statistics")
	}
	result.NumTruncated = int(stats[1])
	if result.NumPrompts == 0 {
		result.RewardMean, result.KLMean, result.MeanLength = math.NaN(), math.NaN(), math.NaN()
	} else {
		result.MeanLength = stats[0] / float64(result.NumPrompts)
	}

	if result.LMLoss, err = e.lmLoss(); err != nil {
		return nil, errors.WithMessagef(err, "evaluation language modeling loss at step %d", step)
	}
	return result, nil
}

// lmLoss returns the mean next-token negative log-likelihood over the corpus chunks of all replicas.
func (e *Evaluator) lmLoss() (float64, error) {
	var sum, count float64
	batchSize := e.config.EvalBatchSize
	for start := 0; start < len(e.chunks); start += batchSize {
		chunks := e.chunks[start:min(start+batchSize, len(e.chunks))]
		err := tryCatch(func() error {
			g := graph.NewGraph("eval_lm").WithNoGrad()
			sum += float64(languageModelLoss(g, e.student, chunks, 1).Scalar())
			return nil
		})
		if err != nil {
			return 0, err
		}
		for _, chunk := range chunks {
			count += float64(len(chunk) - 1)
		}
	}
	stats := []float64{sum, count}
	if err := e.tc.Collective.AllReduceSum(e.goCtx, stats); err != nil {
		return 0, err
	}
	if stats[1] == 0 {
		return math.NaN(), nil
	}
	return stats[0] / stats[1], nil
}
