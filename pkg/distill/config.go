// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"time"

	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/decode"
	"github.com/gomlx/distill/pkg/ml/decode/sample"
	"github.com/gomlx/distill/pkg/ml/models"
	"github.com/gomlx/distill/pkg/ml/train/optimizers"
	"github.com/gomlx/distill/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/distill/pkg/tokenizers"
	"github.com/pkg/errors"
)

// Baseline subtracted from the rewards to obtain the advantages.
//
//go:generate go tool enumer -type=Baseline -trimprefix=Baseline -transform=snake -json -yaml -text -output=gen_baseline_enumer.go
type Baseline int

const (
	// BaselineBatchMean uses the mean reward of the step, across all replicas.
	BaselineBatchMean Baseline = iota

	// BaselineRunningMean uses an exponential moving average of the step mean rewards, see ParamBaselineDecay.
	BaselineRunningMean

	// BaselineNone uses the rewards as advantages.
	BaselineNone
)

// MixingPolicy defines how the policy-gradient and language modeling losses are combined.
//
//go:generate go tool enumer -type=MixingPolicy -trimprefix=MixingPolicy -transform=snake -json -yaml -text -output=gen_mixingpolicy_enumer.go
type MixingPolicy int

const (
	// MixingPolicyJoint optimizes L_pg + lm_coef·L_lm at every step.
	MixingPolicyJoint MixingPolicy = iota

	// MixingPolicyAlternate optimizes L_pg on even steps and lm_coef·L_lm on odd steps.
	MixingPolicyAlternate
)

// RewardNormalization of the teacher log-likelihood and KL terms of the reward.
//
//go:generate go tool enumer -type=RewardNormalization -trimprefix=RewardNormalization -transform=snake -json -yaml -text -output=gen_rewardnormalization_enumer.go
type RewardNormalization int

const (
	// RewardNormalizationNone uses the sums over the continuation tokens.
	RewardNormalizationNone RewardNormalization = iota

	// RewardNormalizationLength divides the sums by the number of continuation tokens.
	RewardNormalizationLength
)

// LossNormalization selects the N the policy-gradient loss is divided by.
//
//go:generate go tool enumer -type=LossNormalization -trimprefix=LossNormalization -transform=snake -json -yaml -text -output=gen_lossnormalization_enumer.go
type LossNormalization int

const (
	// LossNormalizationToken divides by the number of continuation tokens of the step, across all replicas.
	LossNormalizationToken LossNormalization = iota

	// LossNormalizationSequence divides by the number of rollouts of the step, across all replicas.
	LossNormalizationSequence
)

// Hyperparameters of the distillation, set in the context. See CreateDefaultContext for their default values.
const (
	// ParamTrainSteps is the global step at which training ends.
	ParamTrainSteps = "train_steps"

	// ParamBatchSize is the number of prompts per micro-batch, per replica.
	ParamBatchSize = "batch_size"

	// ParamGradAccumulation is the number of micro-batches accumulated per optimizer step.
	ParamGradAccumulation = "grad_accumulation"

	// ParamSeed seeds the prompts shuffling and the rollouts sampling.
	ParamSeed = "seed"

	// ParamTeacherFamily is the teacher model family. If empty, the student family (models.ParamFamily) is used.
	ParamTeacherFamily = "teacher_family"

	// ParamTeacherFP16 stores the teacher weights in float16.
	ParamTeacherFP16 = "teacher_fp16"

	// ParamTeacherShards is the number of vocabulary partitions of the teacher output head, computed concurrently.
	ParamTeacherShards = "teacher_shards"

	// ParamTeacherCheckpoint is the checkpoint directory the teacher is loaded from.
	ParamTeacherCheckpoint = "teacher_checkpoint"

	// ParamStudentInit is a checkpoint directory the student is initialized from, when not resuming a training.
	ParamStudentInit = "student_init"

	// ParamTeacherMixAlpha is the weight of the teacher in the distribution rollouts are sampled from:
	// α·p_teacher + (1-α)·q_student. 0 samples from the student only.
	ParamTeacherMixAlpha = "teacher_mix_alpha"

	// ParamKLCoef is β, the coefficient of the KL(student‖teacher) penalty in the reward.
	ParamKLCoef = "kl_coef"

	// ParamLengthPenalty is added to the reward once per continuation token (usually negative).
	ParamLengthPenalty = "length_penalty"

	// ParamRewardNormalization is "none" or "length", see RewardNormalization.
	ParamRewardNormalization = "reward_normalization"

	// ParamBaseline is "batch_mean", "running_mean" or "none", see Baseline.
	ParamBaseline = "baseline"

	// ParamBaselineDecay is the decay of the running mean baseline.
	ParamBaselineDecay = "baseline_decay"

	// ParamWhitenAdvantages normalizes the advantages of a step to zero mean and unit variance.
	ParamWhitenAdvantages = "whiten_advantages"

	// ParamPPOClip is the ε of the clipped surrogate objective. 0 uses plain REINFORCE.
	ParamPPOClip = "ppo_clip"

	// ParamLossNormalization is "token" or "sequence", see LossNormalization.
	ParamLossNormalization = "loss_normalization"

	// ParamLMCoef is the coefficient of the auxiliary language modeling loss. 0 disables it.
	ParamLMCoef = "lm_coef"

	// ParamLMBatchSize is the number of corpus chunks per micro-batch, per replica.
	ParamLMBatchSize = "lm_batch_size"

	// ParamLMChunkLength is the length in tokens of the language modeling corpus chunks.
	ParamLMChunkLength = "lm_chunk_length"

	// ParamMixingPolicy is "joint" or "alternate", see MixingPolicy.
	ParamMixingPolicy = "mixing_policy"

	// ParamMaxPromptLength is the maximum prompt length in tokens: longer prompts are left-truncated.
	ParamMaxPromptLength = "max_prompt_length"

	// ParamPrompts, ParamEvalPrompts, ParamLMCorpus and ParamEvalLMCorpus are the paths of the datasets.
	// Prompts are required, the others are optional.
	ParamPrompts      = "prompts_path"
	ParamEvalPrompts  = "eval_prompts_path"
	ParamLMCorpus     = "lm_corpus_path"
	ParamEvalLMCorpus = "eval_lm_corpus_path"

	// ParamEvalInterval is the number of steps between evaluations. 0 disables periodic evaluation.
	ParamEvalInterval = "eval_interval"

	// ParamEvalBatchSize is the number of evaluation prompts (or corpus chunks) per batch.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamEvalMaxPrompts limits the number of evaluation prompts. 0 uses all of them.
	ParamEvalMaxPrompts = "eval_max_prompts"

	// ParamSaveInterval is the number of steps between checkpoints.
	ParamSaveInterval = "save_interval"

	// ParamCheckpointKeep is the number of checkpoints kept. -1 keeps all of them.
	ParamCheckpointKeep = "checkpoint_keep"

	// ParamNumReplicas is the number of data-parallel replicas.
	ParamNumReplicas = "num_replicas"

	// ParamCollectiveTimeout is how long (e.g. "5m") a replica waits for the others at a collective.
	ParamCollectiveTimeout = "collective_timeout"
)

// CreateDefaultContext returns a context with the default hyperparameters of the distillation, including those
// of the model, decoding, optimizer and learning rate schedule packages.
//
// The teacher model hyperparameters can be set separately in the "teacher" scope (e.g.
// "teacher/model_hidden_dim"): by default it is twice as wide as the student.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:          1000,
		ParamBatchSize:           8,
		ParamGradAccumulation:    1,
		ParamSeed:                42,
		ParamTeacherFamily:       "",
		ParamTeacherFP16:         true,
		ParamTeacherShards:       1,
		ParamTeacherCheckpoint:   "",
		ParamStudentInit:         "",
		ParamTeacherMixAlpha:     0.2,
		ParamKLCoef:              0.1,
		ParamLengthPenalty:       0.0,
		ParamRewardNormalization: RewardNormalizationLength.String(),
		ParamBaseline:            BaselineBatchMean.String(),
		ParamBaselineDecay:       0.9,
		ParamWhitenAdvantages:    false,
		ParamPPOClip:             0.2,
		ParamLossNormalization:   LossNormalizationToken.String(),
		ParamLMCoef:              0.5,
		ParamLMBatchSize:         8,
		ParamLMChunkLength:       64,
		ParamMixingPolicy:        MixingPolicyJoint.String(),
		ParamMaxPromptLength:     128,
		ParamPrompts:             "",
		ParamEvalPrompts:         "",
		ParamLMCorpus:            "",
		ParamEvalLMCorpus:        "",
		ParamEvalInterval:        100,
		ParamEvalBatchSize:       16,
		ParamEvalMaxPrompts:      0,
		ParamSaveInterval:        100,
		ParamCheckpointKeep:      3,
		ParamNumReplicas:         1,
		ParamCollectiveTimeout:   "5m",

		context.ParamInitialSeed:  int64(42),
		tokenizers.ParamTokenizer: "byte",
		models.ParamFamily:        models.FamilyMLP.String(),
		models.ParamEmbedDim:      32,
		models.ParamHiddenDim:     64,
		models.ParamContextLength: 4,

		sample.ParamStrategy:     sample.StrategyTemperature.String(),
		sample.ParamTemperature:  1.0,
		sample.ParamTopK:         0,
		sample.ParamTopP:         1.0,
		decode.ParamMaxNewTokens: 32,
		decode.ParamParallelism:  0,

		optimizers.ParamOptimizer:           "adamw",
		optimizers.ParamLearningRate:        1e-3,
		optimizers.ParamClipGradNorm:        1.0,
		optimizers.ParamAdamWeightDecay:     1e-2,
		cosineschedule.ParamPeriodSteps:     -1,
		cosineschedule.ParamWarmUpSteps:     0,
		cosineschedule.ParamMinLearningRate: 0.0,
	})
	ctx.In("teacher").SetParams(map[string]any{
		models.ParamEmbedDim:  64,
		models.ParamHiddenDim: 128,
	})
	return ctx
}

// Config is the distillation configuration, read from the context hyperparameters with ConfigFromContext.
type Config struct {
	TrainSteps, BatchSize, GradAccumulation int
	Seed                                    uint64

	StudentFamily, TeacherFamily models.Family
	TeacherFP16                  bool
	TeacherShards                int
	TeacherCheckpoint            string
	StudentInit                  string
	TeacherMixAlpha              float64

	KLCoef, LengthPenalty float64
	RewardNormalization   RewardNormalization
	Baseline              Baseline
	BaselineDecay         float64
	WhitenAdvantages      bool
	PPOClip               float64
	LossNormalization     LossNormalization

	LMCoef                     float64
	LMBatchSize, LMChunkLength int
	MixingPolicy               MixingPolicy

	MaxPromptLength int

	PromptsPath, EvalPromptsPath, LMCorpusPath, EvalLMCorpusPath string

	EvalInterval, EvalBatchSize, EvalMaxPrompts int
	SaveInterval, CheckpointKeep                int

	NumReplicas       int
	CollectiveTimeout time.Duration
	ClipGradNorm      float64
}

// parseEnum parses the context parameter key with the enum parse function.
func parseEnum[E any](ctx *context.Context, key, defaultValue string, parseFn func(string) (E, error),
	validFn func() []string) (E, error) {
	value, err := parseFn(context.GetParamOr(ctx, key, defaultValue))
	if err != nil {
		return value, errors.WithMessagef(err, "invalid value for %q, valid values are %q", key, validFn())
	}
	return value, nil
}

// ConfigFromContext reads and validates the distillation configuration from the context hyperparameters.
func ConfigFromContext(ctx *context.Context) (*Config, error) {
	c := &Config{
		TrainSteps:        context.GetParamOr(ctx, ParamTrainSteps, 1000),
		BatchSize:         context.GetParamOr(ctx, ParamBatchSize, 8),
		GradAccumulation:  context.GetParamOr(ctx, ParamGradAccumulation, 1),
		Seed:              uint64(context.GetParamOr(ctx, ParamSeed, 42)),
		TeacherFP16:       context.GetParamOr(ctx, ParamTeacherFP16, true),
		TeacherShards:     context.GetParamOr(ctx, ParamTeacherShards, 1),
		TeacherCheckpoint: context.GetParamOr(ctx, ParamTeacherCheckpoint, ""),
		StudentInit:       context.GetParamOr(ctx, ParamStudentInit, ""),
		TeacherMixAlpha:   context.GetParamOr(ctx, ParamTeacherMixAlpha, 0.0),
		KLCoef:            context.GetParamOr(ctx, ParamKLCoef, 0.0),
		LengthPenalty:     context.GetParamOr(ctx, ParamLengthPenalty, 0.0),
		BaselineDecay:     context.GetParamOr(ctx, ParamBaselineDecay, 0.9),
		WhitenAdvantages:  context.GetParamOr(ctx, ParamWhitenAdvantages, false),
		PPOClip:           context.GetParamOr(ctx, ParamPPOClip, 0.0),
		LMCoef:            context.GetParamOr(ctx, ParamLMCoef, 0.0),
		LMBatchSize:       context.GetParamOr(ctx, ParamLMBatchSize, 8),
		LMChunkLength:     context.GetParamOr(ctx, ParamLMChunkLength, 64),
		MaxPromptLength:   context.GetParamOr(ctx, ParamMaxPromptLength, 0),
		PromptsPath:       context.GetParamOr(ctx, ParamPrompts, ""),
		EvalPromptsPath:   context.GetParamOr(ctx, ParamEvalPrompts, ""),
		LMCorpusPath:      context.GetParamOr(ctx, ParamLMCorpus, ""),
		EvalLMCorpusPath:  context.GetParamOr(ctx, ParamEvalLMCorpus, ""),
		EvalInterval:      context.GetParamOr(ctx, ParamEvalInterval, 0),
		EvalBatchSize:     context.GetParamOr(ctx, ParamEvalBatchSize, 16),
		EvalMaxPrompts:    context.GetParamOr(ctx, ParamEvalMaxPrompts, 0),
		SaveInterval:      context.GetParamOr(ctx, ParamSaveInterval, 0),
		CheckpointKeep:    context.GetParamOr(ctx, ParamCheckpointKeep, 3),
		NumReplicas:       context.GetParamOr(ctx, ParamNumReplicas, 1),
		ClipGradNorm:      context.GetParamOr(ctx, optimizers.ParamClipGradNorm, 0.0),
	}
	var err error
	if c.StudentFamily, err = models.FamilyFromContext(ctx, models.FamilyMLP); err != nil {
		return nil, err
	}
	c.TeacherFamily = c.StudentFamily
	if name := context.GetParamOr(ctx, ParamTeacherFamily, ""); name != "" {
		if c.TeacherFamily, err = models.FamilyString(name); err != nil {
			return nil, errors.WithMessagef(err, "invalid value for %q, valid values are %q",
				ParamTeacherFamily, models.FamilyStrings())
		}
	}
	if c.RewardNormalization, err = parseEnum(ctx, ParamRewardNormalization, "none",
		RewardNormalizationString, RewardNormalizationStrings); err != nil {
		return nil, err
	}
	if c.Baseline, err = parseEnum(ctx, ParamBaseline, "batch_mean", BaselineString, BaselineStrings); err != nil {
		return nil, err
	}
	if c.LossNormalization, err = parseEnum(ctx, ParamLossNormalization, "token",
		LossNormalizationString, LossNormalizationStrings); err != nil {
		return nil, err
	}
	if c.MixingPolicy, err = parseEnum(ctx, ParamMixingPolicy, "joint", MixingPolicyString, MixingPolicyStrings); err != nil {
		return nil, err
	}
	timeout := context.GetParamOr(ctx, ParamCollectiveTimeout, "5m")
	if c.CollectiveTimeout, err = time.ParseDuration(timeout); err != nil {
		return nil, errors.Wrapf(err, "invalid value for %q", ParamCollectiveTimeout)
	}
	return c, c.Validate()
}

// Validate the configuration values.
func (c *Config) Validate() error {
	switch {
	case c.TrainSteps < 0:
		return errors.Errorf("%q must be >= 0, got %d", ParamTrainSteps, c.TrainSteps)
	case c.BatchSize <= 0:
		return errors.Errorf("%q must be > 0, got %d", ParamBatchSize, c.BatchSize)
	case c.GradAccumulation <= 0:
		return errors.Errorf("%q must be > 0, got %d", ParamGradAccumulation, c.GradAccumulation)
	case c.TeacherShards <= 0:
		return errors.Errorf("%q must be > 0, got %d", ParamTeacherShards, c.TeacherShards)
	case c.TeacherMixAlpha < 0 || c.TeacherMixAlpha > 1:
		return errors.Errorf("%q must be in [0, 1], got %g", ParamTeacherMixAlpha, c.TeacherMixAlpha)
	case c.KLCoef < 0:
		return errors.Errorf("%q must be >= 0, got %g", ParamKLCoef, c.KLCoef)
	case c.BaselineDecay < 0 || c.BaselineDecay >= 1:
		return errors.Errorf("%q must be in [0, 1), got %g", ParamBaselineDecay, c.BaselineDecay)
	case c.PPOClip < 0:
		return errors.Errorf("%q must be >= 0, got %g", ParamPPOClip, c.PPOClip)
	case c.LMCoef < 0:
		return errors.Errorf("%q must be >= 0, got %g", ParamLMCoef, c.LMCoef)
	case c.LMCoef > 0 && c.LMBatchSize <= 0:
		return errors.Errorf("%q must be > 0 when %q is set, got %d", ParamLMBatchSize, ParamLMCoef, c.LMBatchSize)
	case c.LMChunkLength < 2:
		return errors.Errorf("%q must be >= 2, got %d", ParamLMChunkLength, c.LMChunkLength)
	case c.EvalInterval < 0 || c.SaveInterval < 0:
		return errors.Errorf("%q and %q must be >= 0, got %d and %d", ParamEvalInterval, ParamSaveInterval,
			c.EvalInterval, c.SaveInterval)
	case c.EvalBatchSize <= 0:
		return errors.Errorf("%q must be > 0, got %d", ParamEvalBatchSize, c.EvalBatchSize)
	case c.NumReplicas <= 0:
		return errors.Errorf("%q must be > 0, got %d", ParamNumReplicas, c.NumReplicas)
	}
	return nil
}

// lmEnabled returns whether the auxiliary language modeling loss is used at the given step (the global step
// being trained, starting at 1).
func (c *Config) lmEnabled(step int) bool {
	if c.LMCoef == 0 {
		return false
	}
	return c.MixingPolicy == MixingPolicyJoint || step%2 == 1
}

// pgEnabled returns whether the policy-gradient loss is used at the given step (starting at 1).
func (c *Config) pgEnabled(step int) bool {
	return c.LMCoef == 0 || c.MixingPolicy == MixingPolicyJoint || step%2 == 0
}
