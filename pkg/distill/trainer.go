// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	stdcontext "context"
	"math"
	"math/rand/v2"

	"github.com/gomlx/distill/pkg/core/distributed"
	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/context/checkpoints"
	"github.com/gomlx/distill/pkg/ml/datasets"
	"github.com/gomlx/distill/pkg/ml/models"
	"github.com/gomlx/distill/pkg/ml/train"
	"github.com/gomlx/distill/pkg/ml/train/metrics"
	"github.com/gomlx/distill/pkg/ml/train/optimizers"
	"github.com/gomlx/distill/pkg/ml/train/optimizers/cosineschedule"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer implements train.Trainer for one data-parallel replica: each TrainStep runs the ROLLOUT, REWARD and
// UPDATE stages of one global step, with the gradients all-reduced across replicas before the optimizer update.
//
// All replicas of a run must execute the same steps, since each step calls collectives.
type Trainer struct {
	tc     *distributed.TrainingContext
	goCtx  stdcontext.Context
	ctx    *context.Context
	config *Config

	student   models.CausalLanguageModel
	padID     int
	generator *Generator
	rewards   *RewardEngine
	optimizer optimizers.Interface

	prompts, lmCorpus *datasets.InMemory

	// checkpoint is used to save the emergency checkpoint on divergence. Only set for the chief.
	checkpoint *checkpoints.Handler

	trainMetrics []metrics.Interface

	// generateCalls counts the calls to the rollout generator, including retries.
	generateCalls int
	// sampledPrompts holds the prompts of each call to the rollout generator in the last step.
	sampledPrompts [][][]int
}

var _ train.Trainer = (*Trainer)(nil)

// Index of the values returned by Trainer.TrainStep, in the order of Trainer.TrainMetrics.
const (
	MetricLoss = iota
	MetricMovingLoss
	MetricReward
	MetricMedianReward
	MetricKL
	MetricLength
	MetricLMLoss
	MetricGradNorm
	MetricLearningRate
)

// NewTrainer creates the Trainer of one replica. ctx holds the student variables and the training state, and
// student is the model built on it.
//
// The language modeling loss is used if config.LMCoef > 0, in which case data.LMCorpus must be set. The datasets
// are shared by all replicas: their shuffling seeds are set with Data.SetSeed.
func NewTrainer(tc *distributed.TrainingContext, ctx *context.Context, config *Config,
	student models.CausalLanguageModel, rewards *RewardEngine, data *Data) (*Trainer, error) {
	if student.IsFrozen() {
		return nil, errors.Errorf("student %s model is frozen", student.Family())
	}
	if data.Prompts == nil {
		return nil, errors.Errorf("no training prompts given, set %q", ParamPrompts)
	}
	if config.LMCoef > 0 && data.LMCorpus == nil {
		return nil, errors.Errorf("%q is %g, but no language modeling corpus was given, set %q",
			ParamLMCoef, config.LMCoef, ParamLMCorpus)
	}
	t := &Trainer{
		tc:        tc,
		goCtx:     stdcontext.Background(),
		ctx:       ctx,
		config:    config,
		student:   student,
		padID:     data.Tokenizer.PadID(),
		generator: NewGenerator(student, data.Tokenizer.EOSID()).FromContext(ctx),
		rewards:   rewards,
		prompts:   data.Prompts,
	}
	if config.TeacherMixAlpha > 0 {
		t.generator.WithTeacherMixture(rewards.teacher, config.TeacherMixAlpha)
	}
	if config.LMCoef > 0 {
		t.lmCorpus = data.LMCorpus
	}
	err := tryCatch(func() error {
		t.optimizer = optimizers.FromContext(ctx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.trainMetrics = []metrics.Interface{
		metrics.NewBaseMetric("Batch Loss", "loss", metrics.LossMetricType, nil),
		metrics.NewExponentialMovingAverageMetric("Moving Average Loss", "~loss", metrics.LossMetricType, nil, 0.05),
		metrics.NewBaseMetric("Reward", "reward", metrics.RewardMetricType, nil),
		metrics.NewMedianMetric("Median Reward", "med reward", metrics.RewardMetricType, nil).
			WithSampleSize(1_001).WithSeed(ctx.InitialSeed()),
		metrics.NewBaseMetric("KL", "kl", "kl", nil),
		metrics.NewBaseMetric("Length", "len", "length", nil),
		metrics.NewBaseMetric("LM Loss", "lm", metrics.LossMetricType, nil),
		metrics.NewBaseMetric("Gradient Norm", "|g|", "grad_norm", nil),
		metrics.NewBaseMetric("Learning Rate", "lr", "learning_rate", nil),
	}
	return t, nil
}

// WithCheckpoint sets the handler used to save an emergency checkpoint if training diverges.
func (t *Trainer) WithCheckpoint(handler *checkpoints.Handler) *Trainer {
	t.checkpoint = handler
	return t
}

// WithCollectiveContext sets the context used for the collectives. It should not be cancelled by a stop request,
// since a collective must complete on all replicas (see context.WithoutCancel).
func (t *Trainer) WithCollectiveContext(goCtx stdcontext.Context) *Trainer {
	t.goCtx = goCtx
	return t
}

// Student model being trained.
func (t *Trainer) Student() models.CausalLanguageModel { return t.student }

// Rewards returns the engine scoring the rollouts with the teacher.
func (t *Trainer) Rewards() *RewardEngine { return t.rewards }

// Context implements train.Trainer.
func (t *Trainer) Context() *context.Context { return t.ctx }

// TrainMetrics implements train.Trainer.
func (t *Trainer) TrainMetrics() []metrics.Interface { return t.trainMetrics }

// stepData holds the local data of one training step.
type stepData struct {
	rollouts   []*Rollout
	advantages []float64
	chunks     [][]int

	// Global statistics of the step.
	rewardMean, klMean, meanLength float64

	// Global normalization of the policy-gradient and language modeling losses.
	pgWeight, lmWeight float64
}

// TrainStep implements train.Trainer.
func (t *Trainer) TrainStep(loop *train.Loop) ([]float64, error) {
	globalStep := loop.LoopStep
	step := globalStep + 1
	pgEnabled, lmEnabled := t.config.pgEnabled(step), t.config.lmEnabled(step)
	t.ctx.ZeroGradients()

	// ROLLOUT and REWARD.
	data := &stepData{rewardMean: math.NaN(), klMean: math.NaN(), meanLength: math.NaN()}
	if pgEnabled {
		if err := t.rolloutAndReward(globalStep, data); err != nil {
			return nil, err
		}
	}
	if lmEnabled {
		if err := t.lmChunks(globalStep, data); err != nil {
			return nil, err
		}
	}

	// UPDATE: accumulate gradients over the micro-batches.
	var loss, lmLoss float64
	for micro := range t.config.GradAccumulation {
		microLoss, microLMLoss, err := t.microBatch(data, micro)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d, micro-batch %d", step, micro)
		}
		loss += microLoss
		lmLoss += microLMLoss
	}
	flat := append(optimizers.FlatGradients(t.ctx), loss, lmLoss)
	if err := t.tc.Collective.AllReduceSum(t.goCtx, flat); err != nil {
		return nil, errors.WithMessagef(err, "step %d: gradients all-reduce", step)
	}
	numGrads := len(flat) - 2
	loss, lmLoss = flat[numGrads], flat[numGrads+1]
	if err := optimizers.SetFlatGradients(t.ctx, flat[:numGrads]); err != nil {
		return nil, err
	}
	gradNorm := optimizers.ClipGradientsByGlobalNorm(t.ctx, t.config.ClipGradNorm)
	if !isFinite(loss) || !isFinite(gradNorm) {
		return nil, t.diverged(step, loss, gradNorm)
	}
	learningRate, err := cosineschedule.New(t.ctx).FromContext().Done()
	if err != nil {
		return nil, err
	}
	if err = t.optimizer.Update(t.ctx); err != nil {
		return nil, errors.WithMessagef(err, "step %d: optimizer update", step)
	}
	if pgEnabled && t.config.Baseline == BaselineRunningMean {
		updateRunningMean(t.ctx, data.rewardMean, t.config.BaselineDecay)
	}
	if !lmEnabled {
		lmLoss = math.NaN()
	}
	return []float64{loss, loss, data.rewardMean, data.rewardMean, data.klMean, data.meanLength, lmLoss, gradNorm, learningRate}, nil
}

// rolloutSeed returns the seed used to sample the rollouts of a replica in a step.
func rolloutSeed(seed uint64, globalStep, rank, attempt int) uint64 {
	return rand.New(rand.NewPCG(seed, uint64(globalStep)<<24|uint64(rank)<<4|uint64(attempt))).Uint64()
}

// rolloutAndReward samples and scores the rollouts of the step, and computes their advantages.
func (t *Trainer) rolloutAndReward(globalStep int, data *stepData) error {
	rollouts, err := t.rollout(globalStep)
	if err != nil {
		return err
	}
	rewards, err := t.rewards.Score(rollouts)
	if err != nil {
		return errors.WithMessagef(err, "step %d", globalStep+1)
	}
	data.rollouts = rollouts
	data.advantages, data.rewardMean, err = Advantages(t.goCtx, t.tc, t.ctx, t.config, Values(rewards))
	if err != nil {
		return errors.WithMessagef(err, "step %d", globalStep+1)
	}

	// Global counts: [tokens, rollouts, Σ KL].
	var sumKL float64
	for _, r := range rewards {
		sumKL += r.KL
	}
	stats := []float64{float64(numTokens(rollouts)), float64(len(rollouts)), sumKL}
	if err = t.tc.Collective.AllReduceSum(t.goCtx, stats); err != nil {
		return errors.WithMessagef(err, "step %d: rollout statistics", globalStep+1)
	}
	data.meanLength = stats[0] / stats[1]
	data.klMean = stats[2] / stats[1]
	norm := stats[0]
	if t.config.LossNormalization == LossNormalizationSequence {
		norm = stats[1]
	}
	if norm > 0 {
		data.pgWeight = 1 / norm
	}
	return nil
}

// rollout samples the rollouts of the replica for the step. If every rollout of every replica hit the length cap,
// the step is sampled once more, with a fresh batch of prompts (see datasets.InMemory.RetryBatch) and a different
// seed, before failing with a GenerationError.
func (t *Trainer) rollout(globalStep int) ([]*Rollout, error) {
	perReplica := t.config.BatchSize * t.config.GradAccumulation
	var genErr *GenerationError
	t.sampledPrompts = t.sampledPrompts[:0]
	for attempt := range 2 {
		prompts := t.prompts.RetryBatch(globalStep, attempt, t.tc.Rank, t.tc.WorldSize, perReplica)
		t.sampledPrompts = append(t.sampledPrompts, prompts)
		t.generateCalls++
		rollouts, err := t.generator.Generate(prompts, rolloutSeed(t.config.Seed, globalStep, t.tc.Rank, attempt))
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", globalStep+1)
		}
		counts := []float64{float64(len(rollouts) - numTruncated(rollouts)), float64(len(rollouts))}
		if err = t.tc.Collective.AllReduceSum(t.goCtx, counts); err != nil {
			return nil, errors.WithMessagef(err, "step %d: rollouts termination", globalStep+1)
		}
		if counts[0] > 0 {
			return rollouts, nil
		}
		genErr = &GenerationError{Step: globalStep + 1, NumRollouts: int(counts[1]), MaxNewTokens: t.generator.MaxNewTokens()}
		if attempt == 0 && t.tc.IsChief() {
			klog.Warningf("%v: sampling the step again", genErr)
		}
	}
	return nil, genErr
}

// lmChunks selects the language modeling corpus chunks of the replica for the step.
func (t *Trainer) lmChunks(globalStep int, data *stepData) error {
	perReplica := t.config.LMBatchSize * t.config.GradAccumulation
	data.chunks = t.lmCorpus.Batch(globalStep, t.tc.Rank, t.tc.WorldSize, perReplica)
	var numTargets int
	for _, chunk := range data.chunks {
		numTargets += len(chunk) - 1
	}
	stats := []float64{float64(numTargets)}
	if err := t.tc.Collective.AllReduceSum(t.goCtx, stats); err != nil {
		return errors.WithMessagef(err, "step %d: language modeling targets", globalStep+1)
	}
	if stats[0] > 0 {
		data.lmWeight = 1 / stats[0]
	}
	return nil
}

// microSlice returns the part of the n elements that belongs to the micro-batch.
func (t *Trainer) microSlice(n, micro int) (from, to int) {
	k := t.config.GradAccumulation
	return min(micro*n/k, n), min((micro+1)*n/k, n)
}

// microBatch computes the loss of one micro-batch and accumulates its gradients. It returns the loss and the
// language modeling loss (before lm_coef) of the micro-batch, both already normalized by the global counts.
func (t *Trainer) microBatch(data *stepData, micro int) (loss, lmLoss float64, err error) {
	from, to := t.microSlice(len(data.rollouts), micro)
	rollouts, advantages := data.rollouts[from:to], data.advantages[from:to]
	from, to = t.microSlice(len(data.chunks), micro)
	chunks := data.chunks[from:to]
	if len(rollouts) == 0 && len(chunks) == 0 {
		return
	}
	err = tryCatch(func() error {
		g := graph.NewGraph("train_step")
		var lossNode *graph.Node
		if len(rollouts) > 0 {
			sg, err := newSequenceGrid(rollouts, t.padID)
			if err != nil {
				return err
			}
			logProbs := sg.tokenLogProbs(g, t.student)
			weights := sg.scatter(func(_, _ int) float64 { return data.pgWeight })
			tokenAdvantages := sg.scatter(func(rollout, _ int) float64 { return advantages[rollout] })
			var behavior []float64
			if t.config.PPOClip > 0 {
				behavior = sg.scatter(func(rollout, token int) float64 {
					return rollouts[rollout].BehaviorLogProbs[token]
				})
			}
			lossNode = graph.PolicyGradient(logProbs, behavior, tokenAdvantages, weights, t.config.PPOClip)
		}
		if len(chunks) > 0 {
			lmNode := languageModelLoss(g, t.student, chunks, data.lmWeight)
			lmLoss = float64(lmNode.Scalar())
			scaled := graph.Scale(lmNode, t.config.LMCoef)
			if lossNode == nil {
				lossNode = scaled
			} else {
				lossNode = graph.Add(lossNode, scaled)
			}
		}
		loss = float64(lossNode.Scalar())
		g.Backward(lossNode)
		t.ctx.AccumulateGradients(g)
		return nil
	})
	return
}

// languageModelLoss returns weight·Σ NLL of the next-token predictions within the chunks, which must all have
// the same length.
func languageModelLoss(g *graph.Graph, model models.CausalLanguageModel, chunks [][]int, weight float64) *graph.Node {
	length := len(chunks[0])
	targets := make([]int, len(chunks)*length)
	weights := make([]float64, len(targets))
	for ii, chunk := range chunks {
		if len(chunk) != length {
			panic(errors.Errorf("language modeling chunks must have the same length, got %d and %d",
				length, len(chunk)))
		}
		for pos := range length {
			row := ii*length + pos
			if pos == length-1 {
				targets[row] = -1
				continue
			}
			targets[row] = chunk[pos+1]
			weights[row] = -weight
		}
	}
	logProbs := graph.TakeAlongLastAxis(model.Forward(g, chunks, nil), targets)
	return graph.WeightedSum(logProbs, weights)
}

// diverged handles a non-finite loss or gradient norm: the chief saves the state before the step (the last good
// one) and backs it up, so it is not removed by newer checkpoints.
func (t *Trainer) diverged(step int, loss, gradNorm float64) error {
	divErr := &DivergenceError{Step: step, Loss: loss, GradNorm: gradNorm}
	if t.checkpoint == nil {
		return divErr
	}
	if err := t.checkpoint.Save(); err != nil {
		klog.Errorf("failed to save emergency checkpoint: %+v", err)
		return divErr
	}
	backup, err := t.checkpoint.Backup()
	if err != nil {
		klog.Errorf("failed to back up emergency checkpoint: %+v", err)
		return divErr
	}
	divErr.Checkpoint = backup
	return divErr
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
