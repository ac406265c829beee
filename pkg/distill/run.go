// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	stdcontext "context"
	"slices"
	"strings"

	"github.com/gomlx/distill/pkg/core/distributed"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/context/checkpoints"
	"github.com/gomlx/distill/pkg/ml/datasets"
	"github.com/gomlx/distill/pkg/ml/decode"
	"github.com/gomlx/distill/pkg/ml/models"
	"github.com/gomlx/distill/pkg/ml/train"
	"github.com/gomlx/distill/pkg/ml/train/runlog"
	"github.com/gomlx/distill/pkg/tokenizers"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	// StudentScope is the scope of the student model variables, and of the teacher model variables in its own
	// context.
	StudentScope = "model"

	// TeacherScope is the scope of the hyperparameters that differ for the teacher, e.g. "teacher/model_hidden_dim".
	TeacherScope = "teacher"
)

// runtimeParams are not restored from a checkpoint: they can be changed when resuming a training.
var runtimeParams = []string{
	ParamTrainSteps, ParamPrompts, ParamEvalPrompts, ParamLMCorpus, ParamEvalLMCorpus,
	ParamTeacherCheckpoint, ParamStudentInit, ParamNumReplicas, ParamCollectiveTimeout,
	ParamEvalInterval, ParamEvalBatchSize, ParamEvalMaxPrompts, ParamSaveInterval, ParamCheckpointKeep,
	decode.ParamParallelism,
}

// Data holds the tokenizer and the datasets of a distillation run. Only Tokenizer and Prompts are required.
type Data struct {
	Tokenizer tokenizers.Tokenizer

	// Prompts used for the rollouts, and EvalPrompts for evaluation.
	Prompts, EvalPrompts *datasets.InMemory

	// LMCorpus chunks used for the auxiliary language modeling loss, and EvalLMCorpus for evaluation.
	LMCorpus, EvalLMCorpus *datasets.InMemory
}

// LoadData loads the tokenizer (see tokenizers.ParamTokenizer) and the datasets configured in ctx.
// Datasets whose path is empty are left nil.
func LoadData(ctx *context.Context, config *Config) (*Data, error) {
	tok, err := tokenizers.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	data := &Data{Tokenizer: tok}
	if config.PromptsPath == "" {
		return nil, errors.Errorf("no training prompts given, set %q", ParamPrompts)
	}
	if data.Prompts, err = datasets.LoadPrompts(config.PromptsPath, tok, config.MaxPromptLength); err != nil {
		return nil, err
	}
	if config.EvalPromptsPath != "" {
		if data.EvalPrompts, err = datasets.LoadPrompts(config.EvalPromptsPath, tok, config.MaxPromptLength); err != nil {
			return nil, err
		}
	}
	if config.LMCorpusPath != "" {
		if data.LMCorpus, err = datasets.LoadCorpus(config.LMCorpusPath, tok, config.LMChunkLength); err != nil {
			return nil, err
		}
	}
	if config.EvalLMCorpusPath != "" {
		if data.EvalLMCorpus, err = datasets.LoadCorpus(config.EvalLMCorpusPath, tok, config.LMChunkLength); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("data: prompts=%s, eval prompts=%s, lm corpus=%s, eval lm corpus=%s",
		data.Prompts, data.EvalPrompts, data.LMCorpus, data.EvalLMCorpus)
	return data, nil
}

// SetSeed sets the shuffling seed of the training datasets.
func (d *Data) SetSeed(seed uint64) {
	if d.Prompts != nil {
		d.Prompts.WithSeed(seed)
	}
	if d.LMCorpus != nil {
		d.LMCorpus.WithSeed(seed + 1)
	}
}

// TeacherContext returns a new context for the teacher model: it has the parameters of ctx, overridden by those
// set in the TeacherScope, and models.ParamFamily set to the teacher family.
//
// Unless set in the TeacherScope, the teacher variables are initialized with a different seed than the student.
func TeacherContext(ctx *context.Context, teacherFamily models.Family) *context.Context {
	teacherCtx := context.New()
	teacherScope := context.ScopeSeparator + TeacherScope
	var seedSet bool
	// Scopes are enumerated sorted, so the teacher scope overrides the root one.
	ctx.EnumerateParams(func(scope, key string, value any) {
		switch {
		case scope == teacherScope:
			teacherCtx.SetParam(key, value)
			seedSet = seedSet || key == context.ParamInitialSeed
		case strings.HasPrefix(scope, teacherScope+context.ScopeSeparator):
			teacherCtx.InAbsPath(strings.TrimPrefix(scope, teacherScope)).SetParam(key, value)
		default:
			teacherCtx.InAbsPath(scope).SetParam(key, value)
		}
	})
	if !seedSet {
		teacherCtx.SetParam(context.ParamInitialSeed, int64(ctx.InitialSeed()+1))
	}
	teacherCtx.SetParam(models.ParamFamily, teacherFamily.String())
	return teacherCtx
}

// BuildTeacher builds the frozen teacher model in its own context (see TeacherContext), loading its weights from
// config.TeacherCheckpoint if set. Parameters saved in the teacher checkpoint (e.g. the model dimensions) take
// precedence.
func BuildTeacher(ctx *context.Context, config *Config, vocabSize int) (models.CausalLanguageModel, error) {
	teacherCtx := TeacherContext(ctx, config.TeacherFamily)
	if config.TeacherCheckpoint != "" {
		_, err := checkpoints.Load(teacherCtx).Dir(config.TeacherCheckpoint).Immediate().Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load teacher from %q", config.TeacherCheckpoint)
		}
	} else {
		klog.Warningf("no %q given: the teacher is randomly initialized", ParamTeacherCheckpoint)
	}
	family, err := models.FamilyFromContext(teacherCtx, config.TeacherFamily)
	if err != nil {
		return nil, err
	}
	teacher, err := models.Build(teacherCtx.In(StudentScope), family, vocabSize)
	if err != nil {
		return nil, errors.WithMessage(err, "teacher")
	}
	if err = models.Freeze(teacher, config.TeacherFP16); err != nil {
		return nil, err
	}
	if config.TeacherShards > 1 {
		if teacher, err = models.ShardVocab(teacher, config.TeacherShards); err != nil {
			return nil, err
		}
	}
	return teacher, nil
}

// initStudent copies the student variables from the checkpoint in dir.
func initStudent(ctx *context.Context, dir string) error {
	initCtx := context.New()
	if _, err := checkpoints.Load(initCtx).Dir(dir).ExcludeAllParams().Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "failed to load student initialization from %q", dir)
	}
	var count int
	for v := range initCtx.In(StudentScope).IterVariablesInScope() {
		if _, err := v.CloneToContext(ctx); err != nil {
			return err
		}
		count++
	}
	if count == 0 {
		return errors.Errorf("no student variables (scope %q) found in %q", StudentScope, dir)
	}
	klog.Infof("student initialized with %d variables from %q", count, dir)
	return nil
}

// RunOptions configure Run. All fields are optional.
type RunOptions struct {
	// CheckpointDir where checkpoints are saved, and from which the training is resumed if it has any.
	CheckpointDir string

	// ExcludeParams are not restored from the checkpoint, usually because they were explicitly set by the user.
	ExcludeParams []string

	// Teacher to use instead of BuildTeacher. It must be frozen.
	Teacher models.CausalLanguageModel

	// TeacherTokenizer to use instead of the one configured in the TeacherScope (by default the same as the student).
	TeacherTokenizer tokenizers.Tokenizer

	// RunLog records the train and evaluation metrics, if set.
	RunLog *runlog.Log

	// OnChiefLoop is called with the training loop of the chief replica before it starts, e.g. to attach a
	// progress bar.
	OnChiefLoop func(loop *train.Loop)

	// OnEval is called by the chief with each evaluation result.
	OnEval func(result *EvalResult)
}

// Result of a Run.
type Result struct {
	// GlobalStep reached.
	GlobalStep int

	// Metrics of the last step, in the order of Trainer.TrainMetrics. Nil if no step was run.
	Metrics []float64

	// Eval is the last evaluation, or nil.
	Eval *EvalResult

	// Stopped is set if the training was cancelled before reaching the configured train steps.
	Stopped bool
}

// Run the distillation configured in ctx: it builds the student (in ctx) and the teacher, and trains the student
// up to the global step ParamTrainSteps with ParamNumReplicas data-parallel replicas.
//
// If data is nil, it is loaded with LoadData. Otherwise, its training datasets seeds are set with Data.SetSeed.
//
// If goCtx is cancelled, the replicas agree on a step to stop after, the chief saves a checkpoint, and Run
// returns the partial Result along with an error wrapping context.Canceled. Other errors are one of the typed
// errors of this package (see ExitCode) or a generic failure. Except for a DivergenceError, a failed Run still
// tries to save a checkpoint of the chief state before returning.
func Run(goCtx stdcontext.Context, ctx *context.Context, data *Data, opts RunOptions) (*Result, error) {
	var checkpoint *checkpoints.Handler
	resuming := false
	if opts.CheckpointDir != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).Dir(opts.CheckpointDir).
			Keep(context.GetParamOr(ctx, ParamCheckpointKeep, 3)).
			ExcludeParams(append(slices.Clone(runtimeParams), opts.ExcludeParams...)...).
			Immediate().Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoints in %q", opts.CheckpointDir)
		}
		if resuming, err = checkpoint.HasCheckpoints(); err != nil {
			return nil, err
		}
		if resuming {
			klog.Infof("resuming training from %q at global step %d", opts.CheckpointDir, checkpoint.GlobalStep())
		}
	}
	config, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		if data, err = LoadData(ctx, config); err != nil {
			return nil, err
		}
	}
	if data.Tokenizer == nil || data.Prompts == nil {
		return nil, errors.Errorf("distillation requires a tokenizer and training prompts")
	}
	if config.LMCoef > 0 && data.LMCorpus == nil {
		klog.Warningf("%q is %g but there is no language modeling corpus (%q): the language modeling loss is disabled",
			ParamLMCoef, config.LMCoef, ParamLMCorpus)
		config.LMCoef = 0
	}
	data.SetSeed(config.Seed)

	// INIT: student, teacher and reward engine.
	if !resuming && config.StudentInit != "" {
		if err = initStudent(ctx, config.StudentInit); err != nil {
			return nil, err
		}
	}
	vocabSize := data.Tokenizer.VocabSize()
	student, err := models.Build(ctx.In(StudentScope), config.StudentFamily, vocabSize)
	if err != nil {
		return nil, errors.WithMessage(err, "student")
	}
	teacherTokenizer := opts.TeacherTokenizer
	if teacherTokenizer == nil {
		if teacherTokenizer, err = tokenizers.FromContext(ctx.In(TeacherScope)); err != nil {
			return nil, errors.WithMessage(err, "teacher tokenizer")
		}
	}
	teacher := opts.Teacher
	if teacher == nil {
		if teacher, err = BuildTeacher(ctx, config, teacherTokenizer.VocabSize()); err != nil {
			return nil, err
		}
	}
	if err = CheckTokenizers(data.Tokenizer, teacherTokenizer, student, teacher); err != nil {
		return nil, err
	}
	rewards, err := NewRewardEngine(teacher, data.Tokenizer, RewardConfig{
		KLCoef:        config.KLCoef,
		LengthPenalty: config.LengthPenalty,
		Normalization: config.RewardNormalization,
	})
	if err != nil {
		return nil, err
	}
	if opts.RunLog != nil {
		if err = opts.RunLog.StartRun(ctx); err != nil {
			return nil, err
		}
	}

	// Replicas: the chief trains on ctx itself, the others on clones of it.
	mesh, err := distributed.NewTrainingMesh(config.NumReplicas, config.TeacherShards)
	if err != nil {
		return nil, err
	}
	tcs, hub, err := distributed.NewTrainingContexts(mesh, config.CollectiveTimeout)
	if err != nil {
		return nil, err
	}
	replicas := make([]*replica, len(tcs))
	for rank, tc := range tcs {
		replicaCtx, replicaStudent := ctx, student
		if rank > 0 {
			if replicaCtx, err = ctx.Clone(); err != nil {
				return nil, err
			}
			if replicaStudent, err = models.Build(replicaCtx.In(StudentScope), config.StudentFamily, vocabSize); err != nil {
				return nil, errors.WithMessagef(err, "student of replica %d", rank)
			}
		}
		r := &replica{tc: tc, config: config, opts: &opts}
		if r.trainer, err = NewTrainer(tc, replicaCtx, config, replicaStudent, rewards, data); err != nil {
			return nil, err
		}
		r.evaluator = NewEvaluator(tc, replicaCtx, config, replicaStudent, rewards, data)
		if tc.IsChief() {
			r.checkpoint = checkpoint
			r.trainer.WithCheckpoint(checkpoint)
		}
		replicas[rank] = r
	}
	klog.V(1).Infof("distillation: %s, student %s, teacher %s", mesh, config.StudentFamily, teacher.Family())

	results := make([]*Result, len(replicas))
	errs := make([]error, len(replicas))
	var group errgroup.Group
	for rank, r := range replicas {
		group.Go(func() error {
			errs[rank] = tryCatch(func() error {
				var runErr error
				results[rank], runErr = r.run(goCtx)
				return runErr
			})
			if errs[rank] != nil {
				hub.Abort(errs[rank])
			}
			return errs[rank]
		})
	}
	if err = group.Wait(); err != nil {
		// Report the error of the lowest rank: every replica fails with the same typed error.
		for _, replicaErr := range errs {
			if replicaErr != nil {
				saveOnFailure(checkpoint, replicaErr)
				return nil, replicaErr
			}
		}
	}
	result := results[0]
	if result.Stopped {
		return result, errors.WithMessagef(stdcontext.Cause(goCtx), "training stopped at global step %d",
			result.GlobalStep)
	}
	return result, nil
}

// saveOnFailure makes a best-effort checkpoint of the chief state after the replicas failed with err. A failure to
// save is only logged, err is the one reported.
//
// On a DivergenceError the last good state was already saved, and the variables may hold the diverged values.
func saveOnFailure(checkpoint *checkpoints.Handler, err error) {
	if checkpoint == nil || ExitCode(err) == ExitDivergence {
		return
	}
	if saveErr := checkpoint.Save(); saveErr != nil {
		klog.Errorf("failed to save checkpoint after error (%v): %+v", err, saveErr)
		return
	}
	klog.Infof("checkpoint saved after error: %v", err)
}

// replica runs the training loop of one rank.
type replica struct {
	tc         *distributed.TrainingContext
	config     *Config
	opts       *RunOptions
	trainer    *Trainer
	evaluator  *Evaluator
	checkpoint *checkpoints.Handler

	lastEval          *EvalResult
	lastSaveStep      int
	collectiveContext stdcontext.Context
}

// Priorities of the loop hooks: evaluation runs before checkpointing, and the stop agreement runs last.
const (
	priorityEval       train.Priority = 10
	priorityCheckpoint train.Priority = 100
	priorityStop       train.Priority = 1000
)

func (r *replica) run(goCtx stdcontext.Context) (*Result, error) {
	// Collectives must complete on all replicas, even after a stop request.
	r.collectiveContext = stdcontext.WithoutCancel(goCtx)
	r.trainer.WithCollectiveContext(r.collectiveContext)
	r.evaluator.WithCollectiveContext(r.collectiveContext)
	r.lastSaveStep = -1

	loop := train.NewLoop(r.trainer)
	if r.evaluator.Enabled() {
		train.EveryNSteps(loop, r.config.EvalInterval, "eval", priorityEval, func(loop *train.Loop, _ []float64) error {
			return r.evaluate(loop.LoopStep + 1)
		})
	}
	if r.opts.CheckpointDir != "" {
		train.EveryNSteps(loop, r.config.SaveInterval, "checkpoint", priorityCheckpoint,
			func(loop *train.Loop, _ []float64) error {
				return r.save(loop.LoopStep + 1)
			})
	}
	loop.OnStep("stop", priorityStop, func(_ *train.Loop, _ []float64) error {
		var stop float64
		if goCtx.Err() != nil {
			stop = 1
		}
		flag := []float64{stop}
		if err := r.tc.Collective.AllReduceMax(r.collectiveContext, flag); err != nil {
			return errors.WithMessage(err, "stop agreement")
		}
		if flag[0] > 0 {
			return train.ErrStop
		}
		return nil
	})
	loop.OnEnd("final", priorityCheckpoint, func(loop *train.Loop, _ []float64) error {
		step := loop.LoopStep
		if !loop.Stopped && r.evaluator.Enabled() && (r.lastEval == nil || r.lastEval.Step != step) {
			if err := r.evaluate(step); err != nil {
				return err
			}
		}
		if r.opts.CheckpointDir != "" && r.lastSaveStep != step {
			return r.save(step)
		}
		return nil
	})
	if r.tc.IsChief() {
		if r.opts.RunLog != nil {
			runlog.AttachToLoop(loop, r.opts.RunLog, 1)
		}
		if r.opts.OnChiefLoop != nil {
			r.opts.OnChiefLoop(loop)
		}
	}

	metrics, err := loop.RunToGlobalStep(r.config.TrainSteps)
	if err != nil {
		return nil, err
	}
	if r.tc.IsChief() && loop.Stopped {
		klog.Infof("training stopped at global step %d", loop.LoopStep)
	}
	return &Result{GlobalStep: loop.LoopStep, Metrics: metrics, Eval: r.lastEval, Stopped: loop.Stopped}, nil
}

// evaluate the student at the given step, and report it if chief.
func (r *replica) evaluate(step int) error {
	result, err := r.evaluator.Evaluate(step)
	if err != nil {
		return err
	}
	r.lastEval = result
	if !r.tc.IsChief() {
		return nil
	}
	klog.Infof("evaluation at %s", result)
	if err = r.opts.RunLog.Record(runlog.KindEval, int64(step), result.Values()); err != nil {
		return err
	}
	if r.opts.OnEval != nil {
		r.opts.OnEval(result)
	}
	return nil
}

// save waits for all replicas to reach the step, and then the chief saves a checkpoint.
func (r *replica) save(step int) error {
	if err := r.tc.Collective.Barrier(r.collectiveContext); err != nil {
		return errors.WithMessagef(err, "checkpoint barrier at step %d", step)
	}
	r.lastSaveStep = step
	if !r.tc.IsChief() {
		return nil
	}
	return r.checkpoint.Save()
}
