// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"math"
	"testing"

	"github.com/gomlx/distill/pkg/core/graph"
	"github.com/gomlx/distill/pkg/core/tensors"
	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/context/checkpoints"
	"github.com/gomlx/distill/pkg/ml/datasets"
	"github.com/gomlx/distill/pkg/ml/decode"
	"github.com/gomlx/distill/pkg/ml/models"
	"github.com/gomlx/distill/pkg/tokenizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// tableModel is a frozen model whose next-token distribution depends only on the last token: the log-probs set
// in table[last] are used as given, and the remaining probability mass is spread uniformly over the other tokens.
type tableModel struct {
	vocabSize int
	table     map[int]map[int]float64
	ctx       *context.Context
}

var _ models.CausalLanguageModel = (*tableModel)(nil)

func newTableModel(vocabSize int, table map[int]map[int]float64) *tableModel {
	ctx := context.New()
	ctx.Freeze()
	return &tableModel{vocabSize: vocabSize, table: table, ctx: ctx}
}

func (m *tableModel) distribution(last int) []float32 {
	logProbs := make([]float32, m.vocabSize)
	fixed := m.table[last]
	var mass float64
	for _, lp := range fixed {
		mass += math.Exp(lp)
	}
	rest := float32(math.Log(max(1-mass, 1e-12) / float64(m.vocabSize-len(fixed))))
	for ii := range logProbs {
		if lp, found := fixed[ii]; found {
			logProbs[ii] = float32(lp)
		} else {
			logProbs[ii] = rest
		}
	}
	return logProbs
}

func (m *tableModel) Forward(g *graph.Graph, tokens [][]int, _ [][]bool) *graph.Node {
	var seqLen int
	if len(tokens) > 0 {
		seqLen = len(tokens[0])
	}
	values := make([]float32, 0, len(tokens)*seqLen*m.vocabSize)
	for _, row := range tokens {
		for _, token := range row {
			values = append(values, m.distribution(token)...)
		}
	}
	return graph.Const(g, values, len(tokens)*seqLen, m.vocabSize)
}

func (m *tableModel) IsFrozen() bool            { return true }
func (m *tableModel) VocabSize() int            { return m.vocabSize }
func (m *tableModel) Family() models.Family     { return models.FamilyBigram }
func (m *tableModel) Context() *context.Context { return m.ctx }

var testPrompts = []string{"2+2=", "1+1=", "3+4=", "hello ", "ab", "xyz", "go ", "0-0="}

var testCorpus = []string{
	"the quick brown fox jumps over the lazy dog",
	"2+2=4 and 1+1=2",
	"hello world, hello gopher",
}

// newTestContext returns a context with a tiny student and teacher, and short continuations.
func newTestContext(settings map[string]any) *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:           4,
		ParamBatchSize:            4,
		ParamTeacherMixAlpha:      0.0,
		ParamTeacherFP16:          false,
		ParamLMCoef:               0.0,
		ParamLMBatchSize:          2,
		ParamLMChunkLength:        8,
		ParamEvalInterval:         0,
		ParamSaveInterval:         0,
		ParamEvalBatchSize:        3,
		models.ParamEmbedDim:      4,
		models.ParamHiddenDim:     8,
		models.ParamContextLength: 2,
		decode.ParamMaxNewTokens:  5,
	})
	ctx.In(TeacherScope).SetParams(map[string]any{
		models.ParamEmbedDim:  6,
		models.ParamHiddenDim: 12,
	})
	ctx.SetParams(settings)
	return ctx
}

// newTestData returns the byte-level tokenizer with the test prompts and corpus.
func newTestData(t *testing.T) *Data {
	tok := tokenizers.NewByteLevel()
	data := &Data{Tokenizer: tok}
	var err error
	data.Prompts, err = datasets.NewPrompts("prompts", testPrompts, tok, 16)
	require.NoError(t, err)
	data.EvalPrompts, err = datasets.NewPrompts("eval_prompts", testPrompts[:5], tok, 16)
	require.NoError(t, err)
	data.LMCorpus, err = datasets.NewCorpus("corpus", testCorpus, tok, 8)
	require.NoError(t, err)
	data.EvalLMCorpus, err = datasets.NewCorpus("eval_corpus", testCorpus[:2], tok, 8)
	require.NoError(t, err)
	return data
}

// testSetup holds the components of a single replica distillation.
type testSetup struct {
	ctx     *context.Context
	config  *Config
	data    *Data
	student models.CausalLanguageModel
	teacher models.CausalLanguageModel
	rewards *RewardEngine
}

func newTestSetup(t *testing.T, settings map[string]any) *testSetup {
	s := &testSetup{ctx: newTestContext(settings), data: newTestData(t)}
	var err error
	s.config, err = ConfigFromContext(s.ctx)
	require.NoError(t, err)
	s.data.SetSeed(s.config.Seed)
	vocabSize := s.data.Tokenizer.VocabSize()
	s.student = must.M1(models.Build(s.ctx.In(StudentScope), s.config.StudentFamily, vocabSize))
	enableEOS(t, s.ctx, s.data.Tokenizer.EOSID())
	s.teacher = must.M1(BuildTeacher(s.ctx, s.config, vocabSize))
	s.rewards = must.M1(NewRewardEngine(s.teacher, s.data.Tokenizer, RewardConfig{
		KLCoef:        s.config.KLCoef,
		LengthPenalty: s.config.LengthPenalty,
		Normalization: s.config.RewardNormalization,
	}))
	return s
}

// studentValues returns the values of the trainable variables of ctx, in order.
func studentValues(ctx *context.Context) [][]float64 {
	var values [][]float64
	for _, v := range ctx.TrainableVariables() {
		values = append(values, v.Value().Float64s())
	}
	return values
}

// requireValuesInDelta checks that all values are within delta.
func requireValuesInDelta(t *testing.T, want, got [][]float64, delta float64) {
	require.Len(t, got, len(want))
	for ii := range want {
		require.InDeltaSlicef(t, want[ii], got[ii], delta, "variable #%d", ii)
	}
}

// Biases of the EOS logit of the student head: with testEOSBias roughly 60% of the tokens sampled by a freshly
// initialized student are EOS, so rollouts rarely reach the length cap.
const (
	testEOSBias     = 6.0
	disabledEOSBias = -1e4
)

// setEOSBias sets the bias of the EOS logit in the head of the built-in student model.
func setEOSBias(t *testing.T, ctx *context.Context, eosID int, bias float32) {
	biases := ctx.InAbsPath(context.ScopeSeparator + StudentScope + "/head").GetVariable("biases")
	require.NotNil(t, biases)
	value := biases.Value().Clone()
	tensors.MutableFlatData[float32](value, func(flat []float32) {
		flat[eosID] = bias
	})
	require.NoError(t, biases.SetValue(value))
}

// enableEOS makes the built-in student model end most of its rollouts within a few tokens.
func enableEOS(t *testing.T, ctx *context.Context, eosID int) {
	setEOSBias(t, ctx, eosID, testEOSBias)
}

// disableEOS makes the built-in student model never predict the EOS token.
func disableEOS(t *testing.T, ctx *context.Context, eosID int) {
	setEOSBias(t, ctx, eosID, disabledEOSBias)
}

// newStudentInit saves a checkpoint with a student built with the given settings and the given EOS bias, to be
// used as ParamStudentInit. It returns the checkpoint directory.
func newStudentInit(t *testing.T, settings map[string]any, eosBias float32) string {
	ctx := newTestContext(settings)
	config := must.M1(ConfigFromContext(ctx))
	tok := tokenizers.NewByteLevel()
	must.M1(models.Build(ctx.In(StudentScope), config.StudentFamily, tok.VocabSize()))
	setEOSBias(t, ctx, tok.EOSID(), eosBias)
	dir := t.TempDir()
	handler := must.M1(checkpoints.Build(ctx).Dir(dir).Done())
	require.NoError(t, handler.Save())
	return dir
}

// withStudentInit returns the settings with a student initialization checkpoint (see newStudentInit) whose
// rollouts end with EOS.
func withStudentInit(t *testing.T, settings map[string]any) map[string]any {
	all := map[string]any{ParamStudentInit: newStudentInit(t, settings, testEOSBias)}
	for k, v := range settings {
		all[k] = v
	}
	return all
}
