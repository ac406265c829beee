// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/distill/pkg/core/distributed"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{context.Canceled, ExitOK},
		{errors.WithMessage(context.Canceled, "training stopped at global step 3"), ExitOK},
		{&DivergenceError{Step: 3}, ExitDivergence},
		{errors.WithMessage(&DivergenceError{Step: 3}, "Loop.RunSteps"), ExitDivergence},
		{&TokenizerMismatchError{Reason: "vocabulary sizes differ"}, ExitTokenizerMismatch},
		{errors.WithStack(&distributed.CollectiveTimeoutError{Op: "Barrier", Timeout: time.Second}), ExitCollectiveTimeout},
		{errors.WithMessagef(&GenerationError{Step: 1}, "replica %d", 1), ExitGeneration},
		{errors.New("failed to read prompts"), ExitFailure},
		{context.DeadlineExceeded, ExitFailure},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, ExitCode(tc.err), "ExitCode(%v)", tc.err)
	}
}

func TestErrorMessages(t *testing.T) {
	err := &GenerationError{Step: 7, NumRollouts: 16, MaxNewTokens: 32}
	assert.Equal(t, "step 7: all 16 rollouts reached the maximum of 32 new tokens without EOS", err.Error())

	div := &DivergenceError{Step: 2, Loss: 1, GradNorm: 2}
	assert.NotContains(t, div.Error(), "saved")
	div.Checkpoint = "/tmp/backup/checkpoint-n0000002"
	assert.Contains(t, div.Error(), div.Checkpoint)

	assert.Contains(t, (&TokenizerMismatchError{Reason: "x"}).Error(), "tokenizer mismatch")
}

func TestTryCatch(t *testing.T) {
	err := tryCatch(func() error {
		exceptions.Panicf("shapes don't match")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shapes don't match")

	want := errors.New("plain error")
	assert.Equal(t, want, tryCatch(func() error { return want }))
	assert.NoError(t, tryCatch(func() error { return nil }))
}
