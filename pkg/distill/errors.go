// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"context"
	"fmt"

	"github.com/gomlx/distill/pkg/core/distributed"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// GenerationError is returned when every rollout of a training step (across all replicas) was truncated at the
// maximum number of new tokens, without reaching EOS or a stop token.
//
// The step is retried once with freshly sampled rollouts before the error becomes fatal.
type GenerationError struct {
	// Step is the global step being trained (the one after the current global step).
	Step int

	// NumRollouts is the number of rollouts generated in the step, across all replicas.
	NumRollouts int

	// MaxNewTokens is the length cap all rollouts hit.
	MaxNewTokens int
}

// Error implements the error interface.
func (e *GenerationError) Error() string {
	return fmt.Sprintf("step %d: all %d rollouts reached the maximum of %d new tokens without EOS",
		e.Step, e.NumRollouts, e.MaxNewTokens)
}

// TokenizerMismatchError is returned when the student and teacher can't be used together: their tokenizers
// differ, or a model's vocabulary size doesn't match the tokenizer's.
type TokenizerMismatchError struct {
	Reason string
}

// Error implements the error interface.
func (e *TokenizerMismatchError) Error() string {
	return "tokenizer mismatch: " + e.Reason
}

// DivergenceError is returned when the loss or the gradient norm of a step is NaN or infinite.
// The state before the step is saved as an emergency checkpoint, if checkpointing is configured.
type DivergenceError struct {
	// Step that diverged.
	Step int

	// Loss and GradNorm of the step, at least one of them is not finite.
	Loss, GradNorm float64

	// Checkpoint is the base path of the emergency checkpoint, or empty if none was saved.
	Checkpoint string
}

// Error implements the error interface.
func (e *DivergenceError) Error() string {
	msg := fmt.Sprintf("training diverged at step %d: loss=%g, gradient norm=%g", e.Step, e.Loss, e.GradNorm)
	if e.Checkpoint != "" {
		msg += fmt.Sprintf(", last good state saved in %q", e.Checkpoint)
	}
	return msg
}

// Exit codes returned by ExitCode.
const (
	ExitOK                = 0
	ExitFailure           = 1
	ExitDivergence        = 2
	ExitTokenizerMismatch = 3
	ExitCollectiveTimeout = 4
	ExitGeneration        = 5
)

// ExitCode returns the process exit code for the error returned by Run: 0 for no error (or a clean
// cancellation), and a specific code for each of the typed errors.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return ExitOK
	}
	var (
		divergence *DivergenceError
		mismatch   *TokenizerMismatchError
		timeout    *distributed.CollectiveTimeoutError
		generation *GenerationError
	)
	switch {
	case errors.As(err, &divergence):
		return ExitDivergence
	case errors.As(err, &mismatch):
		return ExitTokenizerMismatch
	case errors.As(err, &timeout):
		return ExitCollectiveTimeout
	case errors.As(err, &generation):
		return ExitGeneration
	}
	return ExitFailure
}

// tryCatch runs fn, converting panics (from graph building and models) to errors.
func tryCatch(fn func() error) error {
	var fnErr error
	if err := exceptions.TryCatch[error](func() { fnErr = fn() }); err != nil {
		return err
	}
	return fnErr
}
