// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements synchronization tools missing from the standard library.
package xsync

import "sync"

// LatchWithValue is a signal that is triggered once, carrying the value given by whoever triggered it first.
// Once triggered it never changes state.
//
// The collectives use it to broadcast the error that aborted them to every waiting rank.
type LatchWithValue[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{done: make(chan struct{})}
}

// Trigger the latch with value.
// It returns false if the latch was already triggered, in which case value is discarded.
func (l *LatchWithValue[T]) Trigger(value T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Test() {
		return false
	}
	l.value = value
	close(l.done)
	return true
}

// Wait waits for the latch to be triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	<-l.done
	return l.value
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Value returns the value of a triggered latch, or the zero value if not triggered yet.
func (l *LatchWithValue[T]) Value() (value T) {
	if !l.Test() {
		return
	}
	return l.value
}

// WaitChan returns a channel closed when the latch is triggered, to use in a select.
func (l *LatchWithValue[T]) WaitChan() <-chan struct{} {
	return l.done
}
