// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[error]()
	assert.False(t, l.Test())
	assert.Nil(t, l.Value())

	// Concurrent triggers: exactly one wins, and every waiter sees its value.
	var numTriggered atomic.Int32
	var wg sync.WaitGroup
	for ii := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Trigger(errors.Errorf("rank %d", ii)) {
				numTriggered.Add(1)
			}
		}()
	}
	select {
	case <-l.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("latch never triggered")
	}
	wg.Wait()
	require.True(t, l.Test())
	assert.Equal(t, int32(1), numTriggered.Load())
	winner := l.Wait()
	require.Error(t, winner)
	assert.False(t, l.Trigger(errors.New("late")))
	assert.Equal(t, winner, l.Value())
}
