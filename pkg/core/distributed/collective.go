// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gomlx/distill/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Collective is the set of collective operations a replica participates in.
//
// Every replica must call the same collectives, in the same order, with the same lengths. All operations
// block until every replica has reached the collective, or until the collective is aborted, in which
// case every replica gets the same error.
type Collective interface {
	// Rank of the replica in the collective group.
	Rank() int

	// WorldSize is the number of replicas in the collective group.
	WorldSize() int

	// AllReduceSum replaces values, in place, with the element-wise sum of the values of all replicas.
	// The sum is accumulated in rank order, so the result doesn't depend on the arrival order.
	AllReduceSum(ctx context.Context, values []float64) error

	// AllReduceMax replaces values, in place, with the element-wise maximum of the values of all replicas.
	AllReduceMax(ctx context.Context, values []float64) error

	// Barrier blocks until all replicas reach it.
	Barrier(ctx context.Context) error
}

// CollectiveTimeoutError is returned by all replicas of a collective when one of them didn't reach
// it within the configured timeout.
type CollectiveTimeoutError struct {
	// Op is the name of the collective operation ("AllReduceSum", "AllReduceMax" or "Barrier").
	Op string

	// Seq is the sequence number of the collective, counting from 0 for each Hub.
	Seq int

	// Arrived is the number of replicas that reached the collective before it timed out.
	Arrived, WorldSize int

	// Timeout waited.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *CollectiveTimeoutError) Error() string {
	return fmt.Sprintf("collective %s #%d timed out after %s: only %d of %d replicas arrived",
		e.Op, e.Seq, e.Timeout, e.Arrived, e.WorldSize)
}

// Hub implements Collective for replicas running as goroutines of the same process.
//
// Create one Hub for the group, and one Member per replica with Hub.Member.
type Hub struct {
	worldSize int
	timeout   time.Duration

	mu     sync.Mutex
	rounds map[int]*round

	// aborted is triggered with the error that aborted the collectives, after which every call fails with it.
	aborted *xsync.LatchWithValue[error]
}

// round holds the state of one collective call.
type round struct {
	op            string
	length        int
	contributions [][]float64 // Indexed by rank.
	arrived       int
	result        []float64
	done          chan struct{}
}

// NewHub creates a Hub for worldSize replicas. A timeout <= 0 means collectives wait forever (or until
// their context is cancelled).
func NewHub(worldSize int, timeout time.Duration) *Hub {
	return &Hub{
		worldSize: worldSize,
		timeout:   timeout,
		rounds:    make(map[int]*round),
		aborted:   xsync.NewLatchWithValue[error](),
	}
}

// WorldSize of the hub.
func (h *Hub) WorldSize() int { return h.worldSize }

// Abort all pending and future collectives with the given error. Only the first abort error is kept.
//
// Replicas that fail outside a collective call Abort so the others don't wait for them until the timeout.
func (h *Hub) Abort(err error) {
	if h.aborted.Trigger(err) {
		klog.V(1).Infof("collectives aborted: %v", err)
	}
}

// Err returns the error that aborted the hub, or nil.
func (h *Hub) Err() error {
	return h.aborted.Value()
}

// Member returns the Collective for the replica of the given rank. Each rank must have only one Member.
func (h *Hub) Member(rank int) *Member {
	if rank < 0 || rank >= h.worldSize {
		panic(errors.Errorf("Hub.Member(%d): rank out-of-range for world size %d", rank, h.worldSize))
	}
	return &Member{hub: h, rank: rank}
}

// Member of a Hub, it implements Collective for one replica.
type Member struct {
	hub  *Hub
	rank int
	seq  int
}

var _ Collective = (*Member)(nil)

// Rank implements Collective.
func (m *Member) Rank() int { return m.rank }

// WorldSize implements Collective.
func (m *Member) WorldSize() int { return m.hub.worldSize }

// AllReduceSum implements Collective.
func (m *Member) AllReduceSum(ctx context.Context, values []float64) error {
	return m.run(ctx, "AllReduceSum", values, func(contributions [][]float64, result []float64) {
		for _, contribution := range contributions {
			for ii, v := range contribution {
				result[ii] += v
			}
		}
	})
}

// AllReduceMax implements Collective.
func (m *Member) AllReduceMax(ctx context.Context, values []float64) error {
	return m.run(ctx, "AllReduceMax", values, func(contributions [][]float64, result []float64) {
		for ii := range result {
			result[ii] = math.Inf(-1)
		}
		for _, contribution := range contributions {
			for ii, v := range contribution {
				result[ii] = max(result[ii], v)
			}
		}
	})
}

// Barrier implements Collective.
func (m *Member) Barrier(ctx context.Context) error {
	return m.run(ctx, "Barrier", nil, func([][]float64, []float64) {})
}

// run executes one collective round: it contributes values, waits for all replicas and copies the result
// back into values.
func (m *Member) run(ctx context.Context, op string, values []float64,
	reduceFn func(contributions [][]float64, result []float64)) error {
	h := m.hub
	seq := m.seq
	m.seq++
	if err := h.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	r, found := h.rounds[seq]
	if !found {
		r = &round{
			op:            op,
			length:        len(values),
			contributions: make([][]float64, h.worldSize),
			done:          make(chan struct{}),
		}
		h.rounds[seq] = r
	}
	if r.op != op || r.length != len(values) {
		h.mu.Unlock()
		err := errors.Errorf("collective #%d mismatch: rank %d called %s with %d values, but another replica called "+
			"%s with %d values", seq, m.rank, op, len(values), r.op, r.length)
		h.Abort(err)
		return h.Err()
	}
	r.contributions[m.rank] = values
	r.arrived++
	if r.arrived == h.worldSize {
		r.result = make([]float64, r.length)
		reduceFn(r.contributions, r.result)
		delete(h.rounds, seq)
		close(r.done)
	}
	h.mu.Unlock()

	var timeoutC <-chan time.Time
	if h.timeout > 0 {
		timer := time.NewTimer(h.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case <-r.done:
		copy(values, r.result)
		return nil
	case <-h.aborted.WaitChan():
		return h.Err()
	case <-ctx.Done():
		h.Abort(errors.WithMessagef(ctx.Err(), "collective %s #%d interrupted", op, seq))
		return h.Err()
	case <-timeoutC:
		h.mu.Lock()
		arrived := r.arrived
		h.mu.Unlock()
		select {
		case <-r.done:
			// Completed just as the timer fired.
			copy(values, r.result)
			return nil
		default:
		}
		h.Abort(&CollectiveTimeoutError{Op: op, Seq: seq, Arrived: arrived, WorldSize: h.worldSize, Timeout: h.timeout})
		return h.Err()
	}
}

// AllReduceMean replaces values, in place, with the element-wise mean across replicas.
func AllReduceMean(ctx context.Context, c Collective, values []float64) error {
	if err := c.AllReduceSum(ctx, values); err != nil {
		return err
	}
	scale := 1.0 / float64(c.WorldSize())
	for ii := range values {
		values[ii] *= scale
	}
	return nil
}
