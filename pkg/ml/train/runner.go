// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"math"
	"time"

	"github.com/gomlx/hydraulis/pkg/core/strategy"
	"github.com/pkg/errors"
)

// RunLevel tells the Runner how much of the training step to execute.
type RunLevel int

//go:generate go tool enumer -type=RunLevel -transform=snake -output=gen_runlevel_enumer.go runner.go

const (
	// Update runs forward, backward and the optimizer update.
	Update RunLevel = iota

	// ComputeOnly runs forward and backward, without updating the parameters.
	ComputeOnly
)

// Feed is the input of one run of the computation graph on one GPU.
type Feed struct {
	// StrategyID is the compute strategy the micro-batches were planned for.
	StrategyID int

	// OptimizerStrategyID is the strategy that holds the optimizer states.
	OptimizerStrategyID int

	NumMicroBatches int

	// MaxSeqLen is the length of the longest sequence of the feed, given to variable-length attention.
	MaxSeqLen int

	// Inputs, Labels and CuSeqLens have one row per micro-batch.
	Inputs, Labels [][]int64
	CuSeqLens      [][]int32

	RunLevel RunLevel
}

// Validate checks the feed is consistent.
func (f *Feed) Validate() error {
	if f.NumMicroBatches <= 0 {
		return errors.Errorf("feed without micro-batches")
	}
	if len(f.Inputs) != f.NumMicroBatches || len(f.Labels) != f.NumMicroBatches || len(f.CuSeqLens) != f.NumMicroBatches {
		return errors.Errorf("feed has %d micro-batches, but %d inputs, %d labels and %d cu_seqlens",
			f.NumMicroBatches, len(f.Inputs), len(f.Labels), len(f.CuSeqLens))
	}
	for ii, cu := range f.CuSeqLens {
		if len(cu) < 2 || cu[0] != 0 || int(cu[len(cu)-1]) != len(f.Inputs[ii]) {
			return errors.Errorf("micro-batch %d: cu_seqlens %v don't match a row of %d tokens", ii, cu, len(f.Inputs[ii]))
		}
		if len(f.Labels[ii]) != len(f.Inputs[ii]) {
			return errors.Errorf("micro-batch %d: %d inputs and %d labels", ii, len(f.Inputs[ii]), len(f.Labels[ii]))
		}
	}
	return nil
}

// Result of a run.
type Result struct {
	// Loss is only available on the last pipeline stage.
	Loss    float64
	HasLoss bool

	Elapsed time.Duration
}

// Runner runs the computation graph of the local GPU.
type Runner interface {
	Run(ctx context.Context, feed *Feed) (*Result, error)
}

// SimulatedRunner stands in for the computation graph: it computes the time of each run with the cost model
// of the local replica, and reports a synthetic loss that decreases with every update.
type SimulatedRunner struct {
	strategies []*strategy.Resolved
	gpu        int

	// TimeScale multiplies the simulated time to sleep in each run. 0 doesn't sleep.
	TimeScale float64

	numUpdates int
}

// NewSimulatedRunner creates a runner for the given GPU.
func NewSimulatedRunner(strategies []*strategy.Resolved, gpu int) *SimulatedRunner {
	return &SimulatedRunner{strategies: strategies, gpu: gpu}
}

// Run implements Runner.
func (r *SimulatedRunner) Run(ctx context.Context, feed *Feed) (*Result, error) {
	if err := feed.Validate(); err != nil {
		return nil, err
	}
	if feed.StrategyID < 0 || feed.StrategyID >= len(r.strategies) {
		return nil, errors.Errorf("unknown strategy %d", feed.StrategyID)
	}
	resolved := r.strategies[feed.StrategyID]
	pos, err := resolved.Topology.Position(r.gpu)
	if err != nil {
		return nil, err
	}
	rep := resolved.Replicas[pos.DPID]

	times := make([]float64, feed.NumMicroBatches)
	for ii, cu := range feed.CuSeqLens {
		segments := make([]int, 0, len(cu)-1)
		for jj := 1; jj < len(cu); jj++ {
			segments = append(segments, int(cu[jj]-cu[jj-1]))
		}
		times[ii] = rep.Cost.MicroBatch(segments)
	}
	ms := rep.Cost.Pipeline(times, rep.Dims.PP)
	elapsed := time.Duration(ms * float64(time.Millisecond))

	if r.TimeScale > 0 {
		timer := time.NewTimer(time.Duration(float64(elapsed) * r.TimeScale))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	result := &Result{Elapsed: elapsed}
	if pos.StageID == rep.Dims.PP-1 {
		result.HasLoss = true
		result.Loss = 2 + 8*math.Exp(-0.05*float64(r.numUpdates))
	}
	if feed.RunLevel == Update {
		r.numUpdates++
	}
	return result, nil
}
