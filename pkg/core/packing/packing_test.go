// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package packing_test

import (
	"context"
	"testing"

	"github.com/gomlx/hydraulis/pkg/core/bucketing"
	. "github.com/gomlx/hydraulis/pkg/core/packing"
	"github.com/gomlx/hydraulis/pkg/core/strategy"
	"github.com/gomlx/hydraulis/pkg/core/topology"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var linearCost = strategy.CostModel{Linear: 1}

// newResolved builds a resolved strategy with one replica per capacity, without topology.
func newResolved(id int, capacities []int, pp int, cost strategy.CostModel) *strategy.Resolved {
	r := &strategy.Resolved{ID: id}
	for dpID, capacity := range capacities {
		dims := topology.ParallelDims{CP: 1, TP: 1, PP: pp}
		r.Strategy = append(r.Strategy, dims)
		r.Replicas = append(r.Replicas, strategy.Replica{DPID: dpID, Dims: dims, MaxSeqLen: capacity, Cost: cost})
	}
	return r
}

func microBatchIndices(plan *Plan) [][][]int {
	indices := make([][][]int, len(plan.Replicas))
	for ii := range plan.Replicas {
		indices[ii] = plan.Replicas[ii].MicroBatchIndices()
	}
	return indices
}

// checkPlanInvariants verifies every sequence is in exactly one micro-batch and capacities are respected.
func checkPlanInvariants(t *testing.T, plan *Plan, r *strategy.Resolved, lens []int) {
	seen := make([]int, len(lens))
	maxCost := 0.0
	for ii := range plan.Replicas {
		rp := &plan.Replicas[ii]
		require.NotEmpty(t, rp.MicroBatches, "replica %d", rp.DPID)
		numIndices := 0
		for _, mb := range rp.MicroBatches {
			tokens := 0
			for _, idx := range mb.Indices {
				seen[idx]++
				tokens += lens[idx]
				assert.LessOrEqual(t, lens[idx], r.Replicas[rp.DPID].MaxSeqLen)
			}
			numIndices += len(mb.Indices)
			assert.Equal(t, tokens, mb.Tokens)
			assert.LessOrEqual(t, mb.Tokens, mb.PaddedTokens)
			assert.LessOrEqual(t, mb.PaddedTokens, rp.Capacity)
		}
		assert.Equal(t, len(rp.Indices), numIndices)
		maxCost = max(maxCost, rp.Cost)
	}
	for idx, count := range seen {
		assert.Equal(t, 1, count, "sequence #%d", idx)
	}
	assert.Equal(t, maxCost, plan.Cost)
}

func TestParseMethod(t *testing.T) {
	for _, m := range []Method{Padding, UnbalancedPacking, GreedyStaticPacking, GreedyDynamicPacking, HydraulisPacking} {
		parsed, err := ParseMethod(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	m, err := ParseMethod("4")
	require.NoError(t, err)
	assert.Equal(t, HydraulisPacking, m)
	_, err = ParseMethod("5")
	require.Error(t, err)
	m, err = ParseMethod(" Greedy_Static ")
	require.NoError(t, err)
	assert.Equal(t, GreedyStaticPacking, m)
	_, err = ParseMethod("best")
	require.ErrorContains(t, err, "greedy_dynamic")
	assert.Equal(t, []string{"padding", "unbalanced", "greedy_static", "greedy_dynamic", "hydraulis"}, MethodStrings())
	assert.Equal(t, "Method(7)", Method(7).String())
	assert.False(t, Method(-1).IsAMethod())
	assert.True(t, GreedyStaticPacking.StaticShape())
	assert.False(t, HydraulisPacking.NeedsMaxPaddedSeqLen())
}

func TestBestFitDecreasing(t *testing.T) {
	lens := []int{5, 3, 4, 2, 6}
	mbs, err := BestFitDecreasing(lens, []int{0, 1, 2, 3, 4}, 10)
	require.NoError(t, err)
	require.Len(t, mbs, 2)
	assert.Equal(t, []int{2, 4}, mbs[0].Indices)
	assert.Equal(t, 10, mbs[0].Tokens)
	assert.Equal(t, []int{0, 1, 3}, mbs[1].Indices)
	assert.Equal(t, 10, mbs[1].Tokens)

	_, err = BestFitDecreasing(lens, []int{0, 4}, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSequenceTooLong))
}

func TestGreedyPack(t *testing.T) {
	lens := []int{5, 3, 4, 2, 6}
	mbs, err := GreedyPack(lens, []int{0, 1, 2, 3, 4}, 8)
	require.NoError(t, err)
	require.Len(t, mbs, 3)
	assert.Equal(t, []int{0, 1}, mbs[0].Indices)
	assert.Equal(t, []int{2, 3}, mbs[1].Indices)
	assert.Equal(t, []int{4}, mbs[2].Indices)

	mbs, err = GreedyPack(lens, nil, 8)
	require.NoError(t, err)
	assert.Empty(t, mbs)
}

func TestPlanPadding(t *testing.T) {
	lens := []int{100, 200, 300, 400}
	strategies := []*strategy.Resolved{newResolved(0, []int{1024, 1024}, 1, linearCost)}
	planner := NewPlanner(strategies, Padding).WithMaxPaddedSeqLen(512)
	plan, err := planner.Plan(context.Background(), lens)
	require.NoError(t, err)
	assert.Equal(t, [][][]int{{{0}, {1}}, {{2}, {3}}}, microBatchIndices(plan))
	for _, rp := range plan.Replicas {
		for _, mb := range rp.MicroBatches {
			assert.Equal(t, 512, mb.PaddedTokens)
		}
	}
	assert.InDelta(t, 1024.0, plan.Cost, 1e-9)
	assert.InDelta(t, 1-1000.0/2048.0, plan.PaddingRatio(), 1e-9)

	_, err = planner.Plan(context.Background(), lens[:3])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be divided by dp size")

	// Padding requires a max padded seqlen and a single candidate.
	_, err = NewPlanner(strategies, Padding).Plan(context.Background(), lens)
	require.Error(t, err)
	_, err = NewPlanner(append(strategies, strategies[0]), Padding).WithMaxPaddedSeqLen(512).Plan(context.Background(), lens)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only supports one candidate")
}

func TestPlanUnbalanced(t *testing.T) {
	lens := []int{100, 200, 300, 400}
	r := newResolved(0, []int{256, 1024}, 1, linearCost)
	plan, err := NewPlanner([]*strategy.Resolved{r}, UnbalancedPacking).Plan(context.Background(), lens)
	require.NoError(t, err)
	checkPlanInvariants(t, plan, r, lens)
	assert.Equal(t, [][][]int{{{0}, {1}}, {{2, 3}}}, microBatchIndices(plan))
	assert.Equal(t, 128, plan.Replicas[0].MicroBatches[0].PaddedTokens)
	assert.Equal(t, 256, plan.Replicas[0].MicroBatches[1].PaddedTokens)
	assert.Equal(t, 768, plan.Replicas[1].MicroBatches[0].PaddedTokens)

	r = newResolved(0, []int{150, 1024}, 1, linearCost)
	_, err = NewPlanner([]*strategy.Resolved{r}, UnbalancedPacking).Plan(context.Background(), lens)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSequenceTooLong))
}

func TestPlanGreedy(t *testing.T) {
	lens := []int{100, 200, 300, 400}
	r := newResolved(0, []int{1024, 1024}, 1, linearCost)

	plan, err := NewPlanner([]*strategy.Resolved{r}, GreedyStaticPacking).
		WithMaxPaddedSeqLen(450).Plan(context.Background(), lens)
	require.NoError(t, err)
	checkPlanInvariants(t, plan, r, lens)
	assert.Equal(t, [][][]int{{{0}, {3}}, {{1}, {2}}}, microBatchIndices(plan))
	for _, rp := range plan.Replicas {
		assert.Equal(t, 450, rp.Capacity)
		for _, mb := range rp.MicroBatches {
			assert.Equal(t, 450, mb.PaddedTokens)
		}
	}

	plan, err = NewPlanner([]*strategy.Resolved{r}, GreedyDynamicPacking).
		WithMaxPaddedSeqLen(450).Plan(context.Background(), lens)
	require.NoError(t, err)
	assert.Equal(t, [][][]int{{{0}, {3}}, {{1}, {2}}}, microBatchIndices(plan))
	padded := make([]int, 0, 4)
	for _, rp := range plan.Replicas {
		for _, mb := range rp.MicroBatches {
			padded = append(padded, mb.PaddedTokens)
		}
	}
	assert.Equal(t, []int{128, 450, 256, 384}, padded)
}

func TestPlanHydraulis(t *testing.T) {
	lens := []int{400, 300, 200, 100}
	r := newResolved(0, []int{1024, 1024}, 1, linearCost)
	plan, err := NewPlanner([]*strategy.Resolved{r}, HydraulisPacking).Plan(context.Background(), lens)
	require.NoError(t, err)
	checkPlanInvariants(t, plan, r, lens)
	assert.Equal(t, [][][]int{{{0, 3}}, {{1, 2}}}, microBatchIndices(plan))
	assert.InDelta(t, 500.0, plan.AssignCost, 1e-9)
	assert.InDelta(t, 512.0, plan.Cost, 1e-9)
	assert.Equal(t, []SeqAssignment{{DPID: 0}, {DPID: 1}, {DPID: 1}, {DPID: 0}}, plan.Assignments())

	// Long sequences only go to the replicas that can hold them.
	lens = []int{3000, 100, 100, 100}
	r = newResolved(0, []int{1024, 4096}, 1, linearCost)
	plan, err = NewPlanner([]*strategy.Resolved{r}, HydraulisPacking).Plan(context.Background(), lens)
	require.NoError(t, err)
	checkPlanInvariants(t, plan, r, lens)
	assert.Equal(t, 1, plan.Assignments()[0].DPID)
	assert.Equal(t, []int{1, 2, 3}, plan.Replicas[0].Indices)
}

func TestPlanHydraulisPipelineSplit(t *testing.T) {
	lens := []int{100, 100, 100, 100}
	r := newResolved(0, []int{1024}, 4, linearCost)
	plan, err := NewPlanner([]*strategy.Resolved{r}, HydraulisPacking).Plan(context.Background(), lens)
	require.NoError(t, err)
	checkPlanInvariants(t, plan, r, lens)
	// One micro-batch of 512 padded tokens would cost 512+3*512, two of 256 cost 512+3*256.
	assert.Equal(t, [][][]int{{{0, 2}, {1, 3}}}, microBatchIndices(plan))
	assert.InDelta(t, 1280.0, plan.Cost, 1e-9)
	assert.InDelta(t, 1600.0, plan.AssignCost, 1e-9)

	plan, err = NewPlanner([]*strategy.Resolved{r}, HydraulisPacking).WithPadding(bucketing.None()).
		Plan(context.Background(), lens)
	require.NoError(t, err)
	assert.Equal(t, [][][]int{{{0, 2}, {1, 3}}}, microBatchIndices(plan))
	assert.InDelta(t, 1000.0, plan.Cost, 1e-9)
	assert.Equal(t, 0.0, plan.PaddingRatio())
}

func TestPlanInvariantsAndDeterminism(t *testing.T) {
	lens := make([]int, 64)
	for ii := range lens {
		lens[ii] = 64 + (ii*7919)%6000
	}
	strategies := []*strategy.Resolved{
		newResolved(0, []int{2048, 2048, 2048, 2048}, 1, strategy.CostModel{Quadratic: 1e-4, Linear: 0.1, Constant: 5}),
		newResolved(1, []int{2048, 2048, 8192}, 2, strategy.CostModel{Quadratic: 5e-5, Linear: 0.08, Constant: 3}),
		newResolved(2, []int{8192, 8192}, 2, strategy.CostModel{Quadratic: 2e-5, Linear: 0.05, Constant: 8}),
	}
	for _, method := range []Method{GreedyDynamicPacking, HydraulisPacking} {
		planner := NewPlanner(strategies, method).WithMaxPaddedSeqLen(8192)
		plan, err := planner.Plan(context.Background(), lens)
		require.NoError(t, err, "method %s", method)
		checkPlanInvariants(t, plan, strategies[plan.StrategyID], lens)

		// The chosen plan is the cheapest of all candidates.
		for id := range strategies {
			other, err := planner.PlanStrategy(id, lens)
			if err != nil {
				continue
			}
			checkPlanInvariants(t, other, strategies[id], lens)
			assert.LessOrEqual(t, plan.Cost, other.Cost, "method %s, strategy %d", method, id)
		}

		again, err := planner.WithParallelism(0).Plan(context.Background(), lens)
		require.NoError(t, err)
		assert.Equal(t, plan, again)
	}
}

func TestPlannerSelection(t *testing.T) {
	lens := []int{100, 200, 300, 400}
	same := []*strategy.Resolved{
		newResolved(0, []int{1024, 1024}, 1, linearCost),
		newResolved(1, []int{1024, 1024}, 1, linearCost),
	}
	plan, err := NewPlanner(same, HydraulisPacking).Plan(context.Background(), lens)
	require.NoError(t, err)
	assert.Equal(t, 0, plan.StrategyID, "ties go to the lowest strategy id")

	faster := []*strategy.Resolved{
		newResolved(0, []int{1024, 1024}, 1, linearCost),
		newResolved(1, []int{1024, 1024}, 1, strategy.CostModel{Linear: 0.5}),
	}
	plan, err = NewPlanner(faster, HydraulisPacking).Plan(context.Background(), lens)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.StrategyID)
	plan, err = NewPlanner(faster, HydraulisPacking).WithCandidates(0).Plan(context.Background(), lens)
	require.NoError(t, err)
	assert.Equal(t, 0, plan.StrategyID)

	// Strategies that can't hold the batch are skipped.
	capacities := []*strategy.Resolved{
		newResolved(0, []int{256, 256}, 1, strategy.CostModel{Linear: 0.1}),
		newResolved(1, []int{1024, 1024}, 1, linearCost),
	}
	plan, err = NewPlanner(capacities, HydraulisPacking).Plan(context.Background(), []int{500, 100})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.StrategyID)
	_, err = NewPlanner(capacities, HydraulisPacking).Plan(context.Background(), []int{5000, 100})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSequenceTooLong))

	_, err = NewPlanner(faster, HydraulisPacking).WithCandidates(3).Plan(context.Background(), lens)
	require.Error(t, err)
}

func TestPlannerReplicaCapacity(t *testing.T) {
	r := newResolved(0, []int{512, 2048}, 1, linearCost)
	for _, method := range []Method{Padding, GreedyStaticPacking, GreedyDynamicPacking} {
		planner := NewPlanner([]*strategy.Resolved{r}, method).WithMaxPaddedSeqLen(1024)
		assert.Equal(t, 512, planner.ReplicaCapacity(r.Replicas[0]), "method %s", method)
		assert.Equal(t, 1024, planner.ReplicaCapacity(r.Replicas[1]), "method %s", method)
	}
	for _, method := range []Method{UnbalancedPacking, HydraulisPacking} {
		planner := NewPlanner([]*strategy.Resolved{r}, method).WithMaxPaddedSeqLen(1024)
		assert.Equal(t, 2048, planner.ReplicaCapacity(r.Replicas[1]), "method %s", method)
	}
}

func TestPlannerCache(t *testing.T) {
	strategies := []*strategy.Resolved{newResolved(0, []int{1024, 1024}, 1, linearCost)}
	planner := NewPlanner(strategies, HydraulisPacking).WithCache(1)
	lens := []int{100, 200, 300, 400}
	plan, err := planner.Plan(context.Background(), lens)
	require.NoError(t, err)
	again, err := planner.Plan(context.Background(), []int{100, 200, 300, 400})
	require.NoError(t, err)
	assert.Same(t, plan, again)

	// Evicted by a different batch.
	other, err := planner.Plan(context.Background(), []int{10, 20})
	require.NoError(t, err)
	assert.Equal(t, 2, other.NumSequences)
	again, err = planner.Plan(context.Background(), lens)
	require.NoError(t, err)
	assert.NotSame(t, plan, again)
	assert.Equal(t, plan, again)

	again, err = planner.WithCache(0).Plan(context.Background(), lens)
	require.NoError(t, err)
	assert.NotSame(t, plan, again)
}

func TestPlannerErrors(t *testing.T) {
	strategies := []*strategy.Resolved{newResolved(0, []int{1024, 1024}, 1, linearCost)}
	planner := NewPlanner(strategies, HydraulisPacking)
	_, err := planner.Plan(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrEmptyBatch))
	_, err = planner.Plan(context.Background(), []int{100})
	assert.True(t, errors.Is(err, ErrTooFewSequences))
	_, err = planner.Plan(context.Background(), []int{100, 0})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = planner.Plan(ctx, []int{100, 200})
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = NewPlanner(nil, HydraulisPacking).Plan(context.Background(), []int{100})
	require.Error(t, err)
	_, err = NewPlanner(strategies, GreedyStaticPacking).Plan(context.Background(), []int{100, 200})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max padded seqlen")
}

func TestPlanLocal(t *testing.T) {
	strategies, err := topology.ParseMultiStrategies("[[(1,1,1),(1,1,2)]]")
	require.NoError(t, err)
	topo, err := topology.NewTopology(strategies[0], 3, 4, 0)
	require.NoError(t, err)
	r := newResolved(0, []int{1024, 1024}, 1, linearCost)
	r.Topology = topo
	plan, err := NewPlanner([]*strategy.Resolved{r}, HydraulisPacking).Plan(context.Background(), []int{400, 300, 200, 100})
	require.NoError(t, err)

	local, err := plan.Local(topo, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, local.DPID)
	local, err = plan.Local(topo, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, local.DPID)
	_, err = plan.Local(topo, 3)
	require.Error(t, err)
}
