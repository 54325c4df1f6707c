// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package packing

import (
	"testing"

	"github.com/gomlx/hydraulis/pkg/core/strategy"
	"github.com/gomlx/hydraulis/pkg/core/topology"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReplicas(capacities []int, costs []strategy.CostModel) []strategy.Replica {
	replicas := make([]strategy.Replica, len(capacities))
	for ii := range replicas {
		replicas[ii] = strategy.Replica{
			DPID:      ii,
			Dims:      topology.ParallelDims{CP: 1, TP: 1, PP: 1},
			MaxSeqLen: capacities[ii],
			Cost:      costs[ii],
		}
	}
	return replicas
}

func bottleneckCost(replicas []strategy.Replica, lens []int, assigned [][]int) float64 {
	worst := 0.0
	for r, indices := range assigned {
		var sum int
		var sumSq float64
		for _, idx := range indices {
			sum += lens[idx]
			sumSq += squared(lens[idx])
		}
		worst = max(worst, replicas[r].Cost.Estimate(sumSq, sum, replicas[r].MaxSeqLen, replicas[r].Dims.PP))
	}
	return worst
}

func TestAssignHeterogeneousFillsEmptyReplicas(t *testing.T) {
	// The second replica is so slow that the greedy assignment leaves it empty.
	replicas := testReplicas([]int{100, 1000}, []strategy.CostModel{{Linear: 1}, {Linear: 100}})
	assigned, err := assignHeterogeneous(replicas, []int{50, 50}, DefaultLocalSearchIterations)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1}, {0}}, assigned)

	// No sequence fits the second replica.
	replicas = testReplicas([]int{100, 40}, []strategy.CostModel{{Linear: 1}, {Linear: 100}})
	_, err = assignHeterogeneous(replicas, []int{50, 50}, DefaultLocalSearchIterations)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooFewSequences))
}

func TestAssignHeterogeneousLocalSearch(t *testing.T) {
	lens := make([]int, 48)
	for ii := range lens {
		lens[ii] = 32 + (ii*104729)%4000
	}
	replicas := testReplicas([]int{2048, 4096, 4096}, []strategy.CostModel{
		{Quadratic: 2e-4, Linear: 0.2, Constant: 4},
		{Quadratic: 1e-4, Linear: 0.1, Constant: 6},
		{Quadratic: 1e-4, Linear: 0.15, Constant: 2},
	})
	greedyOnly, err := assignHeterogeneous(replicas, lens, 0)
	require.NoError(t, err)
	searched, err := assignHeterogeneous(replicas, lens, DefaultLocalSearchIterations)
	require.NoError(t, err)
	assert.LessOrEqual(t, bottleneckCost(replicas, lens, searched), bottleneckCost(replicas, lens, greedyOnly))

	seen := make([]int, len(lens))
	for r, indices := range searched {
		require.NotEmpty(t, indices)
		for ii, idx := range indices {
			seen[idx]++
			assert.LessOrEqual(t, lens[idx], replicas[r].MaxSeqLen)
			if ii > 0 {
				assert.Less(t, indices[ii-1], idx)
			}
		}
	}
	for idx, count := range seen {
		assert.Equal(t, 1, count, "sequence #%d", idx)
	}
}

func TestAssignHeterogeneousErrors(t *testing.T) {
	replicas := testReplicas([]int{1024, 2048}, []strategy.CostModel{{Linear: 1}, {Linear: 1}})
	_, err := assignHeterogeneous(replicas, []int{100}, 10)
	assert.True(t, errors.Is(err, ErrTooFewSequences))
	_, err = assignHeterogeneous(replicas, []int{100, 4000}, 10)
	assert.True(t, errors.Is(err, ErrSequenceTooLong))
}

func TestSplitMicroBatch(t *testing.T) {
	lens := []int{5, 3, 4, 2, 6}
	first, second := splitMicroBatch(lens, newMicroBatch(lens, []int{0, 1, 2, 3, 4}))
	assert.Equal(t, []int{1, 3, 4}, first.Indices)
	assert.Equal(t, 11, first.Tokens)
	assert.Equal(t, []int{0, 2}, second.Indices)
	assert.Equal(t, 9, second.Tokens)
}
