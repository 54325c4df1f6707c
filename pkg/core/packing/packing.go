// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package packing assigns the sequences of a global batch to the data-parallel replicas of a heterogeneous
// strategy, and packs each replica's sequences into micro-batches.
//
// Sequences are referred to by their index in the (sorted) global batch, and their length is the number of
// tokens they contribute to a micro-batch. Each replica can hold at most its max sequence length tokens
// per micro-batch, and runs its micro-batches through its pipeline. The step time of a strategy is the time
// of its slowest replica, since all replicas synchronize gradients at the end of the step.
//
// The Planner evaluates every candidate strategy with the configured Method and picks the one with the
// lowest estimated step time.
package packing

import (
	"cmp"
	"slices"

	"github.com/gomlx/hydraulis/pkg/core/topology"
	"github.com/gomlx/hydraulis/pkg/support/xslices"
	"github.com/pkg/errors"
)

var (
	// ErrEmptyBatch is returned when there are no sequences to plan.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrSequenceTooLong is returned when a sequence doesn't fit in any replica.
	ErrSequenceTooLong = errors.New("sequence too long")

	// ErrTooFewSequences is returned when some replica would be left without data.
	ErrTooFewSequences = errors.New("too few sequences for the data-parallel replicas")
)

// MicroBatch is a group of sequences packed in one row.
type MicroBatch struct {
	// Indices of the sequences in the global batch, in increasing order.
	Indices []int

	// Tokens is the sum of the lengths of the sequences.
	Tokens int

	// PaddedTokens is the length of the row after padding, >= Tokens.
	PaddedTokens int
}

// ReplicaPlan is what one data-parallel replica runs in a step.
type ReplicaPlan struct {
	DPID int

	// Capacity is the max number of tokens of a micro-batch of this replica.
	Capacity int

	// Indices of all the sequences assigned to the replica, in increasing order.
	Indices []int

	MicroBatches []MicroBatch

	// MaxLen is the length of the longest sequence assigned to the replica.
	MaxLen int

	// AssignCost is the estimated time of the replica before packing.
	AssignCost float64

	// Cost is the pipeline time of the packed micro-batches.
	Cost float64
}

// NumTokens returns the total number of (not padded) tokens of the replica.
func (r *ReplicaPlan) NumTokens() int {
	n := 0
	for _, mb := range r.MicroBatches {
		n += mb.Tokens
	}
	return n
}

// NumPaddedTokens returns the total number of tokens of the replica after padding.
func (r *ReplicaPlan) NumPaddedTokens() int {
	n := 0
	for _, mb := range r.MicroBatches {
		n += mb.PaddedTokens
	}
	return n
}

// MicroBatchIndices returns the sequence indices of each micro-batch.
func (r *ReplicaPlan) MicroBatchIndices() [][]int {
	indices := make([][]int, len(r.MicroBatches))
	for ii, mb := range r.MicroBatches {
		indices[ii] = slices.Clone(mb.Indices)
	}
	return indices
}

// Plan is the assignment of a global batch to the replicas of the chosen strategy.
type Plan struct {
	// StrategyID is the chosen compute strategy.
	StrategyID int

	Method Method

	// NumSequences in the global batch.
	NumSequences int

	Replicas []ReplicaPlan

	// AssignCost is the estimated step time before packing: the max AssignCost of the replicas.
	AssignCost float64

	// Cost is the estimated step time after packing: the max Cost of the replicas.
	Cost float64
}

// Local returns the plan of the replica the given GPU belongs to. topo must be the topology of the
// plan's strategy.
func (p *Plan) Local(topo *topology.Topology, gpu int) (*ReplicaPlan, error) {
	if topo.DPSize() != len(p.Replicas) {
		return nil, errors.Errorf("topology has %d replicas, but the plan of strategy %d has %d", topo.DPSize(), p.StrategyID, len(p.Replicas))
	}
	pos, err := topo.Position(gpu)
	if err != nil {
		return nil, err
	}
	return &p.Replicas[pos.DPID], nil
}

// SeqAssignment tells where one sequence of the global batch goes.
type SeqAssignment struct {
	DPID, MicroBatch int
}

// Assignments returns for each sequence of the global batch the replica and micro-batch it was assigned to.
// This is the batching option matrix in compact form.
func (p *Plan) Assignments() []SeqAssignment {
	assignments := make([]SeqAssignment, p.NumSequences)
	for ii := range assignments {
		assignments[ii] = SeqAssignment{DPID: -1, MicroBatch: -1}
	}
	for _, r := range p.Replicas {
		for mbIdx, mb := range r.MicroBatches {
			for _, seqIdx := range mb.Indices {
				assignments[seqIdx] = SeqAssignment{DPID: r.DPID, MicroBatch: mbIdx}
			}
		}
	}
	return assignments
}

// PaddingRatio returns the fraction of tokens of the plan that are padding.
func (p *Plan) PaddingRatio() float64 {
	var tokens, padded int
	for ii := range p.Replicas {
		tokens += p.Replicas[ii].NumTokens()
		padded += p.Replicas[ii].NumPaddedTokens()
	}
	if padded == 0 {
		return 0
	}
	return float64(padded-tokens) / float64(padded)
}

// newMicroBatch creates a MicroBatch with sorted indices.
func newMicroBatch(lens []int, indices []int) MicroBatch {
	mb := MicroBatch{Indices: slices.Clone(indices)}
	slices.Sort(mb.Indices)
	mb.Tokens = xslices.Sum(xslices.Gather(lens, mb.Indices))
	mb.PaddedTokens = mb.Tokens
	return mb
}

// descendingByLen returns a copy of indices sorted by decreasing length, ties broken by increasing index.
func descendingByLen(lens []int, indices []int) []int {
	order := slices.Clone(indices)
	slices.SortFunc(order, func(a, b int) int {
		if c := cmp.Compare(lens[b], lens[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return order
}

func checkFits(lens []int, indices []int, capacity int) error {
	for _, idx := range indices {
		if lens[idx] > capacity {
			return errors.Wrapf(ErrSequenceTooLong, "sequence #%d has %d tokens, but the capacity is %d", idx, lens[idx], capacity)
		}
	}
	return nil
}

// BestFitDecreasing packs the sequences given by indices (with lengths lens[idx]) into as few micro-batches
// of the given capacity as it can: sequences are considered from the longest to the shortest, and each one
// goes to the micro-batch with the least room left that still fits it.
func BestFitDecreasing(lens []int, indices []int, capacity int) ([]MicroBatch, error) {
	if err := checkFits(lens, indices, capacity); err != nil {
		return nil, err
	}
	var bins [][]int
	var used []int
	for _, idx := range descendingByLen(lens, indices) {
		best := -1
		for b := range bins {
			if used[b]+lens[idx] > capacity {
				continue
			}
			if best < 0 || used[b] > used[best] {
				best = b
			}
		}
		if best < 0 {
			bins = append(bins, nil)
			used = append(used, 0)
			best = len(bins) - 1
		}
		bins[best] = append(bins[best], idx)
		used[best] += lens[idx]
	}
	microBatches := make([]MicroBatch, len(bins))
	for b, bin := range bins {
		microBatches[b] = newMicroBatch(lens, bin)
	}
	return microBatches, nil
}

// GreedyPack packs the sequences in the given order: a new micro-batch is started whenever the next sequence
// doesn't fit in the current one.
func GreedyPack(lens []int, indices []int, capacity int) ([]MicroBatch, error) {
	if err := checkFits(lens, indices, capacity); err != nil {
		return nil, err
	}
	var microBatches []MicroBatch
	var current []int
	used := 0
	for _, idx := range indices {
		if len(current) > 0 && used+lens[idx] > capacity {
			microBatches = append(microBatches, newMicroBatch(lens, current))
			current, used = nil, 0
		}
		current = append(current, idx)
		used += lens[idx]
	}
	if len(current) > 0 {
		microBatches = append(microBatches, newMicroBatch(lens, current))
	}
	return microBatches, nil
}

// splitMicroBatch splits a micro-batch into two with balanced tokens: sequences from the longest to the
// shortest go to the half with the fewest tokens.
func splitMicroBatch(lens []int, mb MicroBatch) (MicroBatch, MicroBatch) {
	var halves [2][]int
	var used [2]int
	for _, idx := range descendingByLen(lens, mb.Indices) {
		h := 0
		if used[1] < used[0] {
			h = 1
		}
		halves[h] = append(halves[h], idx)
		used[h] += lens[idx]
	}
	return newMicroBatch(lens, halves[0]), newMicroBatch(lens, halves[1])
}
